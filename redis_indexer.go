package shopquery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PurchaserIndex keeps a reverse index in Redis sets so backends that can
// only list orders per user still answer "who bought product P" in one call.
//
// Key format:
//
//	purchasers:{generation}:{product_id}  set of user ids
//	purchasers-generation                 generation readers use
//	purchasers-staging                    generation a Rebuild is filling
//
// The index is derived data. Rebuild recomputes it into a fresh generation
// and switches readers over in one step, so a reader sees either the old
// index or the new one, never a half-built one. Add keeps it current when new
// orders arrive.
type PurchaserIndex struct {
	redis      *redis.Client
	prefix     string
	lock       *DistributedLock
	ownsClient bool
}

const (
	purchaserGenerationKey = "purchasers-generation"
	purchaserStagingKey    = "purchasers-staging"

	// initialGeneration holds the purchasers added before the first Rebuild.
	initialGeneration = "0"
)

// rebuildLockTTL bounds how long a crashed rebuild blocks the next one.
const rebuildLockTTL = 10 * time.Minute

// Scripts resolve the generation and touch its set in one atomic step.
// KEYS[1] generation key, KEYS[2] staging key, ARGV[1] prefix.
var (
	purchasersOfScript = redis.NewScript(`
local gen = redis.call("get", KEYS[1]) or ARGV[2]
return redis.call("smembers", ARGV[1] .. gen .. ":" .. ARGV[3])
`)

	purchaserCountScript = redis.NewScript(`
local gen = redis.call("get", KEYS[1]) or ARGV[2]
return redis.call("scard", ARGV[1] .. gen .. ":" .. ARGV[3])
`)

	// ARGV[3] user, ARGV[4..] products. Writes reach a running Rebuild too.
	purchaserAddScript = redis.NewScript(`
local gen = redis.call("get", KEYS[1]) or ARGV[2]
local staging = redis.call("get", KEYS[2])
for i = 4, #ARGV do
	redis.call("sadd", ARGV[1] .. gen .. ":" .. ARGV[i], ARGV[3])
	if staging then
		redis.call("sadd", ARGV[1] .. staging .. ":" .. ARGV[i], ARGV[3])
	end
end
return #ARGV - 3
`)

	purchaserRemoveScript = redis.NewScript(`
local gen = redis.call("get", KEYS[1]) or ARGV[2]
return redis.call("srem", ARGV[1] .. gen .. ":" .. ARGV[4], ARGV[3])
`)

	// Publishes ARGV[1] as the generation if it is still the staged one.
	// Returns the previous generation, or false when the staging was abandoned.
	purchaserSwapScript = redis.NewScript(`
if redis.call("get", KEYS[2]) ~= ARGV[1] then
	return false
end
local old = redis.call("get", KEYS[1]) or ARGV[2]
redis.call("set", KEYS[1], ARGV[1])
redis.call("del", KEYS[2])
return old
`)
)

// NewPurchaserIndex creates an index over client. The caller keeps ownership.
func NewPurchaserIndex(client *redis.Client) *PurchaserIndex {
	return &PurchaserIndex{
		redis:  client,
		prefix: "purchasers:",
		lock:   NewDistributedLock(client, "shopquery"),
	}
}

// NewPurchaserIndexWithOwnedClient creates an index that closes client on Close.
func NewPurchaserIndexWithOwnedClient(client *redis.Client) *PurchaserIndex {
	idx := NewPurchaserIndex(client)
	idx.ownsClient = true
	return idx
}

var purchaserKeys = []string{purchaserGenerationKey, purchaserStagingKey}

func (r *PurchaserIndex) generationKey(gen string, id ProductID) string {
	return r.prefix + gen + ":" + string(id)
}

// Add records the owner of o as a purchaser of every product on its lines.
// SADD is idempotent, so replaying an order is harmless.
func (r *PurchaserIndex) Add(ctx context.Context, o Order) error {
	if len(o.Lines) == 0 {
		return nil
	}
	if err := ValidateID("user_id", string(o.UserID)); err != nil {
		return err
	}
	args := make([]interface{}, 0, 3+len(o.Lines))
	args = append(args, r.prefix, initialGeneration, string(o.UserID))
	for _, line := range o.Lines {
		if err := ValidateID("product_id", string(line.ProductID)); err != nil {
			return err
		}
		args = append(args, string(line.ProductID))
	}
	if err := purchaserAddScript.Run(ctx, r.redis, purchaserKeys, args...).Err(); err != nil {
		return unavailable("purchaser_index", "add", err)
	}
	return nil
}

// PurchasersOf returns every indexed purchaser of id.
func (r *PurchaserIndex) PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error) {
	if err := ValidateID("product_id", string(id)); err != nil {
		return nil, err
	}
	members, err := purchasersOfScript.Run(ctx, r.redis, purchaserKeys, r.prefix, initialGeneration, string(id)).StringSlice()
	if err == redis.Nil {
		return []UserID{}, nil
	}
	if err != nil {
		return nil, unavailable("purchaser_index", "purchasers_of", err)
	}
	users := make([]UserID, len(members))
	for i, m := range members {
		users[i] = UserID(m)
	}
	return users, nil
}

// remove drops user from the purchasers of product.
func (r *PurchaserIndex) remove(ctx context.Context, product ProductID, user UserID) error {
	err := purchaserRemoveScript.Run(ctx, r.redis, purchaserKeys, r.prefix, initialGeneration, string(user), string(product)).Err()
	if err != nil && err != redis.Nil {
		return unavailable("purchaser_index", "remove", err)
	}
	return nil
}

// Count returns the number of distinct purchasers of id.
func (r *PurchaserIndex) Count(ctx context.Context, id ProductID) (int64, error) {
	n, err := purchaserCountScript.Run(ctx, r.redis, purchaserKeys, r.prefix, initialGeneration, string(id)).Int64()
	if err != nil {
		return 0, unavailable("purchaser_index", "count", err)
	}
	return n, nil
}

// Clear removes every generation of the index.
func (r *PurchaserIndex) Clear(ctx context.Context) error {
	if err := r.deleteMatching(ctx, r.prefix+"*"); err != nil {
		return err
	}
	if err := r.redis.Del(ctx, purchaserKeys...).Err(); err != nil {
		return unavailable("purchaser_index", "clear", err)
	}
	return nil
}

func (r *PurchaserIndex) deleteMatching(ctx context.Context, pattern string) error {
	iter := r.redis.Scan(ctx, 0, pattern, 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := r.redis.Del(ctx, batch...).Err(); err != nil {
				return unavailable("purchaser_index", "clear", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return unavailable("purchaser_index", "clear", err)
	}
	if len(batch) > 0 {
		if err := r.redis.Del(ctx, batch...).Err(); err != nil {
			return unavailable("purchaser_index", "clear", err)
		}
	}
	return nil
}

// RebuildStats summarizes one Rebuild run.
type RebuildStats struct {
	Users    int
	Orders   int
	Lines    int
	Duration time.Duration
}

// Rebuild recomputes the index from every order source holds.
//
// Useful for:
// - Initial population of a backend that has never been indexed
// - Repair after orders were written without calling Add
//
// The new generation is filled aside and published atomically; readers keep
// the previous generation until then, and a failed Rebuild leaves it in place.
// Only one process rebuilds at a time; a concurrent call fails with ErrLockHeld.
func (r *PurchaserIndex) Rebuild(ctx context.Context, source Adapter, logger Logger, metrics Metrics) (RebuildStats, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	start := time.Now()
	var stats RebuildStats

	release, err := r.lock.Lock(ctx, "purchaser-index", rebuildLockTTL)
	if err != nil {
		return stats, err
	}
	defer release()

	gen := NewID()
	if err := r.redis.Set(ctx, purchaserStagingKey, gen, rebuildLockTTL).Err(); err != nil {
		return stats, unavailable("purchaser_index", "rebuild", err)
	}

	if err := r.fill(ctx, gen, source, &stats); err != nil {
		r.abandon(gen, logger)
		return stats, err
	}

	old, err := purchaserSwapScript.Run(ctx, r.redis, purchaserKeys, gen, initialGeneration).Text()
	if err == redis.Nil {
		r.abandon(gen, logger)
		return stats, fmt.Errorf("rebuild purchaser index: staging expired before publish: %w", ErrTimeout)
	}
	if err != nil {
		r.abandon(gen, logger)
		return stats, unavailable("purchaser_index", "rebuild", err)
	}
	if err := r.deleteMatching(context.Background(), r.prefix+old+":*"); err != nil {
		logger.Warn("previous purchaser index generation not removed", "generation", old, "error", err)
	}

	stats.Duration = time.Since(start)
	metrics.Increment(MetricIndexRebuild, "backend", source.Name())
	logger.Info("purchaser index rebuilt",
		"backend", source.Name(),
		"generation", gen,
		"users", stats.Users,
		"orders", stats.Orders,
		"lines", stats.Lines,
		"duration_ms", stats.Duration.Milliseconds(),
	)
	return stats, nil
}

// fill writes the purchasers of every order of source into generation gen.
func (r *PurchaserIndex) fill(ctx context.Context, gen string, source Adapter, stats *RebuildStats) error {
	users, err := source.AllUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		orders, err := source.OrdersOfUser(ctx, u)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return fmt.Errorf("rebuild purchaser index at user %s: %w", u, err)
		}
		pipe := r.redis.Pipeline()
		queued := 0
		for _, o := range orders {
			for _, line := range o.Lines {
				pipe.SAdd(ctx, r.generationKey(gen, line.ProductID), string(u))
			}
			queued += len(o.Lines)
		}
		stats.Lines += queued
		if queued > 0 {
			if _, err := pipe.Exec(ctx); err != nil {
				return unavailable("purchaser_index", "rebuild", err)
			}
		}
		stats.Orders += len(orders)
		stats.Users++
	}
	return nil
}

// abandon drops a staged generation that will never be published.
func (r *PurchaserIndex) abandon(gen string, logger Logger) {
	ctx := context.Background()
	if err := r.redis.Eval(ctx, `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) end return 0`,
		[]string{purchaserStagingKey}, gen).Err(); err != nil && err != redis.Nil {
		logger.Warn("purchaser index staging not cleared", "generation", gen, "error", err)
	}
	if err := r.deleteMatching(ctx, r.prefix+gen+":*"); err != nil {
		logger.Warn("abandoned purchaser index generation not removed", "generation", gen, "error", err)
	}
}

// Ping checks the Redis connection.
func (r *PurchaserIndex) Ping(ctx context.Context) error {
	return unavailable("purchaser_index", "ping", r.redis.Ping(ctx).Err())
}

// Close releases the Redis client if the index owns it.
func (r *PurchaserIndex) Close() error {
	if r.ownsClient && r.redis != nil {
		return r.redis.Close()
	}
	return nil
}

// IndexedAdapter adds a PurchaserIndex to an adapter that lacks a reverse index.
type IndexedAdapter struct {
	Adapter
	index *PurchaserIndex
}

// WithPurchaserIndex wraps inner so it advertises a reverse index served by index.
// Snapshot support is dropped: the index lives outside the wrapped store's snapshot.
func WithPurchaserIndex(inner Adapter, index *PurchaserIndex) *IndexedAdapter {
	return &IndexedAdapter{Adapter: inner, index: index}
}

func (a *IndexedAdapter) Capabilities() Capabilities {
	return Capabilities{HasReverseIndex: true}
}

func (a *IndexedAdapter) PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error) {
	return a.index.PurchasersOf(ctx, id)
}

// Index returns the purchaser index.
func (a *IndexedAdapter) Index() *PurchaserIndex {
	return a.index
}

// Unwrap returns the wrapped adapter.
func (a *IndexedAdapter) Unwrap() Adapter {
	return a.Adapter
}

func (a *IndexedAdapter) Close() error {
	err := a.Adapter.Close()
	if cerr := a.index.Close(); err == nil {
		err = cerr
	}
	return err
}
