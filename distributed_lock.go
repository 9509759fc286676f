package shopquery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedLock provides Redis-based locking for coordinating maintenance
// work across several shopquery processes sharing one Redis.
//
// Used to keep purchaser index rebuilds and repairs from interleaving.
type DistributedLock struct {
	redis      *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
}

// NewDistributedLock creates a lock manager using Redis.
func NewDistributedLock(client *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      client,
		keyPrefix:  keyPrefix,
		defaultTTL: 30 * time.Second,
	}
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lock acquires the lock named key.
// Returns a release function that MUST be called to release the lock.
// A lock held elsewhere is reported as ErrLockHeld.
func (l *DistributedLock) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl == 0 {
		ttl = l.defaultTTL
	}

	lockKey := fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
	token := NewID()

	ok, err := l.redis.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, unavailable("lock", "acquire", err)
	}
	if !ok {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"key": key,
			"ttl": ttl,
		})
	}

	release := func() {
		// The caller's context may already be done.
		l.redis.Eval(context.Background(), releaseScript, []string{lockKey}, token)
	}
	return release, nil
}

// TryLockWithRetry retries Lock with exponential backoff while the lock is held.
func (l *DistributedLock) TryLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int) (func(), error) {
	backoff := 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		release, err := l.Lock(ctx, key, ttl)
		if err == nil {
			return release, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err

		if i < maxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, unavailable("lock", "acquire", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("failed to acquire lock after %d retries: %w", maxRetries, lastErr)
}
