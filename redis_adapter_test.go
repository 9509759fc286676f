package shopquery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newShopRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisAdapter) {
	t.Helper()
	mr, client := setupRedis(t)
	a := NewRedisAdapter(client)
	if err := a.ImportDataset(context.Background(), loadShop(t)); err != nil {
		t.Fatalf("ImportDataset failed: %v", err)
	}
	return mr, client, a
}

func TestRedisAdapter(t *testing.T) {
	_, _, a := newShopRedis(t)
	runAdapterSuite(t, a)
	runServiceSuite(t, a)
}

func TestRedisAdapterKeyLayout(t *testing.T) {
	mr, _, _ := newShopRedis(t)

	if got := mr.HGet("user:1", "name"); got != "Ada" {
		t.Errorf("Expected user:1 name Ada, got %q", got)
	}
	members, err := mr.SMembers("user:1:orders")
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	if !equalStrings(members, []string{"5001", "5002"}) {
		t.Errorf("Expected user:1:orders [5001 5002], got %v", members)
	}
	members, err = mr.SMembers("category:10:products")
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	if !equalStrings(members, []string{"100", "101"}) {
		t.Errorf("Expected category:10:products [100 101], got %v", members)
	}
}

func TestRedisAdapterSkipsDanglingOrderIDs(t *testing.T) {
	mr, _, a := newShopRedis(t)
	if _, err := mr.SAdd("user:1:orders", "9999"); err != nil {
		t.Fatalf("SAdd failed: %v", err)
	}

	orders, err := a.OrdersOfUser(context.Background(), "1")
	if err != nil {
		t.Fatalf("OrdersOfUser failed: %v", err)
	}
	if got := orderIDs(orders); !equalStrings(got, []string{"5001", "5002"}) {
		t.Errorf("Expected [5001 5002], got %v", got)
	}
}

func TestRedisAdapterRejectsColonInIDs(t *testing.T) {
	_, _, a := newShopRedis(t)
	ctx := context.Background()

	// "1:orders" would otherwise read the order set of user 1 as a user hash.
	if _, err := a.GetUser(ctx, "1:orders"); !IsInvalidArgument(err) {
		t.Errorf("Expected ErrInvalidArgument for GetUser, got %v", err)
	}
	if _, err := a.OrdersOfUser(ctx, "1:orders"); !IsInvalidArgument(err) {
		t.Errorf("Expected ErrInvalidArgument for OrdersOfUser, got %v", err)
	}
	if _, err := a.ProductsInCategory(ctx, "10:products"); !IsInvalidArgument(err) {
		t.Errorf("Expected ErrInvalidArgument for ProductsInCategory, got %v", err)
	}

	svc, err := NewQueryService(a, DefaultQueryConfig())
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	defer svc.Close()
	if _, err := svc.SimilarUsers(ctx, "1:orders"); !IsInvalidArgument(err) || IsStorageUnavailable(err) {
		t.Errorf("Expected ErrInvalidArgument from the service, got %v", err)
	}

	ds := &Dataset{Users: []User{{ID: "a:b", Name: "Colon"}}}
	if err := a.ImportDataset(ctx, ds); !IsInvalidArgument(err) {
		t.Errorf("Expected ErrInvalidArgument importing a colon id, got %v", err)
	}
}

func TestRedisAdapterErrorsAreUnavailable(t *testing.T) {
	mr, _, a := newShopRedis(t)
	mr.SetError("LOADING Redis is loading the dataset in memory")

	if _, err := a.OrdersOfUser(context.Background(), "1"); !IsStorageUnavailable(err) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := a.GetUser(context.Background(), "1"); !IsStorageUnavailable(err) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}

	svc, err := NewQueryService(a, DefaultQueryConfig())
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	defer svc.Close()
	if _, err := svc.SimilarUsers(context.Background(), "1"); !IsStorageUnavailable(err) {
		t.Errorf("Expected ErrStorageUnavailable from the service, got %v", err)
	}

	mr.SetError("")
	if err := a.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed after recovery: %v", err)
	}
}

func TestPurchaserIndexRebuild(t *testing.T) {
	_, client, a := newShopRedis(t)
	ctx := context.Background()

	index := NewPurchaserIndex(client)
	metrics := NewInMemoryMetrics()
	stats, err := index.Rebuild(ctx, a, nil, metrics)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if stats.Orders != 4 || stats.Lines != 6 {
		t.Errorf("Expected 4 orders with 6 lines, got %+v", stats)
	}
	if metrics.Count(MetricIndexRebuild) != 1 {
		t.Errorf("Expected one rebuild to be recorded, got %d", metrics.Count(MetricIndexRebuild))
	}

	n, err := index.Count(ctx, "101")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 purchasers of 101, got %d", n)
	}

	indexed := WithPurchaserIndex(a, index)
	runAdapterSuite(t, indexed)
	runServiceSuite(t, indexed)
}

func TestPurchaserIndexAddAndClear(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	index := NewPurchaserIndex(client)

	o := Order{ID: "1", UserID: "7", Lines: []OrderLine{{ProductID: "100", Quantity: 1}, {ProductID: "101", Quantity: 2}}}
	if err := index.Add(ctx, o); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	// Replaying an order changes nothing.
	if err := index.Add(ctx, o); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	users, err := index.PurchasersOf(ctx, "100")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if len(users) != 1 || users[0] != "7" {
		t.Errorf("Expected [7], got %v", users)
	}

	if err := index.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	users, err = index.PurchasersOf(ctx, "100")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("Expected no purchasers after Clear, got %v", users)
	}
}

func TestIndexedAdapterDropsSnapshots(t *testing.T) {
	_, client := setupRedis(t)
	indexed := WithPurchaserIndex(newShopMemoryAdapter(t, false), NewPurchaserIndex(client))

	caps := indexed.Capabilities()
	if !caps.HasReverseIndex || caps.SupportsSnapshot {
		t.Errorf("Unexpected capabilities %+v", caps)
	}
	if _, ok := reverseIndexOf(indexed); !ok {
		t.Error("Expected the indexed adapter to expose its reverse index")
	}
}

// pausingSource stops inside OrdersOfUser(at) until resume is closed.
type pausingSource struct {
	Adapter
	at      UserID
	reached chan struct{}
	resume  chan struct{}
}

func newPausingSource(inner Adapter, at UserID) *pausingSource {
	return &pausingSource{Adapter: inner, at: at, reached: make(chan struct{}), resume: make(chan struct{})}
}

func (p *pausingSource) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	if id == p.at {
		close(p.reached)
		<-p.resume
	}
	return p.Adapter.OrdersOfUser(ctx, id)
}

func purchaserSetCount(mr *miniredis.Miniredis) int {
	n := 0
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "purchasers:") {
			n++
		}
	}
	return n
}

func TestPurchaserIndexReadersNeverSeePartialRebuild(t *testing.T) {
	mr, client, a := newShopRedis(t)
	ctx := context.Background()
	index := NewPurchaserIndex(client)
	if _, err := index.Rebuild(ctx, a, nil, nil); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	cfg := DefaultQueryConfig()
	cfg.Strategy = StrategyIndex
	svc, err := NewQueryService(WithPurchaserIndex(a, index), cfg)
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	defer svc.Close()

	similarTo1 := func() []string {
		t.Helper()
		got, err := svc.SimilarUsers(ctx, "1")
		if err != nil {
			t.Fatalf("SimilarUsers failed: %v", err)
		}
		return userIDSet(got.Sorted())
	}
	if got := similarTo1(); !equalStrings(got, []string{"2"}) {
		t.Fatalf("Expected [2] before the rebuild, got %v", got)
	}

	source := newPausingSource(a, "2")
	rebuilt := make(chan error, 1)
	go func() {
		_, err := index.Rebuild(ctx, source, nil, nil)
		rebuilt <- err
	}()
	<-source.reached

	if got := similarTo1(); !equalStrings(got, []string{"2"}) {
		t.Errorf("Expected [2] while the rebuild runs, got %v", got)
	}
	// An order indexed mid-rebuild survives the switch to the new generation.
	if err := index.Add(ctx, Order{UserID: "4", Lines: []OrderLine{{ProductID: "101", Quantity: 1}}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	close(source.resume)
	if err := <-rebuilt; err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	if got := similarTo1(); !equalStrings(got, []string{"2", "4"}) {
		t.Errorf("Expected [2 4] after the rebuild, got %v", got)
	}
	// Only the published generation remains: products 100 to 103.
	if n := purchaserSetCount(mr); n != 4 {
		t.Errorf("Expected 4 purchaser sets after the rebuild, got %d", n)
	}
	if mr.Exists("purchasers-staging") {
		t.Error("Expected the staging generation to be cleared")
	}
}

func TestPurchaserIndexFailedRebuildKeepsIndex(t *testing.T) {
	mr, client, a := newShopRedis(t)
	ctx := context.Background()
	index := NewPurchaserIndex(client)
	if _, err := index.Rebuild(ctx, a, nil, nil); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	broken := &failingAdapter{MemoryAdapter: newShopMemoryAdapter(t, false), broken: "3"}
	if _, err := index.Rebuild(ctx, broken, nil, nil); !errors.Is(err, errDiskOnFire) {
		t.Fatalf("Expected the source failure, got %v", err)
	}

	users, err := index.PurchasersOf(ctx, "101")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if got := userIDSet(users); !equalStrings(got, []string{"1", "2"}) {
		t.Errorf("Expected the previous index to stay in place, got %v", got)
	}
	if n := purchaserSetCount(mr); n != 4 {
		t.Errorf("Expected the abandoned generation to be removed, got %d sets", n)
	}
	if mr.Exists("purchasers-staging") {
		t.Error("Expected the staging generation to be cleared")
	}
}
