package shopquery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMemoryAdapter(t *testing.T) {
	runAdapterSuite(t, newShopMemoryAdapter(t, false))
}

func TestMemoryAdapterWithReverseIndex(t *testing.T) {
	runAdapterSuite(t, newShopMemoryAdapter(t, true))
}

func TestMemoryAdapterQueries(t *testing.T) {
	t.Run("scan only", func(t *testing.T) {
		runServiceSuite(t, newShopMemoryAdapter(t, false))
	})
	t.Run("reverse index", func(t *testing.T) {
		runServiceSuite(t, newShopMemoryAdapter(t, true))
	})
}

func TestMemoryAdapterRejectsInvalidOrders(t *testing.T) {
	m := NewMemoryAdapter(true)

	tests := []struct {
		name  string
		order Order
	}{
		{"zero quantity", Order{ID: "1", UserID: "1", Lines: []OrderLine{{ProductID: "100", Quantity: 0}}}},
		{"negative total", Order{ID: "2", UserID: "1", Total: decimal.NewFromInt(-1)}},
		{"empty user", Order{ID: "3", Lines: []OrderLine{{ProductID: "100", Quantity: 1}}}},
		{"control character in product", Order{ID: "4", UserID: "1", Lines: []OrderLine{{ProductID: "1\n00", Quantity: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.PutOrder(tt.order); !IsInvalidArgument(err) {
				t.Errorf("Expected ErrInvalidArgument, got %v", err)
			}
		})
	}

	if err := m.PutProduct(Product{ID: "100", Price: decimal.NewFromInt(-5)}); !IsInvalidArgument(err) {
		t.Errorf("Expected ErrInvalidArgument for a negative price, got %v", err)
	}
}

func TestMemoryAdapterReplacingOrderKeepsOneEntry(t *testing.T) {
	m := newShopMemoryAdapter(t, true)
	ctx := context.Background()

	o, err := m.GetOrder(ctx, "5003")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if err := m.PutOrder(*o); err != nil {
		t.Fatalf("PutOrder failed: %v", err)
	}

	orders, err := m.OrdersOfUser(ctx, "2")
	if err != nil {
		t.Fatalf("OrdersOfUser failed: %v", err)
	}
	if len(orders) != 1 {
		t.Errorf("Expected one order after replacing it, got %v", orderIDs(orders))
	}
}

func TestMemoryAdapterReplacingOrderMovesOwnerAndLines(t *testing.T) {
	m := newShopMemoryAdapter(t, true)
	ctx := context.Background()

	o, err := m.GetOrder(ctx, "5004")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	moved := *o
	moved.UserID = "4"
	moved.Lines = []OrderLine{{ProductID: "101", Quantity: 1}}
	if err := m.PutOrder(moved); err != nil {
		t.Fatalf("PutOrder failed: %v", err)
	}

	orders, err := m.OrdersOfUser(ctx, "3")
	if err != nil {
		t.Fatalf("OrdersOfUser failed: %v", err)
	}
	if len(orders) != 0 {
		t.Errorf("Expected user 3 to have no orders left, got %v", orderIDs(orders))
	}
	orders, err = m.OrdersOfUser(ctx, "4")
	if err != nil {
		t.Fatalf("OrdersOfUser failed: %v", err)
	}
	if got := orderIDs(orders); !equalStrings(got, []string{"5004"}) {
		t.Errorf("Expected user 4 to own 5004, got %v", got)
	}

	buyers, err := m.PurchasersOf(ctx, "103")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if len(buyers) != 0 {
		t.Errorf("Expected no purchasers of 103, got %v", buyers)
	}
	buyers, err = m.PurchasersOf(ctx, "101")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if got := userIDSet(buyers); !equalStrings(got, []string{"1", "2", "4"}) {
		t.Errorf("Expected purchasers 1, 2 and 4 of 101, got %v", got)
	}

	// Both strategies must still agree after the move.
	for _, strategy := range []Strategy{StrategyScan, StrategyIndex} {
		cfg := DefaultQueryConfig()
		cfg.Strategy = strategy
		svc, err := NewQueryService(m, cfg)
		if err != nil {
			t.Fatalf("NewQueryService(%s) failed: %v", strategy, err)
		}
		for id, want := range map[UserID][]string{"1": {"2", "4"}, "3": {}, "4": {"1", "2"}} {
			got, err := svc.SimilarUsers(ctx, id)
			if err != nil {
				t.Fatalf("SimilarUsers(%s) failed: %v", id, err)
			}
			if ids := userIDSet(got.Sorted()); !equalStrings(ids, want) {
				t.Errorf("%s: SimilarUsers(%s) = %v, want %v", strategy, id, ids, want)
			}
		}
		svc.Close()
	}
}

func TestMemoryAdapterReplacingOrderKeepsOtherPurchases(t *testing.T) {
	m := newShopMemoryAdapter(t, true)
	ctx := context.Background()

	// User 1 bought 100 in both 5001 and 5002; dropping it from 5002 keeps them a purchaser.
	o, err := m.GetOrder(ctx, "5002")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	replaced := *o
	replaced.Lines = []OrderLine{{ProductID: "102", Quantity: 1}}
	if err := m.PutOrder(replaced); err != nil {
		t.Fatalf("PutOrder failed: %v", err)
	}

	buyers, err := m.PurchasersOf(ctx, "100")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if got := userIDSet(buyers); !equalStrings(got, []string{"1"}) {
		t.Errorf("Expected user 1 to remain a purchaser of 100, got %v", got)
	}
	buyers, err = m.PurchasersOf(ctx, "102")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if got := userIDSet(buyers); !equalStrings(got, []string{"1", "2"}) {
		t.Errorf("Expected purchasers 1 and 2 of 102, got %v", got)
	}
}

func TestQueriesAreIdempotent(t *testing.T) {
	svc, err := NewQueryService(newShopMemoryAdapter(t, true), DefaultQueryConfig())
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	defer svc.Close()
	ctx := context.Background()

	first, err := svc.SimilarUsers(ctx, "1")
	if err != nil {
		t.Fatalf("SimilarUsers failed: %v", err)
	}
	second, err := svc.SimilarUsers(ctx, "1")
	if err != nil {
		t.Fatalf("SimilarUsers failed: %v", err)
	}
	if !first.Equal(second) {
		t.Errorf("Repeated query differs: %v vs %v", first.Sorted(), second.Sorted())
	}

	a, err := svc.ProductsByCategory(ctx, "10")
	if err != nil {
		t.Fatalf("ProductsByCategory failed: %v", err)
	}
	b, err := svc.ProductsByCategory(ctx, "10")
	if err != nil {
		t.Fatalf("ProductsByCategory failed: %v", err)
	}
	if !equalStrings(productIDSet(a), productIDSet(b)) || len(a) != len(b) {
		t.Errorf("Repeated query differs: %v vs %v", productIDSet(a), productIDSet(b))
	}
}

// blockingAdapter stalls OrdersOfUser for every user but one until the
// context ends.
type blockingAdapter struct {
	*MemoryAdapter
	fast UserID
}

func (b *blockingAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	if id == b.fast {
		return b.MemoryAdapter.OrdersOfUser(ctx, id)
	}
	<-ctx.Done()
	return nil, unavailable(b.Name(), "orders_of_user", ctx.Err())
}

func TestQueryTimeoutReturnsNoPartialResult(t *testing.T) {
	adapter := &blockingAdapter{MemoryAdapter: newShopMemoryAdapter(t, false), fast: "1"}

	cfg := DefaultQueryConfig()
	cfg.Timeout = 50 * time.Millisecond
	svc, err := NewQueryService(adapter, cfg)
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	defer svc.Close()

	start := time.Now()
	users, err := svc.SimilarUsers(context.Background(), "1")
	if err == nil {
		t.Fatalf("Expected a timeout, got %v", users.Sorted())
	}
	if users != nil {
		t.Errorf("Expected no partial result, got %v", users.Sorted())
	}
	if !IsStorageUnavailable(err) || !IsTimeout(err) {
		t.Errorf("Expected a storage timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Timeout was not enforced, query took %s", elapsed)
	}
}

func TestCallerCancellationStopsQuery(t *testing.T) {
	adapter := &blockingAdapter{MemoryAdapter: newShopMemoryAdapter(t, false), fast: "1"}
	svc, err := NewQueryService(adapter, DefaultQueryConfig())
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	if _, err := svc.SimilarUsers(ctx, "1"); !IsStorageUnavailable(err) {
		t.Errorf("Expected ErrStorageUnavailable after cancellation, got %v", err)
	}
}

// failingAdapter fails every call for one user.
type failingAdapter struct {
	*MemoryAdapter
	broken UserID
}

var errDiskOnFire = errors.New("disk on fire")

func (f *failingAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	if id == f.broken {
		return nil, unavailable(f.Name(), "orders_of_user", errDiskOnFire)
	}
	return f.MemoryAdapter.OrdersOfUser(ctx, id)
}

func TestBackendFailureFailsWholeQuery(t *testing.T) {
	adapter := &failingAdapter{MemoryAdapter: newShopMemoryAdapter(t, false), broken: "3"}
	metrics := NewInMemoryMetrics()
	svc, err := NewQueryServiceWithObservability(adapter, DefaultQueryConfig(), nil, metrics)
	if err != nil {
		t.Fatalf("NewQueryServiceWithObservability failed: %v", err)
	}
	defer svc.Close()

	users, err := svc.SimilarUsers(context.Background(), "1")
	if !IsStorageUnavailable(err) {
		t.Fatalf("Expected ErrStorageUnavailable, got %v (%v)", err, users)
	}
	if !errors.Is(err, errDiskOnFire) {
		t.Errorf("Expected the driver error to be preserved, got %v", err)
	}
	if users != nil {
		t.Errorf("Expected no partial result, got %v", users.Sorted())
	}
	if metrics.Count(MetricQueryErrors) != 1 {
		t.Errorf("Expected one recorded query error, got %d", metrics.Count(MetricQueryErrors))
	}

	// The broken user only matters to queries that read it.
	if _, err := svc.ProductsByUser(context.Background(), "1"); err != nil {
		t.Errorf("ProductsByUser failed: %v", err)
	}
}

func TestIndexStrategyRequiresReverseIndex(t *testing.T) {
	cfg := DefaultQueryConfig()
	cfg.Strategy = StrategyIndex
	if _, err := NewQueryService(NewMemoryAdapter(false), cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}

	svc, err := NewQueryService(NewMemoryAdapter(true), DefaultQueryConfig())
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	defer svc.Close()
	if svc.Strategy() != StrategyIndex {
		t.Errorf("Expected the index strategy to be chosen, got %q", svc.Strategy())
	}
}

// randomShop fills an adapter with random orders. Users without orders and
// products nobody bought are part of the mix.
func randomShop(t *testing.T, rng *rand.Rand, users, products int) *MemoryAdapter {
	t.Helper()
	m := NewMemoryAdapter(true)
	for u := 0; u < users; u++ {
		if err := m.PutUser(User{ID: UserID(fmt.Sprint(u)), Name: fmt.Sprintf("user %d", u)}); err != nil {
			t.Fatal(err)
		}
	}
	for p := 0; p < products; p++ {
		err := m.PutProduct(Product{ID: ProductID(fmt.Sprint(1000 + p)), Name: fmt.Sprintf("product %d", p), Price: decimal.NewFromInt(int64(p))})
		if err != nil {
			t.Fatal(err)
		}
	}
	orderID := 0
	for u := 0; u < users; u++ {
		for n := rng.Intn(3); n > 0; n-- {
			orderID++
			o := Order{ID: OrderID(fmt.Sprint(orderID)), UserID: UserID(fmt.Sprint(u))}
			for l := rng.Intn(3) + 1; l > 0; l-- {
				o.Lines = append(o.Lines, OrderLine{ProductID: ProductID(fmt.Sprint(1000 + rng.Intn(products))), Quantity: 1})
			}
			if err := m.PutOrder(o); err != nil {
				t.Fatal(err)
			}
		}
	}
	return m
}

func TestScanAndIndexAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for round := 0; round < 5; round++ {
		m := randomShop(t, rng, 40, 25)

		scanCfg := DefaultQueryConfig()
		scanCfg.Strategy = StrategyScan
		scan, err := NewQueryService(m, scanCfg)
		if err != nil {
			t.Fatalf("NewQueryService failed: %v", err)
		}
		indexCfg := DefaultQueryConfig()
		indexCfg.Strategy = StrategyIndex
		index, err := NewQueryService(m, indexCfg)
		if err != nil {
			t.Fatalf("NewQueryService failed: %v", err)
		}

		for u := 0; u < 40; u++ {
			id := UserID(fmt.Sprint(u))
			a, err := scan.SimilarUsers(ctx, id)
			if err != nil {
				t.Fatalf("scan SimilarUsers(%s) failed: %v", id, err)
			}
			b, err := index.SimilarUsers(ctx, id)
			if err != nil {
				t.Fatalf("index SimilarUsers(%s) failed: %v", id, err)
			}
			if !a.Equal(b) {
				t.Errorf("round %d user %s: scan %v, index %v", round, id, a.Sorted(), b.Sorted())
			}
			if a.Contains(id) {
				t.Errorf("round %d user %s: result contains the user itself", round, id)
			}

			// Similarity is symmetric.
			for _, other := range a.Sorted() {
				back, err := scan.SimilarUsers(ctx, other)
				if err != nil {
					t.Fatalf("SimilarUsers(%s) failed: %v", other, err)
				}
				if !back.Contains(id) {
					t.Errorf("round %d: %s is similar to %s but not the other way round", round, other, id)
				}
			}
		}
		scan.Close()
		index.Close()
	}
}

func TestConcurrentQueries(t *testing.T) {
	svc, err := NewQueryService(newShopMemoryAdapter(t, false), QueryConfig{MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	defer svc.Close()

	const workers = 16
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			users, err := svc.SimilarUsers(context.Background(), "2")
			if err == nil && !users.Equal(NewUserSet("1")) {
				err = fmt.Errorf("expected [1], got %v", users.Sorted())
			}
			errs <- err
		}()
	}
	for i := 0; i < workers; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

// countingAdapter counts AllUserIDs calls.
type countingAdapter struct {
	*MemoryAdapter
	allUserCalls atomic.Int32
}

func (c *countingAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	c.allUserCalls.Add(1)
	return c.MemoryAdapter.AllUserIDs(ctx)
}

func TestScanSkipsUserListingWithoutPurchases(t *testing.T) {
	adapter := &countingAdapter{MemoryAdapter: newShopMemoryAdapter(t, false)}
	cfg := DefaultQueryConfig()
	cfg.Strategy = StrategyScan
	svc, err := NewQueryService(adapter, cfg)
	if err != nil {
		t.Fatalf("NewQueryService failed: %v", err)
	}
	defer svc.Close()
	ctx := context.Background()

	// User 4 has no orders, user 999 does not exist.
	for _, id := range []UserID{"4", "999"} {
		got, err := svc.SimilarUsers(ctx, id)
		if err != nil {
			t.Fatalf("SimilarUsers(%s) failed: %v", id, err)
		}
		if len(got) != 0 {
			t.Errorf("Expected no similar users for %s, got %v", id, got.Sorted())
		}
		if _, err := svc.SimilarUserRecords(ctx, id); err != nil {
			t.Fatalf("SimilarUserRecords(%s) failed: %v", id, err)
		}
	}
	if n := adapter.allUserCalls.Load(); n != 0 {
		t.Errorf("Expected no AllUserIDs calls for empty purchase sets, got %d", n)
	}

	if _, err := svc.SimilarUsers(ctx, "1"); err != nil {
		t.Fatalf("SimilarUsers(1) failed: %v", err)
	}
	if n := adapter.allUserCalls.Load(); n != 1 {
		t.Errorf("Expected one AllUserIDs call for a user with purchases, got %d", n)
	}
}
