package shopquery

import (
	"context"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
)

// loadShop returns a fresh copy of testdata/shop.json.
//
// Orders 5001-5004. Users: 1 bought {100,101}, 2 bought {101,102}, 3 bought {103}, 4 has no orders.
// Category 10 holds {100,101} (with redundant links), 11 holds {102}, 12 is empty.
func loadShop(t testing.TB) *Dataset {
	t.Helper()
	ds, err := LoadDataset("testdata/shop.json")
	if err != nil {
		t.Fatalf("Failed to load dataset: %v", err)
	}
	return ds
}

func newShopMemoryAdapter(t testing.TB, reverseIndex bool) *MemoryAdapter {
	t.Helper()
	m := NewMemoryAdapter(reverseIndex)
	if err := m.Load(loadShop(t)); err != nil {
		t.Fatalf("Failed to load memory adapter: %v", err)
	}
	return m
}

func orderIDs(orders []Order) []string {
	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = string(o.ID)
	}
	sort.Strings(ids)
	return ids
}

func productIDSet(products []Product) []string {
	seen := map[string]bool{}
	var ids []string
	for _, p := range products {
		if !seen[string(p.ID)] {
			seen[string(p.ID)] = true
			ids = append(ids, string(p.ID))
		}
	}
	sort.Strings(ids)
	return ids
}

func userIDSet(users []UserID) []string {
	seen := map[string]bool{}
	var ids []string
	for _, u := range users {
		if !seen[string(u)] {
			seen[string(u)] = true
			ids = append(ids, string(u))
		}
	}
	sort.Strings(ids)
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// runAdapterSuite checks an adapter seeded with testdata/shop.json against the
// Adapter contract.
func runAdapterSuite(t *testing.T, a Adapter) {
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := a.Ping(ctx); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})

	t.Run("CapabilitiesAreImplemented", func(t *testing.T) {
		if err := checkCapabilities(a); err != nil {
			t.Fatalf("checkCapabilities failed: %v", err)
		}
	})

	t.Run("OrdersOfUser", func(t *testing.T) {
		orders, err := a.OrdersOfUser(ctx, "1")
		if err != nil {
			t.Fatalf("OrdersOfUser failed: %v", err)
		}
		if got := orderIDs(orders); !equalStrings(got, []string{"5001", "5002"}) {
			t.Fatalf("Expected orders [5001 5002], got %v", got)
		}
		set := NewPurchaseSet(orders)
		if got := set.Sorted(); len(got) != 2 || got[0] != "100" || got[1] != "101" {
			t.Errorf("Expected purchase set [100 101], got %v", got)
		}
		for _, o := range orders {
			if o.UserID != "1" {
				t.Errorf("Order %s has user %q, want 1", o.ID, o.UserID)
			}
		}
	})

	t.Run("OrdersOfUserWithoutOrders", func(t *testing.T) {
		for _, id := range []UserID{"4", "999"} {
			orders, err := a.OrdersOfUser(ctx, id)
			if err != nil && !IsNotFound(err) {
				t.Fatalf("OrdersOfUser(%s) failed: %v", id, err)
			}
			if len(orders) != 0 {
				t.Errorf("Expected no orders for %s, got %v", id, orderIDs(orders))
			}
		}
	})

	t.Run("ProductsInCategory", func(t *testing.T) {
		products, err := a.ProductsInCategory(ctx, "10")
		if err != nil {
			t.Fatalf("ProductsInCategory failed: %v", err)
		}
		if got := productIDSet(products); !equalStrings(got, []string{"100", "101"}) {
			t.Errorf("Expected products [100 101], got %v", got)
		}
		for _, p := range products {
			if p.Name == "" {
				t.Errorf("Product %s returned without a name", p.ID)
			}
		}
	})

	t.Run("ProductsInEmptyOrUnknownCategory", func(t *testing.T) {
		for _, id := range []CategoryID{"12", "999"} {
			products, err := a.ProductsInCategory(ctx, id)
			if err != nil && !IsNotFound(err) {
				t.Fatalf("ProductsInCategory(%s) failed: %v", id, err)
			}
			if len(products) != 0 {
				t.Errorf("Expected no products in %s, got %v", id, productIDSet(products))
			}
		}
	})

	t.Run("AllUserIDs", func(t *testing.T) {
		ids, err := a.AllUserIDs(ctx)
		if err != nil {
			t.Fatalf("AllUserIDs failed: %v", err)
		}
		got := userIDSet(ids)
		for _, want := range []string{"1", "2", "3", "4"} {
			i := sort.SearchStrings(got, want)
			if i == len(got) || got[i] != want {
				t.Errorf("Expected user %s in %v", want, got)
			}
		}
	})

	t.Run("GetUser", func(t *testing.T) {
		u, err := a.GetUser(ctx, "1")
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if u.ID != "1" || u.Name != "Ada" || u.Email != "ada@example.com" {
			t.Errorf("Unexpected user %+v", u)
		}
		if _, err := a.GetUser(ctx, "999"); !IsNotFound(err) {
			t.Errorf("Expected ErrNotFound for unknown user, got %v", err)
		}
	})

	t.Run("GetProduct", func(t *testing.T) {
		p, err := a.GetProduct(ctx, "101")
		if err != nil {
			t.Fatalf("GetProduct failed: %v", err)
		}
		if p.Name != "Toaster" || !p.Price.Equal(decimal.RequireFromString("24.50")) || p.CategoryID != "10" {
			t.Errorf("Unexpected product %+v", p)
		}
		if _, err := a.GetProduct(ctx, "999"); !IsNotFound(err) {
			t.Errorf("Expected ErrNotFound for unknown product, got %v", err)
		}
	})

	t.Run("GetCategory", func(t *testing.T) {
		c, err := a.GetCategory(ctx, "10")
		if err != nil {
			t.Fatalf("GetCategory failed: %v", err)
		}
		// The jsonb schema has no category table and names categories by id.
		if c.ID != "10" || (c.Name != "Kitchen" && c.Name != string(c.ID)) {
			t.Errorf("Expected Kitchen, got %+v", c)
		}
		if _, err := a.GetCategory(ctx, "999"); !IsNotFound(err) {
			t.Errorf("Expected ErrNotFound for unknown category, got %v", err)
		}
	})

	t.Run("GetOrder", func(t *testing.T) {
		o, err := a.GetOrder(ctx, "5003")
		if err != nil {
			t.Fatalf("GetOrder failed: %v", err)
		}
		if o.UserID != "2" || len(o.Lines) != 2 {
			t.Errorf("Unexpected order %+v", o)
		}
		if !o.Total.Equal(decimal.RequireFromString("61")) {
			t.Errorf("Expected total 61, got %s", o.Total)
		}
		if _, err := a.GetOrder(ctx, "999"); !IsNotFound(err) {
			t.Errorf("Expected ErrNotFound for unknown order, got %v", err)
		}
	})

	if ri, ok := reverseIndexOf(a); ok {
		t.Run("PurchasersOf", func(t *testing.T) {
			users, err := ri.PurchasersOf(ctx, "101")
			if err != nil {
				t.Fatalf("PurchasersOf failed: %v", err)
			}
			if got := userIDSet(users); !equalStrings(got, []string{"1", "2"}) {
				t.Errorf("Expected purchasers [1 2], got %v", got)
			}
			users, err = ri.PurchasersOf(ctx, "999")
			if err != nil && !IsNotFound(err) {
				t.Fatalf("PurchasersOf unknown product failed: %v", err)
			}
			if len(users) != 0 {
				t.Errorf("Expected no purchasers, got %v", users)
			}
		})
	}

	if snap, ok := a.(Snapshotter); ok && a.Capabilities().SupportsSnapshot {
		t.Run("ReadSnapshot", func(t *testing.T) {
			err := snap.ReadSnapshot(ctx, func(view Adapter) error {
				orders, err := view.OrdersOfUser(ctx, "2")
				if err != nil {
					return err
				}
				if got := orderIDs(orders); !equalStrings(got, []string{"5003"}) {
					t.Errorf("Expected [5003] inside snapshot, got %v", got)
				}
				_, err = view.GetUser(ctx, "2")
				return err
			})
			if err != nil {
				t.Fatalf("ReadSnapshot failed: %v", err)
			}
		})
	}
}

// runServiceSuite runs the query operations over an adapter seeded with
// testdata/shop.json, once per applicable similarity strategy.
func runServiceSuite(t *testing.T, a Adapter) {
	strategies := []Strategy{StrategyScan}
	if _, ok := reverseIndexOf(a); ok {
		strategies = append(strategies, StrategyIndex)
	}

	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			cfg := DefaultQueryConfig()
			cfg.Strategy = strategy
			cfg.UseSnapshot = a.Capabilities().SupportsSnapshot
			svc, err := NewQueryService(a, cfg)
			if err != nil {
				t.Fatalf("NewQueryService failed: %v", err)
			}
			defer svc.Close()

			checkShopQueries(t, svc)
		})
	}
}

func checkShopQueries(t *testing.T, svc *QueryService) {
	t.Helper()
	ctx := context.Background()

	similar := map[UserID][]UserID{
		"1":   {"2"},
		"2":   {"1"},
		"3":   nil,
		"4":   nil,
		"999": nil,
	}
	for id, want := range similar {
		got, err := svc.SimilarUsers(ctx, id)
		if err != nil {
			t.Fatalf("SimilarUsers(%s) failed: %v", id, err)
		}
		if !got.Equal(NewUserSet(want...)) {
			t.Errorf("SimilarUsers(%s) = %v, want %v", id, got.Sorted(), want)
		}
		if got.Contains(id) {
			t.Errorf("SimilarUsers(%s) contains the user itself", id)
		}
	}

	records, err := svc.SimilarUserRecords(ctx, "2")
	if err != nil {
		t.Fatalf("SimilarUserRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].Name != "Ada" {
		t.Errorf("Expected [Ada], got %+v", records)
	}

	products, err := svc.ProductsByCategory(ctx, "10")
	if err != nil {
		t.Fatalf("ProductsByCategory failed: %v", err)
	}
	if len(products) != 2 || products[0].ID != "100" || products[1].ID != "101" {
		t.Errorf("Expected [100 101] exactly once each, got %v", productIDSet(products))
	}
	for _, id := range []CategoryID{"12", "999"} {
		products, err := svc.ProductsByCategory(ctx, id)
		if err != nil {
			t.Fatalf("ProductsByCategory(%s) failed: %v", id, err)
		}
		if len(products) != 0 {
			t.Errorf("Expected no products in %s, got %v", id, productIDSet(products))
		}
	}

	bought, err := svc.ProductsByUser(ctx, "1")
	if err != nil {
		t.Fatalf("ProductsByUser failed: %v", err)
	}
	if len(bought) != 2 || bought[0].ID != "100" || bought[1].ID != "101" {
		t.Fatalf("Expected [100 101], got %v", productIDSet(bought))
	}
	// Catalog records, not the snapshot embedded in order 5002.
	if bought[0].Name != "Kettle" || !bought[0].Price.Equal(decimal.RequireFromString("19.99")) {
		t.Errorf("Expected the catalog Kettle record, got %+v", bought[0])
	}

	set, err := svc.PurchaseSet(ctx, "4")
	if err != nil {
		t.Fatalf("PurchaseSet failed: %v", err)
	}
	if len(set) != 0 {
		t.Errorf("Expected empty purchase set, got %v", set.Sorted())
	}

	if _, err := svc.SimilarUsers(ctx, ""); !IsInvalidArgument(err) {
		t.Errorf("Expected ErrInvalidArgument for an empty id, got %v", err)
	}
}
