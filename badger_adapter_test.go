package shopquery

import (
	"context"
	"path/filepath"
	"testing"
)

func newShopBadger(t *testing.T, cfg BadgerConfig) *BadgerAdapter {
	t.Helper()
	a, err := OpenBadgerAdapter(cfg, nil)
	if err != nil {
		t.Fatalf("OpenBadgerAdapter failed: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.ImportDataset(context.Background(), loadShop(t)); err != nil {
		t.Fatalf("ImportDataset failed: %v", err)
	}
	return a
}

func TestBadgerAdapter(t *testing.T) {
	a := newShopBadger(t, BadgerConfig{InMemory: true})
	runAdapterSuite(t, a)
	runServiceSuite(t, a)
}

func TestBadgerAdapterPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shop")
	a, err := OpenBadgerAdapter(BadgerConfig{Path: dir}, NewStdLogger("badger"))
	if err != nil {
		t.Fatalf("OpenBadgerAdapter failed: %v", err)
	}
	if err := a.ImportDataset(context.Background(), loadShop(t)); err != nil {
		t.Fatalf("ImportDataset failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenBadgerAdapter(BadgerConfig{Path: dir}, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	users, err := reopened.PurchasersOf(context.Background(), "102")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if len(users) != 1 || users[0] != "2" {
		t.Errorf("Expected [2] after reopening, got %v", users)
	}
}

func TestBadgerAdapterIDsDoNotOverlap(t *testing.T) {
	a := newShopBadger(t, BadgerConfig{InMemory: true})
	ctx := context.Background()

	// "1" is a prefix of "10" and "100"; neither may leak into user 1's orders.
	extra := &Dataset{
		Users:  []User{{ID: "10", Name: "Ten"}},
		Orders: []Order{{ID: "6001", UserID: "10", Lines: []OrderLine{{ProductID: "102", Quantity: 1}}}},
	}
	if err := a.ImportDataset(ctx, extra); err != nil {
		t.Fatalf("ImportDataset failed: %v", err)
	}

	orders, err := a.OrdersOfUser(ctx, "1")
	if err != nil {
		t.Fatalf("OrdersOfUser failed: %v", err)
	}
	if got := orderIDs(orders); !equalStrings(got, []string{"5001", "5002"}) {
		t.Errorf("Expected [5001 5002], got %v", got)
	}

	users, err := a.PurchasersOf(ctx, "10")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if len(users) != 0 {
		t.Errorf("Expected no purchasers of product 10, got %v", users)
	}
}

func TestBadgerAdapterClosed(t *testing.T) {
	a, err := OpenBadgerAdapter(BadgerConfig{InMemory: true}, nil)
	if err != nil {
		t.Fatalf("OpenBadgerAdapter failed: %v", err)
	}
	a.Close()

	if err := a.Ping(context.Background()); !IsStorageUnavailable(err) {
		t.Errorf("Expected ErrStorageUnavailable from a closed database, got %v", err)
	}
}
