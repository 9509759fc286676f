package shopquery

import (
	"context"
)

// Capabilities are static properties of an adapter, fixed when it is constructed.
type Capabilities struct {
	// HasReverseIndex means the adapter implements ReverseIndex and can answer
	// "who bought product P" without scanning every user.
	HasReverseIndex bool

	// SupportsSnapshot means the adapter implements Snapshotter.
	SupportsSnapshot bool
}

// Adapter is the read-only contract every backend implements.
// It is the only component that talks to a concrete store.
//
// Driver failures are reported as ErrStorageUnavailable. Entity getters
// return ErrNotFound when the id does not exist. OrdersOfUser may return
// either an empty slice or ErrNotFound for an unknown user.
type Adapter interface {
	// Name identifies the backend kind in logs and metrics.
	Name() string
	Capabilities() Capabilities

	OrdersOfUser(ctx context.Context, id UserID) ([]Order, error)
	ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error)
	AllUserIDs(ctx context.Context) ([]UserID, error)

	GetUser(ctx context.Context, id UserID) (*User, error)
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	GetCategory(ctx context.Context, id CategoryID) (*Category, error)
	GetOrder(ctx context.Context, id OrderID) (*Order, error)

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}

// ReverseIndex answers the inverse of OrdersOfUser: every user with at least
// one order line for the product. Duplicates are allowed.
type ReverseIndex interface {
	PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error)
}

// Snapshotter runs fn against a view of the store that observes a single
// consistent point in time. The view is only valid inside fn and must be used
// from one goroutine at a time.
type Snapshotter interface {
	ReadSnapshot(ctx context.Context, fn func(view Adapter) error) error
}

// checkCapabilities verifies that the optional interfaces an adapter advertises
// are actually implemented. Called once at construction, never per query.
func checkCapabilities(a Adapter) error {
	if a == nil {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Adapter",
			"reason": "adapter is required",
		})
	}
	caps := a.Capabilities()
	if caps.HasReverseIndex {
		if _, ok := a.(ReverseIndex); !ok {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"adapter": a.Name(),
				"reason":  "adapter advertises a reverse index but does not implement PurchasersOf",
			})
		}
	}
	if caps.SupportsSnapshot {
		if _, ok := a.(Snapshotter); !ok {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"adapter": a.Name(),
				"reason":  "adapter advertises snapshots but does not implement ReadSnapshot",
			})
		}
	}
	return nil
}

// reverseIndexOf returns the adapter's reverse index when its capabilities advertise one.
func reverseIndexOf(a Adapter) (ReverseIndex, bool) {
	if !a.Capabilities().HasReverseIndex {
		return nil, false
	}
	ri, ok := a.(ReverseIndex)
	return ri, ok
}
