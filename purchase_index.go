package shopquery

import (
	"context"
	"sync"
)

// PurchaseIndex derives the purchase set of a user from the adapter's orders.
//
// An index created with newPurchaseIndex keeps no state between calls.
// withMemo returns a copy that remembers every set it computes; the
// similarity engine uses one per computation so a scan never asks the
// backend for the same user twice. Memos are never shared across queries.
type PurchaseIndex struct {
	adapter Adapter
	logger  Logger

	mu   sync.Mutex
	memo map[UserID]PurchaseSet
}

// NewPurchaseIndex creates a stateless purchase index over adapter.
func NewPurchaseIndex(adapter Adapter, logger Logger) *PurchaseIndex {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &PurchaseIndex{adapter: adapter, logger: logger}
}

// withMemo returns a purchase index that caches results for its own lifetime.
func (p *PurchaseIndex) withMemo() *PurchaseIndex {
	return &PurchaseIndex{
		adapter: p.adapter,
		logger:  p.logger,
		memo:    make(map[UserID]PurchaseSet),
	}
}

// PurchaseSet returns the distinct products ordered by id.
// An unknown user has an empty purchase set.
func (p *PurchaseIndex) PurchaseSet(ctx context.Context, id UserID) (PurchaseSet, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}

	if p.memo != nil {
		p.mu.Lock()
		set, ok := p.memo[id]
		p.mu.Unlock()
		if ok {
			return set, nil
		}
	}

	orders, err := p.adapter.OrdersOfUser(ctx, id)
	if err != nil {
		if !IsNotFound(err) {
			return nil, err
		}
		p.logger.Debug("unknown user treated as empty purchase set", "user_id", id, "backend", p.adapter.Name())
		orders = nil
	}
	set := NewPurchaseSet(orders)

	if p.memo != nil {
		p.mu.Lock()
		p.memo[id] = set
		p.mu.Unlock()
	}
	return set, nil
}
