package shopquery

import (
	"context"
	"sort"
	"sync"
)

// MemoryAdapter is an in-process reference backend. It holds entities in maps
// and maintains a purchaser index, exposed only when constructed with
// reverseIndex set, so both similarity strategies can run against it.
//
// Category links may be listed more than once, the way denormalized stores
// end up with redundant links.
type MemoryAdapter struct {
	mu           sync.RWMutex
	reverseIndex bool

	users      map[UserID]User
	products   map[ProductID]Product
	categories map[CategoryID]Category
	orders     map[OrderID]Order

	ordersByUser     map[UserID][]OrderID
	categoryLinks    map[CategoryID][]ProductID
	purchasersByItem map[ProductID]map[UserID]struct{}
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter(reverseIndex bool) *MemoryAdapter {
	return &MemoryAdapter{
		reverseIndex:     reverseIndex,
		users:            make(map[UserID]User),
		products:         make(map[ProductID]Product),
		categories:       make(map[CategoryID]Category),
		orders:           make(map[OrderID]Order),
		ordersByUser:     make(map[UserID][]OrderID),
		categoryLinks:    make(map[CategoryID][]ProductID),
		purchasersByItem: make(map[ProductID]map[UserID]struct{}),
	}
}

func (m *MemoryAdapter) Name() string { return string(BackendMemory) }

func (m *MemoryAdapter) Capabilities() Capabilities {
	return Capabilities{HasReverseIndex: m.reverseIndex}
}

// PutUser stores a user.
func (m *MemoryAdapter) PutUser(u User) error {
	if err := ValidateID("user_id", string(u.ID)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	return nil
}

// PutCategory stores a category.
func (m *MemoryAdapter) PutCategory(c Category) error {
	if err := ValidateID("category_id", string(c.ID)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.ID] = c
	return nil
}

// PutProduct stores a product and links it to its category.
func (m *MemoryAdapter) PutProduct(p Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	if p.CategoryID != "" {
		m.categoryLinks[p.CategoryID] = append(m.categoryLinks[p.CategoryID], p.ID)
	}
	return nil
}

// LinkCategory adds an extra category link. Duplicate links are kept.
func (m *MemoryAdapter) LinkCategory(category CategoryID, product ProductID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categoryLinks[category] = append(m.categoryLinks[category], product)
}

// PutOrder stores an order and updates the purchaser index.
func (m *MemoryAdapter) PutOrder(o Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.orders[o.ID]
	if exists {
		m.unlinkOrder(prev)
	}
	m.ordersByUser[o.UserID] = append(m.ordersByUser[o.UserID], o.ID)
	m.orders[o.ID] = o
	for _, line := range o.Lines {
		buyers, ok := m.purchasersByItem[line.ProductID]
		if !ok {
			buyers = make(map[UserID]struct{})
			m.purchasersByItem[line.ProductID] = buyers
		}
		buyers[o.UserID] = struct{}{}
	}
	return nil
}

// unlinkOrder drops o from its owner's order list and recomputes the
// purchasers of its products from the owner's other orders. Caller holds mu.
func (m *MemoryAdapter) unlinkOrder(o Order) {
	ids := m.ordersByUser[o.UserID]
	for i, oid := range ids {
		if oid == o.ID {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.ordersByUser, o.UserID)
	} else {
		m.ordersByUser[o.UserID] = ids
	}

	for _, line := range o.Lines {
		if m.boughtElsewhere(o.UserID, line.ProductID, o.ID) {
			continue
		}
		buyers := m.purchasersByItem[line.ProductID]
		delete(buyers, o.UserID)
		if len(buyers) == 0 {
			delete(m.purchasersByItem, line.ProductID)
		}
	}
}

func (m *MemoryAdapter) boughtElsewhere(user UserID, product ProductID, except OrderID) bool {
	for _, oid := range m.ordersByUser[user] {
		if oid == except {
			continue
		}
		for _, line := range m.orders[oid].Lines {
			if line.ProductID == product {
				return true
			}
		}
	}
	return false
}

func (m *MemoryAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(m.Name(), "orders_of_user", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.ordersByUser[id]
	orders := make([]Order, 0, len(ids))
	for _, oid := range ids {
		orders = append(orders, m.orders[oid])
	}
	return orders, nil
}

func (m *MemoryAdapter) ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(m.Name(), "products_in_category", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	links := m.categoryLinks[id]
	products := make([]Product, 0, len(links))
	for _, pid := range links {
		if p, ok := m.products[pid]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

func (m *MemoryAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(m.Name(), "all_user_ids", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[UserID]struct{}, len(m.users))
	for id := range m.users {
		seen[id] = struct{}{}
	}
	// Users known only through their orders still take part in similarity.
	for id := range m.ordersByUser {
		seen[id] = struct{}{}
	}
	ids := make([]UserID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// PurchasersOf implements ReverseIndex.
func (m *MemoryAdapter) PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(m.Name(), "purchasers_of", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	buyers := m.purchasersByItem[id]
	ids := make([]UserID, 0, len(buyers))
	for u := range buyers {
		ids = append(ids, u)
	}
	return ids, nil
}

func (m *MemoryAdapter) GetUser(ctx context.Context, id UserID) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	return &u, nil
}

func (m *MemoryAdapter) GetProduct(ctx context.Context, id ProductID) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, notFound("product", id)
	}
	return &p, nil
}

func (m *MemoryAdapter) GetCategory(ctx context.Context, id CategoryID) (*Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return nil, notFound("category", id)
	}
	return &c, nil
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, notFound("order", id)
	}
	return &o, nil
}

func (m *MemoryAdapter) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryAdapter) Close() error { return nil }
