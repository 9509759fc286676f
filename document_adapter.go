package shopquery

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
)

// Document layout on a DocumentBackend. Every id segment is path-escaped.
//
//	users/{user_id}.json
//	products/{product_id}.json
//	categories/{category_id}.json
//	orders/{user_id}/{order_id}.json      order embedded with its items
//	order-owners/{order_id}               user id, for lookups by order id
//	category-products/{category_id}/{product_id}
const (
	docUsers            = "users/"
	docProducts         = "products/"
	docCategories       = "categories/"
	docOrders           = "orders/"
	docOrderOwners      = "order-owners/"
	docCategoryProducts = "category-products/"
	docExt              = ".json"
)

// docSegment escapes id for use as one path segment. Dot segments are
// escaped as well so an id can never climb out of its directory.
func docSegment(id string) string {
	switch id {
	case ".":
		return "%2E"
	case "..":
		return "%2E%2E"
	}
	return url.PathEscape(id)
}

func docUserKey(id UserID) string         { return docUsers + docSegment(string(id)) + docExt }
func docProductKey(id ProductID) string   { return docProducts + docSegment(string(id)) + docExt }
func docCategoryKey(id CategoryID) string { return docCategories + docSegment(string(id)) + docExt }
func docOrderOwnerKey(id OrderID) string  { return docOrderOwners + docSegment(string(id)) }
func docUserOrdersPrefix(id UserID) string {
	return docOrders + docSegment(string(id)) + "/"
}
func docOrderKey(user UserID, id OrderID) string {
	return docUserOrdersPrefix(user) + docSegment(string(id)) + docExt
}
func docCategoryPrefix(id CategoryID) string {
	return docCategoryProducts + docSegment(string(id)) + "/"
}

// docIDFromKey extracts the id segment of key that follows prefix.
func docIDFromKey(key, prefix string) (string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	if rest == key || rest == "" {
		return "", false
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.TrimSuffix(rest, docExt)
	id, err := url.PathUnescape(rest)
	if err != nil {
		return "", false
	}
	return id, true
}

// DocumentAdapter reads shop entities stored as JSON documents. It has no
// reverse index and no snapshots; wrap it with WithPurchaserIndex for the former.
type DocumentAdapter struct {
	backend DocumentBackend
	name    string
}

// NewDocumentAdapter creates an adapter over backend. kind names the backend
// in logs and metrics.
func NewDocumentAdapter(backend DocumentBackend, kind BackendKind) *DocumentAdapter {
	return &DocumentAdapter{backend: backend, name: string(kind)}
}

func (a *DocumentAdapter) Name() string               { return a.name }
func (a *DocumentAdapter) Capabilities() Capabilities { return Capabilities{} }

func (a *DocumentAdapter) Ping(ctx context.Context) error {
	return unavailable(a.name, "ping", a.backend.Ping(ctx))
}

func (a *DocumentAdapter) Close() error {
	return a.backend.Close()
}

// getDoc reads key into v. A missing key reports (false, nil).
func (a *DocumentAdapter) getDoc(ctx context.Context, op, key string, v interface{}) (bool, error) {
	data, err := a.backend.Get(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, unavailable(a.name, op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, unavailable(a.name, op, err)
	}
	return true, nil
}

func (a *DocumentAdapter) list(ctx context.Context, op, prefix string) ([]string, error) {
	keys, err := a.backend.List(ctx, prefix)
	if err != nil {
		return nil, unavailable(a.name, op, err)
	}
	return keys, nil
}

func (a *DocumentAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	keys, err := a.list(ctx, "orders_of_user", docUserOrdersPrefix(id))
	if err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(keys))
	for _, key := range keys {
		var stored storedOrder
		ok, err := a.getDoc(ctx, "orders_of_user", key, &stored)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // removed between list and get
		}
		o, err := stored.toOrder()
		if err != nil {
			return nil, unavailable(a.name, "orders_of_user", err)
		}
		if o.UserID == "" {
			o.UserID = id
		}
		orders = append(orders, o)
	}
	sortOrders(orders)
	return orders, nil
}

func (a *DocumentAdapter) ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	prefix := docCategoryPrefix(id)
	keys, err := a.list(ctx, "products_in_category", prefix)
	if err != nil {
		return nil, err
	}
	products := make([]Product, 0, len(keys))
	for _, key := range keys {
		pid, ok := docIDFromKey(key, prefix)
		if !ok {
			continue
		}
		var p Product
		found, err := a.getDoc(ctx, "products_in_category", docProductKey(ProductID(pid)), &p)
		if err != nil {
			return nil, err
		}
		if found {
			products = append(products, p)
		}
	}
	return products, nil
}

// AllUserIDs returns every user document plus every user that owns orders.
func (a *DocumentAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	seen := make(map[UserID]struct{})
	for _, prefix := range []string{docUsers, docOrders} {
		keys, err := a.list(ctx, "all_user_ids", prefix)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if id, ok := docIDFromKey(key, prefix); ok {
				seen[UserID(id)] = struct{}{}
			}
		}
	}
	ids := make([]UserID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sortUserIDs(ids)
	return ids, nil
}

func (a *DocumentAdapter) GetUser(ctx context.Context, id UserID) (*User, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	var u User
	ok, err := a.getDoc(ctx, "get_user", docUserKey(id), &u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("user", id)
	}
	u.ID = id
	return &u, nil
}

func (a *DocumentAdapter) GetProduct(ctx context.Context, id ProductID) (*Product, error) {
	if err := ValidateID("product_id", string(id)); err != nil {
		return nil, err
	}
	var p Product
	ok, err := a.getDoc(ctx, "get_product", docProductKey(id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("product", id)
	}
	p.ID = id
	return &p, nil
}

func (a *DocumentAdapter) GetCategory(ctx context.Context, id CategoryID) (*Category, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	var c Category
	ok, err := a.getDoc(ctx, "get_category", docCategoryKey(id), &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("category", id)
	}
	c.ID = id
	return &c, nil
}

func (a *DocumentAdapter) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	if err := ValidateID("order_id", string(id)); err != nil {
		return nil, err
	}
	owner, err := a.backend.Get(ctx, docOrderOwnerKey(id))
	if err != nil {
		if IsNotFound(err) {
			return nil, notFound("order", id)
		}
		return nil, unavailable(a.name, "get_order", err)
	}
	var stored storedOrder
	ok, err := a.getDoc(ctx, "get_order", docOrderKey(UserID(owner), id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("order", id)
	}
	o, err := stored.toOrder()
	if err != nil {
		return nil, unavailable(a.name, "get_order", err)
	}
	return &o, nil
}

// ImportDataset writes ds using the document layout above.
func (a *DocumentAdapter) ImportDataset(ctx context.Context, ds *Dataset) error {
	ds.assignOrderIDs()
	if err := ds.Validate(); err != nil {
		return err
	}
	put := func(key string, v interface{}) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := a.backend.Put(ctx, key, data); err != nil {
			return unavailable(a.name, "import", err)
		}
		return nil
	}
	mark := func(key string, body string) error {
		if err := a.backend.Put(ctx, key, []byte(body)); err != nil {
			return unavailable(a.name, "import", err)
		}
		return nil
	}

	for _, u := range ds.Users {
		if err := put(docUserKey(u.ID), u); err != nil {
			return err
		}
	}
	for _, c := range ds.Categories {
		if err := put(docCategoryKey(c.ID), c); err != nil {
			return err
		}
	}
	for _, p := range ds.Products {
		if err := put(docProductKey(p.ID), p); err != nil {
			return err
		}
		if p.CategoryID != "" {
			if err := mark(docCategoryPrefix(p.CategoryID)+docSegment(string(p.ID)), ""); err != nil {
				return err
			}
		}
	}
	for _, l := range ds.CategoryLinks {
		if err := mark(docCategoryPrefix(l.CategoryID)+docSegment(string(l.ProductID)), ""); err != nil {
			return err
		}
	}
	for _, o := range ds.Orders {
		if err := put(docOrderKey(o.UserID, o.ID), fromOrder(o)); err != nil {
			return err
		}
		if err := mark(docOrderOwnerKey(o.ID), string(o.UserID)); err != nil {
			return err
		}
	}
	return nil
}
