package shopquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/shopspring/decimal"
)

// CassandraAdapter reads a wide-column layout with one query table per access path:
//
//	users(user_id)                          products(product_id)
//	categories(category_id)                 orders(order_id)
//	orders_by_user(user_id, order_id)       order_items_by_order(order_id, line_no)
//	products_by_category(category_id, product_id)
//	users_by_product(product_id, user_id)
//
// Decimals are stored as text so prices round-trip exactly. users_by_product
// is written alongside every order line and serves as the reverse index, so
// similarity never needs ALLOW FILTERING.
type CassandraAdapter struct {
	session     *gocql.Session
	keyspace    string
	ownsSession bool
}

// NewCassandraAdapter creates an adapter over session. Tables are qualified
// with keyspace, so the session does not need a default keyspace. The caller
// keeps ownership of session.
func NewCassandraAdapter(session *gocql.Session, keyspace string) *CassandraAdapter {
	return &CassandraAdapter{session: session, keyspace: keyspace}
}

// OpenCassandraAdapter connects to the cluster described by cfg.
func OpenCassandraAdapter(ctx context.Context, cfg CassandraConfig) (*CassandraAdapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: cfg.Username, Password: cfg.Password}
	}
	cluster.Consistency = gocql.LocalQuorum
	// A lone contact point is often a port-mapped node whose advertised
	// address is unreachable from here.
	cluster.DisableInitialHostLookup = len(cfg.Hosts) == 1

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, unavailable(string(BackendCassandra), "open", err)
	}
	a := NewCassandraAdapter(session, cfg.Keyspace)
	a.ownsSession = true
	if err := a.Ping(ctx); err != nil {
		session.Close()
		return nil, err
	}
	return a, nil
}

func (a *CassandraAdapter) Name() string { return string(BackendCassandra) }

func (a *CassandraAdapter) Capabilities() Capabilities {
	return Capabilities{HasReverseIndex: true}
}

func (a *CassandraAdapter) Ping(ctx context.Context) error {
	var version string
	err := a.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Scan(&version)
	return unavailable(a.Name(), "ping", err)
}

func (a *CassandraAdapter) Close() error {
	if a.ownsSession {
		a.session.Close()
	}
	return nil
}

// table qualifies name with the adapter's keyspace.
func (a *CassandraAdapter) table(name string) string {
	return a.keyspace + "." + name
}

// scanOne runs a single-row query. A missing row is reported as entity not found.
func (a *CassandraAdapter) scanOne(ctx context.Context, op, entity string, id interface{}, stmt string, args []interface{}, dest ...interface{}) error {
	err := a.session.Query(stmt, args...).WithContext(ctx).Scan(dest...)
	if errors.Is(err, gocql.ErrNotFound) {
		return notFound(entity, id)
	}
	return unavailable(a.Name(), op, err)
}

func (a *CassandraAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	var orderIDs []OrderID
	iter := a.session.Query(`SELECT order_id FROM `+a.table("orders_by_user")+` WHERE user_id = ?`, string(id)).
		WithContext(ctx).Iter()
	var oid string
	for iter.Scan(&oid) {
		orderIDs = append(orderIDs, OrderID(oid))
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable(a.Name(), "orders_of_user", err)
	}

	orders := make([]Order, 0, len(orderIDs))
	for _, oid := range orderIDs {
		o, err := a.GetOrder(ctx, oid)
		if IsNotFound(err) {
			// orders_by_user points at an order row that was never written.
			continue
		}
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	sortOrders(orders)
	return orders, nil
}

func (a *CassandraAdapter) ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	products := []Product{}
	iter := a.session.Query(`SELECT product_id, product_name, price, product_category_id FROM `+
		a.table("products_by_category")+` WHERE category_id = ?`, string(id)).WithContext(ctx).Iter()
	var pid, name, price, category string
	for iter.Scan(&pid, &name, &price, &category) {
		p := Product{ID: ProductID(pid), Name: name, CategoryID: CategoryID(category)}
		var err error
		if p.Price, err = parseCQLDecimal(price); err != nil {
			iter.Close()
			return nil, unavailable(a.Name(), "products_in_category", fmt.Errorf("product %s price: %w", pid, err))
		}
		products = append(products, p)
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable(a.Name(), "products_in_category", err)
	}
	return products, nil
}

func (a *CassandraAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	var ids []UserID
	iter := a.session.Query(`SELECT user_id FROM ` + a.table("users")).WithContext(ctx).Iter()
	var id string
	for iter.Scan(&id) {
		ids = append(ids, UserID(id))
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable(a.Name(), "all_user_ids", err)
	}
	sortUserIDs(ids)
	return ids, nil
}

func (a *CassandraAdapter) GetUser(ctx context.Context, id UserID) (*User, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	u := User{ID: id}
	err := a.scanOne(ctx, "get_user", "user", id,
		`SELECT name, email, registration_date FROM `+a.table("users")+` WHERE user_id = ?`,
		[]interface{}{string(id)}, &u.Name, &u.Email, &u.RegisteredAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (a *CassandraAdapter) GetProduct(ctx context.Context, id ProductID) (*Product, error) {
	if err := ValidateID("product_id", string(id)); err != nil {
		return nil, err
	}
	p := Product{ID: id}
	var price, category string
	err := a.scanOne(ctx, "get_product", "product", id,
		`SELECT name, price, category_id FROM `+a.table("products")+` WHERE product_id = ?`,
		[]interface{}{string(id)}, &p.Name, &price, &category)
	if err != nil {
		return nil, err
	}
	p.CategoryID = CategoryID(category)
	if p.Price, err = parseCQLDecimal(price); err != nil {
		return nil, unavailable(a.Name(), "get_product", fmt.Errorf("product %s price: %w", id, err))
	}
	return &p, nil
}

func (a *CassandraAdapter) GetCategory(ctx context.Context, id CategoryID) (*Category, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	c := Category{ID: id}
	err := a.scanOne(ctx, "get_category", "category", id,
		`SELECT name FROM `+a.table("categories")+` WHERE category_id = ?`,
		[]interface{}{string(id)}, &c.Name)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (a *CassandraAdapter) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	if err := ValidateID("order_id", string(id)); err != nil {
		return nil, err
	}
	o := Order{ID: id}
	var user, total string
	err := a.scanOne(ctx, "get_order", "order", id,
		`SELECT user_id, order_date, total FROM `+a.table("orders")+` WHERE order_id = ?`,
		[]interface{}{string(id)}, &user, &o.OrderDate, &total)
	if err != nil {
		return nil, err
	}
	o.UserID = UserID(user)
	if o.Total, err = parseCQLDecimal(total); err != nil {
		return nil, unavailable(a.Name(), "get_order", fmt.Errorf("order %s total: %w", id, err))
	}

	iter := a.session.Query(`SELECT product_id, quantity, product_name, price FROM `+
		a.table("order_items_by_order")+` WHERE order_id = ?`, string(id)).WithContext(ctx).Iter()
	var pid, name, price string
	var qty int
	for iter.Scan(&pid, &qty, &name, &price) {
		line := OrderLine{ProductID: ProductID(pid), Quantity: qty}
		if name != "" || price != "" {
			snap := &ProductSnapshot{Name: name}
			if snap.Price, err = parseCQLDecimal(price); err != nil {
				iter.Close()
				return nil, unavailable(a.Name(), "get_order", fmt.Errorf("order %s line price: %w", id, err))
			}
			line.Snapshot = snap
		}
		o.Lines = append(o.Lines, line)
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable(a.Name(), "get_order", err)
	}
	return &o, nil
}

// PurchasersOf implements ReverseIndex by reading the users_by_product partition.
func (a *CassandraAdapter) PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error) {
	if err := ValidateID("product_id", string(id)); err != nil {
		return nil, err
	}
	var ids []UserID
	iter := a.session.Query(`SELECT user_id FROM `+a.table("users_by_product")+` WHERE product_id = ?`, string(id)).
		WithContext(ctx).Iter()
	var user string
	for iter.Scan(&user) {
		ids = append(ids, UserID(user))
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable(a.Name(), "purchasers_of", err)
	}
	return ids, nil
}

// cassandraSchema creates the keyspace tables. %[1]s is the keyspace.
var cassandraSchema = []string{
	`CREATE TABLE IF NOT EXISTS %[1]s.users (
		user_id text PRIMARY KEY, name text, email text, registration_date timestamp)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.categories (
		category_id text PRIMARY KEY, name text)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.products (
		product_id text PRIMARY KEY, name text, price text, category_id text)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.orders (
		order_id text PRIMARY KEY, user_id text, order_date timestamp, total text)`,
	`CREATE TABLE IF NOT EXISTS %[1]s.orders_by_user (
		user_id text, order_id text, PRIMARY KEY (user_id, order_id))`,
	`CREATE TABLE IF NOT EXISTS %[1]s.order_items_by_order (
		order_id text, line_no int, product_id text, quantity int, product_name text, price text,
		PRIMARY KEY (order_id, line_no))`,
	`CREATE TABLE IF NOT EXISTS %[1]s.products_by_category (
		category_id text, product_id text, product_name text, price text, product_category_id text,
		PRIMARY KEY (category_id, product_id))`,
	`CREATE TABLE IF NOT EXISTS %[1]s.users_by_product (
		product_id text, user_id text, PRIMARY KEY (product_id, user_id))`,
}

// ImportDataset creates the keyspace and tables when missing and upserts
// every entity of ds into them. Importing the same dataset twice leaves the
// tables unchanged.
func (a *CassandraAdapter) ImportDataset(ctx context.Context, ds *Dataset) error {
	ds.assignOrderIDs()
	if err := ds.Validate(); err != nil {
		return err
	}

	exec := func(stmt string, args ...interface{}) error {
		return a.session.Query(stmt, args...).WithContext(ctx).Exec()
	}
	if err := exec(fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s
		WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`, a.keyspace)); err != nil {
		return unavailable(a.Name(), "import", err)
	}
	for _, ddl := range cassandraSchema {
		if err := exec(fmt.Sprintf(ddl, a.keyspace)); err != nil {
			return unavailable(a.Name(), "import", err)
		}
	}

	for _, u := range ds.Users {
		if err := exec(`INSERT INTO `+a.table("users")+` (user_id, name, email, registration_date) VALUES (?, ?, ?, ?)`,
			string(u.ID), u.Name, u.Email, cqlTime(u.RegisteredAt)); err != nil {
			return unavailable(a.Name(), "import", err)
		}
	}
	for _, c := range ds.Categories {
		if err := exec(`INSERT INTO `+a.table("categories")+` (category_id, name) VALUES (?, ?)`,
			string(c.ID), c.Name); err != nil {
			return unavailable(a.Name(), "import", err)
		}
	}

	products := make(map[ProductID]Product, len(ds.Products))
	for _, p := range ds.Products {
		products[p.ID] = p
		if err := exec(`INSERT INTO `+a.table("products")+` (product_id, name, price, category_id) VALUES (?, ?, ?, ?)`,
			string(p.ID), p.Name, p.Price.String(), string(p.CategoryID)); err != nil {
			return unavailable(a.Name(), "import", err)
		}
	}
	links := make([]CategoryLink, 0, len(ds.Products)+len(ds.CategoryLinks))
	for _, p := range ds.Products {
		if p.CategoryID != "" {
			links = append(links, CategoryLink{CategoryID: p.CategoryID, ProductID: p.ID})
		}
	}
	links = append(links, ds.CategoryLinks...)
	for _, l := range links {
		p, ok := products[l.ProductID]
		if !ok {
			// The query table denormalizes product columns, so a link to an
			// unknown product has nothing to show.
			continue
		}
		if err := exec(`INSERT INTO `+a.table("products_by_category")+
			` (category_id, product_id, product_name, price, product_category_id) VALUES (?, ?, ?, ?, ?)`,
			string(l.CategoryID), string(p.ID), p.Name, p.Price.String(), string(p.CategoryID)); err != nil {
			return unavailable(a.Name(), "import", err)
		}
	}

	for _, o := range ds.Orders {
		if err := a.importOrder(ctx, o); err != nil {
			return unavailable(a.Name(), "import", err)
		}
	}
	return nil
}

// importOrder writes o to every table that serves it. When o replaces a
// stored order, rows that only the old version justified are removed: the
// old owner's orders_by_user entry, stale lines, and users_by_product entries
// the old owner no longer earns through any other order.
func (a *CassandraAdapter) importOrder(ctx context.Context, o Order) error {
	prev, err := a.GetOrder(ctx, o.ID)
	if err != nil && !IsNotFound(err) {
		return err
	}

	batch := a.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO `+a.table("orders")+` (order_id, user_id, order_date, total) VALUES (?, ?, ?, ?)`,
		string(o.ID), string(o.UserID), cqlTime(o.OrderDate), o.Total.String())
	batch.Query(`INSERT INTO `+a.table("orders_by_user")+` (user_id, order_id) VALUES (?, ?)`,
		string(o.UserID), string(o.ID))
	batch.Query(`DELETE FROM `+a.table("order_items_by_order")+` WHERE order_id = ?`, string(o.ID))
	if prev != nil && prev.UserID != o.UserID {
		batch.Query(`DELETE FROM `+a.table("orders_by_user")+` WHERE user_id = ? AND order_id = ?`,
			string(prev.UserID), string(o.ID))
	}
	if err := a.session.ExecuteBatch(batch); err != nil {
		return err
	}

	// Lines go in a second batch: inside one batch every statement shares a
	// timestamp and the partition delete above would win over the inserts.
	batch = a.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for i, l := range o.Lines {
		var name, price string
		if l.Snapshot != nil {
			name, price = l.Snapshot.Name, l.Snapshot.Price.String()
		}
		batch.Query(`INSERT INTO `+a.table("order_items_by_order")+
			` (order_id, line_no, product_id, quantity, product_name, price) VALUES (?, ?, ?, ?, ?, ?)`,
			string(o.ID), i, string(l.ProductID), l.Quantity, name, price)
		batch.Query(`INSERT INTO `+a.table("users_by_product")+` (product_id, user_id) VALUES (?, ?)`,
			string(l.ProductID), string(o.UserID))
	}
	if batch.Size() > 0 {
		if err := a.session.ExecuteBatch(batch); err != nil {
			return err
		}
	}
	if prev == nil {
		return nil
	}
	return a.unlinkPurchases(ctx, prev.UserID, NewPurchaseSet([]Order{*prev}))
}

// unlinkPurchases drops users_by_product rows for products in candidates
// that user no longer has in any stored order.
func (a *CassandraAdapter) unlinkPurchases(ctx context.Context, user UserID, candidates PurchaseSet) error {
	orders, err := a.OrdersOfUser(ctx, user)
	if err != nil {
		return err
	}
	still := NewPurchaseSet(orders)
	for product := range candidates {
		if _, ok := still[product]; ok {
			continue
		}
		err := a.session.Query(`DELETE FROM `+a.table("users_by_product")+` WHERE product_id = ? AND user_id = ?`,
			string(product), string(user)).WithContext(ctx).Exec()
		if err != nil {
			return err
		}
	}
	return nil
}

// cqlTime binds a zero time as null.
func cqlTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func parseCQLDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
