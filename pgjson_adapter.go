package shopquery

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGJSONAdapter reads the document-in-relational schema where entity
// attributes live in jsonb columns:
//
//	users(user_id, data)              data: {name, email, registration_date}
//	products(product_id, data)        data: {name, price, category_name}
//	orders(order_id, user_id, items, data)
//	                                  items: [{product_id, quantity}]
//	                                  data: {order_date, total}
//
// Categories have no table of their own; a category is identified by the
// category_name products carry.
type PGJSONAdapter struct {
	pool     *pgxpool.Pool
	q        pgxQuerier
	ownsPool bool
}

// NewPGJSONAdapter creates an adapter over an existing pool. The caller keeps ownership.
func NewPGJSONAdapter(pool *pgxpool.Pool) *PGJSONAdapter {
	return &PGJSONAdapter{pool: pool, q: pool}
}

// OpenPGJSONAdapter connects to dsn and verifies connectivity.
func OpenPGJSONAdapter(ctx context.Context, dsn string) (*PGJSONAdapter, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, unavailable(string(BackendPGJSON), "open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable(string(BackendPGJSON), "ping", err)
	}
	a := NewPGJSONAdapter(pool)
	a.ownsPool = true
	return a, nil
}

func (a *PGJSONAdapter) Name() string { return string(BackendPGJSON) }

func (a *PGJSONAdapter) Capabilities() Capabilities {
	return Capabilities{HasReverseIndex: true, SupportsSnapshot: true}
}

func (a *PGJSONAdapter) Ping(ctx context.Context) error {
	return unavailable(a.Name(), "ping", a.pool.Ping(ctx))
}

func (a *PGJSONAdapter) Close() error {
	if a.ownsPool {
		a.pool.Close()
	}
	return nil
}

// ReadSnapshot runs fn inside a read-only repeatable-read transaction.
func (a *PGJSONAdapter) ReadSnapshot(ctx context.Context, fn func(view Adapter) error) error {
	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return unavailable(a.Name(), "begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only, nothing to undo

	if err := fn(&PGJSONAdapter{pool: a.pool, q: tx}); err != nil {
		return err
	}
	return unavailable(a.Name(), "commit", tx.Commit(ctx))
}

type jsonUser struct {
	Name             string `json:"name"`
	Email            string `json:"email"`
	RegistrationDate string `json:"registration_date"`
}

type jsonProduct struct {
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	CategoryName string          `json:"category_name"`
}

type jsonOrderItem struct {
	ProductID json.Number `json:"product_id"`
	Quantity  int         `json:"quantity"`
}

type jsonOrderData struct {
	OrderDate string          `json:"order_date"`
	Total     decimal.Decimal `json:"total"`
}

func (a *PGJSONAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	uid, err := parseIntID("user_id", string(id))
	if err != nil {
		return nil, err
	}
	rows, err := a.q.Query(ctx,
		`SELECT order_id, user_id, items, data FROM orders WHERE user_id = $1 ORDER BY order_id`, uid)
	if err != nil {
		return nil, unavailable(a.Name(), "orders_of_user", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanJSONOrder(rows)
		if err != nil {
			return nil, unavailable(a.Name(), "orders_of_user", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(a.Name(), "orders_of_user", err)
	}
	return orders, nil
}

func (a *PGJSONAdapter) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	oid, err := parseIntID("order_id", string(id))
	if err != nil {
		return nil, err
	}
	row := a.q.QueryRow(ctx, `SELECT order_id, user_id, items, data FROM orders WHERE order_id = $1`, oid)
	o, err := scanJSONOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("order", id)
		}
		return nil, unavailable(a.Name(), "get_order", err)
	}
	return o, nil
}

func scanJSONOrder(row pgx.Row) (*Order, error) {
	var (
		orderID, userID int64
		itemsRaw        []byte
		dataRaw         []byte
	)
	if err := row.Scan(&orderID, &userID, &itemsRaw, &dataRaw); err != nil {
		return nil, err
	}

	var items []jsonOrderItem
	if len(itemsRaw) > 0 {
		if err := json.Unmarshal(itemsRaw, &items); err != nil {
			return nil, err
		}
	}
	var data jsonOrderData
	if len(dataRaw) > 0 {
		if err := json.Unmarshal(dataRaw, &data); err != nil {
			return nil, err
		}
	}

	order := &Order{
		ID:     OrderID(strconv.FormatInt(orderID, 10)),
		UserID: UserID(strconv.FormatInt(userID, 10)),
		Total:  data.Total,
	}
	if data.OrderDate != "" {
		date, err := parseTime(data.OrderDate)
		if err != nil {
			return nil, err
		}
		order.OrderDate = date
	}
	for _, item := range items {
		order.Lines = append(order.Lines, OrderLine{
			ProductID: ProductID(item.ProductID.String()),
			Quantity:  item.Quantity,
		})
	}
	return order, nil
}

func (a *PGJSONAdapter) ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	rows, err := a.q.Query(ctx,
		`SELECT product_id, data FROM products WHERE data->>'category_name' = $1 ORDER BY product_id`, string(id))
	if err != nil {
		return nil, unavailable(a.Name(), "products_in_category", err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanJSONProduct(rows)
		if err != nil {
			return nil, unavailable(a.Name(), "products_in_category", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(a.Name(), "products_in_category", err)
	}
	return products, nil
}

func (a *PGJSONAdapter) GetProduct(ctx context.Context, id ProductID) (*Product, error) {
	pid, err := parseIntID("product_id", string(id))
	if err != nil {
		return nil, err
	}
	row := a.q.QueryRow(ctx, `SELECT product_id, data FROM products WHERE product_id = $1`, pid)
	p, err := scanJSONProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("product", id)
		}
		return nil, unavailable(a.Name(), "get_product", err)
	}
	return p, nil
}

func scanJSONProduct(row pgx.Row) (*Product, error) {
	var (
		productID int64
		raw       []byte
	)
	if err := row.Scan(&productID, &raw); err != nil {
		return nil, err
	}
	var data jsonProduct
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &Product{
		ID:         ProductID(strconv.FormatInt(productID, 10)),
		Name:       data.Name,
		Price:      data.Price,
		CategoryID: CategoryID(data.CategoryName),
	}, nil
}

// GetCategory reports a category as existing when at least one product carries its name.
func (a *PGJSONAdapter) GetCategory(ctx context.Context, id CategoryID) (*Category, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	var exists bool
	err := a.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM products WHERE data->>'category_name' = $1)`, string(id)).Scan(&exists)
	if err != nil {
		return nil, unavailable(a.Name(), "get_category", err)
	}
	if !exists {
		return nil, notFound("category", id)
	}
	return &Category{ID: id, Name: string(id)}, nil
}

func (a *PGJSONAdapter) GetUser(ctx context.Context, id UserID) (*User, error) {
	uid, err := parseIntID("user_id", string(id))
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := a.q.QueryRow(ctx, `SELECT data FROM users WHERE user_id = $1`, uid).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("user", id)
		}
		return nil, unavailable(a.Name(), "get_user", err)
	}
	var data jsonUser
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, unavailable(a.Name(), "get_user", err)
	}
	user := &User{ID: id, Name: data.Name, Email: data.Email}
	if data.RegistrationDate != "" {
		at, err := parseTime(data.RegistrationDate)
		if err != nil {
			return nil, unavailable(a.Name(), "get_user", err)
		}
		user.RegisteredAt = at
	}
	return user, nil
}

func (a *PGJSONAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	rows, err := a.q.Query(ctx, `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, unavailable(a.Name(), "all_user_ids", err)
	}
	return collectUserIDs(a.Name(), "all_user_ids", rows)
}

// PurchasersOf implements ReverseIndex by expanding the items arrays.
func (a *PGJSONAdapter) PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error) {
	pid, err := parseIntID("product_id", string(id))
	if err != nil {
		return nil, err
	}
	rows, err := a.q.Query(ctx, `
		SELECT DISTINCT o.user_id
		FROM orders o
		JOIN jsonb_array_elements(o.items) AS item
			ON (item->>'product_id')::BIGINT = $1`, pid)
	if err != nil {
		return nil, unavailable(a.Name(), "purchasers_of", err)
	}
	return collectUserIDs(a.Name(), "purchasers_of", rows)
}

func collectUserIDs(backend, op string, rows pgx.Rows) ([]UserID, error) {
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (UserID, error) {
		var id int64
		err := row.Scan(&id)
		return UserID(strconv.FormatInt(id, 10)), err
	})
	if err != nil {
		return nil, unavailable(backend, op, err)
	}
	return ids, nil
}
