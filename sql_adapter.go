package shopquery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// Dialect captures the differences between the SQL engines the normalized
// adapter runs on.
type Dialect struct {
	Name     string
	Driver   string
	Numbered bool // $1, $2 placeholders instead of ?
	Snapshot sql.TxOptions
}

var (
	// PostgresDialect talks to PostgreSQL through pgx's database/sql driver.
	PostgresDialect = Dialect{
		Name:     string(BackendPostgres),
		Driver:   "pgx",
		Numbered: true,
		Snapshot: sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	}

	// SQLiteDialect talks to SQLite through the pure Go modernc driver.
	SQLiteDialect = Dialect{
		Name:   string(BackendSQLite),
		Driver: "sqlite",
	}
)

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLAdapter reads the normalized relational schema:
//
//	users(user_id, name, email, registration_date)
//	categories(category_id, category_name)
//	products(product_id, name, price, category_id)
//	orders(order_id, user_id, order_date, total)
//	order_items(order_id, product_id, quantity)
//
// Keys are integers, so identifiers must be decimal numbers.
// The reverse index is a join through order_items.
type SQLAdapter struct {
	db      *sql.DB
	q       sqlQuerier
	dialect Dialect
	ownsDB  bool
}

// NewSQLAdapter creates an adapter over an open database. The caller keeps
// ownership of db.
func NewSQLAdapter(db *sql.DB, dialect Dialect) *SQLAdapter {
	return &SQLAdapter{db: db, q: db, dialect: dialect}
}

// OpenSQLAdapter opens dsn with the dialect's driver and verifies connectivity.
func OpenSQLAdapter(ctx context.Context, dialect Dialect, dsn string) (*SQLAdapter, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, unavailable(dialect.Name, "open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable(dialect.Name, "ping", err)
	}
	a := NewSQLAdapter(db, dialect)
	a.ownsDB = true
	return a, nil
}

func (a *SQLAdapter) Name() string { return a.dialect.Name }

func (a *SQLAdapter) Capabilities() Capabilities {
	return Capabilities{HasReverseIndex: true, SupportsSnapshot: true}
}

func (a *SQLAdapter) Ping(ctx context.Context) error {
	return unavailable(a.Name(), "ping", a.db.PingContext(ctx))
}

func (a *SQLAdapter) Close() error {
	if a.ownsDB {
		return a.db.Close()
	}
	return nil
}

// ReadSnapshot runs fn inside one read transaction.
func (a *SQLAdapter) ReadSnapshot(ctx context.Context, fn func(view Adapter) error) error {
	opts := a.dialect.Snapshot
	tx, err := a.db.BeginTx(ctx, &opts)
	if err != nil {
		return unavailable(a.Name(), "begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only, nothing to undo

	view := &SQLAdapter{db: a.db, q: tx, dialect: a.dialect}
	if err := fn(view); err != nil {
		return err
	}
	return unavailable(a.Name(), "commit", tx.Commit())
}

func (a *SQLAdapter) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := a.q.QueryContext(ctx, a.dialect.rebind(query), args...)
	if err != nil {
		return nil, unavailable(a.Name(), op, err)
	}
	return rows, nil
}

func (a *SQLAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	uid, err := parseIntID("user_id", string(id))
	if err != nil {
		return nil, err
	}
	rows, err := a.query(ctx, "orders_of_user", `
		SELECT o.order_id, o.user_id, o.order_date, o.total, oi.product_id, oi.quantity
		FROM orders o
		LEFT JOIN order_items oi ON oi.order_id = o.order_id
		WHERE o.user_id = ?
		ORDER BY o.order_id`, uid)
	if err != nil {
		return nil, err
	}
	orders, err := a.scanOrders(rows)
	if err != nil {
		return nil, unavailable(a.Name(), "orders_of_user", err)
	}
	return orders, nil
}

func (a *SQLAdapter) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	oid, err := parseIntID("order_id", string(id))
	if err != nil {
		return nil, err
	}
	rows, err := a.query(ctx, "get_order", `
		SELECT o.order_id, o.user_id, o.order_date, o.total, oi.product_id, oi.quantity
		FROM orders o
		LEFT JOIN order_items oi ON oi.order_id = o.order_id
		WHERE o.order_id = ?`, oid)
	if err != nil {
		return nil, err
	}
	orders, err := a.scanOrders(rows)
	if err != nil {
		return nil, unavailable(a.Name(), "get_order", err)
	}
	if len(orders) == 0 {
		return nil, notFound("order", id)
	}
	return &orders[0], nil
}

// scanOrders folds order/order_item join rows into orders, preserving row order.
func (a *SQLAdapter) scanOrders(rows *sql.Rows) ([]Order, error) {
	defer rows.Close()

	var orders []Order
	index := make(map[int64]int)
	for rows.Next() {
		var (
			orderID, userID int64
			orderDate       any
			total           sql.NullString
			productID       sql.NullInt64
			quantity        sql.NullInt64
		)
		if err := rows.Scan(&orderID, &userID, &orderDate, &total, &productID, &quantity); err != nil {
			return nil, err
		}

		i, ok := index[orderID]
		if !ok {
			date, err := timeValue(orderDate)
			if err != nil {
				return nil, err
			}
			amount, err := decimalValue(total)
			if err != nil {
				return nil, err
			}
			orders = append(orders, Order{
				ID:        OrderID(strconv.FormatInt(orderID, 10)),
				UserID:    UserID(strconv.FormatInt(userID, 10)),
				OrderDate: date,
				Total:     amount,
			})
			i = len(orders) - 1
			index[orderID] = i
		}
		if productID.Valid {
			orders[i].Lines = append(orders[i].Lines, OrderLine{
				ProductID: ProductID(strconv.FormatInt(productID.Int64, 10)),
				Quantity:  int(quantity.Int64),
			})
		}
	}
	return orders, rows.Err()
}

func (a *SQLAdapter) ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	cid, err := parseIntID("category_id", string(id))
	if err != nil {
		return nil, err
	}
	rows, err := a.query(ctx, "products_in_category",
		`SELECT product_id, name, price, category_id FROM products WHERE category_id = ? ORDER BY product_id`, cid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
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

func (a *SQLAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	rows, err := a.query(ctx, "all_user_ids", `SELECT user_id FROM users ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return a.scanUserIDs(rows, "all_user_ids")
}

// PurchasersOf implements ReverseIndex.
func (a *SQLAdapter) PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error) {
	pid, err := parseIntID("product_id", string(id))
	if err != nil {
		return nil, err
	}
	rows, err := a.query(ctx, "purchasers_of", `
		SELECT DISTINCT o.user_id
		FROM orders o
		JOIN order_items oi ON oi.order_id = o.order_id
		WHERE oi.product_id = ?`, pid)
	if err != nil {
		return nil, err
	}
	return a.scanUserIDs(rows, "purchasers_of")
}

func (a *SQLAdapter) scanUserIDs(rows *sql.Rows, op string) ([]UserID, error) {
	defer rows.Close()
	var ids []UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(a.Name(), op, err)
		}
		ids = append(ids, UserID(strconv.FormatInt(id, 10)))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(a.Name(), op, err)
	}
	return ids, nil
}

func (a *SQLAdapter) GetUser(ctx context.Context, id UserID) (*User, error) {
	uid, err := parseIntID("user_id", string(id))
	if err != nil {
		return nil, err
	}
	row := a.q.QueryRowContext(ctx, a.dialect.rebind(
		`SELECT user_id, name, email, registration_date FROM users WHERE user_id = ?`), uid)

	var (
		userID      int64
		name, email sql.NullString
		registered  any
	)
	if err := row.Scan(&userID, &name, &email, &registered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("user", id)
		}
		return nil, unavailable(a.Name(), "get_user", err)
	}
	at, err := timeValue(registered)
	if err != nil {
		return nil, unavailable(a.Name(), "get_user", err)
	}
	return &User{
		ID:           UserID(strconv.FormatInt(userID, 10)),
		Name:         name.String,
		Email:        email.String,
		RegisteredAt: at,
	}, nil
}

func (a *SQLAdapter) GetProduct(ctx context.Context, id ProductID) (*Product, error) {
	pid, err := parseIntID("product_id", string(id))
	if err != nil {
		return nil, err
	}
	row := a.q.QueryRowContext(ctx, a.dialect.rebind(
		`SELECT product_id, name, price, category_id FROM products WHERE product_id = ?`), pid)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("product", id)
		}
		return nil, unavailable(a.Name(), "get_product", err)
	}
	return p, nil
}

func (a *SQLAdapter) GetCategory(ctx context.Context, id CategoryID) (*Category, error) {
	cid, err := parseIntID("category_id", string(id))
	if err != nil {
		return nil, err
	}
	row := a.q.QueryRowContext(ctx, a.dialect.rebind(
		`SELECT category_id, category_name FROM categories WHERE category_id = ?`), cid)

	var (
		categoryID int64
		name       sql.NullString
	)
	if err := row.Scan(&categoryID, &name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("category", id)
		}
		return nil, unavailable(a.Name(), "get_category", err)
	}
	return &Category{ID: CategoryID(strconv.FormatInt(categoryID, 10)), Name: name.String}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*Product, error) {
	var (
		productID  int64
		name       sql.NullString
		price      sql.NullString
		categoryID sql.NullInt64
	)
	if err := row.Scan(&productID, &name, &price, &categoryID); err != nil {
		return nil, err
	}
	amount, err := decimalValue(price)
	if err != nil {
		return nil, err
	}
	p := &Product{
		ID:    ProductID(strconv.FormatInt(productID, 10)),
		Name:  name.String,
		Price: amount,
	}
	if categoryID.Valid {
		p.CategoryID = CategoryID(strconv.FormatInt(categoryID.Int64, 10))
	}
	return p, nil
}

// parseIntID validates an identifier for a backend with integer keys.
func parseIntID(field, id string) (int64, error) {
	if err := ValidateID(field, id); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, WithContext(ErrInvalidArgument, map[string]interface{}{
			"field":  field,
			"value":  id,
			"reason": "must be a decimal integer",
		})
	}
	return n, nil
}

func decimalValue(s sql.NullString) (decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s.String)
}

// timeLayouts are the textual forms drivers hand back for DATE and TIMESTAMP columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func timeValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}
