package shopquery

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
)

// sqlSchema returns the DDL of the normalized schema for d.
func sqlSchema(d Dialect) []string {
	id, money, stamp := "INTEGER", "TEXT", "TEXT"
	if d.Name == PostgresDialect.Name {
		id, money, stamp = "BIGINT", "NUMERIC(12,2)", "TIMESTAMPTZ"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id ` + id + ` PRIMARY KEY,
			name TEXT,
			email TEXT,
			registration_date ` + stamp + `
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			category_id ` + id + ` PRIMARY KEY,
			category_name TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			product_id ` + id + ` PRIMARY KEY,
			name TEXT,
			price ` + money + `,
			category_id ` + id + `
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id ` + id + ` PRIMARY KEY,
			user_id ` + id + ` NOT NULL,
			order_date ` + stamp + `,
			total ` + money + `
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			order_id ` + id + ` NOT NULL,
			product_id ` + id + ` NOT NULL,
			quantity INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items (order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_product ON order_items (product_id)`,
		`CREATE INDEX IF NOT EXISTS idx_products_category ON products (category_id)`,
	}
}

// CreateSchema creates the normalized tables when they do not exist yet.
func (a *SQLAdapter) CreateSchema(ctx context.Context) error {
	for _, stmt := range sqlSchema(a.dialect) {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return unavailable(a.Name(), "create_schema", err)
		}
	}
	return nil
}

// ImportDataset upserts ds in one transaction, creating the schema first.
// Every identifier must be a decimal integer.
func (a *SQLAdapter) ImportDataset(ctx context.Context, ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if err := a.CreateSchema(ctx); err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(a.Name(), "import", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	exec := func(query string, args ...any) error {
		if _, err := tx.ExecContext(ctx, a.dialect.rebind(query), args...); err != nil {
			return unavailable(a.Name(), "import", err)
		}
		return nil
	}

	for _, u := range ds.Users {
		uid, err := parseIntID("user_id", string(u.ID))
		if err != nil {
			return err
		}
		err = exec(`INSERT INTO users (user_id, name, email, registration_date) VALUES (?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET name = excluded.name, email = excluded.email,
				registration_date = excluded.registration_date`,
			uid, u.Name, u.Email, a.timeArg(u.RegisteredAt))
		if err != nil {
			return err
		}
	}

	for _, c := range ds.Categories {
		cid, err := parseIntID("category_id", string(c.ID))
		if err != nil {
			return err
		}
		err = exec(`INSERT INTO categories (category_id, category_name) VALUES (?, ?)
			ON CONFLICT (category_id) DO UPDATE SET category_name = excluded.category_name`, cid, c.Name)
		if err != nil {
			return err
		}
	}

	categories := productCategories(ds)
	for _, p := range ds.Products {
		pid, err := parseIntID("product_id", string(p.ID))
		if err != nil {
			return err
		}
		var cid sql.NullInt64
		if c, ok := categories[p.ID]; ok {
			n, err := parseIntID("category_id", string(c))
			if err != nil {
				return err
			}
			cid = sql.NullInt64{Int64: n, Valid: true}
		}
		err = exec(`INSERT INTO products (product_id, name, price, category_id) VALUES (?, ?, ?, ?)
			ON CONFLICT (product_id) DO UPDATE SET name = excluded.name, price = excluded.price,
				category_id = excluded.category_id`,
			pid, p.Name, p.Price.String(), cid)
		if err != nil {
			return err
		}
	}

	for _, o := range ds.Orders {
		oid, err := parseIntID("order_id", string(o.ID))
		if err != nil {
			return err
		}
		uid, err := parseIntID("user_id", string(o.UserID))
		if err != nil {
			return err
		}
		err = exec(`INSERT INTO orders (order_id, user_id, order_date, total) VALUES (?, ?, ?, ?)
			ON CONFLICT (order_id) DO UPDATE SET user_id = excluded.user_id,
				order_date = excluded.order_date, total = excluded.total`,
			oid, uid, a.timeArg(o.OrderDate), o.Total.String())
		if err != nil {
			return err
		}
		if err := exec(`DELETE FROM order_items WHERE order_id = ?`, oid); err != nil {
			return err
		}
		for _, l := range o.Lines {
			pid, err := parseIntID("product_id", string(l.ProductID))
			if err != nil {
				return err
			}
			if err := exec(`INSERT INTO order_items (order_id, product_id, quantity) VALUES (?, ?, ?)`,
				oid, pid, l.Quantity); err != nil {
				return err
			}
		}
	}

	return unavailable(a.Name(), "import", tx.Commit())
}

// productCategories resolves the single category each product belongs to.
// Product.CategoryID wins over explicit links.
func productCategories(ds *Dataset) map[ProductID]CategoryID {
	out := make(map[ProductID]CategoryID, len(ds.Products))
	for _, l := range ds.CategoryLinks {
		out[l.ProductID] = l.CategoryID
	}
	for _, p := range ds.Products {
		if p.CategoryID != "" {
			out[p.ID] = p.CategoryID
		}
	}
	return out
}

// timeArg binds t for the dialect. SQLite stores times as RFC 3339 text.
func (a *SQLAdapter) timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	if a.dialect.Name == SQLiteDialect.Name {
		return formatTime(t)
	}
	return t.UTC()
}

// pgjsonSchema is the DDL of the jsonb schema.
var pgjsonSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (user_id BIGINT PRIMARY KEY, data JSONB NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS products (product_id BIGINT PRIMARY KEY, data JSONB NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS orders (
		order_id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		items JSONB NOT NULL DEFAULT '[]',
		data JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders (user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_items ON orders USING GIN (items)`,
	`CREATE INDEX IF NOT EXISTS idx_products_category ON products ((data->>'category_name'))`,
}

// CreateSchema creates the jsonb tables when they do not exist yet.
func (a *PGJSONAdapter) CreateSchema(ctx context.Context) error {
	for _, stmt := range pgjsonSchema {
		if _, err := a.pool.Exec(ctx, stmt); err != nil {
			return unavailable(a.Name(), "create_schema", err)
		}
	}
	return nil
}

// ImportDataset upserts ds in one batched transaction, creating the schema
// first. Categories are stored by id in each product's category_name.
func (a *PGJSONAdapter) ImportDataset(ctx context.Context, ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if err := a.CreateSchema(ctx); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, u := range ds.Users {
		uid, err := parseIntID("user_id", string(u.ID))
		if err != nil {
			return err
		}
		data := jsonUser{Name: u.Name, Email: u.Email}
		if !u.RegisteredAt.IsZero() {
			data.RegistrationDate = formatTime(u.RegisteredAt)
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO users (user_id, data) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET data = excluded.data`, uid, raw)
	}

	categories := productCategories(ds)
	for _, p := range ds.Products {
		pid, err := parseIntID("product_id", string(p.ID))
		if err != nil {
			return err
		}
		raw, err := json.Marshal(jsonProduct{Name: p.Name, Price: p.Price, CategoryName: string(categories[p.ID])})
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO products (product_id, data) VALUES ($1, $2)
			ON CONFLICT (product_id) DO UPDATE SET data = excluded.data`, pid, raw)
	}

	for _, o := range ds.Orders {
		oid, err := parseIntID("order_id", string(o.ID))
		if err != nil {
			return err
		}
		uid, err := parseIntID("user_id", string(o.UserID))
		if err != nil {
			return err
		}
		items := make([]jsonOrderItem, 0, len(o.Lines))
		for _, l := range o.Lines {
			pid, err := parseIntID("product_id", string(l.ProductID))
			if err != nil {
				return err
			}
			items = append(items, jsonOrderItem{ProductID: json.Number(strconv.FormatInt(pid, 10)), Quantity: l.Quantity})
		}
		itemsRaw, err := json.Marshal(items)
		if err != nil {
			return err
		}
		data := jsonOrderData{Total: o.Total}
		if !o.OrderDate.IsZero() {
			data.OrderDate = formatTime(o.OrderDate)
		}
		dataRaw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		batch.Queue(`INSERT INTO orders (order_id, user_id, items, data) VALUES ($1, $2, $3, $4)
			ON CONFLICT (order_id) DO UPDATE SET user_id = excluded.user_id,
				items = excluded.items, data = excluded.data`, oid, uid, itemsRaw, dataRaw)
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return unavailable(a.Name(), "import", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable(a.Name(), "import", err)
	}
	return unavailable(a.Name(), "import", tx.Commit(ctx))
}
