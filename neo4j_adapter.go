package shopquery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"
)

// Neo4jAdapter reads the purchase graph
//
//	(User {user_id})-[:PLACED]->(Order {order_id})-[:CONTAINS {quantity}]->(Product {product_id})
//	(Product)-[:BELONGS_TO]->(Category {category_id, category_name})
//
// Ids are stored as string properties. A CONTAINS edge without a quantity
// counts as one unit. Traversing CONTAINS backwards gives the reverse index.
type Neo4jAdapter struct {
	driver     neo4j.DriverWithContext
	database   string
	ownsDriver bool
}

// NewNeo4jAdapter creates an adapter over driver. The caller keeps ownership.
func NewNeo4jAdapter(driver neo4j.DriverWithContext, database string) *Neo4jAdapter {
	return &Neo4jAdapter{driver: driver, database: database}
}

// OpenNeo4jAdapter connects with cfg and verifies connectivity.
func OpenNeo4jAdapter(ctx context.Context, cfg Neo4jConfig) (*Neo4jAdapter, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, unavailable(string(BackendNeo4j), "open", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, unavailable(string(BackendNeo4j), "ping", err)
	}
	a := NewNeo4jAdapter(driver, cfg.Database)
	a.ownsDriver = true
	return a, nil
}

func (a *Neo4jAdapter) Name() string { return string(BackendNeo4j) }

func (a *Neo4jAdapter) Capabilities() Capabilities {
	return Capabilities{HasReverseIndex: true}
}

func (a *Neo4jAdapter) Ping(ctx context.Context) error {
	return unavailable(a.Name(), "ping", a.driver.VerifyConnectivity(ctx))
}

func (a *Neo4jAdapter) Close() error {
	if a.ownsDriver {
		return a.driver.Close(context.Background())
	}
	return nil
}

// read runs cypher in a read session and hands every record to fn.
func (a *Neo4jAdapter) read(ctx context.Context, op, cypher string, params map[string]any, fn func(rec *neo4j.Record) error) error {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: a.database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return unavailable(a.Name(), op, err)
	}
	for result.Next(ctx) {
		if err := fn(result.Record()); err != nil {
			return unavailable(a.Name(), op, err)
		}
	}
	return unavailable(a.Name(), op, result.Err())
}

const neo4jOrderReturn = `
	OPTIONAL MATCH (o)-[c:CONTAINS]->(p:Product)
	RETURN o.order_id AS order_id, u.user_id AS user_id, o.order_date AS order_date, o.total AS total,
	       collect(CASE WHEN p IS NULL THEN NULL
	               ELSE {product_id: p.product_id, quantity: coalesce(c.quantity, 1)} END) AS items
	ORDER BY order_id`

func (a *Neo4jAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	orders := []Order{}
	err := a.read(ctx, "orders_of_user",
		`MATCH (u:User {user_id: $user_id})-[:PLACED]->(o:Order)`+neo4jOrderReturn,
		map[string]any{"user_id": string(id)},
		func(rec *neo4j.Record) error {
			o, err := orderFromRecord(rec)
			if err != nil {
				return err
			}
			orders = append(orders, o)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (a *Neo4jAdapter) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	if err := ValidateID("order_id", string(id)); err != nil {
		return nil, err
	}
	var found *Order
	err := a.read(ctx, "get_order",
		`MATCH (o:Order {order_id: $order_id}) OPTIONAL MATCH (u:User)-[:PLACED]->(o)`+neo4jOrderReturn,
		map[string]any{"order_id": string(id)},
		func(rec *neo4j.Record) error {
			o, err := orderFromRecord(rec)
			if err != nil {
				return err
			}
			if found == nil {
				found = &o
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFound("order", id)
	}
	return found, nil
}

func orderFromRecord(rec *neo4j.Record) (Order, error) {
	o := Order{
		ID:     OrderID(recordString(rec, "order_id")),
		UserID: UserID(recordString(rec, "user_id")),
	}
	total, err := recordDecimal(rec, "total")
	if err != nil {
		return Order{}, err
	}
	o.Total = total
	if o.OrderDate, err = recordTime(rec, "order_date"); err != nil {
		return Order{}, err
	}

	raw, _ := rec.Get("items")
	items, _ := raw.([]any)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		qty, err := toInt(m["quantity"])
		if err != nil {
			return Order{}, fmt.Errorf("order %s quantity: %w", o.ID, err)
		}
		o.Lines = append(o.Lines, OrderLine{ProductID: ProductID(propString(m["product_id"])), Quantity: qty})
	}
	return o, nil
}

func (a *Neo4jAdapter) ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	products := []Product{}
	err := a.read(ctx, "products_in_category", `
		MATCH (p:Product)-[:BELONGS_TO]->(c:Category {category_id: $category_id})
		RETURN p.product_id AS product_id, p.name AS name, p.price AS price, c.category_id AS category_id
		ORDER BY product_id`,
		map[string]any{"category_id": string(id)},
		func(rec *neo4j.Record) error {
			p, err := productFromRecord(rec)
			if err != nil {
				return err
			}
			products = append(products, p)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return products, nil
}

func (a *Neo4jAdapter) GetProduct(ctx context.Context, id ProductID) (*Product, error) {
	if err := ValidateID("product_id", string(id)); err != nil {
		return nil, err
	}
	var found *Product
	err := a.read(ctx, "get_product", `
		MATCH (p:Product {product_id: $product_id})
		OPTIONAL MATCH (p)-[:BELONGS_TO]->(c:Category)
		RETURN p.product_id AS product_id, p.name AS name, p.price AS price, c.category_id AS category_id
		LIMIT 1`,
		map[string]any{"product_id": string(id)},
		func(rec *neo4j.Record) error {
			p, err := productFromRecord(rec)
			if err != nil {
				return err
			}
			found = &p
			return nil
		})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFound("product", id)
	}
	return found, nil
}

func productFromRecord(rec *neo4j.Record) (Product, error) {
	price, err := recordDecimal(rec, "price")
	if err != nil {
		return Product{}, err
	}
	return Product{
		ID:         ProductID(recordString(rec, "product_id")),
		Name:       recordString(rec, "name"),
		Price:      price,
		CategoryID: CategoryID(recordString(rec, "category_id")),
	}, nil
}

func (a *Neo4jAdapter) GetCategory(ctx context.Context, id CategoryID) (*Category, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	var found *Category
	err := a.read(ctx, "get_category",
		`MATCH (c:Category {category_id: $category_id}) RETURN c.category_name AS name LIMIT 1`,
		map[string]any{"category_id": string(id)},
		func(rec *neo4j.Record) error {
			found = &Category{ID: id, Name: recordString(rec, "name")}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFound("category", id)
	}
	return found, nil
}

func (a *Neo4jAdapter) GetUser(ctx context.Context, id UserID) (*User, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	var found *User
	err := a.read(ctx, "get_user", `
		MATCH (u:User {user_id: $user_id})
		RETURN u.name AS name, u.email AS email, u.registration_date AS registration_date
		LIMIT 1`,
		map[string]any{"user_id": string(id)},
		func(rec *neo4j.Record) error {
			at, err := recordTime(rec, "registration_date")
			if err != nil {
				return err
			}
			found = &User{ID: id, Name: recordString(rec, "name"), Email: recordString(rec, "email"), RegisteredAt: at}
			return nil
		})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFound("user", id)
	}
	return found, nil
}

func (a *Neo4jAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	var ids []UserID
	err := a.read(ctx, "all_user_ids",
		`MATCH (u:User) WHERE u.user_id IS NOT NULL RETURN u.user_id AS user_id ORDER BY user_id`, nil,
		func(rec *neo4j.Record) error {
			ids = append(ids, UserID(recordString(rec, "user_id")))
			return nil
		})
	return ids, err
}

// PurchasersOf implements ReverseIndex by walking CONTAINS and PLACED backwards.
func (a *Neo4jAdapter) PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error) {
	if err := ValidateID("product_id", string(id)); err != nil {
		return nil, err
	}
	var ids []UserID
	err := a.read(ctx, "purchasers_of", `
		MATCH (u:User)-[:PLACED]->(:Order)-[:CONTAINS]->(:Product {product_id: $product_id})
		RETURN DISTINCT u.user_id AS user_id`,
		map[string]any{"product_id": string(id)},
		func(rec *neo4j.Record) error {
			ids = append(ids, UserID(recordString(rec, "user_id")))
			return nil
		})
	return ids, err
}

// ImportDataset merges ds into the graph in one write transaction.
func (a *Neo4jAdapter) ImportDataset(ctx context.Context, ds *Dataset) error {
	ds.assignOrderIDs()
	if err := ds.Validate(); err != nil {
		return err
	}

	users := make([]map[string]any, 0, len(ds.Users))
	for _, u := range ds.Users {
		row := map[string]any{"user_id": string(u.ID), "name": u.Name, "email": u.Email, "registration_date": nil}
		if !u.RegisteredAt.IsZero() {
			row["registration_date"] = formatTime(u.RegisteredAt)
		}
		users = append(users, row)
	}
	categories := make([]map[string]any, 0, len(ds.Categories))
	for _, c := range ds.Categories {
		categories = append(categories, map[string]any{"category_id": string(c.ID), "category_name": c.Name})
	}
	products := make([]map[string]any, 0, len(ds.Products))
	links := make([]map[string]any, 0, len(ds.Products)+len(ds.CategoryLinks))
	for _, p := range ds.Products {
		products = append(products, map[string]any{"product_id": string(p.ID), "name": p.Name, "price": p.Price.String()})
		if p.CategoryID != "" {
			links = append(links, map[string]any{"product_id": string(p.ID), "category_id": string(p.CategoryID)})
		}
	}
	for _, l := range ds.CategoryLinks {
		links = append(links, map[string]any{"product_id": string(l.ProductID), "category_id": string(l.CategoryID)})
	}
	orders := make([]map[string]any, 0, len(ds.Orders))
	lines := make([]map[string]any, 0)
	for _, o := range ds.Orders {
		row := map[string]any{"order_id": string(o.ID), "user_id": string(o.UserID), "total": o.Total.String(), "order_date": nil}
		if !o.OrderDate.IsZero() {
			row["order_date"] = formatTime(o.OrderDate)
		}
		orders = append(orders, row)
		for _, l := range o.Lines {
			lines = append(lines, map[string]any{"order_id": string(o.ID), "product_id": string(l.ProductID), "quantity": int64(l.Quantity)})
		}
	}

	statements := []struct {
		cypher string
		rows   []map[string]any
	}{
		{`UNWIND $rows AS r MERGE (u:User {user_id: r.user_id})
		  SET u.name = r.name, u.email = r.email, u.registration_date = r.registration_date`, users},
		{`UNWIND $rows AS r MERGE (c:Category {category_id: r.category_id}) SET c.category_name = r.category_name`, categories},
		{`UNWIND $rows AS r MERGE (p:Product {product_id: r.product_id}) SET p.name = r.name, p.price = r.price`, products},
		{`UNWIND $rows AS r MERGE (p:Product {product_id: r.product_id})
		  MERGE (c:Category {category_id: r.category_id}) MERGE (p)-[:BELONGS_TO]->(c)`, links},
		{`UNWIND $rows AS r MERGE (u:User {user_id: r.user_id})
		  MERGE (o:Order {order_id: r.order_id}) SET o.order_date = r.order_date, o.total = r.total
		  MERGE (u)-[:PLACED]->(o)`, orders},
		{`UNWIND $rows AS r MATCH (o:Order {order_id: r.order_id})
		  MERGE (p:Product {product_id: r.product_id})
		  MERGE (o)-[c:CONTAINS]->(p) SET c.quantity = r.quantity`, lines},
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: a.database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range statements {
			if len(st.rows) == 0 {
				continue
			}
			if _, err := tx.Run(ctx, st.cypher, map[string]any{"rows": st.rows}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return unavailable(a.Name(), "import", err)
}

func recordString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	return propString(v)
}

func propString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	case nil:
		return 1, nil
	default:
		return 0, fmt.Errorf("unexpected quantity type %T", v)
	}
}

func recordDecimal(rec *neo4j.Record, key string) (decimal.Decimal, error) {
	v, _ := rec.Get(key)
	switch t := v.(type) {
	case nil:
		return decimal.Zero, nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case string:
		return decimal.NewFromString(t)
	default:
		return decimal.Zero, fmt.Errorf("unexpected %s type %T", key, v)
	}
}

// recordTime accepts temporal values as well as strings.
func recordTime(rec *neo4j.Record, key string) (time.Time, error) {
	v, _ := rec.Get(key)
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		return parseTime(t)
	case interface{ Time() time.Time }:
		return t.Time(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected %s type %T", key, v)
	}
}
