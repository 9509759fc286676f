package shopquery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Redis key layout
//
//	users                     set of user ids
//	user:{id}                 hash name, email, registration_date
//	user:{id}:orders          set of order ids
//	order:{id}                hash user_id, order_date, total, items (JSON array)
//	product:{id}              hash name, price, category_id
//	category:{id}             hash name
//	category:{id}:products    set of product ids
func redisUserKey(id UserID) string              { return fmt.Sprintf("user:%s", id) }
func redisUserOrdersKey(id UserID) string        { return fmt.Sprintf("user:%s:orders", id) }
func redisOrderKey(id OrderID) string            { return fmt.Sprintf("order:%s", id) }
func redisProductKey(id ProductID) string        { return fmt.Sprintf("product:%s", id) }
func redisCategoryKey(id CategoryID) string      { return fmt.Sprintf("category:%s", id) }
func redisCategoryItemsKey(id CategoryID) string { return fmt.Sprintf("category:%s:products", id) }

const redisUsersKey = "users"

// validateRedisID narrows ValidateID for the key layout above: a ':' inside an
// id would let user "x:orders" collide with the order set of user "x".
func validateRedisID(field, id string) error {
	if err := ValidateID(field, id); err != nil {
		return err
	}
	if strings.Contains(id, ":") {
		return WithContext(ErrInvalidArgument, map[string]interface{}{
			"field":  field,
			"value":  id,
			"reason": "must not contain ':'",
		})
	}
	return nil
}

func validateRedisDataset(ds *Dataset) error {
	check := func(field, id string) error {
		if id == "" {
			return nil
		}
		return validateRedisID(field, id)
	}
	for _, u := range ds.Users {
		if err := check("user_id", string(u.ID)); err != nil {
			return err
		}
	}
	for _, c := range ds.Categories {
		if err := check("category_id", string(c.ID)); err != nil {
			return err
		}
	}
	for _, p := range ds.Products {
		if err := check("product_id", string(p.ID)); err != nil {
			return err
		}
		if err := check("category_id", string(p.CategoryID)); err != nil {
			return err
		}
	}
	for _, l := range ds.CategoryLinks {
		if err := check("category_id", string(l.CategoryID)); err != nil {
			return err
		}
		if err := check("product_id", string(l.ProductID)); err != nil {
			return err
		}
	}
	for _, o := range ds.Orders {
		if err := check("order_id", string(o.ID)); err != nil {
			return err
		}
		if err := check("user_id", string(o.UserID)); err != nil {
			return err
		}
		for _, line := range o.Lines {
			if err := check("product_id", string(line.ProductID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// RedisAdapter reads the key-value layout above. It has no reverse index;
// wrap it with WithPurchaserIndex to get one.
type RedisAdapter struct {
	client     *redis.Client
	ownsClient bool
}

// NewRedisAdapter creates an adapter over client. The caller keeps ownership.
func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

// NewRedisAdapterWithOwnedClient creates an adapter that closes client on Close.
func NewRedisAdapterWithOwnedClient(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client, ownsClient: true}
}

func (a *RedisAdapter) Name() string               { return string(BackendRedis) }
func (a *RedisAdapter) Capabilities() Capabilities { return Capabilities{} }

func (a *RedisAdapter) Ping(ctx context.Context) error {
	return unavailable(a.Name(), "ping", a.client.Ping(ctx).Err())
}

func (a *RedisAdapter) Close() error {
	if a.ownsClient {
		return a.client.Close()
	}
	return nil
}

func (a *RedisAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	if err := validateRedisID("user_id", string(id)); err != nil {
		return nil, err
	}
	orderIDs, err := a.client.SMembers(ctx, redisUserOrdersKey(id)).Result()
	if err != nil {
		return nil, unavailable(a.Name(), "orders_of_user", err)
	}
	if len(orderIDs) == 0 {
		return []Order{}, nil
	}

	hashes, err := a.hgetAll(ctx, "orders_of_user", orderIDs, func(s string) string { return redisOrderKey(OrderID(s)) })
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(orderIDs))
	for i, fields := range hashes {
		if len(fields) == 0 {
			continue // order deleted, membership not yet cleaned up
		}
		o, err := orderFromHash(OrderID(orderIDs[i]), fields)
		if err != nil {
			return nil, unavailable(a.Name(), "orders_of_user", err)
		}
		orders = append(orders, o)
	}
	sortOrders(orders)
	return orders, nil
}

func (a *RedisAdapter) ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	if err := validateRedisID("category_id", string(id)); err != nil {
		return nil, err
	}
	productIDs, err := a.client.SMembers(ctx, redisCategoryItemsKey(id)).Result()
	if err != nil {
		return nil, unavailable(a.Name(), "products_in_category", err)
	}
	if len(productIDs) == 0 {
		return []Product{}, nil
	}

	hashes, err := a.hgetAll(ctx, "products_in_category", productIDs, func(s string) string { return redisProductKey(ProductID(s)) })
	if err != nil {
		return nil, err
	}

	products := make([]Product, 0, len(productIDs))
	for i, fields := range hashes {
		if len(fields) == 0 {
			continue
		}
		p, err := productFromHash(ProductID(productIDs[i]), fields)
		if err != nil {
			return nil, unavailable(a.Name(), "products_in_category", err)
		}
		products = append(products, p)
	}
	return products, nil
}

// hgetAll fetches many hashes in one round trip.
func (a *RedisAdapter) hgetAll(ctx context.Context, op string, ids []string, key func(string) string) ([]map[string]string, error) {
	pipe := a.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable(a.Name(), op, err)
	}
	out := make([]map[string]string, len(cmds))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

func (a *RedisAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	members, err := a.client.SMembers(ctx, redisUsersKey).Result()
	if err != nil {
		return nil, unavailable(a.Name(), "all_user_ids", err)
	}
	ids := make([]UserID, len(members))
	for i, m := range members {
		ids[i] = UserID(m)
	}
	sortUserIDs(ids)
	return ids, nil
}

func (a *RedisAdapter) GetUser(ctx context.Context, id UserID) (*User, error) {
	if err := validateRedisID("user_id", string(id)); err != nil {
		return nil, err
	}
	fields, err := a.client.HGetAll(ctx, redisUserKey(id)).Result()
	if err != nil {
		return nil, unavailable(a.Name(), "get_user", err)
	}
	if len(fields) == 0 {
		return nil, notFound("user", id)
	}
	u := &User{ID: id, Name: fields["name"], Email: fields["email"]}
	if s := fields["registration_date"]; s != "" {
		at, err := parseTime(s)
		if err != nil {
			return nil, unavailable(a.Name(), "get_user", err)
		}
		u.RegisteredAt = at
	}
	return u, nil
}

func (a *RedisAdapter) GetProduct(ctx context.Context, id ProductID) (*Product, error) {
	if err := validateRedisID("product_id", string(id)); err != nil {
		return nil, err
	}
	fields, err := a.client.HGetAll(ctx, redisProductKey(id)).Result()
	if err != nil {
		return nil, unavailable(a.Name(), "get_product", err)
	}
	if len(fields) == 0 {
		return nil, notFound("product", id)
	}
	p, err := productFromHash(id, fields)
	if err != nil {
		return nil, unavailable(a.Name(), "get_product", err)
	}
	return &p, nil
}

func (a *RedisAdapter) GetCategory(ctx context.Context, id CategoryID) (*Category, error) {
	if err := validateRedisID("category_id", string(id)); err != nil {
		return nil, err
	}
	fields, err := a.client.HGetAll(ctx, redisCategoryKey(id)).Result()
	if err != nil {
		return nil, unavailable(a.Name(), "get_category", err)
	}
	if len(fields) == 0 {
		return nil, notFound("category", id)
	}
	return &Category{ID: id, Name: fields["name"]}, nil
}

func (a *RedisAdapter) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	if err := validateRedisID("order_id", string(id)); err != nil {
		return nil, err
	}
	fields, err := a.client.HGetAll(ctx, redisOrderKey(id)).Result()
	if err != nil {
		return nil, unavailable(a.Name(), "get_order", err)
	}
	if len(fields) == 0 {
		return nil, notFound("order", id)
	}
	o, err := orderFromHash(id, fields)
	if err != nil {
		return nil, unavailable(a.Name(), "get_order", err)
	}
	return &o, nil
}

// ImportDataset writes ds using the key layout above.
func (a *RedisAdapter) ImportDataset(ctx context.Context, ds *Dataset) error {
	ds.assignOrderIDs()
	if err := ds.Validate(); err != nil {
		return err
	}
	if err := validateRedisDataset(ds); err != nil {
		return err
	}
	pipe := a.client.TxPipeline()
	for _, u := range ds.Users {
		fields := map[string]interface{}{"name": u.Name, "email": u.Email}
		if !u.RegisteredAt.IsZero() {
			fields["registration_date"] = formatTime(u.RegisteredAt)
		}
		pipe.HSet(ctx, redisUserKey(u.ID), fields)
		pipe.SAdd(ctx, redisUsersKey, string(u.ID))
	}
	for _, c := range ds.Categories {
		pipe.HSet(ctx, redisCategoryKey(c.ID), map[string]interface{}{"name": c.Name})
	}
	for _, p := range ds.Products {
		pipe.HSet(ctx, redisProductKey(p.ID), map[string]interface{}{
			"name":        p.Name,
			"price":       p.Price.String(),
			"category_id": string(p.CategoryID),
		})
		if p.CategoryID != "" {
			pipe.SAdd(ctx, redisCategoryItemsKey(p.CategoryID), string(p.ID))
		}
	}
	for _, l := range ds.CategoryLinks {
		pipe.SAdd(ctx, redisCategoryItemsKey(l.CategoryID), string(l.ProductID))
	}
	for _, o := range ds.Orders {
		items, err := encodeLines(o.Lines)
		if err != nil {
			return err
		}
		fields := map[string]interface{}{
			"user_id": string(o.UserID),
			"total":   o.Total.String(),
			"items":   items,
		}
		if !o.OrderDate.IsZero() {
			fields["order_date"] = formatTime(o.OrderDate)
		}
		pipe.HSet(ctx, redisOrderKey(o.ID), fields)
		pipe.SAdd(ctx, redisUserOrdersKey(o.UserID), string(o.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(a.Name(), "import", err)
	}
	return nil
}

func orderFromHash(id OrderID, fields map[string]string) (Order, error) {
	o := Order{ID: id, UserID: UserID(fields["user_id"])}
	lines, err := decodeLines(fields["items"])
	if err != nil {
		return Order{}, fmt.Errorf("order %s items: %w", id, err)
	}
	o.Lines = lines
	if s := fields["total"]; s != "" {
		if o.Total, err = decimal.NewFromString(s); err != nil {
			return Order{}, fmt.Errorf("order %s total: %w", id, err)
		}
	}
	if s := fields["order_date"]; s != "" {
		var t time.Time
		if t, err = parseTime(s); err != nil {
			return Order{}, fmt.Errorf("order %s date: %w", id, err)
		}
		o.OrderDate = t
	}
	return o, nil
}

func productFromHash(id ProductID, fields map[string]string) (Product, error) {
	p := Product{ID: id, Name: fields["name"], CategoryID: CategoryID(fields["category_id"])}
	if s := fields["price"]; s != "" {
		price, err := decimal.NewFromString(s)
		if err != nil {
			return Product{}, fmt.Errorf("product %s price: %w", id, err)
		}
		p.Price = price
	}
	return p, nil
}
