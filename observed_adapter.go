package shopquery

import (
	"context"
	"time"
)

// ObservedAdapter records a metric and a debug log line for every backend call.
type ObservedAdapter struct {
	inner   Adapter
	logger  Logger
	metrics Metrics
}

// NewObservedAdapter wraps inner with logging and metrics.
func NewObservedAdapter(inner Adapter, logger Logger, metrics Metrics) *ObservedAdapter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &ObservedAdapter{inner: inner, logger: logger, metrics: metrics}
}

func (o *ObservedAdapter) observe(op string, start time.Time, err error, fields ...interface{}) {
	backend := o.inner.Name()
	o.metrics.Increment(MetricBackendOps, "operation", op, "backend", backend)
	o.metrics.Timing(MetricBackendLatency, time.Since(start), "operation", op, "backend", backend)

	fields = append(fields, "backend", backend, "operation", op, "duration", time.Since(start))
	if err != nil && !IsNotFound(err) {
		o.metrics.Increment(MetricBackendErrors, "operation", op, "backend", backend, "error_type", errorType(err))
		o.logger.Warn("backend call failed", append(fields, "error", err)...)
		return
	}
	o.logger.Debug("backend call", fields...)
}

func (o *ObservedAdapter) Name() string               { return o.inner.Name() }
func (o *ObservedAdapter) Capabilities() Capabilities { return o.inner.Capabilities() }
func (o *ObservedAdapter) Close() error               { return o.inner.Close() }

func (o *ObservedAdapter) OrdersOfUser(ctx context.Context, id UserID) ([]Order, error) {
	start := time.Now()
	orders, err := o.inner.OrdersOfUser(ctx, id)
	o.observe("orders_of_user", start, err, "user_id", id, "orders", len(orders))
	return orders, err
}

func (o *ObservedAdapter) ProductsInCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	start := time.Now()
	products, err := o.inner.ProductsInCategory(ctx, id)
	o.observe("products_in_category", start, err, "category_id", id, "products", len(products))
	return products, err
}

func (o *ObservedAdapter) AllUserIDs(ctx context.Context) ([]UserID, error) {
	start := time.Now()
	ids, err := o.inner.AllUserIDs(ctx)
	o.observe("all_user_ids", start, err, "users", len(ids))
	return ids, err
}

func (o *ObservedAdapter) GetUser(ctx context.Context, id UserID) (*User, error) {
	start := time.Now()
	u, err := o.inner.GetUser(ctx, id)
	o.observe("get_user", start, err, "user_id", id)
	return u, err
}

func (o *ObservedAdapter) GetProduct(ctx context.Context, id ProductID) (*Product, error) {
	start := time.Now()
	p, err := o.inner.GetProduct(ctx, id)
	o.observe("get_product", start, err, "product_id", id)
	return p, err
}

func (o *ObservedAdapter) GetCategory(ctx context.Context, id CategoryID) (*Category, error) {
	start := time.Now()
	c, err := o.inner.GetCategory(ctx, id)
	o.observe("get_category", start, err, "category_id", id)
	return c, err
}

func (o *ObservedAdapter) GetOrder(ctx context.Context, id OrderID) (*Order, error) {
	start := time.Now()
	order, err := o.inner.GetOrder(ctx, id)
	o.observe("get_order", start, err, "order_id", id)
	return order, err
}

func (o *ObservedAdapter) Ping(ctx context.Context) error {
	start := time.Now()
	err := o.inner.Ping(ctx)
	o.observe("ping", start, err)
	return err
}

// PurchasersOf implements ReverseIndex when the wrapped adapter does.
func (o *ObservedAdapter) PurchasersOf(ctx context.Context, id ProductID) ([]UserID, error) {
	index, ok := reverseIndexOf(o.inner)
	if !ok {
		return nil, errNoReverseIndex(o.inner)
	}
	start := time.Now()
	users, err := index.PurchasersOf(ctx, id)
	o.observe("purchasers_of", start, err, "product_id", id, "users", len(users))
	return users, err
}

// ReadSnapshot implements Snapshotter when the wrapped adapter does.
// Calls made through the view are observed as well.
func (o *ObservedAdapter) ReadSnapshot(ctx context.Context, fn func(view Adapter) error) error {
	snap, ok := o.inner.(Snapshotter)
	if !ok || !o.inner.Capabilities().SupportsSnapshot {
		return errNoSnapshot(o.inner)
	}
	start := time.Now()
	err := snap.ReadSnapshot(ctx, func(view Adapter) error {
		return fn(&ObservedAdapter{inner: view, logger: o.logger, metrics: o.metrics})
	})
	o.observe("read_snapshot", start, err)
	return err
}
