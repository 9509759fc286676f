package shopquery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreaker prevents cascading failures when a backend is unavailable.
//
// States:
//   - Closed: Normal operation, requests pass through
//   - Open: Backend failing, requests fail fast without calling it
//   - Half-Open: Testing if the backend recovered
//
// Failing fast is not a retry: an open circuit reports ErrStorageUnavailable
// immediately and the caller decides what to do.
type CircuitBreaker struct {
	mu            sync.RWMutex
	maxFailures   int
	resetTimeout  time.Duration
	failures      int
	lastFailTime  time.Time
	state         string
	onStateChange func(from, to string)
}

// NewCircuitBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures and lets one call through again after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        CircuitClosed,
	}
}

// WithStateChangeCallback adds a callback for state transitions.
func (cb *CircuitBreaker) WithStateChangeCallback(fn func(from, to string)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Execute runs fn unless the circuit is open.
// Only ErrStorageUnavailable counts as a failure; not-found and invalid
// arguments are answers, not outages.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.allow() {
		return WithContext(fmt.Errorf("%w: %w", ErrStorageUnavailable, ErrCircuitOpen), map[string]interface{}{
			"state": cb.State(),
		})
	}

	err := fn()
	cb.recordResult(err)
	return err
}

// allow checks if request should be allowed based on circuit state
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if time.Since(cb.lastFailTime) > cb.resetTimeout {
			cb.setState(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// recordResult updates circuit breaker state based on operation result
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if countsAsFailure(err) {
		cb.failures++
		cb.lastFailTime = time.Now()

		if cb.state == CircuitHalfOpen || (cb.failures >= cb.maxFailures && cb.state != CircuitOpen) {
			cb.setState(CircuitOpen)
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitClosed)
	}
	cb.failures = 0
}

func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidArgument)
}

// setState transitions to a new state and triggers callback
func (cb *CircuitBreaker) setState(newState string) {
	oldState := cb.state
	cb.state = newState
	if cb.onStateChange != nil && oldState != newState {
		cb.onStateChange(oldState, newState)
	}
}

// State returns current circuit breaker state (closed, open, or half-open)
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.setState(CircuitClosed)
}

// Failures returns the current failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// BreakerAdapter routes every call of an adapter through a circuit breaker.
type BreakerAdapter struct {
	inner   Adapter
	breaker *CircuitBreaker
}

// NewBreakerAdapter wraps inner. State transitions are logged and exported
// as the MetricCircuitState gauge.
func NewBreakerAdapter(inner Adapter, breaker *CircuitBreaker, logger Logger, metrics Metrics) *BreakerAdapter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	breaker.WithStateChangeCallback(func(from, to string) {
		logger.Warn("circuit breaker state changed", "backend", inner.Name(), "from", from, "to", to)
		metrics.Gauge(MetricCircuitState, circuitGaugeValue(to), "backend", inner.Name())
	})
	return &BreakerAdapter{inner: inner, breaker: breaker}
}

func circuitGaugeValue(state string) float64 {
	switch state {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

func (b *BreakerAdapter) Name() string               { return b.inner.Name() }
func (b *BreakerAdapter) Capabilities() Capabilities { return b.inner.Capabilities() }
func (b *BreakerAdapter) Close() error               { return b.inner.Close() }

func (b *BreakerAdapter) OrdersOfUser(ctx context.Context, id UserID) (orders []Order, err error) {
	err = b.breaker.Execute(ctx, func() error {
		orders, err = b.inner.OrdersOfUser(ctx, id)
		return err
	})
	return orders, err
}

func (b *BreakerAdapter) ProductsInCategory(ctx context.Context, id CategoryID) (products []Product, err error) {
	err = b.breaker.Execute(ctx, func() error {
		products, err = b.inner.ProductsInCategory(ctx, id)
		return err
	})
	return products, err
}

func (b *BreakerAdapter) AllUserIDs(ctx context.Context) (ids []UserID, err error) {
	err = b.breaker.Execute(ctx, func() error {
		ids, err = b.inner.AllUserIDs(ctx)
		return err
	})
	return ids, err
}

func (b *BreakerAdapter) GetUser(ctx context.Context, id UserID) (u *User, err error) {
	err = b.breaker.Execute(ctx, func() error {
		u, err = b.inner.GetUser(ctx, id)
		return err
	})
	return u, err
}

func (b *BreakerAdapter) GetProduct(ctx context.Context, id ProductID) (p *Product, err error) {
	err = b.breaker.Execute(ctx, func() error {
		p, err = b.inner.GetProduct(ctx, id)
		return err
	})
	return p, err
}

func (b *BreakerAdapter) GetCategory(ctx context.Context, id CategoryID) (c *Category, err error) {
	err = b.breaker.Execute(ctx, func() error {
		c, err = b.inner.GetCategory(ctx, id)
		return err
	})
	return c, err
}

func (b *BreakerAdapter) GetOrder(ctx context.Context, id OrderID) (o *Order, err error) {
	err = b.breaker.Execute(ctx, func() error {
		o, err = b.inner.GetOrder(ctx, id)
		return err
	})
	return o, err
}

func (b *BreakerAdapter) Ping(ctx context.Context) error {
	return b.breaker.Execute(ctx, func() error {
		return b.inner.Ping(ctx)
	})
}

// PurchasersOf implements ReverseIndex when the wrapped adapter does.
func (b *BreakerAdapter) PurchasersOf(ctx context.Context, id ProductID) (users []UserID, err error) {
	index, ok := reverseIndexOf(b.inner)
	if !ok {
		return nil, errNoReverseIndex(b.inner)
	}
	err = b.breaker.Execute(ctx, func() error {
		users, err = index.PurchasersOf(ctx, id)
		return err
	})
	return users, err
}

// ReadSnapshot implements Snapshotter when the wrapped adapter does.
// The snapshot as a whole counts as one call.
func (b *BreakerAdapter) ReadSnapshot(ctx context.Context, fn func(view Adapter) error) error {
	snap, ok := b.inner.(Snapshotter)
	if !ok || !b.inner.Capabilities().SupportsSnapshot {
		return errNoSnapshot(b.inner)
	}
	return b.breaker.Execute(ctx, func() error {
		return snap.ReadSnapshot(ctx, fn)
	})
}

func errNoReverseIndex(a Adapter) error {
	return WithContext(ErrInvalidConfig, map[string]interface{}{
		"adapter": a.Name(),
		"reason":  "adapter has no reverse index",
	})
}

func errNoSnapshot(a Adapter) error {
	return WithContext(ErrInvalidConfig, map[string]interface{}{
		"adapter": a.Name(),
		"reason":  "adapter does not support snapshots",
	})
}
