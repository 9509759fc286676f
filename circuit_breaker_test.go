package shopquery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	// Initially closed
	if cb.State() != "closed" {
		t.Errorf("Expected initial state 'closed', got %s", cb.State())
	}

	// Record 3 failures to open circuit
	testErr := errors.New("test error")
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), func() error {
			return testErr
		})
	}

	// Circuit should be open
	if cb.State() != "open" {
		t.Errorf("Expected state 'open' after 3 failures, got %s", cb.State())
	}

	// Requests should fail fast when open
	err := cb.Execute(context.Background(), func() error {
		t.Error("Should not execute when circuit is open")
		return nil
	})

	if err == nil {
		t.Error("Expected error when circuit is open")
	}
	if !IsStorageUnavailable(err) || !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrStorageUnavailable and ErrCircuitOpen, got %v", err)
	}

	// Wait for reset timeout
	time.Sleep(150 * time.Millisecond)

	// Circuit should transition to half-open
	cb.Execute(context.Background(), func() error {
		return nil // Success
	})

	if cb.State() != "closed" {
		t.Errorf("Expected state 'closed' after successful half-open request, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailureCount(t *testing.T) {
	cb := NewCircuitBreaker(5, 1*time.Second)

	// Record failures
	testErr := errors.New("test error")
	for i := 0; i < 3; i++ {
		cb.Execute(context.Background(), func() error {
			return testErr
		})
	}

	if cb.Failures() != 3 {
		t.Errorf("Expected 3 failures, got %d", cb.Failures())
	}

	// Success should reset counter in closed state
	cb.Execute(context.Background(), func() error {
		return nil
	})

	if cb.Failures() != 0 {
		t.Errorf("Expected failures reset to 0 after success, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string

	cb := NewCircuitBreaker(2, 50*time.Millisecond).
		WithStateChangeCallback(func(from, to string) {
			transitions = append(transitions, from+"→"+to)
		})

	// Trigger state transitions
	testErr := errors.New("test error")

	// closed → open
	cb.Execute(context.Background(), func() error { return testErr })
	cb.Execute(context.Background(), func() error { return testErr })

	if len(transitions) == 0 {
		t.Error("Expected state change callback to be called")
	}

	if transitions[0] != "closed→open" {
		t.Errorf("Expected 'closed→open' transition, got %s", transitions[0])
	}

	// Wait for half-open
	time.Sleep(100 * time.Millisecond)

	// open → half-open → closed
	cb.Execute(context.Background(), func() error { return nil })

	if len(transitions) < 2 {
		t.Errorf("Expected at least 2 transitions, got %d", len(transitions))
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(2, 1*time.Second)

	// Trigger open state
	testErr := errors.New("test error")
	cb.Execute(context.Background(), func() error { return testErr })
	cb.Execute(context.Background(), func() error { return testErr })

	if cb.State() != "open" {
		t.Error("Circuit should be open")
	}

	// Manual reset
	cb.Reset()

	if cb.State() != "closed" {
		t.Errorf("Expected state 'closed' after reset, got %s", cb.State())
	}

	if cb.Failures() != 0 {
		t.Errorf("Expected 0 failures after reset, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)

	// Open circuit
	testErr := errors.New("test error")
	cb.Execute(context.Background(), func() error { return testErr })
	cb.Execute(context.Background(), func() error { return testErr })

	// Wait for half-open
	time.Sleep(100 * time.Millisecond)

	// First request in half-open - if it fails, should go back to open
	cb.Execute(context.Background(), func() error { return testErr })

	if cb.State() != "open" {
		t.Errorf("Expected state 'open' after failed half-open request, got %s", cb.State())
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(10, 100*time.Millisecond)

	// Concurrent execution
	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func() {
			cb.Execute(context.Background(), func() error {
				time.Sleep(10 * time.Millisecond)
				return nil
			})
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < 10; i++ {
		<-done
	}

	// Should remain closed with successful requests
	if cb.State() != "closed" {
		t.Errorf("Expected state 'closed' after concurrent successful requests, got %s", cb.State())
	}
}

func TestCircuitBreaker_AnswersAreNotFailures(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Second)

	for _, err := range []error{notFound("user", "9"), ErrInvalidArgument, context.Canceled} {
		cb.Execute(context.Background(), func() error { return err })
	}

	if cb.State() != CircuitClosed || cb.Failures() != 0 {
		t.Errorf("Expected a closed circuit with no failures, got %s/%d", cb.State(), cb.Failures())
	}
}

func TestBreakerAdapter(t *testing.T) {
	metrics := NewInMemoryMetrics()
	inner := &failingAdapter{MemoryAdapter: newShopMemoryAdapter(t, false), broken: "3"}
	a := NewBreakerAdapter(inner, NewCircuitBreaker(2, time.Hour), nil, metrics)
	ctx := context.Background()

	if a.Name() != inner.Name() || a.Capabilities() != inner.Capabilities() {
		t.Error("Expected name and capabilities of the wrapped adapter")
	}

	if _, err := a.GetUser(ctx, "nobody"); !IsNotFound(err) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if _, err := a.OrdersOfUser(ctx, "1"); err != nil {
		t.Fatalf("OrdersOfUser failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := a.OrdersOfUser(ctx, "3"); !errors.Is(err, errDiskOnFire) {
			t.Fatalf("Expected the backend error, got %v", err)
		}
	}

	// Open: healthy reads fail fast too.
	if _, err := a.OrdersOfUser(ctx, "1"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if err := a.Ping(ctx); !IsStorageUnavailable(err) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
	if got := metrics.Gauges[MetricCircuitState]; got != 2 {
		t.Errorf("Expected open circuit gauge 2, got %v", got)
	}
}

func TestBreakerAdapterOptionalCapabilities(t *testing.T) {
	ctx := context.Background()

	plain := NewBreakerAdapter(newShopMemoryAdapter(t, false), NewCircuitBreaker(5, time.Second), nil, nil)
	if _, err := plain.PurchasersOf(ctx, "101"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig without a reverse index, got %v", err)
	}
	if err := plain.ReadSnapshot(ctx, func(Adapter) error { return nil }); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig without snapshots, got %v", err)
	}

	indexed := NewBreakerAdapter(newShopMemoryAdapter(t, true), NewCircuitBreaker(5, time.Second), nil, nil)
	users, err := indexed.PurchasersOf(ctx, "101")
	if err != nil {
		t.Fatalf("PurchasersOf failed: %v", err)
	}
	if len(users) == 0 {
		t.Error("Expected purchasers of product 101")
	}
}
