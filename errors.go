package shopquery

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Query errors
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidArgument = errors.New("invalid argument")

	// Backend errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTimeout            = errors.New("operation timed out")
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrLockHeld           = errors.New("lock held by another process")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// unavailable classifies an error returned by a storage driver.
// ErrNotFound and ErrInvalidArgument pass through untouched, everything else
// (driver failures, deadlines, cancellation) becomes ErrStorageUnavailable.
func unavailable(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}

	wrapped := fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	if errors.Is(err, context.DeadlineExceeded) {
		wrapped = fmt.Errorf("%w: %w: %w", ErrStorageUnavailable, ErrTimeout, err)
	}
	return WithContext(wrapped, map[string]interface{}{
		"backend":   backend,
		"operation": op,
	})
}

// notFound builds an ErrNotFound carrying the entity kind and id.
func notFound(entity string, id interface{}) error {
	return WithContext(ErrNotFound, map[string]interface{}{
		"entity": entity,
		"id":     id,
	})
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidArgument checks if an error was caused by a malformed identifier or argument
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsStorageUnavailable checks if the backend could not answer the query
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsTimeout checks if a query ran past its deadline
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable checks if an error is safe to retry.
// The library never retries on its own; callers decide.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrLockHeld)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidConfig)
}
