package shopquery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// batchRunner issues the backend calls of one computation in parallel.
//
// With a nil pool tasks run inline, one after another. That mode is used inside
// read snapshots, where every call goes through the same transaction.
type batchRunner struct {
	pool *ants.Pool
}

// newWorkerPool creates the pool bounding in-flight backend calls.
// size 0 means unbounded.
//
// The pool is nonblocking: a full pool rejects the submission and submit
// waits for a free worker itself, so a waiting query still honours its deadline.
func newWorkerPool(size int, logger Logger) (*ants.Pool, error) {
	if size <= 0 {
		size = -1
	}
	return ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("worker panic", "panic", p)
		}),
	)
}

const (
	submitBackoffMin = 200 * time.Microsecond
	submitBackoffMax = 10 * time.Millisecond
)

// submit hands fn to the pool, retrying while it is full until ctx is done.
func (b batchRunner) submit(ctx context.Context, fn func()) error {
	backoff := submitBackoffMin
	for {
		err := b.pool.Submit(fn)
		if !errors.Is(err, ants.ErrPoolOverload) {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; backoff > submitBackoffMax {
			backoff = submitBackoffMax
		}
	}
}

// run calls task for every index in [0, n). The first error cancels the
// remaining tasks and is returned; results are never partial.
func (b batchRunner) run(ctx context.Context, n int, task func(ctx context.Context, i int) error) error {
	if n == 0 {
		return ctx.Err()
	}

	if b.pool == nil {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := task(ctx, i); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i := 0; i < n; i++ {
		// Check for context cancellation before submitting
		if ctx.Err() != nil {
			break
		}

		idx := i
		wg.Add(1)
		err := b.submit(ctx, func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			if err := task(ctx, idx); err != nil {
				fail(err)
			}
		})
		if err != nil {
			wg.Done()
			if ctx.Err() != nil {
				// Stopped while waiting for a worker; reported below.
				break
			}
			fail(err)
			break
		}
	}

	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	// Parent cancellation or deadline stopped the loop early.
	return ctx.Err()
}
