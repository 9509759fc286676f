package shopquery

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Query operation names used in logs and metrics.
const (
	OpSimilarUsers       = "similar_users"
	OpSimilarUserRecords = "similar_user_records"
	OpProductsByCategory = "products_by_category"
	OpProductsByUser     = "products_by_user"
	OpPurchaseSet        = "purchase_set"
)

// QueryService is the entry point for the read queries. It binds one adapter
// to a query configuration and runs every query under the configured timeout,
// concurrency bound and, optionally, a read snapshot.
//
// A QueryService is safe for concurrent use. Queries share no state.
type QueryService struct {
	adapter  Adapter
	config   QueryConfig
	strategy Strategy
	pool     *ants.Pool
	logger   Logger
	metrics  Metrics
	profiler *QueryProfiler
}

// NewQueryService creates a query service without logging or metrics.
func NewQueryService(adapter Adapter, config QueryConfig) (*QueryService, error) {
	return NewQueryServiceWithObservability(adapter, config, nil, nil)
}

// NewQueryServiceWithObservability creates a query service that logs and records metrics.
// Capabilities and the similarity strategy are resolved here, once.
func NewQueryServiceWithObservability(adapter Adapter, config QueryConfig, logger Logger, metrics Metrics) (*QueryService, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := checkCapabilities(adapter); err != nil {
		return nil, err
	}
	strategy, err := resolveStrategy(config.Strategy, adapter)
	if err != nil {
		return nil, err
	}
	if config.UseSnapshot && !adapter.Capabilities().SupportsSnapshot {
		logger.Warn("snapshots requested but not supported, running without", "backend", adapter.Name())
	}

	pool, err := newWorkerPool(config.MaxConcurrency, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("query service ready",
		"backend", adapter.Name(),
		"strategy", string(strategy),
		"max_concurrency", config.MaxConcurrency,
		"timeout", config.Timeout.String())

	return &QueryService{
		adapter:  adapter,
		config:   config,
		strategy: strategy,
		pool:     pool,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Strategy returns the similarity strategy in use.
func (s *QueryService) Strategy() Strategy {
	return s.strategy
}

// WithProfiler records a QueryProfile for every query into p.
// Call before the service is shared.
func (s *QueryService) WithProfiler(p *QueryProfiler) *QueryService {
	s.profiler = p
	return s
}

// Adapter returns the underlying adapter.
func (s *QueryService) Adapter() Adapter {
	return s.adapter
}

// Close releases the worker pool. The adapter is owned by the caller.
func (s *QueryService) Close() error {
	s.pool.Release()
	return nil
}

// queryScope carries the components bound to one query execution.
type queryScope struct {
	purchases  *PurchaseIndex
	similarity *SimilarityEngine
	catalog    *CatalogQuery
	batch      batchRunner
	adapter    Adapter
}

func (s *QueryService) newScope(adapter Adapter, batch batchRunner) *queryScope {
	purchases := NewPurchaseIndex(adapter, s.logger).withMemo()
	return &queryScope{
		purchases: purchases,
		similarity: &SimilarityEngine{
			adapter:   adapter,
			purchases: purchases,
			strategy:  s.strategy,
			batch:     batch,
			logger:    s.logger,
		},
		catalog: &CatalogQuery{
			adapter:   adapter,
			purchases: purchases,
			batch:     batch,
			logger:    s.logger,
		},
		batch:   batch,
		adapter: adapter,
	}
}

// execute runs fn with the timeout, snapshot and metrics policy applied.
// It returns the number of results fn reported for metrics.
func (s *QueryService) execute(ctx context.Context, op string, fn func(ctx context.Context, q *queryScope) (int, error)) error {
	start := time.Now()
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	var count int
	var err error
	snap, snapshot := s.adapter.(Snapshotter)
	snapshot = snapshot && s.config.UseSnapshot && s.adapter.Capabilities().SupportsSnapshot
	if snapshot {
		err = snap.ReadSnapshot(ctx, func(view Adapter) error {
			var ferr error
			count, ferr = fn(ctx, s.newScope(view, batchRunner{}))
			return ferr
		})
	} else {
		count, err = fn(ctx, s.newScope(s.adapter, batchRunner{pool: s.pool}))
	}

	duration := time.Since(start)
	s.metrics.Timing(MetricQueryDuration, duration, "operation", op, "strategy", string(s.strategy))
	if err != nil {
		err = s.classify(op, err)
	}
	s.profile(op, start, duration, count, snapshot, err)

	if err != nil {
		s.metrics.Increment(MetricQueryErrors, "operation", op, "error_type", errorType(err))
		if IsInvalidArgument(err) {
			s.logger.Debug("query rejected", "operation", op, "error", err)
		} else {
			s.logger.Warn("query failed", "operation", op, "duration", duration, "error", err)
		}
		return err
	}

	s.metrics.Increment(MetricQuerySuccess, "operation", op, "strategy", string(s.strategy))
	s.metrics.Histogram(MetricQueryResults, float64(count), "operation", op, "strategy", string(s.strategy))
	s.logger.Debug("query completed", "operation", op, "results", count, "duration", duration)
	return nil
}

// profile feeds the profiler and the slow query log.
func (s *QueryService) profile(op string, start time.Time, duration time.Duration, count int, snapshot bool, err error) {
	fullScan := (op == OpSimilarUsers || op == OpSimilarUserRecords) && s.strategy == StrategyScan

	if t := s.config.SlowQueryThreshold; t > 0 && duration > t {
		s.logger.Warn("slow query",
			"operation", op,
			"backend", s.adapter.Name(),
			"strategy", string(s.strategy),
			"duration", duration,
			"results", count,
			"full_scan", fullScan,
		)
	}
	if s.profiler == nil {
		return
	}
	s.profiler.Record(QueryProfile{
		Operation:   op,
		Backend:     s.adapter.Name(),
		Strategy:    s.strategy,
		StartTime:   start,
		Duration:    duration,
		ResultCount: count,
		FullScan:    fullScan,
		Fallback:    fullScan && s.config.Strategy == StrategyAuto,
		Snapshot:    snapshot,
		Err:         err,
	})
}

// classify maps anything that is not already part of the error taxonomy
// (pool errors, raw context errors) to ErrStorageUnavailable.
func (s *QueryService) classify(op string, err error) error {
	if errors.Is(err, ErrInvalidConfig) {
		return err
	}
	return unavailable(s.adapter.Name(), op, err)
}

func errorType(err error) string {
	switch {
	case IsInvalidArgument(err):
		return "invalid_argument"
	case IsNotFound(err):
		return "not_found"
	case IsTimeout(err):
		return "timeout"
	case IsStorageUnavailable(err):
		return "unavailable"
	default:
		return "other"
	}
}

// SimilarUsers returns the users sharing at least one purchased product with id.
func (s *QueryService) SimilarUsers(ctx context.Context, id UserID) (UserSet, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	var result UserSet
	err := s.execute(ctx, OpSimilarUsers, func(ctx context.Context, q *queryScope) (int, error) {
		users, err := q.similarity.SimilarUsers(ctx, id)
		result = users
		return len(users), err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SimilarUserRecords returns the user records of SimilarUsers, sorted by id.
// Users deleted between the similarity computation and hydration are skipped.
func (s *QueryService) SimilarUserRecords(ctx context.Context, id UserID) ([]User, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	var result []User
	err := s.execute(ctx, OpSimilarUserRecords, func(ctx context.Context, q *queryScope) (int, error) {
		similar, err := q.similarity.SimilarUsers(ctx, id)
		if err != nil {
			return 0, err
		}
		ids := similar.Sorted()
		records := make([]*User, len(ids))
		err = q.batch.run(ctx, len(ids), func(ctx context.Context, i int) error {
			u, err := q.adapter.GetUser(ctx, ids[i])
			if err != nil {
				if IsNotFound(err) {
					return nil
				}
				return err
			}
			records[i] = u
			return nil
		})
		if err != nil {
			return 0, err
		}
		result = make([]User, 0, len(records))
		for _, u := range records {
			if u != nil {
				result = append(result, *u)
			}
		}
		return len(result), nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ProductsByCategory returns the distinct products of a category, sorted by id.
func (s *QueryService) ProductsByCategory(ctx context.Context, id CategoryID) ([]Product, error) {
	if err := ValidateID("category_id", string(id)); err != nil {
		return nil, err
	}
	var result []Product
	err := s.execute(ctx, OpProductsByCategory, func(ctx context.Context, q *queryScope) (int, error) {
		products, err := q.catalog.ProductsByCategory(ctx, id)
		result = products
		return len(products), err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ProductsByUser returns the distinct products a user has ordered, sorted by id.
func (s *QueryService) ProductsByUser(ctx context.Context, id UserID) ([]Product, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	var result []Product
	err := s.execute(ctx, OpProductsByUser, func(ctx context.Context, q *queryScope) (int, error) {
		products, err := q.catalog.ProductsByUser(ctx, id)
		result = products
		return len(products), err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PurchaseSet returns the distinct product ids a user has ordered.
func (s *QueryService) PurchaseSet(ctx context.Context, id UserID) (PurchaseSet, error) {
	if err := ValidateID("user_id", string(id)); err != nil {
		return nil, err
	}
	var result PurchaseSet
	err := s.execute(ctx, OpPurchaseSet, func(ctx context.Context, q *queryScope) (int, error) {
		set, err := q.purchases.PurchaseSet(ctx, id)
		result = set
		return len(set), err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
