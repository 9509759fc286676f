// Package shopquery answers relationship queries over an e-commerce dataset
// (users, orders, products, categories) through one storage-agnostic query
// service, whatever database actually holds the data.
//
// # Overview
//
// The same four questions are asked of every backend:
//
//   - Which users bought at least one product that a given user bought?
//   - Which products belong to a category?
//   - Which products has a user bought?
//   - What is the set of products in a user's orders?
//
// Each backend implements the small Adapter interface. The QueryService
// composes those primitives into the queries above, bounding concurrency,
// applying deadlines and choosing a similarity strategy from the capabilities
// the adapter advertises.
//
// # Quick Start
//
// Querying an in-memory dataset:
//
//	ds, _ := shopquery.LoadDataset("testdata/shop.json")
//	adapter := shopquery.NewMemoryAdapter(false)
//	adapter.Load(ds)
//
//	svc, _ := shopquery.NewQueryService(adapter, shopquery.DefaultQueryConfig())
//	defer svc.Close()
//
//	similar, _ := svc.SimilarUsers(ctx, "1")
//
// Opening a configured backend with observability:
//
//	cfg, _ := shopquery.LoadConfigFile("shopquery.yaml")
//	logger, _ := shopquery.NewProductionZapLogger()
//	metrics := shopquery.NewPrometheusMetrics(prometheus.NewRegistry())
//
//	backend, _ := shopquery.OpenAdapter(ctx, cfg.Backend, logger, metrics)
//	defer backend.Close()
//
//	svc, _ := shopquery.NewQueryServiceWithObservability(backend.Adapter, cfg.Query, logger, metrics)
//
// # Backends
//
// Relational: postgres (pgx) and sqlite (modernc) share SQLAdapter, pgjson
// stores JSONB documents in Postgres.
//
// Key-value: redis and badger keep one JSON value per entity plus explicit
// link sets (user orders, category products).
//
// Documents: filesystem, s3, minio and gcs store one JSON object per entity
// through the DocumentBackend interface.
//
// Graph: neo4j answers similarity with a native traversal and advertises a
// reverse index.
//
// Wide-column: cassandra keeps one query table per access path, including
// users_by_product as its reverse index.
//
// The memory adapter is the reference implementation used by tests.
//
// # Similarity Strategies
//
// StrategyScan walks every user and intersects their purchases with the
// subject's. StrategyIndex asks the adapter's ReverseIndex for the purchasers
// of each product. StrategyAuto (the default) picks the index whenever the
// adapter has one. A key-value backend gains one through the Redis
// PurchaserIndex, which OpenAdapter attaches when configured.
//
// # Resilience
//
// Adapter errors are classified into ErrNotFound, ErrInvalidArgument,
// ErrStorageUnavailable and ErrTimeout. Use the Is* predicates rather than
// comparing driver errors:
//
//	if shopquery.IsRetryable(err) {
//	    // back off and try again
//	}
//
// BreakerAdapter wraps any adapter with a CircuitBreaker. Answers such as
// "not found" never count as failures.
//
// # Index Maintenance
//
// PurchaserIndex.Rebuild runs under a Redis DistributedLock, so concurrent
// rebuilds fail fast with ErrLockHeld. IndexHealthMonitor samples users,
// compares their orders with the index and can repair drift in place.
//
// # Observability
//
// Logging goes through the Logger interface (zap in production, StdLogger or
// NoOpLogger elsewhere). Metrics go through the Metrics interface, backed by
// Prometheus or InMemoryMetrics. A QueryProfiler records per-query timings,
// full scans and index fallbacks for later inspection.
//
// # Wire Protocol
//
// cmd/shopquery serves the queries over the PostgreSQL wire protocol
// (internal/protocol) so any Postgres client can issue them, for example:
//
//	SELECT * FROM similar_users WHERE user_id = '1';
package shopquery
