package shopquery

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// OpenedBackend is an adapter built from configuration.
//
// Adapter is what the query service should use: the store adapter wrapped
// with the purchaser index, the circuit breaker and observation, as
// configured. Source is the bare store adapter, for seeding and index
// rebuilds. Index is nil unless the purchaser index is enabled.
type OpenedBackend struct {
	Adapter Adapter
	Source  Adapter
	Index   *PurchaserIndex
}

// Close releases every connection held by the backend.
func (b *OpenedBackend) Close() error {
	return b.Adapter.Close()
}

// OpenAdapter connects to the backend described by cfg.
//
// Wrapping order, innermost first: store adapter, purchaser index, circuit
// breaker, observation. Observation is outermost so breaker rejections are
// counted like any other backend error.
func OpenAdapter(ctx context.Context, cfg BackendConfig, logger Logger, metrics Metrics) (*OpenedBackend, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	source, err := openSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	opened := &OpenedBackend{Source: source}

	adapter := source
	if cfg.PurchaserIndex {
		if source.Capabilities().HasReverseIndex {
			logger.Info("purchaser index not needed, backend has a native reverse index", "backend", source.Name())
		} else {
			client := redis.NewClient(cfg.Redis.Options())
			if err := client.Ping(ctx).Err(); err != nil {
				client.Close()
				source.Close()
				return nil, unavailable("purchaser_index", "ping", err)
			}
			opened.Index = NewPurchaserIndexWithOwnedClient(client)
			adapter = WithPurchaserIndex(source, opened.Index)
		}
	}

	if cfg.Breaker.Enabled {
		breaker := NewCircuitBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.ResetTimeout)
		adapter = NewBreakerAdapter(adapter, breaker, logger, metrics)
	}

	opened.Adapter = NewObservedAdapter(adapter, logger, metrics)

	caps := opened.Adapter.Capabilities()
	logger.Info("backend opened",
		"backend", source.Name(),
		"reverse_index", caps.HasReverseIndex,
		"snapshot", caps.SupportsSnapshot,
		"purchaser_index", opened.Index != nil,
		"breaker", cfg.Breaker.Enabled,
	)
	return opened, nil
}

func openSource(ctx context.Context, cfg BackendConfig, logger Logger) (Adapter, error) {
	switch cfg.Kind {
	case BackendMemory:
		m := NewMemoryAdapter(true)
		if cfg.Dataset != "" {
			ds, err := LoadDataset(cfg.Dataset)
			if err != nil {
				return nil, err
			}
			if err := m.Load(ds); err != nil {
				return nil, err
			}
			logger.Info("dataset loaded", "path", cfg.Dataset, "users", len(ds.Users), "orders", len(ds.Orders))
		}
		return m, nil

	case BackendPostgres:
		return OpenSQLAdapter(ctx, PostgresDialect, cfg.DSN)

	case BackendSQLite:
		return OpenSQLAdapter(ctx, SQLiteDialect, cfg.DSN)

	case BackendPGJSON:
		return OpenPGJSONAdapter(ctx, cfg.DSN)

	case BackendRedis:
		client := redis.NewClient(cfg.Redis.Options())
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, unavailable(string(BackendRedis), "ping", err)
		}
		return NewRedisAdapterWithOwnedClient(client), nil

	case BackendBadger:
		return OpenBadgerAdapter(cfg.Badger, logger)

	case BackendFilesystem:
		backend := NewFilesystemBackend(cfg.Documents.Path)
		if err := backend.Ping(ctx); err != nil {
			return nil, unavailable(string(BackendFilesystem), "ping", err)
		}
		return NewDocumentAdapter(backend, BackendFilesystem), nil

	case BackendS3:
		backend, err := OpenS3Backend(ctx, cfg.Documents)
		if err != nil {
			return nil, unavailable(string(BackendS3), "open", err)
		}
		return NewDocumentAdapter(backend, BackendS3), nil

	case BackendMinIO:
		backend, err := NewMinIOBackend(cfg.Documents)
		if err != nil {
			return nil, err
		}
		return NewDocumentAdapter(backend, BackendMinIO), nil

	case BackendGCS:
		backend, err := NewGCSBackend(ctx, cfg.Documents)
		if err != nil {
			return nil, unavailable(string(BackendGCS), "open", err)
		}
		return NewDocumentAdapter(backend, BackendGCS), nil

	case BackendNeo4j:
		return OpenNeo4jAdapter(ctx, cfg.Neo4j)

	case BackendCassandra:
		return OpenCassandraAdapter(ctx, cfg.Cassandra)
	}
	return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
		"field":  "Kind",
		"value":  string(cfg.Kind),
		"reason": "unknown backend kind",
	})
}

// ImportDataset seeds the source adapter of b with ds and, when a purchaser
// index is configured, rebuilds it afterwards.
func (b *OpenedBackend) ImportDataset(ctx context.Context, ds *Dataset, logger Logger, metrics Metrics) error {
	importer, ok := b.Source.(DatasetImporter)
	if !ok {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": b.Source.Name(),
			"reason":  "backend cannot be seeded from a dataset",
		})
	}
	if err := importer.ImportDataset(ctx, ds); err != nil {
		return err
	}
	if b.Index != nil {
		if _, err := b.Index.Rebuild(ctx, b.Source, logger, metrics); err != nil {
			return err
		}
	}
	return nil
}

// RebuildIndex recomputes the purchaser index from the source adapter.
func (b *OpenedBackend) RebuildIndex(ctx context.Context, logger Logger, metrics Metrics) (RebuildStats, error) {
	if b.Index == nil {
		return RebuildStats{}, WithContext(ErrInvalidConfig, map[string]interface{}{
			"backend": b.Source.Name(),
			"reason":  "purchaser index is not enabled for this backend",
		})
	}
	return b.Index.Rebuild(ctx, b.Source, logger, metrics)
}
