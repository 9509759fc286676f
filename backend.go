package shopquery

import (
	"context"
)

// DocumentBackend is a flat key-to-blob store. DocumentAdapter lays the
// shop entities out on top of it as JSON documents, so the same adapter
// serves a local directory, S3, MinIO and GCS.
//
// Keys use forward slashes. Get returns ErrNotFound for a missing key.
type DocumentBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key starting with prefix, in no particular order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}
