package shopquery

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// startContainer runs req and returns the host:port of its first exposed port.
// The test is skipped in -short mode and when Docker is not available.
func startContainer(t *testing.T, req testcontainers.ContainerRequest) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}
	ctx := context.Background()

	// testcontainers panics when the Docker daemon is unreachable.
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("Docker daemon not available, skipping: %v", r)
		}
	}()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start %s (Docker not available?): %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate %s: %v", req.Image, err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get %s endpoint: %v", req.Image, err)
	}
	return endpoint
}
