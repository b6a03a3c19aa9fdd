// Package testutil provides shared test infrastructure for integration
// tests that require a real Qdrant container.
//
// Usage:
//
//	func TestQdrantRoundTrip(t *testing.T) {
//	    url := testutil.StartQdrant(t) // skips without Docker
//	    ...
//	}
package testutil

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcqdrant "github.com/testcontainers/testcontainers-go/modules/qdrant"
)

// qdrantImage pins the server version tests run against. Bump deliberately;
// filter and index semantics have changed across minor releases.
const qdrantImage = "qdrant/qdrant:v1.12.4"

// StartQdrant launches a disposable Qdrant container and returns its gRPC
// URL. The test is skipped when Docker is unavailable, so the suite stays
// runnable on machines without a container runtime. The container is
// terminated via t.Cleanup.
func StartQdrant(t *testing.T) string {
	t.Helper()
	if os.Getenv("TESTCONTAINERS_DISABLED") != "" {
		t.Skip("testcontainers disabled by environment")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := tcqdrant.Run(ctx, qdrantImage)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("qdrant container unavailable: %v", err)
	}

	endpoint, err := ctr.GRPCEndpoint(ctx)
	if err != nil {
		t.Fatalf("qdrant grpc endpoint: %v", err)
	}
	return "http://" + endpoint
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
