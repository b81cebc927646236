//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/monashautomation/printfarm-controlplane/internal/config"
)

// PostgresTestContainer holds a running Postgres container for testing.
type PostgresTestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// NewPostgresTestContainer starts a Postgres container for testing and
// returns it alongside a cleanup function the caller must defer.
func NewPostgresTestContainer(t *testing.T) (*PostgresTestContainer, func()) {
	t.Helper()

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("controlplane_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pgContainer.Terminate(ctx)
		t.Fatalf("failed to get connection string: %v", err)
	}

	cleanup := func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}

	return &PostgresTestContainer{Container: pgContainer, DSN: connStr}, cleanup
}

// NewPostgresStoreFromContainer builds a *Store against a running test
// container, using a fixed test key rather than a real operator passphrase.
func NewPostgresStoreFromContainer(t *testing.T, container *PostgresTestContainer) *Store {
	t.Helper()

	cfg := config.DatabaseConfig{URL: container.DSN}
	key, err := DeriveKeyFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("failed to derive test key: %v", err)
	}

	store, err := NewPostgresStore(context.Background(), cfg, key)
	if err != nil {
		t.Fatalf("failed to create postgres store: %v", err)
	}
	return store
}

// SkipIfNoDocker skips the test if Docker is not reachable.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()

	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker not available (panic recovered): %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		t.Skipf("docker not available, skipping integration test: %v", err)
		return
	}
	defer provider.Close()

	if _, err := provider.Client().Ping(ctx); err != nil {
		t.Skipf("docker not responding, skipping integration test: %v", err)
	}
}

// WithPostgresStore starts a Postgres container, builds a store against it,
// runs testFn, and tears both down afterward.
func WithPostgresStore(t *testing.T, testFn func(t *testing.T, store *Store)) {
	t.Helper()

	SkipIfNoDocker(t)

	container, cleanup := NewPostgresTestContainer(t)
	defer cleanup()

	store := NewPostgresStoreFromContainer(t, container)
	defer store.Close()

	testFn(t, store)
}
