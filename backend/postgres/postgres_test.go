//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/backend/backendtest"
	"github.com/xraph/jobqueue/backend/postgres"
)

// setupPool starts a Postgres container, migrates it and returns a pool
// shared by every subtest.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("jobqueue_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := postgres.NewFromPool(pool).Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func TestBackend_Conformance(t *testing.T) {
	pool := setupPool(t)

	backendtest.Run(t, func(t *testing.T) backend.Backend {
		if _, err := pool.Exec(context.Background(), `TRUNCATE jobqueue_jobs`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		// The pool is shared, so the backend is not closed per subtest.
		return postgres.NewFromPool(pool)
	})
}

func TestBackend_MigrateIdempotent(t *testing.T) {
	pool := setupPool(t)
	if err := postgres.NewFromPool(pool).Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestBackend_Closed(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(t)

	// A separate pool so closing the backend leaves the shared one usable.
	own, err := pgxpool.NewWithConfig(ctx, pool.Config())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	b := postgres.NewFromPool(own)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, jobqueue.ErrBackendClosed) {
		t.Errorf("Ping after Close = %v, want ErrBackendClosed", err)
	}
	if _, err := b.ClaimNext(ctx); !errors.Is(err, jobqueue.ErrBackendClosed) {
		t.Errorf("ClaimNext after Close = %v, want ErrBackendClosed", err)
	}
}
