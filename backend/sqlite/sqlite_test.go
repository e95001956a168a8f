package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/backend/backendtest"
	"github.com/xraph/jobqueue/backend/sqlite"
	"github.com/xraph/jobqueue/job"
)

func openBackend(t *testing.T, dsn string) *sqlite.Backend {
	t.Helper()
	ctx := context.Background()
	b, err := sqlite.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	if err := b.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return b
}

func TestBackend_Conformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return openBackend(t, ":memory:")
	})
}

func TestBackend_MigrateIdempotent(t *testing.T) {
	b := openBackend(t, ":memory:")
	if err := b.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestBackend_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "jobs.db")

	first, err := sqlite.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	j, err := job.New("email", []byte(`{"to":"a@b.c"}`), job.WithPriority(4))
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	if err := first.Insert(ctx, j); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openBackend(t, dsn)
	got, err := second.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got == nil || got.ID.String() != j.ID.String() {
		t.Fatalf("ClaimNext = %v, want %s", got, j.ID)
	}
	if got.Priority != 4 || got.Attempts != 1 {
		t.Errorf("priority/attempts = %d/%d, want 4/1", got.Priority, got.Attempts)
	}
}

func TestBackend_Closed(t *testing.T) {
	ctx := context.Background()
	b, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := b.Ping(ctx); !errors.Is(err, jobqueue.ErrBackendClosed) {
		t.Errorf("Ping after Close = %v, want ErrBackendClosed", err)
	}
}
