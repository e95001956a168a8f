package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/job"
)

// Compile-time interface checks.
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Counter = (*Backend)(nil)
	_ backend.Reaper  = (*Backend)(nil)
)

// Backend is a SQLite job backend.
type Backend struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
	closed atomic.Bool
}

// Option configures the Backend.
type Option func(*Backend)

// WithLogger sets the logger for the backend.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithClock overrides the time source used to decide eligibility.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Open opens the database at dsn. Use ":memory:" for a private in-memory
// database.
func Open(ctx context.Context, dsn string, opts ...Option) (*Backend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobqueue/sqlite: open: %w", err)
	}
	b := New(db, opts...)
	if err := b.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an existing handle. The handle is limited to one open
// connection. Close closes it.
func New(db *sql.DB, opts ...Option) *Backend {
	db.SetMaxOpenConns(1)
	b := &Backend{
		db:     db,
		now:    job.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DB returns the underlying *sql.DB for advanced usage.
func (b *Backend) DB() *sql.DB { return b.db }

// Migrate applies pending schema migrations.
func (b *Backend) Migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobqueue_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("%w: create migrations table: %w", jobqueue.ErrMigrationFailed, err)
	}

	for _, m := range migrations {
		if err := b.apply(ctx, m); err != nil {
			return fmt.Errorf("%w: %s: %w", jobqueue.ErrMigrationFailed, m.Name, err)
		}
	}
	return nil
}

func (b *Backend) apply(ctx context.Context, m migration) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobqueue_migrations WHERE version = ?`, m.Version,
	).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if err := m.Up(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobqueue_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, b.now().UnixMicro(),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.logger.Info("applied migration", slog.String("name", m.Name), slog.String("version", m.Version))
	return nil
}

// Ping checks database connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", jobqueue.ErrBackendUnavailable, err)
	}
	return nil
}

// Close closes the database handle.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) check() error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	return nil
}

func wrap(op string, err error) error {
	return fmt.Errorf("jobqueue/sqlite: %s: %w: %w", op, jobqueue.ErrBackendUnavailable, err)
}

// isDuplicateKey reports a primary key violation.
func isDuplicateKey(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
