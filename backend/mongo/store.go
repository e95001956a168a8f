package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/job"
)

// Collection name constants.
const (
	colJobs     = "jobqueue_jobs"
	colCounters = "jobqueue_counters"
)

// deadSeqCounter is the counter document that orders dead-letter entries.
const deadSeqCounter = "dead_seq"

// Compile-time interface checks.
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Counter = (*Backend)(nil)
	_ backend.Reaper  = (*Backend)(nil)
)

// Backend is a MongoDB job backend. The caller owns the client; Close only
// marks the backend closed.
type Backend struct {
	db     *mongod.Database
	jobs   *mongod.Collection
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

// New creates a backend on db.
func New(db *mongod.Database, opts ...Option) *Backend {
	b := &Backend{
		db:     db,
		jobs:   db.Collection(colJobs),
		now:    job.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Database returns the underlying database for advanced usage.
func (b *Backend) Database() *mongod.Database { return b.db }

// Migrate creates the indexes used by claims and dead-letter listing.
func (b *Backend) Migrate(ctx context.Context) error {
	models := []mongod.IndexModel{
		// Claim index: status + rank.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "priority", Value: -1},
			{Key: "created_at", Value: 1},
			{Key: "_id", Value: 1},
		}},
		// Dead-letter order.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "dead_seq", Value: 1},
		}},
		// Stale claim scan.
		{Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "heartbeat_at", Value: 1},
		}},
	}
	if _, err := b.jobs.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("%w: %s indexes: %w", jobqueue.ErrMigrationFailed, colJobs, err)
	}
	b.logger.Info("ensured indexes", slog.String("collection", colJobs))
	return nil
}

// Ping checks database connectivity.
func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	if err := b.db.Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %w", jobqueue.ErrBackendUnavailable, err)
	}
	return nil
}

// Close marks the backend closed. The client stays connected.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// nextDeadSeq atomically increments and returns the dead-letter counter.
func (b *Backend) nextDeadSeq(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := b.db.Collection(colCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": deadSeqCounter},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Value, nil
}

// ── helpers ──────────────────────────────────────────────────────

func (b *Backend) check() error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	return nil
}

func wrap(op string, err error) error {
	return fmt.Errorf("jobqueue/mongo: %s: %w: %w", op, jobqueue.ErrBackendUnavailable, err)
}
