// Package bootstrap turns a jobqueue.Config into live components: a
// logger and a migrated backend of the configured kind.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/backend/memory"
	jqmongo "github.com/xraph/jobqueue/backend/mongo"
	"github.com/xraph/jobqueue/backend/pebble"
	"github.com/xraph/jobqueue/backend/postgres"
	jqredis "github.com/xraph/jobqueue/backend/redis"
	"github.com/xraph/jobqueue/backend/sqlite"
)

// Backend kinds accepted in Config.Backend.
const (
	KindMemory   = "memory"
	KindRedis    = "redis"
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
	KindMongo    = "mongo"
	KindPebble   = "pebble"
)

// ErrUnknownBackend is returned for an unrecognized Config.Backend.
var ErrUnknownBackend = errors.New("jobqueue: unknown backend")

// NewLogger builds a slog logger writing to w from the log settings in cfg.
func NewLogger(cfg jobqueue.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenBackend connects to the configured backend and applies its schema
// migrations. Closing the returned backend also releases any client it
// opened.
func OpenBackend(ctx context.Context, cfg jobqueue.Config, logger *slog.Logger) (backend.Backend, error) {
	kind := strings.ToLower(cfg.Backend)
	if kind == "" {
		kind = KindMemory
	}
	logger = logger.With(slog.String("backend", kind))

	switch kind {
	case KindMemory:
		return memory.New(), nil

	case KindRedis:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		opts, err := goredis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("jobqueue: redis dsn: %w", err)
		}
		client := goredis.NewClient(opts)
		b := jqredis.New(client, jqredis.WithLogger(logger))
		return withRelease(b, client.Close), nil

	case KindPostgres:
		b, err := postgres.New(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := b.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil

	case KindSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:jobqueue.db?_journal_mode=WAL&_busy_timeout=5000"
		}
		b, err := sqlite.Open(ctx, dsn, sqlite.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if err := b.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		return b, nil

	case KindMongo:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "mongodb://localhost:27017"
		}
		client, err := mongod.Connect(options.Client().ApplyURI(dsn))
		if err != nil {
			return nil, fmt.Errorf("jobqueue: mongo connect: %w: %w", jobqueue.ErrBackendUnavailable, err)
		}
		release := func() error { return client.Disconnect(context.Background()) }
		b := jqmongo.New(client.Database(cfg.Database), jqmongo.WithLogger(logger))
		if err := b.Migrate(ctx); err != nil {
			_ = release()
			return nil, err
		}
		return withRelease(b, release), nil

	case KindPebble:
		b, err := pebble.Open(cfg.DataDir, pebble.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

// countingBackend is a backend.Backend and backend.Counter.
type countingBackend interface {
	backend.Backend
	backend.Counter
}

// owned closes an externally created client after the backend.
type owned struct {
	countingBackend
	release func() error
}

func withRelease(b countingBackend, release func() error) backend.Backend {
	return &owned{countingBackend: b, release: release}
}

func (o *owned) Close() error {
	return errors.Join(o.countingBackend.Close(), o.release())
}
