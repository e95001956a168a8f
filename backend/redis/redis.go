package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
)

// Compile-time interface checks.
var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Counter = (*Backend)(nil)
	_ backend.Reaper  = (*Backend)(nil)
)

// Option configures the Backend.
type Option func(*Backend)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithPrefix namespaces keys so several queues can share one database.
func WithPrefix(p string) Option {
	return func(b *Backend) { b.keys.prefix = p }
}

// WithClock overrides the time source used to decide eligibility.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Backend is a Redis job backend.
type Backend struct {
	client goredis.Cmdable
	keys   keys
	codec  job.MsgpackCodec
	now    func() time.Time
	logger *slog.Logger
	closed atomic.Bool
}

// New creates a Redis-backed backend. The caller owns the client.
func New(client goredis.Cmdable, opts ...Option) *Backend {
	b := &Backend{
		client: client,
		keys:   keys{prefix: DefaultPrefix},
		now:    job.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Client returns the underlying Redis client.
func (b *Backend) Client() goredis.Cmdable { return b.client }

// Ping verifies the Redis connection is alive.
func (b *Backend) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", jobqueue.ErrBackendUnavailable, err)
	}
	return nil
}

// Close marks the backend closed. The client is left open.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *Backend) check() error {
	if b.closed.Load() {
		return jobqueue.ErrBackendClosed
	}
	return nil
}

// wrap tags a client error as backend unavailability.
func wrap(op string, err error) error {
	return fmt.Errorf("jobqueue/redis: %s: %w: %w", op, jobqueue.ErrBackendUnavailable, err)
}

// ──────────────────────────────────────────────────
// Eligible pool
// ──────────────────────────────────────────────────

// Insert stores the record and queues it unless the id already exists.
func (b *Backend) Insert(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	cp := j.Clone()
	cp.Status = job.StatusPending
	rec, err := b.recordArgs(cp)
	if err != nil {
		return err
	}
	key := cp.ID.String()
	n, err := insertScript.Run(ctx, b.client, b.keys.script(key), append([]any{micros(b.now())}, rec...)...).Int()
	if err != nil {
		return wrap("insert", err)
	}
	if n == 0 {
		return jobqueue.ErrJobAlreadyExists
	}
	return nil
}

// ClaimNext pops the highest-ranked eligible record and marks it running
// in one script run.
func (b *Backend) ClaimNext(ctx context.Context) (*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	res, err := claimScript.Run(ctx, b.client, b.keys.script(""), micros(b.now())).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil //nolint:nilnil // nothing eligible
	}
	if err != nil {
		return nil, wrap("claim", err)
	}
	return b.decode(res)
}

// Acknowledge drops a claimed record.
func (b *Backend) Acknowledge(ctx context.Context, jobID id.JobID) error {
	if err := b.check(); err != nil {
		return err
	}
	key := jobID.String()
	n, err := ackScript.Run(ctx, b.client, b.keys.script(key), key).Int()
	if err != nil {
		return wrap("acknowledge", err)
	}
	if n == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// Fail marks a claimed record failed with reason.
func (b *Backend) Fail(ctx context.Context, jobID id.JobID, reason string) error {
	if err := b.check(); err != nil {
		return err
	}
	key := jobID.String()
	n, err := failScript.Run(ctx, b.client, b.keys.script(key), key, reason).Int()
	if err != nil {
		return wrap("fail", err)
	}
	if n == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// ReinsertForRetry upserts the record into the eligible pool as pending.
func (b *Backend) ReinsertForRetry(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	cp := j.Clone()
	cp.Status = job.StatusPending
	rec, err := b.recordArgs(cp)
	if err != nil {
		return err
	}
	key := cp.ID.String()
	args := append([]any{micros(b.now()), key}, rec...)
	if err := reinsertScript.Run(ctx, b.client, b.keys.script(key), args...).Err(); err != nil {
		return wrap("reinsert", err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Dead-letter pool
// ──────────────────────────────────────────────────

// DeadLetter releases the record from the active pools and appends it to
// the dead-letter list.
func (b *Backend) DeadLetter(ctx context.Context, j *job.Job) error {
	if err := b.check(); err != nil {
		return err
	}
	cp := j.Clone()
	cp.Status = job.StatusDeadLetter
	rec, err := b.recordArgs(cp)
	if err != nil {
		return err
	}
	key := cp.ID.String()
	if err := deadLetterScript.Run(ctx, b.client, b.keys.script(key), append([]any{key}, rec...)...).Err(); err != nil {
		return wrap("dead-letter", err)
	}
	return nil
}

// ListDeadLetter returns the dead-lettered records in dead-letter order.
func (b *Backend) ListDeadLetter(ctx context.Context) ([]*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	ids, err := b.client.LRange(ctx, b.keys.dead(), 0, -1).Result()
	if err != nil {
		return nil, wrap("list dead-letter", err)
	}
	if len(ids) == 0 {
		return []*job.Job{}, nil
	}

	pipe := b.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(ids))
	for i, jobID := range ids {
		cmds[i] = pipe.HMGet(ctx, b.keys.record(jobID), recordFields...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrap("list dead-letter records", err)
	}

	out := make([]*job.Job, 0, len(ids))
	for i, cmd := range cmds {
		j, err := b.decode(cmd.Val())
		if errors.Is(err, jobqueue.ErrJobNotFound) {
			b.logger.Warn("dead-letter entry without record", slog.String("job_id", ids[i]))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// ReplayDeadLetter moves a dead-lettered record back to the eligible pool.
func (b *Backend) ReplayDeadLetter(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	key := jobID.String()
	res, err := replayScript.Run(ctx, b.client, b.keys.script(key), micros(b.now()), key).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, jobqueue.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, wrap("replay", err)
	}
	return b.decode(res)
}

// ──────────────────────────────────────────────────
// Reaper
// ──────────────────────────────────────────────────

// Heartbeat refreshes a claimed record's score in the running set.
func (b *Backend) Heartbeat(ctx context.Context, jobID id.JobID) error {
	if err := b.check(); err != nil {
		return err
	}
	key := jobID.String()
	n, err := heartbeatScript.Run(ctx, b.client, b.keys.script(key), key, micros(b.now())).Int()
	if err != nil {
		return wrap("heartbeat", err)
	}
	if n == 0 {
		return jobqueue.ErrJobNotFound
	}
	return nil
}

// ReapStale requeues every running member scored below the cutoff.
func (b *Backend) ReapStale(ctx context.Context, olderThan time.Duration) ([]*job.Job, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	now := b.now()
	res, err := reapScript.Run(ctx, b.client, b.keys.script(""), micros(now.Add(-olderThan)), micros(now)).Slice()
	if err != nil {
		return nil, wrap("reap", err)
	}
	out := make([]*job.Job, 0, len(res))
	for _, r := range res {
		vals, ok := r.([]any)
		if !ok {
			return nil, fmt.Errorf("jobqueue/redis: reap: unexpected reply %T", r)
		}
		j, err := b.decode(vals)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Counter
// ──────────────────────────────────────────────────

// Counts reports the size of each pool.
func (b *Backend) Counts(ctx context.Context) (backend.Counts, error) {
	if err := b.check(); err != nil {
		return backend.Counts{}, err
	}
	pipe := b.client.Pipeline()
	ready := pipe.ZCard(ctx, b.keys.ready())
	delayed := pipe.ZCard(ctx, b.keys.delayed())
	running := pipe.ZCard(ctx, b.keys.running())
	dead := pipe.LLen(ctx, b.keys.dead())
	if _, err := pipe.Exec(ctx); err != nil {
		return backend.Counts{}, wrap("counts", err)
	}
	return backend.Counts{
		Pending:    ready.Val() + delayed.Val(),
		Running:    running.Val(),
		DeadLetter: dead.Val(),
	}, nil
}
