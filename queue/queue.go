package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/backoff"
	"github.com/xraph/jobqueue/cron"
	"github.com/xraph/jobqueue/ext"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
	"github.com/xraph/jobqueue/stats"
)

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithExtensions sets the extension registry notified of lifecycle events.
func WithExtensions(r *ext.Registry) Option {
	return func(q *Queue) { q.extensions = r }
}

// WithTracker shares an existing stats tracker.
func WithTracker(t *stats.Tracker) Option {
	return func(q *Queue) { q.stats = t }
}

// WithBackoff sets the retry delay strategy. The default is
// backoff.DefaultStrategy (60s * 2^attempts, uncapped).
func WithBackoff(s backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = s }
}

// WithClock overrides the time source for retry and reschedule times.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the facade over a backend and a stats tracker. A single Queue is
// shared by every producer and worker for the lifetime of the process.
type Queue struct {
	backend    backend.Backend
	stats      *stats.Tracker
	extensions *ext.Registry
	backoff    backoff.Strategy
	logger     *slog.Logger
	now        func() time.Time

	wakeMu sync.Mutex
	wakeCh chan struct{}
}

// New creates a Queue over b.
func New(b backend.Backend, opts ...Option) *Queue {
	q := &Queue{
		backend: b,
		backoff: backoff.DefaultStrategy(),
		logger:  slog.Default(),
		now:     job.Now,
		wakeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.stats == nil {
		q.stats = stats.NewTracker()
	}
	if q.extensions == nil {
		q.extensions = ext.NewRegistry(q.logger)
	}
	return q
}

// Backend returns the underlying backend.
func (q *Queue) Backend() backend.Backend { return q.backend }

// Tracker returns the stats tracker.
func (q *Queue) Tracker() *stats.Tracker { return q.stats }

// Extensions returns the extension registry.
func (q *Queue) Extensions() *ext.Registry { return q.extensions }

// ──────────────────────────────────────────────────
// Producer operations
// ──────────────────────────────────────────────────

// Enqueue admits a record to the eligible pool and returns its id.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) (id.JobID, error) {
	if j == nil {
		return id.Nil, fmt.Errorf("queue: enqueue nil job")
	}
	if err := q.backend.Insert(ctx, j); err != nil {
		return id.Nil, fmt.Errorf("queue: enqueue %s: %w", j.Name, err)
	}
	q.stats.Enqueued()
	q.extensions.EmitJobEnqueued(ctx, j)
	q.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("priority", j.Priority),
	)
	q.wake()
	return j.ID, nil
}

// Submit builds a record from name, payload and options and enqueues it.
func (q *Queue) Submit(ctx context.Context, name string, payload []byte, opts ...job.Option) (id.JobID, error) {
	j, err := job.New(name, payload, opts...)
	if err != nil {
		return id.Nil, err
	}
	return q.Enqueue(ctx, j)
}

// ──────────────────────────────────────────────────
// Worker operations
// ──────────────────────────────────────────────────

// Dequeue claims the next eligible record. It returns (nil, nil) when
// nothing is eligible and never waits for work.
func (q *Queue) Dequeue(ctx context.Context) (*job.Job, error) {
	j, err := q.backend.ClaimNext(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if j == nil {
		return nil, nil //nolint:nilnil // nothing eligible
	}
	q.stats.Dequeued()
	return j, nil
}

// Complete marks a running record completed and acknowledges it.
func (q *Queue) Complete(ctx context.Context, j *job.Job) error {
	if err := j.MarkCompleted(); err != nil {
		return err
	}
	if err := q.backend.Acknowledge(ctx, j.ID); err != nil {
		return fmt.Errorf("queue: complete %s: %w", j.ID, err)
	}
	q.stats.Processed()
	return nil
}

// Fail marks a running record failed with the reason carried by cause.
// It takes no retry decision; see job.Job.ShouldRetry.
func (q *Queue) Fail(ctx context.Context, j *job.Job, cause error) error {
	reason := failureReason(cause)
	if err := j.MarkFailed(reason); err != nil {
		return err
	}
	if err := q.backend.Fail(ctx, j.ID, reason); err != nil {
		return fmt.Errorf("queue: fail %s: %w", j.ID, err)
	}
	q.stats.Failed()
	q.extensions.EmitJobFailed(ctx, j, cause)
	return nil
}

// Retry schedules a failed record for another attempt after the backoff
// delay for its attempt count and returns it to the eligible pool. It
// returns the time the record becomes eligible again.
//
// j is only updated once the backend accepts the retry; on error it is left
// failed so the caller can still dead-letter it.
func (q *Queue) Retry(ctx context.Context, j *job.Job) (time.Time, error) {
	delay := q.backoff.Delay(j.Attempts)
	next := j.Clone()
	if err := next.PrepareRetry(q.now(), delay); err != nil {
		return time.Time{}, err
	}
	if err := q.backend.ReinsertForRetry(ctx, next); err != nil {
		return time.Time{}, fmt.Errorf("queue: retry %s: %w", j.ID, err)
	}
	next.Status = job.StatusPending
	*j = *next
	q.stats.Retried()

	at := *j.ScheduledAt
	q.extensions.EmitJobRetrying(ctx, j, j.Attempts, at)
	q.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempts", j.Attempts),
		slog.Int("max_retries", j.MaxRetries),
		slog.Duration("backoff", delay),
	)
	q.wake()
	return at, nil
}

// MoveToDeadLetter parks a failed record in the dead-letter pool.
func (q *Queue) MoveToDeadLetter(ctx context.Context, j *job.Job) error {
	if err := j.MarkDeadLetter(); err != nil {
		return err
	}
	if err := q.backend.DeadLetter(ctx, j); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", j.ID, err)
	}
	q.stats.DeadLettered()
	q.extensions.EmitJobDLQ(ctx, j, errors.New(j.Error))
	q.logger.Warn("job moved to dead-letter",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Int("attempts", j.Attempts),
		slog.String("error", j.Error),
	)
	return nil
}

// Reschedule returns a completed or exhausted recurring record to the
// eligible pool at its next cron occurrence. When the schedule has no
// future occurrence the record is marked expired and dropped; this is
// logged, counted and emitted to extensions but not returned as an error.
func (q *Queue) Reschedule(ctx context.Context, j *job.Job) error {
	err := j.Reschedule(q.now())
	switch {
	case errors.Is(err, cron.ErrNoNextRun):
		// An exhausted failure is still held by the backend.
		if ackErr := q.backend.Acknowledge(ctx, j.ID); ackErr != nil && !errors.Is(ackErr, jobqueue.ErrJobNotFound) {
			return fmt.Errorf("queue: drop expired %s: %w", j.ID, ackErr)
		}
		q.stats.Expired()
		q.extensions.EmitJobExpired(ctx, j)
		q.logger.Warn("recurring job expired, schedule has no future run",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.String("cron", j.CronSchedule),
		)
		return nil
	case err != nil:
		return err
	}

	if err := q.backend.ReinsertForRetry(ctx, j); err != nil {
		return fmt.Errorf("queue: reschedule %s: %w", j.ID, err)
	}
	q.stats.Rescheduled()
	q.extensions.EmitJobRescheduled(ctx, j, *j.ScheduledAt)
	q.logger.Debug("recurring job rescheduled",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
		slog.Time("next_run_at", *j.ScheduledAt),
	)
	q.wake()
	return nil
}

// ──────────────────────────────────────────────────
// Operator operations
// ──────────────────────────────────────────────────

// ListDeadLetter returns the dead-lettered records in insertion order.
func (q *Queue) ListDeadLetter(ctx context.Context) ([]*job.Job, error) {
	jobs, err := q.backend.ListDeadLetter(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: list dead-letter: %w", err)
	}
	return jobs, nil
}

// DeadLetterSummaries returns the inspection view of the dead-letter pool.
func (q *Queue) DeadLetterSummaries(ctx context.Context) ([]job.Summary, error) {
	jobs, err := q.ListDeadLetter(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]job.Summary, len(jobs))
	for i, j := range jobs {
		out[i] = j.Summary()
	}
	return out, nil
}

// ReplayDeadLetter returns a dead-lettered record to the eligible pool with
// a fresh retry budget. An unknown id returns jobqueue.ErrDeadLetterNotFound.
func (q *Queue) ReplayDeadLetter(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := q.backend.ReplayDeadLetter(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("queue: replay %s: %w", jobID, err)
	}
	q.stats.Replayed()
	q.extensions.EmitJobReplayed(ctx, j)
	q.logger.Info("dead-letter job replayed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_name", j.Name),
	)
	q.wake()
	return j, nil
}

// ──────────────────────────────────────────────────
// Liveness
// ──────────────────────────────────────────────────

// Heartbeat refreshes the liveness stamp of a running record. Backends
// that do not track liveness accept every heartbeat.
func (q *Queue) Heartbeat(ctx context.Context, jobID id.JobID) error {
	r, ok := q.backend.(backend.Reaper)
	if !ok {
		return nil
	}
	if err := r.Heartbeat(ctx, jobID); err != nil {
		return fmt.Errorf("queue: heartbeat %s: %w", jobID, err)
	}
	return nil
}

// ReapStale returns records whose worker has not heartbeated for olderThan
// to the eligible pool and reports them. Backends that do not track
// liveness reap nothing.
func (q *Queue) ReapStale(ctx context.Context, olderThan time.Duration) ([]*job.Job, error) {
	r, ok := q.backend.(backend.Reaper)
	if !ok {
		return nil, nil
	}
	reaped, err := r.ReapStale(ctx, olderThan)
	for _, j := range reaped {
		q.stats.Reaped()
		q.logger.Warn("reaped stale job",
			slog.String("job_id", j.ID.String()),
			slog.String("job_name", j.Name),
			slog.Int("attempts", j.Attempts),
		)
	}
	if len(reaped) > 0 {
		q.wake()
	}
	if err != nil {
		return reaped, fmt.Errorf("queue: reap stale: %w", err)
	}
	return reaped, nil
}

// Stats returns a snapshot of the queue statistics.
func (q *Queue) Stats() stats.Snapshot { return q.stats.Snapshot() }

// Reconcile overwrites the live gauges with the backend's own counts when
// the backend can report them. Persistent backends use this to account for
// records that existed before the process started.
func (q *Queue) Reconcile(ctx context.Context) error {
	c, ok := q.backend.(backend.Counter)
	if !ok {
		return nil
	}
	counts, err := c.Counts(ctx)
	if err != nil {
		return fmt.Errorf("queue: reconcile: %w", err)
	}
	q.stats.SetGauges(nonNegative(counts.Pending), nonNegative(counts.Running), nonNegative(counts.DeadLetter))
	return nil
}

// Ping checks the backend.
func (q *Queue) Ping(ctx context.Context) error { return q.backend.Ping(ctx) }

// Close closes the backend.
func (q *Queue) Close() error { return q.backend.Close() }

// ──────────────────────────────────────────────────
// Wake signal
// ──────────────────────────────────────────────────

// Wake returns a channel that is closed the next time a record becomes
// eligible through this Queue. Idle workers select on it alongside their
// poll interval.
func (q *Queue) Wake() <-chan struct{} {
	q.wakeMu.Lock()
	defer q.wakeMu.Unlock()
	return q.wakeCh
}

func (q *Queue) wake() {
	q.wakeMu.Lock()
	close(q.wakeCh)
	q.wakeCh = make(chan struct{})
	q.wakeMu.Unlock()
}

func failureReason(err error) string {
	if err == nil {
		return ""
	}
	var execErr *jobqueue.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Reason()
	}
	return err.Error()
}

func nonNegative(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}
