package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/jobqueue/backend/memory"
	"github.com/xraph/jobqueue/backend/sqlite"
	"github.com/xraph/jobqueue/backoff"
	"github.com/xraph/jobqueue/ext"
	"github.com/xraph/jobqueue/job"
	"github.com/xraph/jobqueue/middleware"
	"github.com/xraph/jobqueue/queue"
	"github.com/xraph/jobqueue/worker"
)

func setupTestPool(t *testing.T, opts ...worker.PoolOption) (*worker.Pool, *queue.Queue, *job.Registry) {
	t.Helper()
	logger := slog.Default()
	q := queue.New(memory.New(), queue.WithBackoff(backoff.NewConstant(0)))
	reg := job.NewRegistry()
	executor := worker.NewExecutor(q, reg, logger, middleware.Recover(logger))
	return worker.NewPool(q, executor, logger, opts...), q, reg
}

func stopPool(t *testing.T, pool *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestPool_StartStop(t *testing.T) {
	pool, _, _ := setupTestPool(t, worker.WithConcurrency(2), worker.WithPollInterval(50*time.Millisecond))

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	stopPool(t, pool)
	// Double stop should be no-op.
	stopPool(t, pool)
}

func TestPool_ProcessesJob(t *testing.T) {
	pool, q, reg := setupTestPool(t, worker.WithConcurrency(1), worker.WithPollInterval(10*time.Millisecond))

	var processed atomic.Bool
	job.RegisterDefinition(reg, job.NewDefinition("greet", func(_ context.Context, p struct{ Name string }) error {
		if p.Name != "Alice" {
			t.Errorf("payload.Name = %q, want %q", p.Name, "Alice")
		}
		processed.Store(true)
		return nil
	}))

	payload, _ := json.Marshal(struct{ Name string }{Name: "Alice"})
	if _, err := q.Submit(context.Background(), "greet", payload); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "job to be processed", processed.Load)
	waitFor(t, "completion to be recorded", func() bool { return q.Stats().TotalProcessed == 1 })
	stopPool(t, pool)
}

func TestPool_FailedJobReachesDeadLetter(t *testing.T) {
	pool, q, reg := setupTestPool(t, worker.WithConcurrency(2), worker.WithPollInterval(10*time.Millisecond))

	var runs atomic.Int32
	reg.Register("fail-job", func(context.Context, []byte) error {
		runs.Add(1)
		return errors.New("nope")
	})
	if _, err := q.Submit(context.Background(), "fail-job", nil, job.WithMaxRetries(2)); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "dead-letter", func() bool { return q.Stats().DeadLetterCount == 1 })
	stopPool(t, pool)

	if runs.Load() != 3 {
		t.Errorf("runs = %d, want 3", runs.Load())
	}
	dead, _ := q.ListDeadLetter(context.Background())
	if len(dead) != 1 || dead[0].Error != "nope" {
		t.Errorf("dead = %+v", dead)
	}
}

func TestPool_WakesOnEnqueue(t *testing.T) {
	// The poll interval is far longer than the test; only the wake signal
	// can get the job picked up in time.
	pool, q, reg := setupTestPool(t, worker.WithConcurrency(2), worker.WithPollInterval(time.Hour))

	var processed atomic.Bool
	reg.Register("ping", func(context.Context, []byte) error {
		processed.Store(true)
		return nil
	})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := q.Submit(context.Background(), "ping", nil); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	waitFor(t, "wake-up", processed.Load)
	stopPool(t, pool)
}

func TestPool_EachJobRunsOnce(t *testing.T) {
	pool, q, reg := setupTestPool(t, worker.WithConcurrency(8), worker.WithPollInterval(10*time.Millisecond))

	const n = 50
	var mu sync.Mutex
	seen := make(map[string]int)
	reg.Register("count", func(_ context.Context, payload []byte) error {
		mu.Lock()
		seen[string(payload)]++
		mu.Unlock()
		return nil
	})
	for i := range n {
		payload, _ := json.Marshal(i)
		if _, err := q.Submit(context.Background(), "count", payload); err != nil {
			t.Fatalf("submit error: %v", err)
		}
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "all jobs", func() bool { return q.Stats().TotalProcessed == n })
	stopPool(t, pool)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("distinct jobs run = %d, want %d", len(seen), n)
	}
	for k, c := range seen {
		if c != 1 {
			t.Errorf("job %s ran %d times", k, c)
		}
	}
}

func TestPool_RateLimited(t *testing.T) {
	pool, q, reg := setupTestPool(t,
		worker.WithConcurrency(4),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithRateLimit(1000, 5),
	)
	reg.Register("x", func(context.Context, []byte) error { return nil })
	for range 10 {
		if _, err := q.Submit(context.Background(), "x", nil); err != nil {
			t.Fatalf("submit error: %v", err)
		}
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "rate limited jobs", func() bool { return q.Stats().TotalProcessed == 10 })
	stopPool(t, pool)
}

func TestPool_StopWaitsForInFlightJob(t *testing.T) {
	pool, q, reg := setupTestPool(t, worker.WithConcurrency(1), worker.WithPollInterval(10*time.Millisecond))

	started := make(chan struct{})
	var finished atomic.Bool
	reg.Register("slow", func(context.Context, []byte) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	if _, err := q.Submit(context.Background(), "slow", nil); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	<-started
	stopPool(t, pool)

	if !finished.Load() {
		t.Error("Stop returned before the in-flight job finished")
	}
	if s := q.Stats(); s.TotalProcessed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPool_StopDeadlineCancelsJobs(t *testing.T) {
	pool, q, reg := setupTestPool(t, worker.WithConcurrency(1), worker.WithPollInterval(10*time.Millisecond))

	started := make(chan struct{})
	reg.Register("stuck", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if _, err := q.Submit(context.Background(), "stuck", nil, job.WithMaxRetries(0)); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}
	if s := q.Stats(); s.TotalFailed != 1 || s.DeadLetterCount != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPool_StopDeadlineRecordsOutcome(t *testing.T) {
	// SQLite honours context cancellation on every statement, so the
	// failure must be recorded on a context the deadline did not cancel.
	ctx := context.Background()
	b, err := sqlite.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	if err := b.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	logger := slog.Default()
	q := queue.New(b)
	reg := job.NewRegistry()
	pool := worker.NewPool(q, worker.NewExecutor(q, reg, logger), logger,
		worker.WithConcurrency(1),
		worker.WithPollInterval(10*time.Millisecond),
	)

	started := make(chan struct{})
	reg.Register("stuck", func(ctx context.Context, _ []byte) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if _, err := q.Submit(ctx, "stuck", nil, job.WithMaxRetries(0)); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if err := pool.Start(ctx); err != nil {
		t.Fatalf("start error: %v", err)
	}
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	counts, err := b.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Running != 0 || counts.DeadLetter != 1 {
		t.Errorf("counts = %+v, want nothing running and one dead-lettered", counts)
	}
	dead, err := b.ListDeadLetter(ctx)
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if len(dead) != 1 || dead[0].Error != context.Canceled.Error() {
		t.Errorf("dead = %+v", dead)
	}
}

func TestPool_ReapsStrandedJob(t *testing.T) {
	pool, q, reg := setupTestPool(t,
		worker.WithConcurrency(1),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithStaleJobThreshold(30*time.Millisecond),
	)

	var runs atomic.Int32
	reg.Register("orphan", func(context.Context, []byte) error {
		runs.Add(1)
		return nil
	})
	jobID, err := q.Submit(context.Background(), "orphan", nil)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	// A worker that claims the job and then disappears.
	claimed, err := q.Dequeue(context.Background())
	if err != nil || claimed == nil || claimed.ID.String() != jobID.String() {
		t.Fatalf("Dequeue = %v, %v", claimed, err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "stranded job to run", func() bool { return q.Stats().TotalProcessed == 1 })
	stopPool(t, pool)

	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
	if s := q.Stats(); s.TotalReaped != 1 || s.RunningCount != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPool_HeartbeatKeepsLongJobClaimed(t *testing.T) {
	pool, q, reg := setupTestPool(t,
		worker.WithConcurrency(2),
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithHeartbeatInterval(5*time.Millisecond),
		worker.WithStaleJobThreshold(50*time.Millisecond),
	)

	var runs atomic.Int32
	reg.Register("long", func(context.Context, []byte) error {
		runs.Add(1)
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	if _, err := q.Submit(context.Background(), "long", nil); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "long job", func() bool { return q.Stats().TotalProcessed == 1 })
	stopPool(t, pool)

	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}
	if s := q.Stats(); s.TotalReaped != 0 {
		t.Errorf("TotalReaped = %d, want 0", s.TotalReaped)
	}
}

func TestPool_ExtensionFires(t *testing.T) {
	logger := slog.Default()
	tracker := &trackingExt{}
	extensions := ext.NewRegistry(logger)
	extensions.Register(tracker)

	q := queue.New(memory.New(), queue.WithExtensions(extensions))
	reg := job.NewRegistry()
	executor := worker.NewExecutor(q, reg, logger)
	pool := worker.NewPool(q, executor, logger,
		worker.WithConcurrency(1),
		worker.WithPollInterval(10*time.Millisecond),
	)

	var processed atomic.Bool
	job.RegisterDefinition(reg, job.NewDefinition("tracked", func(_ context.Context, _ struct{}) error {
		processed.Store(true)
		return nil
	}))
	if _, err := q.Submit(context.Background(), "tracked", nil); err != nil {
		t.Fatalf("submit error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	waitFor(t, "job", processed.Load)
	stopPool(t, pool)

	if !tracker.started.Load() {
		t.Error("expected OnJobStarted to fire")
	}
	if !tracker.completed.Load() {
		t.Error("expected OnJobCompleted to fire")
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// trackingExt records which hooks fired.
type trackingExt struct {
	started   atomic.Bool
	completed atomic.Bool
	failed    atomic.Bool
}

func (e *trackingExt) Name() string { return "tracker" }

func (e *trackingExt) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.started.Store(true)
	return nil
}

func (e *trackingExt) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.completed.Store(true)
	return nil
}

func (e *trackingExt) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	e.failed.Store(true)
	return nil
}
