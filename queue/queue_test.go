package queue_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend/memory"
	"github.com/xraph/jobqueue/backoff"
	"github.com/xraph/jobqueue/ext"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
	"github.com/xraph/jobqueue/queue"
	"github.com/xraph/jobqueue/stats"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) has(e string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func (r *recorder) OnJobEnqueued(context.Context, *job.Job) error { r.add("enqueued"); return nil }
func (r *recorder) OnJobFailed(context.Context, *job.Job, error) error {
	r.add("failed")
	return nil
}
func (r *recorder) OnJobDLQ(context.Context, *job.Job, error) error { r.add("dlq"); return nil }
func (r *recorder) OnJobReplayed(context.Context, *job.Job) error   { r.add("replayed"); return nil }
func (r *recorder) OnJobExpired(context.Context, *job.Job) error    { r.add("expired"); return nil }
func (r *recorder) OnJobRescheduled(context.Context, *job.Job, time.Time) error {
	r.add("rescheduled")
	return nil
}

func newQueue(t *testing.T, opts ...queue.Option) (*queue.Queue, *recorder) {
	t.Helper()
	rec := &recorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(rec)
	opts = append([]queue.Option{queue.WithExtensions(reg)}, opts...)
	return queue.New(memory.New(), opts...), rec
}

func submit(t *testing.T, q *queue.Queue, name string, opts ...job.Option) *job.Job {
	t.Helper()
	j, err := job.New(name, []byte(`{}`), opts...)
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return j
}

func dequeue(t *testing.T, q *queue.Queue) *job.Job {
	t.Helper()
	j, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if j == nil {
		t.Fatal("Dequeue returned nothing")
	}
	return j
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestQueue_PriorityScenario(t *testing.T) {
	q, _ := newQueue(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, tc := range []struct {
		name     string
		priority int
	}{{"A", 5}, {"B", 10}, {"C", 10}} {
		j, err := job.New(tc.name, nil, job.WithPriority(tc.priority))
		if err != nil {
			t.Fatalf("job.New: %v", err)
		}
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if _, err := q.Enqueue(context.Background(), j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var order []string
	for range 3 {
		order = append(order, dequeue(t, q).Name)
	}
	if got := order[0] + order[1] + order[2]; got != "BCA" {
		t.Errorf("order = %s, want BCA", got)
	}
	if j, _ := q.Dequeue(context.Background()); j != nil {
		t.Errorf("fourth dequeue = %s, want nothing", j.Name)
	}
}

func TestQueue_EnqueueAndDequeueStats(t *testing.T) {
	q, rec := newQueue(t)

	if j, err := q.Dequeue(context.Background()); err != nil || j != nil {
		t.Fatalf("Dequeue on empty = %v, %v", j, err)
	}
	if s := q.Stats(); s != (stats.Snapshot{}) {
		t.Errorf("empty dequeue changed stats: %+v", s)
	}

	j := submit(t, q, "email")
	if !rec.has("enqueued") {
		t.Error("OnJobEnqueued not emitted")
	}
	if s := q.Stats(); s.TotalEnqueued != 1 || s.PendingCount != 1 {
		t.Errorf("after enqueue: %+v", s)
	}

	got := dequeue(t, q)
	if got.ID.String() != j.ID.String() {
		t.Errorf("dequeued %s, want %s", got.ID, j.ID)
	}
	if s := q.Stats(); s.PendingCount != 0 || s.RunningCount != 1 {
		t.Errorf("after dequeue: %+v", s)
	}

	if err := q.Complete(context.Background(), got); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if s := q.Stats(); s.TotalProcessed != 1 || s.RunningCount != 0 {
		t.Errorf("after complete: %+v", s)
	}
}

func TestQueue_SubmitRejectsBadCron(t *testing.T) {
	q, _ := newQueue(t)
	if _, err := q.Submit(context.Background(), "x", nil, job.WithCron("nope")); err == nil {
		t.Fatal("expected error for malformed cron")
	}
	if s := q.Stats(); s.TotalEnqueued != 0 {
		t.Errorf("rejected job counted: %+v", s)
	}
}

func TestQueue_RetryAppliesBackoff(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	q, _ := newQueue(t, queue.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	submit(t, q, "flaky")
	j := dequeue(t, q)

	cause := &jobqueue.ExecutionError{JobID: j.ID, JobName: j.Name, Attempt: j.Attempts, Err: errors.New("smtp down")}
	if err := q.Fail(ctx, j, cause); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if j.Error != "smtp down" {
		t.Errorf("Error = %q, want handler reason only", j.Error)
	}
	if !j.ShouldRetry() {
		t.Fatal("expected retry budget left")
	}

	next, err := q.Retry(ctx, j)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if want := now.Add(120 * time.Second); !next.Equal(want) {
		t.Errorf("next = %v, want %v (60s * 2^1)", next, want)
	}
	if j.Status != job.StatusPending {
		t.Errorf("Status = %s, want pending", j.Status)
	}

	s := q.Stats()
	if s.TotalFailed != 1 || s.TotalRetried != 1 || s.PendingCount != 1 || s.RunningCount != 0 {
		t.Errorf("stats = %+v", s)
	}
}

// rejectingReinsert refuses every retry write.
type rejectingReinsert struct{ *memory.Backend }

func (rejectingReinsert) ReinsertForRetry(context.Context, *job.Job) error {
	return jobqueue.ErrBackendUnavailable
}

func TestQueue_RetryLeavesJobFailedWhenBackendRejects(t *testing.T) {
	ctx := context.Background()
	q := queue.New(rejectingReinsert{memory.New()})

	if _, err := q.Submit(ctx, "flaky", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	j := dequeue(t, q)
	if err := q.Fail(ctx, j, errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if _, err := q.Retry(ctx, j); !errors.Is(err, jobqueue.ErrBackendUnavailable) {
		t.Fatalf("Retry err = %v, want ErrBackendUnavailable", err)
	}
	if j.Status != job.StatusFailed || j.ScheduledAt != nil {
		t.Errorf("after rejected retry: status=%s scheduled=%v, want failed/nil", j.Status, j.ScheduledAt)
	}
	if s := q.Stats(); s.TotalRetried != 0 {
		t.Errorf("rejected retry counted: %+v", s)
	}
	if err := q.MoveToDeadLetter(ctx, j); err != nil {
		t.Fatalf("MoveToDeadLetter after rejected retry: %v", err)
	}
}

func TestQueue_ExhaustedJobRunsMaxRetriesPlusOne(t *testing.T) {
	q, rec := newQueue(t, queue.WithBackoff(backoff.NewConstant(0)))
	ctx := context.Background()
	submit(t, q, "doomed", job.WithMaxRetries(2))

	claims := 0
	for {
		j, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if j == nil {
			break
		}
		claims++
		if err := q.Fail(ctx, j, errors.New("always")); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if j.ShouldRetry() {
			if _, err := q.Retry(ctx, j); err != nil {
				t.Fatalf("Retry: %v", err)
			}
			continue
		}
		if err := q.MoveToDeadLetter(ctx, j); err != nil {
			t.Fatalf("MoveToDeadLetter: %v", err)
		}
	}

	if claims != 3 {
		t.Errorf("claims = %d, want 3", claims)
	}
	dead, err := q.DeadLetterSummaries(ctx)
	if err != nil {
		t.Fatalf("DeadLetterSummaries: %v", err)
	}
	if len(dead) != 1 || dead[0].Attempts != 3 || dead[0].LastError != "always" {
		t.Fatalf("dead = %+v, want one entry with attempts=3", dead)
	}
	if !rec.has("dlq") || !rec.has("failed") {
		t.Errorf("events = %v", rec.events)
	}

	s := q.Stats()
	if s.DeadLetterCount != 1 || s.PendingCount != 0 || s.RunningCount != 0 {
		t.Errorf("gauges = %+v", s)
	}
	if s.TotalProcessed+s.TotalFailed > s.TotalEnqueued+s.TotalRetried {
		t.Errorf("stats invariant broken: %+v", s)
	}
}

func TestQueue_ReplayDeadLetter(t *testing.T) {
	q, rec := newQueue(t)
	ctx := context.Background()
	submit(t, q, "x", job.WithMaxRetries(0))
	j := dequeue(t, q)
	_ = q.Fail(ctx, j, errors.New("boom"))
	if err := q.MoveToDeadLetter(ctx, j); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}

	before := q.Stats()
	_, err := q.ReplayDeadLetter(ctx, id.NewJobID())
	if !errors.Is(err, jobqueue.ErrDeadLetterNotFound) || !errors.Is(err, jobqueue.ErrNotFound) {
		t.Fatalf("replay unknown err = %v, want ErrDeadLetterNotFound", err)
	}
	if after := q.Stats(); after != before {
		t.Errorf("failed replay changed stats: %+v -> %+v", before, after)
	}

	replayed, err := q.ReplayDeadLetter(ctx, j.ID)
	if err != nil {
		t.Fatalf("ReplayDeadLetter: %v", err)
	}
	if replayed.Attempts != 0 || replayed.Error != "" || replayed.Status != job.StatusPending {
		t.Errorf("replayed = %+v", replayed)
	}
	if !rec.has("replayed") {
		t.Error("OnJobReplayed not emitted")
	}
	if s := q.Stats(); s.DeadLetterCount != 0 || s.PendingCount != 1 || s.TotalReplayed != 1 {
		t.Errorf("stats after replay = %+v", s)
	}

	again := dequeue(t, q)
	if again.ID.String() != j.ID.String() {
		t.Errorf("replayed job not immediately eligible")
	}
}

func TestQueue_RescheduleRecurring(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 30, 0, time.UTC)
	q, rec := newQueue(t, queue.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	submit(t, q, "tick", job.WithCron("0 * * * * *"), job.WithRunAt(now))
	j := dequeue(t, q)
	if err := q.Complete(ctx, j); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Reschedule(ctx, j); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	if want := time.Date(2024, 6, 1, 9, 1, 0, 0, time.UTC); !j.ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v", j.ScheduledAt, want)
	}
	if j.Attempts != 0 || j.Status != job.StatusPending || j.LastRunAt == nil {
		t.Errorf("job = %+v", j)
	}
	if !rec.has("rescheduled") {
		t.Error("OnJobRescheduled not emitted")
	}
	s := q.Stats()
	if s.TotalRescheduled != 1 || s.PendingCount != 1 || s.TotalProcessed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestQueue_RescheduleAfterExhaustedFailure(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	submit(t, q, "tick", job.WithCron("@every 1h"), job.WithMaxRetries(0), job.WithRunAt(job.Now()))

	j := dequeue(t, q)
	_ = q.Fail(ctx, j, errors.New("boom"))
	if j.ShouldRetry() {
		t.Fatal("expected no retry budget")
	}
	if err := q.Reschedule(ctx, j); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if j.Status != job.StatusPending || j.Attempts != 0 {
		t.Errorf("status=%s attempts=%d", j.Status, j.Attempts)
	}
	if dead, _ := q.ListDeadLetter(ctx); len(dead) != 0 {
		t.Errorf("recurring job dead-lettered: %d entries", len(dead))
	}
}

func TestQueue_RescheduleExpired(t *testing.T) {
	b := memory.New()
	rec := &recorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(rec)
	q := queue.New(b, queue.WithExtensions(reg))
	ctx := context.Background()

	// Built by hand: job.New refuses schedules that never fire.
	j, _ := job.New("inert", nil)
	j.CronSchedule = "0 0 30 2 *"
	if _, err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed := dequeue(t, q)
	if err := q.Complete(ctx, claimed); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := q.Reschedule(ctx, claimed); err != nil {
		t.Fatalf("Reschedule should not fail on expiry: %v", err)
	}
	if claimed.Status != job.StatusExpired || claimed.ScheduledAt != nil {
		t.Errorf("status=%s scheduled=%v", claimed.Status, claimed.ScheduledAt)
	}
	if !rec.has("expired") {
		t.Error("OnJobExpired not emitted")
	}
	if s := q.Stats(); s.TotalExpired != 1 || s.PendingCount != 0 {
		t.Errorf("stats = %+v", s)
	}
	counts, _ := b.Counts(ctx)
	if counts.Pending != 0 || counts.Running != 0 {
		t.Errorf("expired job still stored: %+v", counts)
	}
}

func TestQueue_WakeSignal(t *testing.T) {
	q, _ := newQueue(t)
	wake := q.Wake()

	select {
	case <-wake:
		t.Fatal("wake fired before enqueue")
	default:
	}

	submit(t, q, "x")

	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("wake not fired after enqueue")
	}
}

func TestQueue_BackendUnavailable(t *testing.T) {
	b := memory.New()
	q := queue.New(b)
	_ = b.Close()

	_, err := q.Submit(context.Background(), "x", nil)
	if !errors.Is(err, jobqueue.ErrBackendUnavailable) {
		t.Fatalf("Submit err = %v, want ErrBackendUnavailable", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, jobqueue.ErrBackendUnavailable) {
		t.Fatalf("Dequeue err = %v, want ErrBackendUnavailable", err)
	}
	if s := q.Stats(); s.TotalEnqueued != 0 {
		t.Errorf("rejected enqueue counted: %+v", s)
	}
}

func TestQueue_Reconcile(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	seed := queue.New(b)
	for range 3 {
		if _, err := seed.Submit(ctx, "x", nil); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	q := queue.New(b)
	if s := q.Stats(); s.PendingCount != 0 {
		t.Fatalf("fresh tracker = %+v", s)
	}
	if err := q.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if s := q.Stats(); s.PendingCount != 3 {
		t.Errorf("PendingCount = %d, want 3", s.PendingCount)
	}
}

func TestQueue_ReapStale(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	q := queue.New(memory.New(memory.WithClock(clock)))

	if _, err := q.Submit(ctx, "alive", nil, job.WithPriority(1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := q.Submit(ctx, "crashed", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	alive := dequeue(t, q)
	crashed := dequeue(t, q)

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	if err := q.Heartbeat(ctx, alive.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	wake := q.Wake()

	reaped, err := q.ReapStale(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID.String() != crashed.ID.String() {
		t.Fatalf("reaped %v, want only %s", reaped, crashed.ID)
	}
	select {
	case <-wake:
	default:
		t.Error("wake not fired after reap")
	}
	if s := q.Stats(); s.TotalReaped != 1 || s.PendingCount != 1 || s.RunningCount != 1 {
		t.Errorf("stats = %+v", s)
	}
	if again := dequeue(t, q); again.ID.String() != crashed.ID.String() || again.Attempts != 2 {
		t.Errorf("claimed %s attempts %d, want reaped job on its second attempt", again.ID, again.Attempts)
	}
	if err := q.Heartbeat(ctx, id.NewJobID()); !errors.Is(err, jobqueue.ErrJobNotFound) {
		t.Errorf("Heartbeat unknown err = %v, want ErrJobNotFound", err)
	}
}

func TestQueue_QuiescentGaugesMatchBackend(t *testing.T) {
	ctx := context.Background()
	b := memory.New()
	q := queue.New(b, queue.WithBackoff(backoff.NewConstant(0)))

	for i := range 30 {
		if _, err := q.Submit(ctx, "mix", nil, job.WithMaxRetries(i%3), job.WithPriority(i%4)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; ; n++ {
				j, err := q.Dequeue(ctx)
				if err != nil {
					t.Errorf("Dequeue: %v", err)
					return
				}
				if j == nil {
					return
				}
				if (n+w)%2 == 0 {
					_ = q.Complete(ctx, j)
					continue
				}
				_ = q.Fail(ctx, j, errors.New("odd"))
				if j.ShouldRetry() {
					_, _ = q.Retry(ctx, j)
				} else {
					_ = q.MoveToDeadLetter(ctx, j)
				}
			}
		}()
	}
	wg.Wait()

	s := q.Stats()
	counts, _ := b.Counts(ctx)
	if uint64(counts.Pending) != s.PendingCount || uint64(counts.Running) != s.RunningCount || uint64(counts.DeadLetter) != s.DeadLetterCount {
		t.Errorf("gauges %+v disagree with backend %+v", s, counts)
	}
	if s.TotalProcessed+s.TotalFailed > s.TotalEnqueued+s.TotalRetried {
		t.Errorf("stats invariant broken: %+v", s)
	}
	if s.TotalProcessed+s.DeadLetterCount != 30 {
		t.Errorf("processed %d + dead %d != 30", s.TotalProcessed, s.DeadLetterCount)
	}
}
