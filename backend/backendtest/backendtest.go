// Package backendtest is a conformance suite shared by every backend
// variant. A backend package calls Run from its own tests with a factory
// that returns a fresh, empty backend.
package backendtest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/id"
	"github.com/xraph/jobqueue/job"
)

// Factory returns an empty backend. It should register its own cleanup.
type Factory func(t *testing.T) backend.Backend

// Run executes the full conformance suite against backends from newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, b backend.Backend)
	}{
		{"InsertAndClaim", testInsertAndClaim},
		{"ClaimEmpty", testClaimEmpty},
		{"DuplicateInsert", testDuplicateInsert},
		{"PriorityOrder", testPriorityOrder},
		{"FIFOWithinPriority", testFIFOWithinPriority},
		{"ScheduledNotEligible", testScheduledNotEligible},
		{"PreservesFields", testPreservesFields},
		{"AcknowledgeRemoves", testAcknowledgeRemoves},
		{"AcknowledgeAfterFail", testAcknowledgeAfterFail},
		{"UnknownIDs", testUnknownIDs},
		{"FailRecordsReason", testFailRecordsReason},
		{"ReinsertForRetry", testReinsertForRetry},
		{"ReinsertDelayed", testReinsertDelayed},
		{"DeadLetterOrder", testDeadLetterOrder},
		{"ReplayDeadLetter", testReplayDeadLetter},
		{"ConcurrentClaimsExclusive", testConcurrentClaimsExclusive},
		{"Counts", testCounts},
		{"Ping", testPing},
		{"ClaimStampsHeartbeat", testClaimStampsHeartbeat},
		{"ReapStale", testReapStale},
		{"HeartbeatKeepsAlive", testHeartbeatKeepsAlive},
		{"ReapIgnoresParked", testReapIgnoresParked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newJob builds a pending job with a deterministic CreatedAt so ordering
// does not depend on wall-clock resolution.
func newJob(t *testing.T, name string, priority int, seq int) *job.Job {
	t.Helper()
	j, err := job.New(name, []byte(`{"n":1}`), job.WithPriority(priority))
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	j.CreatedAt = epoch.Add(time.Duration(seq) * time.Millisecond)
	return j
}

func insert(t *testing.T, b backend.Backend, jobs ...*job.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := b.Insert(context.Background(), j); err != nil {
			t.Fatalf("Insert(%s): %v", j.Name, err)
		}
	}
}

func claim(t *testing.T, b backend.Backend) *job.Job {
	t.Helper()
	j, err := b.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	return j
}

func mustClaim(t *testing.T, b backend.Backend) *job.Job {
	t.Helper()
	j := claim(t, b)
	if j == nil {
		t.Fatal("ClaimNext returned nothing, want a job")
	}
	return j
}

func claimAndFail(t *testing.T, b backend.Backend, reason string) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := mustClaim(t, b)
	if err := b.Fail(ctx, j.ID, reason); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := j.MarkFailed(reason); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	return j
}

func deadLetter(t *testing.T, b backend.Backend, j *job.Job) {
	t.Helper()
	if err := j.MarkDeadLetter(); err != nil {
		t.Fatalf("MarkDeadLetter: %v", err)
	}
	if err := b.DeadLetter(context.Background(), j); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func testInsertAndClaim(t *testing.T, b backend.Backend) {
	j := newJob(t, "email", 0, 0)
	insert(t, b, j)

	got := mustClaim(t, b)
	if got.ID.String() != j.ID.String() {
		t.Errorf("claimed %s, want %s", got.ID, j.ID)
	}
	if got.Status != job.StatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
	if again := claim(t, b); again != nil {
		t.Errorf("claimed %s twice", again.ID)
	}
}

func testClaimEmpty(t *testing.T, b backend.Backend) {
	if j := claim(t, b); j != nil {
		t.Errorf("ClaimNext on empty backend = %v, want nil", j.ID)
	}
}

func testDuplicateInsert(t *testing.T, b backend.Backend) {
	j := newJob(t, "dup", 0, 0)
	insert(t, b, j)
	if err := b.Insert(context.Background(), j); !errors.Is(err, jobqueue.ErrJobAlreadyExists) {
		t.Errorf("second Insert err = %v, want ErrJobAlreadyExists", err)
	}
}

func testPriorityOrder(t *testing.T, b backend.Backend) {
	insert(t, b,
		newJob(t, "low", 1, 0),
		newJob(t, "high", 5, 1),
		newJob(t, "mid", 3, 2),
		newJob(t, "negative", -1, 3),
	)

	for _, want := range []string{"high", "mid", "low", "negative"} {
		if got := mustClaim(t, b); got.Name != want {
			t.Errorf("claimed %q, want %q", got.Name, want)
		}
	}
}

func testFIFOWithinPriority(t *testing.T, b backend.Backend) {
	// Inserted out of creation order on purpose.
	insert(t, b,
		newJob(t, "third", 2, 30),
		newJob(t, "first", 2, 10),
		newJob(t, "second", 2, 20),
	)

	for _, want := range []string{"first", "second", "third"} {
		if got := mustClaim(t, b); got.Name != want {
			t.Errorf("claimed %q, want %q", got.Name, want)
		}
	}
}

func testScheduledNotEligible(t *testing.T, b backend.Backend) {
	future := job.Now().Add(time.Hour)
	later := newJob(t, "later", 10, 0)
	later.ScheduledAt = &future

	past := job.Now().Add(-time.Minute)
	due := newJob(t, "due", 0, 1)
	due.ScheduledAt = &past

	insert(t, b, later, due)

	if got := mustClaim(t, b); got.Name != "due" {
		t.Errorf("claimed %q, want due (higher-priority job is not yet eligible)", got.Name)
	}
	if got := claim(t, b); got != nil {
		t.Errorf("claimed %q before its scheduled time", got.Name)
	}
}

func testPreservesFields(t *testing.T, b backend.Backend) {
	j := newJob(t, "report", 7, 0)
	j.Payload = []byte{0x00, 0x01, 0xfe, '"'}
	j.MaxRetries = 9
	j.CronSchedule = "@hourly"
	j.Timeout = 1500 * time.Millisecond
	insert(t, b, j)

	got := mustClaim(t, b)
	if string(got.Payload) != string(j.Payload) {
		t.Errorf("Payload = %v, want %v", got.Payload, j.Payload)
	}
	if got.MaxRetries != 9 || got.Priority != 7 || got.CronSchedule != "@hourly" || got.Timeout != j.Timeout {
		t.Errorf("fields = %d/%d/%q/%v", got.MaxRetries, got.Priority, got.CronSchedule, got.Timeout)
	}
	if !got.CreatedAt.Equal(j.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, j.CreatedAt)
	}
	if got.ScheduledAt != nil || got.LastRunAt != nil {
		t.Errorf("optional times = %v/%v, want nil/nil", got.ScheduledAt, got.LastRunAt)
	}
}

func testAcknowledgeRemoves(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	insert(t, b, newJob(t, "a", 0, 0))
	j := mustClaim(t, b)

	if err := b.Acknowledge(ctx, j.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if err := b.Acknowledge(ctx, j.ID); !errors.Is(err, jobqueue.ErrJobNotFound) {
		t.Errorf("second Acknowledge err = %v, want ErrJobNotFound", err)
	}
	if got := claim(t, b); got != nil {
		t.Errorf("acknowledged job claimable again: %s", got.ID)
	}
}

func testAcknowledgeAfterFail(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	insert(t, b, newJob(t, "a", 0, 0))
	j := claimAndFail(t, b, "boom")

	if err := b.Acknowledge(ctx, j.ID); err != nil {
		t.Fatalf("Acknowledge after Fail: %v", err)
	}
	if c, ok := b.(backend.Counter); ok {
		counts, err := c.Counts(ctx)
		if err != nil {
			t.Fatalf("Counts: %v", err)
		}
		if counts != (backend.Counts{}) {
			t.Errorf("Counts = %+v, want empty", counts)
		}
	}
}

func testUnknownIDs(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	unknown := id.NewJobID()

	if err := b.Acknowledge(ctx, unknown); !errors.Is(err, jobqueue.ErrJobNotFound) {
		t.Errorf("Acknowledge err = %v, want ErrJobNotFound", err)
	}
	if err := b.Fail(ctx, unknown, "x"); !errors.Is(err, jobqueue.ErrJobNotFound) {
		t.Errorf("Fail err = %v, want ErrJobNotFound", err)
	}
	if _, err := b.ReplayDeadLetter(ctx, unknown); !errors.Is(err, jobqueue.ErrDeadLetterNotFound) {
		t.Errorf("ReplayDeadLetter err = %v, want ErrDeadLetterNotFound", err)
	}
	if !errors.Is(jobqueue.ErrDeadLetterNotFound, jobqueue.ErrNotFound) {
		t.Error("ErrDeadLetterNotFound should be a not-found error")
	}
}

func testFailRecordsReason(t *testing.T, b backend.Backend) {
	insert(t, b, newJob(t, "a", 0, 0))
	j := claimAndFail(t, b, "smtp timeout")
	deadLetter(t, b, j)

	dead, err := b.ListDeadLetter(context.Background())
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead-letter size = %d, want 1", len(dead))
	}
	if dead[0].Error != "smtp timeout" {
		t.Errorf("Error = %q, want %q", dead[0].Error, "smtp timeout")
	}
	if dead[0].Status != job.StatusDeadLetter {
		t.Errorf("Status = %s, want dead_letter", dead[0].Status)
	}
	if dead[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", dead[0].Attempts)
	}
}

func testReinsertForRetry(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	insert(t, b, newJob(t, "flaky", 0, 0))
	j := claimAndFail(t, b, "boom")

	if err := j.PrepareRetry(job.Now().Add(-time.Second), 0); err != nil {
		t.Fatalf("PrepareRetry: %v", err)
	}
	if err := b.ReinsertForRetry(ctx, j); err != nil {
		t.Fatalf("ReinsertForRetry: %v", err)
	}

	got := mustClaim(t, b)
	if got.ID.String() != j.ID.String() {
		t.Fatalf("claimed %s, want %s", got.ID, j.ID)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.Error != "boom" {
		t.Errorf("Error = %q, want last failure kept", got.Error)
	}
}

func testReinsertDelayed(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	insert(t, b, newJob(t, "flaky", 0, 0))
	j := claimAndFail(t, b, "boom")

	if err := j.PrepareRetry(job.Now(), time.Hour); err != nil {
		t.Fatalf("PrepareRetry: %v", err)
	}
	if err := b.ReinsertForRetry(ctx, j); err != nil {
		t.Fatalf("ReinsertForRetry: %v", err)
	}
	if got := claim(t, b); got != nil {
		t.Errorf("claimed %s during its backoff window", got.ID)
	}
	// Upserting again must not duplicate the record.
	if err := b.ReinsertForRetry(ctx, j); err != nil {
		t.Fatalf("second ReinsertForRetry: %v", err)
	}
	if c, ok := b.(backend.Counter); ok {
		counts, err := c.Counts(ctx)
		if err != nil {
			t.Fatalf("Counts: %v", err)
		}
		if counts.Pending != 1 || counts.Running != 0 {
			t.Errorf("counts = %+v, want 1 pending and 0 running", counts)
		}
	}
}

func testDeadLetterOrder(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	insert(t, b, newJob(t, "a", 3, 0), newJob(t, "b", 2, 1), newJob(t, "c", 1, 2))

	var want []string
	for range 3 {
		j := claimAndFail(t, b, "boom")
		deadLetter(t, b, j)
		want = append(want, j.ID.String())
	}

	dead, err := b.ListDeadLetter(ctx)
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if len(dead) != len(want) {
		t.Fatalf("dead-letter size = %d, want %d", len(dead), len(want))
	}
	for i := range want {
		if dead[i].ID.String() != want[i] {
			t.Errorf("dead[%d] = %s, want %s", i, dead[i].ID, want[i])
		}
	}
}

func testReplayDeadLetter(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	insert(t, b, newJob(t, "a", 0, 0))
	j := claimAndFail(t, b, "boom")
	deadLetter(t, b, j)

	replayed, err := b.ReplayDeadLetter(ctx, j.ID)
	if err != nil {
		t.Fatalf("ReplayDeadLetter: %v", err)
	}
	if replayed.Status != job.StatusPending || replayed.Attempts != 0 || replayed.Error != "" {
		t.Errorf("replayed = status %s attempts %d error %q", replayed.Status, replayed.Attempts, replayed.Error)
	}

	dead, err := b.ListDeadLetter(ctx)
	if err != nil {
		t.Fatalf("ListDeadLetter: %v", err)
	}
	if len(dead) != 0 {
		t.Errorf("dead-letter size after replay = %d, want 0", len(dead))
	}

	got := mustClaim(t, b)
	if got.ID.String() != j.ID.String() || got.Attempts != 1 {
		t.Errorf("claimed %s attempts %d, want %s attempts 1", got.ID, got.Attempts, j.ID)
	}

	if _, err := b.ReplayDeadLetter(ctx, j.ID); !errors.Is(err, jobqueue.ErrDeadLetterNotFound) {
		t.Errorf("second replay err = %v, want ErrDeadLetterNotFound", err)
	}
}

func testConcurrentClaimsExclusive(t *testing.T, b backend.Backend) {
	const jobs, workers = 40, 8
	for i := range jobs {
		insert(t, b, newJob(t, "c", i%3, i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := b.ClaimNext(context.Background())
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Errorf("claimed %d distinct jobs, want %d", len(seen), jobs)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s claimed %d times", jobID, n)
		}
	}
}

func testCounts(t *testing.T, b backend.Backend) {
	c, ok := b.(backend.Counter)
	if !ok {
		t.Skip("backend does not report counts")
	}
	ctx := context.Background()
	insert(t, b, newJob(t, "a", 0, 0), newJob(t, "b", 0, 1), newJob(t, "c", 0, 2))
	_ = mustClaim(t, b)
	j := claimAndFail(t, b, "boom")
	deadLetter(t, b, j)

	counts, err := c.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	want := backend.Counts{Pending: 1, Running: 1, DeadLetter: 1}
	if counts != want {
		t.Errorf("Counts = %+v, want %+v", counts, want)
	}
}

func testPing(t *testing.T, b backend.Backend) {
	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func reaper(t *testing.T, b backend.Backend) backend.Reaper {
	t.Helper()
	r, ok := b.(backend.Reaper)
	if !ok {
		t.Skip("backend does not track heartbeats")
	}
	return r
}

func testClaimStampsHeartbeat(t *testing.T, b backend.Backend) {
	reaper(t, b)
	before := job.Now().Add(-time.Second)
	insert(t, b, newJob(t, "a", 0, 0))

	got := mustClaim(t, b)
	if got.HeartbeatAt == nil || got.HeartbeatAt.Before(before) {
		t.Errorf("HeartbeatAt = %v, want a claim-time stamp", got.HeartbeatAt)
	}
}

func testReapStale(t *testing.T, b backend.Backend) {
	r := reaper(t, b)
	ctx := context.Background()
	insert(t, b, newJob(t, "crashed", 0, 0))
	j := mustClaim(t, b)

	fresh, err := r.ReapStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("reaped %d records with a fresh heartbeat", len(fresh))
	}

	time.Sleep(20 * time.Millisecond)
	reaped, err := r.ReapStale(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID.String() != j.ID.String() {
		t.Fatalf("reaped %v, want [%s]", reaped, j.ID)
	}
	if reaped[0].Status != job.StatusPending || reaped[0].HeartbeatAt != nil {
		t.Errorf("reaped status=%s heartbeat=%v, want pending/nil", reaped[0].Status, reaped[0].HeartbeatAt)
	}

	if err := b.Fail(ctx, j.ID, "late"); !errors.Is(err, jobqueue.ErrJobNotFound) {
		t.Errorf("Fail after reap err = %v, want ErrJobNotFound", err)
	}
	got := mustClaim(t, b)
	if got.ID.String() != j.ID.String() || got.Attempts != 2 {
		t.Errorf("claimed %s attempts %d, want %s attempts 2", got.ID, got.Attempts, j.ID)
	}
}

func testHeartbeatKeepsAlive(t *testing.T, b backend.Backend) {
	r := reaper(t, b)
	ctx := context.Background()
	insert(t, b, newJob(t, "alive", 1, 0), newJob(t, "dead", 0, 1))
	alive := mustClaim(t, b)
	dead := mustClaim(t, b)

	time.Sleep(40 * time.Millisecond)
	if err := r.Heartbeat(ctx, alive.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	reaped, err := r.ReapStale(ctx, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID.String() != dead.ID.String() {
		t.Fatalf("reaped %v, want only %s", reaped, dead.ID)
	}
	if err := b.Acknowledge(ctx, alive.ID); err != nil {
		t.Errorf("Acknowledge heartbeating job: %v", err)
	}
	if err := r.Heartbeat(ctx, id.NewJobID()); !errors.Is(err, jobqueue.ErrJobNotFound) {
		t.Errorf("Heartbeat unknown err = %v, want ErrJobNotFound", err)
	}
}

func testReapIgnoresParked(t *testing.T, b backend.Backend) {
	r := reaper(t, b)
	ctx := context.Background()
	insert(t, b, newJob(t, "pending", 0, 0), newJob(t, "dead", 1, 1))
	deadLetter(t, b, claimAndFail(t, b, "boom"))

	time.Sleep(20 * time.Millisecond)
	reaped, err := r.ReapStale(ctx, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if len(reaped) != 0 {
		t.Errorf("reaped %d pending or dead-lettered records", len(reaped))
	}
	if c, ok := b.(backend.Counter); ok {
		counts, err := c.Counts(ctx)
		if err != nil {
			t.Fatalf("Counts: %v", err)
		}
		if want := (backend.Counts{Pending: 1, DeadLetter: 1}); counts != want {
			t.Errorf("Counts = %+v, want %+v", counts, want)
		}
	}
}
