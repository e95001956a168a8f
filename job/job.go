package job

import (
	"fmt"
	"time"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backoff"
	"github.com/xraph/jobqueue/cron"
	"github.com/xraph/jobqueue/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be claimed by a worker.
	StatusPending Status = "pending"
	// StatusRunning means a worker holds the job and is executing it.
	StatusRunning Status = "running"
	// StatusCompleted means the last execution succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed means the last execution failed and no decision has
	// been taken yet.
	StatusFailed Status = "failed"
	// StatusRetrying means the job failed and is on its way back to the
	// eligible pool with a backoff delay.
	StatusRetrying Status = "retrying"
	// StatusDeadLetter means retries are exhausted and the job was parked
	// for inspection.
	StatusDeadLetter Status = "dead_letter"
	// StatusExpired means a recurring job's schedule has no future
	// occurrence.
	StatusExpired Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed,
		StatusRetrying, StatusDeadLetter, StatusExpired:
		return true
	}
	return false
}

// Job is one unit of work plus its scheduling and retry metadata.
type Job struct {
	ID           id.JobID      `json:"id"`
	Name         string        `json:"name"`
	Payload      []byte        `json:"payload"`
	Status       Status        `json:"status"`
	Attempts     int           `json:"attempts"`
	MaxRetries   int           `json:"max_retries"`
	Priority     int           `json:"priority"`
	CreatedAt    time.Time     `json:"created_at"`
	ScheduledAt  *time.Time    `json:"scheduled_at,omitempty"`
	CronSchedule string        `json:"cron_schedule,omitempty"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	Error        string        `json:"error,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	HeartbeatAt  *time.Time    `json:"heartbeat_at,omitempty"`
}

// Summary is the reduced view of a job exposed for dead-letter inspection.
type Summary struct {
	ID        id.JobID `json:"id"`
	Name      string   `json:"name"`
	Attempts  int      `json:"attempts"`
	LastError string   `json:"last_error"`
}

// Now returns the current time in UTC truncated to microseconds, the
// precision every backend can store losslessly.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// New creates a pending job. A cron schedule that does not parse or never
// fires is rejected here so bad recurrences never reach storage.
func New(name string, payload []byte, opts ...Option) (*Job, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return NewWithOptions(name, payload, o)
}

// NewWithOptions is New with an already-built Options value.
func NewWithOptions(name string, payload []byte, o Options) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("job: name is required")
	}
	now := Now()
	j := &Job{
		ID:           id.NewJobID(),
		Name:         name,
		Payload:      payload,
		Status:       StatusPending,
		MaxRetries:   o.MaxRetries,
		Priority:     o.Priority,
		CreatedAt:    now,
		CronSchedule: o.Cron,
		Timeout:      o.Timeout,
	}

	switch {
	case !o.RunAt.IsZero():
		at := o.RunAt.UTC().Truncate(time.Microsecond)
		j.ScheduledAt = &at
	case o.Delay > 0:
		at := now.Add(o.Delay)
		j.ScheduledAt = &at
	}

	if o.Cron != "" {
		next, err := cron.Next(o.Cron, now)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", name, err)
		}
		// A recurring job first runs at its next trigger unless told
		// otherwise.
		if j.ScheduledAt == nil {
			j.ScheduledAt = &next
		}
	}
	return j, nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// Eligible reports whether the job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// IsRecurring reports whether the job carries a cron schedule.
func (j *Job) IsRecurring() bool { return j.CronSchedule != "" }

// ShouldRetry reports whether a failed job still has retry budget.
// MaxRetries counts retries, so a job runs at most MaxRetries+1 times.
func (j *Job) ShouldRetry() bool {
	return j.Status == StatusFailed && j.Attempts <= j.MaxRetries
}

// CalculateBackoff returns the default retry delay for the job's current
// attempt count: 60s * 2^attempts.
func (j *Job) CalculateBackoff() time.Duration {
	return backoff.DefaultStrategy().Delay(j.Attempts)
}

// Summary returns the dead-letter inspection view of the job.
func (j *Job) Summary() Summary {
	return Summary{ID: j.ID, Name: j.Name, Attempts: j.Attempts, LastError: j.Error}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	cp.ScheduledAt = cloneTime(j.ScheduledAt)
	cp.LastRunAt = cloneTime(j.LastRunAt)
	cp.HeartbeatAt = cloneTime(j.HeartbeatAt)
	return &cp
}

// ──────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────

// Claim moves a pending job to running, counts the attempt and stamps the
// first heartbeat at now.
func (j *Job) Claim(now time.Time) error {
	if err := j.expect(StatusPending); err != nil {
		return err
	}
	j.Status = StatusRunning
	j.Attempts++
	j.HeartbeatAt = &now
	return nil
}

// Stale reports whether a claimed job's last heartbeat is before cutoff.
// Pending and parked jobs are never stale.
func (j *Job) Stale(cutoff time.Time) bool {
	if j.Status != StatusRunning && j.Status != StatusFailed {
		return false
	}
	return j.HeartbeatAt == nil || j.HeartbeatAt.Before(cutoff)
}

// Release returns a claimed job to pending so another worker can pick it
// up. The attempt it used stays counted.
func (j *Job) Release() error {
	if j.Status != StatusRunning && j.Status != StatusFailed {
		return fmt.Errorf("%w: release from %s", jobqueue.ErrInvalidState, j.Status)
	}
	j.Status = StatusPending
	j.HeartbeatAt = nil
	return nil
}

// MarkCompleted moves a running job to completed.
func (j *Job) MarkCompleted() error {
	if err := j.expect(StatusRunning); err != nil {
		return err
	}
	j.Status = StatusCompleted
	return nil
}

// MarkFailed moves a running job to failed and records the reason.
func (j *Job) MarkFailed(reason string) error {
	if err := j.expect(StatusRunning); err != nil {
		return err
	}
	j.Status = StatusFailed
	j.Error = reason
	return nil
}

// PrepareRetry moves a failed job to retrying and schedules it delay after
// now. The backend makes it pending again when it is reinserted.
func (j *Job) PrepareRetry(now time.Time, delay time.Duration) error {
	if err := j.expect(StatusFailed); err != nil {
		return err
	}
	at := now.Add(delay)
	j.Status = StatusRetrying
	j.ScheduledAt = &at
	j.HeartbeatAt = nil
	return nil
}

// MarkDeadLetter moves a failed job to dead_letter.
func (j *Job) MarkDeadLetter() error {
	if err := j.expect(StatusFailed); err != nil {
		return err
	}
	j.Status = StatusDeadLetter
	return nil
}

// Reschedule sets a recurring job up for its next occurrence after now,
// resetting its attempts. It applies after a completed run or an exhausted
// failure. If the schedule has no future occurrence the job is marked
// expired and the returned error wraps cron.ErrNoNextRun.
func (j *Job) Reschedule(now time.Time) error {
	if !j.IsRecurring() {
		return fmt.Errorf("%w: job %s is not recurring", jobqueue.ErrInvalidState, j.ID)
	}
	if j.Status != StatusCompleted && j.Status != StatusFailed {
		return fmt.Errorf("%w: reschedule from %s", jobqueue.ErrInvalidState, j.Status)
	}

	last := now
	j.LastRunAt = &last
	j.HeartbeatAt = nil

	next, err := cron.Next(j.CronSchedule, now)
	if err != nil {
		j.Status = StatusExpired
		j.ScheduledAt = nil
		return err
	}
	j.ScheduledAt = &next
	j.Attempts = 0
	j.Status = StatusPending
	return nil
}

// ResetForReplay returns a dead-lettered job to pending with a fresh retry
// budget. ScheduledAt is left as is; a past value means immediately
// eligible.
func (j *Job) ResetForReplay() error {
	if err := j.expect(StatusDeadLetter); err != nil {
		return err
	}
	j.Status = StatusPending
	j.Attempts = 0
	j.Error = ""
	j.HeartbeatAt = nil
	return nil
}

func (j *Job) expect(want Status) error {
	if j.Status != want {
		return fmt.Errorf("%w: job %s is %s, want %s", jobqueue.ErrInvalidState, j.ID, j.Status, want)
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
