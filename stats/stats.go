// Package stats tracks queue counters and live gauges.
//
// A [Tracker] is guarded by its own mutex, independent of any backend lock,
// so reading statistics never waits on job storage or in-flight work.
// Gauges saturate at zero: a decrement below zero leaves them at zero.
package stats

import "sync"

// Snapshot is a point-in-time copy of every counter and gauge.
type Snapshot struct {
	TotalEnqueued    uint64 `json:"total_enqueued"`
	TotalProcessed   uint64 `json:"total_processed"`
	TotalFailed      uint64 `json:"total_failed"`
	TotalRetried     uint64 `json:"total_retried"`
	TotalRescheduled uint64 `json:"total_rescheduled"`
	TotalReplayed    uint64 `json:"total_replayed"`
	TotalExpired     uint64 `json:"total_expired"`
	TotalReaped      uint64 `json:"total_reaped"`

	PendingCount    uint64 `json:"pending_count"`
	RunningCount    uint64 `json:"running_count"`
	DeadLetterCount uint64 `json:"dead_letter_count"`
}

// Tracker accumulates queue statistics. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex
	s  Snapshot
}

// NewTracker returns a Tracker with every value at zero.
func NewTracker() *Tracker { return &Tracker{} }

// Snapshot returns a copy of the current values.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}

// Reset zeroes every value.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.s = Snapshot{}
	t.mu.Unlock()
}

// Enqueued records an admitted job.
func (t *Tracker) Enqueued() {
	t.update(func(s *Snapshot) {
		s.TotalEnqueued++
		s.PendingCount++
	})
}

// Dequeued records a claim.
func (t *Tracker) Dequeued() {
	t.update(func(s *Snapshot) {
		dec(&s.PendingCount)
		s.RunningCount++
	})
}

// Processed records a successful execution.
func (t *Tracker) Processed() {
	t.update(func(s *Snapshot) {
		s.TotalProcessed++
		dec(&s.RunningCount)
	})
}

// Failed records a failed execution.
func (t *Tracker) Failed() {
	t.update(func(s *Snapshot) {
		s.TotalFailed++
		dec(&s.RunningCount)
	})
}

// Retried records a job returned to the eligible pool after a failure.
func (t *Tracker) Retried() {
	t.update(func(s *Snapshot) {
		s.TotalRetried++
		s.PendingCount++
	})
}

// Rescheduled records a recurring job returned to the eligible pool for its
// next occurrence.
func (t *Tracker) Rescheduled() {
	t.update(func(s *Snapshot) {
		s.TotalRescheduled++
		s.PendingCount++
	})
}

// DeadLettered records a job moved to the dead-letter pool.
func (t *Tracker) DeadLettered() {
	t.update(func(s *Snapshot) {
		s.DeadLetterCount++
	})
}

// Replayed records a dead-lettered job moved back to the eligible pool.
func (t *Tracker) Replayed() {
	t.update(func(s *Snapshot) {
		s.TotalReplayed++
		dec(&s.DeadLetterCount)
		s.PendingCount++
	})
}

// Expired records a recurring job dropped because its schedule has no
// future occurrence.
func (t *Tracker) Expired() {
	t.update(func(s *Snapshot) {
		s.TotalExpired++
	})
}

// Reaped records a claimed job returned to the eligible pool because its
// worker stopped heartbeating.
func (t *Tracker) Reaped() {
	t.update(func(s *Snapshot) {
		s.TotalReaped++
		dec(&s.RunningCount)
		s.PendingCount++
	})
}

// SetGauges overwrites the live gauges, typically from backend counts.
func (t *Tracker) SetGauges(pending, running, deadLetter uint64) {
	t.update(func(s *Snapshot) {
		s.PendingCount = pending
		s.RunningCount = running
		s.DeadLetterCount = deadLetter
	})
}

func (t *Tracker) update(fn func(*Snapshot)) {
	t.mu.Lock()
	fn(&t.s)
	t.mu.Unlock()
}

func dec(v *uint64) {
	if *v > 0 {
		*v--
	}
}
