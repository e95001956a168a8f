// Package jobqueue is an in-process background-job execution engine.
//
// Producers enqueue named jobs with a priority and an optional delay or cron
// recurrence. A pool of concurrent workers claims and executes them. Failed
// executions are retried with exponential backoff up to a per-job limit,
// then moved to a dead-letter store where operators can inspect and replay
// them.
//
// # Quick Start
//
//	eng, err := engine.New(memory.New())
//	engine.Register(eng, job.NewDefinition("send-email", sendEmail))
//	_, err = engine.Enqueue(ctx, eng, "send-email", EmailInput{To: "a@b.c"})
//	err = eng.Start(ctx)
//	defer eng.Stop(ctx)
//
// # Architecture
//
// The root package holds shared errors and configuration. The job package
// defines the record and its state machine; the backend package defines the
// storage capability with memory, redis, postgres, sqlite, mongo and pebble
// variants. The queue package is the only place lifecycle transitions are
// driven, keeping stats consistent with storage. The worker package runs
// the claim/execute/report loop, and cmd/jobqueue is an operator CLI over
// any backend.
//
// All job IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package jobqueue
