// Package queue is the public entry point to the job engine.
//
// A [Queue] combines a backend.Backend with a stats.Tracker. Producers,
// workers and operators all go through it and never touch the backend
// directly. Each operation calls the backend first and updates statistics
// only once the backend accepted the change, so counters never run ahead
// of storage.
//
// The Queue is also the only place job lifecycle transitions are applied.
// Workers report outcomes (complete, fail, retry, dead-letter, reschedule)
// and the Queue translates them into state changes on the record:
//
//	q := queue.New(memory.New(), queue.WithLogger(logger))
//	jobID, err := q.Submit(ctx, "send_email", payload, job.WithPriority(10))
//
//	j, err := q.Dequeue(ctx) // nil when nothing is eligible
//
// Statistics are available at any time through [Queue.Stats] and never
// wait on in-flight executions.
package queue
