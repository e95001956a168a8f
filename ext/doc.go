// Package ext defines the extension system for the queue.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, writing audit logs, paging someone when the
// dead-letter pool grows. Each lifecycle hook is a separate interface so
// extensions opt in only to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s completed in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobEnqueued]: job was admitted to the queue
//   - [JobStarted]: worker began executing the job
//   - [JobCompleted]: job finished successfully
//   - [JobFailed]: an execution failed
//   - [JobRetrying]: a failed job will be retried after a backoff
//   - [JobDLQ]: job was moved to the dead-letter pool
//   - [JobReplayed]: a dead-lettered job was returned to the queue
//   - [JobRescheduled]: a recurring job was set up for its next run
//   - [JobExpired]: a recurring job's schedule has no future occurrence
//
// # Other Hooks
//
//   - [Shutdown]: the engine is shutting down
//
// Hook errors are logged and never propagated; an extension cannot stall
// or fail job processing.
package ext
