// Package job defines the job record, its state machine, typed definitions,
// the handler registry and record codecs.
//
// # Job Record
//
// A [Job] is a unit of work: a name, an opaque payload, a priority, and
// scheduling and retry metadata. Its status moves through:
//
//	pending → running → completed
//	pending → running → failed → retrying → pending → ...
//	pending → running → failed → dead_letter → pending (replay)
//	completed | failed → pending (cron reschedule)
//	completed | failed → expired (cron has no next run)
//
// Transition methods ([Job.Claim], [Job.MarkFailed], [Job.PrepareRetry],
// [Job.Reschedule], ...) return jobqueue.ErrInvalidState when called from
// the wrong status. Only the queue package drives them; backends store what
// they are given and workers only report outcomes.
//
// # Retry Budget
//
// Attempts counts claims. MaxRetries counts retries after the first failure,
// so a job with MaxRetries = k is executed at most k+1 times before it is
// dead-lettered.
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs:
//
//	var SendEmail = job.NewDefinition("send_email",
//	    func(ctx context.Context, input EmailInput) error {
//	        return mailer.Send(input.To, input.Subject, input.Body)
//	    },
//	    job.WithMaxRetries(5),
//	)
//
// # Registry
//
// [Registry] maps job names to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, SendEmail)
//
// The engine package provides higher-level engine.Register and
// engine.Enqueue wrappers.
package job
