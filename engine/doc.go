// Package engine wires the job subsystems together and provides the
// application-level API for registering and enqueuing work.
//
// The engine sits above queue, worker, middleware and observability and
// below the application, so none of those packages need to import each
// other's constructors.
//
// # Building an Engine
//
//	eng, err := engine.New(memory.New(),
//	    engine.WithConfig(cfg),
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(myMiddleware),
//	)
//
// # Registering and Enqueuing Work
//
//	engine.Register(eng, job.NewDefinition("send-email", sendEmail, job.WithMaxRetries(5)))
//	engine.Enqueue(ctx, eng, "send-email", EmailInput{To: "user@example.com"})
//	engine.Enqueue(ctx, eng, "report", ReportInput{}, job.WithCron("0 9 * * *"))
//
// # Lifecycle
//
//	eng.Start(ctx)  // reconcile stats, start the worker pool
//	eng.Stop(ctx)   // drain in-flight jobs, notify Shutdown extensions
//	eng.Close()     // close the backend
//
// The default middleware chain is recover → tracing → metrics → logging →
// timeout, followed by any [WithMiddleware] additions.
package engine
