package engine_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend/memory"
	"github.com/xraph/jobqueue/backoff"
	"github.com/xraph/jobqueue/engine"
	"github.com/xraph/jobqueue/job"
	"github.com/xraph/jobqueue/worker"
)

// ──────────────────────────────────────────────────
// Test payloads
// ──────────────────────────────────────────────────

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func newEngine(t *testing.T, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{
		engine.WithBackoff(backoff.NewConstant(0)),
		engine.WithPoolOptions(worker.WithConcurrency(2), worker.WithPollInterval(10*time.Millisecond)),
	}, opts...)
	eng, err := engine.New(memory.New(), opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func stop(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
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

// ──────────────────────────────────────────────────
// End-to-end: Register → Enqueue → Process
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd_RegisterEnqueueProcess(t *testing.T) {
	eng := newEngine(t)

	var processed atomic.Bool
	got := make(chan emailPayload, 1)
	engine.Register(eng, job.NewDefinition("send-email", func(_ context.Context, p emailPayload) error {
		got <- p
		processed.Store(true)
		return nil
	}))

	j, err := engine.Enqueue(context.Background(), eng, "send-email", emailPayload{
		To:      "alice@example.com",
		Subject: "Hello",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Name != "send-email" || j.Status != job.StatusPending {
		t.Errorf("job = %s/%s", j.Name, j.Status)
	}

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "processing", processed.Load)
	waitFor(t, "completion", func() bool { return eng.Stats().TotalProcessed == 1 })
	stop(t, eng)

	if p := <-got; p.To != "alice@example.com" || p.Subject != "Hello" {
		t.Errorf("payload = %+v", p)
	}
}

func TestEngine_NilBackend(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, jobqueue.ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestEngine_EnqueueSerializationError(t *testing.T) {
	eng := newEngine(t)
	_, err := engine.Enqueue(context.Background(), eng, "bad", math.Inf(1))
	if !errors.Is(err, jobqueue.ErrSerialization) {
		t.Fatalf("err = %v, want ErrSerialization", err)
	}
	if s := eng.Stats(); s.TotalEnqueued != 0 {
		t.Errorf("rejected job counted: %+v", s)
	}
}

func TestEngine_DefinitionDefaults(t *testing.T) {
	eng := newEngine(t)
	engine.Register(eng, job.NewDefinition("report", func(context.Context, struct{}) error { return nil },
		job.WithMaxRetries(7), job.WithPriority(3)))

	j, err := engine.Enqueue(context.Background(), eng, "report", struct{}{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.MaxRetries != 7 || j.Priority != 3 {
		t.Errorf("defaults not applied: retries=%d priority=%d", j.MaxRetries, j.Priority)
	}

	j, err = engine.Enqueue(context.Background(), eng, "report", struct{}{}, job.WithPriority(9))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.MaxRetries != 7 || j.Priority != 9 {
		t.Errorf("override not applied: retries=%d priority=%d", j.MaxRetries, j.Priority)
	}
}

// ──────────────────────────────────────────────────
// Extensions
// ──────────────────────────────────────────────────

type lifecycleTracker struct {
	enqueued  atomic.Int32
	started   atomic.Int32
	completed atomic.Int32
	failed    atomic.Int32
	retrying  atomic.Int32
	dlq       atomic.Int32
	shutdown  atomic.Int32
}

func (e *lifecycleTracker) Name() string { return "lifecycle-tracker" }

func (e *lifecycleTracker) OnJobEnqueued(_ context.Context, _ *job.Job) error {
	e.enqueued.Add(1)
	return nil
}

func (e *lifecycleTracker) OnJobStarted(_ context.Context, _ *job.Job) error {
	e.started.Add(1)
	return nil
}

func (e *lifecycleTracker) OnJobCompleted(_ context.Context, _ *job.Job, _ time.Duration) error {
	e.completed.Add(1)
	return nil
}

func (e *lifecycleTracker) OnJobFailed(_ context.Context, _ *job.Job, _ error) error {
	e.failed.Add(1)
	return nil
}

func (e *lifecycleTracker) OnJobRetrying(_ context.Context, _ *job.Job, _ int, _ time.Time) error {
	e.retrying.Add(1)
	return nil
}

func (e *lifecycleTracker) OnJobDLQ(_ context.Context, _ *job.Job, _ error) error {
	e.dlq.Add(1)
	return nil
}

func (e *lifecycleTracker) OnShutdown(_ context.Context) error {
	e.shutdown.Add(1)
	return nil
}

func TestEngine_ExtensionLifecycleEvents(t *testing.T) {
	tracker := &lifecycleTracker{}
	eng := newEngine(t, engine.WithExtension(tracker))
	engine.Register(eng, job.NewDefinition("ok", func(context.Context, struct{}) error { return nil }))

	if _, err := engine.Enqueue(context.Background(), eng, "ok", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "completion", func() bool { return tracker.completed.Load() == 1 })
	stop(t, eng)

	if tracker.enqueued.Load() != 1 || tracker.started.Load() != 1 {
		t.Errorf("enqueued=%d started=%d", tracker.enqueued.Load(), tracker.started.Load())
	}
	if tracker.shutdown.Load() != 1 {
		t.Errorf("shutdown=%d, want 1", tracker.shutdown.Load())
	}
}

func TestEngine_FailedJobExtension(t *testing.T) {
	tracker := &lifecycleTracker{}
	eng := newEngine(t, engine.WithExtension(tracker))
	engine.Register(eng, job.NewDefinition("bad", func(context.Context, struct{}) error {
		return errors.New("nope")
	}, job.WithMaxRetries(1)))

	if _, err := engine.Enqueue(context.Background(), eng, "bad", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "dead-letter", func() bool { return tracker.dlq.Load() == 1 })
	stop(t, eng)

	if tracker.failed.Load() != 2 || tracker.retrying.Load() != 1 {
		t.Errorf("failed=%d retrying=%d", tracker.failed.Load(), tracker.retrying.Load())
	}
	if s := eng.Stats(); s.DeadLetterCount != 1 || s.TotalFailed != 2 {
		t.Errorf("stats = %+v", s)
	}
}

// ──────────────────────────────────────────────────
// Telemetry providers
// ──────────────────────────────────────────────────

func TestEngine_TelemetryProviders(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	eng := newEngine(t, engine.WithTracerProvider(tp), engine.WithMeterProvider(mp))
	engine.Register(eng, job.NewDefinition("traced", func(context.Context, struct{}) error { return nil }))
	if _, err := engine.Enqueue(context.Background(), eng, "traced", struct{}{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "completion", func() bool { return eng.Stats().TotalProcessed == 1 })
	stop(t, eng)

	if spans := sr.Ended(); len(spans) != 1 || spans[0].Name() != "jobqueue.job.execute" {
		t.Errorf("spans = %d", len(spans))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	for _, want := range []string{"jobqueue.job.executions", "jobqueue.job.enqueued", "jobqueue.job.completed"} {
		if !names[want] {
			t.Errorf("metric %s not recorded", want)
		}
	}
}

func TestEngine_WithConfig(t *testing.T) {
	cfg := jobqueue.DefaultConfig()
	cfg.Workers = 3
	eng, err := engine.New(memory.New(), engine.WithConfig(cfg))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if got := eng.Pool().Concurrency(); got != 3 {
		t.Errorf("Concurrency = %d, want 3", got)
	}
}
