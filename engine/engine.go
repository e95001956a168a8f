package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/jobqueue"
	"github.com/xraph/jobqueue/backend"
	"github.com/xraph/jobqueue/backoff"
	"github.com/xraph/jobqueue/ext"
	"github.com/xraph/jobqueue/job"
	mw "github.com/xraph/jobqueue/middleware"
	"github.com/xraph/jobqueue/observability"
	"github.com/xraph/jobqueue/queue"
	"github.com/xraph/jobqueue/stats"
	"github.com/xraph/jobqueue/worker"
)

const instrumentationName = "github.com/xraph/jobqueue"

// Engine owns a queue, the job registry and a worker pool over one backend.
type Engine struct {
	queue      *queue.Queue
	extensions *ext.Registry
	registry   *job.Registry
	pool       *worker.Pool
	logger     *slog.Logger

	exts            []ext.Extension
	bo              backoff.Strategy
	tracker         *stats.Tracker
	mws             []mw.Middleware
	poolOpts        []worker.PoolOption
	shutdownTimeout time.Duration

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	defaultsMu sync.RWMutex
	defaults   map[string]job.Options
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.exts = append(eng.exts, e) }
}

// WithMiddleware appends m to the execution chain, inside the defaults.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy. The default is
// backoff.DefaultStrategy.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithTracker shares a stats tracker, for example one already exported
// through a stats.Collector.
func WithTracker(t *stats.Tracker) Option {
	return func(eng *Engine) { eng.tracker = t }
}

// WithPoolOptions passes options through to the worker pool.
func WithPoolOptions(opts ...worker.PoolOption) Option {
	return func(eng *Engine) { eng.poolOpts = append(eng.poolOpts, opts...) }
}

// WithConfig applies the worker, backoff and shutdown settings of cfg.
func WithConfig(cfg jobqueue.Config) Option {
	return func(eng *Engine) {
		eng.poolOpts = append(eng.poolOpts,
			worker.WithConcurrency(cfg.Workers),
			worker.WithPollInterval(cfg.PollInterval.Std()),
			worker.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
			worker.WithHeartbeatInterval(cfg.HeartbeatInterval.Std()),
			worker.WithStaleJobThreshold(cfg.StaleJobThreshold.Std()),
		)
		if cfg.BackoffBase > 0 {
			eng.bo = backoff.NewExponential(cfg.BackoffBase.Std(), cfg.BackoffMax.Std())
		}
		eng.shutdownTimeout = cfg.ShutdownTimeout.Std()
	}
}

// WithTracerProvider sets the TracerProvider used by the tracing
// middleware instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets the MeterProvider used by the metrics middleware
// and the observability extension instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an Engine over b.
func New(b backend.Backend, opts ...Option) (*Engine, error) {
	if b == nil {
		return nil, jobqueue.ErrNoBackend
	}

	eng := &Engine{
		registry: job.NewRegistry(),
		logger:   slog.Default(),
		defaults: make(map[string]job.Options),
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.extensions = ext.NewRegistry(eng.logger)
	for _, e := range eng.exts {
		eng.extensions.Register(e)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.shutdownTimeout <= 0 {
		eng.shutdownTimeout = jobqueue.DefaultConfig().ShutdownTimeout.Std()
	}

	var tracingMw, metricsMw mw.Middleware
	var obsExt *observability.MetricsExtension
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		metricsMw = mw.Metrics()
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	qopts := []queue.Option{
		queue.WithLogger(eng.logger),
		queue.WithExtensions(eng.extensions),
		queue.WithBackoff(eng.bo),
	}
	if eng.tracker != nil {
		qopts = append(qopts, queue.WithTracker(eng.tracker))
	}
	eng.queue = queue.New(b, qopts...)

	// recover → tracing → metrics → logging → timeout → user middleware.
	chain := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(),
	}
	chain = append(chain, eng.mws...)

	executor := worker.NewExecutor(eng.queue, eng.registry, eng.logger, chain...)
	eng.pool = worker.NewPool(eng.queue, executor, eng.logger, eng.poolOpts...)

	return eng, nil
}

// Register registers a typed job definition. Its options become the
// defaults for jobs enqueued under the same name.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
	eng.defaultsMu.Lock()
	eng.defaults[def.Name] = def.Opts
	eng.defaultsMu.Unlock()
}

// Enqueue JSON-encodes payload and enqueues a job under name.
func Enqueue[T any](ctx context.Context, eng *Engine, name string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w: %w", name, jobqueue.ErrSerialization, err)
	}
	return eng.EnqueueRaw(ctx, name, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload. Options are
// applied on top of the defaults of the registered definition, if any.
func (eng *Engine) EnqueueRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Job, error) {
	eng.defaultsMu.RLock()
	o, ok := eng.defaults[name]
	eng.defaultsMu.RUnlock()
	if !ok {
		o = job.DefaultOptions()
	}
	for _, opt := range opts {
		opt(&o)
	}

	j, err := job.NewWithOptions(name, payload, o)
	if err != nil {
		return nil, err
	}
	if _, err := eng.queue.Enqueue(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Start reconciles gauges with the backend and starts the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.queue.Ping(ctx); err != nil {
		return fmt.Errorf("engine: backend: %w", err)
	}
	if err := eng.queue.Reconcile(ctx); err != nil {
		eng.logger.Warn("failed to reconcile stats with backend",
			slog.String("error", err.Error()),
		)
	}
	return eng.pool.Start(ctx)
}

// Stop stops the pool, waiting at most the configured shutdown timeout
// (or ctx, whichever ends first), then notifies Shutdown extensions.
func (eng *Engine) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, eng.shutdownTimeout)
	defer cancel()

	err := eng.pool.Stop(ctx)
	eng.extensions.EmitShutdown(ctx)
	return err
}

// Close closes the backend. Call it after Stop.
func (eng *Engine) Close() error { return eng.queue.Close() }

// Queue returns the queue facade.
func (eng *Engine) Queue() *queue.Queue { return eng.queue }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Stats returns a snapshot of the queue statistics.
func (eng *Engine) Stats() stats.Snapshot { return eng.queue.Stats() }
