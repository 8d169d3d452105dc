package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskhub/dispatch"
	"github.com/taskhub/dispatch/arbiter"
	"github.com/taskhub/dispatch/availability"
	"github.com/taskhub/dispatch/backoff"
	"github.com/taskhub/dispatch/broadcast"
	"github.com/taskhub/dispatch/delivery"
	"github.com/taskhub/dispatch/eta"
	"github.com/taskhub/dispatch/ext"
	"github.com/taskhub/dispatch/limiter"
	mw "github.com/taskhub/dispatch/middleware"
	"github.com/taskhub/dispatch/notify"
	"github.com/taskhub/dispatch/observability"
	"github.com/taskhub/dispatch/offer"
	"github.com/taskhub/dispatch/request"
	"github.com/taskhub/dispatch/stream"
	"github.com/taskhub/dispatch/sweep"
)

// Store is the persistence the engine runs on. store.Store satisfies it;
// availability may live in a separate backend (see WithAvailabilityStore).
type Store interface {
	request.Store
	offer.Store
	arbiter.Store

	Ping(ctx context.Context) error
	Close() error
}

// Engine is the matching engine. Create one with New.
type Engine struct {
	cfg    dispatch.Config
	logger *slog.Logger
	now    func() time.Time

	store        Store
	availStore   availability.Store
	extensions   *ext.Registry
	registry     *availability.Registry
	arbiter      *arbiter.Arbiter
	broadcaster  *broadcast.Broadcaster
	deliverer    *delivery.Deliverer
	estimator    *eta.Estimator
	sweeper      *sweep.Sweeper
	broker       *stream.Broker
	limits       *limiter.Manager
	sender       notify.Sender
	exts         []ext.Extension
	mws          []mw.Middleware
	bo           backoff.Strategy
	brokerOpts   []stream.BrokerOption
	withoutStats bool

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. It is required.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithAvailabilityStore keeps doer availability in a separate backend,
// such as the Redis GEO store, while requests and offers stay in the main
// store. By default the main store must implement availability.Store.
func WithAvailabilityStore(s availability.Store) Option {
	return func(e *Engine) { e.availStore = s }
}

// WithConfig sets the matching tunables.
func WithConfig(cfg dispatch.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source of the arbiter, broadcaster,
// registry and sweeper.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithExtension registers a lifecycle extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.exts = append(e.exts, x) }
}

// WithMiddleware adds middleware to the notification delivery chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithBackoff sets the delivery retry strategy. If not set,
// backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithSender delivers offer notifications through s instead of the
// built-in stream broker, for example a push provider. Lifecycle events
// still reach stream subscribers.
func WithSender(s notify.Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// WithBrokerOptions configures the built-in stream broker.
func WithBrokerOptions(opts ...stream.BrokerOption) Option {
	return func(e *Engine) { e.brokerOpts = append(e.brokerOpts, opts...) }
}

// WithoutMetricsExtension skips the observability extension that is
// otherwise registered by default.
func WithoutMetricsExtension() Option {
	return func(e *Engine) { e.withoutStats = true }
}

// WithTracerProvider sets a custom OTel TracerProvider for delivery
// tracing. If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both the
// delivery metrics middleware and the observability extension use it.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New builds an Engine from options. WithStore is required.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    dispatch.DefaultConfig(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		return nil, dispatch.ErrNoStore
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.availStore == nil {
		as, ok := e.store.(availability.Store)
		if !ok {
			return nil, fmt.Errorf("dispatch/engine: store does not implement availability.Store")
		}
		e.availStore = as
	}
	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}

	// Extensions: the stream broker first so realtime subscribers see
	// events before slower extensions run.
	e.extensions = ext.NewRegistry(e.logger)
	e.broker = stream.NewBroker(e.logger, e.brokerOpts...)
	e.extensions.Register(e.broker)
	if !e.withoutStats {
		e.extensions.Register(e.metricsExtension())
	}
	for _, x := range e.exts {
		e.extensions.Register(x)
	}

	if e.sender == nil {
		e.sender = e.broker
	}
	e.deliverer = delivery.New(e.sender,
		delivery.WithMiddleware(e.middlewares()...),
		delivery.WithBackoff(e.bo),
		delivery.WithAttempts(e.cfg.DeliveryAttempts),
		delivery.WithConcurrency(e.cfg.DeliveryConcurrency),
		delivery.WithLogger(e.logger),
	)

	e.registry = availability.NewRegistry(e.availStore,
		availability.WithTTL(e.cfg.HeartbeatTTL),
		availability.WithPurgeInterval(e.cfg.AvailabilityPurgeInterval),
		availability.WithLogger(e.logger),
		availability.WithClock(e.now),
	)
	e.arbiter = arbiter.New(e.store,
		arbiter.WithLogger(e.logger),
		arbiter.WithClock(e.now),
	)
	e.broadcaster = broadcast.New(e.store, e.registry, e.deliverer,
		broadcast.WithConfig(e.cfg),
		broadcast.WithLogger(e.logger),
		broadcast.WithClock(e.now),
	)
	e.estimator = eta.New(e.cfg)
	e.limits = limiter.New(limiter.FromConfig(e.cfg))

	sw, err := sweep.New(e.store, e,
		sweep.WithSchedule(e.cfg.SweepSchedule),
		sweep.WithLogger(e.logger),
		sweep.WithClock(e.now),
	)
	if err != nil {
		return nil, err
	}
	e.sweeper = sw

	return e, nil
}

func (e *Engine) metricsExtension() *observability.MetricsExtension {
	if e.meterProvider != nil {
		return observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter("github.com/taskhub/dispatch/observability"))
	}
	return observability.NewMetricsExtension()
}

// middlewares builds the default delivery stack: recover → tracing →
// metrics → logging → timeout, followed by user middleware.
func (e *Engine) middlewares() []mw.Middleware {
	tracingMw := mw.Tracing()
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer("github.com/taskhub/dispatch"))
	}
	metricsMw := mw.Metrics()
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter("github.com/taskhub/dispatch"))
	}

	out := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(),
	}
	return append(out, e.mws...)
}

// Start launches the availability purge loop and the expiry sweeper, and
// re-arms the deadlines of requests that were searching when the process
// last stopped.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("dispatch/engine: ping store: %w", err)
	}
	if err := e.rearm(ctx); err != nil {
		e.logger.Warn("failed to re-arm deadlines", slog.String("error", err.Error()))
	}
	if err := e.registry.Start(ctx); err != nil {
		return fmt.Errorf("dispatch/engine: start availability registry: %w", err)
	}
	if err := e.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("dispatch/engine: start sweeper: %w", err)
	}
	e.logger.Info("dispatch engine started")
	return nil
}

// Stop shuts the engine down: timers and loops first, then extensions,
// then the store.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.sweeper.Stop(ctx); err != nil {
		e.logger.Error("sweeper stop error", slog.String("error", err.Error()))
	}
	if err := e.registry.Stop(ctx); err != nil {
		e.logger.Error("availability registry stop error", slog.String("error", err.Error()))
	}
	e.extensions.EmitShutdown(ctx)
	return e.store.Close()
}

// Ping checks the store.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

// Config returns a copy of the engine configuration.
func (e *Engine) Config() dispatch.Config { return e.cfg }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Broker returns the realtime stream broker.
func (e *Engine) Broker() *stream.Broker { return e.broker }

// Availability returns the availability registry.
func (e *Engine) Availability() *availability.Registry { return e.registry }

// Sweeper returns the expiry sweeper.
func (e *Engine) Sweeper() *sweep.Sweeper { return e.sweeper }

// Limiter returns the per-giver limiter.
func (e *Engine) Limiter() *limiter.Manager { return e.limits }
