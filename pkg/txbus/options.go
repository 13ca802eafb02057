package txbus

import (
	"log/slog"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus/config"
	"github.com/pharmapos/txbus/pkg/txbus/event"
	"github.com/pharmapos/txbus/pkg/txbus/journal"
	"github.com/pharmapos/txbus/pkg/txbus/observability"
)

// Defaults used when no option overrides them.
const (
	DefaultEmitTimeout       = 5 * time.Second
	DefaultHistorySize       = 1000
	DefaultHistoryMaxAge     = time.Hour
	DefaultTransactionMaxAge = 30 * time.Minute
	DefaultSweepInterval     = time.Minute
)

// busConfig holds bus configuration.
type busConfig struct {
	logger            *slog.Logger
	metrics           observability.MetricsRecorder
	spans             observability.SpanManager
	metricsEnabled    bool
	tracingEnabled    bool
	emitTimeout       time.Duration
	historySize       int
	historyMaxAge     time.Duration
	transactionMaxAge time.Duration
	sweepInterval     time.Duration
	journal           journal.Store
	registry          *event.Registry
}

// defaultBusConfig returns the default bus configuration.
func defaultBusConfig() busConfig {
	return busConfig{
		logger:            slog.Default(),
		metrics:           observability.NoopMetrics{},
		spans:             observability.NoopSpanManager{},
		emitTimeout:       DefaultEmitTimeout,
		historySize:       DefaultHistorySize,
		historyMaxAge:     DefaultHistoryMaxAge,
		transactionMaxAge: DefaultTransactionMaxAge,
		sweepInterval:     DefaultSweepInterval,
		registry:          event.DefaultRegistry(),
	}
}

// Option configures a Bus.
type Option func(*busConfig)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *busConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics using the global meter provider.
func WithMetrics(enabled bool) Option {
	return func(c *busConfig) {
		c.metricsEnabled = enabled
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithMetricsRecorder sets a specific recorder and enables metrics.
func WithMetricsRecorder(m observability.MetricsRecorder) Option {
	return func(c *busConfig) {
		if m != nil {
			c.metrics = m
			c.metricsEnabled = true
		}
	}
}

// WithTracing enables OpenTelemetry tracing using the global tracer provider.
func WithTracing(enabled bool) Option {
	return func(c *busConfig) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// WithEmitTimeout sets the default listener budget per emission.
// Default: 5s
func WithEmitTimeout(d time.Duration) Option {
	return func(c *busConfig) {
		if d > 0 {
			c.emitTimeout = d
		}
	}
}

// WithHistorySize sets the capacity of the history ring buffer.
// Default: 1000
func WithHistorySize(n int) Option {
	return func(c *busConfig) {
		if n > 0 {
			c.historySize = n
		}
	}
}

// WithHistoryMaxAge sets how long history entries survive the periodic trim.
// Zero disables age-based trimming.
func WithHistoryMaxAge(d time.Duration) Option {
	return func(c *busConfig) {
		if d >= 0 {
			c.historyMaxAge = d
		}
	}
}

// WithTransactionMaxAge sets how long terminal transactions are kept
// before the periodic sweep deletes them. Zero disables the sweep.
func WithTransactionMaxAge(d time.Duration) Option {
	return func(c *busConfig) {
		if d >= 0 {
			c.transactionMaxAge = d
		}
	}
}

// WithSweepInterval sets the housekeeping period. Zero disables
// housekeeping entirely; callers then trim and clean up manually.
func WithSweepInterval(d time.Duration) Option {
	return func(c *busConfig) {
		if d >= 0 {
			c.sweepInterval = d
		}
	}
}

// WithJournal writes transactions and their rollback commands through to
// store so that Recover can compensate them after a crash.
func WithJournal(store journal.Store) Option {
	return func(c *busConfig) {
		c.journal = store
	}
}

// WithRegistry sets the schema registry used to decode journaled payloads.
// Default: event.DefaultRegistry().
func WithRegistry(r *event.Registry) Option {
	return func(c *busConfig) {
		if r != nil {
			c.registry = r
		}
	}
}

// OptionsFromConfig maps configuration keys to options:
//
//	emit_timeout         duration
//	history_size         int
//	history_max_age      duration
//	transaction_max_age  duration
//	sweep_interval       duration
//	metrics              bool
//	tracing              bool
//
// Missing keys keep their defaults.
func OptionsFromConfig(cfg config.Config) []Option {
	opts := []Option{
		WithEmitTimeout(cfg.Duration("emit_timeout", DefaultEmitTimeout)),
		WithHistorySize(cfg.Int("history_size", DefaultHistorySize)),
		WithHistoryMaxAge(cfg.Duration("history_max_age", DefaultHistoryMaxAge)),
		WithTransactionMaxAge(cfg.Duration("transaction_max_age", DefaultTransactionMaxAge)),
		WithSweepInterval(cfg.Duration("sweep_interval", DefaultSweepInterval)),
	}
	if cfg.Has("metrics") {
		opts = append(opts, WithMetrics(cfg.Bool("metrics", false)))
	}
	if cfg.Has("tracing") {
		opts = append(opts, WithTracing(cfg.Bool("tracing", false)))
	}
	return opts
}

// listenConfig holds per-listener options.
type listenConfig struct {
	priority int
	once     bool
	owner    string
}

// ListenOption configures a listener registration.
type ListenOption func(*listenConfig)

// WithPriority sets the listener priority. Higher runs first; equal
// priorities run in registration order. Default: 0
func WithPriority(p int) ListenOption {
	return func(c *listenConfig) {
		c.priority = p
	}
}

// WithOnce removes the listener after its first dispatch.
func WithOnce() ListenOption {
	return func(c *listenConfig) {
		c.once = true
	}
}

// WithOwner labels the collaborator that owns the listener. The label is
// copied into every ListenerResult and log line for the listener.
func WithOwner(owner string) ListenOption {
	return func(c *listenConfig) {
		c.owner = owner
	}
}

// emitConfig holds per-emission options.
type emitConfig struct {
	transactionID string
	rollbackData  any
	timeout       time.Duration
}

// EmitOption configures one emission.
type EmitOption func(*emitConfig)

// WithTransactionID attaches the emission to a transaction.
func WithTransactionID(id string) EmitOption {
	return func(c *emitConfig) {
		c.transactionID = id
	}
}

// WithRollbackData attaches data describing what a rollback of this step
// would undo. Together with WithTransactionID it arms automatic rollback
// when the emission times out.
func WithRollbackData(data any) EmitOption {
	return func(c *emitConfig) {
		c.rollbackData = data
	}
}

// WithTimeout overrides the bus emit timeout for one emission.
func WithTimeout(d time.Duration) EmitOption {
	return func(c *emitConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}
