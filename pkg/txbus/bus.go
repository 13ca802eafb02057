package txbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// Bus is an in-process event bus with transactional compensation.
// All methods are safe for concurrent use.
type Bus struct {
	cfg busConfig

	// Listener registry and middleware pipeline.
	mu          sync.RWMutex
	listeners   map[event.Kind][]*listener
	onceQueue   map[event.Kind][]*listener
	middlewares []Middleware
	seq         atomic.Uint64

	history *history

	txMu         sync.Mutex
	transactions map[string]*txState

	cleanupMu sync.Mutex
	cleanups  []cleanupTask

	counters counters

	// closing is set when Destroy starts, destroyed when it finishes.
	closing   atomic.Bool
	destroyed atomic.Bool

	stopCh    chan struct{}
	stopOnce  sync.Once
	sweepDone chan struct{}
}

// counters are the process-wide bus counters. They reset on Destroy.
type counters struct {
	eventsEmitted        atomic.Int64
	listenersRegistered  atomic.Int64
	transactionsCreated  atomic.Int64
	rollbacksExecuted    atomic.Int64
	commits              atomic.Int64
	eventsBlocked        atomic.Int64
	listenerFailures     atomic.Int64
	emitTimeouts         atomic.Int64
	compensationFailures atomic.Int64
}

func (c *counters) reset() {
	for _, v := range []*atomic.Int64{
		&c.eventsEmitted, &c.listenersRegistered, &c.transactionsCreated,
		&c.rollbacksExecuted, &c.commits, &c.eventsBlocked,
		&c.listenerFailures, &c.emitTimeouts, &c.compensationFailures,
	} {
		v.Store(0)
	}
}

// New creates a bus and starts its housekeeping loop (see
// WithSweepInterval). Call Destroy to stop it.
//
// Example:
//
//	bus := txbus.New(
//	    txbus.WithLogger(logger),
//	    txbus.WithEmitTimeout(2*time.Second),
//	)
//	defer bus.Destroy(context.Background())
func New(opts ...Option) *Bus {
	cfg := defaultBusConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bus{
		cfg:          cfg,
		listeners:    make(map[event.Kind][]*listener),
		onceQueue:    make(map[event.Kind][]*listener),
		history:      newHistory(cfg.historySize),
		transactions: make(map[string]*txState),
		stopCh:       make(chan struct{}),
	}

	if cfg.sweepInterval > 0 {
		b.sweepDone = make(chan struct{})
		go b.housekeeping(cfg.sweepInterval)
	}
	return b
}

// housekeeping periodically trims history and deletes old transactions.
func (b *Bus) housekeeping(interval time.Duration) {
	defer close(b.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Sweep()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) stopHousekeeping() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	if b.sweepDone != nil {
		<-b.sweepDone
	}
}

// Sweep runs one housekeeping pass: history entries older than the
// history max age are trimmed and terminal transactions older than the
// transaction max age are deleted. It returns both counts.
func (b *Bus) Sweep() (trimmed, removed int) {
	if b.cfg.historyMaxAge > 0 {
		trimmed = b.history.trim(time.Now().Add(-b.cfg.historyMaxAge))
	}
	if b.cfg.transactionMaxAge > 0 {
		removed = b.CleanupTransactions(b.cfg.transactionMaxAge)
	}
	if trimmed > 0 || removed > 0 {
		b.cfg.logger.Debug("housekeeping",
			"history_trimmed", trimmed,
			"transactions_removed", removed,
		)
	}
	return trimmed, removed
}

// Metrics is a snapshot of the bus counters.
type Metrics struct {
	EventsEmitted        int64 `json:"events_emitted"`
	ListenersRegistered  int64 `json:"listeners_registered"`
	TransactionsCreated  int64 `json:"transactions_created"`
	RollbacksExecuted    int64 `json:"rollbacks_executed"`
	Commits              int64 `json:"commits"`
	EventsBlocked        int64 `json:"events_blocked"`
	ListenerFailures     int64 `json:"listener_failures"`
	EmitTimeouts         int64 `json:"emit_timeouts"`
	CompensationFailures int64 `json:"compensation_failures"`
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	return Metrics{
		EventsEmitted:        b.counters.eventsEmitted.Load(),
		ListenersRegistered:  b.counters.listenersRegistered.Load(),
		TransactionsCreated:  b.counters.transactionsCreated.Load(),
		RollbacksExecuted:    b.counters.rollbacksExecuted.Load(),
		Commits:              b.counters.commits.Load(),
		EventsBlocked:        b.counters.eventsBlocked.Load(),
		ListenerFailures:     b.counters.listenerFailures.Load(),
		EmitTimeouts:         b.counters.emitTimeouts.Load(),
		CompensationFailures: b.counters.compensationFailures.Load(),
	}
}

// Health status values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthDestroyed = "destroyed"
)

// Health describes the bus state.
type Health struct {
	IsHealthy          bool    `json:"is_healthy"`
	Status             string  `json:"status"`
	Metrics            Metrics `json:"metrics"`
	ActiveTransactions int     `json:"active_transactions"`
	HistorySize        int     `json:"history_size"`
	Listeners          int     `json:"listeners"`
}

// Health reports the bus state. A bus that has seen emit timeouts or
// failed compensations is degraded but still usable.
func (b *Bus) Health() Health {
	m := b.Metrics()
	h := Health{
		Metrics:            m,
		ActiveTransactions: len(b.activeTransactionIDs()),
		HistorySize:        b.history.len(),
		Listeners:          b.listenerTotal(),
	}

	switch {
	case b.closing.Load():
		h.Status = HealthDestroyed
	case m.EmitTimeouts > 0 || m.CompensationFailures > 0:
		h.Status = HealthDegraded
		h.IsHealthy = true
	default:
		h.Status = HealthHealthy
		h.IsHealthy = true
	}
	return h
}

// CounterStats returns the monotonic counters by name, for
// observability.NewPrometheusCollector. Destroy resets the counters, so a
// destroyed bus returns nil and its _total series stop being exported
// instead of going down.
func (b *Bus) CounterStats() map[string]float64 {
	if b.destroyed.Load() {
		return nil
	}
	m := b.Metrics()
	return map[string]float64{
		"events_emitted":        float64(m.EventsEmitted),
		"listeners_registered":  float64(m.ListenersRegistered),
		"transactions_created":  float64(m.TransactionsCreated),
		"rollbacks_executed":    float64(m.RollbacksExecuted),
		"commits":               float64(m.Commits),
		"events_blocked":        float64(m.EventsBlocked),
		"listener_failures":     float64(m.ListenerFailures),
		"emit_timeouts":         float64(m.EmitTimeouts),
		"compensation_failures": float64(m.CompensationFailures),
	}
}

// GaugeStats returns point-in-time sizes by name, for
// observability.NewPrometheusCollector.
func (b *Bus) GaugeStats() map[string]float64 {
	h := b.Health()
	healthy := 0.0
	if h.IsHealthy {
		healthy = 1
	}
	return map[string]float64{
		"active_transactions": float64(h.ActiveTransactions),
		"history_size":        float64(h.HistorySize),
		"listeners":           float64(h.Listeners),
		"healthy":             healthy,
	}
}
