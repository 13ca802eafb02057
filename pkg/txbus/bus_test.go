package txbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/config"
	"github.com/pharmapos/txbus/pkg/txbus/event"
	"github.com/pharmapos/txbus/pkg/txbus/observability"
)

func TestMetrics(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	bus.On(event.StockReduced, func(context.Context, *event.Event) (any, error) { return nil, assert.AnError })
	bus.Use(func(_ context.Context, evt *event.Event) error {
		if evt.Kind == event.TillClosed {
			return txbus.ErrBlocked
		}
		return nil
	})

	_, err := bus.Emit(ctx, event.StockReduced, nil)
	require.NoError(t, err)
	_, err = bus.Emit(ctx, event.TillClosed, nil)
	require.NoError(t, err)

	txID, err := bus.StartTransaction("")
	require.NoError(t, err)
	_, err = bus.CommitTransaction(ctx, txID)
	require.NoError(t, err)

	m := bus.Metrics()
	assert.Equal(t, int64(1), m.ListenersRegistered)
	// stock.reduced plus transaction.commit
	assert.Equal(t, int64(2), m.EventsEmitted)
	assert.Equal(t, int64(1), m.EventsBlocked)
	assert.Equal(t, int64(1), m.ListenerFailures)
	assert.Equal(t, int64(1), m.TransactionsCreated)
	assert.Equal(t, int64(1), m.Commits)
	assert.Equal(t, int64(0), m.RollbacksExecuted)
}

func TestHealth(t *testing.T) {
	bus := newTestBus(t)
	bus.On(event.SaleCompleted, func(context.Context, *event.Event) (any, error) { return nil, nil })

	_, err := bus.StartTransaction("")
	require.NoError(t, err)
	_, err = bus.Emit(context.Background(), event.SaleCompleted, nil)
	require.NoError(t, err)

	h := bus.Health()
	assert.True(t, h.IsHealthy)
	assert.Equal(t, txbus.HealthHealthy, h.Status)
	assert.Equal(t, 1, h.ActiveTransactions)
	assert.Equal(t, 1, h.HistorySize)
	assert.Equal(t, 1, h.Listeners)
	assert.Equal(t, int64(1), h.Metrics.EventsEmitted)
}

func TestSweep(t *testing.T) {
	bus := newTestBus(t,
		txbus.WithHistoryMaxAge(time.Millisecond),
		txbus.WithTransactionMaxAge(time.Millisecond),
	)
	ctx := context.Background()

	_, err := bus.Emit(ctx, event.TillOpened, nil)
	require.NoError(t, err)

	done, err := bus.StartTransaction("")
	require.NoError(t, err)
	_, err = bus.CommitTransaction(ctx, done)
	require.NoError(t, err)

	open, err := bus.StartTransaction("")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	trimmed, removed := bus.Sweep()
	// till.opened plus transaction.commit
	assert.Equal(t, 2, trimmed)
	assert.Equal(t, 1, removed)
	assert.NotNil(t, bus.Transaction(open))
	assert.Nil(t, bus.Transaction(done))
}

func TestHousekeepingLoop(t *testing.T) {
	bus := newTestBus(t,
		txbus.WithSweepInterval(5*time.Millisecond),
		txbus.WithTransactionMaxAge(time.Millisecond),
	)

	txID, err := bus.StartTransaction("")
	require.NoError(t, err)
	_, err = bus.RollbackTransaction(context.Background(), txID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return bus.Transaction(txID) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
emit_timeout: 10ms
history_size: 2
sweep_interval: 0s
`))
	require.NoError(t, err)

	bus := newTestBus(t, append(txbus.OptionsFromConfig(cfg), txbus.WithLogger(quietLogger()))...)
	ctx := context.Background()

	for range 3 {
		_, err := bus.Emit(ctx, event.TillCashCounted, nil)
		require.NoError(t, err)
	}
	assert.Len(t, bus.History(txbus.HistoryFilter{}), 2)

	bus.On(event.TillClosed, func(ctx context.Context, _ *event.Event) (any, error) {
		<-ctx.Done()
		return nil, nil
	})
	_, err = bus.Emit(ctx, event.TillClosed, nil)

	var terr *txbus.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 10*time.Millisecond, terr.Timeout)
}

func TestPrometheusWiring(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.Emit(context.Background(), event.StockReserved, nil)
	require.NoError(t, err)
	_, err = bus.StartTransaction("")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(observability.NewPrometheusCollector("pos", bus.CounterStats, bus.GaugeStats))

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, values["pos_events_emitted_total"])
	assert.Equal(t, 1.0, values["pos_transactions_created_total"])
	assert.Equal(t, 1.0, values["pos_active_transactions"])
	assert.Equal(t, 1.0, values["pos_healthy"])
}

func TestPrometheusWiring_AfterDestroy(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.Emit(context.Background(), event.StockReserved, nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(observability.NewPrometheusCollector("pos", bus.CounterStats, bus.GaugeStats))

	_, err = bus.Destroy(context.Background())
	require.NoError(t, err)
	assert.Zero(t, bus.Metrics().EventsEmitted, "Destroy resets the counters")
	assert.Nil(t, bus.CounterStats())

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		assert.NotContains(t, mf.GetName(), "_total", "counter exported after destroy")
	}
}
