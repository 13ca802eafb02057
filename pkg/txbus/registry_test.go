package txbus_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/event"
)

func TestOn_PriorityOrder(t *testing.T) {
	bus := newTestBus(t)
	var log callLog

	bus.On(event.StockReduced, log.record("low"), txbus.WithPriority(1))
	bus.On(event.StockReduced, log.record("high"), txbus.WithPriority(5))
	bus.On(event.StockReduced, log.record("negative"), txbus.WithPriority(-3))

	res, err := bus.Emit(context.Background(), event.StockReduced, event.StockMovement{ProductID: "P"})
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, []string{"high", "low", "negative"}, log.all())
	assert.Equal(t, 3, res.ListenersExecuted)
}

func TestOn_TiesKeepRegistrationOrder(t *testing.T) {
	bus := newTestBus(t)
	var log callLog

	bus.On(event.SaleCompleted, log.record("first"))
	bus.Once(event.SaleCompleted, log.record("second"))
	bus.On(event.SaleCompleted, log.record("third"))

	_, err := bus.Emit(context.Background(), event.SaleCompleted, event.SaleCompletedPayload{})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second", "third"}, log.all())
}

func TestOn_LaterListenerSeesEarlierEffects(t *testing.T) {
	bus := newTestBus(t)
	stock := 10

	bus.On(event.StockReduced, func(_ context.Context, _ *event.Event) (any, error) {
		stock -= 2
		return nil, nil
	}, txbus.WithPriority(2))
	bus.On(event.StockReduced, func(_ context.Context, _ *event.Event) (any, error) {
		return stock, nil
	}, txbus.WithPriority(1))

	res, err := bus.Emit(context.Background(), event.StockReduced, nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, 8, res.Results[1].Result)
}

func TestOnce_FiresExactlyOnce(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		bus := newTestBus(t)
		calls := 0
		bus.Once(event.TillOpened, func(_ context.Context, _ *event.Event) (any, error) {
			calls++
			return nil, nil
		})

		for i := 0; i < n; i++ {
			_, err := bus.Emit(context.Background(), event.TillOpened, event.TillEvent{TillID: "T1"})
			require.NoError(t, err)
		}

		assert.Equal(t, 1, calls, "n=%d", n)
		assert.Equal(t, 0, bus.ListenerCount(event.TillOpened), "n=%d", n)
	}
}

func TestOnce_SurvivesTimedOutEmission(t *testing.T) {
	bus := newTestBus(t)
	var slow atomic.Bool
	slow.Store(true)
	var calls atomic.Int32

	bus.On(event.TillOpened, func(ctx context.Context, _ *event.Event) (any, error) {
		if slow.Load() {
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
		}
		return nil, nil
	}, txbus.WithPriority(10))
	bus.Once(event.TillOpened, func(_ context.Context, _ *event.Event) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	_, err := bus.Emit(context.Background(), event.TillOpened, event.TillEvent{TillID: "T1"},
		txbus.WithTimeout(10*time.Millisecond))
	require.ErrorIs(t, err, txbus.ErrEmitTimeout)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 2, bus.ListenerCount(event.TillOpened), "unstarted one-shot listener is queued again")

	slow.Store(false)
	for i := 0; i < 3; i++ {
		_, err := bus.Emit(context.Background(), event.TillOpened, event.TillEvent{TillID: "T1"},
			txbus.WithTimeout(time.Second))
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, bus.ListenerCount(event.TillOpened))
}

func TestOnce_ConcurrentEmissionsClaimOnce(t *testing.T) {
	bus := newTestBus(t)

	var mu sync.Mutex
	calls := 0
	for i := 0; i < 10; i++ {
		bus.Once(event.StockReserved, func(_ context.Context, _ *event.Event) (any, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, nil
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = bus.Emit(context.Background(), event.StockReserved, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, calls)
	assert.Equal(t, 0, bus.ListenerCount(event.StockReserved))
}

func TestOnce_ListenerCannotRetriggerItself(t *testing.T) {
	bus := newTestBus(t)
	calls := 0

	bus.Once(event.StockReleased, func(ctx context.Context, _ *event.Event) (any, error) {
		calls++
		// Re-entrant emission of the same kind
		_, err := bus.Emit(ctx, event.StockReleased, nil)
		return nil, err
	})

	res, err := bus.Emit(context.Background(), event.StockReleased, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Failed())
	assert.Equal(t, 1, calls)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(t)
	var log callLog

	unsub := bus.On(event.BatchAdded, log.record("a"))
	bus.On(event.BatchAdded, log.record("b"))
	require.Equal(t, 2, bus.ListenerCount(event.BatchAdded))

	assert.True(t, unsub())
	assert.False(t, unsub(), "second unsubscribe is a no-op")

	_, err := bus.Emit(context.Background(), event.BatchAdded, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, log.all())
}

func TestOff(t *testing.T) {
	bus := newTestBus(t)

	bus.On(event.TillClosed, func(_ context.Context, _ *event.Event) (any, error) { return nil, nil }, txbus.WithOwner("till"))
	bus.Once(event.TillClosed, func(_ context.Context, _ *event.Event) (any, error) { return nil, nil })

	infos := bus.Listeners(event.TillClosed)
	require.Len(t, infos, 2)
	assert.Equal(t, "till", infos[0].Owner)
	assert.True(t, infos[1].Once)

	t.Run("removes one-shot listener", func(t *testing.T) {
		assert.True(t, bus.Off(event.TillClosed, infos[1].ID))
		assert.Equal(t, 1, bus.ListenerCount(event.TillClosed))
	})

	t.Run("removes persistent listener and bucket", func(t *testing.T) {
		assert.True(t, bus.Off(event.TillClosed, infos[0].ID))
		assert.Equal(t, 0, bus.ListenerCount(event.TillClosed))
		assert.Empty(t, bus.Listeners(event.TillClosed))
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.False(t, bus.Off(event.TillClosed, "missing"))
		assert.False(t, bus.Off(event.TillOpened, "missing"))
	})
}

func TestOn_UnknownKindIgnored(t *testing.T) {
	bus := newTestBus(t)

	unsub := bus.On(event.Kind("stock.teleported"), func(_ context.Context, _ *event.Event) (any, error) { return nil, nil })
	assert.False(t, unsub())
	assert.Equal(t, 0, bus.ListenerCount(event.Kind("stock.teleported")))
}

func TestOn_OwnerInResults(t *testing.T) {
	bus := newTestBus(t)
	bus.On(event.CustomerBalanceCharged, func(_ context.Context, _ *event.Event) (any, error) {
		return "ok", nil
	}, txbus.WithOwner("customers"))

	res, err := bus.Emit(context.Background(), event.CustomerBalanceCharged, event.BalanceChange{CustomerID: "C1", Amount: 500})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "customers", res.Results[0].Owner)
	assert.Equal(t, "ok", res.Results[0].Result)
	assert.NotEmpty(t, res.Results[0].ListenerID)
}
