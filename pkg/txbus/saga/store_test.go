package saga_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/txbus/pkg/txbus/event"
	"github.com/pharmapos/txbus/pkg/txbus/saga"
)

func TestMemoryStore_CreateUpdateGet(t *testing.T) {
	store := saga.NewMemoryStore()
	ctx := context.Background()

	exec := &saga.Execution{
		ID:            "saga-1",
		SagaName:      "sale",
		TransactionID: "tx-1",
		Status:        saga.StatusRunning,
		StartedAt:     time.Now(),
	}

	assert.ErrorIs(t, store.Update(ctx, exec), saga.ErrExecutionNotFound)
	require.NoError(t, store.Create(ctx, exec))
	assert.ErrorIs(t, store.Create(ctx, exec), saga.ErrExecutionExists)
	assert.Error(t, store.Create(ctx, &saga.Execution{}), "missing id")

	exec.Status = saga.StatusCompleted
	require.NoError(t, store.Update(ctx, exec))

	got, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, got.Status)

	// Returned executions are copies
	got.Status = saga.StatusFailed
	again, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, again.Status)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, saga.ErrExecutionNotFound)
}

func TestMemoryStore_List(t *testing.T) {
	store := saga.NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	// Inserted out of order to check sorting
	for _, i := range []int{3, 1, 5, 2, 4} {
		status := saga.StatusCompleted
		if i <= 3 {
			status = saga.StatusCompensated
		}
		name := "sale"
		if i == 5 {
			name = "refund"
		}
		require.NoError(t, store.Create(ctx, &saga.Execution{
			ID:            fmt.Sprintf("saga-%d", i),
			SagaName:      name,
			TransactionID: fmt.Sprintf("tx-%d", i),
			Status:        status,
			StartedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	ids := func(execs []*saga.Execution) []string {
		out := make([]string, len(execs))
		for i, e := range execs {
			out[i] = e.ID
		}
		return out
	}

	tests := []struct {
		name   string
		filter *saga.ListFilter
		want   []string
	}{
		{"all", nil, []string{"saga-1", "saga-2", "saga-3", "saga-4", "saga-5"}},
		{"by status", &saga.ListFilter{Status: saga.StatusCompensated}, []string{"saga-1", "saga-2", "saga-3"}},
		{"by name", &saga.ListFilter{SagaName: "refund"}, []string{"saga-5"}},
		{"by transaction", &saga.ListFilter{TransactionID: "tx-4"}, []string{"saga-4"}},
		{"limit", &saga.ListFilter{Limit: 2}, []string{"saga-1", "saga-2"}},
		{"offset", &saga.ListFilter{Offset: 3}, []string{"saga-4", "saga-5"}},
		{"offset beyond", &saga.ListFilter{Offset: 10}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	store := saga.NewMemoryStore()
	ctx := context.Background()

	assert.ErrorIs(t, store.Delete(ctx, "missing"), saga.ErrExecutionNotFound)

	require.NoError(t, store.Create(ctx, &saga.Execution{ID: "saga-1"}))
	require.NoError(t, store.Delete(ctx, "saga-1"))

	_, err := store.Get(ctx, "saga-1")
	assert.ErrorIs(t, err, saga.ErrExecutionNotFound)
}

func TestMemoryStore_UpdateKeepsStartOrder(t *testing.T) {
	store := saga.NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Create(ctx, &saga.Execution{
			ID:            fmt.Sprintf("saga-%d", i),
			TransactionID: fmt.Sprintf("tx-%d", i),
			Status:        saga.StatusRunning,
			StartedAt:     base.Add(time.Duration(i) * time.Second),
		}))
	}

	// Updating the middle run must not move it or duplicate it
	require.NoError(t, store.Update(ctx, &saga.Execution{
		ID:            "saga-2",
		TransactionID: "tx-2",
		Status:        saga.StatusCompleted,
		StartedAt:     base.Add(2 * time.Second),
	}))

	all, err := store.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "saga-2", all[1].ID)
	assert.Equal(t, saga.StatusCompleted, all[1].Status)

	since, err := store.List(ctx, &saga.ListFilter{Since: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "saga-2", since[0].ID)
}

func TestMemoryStore_ByTransaction(t *testing.T) {
	store := saga.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &saga.Execution{ID: "saga-1", TransactionID: "tx-1"}))

	got, err := store.ByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "saga-1", got.ID)

	require.NoError(t, store.Delete(ctx, "saga-1"))
	_, err = store.ByTransaction(ctx, "tx-1")
	assert.ErrorIs(t, err, saga.ErrExecutionNotFound)
}

func TestMemoryStore_Prune(t *testing.T) {
	store := saga.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	runs := []*saga.Execution{
		{ID: "old-done", Status: saga.StatusCompleted, StartedAt: now.Add(-3 * time.Hour), FinishedAt: now.Add(-2 * time.Hour)},
		{ID: "old-running", Status: saga.StatusRunning, StartedAt: now.Add(-3 * time.Hour)},
		{ID: "recent-done", Status: saga.StatusCompensated, StartedAt: now.Add(-time.Minute), FinishedAt: now},
	}
	for _, r := range runs {
		require.NoError(t, store.Create(ctx, r))
	}

	n, err := store.Prune(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := store.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "old-running", left[0].ID)
	assert.Equal(t, "recent-done", left[1].ID)

	_, err = store.Get(ctx, "old-done")
	assert.ErrorIs(t, err, saga.ErrExecutionNotFound)
}

func TestRunner_Prune(t *testing.T) {
	bus := newBus(t)
	runner := newRunner(bus)

	exec, err := runner.Run(context.Background(), threeSteps())
	require.NoError(t, err)

	n, err := runner.Prune(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "run is too recent")

	n, err = runner.Prune(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, runner.Execution(exec.ID))
}

func TestRunner_WithStore(t *testing.T) {
	store := saga.NewMemoryStore()
	bus := newBus(t)
	failOn(bus, event.SaleCompleted, errors.New("boom"))
	runner := newRunner(bus, saga.WithStore(store))

	exec, err := runner.Run(context.Background(), threeSteps())
	require.Error(t, err)

	persisted, err := store.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, persisted.Status)
	assert.Equal(t, exec.TransactionID, persisted.TransactionID)
	assert.Equal(t, saga.StatusFailed, persisted.Steps[2].Status)
}
