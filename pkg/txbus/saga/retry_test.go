package saga_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/config"
	"github.com/pharmapos/txbus/pkg/txbus/saga"
)

func TestRetryPolicy_Do(t *testing.T) {
	fast := saga.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 2}
	transient := errors.New("transient")

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		attempts, err := fast.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up", func(t *testing.T) {
		attempts, err := fast.Do(context.Background(), func(context.Context) error { return transient })
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 3, attempts)
	})

	t.Run("not retryable", func(t *testing.T) {
		attempts, err := fast.Do(context.Background(), func(context.Context) error { return txbus.ErrBusDestroyed })
		assert.ErrorIs(t, err, txbus.ErrBusDestroyed)
		assert.Equal(t, 1, attempts)
	})

	t.Run("custom retryable", func(t *testing.T) {
		p := fast
		p.Retryable = func(error) bool { return false }
		attempts, _ := p.Do(context.Background(), func(context.Context) error { return transient })
		assert.Equal(t, 1, attempts)
	})

	t.Run("zero attempts runs once", func(t *testing.T) {
		attempts, err := saga.RetryPolicy{}.Do(context.Background(), func(context.Context) error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled during backoff", func(t *testing.T) {
		slow := saga.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		attempts, err := slow.Do(ctx, func(context.Context) error { return transient })
		assert.ErrorIs(t, err, transient)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})

	t.Run("cancelled before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		attempts, err := fast.Do(ctx, func(context.Context) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, attempts)
	})
}

func TestRetryFromConfig(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
saga:
  retry_attempts: 5
  retry_backoff: 10ms
  retry_jitter: 0
`))
	if err != nil {
		t.Fatal(err)
	}

	p := saga.RetryFromConfig(cfg.Section("saga"))
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, saga.DefaultRetry.MaxBackoff, p.MaxBackoff)
	assert.Equal(t, saga.DefaultRetry.BackoffFactor, p.BackoffFactor)
	assert.Zero(t, p.Jitter)

	assert.Equal(t, saga.NoRetry.MaxAttempts, saga.RetryFromConfig(cfg.Section("missing")).MaxAttempts)
}
