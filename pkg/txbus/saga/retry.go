package saga

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/config"
)

// RetryPolicy configures how often a failing compensation is attempted.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the wait after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied to backoff after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// Retryable optionally overrides the default retryability check,
	// which retries everything except context cancellation and a
	// destroyed bus.
	Retryable func(error) bool
}

// NoRetry attempts a compensation once.
var NoRetry = RetryPolicy{
	MaxAttempts: 1,
}

// DefaultRetry suits compensations whose listeners talk to a local store.
var DefaultRetry = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// RetryFromConfig reads a policy from a saga config section:
//
//	retry_attempts     int
//	retry_backoff      duration
//	retry_max_backoff  duration
//	retry_factor       float
//	retry_jitter       float
//
// Missing keys keep DefaultRetry's values. An empty section yields NoRetry.
func RetryFromConfig(cfg config.Config) RetryPolicy {
	if len(cfg.Keys()) == 0 {
		return NoRetry
	}
	return RetryPolicy{
		MaxAttempts:    cfg.Int("retry_attempts", DefaultRetry.MaxAttempts),
		InitialBackoff: cfg.Duration("retry_backoff", DefaultRetry.InitialBackoff),
		MaxBackoff:     cfg.Duration("retry_max_backoff", DefaultRetry.MaxBackoff),
		BackoffFactor:  cfg.Float("retry_factor", DefaultRetry.BackoffFactor),
		Jitter:         cfg.Float("retry_jitter", DefaultRetry.Jitter),
	}
}

func defaultRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, txbus.ErrBusDestroyed)
}

// Do runs fn until it succeeds, the attempts are used up, the error is not
// retryable or ctx is done. It returns the number of attempts made and the
// last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	isRetryable := p.Retryable
	if isRetryable == nil {
		isRetryable = defaultRetryable
	}

	backoff := p.InitialBackoff
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, errors.Join(lastErr, err)
			}
			return attempt, err
		}

		lastErr = fn(ctx)
		if lastErr == nil || !isRetryable(lastErr) {
			return attempt + 1, lastErr
		}

		// Don't sleep after the last attempt
		if attempt < maxAttempts-1 {
			timer := time.NewTimer(calculateBackoff(backoff, p.Jitter))
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt + 1, errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}

			if p.BackoffFactor > 0 {
				backoff = time.Duration(float64(backoff) * p.BackoffFactor)
			}
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}
	return maxAttempts, lastErr
}

// wrap returns a compensation decorator that applies the policy.
func (p RetryPolicy) wrap(logger *slog.Logger, step string) func(txbus.Compensation) txbus.Compensation {
	if p.MaxAttempts <= 1 {
		return nil
	}
	return func(fn txbus.Compensation) txbus.Compensation {
		return func(ctx context.Context) error {
			attempts, err := p.Do(ctx, func(ctx context.Context) error {
				return fn(ctx)
			})
			if attempts > 1 {
				logger.Warn("compensation retried",
					"step", step,
					"attempts", attempts,
					"success", err == nil,
				)
			}
			return err
		}
	}
}

// calculateBackoff returns the backoff duration with jitter applied.
func calculateBackoff(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}

	// base +/- (base * jitter * random)
	jitterAmount := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + jitterAmount)
}
