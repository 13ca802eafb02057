package txbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// Middleware gates an emission before any listener runs. Returning nil
// allows the event. Returning ErrBlocked, returning any other error, or
// panicking all veto it the same way: Emit reports an unsuccessful
// EmitResult whose Err is a *MiddlewareError, and no listener runs.
//
// Middlewares may see the same event again if a caller retries an
// emission, so they must be safe to re-run.
type Middleware func(ctx context.Context, evt *event.Event) error

// Use appends a middleware. Middlewares run in registration order.
func (b *Bus) Use(mw Middleware) {
	if mw == nil || b.closing.Load() {
		return
	}
	b.mu.Lock()
	b.middlewares = append(b.middlewares, mw)
	b.mu.Unlock()
}

// runMiddlewares returns the first veto, or nil.
func (b *Bus) runMiddlewares(ctx context.Context, evt *event.Event) *MiddlewareError {
	b.mu.RLock()
	mws := b.middlewares
	b.mu.RUnlock()

	for i, mw := range mws {
		if mwErr := callMiddleware(ctx, i, mw, evt); mwErr != nil {
			return mwErr
		}
	}
	return nil
}

func callMiddleware(ctx context.Context, index int, mw Middleware, evt *event.Event) (mwErr *MiddlewareError) {
	defer func() {
		if r := recover(); r != nil {
			mwErr = &MiddlewareError{EventID: evt.ID, Kind: evt.Kind, Index: index, Panic: r}
		}
	}()

	if err := mw(ctx, evt); err != nil {
		return &MiddlewareError{EventID: evt.ID, Kind: evt.Kind, Index: index, Err: err}
	}
	return nil
}

// AuditMiddleware logs every emission before dispatch. It never vetoes.
func AuditMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, evt *event.Event) error {
		logger.InfoContext(ctx, "event audit",
			"event_id", evt.ID,
			"kind", string(evt.Kind),
			"transaction_id", evt.TransactionID,
		)
		return nil
	}
}

// SlowEventMiddleware warns when an event's listeners are still running
// after threshold. It never vetoes.
func SlowEventMiddleware(logger *slog.Logger, threshold time.Duration) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, evt *event.Event) error {
		done := evt.Done()
		if done == nil || threshold <= 0 {
			return nil
		}
		start := time.Now()
		go func() {
			timer := time.NewTimer(threshold)
			defer timer.Stop()

			select {
			case <-done:
				return
			case <-timer.C:
			}
			logger.Warn("slow event",
				"event_id", evt.ID,
				"kind", string(evt.Kind),
				"transaction_id", evt.TransactionID,
				"threshold", threshold,
			)

			<-done
			logger.Warn("slow event finished",
				"event_id", evt.ID,
				"kind", string(evt.Kind),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}()
		return nil
	}
}

// Authorizer decides whether an event may be dispatched.
type Authorizer interface {
	Authorize(ctx context.Context, evt *event.Event) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, evt *event.Event) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, evt *event.Event) error {
	return f(ctx, evt)
}

// AuthorizationMiddleware vetoes events the authorizer rejects.
// Lifecycle events are never checked.
func AuthorizationMiddleware(auth Authorizer) Middleware {
	return func(ctx context.Context, evt *event.Event) error {
		if evt.Kind.IsLifecycle() {
			return nil
		}
		if err := auth.Authorize(ctx, evt); err != nil {
			return fmt.Errorf("unauthorized %s: %w", evt.Kind, err)
		}
		return nil
	}
}

// RateLimitMiddleware vetoes domain events once limiter runs out of
// tokens. Lifecycle events bypass the limiter so commits and rollbacks
// are never throttled.
func RateLimitMiddleware(limiter *rate.Limiter) Middleware {
	return func(_ context.Context, evt *event.Event) error {
		if evt.Kind.IsLifecycle() {
			return nil
		}
		if !limiter.Allow() {
			return fmt.Errorf("%w: rate limit exceeded for %s", ErrBlocked, evt.Kind)
		}
		return nil
	}
}

// RequireTransactionMiddleware vetoes the given kinds when they are
// emitted outside a transaction. With no kinds it applies to every
// domain kind.
func RequireTransactionMiddleware(kinds ...event.Kind) Middleware {
	required := make(map[event.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		required[k] = struct{}{}
	}
	return func(_ context.Context, evt *event.Event) error {
		if evt.TransactionID != "" || evt.Kind.IsLifecycle() {
			return nil
		}
		if len(required) > 0 {
			if _, ok := required[evt.Kind]; !ok {
				return nil
			}
		}
		return fmt.Errorf("%w: %s requires a transaction", ErrBlocked, evt.Kind)
	}
}
