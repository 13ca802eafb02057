package txbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus/event"
	"github.com/pharmapos/txbus/pkg/txbus/observability"
)

// EmitResult reports one emission.
type EmitResult struct {
	// Success is false when the bus was destroyed, a middleware vetoed the
	// event, or the emission timed out. Failed listeners do not clear it.
	Success bool
	EventID string
	// Event is the dispatched event (nil when the bus was destroyed).
	Event *event.Event
	// Results holds one entry per listener that ran, in execution order.
	Results           []event.ListenerResult
	ListenersExecuted int
	// Err explains an unsuccessful emission.
	Err error
}

// Failed returns the results of listeners that returned an error or panicked.
func (r *EmitResult) Failed() []event.ListenerResult {
	var out []event.ListenerResult
	for _, res := range r.Results {
		if !res.Success {
			out = append(out, res)
		}
	}
	return out
}

// Emit dispatches an event of kind to its listeners.
//
// Middlewares run first, in registration order. Then every persistent
// listener for kind plus every queued one-shot listener runs strictly one
// after another, highest priority first. One-shot listeners are claimed
// before the first listener starts; a claimed one-shot listener that a
// timeout or cancellation keeps from starting is queued again for the next
// emission. A listener error or panic is recorded in the result and does
// not stop the remaining listeners.
//
// The listener phase is bounded by the emit timeout (WithTimeout, default
// from the bus). On timeout Emit returns a *TimeoutError and, when both a
// transaction ID and rollback data were attached, rolls that transaction
// back. The listener that was running keeps running with a cancelled
// context; no further listeners are started.
//
// A destroyed bus and a middleware veto are reported through
// EmitResult.Err with a nil error. Emit returns a non-nil error only for
// an unknown kind, a timeout, or cancellation of ctx.
//
// Example:
//
//	res, err := bus.Emit(ctx, event.StockReduced, event.StockMovement{ProductID: "P", Quantity: 2},
//	    txbus.WithTransactionID(txID))
func (b *Bus) Emit(ctx context.Context, kind event.Kind, payload any, opts ...EmitOption) (*EmitResult, error) {
	if b.destroyed.Load() {
		return &EmitResult{Success: false, Err: ErrBusDestroyed}, nil
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	cfg := emitConfig{timeout: b.cfg.emitTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	evt := event.New(kind, payload,
		event.WithTransactionID(cfg.transactionID),
		event.WithRollbackData(cfg.rollbackData),
	)
	return b.dispatch(ctx, evt, cfg)
}

func (b *Bus) dispatch(ctx context.Context, evt *event.Event, cfg emitConfig) (result *EmitResult, emitErr error) {
	defer evt.Finish()

	start := time.Now()
	kind := string(evt.Kind)
	logger := observability.EnrichLogger(b.cfg.logger, evt.TransactionID, kind)

	spanCtx, span := b.cfg.spans.StartEmitSpan(ctx, kind, evt.ID, evt.TransactionID)
	defer func() {
		var spanErr error
		if emitErr != nil {
			spanErr = emitErr
		} else if result != nil && result.Err != nil {
			spanErr = result.Err
		}
		b.cfg.spans.EndSpanWithError(span, spanErr)
	}()

	// Middlewares
	if mwErr := b.runMiddlewares(spanCtx, evt); mwErr != nil {
		b.counters.eventsBlocked.Add(1)
		b.cfg.metrics.RecordBlocked(ctx, kind)
		observability.LogEmitBlocked(logger, evt.ID, kind, mwErr)
		return &EmitResult{Success: false, EventID: evt.ID, Event: evt, Err: mwErr}, nil
	}

	listeners := b.resolve(evt.Kind)
	run := &dispatchRun{listeners: listeners}

	execCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.execute(execCtx, evt, run)
	}()

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		b.requeueOnce(evt.Kind, run.stop())
		cancel()
		return b.timedOut(ctx, evt, cfg, logger, start)
	case <-ctx.Done():
		b.requeueOnce(evt.Kind, run.stop())
		cancel()
		err := ctx.Err()
		b.cfg.metrics.RecordEmit(ctx, kind, len(listeners), time.Since(start), err)
		return &EmitResult{Success: false, EventID: evt.ID, Event: evt, Results: evt.Results(), Err: err}, err
	}

	results := evt.Results()
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}

	b.history.add(evt)
	b.counters.eventsEmitted.Add(1)
	b.counters.listenerFailures.Add(int64(failed))

	duration := time.Since(start)
	b.cfg.metrics.RecordEmit(ctx, kind, len(results), duration, nil)
	observability.LogEmitComplete(logger, evt.ID, kind, len(results), failed, float64(duration.Milliseconds()))

	return &EmitResult{
		Success:           true,
		EventID:           evt.ID,
		Event:             evt,
		Results:           results,
		ListenersExecuted: len(results),
	}, nil
}

// timedOut builds the timeout failure and triggers the automatic rollback.
func (b *Bus) timedOut(ctx context.Context, evt *event.Event, cfg emitConfig, logger *slog.Logger, start time.Time) (*EmitResult, error) {
	kind := string(evt.Kind)
	b.counters.emitTimeouts.Add(1)
	observability.LogEmitTimeout(logger, evt.ID, kind, evt.TransactionID, cfg.timeout)

	terr := &TimeoutError{
		EventID:       evt.ID,
		Kind:          evt.Kind,
		TransactionID: evt.TransactionID,
		Timeout:       cfg.timeout,
	}

	if evt.TransactionID != "" && evt.RollbackData != nil {
		// Compensations must run even if the caller's context is done.
		if _, err := b.RollbackTransaction(context.WithoutCancel(ctx), evt.TransactionID); err != nil {
			terr.RollbackErr = err
		} else {
			terr.RolledBack = true
		}
	}

	b.cfg.metrics.RecordEmit(ctx, kind, len(evt.Results()), time.Since(start), terr)

	return &EmitResult{
		Success:           false,
		EventID:           evt.ID,
		Event:             evt,
		Results:           evt.Results(),
		ListenersExecuted: len(evt.Results()),
		Err:               terr,
	}, terr
}

// dispatchRun is the cursor shared by the listener goroutine and the
// emitter waiting on it.
type dispatchRun struct {
	mu        sync.Mutex
	listeners []*listener
	next      int
	stopped   bool
}

// claim returns the next listener to start, or nil once the run is
// stopped or exhausted.
func (r *dispatchRun) claim() *listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.next >= len(r.listeners) {
		return nil
	}
	l := r.listeners[r.next]
	r.next++
	return l
}

// stop ends the run and returns the listeners that never started.
func (r *dispatchRun) stop() []*listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return r.listeners[r.next:]
}

// execute runs listeners sequentially until the run is stopped.
func (b *Bus) execute(ctx context.Context, evt *event.Event, run *dispatchRun) {
	for l := run.claim(); l != nil; l = run.claim() {
		b.invoke(ctx, evt, l)
	}
}

// invoke runs one listener and records its result on the event.
func (b *Bus) invoke(ctx context.Context, evt *event.Event, l *listener) {
	start := time.Now()
	value, err := callListener(ctx, evt, l)
	duration := time.Since(start)

	res := event.ListenerResult{
		ListenerID: l.id,
		Owner:      l.owner,
		Success:    err == nil,
		Result:     value,
		Err:        err,
		ExecutedAt: start,
		Duration:   duration,
	}
	evt.AppendResult(res)

	b.cfg.metrics.RecordListener(ctx, string(evt.Kind), duration, err)
	if err != nil {
		observability.LogListenerError(b.cfg.logger, l.id, string(evt.Kind), err)
	}
}

// callListener invokes a listener with panic recovery.
func callListener(ctx context.Context, evt *event.Event, l *listener) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &ListenerError{
				ListenerID: l.id,
				Kind:       evt.Kind,
				Panic:      r,
				Stack:      string(debug.Stack()),
			}
		}
	}()

	value, err = l.fn(ctx, evt)
	if err != nil {
		return value, &ListenerError{ListenerID: l.id, Kind: evt.Kind, Err: err}
	}
	return value, nil
}
