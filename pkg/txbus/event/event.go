package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Listener handles one event. The returned value is recorded in the event's
// ListenerResult; a returned error (or a panic) marks the result failed but
// never stops the remaining listeners.
type Listener func(ctx context.Context, evt *Event) (any, error)

// ListenerResult records one listener invocation.
type ListenerResult struct {
	ListenerID string        `json:"listener_id"`
	Owner      string        `json:"owner,omitempty"`
	Success    bool          `json:"success"`
	Result     any           `json:"result,omitempty"`
	Err        error         `json:"-"`
	ExecutedAt time.Time     `json:"executed_at"`
	Duration   time.Duration `json:"duration"`
}

// Error returns the failure message, or "" for a successful result.
func (r ListenerResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Event is one emission. It is created fresh per Emit call; once listener
// execution starts only the result list changes.
type Event struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id,omitempty"`
	RollbackData  any       `json:"rollback_data,omitempty"`

	mu      sync.Mutex
	results []ListenerResult
	done    *completion
}

type completion struct {
	once sync.Once
	ch   chan struct{}
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (default: random UUID).
func WithID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) {
		e.Timestamp = t
	}
}

// WithTransactionID correlates the event with a transaction.
func WithTransactionID(id string) Option {
	return func(e *Event) {
		e.TransactionID = id
	}
}

// WithRollbackData attaches the data a timeout-triggered rollback refers to.
func WithRollbackData(data any) Option {
	return func(e *Event) {
		e.RollbackData = data
	}
}

// New creates an event of the given kind.
func New(kind Kind, payload any, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
		done:      &completion{ch: make(chan struct{})},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AppendResult records a listener outcome.
func (e *Event) AppendResult(r ListenerResult) {
	e.mu.Lock()
	e.results = append(e.results, r)
	e.mu.Unlock()
}

// Results returns a copy of the results recorded so far, in execution order.
func (e *Event) Results() []ListenerResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ListenerResult, len(e.results))
	copy(out, e.results)
	return out
}

// Failed returns the failed results.
func (e *Event) Failed() []ListenerResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ListenerResult
	for _, r := range e.results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a copy that shares no mutable state with e.
func (e *Event) Clone() *Event {
	return &Event{
		ID:            e.ID,
		Kind:          e.Kind,
		Payload:       e.Payload,
		Timestamp:     e.Timestamp,
		TransactionID: e.TransactionID,
		RollbackData:  e.RollbackData,
		results:       e.Results(),
		done:          e.done,
	}
}

// Done is closed once the bus has finished with the event: every listener
// returned, the emission was vetoed, or it timed out. Events not built by
// New never report completion.
func (e *Event) Done() <-chan struct{} {
	if e.done == nil {
		return nil
	}
	return e.done.ch
}

// Finish closes Done. Calling it more than once is safe.
func (e *Event) Finish() {
	if e.done == nil {
		return
	}
	e.done.once.Do(func() { close(e.done.ch) })
}

// PayloadBytes serializes the payload as JSON.
func (e *Event) PayloadBytes() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// PayloadAs extracts the payload as T. Values, pointers, raw JSON and
// generic maps (as produced by decoding journaled payloads) are accepted.
func PayloadAs[T any](evt *Event) (T, error) {
	var payload T

	switch d := evt.Payload.(type) {
	case T:
		return d, nil
	case *T:
		if d == nil {
			return payload, &PayloadError{Event: evt, Message: "nil payload"}
		}
		return *d, nil
	case json.RawMessage:
		if err := json.Unmarshal(d, &payload); err != nil {
			return payload, &PayloadError{Event: evt, Message: "failed to unmarshal payload", Err: err}
		}
		return payload, nil
	case map[string]any:
		raw, err := json.Marshal(d)
		if err != nil {
			return payload, &PayloadError{Event: evt, Message: "failed to marshal payload", Err: err}
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return payload, &PayloadError{Event: evt, Message: "failed to unmarshal payload to expected type", Err: err}
		}
		return payload, nil
	default:
		return payload, &PayloadError{
			Event:   evt,
			Message: fmt.Sprintf("unexpected payload type %T, want %T", evt.Payload, payload),
		}
	}
}

// Typed adapts a function taking a concrete payload type to a Listener.
// A payload of the wrong shape fails the listener instead of panicking.
func Typed[T any](fn func(ctx context.Context, payload T, evt *Event) (any, error)) Listener {
	return func(ctx context.Context, evt *Event) (any, error) {
		payload, err := PayloadAs[T](evt)
		if err != nil {
			return nil, err
		}
		return fn(ctx, payload, evt)
	}
}
