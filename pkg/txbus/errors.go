package txbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// Sentinel errors for emission.
var (
	// ErrBusDestroyed indicates the bus has been destroyed.
	ErrBusDestroyed = errors.New("bus destroyed")

	// ErrBlocked is returned by a middleware to veto an emission.
	// Any other error (or a panic) vetoes the same way.
	ErrBlocked = errors.New("event blocked")

	// ErrMiddlewareBlocked matches every *MiddlewareError.
	ErrMiddlewareBlocked = errors.New("blocked by middleware")

	// ErrEmitTimeout matches every *TimeoutError.
	ErrEmitTimeout = errors.New("emit timed out")

	// ErrUnknownKind indicates an emission of an undeclared event kind.
	ErrUnknownKind = errors.New("unknown event kind")
)

// Sentinel errors for transactions.
var (
	// ErrTransactionNotFound indicates the transaction ID is unknown.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidTransactionState indicates the operation is not allowed in
	// the transaction's current status.
	ErrInvalidTransactionState = errors.New("invalid transaction state")

	// ErrTransactionExists indicates StartTransaction was given an ID in use.
	ErrTransactionExists = errors.New("transaction already exists")
)

// TransactionError wraps errors from transaction operations.
type TransactionError struct {
	// TransactionID is the transaction the operation targeted.
	TransactionID string
	// Op is the operation that failed ("start", "add_rollback", "commit", "rollback").
	Op string
	// Status is the transaction status at the time of failure, if known.
	Status Status
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *TransactionError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("transaction %s: %s: %v (status %s)", e.TransactionID, e.Op, e.Err, e.Status)
	}
	return fmt.Sprintf("transaction %s: %s: %v", e.TransactionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TransactionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports an emission whose listeners did not finish in time.
type TimeoutError struct {
	EventID       string
	Kind          event.Kind
	TransactionID string
	Timeout       time.Duration
	// RolledBack is true if the attached transaction was rolled back.
	RolledBack bool
	// RollbackErr is set if the automatic rollback itself failed.
	RollbackErr error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("emit %s (%s) timed out after %s", e.Kind, e.EventID, e.Timeout)
	if e.RolledBack {
		msg += fmt.Sprintf("; transaction %s rolled back", e.TransactionID)
	}
	if e.RollbackErr != nil {
		msg += fmt.Sprintf("; rollback of %s failed: %v", e.TransactionID, e.RollbackErr)
	}
	return msg
}

// Unwrap returns ErrEmitTimeout for errors.Is support.
func (e *TimeoutError) Unwrap() error {
	return ErrEmitTimeout
}

// MiddlewareError reports a vetoed emission.
type MiddlewareError struct {
	EventID string
	Kind    event.Kind
	// Index is the position of the vetoing middleware in registration order.
	Index int
	// Err is the error the middleware returned (ErrBlocked for a plain veto).
	Err error
	// Panic holds the recovered value if the middleware panicked.
	Panic any
}

// Error implements the error interface.
func (e *MiddlewareError) Error() string {
	switch {
	case e.Panic != nil:
		return fmt.Sprintf("Blocked by middleware: panic: %v", e.Panic)
	case e.Err == nil || errors.Is(e.Err, ErrBlocked):
		return "Blocked by middleware"
	default:
		return fmt.Sprintf("Blocked by middleware: %v", e.Err)
	}
}

// Unwrap exposes both ErrMiddlewareBlocked and the middleware's own error.
func (e *MiddlewareError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMiddlewareBlocked}
	}
	return []error{ErrMiddlewareBlocked, e.Err}
}

// ListenerError is recorded in a failed ListenerResult.
type ListenerError struct {
	ListenerID string
	Kind       event.Kind
	Err        error
	// Panic holds the recovered value if the listener panicked.
	Panic any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("listener %s on %s panicked: %v", e.ListenerID, e.Kind, e.Panic)
	}
	return fmt.Sprintf("listener %s on %s: %v", e.ListenerID, e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ListenerError) Unwrap() error {
	return e.Err
}

// CompensationError is recorded in a failed ActionResult.
type CompensationError struct {
	TransactionID string
	ActionID      string
	Description   string
	Err           error
	// Panic holds the recovered value if the compensation panicked.
	Panic any
}

// Error implements the error interface.
func (e *CompensationError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("compensation %s (%s) in %s panicked: %v", e.ActionID, e.Description, e.TransactionID, e.Panic)
	}
	return fmt.Sprintf("compensation %s (%s) in %s: %v", e.ActionID, e.Description, e.TransactionID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CompensationError) Unwrap() error {
	return e.Err
}
