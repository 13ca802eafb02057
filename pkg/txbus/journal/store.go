// Package journal records serializable compensating actions so that
// transactions interrupted by a crash can still be rolled back on restart.
//
// The bus writes through to a Store when one is configured: Begin when a
// transaction starts, Append for every rollback command, Resolve when the
// transaction commits or finishes rolling back. Whatever Pending returns
// after a restart belongs to transactions that never reached a terminal
// state.
package journal

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// Store persists journaled transactions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Begin records a new open transaction.
	// Returns ErrExists if the transaction is already journaled.
	Begin(transactionID string, startedAt time.Time) error

	// Append adds a compensation entry to an open transaction. The store
	// assigns Entry.Sequence (1-based, in append order).
	// Returns ErrNotFound if the transaction was never begun or is resolved.
	Append(entry Entry) error

	// Resolve removes a transaction and all its entries.
	// Returns nil if the transaction doesn't exist.
	Resolve(transactionID string) error

	// Pending returns every unresolved transaction ordered by start time,
	// each with its entries ordered by sequence.
	Pending() ([]Record, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Entry is one journaled compensating action.
type Entry struct {
	TransactionID string          `json:"transaction_id"`
	ActionID      string          `json:"action_id"`
	Sequence      int             `json:"sequence"`
	Description   string          `json:"description"`
	Kind          event.Kind      `json:"kind,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	AddedAt       time.Time       `json:"added_at"`
}

// Recoverable reports whether the entry carries a command that can be
// replayed. Closure compensations are journaled without one.
func (e Entry) Recoverable() bool {
	return e.Kind != ""
}

// Record is an unresolved transaction with its entries.
type Record struct {
	TransactionID string    `json:"transaction_id"`
	StartedAt     time.Time `json:"started_at"`
	Entries       []Entry   `json:"entries"`
}

// Sentinel errors for journal operations.
var (
	// ErrNotFound indicates the transaction is not journaled.
	ErrNotFound = errors.New("journal transaction not found")

	// ErrExists indicates the transaction is already journaled.
	ErrExists = errors.New("journal transaction already exists")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("journal store closed")
)
