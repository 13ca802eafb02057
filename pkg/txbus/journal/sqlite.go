package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus/event"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// timeFormat is fixed-width so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists the journal to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite journal.
// The path should be a file path (e.g., "./journal.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS journal_transactions (
			transaction_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create transactions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS journal_entries (
			transaction_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			action_id TEXT NOT NULL,
			description TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB,
			added_at TEXT NOT NULL,
			PRIMARY KEY (transaction_id, sequence)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create entries table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Begin implements Store.
func (s *SQLiteStore) Begin(transactionID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`
		INSERT INTO journal_transactions (transaction_id, started_at)
		VALUES (?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`, transactionID, startedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

// Append implements Store.
func (s *SQLiteStore) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var exists int
	err := s.db.QueryRow(`
		SELECT 1 FROM journal_transactions WHERE transaction_id = ?
	`, entry.TransactionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup transaction: %w", err)
	}

	// Calculate sequence as max + 1 for this transaction
	_, err = s.db.Exec(`
		INSERT INTO journal_entries
			(transaction_id, sequence, action_id, description, kind, payload, added_at)
		VALUES (
			?,
			COALESCE((SELECT MAX(sequence) FROM journal_entries WHERE transaction_id = ?), 0) + 1,
			?, ?, ?, ?, ?
		)
	`, entry.TransactionID, entry.TransactionID, entry.ActionID, entry.Description,
		string(entry.Kind), []byte(entry.Payload), entry.AddedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// Resolve implements Store.
func (s *SQLiteStore) Resolve(transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("resolve transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM journal_entries WHERE transaction_id = ?`, transactionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete entries: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM journal_transactions WHERE transaction_id = ?`, transactionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("resolve transaction: %w", err)
	}
	return nil
}

// Pending implements Store.
func (s *SQLiteStore) Pending() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT t.transaction_id, t.started_at,
			e.sequence, e.action_id, e.description, e.kind, e.payload, e.added_at
		FROM journal_transactions t
		LEFT JOIN journal_entries e ON e.transaction_id = t.transaction_id
		ORDER BY t.started_at, t.transaction_id, e.sequence
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			txID, startedAt             string
			seq                         sql.NullInt64
			actionID, description, kind sql.NullString
			payload                     []byte
			addedAt                     sql.NullString
		)
		if err := rows.Scan(&txID, &startedAt, &seq, &actionID, &description, &kind, &payload, &addedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}

		if len(records) == 0 || records[len(records)-1].TransactionID != txID {
			started, _ := time.Parse(timeFormat, startedAt)
			records = append(records, Record{TransactionID: txID, StartedAt: started})
		}
		if !seq.Valid {
			continue
		}

		entry := Entry{
			TransactionID: txID,
			ActionID:      actionID.String,
			Sequence:      int(seq.Int64),
			Description:   description.String,
			Kind:          event.Kind(kind.String),
		}
		if len(payload) > 0 {
			entry.Payload = payload
		}
		entry.AddedAt, _ = time.Parse(timeFormat, addedAt.String)

		rec := &records[len(records)-1]
		rec.Entries = append(rec.Entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return records, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
