package journal

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory journal for testing.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]*Record
	closed bool
}

// NewMemoryStore creates a new in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*Record),
	}
}

// Begin implements Store.
func (m *MemoryStore) Begin(transactionID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.data[transactionID]; exists {
		return ErrExists
	}

	m.data[transactionID] = &Record{
		TransactionID: transactionID,
		StartedAt:     startedAt.UTC(),
	}
	return nil
}

// Append implements Store.
func (m *MemoryStore) Append(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	rec, exists := m.data[entry.TransactionID]
	if !exists {
		return ErrNotFound
	}

	// Copy payload to avoid retaining caller's slice
	if entry.Payload != nil {
		payload := make([]byte, len(entry.Payload))
		copy(payload, entry.Payload)
		entry.Payload = payload
	}
	entry.Sequence = len(rec.Entries) + 1
	entry.AddedAt = entry.AddedAt.UTC()
	rec.Entries = append(rec.Entries, entry)
	return nil
}

// Resolve implements Store.
func (m *MemoryStore) Resolve(transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.data, transactionID)
	return nil
}

// Pending implements Store.
func (m *MemoryStore) Pending() ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	records := make([]Record, 0, len(m.data))
	for _, rec := range m.data {
		entries := make([]Entry, len(rec.Entries))
		copy(entries, rec.Entries)
		records = append(records, Record{
			TransactionID: rec.TransactionID,
			StartedAt:     rec.StartedAt,
			Entries:       entries,
		})
	}
	sortRecords(records)
	return records, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of unresolved transactions (for testing).
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].TransactionID < records[j].TransactionID
		}
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}
