package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	tx\x00<transaction id>                -> txHeader JSON
//	entry\x00<transaction id>\x00<seq>    -> Entry JSON (seq zero-padded)
const (
	txPrefix    = "tx\x00"
	entryPrefix = "entry\x00"
)

type txHeader struct {
	StartedAt time.Time `json:"started_at"`
	Next      int       `json:"next"`
}

// LevelDBStore persists the journal in a LevelDB directory.
type LevelDBStore struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	closed bool
}

// NewLevelDBStore opens (or creates) a LevelDB journal at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func txKey(transactionID string) []byte {
	return []byte(txPrefix + transactionID)
}

func entryKeyPrefix(transactionID string) []byte {
	return []byte(entryPrefix + transactionID + "\x00")
}

func entryKey(transactionID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%010d", entryPrefix, transactionID, seq))
}

func (s *LevelDBStore) header(transactionID string) (*txHeader, error) {
	data, err := s.db.Get(txKey(transactionID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var h txHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode transaction header: %w", err)
	}
	return &h, nil
}

// Begin implements Store.
func (s *LevelDBStore) Begin(transactionID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	exists, err := s.db.Has(txKey(transactionID), nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if exists {
		return ErrExists
	}

	data, err := json.Marshal(txHeader{StartedAt: startedAt.UTC(), Next: 1})
	if err != nil {
		return err
	}
	return s.db.Put(txKey(transactionID), data, nil)
}

// Append implements Store.
func (s *LevelDBStore) Append(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	h, err := s.header(entry.TransactionID)
	if err != nil {
		return err
	}

	entry.Sequence = h.Next
	entry.AddedAt = entry.AddedAt.UTC()
	entryData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	h.Next++
	headerData, err := json.Marshal(h)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(entry.TransactionID, entry.Sequence), entryData)
	batch.Put(txKey(entry.TransactionID), headerData)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// Resolve implements Store.
func (s *LevelDBStore) Resolve(transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	batch := new(leveldb.Batch)
	batch.Delete(txKey(transactionID))

	iter := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(transactionID)), nil)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan entries: %w", err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("resolve transaction: %w", err)
	}
	return nil
}

// Pending implements Store.
func (s *LevelDBStore) Pending() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var records []Record
	iter := s.db.NewIterator(util.BytesPrefix([]byte(txPrefix)), nil)
	for iter.Next() {
		var h txHeader
		if err := json.Unmarshal(iter.Value(), &h); err != nil {
			iter.Release()
			return nil, fmt.Errorf("decode transaction header: %w", err)
		}
		records = append(records, Record{
			TransactionID: string(iter.Key()[len(txPrefix):]),
			StartedAt:     h.StartedAt,
		})
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}

	for i := range records {
		entries, err := s.entries(records[i].TransactionID)
		if err != nil {
			return nil, err
		}
		records[i].Entries = entries
	}

	sortRecords(records)
	return records, nil
}

// entries returns a transaction's entries; zero-padded keys iterate in sequence order.
func (s *LevelDBStore) entries(transactionID string) ([]Entry, error) {
	var entries []Entry
	iter := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(transactionID)), nil)
	defer iter.Release()

	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan entries: %w", err)
	}
	return entries, nil
}

// Close implements Store.
func (s *LevelDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
