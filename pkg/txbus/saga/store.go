package saga

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// Store keeps the runner's record of sale, refund, purchase and
// reconciliation runs. The runner writes an execution when it starts and
// again after every step, so a store always holds the latest state of each
// run. Stores must be safe for concurrent use and must copy executions on
// the way in and out.
type Store interface {
	Create(ctx context.Context, execution *Execution) error
	// Update replaces a known execution; unknown IDs fail with
	// ErrExecutionNotFound.
	Update(ctx context.Context, execution *Execution) error
	Get(ctx context.Context, executionID string) (*Execution, error)
	// List returns matching executions ordered by start time.
	List(ctx context.Context, filter *ListFilter) ([]*Execution, error)
	Delete(ctx context.Context, executionID string) error
}

// Pruner is implemented by stores that can drop finished runs in bulk.
type Pruner interface {
	// Prune removes terminal executions that finished before cutoff and
	// returns how many it removed.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	SagaName      string
	Status        Status
	TransactionID string
	// Since keeps runs started at or after this time.
	Since time.Time

	Offset int
	Limit  int
}

func (f *ListFilter) matches(exec *Execution) bool {
	switch {
	case f == nil:
		return true
	case f.SagaName != "" && f.SagaName != exec.SagaName:
		return false
	case f.Status != "" && f.Status != exec.Status:
		return false
	case f.TransactionID != "" && f.TransactionID != exec.TransactionID:
		return false
	case !f.Since.IsZero() && exec.StartedAt.Before(f.Since):
		return false
	}
	return true
}

// page applies Offset and Limit.
func (f *ListFilter) page(execs []*Execution) []*Execution {
	if f == nil {
		return execs
	}
	if f.Offset >= len(execs) && f.Offset > 0 {
		return []*Execution{}
	}
	execs = execs[max(f.Offset, 0):]
	if f.Limit > 0 && len(execs) > f.Limit {
		execs = execs[:f.Limit]
	}
	return execs
}

var (
	// ErrExecutionNotFound reports an unknown execution ID.
	ErrExecutionNotFound = errors.New("saga execution not found")

	// ErrExecutionExists reports a Create with an ID already tracked.
	ErrExecutionExists = errors.New("saga execution already exists")

	errMissingExecutionID = errors.New("saga execution has no ID")
)

// MemoryStore keeps executions in start order in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  []*Execution // by StartedAt, then ID
	byID  map[string]*Execution
	byTxn map[string]string // transaction ID -> execution ID
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Execution),
		byTxn: make(map[string]string),
	}
}

func compareRuns(a, b *Execution) int {
	if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// position returns where exec sits in s.runs. Callers hold s.mu.
func (s *MemoryStore) position(exec *Execution) (int, bool) {
	return slices.BinarySearchFunc(s.runs, exec, compareRuns)
}

func (s *MemoryStore) Create(_ context.Context, execution *Execution) error {
	if execution.ID == "" {
		return errMissingExecutionID
	}
	stored := execution.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[stored.ID]; ok {
		return ErrExecutionExists
	}
	i, _ := s.position(stored)
	s.runs = slices.Insert(s.runs, i, stored)
	s.byID[stored.ID] = stored
	if stored.TransactionID != "" {
		s.byTxn[stored.TransactionID] = stored.ID
	}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, execution *Execution) error {
	if execution.ID == "" {
		return errMissingExecutionID
	}
	stored := execution.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byID[stored.ID]
	if !ok {
		return ErrExecutionNotFound
	}
	s.removeLocked(old)

	i, _ := s.position(stored)
	s.runs = slices.Insert(s.runs, i, stored)
	s.byID[stored.ID] = stored
	if stored.TransactionID != "" {
		s.byTxn[stored.TransactionID] = stored.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if exec, ok := s.byID[executionID]; ok {
		return exec.Clone(), nil
	}
	return nil, ErrExecutionNotFound
}

// ByTransaction returns the execution that owns a bus transaction.
func (s *MemoryStore) ByTransaction(_ context.Context, transactionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.byTxn[transactionID]; ok {
		return s.byID[id].Clone(), nil
	}
	return nil, ErrExecutionNotFound
}

func (s *MemoryStore) List(_ context.Context, filter *ListFilter) ([]*Execution, error) {
	s.mu.RLock()
	out := make([]*Execution, 0, len(s.runs))
	for _, exec := range s.runs {
		if filter.matches(exec) {
			out = append(out, exec.Clone())
		}
	}
	s.mu.RUnlock()

	return filter.page(out), nil
}

func (s *MemoryStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.byID[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	s.removeLocked(exec)
	return nil
}

// Prune implements Pruner.
func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.runs)
	s.runs = slices.DeleteFunc(s.runs, func(exec *Execution) bool {
		if !exec.Status.Terminal() || !exec.FinishedAt.Before(cutoff) {
			return false
		}
		delete(s.byID, exec.ID)
		if s.byTxn[exec.TransactionID] == exec.ID {
			delete(s.byTxn, exec.TransactionID)
		}
		return true
	})
	return before - len(s.runs), nil
}

// removeLocked drops exec from every index. Callers hold s.mu.
func (s *MemoryStore) removeLocked(exec *Execution) {
	if i, found := s.position(exec); found {
		s.runs = slices.Delete(s.runs, i, i+1)
	}
	delete(s.byID, exec.ID)
	if s.byTxn[exec.TransactionID] == exec.ID {
		delete(s.byTxn, exec.TransactionID)
	}
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Pruner = (*MemoryStore)(nil)
)
