package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus"
)

// DeadLetter is a compensation that still failed after its retries. A
// person has to look at it: the stock or balance it should have restored
// is now wrong.
type DeadLetter struct {
	// ActionID is the bus rollback action ID; it identifies the letter.
	ActionID      string         `json:"action_id"`
	SagaID        string         `json:"saga_id"`
	SagaName      string         `json:"saga_name"`
	Step          string         `json:"step"`
	TransactionID string         `json:"transaction_id"`
	Description   string         `json:"description"`
	Command       *txbus.Command `json:"command,omitempty"`
	Error         string         `json:"error"`
	// Replays counts failed Replay calls.
	Replays  int       `json:"replays"`
	FailedAt time.Time `json:"failed_at"`
}

// Sentinel errors for dead letters.
var (
	ErrDeadLetterNotFound  = errors.New("dead letter not found")
	ErrDeadLetterQueueFull = errors.New("dead letter queue is full")
	ErrNotReplayable       = errors.New("dead letter has no command to replay")
)

// DeadLetterStats summarizes a DeadLetterQueue.
type DeadLetterStats struct {
	Size     int   `json:"size"`
	Enqueued int64 `json:"enqueued"`
	Replayed int64 `json:"replayed"`
	Dropped  int64 `json:"dropped"`
}

// DeadLetterQueue holds failed compensations until they are replayed or
// discarded.
type DeadLetterQueue struct {
	mu        sync.Mutex
	letters   map[string]*DeadLetter
	maxSize   int
	onEnqueue func(*DeadLetter)

	enqueued int64
	replayed int64
	dropped  int64
}

// DeadLetterOption configures a DeadLetterQueue.
type DeadLetterOption func(*DeadLetterQueue)

// WithMaxDeadLetters caps the queue. Default: 10000
func WithMaxDeadLetters(n int) DeadLetterOption {
	return func(q *DeadLetterQueue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithOnDeadLetter is called, outside the queue lock, for every letter
// enqueued. Use it to page someone.
func WithOnDeadLetter(fn func(*DeadLetter)) DeadLetterOption {
	return func(q *DeadLetterQueue) {
		q.onEnqueue = fn
	}
}

// NewDeadLetterQueue creates an empty queue.
func NewDeadLetterQueue(opts ...DeadLetterOption) *DeadLetterQueue {
	q := &DeadLetterQueue{
		letters: make(map[string]*DeadLetter),
		maxSize: 10000,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a letter, replacing any letter with the same ActionID.
func (q *DeadLetterQueue) Enqueue(letter *DeadLetter) error {
	if letter.ActionID == "" {
		return errors.New("dead letter action ID is required")
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now()
	}

	q.mu.Lock()
	if _, exists := q.letters[letter.ActionID]; !exists && len(q.letters) >= q.maxSize {
		q.dropped++
		q.mu.Unlock()
		return ErrDeadLetterQueueFull
	}
	stored := *letter
	q.letters[letter.ActionID] = &stored
	q.enqueued++
	q.mu.Unlock()

	if q.onEnqueue != nil {
		c := stored
		q.onEnqueue(&c)
	}
	return nil
}

// List returns copies of every letter, oldest first.
func (q *DeadLetterQueue) List() []*DeadLetter {
	q.mu.Lock()
	out := make([]*DeadLetter, 0, len(q.letters))
	for _, l := range q.letters {
		c := *l
		out = append(out, &c)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ActionID < out[j].ActionID
		}
		return out[i].FailedAt.Before(out[j].FailedAt)
	})
	return out
}

// Len returns the number of letters.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.letters)
}

// Discard removes a letter without replaying it.
func (q *DeadLetterQueue) Discard(actionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.letters[actionID]; !ok {
		return ErrDeadLetterNotFound
	}
	delete(q.letters, actionID)
	return nil
}

// Replay emits the letter's command again inside a fresh transaction on
// bus and removes the letter when that commits. On failure the letter
// stays queued with its error and replay count updated.
func (q *DeadLetterQueue) Replay(ctx context.Context, bus *txbus.Bus, actionID string) error {
	q.mu.Lock()
	letter, ok := q.letters[actionID]
	if !ok {
		q.mu.Unlock()
		return ErrDeadLetterNotFound
	}
	cmd := letter.Command
	q.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("%s: %w", actionID, ErrNotReplayable)
	}

	err := replayCommand(ctx, bus, *cmd)

	q.mu.Lock()
	defer q.mu.Unlock()
	letter, ok = q.letters[actionID]
	if !ok {
		// Discarded while replaying.
		return err
	}
	if err != nil {
		letter.Replays++
		letter.Error = err.Error()
		letter.FailedAt = time.Now()
		return fmt.Errorf("replay %s: %w", actionID, err)
	}
	delete(q.letters, actionID)
	q.replayed++
	return nil
}

// ReplayAll replays every replayable letter, oldest first, and returns
// the joined errors of those that failed again.
func (q *DeadLetterQueue) ReplayAll(ctx context.Context, bus *txbus.Bus) error {
	var errs []error
	for _, l := range q.List() {
		if l.Command == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := q.Replay(ctx, bus, l.ActionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns queue statistics.
func (q *DeadLetterQueue) Stats() DeadLetterStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return DeadLetterStats{
		Size:     len(q.letters),
		Enqueued: q.enqueued,
		Replayed: q.replayed,
		Dropped:  q.dropped,
	}
}

func replayCommand(ctx context.Context, bus *txbus.Bus, cmd txbus.Command) error {
	txID, err := bus.StartTransaction("")
	if err != nil {
		return err
	}
	res, err := bus.Emit(ctx, cmd.Kind, cmd.Payload, txbus.WithTransactionID(txID))
	if err == nil {
		err = stepOutcome(res)
	}
	if err != nil {
		_, _ = bus.RollbackTransaction(context.WithoutCancel(ctx), txID)
		return err
	}
	_, err = bus.CommitTransaction(ctx, txID)
	return err
}

// deadLetters parks the failed compensations of a rollback.
func (r *Runner) deadLetters(def *Definition, execution *Execution, res *txbus.RollbackResult) {
	if r.dlq == nil || res == nil {
		return
	}
	execution.mu.Lock()
	steps := make(map[string]int, len(execution.Steps))
	for i, s := range execution.Steps {
		if s.ActionID != "" {
			steps[s.ActionID] = i
		}
	}
	execution.mu.Unlock()

	for _, f := range res.Failed() {
		letter := &DeadLetter{
			ActionID:      f.ActionID,
			SagaID:        execution.ID,
			SagaName:      def.Name,
			TransactionID: execution.TransactionID,
			Description:   f.Description,
			FailedAt:      f.ExecutedAt,
		}
		if f.Err != nil {
			letter.Error = f.Err.Error()
		}
		if i, ok := steps[f.ActionID]; ok {
			letter.Step = def.Steps[i].Name
			letter.Command = def.Steps[i].Compensation
		}
		if err := r.dlq.Enqueue(letter); err != nil {
			r.logger.Error("compensation lost",
				"saga_id", execution.ID,
				"action_id", f.ActionID,
				"description", f.Description,
				"error", err,
			)
		}
	}
}
