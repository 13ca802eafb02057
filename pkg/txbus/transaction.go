package txbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pharmapos/txbus/pkg/txbus/event"
	"github.com/pharmapos/txbus/pkg/txbus/journal"
	"github.com/pharmapos/txbus/pkg/txbus/observability"
)

// Status is a transaction state. active is the only non-terminal state.
type Status string

// Transaction status constants.
const (
	StatusActive     Status = "active"
	StatusCommitted  Status = "committed"
	StatusRolledBack Status = "rolled_back"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Compensation undoes the effect of one saga step.
type Compensation func(ctx context.Context) error

// Command is a serializable compensation: emitting Kind with Payload in
// the same transaction undoes the step. Commands are journaled, so they
// survive a crash; plain Compensation closures do not.
type Command struct {
	Kind    event.Kind `json:"kind"`
	Payload any        `json:"payload"`
}

// RollbackAction is one entry of a transaction's compensation stack.
type RollbackAction struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Command     *Command  `json:"command,omitempty"`
	AddedAt     time.Time `json:"added_at"`

	compensate Compensation
}

// ActionResult records one executed compensation.
type ActionResult struct {
	ActionID    string        `json:"action_id"`
	Description string        `json:"description"`
	Success     bool          `json:"success"`
	Err         error         `json:"-"`
	ExecutedAt  time.Time     `json:"executed_at"`
	Duration    time.Duration `json:"duration"`
}

func (r ActionResult) outcome() event.CompensationOutcome {
	o := event.CompensationOutcome{
		ActionID:    r.ActionID,
		Description: r.Description,
		Success:     r.Success,
		ExecutedAt:  r.ExecutedAt,
	}
	if r.Err != nil {
		o.Error = r.Err.Error()
	}
	return o
}

// Transaction is a snapshot of a transaction's state.
type Transaction struct {
	ID              string           `json:"id"`
	Status          Status           `json:"status"`
	StartTime       time.Time        `json:"start_time"`
	CommitTime      time.Time        `json:"commit_time,omitempty"`
	RollbackTime    time.Time        `json:"rollback_time,omitempty"`
	RollbackActions []RollbackAction `json:"rollback_actions"`
	RollbackResults []ActionResult   `json:"rollback_results,omitempty"`
}

func (t *Transaction) clone() *Transaction {
	c := *t
	c.RollbackActions = append([]RollbackAction(nil), t.RollbackActions...)
	c.RollbackResults = append([]ActionResult(nil), t.RollbackResults...)
	return &c
}

// CommitResult reports a successful commit.
type CommitResult struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	// Actions is the number of compensations that were not needed.
	Actions int `json:"actions"`
}

// RollbackResult reports a rollback sweep.
type RollbackResult struct {
	// Success is true once the transaction is rolled back, even if some
	// compensations failed. Check Failed for partial rollback.
	Success       bool           `json:"success"`
	TransactionID string         `json:"transaction_id"`
	Results       []ActionResult `json:"results"`
	// AlreadyRolledBack is true when this call ran no compensations
	// because an earlier or concurrent call did.
	AlreadyRolledBack bool `json:"already_rolled_back,omitempty"`
}

// Failed returns the compensations that returned an error or panicked.
func (r *RollbackResult) Failed() []ActionResult {
	var out []ActionResult
	for _, res := range r.Results {
		if !res.Success {
			out = append(out, res)
		}
	}
	return out
}

// txState is the manager's private record of a transaction.
type txState struct {
	tx Transaction
	// sealed blocks new rollback actions once commit or rollback starts.
	sealed bool
	// done is closed when the rollback sweep finishes.
	done   chan struct{}
	result *RollbackResult
}

func (b *Bus) txErr(txID, op string, status Status, err error) error {
	return &TransactionError{TransactionID: txID, Op: op, Status: status, Err: err}
}

// StartTransaction opens a transaction. An empty id generates one of the
// form "tx-xxxxxxxx". Reusing a live id fails with ErrTransactionExists.
func (b *Bus) StartTransaction(id string) (string, error) {
	if b.closing.Load() {
		return "", b.txErr(id, "start", "", ErrBusDestroyed)
	}

	b.txMu.Lock()
	if id == "" {
		for {
			id = fmt.Sprintf("tx-%s", uuid.New().String()[:8])
			if _, exists := b.transactions[id]; !exists {
				break
			}
		}
	} else if st, exists := b.transactions[id]; exists {
		status := st.tx.Status
		b.txMu.Unlock()
		return "", b.txErr(id, "start", status, ErrTransactionExists)
	}

	now := time.Now()
	b.transactions[id] = &txState{tx: Transaction{
		ID:        id,
		Status:    StatusActive,
		StartTime: now,
	}}
	b.txMu.Unlock()

	b.counters.transactionsCreated.Add(1)
	observability.LogTransactionStart(b.cfg.logger, id)

	if b.cfg.journal != nil {
		if err := b.cfg.journal.Begin(id, now); err != nil {
			b.cfg.logger.Warn("journal begin failed",
				"transaction_id", id,
				"error", err,
			)
		}
	}
	return id, nil
}

// ActionOption configures one rollback action.
type ActionOption func(*actionConfig)

type actionConfig struct {
	wrap func(Compensation) Compensation
}

// WithCompensationWrapper decorates the compensation that runs on rollback,
// typically to retry it. Journal replay after a crash runs the bare command.
func WithCompensationWrapper(wrap func(Compensation) Compensation) ActionOption {
	return func(c *actionConfig) {
		c.wrap = wrap
	}
}

func applyActionOptions(fn Compensation, opts []ActionOption) Compensation {
	var ac actionConfig
	for _, opt := range opts {
		opt(&ac)
	}
	if ac.wrap == nil {
		return fn
	}
	if wrapped := ac.wrap(fn); wrapped != nil {
		return wrapped
	}
	return fn
}

// AddRollbackAction pushes a compensation closure onto an active
// transaction's stack and returns its action ID.
func (b *Bus) AddRollbackAction(txID string, fn Compensation, description string, opts ...ActionOption) (string, error) {
	if fn == nil {
		return "", b.txErr(txID, "add_rollback", "", errors.New("nil compensation"))
	}
	action := RollbackAction{Description: description, compensate: applyActionOptions(fn, opts)}
	if err := b.addAction(txID, &action); err != nil {
		return "", err
	}

	b.journalAppend(txID, action, nil)
	return action.ID, nil
}

// AddRollbackCommand pushes a serializable compensation onto an active
// transaction's stack and returns its action ID. On rollback the command
// is emitted in the same transaction; a veto, timeout or failed listener
// fails the compensation.
func (b *Bus) AddRollbackCommand(txID string, cmd Command, description string, opts ...ActionOption) (string, error) {
	if !cmd.Kind.Valid() {
		return "", b.txErr(txID, "add_rollback", "", fmt.Errorf("%w: %q", ErrUnknownKind, cmd.Kind))
	}

	c := cmd
	action := RollbackAction{
		Description: description,
		Command:     &c,
		compensate: applyActionOptions(func(ctx context.Context) error {
			return b.runCommand(ctx, txID, c)
		}, opts),
	}
	if err := b.addAction(txID, &action); err != nil {
		return "", err
	}

	b.journalAppend(txID, action, &c)
	return action.ID, nil
}

func (b *Bus) addAction(txID string, action *RollbackAction) error {
	b.txMu.Lock()
	defer b.txMu.Unlock()

	st, ok := b.transactions[txID]
	if !ok {
		return b.txErr(txID, "add_rollback", "", ErrTransactionNotFound)
	}
	if st.tx.Status != StatusActive || st.sealed {
		return b.txErr(txID, "add_rollback", st.tx.Status, ErrInvalidTransactionState)
	}

	action.ID = uuid.New().String()
	action.AddedAt = time.Now()
	st.tx.RollbackActions = append(st.tx.RollbackActions, *action)
	return nil
}

// journalAppend writes an action through to the journal. Closure actions
// are journaled without a command so recovery can report them.
func (b *Bus) journalAppend(txID string, action RollbackAction, cmd *Command) {
	if b.cfg.journal == nil {
		return
	}

	entry := journal.Entry{
		TransactionID: txID,
		ActionID:      action.ID,
		Description:   action.Description,
		AddedAt:       action.AddedAt,
	}
	if cmd != nil {
		payload, err := json.Marshal(cmd.Payload)
		if err != nil {
			b.cfg.logger.Warn("rollback command not serializable, journaling as unrecoverable",
				"transaction_id", txID,
				"action_id", action.ID,
				"error", err,
			)
		} else {
			entry.Kind = cmd.Kind
			entry.Payload = payload
		}
	}

	if err := b.cfg.journal.Append(entry); err != nil {
		b.cfg.logger.Warn("journal append failed",
			"transaction_id", txID,
			"action_id", action.ID,
			"error", err,
		)
	}
}

func (b *Bus) journalResolve(txID string) {
	if b.cfg.journal == nil {
		return
	}
	if err := b.cfg.journal.Resolve(txID); err != nil {
		b.cfg.logger.Warn("journal resolve failed",
			"transaction_id", txID,
			"error", err,
		)
	}
}

// runCommand emits a compensation command and converts every kind of
// failure into an error.
func (b *Bus) runCommand(ctx context.Context, txID string, cmd Command) error {
	res, err := b.Emit(ctx, cmd.Kind, cmd.Payload, WithTransactionID(txID))
	if err != nil {
		return err
	}
	if !res.Success {
		return res.Err
	}
	if failed := res.Failed(); len(failed) > 0 {
		return failed[0].Err
	}
	return nil
}

// CommitTransaction emits transaction.commit and marks the transaction
// committed. If the commit event cannot be dispatched (veto, timeout,
// destroyed bus) the transaction is rolled back and the dispatch error is
// returned. Listener failures on the commit event do not fail the commit.
func (b *Bus) CommitTransaction(ctx context.Context, txID string) (*CommitResult, error) {
	b.txMu.Lock()
	st, ok := b.transactions[txID]
	if !ok {
		b.txMu.Unlock()
		return nil, b.txErr(txID, "commit", "", ErrTransactionNotFound)
	}
	if st.tx.Status != StatusActive || st.sealed {
		status := st.tx.Status
		b.txMu.Unlock()
		return nil, b.txErr(txID, "commit", status, ErrInvalidTransactionState)
	}
	st.sealed = true
	actions := len(st.tx.RollbackActions)
	started := st.tx.StartTime
	b.txMu.Unlock()

	spanCtx, span := b.cfg.spans.StartTransactionSpan(ctx, "commit", txID)

	res, err := b.Emit(spanCtx, event.TransactionCommit,
		event.TransactionLifecycle{TransactionID: txID, Actions: actions},
		WithTransactionID(txID),
	)
	if err == nil && !res.Success {
		err = res.Err
	}
	if err != nil {
		b.cfg.logger.Error("commit event failed, rolling back",
			"transaction_id", txID,
			"error", err,
		)
		if _, rbErr := b.rollback(context.WithoutCancel(spanCtx), txID, true); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		b.cfg.spans.EndSpanWithError(span, err)
		return nil, b.txErr(txID, "commit", StatusRolledBack, err)
	}

	now := time.Now()
	b.txMu.Lock()
	st.tx.Status = StatusCommitted
	st.tx.CommitTime = now
	b.txMu.Unlock()

	b.counters.commits.Add(1)
	duration := now.Sub(started)
	b.cfg.metrics.RecordTransaction(ctx, string(StatusCommitted), duration)
	observability.LogTransactionCommit(b.cfg.logger, txID, actions, float64(duration.Milliseconds()))
	b.journalResolve(txID)
	b.cfg.spans.EndSpanWithError(span, nil)

	return &CommitResult{Success: true, TransactionID: txID, Actions: actions}, nil
}

// RollbackTransaction runs the transaction's compensations most recent
// first. Every compensation runs even if an earlier one fails; failures are
// recorded in the result. The transaction ends rolled_back regardless.
//
// Rolling back an already rolled back transaction succeeds without running
// anything. Concurrent calls wait for the sweep in progress, except calls
// made from one of that sweep's own compensations (directly, or through a
// timed-out Emit), which fail with ErrInvalidTransactionState. Rolling back
// a committed transaction fails with ErrInvalidTransactionState.
func (b *Bus) RollbackTransaction(ctx context.Context, txID string) (*RollbackResult, error) {
	return b.rollback(ctx, txID, false)
}

func (b *Bus) rollback(ctx context.Context, txID string, fromCommit bool) (*RollbackResult, error) {
	b.txMu.Lock()
	st, ok := b.transactions[txID]
	if !ok {
		b.txMu.Unlock()
		return nil, b.txErr(txID, "rollback", "", ErrTransactionNotFound)
	}

	switch {
	case st.tx.Status == StatusRolledBack:
		res := &RollbackResult{
			Success:           true,
			TransactionID:     txID,
			Results:           append([]ActionResult(nil), st.tx.RollbackResults...),
			AlreadyRolledBack: true,
		}
		b.txMu.Unlock()
		return res, nil

	case st.tx.Status == StatusCommitted:
		b.txMu.Unlock()
		return nil, b.txErr(txID, "rollback", StatusCommitted, ErrInvalidTransactionState)

	case st.done != nil && inSweep(ctx, txID):
		b.txMu.Unlock()
		return nil, b.txErr(txID, "rollback", st.tx.Status, fmt.Errorf("%w: rollback in progress", ErrInvalidTransactionState))

	case st.done != nil:
		done := st.done
		b.txMu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		b.txMu.Lock()
		res := *st.result
		b.txMu.Unlock()
		res.Results = append([]ActionResult(nil), res.Results...)
		res.AlreadyRolledBack = true
		return &res, nil

	case st.sealed && !fromCommit:
		b.txMu.Unlock()
		return nil, b.txErr(txID, "rollback", st.tx.Status, fmt.Errorf("%w: commit in progress", ErrInvalidTransactionState))
	}

	st.sealed = true
	st.done = make(chan struct{})
	actions := append([]RollbackAction(nil), st.tx.RollbackActions...)
	started := st.tx.StartTime
	b.txMu.Unlock()

	spanCtx, span := b.cfg.spans.StartTransactionSpan(ctx, "rollback", txID)
	spanCtx = context.WithValue(spanCtx, sweepKey{txID: txID}, true)

	results := make([]ActionResult, 0, len(actions))
	failed := 0
	for i := len(actions) - 1; i >= 0; i-- {
		r := b.compensate(spanCtx, txID, actions[i])
		if !r.Success {
			failed++
		}
		results = append(results, r)
	}

	outcomes := make([]event.CompensationOutcome, len(results))
	for i, r := range results {
		outcomes[i] = r.outcome()
	}
	if res, err := b.Emit(spanCtx, event.TransactionRollback,
		event.TransactionLifecycle{TransactionID: txID, Actions: len(actions), Outcomes: outcomes},
		WithTransactionID(txID),
	); err != nil || !res.Success {
		if err == nil {
			err = res.Err
		}
		b.cfg.logger.Warn("rollback event not dispatched",
			"transaction_id", txID,
			"error", err,
		)
	}

	now := time.Now()
	result := &RollbackResult{Success: true, TransactionID: txID, Results: results}

	b.txMu.Lock()
	st.tx.Status = StatusRolledBack
	st.tx.RollbackTime = now
	st.tx.RollbackResults = results
	st.result = result
	close(st.done)
	b.txMu.Unlock()

	b.counters.rollbacksExecuted.Add(1)
	b.counters.compensationFailures.Add(int64(failed))
	b.cfg.metrics.RecordTransaction(ctx, string(StatusRolledBack), now.Sub(started))
	observability.LogTransactionRollback(b.cfg.logger, txID, len(actions), failed)
	b.journalResolve(txID)

	var spanErr error
	if failed > 0 {
		spanErr = fmt.Errorf("%d of %d compensations failed", failed, len(actions))
	}
	b.cfg.spans.EndSpanWithError(span, spanErr)

	out := *result
	out.Results = append([]ActionResult(nil), results...)
	return &out, nil
}

// sweepKey marks a context as belonging to the rollback sweep of txID.
type sweepKey struct{ txID string }

func inSweep(ctx context.Context, txID string) bool {
	v, _ := ctx.Value(sweepKey{txID: txID}).(bool)
	return v
}

// compensate runs one compensation with panic recovery.
func (b *Bus) compensate(ctx context.Context, txID string, action RollbackAction) (res ActionResult) {
	res = ActionResult{
		ActionID:    action.ID,
		Description: action.Description,
		ExecutedAt:  time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			res.Err = &CompensationError{
				TransactionID: txID,
				ActionID:      action.ID,
				Description:   action.Description,
				Panic:         r,
			}
			b.cfg.logger.Error("compensation panicked",
				"transaction_id", txID,
				"action_id", action.ID,
				"stack", string(debug.Stack()),
			)
		}
		res.Success = res.Err == nil
		res.Duration = time.Since(res.ExecutedAt)
		b.cfg.metrics.RecordCompensation(ctx, res.Err)
		if res.Err != nil {
			observability.LogCompensationError(b.cfg.logger, txID, action.ID, action.Description, res.Err)
		}
	}()

	if err := action.compensate(ctx); err != nil {
		res.Err = &CompensationError{
			TransactionID: txID,
			ActionID:      action.ID,
			Description:   action.Description,
			Err:           err,
		}
	}
	return res
}

// Transaction returns a snapshot of the transaction, or nil if unknown.
func (b *Bus) Transaction(txID string) *Transaction {
	b.txMu.Lock()
	defer b.txMu.Unlock()

	st, ok := b.transactions[txID]
	if !ok {
		return nil
	}
	return st.tx.clone()
}

// Transactions returns snapshots of every tracked transaction, oldest first.
func (b *Bus) Transactions() []*Transaction {
	b.txMu.Lock()
	out := make([]*Transaction, 0, len(b.transactions))
	for _, st := range b.transactions {
		out = append(out, st.tx.clone())
	}
	b.txMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// activeTransactionIDs returns active transaction IDs, oldest first.
func (b *Bus) activeTransactionIDs() []string {
	var ids []string
	for _, tx := range b.Transactions() {
		if tx.Status == StatusActive {
			ids = append(ids, tx.ID)
		}
	}
	return ids
}

// CleanupTransactions deletes terminal transactions started more than
// maxAge ago and returns how many were deleted. Active transactions are
// never deleted.
func (b *Bus) CleanupTransactions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	b.txMu.Lock()
	defer b.txMu.Unlock()

	removed := 0
	for id, st := range b.transactions {
		if st.tx.Status.Terminal() && st.tx.StartTime.Before(cutoff) {
			delete(b.transactions, id)
			removed++
		}
	}
	return removed
}
