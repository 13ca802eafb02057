// Package saga runs multi-step business operations on a txbus.Bus.
//
// A saga is a sequence of steps. Each step emits one event inside the
// saga's transaction and, once every listener has handled it, registers
// the command that undoes it. If any step fails, the transaction is rolled
// back and the registered commands run in reverse order.
//
// The package ships the pharmacy templates (Sale, Refund, Purchase and
// ReconcileCash) built on the generic Runner.
//
// Sagas that touch the same customer, product, supplier or till are
// serialized through a KeyedLocker; the bus itself provides no
// cross-transaction exclusion.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// Status represents the state of a saga execution.
type Status string

// Saga status constants.
const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
	StatusSkipped      Status = "skipped"
)

// Terminal reports whether the execution has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

var (
	// ErrStepFailed matches every *StepError.
	ErrStepFailed = errors.New("saga step failed")

	// ErrInvalidRequest indicates a template request that cannot run.
	ErrInvalidRequest = errors.New("invalid saga request")
)

// StepError reports the step that stopped a saga.
type StepError struct {
	Saga  string
	Step  string
	Index int
	Err   error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s: step %d (%s): %v", e.Saga, e.Index, e.Step, e.Err)
}

// Unwrap exposes ErrStepFailed and the step's own error.
func (e *StepError) Unwrap() []error {
	return []error{ErrStepFailed, e.Err}
}

// Step defines a single step in a saga.
type Step struct {
	// Name identifies this step.
	Name string

	// Kind and Payload are emitted inside the saga's transaction. The
	// payload is also attached as rollback data, so a timeout rolls the
	// transaction back automatically.
	Kind    event.Kind
	Payload any

	// Compensation is registered after the step succeeds and emitted on
	// rollback. Nil means the step needs no undo.
	Compensation *txbus.Command

	// Retry configures how often a failing compensation is retried.
	// Nil uses the runner default.
	Retry *RetryPolicy

	// Timeout overrides the bus emit timeout for this step.
	Timeout time.Duration

	// Optional marks this step as non-critical.
	// If an optional step fails, the saga continues without compensating.
	Optional bool
}

// Definition defines one saga run.
type Definition struct {
	// Name identifies this saga type ("sale", "refund", ...).
	Name string

	// TransactionID is used for the bus transaction. Empty generates one.
	TransactionID string

	// Keys name the resources the saga mutates ("customer:C1").
	// They are locked, in sorted order, for the whole run.
	Keys []string

	// Steps are executed in order.
	Steps []Step

	// OnComplete is called when the saga commits.
	OnComplete func(ctx context.Context, execution *Execution)

	// OnCompensate is called when the rollback finishes.
	OnCompensate func(ctx context.Context, execution *Execution)
}

// Validate checks the saga definition for errors.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("saga name is required")
	}
	if len(d.Steps) == 0 {
		return errors.New("saga must have at least one step")
	}
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if !step.Kind.Valid() || step.Kind.IsLifecycle() {
			return fmt.Errorf("step %d (%s): invalid event kind %q", i, step.Name, step.Kind)
		}
		if step.Compensation != nil && !step.Compensation.Kind.Valid() {
			return fmt.Errorf("step %d (%s): invalid compensation kind %q", i, step.Name, step.Compensation.Kind)
		}
	}
	return nil
}

// StepExecution tracks a single step's execution.
type StepExecution struct {
	StepName          string        `json:"step_name"`
	Kind              event.Kind    `json:"kind"`
	Status            Status        `json:"status"`
	EventID           string        `json:"event_id,omitempty"`
	ActionID          string        `json:"action_id,omitempty"`
	ListenersExecuted int           `json:"listeners_executed"`
	Error             string        `json:"error,omitempty"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	FinishedAt        time.Time     `json:"finished_at,omitempty"`
	Duration          time.Duration `json:"duration,omitempty"`
}

// Execution tracks the complete saga execution.
type Execution struct {
	ID              string          `json:"id"`
	SagaName        string          `json:"saga_name"`
	TransactionID   string          `json:"transaction_id"`
	Status          Status          `json:"status"`
	Error           string          `json:"error,omitempty"`
	Steps           []StepExecution `json:"steps"`
	CurrentStep     int             `json:"current_step"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at,omitempty"`
	CompensatedAt   *time.Time      `json:"compensated_at,omitempty"`
	CompensateError string          `json:"compensate_error,omitempty"`

	// Rollback is set once the transaction has been rolled back.
	Rollback *txbus.RollbackResult `json:"rollback,omitempty"`

	mu sync.Mutex
}

// Clone creates a copy of the execution without the mutex.
func (e *Execution) Clone() *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()

	clone := &Execution{
		ID:              e.ID,
		SagaName:        e.SagaName,
		TransactionID:   e.TransactionID,
		Status:          e.Status,
		Error:           e.Error,
		Steps:           make([]StepExecution, len(e.Steps)),
		CurrentStep:     e.CurrentStep,
		StartedAt:       e.StartedAt,
		FinishedAt:      e.FinishedAt,
		CompensatedAt:   e.CompensatedAt,
		CompensateError: e.CompensateError,
		Rollback:        e.Rollback,
	}
	copy(clone.Steps, e.Steps)
	return clone
}

// Runner executes sagas against a bus.
type Runner struct {
	bus    *txbus.Bus
	locker *KeyedLocker
	store  Store
	logger *slog.Logger
	retry  RetryPolicy
	dlq    *DeadLetterQueue
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLocker shares a KeyedLocker between runners.
func WithLocker(l *KeyedLocker) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.locker = l
		}
	}
}

// WithStore sets where executions are tracked. Default: a MemoryStore.
func WithStore(s Store) RunnerOption {
	return func(r *Runner) {
		if s != nil {
			r.store = s
		}
	}
}

// WithDefaultRetry sets the compensation retry policy for steps without
// their own. Default: NoRetry.
func WithDefaultRetry(p RetryPolicy) RunnerOption {
	return func(r *Runner) {
		r.retry = p
	}
}

// WithDeadLetters parks compensations that fail after their retries in q.
func WithDeadLetters(q *DeadLetterQueue) RunnerOption {
	return func(r *Runner) {
		r.dlq = q
	}
}

// NewRunner creates a runner for bus.
func NewRunner(bus *txbus.Bus, opts ...RunnerOption) *Runner {
	r := &Runner{
		bus:    bus,
		locker: NewKeyedLocker(),
		store:  NewMemoryStore(),
		logger: slog.Default(),
		retry:  NoRetry,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes def synchronously.
//
// The definition's keys are locked, a transaction is started and each
// step is emitted in order with the transaction ID. A step fails when the
// emission errors, is vetoed or times out, or when any listener fails.
// After a successful step its compensation is registered. When every step
// succeeds the transaction is committed.
//
// On failure the transaction is rolled back and the returned error wraps
// ErrStepFailed; the execution ends compensated, or failed if some
// compensation could not be applied. The execution is returned whenever
// the saga started.
func (r *Runner) Run(ctx context.Context, def *Definition) (*Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	unlock, err := r.locker.Lock(ctx, def.Keys...)
	if err != nil {
		return nil, fmt.Errorf("saga %s: lock %v: %w", def.Name, def.Keys, err)
	}
	defer unlock()

	txID, err := r.bus.StartTransaction(def.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("saga %s: %w", def.Name, err)
	}

	execution := &Execution{
		ID:            fmt.Sprintf("saga-%s", uuid.New().String()[:8]),
		SagaName:      def.Name,
		TransactionID: txID,
		Status:        StatusRunning,
		Steps:         make([]StepExecution, len(def.Steps)),
		StartedAt:     time.Now(),
	}
	for i, step := range def.Steps {
		execution.Steps[i] = StepExecution{
			StepName: step.Name,
			Kind:     step.Kind,
			Status:   StatusPending,
		}
	}
	if err := r.store.Create(ctx, execution); err != nil {
		r.logger.Warn("saga execution not tracked",
			"saga_id", execution.ID,
			"error", err,
		)
	}

	r.logger.Debug("saga started",
		"saga_id", execution.ID,
		"saga_name", def.Name,
		"transaction_id", txID,
		"steps", len(def.Steps),
	)

	for i := range def.Steps {
		step := &def.Steps[i]

		stepErr := r.runStep(ctx, def, execution, i)
		if stepErr == nil {
			continue
		}
		if step.Optional {
			r.logger.Debug("optional saga step failed, continuing",
				"saga_id", execution.ID,
				"step", step.Name,
				"error", stepErr,
			)
			continue
		}

		r.logger.Error("saga step failed",
			"saga_id", execution.ID,
			"saga_name", def.Name,
			"step", step.Name,
			"error", stepErr,
		)
		serr := &StepError{Saga: def.Name, Step: step.Name, Index: i, Err: stepErr}
		r.compensate(ctx, def, execution, serr)
		return execution.Clone(), serr
	}

	if _, err := r.bus.CommitTransaction(ctx, txID); err != nil {
		// The bus rolled the transaction back already.
		r.compensate(ctx, def, execution, err)
		return execution.Clone(), fmt.Errorf("saga %s: commit: %w", def.Name, err)
	}

	execution.mu.Lock()
	execution.Status = StatusCompleted
	execution.FinishedAt = time.Now()
	execution.mu.Unlock()
	r.track(ctx, execution)

	r.logger.Info("saga completed successfully",
		"saga_id", execution.ID,
		"saga_name", def.Name,
		"transaction_id", txID,
	)

	if def.OnComplete != nil {
		def.OnComplete(ctx, execution.Clone())
	}
	return execution.Clone(), nil
}

// runStep emits one step and registers its compensation.
func (r *Runner) runStep(ctx context.Context, def *Definition, execution *Execution, i int) error {
	step := &def.Steps[i]
	stepExec := &execution.Steps[i]

	execution.mu.Lock()
	execution.CurrentStep = i
	stepExec.Status = StatusRunning
	stepExec.StartedAt = time.Now()
	execution.mu.Unlock()

	err := ctx.Err()
	var res *txbus.EmitResult
	if err == nil {
		opts := []txbus.EmitOption{
			txbus.WithTransactionID(execution.TransactionID),
			txbus.WithRollbackData(step.Payload),
		}
		if step.Timeout > 0 {
			opts = append(opts, txbus.WithTimeout(step.Timeout))
		}
		res, err = r.bus.Emit(ctx, step.Kind, step.Payload, opts...)
	}
	if err == nil {
		err = stepOutcome(res)
	}

	var actionID string
	if err == nil && step.Compensation != nil {
		policy := r.retry
		if step.Retry != nil {
			policy = *step.Retry
		}
		actionID, err = r.bus.AddRollbackCommand(execution.TransactionID, *step.Compensation,
			fmt.Sprintf("%s: undo %s", def.Name, step.Name),
			txbus.WithCompensationWrapper(policy.wrap(r.logger, step.Name)),
		)
	}

	execution.mu.Lock()
	stepExec.FinishedAt = time.Now()
	stepExec.Duration = stepExec.FinishedAt.Sub(stepExec.StartedAt)
	stepExec.ActionID = actionID
	if res != nil {
		stepExec.EventID = res.EventID
		stepExec.ListenersExecuted = res.ListenersExecuted
	}
	switch {
	case err == nil:
		stepExec.Status = StatusCompleted
	case step.Optional:
		stepExec.Status = StatusSkipped
		stepExec.Error = err.Error()
	default:
		stepExec.Status = StatusFailed
		stepExec.Error = err.Error()
	}
	execution.mu.Unlock()
	r.track(ctx, execution)

	if err == nil {
		r.logger.Debug("saga step completed",
			"saga_id", execution.ID,
			"step", step.Name,
		)
	}
	return err
}

// stepOutcome turns an unsuccessful emission or a failed listener into an
// error.
func stepOutcome(res *txbus.EmitResult) error {
	if !res.Success {
		return res.Err
	}
	failed := res.Failed()
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, len(failed))
	for i, f := range failed {
		errs[i] = f.Err
	}
	return errors.Join(errs...)
}

// compensate rolls the saga's transaction back and records the outcome.
func (r *Runner) compensate(ctx context.Context, def *Definition, execution *Execution, cause error) {
	execution.mu.Lock()
	execution.Status = StatusCompensating
	execution.Error = cause.Error()
	execution.mu.Unlock()
	r.track(ctx, execution)

	r.logger.Info("starting saga compensation",
		"saga_id", execution.ID,
		"saga_name", def.Name,
		"transaction_id", execution.TransactionID,
		"reason", cause,
	)

	// Compensations must run even if the caller gave up.
	res, err := r.bus.RollbackTransaction(context.WithoutCancel(ctx), execution.TransactionID)

	now := time.Now()
	execution.mu.Lock()
	switch {
	case err != nil:
		execution.Status = StatusFailed
		execution.CompensateError = err.Error()
	case len(res.Failed()) > 0:
		var msgs []string
		for _, f := range res.Failed() {
			msgs = append(msgs, f.Err.Error())
		}
		execution.Status = StatusFailed
		execution.CompensateError = fmt.Sprintf("compensation errors: %v", msgs)
		execution.Rollback = res
	default:
		execution.Status = StatusCompensated
		execution.Rollback = res
	}
	execution.CompensatedAt = &now
	execution.FinishedAt = now
	status := execution.Status
	execution.mu.Unlock()
	r.track(ctx, execution)
	r.deadLetters(def, execution, res)

	r.logger.Info("saga compensation completed",
		"saga_id", execution.ID,
		"saga_name", def.Name,
		"status", status,
	)

	if def.OnCompensate != nil {
		def.OnCompensate(ctx, execution.Clone())
	}
}

func (r *Runner) track(ctx context.Context, execution *Execution) {
	if err := r.store.Update(context.WithoutCancel(ctx), execution); err != nil {
		r.logger.Warn("saga execution not updated",
			"saga_id", execution.ID,
			"error", err,
		)
	}
}

// Execution returns a tracked execution by ID, or nil.
func (r *Runner) Execution(executionID string) *Execution {
	exec, err := r.store.Get(context.Background(), executionID)
	if err != nil {
		return nil
	}
	return exec
}

// Executions returns tracked executions matching filter, oldest first.
// A nil filter returns every execution.
func (r *Runner) Executions(filter *ListFilter) []*Execution {
	execs, err := r.store.List(context.Background(), filter)
	if err != nil {
		r.logger.Warn("listing saga executions failed", "error", err)
		return nil
	}
	return execs
}

// Remove removes an execution from tracking.
// Only completed, compensated, or failed sagas can be removed.
func (r *Runner) Remove(executionID string) error {
	ctx := context.Background()
	exec, err := r.store.Get(ctx, executionID)
	if err != nil {
		return fmt.Errorf("execution %q: %w", executionID, err)
	}
	if !exec.Status.Terminal() {
		return errors.New("cannot remove running or compensating saga")
	}
	return r.store.Delete(ctx, executionID)
}

// Prune drops finished executions older than maxAge from a store that
// implements Pruner and returns how many were dropped. Other stores are
// left alone.
func (r *Runner) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	p, ok := r.store.(Pruner)
	if !ok {
		return 0, nil
	}
	return p.Prune(ctx, time.Now().Add(-maxAge))
}
