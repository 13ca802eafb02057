package txbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// cleanupTask is a registered teardown callback.
type cleanupTask struct {
	id          string
	description string
	fn          func(ctx context.Context) error
}

// CleanupResult reports one teardown callback run by Destroy.
type CleanupResult struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Success     bool   `json:"success"`
	Err         error  `json:"-"`
}

// DestroyReport summarizes Destroy.
type DestroyReport struct {
	// RolledBack holds one result per transaction that was still active.
	RolledBack []*RollbackResult `json:"rolled_back"`
	// Cleanups holds one result per registered callback, in registration order.
	Cleanups []CleanupResult `json:"cleanups"`
}

// RegisterCleanup stores a teardown callback for Destroy and returns its ID.
func (b *Bus) RegisterCleanup(fn func(ctx context.Context) error, description string) string {
	if fn == nil || b.closing.Load() {
		return ""
	}
	id := uuid.New().String()

	b.cleanupMu.Lock()
	b.cleanups = append(b.cleanups, cleanupTask{id: id, description: description, fn: fn})
	b.cleanupMu.Unlock()
	return id
}

// Destroy shuts the bus down. It stops housekeeping, rolls back every
// active transaction, runs every cleanup callback in registration order
// (a failing callback does not stop the rest), then releases listeners,
// middlewares, history and transactions and marks the bus destroyed.
//
// Afterwards On and Use are no-ops, Emit reports ErrBusDestroyed in its
// result and StartTransaction fails. Only the first call does anything.
// The returned error joins the errors of failed cleanup callbacks.
func (b *Bus) Destroy(ctx context.Context) (*DestroyReport, error) {
	if !b.closing.CompareAndSwap(false, true) {
		return &DestroyReport{}, nil
	}

	b.stopHousekeeping()

	report := &DestroyReport{}
	for _, id := range b.activeTransactionIDs() {
		res, err := b.RollbackTransaction(ctx, id)
		if err != nil {
			b.cfg.logger.Error("rollback during destroy failed",
				"transaction_id", id,
				"error", err,
			)
			continue
		}
		report.RolledBack = append(report.RolledBack, res)
	}

	b.cleanupMu.Lock()
	tasks := b.cleanups
	b.cleanups = nil
	b.cleanupMu.Unlock()

	var errs []error
	for _, task := range tasks {
		err := runCleanup(ctx, task)
		report.Cleanups = append(report.Cleanups, CleanupResult{
			TaskID:      task.id,
			Description: task.description,
			Success:     err == nil,
			Err:         err,
		})
		if err != nil {
			errs = append(errs, err)
			b.cfg.logger.Error("cleanup task failed",
				"task_id", task.id,
				"description", task.description,
				"error", err,
			)
		}
	}

	b.mu.Lock()
	clear(b.listeners)
	clear(b.onceQueue)
	b.middlewares = nil
	b.mu.Unlock()

	b.history.clear()

	b.txMu.Lock()
	clear(b.transactions)
	b.txMu.Unlock()

	// Mark destroyed first so a scrape never reads the zeroed counters.
	b.destroyed.Store(true)
	b.counters.reset()

	b.cfg.logger.Info("bus destroyed",
		"rolled_back", len(report.RolledBack),
		"cleanups", len(report.Cleanups),
		"cleanup_failures", len(errs),
	)
	return report, errors.Join(errs...)
}

func runCleanup(ctx context.Context, task cleanupTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup %q panicked: %v", task.description, r)
		}
	}()
	if err := task.fn(ctx); err != nil {
		return fmt.Errorf("cleanup %q: %w", task.description, err)
	}
	return nil
}

// IsDestroyed reports whether Destroy has completed.
func (b *Bus) IsDestroyed() bool {
	return b.destroyed.Load()
}
