package txbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus/event"
	"github.com/pharmapos/txbus/pkg/txbus/journal"
)

// RecoveredTransaction reports the compensation of one journaled
// transaction left unresolved by a previous process.
type RecoveredTransaction struct {
	TransactionID string         `json:"transaction_id"`
	StartedAt     time.Time      `json:"started_at"`
	Results       []ActionResult `json:"results"`
	// Unrecoverable lists closure compensations that could not be replayed.
	Unrecoverable []string `json:"unrecoverable,omitempty"`
}

// RecoveryReport summarizes Recover.
type RecoveryReport struct {
	Transactions []RecoveredTransaction `json:"transactions"`
}

// Failed returns the number of replayed commands that failed.
func (r *RecoveryReport) Failed() int {
	n := 0
	for _, tx := range r.Transactions {
		for _, res := range tx.Results {
			if !res.Success {
				n++
			}
		}
	}
	return n
}

// Recover compensates every transaction the journal still holds from a
// previous run: journaled commands are replayed most recent first, a
// transaction.rollback event is emitted with the outcomes, and the journal
// entry is resolved. Transactions live on this bus are skipped. Call it
// after listeners are registered and before new sagas start.
//
// Without a journal Recover does nothing.
func (b *Bus) Recover(ctx context.Context) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	if b.cfg.journal == nil {
		return report, nil
	}
	if b.closing.Load() {
		return nil, ErrBusDestroyed
	}

	pending, err := b.cfg.journal.Pending()
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	for _, rec := range pending {
		if b.Transaction(rec.TransactionID) != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Transactions = append(report.Transactions, b.recoverOne(ctx, rec))
	}

	if len(report.Transactions) > 0 {
		b.cfg.logger.Info("journal recovery complete",
			"transactions", len(report.Transactions),
			"failed", report.Failed(),
		)
	}
	return report, nil
}

func (b *Bus) recoverOne(ctx context.Context, rec journal.Record) RecoveredTransaction {
	out := RecoveredTransaction{
		TransactionID: rec.TransactionID,
		StartedAt:     rec.StartedAt,
	}

	for i := len(rec.Entries) - 1; i >= 0; i-- {
		entry := rec.Entries[i]
		if !entry.Recoverable() {
			out.Unrecoverable = append(out.Unrecoverable, entry.Description)
			b.cfg.logger.Warn("journaled compensation cannot be replayed",
				"transaction_id", rec.TransactionID,
				"action_id", entry.ActionID,
				"description", entry.Description,
			)
			continue
		}

		cmd := Command{Kind: entry.Kind, Payload: b.decodePayload(entry)}
		action := RollbackAction{
			ID:          entry.ActionID,
			Description: entry.Description,
			Command:     &cmd,
			AddedAt:     entry.AddedAt,
			compensate: func(ctx context.Context) error {
				return b.runCommand(ctx, rec.TransactionID, cmd)
			},
		}
		out.Results = append(out.Results, b.compensate(ctx, rec.TransactionID, action))
	}

	outcomes := make([]event.CompensationOutcome, len(out.Results))
	for i, r := range out.Results {
		outcomes[i] = r.outcome()
		if !r.Success {
			b.counters.compensationFailures.Add(1)
		}
	}
	if _, err := b.Emit(ctx, event.TransactionRollback,
		event.TransactionLifecycle{TransactionID: rec.TransactionID, Actions: len(rec.Entries), Outcomes: outcomes},
		WithTransactionID(rec.TransactionID),
	); err != nil {
		b.cfg.logger.Warn("rollback event not dispatched",
			"transaction_id", rec.TransactionID,
			"error", err,
		)
	}

	b.counters.rollbacksExecuted.Add(1)
	b.journalResolve(rec.TransactionID)
	return out
}

// decodePayload turns a journaled payload back into the kind's payload
// type. Kinds missing from the registry get the raw JSON.
func (b *Bus) decodePayload(entry journal.Entry) any {
	v, err := b.cfg.registry.Decode(entry.Kind, entry.Payload)
	if err != nil {
		b.cfg.logger.Debug("journaled payload left undecoded",
			"kind", string(entry.Kind),
			"error", err,
		)
		return json.RawMessage(entry.Payload)
	}
	return v
}
