package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// VarianceTolerance is the largest cash variance that is not booked.
const VarianceTolerance event.Money = 1

// ReconciliationRequest describes an end-of-shift cash count.
type ReconciliationRequest struct {
	TillID        string
	CashierID     string
	Expected      event.Money
	Counted       event.Money
	TransactionID string
}

// ReconciliationDefinition builds the cash reconciliation saga: open the
// till, record the count, book an overage or shortage when the variance
// exceeds VarianceTolerance, then close the till. It registers no
// compensations; a failure only aborts.
func ReconciliationDefinition(req ReconciliationRequest) (*Definition, error) {
	if req.TillID == "" {
		return nil, fmt.Errorf("%w: till id is required", ErrInvalidRequest)
	}

	now := time.Now()
	variance := req.Counted - req.Expected

	def := &Definition{
		Name:          "cash_reconciliation",
		TransactionID: req.TransactionID,
		Keys:          []string{TillKey(req.TillID)},
		Steps: []Step{
			{
				Name:    "open till",
				Kind:    event.TillOpened,
				Payload: event.TillEvent{TillID: req.TillID, CashierID: req.CashierID, At: now},
			},
			{
				Name: "count cash",
				Kind: event.TillCashCounted,
				Payload: event.CashCount{
					TillID:   req.TillID,
					Expected: req.Expected,
					Counted:  req.Counted,
					Variance: variance,
				},
			},
		},
	}

	if variance.Abs() > VarianceTolerance {
		kind, name := event.TillOverageRecorded, "record overage"
		if variance < 0 {
			kind, name = event.TillShortageRecorded, "record shortage"
		}
		def.Steps = append(def.Steps, Step{
			Name:    name,
			Kind:    kind,
			Payload: event.CashVariance{TillID: req.TillID, Amount: variance.Abs()},
		})
	}

	def.Steps = append(def.Steps, Step{
		Name:    "close till",
		Kind:    event.TillClosed,
		Payload: event.TillEvent{TillID: req.TillID, CashierID: req.CashierID, At: now},
	})
	return def, nil
}

// ReconcileCash runs the cash reconciliation saga.
func (r *Runner) ReconcileCash(ctx context.Context, req ReconciliationRequest) (*Execution, error) {
	def, err := ReconciliationDefinition(req)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, def)
}
