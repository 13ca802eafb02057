package saga

import (
	"context"
	"fmt"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// RefundRequest describes returned goods.
type RefundRequest struct {
	RefundID   string
	SaleID     string
	CustomerID string
	Items      []event.LineItem
	// Amount is credited to the customer's balance when CustomerID is set.
	Amount        event.Money
	TransactionID string
}

func (r RefundRequest) validate() error {
	switch {
	case r.RefundID == "":
		return fmt.Errorf("%w: refund id is required", ErrInvalidRequest)
	case len(r.Items) == 0 && r.Amount == 0:
		return fmt.Errorf("%w: refund %s returns nothing", ErrInvalidRequest, r.RefundID)
	case r.Amount < 0:
		return fmt.Errorf("%w: refund %s: negative amount", ErrInvalidRequest, r.RefundID)
	}
	for _, item := range r.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return fmt.Errorf("%w: refund %s: bad line %+v", ErrInvalidRequest, r.RefundID, item)
		}
	}
	return nil
}

// RefundDefinition builds the refund saga: restore stock for every
// returned line, credit the customer, then record the refund.
func RefundDefinition(req RefundRequest) (*Definition, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	def := &Definition{
		Name:          "refund",
		TransactionID: req.TransactionID,
	}
	if req.CustomerID != "" {
		def.Keys = append(def.Keys, CustomerKey(req.CustomerID))
	}

	for _, item := range req.Items {
		def.Keys = append(def.Keys, ProductKey(item.ProductID))
		move := stockMovement(item, req.RefundID)
		def.Steps = append(def.Steps, Step{
			Name:         "restore " + item.ProductID,
			Kind:         event.StockRestored,
			Payload:      move,
			Compensation: &txbus.Command{Kind: event.StockReduced, Payload: move},
		})
	}

	if req.CustomerID != "" && req.Amount > 0 {
		change := event.BalanceChange{CustomerID: req.CustomerID, Amount: req.Amount, Reference: req.RefundID}
		def.Steps = append(def.Steps, Step{
			Name:         "credit customer",
			Kind:         event.CustomerBalanceCredited,
			Payload:      change,
			Compensation: &txbus.Command{Kind: event.CustomerBalanceCharged, Payload: change},
		})
	}

	def.Steps = append(def.Steps, Step{
		Name: "process refund",
		Kind: event.RefundProcessed,
		Payload: event.RefundProcessedPayload{
			RefundID:   req.RefundID,
			SaleID:     req.SaleID,
			CustomerID: req.CustomerID,
			Items:      req.Items,
			Amount:     req.Amount,
		},
	})
	return def, nil
}

// Refund runs the refund saga.
func (r *Runner) Refund(ctx context.Context, req RefundRequest) (*Execution, error) {
	def, err := RefundDefinition(req)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, def)
}
