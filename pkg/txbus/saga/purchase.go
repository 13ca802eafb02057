package saga

import (
	"context"
	"fmt"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// PurchaseRequest describes goods received from a supplier.
type PurchaseRequest struct {
	OrderID    string
	SupplierID string
	Lines      []event.PurchaseLine
	// Total defaults to the sum of the lines.
	Total event.Money
	// Paid up front; the remainder is owed to the supplier.
	Paid          event.Money
	TransactionID string
}

func (r PurchaseRequest) validate() error {
	switch {
	case r.OrderID == "":
		return fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	case r.SupplierID == "":
		return fmt.Errorf("%w: order %s: supplier is required", ErrInvalidRequest, r.OrderID)
	case len(r.Lines) == 0:
		return fmt.Errorf("%w: order %s has no lines", ErrInvalidRequest, r.OrderID)
	case r.Paid < 0:
		return fmt.Errorf("%w: order %s: negative payment", ErrInvalidRequest, r.OrderID)
	}
	for _, line := range r.Lines {
		if line.ProductID == "" || line.BatchID == "" || line.Quantity <= 0 {
			return fmt.Errorf("%w: order %s: bad line %+v", ErrInvalidRequest, r.OrderID, line)
		}
	}
	return nil
}

func (r PurchaseRequest) total() event.Money {
	if r.Total != 0 {
		return r.Total
	}
	var sum event.Money
	for _, line := range r.Lines {
		sum += event.Money(line.Quantity) * line.UnitCost
	}
	return sum
}

// PurchaseDefinition builds the purchase saga: record the order, add one
// batch per line, then increase the supplier payable by the unpaid part.
func PurchaseDefinition(req PurchaseRequest) (*Definition, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	total := req.total()

	def := &Definition{
		Name:          "purchase",
		TransactionID: req.TransactionID,
		Keys:          []string{SupplierKey(req.SupplierID)},
	}

	def.Steps = append(def.Steps, Step{
		Name: "create order",
		Kind: event.PurchaseOrderCreated,
		Payload: event.PurchaseOrderPayload{
			OrderID:    req.OrderID,
			SupplierID: req.SupplierID,
			Lines:      req.Lines,
			Total:      total,
			Paid:       req.Paid,
		},
	})

	for _, line := range req.Lines {
		def.Keys = append(def.Keys, ProductKey(line.ProductID))
		batch := event.BatchChange{
			OrderID:   req.OrderID,
			ProductID: line.ProductID,
			BatchID:   line.BatchID,
			Quantity:  line.Quantity,
			UnitCost:  line.UnitCost,
			ExpiresAt: line.ExpiresAt,
		}
		def.Steps = append(def.Steps, Step{
			Name:         "add batch " + line.BatchID,
			Kind:         event.BatchAdded,
			Payload:      batch,
			Compensation: &txbus.Command{Kind: event.BatchRemoved, Payload: batch},
		})
	}

	if unpaid := total - req.Paid; unpaid > 0 {
		def.Steps = append(def.Steps, Step{
			Name: "adjust supplier balance",
			Kind: event.SupplierBalanceAdjusted,
			Payload: event.SupplierAdjustment{
				SupplierID: req.SupplierID,
				OrderID:    req.OrderID,
				Amount:     unpaid,
			},
			Compensation: &txbus.Command{
				Kind: event.SupplierBalanceAdjusted,
				Payload: event.SupplierAdjustment{
					SupplierID: req.SupplierID,
					OrderID:    req.OrderID,
					Amount:     -unpaid,
				},
			},
		})
	}
	return def, nil
}

// Purchase runs the purchase saga.
func (r *Runner) Purchase(ctx context.Context, req PurchaseRequest) (*Execution, error) {
	def, err := PurchaseDefinition(req)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, def)
}
