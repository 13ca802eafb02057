package saga

import (
	"context"
	"fmt"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/event"
)

// SaleRequest describes a checkout.
type SaleRequest struct {
	SaleID     string
	CustomerID string
	Items      []event.LineItem
	Total      event.Money
	Paid       event.Money
	// CreditUsed is the part of Total charged to the customer's balance.
	CreditUsed event.Money
	// TransactionID optionally fixes the bus transaction ID.
	TransactionID string
}

func (r SaleRequest) validate() error {
	switch {
	case r.SaleID == "":
		return fmt.Errorf("%w: sale id is required", ErrInvalidRequest)
	case len(r.Items) == 0:
		return fmt.Errorf("%w: sale %s has no items", ErrInvalidRequest, r.SaleID)
	case r.CreditUsed < 0:
		return fmt.Errorf("%w: sale %s: negative credit", ErrInvalidRequest, r.SaleID)
	case r.CreditUsed > 0 && r.CustomerID == "":
		return fmt.Errorf("%w: sale %s: credit requires a customer", ErrInvalidRequest, r.SaleID)
	}
	for _, item := range r.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			return fmt.Errorf("%w: sale %s: bad line %+v", ErrInvalidRequest, r.SaleID, item)
		}
	}
	return nil
}

// SaleDefinition builds the sale saga: reserve every line, charge customer
// credit when used, reduce every line, then record the sale.
func SaleDefinition(req SaleRequest) (*Definition, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	def := &Definition{
		Name:          "sale",
		TransactionID: req.TransactionID,
	}
	if req.CustomerID != "" {
		def.Keys = append(def.Keys, CustomerKey(req.CustomerID))
	}

	for _, item := range req.Items {
		def.Keys = append(def.Keys, ProductKey(item.ProductID))
		move := stockMovement(item, req.SaleID)
		def.Steps = append(def.Steps, Step{
			Name:         "reserve " + item.ProductID,
			Kind:         event.StockReserved,
			Payload:      move,
			Compensation: &txbus.Command{Kind: event.StockReleased, Payload: move},
		})
	}

	if req.CreditUsed > 0 {
		change := event.BalanceChange{CustomerID: req.CustomerID, Amount: req.CreditUsed, Reference: req.SaleID}
		def.Steps = append(def.Steps, Step{
			Name:         "charge credit",
			Kind:         event.CustomerBalanceCharged,
			Payload:      change,
			Compensation: &txbus.Command{Kind: event.CustomerBalanceCredited, Payload: change},
		})
	}

	for _, item := range req.Items {
		move := stockMovement(item, req.SaleID)
		def.Steps = append(def.Steps, Step{
			Name:         "reduce " + item.ProductID,
			Kind:         event.StockReduced,
			Payload:      move,
			Compensation: &txbus.Command{Kind: event.StockRestored, Payload: move},
		})
	}

	def.Steps = append(def.Steps, Step{
		Name: "complete sale",
		Kind: event.SaleCompleted,
		Payload: event.SaleCompletedPayload{
			SaleID:     req.SaleID,
			CustomerID: req.CustomerID,
			Items:      req.Items,
			Total:      req.Total,
			Paid:       req.Paid,
			CreditUsed: req.CreditUsed,
		},
	})
	return def, nil
}

// Sale runs the sale saga.
func (r *Runner) Sale(ctx context.Context, req SaleRequest) (*Execution, error) {
	def, err := SaleDefinition(req)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, def)
}

func stockMovement(item event.LineItem, reference string) event.StockMovement {
	return event.StockMovement{
		ProductID: item.ProductID,
		BatchID:   item.BatchID,
		Quantity:  item.Quantity,
		Reference: reference,
	}
}
