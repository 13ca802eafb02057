package event

import (
	"fmt"
	"time"
)

// Money is an amount in minor currency units (cents).
type Money int64

// Cents builds Money from a whole-unit and cent pair, e.g. Cents(12, 50) = 12.50.
func Cents(units, cents int64) Money {
	return Money(units*100 + cents)
}

// Abs returns the absolute amount.
func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// String formats the amount with two decimals.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// LineItem is one product line of a sale or refund.
type LineItem struct {
	ProductID string `json:"product_id"`
	BatchID   string `json:"batch_id,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice Money  `json:"unit_price"`
}

// Amount returns quantity times unit price.
func (l LineItem) Amount() Money {
	return Money(l.Quantity) * l.UnitPrice
}

// StockMovement is the payload of the stock.* kinds.
type StockMovement struct {
	ProductID string `json:"product_id"`
	BatchID   string `json:"batch_id,omitempty"`
	Quantity  int    `json:"quantity"`
	Reference string `json:"reference,omitempty"` // sale, refund or reservation id
}

// BalanceChange is the payload of the customer.balance_* kinds.
// Amount is always positive; the kind carries the direction.
type BalanceChange struct {
	CustomerID string `json:"customer_id"`
	Amount     Money  `json:"amount"`
	Reference  string `json:"reference,omitempty"`
}

// SaleCompletedPayload is the payload of SaleCompleted.
type SaleCompletedPayload struct {
	SaleID     string     `json:"sale_id"`
	CustomerID string     `json:"customer_id,omitempty"`
	Items      []LineItem `json:"items"`
	Total      Money      `json:"total"`
	Paid       Money      `json:"paid"`
	CreditUsed Money      `json:"credit_used,omitempty"`
}

// RefundProcessedPayload is the payload of RefundProcessed.
type RefundProcessedPayload struct {
	RefundID   string     `json:"refund_id"`
	SaleID     string     `json:"sale_id,omitempty"`
	CustomerID string     `json:"customer_id,omitempty"`
	Items      []LineItem `json:"items"`
	Amount     Money      `json:"amount"`
}

// PurchaseLine is one line of a purchase order.
type PurchaseLine struct {
	ProductID string    `json:"product_id"`
	BatchID   string    `json:"batch_id"`
	Quantity  int       `json:"quantity"`
	UnitCost  Money     `json:"unit_cost"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// PurchaseOrderPayload is the payload of PurchaseOrderCreated.
type PurchaseOrderPayload struct {
	OrderID    string         `json:"order_id"`
	SupplierID string         `json:"supplier_id"`
	Lines      []PurchaseLine `json:"lines"`
	Total      Money          `json:"total"`
	Paid       Money          `json:"paid"`
}

// BatchChange is the payload of BatchAdded and BatchRemoved.
type BatchChange struct {
	OrderID   string    `json:"order_id,omitempty"`
	ProductID string    `json:"product_id"`
	BatchID   string    `json:"batch_id"`
	Quantity  int       `json:"quantity"`
	UnitCost  Money     `json:"unit_cost"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// SupplierAdjustment is the payload of SupplierBalanceAdjusted.
// A positive Amount increases what is owed to the supplier.
type SupplierAdjustment struct {
	SupplierID string `json:"supplier_id"`
	OrderID    string `json:"order_id,omitempty"`
	Amount     Money  `json:"amount"`
}

// TillEvent is the payload of TillOpened and TillClosed.
type TillEvent struct {
	TillID    string    `json:"till_id"`
	CashierID string    `json:"cashier_id,omitempty"`
	Float     Money     `json:"float,omitempty"`
	At        time.Time `json:"at"`
}

// CashCount is the payload of TillCashCounted.
type CashCount struct {
	TillID   string `json:"till_id"`
	Expected Money  `json:"expected"`
	Counted  Money  `json:"counted"`
	Variance Money  `json:"variance"`
}

// CashVariance is the payload of TillOverageRecorded and TillShortageRecorded.
// Amount is the absolute variance.
type CashVariance struct {
	TillID string `json:"till_id"`
	Amount Money  `json:"amount"`
}

// CompensationOutcome is the serializable result of one compensating action.
type CompensationOutcome struct {
	ActionID    string    `json:"action_id"`
	Description string    `json:"description"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// TransactionLifecycle is the payload of the transaction.* kinds.
type TransactionLifecycle struct {
	TransactionID string                `json:"transaction_id"`
	Actions       int                   `json:"actions"`
	Outcomes      []CompensationOutcome `json:"outcomes,omitempty"`
}
