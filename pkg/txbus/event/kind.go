package event

// Kind identifies an event. The set of kinds is closed: every kind the bus
// dispatches is declared here together with its payload type (see payload.go).
type Kind string

// Inventory kinds.
const (
	StockReserved Kind = "stock.reserved"
	StockReleased Kind = "stock.released"
	StockReduced  Kind = "stock.reduced"
	StockRestored Kind = "stock.restored"

	BatchAdded   Kind = "inventory.batch_added"
	BatchRemoved Kind = "inventory.batch_removed"
)

// Customer and supplier balance kinds.
const (
	CustomerBalanceCharged  Kind = "customer.balance_charged"
	CustomerBalanceCredited Kind = "customer.balance_credited"
	SupplierBalanceAdjusted Kind = "supplier.balance_adjusted"
)

// Ledger kinds.
const (
	SaleCompleted        Kind = "sale.completed"
	RefundProcessed      Kind = "refund.processed"
	PurchaseOrderCreated Kind = "purchase.order_created"
)

// Till kinds.
const (
	TillOpened           Kind = "till.opened"
	TillCashCounted      Kind = "till.cash_counted"
	TillOverageRecorded  Kind = "till.overage_recorded"
	TillShortageRecorded Kind = "till.shortage_recorded"
	TillClosed           Kind = "till.closed"
)

// Lifecycle kinds are emitted by the bus itself.
const (
	TransactionCommit   Kind = "transaction.commit"
	TransactionRollback Kind = "transaction.rollback"
)

var allKinds = []Kind{
	StockReserved, StockReleased, StockReduced, StockRestored,
	BatchAdded, BatchRemoved,
	CustomerBalanceCharged, CustomerBalanceCredited, SupplierBalanceAdjusted,
	SaleCompleted, RefundProcessed, PurchaseOrderCreated,
	TillOpened, TillCashCounted, TillOverageRecorded, TillShortageRecorded, TillClosed,
	TransactionCommit, TransactionRollback,
}

var kindSet = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(allKinds))
	for _, k := range allKinds {
		m[k] = struct{}{}
	}
	return m
}()

// Kinds returns every declared kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Valid reports whether k is a declared kind.
func (k Kind) Valid() bool {
	_, ok := kindSet[k]
	return ok
}

// IsLifecycle reports whether k is emitted by the transaction manager.
func (k Kind) IsLifecycle() bool {
	return k == TransactionCommit || k == TransactionRollback
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}
