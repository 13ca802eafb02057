// Package event defines what flows through the bus: the closed set of event
// kinds, the payload type of each kind, the Event and ListenerResult records,
// and a schema registry that decodes serialized payloads.
//
// # Kinds and Payloads
//
// Every kind has exactly one payload type:
//
//	StockReserved, StockReleased, StockReduced, StockRestored -> StockMovement
//	BatchAdded, BatchRemoved                                  -> BatchChange
//	CustomerBalanceCharged, CustomerBalanceCredited           -> BalanceChange
//	SupplierBalanceAdjusted                                   -> SupplierAdjustment
//	SaleCompleted                                             -> SaleCompletedPayload
//	RefundProcessed                                           -> RefundProcessedPayload
//	PurchaseOrderCreated                                      -> PurchaseOrderPayload
//	TillOpened, TillClosed                                    -> TillEvent
//	TillCashCounted                                           -> CashCount
//	TillOverageRecorded, TillShortageRecorded                 -> CashVariance
//	TransactionCommit, TransactionRollback                    -> TransactionLifecycle
//
// # Typed Listeners
//
// Use Typed so a listener receives the payload shape it expects:
//
//	bus.On(event.StockReduced, event.Typed(func(ctx context.Context, m event.StockMovement, evt *event.Event) (any, error) {
//	    return nil, inventory.Reduce(ctx, m.ProductID, m.Quantity)
//	}))
//
// # Decoding
//
// DefaultRegistry knows every kind and turns JSON payloads back into typed
// values, which is how journaled compensation commands are replayed:
//
//	payload, err := event.DefaultRegistry().Decode(event.StockReleased, raw)
package event
