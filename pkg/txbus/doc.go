/*
Package txbus provides an in-process event bus with transactional
compensation for point-of-sale workflows.

# Overview

A Bus dispatches typed events (see package event) to listeners registered
per event kind. Listeners for one emission run strictly one after another,
highest priority first, so a later listener observes the side effects of an
earlier one. On top of dispatch the bus tracks transactions: each holds a
stack of compensating actions that is unwound in reverse when the
transaction rolls back.

The bus itself performs no domain mutation. Stores, ledgers and UI state
register listeners and react to events; sagas (package saga) sequence the
emissions and register the compensations.

# Basic Usage

	bus := txbus.New(txbus.WithLogger(logger))
	defer bus.Destroy(context.Background())

	bus.On(event.StockReduced, event.Typed(func(ctx context.Context, m event.StockMovement, _ *event.Event) (any, error) {
	    return nil, inventory.Reduce(ctx, m.ProductID, m.Quantity)
	}), txbus.WithPriority(10), txbus.WithOwner("inventory"))

	res, err := bus.Emit(ctx, event.StockReduced, event.StockMovement{ProductID: "P1", Quantity: 2})
	if err != nil {
	    // unknown kind, timeout or cancelled context
	}
	if !res.Success {
	    // destroyed bus or middleware veto; see res.Err
	}
	for _, r := range res.Failed() {
	    // listener failures are isolated and reported here
	}

# Transactions

	txID, _ := bus.StartTransaction("")

	bus.Emit(ctx, event.StockReserved, reservation, txbus.WithTransactionID(txID))
	bus.AddRollbackCommand(txID, txbus.Command{Kind: event.StockReleased, Payload: reservation}, "release reservation")

	if _, err := bus.CommitTransaction(ctx, txID); err != nil {
	    // the commit event could not be dispatched; already rolled back
	}

Transactions move from active to committed or rolled_back and never back.
RollbackTransaction runs every compensation even when some fail; inspect
RollbackResult.Failed for partial rollbacks.

# Middleware

Middlewares run before any listener and may veto an emission. Returning
ErrBlocked, returning any other error, and panicking are equivalent: the
emission fails with a *MiddlewareError matching ErrMiddlewareBlocked.
AuditMiddleware, SlowEventMiddleware, AuthorizationMiddleware,
RateLimitMiddleware and RequireTransactionMiddleware cover the common
policies.

# Crash Recovery

With WithJournal, transactions and their rollback commands are written
through to a journal.Store. After a restart, Recover replays the commands
of every transaction that never committed or rolled back.

# Concurrency

Emissions from different goroutines interleave freely; the bus provides no
mutual exclusion over external resources. Sagas that touch the same
customer, product or till serialize through saga.KeyedLocker.
*/
package txbus
