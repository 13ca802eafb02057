package saga_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/txbus/pkg/txbus"
	"github.com/pharmapos/txbus/pkg/txbus/event"
	"github.com/pharmapos/txbus/pkg/txbus/saga"
)

var allDomainKinds = func() []event.Kind {
	var out []event.Kind
	for _, k := range event.Kinds() {
		if !k.IsLifecycle() {
			out = append(out, k)
		}
	}
	return out
}()

func stepKinds(def *saga.Definition) []event.Kind {
	out := make([]event.Kind, len(def.Steps))
	for i, s := range def.Steps {
		out[i] = s.Kind
	}
	return out
}

func TestSaleDefinition(t *testing.T) {
	items := []event.LineItem{
		{ProductID: "AMOX", Quantity: 2, UnitPrice: event.Cents(4, 50)},
		{ProductID: "IBU", Quantity: 1, UnitPrice: event.Cents(3, 0)},
	}

	t.Run("cash sale", func(t *testing.T) {
		def, err := saga.SaleDefinition(saga.SaleRequest{SaleID: "S1", Items: items, Total: 1200, Paid: 1200})
		require.NoError(t, err)

		assert.Equal(t, []event.Kind{
			event.StockReserved, event.StockReserved,
			event.StockReduced, event.StockReduced,
			event.SaleCompleted,
		}, stepKinds(def))
		assert.Equal(t, event.StockReleased, def.Steps[0].Compensation.Kind)
		assert.Equal(t, event.StockRestored, def.Steps[2].Compensation.Kind)
		assert.Nil(t, def.Steps[4].Compensation)
		assert.ElementsMatch(t, []string{"product:AMOX", "product:IBU"}, def.Keys)
	})

	t.Run("credit sale", func(t *testing.T) {
		def, err := saga.SaleDefinition(saga.SaleRequest{
			SaleID: "S2", CustomerID: "C1", Items: items[:1], Total: 900, Paid: 400, CreditUsed: 500,
		})
		require.NoError(t, err)

		assert.Equal(t, []event.Kind{
			event.StockReserved, event.CustomerBalanceCharged, event.StockReduced, event.SaleCompleted,
		}, stepKinds(def))
		charge := def.Steps[1]
		assert.Equal(t, event.CustomerBalanceCredited, charge.Compensation.Kind)
		assert.Equal(t, event.BalanceChange{CustomerID: "C1", Amount: 500, Reference: "S2"}, charge.Compensation.Payload)
		assert.Contains(t, def.Keys, "customer:C1")
	})

	t.Run("invalid", func(t *testing.T) {
		for _, req := range []saga.SaleRequest{
			{Items: items},
			{SaleID: "S"},
			{SaleID: "S", Items: items, CreditUsed: 100},
			{SaleID: "S", Items: []event.LineItem{{ProductID: "X"}}},
		} {
			_, err := saga.SaleDefinition(req)
			assert.ErrorIs(t, err, saga.ErrInvalidRequest, "%+v", req)
		}
	})
}

func TestRunner_Sale(t *testing.T) {
	req := saga.SaleRequest{
		SaleID: "S1",
		Items:  []event.LineItem{{ProductID: "P", Quantity: 2, UnitPrice: 50}},
		Total:  100,
		Paid:   100,
	}

	t.Run("happy path", func(t *testing.T) {
		bus := newBus(t)
		runner := newRunner(bus)

		exec, err := runner.Sale(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompleted, exec.Status)
		assert.Equal(t, txbus.StatusCommitted, bus.Transaction(exec.TransactionID).Status)
		assert.Len(t, bus.History(txbus.HistoryFilter{TransactionID: exec.TransactionID}), 3)
	})

	t.Run("sale listener fails", func(t *testing.T) {
		bus := newBus(t)
		rec := &recorder{}
		rec.listen(bus, allDomainKinds...)
		failOn(bus, event.SaleCompleted, errors.New("ledger offline"))
		runner := newRunner(bus)

		exec, err := runner.Sale(context.Background(), req)
		require.ErrorIs(t, err, saga.ErrStepFailed)
		assert.Equal(t, saga.StatusCompensated, exec.Status)
		assert.Equal(t, []event.Kind{
			event.StockReserved, event.StockReduced, event.SaleCompleted,
			event.StockRestored, event.StockReleased,
		}, rec.all())
		assert.Equal(t, txbus.StatusRolledBack, bus.Transaction(exec.TransactionID).Status)
	})
}

func TestRefundDefinition(t *testing.T) {
	def, err := saga.RefundDefinition(saga.RefundRequest{
		RefundID:   "R1",
		SaleID:     "S1",
		CustomerID: "C1",
		Items:      []event.LineItem{{ProductID: "P", Quantity: 1, UnitPrice: 300}},
		Amount:     300,
	})
	require.NoError(t, err)

	assert.Equal(t, []event.Kind{
		event.StockRestored, event.CustomerBalanceCredited, event.RefundProcessed,
	}, stepKinds(def))
	assert.Equal(t, event.StockReduced, def.Steps[0].Compensation.Kind)
	assert.Equal(t, event.CustomerBalanceCharged, def.Steps[1].Compensation.Kind)
	assert.Nil(t, def.Steps[2].Compensation)

	t.Run("walk-in customer", func(t *testing.T) {
		def, err := saga.RefundDefinition(saga.RefundRequest{
			RefundID: "R2",
			Items:    []event.LineItem{{ProductID: "P", Quantity: 1}},
			Amount:   300,
		})
		require.NoError(t, err)
		assert.Equal(t, []event.Kind{event.StockRestored, event.RefundProcessed}, stepKinds(def))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := saga.RefundDefinition(saga.RefundRequest{RefundID: "R3"})
		assert.ErrorIs(t, err, saga.ErrInvalidRequest)
	})
}

func TestRunner_Refund(t *testing.T) {
	bus := newBus(t)
	rec := &recorder{}
	rec.listen(bus, allDomainKinds...)
	failOn(bus, event.RefundProcessed, errors.New("ledger offline"))

	exec, err := newRunner(bus).Refund(context.Background(), saga.RefundRequest{
		RefundID:   "R1",
		CustomerID: "C1",
		Items:      []event.LineItem{{ProductID: "P", Quantity: 1}},
		Amount:     300,
	})
	require.ErrorIs(t, err, saga.ErrStepFailed)
	assert.Equal(t, saga.StatusCompensated, exec.Status)
	assert.Equal(t, []event.Kind{
		event.StockRestored, event.CustomerBalanceCredited, event.RefundProcessed,
		event.CustomerBalanceCharged, event.StockReduced,
	}, rec.all())
}

func TestPurchaseDefinition(t *testing.T) {
	lines := []event.PurchaseLine{
		{ProductID: "P1", BatchID: "B1", Quantity: 10, UnitCost: 100},
		{ProductID: "P2", BatchID: "B2", Quantity: 5, UnitCost: 200},
	}

	t.Run("partly paid", func(t *testing.T) {
		def, err := saga.PurchaseDefinition(saga.PurchaseRequest{
			OrderID: "PO1", SupplierID: "SUP", Lines: lines, Paid: 500,
		})
		require.NoError(t, err)

		assert.Equal(t, []event.Kind{
			event.PurchaseOrderCreated, event.BatchAdded, event.BatchAdded, event.SupplierBalanceAdjusted,
		}, stepKinds(def))
		assert.Nil(t, def.Steps[0].Compensation)
		assert.Equal(t, event.Money(2000), def.Steps[0].Payload.(event.PurchaseOrderPayload).Total)

		removed := def.Steps[2].Compensation
		assert.Equal(t, event.BatchRemoved, removed.Kind)
		assert.Equal(t, "B2", removed.Payload.(event.BatchChange).BatchID)

		adjust := def.Steps[3]
		assert.Equal(t, event.Money(1500), adjust.Payload.(event.SupplierAdjustment).Amount)
		assert.Equal(t, event.SupplierBalanceAdjusted, adjust.Compensation.Kind)
		assert.Equal(t, event.Money(-1500), adjust.Compensation.Payload.(event.SupplierAdjustment).Amount)
		assert.Contains(t, def.Keys, "supplier:SUP")
	})

	t.Run("fully paid", func(t *testing.T) {
		def, err := saga.PurchaseDefinition(saga.PurchaseRequest{
			OrderID: "PO2", SupplierID: "SUP", Lines: lines, Total: 2000, Paid: 2000,
		})
		require.NoError(t, err)
		assert.Equal(t, []event.Kind{
			event.PurchaseOrderCreated, event.BatchAdded, event.BatchAdded,
		}, stepKinds(def))
	})

	t.Run("invalid", func(t *testing.T) {
		for _, req := range []saga.PurchaseRequest{
			{SupplierID: "SUP", Lines: lines},
			{OrderID: "PO", Lines: lines},
			{OrderID: "PO", SupplierID: "SUP"},
			{OrderID: "PO", SupplierID: "SUP", Lines: []event.PurchaseLine{{ProductID: "P", Quantity: 1}}},
		} {
			_, err := saga.PurchaseDefinition(req)
			assert.ErrorIs(t, err, saga.ErrInvalidRequest, "%+v", req)
		}
	})
}

func TestRunner_PurchaseSupplierFailure(t *testing.T) {
	bus := newBus(t)
	rec := &recorder{}
	rec.listen(bus, event.BatchRemoved)
	failOn(bus, event.SupplierBalanceAdjusted, errors.New("supplier ledger locked"))

	exec, err := newRunner(bus).Purchase(context.Background(), saga.PurchaseRequest{
		OrderID:    "PO1",
		SupplierID: "SUP",
		Lines: []event.PurchaseLine{
			{ProductID: "P1", BatchID: "B1", Quantity: 1, UnitCost: 100},
			{ProductID: "P2", BatchID: "B2", Quantity: 1, UnitCost: 100},
		},
	})
	require.ErrorIs(t, err, saga.ErrStepFailed)
	assert.Equal(t, saga.StatusCompensated, exec.Status)
	assert.Equal(t, []event.Kind{event.BatchRemoved, event.BatchRemoved}, rec.all())
	require.NotNil(t, exec.Rollback)
	assert.Equal(t, "purchase: undo add batch B2", exec.Rollback.Results[0].Description)
}

func TestReconciliationDefinition(t *testing.T) {
	tests := []struct {
		name     string
		expected event.Money
		counted  event.Money
		want     []event.Kind
		variance event.Money
	}{
		{"exact", 10000, 10000, nil, 0},
		{"within tolerance", 10000, 10001, nil, 0},
		{"overage", 10000, 10250, []event.Kind{event.TillOverageRecorded}, 250},
		{"shortage", 10000, 9900, []event.Kind{event.TillShortageRecorded}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := saga.ReconciliationDefinition(saga.ReconciliationRequest{
				TillID: "T1", Expected: tt.expected, Counted: tt.counted,
			})
			require.NoError(t, err)

			want := append([]event.Kind{event.TillOpened, event.TillCashCounted}, tt.want...)
			want = append(want, event.TillClosed)
			assert.Equal(t, want, stepKinds(def))

			for _, s := range def.Steps {
				assert.Nil(t, s.Compensation)
			}
			if tt.variance != 0 {
				assert.Equal(t, tt.variance, def.Steps[2].Payload.(event.CashVariance).Amount)
			}
			assert.Equal(t, tt.counted-tt.expected, def.Steps[1].Payload.(event.CashCount).Variance)
		})
	}

	_, err := saga.ReconciliationDefinition(saga.ReconciliationRequest{})
	assert.ErrorIs(t, err, saga.ErrInvalidRequest)
}

func TestRunner_ReconcileCashFailureHasNothingToUndo(t *testing.T) {
	bus := newBus(t)
	failOn(bus, event.TillClosed, errors.New("printer jam"))

	exec, err := newRunner(bus).ReconcileCash(context.Background(), saga.ReconciliationRequest{
		TillID: "T1", Expected: 100, Counted: 50,
	})
	require.ErrorIs(t, err, saga.ErrStepFailed)
	assert.Equal(t, saga.StatusCompensated, exec.Status)
	assert.Empty(t, exec.Rollback.Results)
}
