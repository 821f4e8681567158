package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
)

func refundLine(saleLineID string, qty string, condition string) domain.RefundLineRequest {
	return domain.RefundLineRequest{SaleLineID: saleLineID, QuantityReturned: dec(qty), Condition: condition}
}

func TestScenarioBRefundRestocksLastLotFirst(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "0")
	productID, lots := seedProduct(t, svc, lotSpec{"10", "5"}, lotSpec{"10", "8"})
	sale := sellOne(t, svc, productID, "15", "12", domain.PaymentCash)
	lineID := sale.Sale.Lines[0].ID

	created, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Reason: "kemasan rusak",
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "5", domain.ConditionGood)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusPending, created.Refund.Status)
	assertDecimal(t, "60", created.Refund.TotalAmount)
	assertDecimal(t, "5", created.Refund.Lines[0].RestockQuantity)
	assert.Empty(t, created.Restocks)

	// Pending refunds do not touch stock.
	assertDecimal(t, "5", lotRemaining(t, svc, productID)[lots[1]])

	approved, err := svc.ApproveRefund(adminCtx, created.Refund.ID, domain.RefundDecisionRequest{Reason: "ok"})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCompleted, approved.Refund.Status)
	assert.Equal(t, "admin", approved.Refund.DecidedBy)
	require.Len(t, approved.Restocks, 1)
	assert.Equal(t, lots[1], approved.Restocks[0].LotID)
	assertDecimal(t, "5", approved.Restocks[0].Quantity)

	remaining := lotRemaining(t, svc, productID)
	assertDecimal(t, "0", remaining[lots[0]])
	assertDecimal(t, "10", remaining[lots[1]])

	product, err := svc.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	assertDecimal(t, "8", product.CostPrice)
	assertDecimal(t, "10", product.StockQuantity)
	requireInvariants(t, svc, productID)
}

func TestRefundRoundTripRestoresLots(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "0")
	productID, lots := seedProduct(t, svc, lotSpec{"10", "5"}, lotSpec{"10", "8"}, lotSpec{"4", "11"})

	before := lotRemaining(t, svc, productID)
	productBefore, err := svc.GetProduct(context.Background(), productID)
	require.NoError(t, err)

	sale := sellOne(t, svc, productID, "15", "12", domain.PaymentCard)
	lineID := sale.Sale.Lines[0].ID

	// The first partial refund drains the newer lot's share and spills into
	// the oldest; the second fills the oldest lot back up.
	for _, qty := range []string{"7", "8"} {
		resp, err := svc.CreateRefund(autoCtx, domain.RefundRequest{
			SaleID: sale.Sale.ID,
			Method: domain.RefundMethodCard,
			Lines:  []domain.RefundLineRequest{refundLine(lineID, qty, domain.ConditionGood)},
		})
		require.NoError(t, err)
		require.Equal(t, domain.RefundStatusCompleted, resp.Refund.Status)
		requireInvariants(t, svc, productID)
	}

	after := lotRemaining(t, svc, productID)
	for _, id := range lots {
		assertDecimal(t, before[id].String(), after[id], "lot %s", id)
	}
	productAfter, err := svc.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	assertDecimal(t, productBefore.CostPrice.String(), productAfter.CostPrice)
	assertDecimal(t, productBefore.StockQuantity.String(), productAfter.StockQuantity)

	_, err = svc.CreateRefund(autoCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "1", domain.ConditionGood)},
	})
	require.ErrorIs(t, err, domain.ErrExceedsRefundable)
}

func TestRefundDecisionIsTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "0")
	productID, _ := seedProduct(t, svc, lotSpec{"10", "5"})
	sale := sellOne(t, svc, productID, "6", "10", domain.PaymentCard)
	lineID := sale.Sale.Lines[0].ID

	approvedRefund, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "2", domain.ConditionGood)},
	})
	require.NoError(t, err)
	_, err = svc.ApproveRefund(adminCtx, approvedRefund.Refund.ID, domain.RefundDecisionRequest{})
	require.NoError(t, err)

	rejectedRefund, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "1", domain.ConditionGood)},
	})
	require.NoError(t, err)
	_, err = svc.RejectRefund(adminCtx, rejectedRefund.Refund.ID, domain.RefundDecisionRequest{Reason: "struk tidak cocok"})
	require.NoError(t, err)

	lotsBefore := lotRemaining(t, svc, productID)
	for _, id := range []string{approvedRefund.Refund.ID, rejectedRefund.Refund.ID} {
		_, err := svc.ApproveRefund(adminCtx, id, domain.RefundDecisionRequest{})
		assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
		_, err = svc.RejectRefund(adminCtx, id, domain.RefundDecisionRequest{})
		assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
		_, err = svc.MarkCashHanded(cashierCtx, id)
		assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	}
	lotsAfter := lotRemaining(t, svc, productID)
	for id, qty := range lotsBefore {
		assertDecimal(t, qty.String(), lotsAfter[id])
	}

	rejected, err := svc.GetRefund(context.Background(), rejectedRefund.Refund.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusRejected, rejected.Status)
	assert.Equal(t, "struk tidak cocok", rejected.DecisionReason)
	requireInvariants(t, svc, productID)
}

func TestRefundableQuantity(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "0")
	productID, _ := seedProduct(t, svc, lotSpec{"20", "5"})
	sale := sellOne(t, svc, productID, "15", "10", domain.PaymentCard)
	lineID := sale.Sale.Lines[0].ID

	first, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "10", domain.ConditionGood)},
	})
	require.NoError(t, err)

	// Pending refunds already count against the line.
	_, err = svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "6", domain.ConditionGood)},
	})
	require.ErrorIs(t, err, domain.ErrExceedsRefundable)
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, lineID, de.Details["sale_line_id"])
	assertDecimal(t, "5", de.Details["refundable"].(decimal.Decimal))

	// Within tolerance of what is left, recorded as exactly what is left.
	rest, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "5.0005", domain.ConditionDamaged)},
	})
	require.NoError(t, err)
	assertDecimal(t, "5", rest.Refund.Lines[0].QuantityReturned)
	assertDecimal(t, "50", rest.Refund.TotalAmount)

	// Rejecting frees the quantity again.
	_, err = svc.RejectRefund(adminCtx, first.Refund.ID, domain.RefundDecisionRequest{})
	require.NoError(t, err)
	_, err = svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "9.99", domain.ConditionGood)},
	})
	require.NoError(t, err)
}

func TestRefundWithinToleranceOfSoldQuantityRestocks(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "0")
	productID, lots := seedProduct(t, svc, lotSpec{"5", "4"})
	sale := sellOne(t, svc, productID, "1", "100", domain.PaymentCash)
	lineID := sale.Sale.Lines[0].ID

	created, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCash,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "1.0005", domain.ConditionGood)},
	})
	require.NoError(t, err)
	assertDecimal(t, "1", created.Refund.Lines[0].QuantityReturned)
	assertDecimal(t, "1", created.Refund.Lines[0].RestockQuantity)
	assertDecimal(t, "100", created.Refund.TotalAmount)

	_, err = svc.ApproveRefund(adminCtx, created.Refund.ID, domain.RefundDecisionRequest{})
	require.NoError(t, err)
	assertDecimal(t, "5", lotRemaining(t, svc, productID)[lots[0]])
	requireInvariants(t, svc, productID)

	// The auto-approve path clamps the same way.
	second := sellOne(t, svc, productID, "2", "100", domain.PaymentCash)
	auto, err := svc.CreateRefund(autoCtx, domain.RefundRequest{
		SaleID: second.Sale.ID,
		Method: domain.RefundMethodCash,
		Lines:  []domain.RefundLineRequest{refundLine(second.Sale.Lines[0].ID, "2.0009", domain.ConditionGood)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCompleted, auto.Refund.Status)
	assertDecimal(t, "2", auto.Refund.Lines[0].QuantityReturned)
	assertDecimal(t, "5", lotRemaining(t, svc, productID)[lots[0]])
}

func TestRefundAmountIsCappedAcrossRefunds(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "1000")
	productID, _ := seedProduct(t, svc, lotSpec{"10", "40"})
	sale := sellOne(t, svc, productID, "2", "100", domain.PaymentCash)
	lineID := sale.Sale.Lines[0].ID

	withAmount := func(qty string, amount string) domain.RefundRequest {
		line := refundLine(lineID, qty, domain.ConditionGood)
		line.RefundAmount = decPtr(amount)
		return domain.RefundRequest{SaleID: sale.Sale.ID, Method: domain.RefundMethodCash, Lines: []domain.RefundLineRequest{line}}
	}

	first, err := svc.CreateRefund(cashierCtx, withAmount("1", "200"))
	require.NoError(t, err)
	assertDecimal(t, "200", first.Refund.TotalAmount)

	_, err = svc.CreateRefund(cashierCtx, withAmount("1", "200"))
	require.ErrorIs(t, err, domain.ErrValidation, "line total already refunded")
	_, err = svc.CreateRefund(cashierCtx, withAmount("1", "0.01"))
	require.ErrorIs(t, err, domain.ErrValidation)

	// A default amount is capped at what is left, here nothing.
	free, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCash,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "1", domain.ConditionGood)},
	})
	require.NoError(t, err)
	assertDecimal(t, "0", free.Refund.TotalAmount)

	// Rejecting frees the amount again.
	_, err = svc.RejectRefund(adminCtx, free.Refund.ID, domain.RefundDecisionRequest{})
	require.NoError(t, err)
	_, err = svc.RejectRefund(adminCtx, first.Refund.ID, domain.RefundDecisionRequest{})
	require.NoError(t, err)
	partial, err := svc.CreateRefund(cashierCtx, withAmount("1", "150"))
	require.NoError(t, err)
	_, err = svc.CreateRefund(cashierCtx, withAmount("1", "50.01"))
	require.ErrorIs(t, err, domain.ErrValidation)
	last, err := svc.CreateRefund(cashierCtx, withAmount("1", "50"))
	require.NoError(t, err)
	assertDecimal(t, "200", partial.Refund.TotalAmount.Add(last.Refund.TotalAmount))
}

func TestRefundValidation(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "0")
	productID, _ := seedProduct(t, svc, lotSpec{"20", "5"})
	sale := sellOne(t, svc, productID, "4", "10", domain.PaymentCash)
	lineID := sale.Sale.Lines[0].ID

	tests := []struct {
		name string
		req  domain.RefundRequest
		want error
	}{
		{"unknown method", domain.RefundRequest{SaleID: sale.Sale.ID, Method: "voucher", Lines: []domain.RefundLineRequest{refundLine(lineID, "1", "")}}, domain.ErrValidation},
		{"no lines", domain.RefundRequest{SaleID: sale.Sale.ID, Method: domain.RefundMethodCash}, domain.ErrValidation},
		{"duplicate line", domain.RefundRequest{SaleID: sale.Sale.ID, Method: domain.RefundMethodCash, Lines: []domain.RefundLineRequest{
			refundLine(lineID, "1", ""), refundLine(lineID, "1", ""),
		}}, domain.ErrValidation},
		{"unknown condition", domain.RefundRequest{SaleID: sale.Sale.ID, Method: domain.RefundMethodCash, Lines: []domain.RefundLineRequest{refundLine(lineID, "1", "opened")}}, domain.ErrValidation},
		{"cash handed on card", domain.RefundRequest{SaleID: sale.Sale.ID, Method: domain.RefundMethodCard, CashHanded: true, Lines: []domain.RefundLineRequest{refundLine(lineID, "1", "")}}, domain.ErrValidation},
		{"credit without customer", domain.RefundRequest{SaleID: sale.Sale.ID, Method: domain.RefundMethodCredit, Lines: []domain.RefundLineRequest{refundLine(lineID, "1", "")}}, domain.ErrValidation},
		{"amount above line total", domain.RefundRequest{SaleID: sale.Sale.ID, Method: domain.RefundMethodCash, Lines: []domain.RefundLineRequest{{
			SaleLineID: lineID, QuantityReturned: dec("1"), RefundAmount: decPtr("40.01"),
		}}}, domain.ErrValidation},
		{"unknown sale", domain.RefundRequest{SaleID: "sale-missing", Method: domain.RefundMethodCash, Lines: []domain.RefundLineRequest{refundLine(lineID, "1", "")}}, domain.ErrNotFound},
		{"unknown line", domain.RefundRequest{SaleID: sale.Sale.ID, Method: domain.RefundMethodCash, Lines: []domain.RefundLineRequest{refundLine("sl-missing", "1", "")}}, domain.ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateRefund(cashierCtx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestRefundDecisionsRequireAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "0")
	productID, _ := seedProduct(t, svc, lotSpec{"5", "5"})
	sale := sellOne(t, svc, productID, "1", "10", domain.PaymentCard)

	created, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(sale.Sale.Lines[0].ID, "1", "")},
	})
	require.NoError(t, err)

	_, err = svc.ApproveRefund(cashierCtx, created.Refund.ID, domain.RefundDecisionRequest{})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.RejectRefund(autoCtx, created.Refund.ID, domain.RefundDecisionRequest{})
	assert.ErrorIs(t, err, ErrForbidden)

	refund, err := svc.GetRefund(context.Background(), created.Refund.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusPending, refund.Status)
}

func TestDamagedGoodsAreNotRestocked(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "0")
	productID, lots := seedProduct(t, svc, lotSpec{"10", "5"})
	sale := sellOne(t, svc, productID, "4", "10", domain.PaymentCard)

	resp, err := svc.CreateRefund(autoCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(sale.Sale.Lines[0].ID, "3", domain.ConditionDamaged)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusCompleted, resp.Refund.Status)
	assert.Empty(t, resp.Restocks)
	assertDecimal(t, "0", resp.Refund.Lines[0].RestockQuantity)
	assertDecimal(t, "30", resp.Refund.TotalAmount)
	assertDecimal(t, "6", lotRemaining(t, svc, productID)[lots[0]])
	requireInvariants(t, svc, productID)
}

func TestCreditRefundAddsStoreCredit(t *testing.T) {
	svc, repo := newTestService(t)
	openRegistry(t, svc, "0")
	productID, _ := seedProduct(t, svc, lotSpec{"10", "5"})

	sale, err := svc.CreateSale(cashierCtx, domain.SaleRequest{
		CustomerID:    "cust-7",
		PaymentMethod: domain.PaymentCard,
		Lines:         []domain.SaleLineRequest{{ProductID: productID, Quantity: dec("3"), UnitPrice: dec("20"), Discount: dec("6")}},
	})
	require.NoError(t, err)

	created, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCredit,
		Lines:  []domain.RefundLineRequest{refundLine(sale.Sale.Lines[0].ID, "1", domain.ConditionGood)},
	})
	require.NoError(t, err)
	assertDecimal(t, "18", created.Refund.TotalAmount)

	balance := func() decimal.Decimal {
		var out decimal.Decimal
		err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			var err error
			out, err = tx.CustomerCreditBalance(ctx, "cust-7")
			return err
		})
		require.NoError(t, err)
		return out
	}
	assertDecimal(t, "0", balance())

	_, err = svc.ApproveRefund(adminCtx, created.Refund.ID, domain.RefundDecisionRequest{})
	require.NoError(t, err)
	assertDecimal(t, "18", balance())

	// The credit can now pay for a sale.
	_, err = svc.CreateSale(cashierCtx, domain.SaleRequest{
		CustomerID:    "cust-7",
		PaymentMethod: domain.PaymentCredit,
		Lines:         []domain.SaleLineRequest{{ProductID: productID, Quantity: dec("1"), UnitPrice: dec("18")}},
	})
	require.NoError(t, err)
	assertDecimal(t, "0", balance())
}

func TestChequeRefundSettlement(t *testing.T) {
	svc, repo := newTestService(t)
	openRegistry(t, svc, "0")
	productID, _ := seedProduct(t, svc, lotSpec{"10", "5"})

	cheques := func(saleID string) []domain.Cheque {
		var out []domain.Cheque
		err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			var err error
			out, err = tx.ListChequesBySale(ctx, saleID)
			return err
		})
		require.NoError(t, err)
		return out
	}

	t.Run("full refund returns the original cheque", func(t *testing.T) {
		sale := sellOne(t, svc, productID, "2", "25", domain.PaymentCheque)
		_, err := svc.CreateRefund(autoCtx, domain.RefundRequest{
			SaleID: sale.Sale.ID,
			Method: domain.RefundMethodCheque,
			Lines:  []domain.RefundLineRequest{refundLine(sale.Sale.Lines[0].ID, "2", domain.ConditionGood)},
		})
		require.NoError(t, err)

		got := cheques(sale.Sale.ID)
		require.Len(t, got, 1)
		assert.Equal(t, domain.ChequeReceived, got[0].Direction)
		assert.Equal(t, domain.ChequeStatusReturned, got[0].Status)
	})

	t.Run("full refund of an already returned cheque issues a new one", func(t *testing.T) {
		sale := sellOne(t, svc, productID, "2", "25", domain.PaymentCheque)
		received := cheques(sale.Sale.ID)
		require.Len(t, received, 1)
		err := repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.UpdateChequeStatus(ctx, received[0].ID, domain.ChequeStatusReturned, "bounced")
		})
		require.NoError(t, err)

		resp, err := svc.CreateRefund(autoCtx, domain.RefundRequest{
			SaleID: sale.Sale.ID,
			Method: domain.RefundMethodCheque,
			Lines:  []domain.RefundLineRequest{refundLine(sale.Sale.Lines[0].ID, "2", domain.ConditionGood)},
		})
		require.NoError(t, err)

		got := cheques(sale.Sale.ID)
		require.Len(t, got, 2)
		for _, cheque := range got {
			if cheque.Direction == domain.ChequeReceived {
				assert.Equal(t, "bounced", cheque.Reason)
				continue
			}
			assert.Equal(t, resp.Refund.ID, cheque.RefundID)
			assertDecimal(t, "50", cheque.Amount)
		}
	})

	t.Run("partial refund issues a new cheque", func(t *testing.T) {
		sale := sellOne(t, svc, productID, "2", "25", domain.PaymentCheque)
		resp, err := svc.CreateRefund(autoCtx, domain.RefundRequest{
			SaleID: sale.Sale.ID,
			Method: domain.RefundMethodCheque,
			Lines:  []domain.RefundLineRequest{refundLine(sale.Sale.Lines[0].ID, "1", domain.ConditionGood)},
		})
		require.NoError(t, err)

		got := cheques(sale.Sale.ID)
		require.Len(t, got, 2)
		var issued *domain.Cheque
		for i := range got {
			if got[i].Direction == domain.ChequeIssued {
				issued = &got[i]
			} else {
				assert.Equal(t, domain.ChequeStatusPending, got[i].Status)
			}
		}
		require.NotNil(t, issued)
		assert.Equal(t, resp.Refund.ID, issued.RefundID)
		assertDecimal(t, "25", issued.Amount)
	})
}

func TestUnallocatedLinesRestock(t *testing.T) {
	t.Run("untracked product increments its counter", func(t *testing.T) {
		svc, _ := newTestService(t)
		openRegistry(t, svc, "0")
		productID := seedUntracked(t, svc)
		sale := sellOne(t, svc, productID, "5", "10", domain.PaymentCard)

		resp, err := svc.CreateRefund(autoCtx, domain.RefundRequest{
			SaleID: sale.Sale.ID,
			Method: domain.RefundMethodCard,
			Lines:  []domain.RefundLineRequest{refundLine(sale.Sale.Lines[0].ID, "2", domain.ConditionGood)},
		})
		require.NoError(t, err)
		require.Len(t, resp.Restocks, 1)
		assert.Empty(t, resp.Restocks[0].LotID)

		product, err := svc.GetProduct(context.Background(), productID)
		require.NoError(t, err)
		assertDecimal(t, "-3", product.StockQuantity)
	})

	t.Run("tracked product without history gets a return lot", func(t *testing.T) {
		svc, repo := newTestService(t)
		session := openRegistry(t, svc, "0")
		productID, lots := seedProduct(t, svc, lotSpec{"10", "8"})

		legacy := domain.Sale{
			ID:            "sale-legacy",
			SessionID:     session.ID,
			PaymentMethod: domain.PaymentCash,
			TotalAmount:   dec("40"),
			Status:        domain.SaleStatusCompleted,
			CreatedAt:     baseTime,
			Lines: []domain.SaleLine{{
				ID: "sl-legacy", SaleID: "sale-legacy", LineNo: 1, ProductID: productID,
				QuantitySold: dec("4"), UnitPrice: dec("10"), RecordedUnitCost: dec("5"),
			}},
		}
		require.NoError(t, repo.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			return tx.InsertSale(ctx, legacy)
		}))

		resp, err := svc.CreateRefund(autoCtx, domain.RefundRequest{
			SaleID: legacy.ID,
			Method: domain.RefundMethodCard,
			Lines:  []domain.RefundLineRequest{refundLine("sl-legacy", "4", domain.ConditionGood)},
		})
		require.NoError(t, err)
		require.Len(t, resp.Restocks, 1)
		returnLot := resp.Restocks[0].LotID
		require.NotEmpty(t, returnLot)
		assert.NotEqual(t, lots[0], returnLot)

		listed, err := svc.ListLots(context.Background(), productID)
		require.NoError(t, err)
		require.Len(t, listed.Lots, 2)
		for _, lot := range listed.Lots {
			if lot.ID == returnLot {
				assertDecimal(t, "5", lot.CostPrice)
				assert.Equal(t, "refund:"+resp.Refund.ID, lot.SourceRef)
			}
		}

		product, err := svc.GetProduct(context.Background(), productID)
		require.NoError(t, err)
		assertDecimal(t, "14", product.StockQuantity)
		requireInvariants(t, svc, productID)
	})
}

func TestCashRefundNeedsOpenRegistry(t *testing.T) {
	svc, _ := newTestService(t)
	session := openRegistry(t, svc, "100")
	productID, _ := seedProduct(t, svc, lotSpec{"10", "5"})
	sale := sellOne(t, svc, productID, "2", "10", domain.PaymentCash)
	_, err := svc.CloseRegistry(cashierCtx, session.ID, domain.RegistryCloseRequest{ActualCash: decPtr("120")})
	require.NoError(t, err)

	_, err = svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCash,
		Lines:  []domain.RefundLineRequest{refundLine(sale.Sale.Lines[0].ID, "1", "")},
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	resp, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(sale.Sale.Lines[0].ID, "1", "")},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Refund.SessionID)
}

func TestMarkCashHanded(t *testing.T) {
	svc, _ := newTestService(t)
	openRegistry(t, svc, "0")
	productID, _ := seedProduct(t, svc, lotSpec{"10", "5"})
	sale := sellOne(t, svc, productID, "4", "10", domain.PaymentCash)
	lineID := sale.Sale.Lines[0].ID

	cash, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCash,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "1", "")},
	})
	require.NoError(t, err)
	assert.False(t, cash.Refund.CashHanded)

	marked, err := svc.MarkCashHanded(cashierCtx, cash.Refund.ID)
	require.NoError(t, err)
	assert.True(t, marked.Refund.CashHanded)
	require.NotNil(t, marked.Refund.CashHandedAt)

	card, err := svc.CreateRefund(cashierCtx, domain.RefundRequest{
		SaleID: sale.Sale.ID,
		Method: domain.RefundMethodCard,
		Lines:  []domain.RefundLineRequest{refundLine(lineID, "1", "")},
	})
	require.NoError(t, err)
	_, err = svc.MarkCashHanded(cashierCtx, card.Refund.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.MarkCashHanded(cashierCtx, "rfd-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
