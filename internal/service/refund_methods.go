package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

// refundEffect applies what a refund method does to the collaborator
// ledgers once the refund completes.
type refundEffect func(ctx context.Context, tx store.Tx, refund domain.Refund, sale domain.Sale, at time.Time) error

var refundEffects = map[domain.RefundMethod]refundEffect{
	// Cash leaves the drawer; the registry session accounts for it.
	domain.RefundMethodCash: noLedgerEffect,
	// Card and mobile are reversed by the external gateway.
	domain.RefundMethodCard:   noLedgerEffect,
	domain.RefundMethodMobile: noLedgerEffect,
	domain.RefundMethodCredit: creditCustomerBalance,
	domain.RefundMethodCheque: settleByCheque,
}

func noLedgerEffect(context.Context, store.Tx, domain.Refund, domain.Sale, time.Time) error {
	return nil
}

func creditCustomerBalance(ctx context.Context, tx store.Tx, refund domain.Refund, sale domain.Sale, at time.Time) error {
	if sale.CustomerID == "" {
		return domain.Validation("sale %s has no customer to credit", sale.ID)
	}
	err := tx.InsertStoreCredit(ctx, domain.StoreCreditEntry{
		ID:         xid.New("crd"),
		CustomerID: sale.CustomerID,
		Amount:     refund.TotalAmount,
		Reason:     "refund " + refund.ID,
		RefundID:   refund.ID,
		CreatedAt:  at,
	})
	if err != nil {
		return fmt.Errorf("insert store credit: %w", err)
	}
	return nil
}

// settleByCheque returns the customer's own cheque when the whole sale is
// refunded and that cheque is still held, otherwise issues a new cheque for
// the refund amount.
func settleByCheque(ctx context.Context, tx store.Tx, refund domain.Refund, sale domain.Sale, at time.Time) error {
	if refund.TotalAmount.Equal(sale.TotalAmount) {
		original, err := tx.FindReceivedChequeBySale(ctx, sale.ID)
		switch {
		case err == nil && original.Status == domain.ChequeStatusReturned:
		case err == nil:
			if err := tx.UpdateChequeStatus(ctx, original.ID, domain.ChequeStatusReturned, "refund "+refund.ID); err != nil {
				return fmt.Errorf("return cheque %s: %w", original.ID, err)
			}
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}

	err := tx.InsertCheque(ctx, domain.Cheque{
		ID:        xid.New("chq"),
		Direction: domain.ChequeIssued,
		SaleID:    sale.ID,
		RefundID:  refund.ID,
		Amount:    refund.TotalAmount,
		Status:    domain.ChequeStatusPending,
		Reason:    "refund " + refund.ID,
		CreatedAt: at,
		UpdatedAt: at,
	})
	if err != nil {
		return fmt.Errorf("issue cheque: %w", err)
	}
	return nil
}
