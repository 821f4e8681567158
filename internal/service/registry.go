package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

// OpenRegistry starts a session. Only one session may be open at a time; the
// store enforces it so concurrent opens cannot both succeed.
func (s *Service) OpenRegistry(ctx context.Context, req domain.RegistryOpenRequest) (domain.RegistrySession, error) {
	if req.OpeningCash.IsNegative() {
		return domain.RegistrySession{}, domain.Validation("opening cash must not be negative")
	}
	actor := actorOf(ctx)

	var session domain.RegistrySession
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetOpenSession(ctx)
		switch {
		case err == nil:
			return domain.RegistryAlreadyOpen(current.ID)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		session = domain.RegistrySession{
			ID:          xid.New("reg"),
			Status:      domain.RegistryStatusOpen,
			OpeningCash: req.OpeningCash,
			OpenedBy:    actor.Username,
			OpenedAt:    s.now(),
		}
		return tx.InsertSession(ctx, session)
	})
	if err != nil {
		return domain.RegistrySession{}, err
	}

	s.logAudit(ctx, "registry opened", "registry_session", session.ID,
		zap.String("opening_cash", session.OpeningCash.StringFixed(2)))
	return session, nil
}

// CurrentRegistry returns the open session with its live aggregates.
func (s *Service) CurrentRegistry(ctx context.Context) (domain.RegistrySummary, error) {
	var summary domain.RegistrySummary
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		session, err := tx.GetOpenSession(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.NotFound("registry session", "open")
			}
			return err
		}
		summary, err = summarize(ctx, tx, *session)
		return err
	})
	if err != nil {
		return domain.RegistrySummary{}, err
	}
	return summary, nil
}

// RegistrySummary reports a session's aggregates. Open sessions are derived
// from their records on every call; closed sessions report what was stamped
// at close.
func (s *Service) RegistrySummary(ctx context.Context, sessionID string) (domain.RegistrySummary, error) {
	var summary domain.RegistrySummary
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		summary, err = summarize(ctx, tx, *session)
		return err
	})
	if err != nil {
		return domain.RegistrySummary{}, err
	}
	return summary, nil
}

func summarize(ctx context.Context, tx store.Tx, session domain.RegistrySession) (domain.RegistrySummary, error) {
	if session.Status == domain.RegistryStatusClosed && session.ExpectedCash != nil {
		return domain.RegistrySummary{Session: session, Totals: session.Totals, ExpectedCash: *session.ExpectedCash}, nil
	}
	totals, err := computeTotals(ctx, tx, session.ID)
	if err != nil {
		return domain.RegistrySummary{}, err
	}
	session.Totals = totals
	return domain.RegistrySummary{
		Session:      session,
		Totals:       totals,
		ExpectedCash: totals.ExpectedCash(session.OpeningCash),
	}, nil
}

// computeTotals derives a session's drawer aggregates from its sales, cash
// transactions and refunds.
func computeTotals(ctx context.Context, tx store.Tx, sessionID string) (domain.SessionTotals, error) {
	var totals domain.SessionTotals

	sales, err := tx.ListSalesBySession(ctx, sessionID)
	if err != nil {
		return totals, err
	}
	for _, sale := range sales {
		if sale.Status != domain.SaleStatusCompleted {
			continue
		}
		totals.TotalSales = totals.TotalSales.Add(sale.TotalAmount)
		cash := amountByMethod(sale, domain.PaymentCash)
		card := amountByMethod(sale, domain.PaymentCard)
		totals.CashSales = totals.CashSales.Add(cash)
		totals.CardSales = totals.CardSales.Add(card)
		totals.OtherSales = totals.OtherSales.Add(sale.TotalAmount.Sub(cash).Sub(card))
	}

	cashTxs, err := tx.ListCashTransactionsBySession(ctx, sessionID)
	if err != nil {
		return totals, err
	}
	for _, ct := range cashTxs {
		switch ct.Type {
		case domain.CashIn:
			totals.CashIn = totals.CashIn.Add(ct.Amount)
		case domain.CashOut:
			totals.CashOut = totals.CashOut.Add(ct.Amount)
		}
	}

	refunds, err := tx.ListRefundsBySession(ctx, sessionID)
	if err != nil {
		return totals, err
	}
	for _, refund := range refunds {
		if countsAgainstDrawer(refund) {
			totals.CashRefunds = totals.CashRefunds.Add(refund.TotalAmount)
		}
	}
	return totals, nil
}

// countsAgainstDrawer reports whether a refund's cash has left the drawer:
// completed cash refunds, and pending ones already handed to the customer.
func countsAgainstDrawer(refund domain.Refund) bool {
	if refund.Method != domain.RefundMethodCash {
		return false
	}
	switch refund.Status {
	case domain.RefundStatusCompleted:
		return true
	case domain.RefundStatusPending:
		return refund.CashHanded
	}
	return false
}

// RecordCashTransaction logs a manual cash in or out movement against an
// open session.
func (s *Service) RecordCashTransaction(ctx context.Context, sessionID string, req domain.CashTransactionRequest) (domain.CashTransaction, error) {
	kind := strings.ToLower(strings.TrimSpace(req.Type))
	if kind != domain.CashIn && kind != domain.CashOut {
		return domain.CashTransaction{}, domain.Validation("cash transaction type must be %q or %q", domain.CashIn, domain.CashOut)
	}
	if !req.Amount.IsPositive() {
		return domain.CashTransaction{}, domain.Validation("cash transaction amount must be positive")
	}
	actor := actorOf(ctx)

	var cashTx domain.CashTransaction
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		session, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != domain.RegistryStatusOpen {
			return domain.AlreadyProcessed("registry session", session.ID, session.Status)
		}
		cashTx = domain.CashTransaction{
			ID:        xid.New("ctx"),
			SessionID: session.ID,
			Type:      kind,
			Amount:    req.Amount,
			Reason:    strings.TrimSpace(req.Reason),
			CreatedBy: actor.Username,
			CreatedAt: s.now(),
		}
		if err := tx.InsertCashTransaction(ctx, cashTx); err != nil {
			return fmt.Errorf("insert cash transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.CashTransaction{}, err
	}

	s.logAudit(ctx, "cash transaction recorded", "registry_session", sessionID,
		zap.String("type", cashTx.Type),
		zap.String("amount", cashTx.Amount.StringFixed(2)),
	)
	return cashTx, nil
}

// CloseRegistry reconciles the drawer and closes the session. It refuses
// while any refund scoped to the session is still pending, whether or not
// its cash has been handed out.
func (s *Service) CloseRegistry(ctx context.Context, sessionID string, req domain.RegistryCloseRequest) (domain.RegistrySession, error) {
	actor := actorOf(ctx)

	var session domain.RegistrySession
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if current.Status != domain.RegistryStatusOpen {
			return domain.AlreadyProcessed("registry session", current.ID, current.Status)
		}

		refunds, err := tx.ListRefundsBySession(ctx, current.ID)
		if err != nil {
			return err
		}
		var pending []domain.PendingRefund
		for _, refund := range refunds {
			if refund.Status == domain.RefundStatusPending {
				pending = append(pending, domain.PendingRefund{
					RefundID:   refund.ID,
					Amount:     refund.TotalAmount,
					CashHanded: refund.CashHanded,
					Reason:     refund.Reason,
				})
			}
		}
		if len(pending) > 0 {
			return domain.BlockedByPendingRefunds(current.ID, pending)
		}

		if req.ActualCash == nil {
			return domain.ActualCashRequired()
		}
		if req.ActualCash.IsNegative() {
			return domain.InvalidActualCash(*req.ActualCash)
		}

		totals, err := computeTotals(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		expected := totals.ExpectedCash(current.OpeningCash)
		actual := *req.ActualCash
		variance := actual.Sub(expected)
		now := s.now()

		current.Status = domain.RegistryStatusClosed
		current.Totals = totals
		current.ExpectedCash = &expected
		current.ActualCash = &actual
		current.Variance = &variance
		current.ClosedBy = actor.Username
		current.ClosedAt = &now
		if err := tx.UpdateSession(ctx, *current); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		session = *current
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrBlockedByPendingRefunds) {
			s.logger.Warn("registry close blocked",
				zap.String("session_id", sessionID),
				zap.String("actor", actor.Username),
				zap.Error(err),
			)
		}
		return domain.RegistrySession{}, err
	}

	s.logAudit(ctx, "registry closed", "registry_session", session.ID,
		zap.String("expected_cash", session.ExpectedCash.StringFixed(2)),
		zap.String("actual_cash", session.ActualCash.StringFixed(2)),
		zap.String("variance", session.Variance.StringFixed(2)),
	)
	return session, nil
}
