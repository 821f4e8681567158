package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/ledger"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

// refundTolerance absorbs rounding in fractional quantities when checking
// what is still refundable. A request within it is clamped to what is left.
var refundTolerance = decimal.New(1, -3)

func normalizeRefundRequest(req domain.RefundRequest) (domain.RefundRequest, error) {
	req.SaleID = strings.TrimSpace(req.SaleID)
	req.Method = domain.RefundMethod(strings.ToLower(strings.TrimSpace(string(req.Method))))
	req.Reason = strings.TrimSpace(req.Reason)
	if req.SaleID == "" {
		return req, domain.Validation("sale id required")
	}
	if !req.Method.Valid() {
		return req, domain.Validation("unsupported refund method %q", req.Method)
	}
	if req.CashHanded && req.Method != domain.RefundMethodCash {
		return req, domain.Validation("cash handed only applies to cash refunds")
	}
	if len(req.Lines) == 0 {
		return req, domain.Validation("refund needs at least one line")
	}

	seen := make(map[string]bool, len(req.Lines))
	for i := range req.Lines {
		line := &req.Lines[i]
		line.SaleLineID = strings.TrimSpace(line.SaleLineID)
		line.Condition = strings.ToLower(strings.TrimSpace(line.Condition))
		if line.SaleLineID == "" {
			return req, domain.Validation("line %d: sale line id required", i+1)
		}
		if seen[line.SaleLineID] {
			return req, domain.Validation("line %d: sale line %s listed twice", i+1, line.SaleLineID)
		}
		seen[line.SaleLineID] = true
		if !line.QuantityReturned.IsPositive() {
			return req, domain.Validation("line %d: quantity returned must be positive", i+1)
		}
		if line.Condition == "" {
			line.Condition = domain.ConditionGood
		}
		if line.Condition != domain.ConditionGood && line.Condition != domain.ConditionDamaged {
			return req, domain.Validation("line %d: unknown condition %q", i+1, line.Condition)
		}
		if line.RefundAmount != nil && line.RefundAmount.IsNegative() {
			return req, domain.Validation("line %d: refund amount must not be negative", i+1)
		}
	}
	return req, nil
}

// CreateRefund files a refund against a sale. It starts pending unless the
// actor holds the auto-approve grant, in which case it completes at once.
func (s *Service) CreateRefund(ctx context.Context, req domain.RefundRequest) (domain.RefundResponse, error) {
	req, err := normalizeRefundRequest(req)
	if err != nil {
		return domain.RefundResponse{}, err
	}
	actor := actorOf(ctx)

	var lockIDs []string
	if actor.AutoApproveRefunds {
		lockIDs, err = s.saleLineProducts(ctx, req.SaleID, req.Lines)
		if err != nil {
			return domain.RefundResponse{}, err
		}
	}

	var resp domain.RefundResponse
	err = s.inTx(ctx, lockIDs, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSaleForUpdate(ctx, req.SaleID)
		if err != nil {
			return err
		}
		if req.Method == domain.RefundMethodCredit && sale.CustomerID == "" {
			return domain.Validation("sale %s has no customer to credit", sale.ID)
		}

		session, err := tx.GetOpenSession(ctx)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if session == nil && req.Method == domain.RefundMethodCash {
			return domain.Validation("cash refunds need an open registry session")
		}

		lineIDs := make([]string, 0, len(req.Lines))
		for _, line := range req.Lines {
			lineIDs = append(lineIDs, line.SaleLineID)
		}
		returned, err := tx.ReturnedBySaleLine(ctx, lineIDs)
		if err != nil {
			return err
		}
		refunded, err := tx.RefundedAmountBySaleLine(ctx, lineIDs)
		if err != nil {
			return err
		}

		now := s.now()
		refund := domain.Refund{
			ID:          xid.New("rfd"),
			SaleID:      sale.ID,
			Method:      req.Method,
			Status:      domain.RefundStatusPending,
			TotalAmount: decimal.Zero,
			Reason:      req.Reason,
			CreatedBy:   actor.Username,
			CreatedAt:   now,
			Lines:       make([]domain.RefundLine, 0, len(req.Lines)),
		}
		if session != nil {
			refund.SessionID = session.ID
		}
		if req.CashHanded {
			refund.CashHanded = true
			refund.CashHandedAt = &now
		}

		saleLines := make(map[string]domain.SaleLine, len(sale.Lines))
		for _, line := range sale.Lines {
			saleLines[line.ID] = line
		}
		for _, item := range req.Lines {
			saleLine, ok := saleLines[item.SaleLineID]
			if !ok {
				return domain.NotFound("sale line", item.SaleLineID)
			}
			refundable := saleLine.QuantitySold.Sub(returned[saleLine.ID])
			qty := item.QuantityReturned
			if qty.GreaterThan(refundable.Add(refundTolerance)) {
				return domain.ExceedsRefundable(saleLine.ID, refundable, qty)
			}
			if qty.GreaterThan(refundable) {
				qty = refundable
			}

			net := saleLine.NetAmount()
			remaining := net.Sub(refunded[saleLine.ID])
			amount := net.Mul(qty).Div(saleLine.QuantitySold).Round(2)
			if amount.GreaterThan(remaining) {
				amount = remaining
			}
			if item.RefundAmount != nil {
				amount = *item.RefundAmount
				if amount.GreaterThan(remaining) {
					return domain.Validation("sale line %s: refund amount %s exceeds what is left to refund %s of line total %s",
						saleLine.ID, amount.String(), remaining.String(), net.String())
				}
			}

			restock := decimal.Zero
			if item.Condition == domain.ConditionGood {
				restock = qty
			}
			refund.Lines = append(refund.Lines, domain.RefundLine{
				ID:               xid.New("rl"),
				RefundID:         refund.ID,
				SaleLineID:       saleLine.ID,
				ProductID:        saleLine.ProductID,
				QuantityReturned: qty,
				Condition:        item.Condition,
				RestockQuantity:  restock,
				RefundAmount:     amount,
			})
			refund.TotalAmount = refund.TotalAmount.Add(amount)
		}

		if err := tx.InsertRefund(ctx, refund); err != nil {
			return fmt.Errorf("insert refund: %w", err)
		}
		resp.Refund = refund

		if actor.AutoApproveRefunds {
			completed, restocks, err := s.completeRefund(ctx, tx, refund, *sale, actor, "auto-approved")
			if err != nil {
				return err
			}
			resp = domain.RefundResponse{Refund: completed, Restocks: restocks}
		}
		return nil
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.logAudit(ctx, "refund created", "refund", resp.Refund.ID,
		zap.String("sale_id", resp.Refund.SaleID),
		zap.String("method", string(resp.Refund.Method)),
		zap.String("status", resp.Refund.Status),
		zap.String("amount", resp.Refund.TotalAmount.StringFixed(2)),
		zap.Bool("cash_handed", resp.Refund.CashHanded),
	)
	return resp, nil
}

// ApproveRefund completes a pending refund: stock goes back to the lots it
// came from and the refund method's ledger effect is applied.
func (s *Service) ApproveRefund(ctx context.Context, refundID string, req domain.RefundDecisionRequest) (domain.RefundResponse, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.RefundResponse{}, err
	}

	var lockIDs []string
	err = s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		refund, err := tx.GetRefund(ctx, refundID)
		if err != nil {
			return err
		}
		for _, line := range refund.Lines {
			lockIDs = append(lockIDs, line.ProductID)
		}
		return nil
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	var resp domain.RefundResponse
	err = s.inTx(ctx, uniqueSorted(lockIDs), func(ctx context.Context, tx store.Tx) error {
		refund, err := tx.GetRefundForUpdate(ctx, refundID)
		if err != nil {
			return err
		}
		if refund.Status != domain.RefundStatusPending {
			return domain.AlreadyProcessed("refund", refund.ID, refund.Status)
		}
		sale, err := tx.GetSale(ctx, refund.SaleID)
		if err != nil {
			return err
		}
		completed, restocks, err := s.completeRefund(ctx, tx, *refund, *sale, actor, strings.TrimSpace(req.Reason))
		if err != nil {
			return err
		}
		resp = domain.RefundResponse{Refund: completed, Restocks: restocks}
		return nil
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.logAudit(ctx, "refund approved", "refund", resp.Refund.ID,
		zap.String("method", string(resp.Refund.Method)),
		zap.String("amount", resp.Refund.TotalAmount.StringFixed(2)),
		zap.Int("restocks", len(resp.Restocks)),
	)
	return resp, nil
}

// completeRefund restocks, recomputes costing, applies the method effect and
// stamps the refund completed. refund must already be persisted as pending.
func (s *Service) completeRefund(ctx context.Context, tx store.Tx, refund domain.Refund, sale domain.Sale, approver domain.Actor, reason string) (domain.Refund, []domain.RestockRecord, error) {
	now := s.now()
	led := ledger.New(tx)
	restocks := make([]domain.RestockRecord, 0, len(refund.Lines))

	for _, line := range refund.Lines {
		if line.Condition != domain.ConditionGood || !line.RestockQuantity.IsPositive() {
			continue
		}
		records, err := s.restockLine(ctx, tx, led, refund, line, now)
		if err != nil {
			return domain.Refund{}, nil, err
		}
		restocks = append(restocks, records...)
	}
	if len(restocks) > 0 {
		if err := tx.InsertRestocks(ctx, restocks); err != nil {
			return domain.Refund{}, nil, fmt.Errorf("insert restocks: %w", err)
		}
	}
	if _, err := led.Commit(ctx); err != nil {
		return domain.Refund{}, nil, err
	}

	effect, ok := refundEffects[refund.Method]
	if !ok {
		return domain.Refund{}, nil, domain.Validation("unsupported refund method %q", refund.Method)
	}
	if err := effect(ctx, tx, refund, sale, now); err != nil {
		return domain.Refund{}, nil, err
	}

	refund.Status = domain.RefundStatusCompleted
	refund.DecidedBy = approver.Username
	refund.DecidedAt = &now
	refund.DecisionReason = reason
	if err := tx.UpdateRefund(ctx, refund); err != nil {
		return domain.Refund{}, nil, fmt.Errorf("update refund: %w", err)
	}
	return refund, restocks, nil
}

// restockLine returns a refund line's good quantity to the lots its sale
// line drew from, most recently consumed lot first.
func (s *Service) restockLine(ctx context.Context, tx store.Tx, led *ledger.Ledger, refund domain.Refund, line domain.RefundLine, now time.Time) ([]domain.RestockRecord, error) {
	allocations, err := tx.ListAllocationsBySaleLine(ctx, line.SaleLineID)
	if err != nil {
		return nil, err
	}

	if len(allocations) == 0 {
		return s.restockUnallocated(ctx, tx, led, refund, line, now)
	}

	restocked, err := tx.RestockedByAllocation(ctx, line.SaleLineID)
	if err != nil {
		return nil, err
	}
	portions, err := ledger.PlanRestock(allocations, restocked, line.RestockQuantity)
	if err != nil {
		return nil, err
	}
	records := make([]domain.RestockRecord, 0, len(portions))
	for _, portion := range portions {
		if err := led.Restock(ctx, portion.LotID, portion.Quantity); err != nil {
			return nil, err
		}
		records = append(records, domain.RestockRecord{
			ID:           xid.New("rst"),
			RefundID:     refund.ID,
			RefundLineID: line.ID,
			AllocationID: portion.AllocationID,
			LotID:        portion.LotID,
			ProductID:    line.ProductID,
			Quantity:     portion.Quantity,
			CreatedAt:    now,
		})
	}
	return records, nil
}

// restockUnallocated handles sale lines with no allocation history. Plain
// stock counters are incremented; lot-tracked products get a return lot at
// the line's recorded cost so their stock stays derivable from lots.
func (s *Service) restockUnallocated(ctx context.Context, tx store.Tx, led *ledger.Ledger, refund domain.Refund, line domain.RefundLine, now time.Time) ([]domain.RestockRecord, error) {
	product, err := tx.GetProduct(ctx, line.ProductID)
	if err != nil {
		return nil, err
	}
	record := domain.RestockRecord{
		ID:           xid.New("rst"),
		RefundID:     refund.ID,
		RefundLineID: line.ID,
		ProductID:    line.ProductID,
		Quantity:     line.RestockQuantity,
		CreatedAt:    now,
	}

	if !product.Tracked {
		if err := led.AdjustUntracked(ctx, product.ID, line.RestockQuantity); err != nil {
			return nil, err
		}
		return []domain.RestockRecord{record}, nil
	}

	saleLine, err := tx.GetSaleLine(ctx, line.SaleLineID)
	if err != nil {
		return nil, err
	}
	lot, err := led.ReceiveLot(ctx, domain.LotReceiveRequest{
		ProductID:    product.ID,
		Quantity:     line.RestockQuantity,
		CostPrice:    saleLine.RecordedUnitCost,
		SourceRef:    "refund:" + refund.ID,
		ReceivedDate: &now,
	})
	if err != nil {
		return nil, err
	}
	record.LotID = lot.ID
	return []domain.RestockRecord{record}, nil
}

// RejectRefund closes a pending refund without touching stock or ledgers.
func (s *Service) RejectRefund(ctx context.Context, refundID string, req domain.RefundDecisionRequest) (domain.RefundResponse, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.RefundResponse{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "rejected"
	}

	var resp domain.RefundResponse
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		refund, err := tx.GetRefundForUpdate(ctx, refundID)
		if err != nil {
			return err
		}
		if refund.Status != domain.RefundStatusPending {
			return domain.AlreadyProcessed("refund", refund.ID, refund.Status)
		}
		now := s.now()
		refund.Status = domain.RefundStatusRejected
		refund.DecidedBy = actor.Username
		refund.DecidedAt = &now
		refund.DecisionReason = reason
		if err := tx.UpdateRefund(ctx, *refund); err != nil {
			return fmt.Errorf("update refund: %w", err)
		}
		resp.Refund = *refund
		return nil
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.logAudit(ctx, "refund rejected", "refund", resp.Refund.ID, zap.String("reason", reason))
	return resp, nil
}

// MarkCashHanded records that the cash for a pending cash refund has already
// left the drawer.
func (s *Service) MarkCashHanded(ctx context.Context, refundID string) (domain.RefundResponse, error) {
	var resp domain.RefundResponse
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		refund, err := tx.GetRefundForUpdate(ctx, refundID)
		if err != nil {
			return err
		}
		if refund.Status != domain.RefundStatusPending {
			return domain.AlreadyProcessed("refund", refund.ID, refund.Status)
		}
		if refund.Method != domain.RefundMethodCash {
			return domain.Validation("refund %s is not a cash refund", refund.ID)
		}
		if !refund.CashHanded {
			now := s.now()
			refund.CashHanded = true
			refund.CashHandedAt = &now
			if err := tx.UpdateRefund(ctx, *refund); err != nil {
				return fmt.Errorf("update refund: %w", err)
			}
		}
		resp.Refund = *refund
		return nil
	})
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.logAudit(ctx, "refund cash handed", "refund", resp.Refund.ID)
	return resp, nil
}

func (s *Service) GetRefund(ctx context.Context, refundID string) (domain.Refund, error) {
	var refund *domain.Refund
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		refund, err = tx.GetRefund(ctx, refundID)
		return err
	})
	if err != nil {
		return domain.Refund{}, err
	}
	return *refund, nil
}

// saleLineProducts resolves the products behind the requested sale lines.
func (s *Service) saleLineProducts(ctx context.Context, saleID string, lines []domain.RefundLineRequest) ([]string, error) {
	var ids []string
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.GetSale(ctx, saleID)
		if err != nil {
			return err
		}
		wanted := make(map[string]bool, len(lines))
		for _, line := range lines {
			wanted[line.SaleLineID] = true
		}
		for _, line := range sale.Lines {
			if wanted[line.ID] {
				ids = append(ids, line.ProductID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uniqueSorted(ids), nil
}
