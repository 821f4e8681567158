package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/ledger"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

func validPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentMobile, domain.PaymentCredit, domain.PaymentCheque:
		return true
	}
	return false
}

func normalizeSaleRequest(req domain.SaleRequest) (domain.SaleRequest, decimal.Decimal, error) {
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if !validPaymentMethod(req.PaymentMethod) {
		return req, decimal.Zero, domain.Validation("unsupported payment method %q", req.PaymentMethod)
	}
	if len(req.Lines) == 0 {
		return req, decimal.Zero, domain.Validation("sale needs at least one line")
	}

	total := decimal.Zero
	for i := range req.Lines {
		line := &req.Lines[i]
		line.ProductID = strings.TrimSpace(line.ProductID)
		if line.ProductID == "" {
			return req, decimal.Zero, domain.Validation("line %d: product id required", i+1)
		}
		if !line.Quantity.IsPositive() {
			return req, decimal.Zero, domain.Validation("line %d: quantity must be positive", i+1)
		}
		if line.UnitPrice.IsNegative() {
			return req, decimal.Zero, domain.Validation("line %d: unit price must not be negative", i+1)
		}
		gross := line.Quantity.Mul(line.UnitPrice)
		if line.Discount.IsNegative() || line.Discount.GreaterThan(gross) {
			return req, decimal.Zero, domain.Validation("line %d: discount must be between 0 and %s", i+1, gross.String())
		}
		if len(line.LotSelections) > 0 {
			selected := decimal.Zero
			for _, sel := range line.LotSelections {
				selected = selected.Add(sel.Quantity)
			}
			if !selected.Equal(line.Quantity) {
				return req, decimal.Zero, domain.Validation("line %d: lot selections total %s, line quantity is %s",
					i+1, selected.String(), line.Quantity.String())
			}
		}
		total = total.Add(gross.Sub(line.Discount))
	}

	if len(req.Tenders) > 0 {
		tendered := decimal.Zero
		for i := range req.Tenders {
			tender := &req.Tenders[i]
			tender.Method = strings.ToLower(strings.TrimSpace(tender.Method))
			if !validPaymentMethod(tender.Method) {
				return req, decimal.Zero, domain.Validation("tender %d: unsupported method %q", i+1, tender.Method)
			}
			if !tender.Amount.IsPositive() {
				return req, decimal.Zero, domain.Validation("tender %d: amount must be positive", i+1)
			}
			tendered = tendered.Add(tender.Amount)
		}
		if !tendered.Equal(total) {
			return req, decimal.Zero, domain.Validation("tenders total %s, sale total is %s", tendered.String(), total.String())
		}
	}
	return req, total, nil
}

// amountByMethod is how much of the sale total was settled with method.
func amountByMethod(sale domain.Sale, method string) decimal.Decimal {
	if len(sale.Tenders) == 0 {
		if sale.PaymentMethod == method {
			return sale.TotalAmount
		}
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, tender := range sale.Tenders {
		if tender.Method == method {
			sum = sum.Add(tender.Amount)
		}
	}
	return sum
}

// CreateSale validates a multi-line sale and commits it with its lot
// allocations as one unit of work. No part of a failed sale is kept.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	req, total, err := normalizeSaleRequest(req)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	requested := make(map[string]decimal.Decimal, len(req.Lines))
	productIDs := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		if _, ok := requested[line.ProductID]; !ok {
			productIDs = append(productIDs, line.ProductID)
		}
		requested[line.ProductID] = requested[line.ProductID].Add(line.Quantity)
	}
	productIDs = uniqueSorted(productIDs)

	// Early rejection against known stock. The allocation inside the unit
	// of work checks again.
	tracked := make([]string, 0, len(productIDs))
	err = s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, productID := range productIDs {
			product, err := tx.GetProduct(ctx, productID)
			if err != nil {
				return err
			}
			if !product.Tracked {
				continue
			}
			tracked = append(tracked, productID)
			if product.StockQuantity.LessThan(requested[productID]) {
				return domain.InsufficientStock(productID, "", product.StockQuantity, requested[productID])
			}
		}
		return nil
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	actor := actorOf(ctx)
	var resp domain.SaleResponse
	err = s.inTx(ctx, tracked, func(ctx context.Context, tx store.Tx) error {
		session, err := tx.GetOpenSession(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.Validation("no registry session is open")
			}
			return err
		}

		now := s.now()
		sale := domain.Sale{
			ID:            xid.New("sale"),
			SessionID:     session.ID,
			CustomerID:    req.CustomerID,
			PaymentMethod: req.PaymentMethod,
			Tenders:       req.Tenders,
			TotalAmount:   total,
			Status:        domain.SaleStatusCompleted,
			CreatedBy:     actor.Username,
			CreatedAt:     now,
			Lines:         make([]domain.SaleLine, 0, len(req.Lines)),
		}

		led := ledger.New(tx)
		records := make([]domain.AllocationRecord, 0, len(req.Lines))
		summaries := make([]domain.LineAllocationSummary, 0, len(req.Lines))
		for i, item := range req.Lines {
			product, err := tx.GetProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}
			line := domain.SaleLine{
				ID:           xid.New("sl"),
				SaleID:       sale.ID,
				LineNo:       i + 1,
				ProductID:    item.ProductID,
				QuantitySold: item.Quantity,
				UnitPrice:    item.UnitPrice,
				Discount:     item.Discount,
			}
			summary := domain.LineAllocationSummary{SaleLineID: line.ID, ProductID: line.ProductID, Quantity: line.QuantitySold}

			if !product.Tracked {
				if len(item.LotSelections) > 0 {
					return domain.Validation("line %d: product %s is not lot-tracked", i+1, product.ID)
				}
				if err := led.AdjustUntracked(ctx, product.ID, item.Quantity.Neg()); err != nil {
					return err
				}
				line.RecordedUnitCost = product.CostPrice
				summary.BlendedCost = product.CostPrice
			} else {
				var alloc ledger.Allocation
				if len(item.LotSelections) > 0 {
					alloc, err = led.AllocateSpecific(ctx, product.ID, item.LotSelections)
				} else {
					alloc, err = led.Allocate(ctx, product.ID, item.Quantity)
				}
				if err != nil {
					return err
				}
				line.RecordedUnitCost = alloc.BlendedCost
				summary.BlendedCost = alloc.BlendedCost
				for seq, portion := range alloc.Portions {
					records = append(records, domain.AllocationRecord{
						ID:           xid.New("alc"),
						SaleID:       sale.ID,
						SaleLineID:   line.ID,
						LotID:        portion.LotID,
						ProductID:    product.ID,
						Sequence:     seq + 1,
						QuantityUsed: portion.Quantity,
						CostPrice:    portion.CostPrice,
						CreatedAt:    now,
					})
					summary.Lots = append(summary.Lots, domain.LotUsage{
						LotID:        portion.LotID,
						QuantityUsed: portion.Quantity,
						CostPrice:    portion.CostPrice,
					})
				}
			}
			sale.Lines = append(sale.Lines, line)
			summaries = append(summaries, summary)
		}

		if err := tx.InsertSale(ctx, sale); err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}
		if len(records) > 0 {
			if err := tx.InsertAllocations(ctx, records); err != nil {
				return fmt.Errorf("insert allocations: %w", err)
			}
		}
		if err := s.recordSalePayment(ctx, tx, sale, req.ChequeNumber); err != nil {
			return err
		}
		if _, err := led.Commit(ctx); err != nil {
			return err
		}

		resp = domain.SaleResponse{Sale: sale, Allocations: summaries}
		return nil
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	s.logAudit(ctx, "sale committed", "sale", resp.Sale.ID,
		zap.String("session_id", resp.Sale.SessionID),
		zap.String("payment_method", resp.Sale.PaymentMethod),
		zap.String("total", resp.Sale.TotalAmount.StringFixed(2)),
		zap.Int("lines", len(resp.Sale.Lines)),
	)
	return resp, nil
}

// recordSalePayment writes the collaborator ledgers a payment touches: a
// received cheque, or a store-credit debit.
func (s *Service) recordSalePayment(ctx context.Context, tx store.Tx, sale domain.Sale, chequeNumber string) error {
	if amount := amountByMethod(sale, domain.PaymentCheque); amount.IsPositive() {
		err := tx.InsertCheque(ctx, domain.Cheque{
			ID:        xid.New("chq"),
			Direction: domain.ChequeReceived,
			Number:    strings.TrimSpace(chequeNumber),
			SaleID:    sale.ID,
			Amount:    amount,
			Status:    domain.ChequeStatusPending,
			Reason:    "sale " + sale.ID,
			CreatedAt: sale.CreatedAt,
			UpdatedAt: sale.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("insert cheque: %w", err)
		}
	}

	if amount := amountByMethod(sale, domain.PaymentCredit); amount.IsPositive() {
		if sale.CustomerID == "" {
			return domain.Validation("store credit payment needs a customer")
		}
		balance, err := tx.CustomerCreditBalance(ctx, sale.CustomerID)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return domain.Validation("customer %s store credit %s does not cover %s",
				sale.CustomerID, balance.StringFixed(2), amount.StringFixed(2))
		}
		err = tx.InsertStoreCredit(ctx, domain.StoreCreditEntry{
			ID:         xid.New("crd"),
			CustomerID: sale.CustomerID,
			Amount:     amount.Neg(),
			Reason:     "sale " + sale.ID,
			CreatedAt:  sale.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("insert store credit: %w", err)
		}
	}
	return nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	var sale *domain.Sale
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		sale, err = tx.GetSale(ctx, saleID)
		return err
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}
