package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/ledger"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/xid"
)

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Product{}, domain.Validation("product name required")
	}
	unitType := strings.TrimSpace(req.UnitType)
	if unitType == "" {
		unitType = "unit"
	}
	tracked := true
	if req.Tracked != nil {
		tracked = *req.Tracked
	}

	now := s.now()
	product := domain.Product{
		ID:        xid.New("prd"),
		Name:      name,
		UnitType:  unitType,
		Tracked:   tracked,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateProduct(ctx, product)
	})
	if err != nil {
		return domain.Product{}, fmt.Errorf("create product: %w", err)
	}

	s.logAudit(ctx, "product created", "product", product.ID, zap.Bool("tracked", tracked))
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	var product *domain.Product
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		product, err = tx.GetProduct(ctx, productID)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// ReceiveLot is the receiving side's entry point: it records a new lot and
// recomputes the product in the same unit of work.
func (s *Service) ReceiveLot(ctx context.Context, req domain.LotReceiveRequest) (domain.Lot, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Lot{}, err
	}
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.SourceRef = strings.TrimSpace(req.SourceRef)
	if req.ProductID == "" {
		return domain.Lot{}, domain.Validation("product id required")
	}

	var lot *domain.Lot
	var product domain.Product
	err := s.inTx(ctx, []string{req.ProductID}, func(ctx context.Context, tx store.Tx) error {
		led := ledger.New(tx)
		var err error
		lot, err = led.ReceiveLot(ctx, req)
		if err != nil {
			return err
		}
		products, err := led.Commit(ctx)
		if err != nil {
			return err
		}
		product = products[0]
		return nil
	})
	if err != nil {
		return domain.Lot{}, err
	}

	s.logAudit(ctx, "lot received", "lot", lot.ID,
		zap.String("product_id", lot.ProductID),
		zap.String("quantity", lot.QuantityReceived.String()),
		zap.String("cost_price", lot.CostPrice.StringFixed(4)),
		zap.String("product_cost_price", product.CostPrice.StringFixed(4)),
	)
	return *lot, nil
}

func (s *Service) ListLots(ctx context.Context, productID string) (domain.LotListResponse, error) {
	resp := domain.LotListResponse{ProductID: productID}
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetProduct(ctx, productID); err != nil {
			return err
		}
		lots, err := tx.ListLots(ctx, productID)
		resp.Lots = lots
		return err
	})
	if err != nil {
		return domain.LotListResponse{}, err
	}
	return resp, nil
}

func (s *Service) ListAllocations(ctx context.Context, saleLineID string) (domain.AllocationListResponse, error) {
	resp := domain.AllocationListResponse{SaleLineID: saleLineID}
	err := s.read(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetSaleLine(ctx, saleLineID); err != nil {
			return err
		}
		allocations, err := tx.ListAllocationsBySaleLine(ctx, saleLineID)
		resp.Allocations = allocations
		return err
	})
	if err != nil {
		return domain.AllocationListResponse{}, err
	}
	return resp, nil
}
