package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/xid"
)

// LotStore is the part of a unit of work the ledger reads and writes. Every
// "ForUpdate" read must hold its rows until the unit of work ends.
type LotStore interface {
	GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error)
	UpdateProductCosting(ctx context.Context, product domain.Product) error
	ListLotsForUpdate(ctx context.Context, productID string) ([]domain.Lot, error)
	GetLotForUpdate(ctx context.Context, lotID string) (*domain.Lot, error)
	InsertLot(ctx context.Context, lot domain.Lot) error
	UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error
}

// Ledger applies lot mutations within one unit of work and remembers which
// products it touched. Commit must be the last ledger call before the unit
// of work commits.
type Ledger struct {
	store   LotStore
	touched []string
	seen    map[string]bool
	now     func() time.Time
}

func New(store LotStore) *Ledger {
	return &Ledger{
		store: store,
		seen:  make(map[string]bool),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) touch(productID string) {
	if l.seen[productID] {
		return
	}
	l.seen[productID] = true
	l.touched = append(l.touched, productID)
}

// ReceiveLot creates a lot holding its full received quantity.
func (l *Ledger) ReceiveLot(ctx context.Context, req domain.LotReceiveRequest) (*domain.Lot, error) {
	if !req.Quantity.IsPositive() {
		return nil, domain.Validation("lot quantity must be positive")
	}
	if req.CostPrice.IsNegative() {
		return nil, domain.Validation("lot cost price must not be negative")
	}
	product, err := l.store.GetProductForUpdate(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if !product.Tracked {
		return nil, domain.Validation("product %s is not lot-tracked", product.ID)
	}

	now := l.now()
	received := now
	if req.ReceivedDate != nil && !req.ReceivedDate.IsZero() {
		received = req.ReceivedDate.UTC()
	}
	lot := domain.Lot{
		ID:                xid.New("lot"),
		ProductID:         product.ID,
		QuantityReceived:  req.Quantity,
		QuantityRemaining: req.Quantity,
		CostPrice:         req.CostPrice,
		ReceivedDate:      received,
		SourceRef:         req.SourceRef,
		CreatedAt:         now,
	}
	if err := l.store.InsertLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("insert lot: %w", err)
	}
	l.touch(product.ID)
	return &lot, nil
}

// Allocate consumes quantity FIFO.
func (l *Ledger) Allocate(ctx context.Context, productID string, quantity decimal.Decimal) (Allocation, error) {
	lots, err := l.store.ListLotsForUpdate(ctx, productID)
	if err != nil {
		return Allocation{}, err
	}
	alloc, err := PlanFIFO(productID, lots, quantity)
	if err != nil {
		return Allocation{}, err
	}
	return alloc, l.apply(ctx, lots, alloc)
}

// AllocateSpecific consumes exactly the operator-selected lots.
func (l *Ledger) AllocateSpecific(ctx context.Context, productID string, selections []domain.LotSelection) (Allocation, error) {
	lots, err := l.store.ListLotsForUpdate(ctx, productID)
	if err != nil {
		return Allocation{}, err
	}
	alloc, err := PlanSpecific(productID, lots, selections)
	if err != nil {
		return Allocation{}, err
	}
	return alloc, l.apply(ctx, lots, alloc)
}

func (l *Ledger) apply(ctx context.Context, lots []domain.Lot, alloc Allocation) error {
	remaining := make(map[string]decimal.Decimal, len(lots))
	for _, lot := range lots {
		remaining[lot.ID] = lot.QuantityRemaining
	}
	for _, p := range alloc.Portions {
		next := remaining[p.LotID].Sub(p.Quantity)
		if next.IsNegative() {
			return domain.ConcurrencyConflict("lot %s would go negative", p.LotID)
		}
		if err := l.store.UpdateLotRemaining(ctx, p.LotID, next); err != nil {
			return fmt.Errorf("decrement lot %s: %w", p.LotID, err)
		}
		remaining[p.LotID] = next
	}
	l.touch(alloc.ProductID)
	return nil
}

// Restock returns quantity to a lot. A lot never holds more than it received.
func (l *Ledger) Restock(ctx context.Context, lotID string, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return nil
	}
	lot, err := l.store.GetLotForUpdate(ctx, lotID)
	if err != nil {
		return err
	}
	next := lot.QuantityRemaining.Add(quantity)
	if next.GreaterThan(lot.QuantityReceived) {
		return domain.Validation("restocking %s into lot %s exceeds its received quantity %s",
			quantity.String(), lot.ID, lot.QuantityReceived.String())
	}
	if err := l.store.UpdateLotRemaining(ctx, lot.ID, next); err != nil {
		return fmt.Errorf("restock lot %s: %w", lot.ID, err)
	}
	l.touch(lot.ProductID)
	return nil
}

// AdjustUntracked changes the plain stock counter of a product that is not
// lot-tracked. Tracked products are rejected; their stock is derived.
func (l *Ledger) AdjustUntracked(ctx context.Context, productID string, delta decimal.Decimal) error {
	product, err := l.store.GetProductForUpdate(ctx, productID)
	if err != nil {
		return err
	}
	if product.Tracked {
		return domain.Validation("product %s is lot-tracked; stock is derived from its lots", productID)
	}
	product.StockQuantity = product.StockQuantity.Add(delta)
	product.UpdatedAt = l.now()
	return l.store.UpdateProductCosting(ctx, *product)
}

// Recompute derives stockQuantity and costPrice of a tracked product from
// its lots.
func (l *Ledger) Recompute(ctx context.Context, productID string) (*domain.Product, error) {
	product, err := l.store.GetProductForUpdate(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Tracked {
		return product, nil
	}
	lots, err := l.store.ListLotsForUpdate(ctx, productID)
	if err != nil {
		return nil, err
	}
	stock, cost := WeightedAverage(lots)
	product.StockQuantity = stock
	product.CostPrice = cost
	if cost.IsPositive() {
		product.LastKnownCost = cost
	}
	product.UpdatedAt = l.now()
	if err := l.store.UpdateProductCosting(ctx, *product); err != nil {
		return nil, fmt.Errorf("update product costing %s: %w", productID, err)
	}
	return product, nil
}

// Commit recomputes every product whose lots changed, in first-touched order.
func (l *Ledger) Commit(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, len(l.touched))
	for _, productID := range l.touched {
		product, err := l.Recompute(ctx, productID)
		if err != nil {
			return nil, err
		}
		products = append(products, *product)
	}
	l.touched = l.touched[:0]
	l.seen = make(map[string]bool)
	return products, nil
}
