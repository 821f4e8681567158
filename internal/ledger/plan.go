package ledger

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/backoffice/internal/domain"
)

// Portion is the quantity taken from (or returned to) a single lot.
type Portion struct {
	LotID     string
	Quantity  decimal.Decimal
	CostPrice decimal.Decimal
}

// Allocation is the result of satisfying one requested quantity. Portions
// are in consumption order.
type Allocation struct {
	ProductID   string
	Quantity    decimal.Decimal
	Portions    []Portion
	TotalCost   decimal.Decimal
	BlendedCost decimal.Decimal
}

// RestockPortion returns part of a refund to the lot behind one allocation
// record.
type RestockPortion struct {
	AllocationID string
	LotID        string
	Quantity     decimal.Decimal
}

// SortFIFO orders lots by received date, then by id.
func SortFIFO(lots []domain.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].ReceivedDate.Equal(lots[j].ReceivedDate) {
			return lots[i].ReceivedDate.Before(lots[j].ReceivedDate)
		}
		return strings.Compare(lots[i].ID, lots[j].ID) < 0
	})
}

// PlanFIFO consumes the oldest lots first. lots is not modified.
func PlanFIFO(productID string, lots []domain.Lot, quantity decimal.Decimal) (Allocation, error) {
	if !quantity.IsPositive() {
		return Allocation{}, domain.Validation("quantity for product %s must be positive", productID)
	}

	ordered := make([]domain.Lot, 0, len(lots))
	available := decimal.Zero
	for _, lot := range lots {
		if lot.ProductID != productID || !lot.QuantityRemaining.IsPositive() {
			continue
		}
		ordered = append(ordered, lot)
		available = available.Add(lot.QuantityRemaining)
	}
	if available.LessThan(quantity) {
		return Allocation{}, domain.InsufficientStock(productID, "", available, quantity)
	}
	SortFIFO(ordered)

	outstanding := quantity
	portions := make([]Portion, 0, 2)
	for _, lot := range ordered {
		if !outstanding.IsPositive() {
			break
		}
		take := decimal.Min(lot.QuantityRemaining, outstanding)
		portions = append(portions, Portion{LotID: lot.ID, Quantity: take, CostPrice: lot.CostPrice})
		outstanding = outstanding.Sub(take)
	}
	return newAllocation(productID, quantity, portions), nil
}

// PlanSpecific honours an operator's explicit lot choice. Selections naming
// the same lot are summed before the sufficiency check.
func PlanSpecific(productID string, lots []domain.Lot, selections []domain.LotSelection) (Allocation, error) {
	if len(selections) == 0 {
		return Allocation{}, domain.Validation("lot selections for product %s are empty", productID)
	}

	byID := make(map[string]domain.Lot, len(lots))
	for _, lot := range lots {
		byID[lot.ID] = lot
	}

	requested := make(map[string]decimal.Decimal, len(selections))
	order := make([]string, 0, len(selections))
	total := decimal.Zero
	for _, sel := range selections {
		lotID := strings.TrimSpace(sel.LotID)
		if lotID == "" {
			return Allocation{}, domain.Validation("lot selection for product %s has no lot id", productID)
		}
		if !sel.Quantity.IsPositive() {
			return Allocation{}, domain.Validation("quantity for lot %s must be positive", lotID)
		}
		lot, ok := byID[lotID]
		if !ok {
			return Allocation{}, domain.NotFound("lot", lotID)
		}
		if lot.ProductID != productID {
			return Allocation{}, domain.Validation("lot %s does not belong to product %s", lotID, productID)
		}
		if _, seen := requested[lotID]; !seen {
			order = append(order, lotID)
		}
		requested[lotID] = requested[lotID].Add(sel.Quantity)
		total = total.Add(sel.Quantity)
	}

	portions := make([]Portion, 0, len(order))
	for _, lotID := range order {
		lot := byID[lotID]
		want := requested[lotID]
		if lot.QuantityRemaining.LessThan(want) {
			return Allocation{}, domain.InsufficientStock(productID, lotID, lot.QuantityRemaining, want)
		}
		portions = append(portions, Portion{LotID: lotID, Quantity: want, CostPrice: lot.CostPrice})
	}
	return newAllocation(productID, total, portions), nil
}

func newAllocation(productID string, quantity decimal.Decimal, portions []Portion) Allocation {
	totalCost := decimal.Zero
	for _, p := range portions {
		totalCost = totalCost.Add(p.Quantity.Mul(p.CostPrice))
	}
	return Allocation{
		ProductID:   productID,
		Quantity:    quantity,
		Portions:    portions,
		TotalCost:   totalCost,
		BlendedCost: totalCost.Div(quantity),
	}
}

// WeightedAverage returns the stock held across lots and the cost averaged
// over lots that still hold stock. Cost is zero when nothing remains.
func WeightedAverage(lots []domain.Lot) (stock decimal.Decimal, cost decimal.Decimal) {
	stock = decimal.Zero
	value := decimal.Zero
	for _, lot := range lots {
		if !lot.QuantityRemaining.IsPositive() {
			continue
		}
		stock = stock.Add(lot.QuantityRemaining)
		value = value.Add(lot.QuantityRemaining.Mul(lot.CostPrice))
	}
	if stock.IsZero() {
		return stock, decimal.Zero
	}
	return stock, value.Div(stock)
}

// PlanRestock walks a line's allocation records from the last consumed lot
// back to the first, filling each up to what it gave minus what earlier
// refunds already returned to it.
func PlanRestock(allocations []domain.AllocationRecord, restocked map[string]decimal.Decimal, quantity decimal.Decimal) ([]RestockPortion, error) {
	if !quantity.IsPositive() {
		return nil, nil
	}

	ordered := make([]domain.AllocationRecord, len(allocations))
	copy(ordered, allocations)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence > ordered[j].Sequence
	})

	outstanding := quantity
	portions := make([]RestockPortion, 0, len(ordered))
	for _, alloc := range ordered {
		if !outstanding.IsPositive() {
			break
		}
		capacity := alloc.QuantityUsed.Sub(restocked[alloc.ID])
		if !capacity.IsPositive() {
			continue
		}
		give := decimal.Min(capacity, outstanding)
		portions = append(portions, RestockPortion{AllocationID: alloc.ID, LotID: alloc.LotID, Quantity: give})
		outstanding = outstanding.Sub(give)
	}
	if outstanding.IsPositive() {
		return nil, domain.Validation("restock of %s exceeds what the original allocation can take back by %s",
			quantity.String(), outstanding.String())
	}
	return portions, nil
}
