package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/backoffice/internal/domain"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func lot(id string, productID string, received time.Time, qty string, remaining string, cost string) domain.Lot {
	return domain.Lot{
		ID:                id,
		ProductID:         productID,
		QuantityReceived:  d(qty),
		QuantityRemaining: d(remaining),
		CostPrice:         d(cost),
		ReceivedDate:      received,
	}
}

func TestPlanFIFO(t *testing.T) {
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("two lots, blended cost", func(t *testing.T) {
		lots := []domain.Lot{
			lot("lot-b", "x", day.Add(time.Hour), "10", "10", "8"),
			lot("lot-a", "x", day, "10", "10", "5"),
		}

		alloc, err := PlanFIFO("x", lots, d("15"))
		require.NoError(t, err)
		require.Len(t, alloc.Portions, 2)
		assert.Equal(t, "lot-a", alloc.Portions[0].LotID)
		assert.True(t, alloc.Portions[0].Quantity.Equal(d("10")))
		assert.Equal(t, "lot-b", alloc.Portions[1].LotID)
		assert.True(t, alloc.Portions[1].Quantity.Equal(d("5")))
		assert.True(t, alloc.TotalCost.Equal(d("90")))
		assert.True(t, alloc.BlendedCost.Equal(d("6")), "blended %s", alloc.BlendedCost)
	})

	t.Run("ties on date fall back to lot id", func(t *testing.T) {
		lots := []domain.Lot{
			lot("lot-2", "x", day, "5", "5", "2"),
			lot("lot-1", "x", day, "5", "5", "1"),
		}

		alloc, err := PlanFIFO("x", lots, d("3"))
		require.NoError(t, err)
		require.Len(t, alloc.Portions, 1)
		assert.Equal(t, "lot-1", alloc.Portions[0].LotID)
	})

	t.Run("skips depleted lots", func(t *testing.T) {
		lots := []domain.Lot{
			lot("lot-1", "x", day, "5", "0", "1"),
			lot("lot-2", "x", day.Add(time.Minute), "5", "5", "2"),
		}

		alloc, err := PlanFIFO("x", lots, d("2"))
		require.NoError(t, err)
		require.Len(t, alloc.Portions, 1)
		assert.Equal(t, "lot-2", alloc.Portions[0].LotID)
	})

	t.Run("exact total succeeds, one more fails", func(t *testing.T) {
		lots := []domain.Lot{
			lot("lot-1", "x", day, "4", "4", "1"),
			lot("lot-2", "x", day.Add(time.Minute), "6", "6", "2"),
		}

		alloc, err := PlanFIFO("x", lots, d("10"))
		require.NoError(t, err)
		assert.Len(t, alloc.Portions, 2)

		_, err = PlanFIFO("x", lots, d("11"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
		var de *domain.Error
		require.True(t, errors.As(err, &de))
		assert.True(t, de.Details["available"].(decimal.Decimal).Equal(d("10")))
		assert.True(t, de.Details["required"].(decimal.Decimal).Equal(d("11")))
	})

	t.Run("fractional quantities", func(t *testing.T) {
		lots := []domain.Lot{lot("lot-1", "x", day, "2.5", "2.5", "4")}

		alloc, err := PlanFIFO("x", lots, d("0.75"))
		require.NoError(t, err)
		assert.True(t, alloc.TotalCost.Equal(d("3")))
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		_, err := PlanFIFO("x", nil, d("0"))
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})
}

func TestPlanSpecific(t *testing.T) {
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lots := []domain.Lot{
		lot("lot-1", "x", day, "10", "10", "5"),
		lot("lot-2", "x", day.Add(time.Hour), "10", "3", "8"),
	}

	t.Run("uses named lots in request order", func(t *testing.T) {
		alloc, err := PlanSpecific("x", lots, []domain.LotSelection{
			{LotID: "lot-2", Quantity: d("2")},
			{LotID: "lot-1", Quantity: d("1")},
		})
		require.NoError(t, err)
		require.Len(t, alloc.Portions, 2)
		assert.Equal(t, "lot-2", alloc.Portions[0].LotID)
		assert.True(t, alloc.Quantity.Equal(d("3")))
		assert.True(t, alloc.BlendedCost.Equal(d("7")))
	})

	t.Run("names the insufficient lot", func(t *testing.T) {
		_, err := PlanSpecific("x", lots, []domain.LotSelection{
			{LotID: "lot-2", Quantity: d("2")},
			{LotID: "lot-2", Quantity: d("2")},
		})
		require.Error(t, err)
		var de *domain.Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, domain.KindInsufficientStock, de.Kind)
		assert.Equal(t, "lot-2", de.Details["lot_id"])
	})

	t.Run("unknown lot", func(t *testing.T) {
		_, err := PlanSpecific("x", lots, []domain.LotSelection{{LotID: "lot-9", Quantity: d("1")}})
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("lot of another product", func(t *testing.T) {
		foreign := append([]domain.Lot{lot("lot-y", "y", day, "1", "1", "1")}, lots...)
		_, err := PlanSpecific("x", foreign, []domain.LotSelection{{LotID: "lot-y", Quantity: d("1")}})
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})
}

func TestWeightedAverage(t *testing.T) {
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	stock, cost := WeightedAverage([]domain.Lot{
		lot("lot-1", "x", day, "10", "0", "5"),
		lot("lot-2", "x", day, "10", "5", "8"),
	})
	assert.True(t, stock.Equal(d("5")))
	assert.True(t, cost.Equal(d("8")))

	stock, cost = WeightedAverage([]domain.Lot{
		lot("lot-1", "x", day, "10", "10", "5"),
		lot("lot-2", "x", day, "10", "10", "8"),
	})
	assert.True(t, stock.Equal(d("20")))
	assert.True(t, cost.Equal(d("6.5")))

	stock, cost = WeightedAverage([]domain.Lot{lot("lot-1", "x", day, "10", "0", "5")})
	assert.True(t, stock.IsZero())
	assert.True(t, cost.IsZero())
}

func TestPlanRestock(t *testing.T) {
	allocations := []domain.AllocationRecord{
		{ID: "al-1", LotID: "lot-1", Sequence: 1, QuantityUsed: d("10")},
		{ID: "al-2", LotID: "lot-2", Sequence: 2, QuantityUsed: d("5")},
	}

	t.Run("last lot used is restocked first", func(t *testing.T) {
		portions, err := PlanRestock(allocations, nil, d("5"))
		require.NoError(t, err)
		require.Len(t, portions, 1)
		assert.Equal(t, "lot-2", portions[0].LotID)
		assert.True(t, portions[0].Quantity.Equal(d("5")))
	})

	t.Run("spills into the older lot", func(t *testing.T) {
		portions, err := PlanRestock(allocations, nil, d("8"))
		require.NoError(t, err)
		require.Len(t, portions, 2)
		assert.Equal(t, "lot-2", portions[0].LotID)
		assert.True(t, portions[0].Quantity.Equal(d("5")))
		assert.Equal(t, "lot-1", portions[1].LotID)
		assert.True(t, portions[1].Quantity.Equal(d("3")))
	})

	t.Run("earlier restocks reduce capacity", func(t *testing.T) {
		portions, err := PlanRestock(allocations, map[string]decimal.Decimal{"al-2": d("5")}, d("2"))
		require.NoError(t, err)
		require.Len(t, portions, 1)
		assert.Equal(t, "lot-1", portions[0].LotID)
	})

	t.Run("more than was allocated", func(t *testing.T) {
		_, err := PlanRestock(allocations, nil, d("16"))
		assert.True(t, errors.Is(err, domain.ErrValidation))
	})

	t.Run("zero is a no-op", func(t *testing.T) {
		portions, err := PlanRestock(allocations, nil, decimal.Zero)
		require.NoError(t, err)
		assert.Empty(t, portions)
	})
}
