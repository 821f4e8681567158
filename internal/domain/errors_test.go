package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("create sale: %w", InsufficientStock("p-1", "", decimal.NewFromInt(3), decimal.NewFromInt(5)))

	assert.True(t, errors.Is(err, ErrInsufficientStock))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindInsufficientStock, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestInsufficientStockNamesLot(t *testing.T) {
	err := InsufficientStock("p-1", "lot-9", decimal.NewFromInt(1), decimal.NewFromInt(2))

	assert.Contains(t, err.Error(), "lot-9")
	assert.Equal(t, "lot-9", err.Details["lot_id"])
}

func TestBlockedByPendingRefundsSummarises(t *testing.T) {
	err := BlockedByPendingRefunds("reg-1", []PendingRefund{
		{RefundID: "r-1", Amount: decimal.NewFromInt(300), CashHanded: true},
		{RefundID: "r-2", Amount: decimal.NewFromInt(20)},
	})

	require.Equal(t, KindBlockedByPendingRefunds, err.Kind)
	assert.Equal(t, 2, err.Details["pending_count"])
	assert.Equal(t, 1, err.Details["cash_already_given"])
	total := err.Details["total_pending_amount"].(decimal.Decimal)
	assert.True(t, total.Equal(decimal.NewFromInt(320)))
}
