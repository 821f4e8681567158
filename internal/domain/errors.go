package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type ErrorKind string

const (
	KindValidation              ErrorKind = "validation_error"
	KindInsufficientStock       ErrorKind = "insufficient_stock"
	KindExceedsRefundable       ErrorKind = "exceeds_refundable_quantity"
	KindAlreadyProcessed        ErrorKind = "already_processed"
	KindBlockedByPendingRefunds ErrorKind = "blocked_by_pending_refunds"
	KindRegistryAlreadyOpen     ErrorKind = "registry_already_open"
	KindActualCashRequired      ErrorKind = "actual_cash_required"
	KindInvalidActualCash       ErrorKind = "invalid_actual_cash"
	KindNotFound                ErrorKind = "not_found"
	KindConcurrencyConflict     ErrorKind = "concurrency_conflict"
)

// Error is the machine-readable failure returned by every core operation.
// Details carries the context a caller needs to correct and resubmit.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is matches any *Error of the same kind, so the exported sentinels below
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrValidation              = &Error{Kind: KindValidation}
	ErrInsufficientStock       = &Error{Kind: KindInsufficientStock}
	ErrExceedsRefundable       = &Error{Kind: KindExceedsRefundable}
	ErrAlreadyProcessed        = &Error{Kind: KindAlreadyProcessed}
	ErrBlockedByPendingRefunds = &Error{Kind: KindBlockedByPendingRefunds}
	ErrRegistryAlreadyOpen     = &Error{Kind: KindRegistryAlreadyOpen}
	ErrActualCashRequired      = &Error{Kind: KindActualCashRequired}
	ErrInvalidActualCash       = &Error{Kind: KindInvalidActualCash}
	ErrNotFound                = &Error{Kind: KindNotFound}
	ErrConcurrencyConflict     = &Error{Kind: KindConcurrencyConflict}
)

// KindOf returns the kind of err, or "" when err is not a domain error.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity string, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %s not found", entity, id),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// InsufficientStock reports a shortfall for a product, or for a single lot
// when lotID is set.
func InsufficientStock(productID string, lotID string, available decimal.Decimal, required decimal.Decimal) *Error {
	msg := fmt.Sprintf("insufficient stock for product %s: available %s, required %s",
		productID, available.String(), required.String())
	details := map[string]any{
		"product_id": productID,
		"available":  available,
		"required":   required,
	}
	if lotID != "" {
		msg = fmt.Sprintf("insufficient stock in lot %s for product %s: available %s, required %s",
			lotID, productID, available.String(), required.String())
		details["lot_id"] = lotID
	}
	return &Error{Kind: KindInsufficientStock, Message: msg, Details: details}
}

func ExceedsRefundable(saleLineID string, refundable decimal.Decimal, requested decimal.Decimal) *Error {
	return &Error{
		Kind: KindExceedsRefundable,
		Message: fmt.Sprintf("sale line %s: requested %s exceeds refundable %s",
			saleLineID, requested.String(), refundable.String()),
		Details: map[string]any{
			"sale_line_id": saleLineID,
			"refundable":   refundable,
			"requested":    requested,
		},
	}
}

func AlreadyProcessed(entity string, id string, status string) *Error {
	return &Error{
		Kind:    KindAlreadyProcessed,
		Message: fmt.Sprintf("%s %s already %s", entity, id, status),
		Details: map[string]any{"entity": entity, "id": id, "status": status},
	}
}

// BlockedByPendingRefunds lists every pending refund holding a session open.
func BlockedByPendingRefunds(sessionID string, pending []PendingRefund) *Error {
	total := decimal.Zero
	handed := 0
	for _, p := range pending {
		total = total.Add(p.Amount)
		if p.CashHanded {
			handed++
		}
	}
	return &Error{
		Kind: KindBlockedByPendingRefunds,
		Message: fmt.Sprintf("registry session %s has %d pending refund(s) totalling %s",
			sessionID, len(pending), total.StringFixed(2)),
		Details: map[string]any{
			"session_id":           sessionID,
			"pending_refunds":      pending,
			"pending_count":        len(pending),
			"total_pending_amount": total,
			"cash_already_given":   handed,
		},
	}
}

func RegistryAlreadyOpen(sessionID string) *Error {
	details := map[string]any{}
	if sessionID != "" {
		details["session_id"] = sessionID
	}
	return &Error{Kind: KindRegistryAlreadyOpen, Message: "a registry session is already open", Details: details}
}

func ActualCashRequired() *Error {
	return &Error{Kind: KindActualCashRequired, Message: "actual cash is required to close the registry"}
}

func InvalidActualCash(value decimal.Decimal) *Error {
	return &Error{
		Kind:    KindInvalidActualCash,
		Message: fmt.Sprintf("actual cash must not be negative, got %s", value.String()),
		Details: map[string]any{"actual_cash": value},
	}
}

func ConcurrencyConflict(format string, args ...any) *Error {
	return &Error{Kind: KindConcurrencyConflict, Message: fmt.Sprintf(format, args...)}
}
