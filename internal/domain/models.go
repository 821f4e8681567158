package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	UnitType      string          `json:"unit_type"`
	Tracked       bool            `json:"tracked"`
	StockQuantity decimal.Decimal `json:"stock_quantity"`
	CostPrice     decimal.Decimal `json:"cost_price"`
	LastKnownCost decimal.Decimal `json:"last_known_cost"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Name     string `json:"name"`
	UnitType string `json:"unit_type"`
	Tracked  *bool  `json:"tracked,omitempty"`
}

// Lot is a received quantity of one product at a fixed unit cost.
type Lot struct {
	ID                string          `json:"id"`
	ProductID         string          `json:"product_id"`
	QuantityReceived  decimal.Decimal `json:"quantity_received"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining"`
	CostPrice         decimal.Decimal `json:"cost_price"`
	ReceivedDate      time.Time       `json:"received_date"`
	SourceRef         string          `json:"source_ref,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type LotReceiveRequest struct {
	ProductID    string          `json:"product_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SourceRef    string          `json:"source_ref"`
	ReceivedDate *time.Time      `json:"received_date,omitempty"`
}

type LotListResponse struct {
	ProductID string `json:"product_id"`
	Lots      []Lot  `json:"lots"`
}

// AllocationRecord links one sale line to one lot it consumed. Sequence is
// the position of the lot within the allocation, starting at 1.
type AllocationRecord struct {
	ID           string          `json:"id"`
	SaleID       string          `json:"sale_id"`
	SaleLineID   string          `json:"sale_line_id"`
	LotID        string          `json:"lot_id"`
	ProductID    string          `json:"product_id"`
	Sequence     int             `json:"sequence"`
	QuantityUsed decimal.Decimal `json:"quantity_used"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	CreatedAt    time.Time       `json:"created_at"`
}

type AllocationListResponse struct {
	SaleLineID  string             `json:"sale_line_id"`
	Allocations []AllocationRecord `json:"allocations"`
}

// RestockRecord is one portion of a refund returned into the lot an
// allocation record originally drew from.
type RestockRecord struct {
	ID           string          `json:"id"`
	RefundID     string          `json:"refund_id"`
	RefundLineID string          `json:"refund_line_id"`
	AllocationID string          `json:"allocation_id,omitempty"`
	LotID        string          `json:"lot_id,omitempty"`
	ProductID    string          `json:"product_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	CreatedAt    time.Time       `json:"created_at"`
}

type LotSelection struct {
	LotID    string          `json:"lot_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

type SaleLineRequest struct {
	ProductID     string          `json:"product_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Discount      decimal.Decimal `json:"discount"`
	LotSelections []LotSelection  `json:"lot_selections,omitempty"`
}

type Tender struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

type SaleRequest struct {
	CustomerID    string            `json:"customer_id,omitempty"`
	PaymentMethod string            `json:"payment_method"`
	Tenders       []Tender          `json:"tenders,omitempty"`
	ChequeNumber  string            `json:"cheque_number,omitempty"`
	Lines         []SaleLineRequest `json:"lines"`
}

type Sale struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	PaymentMethod string          `json:"payment_method"`
	Tenders       []Tender        `json:"tenders,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        string          `json:"status"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	Lines         []SaleLine      `json:"lines"`
}

type SaleLine struct {
	ID               string          `json:"id"`
	SaleID           string          `json:"sale_id"`
	LineNo           int             `json:"line_no"`
	ProductID        string          `json:"product_id"`
	QuantitySold     decimal.Decimal `json:"quantity_sold"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	Discount         decimal.Decimal `json:"discount"`
	RecordedUnitCost decimal.Decimal `json:"recorded_unit_cost"`
}

// NetAmount is the line total after its discount.
func (l SaleLine) NetAmount() decimal.Decimal {
	return l.QuantitySold.Mul(l.UnitPrice).Sub(l.Discount)
}

type LotUsage struct {
	LotID        string          `json:"lot_id"`
	QuantityUsed decimal.Decimal `json:"quantity_used"`
	CostPrice    decimal.Decimal `json:"cost_price"`
}

type LineAllocationSummary struct {
	SaleLineID  string          `json:"sale_line_id"`
	ProductID   string          `json:"product_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	BlendedCost decimal.Decimal `json:"blended_cost"`
	Lots        []LotUsage      `json:"lots"`
}

type SaleResponse struct {
	Sale        Sale                    `json:"sale"`
	Allocations []LineAllocationSummary `json:"allocations"`
}

type RefundMethod string

const (
	RefundMethodCash   RefundMethod = "cash"
	RefundMethodCard   RefundMethod = "card"
	RefundMethodMobile RefundMethod = "mobile"
	RefundMethodCredit RefundMethod = "credit"
	RefundMethodCheque RefundMethod = "cheque"
)

func (m RefundMethod) Valid() bool {
	switch m {
	case RefundMethodCash, RefundMethodCard, RefundMethodMobile, RefundMethodCredit, RefundMethodCheque:
		return true
	}
	return false
}

type RefundLineRequest struct {
	SaleLineID       string           `json:"sale_line_id"`
	QuantityReturned decimal.Decimal  `json:"quantity_returned"`
	Condition        string           `json:"condition"`
	RefundAmount     *decimal.Decimal `json:"refund_amount,omitempty"`
}

type RefundRequest struct {
	SaleID     string              `json:"sale_id"`
	Method     RefundMethod        `json:"method"`
	Reason     string              `json:"reason"`
	CashHanded bool                `json:"cash_handed"`
	Lines      []RefundLineRequest `json:"lines"`
}

type RefundDecisionRequest struct {
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type Refund struct {
	ID             string          `json:"id"`
	SaleID         string          `json:"sale_id"`
	SessionID      string          `json:"session_id,omitempty"`
	Method         RefundMethod    `json:"method"`
	Status         string          `json:"status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Reason         string          `json:"reason,omitempty"`
	CashHanded     bool            `json:"cash_handed"`
	CashHandedAt   *time.Time      `json:"cash_handed_at,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	DecidedBy      string          `json:"decided_by,omitempty"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
	DecisionReason string          `json:"decision_reason,omitempty"`
	Lines          []RefundLine    `json:"lines"`
}

type RefundLine struct {
	ID               string          `json:"id"`
	RefundID         string          `json:"refund_id"`
	SaleLineID       string          `json:"sale_line_id"`
	ProductID        string          `json:"product_id"`
	QuantityReturned decimal.Decimal `json:"quantity_returned"`
	Condition        string          `json:"condition"`
	RestockQuantity  decimal.Decimal `json:"restock_quantity"`
	RefundAmount     decimal.Decimal `json:"refund_amount"`
}

type RefundResponse struct {
	Refund   Refund          `json:"refund"`
	Restocks []RestockRecord `json:"restocks,omitempty"`
}

type PendingRefund struct {
	RefundID   string          `json:"refund_id"`
	Amount     decimal.Decimal `json:"amount"`
	CashHanded bool            `json:"cash_handed"`
	Reason     string          `json:"reason,omitempty"`
}

type StoreCreditEntry struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	RefundID   string          `json:"refund_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Cheque struct {
	ID        string          `json:"id"`
	Direction string          `json:"direction"`
	Number    string          `json:"number,omitempty"`
	SaleID    string          `json:"sale_id,omitempty"`
	RefundID  string          `json:"refund_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type RegistrySession struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	OpeningCash  decimal.Decimal  `json:"opening_cash"`
	OpenedBy     string           `json:"opened_by"`
	OpenedAt     time.Time        `json:"opened_at"`
	Totals       SessionTotals    `json:"totals"`
	ExpectedCash *decimal.Decimal `json:"expected_cash,omitempty"`
	ActualCash   *decimal.Decimal `json:"actual_cash,omitempty"`
	Variance     *decimal.Decimal `json:"variance,omitempty"`
	ClosedBy     string           `json:"closed_by,omitempty"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty"`
}

// SessionTotals are the drawer aggregates of a session. They are stamped on
// the session at close; while it is open they are derived on demand.
type SessionTotals struct {
	TotalSales  decimal.Decimal `json:"total_sales"`
	CashSales   decimal.Decimal `json:"cash_sales"`
	CardSales   decimal.Decimal `json:"card_sales"`
	OtherSales  decimal.Decimal `json:"other_sales"`
	CashIn      decimal.Decimal `json:"cash_in"`
	CashOut     decimal.Decimal `json:"cash_out"`
	CashRefunds decimal.Decimal `json:"cash_refunds"`
}

// ExpectedCash is what the drawer should hold given the opening float.
func (t SessionTotals) ExpectedCash(openingCash decimal.Decimal) decimal.Decimal {
	return openingCash.Add(t.CashSales).Add(t.CashIn).Sub(t.CashOut).Sub(t.CashRefunds)
}

type RegistryOpenRequest struct {
	OpeningCash decimal.Decimal `json:"opening_cash"`
}

type RegistryCloseRequest struct {
	ActualCash *decimal.Decimal `json:"actual_cash"`
}

type RegistrySummary struct {
	Session      RegistrySession `json:"session"`
	Totals       SessionTotals   `json:"totals"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
}

type CashTransaction struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

type CashTransactionRequest struct {
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// Actor is the authenticated operator behind a request.
type Actor struct {
	Username           string `json:"username"`
	Role               string `json:"role"`
	AutoApproveRefunds bool   `json:"auto_approve_refunds"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	SaleStatusCompleted = "completed"
)

const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentMobile = "mobile"
	PaymentCredit = "credit"
	PaymentCheque = "cheque"
)

const (
	RefundStatusPending   = "pending"
	RefundStatusCompleted = "completed"
	RefundStatusRejected  = "rejected"
)

const (
	ConditionGood    = "good"
	ConditionDamaged = "damaged"
)

const (
	RegistryStatusOpen   = "open"
	RegistryStatusClosed = "closed"
)

const (
	CashIn  = "in"
	CashOut = "out"
)

const (
	ChequeReceived = "received"
	ChequeIssued   = "issued"
)

const (
	ChequeStatusPending  = "pending"
	ChequeStatusReturned = "returned"
)
