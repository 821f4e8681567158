package store

import (
	"context"

	"github.com/shopspring/decimal"

	"kasirinaja/backoffice/internal/domain"
)

// Implementations report failures with domain errors so callers can match
// them with errors.Is against these values.
var (
	ErrNotFound = domain.ErrNotFound
	// ErrOpenSessionExists is returned when inserting a second open
	// registry session.
	ErrOpenSessionExists = domain.ErrRegistryAlreadyOpen
)

// Repository runs units of work. fn's writes become visible together when it
// returns nil and are discarded when it returns an error.
type Repository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is everything a unit of work can read or write. "ForUpdate" reads lock
// the returned rows until the unit of work ends.
type Tx interface {
	CreateProduct(ctx context.Context, product domain.Product) error
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error)
	UpdateProductCosting(ctx context.Context, product domain.Product) error

	InsertLot(ctx context.Context, lot domain.Lot) error
	ListLots(ctx context.Context, productID string) ([]domain.Lot, error)
	ListLotsForUpdate(ctx context.Context, productID string) ([]domain.Lot, error)
	GetLotForUpdate(ctx context.Context, lotID string) (*domain.Lot, error)
	UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error

	InsertAllocations(ctx context.Context, records []domain.AllocationRecord) error
	ListAllocationsBySaleLine(ctx context.Context, saleLineID string) ([]domain.AllocationRecord, error)
	InsertRestocks(ctx context.Context, records []domain.RestockRecord) error
	// RestockedByAllocation sums restocked quantity per allocation record of
	// a sale line.
	RestockedByAllocation(ctx context.Context, saleLineID string) (map[string]decimal.Decimal, error)

	InsertSale(ctx context.Context, sale domain.Sale) error
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	GetSaleForUpdate(ctx context.Context, saleID string) (*domain.Sale, error)
	GetSaleLine(ctx context.Context, saleLineID string) (*domain.SaleLine, error)
	ListSalesBySession(ctx context.Context, sessionID string) ([]domain.Sale, error)

	InsertRefund(ctx context.Context, refund domain.Refund) error
	GetRefund(ctx context.Context, refundID string) (*domain.Refund, error)
	GetRefundForUpdate(ctx context.Context, refundID string) (*domain.Refund, error)
	UpdateRefund(ctx context.Context, refund domain.Refund) error
	// ReturnedBySaleLine sums quantityReturned over non-rejected refunds.
	ReturnedBySaleLine(ctx context.Context, saleLineIDs []string) (map[string]decimal.Decimal, error)
	// RefundedAmountBySaleLine sums refundAmount over non-rejected refunds.
	RefundedAmountBySaleLine(ctx context.Context, saleLineIDs []string) (map[string]decimal.Decimal, error)
	ListRefundsBySession(ctx context.Context, sessionID string) ([]domain.Refund, error)

	InsertSession(ctx context.Context, session domain.RegistrySession) error
	GetSession(ctx context.Context, sessionID string) (*domain.RegistrySession, error)
	GetSessionForUpdate(ctx context.Context, sessionID string) (*domain.RegistrySession, error)
	// GetOpenSession holds a shared lock on the session so it cannot close
	// under work still being attributed to it.
	GetOpenSession(ctx context.Context) (*domain.RegistrySession, error)
	UpdateSession(ctx context.Context, session domain.RegistrySession) error

	InsertCashTransaction(ctx context.Context, cashTx domain.CashTransaction) error
	ListCashTransactionsBySession(ctx context.Context, sessionID string) ([]domain.CashTransaction, error)

	InsertStoreCredit(ctx context.Context, entry domain.StoreCreditEntry) error
	CustomerCreditBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
	InsertCheque(ctx context.Context, cheque domain.Cheque) error
	FindReceivedChequeBySale(ctx context.Context, saleID string) (*domain.Cheque, error)
	ListChequesBySale(ctx context.Context, saleID string) ([]domain.Cheque, error)
	UpdateChequeStatus(ctx context.Context, chequeID string, status string, reason string) error
}
