package memory

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
)

// Store keeps everything in process memory. Units of work run one at a time
// against a private copy of the state that replaces the shared state only
// when the unit of work succeeds.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	products        map[string]domain.Product
	lots            map[string]domain.Lot
	allocations     []domain.AllocationRecord
	restocks        []domain.RestockRecord
	salesByID       map[string]domain.Sale
	saleLinesByID   map[string]domain.SaleLine
	refundsByID     map[string]domain.Refund
	sessionsByID    map[string]domain.RegistrySession
	openSessionID   string
	cashTxs         []domain.CashTransaction
	storeCredits    []domain.StoreCreditEntry
	chequesByID     map[string]domain.Cheque
	chequeSaleIndex map[string]string
}

func New() *Store {
	return &Store{state: &state{
		products:        make(map[string]domain.Product),
		lots:            make(map[string]domain.Lot),
		salesByID:       make(map[string]domain.Sale),
		saleLinesByID:   make(map[string]domain.SaleLine),
		refundsByID:     make(map[string]domain.Refund),
		sessionsByID:    make(map[string]domain.RegistrySession),
		chequesByID:     make(map[string]domain.Cheque),
		chequeSaleIndex: make(map[string]string),
	}}
}

func (st *state) clone() *state {
	return &state{
		products:        maps.Clone(st.products),
		lots:            maps.Clone(st.lots),
		allocations:     slices.Clone(st.allocations),
		restocks:        slices.Clone(st.restocks),
		salesByID:       maps.Clone(st.salesByID),
		saleLinesByID:   maps.Clone(st.saleLinesByID),
		refundsByID:     maps.Clone(st.refundsByID),
		sessionsByID:    maps.Clone(st.sessionsByID),
		openSessionID:   st.openSessionID,
		cashTxs:         slices.Clone(st.cashTxs),
		storeCredits:    slices.Clone(st.storeCredits),
		chequesByID:     maps.Clone(st.chequesByID),
		chequeSaleIndex: maps.Clone(st.chequeSaleIndex),
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := s.state.clone()
	if err := fn(ctx, &tx{st: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

type tx struct {
	st *state
}

func (t *tx) CreateProduct(_ context.Context, product domain.Product) error {
	if strings.TrimSpace(product.ID) == "" {
		return domain.Validation("product id required")
	}
	if _, exists := t.st.products[product.ID]; exists {
		return domain.Validation("product %s already exists", product.ID)
	}
	t.st.products[product.ID] = product
	return nil
}

func (t *tx) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	p, ok := t.st.products[productID]
	if !ok {
		return nil, domain.NotFound("product", productID)
	}
	return &p, nil
}

func (t *tx) GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error) {
	return t.GetProduct(ctx, productID)
}

func (t *tx) UpdateProductCosting(_ context.Context, product domain.Product) error {
	current, ok := t.st.products[product.ID]
	if !ok {
		return domain.NotFound("product", product.ID)
	}
	current.StockQuantity = product.StockQuantity
	current.CostPrice = product.CostPrice
	current.LastKnownCost = product.LastKnownCost
	current.UpdatedAt = product.UpdatedAt
	t.st.products[product.ID] = current
	return nil
}

func (t *tx) InsertLot(_ context.Context, lot domain.Lot) error {
	if _, ok := t.st.products[lot.ProductID]; !ok {
		return domain.NotFound("product", lot.ProductID)
	}
	if _, exists := t.st.lots[lot.ID]; exists {
		return domain.Validation("lot %s already exists", lot.ID)
	}
	t.st.lots[lot.ID] = lot
	return nil
}

func (t *tx) ListLots(_ context.Context, productID string) ([]domain.Lot, error) {
	out := make([]domain.Lot, 0, 8)
	for _, lot := range t.st.lots {
		if lot.ProductID == productID {
			out = append(out, lot)
		}
	}
	slices.SortFunc(out, compareLotFIFO)
	return out, nil
}

func (t *tx) ListLotsForUpdate(ctx context.Context, productID string) ([]domain.Lot, error) {
	return t.ListLots(ctx, productID)
}

func (t *tx) GetLotForUpdate(_ context.Context, lotID string) (*domain.Lot, error) {
	lot, ok := t.st.lots[lotID]
	if !ok {
		return nil, domain.NotFound("lot", lotID)
	}
	return &lot, nil
}

func (t *tx) UpdateLotRemaining(_ context.Context, lotID string, remaining decimal.Decimal) error {
	lot, ok := t.st.lots[lotID]
	if !ok {
		return domain.NotFound("lot", lotID)
	}
	if remaining.IsNegative() || remaining.GreaterThan(lot.QuantityReceived) {
		return domain.Validation("lot %s remaining %s out of range", lotID, remaining.String())
	}
	lot.QuantityRemaining = remaining
	t.st.lots[lotID] = lot
	return nil
}

func (t *tx) InsertAllocations(_ context.Context, records []domain.AllocationRecord) error {
	t.st.allocations = append(t.st.allocations, records...)
	return nil
}

func (t *tx) ListAllocationsBySaleLine(_ context.Context, saleLineID string) ([]domain.AllocationRecord, error) {
	out := make([]domain.AllocationRecord, 0, 2)
	for _, rec := range t.st.allocations {
		if rec.SaleLineID == saleLineID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b domain.AllocationRecord) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return out, nil
}

func (t *tx) InsertRestocks(_ context.Context, records []domain.RestockRecord) error {
	t.st.restocks = append(t.st.restocks, records...)
	return nil
}

func (t *tx) RestockedByAllocation(_ context.Context, saleLineID string) (map[string]decimal.Decimal, error) {
	allocs := make(map[string]bool)
	for _, rec := range t.st.allocations {
		if rec.SaleLineID == saleLineID {
			allocs[rec.ID] = true
		}
	}
	out := make(map[string]decimal.Decimal)
	for _, rec := range t.st.restocks {
		if rec.AllocationID != "" && allocs[rec.AllocationID] {
			out[rec.AllocationID] = out[rec.AllocationID].Add(rec.Quantity)
		}
	}
	return out, nil
}

func (t *tx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.st.salesByID[sale.ID]; exists {
		return domain.Validation("sale %s already exists", sale.ID)
	}
	sale = cloneSale(sale)
	t.st.salesByID[sale.ID] = sale
	for _, line := range sale.Lines {
		t.st.saleLinesByID[line.ID] = line
	}
	return nil
}

func (t *tx) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	sale, ok := t.st.salesByID[saleID]
	if !ok {
		return nil, domain.NotFound("sale", saleID)
	}
	out := cloneSale(sale)
	return &out, nil
}

func (t *tx) GetSaleForUpdate(ctx context.Context, saleID string) (*domain.Sale, error) {
	return t.GetSale(ctx, saleID)
}

func (t *tx) GetSaleLine(_ context.Context, saleLineID string) (*domain.SaleLine, error) {
	line, ok := t.st.saleLinesByID[saleLineID]
	if !ok {
		return nil, domain.NotFound("sale line", saleLineID)
	}
	return &line, nil
}

func (t *tx) ListSalesBySession(_ context.Context, sessionID string) ([]domain.Sale, error) {
	out := make([]domain.Sale, 0, 16)
	for _, sale := range t.st.salesByID {
		if sale.SessionID == sessionID {
			out = append(out, cloneSale(sale))
		}
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (t *tx) InsertRefund(_ context.Context, refund domain.Refund) error {
	if _, exists := t.st.refundsByID[refund.ID]; exists {
		return domain.Validation("refund %s already exists", refund.ID)
	}
	t.st.refundsByID[refund.ID] = cloneRefund(refund)
	return nil
}

func (t *tx) GetRefund(_ context.Context, refundID string) (*domain.Refund, error) {
	refund, ok := t.st.refundsByID[refundID]
	if !ok {
		return nil, domain.NotFound("refund", refundID)
	}
	out := cloneRefund(refund)
	return &out, nil
}

func (t *tx) GetRefundForUpdate(ctx context.Context, refundID string) (*domain.Refund, error) {
	return t.GetRefund(ctx, refundID)
}

func (t *tx) UpdateRefund(_ context.Context, refund domain.Refund) error {
	if _, ok := t.st.refundsByID[refund.ID]; !ok {
		return domain.NotFound("refund", refund.ID)
	}
	t.st.refundsByID[refund.ID] = cloneRefund(refund)
	return nil
}

func (t *tx) ReturnedBySaleLine(_ context.Context, saleLineIDs []string) (map[string]decimal.Decimal, error) {
	return t.sumRefundLines(saleLineIDs, func(line domain.RefundLine) decimal.Decimal { return line.QuantityReturned }), nil
}

func (t *tx) RefundedAmountBySaleLine(_ context.Context, saleLineIDs []string) (map[string]decimal.Decimal, error) {
	return t.sumRefundLines(saleLineIDs, func(line domain.RefundLine) decimal.Decimal { return line.RefundAmount }), nil
}

// sumRefundLines totals field over the lines of non-rejected refunds.
func (t *tx) sumRefundLines(saleLineIDs []string, field func(domain.RefundLine) decimal.Decimal) map[string]decimal.Decimal {
	wanted := make(map[string]bool, len(saleLineIDs))
	for _, id := range saleLineIDs {
		wanted[id] = true
	}
	out := make(map[string]decimal.Decimal, len(saleLineIDs))
	for _, refund := range t.st.refundsByID {
		if refund.Status == domain.RefundStatusRejected {
			continue
		}
		for _, line := range refund.Lines {
			if wanted[line.SaleLineID] {
				out[line.SaleLineID] = out[line.SaleLineID].Add(field(line))
			}
		}
	}
	return out
}

func (t *tx) ListRefundsBySession(_ context.Context, sessionID string) ([]domain.Refund, error) {
	out := make([]domain.Refund, 0, 4)
	for _, refund := range t.st.refundsByID {
		if refund.SessionID == sessionID {
			out = append(out, cloneRefund(refund))
		}
	}
	slices.SortFunc(out, func(a, b domain.Refund) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (t *tx) InsertSession(_ context.Context, session domain.RegistrySession) error {
	if session.Status == domain.RegistryStatusOpen && t.st.openSessionID != "" {
		return domain.RegistryAlreadyOpen(t.st.openSessionID)
	}
	t.st.sessionsByID[session.ID] = session
	if session.Status == domain.RegistryStatusOpen {
		t.st.openSessionID = session.ID
	}
	return nil
}

func (t *tx) GetSession(_ context.Context, sessionID string) (*domain.RegistrySession, error) {
	session, ok := t.st.sessionsByID[sessionID]
	if !ok {
		return nil, domain.NotFound("registry session", sessionID)
	}
	return &session, nil
}

func (t *tx) GetSessionForUpdate(ctx context.Context, sessionID string) (*domain.RegistrySession, error) {
	return t.GetSession(ctx, sessionID)
}

func (t *tx) GetOpenSession(_ context.Context) (*domain.RegistrySession, error) {
	if t.st.openSessionID == "" {
		return nil, domain.NotFound("registry session", "open")
	}
	session := t.st.sessionsByID[t.st.openSessionID]
	return &session, nil
}

func (t *tx) UpdateSession(_ context.Context, session domain.RegistrySession) error {
	if _, ok := t.st.sessionsByID[session.ID]; !ok {
		return domain.NotFound("registry session", session.ID)
	}
	t.st.sessionsByID[session.ID] = session
	if session.Status != domain.RegistryStatusOpen && t.st.openSessionID == session.ID {
		t.st.openSessionID = ""
	}
	return nil
}

func (t *tx) InsertCashTransaction(_ context.Context, cashTx domain.CashTransaction) error {
	t.st.cashTxs = append(t.st.cashTxs, cashTx)
	return nil
}

func (t *tx) ListCashTransactionsBySession(_ context.Context, sessionID string) ([]domain.CashTransaction, error) {
	out := make([]domain.CashTransaction, 0, 4)
	for _, ct := range t.st.cashTxs {
		if ct.SessionID == sessionID {
			out = append(out, ct)
		}
	}
	return out, nil
}

func (t *tx) InsertStoreCredit(_ context.Context, entry domain.StoreCreditEntry) error {
	t.st.storeCredits = append(t.st.storeCredits, entry)
	return nil
}

func (t *tx) CustomerCreditBalance(_ context.Context, customerID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, entry := range t.st.storeCredits {
		if entry.CustomerID == customerID {
			total = total.Add(entry.Amount)
		}
	}
	return total, nil
}

func (t *tx) InsertCheque(_ context.Context, cheque domain.Cheque) error {
	t.st.chequesByID[cheque.ID] = cheque
	if cheque.Direction == domain.ChequeReceived && cheque.SaleID != "" {
		t.st.chequeSaleIndex[cheque.SaleID] = cheque.ID
	}
	return nil
}

func (t *tx) FindReceivedChequeBySale(_ context.Context, saleID string) (*domain.Cheque, error) {
	id, ok := t.st.chequeSaleIndex[saleID]
	if !ok {
		return nil, domain.NotFound("cheque", "sale:"+saleID)
	}
	cheque := t.st.chequesByID[id]
	return &cheque, nil
}

func (t *tx) ListChequesBySale(_ context.Context, saleID string) ([]domain.Cheque, error) {
	out := make([]domain.Cheque, 0, 2)
	for _, cheque := range t.st.chequesByID {
		if cheque.SaleID == saleID {
			out = append(out, cheque)
		}
	}
	slices.SortFunc(out, func(a, b domain.Cheque) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (t *tx) UpdateChequeStatus(_ context.Context, chequeID string, status string, reason string) error {
	cheque, ok := t.st.chequesByID[chequeID]
	if !ok {
		return domain.NotFound("cheque", chequeID)
	}
	cheque.Status = status
	cheque.Reason = reason
	cheque.UpdatedAt = time.Now().UTC()
	t.st.chequesByID[chequeID] = cheque
	return nil
}

func compareLotFIFO(a domain.Lot, b domain.Lot) int {
	if c := a.ReceivedDate.Compare(b.ReceivedDate); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	dst.Tenders = slices.Clone(src.Tenders)
	return dst
}

func cloneRefund(src domain.Refund) domain.Refund {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return dst
}
