package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
)

//go:embed schema.sql
var schema string

const openSessionIndex = "registry_sessions_one_open"

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Contended rows are
// serialized by the explicit row locks the "ForUpdate" reads take.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &tx{tx: sqlTx}); err != nil {
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// mapError turns lost races reported by postgres into domain errors. Domain
// errors pass through untouched.
func mapError(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %v", domain.ConcurrencyConflict("transaction lost a race (%s)", pgErr.Code), err)
	case "23505":
		if pgErr.ConstraintName == openSessionIndex {
			return domain.RegistryAlreadyOpen("")
		}
		return domain.Validation("duplicate record: %s", pgErr.ConstraintName)
	case "23503":
		return domain.Validation("referenced record does not exist: %s", pgErr.ConstraintName)
	case "23514":
		return domain.ConcurrencyConflict("check %s violated", pgErr.ConstraintName)
	}
	return err
}

type tx struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullDecimal(v *decimal.Decimal) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *v, Valid: true}
}

func decimalPtr(v decimal.NullDecimal) *decimal.Decimal {
	if !v.Valid {
		return nil
	}
	d := v.Decimal
	return &d
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

const productColumns = `id, name, unit_type, tracked, stock_quantity, cost_price, last_known_cost, created_at, updated_at`

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Name, &p.UnitType, &p.Tracked, &p.StockQuantity, &p.CostPrice, &p.LastKnownCost, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (t *tx) CreateProduct(ctx context.Context, product domain.Product) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, product.Name, product.UnitType, product.Tracked, product.StockQuantity, product.CostPrice,
		product.LastKnownCost, product.CreatedAt, product.UpdatedAt)
	return err
}

func (t *tx) getProduct(ctx context.Context, productID string, suffix string) (*domain.Product, error) {
	p, err := scanProduct(t.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`+suffix, productID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("product", productID)
		}
		return nil, err
	}
	return p, nil
}

func (t *tx) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	return t.getProduct(ctx, productID, "")
}

func (t *tx) GetProductForUpdate(ctx context.Context, productID string) (*domain.Product, error) {
	return t.getProduct(ctx, productID, " FOR UPDATE")
}

func (t *tx) UpdateProductCosting(ctx context.Context, product domain.Product) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $2, cost_price = $3, last_known_cost = $4, updated_at = $5
		WHERE id = $1
	`, product.ID, product.StockQuantity, product.CostPrice, product.LastKnownCost, product.UpdatedAt)
	if err != nil {
		return err
	}
	return requireAffected(res, "product", product.ID)
}

func requireAffected(res sql.Result, entity string, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.NotFound(entity, id)
	}
	return nil
}

const lotColumns = `id, product_id, quantity_received, quantity_remaining, cost_price, received_date, source_ref, created_at`

func scanLot(row rowScanner) (domain.Lot, error) {
	var l domain.Lot
	if err := row.Scan(&l.ID, &l.ProductID, &l.QuantityReceived, &l.QuantityRemaining, &l.CostPrice, &l.ReceivedDate, &l.SourceRef, &l.CreatedAt); err != nil {
		return domain.Lot{}, err
	}
	l.ReceivedDate = l.ReceivedDate.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

func (t *tx) InsertLot(ctx context.Context, lot domain.Lot) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, lot.ID, lot.ProductID, lot.QuantityReceived, lot.QuantityRemaining, lot.CostPrice, lot.ReceivedDate, lot.SourceRef, lot.CreatedAt)
	return err
}

func (t *tx) listLots(ctx context.Context, productID string, suffix string) ([]domain.Lot, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE product_id = $1
		ORDER BY received_date, id
	`+suffix, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.Lot, 0, 8)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

func (t *tx) ListLots(ctx context.Context, productID string) ([]domain.Lot, error) {
	return t.listLots(ctx, productID, "")
}

func (t *tx) ListLotsForUpdate(ctx context.Context, productID string) ([]domain.Lot, error) {
	return t.listLots(ctx, productID, " FOR UPDATE")
}

func (t *tx) GetLotForUpdate(ctx context.Context, lotID string) (*domain.Lot, error) {
	lot, err := scanLot(t.tx.QueryRowContext(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE id = $1
		FOR UPDATE
	`, lotID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("lot", lotID)
		}
		return nil, err
	}
	return &lot, nil
}

func (t *tx) UpdateLotRemaining(ctx context.Context, lotID string, remaining decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE lots SET quantity_remaining = $2 WHERE id = $1`, lotID, remaining)
	if err != nil {
		return err
	}
	return requireAffected(res, "lot", lotID)
}

func (t *tx) InsertAllocations(ctx context.Context, records []domain.AllocationRecord) error {
	for _, r := range records {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO allocation_records (id, sale_id, sale_line_id, lot_id, product_id, sequence, quantity_used, cost_price, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, r.ID, r.SaleID, r.SaleLineID, r.LotID, r.ProductID, r.Sequence, r.QuantityUsed, r.CostPrice, r.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) ListAllocationsBySaleLine(ctx context.Context, saleLineID string) ([]domain.AllocationRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, sale_id, sale_line_id, lot_id, product_id, sequence, quantity_used, cost_price, created_at
		FROM allocation_records
		WHERE sale_line_id = $1
		ORDER BY sequence
	`, saleLineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.AllocationRecord, 0, 4)
	for rows.Next() {
		var r domain.AllocationRecord
		if err := rows.Scan(&r.ID, &r.SaleID, &r.SaleLineID, &r.LotID, &r.ProductID, &r.Sequence, &r.QuantityUsed, &r.CostPrice, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (t *tx) InsertRestocks(ctx context.Context, records []domain.RestockRecord) error {
	for _, r := range records {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO restock_records (id, refund_id, refund_line_id, allocation_id, lot_id, product_id, quantity, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, r.ID, r.RefundID, r.RefundLineID, nullString(r.AllocationID), nullString(r.LotID), r.ProductID, r.Quantity, r.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) RestockedByAllocation(ctx context.Context, saleLineID string) (map[string]decimal.Decimal, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT rr.allocation_id, SUM(rr.quantity)
		FROM restock_records rr
		JOIN allocation_records ar ON ar.id = rr.allocation_id
		WHERE ar.sale_line_id = $1
		GROUP BY rr.allocation_id
	`, saleLineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var id string
		var qty decimal.Decimal
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		out[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) InsertSale(ctx context.Context, sale domain.Sale) error {
	tenders, err := json.Marshal(sale.Tenders)
	if err != nil {
		return err
	}
	if sale.Tenders == nil {
		tenders = []byte("[]")
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, session_id, customer_id, payment_method, tenders, total_amount, status, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sale.ID, sale.SessionID, sale.CustomerID, sale.PaymentMethod, string(tenders), sale.TotalAmount, sale.Status, sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		return err
	}

	for _, line := range sale.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, line_no, product_id, quantity_sold, unit_price, discount, recorded_unit_cost)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, line.ID, sale.ID, line.LineNo, line.ProductID, line.QuantitySold, line.UnitPrice, line.Discount, line.RecordedUnitCost)
		if err != nil {
			return err
		}
	}
	return nil
}

const saleColumns = `id, session_id, customer_id, payment_method, tenders, total_amount, status, created_by, created_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	var tenders []byte
	if err := row.Scan(&sale.ID, &sale.SessionID, &sale.CustomerID, &sale.PaymentMethod, &tenders, &sale.TotalAmount, &sale.Status, &sale.CreatedBy, &sale.CreatedAt); err != nil {
		return domain.Sale{}, err
	}
	if len(tenders) > 0 {
		if err := json.Unmarshal(tenders, &sale.Tenders); err != nil {
			return domain.Sale{}, fmt.Errorf("decode tenders of sale %s: %w", sale.ID, err)
		}
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func (t *tx) getSale(ctx context.Context, saleID string, suffix string) (*domain.Sale, error) {
	sale, err := scanSale(t.tx.QueryRowContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE id = $1
	`+suffix, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("sale", saleID)
		}
		return nil, err
	}
	lines, err := t.saleLines(ctx, `WHERE sale_id = $1`, saleID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	return &sale, nil
}

func (t *tx) saleLines(ctx context.Context, where string, arg any) ([]domain.SaleLine, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, sale_id, line_no, product_id, quantity_sold, unit_price, discount, recorded_unit_cost
		FROM sale_lines
		`+where+`
		ORDER BY sale_id, line_no
	`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 4)
	for rows.Next() {
		var l domain.SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.LineNo, &l.ProductID, &l.QuantitySold, &l.UnitPrice, &l.Discount, &l.RecordedUnitCost); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (t *tx) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return t.getSale(ctx, saleID, "")
}

func (t *tx) GetSaleForUpdate(ctx context.Context, saleID string) (*domain.Sale, error) {
	return t.getSale(ctx, saleID, " FOR UPDATE")
}

func (t *tx) GetSaleLine(ctx context.Context, saleLineID string) (*domain.SaleLine, error) {
	lines, err := t.saleLines(ctx, `WHERE id = $1`, saleLineID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, domain.NotFound("sale line", saleLineID)
	}
	return &lines[0], nil
}

func (t *tx) ListSalesBySession(ctx context.Context, sessionID string) ([]domain.Sale, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (t *tx) InsertRefund(ctx context.Context, refund domain.Refund) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO refunds (
			id, sale_id, session_id, method, status, total_amount, reason,
			cash_handed, cash_handed_at, created_by, created_at, decided_by, decided_at, decision_reason
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, refund.ID, refund.SaleID, nullString(refund.SessionID), string(refund.Method), refund.Status, refund.TotalAmount, refund.Reason,
		refund.CashHanded, refund.CashHandedAt, refund.CreatedBy, refund.CreatedAt, refund.DecidedBy, refund.DecidedAt, refund.DecisionReason)
	if err != nil {
		return err
	}

	for _, line := range refund.Lines {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO refund_lines (id, refund_id, sale_line_id, product_id, quantity_returned, condition, restock_quantity, refund_amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, line.ID, refund.ID, line.SaleLineID, line.ProductID, line.QuantityReturned, line.Condition, line.RestockQuantity, line.RefundAmount)
		if err != nil {
			return err
		}
	}
	return nil
}

const refundColumns = `id, sale_id, COALESCE(session_id, ''), method, status, total_amount, reason,
	cash_handed, cash_handed_at, created_by, created_at, decided_by, decided_at, decision_reason`

func scanRefund(row rowScanner) (domain.Refund, error) {
	var r domain.Refund
	var method string
	var handedAt, decidedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.SaleID, &r.SessionID, &method, &r.Status, &r.TotalAmount, &r.Reason,
		&r.CashHanded, &handedAt, &r.CreatedBy, &r.CreatedAt, &r.DecidedBy, &decidedAt, &r.DecisionReason); err != nil {
		return domain.Refund{}, err
	}
	r.Method = domain.RefundMethod(method)
	r.CashHandedAt = timePtr(handedAt)
	r.DecidedAt = timePtr(decidedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (t *tx) getRefund(ctx context.Context, refundID string, suffix string) (*domain.Refund, error) {
	refund, err := scanRefund(t.tx.QueryRowContext(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE id = $1
	`+suffix, refundID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("refund", refundID)
		}
		return nil, err
	}
	if err := t.loadRefundLines(ctx, []*domain.Refund{&refund}); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (t *tx) loadRefundLines(ctx context.Context, refunds []*domain.Refund) error {
	if len(refunds) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Refund, len(refunds))
	ids := make([]string, 0, len(refunds))
	for _, r := range refunds {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, refund_id, sale_line_id, product_id, quantity_returned, condition, restock_quantity, refund_amount
		FROM refund_lines
		WHERE refund_id = ANY($1)
		ORDER BY refund_id, id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.RefundLine
		if err := rows.Scan(&l.ID, &l.RefundID, &l.SaleLineID, &l.ProductID, &l.QuantityReturned, &l.Condition, &l.RestockQuantity, &l.RefundAmount); err != nil {
			return err
		}
		if r, ok := byID[l.RefundID]; ok {
			r.Lines = append(r.Lines, l)
		}
	}
	return rows.Err()
}

func (t *tx) GetRefund(ctx context.Context, refundID string) (*domain.Refund, error) {
	return t.getRefund(ctx, refundID, "")
}

func (t *tx) GetRefundForUpdate(ctx context.Context, refundID string) (*domain.Refund, error) {
	return t.getRefund(ctx, refundID, " FOR UPDATE")
}

func (t *tx) UpdateRefund(ctx context.Context, refund domain.Refund) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE refunds
		SET status = $2, cash_handed = $3, cash_handed_at = $4, decided_by = $5, decided_at = $6, decision_reason = $7
		WHERE id = $1
	`, refund.ID, refund.Status, refund.CashHanded, refund.CashHandedAt, refund.DecidedBy, refund.DecidedAt, refund.DecisionReason)
	if err != nil {
		return err
	}
	return requireAffected(res, "refund", refund.ID)
}

func (t *tx) ReturnedBySaleLine(ctx context.Context, saleLineIDs []string) (map[string]decimal.Decimal, error) {
	return t.sumRefundLines(ctx, "rl.quantity_returned", saleLineIDs)
}

func (t *tx) RefundedAmountBySaleLine(ctx context.Context, saleLineIDs []string) (map[string]decimal.Decimal, error) {
	return t.sumRefundLines(ctx, "rl.refund_amount", saleLineIDs)
}

// sumRefundLines totals column per sale line over non-rejected refunds.
// column is a fixed refund_lines expression, never caller input.
func (t *tx) sumRefundLines(ctx context.Context, column string, saleLineIDs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(saleLineIDs))
	if len(saleLineIDs) == 0 {
		return out, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT rl.sale_line_id, SUM(`+column+`)
		FROM refund_lines rl
		JOIN refunds r ON r.id = rl.refund_id
		WHERE rl.sale_line_id = ANY($1) AND r.status <> 'rejected'
		GROUP BY rl.sale_line_id
	`, saleLineIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var sum decimal.Decimal
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		out[id] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) ListRefundsBySession(ctx context.Context, sessionID string) ([]domain.Refund, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+refundColumns+`
		FROM refunds
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0, 8)
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	ptrs := make([]*domain.Refund, 0, len(refunds))
	for i := range refunds {
		ptrs = append(ptrs, &refunds[i])
	}
	if err := t.loadRefundLines(ctx, ptrs); err != nil {
		return nil, err
	}
	return refunds, nil
}

const sessionColumns = `id, status, opening_cash, opened_by, opened_at,
	total_sales, cash_sales, card_sales, other_sales, cash_in, cash_out, cash_refunds,
	expected_cash, actual_cash, variance, closed_by, closed_at`

func scanSession(row rowScanner) (*domain.RegistrySession, error) {
	var s domain.RegistrySession
	var expected, actual, variance decimal.NullDecimal
	var closedAt sql.NullTime
	err := row.Scan(&s.ID, &s.Status, &s.OpeningCash, &s.OpenedBy, &s.OpenedAt,
		&s.Totals.TotalSales, &s.Totals.CashSales, &s.Totals.CardSales, &s.Totals.OtherSales,
		&s.Totals.CashIn, &s.Totals.CashOut, &s.Totals.CashRefunds,
		&expected, &actual, &variance, &s.ClosedBy, &closedAt)
	if err != nil {
		return nil, err
	}
	s.OpenedAt = s.OpenedAt.UTC()
	s.ExpectedCash = decimalPtr(expected)
	s.ActualCash = decimalPtr(actual)
	s.Variance = decimalPtr(variance)
	s.ClosedAt = timePtr(closedAt)
	return &s, nil
}

func (t *tx) InsertSession(ctx context.Context, session domain.RegistrySession) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO registry_sessions (id, status, opening_cash, opened_by, opened_at)
		VALUES ($1,$2,$3,$4,$5)
	`, session.ID, session.Status, session.OpeningCash, session.OpenedBy, session.OpenedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == openSessionIndex {
			return domain.RegistryAlreadyOpen("")
		}
		return err
	}
	return nil
}

func (t *tx) getSession(ctx context.Context, where string, arg []any, suffix string) (*domain.RegistrySession, error) {
	return scanSession(t.tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM registry_sessions
		`+where+suffix, arg...))
}

func (t *tx) GetSession(ctx context.Context, sessionID string) (*domain.RegistrySession, error) {
	s, err := t.getSession(ctx, `WHERE id = $1`, []any{sessionID}, "")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("registry session", sessionID)
	}
	return s, err
}

func (t *tx) GetSessionForUpdate(ctx context.Context, sessionID string) (*domain.RegistrySession, error) {
	s, err := t.getSession(ctx, `WHERE id = $1`, []any{sessionID}, " FOR UPDATE")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("registry session", sessionID)
	}
	return s, err
}

func (t *tx) GetOpenSession(ctx context.Context) (*domain.RegistrySession, error) {
	s, err := t.getSession(ctx, `WHERE status = 'open'`, nil, " FOR SHARE")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("registry session", "open")
	}
	return s, err
}

func (t *tx) UpdateSession(ctx context.Context, session domain.RegistrySession) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE registry_sessions
		SET status = $2,
			total_sales = $3, cash_sales = $4, card_sales = $5, other_sales = $6,
			cash_in = $7, cash_out = $8, cash_refunds = $9,
			expected_cash = $10, actual_cash = $11, variance = $12,
			closed_by = $13, closed_at = $14
		WHERE id = $1
	`, session.ID, session.Status,
		session.Totals.TotalSales, session.Totals.CashSales, session.Totals.CardSales, session.Totals.OtherSales,
		session.Totals.CashIn, session.Totals.CashOut, session.Totals.CashRefunds,
		nullDecimal(session.ExpectedCash), nullDecimal(session.ActualCash), nullDecimal(session.Variance),
		session.ClosedBy, session.ClosedAt)
	if err != nil {
		return err
	}
	return requireAffected(res, "registry session", session.ID)
}

func (t *tx) InsertCashTransaction(ctx context.Context, cashTx domain.CashTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cash_transactions (id, session_id, type, amount, reason, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, cashTx.ID, cashTx.SessionID, cashTx.Type, cashTx.Amount, cashTx.Reason, cashTx.CreatedBy, cashTx.CreatedAt)
	return err
}

func (t *tx) ListCashTransactionsBySession(ctx context.Context, sessionID string) ([]domain.CashTransaction, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, session_id, type, amount, reason, created_by, created_at
		FROM cash_transactions
		WHERE session_id = $1
		ORDER BY created_at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CashTransaction, 0, 8)
	for rows.Next() {
		var ct domain.CashTransaction
		if err := rows.Scan(&ct.ID, &ct.SessionID, &ct.Type, &ct.Amount, &ct.Reason, &ct.CreatedBy, &ct.CreatedAt); err != nil {
			return nil, err
		}
		ct.CreatedAt = ct.CreatedAt.UTC()
		out = append(out, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) InsertStoreCredit(ctx context.Context, entry domain.StoreCreditEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO store_credit_entries (id, customer_id, amount, reason, refund_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.CustomerID, entry.Amount, entry.Reason, nullString(entry.RefundID), entry.CreatedAt)
	return err
}

func (t *tx) CustomerCreditBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM store_credit_entries
		WHERE customer_id = $1
	`, customerID).Scan(&balance)
	return balance, err
}

func (t *tx) InsertCheque(ctx context.Context, cheque domain.Cheque) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cheques (id, direction, number, sale_id, refund_id, amount, status, reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, cheque.ID, cheque.Direction, cheque.Number, nullString(cheque.SaleID), nullString(cheque.RefundID),
		cheque.Amount, cheque.Status, cheque.Reason, cheque.CreatedAt, cheque.UpdatedAt)
	return err
}

const chequeColumns = `id, direction, number, COALESCE(sale_id, ''), COALESCE(refund_id, ''), amount, status, reason, created_at, updated_at`

func scanCheque(row rowScanner) (domain.Cheque, error) {
	var c domain.Cheque
	if err := row.Scan(&c.ID, &c.Direction, &c.Number, &c.SaleID, &c.RefundID, &c.Amount, &c.Status, &c.Reason, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Cheque{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (t *tx) FindReceivedChequeBySale(ctx context.Context, saleID string) (*domain.Cheque, error) {
	cheque, err := scanCheque(t.tx.QueryRowContext(ctx, `
		SELECT `+chequeColumns+`
		FROM cheques
		WHERE sale_id = $1 AND direction = 'received'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE
	`, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound("cheque", "sale:"+saleID)
		}
		return nil, err
	}
	return &cheque, nil
}

func (t *tx) ListChequesBySale(ctx context.Context, saleID string) ([]domain.Cheque, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+chequeColumns+`
		FROM cheques
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Cheque, 0, 2)
	for rows.Next() {
		cheque, err := scanCheque(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cheque)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) UpdateChequeStatus(ctx context.Context, chequeID string, status string, reason string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE cheques
		SET status = $2, reason = $3, updated_at = now()
		WHERE id = $1
	`, chequeID, status, reason)
	if err != nil {
		return err
	}
	return requireAffected(res, "cheque", chequeID)
}
