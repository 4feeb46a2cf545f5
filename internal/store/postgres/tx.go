package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/store"
)

const openShiftIndex = "pump_shifts_one_open_per_product"

type pgTx struct {
	tx *sql.Tx
}

var _ store.Tx = (*pgTx)(nil)

func (t *pgTx) LockProduct(ctx context.Context, id string) (*domain.Product, error) {
	return scanProduct(t.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SaveProduct(ctx context.Context, p domain.Product) error {
	return expectOne(t.tx.ExecContext(ctx, `
		UPDATE products
		SET name = $2, unit = $3, price = $4, cost_price = $5, stock = $6, is_active = $7, updated_at = $8
		WHERE id = $1
	`, p.ID, p.Name, p.Unit, p.Price, p.CostPrice, p.Stock, p.Active, p.UpdatedAt))
}

func (t *pgTx) LockCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return scanCustomer(t.tx.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) SaveCustomer(ctx context.Context, c domain.Customer) error {
	return expectOne(t.tx.ExecContext(ctx, `
		UPDATE customers
		SET name = $2, ship_name = $3, phone = $4, credit_ceiling = $5, credit_limit = $6, is_active = $7, updated_at = $8
		WHERE id = $1
	`, c.ID, c.Name, nullIfEmpty(c.ShipName), nullIfEmpty(c.Phone), c.CreditCeiling, c.CreditLimit, c.Active, c.UpdatedAt))
}

func (t *pgTx) InsertRestock(ctx context.Context, r domain.Restock) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO restocks (id, product_id, date, volume_liter, total_cost, unit_cost, note, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, r.ID, r.ProductID, r.Date, r.VolumeLiter, r.TotalCost, r.UnitCost, nullIfEmpty(r.Note), r.CreatedBy, r.CreatedAt)
	return err
}

func (t *pgTx) InsertPriceHistory(ctx context.Context, h domain.ProductPriceHistory) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO product_price_histories (id, product_id, old_price, new_price, old_cost_price, new_cost_price, type, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, h.ID, h.ProductID, h.OldPrice, h.NewPrice, h.OldCostPrice, h.NewCostPrice, string(h.Type), h.ChangedBy, h.ChangedAt)
	return err
}

func (t *pgTx) InsertSounding(ctx context.Context, s domain.TankSounding) error {
	var height any
	if s.PhysicalHeightCm != nil {
		height = *s.PhysicalHeightCm
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tank_soundings (id, product_id, recorded_at, physical_height_cm, physical_liter,
			system_liter_snapshot, difference, adjusted, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, s.ID, s.ProductID, s.RecordedAt, height, s.PhysicalLiter, s.SystemLiterSnapshot, s.Difference, s.Adjusted, s.CreatedBy, s.CreatedAt)
	return err
}

func (t *pgTx) LockSounding(ctx context.Context, id string) (*domain.TankSounding, error) {
	return scanSounding(t.tx.QueryRowContext(ctx, `SELECT `+soundingColumns+` FROM tank_soundings WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateSounding(ctx context.Context, s domain.TankSounding) error {
	return expectOne(t.tx.ExecContext(ctx, `
		UPDATE tank_soundings
		SET recorded_at = $2, physical_height_cm = $3, physical_liter = $4, difference = $5,
			corrected_by = $6, corrected_at = $7
		WHERE id = $1
	`, s.ID, s.RecordedAt, nullDecimal(s.PhysicalHeightCm), s.PhysicalLiter, s.Difference,
		nullIfEmpty(s.CorrectedBy), nullTime(s.CorrectedAt)))
}

const soundingColumns = `id, product_id, recorded_at, physical_height_cm, physical_liter, system_liter_snapshot,
	difference, adjusted, created_by, created_at, COALESCE(corrected_by, ''), corrected_at`

func scanSounding(row interface{ Scan(...any) error }) (*domain.TankSounding, error) {
	var (
		t           domain.TankSounding
		height      decimal.NullDecimal
		correctedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.ProductID, &t.RecordedAt, &height, &t.PhysicalLiter, &t.SystemLiterSnapshot,
		&t.Difference, &t.Adjusted, &t.CreatedBy, &t.CreatedAt, &t.CorrectedBy, &correctedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if height.Valid {
		t.PhysicalHeightCm = &height.Decimal
	}
	if correctedAt.Valid {
		at := correctedAt.Time.UTC()
		t.CorrectedAt = &at
	}
	t.RecordedAt = t.RecordedAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// NextTrxSequence upserts the day's counter row. The row stays locked until
// the unit of work ends, so concurrent sales on one day queue here.
func (t *pgTx) NextTrxSequence(ctx context.Context, day time.Time) (int, error) {
	var seq int
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO trx_counters (day, last_seq) VALUES ($1::date, 1)
		ON CONFLICT (day) DO UPDATE SET last_seq = trx_counters.last_seq + 1
		RETURNING last_seq
	`, day.Format("2006-01-02")).Scan(&seq)
	return seq, err
}

func (t *pgTx) InsertTransaction(ctx context.Context, trx domain.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, trx_code, customer_id, pump_shift_id, transaction_date, payment_method, payment_status,
			payment_proof, repayment_method, paid_at, grand_total, was_stock_minus, is_backdated, note,
			revision_of, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, trx.ID, trx.TrxCode, nullIfEmpty(trx.CustomerID), nullIfEmpty(trx.PumpShiftID), trx.TransactionDate,
		string(trx.PaymentMethod), string(trx.PaymentStatus), nullIfEmpty(trx.PaymentProof),
		nullIfEmpty(string(trx.RepaymentMethod)), nullTime(trx.PaidAt), trx.GrandTotal, trx.WasStockMinus,
		trx.IsBackdated, nullIfEmpty(trx.Note), nullIfEmpty(trx.RevisionOf), trx.CreatedBy, trx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", trx.TrxCode, store.ErrDuplicate)
		}
		return err
	}
	for _, item := range trx.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO transaction_items (id, transaction_id, product_id, quantity_liter, price_per_liter, cost_per_liter, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, item.ID, trx.ID, item.ProductID, item.QuantityLiter, item.PricePerLiter, item.CostPerLiter, item.Subtotal)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) LockTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return getTransaction(ctx, t.tx, id, true)
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, trx domain.Transaction) error {
	return expectOne(t.tx.ExecContext(ctx, `
		UPDATE transactions
		SET payment_status = $2, repayment_method = $3, paid_at = $4, payment_proof = $5, note = $6
		WHERE id = $1
	`, trx.ID, string(trx.PaymentStatus), nullIfEmpty(string(trx.RepaymentMethod)), nullTime(trx.PaidAt),
		nullIfEmpty(trx.PaymentProof), nullIfEmpty(trx.Note)))
}

func (t *pgTx) FindOpenShift(ctx context.Context, productID string) (*domain.PumpShift, error) {
	return scanShift(t.tx.QueryRowContext(ctx, `
		SELECT `+shiftColumns+` FROM pump_shifts WHERE product_id = $1 AND status = 'open'
	`, productID))
}

func (t *pgTx) InsertShift(ctx context.Context, s domain.PumpShift) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pump_shifts (id, product_id, date, status, opening_totalizer, opening_proof, opened_by, opened_at)
		VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8)
	`, s.ID, s.ProductID, s.Date.Format("2006-01-02"), string(s.Status), s.OpeningTotalizer,
		nullIfEmpty(s.OpeningProof), s.OpenedBy, s.OpenedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == openShiftIndex {
			return fmt.Errorf("product %s: %w", s.ProductID, domain.ErrMutualExclusion)
		}
		return err
	}
	return nil
}

func (t *pgTx) LockShift(ctx context.Context, id string) (*domain.PumpShift, error) {
	return scanShift(t.tx.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM pump_shifts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateShift(ctx context.Context, s domain.PumpShift) error {
	return expectOne(t.tx.ExecContext(ctx, `
		UPDATE pump_shifts
		SET status = $2, closing_totalizer = $3, closing_proof = $4, cash_collected = $5, closed_by = $6,
			closed_at = $7, total_sales_liter = $8, system_transaction_liter = $9,
			system_transaction_amount = $10, system_cash_amount = $11, liter_discrepancy = $12,
			cash_discrepancy = $13, owner_note = $14, is_audited = $15, audited_by = $16, audited_at = $17
		WHERE id = $1
	`, s.ID, string(s.Status), nullDecimal(s.ClosingTotalizer), nullIfEmpty(s.ClosingProof), nullDecimal(s.CashCollected),
		nullIfEmpty(s.ClosedBy), nullTime(s.ClosedAt), s.TotalSalesLiter, s.SystemTransactionLiter,
		s.SystemTransactionAmount, s.SystemCashAmount, s.LiterDiscrepancy, s.CashDiscrepancy,
		nullIfEmpty(s.OwnerNote), s.IsAudited, nullIfEmpty(s.AuditedBy), nullTime(s.AuditedAt)))
}

func (t *pgTx) ShiftTransactions(ctx context.Context, shift domain.PumpShift, until time.Time) ([]domain.Transaction, error) {
	return queryTransactions(ctx, t.tx, `
		SELECT `+transactionColumns+`
		FROM transactions t
		WHERE t.payment_status <> 'returned'
		  AND (
			t.pump_shift_id = $1
			OR (
				t.transaction_date BETWEEN $2 AND $3
				AND EXISTS (SELECT 1 FROM transaction_items ti WHERE ti.transaction_id = t.id AND ti.product_id = $4)
			)
		  )
		ORDER BY t.transaction_date, t.id
	`, shift.ID, shift.OpenedAt, until, shift.ProductID)
}

const transactionColumns = `t.id, t.trx_code, COALESCE(t.customer_id, ''), COALESCE(t.pump_shift_id, ''),
	t.transaction_date, t.payment_method, t.payment_status, COALESCE(t.payment_proof, ''),
	COALESCE(t.repayment_method, ''), t.paid_at, t.grand_total, t.was_stock_minus, t.is_backdated,
	COALESCE(t.note, ''), COALESCE(t.revision_of, ''), t.created_by, t.created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*domain.Transaction, error) {
	var (
		trx    domain.Transaction
		paidAt sql.NullTime
	)
	err := row.Scan(&trx.ID, &trx.TrxCode, &trx.CustomerID, &trx.PumpShiftID, &trx.TransactionDate,
		&trx.PaymentMethod, &trx.PaymentStatus, &trx.PaymentProof, &trx.RepaymentMethod, &paidAt,
		&trx.GrandTotal, &trx.WasStockMinus, &trx.IsBackdated, &trx.Note, &trx.RevisionOf, &trx.CreatedBy, &trx.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if paidAt.Valid {
		at := paidAt.Time.UTC()
		trx.PaidAt = &at
	}
	trx.TransactionDate = trx.TransactionDate.UTC()
	trx.CreatedAt = trx.CreatedAt.UTC()
	return &trx, nil
}

func getTransaction(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions t WHERE t.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	trx, err := scanTransaction(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	items, err := loadItems(ctx, q, []string{trx.ID})
	if err != nil {
		return nil, err
	}
	trx.Items = items[trx.ID]
	return trx, nil
}

func queryTransactions(ctx context.Context, q queryer, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Transaction, 0, 32)
	for rows.Next() {
		trx, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *trx)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(out) == 0 {
		return out, nil
	}
	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	items, err := loadItems(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func loadItems(ctx context.Context, q queryer, transactionIDs []string) (map[string][]domain.TransactionItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, quantity_liter, price_per_liter, cost_per_liter, subtotal
		FROM transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, id
	`, transactionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.TransactionItem, len(transactionIDs))
	for rows.Next() {
		var item domain.TransactionItem
		if err := rows.Scan(&item.ID, &item.TransactionID, &item.ProductID, &item.QuantityLiter,
			&item.PricePerLiter, &item.CostPerLiter, &item.Subtotal); err != nil {
			return nil, err
		}
		out[item.TransactionID] = append(out[item.TransactionID], item)
	}
	return out, rows.Err()
}

const shiftColumns = `id, product_id, date, status, opening_totalizer, COALESCE(opening_proof, ''), opened_by, opened_at,
	closing_totalizer, COALESCE(closing_proof, ''), cash_collected, COALESCE(closed_by, ''), closed_at,
	total_sales_liter, system_transaction_liter, system_transaction_amount, system_cash_amount,
	liter_discrepancy, cash_discrepancy, COALESCE(owner_note, ''), is_audited, COALESCE(audited_by, ''), audited_at`

func scanShift(row interface{ Scan(...any) error }) (*domain.PumpShift, error) {
	var (
		s                 domain.PumpShift
		closing, cash     decimal.NullDecimal
		closedAt, audited sql.NullTime
	)
	err := row.Scan(&s.ID, &s.ProductID, &s.Date, &s.Status, &s.OpeningTotalizer, &s.OpeningProof, &s.OpenedBy, &s.OpenedAt,
		&closing, &s.ClosingProof, &cash, &s.ClosedBy, &closedAt,
		&s.TotalSalesLiter, &s.SystemTransactionLiter, &s.SystemTransactionAmount, &s.SystemCashAmount,
		&s.LiterDiscrepancy, &s.CashDiscrepancy, &s.OwnerNote, &s.IsAudited, &s.AuditedBy, &audited)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if closing.Valid {
		s.ClosingTotalizer = &closing.Decimal
	}
	if cash.Valid {
		s.CashCollected = &cash.Decimal
	}
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		s.ClosedAt = &at
	}
	if audited.Valid {
		at := audited.Time.UTC()
		s.AuditedAt = &at
	}
	s.Date = s.Date.UTC()
	s.OpenedAt = s.OpenedAt.UTC()
	return &s, nil
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
