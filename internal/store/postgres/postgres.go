package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/store"
)

// Store is the PostgreSQL repository. Units of work run at READ COMMITTED
// and serialize on row locks taken with SELECT ... FOR UPDATE.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

var _ store.Repository = (*Store)(nil)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
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

	return &Store{db: db, lockTimeout: 5 * time.Second}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for migrations and integration tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return classify(err)
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

const productColumns = `id, name, unit, price, cost_price, stock, is_active, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Name, &p.Unit, &p.Price, &p.CostPrice, &p.Stock, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 8)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, unit, price, cost_price, stock, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, product.ID, product.Name, product.Unit, product.Price, product.CostPrice, product.Stock, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, old_price, new_price, old_cost_price, new_cost_price, type, changed_by, changed_at
		FROM product_price_histories
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY changed_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ProductPriceHistory, 0, limit)
	for rows.Next() {
		var h domain.ProductPriceHistory
		if err := rows.Scan(&h.ID, &h.ProductID, &h.OldPrice, &h.NewPrice, &h.OldCostPrice, &h.NewCostPrice, &h.Type, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, err
		}
		h.ChangedAt = h.ChangedAt.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) ListRestocks(ctx context.Context, productID string, limit int) ([]domain.Restock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, date, volume_liter, total_cost, unit_cost, COALESCE(note, ''), created_by, created_at
		FROM restocks
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY date DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Restock, 0, limit)
	for rows.Next() {
		var r domain.Restock
		if err := rows.Scan(&r.ID, &r.ProductID, &r.Date, &r.VolumeLiter, &r.TotalCost, &r.UnitCost, &r.Note, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Date = r.Date.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListSoundings(ctx context.Context, productID string, limit int) ([]domain.TankSounding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+soundingColumns+`
		FROM tank_soundings
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TankSounding, 0, limit)
	for rows.Next() {
		t, err := scanSounding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const customerColumns = `id, name, COALESCE(ship_name, ''), COALESCE(phone, ''), credit_ceiling, credit_limit, is_active, created_at, updated_at`

func scanCustomer(row interface{ Scan(...any) error }) (*domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.Name, &c.ShipName, &c.Phone, &c.CreditCeiling, &c.CreditLimit, &c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Customer, 0, 16)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, ship_name, phone, credit_ceiling, credit_limit, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, customer.ID, customer.Name, nullIfEmpty(customer.ShipName), nullIfEmpty(customer.Phone),
		customer.CreditCeiling, customer.CreditLimit, customer.Active, customer.CreatedAt, customer.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return &customer, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return getTransaction(ctx, s.db, id, false)
}

func (s *Store) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("t.payment_status = $%d", string(filter.Status))
	}
	if filter.Method != "" {
		add("t.payment_method = $%d", string(filter.Method))
	}
	if filter.CustomerID != "" {
		add("t.customer_id = $%d", filter.CustomerID)
	}
	if filter.ShiftID != "" {
		add("t.pump_shift_id = $%d", filter.ShiftID)
	}
	if filter.ProductID != "" {
		add("EXISTS (SELECT 1 FROM transaction_items ti WHERE ti.transaction_id = t.id AND ti.product_id = $%d)", filter.ProductID)
	}
	if filter.From != nil {
		add("t.transaction_date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("t.transaction_date <= $%d", *filter.To)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions t`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY t.transaction_date DESC, t.id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	return queryTransactions(ctx, s.db, query, args...)
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.PumpShift, error) {
	return scanShift(s.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM pump_shifts WHERE id = $1`, id))
}

func (s *Store) ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.PumpShift, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+shiftColumns+`
		FROM pump_shifts
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR product_id = $2)
		ORDER BY opened_at DESC, id DESC
		LIMIT $3
	`, string(filter.Status), filter.ProductID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PumpShift, 0, limit)
	for rows.Next() {
		shift, err := scanShift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *shift)
	}
	return out, rows.Err()
}

func (s *Store) ActiveShifts(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT product_id, id FROM pump_shifts WHERE status = 'open'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var productID, shiftID string
		if err := rows.Scan(&productID, &shiftID); err != nil {
			return nil, err
		}
		out[productID] = shiftID
	}
	return out, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.Invalid("username", "username and password are required")
	}
	if !user.Role.Valid() {
		user.Role = domain.RoleOperator
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, string(user.Role), user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.Invalid("password", "username and password are required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// classify maps lock and serialization failures onto ErrLockContention so
// callers can retry.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %s", domain.ErrLockContention, pgErr.Message)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
