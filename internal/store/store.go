package store

import (
	"context"
	"errors"
	"time"

	"bunkerpos/backend/internal/domain"
)

var (
	ErrNotFound  = domain.ErrNotFound
	ErrDuplicate = errors.New("duplicate record")
)

// Repository exposes read views plus a unit of work for every ledger mutation.
type Repository interface {
	// WithinTx runs fn in one atomic unit of work. Any error returned by fn
	// discards every write staged through tx.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error)
	ListRestocks(ctx context.Context, productID string, limit int) ([]domain.Restock, error)
	ListSoundings(ctx context.Context, productID string, limit int) ([]domain.TankSounding, error)

	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error)

	GetShift(ctx context.Context, id string) (*domain.PumpShift, error)
	ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.PumpShift, error)
	ActiveShifts(ctx context.Context) (map[string]string, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the write side of a unit of work. Lock* methods hold an exclusive
// row lock until the unit of work ends.
type Tx interface {
	LockProduct(ctx context.Context, id string) (*domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) error
	LockCustomer(ctx context.Context, id string) (*domain.Customer, error)
	SaveCustomer(ctx context.Context, customer domain.Customer) error

	InsertRestock(ctx context.Context, restock domain.Restock) error
	InsertPriceHistory(ctx context.Context, entry domain.ProductPriceHistory) error
	InsertSounding(ctx context.Context, sounding domain.TankSounding) error
	LockSounding(ctx context.Context, id string) (*domain.TankSounding, error)
	UpdateSounding(ctx context.Context, sounding domain.TankSounding) error

	// NextTrxSequence increments and returns the per-day transaction counter.
	NextTrxSequence(ctx context.Context, day time.Time) (int, error)
	InsertTransaction(ctx context.Context, trx domain.Transaction) error
	LockTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, trx domain.Transaction) error

	// FindOpenShift returns ErrNotFound when the product has no OPEN shift.
	FindOpenShift(ctx context.Context, productID string) (*domain.PumpShift, error)
	// InsertShift fails with domain.ErrMutualExclusion when an OPEN shift
	// already exists for the product.
	InsertShift(ctx context.Context, shift domain.PumpShift) error
	LockShift(ctx context.Context, id string) (*domain.PumpShift, error)
	UpdateShift(ctx context.Context, shift domain.PumpShift) error
	// ShiftTransactions returns non-returned transactions linked to the shift,
	// or dated within [shift.OpenedAt, until] and containing its product.
	ShiftTransactions(ctx context.Context, shift domain.PumpShift, until time.Time) ([]domain.Transaction, error)
}
