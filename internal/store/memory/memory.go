package memory

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/store"
)

// Store keeps the ledger in process memory. Units of work run one at a time
// under the write lock and stage their writes until fn returns nil.
type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	customers          map[string]domain.Customer
	restocks           []domain.Restock
	priceHistory       []domain.ProductPriceHistory
	soundings          []domain.TankSounding
	transactions       map[string]domain.Transaction
	trxCodes           map[string]string
	trxCounters        map[string]int
	shifts             map[string]domain.PumpShift
	openShiftByProduct map[string]string
	usersByUsername    map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		products:           make(map[string]domain.Product),
		customers:          make(map[string]domain.Customer),
		transactions:       make(map[string]domain.Transaction),
		trxCodes:           make(map[string]string),
		trxCounters:        make(map[string]int),
		shifts:             make(map[string]domain.PumpShift),
		openShiftByProduct: make(map[string]string),
		usersByUsername:    make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with two fuels, two credit customers and one
// account per role for dev mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ID: "prd_solar", Name: "Solar", Unit: "Liter", Price: decimal.NewFromInt(6800), CostPrice: decimal.NewFromInt(6200), Stock: decimal.NewFromInt(8000)},
		{ID: "prd_dexlite", Name: "Dexlite", Unit: "Liter", Price: decimal.NewFromInt(13250), CostPrice: decimal.NewFromInt(12100), Stock: decimal.NewFromInt(3000)},
	} {
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	for _, c := range []domain.Customer{
		{ID: "cus_kmsinar", Name: "Budi Santoso", ShipName: "KM Sinar Laut", CreditCeiling: decimal.NewFromInt(5000000)},
		{ID: "cus_kmbahari", Name: "Rahmat Hidayat", ShipName: "KM Bahari Jaya", CreditCeiling: decimal.NewFromInt(2500000)},
	} {
		c.CreditLimit = c.CreditCeiling
		c.Active = true
		c.CreatedAt = now
		c.UpdatedAt = now
		s.customers[c.ID] = c
	}
	s.usersByUsername = seedUsers()
	return s
}

// seedUsers reads SEED_*_PASSWORD overrides; the defaults are dev-only.
func seedUsers() map[string]domain.UserAccount {
	if os.Getenv("SEED_OWNER_PASSWORD") == "" {
		zap.L().Warn("memory store is using default dev credentials; set SEED_OWNER_PASSWORD, SEED_ADMIN_PASSWORD and SEED_OPERATOR_PASSWORD to override")
	}
	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     domain.Role
	}{
		{"owner", envOr("SEED_OWNER_PASSWORD", "owner123"), domain.RoleOwner},
		{"admin", envOr("SEED_ADMIN_PASSWORD", "admin123"), domain.RoleAdmin},
		{"operator", envOr("SEED_OPERATOR_PASSWORD", "operator123"), domain.RoleOperator},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			zap.L().Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newStagedTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrDuplicate
	}
	for _, p := range s.products {
		if strings.EqualFold(p.Name, product.Name) {
			return nil, store.ErrDuplicate
		}
	}
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) ListPriceHistory(_ context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ProductPriceHistory, 0)
	for i := len(s.priceHistory) - 1; i >= 0; i-- {
		if productID != "" && s.priceHistory[i].ProductID != productID {
			continue
		}
		out = append(out, s.priceHistory[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListRestocks(_ context.Context, productID string, limit int) ([]domain.Restock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Restock, 0)
	for i := len(s.restocks) - 1; i >= 0; i-- {
		if productID != "" && s.restocks[i].ProductID != productID {
			continue
		}
		out = append(out, s.restocks[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListSoundings(_ context.Context, productID string, limit int) ([]domain.TankSounding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TankSounding, 0)
	for i := len(s.soundings) - 1; i >= 0; i-- {
		if productID != "" && s.soundings[i].ProductID != productID {
			continue
		}
		out = append(out, s.soundings[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.ErrDuplicate
	}
	s.customers[customer.ID] = customer
	return &customer, nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trx, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneTransaction(trx)
	return &dup, nil
}

func (s *Store) ListTransactions(_ context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Transaction, 0)
	for _, trx := range s.transactions {
		if matchesFilter(trx, filter) {
			out = append(out, cloneTransaction(trx))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].ID > out[j].ID
		}
		return out[i].TransactionDate.After(out[j].TransactionDate)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.PumpShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shift, ok := s.shifts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) ListShifts(_ context.Context, filter domain.ShiftFilter) ([]domain.PumpShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PumpShift, 0)
	for _, shift := range s.shifts {
		if filter.Status != "" && shift.Status != filter.Status {
			continue
		}
		if filter.ProductID != "" && shift.ProductID != filter.ProductID {
			continue
		}
		out = append(out, shift)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ActiveShifts(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.openShiftByProduct))
	for productID, shiftID := range s.openShiftByProduct {
		out[productID] = shiftID
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrDuplicate
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.usersByUsername[username] = u
	return nil
}

func matchesFilter(trx domain.Transaction, filter domain.TransactionFilter) bool {
	if filter.Status != "" && trx.PaymentStatus != filter.Status {
		return false
	}
	if filter.Method != "" && trx.PaymentMethod != filter.Method {
		return false
	}
	if filter.CustomerID != "" && trx.CustomerID != filter.CustomerID {
		return false
	}
	if filter.ShiftID != "" && trx.PumpShiftID != filter.ShiftID {
		return false
	}
	if filter.ProductID != "" && !trx.HasProduct(filter.ProductID) {
		return false
	}
	if filter.From != nil && trx.TransactionDate.Before(*filter.From) {
		return false
	}
	if filter.To != nil && trx.TransactionDate.After(*filter.To) {
		return false
	}
	return true
}

func cloneTransaction(src domain.Transaction) domain.Transaction {
	dup := src
	dup.Items = make([]domain.TransactionItem, len(src.Items))
	copy(dup.Items, src.Items)
	if src.PaidAt != nil {
		paidAt := *src.PaidAt
		dup.PaidAt = &paidAt
	}
	return dup
}
