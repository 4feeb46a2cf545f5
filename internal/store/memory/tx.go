package memory

import (
	"context"
	"time"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/store"
)

// stagedTx buffers writes over a Store whose write lock is held by WithinTx.
type stagedTx struct {
	base         *Store
	products     map[string]domain.Product
	customers    map[string]domain.Customer
	transactions map[string]domain.Transaction
	shifts       map[string]domain.PumpShift
	trxCounters  map[string]int
	restocks     []domain.Restock
	priceHistory []domain.ProductPriceHistory
	soundings    []domain.TankSounding
	soundingEdit map[string]domain.TankSounding
}

var _ store.Tx = (*stagedTx)(nil)

func newStagedTx(base *Store) *stagedTx {
	return &stagedTx{
		base:         base,
		products:     make(map[string]domain.Product),
		customers:    make(map[string]domain.Customer),
		transactions: make(map[string]domain.Transaction),
		shifts:       make(map[string]domain.PumpShift),
		trxCounters:  make(map[string]int),
		soundingEdit: make(map[string]domain.TankSounding),
	}
}

func (t *stagedTx) commit() {
	s := t.base
	for id, p := range t.products {
		s.products[id] = p
	}
	for id, c := range t.customers {
		s.customers[id] = c
	}
	for id, trx := range t.transactions {
		s.transactions[id] = trx
		s.trxCodes[trx.TrxCode] = id
	}
	for id, shift := range t.shifts {
		s.shifts[id] = shift
		if shift.Status == domain.ShiftOpen {
			s.openShiftByProduct[shift.ProductID] = id
		} else if s.openShiftByProduct[shift.ProductID] == id {
			delete(s.openShiftByProduct, shift.ProductID)
		}
	}
	for day, seq := range t.trxCounters {
		s.trxCounters[day] = seq
	}
	s.restocks = append(s.restocks, t.restocks...)
	s.priceHistory = append(s.priceHistory, t.priceHistory...)
	s.soundings = append(s.soundings, t.soundings...)
	for i := range s.soundings {
		if edited, ok := t.soundingEdit[s.soundings[i].ID]; ok {
			s.soundings[i] = edited
		}
	}
}

func (t *stagedTx) LockProduct(_ context.Context, id string) (*domain.Product, error) {
	if p, ok := t.products[id]; ok {
		return &p, nil
	}
	p, ok := t.base.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *stagedTx) SaveProduct(_ context.Context, product domain.Product) error {
	if _, ok := t.base.products[product.ID]; !ok {
		if _, staged := t.products[product.ID]; !staged {
			return store.ErrNotFound
		}
	}
	t.products[product.ID] = product
	return nil
}

func (t *stagedTx) LockCustomer(_ context.Context, id string) (*domain.Customer, error) {
	if c, ok := t.customers[id]; ok {
		return &c, nil
	}
	c, ok := t.base.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (t *stagedTx) SaveCustomer(_ context.Context, customer domain.Customer) error {
	if _, ok := t.base.customers[customer.ID]; !ok {
		if _, staged := t.customers[customer.ID]; !staged {
			return store.ErrNotFound
		}
	}
	t.customers[customer.ID] = customer
	return nil
}

func (t *stagedTx) InsertRestock(_ context.Context, restock domain.Restock) error {
	t.restocks = append(t.restocks, restock)
	return nil
}

func (t *stagedTx) InsertPriceHistory(_ context.Context, entry domain.ProductPriceHistory) error {
	t.priceHistory = append(t.priceHistory, entry)
	return nil
}

func (t *stagedTx) InsertSounding(_ context.Context, sounding domain.TankSounding) error {
	t.soundings = append(t.soundings, sounding)
	return nil
}

func (t *stagedTx) LockSounding(_ context.Context, id string) (*domain.TankSounding, error) {
	if edited, ok := t.soundingEdit[id]; ok {
		return &edited, nil
	}
	for _, staged := range t.soundings {
		if staged.ID == id {
			return &staged, nil
		}
	}
	for _, existing := range t.base.soundings {
		if existing.ID == id {
			return &existing, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *stagedTx) UpdateSounding(ctx context.Context, sounding domain.TankSounding) error {
	if _, err := t.LockSounding(ctx, sounding.ID); err != nil {
		return err
	}
	t.soundingEdit[sounding.ID] = sounding
	return nil
}

func (t *stagedTx) NextTrxSequence(_ context.Context, day time.Time) (int, error) {
	key := day.Format("2006-01-02")
	seq, ok := t.trxCounters[key]
	if !ok {
		seq = t.base.trxCounters[key]
	}
	seq++
	t.trxCounters[key] = seq
	return seq, nil
}

func (t *stagedTx) InsertTransaction(_ context.Context, trx domain.Transaction) error {
	if _, exists := t.base.transactions[trx.ID]; exists {
		return store.ErrDuplicate
	}
	if _, exists := t.base.trxCodes[trx.TrxCode]; exists {
		return store.ErrDuplicate
	}
	for _, staged := range t.transactions {
		if staged.TrxCode == trx.TrxCode {
			return store.ErrDuplicate
		}
	}
	t.transactions[trx.ID] = cloneTransaction(trx)
	return nil
}

func (t *stagedTx) LockTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	trx, ok := t.transactions[id]
	if !ok {
		trx, ok = t.base.transactions[id]
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneTransaction(trx)
	return &dup, nil
}

func (t *stagedTx) UpdateTransactionStatus(_ context.Context, trx domain.Transaction) error {
	current, ok := t.transactions[trx.ID]
	if !ok {
		current, ok = t.base.transactions[trx.ID]
	}
	if !ok {
		return store.ErrNotFound
	}
	current = cloneTransaction(current)
	current.PaymentStatus = trx.PaymentStatus
	current.RepaymentMethod = trx.RepaymentMethod
	current.PaidAt = trx.PaidAt
	current.PaymentProof = trx.PaymentProof
	current.Note = trx.Note
	t.transactions[trx.ID] = current
	return nil
}

func (t *stagedTx) FindOpenShift(_ context.Context, productID string) (*domain.PumpShift, error) {
	if id, ok := t.openShiftID(productID); ok {
		shift, _ := t.shift(id)
		return &shift, nil
	}
	return nil, store.ErrNotFound
}

func (t *stagedTx) InsertShift(_ context.Context, shift domain.PumpShift) error {
	if shift.Status == domain.ShiftOpen {
		if _, open := t.openShiftID(shift.ProductID); open {
			return domain.ErrMutualExclusion
		}
	}
	if _, exists := t.shift(shift.ID); exists {
		return store.ErrDuplicate
	}
	t.shifts[shift.ID] = shift
	return nil
}

func (t *stagedTx) LockShift(_ context.Context, id string) (*domain.PumpShift, error) {
	shift, ok := t.shift(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (t *stagedTx) UpdateShift(_ context.Context, shift domain.PumpShift) error {
	if _, ok := t.shift(shift.ID); !ok {
		return store.ErrNotFound
	}
	t.shifts[shift.ID] = shift
	return nil
}

func (t *stagedTx) ShiftTransactions(_ context.Context, shift domain.PumpShift, until time.Time) ([]domain.Transaction, error) {
	seen := make(map[string]struct{})
	out := make([]domain.Transaction, 0)
	consider := func(trx domain.Transaction) {
		if _, done := seen[trx.ID]; done {
			return
		}
		seen[trx.ID] = struct{}{}
		if trx.PaymentStatus == domain.PaymentReturned {
			return
		}
		linked := trx.PumpShiftID == shift.ID
		inWindow := !trx.TransactionDate.Before(shift.OpenedAt) && !trx.TransactionDate.After(until) && trx.HasProduct(shift.ProductID)
		if linked || inWindow {
			out = append(out, cloneTransaction(trx))
		}
	}
	for _, trx := range t.transactions {
		consider(trx)
	}
	for _, trx := range t.base.transactions {
		consider(trx)
	}
	return out, nil
}

func (t *stagedTx) shift(id string) (domain.PumpShift, bool) {
	if shift, ok := t.shifts[id]; ok {
		return shift, true
	}
	shift, ok := t.base.shifts[id]
	return shift, ok
}

func (t *stagedTx) openShiftID(productID string) (string, bool) {
	for id, shift := range t.shifts {
		if shift.ProductID == productID && shift.Status == domain.ShiftOpen {
			return id, true
		}
	}
	id, ok := t.base.openShiftByProduct[productID]
	if !ok {
		return "", false
	}
	if staged, changed := t.shifts[id]; changed && staged.Status != domain.ShiftOpen {
		return "", false
	}
	return id, true
}
