package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/service"
	"bunkerpos/backend/internal/store"
	"bunkerpos/backend/internal/xid"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("BUNKERPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set BUNKERPOS_TEST_DATABASE_URL to run postgres integration tests")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

// seedProduct inserts a product and removes everything that references it
// when the test ends.
func seedProduct(t *testing.T, s *Store, stock string) domain.Product {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	product, err := s.CreateProduct(ctx, domain.Product{
		ID:        xid.New("prd"),
		Name:      "Solar IT",
		Unit:      "Liter",
		Price:     decimal.NewFromInt(6800),
		CostPrice: decimal.NewFromInt(6200),
		Stock:     decimal.RequireFromString(stock),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		db := s.DB()
		_, _ = db.ExecContext(ctx, `DELETE FROM transactions WHERE id IN (SELECT transaction_id FROM transaction_items WHERE product_id = $1)`, product.ID)
		_, _ = db.ExecContext(ctx, `DELETE FROM pump_shifts WHERE product_id = $1`, product.ID)
		_, _ = db.ExecContext(ctx, `DELETE FROM restocks WHERE product_id = $1`, product.ID)
		_, _ = db.ExecContext(ctx, `DELETE FROM product_price_histories WHERE product_id = $1`, product.ID)
		_, _ = db.ExecContext(ctx, `DELETE FROM tank_soundings WHERE product_id = $1`, product.ID)
		_, _ = db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})
	return *product
}

func TestConcurrentSalesDoNotOversell(t *testing.T) {
	s := newIntegrationStore(t)
	product := seedProduct(t, s, "100")
	svc := service.New(s, service.Settings{})
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sold int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Sell(ctx, domain.SellRequest{
				Items:         []domain.SaleLine{{ProductID: product.ID, QuantityLiter: decimal.NewFromInt(10)}},
				PaymentMethod: domain.PaymentCash,
			})
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrInsufficientStock)
				return
			}
			mu.Lock()
			sold++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, sold)
	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.True(t, got.Stock.IsZero(), "stock %s", got.Stock)
}

func TestOpenShiftIsExclusivePerProduct(t *testing.T) {
	s := newIntegrationStore(t)
	product := seedProduct(t, s, "1000")
	svc := service.New(s, service.Settings{})
	ctx := context.Background()

	first, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{ProductID: product.ID, OpeningTotalizer: decimal.NewFromInt(50)})
	require.NoError(t, err)

	_, err = svc.OpenShift(ctx, domain.ShiftOpenRequest{ProductID: product.ID, OpeningTotalizer: decimal.NewFromInt(50)})
	assert.ErrorIs(t, err, domain.ErrMutualExclusion)

	// The partial unique index backs the check even without the product lock.
	err = s.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertShift(ctx, domain.PumpShift{
			ID: xid.New("shf"), ProductID: product.ID, Date: time.Now().UTC(), Status: domain.ShiftOpen,
			OpeningTotalizer: decimal.Zero, OpenedBy: "it", OpenedAt: time.Now().UTC(),
		})
	})
	assert.ErrorIs(t, err, domain.ErrMutualExclusion)

	closed, err := svc.CloseShift(ctx, domain.ShiftCloseRequest{ShiftID: first.ID, ClosingTotalizer: decimal.NewFromInt(50)})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftClosed, closed.Status)
}

func TestVoidRestoresStockOnce(t *testing.T) {
	s := newIntegrationStore(t)
	product := seedProduct(t, s, "40")
	svc := service.New(s, service.Settings{})
	ctx := context.Background()

	trx, err := svc.Sell(ctx, domain.SellRequest{
		Items:         []domain.SaleLine{{ProductID: product.ID, QuantityLiter: decimal.RequireFromString("12.5")}},
		PaymentMethod: domain.PaymentCash,
	})
	require.NoError(t, err)

	loaded, err := s.GetTransaction(ctx, trx.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, trx.TrxCode, loaded.TrxCode)

	_, err = svc.VoidTransaction(ctx, domain.VoidRequest{TransactionID: trx.ID, Reason: "integration"})
	require.NoError(t, err)
	_, err = svc.VoidTransaction(ctx, domain.VoidRequest{TransactionID: trx.ID, Reason: "integration"})
	assert.ErrorIs(t, err, domain.ErrIdempotency)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.True(t, got.Stock.Equal(decimal.NewFromInt(40)), "stock %s", got.Stock)
}

func TestRevisePersistsLinkAndConservesStock(t *testing.T) {
	s := newIntegrationStore(t)
	product := seedProduct(t, s, "40")
	svc := service.New(s, service.Settings{})
	ctx := context.Background()

	trx, err := svc.Sell(ctx, domain.SellRequest{
		Items:         []domain.SaleLine{{ProductID: product.ID, QuantityLiter: decimal.NewFromInt(10)}},
		PaymentMethod: domain.PaymentCash,
	})
	require.NoError(t, err)

	revised, err := svc.ReviseTransaction(ctx, domain.ReviseRequest{
		TransactionID: trx.ID,
		Items:         []domain.SaleLine{{ProductID: product.ID, QuantityLiter: decimal.NewFromInt(15)}},
	})
	require.NoError(t, err)

	loaded, err := s.GetTransaction(ctx, revised.ID)
	require.NoError(t, err)
	assert.Equal(t, trx.ID, loaded.RevisionOf)

	old, err := s.GetTransaction(ctx, trx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentReturned, old.PaymentStatus)
	assert.Contains(t, old.Note, revised.TrxCode)

	got, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.True(t, got.Stock.Equal(decimal.NewFromInt(25)), "stock %s", got.Stock)
}

func TestSoundingCorrectionPersists(t *testing.T) {
	s := newIntegrationStore(t)
	product := seedProduct(t, s, "40")
	svc := service.New(s, service.Settings{})
	ctx := context.Background()

	reading, err := svc.RecordSounding(ctx, domain.SoundingRequest{ProductID: product.ID, PhysicalLiter: decimal.NewFromInt(38)})
	require.NoError(t, err)
	_, err = svc.CorrectSounding(ctx, domain.SoundingCorrection{SoundingID: reading.ID, PhysicalLiter: decimal.NewFromInt(39)})
	require.NoError(t, err)

	soundings, err := s.ListSoundings(ctx, product.ID, 10)
	require.NoError(t, err)
	require.Len(t, soundings, 1)
	assert.True(t, soundings[0].Difference.Equal(decimal.NewFromInt(-1)), "difference %s", soundings[0].Difference)
	assert.NotNil(t, soundings[0].CorrectedAt)
}
