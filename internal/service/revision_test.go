package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/events"
)

func revise(id string, productID, liters string) domain.ReviseRequest {
	return domain.ReviseRequest{
		TransactionID: id,
		Items:         []domain.SaleLine{{ProductID: productID, QuantityLiter: dec(liters)}},
	}
}

func TestReviseConservesStockAndCredit(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "10000", "9000", "1000")
	c := f.customer(t, "100000")

	req := cashSale(p.ID, "4")
	req.PaymentMethod = domain.PaymentBon
	req.CustomerID = c.ID
	original, err := f.svc.Sell(f.ctx, req)
	require.NoError(t, err)

	change := revise(original.ID, p.ID, "6")
	change.Reason = "wrong meter reading"
	revised, err := f.svc.ReviseTransaction(f.ctx, change)
	require.NoError(t, err)

	assert.Equal(t, original.ID, revised.RevisionOf)
	assert.Equal(t, "TRX-260305-0002", revised.TrxCode)
	assert.Equal(t, domain.PaymentUnpaid, revised.PaymentStatus)
	assert.Equal(t, c.ID, revised.CustomerID)
	assert.True(t, revised.GrandTotal.Equal(dec("60000")))
	require.Len(t, revised.Items, 1)
	assert.True(t, revised.Items[0].PricePerLiter.Equal(dec("10000")))

	old, err := f.svc.GetTransaction(f.ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentReturned, old.PaymentStatus)
	assert.Contains(t, old.Note, "[REVISED → TRX-260305-0002: wrong meter reading]")
	require.Len(t, old.Items, 1)
	assert.True(t, old.Items[0].QuantityLiter.Equal(dec("4")))

	product, err := f.svc.GetProduct(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, product.Stock.Equal(dec("994")))

	view, err := f.svc.CustomerCredit(f.ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, view.CreditRemaining.Equal(dec("40000")))
	assert.True(t, view.DebtOutstanding.Equal(dec("60000")))
	require.Len(t, view.Unpaid, 1)
	assert.Equal(t, revised.ID, view.Unpaid[0].ID)

	assert.Len(t, f.pub.ofType(events.TransactionRevised), 1)
}

func TestReviseMovesStockBetweenProducts(t *testing.T) {
	f := newFixture(t)
	original, err := f.svc.Sell(f.ctx, cashSale("prd_solar", "10"))
	require.NoError(t, err)

	revised, err := f.svc.ReviseTransaction(f.ctx, revise(original.ID, "prd_dexlite", "5"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, revised.PaymentStatus)
	assert.True(t, revised.GrandTotal.Equal(dec("66250")))

	solar, err := f.svc.GetProduct(f.ctx, "prd_solar")
	require.NoError(t, err)
	assert.True(t, solar.Stock.Equal(dec("8000")))
	dexlite, err := f.svc.GetProduct(f.ctx, "prd_dexlite")
	require.NoError(t, err)
	assert.True(t, dexlite.Stock.Equal(dec("2995")))
}

func TestReviseRollsBackOnInsufficientCredit(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "10000", "9000", "1000")
	c := f.customer(t, "100000")

	req := cashSale(p.ID, "8")
	req.PaymentMethod = domain.PaymentBon
	req.CustomerID = c.ID
	original, err := f.svc.Sell(f.ctx, req)
	require.NoError(t, err)

	_, err = f.svc.ReviseTransaction(f.ctx, revise(original.ID, p.ID, "11"))
	var creditErr *domain.InsufficientCreditError
	require.ErrorAs(t, err, &creditErr)
	assert.True(t, creditErr.Remaining.Equal(dec("100000")))
	assert.True(t, creditErr.Required.Equal(dec("110000")))

	product, err := f.svc.GetProduct(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, product.Stock.Equal(dec("992")))
	customer, err := f.svc.GetCustomer(f.ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, customer.CreditLimit.Equal(dec("20000")))
	old, err := f.svc.GetTransaction(f.ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentUnpaid, old.PaymentStatus)
	all, err := f.svc.ListTransactions(f.ctx, domain.TransactionFilter{CustomerID: c.ID})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// The whole ceiling is usable once the old lines are released.
	_, err = f.svc.ReviseTransaction(f.ctx, revise(original.ID, p.ID, "10"))
	require.NoError(t, err)
	customer, err = f.svc.GetCustomer(f.ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, customer.CreditLimit.IsZero())
}

func TestReviseChecksStockAfterRelease(t *testing.T) {
	f := newFixture(t)
	p := f.product(t, "10000", "9000", "10")
	original, err := f.svc.Sell(f.ctx, cashSale(p.ID, "4"))
	require.NoError(t, err)

	_, err = f.svc.ReviseTransaction(f.ctx, revise(original.ID, p.ID, "11"))
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.True(t, stockErr.Available.Equal(dec("10")))

	product, err := f.svc.GetProduct(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, product.Stock.Equal(dec("6")))

	_, err = f.svc.ReviseTransaction(f.ctx, revise(original.ID, p.ID, "10"))
	require.NoError(t, err)
	product, err = f.svc.GetProduct(f.ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, product.Stock.IsZero())
	// Already under the threshold before the sale.
	assert.Empty(t, f.pub.ofType(events.StockLow))
}

func TestReviseRejectsReturnedAndInvalidInput(t *testing.T) {
	f := newFixture(t)
	trx, err := f.svc.Sell(f.ctx, cashSale("prd_solar", "1"))
	require.NoError(t, err)

	_, err = f.svc.ReviseTransaction(f.ctx, domain.ReviseRequest{TransactionID: trx.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.ReviseTransaction(f.ctx, revise("trx_missing", "prd_solar", "1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.VoidTransaction(f.ctx, domain.VoidRequest{TransactionID: trx.ID, Reason: "duplicate"})
	require.NoError(t, err)
	_, err = f.svc.ReviseTransaction(f.ctx, revise(trx.ID, "prd_solar", "2"))
	assert.ErrorIs(t, err, domain.ErrIdempotency)
}

func TestReviseMovesDateAndKeepsTimeOfDay(t *testing.T) {
	f := newFixture(t)
	trx, err := f.svc.Sell(f.ctx, cashSale("prd_solar", "1"))
	require.NoError(t, err)

	tomorrow := f.clock.Now().Add(24 * time.Hour)
	change := revise(trx.ID, "prd_solar", "1")
	change.TransactionDate = &tomorrow
	_, err = f.svc.ReviseTransaction(f.ctx, change)
	assert.ErrorIs(t, err, domain.ErrValidation)

	yesterday := time.Date(2026, 3, 4, 0, 0, 0, 0, wib)
	change.TransactionDate = &yesterday
	revised, err := f.svc.ReviseTransaction(f.ctx, change)
	require.NoError(t, err)
	assert.True(t, revised.IsBackdated)
	assert.Empty(t, revised.PumpShiftID)
	assert.Equal(t, "TRX-260304-0001", revised.TrxCode)
	assert.True(t, revised.TransactionDate.Equal(time.Date(2026, 3, 4, 1, 0, 0, 0, time.UTC)))
}

func TestCorrectSoundingWithoutAdjustmentLeavesStock(t *testing.T) {
	f := newFixture(t)
	reading, err := f.svc.RecordSounding(f.ctx, domain.SoundingRequest{ProductID: "prd_dexlite", PhysicalLiter: dec("2980")})
	require.NoError(t, err)

	corrected, err := f.svc.CorrectSounding(f.ctx, domain.SoundingCorrection{SoundingID: reading.ID, PhysicalLiter: dec("2990")})
	require.NoError(t, err)
	assert.True(t, corrected.Difference.Equal(dec("-10")))
	assert.True(t, corrected.SystemLiterSnapshot.Equal(dec("3000")))
	assert.Equal(t, "admin", corrected.CorrectedBy)
	require.NotNil(t, corrected.CorrectedAt)
	assert.Equal(t, reading.RecordedAt, corrected.RecordedAt)

	dexlite, err := f.svc.GetProduct(f.ctx, "prd_dexlite")
	require.NoError(t, err)
	assert.True(t, dexlite.Stock.Equal(dec("3000")))

	soundings, err := f.svc.ListSoundings(f.ctx, "prd_dexlite", 0)
	require.NoError(t, err)
	require.Len(t, soundings, 1)
	assert.True(t, soundings[0].PhysicalLiter.Equal(dec("2990")))
	assert.Len(t, f.pub.ofType(events.SoundingCorrected), 1)
}

func TestCorrectAdjustedSoundingMovesStockByDelta(t *testing.T) {
	f := newFixture(t)
	reading, err := f.svc.RecordSounding(f.ctx, domain.SoundingRequest{
		ProductID: "prd_dexlite", PhysicalLiter: dec("2980"), ApplyAdjustment: true,
	})
	require.NoError(t, err)
	_, err = f.svc.Sell(f.ctx, cashSale("prd_dexlite", "10"))
	require.NoError(t, err)

	corrected, err := f.svc.CorrectSounding(f.ctx, domain.SoundingCorrection{SoundingID: reading.ID, PhysicalLiter: dec("2985")})
	require.NoError(t, err)
	assert.True(t, corrected.Difference.Equal(dec("-15")))

	dexlite, err := f.svc.GetProduct(f.ctx, "prd_dexlite")
	require.NoError(t, err)
	assert.True(t, dexlite.Stock.Equal(dec("2975")))

	history, err := f.svc.ListPriceHistory(f.ctx, "prd_dexlite", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestCorrectSoundingValidation(t *testing.T) {
	f := newFixture(t)
	reading, err := f.svc.RecordSounding(f.ctx, domain.SoundingRequest{ProductID: "prd_solar", PhysicalLiter: dec("7990")})
	require.NoError(t, err)

	_, err = f.svc.CorrectSounding(f.ctx, domain.SoundingCorrection{SoundingID: reading.ID, PhysicalLiter: dec("-1")})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.CorrectSounding(f.ctx, domain.SoundingCorrection{
		SoundingID: reading.ID, PhysicalLiter: dec("7995"), RecordedAt: f.clock.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.svc.CorrectSounding(f.ctx, domain.SoundingCorrection{SoundingID: "snd_missing", PhysicalLiter: dec("1")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
