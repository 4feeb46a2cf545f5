package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/events"
	"bunkerpos/backend/internal/store"
	"bunkerpos/backend/internal/xid"
)

// Sell records a sale. Product rows are locked in id order before any write,
// then the customer row for bon sales. Stock and credit changes commit or
// roll back together with the transaction row.
func (s *Service) Sell(ctx context.Context, req domain.SellRequest) (_ domain.Transaction, err error) {
	startedAt := s.now()
	defer func() { s.observe("sell", startedAt, err) }()

	lines, err := normalizeLines(req.Items)
	if err != nil {
		return domain.Transaction{}, err
	}
	method, err := domain.ParsePaymentMethod(string(req.PaymentMethod))
	if err != nil {
		return domain.Transaction{}, err
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.ProofRef = strings.TrimSpace(req.ProofRef)
	if method == domain.PaymentBon && req.CustomerID == "" {
		return domain.Transaction{}, domain.Invalid("customer_id", "customer is required for bon sales")
	}
	if method.RequiresProof() && req.ProofRef == "" {
		return domain.Transaction{}, domain.Invalid("proof_ref", "transfer sales require a proof of payment")
	}

	now := s.now()
	trxDate := now
	backdated := false
	if req.TransactionDate != nil && !req.TransactionDate.IsZero() {
		if !req.AllowBackdate {
			return domain.Transaction{}, domain.Invalid("transaction_date", "backdated sales are not permitted for this actor")
		}
		if req.TransactionDate.After(now) {
			return domain.Transaction{}, domain.Invalid("transaction_date", "transaction date is in the future")
		}
		trxDate = req.TransactionDate.UTC()
		backdated = true
	}

	productIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}

	var (
		trx      domain.Transaction
		lowStock []domain.Product
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := lockProducts(ctx, tx, productIDs)
		if err != nil {
			return err
		}

		trx = domain.Transaction{
			ID:              xid.New("trx"),
			CustomerID:      req.CustomerID,
			TransactionDate: trxDate,
			PaymentMethod:   method,
			PaymentProof:    req.ProofRef,
			IsBackdated:     backdated,
			Note:            strings.TrimSpace(req.Note),
			CreatedBy:       actorName(ctx),
			CreatedAt:       now,
		}

		demand := make(map[string]decimal.Decimal, len(locked))
		grandTotal := decimal.Zero
		for i, line := range lines {
			product := locked[line.ProductID]
			if !product.Active {
				return domain.Invalid(fmt.Sprintf("items.%d.product_id", i), "product %s is inactive", product.Name)
			}
			already := demand[product.ID]
			if !backdated && product.Stock.Sub(already).LessThan(line.QuantityLiter) {
				return &domain.InsufficientStockError{
					Line:      i,
					ProductID: product.ID,
					Available: product.Stock.Sub(already),
					Requested: line.QuantityLiter,
				}
			}
			demand[product.ID] = already.Add(line.QuantityLiter)

			subtotal := domain.RoundMoney(line.QuantityLiter.Mul(product.Price))
			grandTotal = grandTotal.Add(subtotal)
			trx.Items = append(trx.Items, domain.TransactionItem{
				ID:            xid.New("tri"),
				TransactionID: trx.ID,
				ProductID:     product.ID,
				QuantityLiter: line.QuantityLiter,
				PricePerLiter: product.Price,
				CostPerLiter:  product.CostPrice,
				Subtotal:      subtotal,
			})
		}
		trx.GrandTotal = grandTotal

		if req.CustomerID != "" {
			customer, err := tx.LockCustomer(ctx, req.CustomerID)
			if err != nil {
				return notFound("customer", req.CustomerID, err)
			}
			if method == domain.PaymentBon {
				if !customer.Active {
					return fmt.Errorf("customer %s: %w", customer.ID, domain.ErrCustomerFrozen)
				}
				if customer.CreditLimit.LessThan(grandTotal) {
					return &domain.InsufficientCreditError{
						CustomerID: customer.ID,
						Remaining:  customer.CreditLimit,
						Required:   grandTotal,
					}
				}
				customer.CreditLimit = customer.CreditLimit.Sub(grandTotal)
				customer.UpdatedAt = now
				if err := tx.SaveCustomer(ctx, *customer); err != nil {
					return err
				}
			}
		}

		trx.PaymentStatus = domain.PaymentPaid
		if method == domain.PaymentBon {
			trx.PaymentStatus = domain.PaymentUnpaid
		}

		seq, err := tx.NextTrxSequence(ctx, s.businessDay(trxDate))
		if err != nil {
			return err
		}
		trx.TrxCode = fmt.Sprintf("TRX-%s-%04d", trxDate.In(s.settings.Location).Format("060102"), seq)

		if !backdated {
			shift, err := tx.FindOpenShift(ctx, lines[0].ProductID)
			switch {
			case err == nil:
				trx.PumpShiftID = shift.ID
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		for _, id := range uniqueSorted(productIDs) {
			product := locked[id]
			before := product.Stock
			product.Stock = product.Stock.Sub(demand[id])
			product.UpdatedAt = now
			if product.Stock.IsNegative() {
				trx.WasStockMinus = true
			}
			if s.crossedLowStock(before, product.Stock) {
				lowStock = append(lowStock, *product)
			}
		}

		if err := tx.InsertTransaction(ctx, trx); err != nil {
			return err
		}
		for _, id := range uniqueSorted(productIDs) {
			if err := tx.SaveProduct(ctx, *locked[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("sell: %w", err)
	}

	s.metrics.RecordSale(trx.PaymentMethod, trx.Items)
	s.log.Info("sale recorded",
		zap.String("transaction_id", trx.ID),
		zap.String("trx_code", trx.TrxCode),
		zap.String("payment_method", string(trx.PaymentMethod)),
		zap.String("grand_total", trx.GrandTotal.StringFixed(2)),
		zap.String("pump_shift_id", trx.PumpShiftID),
		zap.Bool("backdated", trx.IsBackdated),
	)

	pending := []events.Event{{
		Type:     events.SaleRecorded,
		Severity: events.SeveritySuccess,
		Title:    "New sale",
		Message:  fmt.Sprintf("Sale %s by %s. Total: %s", trx.TrxCode, actorName(ctx), formatRupiah(trx.GrandTotal)),
		Data:     map[string]any{"transaction_id": trx.ID, "payment_method": string(trx.PaymentMethod)},
	}}
	s.publish(ctx, append(pending, lowStockEvents(lowStock)...))
	return trx, nil
}

func lowStockEvents(products []domain.Product) []events.Event {
	out := make([]events.Event, 0, len(products))
	for _, product := range products {
		out = append(out, events.Event{
			Type:     events.StockLow,
			Severity: events.SeverityError,
			Title:    "Low stock",
			Message:  fmt.Sprintf("%s stock is down to %s L", product.Name, formatLiters(product.Stock)),
			Data:     map[string]any{"product_id": product.ID, "stock": formatLiters(product.Stock)},
		})
	}
	return out
}

// crossedLowStock fires when stock drops under the threshold or ends negative.
func (s *Service) crossedLowStock(before, after decimal.Decimal) bool {
	if after.IsNegative() && !before.IsNegative() {
		return true
	}
	threshold := s.settings.LowStockThreshold
	return !before.LessThan(threshold) && after.LessThan(threshold)
}

// businessDay is the calendar day of t in the station timezone, as a UTC
// midnight so it can key the per-day counter.
func (s *Service) businessDay(t time.Time) time.Time {
	local := t.In(s.settings.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

func normalizeLines(items []domain.SaleLine) ([]domain.SaleLine, error) {
	if len(items) == 0 {
		return nil, domain.Invalid("items", "at least one item is required")
	}
	lines := make([]domain.SaleLine, 0, len(items))
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return nil, domain.Invalid(fmt.Sprintf("items.%d.product_id", i), "product is required")
		}
		qty := domain.RoundMoney(item.QuantityLiter)
		if !qty.IsPositive() {
			return nil, domain.Invalid(fmt.Sprintf("items.%d.quantity_liter", i), "quantity must be greater than zero")
		}
		lines = append(lines, domain.SaleLine{ProductID: productID, QuantityLiter: qty})
	}
	return lines, nil
}
