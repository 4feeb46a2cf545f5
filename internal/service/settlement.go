package service

import (
	"context"
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

// VoidTransaction returns a sale: stock goes back to every product, consumed
// bon credit goes back to the customer, and the reason is appended to the note.
// Credit is restored only while the bon is still UNPAID; a repaid bon already
// gave its credit back in RepayDebt, so voiding it never raises the ceiling twice.
func (s *Service) VoidTransaction(ctx context.Context, req domain.VoidRequest) (_ domain.Transaction, err error) {
	startedAt := s.now()
	defer func() { s.observe("void", startedAt, err) }()

	req.TransactionID = strings.TrimSpace(req.TransactionID)
	reason := strings.TrimSpace(req.Reason)
	if req.TransactionID == "" {
		return domain.Transaction{}, domain.Invalid("transaction_id", "transaction is required")
	}
	if reason == "" {
		return domain.Transaction{}, domain.Invalid("reason", "a return reason is required")
	}

	var (
		trx            domain.Transaction
		creditRestored bool
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockTransaction(ctx, req.TransactionID)
		if err != nil {
			return notFound("transaction", req.TransactionID, err)
		}
		if locked.PaymentStatus == domain.PaymentReturned {
			return fmt.Errorf("transaction %s: %w", locked.TrxCode, domain.ErrIdempotency)
		}
		if !locked.PaymentStatus.CanTransition(domain.PaymentReturned) {
			return &domain.TransitionError{Entity: "transaction", From: string(locked.PaymentStatus), To: string(domain.PaymentReturned)}
		}
		now := s.now()

		restore := make(map[string]decimal.Decimal)
		ids := make([]string, 0, len(locked.Items))
		for _, item := range locked.Items {
			restore[item.ProductID] = restore[item.ProductID].Add(item.QuantityLiter)
			ids = append(ids, item.ProductID)
		}
		products, err := lockProducts(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, id := range uniqueSorted(ids) {
			product := products[id]
			product.Stock = product.Stock.Add(restore[id])
			product.UpdatedAt = now
			if err := tx.SaveProduct(ctx, *product); err != nil {
				return err
			}
		}

		// Credit is only still consumed while the bon is unpaid.
		if locked.PaymentMethod == domain.PaymentBon && locked.CustomerID != "" && locked.PaymentStatus == domain.PaymentUnpaid {
			customer, err := tx.LockCustomer(ctx, locked.CustomerID)
			if err != nil {
				return notFound("customer", locked.CustomerID, err)
			}
			customer.CreditLimit = customer.CreditLimit.Add(locked.GrandTotal)
			customer.UpdatedAt = now
			if err := tx.SaveCustomer(ctx, *customer); err != nil {
				return err
			}
			creditRestored = true
		}

		locked.PaymentStatus = domain.PaymentReturned
		locked.Note = appendNote(locked.Note, fmt.Sprintf("[RETURNED: %s]", reason))
		if err := tx.UpdateTransactionStatus(ctx, *locked); err != nil {
			return err
		}
		trx = *locked
		return nil
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("void transaction: %w", err)
	}

	s.metrics.RecordVoid()
	s.log.Info("transaction returned",
		zap.String("transaction_id", trx.ID),
		zap.String("trx_code", trx.TrxCode),
		zap.String("reason", reason),
		zap.Bool("credit_restored", creditRestored),
	)
	s.publish(ctx, []events.Event{{
		Type:     events.TransactionReturned,
		Severity: events.SeverityInfo,
		Title:    "Transaction returned",
		Message:  fmt.Sprintf("Transaction %s returned: %s", trx.TrxCode, reason),
		Data:     map[string]any{"transaction_id": trx.ID, "credit_restored": creditRestored},
	}})
	return trx, nil
}

// ReviseTransaction replaces the items of a sale. The old transaction is
// returned with a note naming its successor and a linked transaction carries
// the revised lines, priced at the current product prices. Stock and unpaid
// bon credit of the old lines are restored before the new lines are checked,
// so a failed check leaves both transactions untouched.
func (s *Service) ReviseTransaction(ctx context.Context, req domain.ReviseRequest) (_ domain.Transaction, err error) {
	startedAt := s.now()
	defer func() { s.observe("revise", startedAt, err) }()

	req.TransactionID = strings.TrimSpace(req.TransactionID)
	if req.TransactionID == "" {
		return domain.Transaction{}, domain.Invalid("transaction_id", "transaction is required")
	}
	lines, err := normalizeLines(req.Items)
	if err != nil {
		return domain.Transaction{}, err
	}
	reason := strings.TrimSpace(req.Reason)

	var (
		revised  domain.Transaction
		previous domain.Transaction
		lowStock []domain.Product
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockTransaction(ctx, req.TransactionID)
		if err != nil {
			return notFound("transaction", req.TransactionID, err)
		}
		if locked.PaymentStatus == domain.PaymentReturned {
			return fmt.Errorf("transaction %s: %w", locked.TrxCode, domain.ErrIdempotency)
		}
		if !locked.PaymentStatus.CanTransition(domain.PaymentReturned) {
			return &domain.TransitionError{Entity: "transaction", From: string(locked.PaymentStatus), To: string(domain.PaymentReturned)}
		}
		now := s.now()

		trxDate, err := s.revisedDate(locked.TransactionDate, req.TransactionDate, now)
		if err != nil {
			return err
		}
		sameDay := s.businessDay(trxDate).Equal(s.businessDay(locked.TransactionDate))
		backdated := locked.IsBackdated || !sameDay

		ids := make([]string, 0, len(locked.Items)+len(lines))
		for _, item := range locked.Items {
			ids = append(ids, item.ProductID)
		}
		for _, line := range lines {
			ids = append(ids, line.ProductID)
		}
		products, err := lockProducts(ctx, tx, ids)
		if err != nil {
			return err
		}
		before := make(map[string]decimal.Decimal, len(products))
		for id, product := range products {
			before[id] = product.Stock
		}
		for _, item := range locked.Items {
			product := products[item.ProductID]
			product.Stock = product.Stock.Add(item.QuantityLiter)
		}

		revised = domain.Transaction{
			ID:              xid.New("trx"),
			CustomerID:      locked.CustomerID,
			TransactionDate: trxDate,
			PaymentMethod:   locked.PaymentMethod,
			PaymentStatus:   locked.PaymentStatus,
			PaymentProof:    locked.PaymentProof,
			RepaymentMethod: locked.RepaymentMethod,
			PaidAt:          locked.PaidAt,
			IsBackdated:     backdated,
			Note:            locked.Note,
			RevisionOf:      locked.ID,
			CreatedBy:       actorName(ctx),
			CreatedAt:       now,
		}
		if note := strings.TrimSpace(req.Note); note != "" {
			revised.Note = note
		}
		if sameDay {
			revised.PumpShiftID = locked.PumpShiftID
		}

		grandTotal := decimal.Zero
		for i, line := range lines {
			product := products[line.ProductID]
			if !product.Active {
				return domain.Invalid(fmt.Sprintf("items.%d.product_id", i), "product %s is inactive", product.Name)
			}
			if !backdated && product.Stock.LessThan(line.QuantityLiter) {
				return &domain.InsufficientStockError{
					Line:      i,
					ProductID: product.ID,
					Available: product.Stock,
					Requested: line.QuantityLiter,
				}
			}
			product.Stock = product.Stock.Sub(line.QuantityLiter)

			subtotal := domain.RoundMoney(line.QuantityLiter.Mul(product.Price))
			grandTotal = grandTotal.Add(subtotal)
			revised.Items = append(revised.Items, domain.TransactionItem{
				ID:            xid.New("tri"),
				TransactionID: revised.ID,
				ProductID:     product.ID,
				QuantityLiter: line.QuantityLiter,
				PricePerLiter: product.Price,
				CostPerLiter:  product.CostPrice,
				Subtotal:      subtotal,
			})
		}
		revised.GrandTotal = grandTotal

		// The debt already exists, so a frozen customer can still have it revised.
		if locked.PaymentMethod == domain.PaymentBon && locked.CustomerID != "" && locked.PaymentStatus == domain.PaymentUnpaid {
			customer, err := tx.LockCustomer(ctx, locked.CustomerID)
			if err != nil {
				return notFound("customer", locked.CustomerID, err)
			}
			available := customer.CreditLimit.Add(locked.GrandTotal)
			if available.LessThan(grandTotal) {
				return &domain.InsufficientCreditError{
					CustomerID: customer.ID,
					Remaining:  available,
					Required:   grandTotal,
				}
			}
			customer.CreditLimit = available.Sub(grandTotal)
			customer.UpdatedAt = now
			if err := tx.SaveCustomer(ctx, *customer); err != nil {
				return err
			}
		}

		seq, err := tx.NextTrxSequence(ctx, s.businessDay(trxDate))
		if err != nil {
			return err
		}
		revised.TrxCode = fmt.Sprintf("TRX-%s-%04d", trxDate.In(s.settings.Location).Format("060102"), seq)

		for _, id := range uniqueSorted(ids) {
			product := products[id]
			product.UpdatedAt = now
			if product.Stock.IsNegative() {
				revised.WasStockMinus = true
			}
			if s.crossedLowStock(before[id], product.Stock) {
				lowStock = append(lowStock, *product)
			}
		}

		if err := tx.InsertTransaction(ctx, revised); err != nil {
			return err
		}
		for _, id := range uniqueSorted(ids) {
			if err := tx.SaveProduct(ctx, *products[id]); err != nil {
				return err
			}
		}

		tag := fmt.Sprintf("[REVISED → %s]", revised.TrxCode)
		if reason != "" {
			tag = fmt.Sprintf("[REVISED → %s: %s]", revised.TrxCode, reason)
		}
		locked.PaymentStatus = domain.PaymentReturned
		locked.Note = appendNote(locked.Note, tag)
		if err := tx.UpdateTransactionStatus(ctx, *locked); err != nil {
			return err
		}
		previous = *locked
		return nil
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("revise transaction: %w", err)
	}

	s.metrics.RecordVoid()
	s.metrics.RecordSale(revised.PaymentMethod, revised.Items)
	s.log.Info("transaction revised",
		zap.String("transaction_id", revised.ID),
		zap.String("trx_code", revised.TrxCode),
		zap.String("revision_of", previous.TrxCode),
		zap.String("old_total", previous.GrandTotal.StringFixed(2)),
		zap.String("new_total", revised.GrandTotal.StringFixed(2)),
		zap.String("reason", reason),
	)
	s.publish(ctx, append([]events.Event{{
		Type:     events.TransactionRevised,
		Severity: events.SeverityInfo,
		Title:    "Transaction revised",
		Message: fmt.Sprintf("Transaction %s revised as %s. Total: %s → %s",
			previous.TrxCode, revised.TrxCode, formatRupiah(previous.GrandTotal), formatRupiah(revised.GrandTotal)),
		Data: map[string]any{"transaction_id": revised.ID, "revision_of": previous.ID},
	}}, lowStockEvents(lowStock)...))
	return revised, nil
}

// revisedDate keeps the time of day of the original sale and takes the
// calendar day from the requested date, in the station timezone.
func (s *Service) revisedDate(original time.Time, requested *time.Time, now time.Time) (time.Time, error) {
	if requested == nil || requested.IsZero() {
		return original, nil
	}
	loc := s.settings.Location
	day := requested.In(loc)
	clock := original.In(loc)
	moved := time.Date(day.Year(), day.Month(), day.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), loc).UTC()
	if moved.After(now) {
		return time.Time{}, domain.Invalid("transaction_date", "transaction date is in the future")
	}
	return moved, nil
}

// RepayDebt settles an unpaid bon and gives the credit back to the customer.
func (s *Service) RepayDebt(ctx context.Context, req domain.RepayRequest) (_ domain.Transaction, err error) {
	startedAt := s.now()
	defer func() { s.observe("repay", startedAt, err) }()

	req.TransactionID = strings.TrimSpace(req.TransactionID)
	req.ProofRef = strings.TrimSpace(req.ProofRef)
	if req.TransactionID == "" {
		return domain.Transaction{}, domain.Invalid("transaction_id", "transaction is required")
	}
	method, err := domain.ParsePaymentMethod(string(req.RepaymentMethod))
	if err != nil || method == domain.PaymentBon {
		return domain.Transaction{}, domain.Invalid("repayment_method", "repayment must be cash or transfer")
	}
	if method.RequiresProof() && req.ProofRef == "" {
		return domain.Transaction{}, domain.Invalid("proof_ref", "transfer repayments require a proof of payment")
	}

	var trx domain.Transaction
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockTransaction(ctx, req.TransactionID)
		if err != nil {
			return notFound("transaction", req.TransactionID, err)
		}
		switch locked.PaymentStatus {
		case domain.PaymentPaid:
			return fmt.Errorf("transaction %s: %w", locked.TrxCode, domain.ErrAlreadySettled)
		case domain.PaymentUnpaid:
		default:
			return &domain.TransitionError{Entity: "transaction", From: string(locked.PaymentStatus), To: string(domain.PaymentPaid)}
		}
		now := s.now()

		if locked.CustomerID != "" {
			customer, err := tx.LockCustomer(ctx, locked.CustomerID)
			if err != nil {
				return notFound("customer", locked.CustomerID, err)
			}
			customer.CreditLimit = customer.CreditLimit.Add(locked.GrandTotal)
			customer.UpdatedAt = now
			if err := tx.SaveCustomer(ctx, *customer); err != nil {
				return err
			}
		}

		locked.PaymentStatus = domain.PaymentPaid
		locked.RepaymentMethod = method
		locked.PaidAt = &now
		if req.ProofRef != "" {
			locked.PaymentProof = req.ProofRef
		}
		if err := tx.UpdateTransactionStatus(ctx, *locked); err != nil {
			return err
		}
		trx = *locked
		return nil
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("repay debt: %w", err)
	}

	s.metrics.RecordRepayment()
	s.log.Info("debt repaid",
		zap.String("transaction_id", trx.ID),
		zap.String("customer_id", trx.CustomerID),
		zap.String("amount", trx.GrandTotal.StringFixed(2)),
		zap.String("repayment_method", string(method)),
	)
	s.publish(ctx, []events.Event{{
		Type:     events.DebtRepaid,
		Severity: events.SeveritySuccess,
		Title:    "Debt repaid",
		Message:  fmt.Sprintf("Bon %s settled via %s: %s", trx.TrxCode, method, formatRupiah(trx.GrandTotal)),
		Data:     map[string]any{"transaction_id": trx.ID, "customer_id": trx.CustomerID},
	}})
	return trx, nil
}
