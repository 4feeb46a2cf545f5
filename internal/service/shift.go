package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/events"
	"bunkerpos/backend/internal/store"
	"bunkerpos/backend/internal/xid"
)

// ShiftFigures is the reconciliation computed when a shift closes.
type ShiftFigures struct {
	PhysicalLiters   decimal.Decimal
	SystemLiters     decimal.Decimal
	SystemAmount     decimal.Decimal
	SystemCashAmount decimal.Decimal
}

// ReconcileShift sums the attributed sales. Liters count only the shift's
// product; amounts count whole transactions. Backdated and bon sales never
// reach the cash drawer.
func ReconcileShift(shift domain.PumpShift, closingTotalizer decimal.Decimal, trxs []domain.Transaction) ShiftFigures {
	figures := ShiftFigures{
		PhysicalLiters:   closingTotalizer.Sub(shift.OpeningTotalizer),
		SystemLiters:     decimal.Zero,
		SystemAmount:     decimal.Zero,
		SystemCashAmount: decimal.Zero,
	}
	for _, trx := range trxs {
		if trx.PaymentStatus == domain.PaymentReturned {
			continue
		}
		figures.SystemLiters = figures.SystemLiters.Add(trx.LitersOf(shift.ProductID))
		figures.SystemAmount = figures.SystemAmount.Add(trx.GrandTotal)
		if trx.PaymentMethod == domain.PaymentCash && !trx.IsBackdated {
			figures.SystemCashAmount = figures.SystemCashAmount.Add(trx.GrandTotal)
		}
	}
	return figures
}

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (_ domain.PumpShift, err error) {
	startedAt := s.now()
	defer func() { s.observe("open_shift", startedAt, err) }()

	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return domain.PumpShift{}, domain.Invalid("product_id", "product is required")
	}
	if req.OpeningTotalizer.IsNegative() {
		return domain.PumpShift{}, domain.Invalid("opening_totalizer", "totalizer must not be negative")
	}

	var (
		shift   domain.PumpShift
		product domain.Product
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockProduct(ctx, req.ProductID)
		if err != nil {
			return notFound("product", req.ProductID, err)
		}
		if !locked.Active {
			return domain.Invalid("product_id", "product %s is inactive", locked.Name)
		}
		existing, err := tx.FindOpenShift(ctx, locked.ID)
		switch {
		case err == nil:
			return fmt.Errorf("product %s has shift %s open: %w", locked.Name, existing.ID, domain.ErrMutualExclusion)
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		now := s.now()
		shift = domain.PumpShift{
			ID:               xid.New("shf"),
			ProductID:        locked.ID,
			Date:             s.businessDay(now),
			Status:           domain.ShiftOpen,
			OpeningTotalizer: domain.RoundMoney(req.OpeningTotalizer),
			OpeningProof:     strings.TrimSpace(req.ProofRef),
			OpenedBy:         actorName(ctx),
			OpenedAt:         now,
		}
		product = *locked
		return tx.InsertShift(ctx, shift)
	})
	if err != nil {
		return domain.PumpShift{}, fmt.Errorf("open shift: %w", err)
	}

	s.log.Info("shift opened",
		zap.String("shift_id", shift.ID),
		zap.String("product_id", shift.ProductID),
		zap.String("opening_totalizer", shift.OpeningTotalizer.StringFixed(2)),
	)
	s.publish(ctx, []events.Event{{
		Type:     events.ShiftOpened,
		Severity: events.SeveritySuccess,
		Title:    "Shift opened",
		Message: fmt.Sprintf("%s opened a shift for %s at totalizer %s",
			actorName(ctx), product.Name, shift.OpeningTotalizer.StringFixed(2)),
		Data: map[string]any{"shift_id": shift.ID, "product_id": shift.ProductID},
	}})
	return shift, nil
}

// CloseShift snapshots totalizer liters next to the system's own sales. The
// two figures are stored side by side and never forced to agree.
func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (_ domain.PumpShift, err error) {
	startedAt := s.now()
	defer func() { s.observe("close_shift", startedAt, err) }()

	req.ShiftID = strings.TrimSpace(req.ShiftID)
	if req.ShiftID == "" {
		return domain.PumpShift{}, domain.Invalid("shift_id", "shift is required")
	}
	if req.CashCollected.IsNegative() {
		return domain.PumpShift{}, domain.Invalid("cash_collected", "cash collected must not be negative")
	}
	closing := domain.RoundMoney(req.ClosingTotalizer)
	cash := domain.RoundMoney(req.CashCollected)

	var shift domain.PumpShift
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockShift(ctx, req.ShiftID)
		if err != nil {
			return notFound("shift", req.ShiftID, err)
		}
		if !locked.Status.CanTransition(domain.ShiftClosed) {
			return &domain.TransitionError{Entity: "shift", From: string(locked.Status), To: string(domain.ShiftClosed)}
		}
		if closing.LessThan(locked.OpeningTotalizer) {
			return domain.Invalid("closing_totalizer", "closing totalizer %s is below opening totalizer %s",
				closing.StringFixed(2), locked.OpeningTotalizer.StringFixed(2))
		}

		closedAt := s.now()
		trxs, err := tx.ShiftTransactions(ctx, *locked, closedAt)
		if err != nil {
			return err
		}
		figures := ReconcileShift(*locked, closing, trxs)

		locked.Status = domain.ShiftClosed
		locked.ClosingTotalizer = &closing
		locked.ClosingProof = strings.TrimSpace(req.ProofRef)
		locked.CashCollected = &cash
		locked.ClosedBy = actorName(ctx)
		locked.ClosedAt = &closedAt
		locked.TotalSalesLiter = figures.PhysicalLiters
		locked.SystemTransactionLiter = figures.SystemLiters
		locked.SystemTransactionAmount = figures.SystemAmount
		locked.SystemCashAmount = figures.SystemCashAmount
		locked.LiterDiscrepancy = figures.SystemLiters.Sub(figures.PhysicalLiters)
		locked.CashDiscrepancy = cash.Sub(figures.SystemCashAmount)
		locked.IsAudited = false
		if err := tx.UpdateShift(ctx, *locked); err != nil {
			return err
		}
		shift = *locked
		return nil
	})
	if err != nil {
		return domain.PumpShift{}, fmt.Errorf("close shift: %w", err)
	}

	gap := shift.LiterDiscrepancy.Abs()
	needsAudit := gap.GreaterThan(s.settings.ShiftDiscrepancyLimit)
	s.metrics.RecordShiftClose(gap.InexactFloat64(), needsAudit)
	s.log.Info("shift closed",
		zap.String("shift_id", shift.ID),
		zap.String("physical_liter", formatLiters(shift.TotalSalesLiter)),
		zap.String("system_liter", formatLiters(shift.SystemTransactionLiter)),
		zap.String("liter_discrepancy", formatLiters(shift.LiterDiscrepancy)),
		zap.String("cash_discrepancy", shift.CashDiscrepancy.StringFixed(2)),
		zap.Bool("needs_audit", needsAudit),
	)

	severity := events.SeveritySuccess
	message := fmt.Sprintf("Shift closed. Physical: %s L, system: %s L. Figures match.",
		formatLiters(shift.TotalSalesLiter), formatLiters(shift.SystemTransactionLiter))
	if needsAudit {
		severity = events.SeverityError
		message = fmt.Sprintf("Shift closed. Physical: %s L, system: %s L. Discrepancy of %s L needs an audit.",
			formatLiters(shift.TotalSalesLiter), formatLiters(shift.SystemTransactionLiter), formatLiters(gap))
	}
	s.publish(ctx, []events.Event{{
		Type:     events.ShiftClosed,
		Severity: severity,
		Title:    "Shift report",
		Message:  message,
		Data: map[string]any{
			"shift_id":          shift.ID,
			"needs_audit":       needsAudit,
			"liter_discrepancy": formatLiters(shift.LiterDiscrepancy),
			"cash_discrepancy":  shift.CashDiscrepancy.StringFixed(2),
		},
	}})
	return shift, nil
}

func (s *Service) AuditShift(ctx context.Context, req domain.ShiftAuditRequest) (_ domain.PumpShift, err error) {
	startedAt := s.now()
	defer func() { s.observe("audit_shift", startedAt, err) }()

	req.ShiftID = strings.TrimSpace(req.ShiftID)
	note := strings.TrimSpace(req.Note)
	if req.ShiftID == "" {
		return domain.PumpShift{}, domain.Invalid("shift_id", "shift is required")
	}
	if note == "" {
		return domain.PumpShift{}, domain.Invalid("note", "an audit note is required")
	}

	var shift domain.PumpShift
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockShift(ctx, req.ShiftID)
		if err != nil {
			return notFound("shift", req.ShiftID, err)
		}
		if !locked.Status.CanTransition(domain.ShiftAudited) {
			return &domain.TransitionError{Entity: "shift", From: string(locked.Status), To: string(domain.ShiftAudited)}
		}
		now := s.now()
		locked.Status = domain.ShiftAudited
		locked.OwnerNote = note
		locked.IsAudited = true
		locked.AuditedBy = actorName(ctx)
		locked.AuditedAt = &now
		if err := tx.UpdateShift(ctx, *locked); err != nil {
			return err
		}
		shift = *locked
		return nil
	})
	if err != nil {
		return domain.PumpShift{}, fmt.Errorf("audit shift: %w", err)
	}

	s.log.Info("shift audited", zap.String("shift_id", shift.ID), zap.String("audited_by", shift.AuditedBy))
	s.publish(ctx, []events.Event{{
		Type:     events.ShiftAudited,
		Severity: events.SeverityInfo,
		Title:    "Shift audited",
		Message:  fmt.Sprintf("Shift %s audited by %s", shift.ID, shift.AuditedBy),
		Data:     map[string]any{"shift_id": shift.ID},
	}})
	return shift, nil
}

func (s *Service) GetShift(ctx context.Context, id string) (domain.PumpShift, error) {
	shift, err := s.repo.GetShift(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.PumpShift{}, notFound("shift", id, err)
	}
	return *shift, nil
}

func (s *Service) ListShifts(ctx context.Context, filter domain.ShiftFilter) ([]domain.PumpShift, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Invalid("status", "unknown shift status %q", filter.Status)
	}
	return s.repo.ListShifts(ctx, filter)
}

// ActiveShifts maps product id to its OPEN shift id.
func (s *Service) ActiveShifts(ctx context.Context) (map[string]string, error) {
	return s.repo.ActiveShifts(ctx)
}
