package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bunkerpos/backend/internal/domain"
	"bunkerpos/backend/internal/events"
	"bunkerpos/backend/internal/store"
	"bunkerpos/backend/internal/xid"
)

const defaultHistoryLimit = 50

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Product{}, notFound("product", id, err)
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Product{}, domain.Invalid("name", "product name is required")
	}
	unit := strings.TrimSpace(req.Unit)
	if unit == "" {
		unit = "Liter"
	}
	if req.Price.IsNegative() || req.CostPrice.IsNegative() {
		return domain.Product{}, domain.Invalid("price", "prices must not be negative")
	}

	now := s.now()
	product, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:        xid.New("prd"),
		Name:      name,
		Unit:      unit,
		Price:     domain.RoundPrice(req.Price),
		CostPrice: domain.RoundMoney(req.CostPrice),
		Stock:     domain.RoundMoney(req.Stock),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return domain.Product{}, fmt.Errorf("create product: %w", err)
	}
	s.log.Info("product created", zap.String("product_id", product.ID), zap.String("name", product.Name))
	return *product, nil
}

// UpdateProduct applies a manual edit. A price or cost change leaves a
// manual_update history row.
func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (_ domain.Product, err error) {
	startedAt := s.now()
	defer func() { s.observe("update_product", startedAt, err) }()

	id = strings.TrimSpace(id)
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return domain.Product{}, domain.Invalid("name", "product name must not be empty")
	}
	if req.Price != nil && req.Price.IsNegative() {
		return domain.Product{}, domain.Invalid("price", "price must not be negative")
	}
	if req.CostPrice != nil && req.CostPrice.IsNegative() {
		return domain.Product{}, domain.Invalid("cost_price", "cost price must not be negative")
	}

	var product domain.Product
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockProduct(ctx, id)
		if err != nil {
			return notFound("product", id, err)
		}
		oldPrice, oldCost := locked.Price, locked.CostPrice
		if req.Name != nil {
			locked.Name = strings.TrimSpace(*req.Name)
		}
		if req.Unit != nil && strings.TrimSpace(*req.Unit) != "" {
			locked.Unit = strings.TrimSpace(*req.Unit)
		}
		if req.Price != nil {
			locked.Price = domain.RoundPrice(*req.Price)
		}
		if req.CostPrice != nil {
			locked.CostPrice = domain.RoundMoney(*req.CostPrice)
		}
		if req.Active != nil {
			locked.Active = *req.Active
		}
		now := s.now()
		locked.UpdatedAt = now
		if err := tx.SaveProduct(ctx, *locked); err != nil {
			return err
		}
		if !oldPrice.Equal(locked.Price) || !oldCost.Equal(locked.CostPrice) {
			err := tx.InsertPriceHistory(ctx, domain.ProductPriceHistory{
				ID:           xid.New("pph"),
				ProductID:    locked.ID,
				OldPrice:     oldPrice,
				NewPrice:     locked.Price,
				OldCostPrice: oldCost,
				NewCostPrice: locked.CostPrice,
				Type:         domain.PriceManualUpdate,
				ChangedBy:    actorName(ctx),
				ChangedAt:    now,
			})
			if err != nil {
				return err
			}
		}
		product = *locked
		return nil
	})
	if err != nil {
		return domain.Product{}, fmt.Errorf("update product: %w", err)
	}
	s.log.Info("product updated",
		zap.String("product_id", product.ID),
		zap.String("price", product.Price.StringFixed(0)),
		zap.String("cost_price", product.CostPrice.StringFixed(2)),
		zap.Bool("active", product.Active),
	)
	return product, nil
}

func (s *Service) ListPriceHistory(ctx context.Context, productID string, limit int) ([]domain.ProductPriceHistory, error) {
	return s.repo.ListPriceHistory(ctx, strings.TrimSpace(productID), historyLimit(limit))
}

func (s *Service) ListRestocks(ctx context.Context, productID string, limit int) ([]domain.Restock, error) {
	return s.repo.ListRestocks(ctx, strings.TrimSpace(productID), historyLimit(limit))
}

func (s *Service) ListSoundings(ctx context.Context, productID string, limit int) ([]domain.TankSounding, error) {
	return s.repo.ListSoundings(ctx, strings.TrimSpace(productID), historyLimit(limit))
}

// RecordSounding stores a dip reading. With ApplyAdjustment the system stock
// is overwritten by the physical reading.
func (s *Service) RecordSounding(ctx context.Context, req domain.SoundingRequest) (_ domain.TankSounding, err error) {
	startedAt := s.now()
	defer func() { s.observe("sounding", startedAt, err) }()

	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" {
		return domain.TankSounding{}, domain.Invalid("product_id", "product is required")
	}
	physical := domain.RoundMoney(req.PhysicalLiter)
	if physical.IsNegative() {
		return domain.TankSounding{}, domain.Invalid("physical_liter", "physical liters must not be negative")
	}
	if req.PhysicalHeightCm != nil && req.PhysicalHeightCm.IsNegative() {
		return domain.TankSounding{}, domain.Invalid("physical_height_cm", "height must not be negative")
	}
	now := s.now()
	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = now
	}

	var (
		sounding domain.TankSounding
		product  domain.Product
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockProduct(ctx, req.ProductID)
		if err != nil {
			return notFound("product", req.ProductID, err)
		}
		sounding = domain.TankSounding{
			ID:                  xid.New("snd"),
			ProductID:           locked.ID,
			RecordedAt:          recordedAt,
			PhysicalHeightCm:    req.PhysicalHeightCm,
			PhysicalLiter:       physical,
			SystemLiterSnapshot: locked.Stock,
			Difference:          physical.Sub(locked.Stock),
			Adjusted:            req.ApplyAdjustment,
			CreatedBy:           actorName(ctx),
			CreatedAt:           now,
		}
		if err := tx.InsertSounding(ctx, sounding); err != nil {
			return err
		}
		if req.ApplyAdjustment && !sounding.Difference.IsZero() {
			locked.Stock = physical
			locked.UpdatedAt = now
			if err := tx.SaveProduct(ctx, *locked); err != nil {
				return err
			}
			err := tx.InsertPriceHistory(ctx, domain.ProductPriceHistory{
				ID:           xid.New("pph"),
				ProductID:    locked.ID,
				OldPrice:     locked.Price,
				NewPrice:     locked.Price,
				OldCostPrice: locked.CostPrice,
				NewCostPrice: locked.CostPrice,
				Type:         domain.PriceOpnameAdjustment,
				ChangedBy:    actorName(ctx),
				ChangedAt:    now,
			})
			if err != nil {
				return err
			}
		}
		product = *locked
		return nil
	})
	if err != nil {
		return domain.TankSounding{}, fmt.Errorf("record sounding: %w", err)
	}

	s.log.Info("tank sounding recorded",
		zap.String("sounding_id", sounding.ID),
		zap.String("product_id", product.ID),
		zap.String("difference", formatLiters(sounding.Difference)),
		zap.Bool("adjusted", sounding.Adjusted),
	)
	s.publish(ctx, []events.Event{{
		Type:     events.SoundingRecorded,
		Severity: events.SeverityInfo,
		Title:    "Tank sounding",
		Message: fmt.Sprintf("%s: physical %s L, system %s L, difference %s L",
			product.Name, formatLiters(sounding.PhysicalLiter), formatLiters(sounding.SystemLiterSnapshot), formatLiters(sounding.Difference)),
		Data: map[string]any{"sounding_id": sounding.ID, "product_id": product.ID, "adjusted": sounding.Adjusted},
	}})
	return sounding, nil
}

// CorrectSounding fixes a mistyped tank reading. The difference is measured
// against the system stock captured when the reading was first taken. When
// the reading had already been applied to stock, the stock moves by the
// change in the physical figure and an opname history row records it.
func (s *Service) CorrectSounding(ctx context.Context, req domain.SoundingCorrection) (_ domain.TankSounding, err error) {
	startedAt := s.now()
	defer func() { s.observe("sounding_correct", startedAt, err) }()

	req.SoundingID = strings.TrimSpace(req.SoundingID)
	if req.SoundingID == "" {
		return domain.TankSounding{}, domain.Invalid("sounding_id", "sounding is required")
	}
	physical := domain.RoundMoney(req.PhysicalLiter)
	if physical.IsNegative() {
		return domain.TankSounding{}, domain.Invalid("physical_liter", "physical liters must not be negative")
	}
	if req.PhysicalHeightCm != nil && req.PhysicalHeightCm.IsNegative() {
		return domain.TankSounding{}, domain.Invalid("physical_height_cm", "height must not be negative")
	}
	now := s.now()
	if req.RecordedAt.After(now) {
		return domain.TankSounding{}, domain.Invalid("recorded_at", "recorded_at is in the future")
	}

	var (
		sounding domain.TankSounding
		delta    decimal.Decimal
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockSounding(ctx, req.SoundingID)
		if err != nil {
			return notFound("sounding", req.SoundingID, err)
		}
		delta = physical.Sub(locked.PhysicalLiter)

		if !req.RecordedAt.IsZero() {
			locked.RecordedAt = req.RecordedAt.UTC()
		}
		locked.PhysicalHeightCm = req.PhysicalHeightCm
		locked.PhysicalLiter = physical
		locked.Difference = physical.Sub(locked.SystemLiterSnapshot)
		locked.CorrectedBy = actorName(ctx)
		locked.CorrectedAt = &now

		if locked.Adjusted && !delta.IsZero() {
			product, err := tx.LockProduct(ctx, locked.ProductID)
			if err != nil {
				return notFound("product", locked.ProductID, err)
			}
			product.Stock = product.Stock.Add(delta)
			product.UpdatedAt = now
			if err := tx.SaveProduct(ctx, *product); err != nil {
				return err
			}
			err = tx.InsertPriceHistory(ctx, domain.ProductPriceHistory{
				ID:           xid.New("pph"),
				ProductID:    product.ID,
				OldPrice:     product.Price,
				NewPrice:     product.Price,
				OldCostPrice: product.CostPrice,
				NewCostPrice: product.CostPrice,
				Type:         domain.PriceOpnameAdjustment,
				ChangedBy:    actorName(ctx),
				ChangedAt:    now,
			})
			if err != nil {
				return err
			}
		}
		if err := tx.UpdateSounding(ctx, *locked); err != nil {
			return err
		}
		sounding = *locked
		return nil
	})
	if err != nil {
		return domain.TankSounding{}, fmt.Errorf("correct sounding: %w", err)
	}

	stockMoved := sounding.Adjusted && !delta.IsZero()
	s.log.Info("tank sounding corrected",
		zap.String("sounding_id", sounding.ID),
		zap.String("product_id", sounding.ProductID),
		zap.String("difference", formatLiters(sounding.Difference)),
		zap.Bool("stock_moved", stockMoved),
	)
	s.publish(ctx, []events.Event{{
		Type:     events.SoundingCorrected,
		Severity: events.SeverityInfo,
		Title:    "Tank sounding corrected",
		Message: fmt.Sprintf("Sounding %s corrected: physical %s L, difference %s L",
			sounding.ID, formatLiters(sounding.PhysicalLiter), formatLiters(sounding.Difference)),
		Data: map[string]any{"sounding_id": sounding.ID, "product_id": sounding.ProductID, "stock_moved": stockMoved},
	}})
	return sounding, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Customer{}, notFound("customer", id, err)
	}
	return *customer, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, domain.Invalid("name", "customer name is required")
	}
	limit := domain.RoundMoney(req.CreditLimit)
	if limit.IsNegative() {
		return domain.Customer{}, domain.Invalid("credit_limit", "credit limit must not be negative")
	}
	now := s.now()
	customer, err := s.repo.CreateCustomer(ctx, domain.Customer{
		ID:            xid.New("cus"),
		Name:          name,
		ShipName:      strings.TrimSpace(req.ShipName),
		Phone:         strings.TrimSpace(req.Phone),
		CreditCeiling: limit,
		CreditLimit:   limit,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return domain.Customer{}, fmt.Errorf("create customer: %w", err)
	}
	s.log.Info("customer created", zap.String("customer_id", customer.ID), zap.String("name", customer.Name))
	return *customer, nil
}

// SetCustomerActive freezes or unfreezes a customer. A frozen customer keeps
// its debt but cannot take new bon sales.
func (s *Service) SetCustomerActive(ctx context.Context, id string, active bool) (domain.Customer, error) {
	return s.mutateCustomer(ctx, id, func(c *domain.Customer) error {
		c.Active = active
		return nil
	})
}

// AdjustCreditCeiling moves the granted ceiling and shifts the remaining
// credit by the same amount, so outstanding debt is unchanged.
func (s *Service) AdjustCreditCeiling(ctx context.Context, id string, ceiling decimal.Decimal) (domain.Customer, error) {
	ceiling = domain.RoundMoney(ceiling)
	if ceiling.IsNegative() {
		return domain.Customer{}, domain.Invalid("credit_ceiling", "credit ceiling must not be negative")
	}
	return s.mutateCustomer(ctx, id, func(c *domain.Customer) error {
		debt := c.DebtOutstanding()
		if ceiling.LessThan(debt) {
			return domain.Invalid("credit_ceiling", "ceiling %s is below outstanding debt %s", ceiling.StringFixed(2), debt.StringFixed(2))
		}
		c.CreditLimit = c.CreditLimit.Add(ceiling.Sub(c.CreditCeiling))
		c.CreditCeiling = ceiling
		return nil
	})
}

func (s *Service) mutateCustomer(ctx context.Context, id string, mutate func(*domain.Customer) error) (domain.Customer, error) {
	id = strings.TrimSpace(id)
	var customer domain.Customer
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockCustomer(ctx, id)
		if err != nil {
			return notFound("customer", id, err)
		}
		if err := mutate(locked); err != nil {
			return err
		}
		locked.UpdatedAt = s.now()
		if err := tx.SaveCustomer(ctx, *locked); err != nil {
			return err
		}
		customer = *locked
		return nil
	})
	if err != nil {
		return domain.Customer{}, fmt.Errorf("update customer: %w", err)
	}
	s.log.Info("customer updated",
		zap.String("customer_id", customer.ID),
		zap.Bool("active", customer.Active),
		zap.String("credit_ceiling", customer.CreditCeiling.StringFixed(2)),
	)
	return customer, nil
}

// CustomerCredit is the derived debt view: outstanding debt is read off the
// ceiling and the remaining limit, next to the unpaid bon list.
func (s *Service) CustomerCredit(ctx context.Context, id string) (domain.CustomerCreditView, error) {
	customer, err := s.GetCustomer(ctx, id)
	if err != nil {
		return domain.CustomerCreditView{}, err
	}
	unpaid, err := s.repo.ListTransactions(ctx, domain.TransactionFilter{
		Status:     domain.PaymentUnpaid,
		CustomerID: customer.ID,
	})
	if err != nil {
		return domain.CustomerCreditView{}, err
	}
	if unpaid == nil {
		unpaid = []domain.Transaction{}
	}
	return domain.CustomerCreditView{
		Customer:        customer,
		CreditCeiling:   customer.CreditCeiling,
		CreditRemaining: customer.CreditLimit,
		DebtOutstanding: customer.DebtOutstanding(),
		Unpaid:          unpaid,
	}, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	trx, err := s.repo.GetTransaction(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Transaction{}, notFound("transaction", id, err)
	}
	return *trx, nil
}

func (s *Service) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Invalid("status", "unknown payment status %q", filter.Status)
	}
	if filter.Method != "" {
		if _, err := domain.ParsePaymentMethod(string(filter.Method)); err != nil {
			return nil, err
		}
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, domain.Invalid("to", "end of range is before its start")
	}
	return s.repo.ListTransactions(ctx, filter)
}

func historyLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultHistoryLimit
	}
	return limit
}
