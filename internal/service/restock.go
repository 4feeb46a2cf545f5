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

var costEpsilon = decimal.RequireFromString("0.01")

// WeightedAverageCost blends the current valuation with an incoming delivery.
// Negative stock is left out of the valuation.
func WeightedAverageCost(stock, costPrice, incomingVolume, incomingTotalCost decimal.Decimal) decimal.Decimal {
	effectiveOldStock := decimal.Max(decimal.Zero, stock)
	newValuation := effectiveOldStock.Mul(costPrice).Add(incomingTotalCost)
	newTotalVolume := effectiveOldStock.Add(incomingVolume)
	if newTotalVolume.IsPositive() {
		return domain.RoundMoney(newValuation.Div(newTotalVolume))
	}
	return domain.RoundMoney(incomingTotalCost.Div(incomingVolume))
}

func (s *Service) Restock(ctx context.Context, req domain.RestockRequest) (_ domain.Restock, err error) {
	startedAt := s.now()
	defer func() { s.observe("restock", startedAt, err) }()

	req.ProductID = strings.TrimSpace(req.ProductID)
	volume := domain.RoundMoney(req.VolumeLiter)
	totalCost := domain.RoundMoney(req.TotalCost)
	if req.ProductID == "" {
		return domain.Restock{}, domain.Invalid("product_id", "product is required")
	}
	if !volume.IsPositive() {
		return domain.Restock{}, domain.Invalid("volume_liter", "volume must be greater than zero")
	}
	if totalCost.IsNegative() {
		return domain.Restock{}, domain.Invalid("total_cost", "total cost must not be negative")
	}
	now := s.now()
	date := req.Date
	if date.IsZero() {
		date = now
	}

	var (
		restock domain.Restock
		product domain.Product
		oldCost decimal.Decimal
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockProduct(ctx, req.ProductID)
		if err != nil {
			return notFound("product", req.ProductID, err)
		}
		if !locked.Active {
			return domain.Invalid("product_id", "product %s is inactive", locked.Name)
		}

		oldCost = locked.CostPrice
		newCost := WeightedAverageCost(locked.Stock, locked.CostPrice, volume, totalCost)
		locked.Stock = locked.Stock.Add(volume)
		locked.CostPrice = newCost
		locked.UpdatedAt = now
		if err := tx.SaveProduct(ctx, *locked); err != nil {
			return err
		}

		if oldCost.Sub(newCost).Abs().GreaterThan(costEpsilon) {
			err := tx.InsertPriceHistory(ctx, domain.ProductPriceHistory{
				ID:           xid.New("pph"),
				ProductID:    locked.ID,
				OldPrice:     locked.Price,
				NewPrice:     locked.Price,
				OldCostPrice: oldCost,
				NewCostPrice: newCost,
				Type:         domain.PriceRestockAdjustment,
				ChangedBy:    actorName(ctx),
				ChangedAt:    now,
			})
			if err != nil {
				return err
			}
		}

		restock = domain.Restock{
			ID:          xid.New("rst"),
			ProductID:   locked.ID,
			Date:        date,
			VolumeLiter: volume,
			TotalCost:   totalCost,
			UnitCost:    domain.RoundMoney(totalCost.Div(volume)),
			Note:        strings.TrimSpace(req.Note),
			CreatedBy:   actorName(ctx),
			CreatedAt:   now,
		}
		if err := tx.InsertRestock(ctx, restock); err != nil {
			return err
		}
		product = *locked
		return nil
	})
	if err != nil {
		return domain.Restock{}, fmt.Errorf("restock: %w", err)
	}

	s.metrics.RecordRestock(product.ID, volume.InexactFloat64())
	s.log.Info("restock recorded",
		zap.String("restock_id", restock.ID),
		zap.String("product_id", product.ID),
		zap.String("volume_liter", formatLiters(volume)),
		zap.String("old_cost_price", oldCost.StringFixed(2)),
		zap.String("new_cost_price", product.CostPrice.StringFixed(2)),
		zap.String("stock", formatLiters(product.Stock)),
	)
	s.publish(ctx, []events.Event{{
		Type:     events.RestockRecorded,
		Severity: events.SeveritySuccess,
		Title:    "Restock recorded",
		Message: fmt.Sprintf("%s received %s L at %s; stock now %s L, cost price %s",
			product.Name, formatLiters(volume), formatRupiah(totalCost), formatLiters(product.Stock), product.CostPrice.StringFixed(2)),
		Data: map[string]any{"restock_id": restock.ID, "product_id": product.ID},
	}})
	return restock, nil
}
