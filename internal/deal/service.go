// Package deal manages the paired buy/sell lifecycle records
package deal

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trade_engine/internal/core"
	"trade_engine/internal/order"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/telemetry"
)

// Service creates and closes deals and owns the realized-profit bookkeeping
type Service struct {
	deals    core.DealRepository
	orders   core.OrderRepository
	orderSvc *order.Service
	exchange core.Exchange
	pair     core.CurrencyPair
	logger   core.Logger
	metrics  *telemetry.EngineMetrics
}

// NewService creates the deal service
func NewService(deals core.DealRepository, orders core.OrderRepository, orderSvc *order.Service, exchange core.Exchange, pair core.CurrencyPair, logger core.Logger) *Service {
	return &Service{
		deals:    deals,
		orders:   orders,
		orderSvc: orderSvc,
		exchange: exchange,
		pair:     pair,
		logger:   logger.WithField("component", "deal_service"),
		metrics:  telemetry.GetEngineMetrics(),
	}
}

// CreateDeal constructs and persists a fresh OPEN deal
func (s *Service) CreateDeal(ctx context.Context) (*core.Deal, error) {
	d := &core.Deal{
		ID:        s.deals.NextDealID(),
		Symbol:    s.pair.Symbol,
		Status:    core.DealOpen,
		CreatedAt: time.Now(),
	}
	if err := s.deals.SaveDeal(d); err != nil {
		return nil, err
	}
	s.metrics.DealsOpenedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", d.Symbol)))
	s.logger.Info("Deal created", "deal_id", d.ID, "symbol", d.Symbol)
	return d, nil
}

// CheckBalance reports whether the free balance of a currency covers the
// required amount, returning the free balance and a human-readable message.
func (s *Service) CheckBalance(ctx context.Context, currency string, required decimal.Decimal) (bool, decimal.Decimal, string) {
	balances, err := s.exchange.FetchBalance(ctx)
	if err != nil {
		return false, decimal.Zero, fmt.Sprintf("balance fetch failed: %v", err)
	}
	free := balances[currency].Free
	if free.LessThan(required) {
		return false, free, fmt.Sprintf("insufficient %s: need %s, free %s", currency, required, free)
	}
	return true, free, "ok"
}

// CloseDeal marks an OPEN deal CLOSED
func (s *Service) CloseDeal(dealID int64) error {
	d, ok := s.deals.GetDeal(dealID)
	if !ok {
		return apperrors.Wrap(apperrors.ErrValidation, "deal %d not found", dealID)
	}
	if d.Status != core.DealOpen {
		return apperrors.Wrap(apperrors.ErrValidation, "deal %d is %s, only OPEN deals close", dealID, d.Status)
	}
	d.Status = core.DealClosed
	d.ClosedAt = time.Now()
	return s.deals.SaveDeal(d)
}

// CloseIfCompleted refreshes both orders of a deal and closes it when both
// are filled, recording the realized profit. Returns whether the deal was
// closed by this call.
func (s *Service) CloseIfCompleted(ctx context.Context, d *core.Deal) (bool, error) {
	if d.Status != core.DealOpen {
		return false, nil
	}

	buy, buyOK := s.orders.GetOrder(d.BuyOrderID)
	sell, sellOK := s.orders.GetOrder(d.SellOrderID)
	if !buyOK || !sellOK {
		return false, nil
	}

	if buy.Status.IsActive() {
		refreshed, err := s.orderSvc.RefreshStatus(ctx, buy)
		if err != nil {
			return false, err
		}
		buy = refreshed
	}
	if sell.Status.IsActive() {
		refreshed, err := s.orderSvc.RefreshStatus(ctx, sell)
		if err != nil {
			return false, err
		}
		sell = refreshed
	}

	if !buy.IsFilled() || !sell.IsFilled() {
		return false, nil
	}

	profit := realizedProfit(buy, sell)
	d.Status = core.DealClosed
	d.ClosedAt = time.Now()
	d.RealizedProfit = profit
	if err := s.deals.SaveDeal(d); err != nil {
		return false, err
	}

	s.metrics.DealsClosedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", d.Symbol)))
	pnl, _ := profit.Float64()
	s.metrics.PnLRealizedTotal.Add(ctx, pnl, metric.WithAttributes(attribute.String("symbol", d.Symbol)))

	s.logger.Info("Deal closed",
		"deal_id", d.ID,
		"buy_order", buy.ID,
		"sell_order", sell.ID,
		"profit", profit.String())
	return true, nil
}

// EmergencyCloseAll cancels both orders of every open deal and marks the
// deals CANCELED. Best effort: individual cancel failures are logged.
func (s *Service) EmergencyCloseAll(ctx context.Context) int {
	closed := 0
	for _, d := range s.deals.GetDealsByStatus(core.DealOpen) {
		for _, id := range []int64{d.BuyOrderID, d.SellOrderID} {
			if id == 0 {
				continue
			}
			o, ok := s.orders.GetOrder(id)
			if !ok || o.Status.IsTerminal() || o.Status == core.StatusPending {
				continue
			}
			if _, err := s.orderSvc.Cancel(ctx, o); err != nil {
				s.logger.Error("Emergency close: cancel failed", "deal_id", d.ID, "order_id", id, "error", err.Error())
			}
		}
		d.Status = core.DealCanceled
		d.ClosedAt = time.Now()
		if err := s.deals.SaveDeal(d); err != nil {
			s.logger.Error("Emergency close: save failed", "deal_id", d.ID, "error", err.Error())
			continue
		}
		closed++
	}
	s.logger.Warn("Emergency close pass complete", "deals", closed)
	return closed
}

// realizedProfit is sell proceeds minus buy cost minus both fees
func realizedProfit(buy, sell *core.Order) decimal.Decimal {
	buyPrice := buy.AveragePrice
	if buyPrice.IsZero() {
		buyPrice = buy.Price
	}
	sellPrice := sell.AveragePrice
	if sellPrice.IsZero() {
		sellPrice = sell.Price
	}

	proceeds := sell.FilledAmount.Mul(sellPrice)
	cost := buy.FilledAmount.Mul(buyPrice)
	return proceeds.Sub(cost).Sub(buy.Fees).Sub(sell.Fees)
}
