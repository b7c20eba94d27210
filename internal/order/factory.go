// Package order provides order construction and the order service that
// places, tracks, and recovers orders against the exchange.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/precision"
)

// IDSource hands out fresh local order ids
type IDSource interface {
	NextOrderID() int64
}

// Factory builds orders pre-validated against the pair's published limits.
// Amounts and prices are quantized conservatively: buy amounts ceiled and
// sell amounts floored to the step, buy prices floored and sell prices
// ceiled to the tick.
type Factory struct {
	pair core.CurrencyPair
	ids  IDSource
}

// NewFactory creates a factory bound to one currency pair
func NewFactory(pair core.CurrencyPair, ids IDSource) *Factory {
	return &Factory{pair: pair, ids: ids}
}

// Pair returns the pair the factory validates against
func (f *Factory) Pair() core.CurrencyPair {
	return f.pair
}

// CreateBuy builds a limit-style BUY order
func (f *Factory) CreateBuy(amount, price decimal.Decimal, dealID int64, kind core.OrderKind, clientOrderID string) (*core.Order, error) {
	return f.create(core.SideBuy, kind, amount, price, dealID, clientOrderID)
}

// CreateSell builds a limit-style SELL order
func (f *Factory) CreateSell(amount, price decimal.Decimal, dealID int64, kind core.OrderKind, clientOrderID string) (*core.Order, error) {
	return f.create(core.SideSell, kind, amount, price, dealID, clientOrderID)
}

// MarketBuy builds a MARKET BUY; price is zero by construction
func (f *Factory) MarketBuy(amount decimal.Decimal, dealID int64) (*core.Order, error) {
	return f.create(core.SideBuy, core.KindMarket, amount, decimal.Zero, dealID, "")
}

// MarketSell builds a MARKET SELL; price is zero by construction
func (f *Factory) MarketSell(amount decimal.Decimal, dealID int64) (*core.Order, error) {
	return f.create(core.SideSell, core.KindMarket, amount, decimal.Zero, dealID, "")
}

// StopLoss builds a SELL stop order at the given trigger price
func (f *Factory) StopLoss(amount, price decimal.Decimal, dealID int64) (*core.Order, error) {
	return f.create(core.SideSell, core.KindStopLoss, amount, price, dealID, "")
}

// TakeProfit builds a SELL take-profit order at the given trigger price
func (f *Factory) TakeProfit(amount, price decimal.Decimal, dealID int64) (*core.Order, error) {
	return f.create(core.SideSell, core.KindTakeProfit, amount, price, dealID, "")
}

func (f *Factory) create(side core.OrderSide, kind core.OrderKind, amount, price decimal.Decimal, dealID int64, clientOrderID string) (*core.Order, error) {
	if amount.Sign() <= 0 {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "amount must be positive, got %s", amount)
	}
	if kind != core.KindMarket && price.Sign() <= 0 {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "price must be positive for %s orders, got %s", kind, price)
	}

	adjAmount, adjPrice, err := f.quantize(side, kind, amount, price)
	if err != nil {
		return nil, err
	}
	if err := f.validate(kind, adjAmount, adjPrice); err != nil {
		return nil, err
	}

	if clientOrderID == "" {
		clientOrderID = GenerateClientOrderID(side, f.pair.Symbol)
	}

	now := time.Now()
	return &core.Order{
		ID:              f.ids.NextOrderID(),
		ClientOrderID:   clientOrderID,
		Side:            side,
		Kind:            kind,
		Symbol:          f.pair.Symbol,
		Price:           adjPrice,
		Amount:          adjAmount,
		RemainingAmount: adjAmount,
		Status:          core.StatusPending,
		DealID:          dealID,
		CreatedAt:       now,
		LastUpdate:      now,
	}, nil
}

func (f *Factory) quantize(side core.OrderSide, kind core.OrderKind, amount, price decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	amountMode := precision.Ceil
	priceMode := precision.Floor
	if side == core.SideSell {
		amountMode = precision.Floor
		priceMode = precision.Ceil
	}

	adjAmount, err := precision.Quantize(amount, f.pair.AmountStep, amountMode)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	adjPrice := decimal.Zero
	if kind != core.KindMarket {
		adjPrice, err = precision.Quantize(price, f.pair.PriceTick, priceMode)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	return adjAmount, adjPrice, nil
}

func (f *Factory) validate(kind core.OrderKind, amount, price decimal.Decimal) error {
	if f.pair.MinAmount.Sign() > 0 && amount.LessThan(f.pair.MinAmount) {
		return apperrors.Wrap(apperrors.ErrValidation, "amount %s below minimum %s", amount, f.pair.MinAmount)
	}
	if f.pair.MaxAmount.Sign() > 0 && amount.GreaterThan(f.pair.MaxAmount) {
		return apperrors.Wrap(apperrors.ErrValidation, "amount %s above maximum %s", amount, f.pair.MaxAmount)
	}
	if kind == core.KindMarket {
		return nil
	}
	if f.pair.MinPrice.Sign() > 0 && price.LessThan(f.pair.MinPrice) {
		return apperrors.Wrap(apperrors.ErrValidation, "price %s below minimum %s", price, f.pair.MinPrice)
	}
	if f.pair.MaxPrice.Sign() > 0 && price.GreaterThan(f.pair.MaxPrice) {
		return apperrors.Wrap(apperrors.ErrValidation, "price %s above maximum %s", price, f.pair.MaxPrice)
	}
	if notional := amount.Mul(price); notional.LessThan(f.pair.MinNotional) {
		return apperrors.Wrap(apperrors.ErrValidation, "notional %s below minimum %s", notional, f.pair.MinNotional)
	}
	return nil
}

// GenerateClientOrderID produces "<side>_<symbol>_<ms-timestamp>_<random-8>"
func GenerateClientOrderID(side core.OrderSide, symbol string) string {
	clean := strings.ReplaceAll(symbol, "/", "")
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%d_%s", side, clean, time.Now().UnixMilli(), suffix)
}
