// Package strategy translates a buy price and budget into a sized
// buy-plus-sell plan.
package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/precision"
)

// Plan is the sized output of the calculator. SellPrice is a target; final
// quantization happens at placement.
type Plan struct {
	BuyPrice    decimal.Decimal
	CoinsToBuy  decimal.Decimal
	SellPrice   decimal.Decimal
	CoinsToSell decimal.Decimal
	Info        string
}

// Calculator sizes deals for one currency pair
type Calculator struct {
	pair core.CurrencyPair
}

// NewCalculator creates a calculator bound to a pair
func NewCalculator(pair core.CurrencyPair) *Calculator {
	return &Calculator{pair: pair}
}

// Calculate produces the buy/sell plan for the given entry price and quote
// budget. The buy amount is ceiled so the purchase covers the taker fee;
// the sell amount is floored so it never exceeds what the fill leaves
// available.
func (c *Calculator) Calculate(buyPrice, budget decimal.Decimal) (*Plan, error) {
	if buyPrice.Sign() <= 0 {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "buy price must be positive, got %s", buyPrice)
	}
	if budget.LessThan(c.pair.MinNotional) {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "budget %s below min notional %s", budget, c.pair.MinNotional)
	}

	coinsToBuy, err := precision.CeilToStep(budget.Div(buyPrice), c.pair.AmountStep)
	if err != nil {
		return nil, err
	}

	one := decimal.NewFromInt(1)
	coinsAfterFee := coinsToBuy.Mul(one.Sub(c.pair.TakerFee))

	rawSell := buyPrice.Mul(one.Add(c.pair.ProfitMarkup)).Div(one.Sub(c.pair.TakerFee))
	sellPrice, err := precision.Quantize(rawSell, c.pair.PriceTick, precision.HalfUp)
	if err != nil {
		return nil, err
	}

	coinsToSell, err := precision.FloorToStep(coinsAfterFee, c.pair.AmountStep)
	if err != nil {
		return nil, err
	}

	if notional := coinsToBuy.Mul(buyPrice); notional.LessThan(c.pair.MinNotional) {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "buy notional %s below min notional %s", notional, c.pair.MinNotional)
	}

	return &Plan{
		BuyPrice:    buyPrice,
		CoinsToBuy:  coinsToBuy,
		SellPrice:   sellPrice,
		CoinsToSell: coinsToSell,
		Info: fmt.Sprintf("buy %s @ %s, sell %s @ %s (markup %s)",
			coinsToBuy, buyPrice, coinsToSell, sellPrice, c.pair.ProfitMarkup),
	}, nil
}
