package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestOrderStatusHelpers(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCanceled, StatusFailed, StatusNotFoundOnExchange}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
		assert.False(t, s.IsActive(), string(s))
	}

	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusOpen.IsActive())
	assert.True(t, StatusPartiallyFilled.IsActive())
	assert.False(t, StatusPending.IsActive())
}

func TestOrderJSONRoundTrip(t *testing.T) {
	now := time.Now().Round(time.Millisecond)
	o := &Order{
		ID:              42,
		ExchangeID:      "ex-42",
		ClientOrderID:   "BUY_ETHUSDT_1700000000000_abcd1234",
		Side:            SideBuy,
		Kind:            KindLimit,
		Symbol:          "ETH/USDT",
		Price:           d("2500.01"),
		Amount:          d("0.0400"),
		FilledAmount:    d("0.0200"),
		RemainingAmount: d("0.0200"),
		AveragePrice:    d("2500.00"),
		Fees:            d("0.05"),
		FeeCurrency:     "USDT",
		Status:          StatusPartiallyFilled,
		DealID:          7,
		CreatedAt:       now,
		LastUpdate:      now,
		Retries:         2,
		ErrorMessage:    "",
		Raw:             map[string]interface{}{"status": "PARTIALLY_FILLED"},
	}

	data, err := json.Marshal(o)
	require.NoError(t, err)

	var back Order
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, o.ID, back.ID)
	assert.Equal(t, o.ExchangeID, back.ExchangeID)
	assert.Equal(t, o.ClientOrderID, back.ClientOrderID)
	assert.Equal(t, o.Side, back.Side)
	assert.Equal(t, o.Kind, back.Kind)
	assert.Equal(t, o.Status, back.Status)
	assert.Equal(t, o.DealID, back.DealID)
	assert.Equal(t, o.Retries, back.Retries)
	assert.True(t, o.Price.Equal(back.Price))
	assert.True(t, o.Amount.Equal(back.Amount))
	assert.True(t, o.FilledAmount.Equal(back.FilledAmount))
	assert.True(t, o.RemainingAmount.Equal(back.RemainingAmount))
	assert.True(t, o.AveragePrice.Equal(back.AveragePrice))
	assert.True(t, o.Fees.Equal(back.Fees))
	assert.True(t, o.CreatedAt.Equal(back.CreatedAt))
	assert.Equal(t, "PARTIALLY_FILLED", back.Raw["status"])
}

func TestDealJSONRoundTrip(t *testing.T) {
	now := time.Now().Round(time.Millisecond)
	deal := &Deal{
		ID:             7,
		Symbol:         "ETH/USDT",
		Status:         DealClosed,
		BuyOrderID:     42,
		SellOrderID:    43,
		CreatedAt:      now,
		ClosedAt:       now.Add(time.Minute),
		RealizedProfit: d("0.301"),
	}

	data, err := json.Marshal(deal)
	require.NoError(t, err)

	var back Deal
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, deal.ID, back.ID)
	assert.Equal(t, deal.Status, back.Status)
	assert.Equal(t, deal.BuyOrderID, back.BuyOrderID)
	assert.Equal(t, deal.SellOrderID, back.SellOrderID)
	assert.True(t, deal.RealizedProfit.Equal(back.RealizedProfit))
}

func TestCloneIsIndependent(t *testing.T) {
	o := &Order{ID: 1, Status: StatusOpen, Raw: map[string]interface{}{"k": "v"}}
	c := o.Clone()
	c.Status = StatusFilled
	c.Raw["k"] = "changed"

	assert.Equal(t, StatusOpen, o.Status)
	assert.Equal(t, "v", o.Raw["k"])
}

func TestApplySymbolInfo(t *testing.T) {
	pair := CurrencyPair{Symbol: "ETH/USDT", Base: "ETH", Quote: "USDT"}
	pair.ApplySymbolInfo(&SymbolInfo{
		Symbol:      "ETH/USDT",
		PriceTick:   d("0.01"),
		AmountStep:  d("0.0001"),
		MinAmount:   d("0.0001"),
		MaxAmount:   d("1000"),
		MinNotional: d("10"),
		MakerFee:    d("0.001"),
		TakerFee:    d("0.001"),
	})

	assert.True(t, pair.PriceTick.Equal(d("0.01")))
	assert.True(t, pair.AmountStep.Equal(d("0.0001")))
	assert.True(t, pair.MinNotional.Equal(d("10")))
}

func TestOrderBookSnapshotDerived(t *testing.T) {
	ob := &OrderBookSnapshot{
		Bids: []BookLevel{{Price: d("2499"), Size: d("1")}},
		Asks: []BookLevel{{Price: d("2501"), Size: d("1")}},
	}
	assert.True(t, ob.BestBid().Equal(d("2499")))
	assert.True(t, ob.BestAsk().Equal(d("2501")))
	assert.True(t, ob.Mid().Equal(d("2500")))

	empty := &OrderBookSnapshot{}
	assert.True(t, empty.Mid().IsZero())
}
