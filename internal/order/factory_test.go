package order

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
	"trade_engine/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testPair() core.CurrencyPair {
	return core.CurrencyPair{
		Symbol:       "ETH/USDT",
		Base:         "ETH",
		Quote:        "USDT",
		PriceTick:    d("0.01"),
		AmountStep:   d("0.0001"),
		MinAmount:    d("0.0001"),
		MaxAmount:    d("1000"),
		MinNotional:  d("10"),
		MakerFee:     d("0.001"),
		TakerFee:     d("0.001"),
		DealQuota:    d("100"),
		DealCount:    3,
		ProfitMarkup: d("0.005"),
	}
}

func newTestFactory() *Factory {
	return NewFactory(testPair(), store.NewMemoryStore(0))
}

func TestCreateBuyQuantizesConservatively(t *testing.T) {
	f := newTestFactory()

	// Buy amount is ceiled to the step, buy price floored to the tick.
	o, err := f.CreateBuy(d("0.039901"), d("2500.019"), 1, core.KindLimit, "")
	require.NoError(t, err)

	assert.True(t, o.Amount.Equal(d("0.0400")), "amount %s", o.Amount)
	assert.True(t, o.Price.Equal(d("2500.01")), "price %s", o.Price)
	assert.Equal(t, core.StatusPending, o.Status)
	assert.Equal(t, core.SideBuy, o.Side)
	assert.Equal(t, int64(1), o.DealID)
	assert.True(t, o.RemainingAmount.Equal(o.Amount))
}

func TestCreateSellQuantizesConservatively(t *testing.T) {
	f := newTestFactory()

	// Sell amount is floored, sell price ceiled.
	o, err := f.CreateSell(d("0.039999"), d("2515.031"), 1, core.KindLimit, "")
	require.NoError(t, err)

	assert.True(t, o.Amount.Equal(d("0.0399")), "amount %s", o.Amount)
	assert.True(t, o.Price.Equal(d("2515.04")), "price %s", o.Price)
}

func TestCreateRejectsLimitViolations(t *testing.T) {
	f := newTestFactory()

	cases := []struct {
		name   string
		amount string
		price  string
	}{
		{"zero amount", "0", "2500"},
		{"negative amount", "-1", "2500"},
		{"zero price", "0.04", "0"},
		{"below min notional", "0.001", "2500"},
		{"above max amount", "2000", "2500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.CreateBuy(d(tc.amount), d(tc.price), 1, core.KindLimit, "")
			assert.Error(t, err)
		})
	}
}

func TestMarketOrdersSkipPriceValidation(t *testing.T) {
	f := newTestFactory()

	o, err := f.MarketSell(d("0.0400"), 1)
	require.NoError(t, err)
	assert.True(t, o.Price.IsZero())
	assert.Equal(t, core.KindMarket, o.Kind)
	assert.Equal(t, core.SideSell, o.Side)
}

func TestClientOrderIDGeneration(t *testing.T) {
	f := newTestFactory()

	o, err := f.CreateBuy(d("0.04"), d("2500"), 1, core.KindLimit, "")
	require.NoError(t, err)

	parts := strings.Split(o.ClientOrderID, "_")
	require.Len(t, parts, 4)
	assert.Equal(t, "BUY", parts[0])
	assert.Equal(t, "ETHUSDT", parts[1])
	assert.Len(t, parts[3], 8)

	// An explicit id passes through untouched
	o2, err := f.CreateBuy(d("0.04"), d("2500"), 1, core.KindLimit, "custom-id")
	require.NoError(t, err)
	assert.Equal(t, "custom-id", o2.ClientOrderID)
}

func TestOrderIDsAreMonotonic(t *testing.T) {
	f := newTestFactory()

	a, err := f.CreateBuy(d("0.04"), d("2500"), 1, core.KindLimit, "")
	require.NoError(t, err)
	b, err := f.CreateSell(d("0.04"), d("2500"), 1, core.KindLimit, "")
	require.NoError(t, err)
	assert.Greater(t, b.ID, a.ID)
}
