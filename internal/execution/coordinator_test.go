package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
	"trade_engine/internal/deal"
	"trade_engine/internal/mock"
	"trade_engine/internal/order"
	"trade_engine/internal/store"
	"trade_engine/internal/strategy"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/logging"
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
		MinNotional:  d("10"),
		TakerFee:     d("0.001"),
		DealQuota:    d("100"),
		DealCount:    3,
		ProfitMarkup: d("0.005"),
	}
}

type fixture struct {
	coord    *Coordinator
	orderSvc *order.Service
	exchange *mock.Exchange
	store    *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	exchange := mock.NewExchange("mock")
	exchange.SetTicker(&core.Ticker{Symbol: "ETH/USDT", Last: d("2500.00"), Bid: d("2499.99"), Ask: d("2500.01"), Timestamp: time.Now()})

	st := store.NewMemoryStore(0)
	factory := order.NewFactory(testPair(), st)

	ocfg := order.DefaultServiceConfig()
	ocfg.RetryBaseDelay = time.Millisecond
	ocfg.RateLimit = 10000
	ocfg.RateBurst = 10000
	orderSvc := order.NewService(exchange, st, factory, logging.NewNop(), ocfg)
	dealSvc := deal.NewService(st, st, orderSvc, exchange, testPair(), logging.NewNop())

	coord := NewCoordinator(orderSvc, dealSvc, st, exchange, testPair(), DefaultConfig(), logging.NewNop())
	return &fixture{coord: coord, orderSvc: orderSvc, exchange: exchange, store: st}
}

func testPlan() *strategy.Plan {
	return &strategy.Plan{
		BuyPrice:    d("2500.00"),
		CoinsToBuy:  d("0.0400"),
		SellPrice:   d("2515.02"),
		CoinsToSell: d("0.0399"),
	}
}

func TestExecuteStrategyHappyPath(t *testing.T) {
	f := newFixture(t)

	res := f.coord.ExecuteStrategy(context.Background(), testPlan())
	require.True(t, res.Success, "error: %v", res.Err)

	require.NotNil(t, res.Deal)
	require.NotNil(t, res.BuyOrder)
	require.NotNil(t, res.SellOrder)

	assert.Equal(t, core.StatusOpen, res.BuyOrder.Status)
	assert.Equal(t, core.StatusPending, res.SellOrder.Status, "sell is staged locally, not sent")
	assert.Empty(t, res.SellOrder.ExchangeID)

	stored, ok := f.store.GetDeal(res.Deal.ID)
	require.True(t, ok)
	assert.Equal(t, res.BuyOrder.ID, stored.BuyOrderID)
	assert.Equal(t, res.SellOrder.ID, stored.SellOrderID)

	assert.True(t, res.ExpectedCost.Equal(d("100")))
	assert.True(t, res.ExpectedProfit.GreaterThan(decimal.Zero))

	stats := f.coord.Stats()
	assert.Equal(t, int64(1), stats.TotalExecutions)
	assert.Equal(t, int64(1), stats.SuccessfulExecutions)
	assert.True(t, stats.TotalVolume.Equal(d("100")))
}

func TestExecuteStrategyInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.exchange.SetBalance("USDT", d("80"))

	res := f.coord.ExecuteStrategy(context.Background(), testPlan())
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, apperrors.ErrInsufficientFunds)
	assert.Nil(t, res.Deal, "no deal is created when the pre-check fails")
	assert.Equal(t, 0, f.store.OpenDealCount("ETH/USDT"))

	stats := f.coord.Stats()
	assert.Equal(t, int64(1), stats.FailedExecutions)
}

func TestExecuteStrategyRejectsInvalidPlan(t *testing.T) {
	f := newFixture(t)

	res := f.coord.ExecuteStrategy(context.Background(), nil)
	assert.ErrorIs(t, res.Err, apperrors.ErrValidation)

	bad := testPlan()
	bad.CoinsToBuy = decimal.Zero
	res = f.coord.ExecuteStrategy(context.Background(), bad)
	assert.ErrorIs(t, res.Err, apperrors.ErrValidation)
}

func TestExecuteStrategyBuyFailureLeavesNoAttachments(t *testing.T) {
	f := newFixture(t)
	f.exchange.FailNextCreate(apperrors.Wrap(apperrors.ErrInvalidOrder, "rejected"))

	res := f.coord.ExecuteStrategy(context.Background(), testPlan())
	assert.False(t, res.Success)
	require.NotNil(t, res.Deal)

	stored, _ := f.store.GetDeal(res.Deal.ID)
	assert.Zero(t, stored.BuyOrderID)
	assert.Zero(t, stored.SellOrderID)
}

func TestExecuteStrategyPriceDriftWarns(t *testing.T) {
	f := newFixture(t)
	// Market far below the plan's buy price: warn but proceed
	f.exchange.SetTicker(&core.Ticker{Symbol: "ETH/USDT", Last: d("2300.00"), Timestamp: time.Now()})

	res := f.coord.ExecuteStrategy(context.Background(), testPlan())
	require.True(t, res.Success, "error: %v", res.Err)
	assert.NotEmpty(t, res.Warnings)
}
