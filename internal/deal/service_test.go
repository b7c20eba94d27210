package deal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
	"trade_engine/internal/mock"
	"trade_engine/internal/order"
	"trade_engine/internal/store"
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

func newFixture(t *testing.T) (*Service, *order.Service, *mock.Exchange, *store.MemoryStore) {
	t.Helper()
	exchange := mock.NewExchange("mock")
	st := store.NewMemoryStore(0)
	factory := order.NewFactory(testPair(), st)

	cfg := order.DefaultServiceConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RateLimit = 10000
	cfg.RateBurst = 10000
	orderSvc := order.NewService(exchange, st, factory, logging.NewNop(), cfg)

	svc := NewService(st, st, orderSvc, exchange, testPair(), logging.NewNop())
	return svc, orderSvc, exchange, st
}

func TestCreateDeal(t *testing.T) {
	svc, _, _, st := newFixture(t)

	deal, err := svc.CreateDeal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.DealOpen, deal.Status)
	assert.Equal(t, "ETH/USDT", deal.Symbol)
	assert.Equal(t, 1, st.OpenDealCount("ETH/USDT"))
}

func TestCheckBalance(t *testing.T) {
	svc, _, exchange, _ := newFixture(t)
	exchange.SetBalance("USDT", d("80"))

	ok, free, _ := svc.CheckBalance(context.Background(), "USDT", d("100"))
	assert.False(t, ok)
	assert.True(t, free.Equal(d("80")))

	ok, _, msg := svc.CheckBalance(context.Background(), "USDT", d("50"))
	assert.True(t, ok)
	assert.Equal(t, "ok", msg)
}

func TestCloseDealOnlyWhenOpen(t *testing.T) {
	svc, _, _, _ := newFixture(t)

	deal, err := svc.CreateDeal(context.Background())
	require.NoError(t, err)

	require.NoError(t, svc.CloseDeal(deal.ID))
	assert.Error(t, svc.CloseDeal(deal.ID), "closing a closed deal is rejected")
	assert.Error(t, svc.CloseDeal(99999), "unknown deal is rejected")
}

func TestCloseIfCompleted(t *testing.T) {
	svc, orderSvc, exchange, st := newFixture(t)

	deal, err := svc.CreateDeal(context.Background())
	require.NoError(t, err)

	buy, err := orderSvc.PlaceBuy(context.Background(), d("0.04"), d("2500.00"), deal.ID, core.KindLimit)
	require.NoError(t, err)
	sell, err := orderSvc.CreateLocalSell(d("0.0399"), d("2515.04"), deal.ID, core.KindLimit)
	require.NoError(t, err)

	deal.BuyOrderID = buy.ID
	deal.SellOrderID = sell.ID
	require.NoError(t, st.SaveDeal(deal))

	// Buy still open: not completed
	closed, err := svc.CloseIfCompleted(context.Background(), deal)
	require.NoError(t, err)
	assert.False(t, closed)

	// Fill the buy, place and fill the sell
	exchange.FillOrder(buy.ExchangeID, d("2500.00"))
	placedSell, err := orderSvc.PlaceExisting(context.Background(), sell)
	require.NoError(t, err)
	exchange.FillOrder(placedSell.ExchangeID, d("2515.04"))

	closed, err = svc.CloseIfCompleted(context.Background(), deal)
	require.NoError(t, err)
	assert.True(t, closed)

	stored, _ := st.GetDeal(deal.ID)
	assert.Equal(t, core.DealClosed, stored.Status)

	// proceeds 0.0399*2515.04 - cost 0.04*2500.00 = 0.350096
	assert.True(t, stored.RealizedProfit.GreaterThan(decimal.Zero))
	assert.True(t, stored.RealizedProfit.LessThan(decimal.NewFromInt(1)))
}

func TestEmergencyCloseAll(t *testing.T) {
	svc, orderSvc, _, st := newFixture(t)

	deal, err := svc.CreateDeal(context.Background())
	require.NoError(t, err)

	buy, err := orderSvc.PlaceBuy(context.Background(), d("0.04"), d("2500.00"), deal.ID, core.KindLimit)
	require.NoError(t, err)
	deal.BuyOrderID = buy.ID
	require.NoError(t, st.SaveDeal(deal))

	n := svc.EmergencyCloseAll(context.Background())
	assert.Equal(t, 1, n)

	stored, _ := st.GetDeal(deal.ID)
	assert.Equal(t, core.DealCanceled, stored.Status)

	buyStored, _ := st.GetOrder(buy.ID)
	assert.Equal(t, core.StatusCanceled, buyStored.Status)
}
