package monitor

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
	exchange *mock.Exchange
	store    *store.MemoryStore
	orderSvc *order.Service
	dealSvc  *deal.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	exchange := mock.NewExchange("mock")
	exchange.SetTicker(&core.Ticker{Symbol: "ETH/USDT", Last: d("2500.00"), Timestamp: time.Now()})

	st := store.NewMemoryStore(0)
	factory := order.NewFactory(testPair(), st)

	cfg := order.DefaultServiceConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RateLimit = 10000
	cfg.RateBurst = 10000
	orderSvc := order.NewService(exchange, st, factory, logging.NewNop(), cfg)
	dealSvc := deal.NewService(st, st, orderSvc, exchange, testPair(), logging.NewNop())

	return &fixture{exchange: exchange, store: st, orderSvc: orderSvc, dealSvc: dealSvc}
}

// openDeal places a BUY and stages the paired SELL, mirroring C10's output
func (f *fixture) openDeal(t *testing.T) (*core.Deal, *core.Order, *core.Order) {
	t.Helper()
	deal, err := f.dealSvc.CreateDeal(context.Background())
	require.NoError(t, err)

	buy, err := f.orderSvc.PlaceBuy(context.Background(), d("0.0400"), d("2500.00"), deal.ID, core.KindLimit)
	require.NoError(t, err)
	sell, err := f.orderSvc.CreateLocalSell(d("0.0399"), d("2515.02"), deal.ID, core.KindLimit)
	require.NoError(t, err)

	deal.BuyOrderID = buy.ID
	deal.SellOrderID = sell.ID
	require.NoError(t, f.store.SaveDeal(deal))
	return deal, buy, sell
}

func staleBuyTestConfig() StaleBuyConfig {
	cfg := DefaultStaleBuyConfig()
	cfg.MinTimeBetweenRecreations = 0
	return cfg
}

func TestStaleBuyDriftRecreation(t *testing.T) {
	f := newFixture(t)
	dealRec, buy, sell := f.openDeal(t)

	m := NewStaleBuy(f.exchange, f.orderSvc, f.store, f.store, f.store, testPair(), staleBuyTestConfig(), logging.NewNop(), nil)

	// Market runs +3.4% above the entry
	f.exchange.SetTicker(&core.Ticker{Symbol: "ETH/USDT", Last: d("2585.00"), Timestamp: time.Now()})
	require.NoError(t, m.CheckOnce(context.Background()))

	// Old buy canceled
	oldBuy, _ := f.store.GetOrder(buy.ID)
	assert.Equal(t, core.StatusCanceled, oldBuy.Status)

	// Deal points at a replacement at 2585 * 0.999 floored to tick
	updated, _ := f.store.GetDeal(dealRec.ID)
	require.NotEqual(t, buy.ID, updated.BuyOrderID)
	newBuy, ok := f.store.GetOrder(updated.BuyOrderID)
	require.True(t, ok)
	assert.True(t, newBuy.Price.Equal(d("2582.41")), "new price %s", newBuy.Price)
	assert.True(t, newBuy.Amount.Equal(buy.Amount))
	assert.Equal(t, dealRec.ID, newBuy.DealID)

	// Paired sell rewritten: price = 2582.41 * 1.005 ceiled to tick
	newSell, _ := f.store.GetOrder(sell.ID)
	assert.Equal(t, core.StatusPending, newSell.Status)
	assert.True(t, newSell.Price.Equal(d("2595.33")), "sell price %s", newSell.Price)
	// amount = 0.0400 * 0.999 floored to step
	assert.True(t, newSell.Amount.Equal(d("0.0399")), "sell amount %s", newSell.Amount)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.StaleByDrift)
	assert.Equal(t, int64(1), stats.Recreations)
}

func TestStaleBuyAgeOnlyCancelsWithoutRecreation(t *testing.T) {
	f := newFixture(t)
	dealRec, buy, _ := f.openDeal(t)

	// Age the order past the limit; market has not moved
	aged, _ := f.store.GetOrder(buy.ID)
	aged.CreatedAt = time.Now().Add(-20 * time.Minute)
	require.NoError(t, f.store.SaveOrder(aged))

	m := NewStaleBuy(f.exchange, f.orderSvc, f.store, f.store, f.store, testPair(), staleBuyTestConfig(), logging.NewNop(), nil)
	require.NoError(t, m.CheckOnce(context.Background()))

	oldBuy, _ := f.store.GetOrder(buy.ID)
	assert.Equal(t, core.StatusCanceled, oldBuy.Status)

	// No replacement: the deal still references the canceled order
	updated, _ := f.store.GetDeal(dealRec.ID)
	assert.Equal(t, buy.ID, updated.BuyOrderID)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.StaleByAge)
	assert.Equal(t, int64(0), stats.Recreations)
}

func TestStaleBuyFreshOrderUntouched(t *testing.T) {
	f := newFixture(t)
	_, buy, _ := f.openDeal(t)

	m := NewStaleBuy(f.exchange, f.orderSvc, f.store, f.store, f.store, testPair(), staleBuyTestConfig(), logging.NewNop(), nil)
	require.NoError(t, m.CheckOnce(context.Background()))

	stored, _ := f.store.GetOrder(buy.ID)
	assert.Equal(t, core.StatusOpen, stored.Status)
	assert.Equal(t, int64(0), m.Stats().Cancellations)
}

func TestStaleBuyRecreationLimit(t *testing.T) {
	f := newFixture(t)
	dealRec, _, _ := f.openDeal(t)

	cfg := staleBuyTestConfig()
	cfg.MaxRecreationsPerDeal = 1
	m := NewStaleBuy(f.exchange, f.orderSvc, f.store, f.store, f.store, testPair(), cfg, logging.NewNop(), nil)

	// First drift: recreated
	f.exchange.SetTicker(&core.Ticker{Symbol: "ETH/USDT", Last: d("2585.00"), Timestamp: time.Now()})
	require.NoError(t, m.CheckOnce(context.Background()))
	assert.Equal(t, int64(1), m.Stats().Recreations)

	// Market drifts again past the replacement; the limit blocks recreation
	f.exchange.SetTicker(&core.Ticker{Symbol: "ETH/USDT", Last: d("2700.00"), Timestamp: time.Now()})
	require.NoError(t, m.CheckOnce(context.Background()))
	assert.Equal(t, int64(1), m.Stats().Recreations)

	updated, _ := f.store.GetDeal(dealRec.ID)
	stillOpen, _ := f.store.GetOrder(updated.BuyOrderID)
	assert.Equal(t, core.StatusOpen, stillOpen.Status)
}

func TestFilledBuyPlacesStagedSell(t *testing.T) {
	f := newFixture(t)
	dealRec, buy, sell := f.openDeal(t)

	// Buy fills behind our back; sync brings it home
	f.exchange.FillOrder(buy.ExchangeID, d("2500.00"))
	_, err := f.orderSvc.RefreshStatus(context.Background(), buy)
	require.NoError(t, err)

	h := NewFilledBuy(f.orderSvc, f.store, f.store, f.store, logging.NewNop())
	h.CheckOnce(context.Background())

	placedSell, _ := f.store.GetOrder(sell.ID)
	assert.Equal(t, core.StatusOpen, placedSell.Status)
	assert.NotEmpty(t, placedSell.ExchangeID)

	placed, failures := h.Stats()
	assert.Equal(t, int64(1), placed)
	assert.Equal(t, int64(0), failures)

	// A second pass must not place anything again
	before := f.exchange.CreateCalls()
	h.CheckOnce(context.Background())
	assert.Equal(t, before, f.exchange.CreateCalls())

	// Deal stays open until the sell also fills
	stored, _ := f.store.GetDeal(dealRec.ID)
	assert.Equal(t, core.DealOpen, stored.Status)
}

func TestFilledBuySkipsUnfilledBuys(t *testing.T) {
	f := newFixture(t)
	_, _, sell := f.openDeal(t)

	h := NewFilledBuy(f.orderSvc, f.store, f.store, f.store, logging.NewNop())
	h.CheckOnce(context.Background())

	stored, _ := f.store.GetOrder(sell.ID)
	assert.Equal(t, core.StatusPending, stored.Status)
}

func TestCompletionClosesWhenBothFilled(t *testing.T) {
	f := newFixture(t)
	dealRec, buy, sell := f.openDeal(t)

	f.exchange.FillOrder(buy.ExchangeID, d("2500.00"))
	_, err := f.orderSvc.RefreshStatus(context.Background(), buy)
	require.NoError(t, err)

	placedSell, err := f.orderSvc.PlaceExisting(context.Background(), sell)
	require.NoError(t, err)
	f.exchange.FillOrder(placedSell.ExchangeID, d("2515.02"))

	m := NewCompletion(f.dealSvc, f.store, f.store, time.Second, logging.NewNop())
	m.CheckOnce(context.Background())

	stored, _ := f.store.GetDeal(dealRec.ID)
	assert.Equal(t, core.DealClosed, stored.Status)

	// Closed deals carry two filled orders
	b, _ := f.store.GetOrder(stored.BuyOrderID)
	s, _ := f.store.GetOrder(stored.SellOrderID)
	assert.Equal(t, core.StatusFilled, b.Status)
	assert.Equal(t, core.StatusFilled, s.Status)

	_, closed := m.Stats()
	assert.Equal(t, int64(1), closed)
}

func TestCompletionLeavesIncompleteDealsOpen(t *testing.T) {
	f := newFixture(t)
	dealRec, buy, _ := f.openDeal(t)

	f.exchange.FillOrder(buy.ExchangeID, d("2500.00"))

	m := NewCompletion(f.dealSvc, f.store, f.store, time.Second, logging.NewNop())
	m.CheckOnce(context.Background())

	stored, _ := f.store.GetDeal(dealRec.ID)
	assert.Equal(t, core.DealOpen, stored.Status, "sell still pending, deal stays open")
}

func TestCompletionSkipsLockedDeals(t *testing.T) {
	f := newFixture(t)
	dealRec, buy, sell := f.openDeal(t)

	f.exchange.FillOrder(buy.ExchangeID, d("2500.00"))
	placedSell, err := f.orderSvc.PlaceExisting(context.Background(), sell)
	require.NoError(t, err)
	f.exchange.FillOrder(placedSell.ExchangeID, d("2515.02"))

	// Another supervisor holds the deal: this pass must skip it
	require.True(t, f.store.TryLockDeal(dealRec.ID))
	m := NewCompletion(f.dealSvc, f.store, f.store, time.Second, logging.NewNop())
	m.CheckOnce(context.Background())

	stored, _ := f.store.GetDeal(dealRec.ID)
	assert.Equal(t, core.DealOpen, stored.Status)
	f.store.UnlockDeal(dealRec.ID)

	// With the lock released the deal closes
	m.CheckOnce(context.Background())
	stored, _ = f.store.GetDeal(dealRec.ID)
	assert.Equal(t, core.DealClosed, stored.Status)
}
