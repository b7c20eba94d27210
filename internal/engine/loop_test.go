package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
	"trade_engine/internal/deal"
	"trade_engine/internal/execution"
	"trade_engine/internal/mock"
	"trade_engine/internal/monitor"
	"trade_engine/internal/order"
	"trade_engine/internal/orderbook"
	"trade_engine/internal/risk"
	"trade_engine/internal/signal"
	"trade_engine/internal/store"
	"trade_engine/internal/strategy"
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

// healthyBook builds a bid-heavy snapshot around the given mid
func healthyBook(mid float64) *core.OrderBookSnapshot {
	ob := &core.OrderBookSnapshot{Symbol: "ETH/USDT", Timestamp: time.Now()}
	midD := decimal.NewFromFloat(mid)
	for i := 1; i <= 25; i++ {
		step := d("0.50").Mul(decimal.NewFromInt(int64(i)))
		ob.Bids = append(ob.Bids, core.BookLevel{Price: midD.Sub(step), Size: d("20")})
		ob.Asks = append(ob.Asks, core.BookLevel{Price: midD.Add(step), Size: d("5")})
	}
	return ob
}

// thinBook has too few levels per side: the analyzer rejects it
func thinBook(mid float64) *core.OrderBookSnapshot {
	ob := &core.OrderBookSnapshot{Symbol: "ETH/USDT", Timestamp: time.Now()}
	midD := decimal.NewFromFloat(mid)
	ob.Bids = append(ob.Bids, core.BookLevel{Price: midD.Sub(d("0.50")), Size: d("5")})
	ob.Asks = append(ob.Asks, core.BookLevel{Price: midD.Add(d("0.50")), Size: d("5")})
	return ob
}

type loopFixture struct {
	loop     *Loop
	exchange *mock.Exchange
	store    *store.MemoryStore
}

func newLoopFixture(t *testing.T, pair core.CurrencyPair) *loopFixture {
	t.Helper()
	exchange := mock.NewExchange("mock")
	exchange.SetBalance("ETH", d("10"))
	exchange.SetTicker(&core.Ticker{Symbol: "ETH/USDT", Last: d("2500.00"), Timestamp: time.Now()})
	exchange.SetOrderBook(healthyBook(2500))

	st := store.NewMemoryStore(0)
	factory := order.NewFactory(pair, st)

	ocfg := order.DefaultServiceConfig()
	ocfg.RetryBaseDelay = time.Millisecond
	ocfg.RateLimit = 100000
	ocfg.RateBurst = 100000
	orderSvc := order.NewService(exchange, st, factory, logging.NewNop(), ocfg)
	dealSvc := deal.NewService(st, st, orderSvc, exchange, pair, logging.NewNop())

	analyzer := orderbook.NewAnalyzer(orderbook.DefaultConfig(), logging.NewNop())
	calculator := strategy.NewCalculator(pair)
	coordinator := execution.NewCoordinator(orderSvc, dealSvc, st, exchange, pair, execution.DefaultConfig(), logging.NewNop())

	filledBuy := monitor.NewFilledBuy(orderSvc, st, st, st, logging.NewNop())
	completion := monitor.NewCompletion(dealSvc, st, st, time.Second, logging.NewNop())
	staleBuy := monitor.NewStaleBuy(exchange, orderSvc, st, st, st, pair, monitor.DefaultStaleBuyConfig(), logging.NewNop(), nil)

	slCfg := risk.DefaultStopLossConfig()
	slCfg.BookTTL = 0
	stopLoss := risk.NewStopLoss(exchange, orderSvc, dealSvc, st, st, st, analyzer, pair, slCfg, logging.NewNop())

	loop := NewLoop(exchange, signal.NewGenerator(1000, logging.NewNop()), analyzer, calculator, coordinator,
		orderSvc, dealSvc, filledBuy, completion, staleBuy, stopLoss, st, pair, DefaultConfig(), logging.NewNop())

	return &loopFixture{loop: loop, exchange: exchange, store: st}
}

// rally feeds a flat warmup followed by a rise, which flips the momentum
// rule to BUY.
func (f *loopFixture) rally(ctx context.Context, base float64, flat, rising int) {
	for i := 0; i < flat; i++ {
		f.push(ctx, base)
	}
	for i := 0; i < rising; i++ {
		f.push(ctx, base+float64(i+1)*5)
	}
}

func (f *loopFixture) push(ctx context.Context, price float64) {
	t := core.Ticker{Symbol: "ETH/USDT", Last: decimal.NewFromFloat(price), Timestamp: time.Now()}
	f.exchange.SetTicker(&t)
	f.loop.HandleTick(ctx, t)
}

func TestLoopOpensDealOnBuySignal(t *testing.T) {
	f := newLoopFixture(t, testPair())
	ctx := context.Background()

	f.rally(ctx, 2500, 100, 50)

	stats := f.loop.Stats()
	assert.Greater(t, stats.SignalsGenerated, int64(0))
	require.Greater(t, stats.DealsStarted, int64(0))

	// Every started deal has an exchange-side BUY and a staged SELL
	deals := f.store.GetDealsByStatus(core.DealOpen)
	require.NotEmpty(t, deals)
	for _, dl := range deals {
		buy, ok := f.store.GetOrder(dl.BuyOrderID)
		require.True(t, ok)
		assert.Equal(t, core.SideBuy, buy.Side)
		assert.NotEmpty(t, buy.ExchangeID)

		sell, ok := f.store.GetOrder(dl.SellOrderID)
		require.True(t, ok)
		assert.Equal(t, core.SideSell, sell.Side)
	}
}

func TestLoopOrderBookVeto(t *testing.T) {
	f := newLoopFixture(t, testPair())
	ctx := context.Background()

	// Signals fire but the shallow book rejects every entry
	f.exchange.SetOrderBook(thinBook(2500))
	f.rally(ctx, 2500, 100, 50)

	stats := f.loop.Stats()
	assert.Greater(t, stats.SignalsGenerated, int64(0))
	assert.Equal(t, stats.SignalsGenerated, stats.OrderbookRejected)
	assert.Equal(t, int64(0), stats.DealsStarted)
	assert.Equal(t, 0, f.store.OpenDealCount("ETH/USDT"))
}

func TestLoopCooldownSuppression(t *testing.T) {
	pair := testPair()
	pair.DealCount = 1
	f := newLoopFixture(t, pair)
	ctx := context.Background()

	f.rally(ctx, 2500, 100, 100)

	stats := f.loop.Stats()
	assert.Equal(t, int64(1), stats.DealsStarted, "one deal allowed")
	assert.Greater(t, stats.CooldownSuppressed, int64(0), "further signals suppressed at the quota")
	assert.Equal(t, 1, f.store.OpenDealCount("ETH/USDT"))
}

func TestLoopBalanceSuppression(t *testing.T) {
	f := newLoopFixture(t, testPair())
	f.exchange.SetBalance("USDT", d("50"))
	ctx := context.Background()

	f.rally(ctx, 2500, 100, 50)

	stats := f.loop.Stats()
	assert.Equal(t, int64(0), stats.DealsStarted)
	assert.Greater(t, stats.BalanceSuppressed, int64(0))
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	f := newLoopFixture(t, testPair())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.loop.Run(ctx)
	}()

	for i := 0; i < 10; i++ {
		f.exchange.PushTicker(&core.Ticker{Symbol: "ETH/USDT", Last: d("2500.00"), Timestamp: time.Now()})
	}
	cancel()

	select {
	case err := <-done:
		// Either the context cancellation or the stream close ends the loop
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancellation")
	}
}
