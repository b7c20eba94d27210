// Package monitor holds the supervisor loops that watch the deal store:
// stale-buy detection, filled-buy handling, and deal completion.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	"trade_engine/internal/order"
	"trade_engine/pkg/concurrency"
	"trade_engine/pkg/precision"
)

// DealLocker is the best-effort per-deal transition lock. A failed TryLock
// means another supervisor owns the deal this iteration.
type DealLocker interface {
	TryLockDeal(dealID int64) bool
	UnlockDeal(dealID int64)
}

// StaleBuyConfig tunes the stale-buy monitor
type StaleBuyConfig struct {
	MaxAge                    time.Duration
	MaxPriceDeviationPercent  decimal.Decimal
	CheckInterval             time.Duration
	MaxRecreationsPerDeal     int
	MinTimeBetweenRecreations time.Duration
}

// DefaultStaleBuyConfig returns the production defaults
func DefaultStaleBuyConfig() StaleBuyConfig {
	return StaleBuyConfig{
		MaxAge:                    15 * time.Minute,
		MaxPriceDeviationPercent:  decimal.NewFromInt(3),
		CheckInterval:             60 * time.Second,
		MaxRecreationsPerDeal:     3,
		MinTimeBetweenRecreations: 2 * time.Minute,
	}
}

// StaleBuyStats aggregates monitor activity
type StaleBuyStats struct {
	ChecksPerformed    int64
	StaleByAge         int64
	StaleByDrift       int64
	Cancellations      int64
	Recreations        int64
	RecreationFailures int64
}

// recreationState tracks per-deal recreation limits
type recreationState struct {
	count int
	last  time.Time
}

// StaleBuy cancels aged BUY orders and replaces drifted ones, rewriting the
// paired PENDING SELL to match the new entry price.
type StaleBuy struct {
	exchange core.Exchange
	orderSvc *order.Service
	orders   core.OrderRepository
	deals    core.DealRepository
	locks    DealLocker
	pair     core.CurrencyPair
	cfg      StaleBuyConfig
	logger   core.Logger
	pool     *concurrency.WorkerPool

	mu          sync.Mutex
	stats       StaleBuyStats
	recreations map[int64]*recreationState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStaleBuy creates the monitor; pool may be nil to run checks inline
func NewStaleBuy(exchange core.Exchange, orderSvc *order.Service, orders core.OrderRepository, deals core.DealRepository, locks DealLocker, pair core.CurrencyPair, cfg StaleBuyConfig, logger core.Logger, pool *concurrency.WorkerPool) *StaleBuy {
	ctx, cancel := context.WithCancel(context.Background())
	return &StaleBuy{
		exchange:    exchange,
		orderSvc:    orderSvc,
		orders:      orders,
		deals:       deals,
		locks:       locks,
		pair:        pair,
		cfg:         cfg,
		logger:      logger.WithField("component", "stale_buy_monitor"),
		pool:        pool,
		recreations: make(map[int64]*recreationState),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start begins the periodic check loop
func (m *StaleBuy) Start(ctx context.Context) error {
	m.logger.Info("Starting stale-buy monitor", "interval", m.cfg.CheckInterval)
	m.wg.Add(1)
	go m.runLoop()
	return nil
}

// Stop halts the loop and waits for it to exit
func (m *StaleBuy) Stop() error {
	m.logger.Info("Stopping stale-buy monitor")
	m.cancel()
	m.wg.Wait()
	return nil
}

// Stats returns a copy of the monitor statistics
func (m *StaleBuy) Stats() StaleBuyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *StaleBuy) runLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
			if err := m.CheckOnce(ctx); err != nil {
				m.logger.Error("Stale-buy check failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// CheckOnce runs one pass over all live BUY orders
func (m *StaleBuy) CheckOnce(ctx context.Context) error {
	m.mu.Lock()
	m.stats.ChecksPerformed++
	m.mu.Unlock()

	ticker, err := m.exchange.FetchTicker(ctx, m.pair.Symbol)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, o := range m.orders.GetOpenOrders() {
		if o.Side != core.SideBuy || o.Symbol != m.pair.Symbol {
			continue
		}
		buy := o
		check := func() {
			defer wg.Done()
			m.checkOrder(ctx, buy, ticker.Last)
		}

		wg.Add(1)
		if m.pool != nil {
			if err := m.pool.Submit(check); err != nil {
				wg.Done()
				m.logger.Warn("Stale check skipped, pool full", "order_id", buy.ID)
			}
			continue
		}
		check()
	}
	wg.Wait()
	return nil
}

func (m *StaleBuy) checkOrder(ctx context.Context, buy *core.Order, market decimal.Decimal) {
	age := time.Since(buy.CreatedAt)
	staleByAge := age > m.cfg.MaxAge

	drift := decimal.Zero
	if buy.Price.Sign() > 0 {
		drift = market.Sub(buy.Price).Div(buy.Price).Mul(decimal.NewFromInt(100))
	}
	staleByDrift := drift.GreaterThan(m.cfg.MaxPriceDeviationPercent)

	if !staleByAge && !staleByDrift {
		return
	}

	if !m.locks.TryLockDeal(buy.DealID) {
		return
	}
	defer m.locks.UnlockDeal(buy.DealID)

	m.mu.Lock()
	if staleByAge {
		m.stats.StaleByAge++
	}
	if staleByDrift {
		m.stats.StaleByDrift++
	}
	m.mu.Unlock()

	if staleByDrift {
		// Drift means the market ran away from the entry; replace the order
		// at the current price.
		m.recreate(ctx, buy)
		return
	}

	// Age alone: the underlying deal may itself be stale, so cancel without
	// recreation.
	m.logger.Info("Canceling aged buy order", "order_id", buy.ID, "deal_id", buy.DealID, "age", age.String())
	if _, err := m.orderSvc.Cancel(ctx, buy); err != nil {
		m.logger.Error("Aged-buy cancel failed", "order_id", buy.ID, "error", err.Error())
		return
	}
	m.mu.Lock()
	m.stats.Cancellations++
	m.mu.Unlock()
}

func (m *StaleBuy) recreate(ctx context.Context, buy *core.Order) {
	if !m.mayRecreate(buy.DealID) {
		m.logger.Debug("Recreation limits reached", "deal_id", buy.DealID)
		return
	}

	// A NOT_FOUND answer still means the order is gone; proceed either way.
	if _, err := m.orderSvc.Cancel(ctx, buy); err != nil {
		m.logger.Error("Stale-buy cancel failed", "order_id", buy.ID, "error", err.Error())
		m.recordRecreationFailure()
		return
	}
	m.mu.Lock()
	m.stats.Cancellations++
	m.mu.Unlock()

	ticker, err := m.exchange.FetchTicker(ctx, m.pair.Symbol)
	if err != nil {
		m.logger.Error("Ticker fetch failed during recreation", "deal_id", buy.DealID, "error", err.Error())
		m.recordRecreationFailure()
		return
	}

	rawPrice := ticker.Last.Mul(decimal.NewFromFloat(0.999))
	newPrice, err := precision.Quantize(rawPrice, m.pair.PriceTick, precision.Floor)
	if err != nil {
		m.recordRecreationFailure()
		return
	}

	newBuy, err := m.orderSvc.PlaceBuy(ctx, buy.Amount, newPrice, buy.DealID, core.KindLimit)
	if err != nil {
		m.logger.Error("Replacement buy failed", "deal_id", buy.DealID, "error", err.Error())
		m.recordRecreationFailure()
		return
	}

	d, ok := m.deals.GetDeal(buy.DealID)
	if ok {
		d.BuyOrderID = newBuy.ID
		if err := m.deals.SaveDeal(d); err != nil {
			m.logger.Error("Deal update failed after recreation", "deal_id", d.ID, "error", err.Error())
		}
		m.rewritePairedSell(d, newBuy)
	}

	m.mu.Lock()
	m.stats.Recreations++
	state, exists := m.recreations[buy.DealID]
	if !exists {
		state = &recreationState{}
		m.recreations[buy.DealID] = state
	}
	state.count++
	state.last = time.Now()
	m.mu.Unlock()

	m.logger.Info("Stale buy recreated",
		"deal_id", buy.DealID,
		"old_order", buy.ID,
		"new_order", newBuy.ID,
		"old_price", buy.Price.String(),
		"new_price", newBuy.Price.String())
}

// rewritePairedSell recomputes the staged SELL's price and amount from the
// replacement BUY.
func (m *StaleBuy) rewritePairedSell(d *core.Deal, newBuy *core.Order) {
	if d.SellOrderID == 0 {
		return
	}
	sell, ok := m.orders.GetOrder(d.SellOrderID)
	if !ok || sell.Status != core.StatusPending {
		return
	}

	one := decimal.NewFromInt(1)
	rawPrice := newBuy.Price.Mul(one.Add(m.pair.ProfitMarkup))
	newPrice, err := precision.Quantize(rawPrice, m.pair.PriceTick, precision.Ceil)
	if err != nil {
		return
	}

	rawAmount := newBuy.Amount.Mul(one.Sub(m.pair.TakerFee))
	newAmount, err := precision.Quantize(rawAmount, m.pair.AmountStep, precision.Floor)
	if err != nil {
		return
	}

	if _, err := m.orderSvc.UpdatePending(sell, newAmount, newPrice); err != nil {
		m.logger.Error("Paired sell rewrite failed", "deal_id", d.ID, "sell_order", sell.ID, "error", err.Error())
		return
	}
	m.logger.Info("Paired sell rewritten", "deal_id", d.ID, "sell_order", sell.ID, "price", newPrice.String(), "amount", newAmount.String())
}

func (m *StaleBuy) mayRecreate(dealID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.recreations[dealID]
	if !ok {
		return true
	}
	if state.count >= m.cfg.MaxRecreationsPerDeal {
		return false
	}
	return time.Since(state.last) >= m.cfg.MinTimeBetweenRecreations
}

func (m *StaleBuy) recordRecreationFailure() {
	m.mu.Lock()
	m.stats.RecreationFailures++
	m.mu.Unlock()
}
