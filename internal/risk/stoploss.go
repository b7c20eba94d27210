// Package risk implements the tiered stop-loss supervisor: warn, reduce at
// support break, force liquidation.
package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trade_engine/internal/core"
	"trade_engine/internal/deal"
	"trade_engine/internal/monitor"
	"trade_engine/internal/order"
	"trade_engine/internal/orderbook"
	"trade_engine/pkg/telemetry"
)

// StopLossConfig tunes the three drawdown tiers
type StopLossConfig struct {
	Enabled          bool
	CheckInterval    time.Duration
	WarningPercent   decimal.Decimal
	CriticalPercent  decimal.Decimal
	EmergencyPercent decimal.Decimal
	// BookTTL bounds how long a cached order-book snapshot serves checks
	BookTTL   time.Duration
	BookDepth int
}

// DefaultStopLossConfig returns the production defaults
func DefaultStopLossConfig() StopLossConfig {
	return StopLossConfig{
		Enabled:          true,
		CheckInterval:    30 * time.Second,
		WarningPercent:   decimal.NewFromInt(5),
		CriticalPercent:  decimal.NewFromInt(10),
		EmergencyPercent: decimal.NewFromInt(15),
		BookTTL:          30 * time.Second,
		BookDepth:        20,
	}
}

// StopLossStats aggregates tier activations
type StopLossStats struct {
	Checks      int64
	Warnings    int64
	Criticals   int64
	Emergencies int64
	SellsFailed int64
}

// StopLoss watches open deals whose BUY is filled and unwinds losing
// positions in tiers.
type StopLoss struct {
	exchange core.Exchange
	orderSvc *order.Service
	dealSvc  *deal.Service
	orders   core.OrderRepository
	deals    core.DealRepository
	locks    monitor.DealLocker
	analyzer *orderbook.Analyzer
	pair     core.CurrencyPair
	cfg      StopLossConfig
	logger   core.Logger
	metrics  *telemetry.EngineMetrics

	mu     sync.Mutex
	stats  StopLossStats
	warned map[int64]struct{}

	book   *core.OrderBookSnapshot
	bookAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStopLoss creates the supervisor
func NewStopLoss(exchange core.Exchange, orderSvc *order.Service, dealSvc *deal.Service, orders core.OrderRepository, deals core.DealRepository, locks monitor.DealLocker, analyzer *orderbook.Analyzer, pair core.CurrencyPair, cfg StopLossConfig, logger core.Logger) *StopLoss {
	ctx, cancel := context.WithCancel(context.Background())
	return &StopLoss{
		exchange: exchange,
		orderSvc: orderSvc,
		dealSvc:  dealSvc,
		orders:   orders,
		deals:    deals,
		locks:    locks,
		analyzer: analyzer,
		pair:     pair,
		cfg:      cfg,
		logger:   logger.WithField("component", "stop_loss"),
		metrics:  telemetry.GetEngineMetrics(),
		warned:   make(map[int64]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the periodic loop; disabled config makes it a no-op
func (s *StopLoss) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("Stop-loss disabled")
		return nil
	}
	s.logger.Info("Starting stop-loss", "interval", s.cfg.CheckInterval)
	s.wg.Add(1)
	go s.runLoop()
	return nil
}

// Stop halts the loop
func (s *StopLoss) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Stats returns a copy of the activation counters
func (s *StopLoss) Stats() StopLossStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *StopLoss) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			if err := s.CheckOnce(ctx); err != nil {
				s.logger.Error("Stop-loss pass failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// CheckOnce runs one pass over all open deals with a filled BUY
func (s *StopLoss) CheckOnce(ctx context.Context) error {
	s.mu.Lock()
	s.stats.Checks++
	s.mu.Unlock()

	ticker, err := s.exchange.FetchTicker(ctx, s.pair.Symbol)
	if err != nil {
		return err
	}
	current := ticker.Last

	for _, d := range s.deals.GetDealsByStatus(core.DealOpen) {
		if d.Symbol != s.pair.Symbol || d.BuyOrderID == 0 {
			continue
		}
		buy, ok := s.orders.GetOrder(d.BuyOrderID)
		if !ok || !buy.IsFilled() {
			continue
		}

		entry := buy.AveragePrice
		if entry.IsZero() {
			entry = buy.Price
		}
		if entry.Sign() <= 0 {
			continue
		}

		drawdown := entry.Sub(current).Div(entry).Mul(decimal.NewFromInt(100))
		if drawdown.LessThan(s.cfg.WarningPercent) {
			continue
		}

		if !s.locks.TryLockDeal(d.ID) {
			continue
		}
		s.handleDrawdown(ctx, d, buy, current, drawdown)
		s.locks.UnlockDeal(d.ID)
	}
	return nil
}

func (s *StopLoss) handleDrawdown(ctx context.Context, d *core.Deal, buy *core.Order, current, drawdown decimal.Decimal) {
	switch {
	case drawdown.GreaterThanOrEqual(s.cfg.EmergencyPercent):
		s.recordTier(ctx, "emergency")
		s.logger.Error("Emergency stop-loss",
			"deal_id", d.ID,
			"drawdown_pct", drawdown.Round(2).String(),
			"entry", buy.AveragePrice.String(),
			"current", current.String())
		s.liquidate(ctx, d, buy)

	case drawdown.GreaterThanOrEqual(s.cfg.CriticalPercent):
		analysis := s.bookAnalysis(ctx)
		if analysis == nil {
			return
		}
		if reason := s.criticalTrigger(analysis, current); reason != "" {
			s.recordTier(ctx, "critical")
			s.logger.Warn("Critical stop-loss",
				"deal_id", d.ID,
				"drawdown_pct", drawdown.Round(2).String(),
				"trigger", reason)
			s.liquidate(ctx, d, buy)
		}

	default:
		s.warnOnce(ctx, d, drawdown)
	}
}

// criticalTrigger decides whether the critical tier fires: support breach,
// heavy ask-side imbalance, a strong-sell book, or untenable exit slippage.
func (s *StopLoss) criticalTrigger(a *orderbook.Analysis, current decimal.Decimal) string {
	if a.Metrics.HasSupport && current.LessThan(a.Metrics.SupportLevel) {
		return "support breached"
	}
	if a.Metrics.VolumeImbalance.LessThan(decimal.NewFromInt(-20)) {
		return "ask-side imbalance"
	}
	if a.Signal == orderbook.SignalStrongSell {
		return "strong sell signal"
	}
	if a.Metrics.SlippageSell.GreaterThan(decimal.NewFromInt(2)) {
		return "exit slippage"
	}
	return ""
}

// liquidate cancels the paired SELL when it has not filled, issues a MARKET
// SELL for the bought amount, and closes the deal even when the market sell
// fails; the next sync reconciles the position.
func (s *StopLoss) liquidate(ctx context.Context, d *core.Deal, buy *core.Order) {
	if d.SellOrderID != 0 {
		if sell, ok := s.orders.GetOrder(d.SellOrderID); ok && !sell.IsFilled() && sell.Status != core.StatusPending && !sell.Status.IsTerminal() {
			if _, err := s.orderSvc.Cancel(ctx, sell); err != nil {
				s.logger.Error("Paired sell cancel failed", "deal_id", d.ID, "sell_order", sell.ID, "error", err.Error())
			}
		}
	}

	amount := buy.FilledAmount
	if amount.IsZero() {
		amount = buy.Amount
	}

	if _, err := s.orderSvc.PlaceMarketSell(ctx, amount, d.ID); err != nil {
		s.mu.Lock()
		s.stats.SellsFailed++
		s.mu.Unlock()
		s.logger.Error("Market sell failed, closing deal anyway", "deal_id", d.ID, "error", err.Error())
	}

	if err := s.dealSvc.CloseDeal(d.ID); err != nil {
		s.logger.Error("Deal close failed after liquidation", "deal_id", d.ID, "error", err.Error())
	}
}

func (s *StopLoss) warnOnce(ctx context.Context, d *core.Deal, drawdown decimal.Decimal) {
	s.mu.Lock()
	if _, seen := s.warned[d.ID]; seen {
		s.mu.Unlock()
		return
	}
	s.warned[d.ID] = struct{}{}
	s.stats.Warnings++
	s.mu.Unlock()

	s.metrics.StopLossTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", "warning")))

	support := "none"
	imbalance := "n/a"
	if a := s.bookAnalysis(ctx); a != nil {
		if a.Metrics.HasSupport {
			support = a.Metrics.SupportLevel.String()
		}
		imbalance = a.Metrics.VolumeImbalance.Round(1).String()
	}
	s.logger.Warn("Drawdown warning",
		"deal_id", d.ID,
		"drawdown_pct", drawdown.Round(2).String(),
		"support", support,
		"volume_imbalance", imbalance)
}

func (s *StopLoss) recordTier(ctx context.Context, tier string) {
	s.mu.Lock()
	switch tier {
	case "critical":
		s.stats.Criticals++
	case "emergency":
		s.stats.Emergencies++
	}
	s.mu.Unlock()
	s.metrics.StopLossTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// SetBook feeds an externally refreshed snapshot into the cache; the
// trading loop shares its periodic book fetches this way.
func (s *StopLoss) SetBook(ob *core.OrderBookSnapshot) {
	if ob == nil {
		return
	}
	s.mu.Lock()
	s.book = ob
	s.bookAt = time.Now()
	s.mu.Unlock()
}

// bookAnalysis returns an analysis of a snapshot no older than the TTL
func (s *StopLoss) bookAnalysis(ctx context.Context) *orderbook.Analysis {
	s.mu.Lock()
	cached := s.book
	age := time.Since(s.bookAt)
	s.mu.Unlock()

	if cached == nil || age > s.cfg.BookTTL {
		ob, err := s.exchange.FetchOrderBook(ctx, s.pair.Symbol, s.cfg.BookDepth)
		if err != nil {
			s.logger.Warn("Order book fetch failed", "error", err.Error())
			return nil
		}
		s.mu.Lock()
		s.book = ob
		s.bookAt = time.Now()
		cached = ob
		s.mu.Unlock()
	}

	return s.analyzer.Analyze(cached)
}
