// Package engine runs the trading loop: stream ticks, derive signals, gate
// entries through the order book, and dispatch execution.
package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trade_engine/internal/core"
	"trade_engine/internal/deal"
	"trade_engine/internal/execution"
	"trade_engine/internal/monitor"
	"trade_engine/internal/order"
	"trade_engine/internal/orderbook"
	"trade_engine/internal/risk"
	"trade_engine/internal/signal"
	"trade_engine/internal/strategy"
	"trade_engine/pkg/telemetry"
)

// Config tunes the loop cadences, counted in ticks
type Config struct {
	OrderbookUpdateInterval int
	SupervisorInterval      int
	StatsLogInterval        int
	BookDepth               int
	// ErrorSleep is the pause after an exchange error inside the loop
	ErrorSleep time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		OrderbookUpdateInterval: 10,
		SupervisorInterval:      50,
		StatsLogInterval:        500,
		BookDepth:               20,
		ErrorSleep:              time.Second,
	}
}

// Stats aggregates loop activity
type Stats struct {
	Ticks              int64
	SignalsGenerated   int64
	OrderbookRejected  int64
	CooldownSuppressed int64
	BalanceSuppressed  int64
	DealsStarted       int64
	Errors             int64
}

// Loop is the single-goroutine outer coordinator
type Loop struct {
	exchange    core.Exchange
	generator   *signal.Generator
	analyzer    *orderbook.Analyzer
	calculator  *strategy.Calculator
	coordinator *execution.Coordinator
	orderSvc    *order.Service
	dealSvc     *deal.Service
	filledBuy   *monitor.FilledBuy
	completion  *monitor.Completion
	staleBuy    *monitor.StaleBuy
	stopLoss    *risk.StopLoss
	deals       core.DealRepository
	pair        core.CurrencyPair
	cfg         Config
	logger      core.Logger
	metrics     *telemetry.EngineMetrics

	mu    sync.Mutex
	stats Stats
}

// NewLoop wires the trading loop. The completion monitor is shared with the
// supervisor task set; the loop never constructs its own.
func NewLoop(
	exchange core.Exchange,
	generator *signal.Generator,
	analyzer *orderbook.Analyzer,
	calculator *strategy.Calculator,
	coordinator *execution.Coordinator,
	orderSvc *order.Service,
	dealSvc *deal.Service,
	filledBuy *monitor.FilledBuy,
	completion *monitor.Completion,
	staleBuy *monitor.StaleBuy,
	stopLoss *risk.StopLoss,
	deals core.DealRepository,
	pair core.CurrencyPair,
	cfg Config,
	logger core.Logger,
) *Loop {
	return &Loop{
		exchange:    exchange,
		generator:   generator,
		analyzer:    analyzer,
		calculator:  calculator,
		coordinator: coordinator,
		orderSvc:    orderSvc,
		dealSvc:     dealSvc,
		filledBuy:   filledBuy,
		completion:  completion,
		staleBuy:    staleBuy,
		stopLoss:    stopLoss,
		deals:       deals,
		pair:        pair,
		cfg:         cfg,
		logger:      logger.WithField("component", "trading_loop"),
		metrics:     telemetry.GetEngineMetrics(),
	}
}

// Stats returns a copy of the loop statistics
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Run consumes the ticker stream until ctx is cancelled, then issues the
// emergency cancel before returning.
func (l *Loop) Run(ctx context.Context) error {
	ticks, err := l.exchange.WatchTicker(ctx, l.pair.Symbol)
	if err != nil {
		return err
	}
	l.logger.Info("Trading loop started", "symbol", l.pair.Symbol)

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				l.shutdown()
				return nil
			}
			l.HandleTick(ctx, *t)
		}
	}
}

// shutdown cancels all open orders; supervisors are stopped by the process
// lifecycle after this completes.
func (l *Loop) shutdown() {
	l.logger.Info("Trading loop stopping, canceling open orders")
	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	l.orderSvc.EmergencyCancelAll(cancelCtx, l.pair.Symbol)
}

// HandleTick processes one ticker: signal, gate, execute, supervise
func (l *Loop) HandleTick(ctx context.Context, t core.Ticker) {
	l.mu.Lock()
	l.stats.Ticks++
	tickNo := l.stats.Ticks
	l.mu.Unlock()

	advice := l.generator.OnTick(t)

	if tickNo%int64(l.cfg.OrderbookUpdateInterval) == 0 {
		l.refreshBook(ctx)
	}

	if advice == signal.AdviceBuy {
		l.onBuySignal(ctx, t)
	}

	if tickNo%int64(l.cfg.SupervisorInterval) == 0 {
		l.filledBuy.CheckOnce(ctx)
		l.completion.CheckOnce(ctx)
		if err := l.stopLoss.CheckOnce(ctx); err != nil {
			l.recordError(err)
		}
	}

	if tickNo%int64(l.cfg.StatsLogInterval) == 0 {
		l.logStats()
	}
}

func (l *Loop) onBuySignal(ctx context.Context, t core.Ticker) {
	l.mu.Lock()
	l.stats.SignalsGenerated++
	l.mu.Unlock()
	l.metrics.SignalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", l.pair.Symbol)))

	// Fresh book for the gate; the cached one may be up to N ticks old
	ob, err := l.exchange.FetchOrderBook(ctx, l.pair.Symbol, l.cfg.BookDepth)
	if err != nil {
		l.recordError(err)
		l.pause(ctx)
		return
	}

	analysis := l.analyzer.Analyze(ob)
	if analysis.Signal.IsSellish() {
		l.mu.Lock()
		l.stats.OrderbookRejected++
		l.mu.Unlock()
		l.metrics.BookRejectionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", string(analysis.Signal))))
		l.logger.Info("Buy signal vetoed by order book",
			"signal", string(analysis.Signal),
			"reason", analysis.Reason,
			"spread_pct", analysis.Metrics.SpreadPercent.Round(3).String())
		return
	}

	if _, err := l.orderSvc.SyncOpenOrders(ctx, l.pair.Symbol); err != nil {
		l.recordError(err)
	}

	if open := l.deals.OpenDealCount(l.pair.Symbol); open >= l.pair.DealCount {
		l.mu.Lock()
		l.stats.CooldownSuppressed++
		l.mu.Unlock()
		l.logger.Debug("Deal quota reached", "open_deals", open, "max", l.pair.DealCount)
		return
	}

	if ok, free, msg := l.dealSvc.CheckBalance(ctx, l.pair.Quote, l.pair.DealQuota); !ok {
		l.mu.Lock()
		l.stats.BalanceSuppressed++
		l.mu.Unlock()
		l.logger.Warn("Buy suppressed by balance", "free", free.String(), "detail", msg)
		return
	}

	plan, err := l.calculator.Calculate(t.Last, l.pair.DealQuota)
	if err != nil {
		l.logger.Warn("Strategy calculation rejected", "error", err.Error())
		return
	}

	res := l.coordinator.ExecuteStrategy(ctx, plan)
	if !res.Success {
		l.recordError(res.Err)
		return
	}

	l.mu.Lock()
	l.stats.DealsStarted++
	l.mu.Unlock()
	l.logger.Info("Deal started",
		"deal_id", res.Deal.ID,
		"buy_price", plan.BuyPrice.String(),
		"sell_price", plan.SellPrice.String())
}

func (l *Loop) refreshBook(ctx context.Context) {
	ob, err := l.exchange.FetchOrderBook(ctx, l.pair.Symbol, l.cfg.BookDepth)
	if err != nil {
		l.recordError(err)
		return
	}
	// The stop-loss works off this cache instead of refetching per deal
	l.stopLoss.SetBook(ob)
}

func (l *Loop) recordError(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.stats.Errors++
	l.mu.Unlock()
	l.logger.Error("Trading loop error", "error", err.Error())
}

// pause sleeps briefly after an exchange error so a failing venue is not
// hammered.
func (l *Loop) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(l.cfg.ErrorSleep):
	}
}

func (l *Loop) logStats() {
	stats := l.Stats()
	execStats := l.coordinator.Stats()
	staleStats := l.staleBuy.Stats()
	slStats := l.stopLoss.Stats()

	l.logger.Info("Engine statistics",
		"ticks", stats.Ticks,
		"signals", stats.SignalsGenerated,
		"orderbook_rejected", stats.OrderbookRejected,
		"deals_started", stats.DealsStarted,
		"executions_total", execStats.TotalExecutions,
		"executions_ok", execStats.SuccessfulExecutions,
		"volume", execStats.TotalVolume.String(),
		"stale_recreations", staleStats.Recreations,
		"stoploss_warnings", slStats.Warnings,
		"stoploss_liquidations", slStats.Criticals+slStats.Emergencies)
}
