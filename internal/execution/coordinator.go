// Package execution implements the top-level strategy execution flow:
// create a deal, place the BUY, stage the local SELL.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"trade_engine/internal/core"
	"trade_engine/internal/deal"
	"trade_engine/internal/order"
	"trade_engine/internal/strategy"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/telemetry"
)

// Config tunes the coordinator's pre-execution checks
type Config struct {
	MaxExecutionTime         time.Duration
	EnableRiskChecks         bool
	EnableBalanceChecks      bool
	EnableSlippageProtection bool
	// SlippageHeadroom widens the balance requirement to absorb fills above
	// the limit price.
	SlippageHeadroom decimal.Decimal
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxExecutionTime:         30 * time.Second,
		EnableRiskChecks:         true,
		EnableBalanceChecks:      true,
		EnableSlippageProtection: true,
		SlippageHeadroom:         decimal.NewFromFloat(0.01),
	}
}

// Stats aggregates execution outcomes
type Stats struct {
	TotalExecutions      int64
	SuccessfulExecutions int64
	FailedExecutions     int64
	TotalVolume          decimal.Decimal
	AvgExecutionTime     time.Duration
}

// Result reports one ExecuteStrategy invocation
type Result struct {
	Success        bool
	Deal           *core.Deal
	BuyOrder       *core.Order
	SellOrder      *core.Order
	Warnings       []string
	ExpectedCost   decimal.Decimal
	ExpectedProfit decimal.Decimal
	Elapsed        time.Duration
	Err            error
}

// Coordinator executes sized plans. A single invocation per pair is
// serialized by the trading loop; different pairs may run concurrently.
type Coordinator struct {
	orderSvc *order.Service
	dealSvc  *deal.Service
	deals    core.DealRepository
	exchange core.Exchange
	pair     core.CurrencyPair
	cfg      Config
	logger   core.Logger
	metrics  *telemetry.EngineMetrics

	mu        sync.Mutex
	stats     Stats
	totalTime time.Duration
}

// NewCoordinator creates the coordinator
func NewCoordinator(orderSvc *order.Service, dealSvc *deal.Service, deals core.DealRepository, exchange core.Exchange, pair core.CurrencyPair, cfg Config, logger core.Logger) *Coordinator {
	return &Coordinator{
		orderSvc: orderSvc,
		dealSvc:  dealSvc,
		deals:    deals,
		exchange: exchange,
		pair:     pair,
		cfg:      cfg,
		logger:   logger.WithField("component", "execution_coordinator"),
		metrics:  telemetry.GetEngineMetrics(),
	}
}

// Stats returns a copy of the execution statistics
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ExecuteStrategy runs the full entry sequence for one plan
func (c *Coordinator) ExecuteStrategy(ctx context.Context, plan *strategy.Plan) *Result {
	start := time.Now()

	if c.cfg.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.MaxExecutionTime)
		defer cancel()
	}

	res := c.execute(ctx, plan)
	res.Elapsed = time.Since(start)
	c.recordResult(ctx, res)
	return res
}

func (c *Coordinator) execute(ctx context.Context, plan *strategy.Plan) *Result {
	res := &Result{}

	if err := validatePlan(plan); err != nil {
		res.Err = err
		return res
	}

	if err := c.preExecutionChecks(ctx, plan, res); err != nil {
		res.Err = err
		return res
	}

	d, err := c.dealSvc.CreateDeal(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	res.Deal = d

	buy, err := c.orderSvc.PlaceBuy(ctx, plan.CoinsToBuy, plan.BuyPrice, d.ID, core.KindLimit)
	if err != nil {
		// The deal exists but has no attachments; nothing to compensate.
		c.logger.Error("Buy placement failed", "deal_id", d.ID, "error", err.Error())
		res.Err = err
		return res
	}
	res.BuyOrder = buy

	sell, err := c.orderSvc.CreateLocalSell(plan.CoinsToSell, plan.SellPrice, d.ID, core.KindLimit)
	if err != nil {
		// Staging the exit failed: the naked BUY must not stay live.
		c.logger.Error("Sell staging failed, canceling buy", "deal_id", d.ID, "buy_order", buy.ID, "error", err.Error())
		if _, cerr := c.orderSvc.Cancel(ctx, buy); cerr != nil {
			c.logger.Error("Compensating buy cancel failed", "buy_order", buy.ID, "error", cerr.Error())
		}
		res.Err = err
		return res
	}
	res.SellOrder = sell

	d.BuyOrderID = buy.ID
	d.SellOrderID = sell.ID
	if err := c.deals.SaveDeal(d); err != nil {
		res.Err = err
		return res
	}

	res.ExpectedCost = plan.CoinsToBuy.Mul(plan.BuyPrice)
	res.ExpectedProfit = plan.CoinsToSell.Mul(plan.SellPrice).Sub(res.ExpectedCost)
	res.Success = true

	c.logger.Info("Strategy executed",
		"deal_id", d.ID,
		"buy_order", buy.ID,
		"sell_order", sell.ID,
		"expected_cost", res.ExpectedCost.String(),
		"expected_profit", res.ExpectedProfit.String())
	return res
}

func validatePlan(plan *strategy.Plan) error {
	if plan == nil {
		return apperrors.Wrap(apperrors.ErrValidation, "plan is nil")
	}
	if plan.BuyPrice.Sign() <= 0 || plan.SellPrice.Sign() <= 0 {
		return apperrors.Wrap(apperrors.ErrValidation, "plan prices must be positive")
	}
	if plan.CoinsToBuy.Sign() <= 0 || plan.CoinsToSell.Sign() <= 0 {
		return apperrors.Wrap(apperrors.ErrValidation, "plan amounts must be positive")
	}
	return nil
}

// preExecutionChecks verifies balance (hard) and price sanity and limits
// (warnings only).
func (c *Coordinator) preExecutionChecks(ctx context.Context, plan *strategy.Plan, res *Result) error {
	if c.cfg.EnableBalanceChecks {
		required := plan.CoinsToBuy.Mul(plan.BuyPrice)
		if c.cfg.EnableSlippageProtection {
			required = required.Mul(decimal.NewFromInt(1).Add(c.cfg.SlippageHeadroom))
		}
		ok, free, msg := c.dealSvc.CheckBalance(ctx, c.pair.Quote, required)
		if !ok {
			c.logger.Warn("Balance pre-check failed", "required", required.String(), "free", free.String())
			return apperrors.Wrap(apperrors.ErrInsufficientFunds, "%s", msg)
		}
	}

	if !c.cfg.EnableRiskChecks {
		return nil
	}

	ticker, err := c.exchange.FetchTicker(ctx, c.pair.Symbol)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("market price unavailable: %v", err))
		return nil
	}

	hundred := decimal.NewFromInt(100)
	buyDrift := plan.BuyPrice.Sub(ticker.Last).Abs().Div(ticker.Last).Mul(hundred)
	if buyDrift.GreaterThan(decimal.NewFromInt(5)) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("buy price %s deviates %s%% from market %s", plan.BuyPrice, buyDrift.Round(2), ticker.Last))
	}
	sellDrift := plan.SellPrice.Sub(ticker.Last).Abs().Div(ticker.Last).Mul(hundred)
	if sellDrift.GreaterThan(decimal.NewFromInt(10)) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("sell price %s deviates %s%% from market %s", plan.SellPrice, sellDrift.Round(2), ticker.Last))
	}

	if c.pair.MaxAmount.Sign() > 0 && plan.CoinsToBuy.GreaterThan(c.pair.MaxAmount) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("buy amount %s above exchange maximum %s", plan.CoinsToBuy, c.pair.MaxAmount))
	}

	for _, w := range res.Warnings {
		c.logger.Warn("Pre-execution warning", "warning", w)
	}
	return nil
}

func (c *Coordinator) recordResult(ctx context.Context, res *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.TotalExecutions++
	c.totalTime += res.Elapsed
	c.stats.AvgExecutionTime = c.totalTime / time.Duration(c.stats.TotalExecutions)

	if res.Success {
		c.stats.SuccessfulExecutions++
		c.stats.TotalVolume = c.stats.TotalVolume.Add(res.ExpectedCost)
		vol, _ := res.ExpectedCost.Float64()
		c.metrics.VolumeTotal.Add(ctx, vol, metric.WithAttributes(attribute.String("symbol", c.pair.Symbol)))
	} else {
		c.stats.FailedExecutions++
	}
}
