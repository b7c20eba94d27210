// Command trader runs the spot trading engine against a single currency
// pair.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	stdsignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"trade_engine/internal/config"
	"trade_engine/internal/core"
	"trade_engine/internal/deal"
	"trade_engine/internal/engine"
	"trade_engine/internal/exchange/binance"
	"trade_engine/internal/execution"
	"trade_engine/internal/mock"
	"trade_engine/internal/monitor"
	"trade_engine/internal/order"
	"trade_engine/internal/orderbook"
	"trade_engine/internal/risk"
	"trade_engine/internal/signal"
	"trade_engine/internal/store"
	"trade_engine/internal/strategy"
	"trade_engine/pkg/concurrency"
	"trade_engine/pkg/logging"
	"trade_engine/pkg/telemetry"
)

const storeCapacity = 10000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trader: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Credentials usually live in .env during development
	_ = godotenv.Load()

	tel, err := telemetry.Setup("trade_engine")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.App.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	exchange, err := buildExchange(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := stdsignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Precision fields come from the venue before anything trades
	pair := cfg.Pair()
	infoCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	info, err := exchange.GetSymbolInfo(infoCtx, pair.Symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("symbol info for %s: %w", pair.Symbol, err)
	}
	pair.ApplySymbolInfo(info)
	logger.Info("Symbol info loaded",
		"symbol", pair.Symbol,
		"price_tick", pair.PriceTick.String(),
		"amount_step", pair.AmountStep.String(),
		"min_notional", pair.MinNotional.String())

	st := store.NewMemoryStore(storeCapacity)
	factory := order.NewFactory(pair, st)
	orderSvc := order.NewService(exchange, st, factory, logger, order.DefaultServiceConfig())
	dealSvc := deal.NewService(st, st, orderSvc, exchange, pair, logger)

	analyzer := orderbook.NewAnalyzer(cfg.AnalyzerConfig(), logger)
	calculator := strategy.NewCalculator(pair)
	coordinator := execution.NewCoordinator(orderSvc, dealSvc, st, exchange, pair, cfg.CoordinatorConfig(), logger)

	stalePool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "stale_buy_checks",
		MaxWorkers:  4,
		MaxCapacity: 64,
		NonBlocking: true,
	}, logger)

	staleBuy := monitor.NewStaleBuy(exchange, orderSvc, st, st, st, pair, cfg.StaleBuyConfig(), logger, stalePool)
	filledBuy := monitor.NewFilledBuy(orderSvc, st, st, st, logger)
	completion := monitor.NewCompletion(dealSvc, st, st, 30*time.Second, logger)
	stopLoss := risk.NewStopLoss(exchange, orderSvc, dealSvc, st, st, st, analyzer, pair, cfg.StopLossConfig(), logger)

	generator := signal.NewGenerator(signal.DefaultWindowCapacity, logger)
	loop := engine.NewLoop(exchange, generator, analyzer, calculator, coordinator,
		orderSvc, dealSvc, filledBuy, completion, staleBuy, stopLoss, st, pair, engine.DefaultConfig(), logger)

	if err := staleBuy.Start(ctx); err != nil {
		return err
	}
	if err := completion.Start(ctx); err != nil {
		return err
	}
	if err := stopLoss.Start(ctx); err != nil {
		return err
	}

	var metricsServer *telemetry.MetricsServer
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Telemetry.EnableMetrics {
		metricsServer = telemetry.NewMetricsServer(cfg.Telemetry.MetricsPort)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("Metrics server failed", "error", err.Error())
			}
		}()
		logger.Info("Metrics endpoint up", "port", cfg.Telemetry.MetricsPort)
	}

	g.Go(func() error {
		// The loop performs the emergency cancel itself before returning
		err := loop.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	<-gctx.Done()
	logger.Info("Shutdown signal received")

	// Loop first (emergency cancel inside), then the supervisors
	runErr := g.Wait()

	_ = staleBuy.Stop()
	_ = completion.Stop()
	_ = stopLoss.Stop()
	stalePool.StopAndWait()

	if metricsServer != nil {
		_ = metricsServer.Stop(context.Background())
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown incomplete", "error", err.Error())
	}

	logger.Info("Trader stopped")
	return runErr
}

func buildExchange(cfg *config.Config, logger core.Logger) (core.Exchange, error) {
	switch cfg.App.Exchange {
	case "", "binance":
		if cfg.Exchange.APIKey == "" || cfg.Exchange.SecretKey == "" {
			return nil, fmt.Errorf("binance credentials are required")
		}
		return binance.New(cfg.Exchange.APIKey, cfg.Exchange.SecretKey, logger), nil
	case "mock":
		return mock.NewExchange("mock"), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.App.Exchange)
	}
}
