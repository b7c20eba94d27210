package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds the engine's metric instruments
type EngineMetrics struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	OrdersFailedTotal   metric.Int64Counter
	OrderRetriesTotal   metric.Int64Counter
	DealsOpenedTotal    metric.Int64Counter
	DealsClosedTotal    metric.Int64Counter
	PnLRealizedTotal    metric.Float64Counter
	SignalsTotal        metric.Int64Counter
	BookRejectionsTotal metric.Int64Counter
	StopLossTotal       metric.Int64Counter
	VolumeTotal         metric.Float64Counter
}

var (
	engineMetrics *EngineMetrics
	initOnce      sync.Once
)

// GetEngineMetrics returns the process-wide metrics holder. Before Setup
// runs the instruments come from the global no-op provider; Setup rebinds
// them to the Prometheus-backed meter.
func GetEngineMetrics() *EngineMetrics {
	initOnce.Do(func() {
		engineMetrics = &EngineMetrics{}
		_ = engineMetrics.init(otel.GetMeterProvider().Meter("trade_engine"))
	})
	return engineMetrics
}

func (m *EngineMetrics) init(meter metric.Meter) error {
	var err error

	if m.OrdersPlacedTotal, err = meter.Int64Counter("trade_engine_orders_placed_total",
		metric.WithDescription("Orders submitted to the exchange")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter("trade_engine_orders_filled_total",
		metric.WithDescription("Orders observed fully filled")); err != nil {
		return err
	}
	if m.OrdersFailedTotal, err = meter.Int64Counter("trade_engine_orders_failed_total",
		metric.WithDescription("Orders that ended in FAILED state")); err != nil {
		return err
	}
	if m.OrderRetriesTotal, err = meter.Int64Counter("trade_engine_order_retries_total",
		metric.WithDescription("Placement retries issued")); err != nil {
		return err
	}
	if m.DealsOpenedTotal, err = meter.Int64Counter("trade_engine_deals_opened_total",
		metric.WithDescription("Deals created")); err != nil {
		return err
	}
	if m.DealsClosedTotal, err = meter.Int64Counter("trade_engine_deals_closed_total",
		metric.WithDescription("Deals closed")); err != nil {
		return err
	}
	if m.PnLRealizedTotal, err = meter.Float64Counter("trade_engine_pnl_realized_total",
		metric.WithDescription("Realized profit in quote currency")); err != nil {
		return err
	}
	if m.SignalsTotal, err = meter.Int64Counter("trade_engine_signals_total",
		metric.WithDescription("BUY signals emitted by the signal generator")); err != nil {
		return err
	}
	if m.BookRejectionsTotal, err = meter.Int64Counter("trade_engine_orderbook_rejections_total",
		metric.WithDescription("BUY signals vetoed by the order-book analyzer")); err != nil {
		return err
	}
	if m.StopLossTotal, err = meter.Int64Counter("trade_engine_stoploss_triggers_total",
		metric.WithDescription("Stop-loss tier activations")); err != nil {
		return err
	}
	if m.VolumeTotal, err = meter.Float64Counter("trade_engine_volume_total",
		metric.WithDescription("Executed volume in quote currency")); err != nil {
		return err
	}

	return nil
}
