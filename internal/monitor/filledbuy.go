package monitor

import (
	"context"
	"sync"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/order"
)

// processedTTL is the minimum time a handled buy id is remembered, counted
// from when it was handled; after that it is dropped once its deal is no
// longer OPEN.
const processedTTL = time.Hour

// FilledBuy watches for BUY orders that reached FILLED while their paired
// SELL is still staged, and places the SELL on the exchange.
type FilledBuy struct {
	orderSvc *order.Service
	orders   core.OrderRepository
	deals    core.DealRepository
	locks    DealLocker
	logger   core.Logger

	mu        sync.Mutex
	processed map[int64]time.Time
	placed    int64
	failures  int64
}

// NewFilledBuy creates the handler
func NewFilledBuy(orderSvc *order.Service, orders core.OrderRepository, deals core.DealRepository, locks DealLocker, logger core.Logger) *FilledBuy {
	return &FilledBuy{
		orderSvc:  orderSvc,
		orders:    orders,
		deals:     deals,
		locks:     locks,
		logger:    logger.WithField("component", "filled_buy_handler"),
		processed: make(map[int64]time.Time),
	}
}

// Stats returns how many sells were placed and how many attempts failed
func (h *FilledBuy) Stats() (placed, failures int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.placed, h.failures
}

// CheckOnce runs one pass: every freshly filled BUY gets its staged SELL
// submitted.
func (h *FilledBuy) CheckOnce(ctx context.Context) {
	h.expireProcessed()

	for _, buy := range h.orders.GetOrdersByStatus(core.StatusFilled) {
		if buy.Side != core.SideBuy || buy.DealID == 0 {
			continue
		}
		if h.alreadyProcessed(buy.ID) {
			continue
		}

		d, ok := h.deals.GetDeal(buy.DealID)
		if !ok || d.Status != core.DealOpen || d.BuyOrderID != buy.ID || d.SellOrderID == 0 {
			continue
		}

		sell, ok := h.orders.GetOrder(d.SellOrderID)
		if !ok || sell.Status != core.StatusPending {
			continue
		}

		if !h.locks.TryLockDeal(d.ID) {
			continue
		}
		h.placeSell(ctx, buy, sell)
		h.locks.UnlockDeal(d.ID)
	}
}

func (h *FilledBuy) placeSell(ctx context.Context, buy, sell *core.Order) {
	placed, err := h.orderSvc.PlaceExisting(ctx, sell)
	if err != nil {
		h.mu.Lock()
		h.failures++
		h.mu.Unlock()
		h.logger.Error("Staged sell placement failed",
			"deal_id", buy.DealID,
			"sell_order", sell.ID,
			"error", err.Error())
		return
	}

	h.mu.Lock()
	h.processed[buy.ID] = time.Now()
	h.placed++
	h.mu.Unlock()

	h.logger.Info("Staged sell placed after buy fill",
		"deal_id", buy.DealID,
		"buy_order", buy.ID,
		"sell_order", placed.ID,
		"exchange_id", placed.ExchangeID)
}

func (h *FilledBuy) alreadyProcessed(buyID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.processed[buyID]
	return ok
}

// expireProcessed drops entries older than processedTTL whose buy or deal
// is gone or whose deal is no longer open
func (h *FilledBuy) expireProcessed() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for buyID, at := range h.processed {
		if time.Since(at) < processedTTL {
			continue
		}
		buy, ok := h.orders.GetOrder(buyID)
		if !ok {
			delete(h.processed, buyID)
			continue
		}
		if d, ok := h.deals.GetDeal(buy.DealID); !ok || d.Status != core.DealOpen {
			delete(h.processed, buyID)
		}
	}
}
