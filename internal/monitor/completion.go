package monitor

import (
	"context"
	"sync"
	"time"

	"trade_engine/internal/core"
	"trade_engine/internal/deal"
)

// Completion closes deals once both of their orders are filled. Exactly one
// instance exists per engine; the trading loop shares it rather than owning
// its own.
type Completion struct {
	dealSvc *deal.Service
	deals   core.DealRepository
	locks   DealLocker
	logger  core.Logger

	interval time.Duration

	mu     sync.Mutex
	checks int64
	closed int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCompletion creates the monitor
func NewCompletion(dealSvc *deal.Service, deals core.DealRepository, locks DealLocker, interval time.Duration, logger core.Logger) *Completion {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Completion{
		dealSvc:  dealSvc,
		deals:    deals,
		locks:    locks,
		logger:   logger.WithField("component", "completion_monitor"),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the periodic loop
func (m *Completion) Start(ctx context.Context) error {
	m.logger.Info("Starting completion monitor", "interval", m.interval)
	m.wg.Add(1)
	go m.runLoop()
	return nil
}

// Stop halts the loop
func (m *Completion) Stop() error {
	m.logger.Info("Stopping completion monitor")
	m.cancel()
	m.wg.Wait()
	return nil
}

// Stats returns checks performed and deals closed
func (m *Completion) Stats() (checks, closed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks, m.closed
}

func (m *Completion) runLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
			m.CheckOnce(ctx)
			cancel()
		}
	}
}

// CheckOnce inspects every open deal and closes the completed ones. Order
// state is never mutated here; the deal service refreshes through the order
// service.
func (m *Completion) CheckOnce(ctx context.Context) {
	open := m.deals.GetDealsByStatus(core.DealOpen)
	closedNow := 0

	for _, d := range open {
		if !m.locks.TryLockDeal(d.ID) {
			continue
		}
		closed, err := m.dealSvc.CloseIfCompleted(ctx, d)
		m.locks.UnlockDeal(d.ID)

		if err != nil {
			m.logger.Warn("Completion check failed", "deal_id", d.ID, "error", err.Error())
			continue
		}
		if closed {
			closedNow++
		}
	}

	m.mu.Lock()
	m.checks++
	m.closed += int64(closedNow)
	m.mu.Unlock()

	m.logger.Debug("Completion pass", "open_deals", len(open), "closed_now", closedNow)
}
