package order

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/retry"
	"trade_engine/pkg/telemetry"
)

// ServiceConfig tunes the order service
type ServiceConfig struct {
	// MaxRetries bounds placement retries for transient errors
	MaxRetries int
	// RetryBaseDelay is the first backoff step; doubled each retry
	RetryBaseDelay time.Duration
	// PlacementTimeout / QueryTimeout bound individual exchange calls
	PlacementTimeout time.Duration
	QueryTimeout     time.Duration
	// RateLimit is exchange requests per second with RateBurst headroom
	RateLimit float64
	RateBurst int
	// EnableBalanceChecks gates the pre-placement balance probe
	EnableBalanceChecks bool
}

// DefaultServiceConfig returns the production defaults
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxRetries:          3,
		RetryBaseDelay:      time.Second,
		PlacementTimeout:    30 * time.Second,
		QueryTimeout:        10 * time.Second,
		RateLimit:           10,
		RateBurst:           15,
		EnableBalanceChecks: true,
	}
}

// Service owns every order mutation: placement, cancellation, refresh, and
// reconciliation against the exchange's view.
type Service struct {
	exchange core.Exchange
	store    core.OrderRepository
	factory  *Factory
	logger   core.Logger
	cfg      ServiceConfig

	rateLimiter *rate.Limiter
	placement   failsafe.Executor[*core.OrderRecord]

	metrics *telemetry.EngineMetrics
}

// NewService creates the order service
func NewService(exchange core.Exchange, store core.OrderRepository, factory *Factory, logger core.Logger, cfg ServiceConfig) *Service {
	maxDelay := cfg.RetryBaseDelay
	for i := 0; i < cfg.MaxRetries; i++ {
		maxDelay *= 2
	}

	placementPolicy := retrypolicy.NewBuilder[*core.OrderRecord]().
		HandleIf(func(_ *core.OrderRecord, err error) bool {
			return apperrors.IsTransient(err)
		}).
		WithBackoff(cfg.RetryBaseDelay, maxDelay).
		WithMaxRetries(cfg.MaxRetries).
		Build()

	return &Service{
		exchange:    exchange,
		store:       store,
		factory:     factory,
		logger:      logger.WithField("component", "order_service"),
		cfg:         cfg,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		placement:   failsafe.With[*core.OrderRecord](placementPolicy),
		metrics:     telemetry.GetEngineMetrics(),
	}
}

// PlaceBuy validates, persists, and submits a BUY order
func (s *Service) PlaceBuy(ctx context.Context, amount, price decimal.Decimal, dealID int64, kind core.OrderKind) (*core.Order, error) {
	o, err := s.factory.CreateBuy(amount, price, dealID, kind, "")
	if err != nil {
		return nil, err
	}
	return s.placeNew(ctx, o)
}

// PlaceSell validates, persists, and submits a SELL order
func (s *Service) PlaceSell(ctx context.Context, amount, price decimal.Decimal, dealID int64, kind core.OrderKind) (*core.Order, error) {
	o, err := s.factory.CreateSell(amount, price, dealID, kind, "")
	if err != nil {
		return nil, err
	}
	return s.placeNew(ctx, o)
}

// PlaceMarketSell submits an immediate SELL at market price
func (s *Service) PlaceMarketSell(ctx context.Context, amount decimal.Decimal, dealID int64) (*core.Order, error) {
	o, err := s.factory.MarketSell(amount, dealID)
	if err != nil {
		return nil, err
	}
	return s.placeNew(ctx, o)
}

// CreateLocalSell validates and persists a PENDING SELL without sending it
// to the exchange. Used to stage the exit half of a deal.
func (s *Service) CreateLocalSell(amount, price decimal.Decimal, dealID int64, kind core.OrderKind) (*core.Order, error) {
	o, err := s.factory.CreateSell(amount, price, dealID, kind, "")
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveOrder(o); err != nil {
		return nil, err
	}
	return o, nil
}

// PlaceExisting submits an order previously staged in PENDING state
func (s *Service) PlaceExisting(ctx context.Context, o *core.Order) (*core.Order, error) {
	if o.Status != core.StatusPending {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "order %d is %s, only PENDING orders can be placed", o.ID, o.Status)
	}
	return s.submit(ctx, o.Clone())
}

func (s *Service) placeNew(ctx context.Context, o *core.Order) (*core.Order, error) {
	if s.cfg.EnableBalanceChecks {
		if err := s.checkBalance(ctx, o); err != nil {
			return nil, err
		}
	}
	if err := s.store.SaveOrder(o); err != nil {
		return nil, err
	}
	return s.submit(ctx, o)
}

func (s *Service) checkBalance(ctx context.Context, o *core.Order) error {
	balances, err := s.exchange.FetchBalance(ctx)
	if err != nil {
		// A failed probe is not a rejection; the exchange gives the
		// authoritative answer at placement time.
		s.logger.Warn("Balance probe failed, proceeding", "error", err.Error())
		return nil
	}

	pair := s.factory.Pair()
	if o.Side == core.SideBuy {
		required := o.Amount.Mul(o.Price)
		free := balances[pair.Quote].Free
		if o.Kind != core.KindMarket && free.LessThan(required) {
			return apperrors.Wrap(apperrors.ErrInsufficientFunds, "need %s %s, free %s", required, pair.Quote, free)
		}
		return nil
	}

	free := balances[pair.Base].Free
	if free.LessThan(o.Amount) {
		return apperrors.Wrap(apperrors.ErrInsufficientFunds, "need %s %s, free %s", o.Amount, pair.Base, free)
	}
	return nil
}

// submit sends the order to the exchange with retry, then fetches the
// authoritative fill state.
func (s *Service) submit(ctx context.Context, o *core.Order) (*core.Order, error) {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	attempts := 0
	rec, err := s.placement.GetWithExecution(func(exec failsafe.Execution[*core.OrderRecord]) (*core.OrderRecord, error) {
		attempts = exec.Attempts()
		if attempts > 1 {
			s.metrics.OrderRetriesTotal.Add(ctx, 1)
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.PlacementTimeout)
		defer cancel()
		return s.exchange.CreateOrder(callCtx, o.Symbol, o.Side, o.Kind, o.Amount, o.Price, o.ClientOrderID)
	})

	o.Retries = attempts - 1
	if o.Retries < 0 {
		o.Retries = 0
	}

	if err != nil {
		o.Status = core.StatusFailed
		o.ErrorMessage = err.Error()
		o.LastUpdate = time.Now()
		if saveErr := s.store.SaveOrder(o); saveErr != nil {
			s.logger.Error("Failed to persist failed order", "order_id", o.ID, "error", saveErr.Error())
		}
		s.metrics.OrdersFailedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(o.Side))))
		s.logger.Error("Order placement failed",
			"order_id", o.ID,
			"side", o.Side,
			"retries", o.Retries,
			"error", err.Error())
		return o, err
	}

	o.Status = core.StatusOpen
	o.ExchangeID = rec.ID
	applyRecord(o, rec)
	if err := s.store.SaveOrder(o); err != nil {
		return o, err
	}

	s.metrics.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", o.Symbol),
		attribute.String("side", string(o.Side)),
	))
	s.logger.Info("Order placed",
		"order_id", o.ID,
		"exchange_id", o.ExchangeID,
		"side", o.Side,
		"kind", o.Kind,
		"price", o.Price.String(),
		"amount", o.Amount.String())

	// The creation response can lag fills; ask for the authoritative state
	// right away. A not-found here is an anomaly worth one retry.
	fetched, ferr := s.fetchWithNotFoundRetry(ctx, o.ExchangeID, o.Symbol)
	if ferr != nil {
		s.logger.Warn("Post-placement fetch failed", "order_id", o.ID, "error", ferr.Error())
		return o, nil
	}
	applyRecord(o, fetched)
	if err := s.store.SaveOrder(o); err != nil {
		return o, err
	}
	if o.Status == core.StatusFilled {
		s.metrics.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(o.Side))))
	}
	return o, nil
}

func (s *Service) fetchWithNotFoundRetry(ctx context.Context, exchangeID, symbol string) (*core.OrderRecord, error) {
	var rec *core.OrderRecord
	err := retry.Do(ctx, retry.Policy{
		MaxAttempts:    2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, func(err error) bool {
		return apperrors.IsTransient(err) || errors.Is(err, apperrors.ErrOrderNotFound)
	}, func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
		var ferr error
		rec, ferr = s.exchange.FetchOrder(callCtx, exchangeID, symbol)
		return ferr
	})
	return rec, err
}

// UpdatePending rewrites the price and amount of a staged order. Only
// PENDING orders may be rewritten; placed orders change via the exchange.
func (s *Service) UpdatePending(o *core.Order, amount, price decimal.Decimal) (*core.Order, error) {
	if o.Status != core.StatusPending {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "order %d is %s, only PENDING orders can be rewritten", o.ID, o.Status)
	}
	updated := o.Clone()
	updated.Amount = amount
	updated.RemainingAmount = amount
	updated.Price = price
	updated.LastUpdate = time.Now()
	if err := s.store.SaveOrder(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// RefreshStatus fetches the exchange's view of the order and persists it
func (s *Service) RefreshStatus(ctx context.Context, o *core.Order) (*core.Order, error) {
	if o.ExchangeID == "" {
		return o, nil
	}
	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	rec, err := s.exchange.FetchOrder(callCtx, o.ExchangeID, o.Symbol)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			updated := o.Clone()
			updated.Status = core.StatusNotFoundOnExchange
			updated.LastUpdate = time.Now()
			if saveErr := s.store.SaveOrder(updated); saveErr != nil {
				return nil, saveErr
			}
			return updated, nil
		}
		return nil, err
	}

	updated := o.Clone()
	wasFilled := updated.IsFilled()
	applyRecord(updated, rec)
	if err := s.store.SaveOrder(updated); err != nil {
		return nil, err
	}
	if updated.IsFilled() && !wasFilled {
		s.metrics.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(updated.Side))))
	}
	return updated, nil
}

// Cancel submits a cancellation. An exchange that denies the order exists
// is treated as success: the order moves to NOT_FOUND_ON_EXCHANGE. Other
// failures leave the status unchanged and surface.
func (s *Service) Cancel(ctx context.Context, o *core.Order) (*core.Order, error) {
	if o.Status == core.StatusNotFoundOnExchange {
		return o, nil
	}
	if o.ExchangeID == "" {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "order %d was never placed", o.ID)
	}
	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.PlacementTimeout)
	defer cancel()

	rec, err := s.exchange.CancelOrder(callCtx, o.ExchangeID, o.Symbol)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			updated := o.Clone()
			updated.Status = core.StatusNotFoundOnExchange
			updated.LastUpdate = time.Now()
			if saveErr := s.store.SaveOrder(updated); saveErr != nil {
				return nil, saveErr
			}
			s.logger.Warn("Cancel target unknown to exchange", "order_id", o.ID, "exchange_id", o.ExchangeID)
			return updated, nil
		}
		return nil, err
	}

	updated := o.Clone()
	updated.Status = core.StatusCanceled
	if rec != nil {
		applyRecord(updated, rec)
		// Whatever the record says, cancellation succeeded; partial fills
		// keep their fill data but the order is done.
		if !updated.Status.IsTerminal() {
			updated.Status = core.StatusCanceled
		}
	}
	updated.LastUpdate = time.Now()
	if err := s.store.SaveOrder(updated); err != nil {
		return nil, err
	}
	s.logger.Info("Order canceled", "order_id", o.ID, "exchange_id", o.ExchangeID)
	return updated, nil
}

// SyncOpenOrders diffs local open orders against the exchange's open set
// and refreshes every local order the exchange no longer reports open.
// Returns the orders whose status changed.
func (s *Service) SyncOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	remote, err := s.exchange.FetchOpenOrders(callCtx, symbol)
	if err != nil {
		return nil, err
	}

	remoteOpen := make(map[string]struct{}, len(remote))
	for _, rec := range remote {
		remoteOpen[rec.ID] = struct{}{}
	}

	var changed []*core.Order
	for _, o := range s.store.GetOpenOrders() {
		if o.Symbol != symbol || o.ExchangeID == "" {
			continue
		}
		if _, stillOpen := remoteOpen[o.ExchangeID]; stillOpen {
			continue
		}

		before := o.Status
		updated, err := s.RefreshStatus(ctx, o)
		if err != nil {
			s.logger.Warn("Sync refresh failed", "order_id", o.ID, "error", err.Error())
			continue
		}
		if updated.Status != before {
			changed = append(changed, updated)
		}
	}

	if len(changed) > 0 {
		s.logger.Info("Open-order sync reconciled orders", "symbol", symbol, "changed", len(changed))
	}
	return changed, nil
}

// EmergencyCancelAll best-effort cancels every open order; an empty symbol
// matches all symbols.
func (s *Service) EmergencyCancelAll(ctx context.Context, symbol string) int {
	canceled := 0
	for _, o := range s.store.GetOpenOrders() {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if _, err := s.Cancel(ctx, o); err != nil {
			s.logger.Error("Emergency cancel failed", "order_id", o.ID, "error", err.Error())
			continue
		}
		canceled++
	}
	s.logger.Info("Emergency cancel pass complete", "canceled", canceled)
	return canceled
}

// applyRecord merges an exchange record into a local order. Fields the
// record carries overwrite local values; zero-valued fields are preserved.
func applyRecord(o *core.Order, rec *core.OrderRecord) {
	if rec.ID != "" {
		o.ExchangeID = rec.ID
	}
	if rec.Price.Sign() > 0 {
		o.Price = rec.Price
	}
	if rec.Amount.Sign() > 0 {
		o.Amount = rec.Amount
	}
	if rec.Filled.Sign() > 0 {
		o.FilledAmount = rec.Filled
	}
	if rec.Remaining.Sign() > 0 {
		o.RemainingAmount = rec.Remaining
	} else if rec.Filled.Sign() > 0 {
		o.RemainingAmount = o.Amount.Sub(o.FilledAmount)
	}
	if rec.Average.Sign() > 0 {
		o.AveragePrice = rec.Average
	}
	if rec.Fee != nil {
		o.Fees = rec.Fee.Cost
		if rec.Fee.Currency != "" {
			o.FeeCurrency = rec.Fee.Currency
		}
	}
	if rec.Timestamp > 0 {
		o.ExchangeTimestamp = time.UnixMilli(rec.Timestamp)
	}
	if rec.Info != nil {
		o.Raw = rec.Info
	}

	switch rec.Status {
	case core.RecordClosed:
		o.Status = core.StatusFilled
		if o.FilledAmount.IsZero() {
			o.FilledAmount = o.Amount
		}
		o.RemainingAmount = o.Amount.Sub(o.FilledAmount)
	case core.RecordCanceled, core.RecordExpired:
		o.Status = core.StatusCanceled
	case core.RecordRejected:
		o.Status = core.StatusFailed
	case core.RecordOpen:
		if o.FilledAmount.Sign() > 0 {
			o.Status = core.StatusPartiallyFilled
		} else {
			o.Status = core.StatusOpen
		}
	}

	if o.Status.IsTerminal() && o.ClosedAt.IsZero() {
		o.ClosedAt = time.Now()
	}
	o.LastUpdate = time.Now()
}
