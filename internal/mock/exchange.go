// Package mock implements core.Exchange for tests
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
)

// Exchange is an in-memory venue with error injection and scripted fills
type Exchange struct {
	mu sync.Mutex

	name           string
	orders         map[string]*core.OrderRecord
	clientOrderMap map[string]string
	idCounter      int64

	balances   map[string]core.Balance
	tickers    map[string]*core.Ticker
	books      map[string]*core.OrderBookSnapshot
	symbolInfo map[string]*core.SymbolInfo

	// error scripts: popped one per call
	createErrs []error
	cancelErrs []error
	fetchErrs  []error

	// fillMarketOrders makes MARKET orders fill instantly at the ticker price
	fillMarketOrders bool

	createCalls int
	cancelCalls int

	tickerSubs []chan *core.Ticker
	bookSubs   []chan *core.OrderBookSnapshot
}

// NewExchange creates a mock venue with a 10k USDT balance
func NewExchange(name string) *Exchange {
	return &Exchange{
		name:           name,
		orders:         make(map[string]*core.OrderRecord),
		clientOrderMap: make(map[string]string),
		idCounter:      1000,
		balances: map[string]core.Balance{
			"USDT": {Free: decimal.NewFromInt(10000), Total: decimal.NewFromInt(10000)},
		},
		tickers:          make(map[string]*core.Ticker),
		books:            make(map[string]*core.OrderBookSnapshot),
		symbolInfo:       make(map[string]*core.SymbolInfo),
		fillMarketOrders: true,
	}
}

func (m *Exchange) GetName() string { return m.name }

// SetBalance overrides one currency's balance
func (m *Exchange) SetBalance(currency string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[currency] = core.Balance{Free: free, Total: free}
}

// SetTicker scripts the ticker returned by FetchTicker
func (m *Exchange) SetTicker(t *core.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[t.Symbol] = t
}

// SetOrderBook scripts the book returned by FetchOrderBook
func (m *Exchange) SetOrderBook(ob *core.OrderBookSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[ob.Symbol] = ob
}

// SetSymbolInfo scripts GetSymbolInfo
func (m *Exchange) SetSymbolInfo(info *core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbolInfo[info.Symbol] = info
}

// FailNextCreate queues errors returned by upcoming CreateOrder calls
func (m *Exchange) FailNextCreate(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErrs = append(m.createErrs, errs...)
}

// FailNextCancel queues errors returned by upcoming CancelOrder calls
func (m *Exchange) FailNextCancel(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErrs = append(m.cancelErrs, errs...)
}

// FailNextFetch queues errors returned by upcoming FetchOrder calls
func (m *Exchange) FailNextFetch(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErrs = append(m.fetchErrs, errs...)
}

// FillOrder marks an open order fully executed at the given average price
func (m *Exchange) FillOrder(exchangeID string, average decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.orders[exchangeID]; ok {
		rec.Status = core.RecordClosed
		rec.Filled = rec.Amount
		rec.Remaining = decimal.Zero
		rec.Average = average
		rec.Cost = rec.Amount.Mul(average)
		rec.LastTradeTimestamp = time.Now().UnixMilli()
	}
}

// PartialFill records a partial execution on an open order
func (m *Exchange) PartialFill(exchangeID string, filled, average decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.orders[exchangeID]; ok {
		rec.Filled = filled
		rec.Remaining = rec.Amount.Sub(filled)
		rec.Average = average
		rec.LastTradeTimestamp = time.Now().UnixMilli()
	}
}

// DropOrder forgets an order, making the venue deny its existence
func (m *Exchange) DropOrder(exchangeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, exchangeID)
}

// CreateCalls returns how many CreateOrder calls were made
func (m *Exchange) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

// CancelCalls returns how many CancelOrder calls were made
func (m *Exchange) CancelCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCalls
}

func (m *Exchange) CreateOrder(ctx context.Context, symbol string, side core.OrderSide, kind core.OrderKind, amount, price decimal.Decimal, clientOrderID string) (*core.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	// Idempotency: an already-known client order id returns the original
	if clientOrderID != "" {
		if id, ok := m.clientOrderMap[clientOrderID]; ok {
			return cloneRecord(m.orders[id]), nil
		}
	}

	m.idCounter++
	id := fmt.Sprintf("mock-%d", m.idCounter)

	rec := &core.OrderRecord{
		ID:            id,
		ClientOrderID: clientOrderID,
		Timestamp:     time.Now().UnixMilli(),
		Status:        core.RecordOpen,
		Symbol:        symbol,
		Type:          string(kind),
		Side:          string(side),
		Price:         price,
		Amount:        amount,
		Remaining:     amount,
	}

	if kind == core.KindMarket && m.fillMarketOrders {
		fillPrice := price
		if t, ok := m.tickers[symbol]; ok {
			fillPrice = t.Last
		}
		rec.Status = core.RecordClosed
		rec.Filled = amount
		rec.Remaining = decimal.Zero
		rec.Average = fillPrice
		rec.Cost = amount.Mul(fillPrice)
	}

	m.orders[id] = rec
	if clientOrderID != "" {
		m.clientOrderMap[clientOrderID] = id
	}
	return cloneRecord(rec), nil
}

func (m *Exchange) CancelOrder(ctx context.Context, exchangeID, symbol string) (*core.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelCalls++
	if len(m.cancelErrs) > 0 {
		err := m.cancelErrs[0]
		m.cancelErrs = m.cancelErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	rec, ok := m.orders[exchangeID]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrOrderNotFound, "order %s", exchangeID)
	}
	if rec.Status == core.RecordOpen {
		rec.Status = core.RecordCanceled
	}
	return cloneRecord(rec), nil
}

func (m *Exchange) FetchOrder(ctx context.Context, exchangeID, symbol string) (*core.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.fetchErrs) > 0 {
		err := m.fetchErrs[0]
		m.fetchErrs = m.fetchErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	rec, ok := m.orders[exchangeID]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrOrderNotFound, "order %s", exchangeID)
	}
	return cloneRecord(rec), nil
}

func (m *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]*core.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.OrderRecord
	for _, rec := range m.orders {
		if rec.Symbol == symbol && rec.Status == core.RecordOpen {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (m *Exchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]core.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *Exchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickers[symbol]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrTransient, "no ticker for %s", symbol)
	}
	c := *t
	return &c, nil
}

func (m *Exchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBookSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ob, ok := m.books[symbol]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrTransient, "no order book for %s", symbol)
	}
	c := *ob
	return &c, nil
}

func (m *Exchange) WatchTicker(ctx context.Context, symbol string) (<-chan *core.Ticker, error) {
	ch := make(chan *core.Ticker, 64)
	m.mu.Lock()
	m.tickerSubs = append(m.tickerSubs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, sub := range m.tickerSubs {
			if sub == ch {
				m.tickerSubs = append(m.tickerSubs[:i], m.tickerSubs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (m *Exchange) WatchOrderBook(ctx context.Context, symbol string, depth int) (<-chan *core.OrderBookSnapshot, error) {
	ch := make(chan *core.OrderBookSnapshot, 64)
	m.mu.Lock()
	m.bookSubs = append(m.bookSubs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for i, sub := range m.bookSubs {
			if sub == ch {
				m.bookSubs = append(m.bookSubs[:i], m.bookSubs[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// PushTicker delivers a tick to every watcher
func (m *Exchange) PushTicker(t *core.Ticker) {
	m.mu.Lock()
	m.tickers[t.Symbol] = t
	subs := make([]chan *core.Ticker, len(m.tickerSubs))
	copy(subs, m.tickerSubs)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- t:
		default:
		}
	}
}

func (m *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.symbolInfo[symbol]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrInvalidOrder, "unknown symbol %s", symbol)
	}
	c := *info
	return &c, nil
}

func cloneRecord(rec *core.OrderRecord) *core.OrderRecord {
	c := *rec
	if rec.Fee != nil {
		fee := *rec.Fee
		c.Fee = &fee
	}
	return &c
}
