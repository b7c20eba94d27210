// Package binance adapts the go-binance spot client to the engine's
// exchange capability set.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	libbinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
	"trade_engine/pkg/websocket"
)

const streamBaseURL = "wss://stream.binance.com:9443/ws"

// Exchange implements core.Exchange against Binance spot
type Exchange struct {
	client *libbinance.Client
	logger core.Logger
}

// New creates the adapter
func New(apiKey, secretKey string, logger core.Logger) *Exchange {
	return &Exchange{
		client: libbinance.NewClient(apiKey, secretKey),
		logger: logger.WithField("component", "binance_gateway"),
	}
}

func (e *Exchange) GetName() string { return "binance" }

// CreateOrder submits an order and returns the normalized record
func (e *Exchange) CreateOrder(ctx context.Context, symbol string, side core.OrderSide, kind core.OrderKind, amount, price decimal.Decimal, clientOrderID string) (*core.OrderRecord, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(venueSymbol(symbol)).
		Side(venueSide(side)).
		Type(venueType(kind)).
		Quantity(amount.String())

	if kind == core.KindLimit {
		svc = svc.TimeInForce(libbinance.TimeInForceTypeGTC).Price(price.String())
	}
	if kind == core.KindStopLoss || kind == core.KindTakeProfit {
		svc = svc.StopPrice(price.String())
	}
	if clientOrderID != "" {
		svc = svc.NewClientOrderID(clientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return recordFromCreateResponse(resp, symbol), nil
}

// CancelOrder cancels by exchange id
func (e *Exchange) CancelOrder(ctx context.Context, exchangeID, symbol string) (*core.OrderRecord, error) {
	id, err := parseOrderID(exchangeID)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.NewCancelOrderService().
		Symbol(venueSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return recordFromCancelResponse(resp, symbol), nil
}

// FetchOrder returns the venue's view of one order
func (e *Exchange) FetchOrder(ctx context.Context, exchangeID, symbol string) (*core.OrderRecord, error) {
	id, err := parseOrderID(exchangeID)
	if err != nil {
		return nil, err
	}

	o, err := e.client.NewGetOrderService().
		Symbol(venueSymbol(symbol)).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return recordFromOrder(o, symbol), nil
}

// FetchOpenOrders lists the venue's open orders for a symbol
func (e *Exchange) FetchOpenOrders(ctx context.Context, symbol string) ([]*core.OrderRecord, error) {
	orders, err := e.client.NewListOpenOrdersService().
		Symbol(venueSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]*core.OrderRecord, 0, len(orders))
	for _, o := range orders {
		out = append(out, recordFromOrder(o, symbol))
	}
	return out, nil
}

// FetchBalance returns per-currency balances
func (e *Exchange) FetchBalance(ctx context.Context) (map[string]core.Balance, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	out := make(map[string]core.Balance, len(account.Balances))
	for _, b := range account.Balances {
		free := mustDecimal(b.Free)
		locked := mustDecimal(b.Locked)
		out[b.Asset] = core.Balance{
			Free:  free,
			Used:  locked,
			Total: free.Add(locked),
		}
	}
	return out, nil
}

// FetchTicker returns last/bid/ask for a symbol
func (e *Exchange) FetchTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	stats, err := e.client.NewListPriceChangeStatsService().
		Symbol(venueSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	if len(stats) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrTransient, "empty ticker response for %s", symbol)
	}
	return tickerFromStats(stats[0], symbol), nil
}

// FetchOrderBook returns a depth snapshot
func (e *Exchange) FetchOrderBook(ctx context.Context, symbol string, depth int) (*core.OrderBookSnapshot, error) {
	resp, err := e.client.NewDepthService().
		Symbol(venueSymbol(symbol)).
		Limit(depth).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return bookFromDepth(resp, symbol), nil
}

// WatchTicker streams tickers over the venue's websocket until ctx ends
func (e *Exchange) WatchTicker(ctx context.Context, symbol string) (<-chan *core.Ticker, error) {
	out := make(chan *core.Ticker, 256)
	url := fmt.Sprintf("%s/%s@ticker", streamBaseURL, strings.ToLower(venueSymbol(symbol)))

	client := websocket.NewClient(url, func(message []byte) {
		t, err := tickerFromStream(message, symbol)
		if err != nil {
			e.logger.Warn("Ticker stream decode failed", "error", err.Error())
			return
		}
		select {
		case out <- t:
		default:
			// Slow consumer: drop the tick rather than block the reader
		}
	}, e.logger)

	client.Start()
	go func() {
		<-ctx.Done()
		client.Stop()
		close(out)
	}()
	return out, nil
}

// WatchOrderBook streams partial-depth snapshots until ctx ends
func (e *Exchange) WatchOrderBook(ctx context.Context, symbol string, depth int) (<-chan *core.OrderBookSnapshot, error) {
	if depth > 20 {
		depth = 20
	}
	out := make(chan *core.OrderBookSnapshot, 64)
	url := fmt.Sprintf("%s/%s@depth%d@100ms", streamBaseURL, strings.ToLower(venueSymbol(symbol)), depth)

	client := websocket.NewClient(url, func(message []byte) {
		ob, err := bookFromStream(message, symbol)
		if err != nil {
			e.logger.Warn("Depth stream decode failed", "error", err.Error())
			return
		}
		select {
		case out <- ob:
		default:
		}
	}, e.logger)

	client.Start()
	go func() {
		<-ctx.Done()
		client.Stop()
		close(out)
	}()
	return out, nil
}

// GetSymbolInfo reads the symbol's filters and fee schedule
func (e *Exchange) GetSymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	info, err := e.client.NewExchangeInfoService().
		Symbol(venueSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != venueSymbol(symbol) {
			continue
		}
		out := symbolInfoFromFilters(&s, symbol)

		// Fee schedule is account-specific; fall back to defaults on error
		fees, ferr := e.client.NewTradeFeeService().Symbol(venueSymbol(symbol)).Do(ctx)
		if ferr == nil && len(fees) > 0 {
			out.MakerFee = mustDecimal(fees[0].MakerCommission)
			out.TakerFee = mustDecimal(fees[0].TakerCommission)
		} else {
			out.MakerFee = decimal.NewFromFloat(0.001)
			out.TakerFee = decimal.NewFromFloat(0.001)
		}
		return out, nil
	}
	return nil, apperrors.Wrap(apperrors.ErrInvalidOrder, "unknown symbol %s", symbol)
}

// mapError classifies venue errors onto the engine's sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2010: // NEW_ORDER_REJECTED, typically balance
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
				return apperrors.Wrap(apperrors.ErrInsufficientFunds, "%s", apiErr.Message)
			}
			return apperrors.Wrap(apperrors.ErrInvalidOrder, "%s", apiErr.Message)
		case -2011, -2013: // unknown order / order does not exist
			return apperrors.Wrap(apperrors.ErrOrderNotFound, "%s", apiErr.Message)
		case -1013, -1111, -1121: // filter failure, bad precision, bad symbol
			return apperrors.Wrap(apperrors.ErrInvalidOrder, "%s", apiErr.Message)
		case -1003, -1015: // rate limits
			return apperrors.Wrap(apperrors.ErrTransient, "%s", apiErr.Message)
		}
		if apiErr.Code <= -1000 && apiErr.Code > -1100 {
			return apperrors.Wrap(apperrors.ErrTransient, "%s", apiErr.Message)
		}
		return apperrors.Wrap(apperrors.ErrInvalidOrder, "%s", apiErr.Message)
	}

	// Network-level failures are retryable
	return apperrors.Wrap(apperrors.ErrTransient, "%s", err)
}

type streamTicker struct {
	EventTime int64  `json:"E"`
	Last      string `json:"c"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
	Volume    string `json:"v"`
}

type streamDepth struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func tickerFromStream(message []byte, symbol string) (*core.Ticker, error) {
	var raw streamTicker
	if err := json.Unmarshal(message, &raw); err != nil {
		return nil, err
	}
	return &core.Ticker{
		Symbol:    symbol,
		Last:      mustDecimal(raw.Last),
		Bid:       mustDecimal(raw.Bid),
		Ask:       mustDecimal(raw.Ask),
		Volume:    mustDecimal(raw.Volume),
		Timestamp: msToTime(raw.EventTime),
	}, nil
}

func bookFromStream(message []byte, symbol string) (*core.OrderBookSnapshot, error) {
	var raw streamDepth
	if err := json.Unmarshal(message, &raw); err != nil {
		return nil, err
	}

	ob := &core.OrderBookSnapshot{Symbol: symbol}
	for _, lvl := range raw.Bids {
		if len(lvl) >= 2 {
			ob.Bids = append(ob.Bids, core.BookLevel{Price: mustDecimal(lvl[0]), Size: mustDecimal(lvl[1])})
		}
	}
	for _, lvl := range raw.Asks {
		if len(lvl) >= 2 {
			ob.Asks = append(ob.Asks, core.BookLevel{Price: mustDecimal(lvl[0]), Size: mustDecimal(lvl[1])})
		}
	}
	return ob, nil
}
