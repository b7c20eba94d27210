// Package core defines the domain types and interfaces shared across the engine
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide identifies which side of the book an order sits on
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderKind is the execution type of an order
type OrderKind string

const (
	KindLimit      OrderKind = "LIMIT"
	KindMarket     OrderKind = "MARKET"
	KindStopLoss   OrderKind = "STOP_LOSS"
	KindTakeProfit OrderKind = "TAKE_PROFIT"
)

// OrderStatus is the local lifecycle state of an order
type OrderStatus string

const (
	// StatusPending means the order exists locally but has not been sent to the exchange
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	// StatusFailed is terminal: retries exhausted or the exchange rejected the order
	StatusFailed OrderStatus = "FAILED"
	// StatusNotFoundOnExchange is terminal: the exchange denies the order exists
	StatusNotFoundOnExchange OrderStatus = "NOT_FOUND_ON_EXCHANGE"
)

// IsTerminal reports whether no further transitions are possible
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusFailed, StatusNotFoundOnExchange:
		return true
	}
	return false
}

// IsActive reports whether the order is live on the exchange
func (s OrderStatus) IsActive() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// DealStatus is the lifecycle state of a deal
type DealStatus string

const (
	DealOpen     DealStatus = "OPEN"
	DealClosed   DealStatus = "CLOSED"
	DealCanceled DealStatus = "CANCELED"
)

// CurrencyPair describes a tradable market together with the trading policy
// applied to it. Precision fields are refreshed from the exchange at startup
// and treated as immutable afterwards.
type CurrencyPair struct {
	Symbol string
	Base   string
	Quote  string

	PriceTick   decimal.Decimal
	AmountStep  decimal.Decimal
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	MinNotional decimal.Decimal
	MakerFee    decimal.Decimal
	TakerFee    decimal.Decimal

	DealQuota            decimal.Decimal
	DealCount            int
	ProfitMarkup         decimal.Decimal
	OrderLifeTimeMinutes int
}

// ApplySymbolInfo copies exchange-published precision fields onto the pair
func (p *CurrencyPair) ApplySymbolInfo(info *SymbolInfo) {
	p.PriceTick = info.PriceTick
	p.AmountStep = info.AmountStep
	p.MinAmount = info.MinAmount
	p.MaxAmount = info.MaxAmount
	p.MinPrice = info.MinPrice
	p.MaxPrice = info.MaxPrice
	p.MinNotional = info.MinNotional
	p.MakerFee = info.MakerFee
	p.TakerFee = info.TakerFee
}

// Order is a single-sided trade intent owned by the order store. All
// mutations pass through the order service so the status indexes stay
// coherent.
type Order struct {
	ID            int64
	ExchangeID    string
	ClientOrderID string

	Side   OrderSide
	Kind   OrderKind
	Symbol string

	Price           decimal.Decimal
	Amount          decimal.Decimal
	FilledAmount    decimal.Decimal
	RemainingAmount decimal.Decimal
	AveragePrice    decimal.Decimal
	Fees            decimal.Decimal
	FeeCurrency     string

	Status OrderStatus
	DealID int64

	CreatedAt         time.Time
	LastUpdate        time.Time
	ExchangeTimestamp time.Time
	ClosedAt          time.Time

	Retries      int
	ErrorMessage string

	// Raw is the verbatim exchange response kept for forensics; the engine
	// never reads it for logic.
	Raw map[string]interface{}
}

// IsFilled reports whether the order is completely executed
func (o *Order) IsFilled() bool {
	return o.Status == StatusFilled
}

// Clone returns a deep copy safe to mutate without holding store locks
func (o *Order) Clone() *Order {
	c := *o
	if o.Raw != nil {
		c.Raw = make(map[string]interface{}, len(o.Raw))
		for k, v := range o.Raw {
			c.Raw[k] = v
		}
	}
	return &c
}

// Deal is a paired entry+exit lifecycle. Orders are referenced by id and
// resolved through the store on demand.
type Deal struct {
	ID          int64
	Symbol      string
	Status      DealStatus
	BuyOrderID  int64
	SellOrderID int64
	CreatedAt   time.Time
	ClosedAt    time.Time

	// RealizedProfit is sell proceeds minus buy cost minus fees, recorded
	// at close time.
	RealizedProfit decimal.Decimal
}

// Clone returns a copy safe to mutate without holding store locks
func (d *Deal) Clone() *Deal {
	c := *d
	return &c
}

// Ticker is one market-data tick
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Volume    decimal.Decimal
	Timestamp time.Time
}

// BookLevel is one price level of an order book
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshot holds bids descending and asks ascending
type OrderBookSnapshot struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// BestBid returns the highest bid, zero when the book is empty
func (ob *OrderBookSnapshot) BestBid() decimal.Decimal {
	if len(ob.Bids) == 0 {
		return decimal.Zero
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask, zero when the book is empty
func (ob *OrderBookSnapshot) BestAsk() decimal.Decimal {
	if len(ob.Asks) == 0 {
		return decimal.Zero
	}
	return ob.Asks[0].Price
}

// Mid returns the midpoint of best bid and best ask
func (ob *OrderBookSnapshot) Mid() decimal.Decimal {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid.IsZero() || ask.IsZero() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// Balance is one currency's account balance
type Balance struct {
	Free  decimal.Decimal
	Used  decimal.Decimal
	Total decimal.Decimal
}

// SymbolInfo is the exchange-published contract for a symbol
type SymbolInfo struct {
	Symbol      string
	PriceTick   decimal.Decimal
	AmountStep  decimal.Decimal
	MinAmount   decimal.Decimal
	MaxAmount   decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	MinNotional decimal.Decimal
	MakerFee    decimal.Decimal
	TakerFee    decimal.Decimal
}

// RecordStatus is the exchange-side status vocabulary
type RecordStatus string

const (
	RecordOpen     RecordStatus = "open"
	RecordClosed   RecordStatus = "closed"
	RecordCanceled RecordStatus = "canceled"
	RecordExpired  RecordStatus = "expired"
	RecordRejected RecordStatus = "rejected"
)

// FeeInfo is the fee block of an exchange order record
type FeeInfo struct {
	Cost     decimal.Decimal
	Currency string
	Rate     decimal.Decimal
}

// OrderRecord is the normalized order representation returned by an
// exchange. Zero-valued fields are treated as absent when merging into a
// local order.
type OrderRecord struct {
	ID                 string
	ClientOrderID      string
	Timestamp          int64
	LastTradeTimestamp int64
	Status             RecordStatus
	Symbol             string
	Type               string
	TimeInForce        string
	Side               string
	Price              decimal.Decimal
	Amount             decimal.Decimal
	Filled             decimal.Decimal
	Remaining          decimal.Decimal
	Cost               decimal.Decimal
	Average            decimal.Decimal
	Fee                *FeeInfo
	Info               map[string]interface{}
}
