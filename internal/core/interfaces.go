package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the capability set the engine requires from a venue. Adapters
// map venue-specific errors onto the sentinels in pkg/errors.
type Exchange interface {
	GetName() string

	CreateOrder(ctx context.Context, symbol string, side OrderSide, kind OrderKind, amount, price decimal.Decimal, clientOrderID string) (*OrderRecord, error)
	CancelOrder(ctx context.Context, exchangeID, symbol string) (*OrderRecord, error)
	FetchOrder(ctx context.Context, exchangeID, symbol string) (*OrderRecord, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]*OrderRecord, error)

	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, depth int) (*OrderBookSnapshot, error)

	// WatchTicker and WatchOrderBook deliver snapshots until ctx is
	// cancelled, at which point the subscription is dropped and the
	// channel closed.
	WatchTicker(ctx context.Context, symbol string) (<-chan *Ticker, error)
	WatchOrderBook(ctx context.Context, symbol string, depth int) (<-chan *OrderBookSnapshot, error)

	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
}

// OrderRepository is the order half of the store
type OrderRepository interface {
	SaveOrder(o *Order) error
	GetOrder(id int64) (*Order, bool)
	GetOrderByExchangeID(exchangeID string) (*Order, bool)
	GetOrdersByDeal(dealID int64) []*Order
	GetOrdersBySymbol(symbol string) []*Order
	GetOrdersByStatus(statuses ...OrderStatus) []*Order
	GetOpenOrders() []*Order
	GetPendingOrders() []*Order
	OrdersRequiringSync() []*Order
	BulkUpdateStatus(ids []int64, status OrderStatus) int
	DeleteOldOrders(olderThanDays int) int
	NextOrderID() int64
}

// DealRepository is the deal half of the store
type DealRepository interface {
	SaveDeal(d *Deal) error
	GetDeal(id int64) (*Deal, bool)
	GetDealsByStatus(status DealStatus) []*Deal
	OpenDealCount(symbol string) int
	NextDealID() int64
}

// Logger is the logging interface used across the engine
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}
