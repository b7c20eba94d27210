package binance

import (
	"strconv"
	"strings"
	"time"

	libbinance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
)

// venueSymbol strips the slash: "ETH/USDT" -> "ETHUSDT"
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func venueSide(side core.OrderSide) libbinance.SideType {
	if side == core.SideSell {
		return libbinance.SideTypeSell
	}
	return libbinance.SideTypeBuy
}

func venueType(kind core.OrderKind) libbinance.OrderType {
	switch kind {
	case core.KindMarket:
		return libbinance.OrderTypeMarket
	case core.KindStopLoss:
		return libbinance.OrderTypeStopLoss
	case core.KindTakeProfit:
		return libbinance.OrderTypeTakeProfit
	default:
		return libbinance.OrderTypeLimit
	}
}

func parseOrderID(exchangeID string) (int64, error) {
	id, err := strconv.ParseInt(exchangeID, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrValidation, "bad exchange id %q", exchangeID)
	}
	return id, nil
}

// recordStatus maps the venue status vocabulary onto the record contract
func recordStatus(status libbinance.OrderStatusType) core.RecordStatus {
	switch status {
	case libbinance.OrderStatusTypeFilled:
		return core.RecordClosed
	case libbinance.OrderStatusTypeCanceled, libbinance.OrderStatusTypePendingCancel:
		return core.RecordCanceled
	case libbinance.OrderStatusTypeExpired:
		return core.RecordExpired
	case libbinance.OrderStatusTypeRejected:
		return core.RecordRejected
	default: // NEW, PARTIALLY_FILLED
		return core.RecordOpen
	}
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// averagePrice derives the VWAP from cumulative quote and executed base
func averagePrice(cumQuote, executed decimal.Decimal) decimal.Decimal {
	if executed.Sign() <= 0 {
		return decimal.Zero
	}
	return cumQuote.Div(executed)
}

func recordFromCreateResponse(resp *libbinance.CreateOrderResponse, symbol string) *core.OrderRecord {
	executed := mustDecimal(resp.ExecutedQuantity)
	amount := mustDecimal(resp.OrigQuantity)
	cumQuote := mustDecimal(resp.CummulativeQuoteQuantity)

	rec := &core.OrderRecord{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Timestamp:     resp.TransactTime,
		Status:        recordStatus(resp.Status),
		Symbol:        symbol,
		Type:          strings.ToLower(string(resp.Type)),
		Side:          strings.ToLower(string(resp.Side)),
		Price:         mustDecimal(resp.Price),
		Amount:        amount,
		Filled:        executed,
		Remaining:     amount.Sub(executed),
		Cost:          cumQuote,
		Average:       averagePrice(cumQuote, executed),
		Info: map[string]interface{}{
			"orderId":       resp.OrderID,
			"clientOrderId": resp.ClientOrderID,
			"status":        string(resp.Status),
			"transactTime":  resp.TransactTime,
		},
	}

	// Fills carry the fee; sum commissions in their native currency
	if len(resp.Fills) > 0 {
		fee := decimal.Zero
		currency := ""
		for _, f := range resp.Fills {
			fee = fee.Add(mustDecimal(f.Commission))
			currency = f.CommissionAsset
		}
		rec.Fee = &core.FeeInfo{Cost: fee, Currency: currency}
	}
	return rec
}

func recordFromCancelResponse(resp *libbinance.CancelOrderResponse, symbol string) *core.OrderRecord {
	executed := mustDecimal(resp.ExecutedQuantity)
	amount := mustDecimal(resp.OrigQuantity)
	cumQuote := mustDecimal(resp.CummulativeQuoteQuantity)

	return &core.OrderRecord{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        recordStatus(resp.Status),
		Symbol:        symbol,
		Side:          strings.ToLower(string(resp.Side)),
		Type:          strings.ToLower(string(resp.Type)),
		Price:         mustDecimal(resp.Price),
		Amount:        amount,
		Filled:        executed,
		Remaining:     amount.Sub(executed),
		Cost:          cumQuote,
		Average:       averagePrice(cumQuote, executed),
		Info: map[string]interface{}{
			"orderId": resp.OrderID,
			"status":  string(resp.Status),
		},
	}
}

func recordFromOrder(o *libbinance.Order, symbol string) *core.OrderRecord {
	executed := mustDecimal(o.ExecutedQuantity)
	amount := mustDecimal(o.OrigQuantity)
	cumQuote := mustDecimal(o.CummulativeQuoteQuantity)

	return &core.OrderRecord{
		ID:                 strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:      o.ClientOrderID,
		Timestamp:          o.Time,
		LastTradeTimestamp: o.UpdateTime,
		Status:             recordStatus(o.Status),
		Symbol:             symbol,
		Type:               strings.ToLower(string(o.Type)),
		TimeInForce:        string(o.TimeInForce),
		Side:               strings.ToLower(string(o.Side)),
		Price:              mustDecimal(o.Price),
		Amount:             amount,
		Filled:             executed,
		Remaining:          amount.Sub(executed),
		Cost:               cumQuote,
		Average:            averagePrice(cumQuote, executed),
		Info: map[string]interface{}{
			"orderId":       o.OrderID,
			"clientOrderId": o.ClientOrderID,
			"status":        string(o.Status),
			"time":          o.Time,
			"updateTime":    o.UpdateTime,
		},
	}
}

func tickerFromStats(stats *libbinance.PriceChangeStats, symbol string) *core.Ticker {
	return &core.Ticker{
		Symbol:    symbol,
		Last:      mustDecimal(stats.LastPrice),
		Bid:       mustDecimal(stats.BidPrice),
		Ask:       mustDecimal(stats.AskPrice),
		Volume:    mustDecimal(stats.Volume),
		Timestamp: msToTime(stats.CloseTime),
	}
}

func bookFromDepth(resp *libbinance.DepthResponse, symbol string) *core.OrderBookSnapshot {
	ob := &core.OrderBookSnapshot{Symbol: symbol, Timestamp: time.Now()}
	for _, b := range resp.Bids {
		ob.Bids = append(ob.Bids, core.BookLevel{Price: mustDecimal(b.Price), Size: mustDecimal(b.Quantity)})
	}
	for _, a := range resp.Asks {
		ob.Asks = append(ob.Asks, core.BookLevel{Price: mustDecimal(a.Price), Size: mustDecimal(a.Quantity)})
	}
	return ob
}

func symbolInfoFromFilters(s *libbinance.Symbol, symbol string) *core.SymbolInfo {
	info := &core.SymbolInfo{Symbol: symbol}

	if f := s.LotSizeFilter(); f != nil {
		info.AmountStep = mustDecimal(f.StepSize)
		info.MinAmount = mustDecimal(f.MinQuantity)
		info.MaxAmount = mustDecimal(f.MaxQuantity)
	}
	if f := s.PriceFilter(); f != nil {
		info.PriceTick = mustDecimal(f.TickSize)
		info.MinPrice = mustDecimal(f.MinPrice)
		info.MaxPrice = mustDecimal(f.MaxPrice)
	}
	if f := s.NotionalFilter(); f != nil {
		info.MinNotional = mustDecimal(f.MinNotional)
	}
	return info
}
