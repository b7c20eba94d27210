package binance

import (
	"testing"

	libbinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/core"
	apperrors "trade_engine/pkg/errors"
)

func TestVenueSymbol(t *testing.T) {
	assert.Equal(t, "ETHUSDT", venueSymbol("ETH/USDT"))
	assert.Equal(t, "BTCUSDT", venueSymbol("BTCUSDT"))
}

func TestRecordStatusMapping(t *testing.T) {
	cases := []struct {
		in   libbinance.OrderStatusType
		want core.RecordStatus
	}{
		{libbinance.OrderStatusTypeNew, core.RecordOpen},
		{libbinance.OrderStatusTypePartiallyFilled, core.RecordOpen},
		{libbinance.OrderStatusTypeFilled, core.RecordClosed},
		{libbinance.OrderStatusTypeCanceled, core.RecordCanceled},
		{libbinance.OrderStatusTypeExpired, core.RecordExpired},
		{libbinance.OrderStatusTypeRejected, core.RecordRejected},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, recordStatus(tc.in), string(tc.in))
	}
}

func TestRecordFromOrder(t *testing.T) {
	o := &libbinance.Order{
		OrderID:                  12345,
		ClientOrderID:            "BUY_ETHUSDT_1_abcdef12",
		Price:                    "2500.00",
		OrigQuantity:             "0.0400",
		ExecutedQuantity:         "0.0200",
		CummulativeQuoteQuantity: "50.00",
		Status:                   libbinance.OrderStatusTypePartiallyFilled,
		Type:                     libbinance.OrderTypeLimit,
		Side:                     libbinance.SideTypeBuy,
		Time:                     1700000000000,
		UpdateTime:               1700000060000,
	}

	rec := recordFromOrder(o, "ETH/USDT")
	assert.Equal(t, "12345", rec.ID)
	assert.Equal(t, core.RecordOpen, rec.Status)
	assert.Equal(t, "limit", rec.Type)
	assert.Equal(t, "buy", rec.Side)
	assert.True(t, rec.Filled.Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, rec.Remaining.Equal(decimal.NewFromFloat(0.02)))
	// average = 50 / 0.02 = 2500
	assert.True(t, rec.Average.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, int64(1700000000000), rec.Timestamp)
	assert.NotNil(t, rec.Info)
}

func TestRecordFromCreateResponseWithFills(t *testing.T) {
	resp := &libbinance.CreateOrderResponse{
		OrderID:                  777,
		ClientOrderID:            "cid",
		TransactTime:             1700000000000,
		Price:                    "0",
		OrigQuantity:             "0.0400",
		ExecutedQuantity:         "0.0400",
		CummulativeQuoteQuantity: "100.00",
		Status:                   libbinance.OrderStatusTypeFilled,
		Type:                     libbinance.OrderTypeMarket,
		Side:                     libbinance.SideTypeSell,
		Fills: []*libbinance.Fill{
			{Price: "2500.00", Quantity: "0.0200", Commission: "0.05", CommissionAsset: "USDT"},
			{Price: "2500.00", Quantity: "0.0200", Commission: "0.05", CommissionAsset: "USDT"},
		},
	}

	rec := recordFromCreateResponse(resp, "ETH/USDT")
	assert.Equal(t, core.RecordClosed, rec.Status)
	assert.True(t, rec.Remaining.IsZero())
	require.NotNil(t, rec.Fee)
	assert.True(t, rec.Fee.Cost.Equal(decimal.NewFromFloat(0.10)))
	assert.Equal(t, "USDT", rec.Fee.Currency)
}

func TestMapErrorClassification(t *testing.T) {
	insufficient := &common.APIError{Code: -2010, Message: "Account has insufficient balance for requested action."}
	assert.ErrorIs(t, mapError(insufficient), apperrors.ErrInsufficientFunds)

	rejected := &common.APIError{Code: -2010, Message: "Order would trigger immediately."}
	assert.ErrorIs(t, mapError(rejected), apperrors.ErrInvalidOrder)

	unknown := &common.APIError{Code: -2011, Message: "Unknown order sent."}
	assert.ErrorIs(t, mapError(unknown), apperrors.ErrOrderNotFound)

	missing := &common.APIError{Code: -2013, Message: "Order does not exist."}
	assert.ErrorIs(t, mapError(missing), apperrors.ErrOrderNotFound)

	filters := &common.APIError{Code: -1013, Message: "Filter failure: LOT_SIZE"}
	assert.ErrorIs(t, mapError(filters), apperrors.ErrInvalidOrder)

	rateLimit := &common.APIError{Code: -1003, Message: "Too many requests."}
	assert.ErrorIs(t, mapError(rateLimit), apperrors.ErrTransient)

	network := assert.AnError
	assert.ErrorIs(t, mapError(network), apperrors.ErrTransient)

	assert.NoError(t, mapError(nil))
}

func TestTickerFromStream(t *testing.T) {
	payload := []byte(`{"E":1700000000000,"c":"2500.10","b":"2500.00","a":"2500.20","v":"1234.5"}`)
	ticker, err := tickerFromStream(payload, "ETH/USDT")
	require.NoError(t, err)
	assert.True(t, ticker.Last.Equal(decimal.NewFromFloat(2500.10)))
	assert.True(t, ticker.Bid.Equal(decimal.NewFromFloat(2500.00)))
	assert.True(t, ticker.Ask.Equal(decimal.NewFromFloat(2500.20)))
	assert.Equal(t, "ETH/USDT", ticker.Symbol)
}

func TestBookFromStream(t *testing.T) {
	payload := []byte(`{"lastUpdateId":1,"bids":[["2499.50","5.0"],["2499.00","3.0"]],"asks":[["2500.50","4.0"]]}`)
	ob, err := bookFromStream(payload, "ETH/USDT")
	require.NoError(t, err)
	require.Len(t, ob.Bids, 2)
	require.Len(t, ob.Asks, 1)
	assert.True(t, ob.BestBid().Equal(decimal.NewFromFloat(2499.50)))
	assert.True(t, ob.BestAsk().Equal(decimal.NewFromFloat(2500.50)))
}
