package exchange

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinanceSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTCUSDT", binanceSymbol("BTC-USDT-SWAP"))
	assert.Equal(t, "ETHUSDT", binanceSymbol("eth-usdt"))
	assert.Equal(t, "BTCUSDT", binanceSymbol(" btcusdt "))
}

func TestOKXBarNames(t *testing.T) {
	for tf, want := range map[string]string{"15m": "15m", "1h": "1H", "4h": "4H", "1d": "1D"} {
		assert.Equal(t, want, okxBarNames[tf])
	}
	_, ok := okxBarNames["7m"]
	assert.False(t, ok)
}

func TestSimVenueIdempotentPlace(t *testing.T) {
	venue := NewSimVenue()
	venue.AckOnly = true
	ctx := context.Background()

	req := OrderRequest{
		ClientOrderID: "c-1",
		Symbol:        "BTC-USDT-SWAP",
		Side:          "BUY",
		Type:          "LIMIT",
		Price:         decimal.RequireFromString("50000"),
		Size:          decimal.RequireFromString("0.1"),
	}
	first, err := venue.PlaceOrder(ctx, req)
	require.NoError(t, err)

	// Resubmitting the same client order ID must not create a new order.
	second, err := venue.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)
}

func TestSimVenuePartialFills(t *testing.T) {
	venue := NewSimVenue()
	venue.AckOnly = true
	ctx := context.Background()

	_, err := venue.PlaceOrder(ctx, OrderRequest{
		ClientOrderID: "c-2",
		Symbol:        "BTC-USDT-SWAP",
		Side:          "BUY",
		Type:          "LIMIT",
		Price:         decimal.RequireFromString("50000"),
		Size:          decimal.RequireFromString("1"),
	})
	require.NoError(t, err)

	require.NoError(t, venue.FillOrder("c-2", decimal.RequireFromString("0.4"), decimal.RequireFromString("50000")))
	state, err := venue.GetOrder(ctx, "BTC-USDT-SWAP", "c-2")
	require.NoError(t, err)
	assert.Equal(t, "partially_filled", state.Status)

	require.NoError(t, venue.FillOrder("c-2", decimal.RequireFromString("0.6"), decimal.RequireFromString("50010")))
	state, err = venue.GetOrder(ctx, "BTC-USDT-SWAP", "c-2")
	require.NoError(t, err)
	assert.Equal(t, "filled", state.Status)

	err = venue.CancelOrder(ctx, "BTC-USDT-SWAP", "c-2")
	require.Error(t, err)
}

func TestSimVenueUnknownOrder(t *testing.T) {
	venue := NewSimVenue()
	_, err := venue.GetOrder(context.Background(), "BTC-USDT-SWAP", "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
