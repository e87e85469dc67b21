// Package exchange abstracts the trading venue. The rest of the system only
// sees these interfaces; OKX and Binance implementations live alongside, plus
// a deterministic in-memory venue for backtests and tests.
package exchange

import (
	"context"
	"errors"
	"fmt"
)

// ErrRateLimited signals the venue rejected the call for throughput reasons.
// Callers back off with jitter instead of retrying immediately.
var ErrRateLimited = errors.New("exchange rate limited")

// ErrOrderNotFound signals the venue has no record of the queried order.
var ErrOrderNotFound = errors.New("order not found on exchange")

// APIError carries a venue error code and message verbatim.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %s: %s", e.Code, e.Message)
}

// CandleSource serves historical closed bars. Both trading venues implement
// it so ingest can backfill from either.
type CandleSource interface {
	Name() string

	// FetchCandles returns closed bars with open time >= since (epoch ms),
	// ascending, at most limit bars. The forming bar is never included.
	FetchCandles(ctx context.Context, symbol, timeframe string, since int64, limit int) ([]Candle, error)
}

// MarketData serves the perp-specific feeds beyond candles.
type MarketData interface {
	FundingRateHistory(ctx context.Context, symbol string, since int64, limit int) ([]FundingRate, error)
	Ticker(ctx context.Context, symbol string) (*Ticker, error)
	OpenInterest(ctx context.Context, symbol string) (*OpenInterest, error)
}

// Trader is the order and account surface of the live venue.
type Trader interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error

	// GetOrder looks an order up by client order ID, the idempotency key.
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderState, error)

	Positions(ctx context.Context, symbol string) ([]Position, error)
	Balance(ctx context.Context, currency string) (*Balance, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
}

// Venue is a full-featured exchange connection.
type Venue interface {
	CandleSource
	MarketData
	Trader
}
