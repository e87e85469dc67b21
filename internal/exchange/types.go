package exchange

import "github.com/shopspring/decimal"

// Candle is one closed bar as returned by a venue, open time in epoch ms.
type Candle struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// FundingRate is one historical funding observation.
type FundingRate struct {
	Timestamp     int64
	Rate          float64
	NextFundingTS int64
}

// Ticker carries the venue's current last/mark/index prices.
type Ticker struct {
	Symbol    string
	Timestamp int64
	Last      float64
	Mark      float64
	Index     float64
}

// OpenInterest is the venue's current open-interest reading.
type OpenInterest struct {
	Symbol    string
	Timestamp int64
	Contracts float64
	Notional  float64
}

// OrderRequest is a venue-neutral order submission. ClientOrderID is the
// idempotency key; resubmitting the same ID must not create a second order.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string // BUY or SELL
	Type          string // MARKET or LIMIT
	Price         decimal.Decimal
	Size          decimal.Decimal
	ReduceOnly    bool
	TimeInForce   string
}

// OrderAck is the immediate venue response to a submission.
type OrderAck struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          string
}

// OrderState is the venue's current view of an order, polled during the
// fill-tracking loop and by reconciliation.
type OrderState struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            string
	Status          string // venue-native status string
	Price           decimal.Decimal
	Size            decimal.Decimal
	FilledSize      decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Fee             decimal.Decimal
	UpdatedAt       int64
}

// Position is the venue's view of one open position.
type Position struct {
	Symbol        string
	Side          string // long or short
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	Leverage      float64
	UnrealizedPnL decimal.Decimal
	Margin        decimal.Decimal
	LiqPrice      decimal.Decimal
	UpdatedAt     int64
	Raw           []byte
}

// Balance is the venue's view of one currency's account balance.
type Balance struct {
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
	Used      decimal.Decimal
	UpdatedAt int64
	Raw       []byte
}
