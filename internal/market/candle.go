package market

import "fmt"

// Candle is one closed OHLCV bar. Timestamp is the bar open time in UTC
// epoch milliseconds, aligned to the timeframe grid.
type Candle struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Validate enforces the persisted-candle invariants: low <= open,close <= high
// and non-negative volume.
func (c Candle) Validate() error {
	if c.Timestamp <= 0 {
		return fmt.Errorf("candle %s/%s: timestamp must be positive", c.Symbol, c.Timeframe)
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle %s/%s@%d: OHLC out of range", c.Symbol, c.Timeframe, c.Timestamp)
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s/%s@%d: negative volume", c.Symbol, c.Timeframe, c.Timestamp)
	}
	return nil
}

// FundingRate is one perpetual funding observation.
type FundingRate struct {
	Symbol        string  `json:"symbol"`
	Timestamp     int64   `json:"timestamp"`
	Rate          float64 `json:"rate"`
	NextFundingTS int64   `json:"next_funding_ts"`
}

// PriceSnapshot carries last/mark/index prices at one instant.
type PriceSnapshot struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Last      float64 `json:"last"`
	Mark      float64 `json:"mark"`
	Index     float64 `json:"index"`
}

// OpenInterest is a best-effort derivative snapshot; some venues omit it.
type OpenInterest struct {
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Contracts float64 `json:"contracts"`
	Notional  float64 `json:"notional"`
}
