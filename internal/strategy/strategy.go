// Package strategy holds the signal library. Strategies are pure readers:
// they consume candles and funding through DataProvider and emit advisory
// signals; sizing and execution decisions happen downstream.
package strategy

import (
	"context"

	"arena/internal/market"
	"arena/internal/regime"
)

type SignalType string

const (
	SignalBuy        SignalType = "BUY"
	SignalSell       SignalType = "SELL"
	SignalHold       SignalType = "HOLD"
	SignalCloseLong  SignalType = "CLOSE_LONG"
	SignalCloseShort SignalType = "CLOSE_SHORT"
)

// Signal is one strategy verdict. Zero StopLoss/TakeProfit/PositionSize
// mean the strategy declined to set them.
type Signal struct {
	Strategy     string     `json:"strategy"`
	Symbol       string     `json:"symbol"`
	Timeframe    string     `json:"timeframe"`
	Type         SignalType `json:"signal_type"`
	Confidence   float64    `json:"confidence"`
	Timestamp    int64      `json:"timestamp"`
	Price        float64    `json:"price"`
	StopLoss     float64    `json:"stop_loss,omitempty"`
	TakeProfit   float64    `json:"take_profit,omitempty"`
	PositionSize float64    `json:"position_size,omitempty"`
	Leverage     float64    `json:"leverage,omitempty"`
	Reasoning    string     `json:"reasoning"`
}

// Actionable reports whether the signal asks for a position change.
func (s Signal) Actionable() bool {
	return s.Type != SignalHold
}

// DataProvider is the narrow read surface strategies are allowed to touch.
type DataProvider interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)
	LatestFunding(ctx context.Context, symbol string) (*market.FundingRate, error)
}

// Strategy evaluates current market data into one signal.
type Strategy interface {
	Key() string
	Evaluate(ctx context.Context, data DataProvider) (Signal, error)
}

// Params carries per-strategy tuning knobs, loaded from the params file and
// falling back to built-in defaults.
type Params map[string]float64

func (p Params) get(key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

const defaultDataLimit = 300

// base carries the fields every strategy shares.
type base struct {
	key       string
	symbol    string
	timeframe string
	params    Params
	dataLimit int
}

func newBase(key, symbol, timeframe string, params Params) base {
	if params == nil {
		params = Params{}
	}
	return base{
		key:       key,
		symbol:    symbol,
		timeframe: timeframe,
		params:    params,
		dataLimit: defaultDataLimit,
	}
}

func (b base) Key() string { return b.key }

func (b base) candles(ctx context.Context, data DataProvider) ([]market.Candle, error) {
	return data.Candles(ctx, b.symbol, b.timeframe, b.dataLimit)
}

func (b base) hold(candles []market.Candle, reason string) Signal {
	s := Signal{
		Strategy:  b.key,
		Symbol:    b.symbol,
		Timeframe: b.timeframe,
		Type:      SignalHold,
		Reasoning: reason,
	}
	if n := len(candles); n > 0 {
		s.Timestamp = candles[n-1].Timestamp
		s.Price = candles[n-1].Close
	}
	return s
}

func (b base) signal(t SignalType, confidence float64, ts int64, price float64, reasoning string) Signal {
	return Signal{
		Strategy:   b.key,
		Symbol:     b.symbol,
		Timeframe:  b.timeframe,
		Type:       t,
		Confidence: confidence,
		Timestamp:  ts,
		Price:      price,
		Reasoning:  reasoning,
	}
}

// Affinity pairs a strategy with the regimes it declares fit for; scoring
// uses the normalized labels TREND, RANGE and BREAKOUT.
type Affinity []regime.Label
