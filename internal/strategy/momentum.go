package strategy

import (
	"context"
	"fmt"
	"math"

	"arena/internal/indicator"
)

// Momentum requires price, volume and RSI momentum to agree on two
// consecutive bars before entering.
type Momentum struct {
	base
}

func NewMomentum(symbol, timeframe string, params Params) *Momentum {
	return &Momentum{base: newBase("momentum", symbol, timeframe, params)}
}

func (s *Momentum) Evaluate(ctx context.Context, data DataProvider) (Signal, error) {
	candles, err := s.candles(ctx, data)
	if err != nil {
		return Signal{}, err
	}
	period := int(s.params.get("momentum_period", 14))
	rsiPeriod := int(s.params.get("rsi_period", 14))
	atrPeriod := int(s.params.get("atr_period", 14))
	minLen := period + 2
	if rsiPeriod+2 > minLen {
		minLen = rsiPeriod + 2
	}
	if atrPeriod+2 > minLen {
		minLen = atrPeriod + 2
	}
	// RSI momentum compares against the RSI period bars back, which itself
	// needs a full warm-up.
	if len(candles) < minLen+rsiPeriod+period {
		return s.hold(candles, "not_enough_data"), nil
	}

	series := indicator.Extract(candles)
	n := len(candles)
	price := candles[n-1].Close
	ts := candles[n-1].Timestamp
	if price <= 0 {
		return s.hold(candles, "invalid_price"), nil
	}

	rsiSeries := indicator.RSI(series.Closes, rsiPeriod)
	atr := indicator.LastValid(indicator.ATR(series.Highs, series.Lows, series.Closes, atrPeriod))
	volMA := indicator.LastValid(indicator.SMA(series.Volumes, period))

	priceMom := pctChange(series.Closes, n-1, period)
	priceMomPrev := pctChange(series.Closes, n-2, period)
	rsiMom := pctChange(rsiSeries, n-1, period) * 100
	rsiMomPrev := pctChange(rsiSeries, n-2, period) * 100

	volumeRatio := 0.0
	if indicator.Valid(volMA) && volMA > 0 {
		volumeRatio = candles[n-1].Volume / volMA
	}

	priceThreshold := s.params.get("price_momentum_threshold", 0.05)
	volumeThreshold := s.params.get("volume_momentum_threshold", 1.3)
	rsiThreshold := s.params.get("rsi_momentum_threshold", 5)

	longConfirmed := priceMom >= priceThreshold &&
		volumeRatio >= volumeThreshold &&
		rsiMom >= rsiThreshold &&
		priceMomPrev > 0 && rsiMomPrev > 0
	shortConfirmed := priceMom <= -priceThreshold &&
		volumeRatio >= volumeThreshold &&
		rsiMom <= -rsiThreshold &&
		priceMomPrev < 0 && rsiMomPrev < 0

	if !indicator.Valid(atr) {
		atr = 0
	}
	stopATR := s.params.get("stop_loss_atr", 2.5)
	profitATR := s.params.get("take_profit_atr", 5.0)

	if longConfirmed {
		sig := s.signal(SignalBuy, 0.8, ts, price,
			fmt.Sprintf("Momentum aligned up: price %.2f%%, volume %.2fx, rsi %.2f%%.", priceMom*100, volumeRatio, rsiMom))
		if atr > 0 {
			sig.StopLoss = price - atr*stopATR
			sig.TakeProfit = price + atr*profitATR
		}
		sig.PositionSize = s.params.get("max_position", 0.20)
		sig.Leverage = s.params.get("max_leverage", 3)
		return sig, nil
	}
	if shortConfirmed {
		sig := s.signal(SignalSell, 0.8, ts, price,
			fmt.Sprintf("Momentum aligned down: price %.2f%%, volume %.2fx, rsi %.2f%%.", priceMom*100, volumeRatio, rsiMom))
		if atr > 0 {
			sig.StopLoss = price + atr*stopATR
			sig.TakeProfit = price - atr*profitATR
		}
		sig.PositionSize = s.params.get("max_position", 0.20)
		sig.Leverage = s.params.get("max_leverage", 3)
		return sig, nil
	}

	if volumeRatio < volumeThreshold ||
		math.Abs(priceMom) < priceThreshold ||
		math.Abs(rsiMom) < rsiThreshold {
		return s.hold(candles, "weak_momentum"), nil
	}
	return s.hold(candles, "no_signal"), nil
}

// pctChange returns the relative change between index i and i-period,
// zero when either side is unusable.
func pctChange(values []float64, i, period int) float64 {
	if i < period || i >= len(values) {
		return 0
	}
	cur, prev := values[i], values[i-period]
	if !indicator.Valid(cur) || !indicator.Valid(prev) || prev == 0 {
		return 0
	}
	return (cur - prev) / prev
}

var _ Strategy = (*Momentum)(nil)
