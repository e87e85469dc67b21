package strategy

import (
	"context"

	"arena/internal/indicator"
)

// BollingerRange fades band touches inside a quiet range, targeting the
// mid band with a fixed percentage stop.
type BollingerRange struct {
	base
}

func NewBollingerRange(symbol, timeframe string, params Params) *BollingerRange {
	return &BollingerRange{base: newBase("bollinger_range", symbol, timeframe, params)}
}

func (s *BollingerRange) Evaluate(ctx context.Context, data DataProvider) (Signal, error) {
	candles, err := s.candles(ctx, data)
	if err != nil {
		return Signal{}, err
	}
	period := int(s.params.get("bb_period", 20))
	if len(candles) < period+5 {
		return s.hold(candles, "not_enough_data"), nil
	}

	series := indicator.Extract(candles)
	std := s.params.get("bb_std", 2.0)
	upperS, midS, lowerS := indicator.Bollinger(series.Closes, period, std)
	upper := indicator.LastValid(upperS)
	mid := indicator.LastValid(midS)
	lower := indicator.LastValid(lowerS)
	rsi := indicator.LastValid(indicator.RSI(series.Closes, 14))

	if !indicator.Valid(upper) || !indicator.Valid(mid) || !indicator.Valid(lower) || mid == 0 {
		return s.hold(candles, "not_enough_data"), nil
	}

	bandwidth := (upper - lower) / mid
	if bandwidth > s.params.get("bandwidth_max", 0.04) {
		return s.hold(candles, "bandwidth_too_wide"), nil
	}

	n := len(candles)
	price := candles[n-1].Close
	ts := candles[n-1].Timestamp
	touch := s.params.get("touch_threshold", 1.005)
	stopPct := s.params.get("stop_loss_pct", 0.02)

	if price <= lower*touch && rsi < s.params.get("rsi_oversold", 35) {
		sig := s.signal(SignalBuy, 0.75, ts, price, "Price touched lower band in low-volatility range.")
		sig.StopLoss = price * (1 - stopPct)
		sig.TakeProfit = mid
		sig.PositionSize = s.params.get("max_position", 0.25)
		sig.Leverage = s.params.get("max_leverage", 2)
		return sig, nil
	}

	if price >= upper/touch && rsi > s.params.get("rsi_overbought", 65) {
		sig := s.signal(SignalSell, 0.75, ts, price, "Price touched upper band in low-volatility range.")
		sig.StopLoss = price * (1 + stopPct)
		sig.TakeProfit = mid
		sig.PositionSize = s.params.get("max_position", 0.25)
		sig.Leverage = s.params.get("max_leverage", 2)
		return sig, nil
	}

	return s.hold(candles, "no_signal"), nil
}

var _ Strategy = (*BollingerRange)(nil)
