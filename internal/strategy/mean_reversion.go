package strategy

import (
	"context"
	"fmt"

	"arena/internal/indicator"
)

// MeanReversion fades Z-score extremes confirmed by RSI, skipping entries
// when ADX says the tape is trending.
type MeanReversion struct {
	base
}

func NewMeanReversion(symbol, timeframe string, params Params) *MeanReversion {
	return &MeanReversion{base: newBase("mean_reversion", symbol, timeframe, params)}
}

func (s *MeanReversion) Evaluate(ctx context.Context, data DataProvider) (Signal, error) {
	candles, err := s.candles(ctx, data)
	if err != nil {
		return Signal{}, err
	}
	maPeriod := int(s.params.get("ma_period", 20))
	rsiPeriod := int(s.params.get("rsi_period", 14))
	minLen := maPeriod + 2
	if rsiPeriod+2 > minLen {
		minLen = rsiPeriod + 2
	}
	if len(candles) < minLen {
		return s.hold(candles, "not_enough_data"), nil
	}

	series := indicator.Extract(candles)
	n := len(candles)
	price := candles[n-1].Close
	ts := candles[n-1].Timestamp
	if price <= 0 {
		return s.hold(candles, "invalid_price"), nil
	}

	zscores := indicator.ZScore(series.Closes, maPeriod)
	z := zscores[n-1]
	prevZ := zscores[n-2]
	if !indicator.Valid(z) {
		return s.hold(candles, "invalid_stats"), nil
	}
	if !indicator.Valid(prevZ) {
		prevZ = 0
	}
	mean := indicator.LastValid(indicator.SMA(series.Closes, maPeriod))
	rsi := indicator.LastValid(indicator.RSI(series.Closes, rsiPeriod))
	adx := indicator.LastValid(indicator.ADX(series.Highs, series.Lows, series.Closes, rsiPeriod))
	if !indicator.Valid(rsi) {
		rsi = 0
	}
	if !indicator.Valid(adx) {
		adx = 0
	}

	entryStd := s.params.get("entry_std", 2.0)
	exitStd := s.params.get("exit_std", 0.5)

	// Trend filter: no fresh fades in a strong trend, but exits still fire.
	if adx > 25 {
		if prevZ >= exitStd && z < exitStd {
			return s.signal(SignalCloseShort, 0.6, ts, price, "mean_reversion_exit_short"), nil
		}
		if prevZ <= -exitStd && z > -exitStd {
			return s.signal(SignalCloseLong, 0.6, ts, price, "mean_reversion_exit_long"), nil
		}
		return s.hold(candles, "trend_filter"), nil
	}

	stopPct := s.params.get("stop_loss_pct", 0.03)
	if rsi < s.params.get("rsi_oversold", 30) && z <= -entryStd {
		sig := s.signal(SignalBuy, 0.78, ts, price,
			fmt.Sprintf("Z-score %.2f and RSI %.1f oversold.", z, rsi))
		sig.StopLoss = price * (1 - stopPct)
		sig.TakeProfit = mean
		sig.PositionSize = s.params.get("max_position", 0.25)
		sig.Leverage = s.params.get("max_leverage", 2)
		return sig, nil
	}
	if rsi > s.params.get("rsi_overbought", 70) && z >= entryStd {
		sig := s.signal(SignalSell, 0.78, ts, price,
			fmt.Sprintf("Z-score %.2f and RSI %.1f overbought.", z, rsi))
		sig.StopLoss = price * (1 + stopPct)
		sig.TakeProfit = mean
		sig.PositionSize = s.params.get("max_position", 0.25)
		sig.Leverage = s.params.get("max_leverage", 2)
		return sig, nil
	}

	if prevZ >= exitStd && z < exitStd {
		return s.signal(SignalCloseShort, 0.6, ts, price, "mean_reversion_exit_short"), nil
	}
	if prevZ <= -exitStd && z > -exitStd {
		return s.signal(SignalCloseLong, 0.6, ts, price, "mean_reversion_exit_long"), nil
	}
	return s.hold(candles, "no_signal"), nil
}

var _ Strategy = (*MeanReversion)(nil)
