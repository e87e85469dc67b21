package strategy

import (
	"context"
	"fmt"

	"arena/internal/indicator"
)

// Breakout trades closes beyond the recent high/low channel, confirmed by
// volume expansion, with ATR stops. Key levels come from the previous N
// bars so the breakout bar never defines its own level.
type Breakout struct {
	base
}

func NewBreakout(symbol, timeframe string, params Params) *Breakout {
	return &Breakout{base: newBase("breakout", symbol, timeframe, params)}
}

func (s *Breakout) Evaluate(ctx context.Context, data DataProvider) (Signal, error) {
	candles, err := s.candles(ctx, data)
	if err != nil {
		return Signal{}, err
	}
	lookback := int(s.params.get("lookback_period", 20))
	atrPeriod := int(s.params.get("atr_period", 14))
	minLen := lookback + 1
	if atrPeriod+1 > minLen {
		minLen = atrPeriod + 1
	}
	if len(candles) < minLen {
		return s.hold(candles, "not_enough_data"), nil
	}

	series := indicator.Extract(candles)
	atr := indicator.LastValid(indicator.ATR(series.Highs, series.Lows, series.Closes, atrPeriod))
	volMA := indicator.LastValid(indicator.SMA(series.Volumes, lookback))

	n := len(candles)
	price := candles[n-1].Close
	ts := candles[n-1].Timestamp
	if price <= 0 {
		return s.hold(candles, "invalid_price"), nil
	}

	resistance, support := channelLevels(series, n-1-lookback, n-1)

	threshold := s.params.get("breakout_threshold", 1.002)
	longBreakout := price >= resistance*threshold
	shortBreakout := price <= support/threshold

	volumeRatio := 0.0
	if indicator.Valid(volMA) && volMA > 0 {
		volumeRatio = candles[n-1].Volume / volMA
	}
	volumeOK := volumeRatio >= s.params.get("volume_threshold", 1.5)

	if !indicator.Valid(atr) {
		atr = 0
	}
	stopATR := s.params.get("stop_loss_atr", 2.0)
	profitATR := s.params.get("take_profit_atr", 4.0)

	if longBreakout && volumeOK {
		sig := s.signal(SignalBuy, 0.8, ts, price,
			fmt.Sprintf("Breakout above resistance %.2f with volume %.2fx.", resistance, volumeRatio))
		if atr > 0 {
			sig.StopLoss = price - atr*stopATR
			sig.TakeProfit = price + atr*profitATR
		}
		sig.PositionSize = s.params.get("max_position", 0.25)
		sig.Leverage = s.params.get("max_leverage", 3)
		return sig, nil
	}
	if shortBreakout && volumeOK {
		sig := s.signal(SignalSell, 0.8, ts, price,
			fmt.Sprintf("Breakdown below support %.2f with volume %.2fx.", support, volumeRatio))
		if atr > 0 {
			sig.StopLoss = price + atr*stopATR
			sig.TakeProfit = price - atr*profitATR
		}
		sig.PositionSize = s.params.get("max_position", 0.25)
		sig.Leverage = s.params.get("max_leverage", 3)
		return sig, nil
	}

	if longBreakout || shortBreakout {
		return s.hold(candles, "breakout_without_volume"), nil
	}
	return s.hold(candles, "no_signal"), nil
}

// channelLevels returns the high/low channel over bars [from, to).
func channelLevels(series indicator.Series, from, to int) (resistance, support float64) {
	if from < 0 {
		from = 0
	}
	resistance = series.Highs[from]
	support = series.Lows[from]
	for i := from + 1; i < to; i++ {
		if series.Highs[i] > resistance {
			resistance = series.Highs[i]
		}
		if series.Lows[i] < support {
			support = series.Lows[i]
		}
	}
	return resistance, support
}

var _ Strategy = (*Breakout)(nil)
