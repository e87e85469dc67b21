package strategy

import (
	"context"
	"fmt"

	"arena/internal/indicator"
)

// EMATrend follows stacked EMAs with MACD and volume confirmation, sized
// with ATR stops.
type EMATrend struct {
	base
}

func NewEMATrend(symbol, timeframe string, params Params) *EMATrend {
	return &EMATrend{base: newBase("ema_trend", symbol, timeframe, params)}
}

func (s *EMATrend) Evaluate(ctx context.Context, data DataProvider) (Signal, error) {
	candles, err := s.candles(ctx, data)
	if err != nil {
		return Signal{}, err
	}
	slowPeriod := int(s.params.get("ema_slow", 55))
	if len(candles) < slowPeriod+5 {
		return s.hold(candles, "not_enough_data"), nil
	}

	series := indicator.Extract(candles)
	fast := indicator.LastValid(indicator.EMA(series.Closes, int(s.params.get("ema_fast", 9))))
	medium := indicator.LastValid(indicator.EMA(series.Closes, int(s.params.get("ema_medium", 21))))
	slow := indicator.LastValid(indicator.EMA(series.Closes, slowPeriod))
	atr := indicator.LastValid(indicator.ATR(series.Highs, series.Lows, series.Closes, int(s.params.get("atr_period", 14))))
	rsi := indicator.LastValid(indicator.RSI(series.Closes, 14))
	volMA := indicator.LastValid(indicator.SMA(series.Volumes, 20))
	macd, macdSignal, _ := indicator.MACD(series.Closes, 12, 26, 9)
	macdVal := indicator.LastValid(macd)
	macdSig := indicator.LastValid(macdSignal)

	if !indicator.Valid(fast) || !indicator.Valid(medium) || !indicator.Valid(slow) || !indicator.Valid(rsi) {
		return s.hold(candles, "not_enough_data"), nil
	}

	n := len(candles)
	price := candles[n-1].Close
	ts := candles[n-1].Timestamp
	volume := candles[n-1].Volume

	uptrend := fast > medium && medium > slow && price > fast
	downtrend := fast < medium && medium < slow && price < fast
	volumeOK := indicator.Valid(volMA) && volume > volMA*s.params.get("volume_threshold", 1.2)
	macdBullish := indicator.Valid(macdVal) && macdVal > macdSig && macdVal > 0
	macdBearish := indicator.Valid(macdVal) && macdVal < macdSig && macdVal < 0

	stopATR := s.params.get("stop_loss_atr", 2.0)
	profitATR := s.params.get("take_profit_atr", 4.0)
	if !indicator.Valid(atr) {
		atr = 0
	}

	if uptrend && macdBullish && volumeOK &&
		rsi > s.params.get("rsi_min", 50) && rsi < s.params.get("rsi_max", 70) {
		sig := s.signal(SignalBuy, 0.85, ts, price, "EMA trend up with MACD confirmation and volume surge.")
		if atr > 0 {
			sig.StopLoss = price - atr*stopATR
			sig.TakeProfit = price + atr*profitATR
		}
		sig.PositionSize = s.params.get("max_position", 0.20)
		sig.Leverage = s.params.get("max_leverage", 3)
		return sig, nil
	}

	if downtrend && macdBearish && volumeOK &&
		rsi > s.params.get("rsi_short_min", 30) && rsi < s.params.get("rsi_short_max", 50) {
		sig := s.signal(SignalSell, 0.85, ts, price, "EMA trend down with MACD confirmation and volume surge.")
		if atr > 0 {
			sig.StopLoss = price + atr*stopATR
			sig.TakeProfit = price - atr*profitATR
		}
		sig.PositionSize = s.params.get("max_position", 0.20)
		sig.Leverage = s.params.get("max_leverage", 3)
		return sig, nil
	}

	return s.hold(candles, "no_signal"), nil
}

var _ Strategy = (*EMATrend)(nil)

func (s *EMATrend) String() string {
	return fmt.Sprintf("ema_trend(%s/%s)", s.symbol, s.timeframe)
}
