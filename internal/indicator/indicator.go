// Package indicator wraps go-talib for the series the classifier and
// strategies consume. Every function returns a series the same length as
// its input, with NaN marking warm-up positions, so callers can index by
// bar without offset bookkeeping.
package indicator

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"arena/internal/market"
)

// Series extracts the per-field slices strategies work with.
type Series struct {
	Timestamps []int64
	Opens      []float64
	Highs      []float64
	Lows       []float64
	Closes     []float64
	Volumes    []float64
}

func Extract(candles []market.Candle) Series {
	s := Series{
		Timestamps: make([]int64, len(candles)),
		Opens:      make([]float64, len(candles)),
		Highs:      make([]float64, len(candles)),
		Lows:       make([]float64, len(candles)),
		Closes:     make([]float64, len(candles)),
		Volumes:    make([]float64, len(candles)),
	}
	for i, c := range candles {
		s.Timestamps[i] = c.Timestamp
		s.Opens[i] = c.Open
		s.Highs[i] = c.High
		s.Lows[i] = c.Low
		s.Closes[i] = c.Close
		s.Volumes[i] = c.Volume
	}
	return s
}

func (s Series) Len() int { return len(s.Closes) }

// EMA returns the exponential moving average with NaN for the first
// period-1 bars. TALib seeds those positions with zeros.
func EMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nanSeries(len(values))
	}
	return maskWarmup(talib.Ema(values, period), period-1)
}

// SMA returns the simple moving average with NaN warm-up.
func SMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return nanSeries(len(values))
	}
	return maskWarmup(talib.Sma(values, period), period-1)
}

// RSI returns the relative strength index, range 0..100.
func RSI(values []float64, period int) []float64 {
	if len(values) <= period || period <= 0 {
		return nanSeries(len(values))
	}
	return maskWarmup(talib.Rsi(values, period), period)
}

// MACD returns the macd line, signal line and histogram.
func MACD(values []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	warm := slow + signal - 2
	if len(values) <= warm {
		n := nanSeries(len(values))
		return n, append([]float64(nil), n...), append([]float64(nil), n...)
	}
	m, s, h := talib.Macd(values, fast, slow, signal)
	return maskWarmup(m, warm), maskWarmup(s, warm), maskWarmup(h, warm)
}

// Bollinger returns upper, middle and lower bands.
func Bollinger(values []float64, period int, stddev float64) (upper, middle, lower []float64) {
	if len(values) < period || period <= 0 {
		n := nanSeries(len(values))
		return n, append([]float64(nil), n...), append([]float64(nil), n...)
	}
	u, m, l := talib.BBands(values, period, stddev, stddev, talib.SMA)
	return maskWarmup(u, period-1), maskWarmup(m, period-1), maskWarmup(l, period-1)
}

// BollingerWidth returns (upper-lower)/middle, the normalized band width.
func BollingerWidth(values []float64, period int, stddev float64) []float64 {
	upper, middle, lower := Bollinger(values, period, stddev)
	out := make([]float64, len(values))
	for i := range out {
		if math.IsNaN(middle[i]) || middle[i] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = (upper[i] - lower[i]) / middle[i]
	}
	return out
}

// ATR returns the average true range.
func ATR(highs, lows, closes []float64, period int) []float64 {
	if len(closes) <= period || period <= 0 {
		return nanSeries(len(closes))
	}
	return maskWarmup(talib.Atr(highs, lows, closes, period), period)
}

// ADX returns the average directional index, range 0..100.
func ADX(highs, lows, closes []float64, period int) []float64 {
	warm := 2 * period
	if len(closes) <= warm || period <= 0 {
		return nanSeries(len(closes))
	}
	return maskWarmup(talib.Adx(highs, lows, closes, period), warm-1)
}

// ZScore returns (value - SMA) / stddev over a rolling window.
func ZScore(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if len(values) < period || period <= 0 {
		return out
	}
	mean := talib.Sma(values, period)
	dev := talib.StdDev(values, period, 1.0)
	for i := period - 1; i < len(values); i++ {
		if dev[i] == 0 {
			continue
		}
		out[i] = (values[i] - mean[i]) / dev[i]
	}
	return out
}

// PercentileRank returns the percentile (0..100) of the last value of each
// rolling lookback window. Regime classification uses it to place current
// ATR against its own history.
func PercentileRank(values []float64, lookback int) []float64 {
	out := nanSeries(len(values))
	if lookback <= 1 {
		return out
	}
	for i := lookback - 1; i < len(values); i++ {
		cur := values[i]
		if math.IsNaN(cur) {
			continue
		}
		below, valid := 0, 0
		for j := i - lookback + 1; j <= i; j++ {
			if math.IsNaN(values[j]) {
				continue
			}
			valid++
			if values[j] <= cur {
				below++
			}
		}
		if valid > 0 {
			out[i] = 100 * float64(below) / float64(valid)
		}
	}
	return out
}

// PriceEfficiency returns |net move| / sum(|bar moves|) over period, the
// Kaufman efficiency ratio. 1 is a straight line, near 0 is chop.
func PriceEfficiency(closes []float64, period int) []float64 {
	out := nanSeries(len(closes))
	if period <= 0 {
		return out
	}
	for i := period; i < len(closes); i++ {
		net := math.Abs(closes[i] - closes[i-period])
		var path float64
		for j := i - period + 1; j <= i; j++ {
			path += math.Abs(closes[j] - closes[j-1])
		}
		if path > 0 {
			out[i] = net / path
		}
	}
	return out
}

// VolumeSurge returns recentAvg/baselineAvg - 1: how much recent volume
// runs above its baseline. Positive values mean expansion.
func VolumeSurge(volumes []float64, recent, baseline int) []float64 {
	out := nanSeries(len(volumes))
	if recent <= 0 || baseline <= recent {
		return out
	}
	recentAvg := talib.Sma(volumes, recent)
	baseAvg := talib.Sma(volumes, baseline)
	for i := baseline - 1; i < len(volumes); i++ {
		if baseAvg[i] == 0 {
			continue
		}
		out[i] = recentAvg[i]/baseAvg[i] - 1
	}
	return out
}

// VolumeTrend returns the relative change of the rolling volume average
// against its value period bars earlier. Positive means volume is building.
func VolumeTrend(volumes []float64, period int) []float64 {
	out := nanSeries(len(volumes))
	if period <= 0 || len(volumes) < 2*period {
		return out
	}
	ma := talib.Sma(volumes, period)
	for i := 2*period - 1; i < len(volumes); i++ {
		prev := ma[i-period]
		if prev == 0 {
			continue
		}
		out[i] = (ma[i] - prev) / prev
	}
	return out
}

// Last returns the final value of a series, NaN when empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

// LastValid walks back to the newest non-NaN value, NaN when none exists.
func LastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return math.NaN()
}

// Valid reports whether v is a usable number.
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// maskWarmup replaces the first n values with NaN. TALib seeds warm-up
// positions with zeros, which are indistinguishable from real values.
func maskWarmup(series []float64, n int) []float64 {
	if n > len(series) {
		n = len(series)
	}
	for i := 0; i < n; i++ {
		series[i] = math.NaN()
	}
	return series
}
