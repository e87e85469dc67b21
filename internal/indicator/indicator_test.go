package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/market"
)

func constantSeries(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func rampSeries(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestSeriesLengthsMatchInput(t *testing.T) {
	closes := rampSeries(100, 100, 0.5)
	highs := rampSeries(100, 101, 0.5)
	lows := rampSeries(100, 99, 0.5)

	assert.Len(t, EMA(closes, 21), 100)
	assert.Len(t, SMA(closes, 20), 100)
	assert.Len(t, RSI(closes, 14), 100)
	assert.Len(t, ATR(highs, lows, closes, 14), 100)
	assert.Len(t, ADX(highs, lows, closes, 14), 100)
	assert.Len(t, BollingerWidth(closes, 20, 2.0), 100)
	assert.Len(t, ZScore(closes, 20), 100)
	assert.Len(t, PriceEfficiency(closes, 10), 100)
	assert.Len(t, VolumeSurge(closes, 5, 20), 100)
}

func TestWarmupIsNaN(t *testing.T) {
	closes := rampSeries(50, 100, 1)

	ema := EMA(closes, 21)
	for i := 0; i < 20; i++ {
		assert.True(t, math.IsNaN(ema[i]), "ema[%d]", i)
	}
	assert.True(t, Valid(ema[20]))

	rsi := RSI(closes, 14)
	for i := 0; i < 14; i++ {
		assert.True(t, math.IsNaN(rsi[i]), "rsi[%d]", i)
	}
	assert.True(t, Valid(rsi[14]))
}

func TestInsufficientDataAllNaN(t *testing.T) {
	short := rampSeries(5, 100, 1)
	for _, v := range EMA(short, 21) {
		assert.True(t, math.IsNaN(v))
	}
	assert.True(t, math.IsNaN(LastValid(EMA(short, 21))))
}

func TestRSIExtremesOnMonotonicSeries(t *testing.T) {
	up := rampSeries(60, 100, 1)
	rsiUp := LastValid(RSI(up, 14))
	require.True(t, Valid(rsiUp))
	assert.Greater(t, rsiUp, 90.0)

	down := rampSeries(60, 200, -1)
	rsiDown := LastValid(RSI(down, 14))
	require.True(t, Valid(rsiDown))
	assert.Less(t, rsiDown, 10.0)
}

func TestBollingerWidthShrinksWhenFlat(t *testing.T) {
	flat := constantSeries(60, 100)
	w := LastValid(BollingerWidth(flat, 20, 2.0))
	require.True(t, Valid(w))
	assert.InDelta(t, 0, w, 1e-9)
}

func TestPriceEfficiencyStraightLine(t *testing.T) {
	line := rampSeries(40, 100, 2)
	eff := LastValid(PriceEfficiency(line, 10))
	require.True(t, Valid(eff))
	assert.InDelta(t, 1.0, eff, 1e-9)

	// Perfect zig-zag nets out to nothing.
	zig := make([]float64, 41)
	for i := range zig {
		if i%2 == 0 {
			zig[i] = 100
		} else {
			zig[i] = 101
		}
	}
	effZig := LastValid(PriceEfficiency(zig, 10))
	require.True(t, Valid(effZig))
	assert.Less(t, effZig, 0.2)
}

func TestPercentileRank(t *testing.T) {
	vals := rampSeries(30, 1, 1)
	pr := PercentileRank(vals, 10)
	// The last value is the max of its window.
	assert.InDelta(t, 100, pr[len(pr)-1], 1e-9)

	desc := rampSeries(30, 30, -1)
	prDesc := PercentileRank(desc, 10)
	assert.InDelta(t, 10, prDesc[len(prDesc)-1], 1e-9)
}

func TestVolumeSurge(t *testing.T) {
	vols := constantSeries(40, 100)
	// Double the last five bars.
	for i := 35; i < 40; i++ {
		vols[i] = 200
	}
	surge := LastValid(VolumeSurge(vols, 5, 20))
	require.True(t, Valid(surge))
	assert.Greater(t, surge, 0.5)
}

func TestExtract(t *testing.T) {
	candles := []market.Candle{
		{Timestamp: 1, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Timestamp: 2, Open: 1.5, High: 3, Low: 1, Close: 2.5, Volume: 20},
	}
	s := Extract(candles)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, []float64{1.5, 2.5}, s.Closes)
	assert.Equal(t, []int64{1, 2}, s.Timestamps)
}
