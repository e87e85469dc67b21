package regime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/market"
)

func TestClassifyLadder(t *testing.T) {
	c := NewClassifier(25, 0.04)

	cases := []struct {
		name    string
		signals Signals
		want    Label
	}{
		{
			name: "breakout on band expansion with volume",
			signals: Signals{
				BBWidthRatio: 1.8, BBWidth: 0.06, VolumeTrend: 0.3,
				ADX: 35, PriceEfficiency: 0.9,
			},
			want: Breakout,
		},
		{
			name:    "strong trend",
			signals: Signals{ADX: 35, PriceEfficiency: 0.8, ATRPercentile: 50},
			want:    StrongTrend,
		},
		{
			name:    "weak trend band",
			signals: Signals{ADX: 25, PriceEfficiency: 0.3, ATRPercentile: 50},
			want:    WeakTrend,
		},
		{
			name:    "high volatility",
			signals: Signals{ADX: 35, PriceEfficiency: 0.2, ATRPercentile: 85},
			want:    HighVolatility,
		},
		{
			name:    "low volatility",
			signals: Signals{ADX: 10, ATRPercentile: 10, BBWidth: 0.08},
			want:    LowVolatility,
		},
		{
			name:    "range on quiet narrow tape",
			signals: Signals{ADX: 15, ATRPercentile: 50, BBWidth: 0.02},
			want:    Range,
		},
		{
			name:    "narrow bands fall back to range",
			signals: Signals{ADX: 18, ATRPercentile: 50, BBWidth: 0.03},
			want:    Range,
		},
		{
			name:    "wide quiet tape defaults to breakout",
			signals: Signals{ADX: 18, ATRPercentile: 50, BBWidth: 0.08},
			want:    Breakout,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.signals))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Label("TREND"), Normalize(StrongTrend))
	assert.Equal(t, Label("TREND"), Normalize(WeakTrend))
	assert.Equal(t, Breakout, Normalize(HighVolatility))
	assert.Equal(t, Range, Normalize(LowVolatility))
	assert.Equal(t, Breakout, Normalize(Breakout))
	assert.Equal(t, Range, Normalize(Range))
}

func syntheticCandles(n int, price func(i int) float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		p := price(i)
		out[i] = market.Candle{
			Symbol:    "BTC-USDT-SWAP",
			Timeframe: "1h",
			Timestamp: int64(i+1) * 3_600_000,
			Open:      p * 0.999,
			High:      p * 1.002,
			Low:       p * 0.998,
			Close:     p,
			Volume:    100,
		}
	}
	return out
}

func TestComputeEmptyIsUnknown(t *testing.T) {
	c := NewClassifier(25, 0.04)
	snap := c.Compute(nil)
	assert.Equal(t, Unknown, snap.Current)
	assert.Empty(t, snap.History)
}

func TestComputeTrendingMarket(t *testing.T) {
	c := NewClassifier(25, 0.04)
	candles := syntheticCandles(200, func(i int) float64 {
		return 50000 + float64(i)*120
	})
	snap := c.Compute(candles)

	require.NotEqual(t, Unknown, snap.Current)
	assert.Len(t, snap.History, 5)
	assert.Greater(t, snap.Signals.ADX, 25.0)
	assert.Greater(t, snap.Signals.PriceEfficiency, 0.7)
	assert.Equal(t, Label("TREND"), Normalize(snap.Current))
	assert.Equal(t, candles[199].Close, snap.LastPrice)
	assert.Equal(t, candles[199].Timestamp, snap.Timestamp)
}

func TestComputeChoppyMarketNotTrend(t *testing.T) {
	c := NewClassifier(25, 0.04)
	candles := syntheticCandles(200, func(i int) float64 {
		return 50000 + 30*math.Sin(float64(i)/3)
	})
	snap := c.Compute(candles)

	require.NotEqual(t, Unknown, snap.Current)
	assert.NotEqual(t, StrongTrend, snap.Current)
	assert.Less(t, snap.Signals.PriceEfficiency, 0.5)
}
