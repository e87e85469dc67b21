package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/market"
)

type fakeProvider struct {
	candles []market.Candle
	funding *market.FundingRate
}

func (f *fakeProvider) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if limit > 0 && len(f.candles) > limit {
		return f.candles[len(f.candles)-limit:], nil
	}
	return f.candles, nil
}

func (f *fakeProvider) LatestFunding(ctx context.Context, symbol string) (*market.FundingRate, error) {
	return f.funding, nil
}

func candlesFromCloses(closes []float64, volumes []float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		vol := 100.0
		if volumes != nil {
			vol = volumes[i]
		}
		out[i] = market.Candle{
			Symbol:    "BTC-USDT-SWAP",
			Timeframe: "1h",
			Timestamp: int64(i+1) * 3_600_000,
			Open:      c * 0.9995,
			High:      c * 1.001,
			Low:       c * 0.999,
			Close:     c,
			Volume:    vol,
		}
	}
	return out
}

func flatCloses(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestEMATrendInsufficientData(t *testing.T) {
	s := NewEMATrend("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(flatCloses(10, 50000), nil)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, SignalHold, sig.Type)
	assert.Equal(t, "not_enough_data", sig.Reasoning)
}

func TestEMATrendFlatMarketHolds(t *testing.T) {
	s := NewEMATrend("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(flatCloses(200, 50000), nil)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, SignalHold, sig.Type)
}

func TestEMATrendBuySignal(t *testing.T) {
	// Sawtooth uptrend with a 3:2 gain/loss ratio keeps RSI near 60 while
	// growing amplitude keeps MACD above its signal line.
	n := 200
	closes := make([]float64, n)
	closes[0] = 50000
	for i := 1; i < n; i++ {
		scale := 1 + float64(i)/200
		if i%2 == 1 {
			closes[i] = closes[i-1] + 30*scale
		} else {
			closes[i] = closes[i-1] - 20*scale
		}
	}
	volumes := make([]float64, n)
	for i := range volumes {
		volumes[i] = 100
	}
	volumes[n-1] = 260

	s := NewEMATrend("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(closes, volumes)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	require.Equal(t, SignalBuy, sig.Type, "reasoning: %s", sig.Reasoning)
	assert.InDelta(t, 0.85, sig.Confidence, 1e-9)
	assert.Greater(t, sig.TakeProfit, sig.Price)
	assert.Less(t, sig.StopLoss, sig.Price)
	assert.InDelta(t, 0.20, sig.PositionSize, 1e-9)
}

func TestBollingerRangeBuyOnLowerTouch(t *testing.T) {
	closes := flatCloses(100, 100)
	closes[99] = 99.5 // dip through the lower band of a tight range

	s := NewBollingerRange("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(closes, nil)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	require.Equal(t, SignalBuy, sig.Type, "reasoning: %s", sig.Reasoning)
	assert.Greater(t, sig.TakeProfit, sig.Price)
	assert.InDelta(t, sig.Price*0.98, sig.StopLoss, 1e-6)
}

func TestBollingerRangeHoldsWhenWide(t *testing.T) {
	// A strongly trending tape widens the bands beyond bandwidth_max.
	closes := make([]float64, 100)
	for i := range closes {
		closes[i] = 100 + float64(i)*2
	}
	s := NewBollingerRange("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(closes, nil)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, SignalHold, sig.Type)
	assert.Equal(t, "bandwidth_too_wide", sig.Reasoning)
}

func TestBreakoutBuyWithVolume(t *testing.T) {
	closes := flatCloses(100, 100)
	closes[99] = 103
	volumes := make([]float64, 100)
	for i := range volumes {
		volumes[i] = 100
	}
	volumes[99] = 300

	s := NewBreakout("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(closes, volumes)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	require.Equal(t, SignalBuy, sig.Type, "reasoning: %s", sig.Reasoning)
	assert.Contains(t, sig.Reasoning, "Breakout above resistance")
}

func TestBreakoutWithoutVolumeHolds(t *testing.T) {
	closes := flatCloses(100, 100)
	closes[99] = 103

	s := NewBreakout("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(closes, nil)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, SignalHold, sig.Type)
	assert.Equal(t, "breakout_without_volume", sig.Reasoning)
}

func TestMeanReversionSellOnSpike(t *testing.T) {
	closes := flatCloses(100, 100)
	closes[99] = 101 // z-score well above entry_std on a quiet tape

	s := NewMeanReversion("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(closes, nil)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	require.Equal(t, SignalSell, sig.Type, "reasoning: %s", sig.Reasoning)
	assert.Less(t, sig.TakeProfit, sig.Price)
}

func TestFundingArbEntryAfterSustainedFunding(t *testing.T) {
	s := NewFundingArb("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{
		candles: candlesFromCloses(flatCloses(30, 50000), nil),
		funding: &market.FundingRate{Symbol: "BTC-USDT-SWAP", Timestamp: 1, Rate: 0.002},
	}
	ctx := context.Background()

	// First two observations: elevated but not yet sustained.
	for i := 0; i < 2; i++ {
		sig, err := s.Evaluate(ctx, provider)
		require.NoError(t, err)
		assert.Equal(t, SignalHold, sig.Type)
	}

	sig, err := s.Evaluate(ctx, provider)
	require.NoError(t, err)
	require.Equal(t, SignalBuy, sig.Type)
	assert.InDelta(t, 0.9, sig.Confidence, 1e-9)
	assert.InDelta(t, 0.50, sig.PositionSize, 1e-9)
	assert.InDelta(t, 1, sig.Leverage, 1e-9)

	// Funding normalizes: exit.
	provider.funding = &market.FundingRate{Symbol: "BTC-USDT-SWAP", Timestamp: 2, Rate: 0.0001}
	sig, err = s.Evaluate(ctx, provider)
	require.NoError(t, err)
	assert.Equal(t, SignalCloseLong, sig.Type)
}

func TestFundingArbNoData(t *testing.T) {
	s := NewFundingArb("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(flatCloses(30, 50000), nil)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, SignalHold, sig.Type)
	assert.Equal(t, "no_funding_data", sig.Reasoning)
}

func TestGridBuysCrossedLevel(t *testing.T) {
	closes := flatCloses(60, 100)
	closes[58] = 100
	closes[59] = 98.2 // crosses down through a lower grid level

	s := NewGrid("BTC-USDT-SWAP", "1h", nil)
	provider := &fakeProvider{candles: candlesFromCloses(closes, nil)}

	sig, err := s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	require.Equal(t, SignalBuy, sig.Type, "reasoning: %s", sig.Reasoning)
	assert.InDelta(t, 0.05, sig.PositionSize, 1e-9)

	// Crossing back up through the filled level sells it.
	closes = append(closes, 100.5)
	provider.candles = candlesFromCloses(closes, nil)
	sig, err = s.Evaluate(context.Background(), provider)
	require.NoError(t, err)
	assert.Equal(t, SignalSell, sig.Type)
}

func TestLibraryDefaults(t *testing.T) {
	lib := NewLibrary("BTC-USDT-SWAP", "1h", nil, nil)

	enabled := lib.ListEnabled()
	keys := make([]string, 0, len(enabled))
	for _, spec := range enabled {
		keys = append(keys, spec.Key)
	}
	assert.ElementsMatch(t, []string{"ema_trend", "bollinger_range", "funding_rate_arbitrage"}, keys)

	all := lib.ListAll()
	assert.Len(t, all, 7)
}

func TestLibraryBuildUnknown(t *testing.T) {
	lib := NewLibrary("BTC-USDT-SWAP", "1h", nil, nil)
	_, err := lib.Build("onchain_signal")
	assert.Error(t, err)
}

func TestLibraryParamsOverride(t *testing.T) {
	lib := NewLibrary("BTC-USDT-SWAP", "1h", []string{"ema_trend"},
		map[string]map[string]float64{"ema_trend": {"max_leverage": 5}})

	strategies, err := lib.BuildEnabled()
	require.NoError(t, err)
	require.Len(t, strategies, 1)

	ema, ok := strategies[0].(*EMATrend)
	require.True(t, ok)
	assert.InDelta(t, 5, ema.params.get("max_leverage", 3), 1e-9)
}
