package backtest

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"arena/internal/dataservice"
	"arena/internal/executor"
	"arena/internal/market"
	"arena/internal/store"
	"arena/internal/store/model"
	"arena/internal/strategy"
)

const testSymbol = "BTC-USDT-SWAP"

func hourMS(h int) int64 { return int64(h) * 3_600_000 }

func trendCandles(n int, start float64, drift float64) []market.Candle {
	out := make([]market.Candle, n)
	price := start
	for i := 0; i < n; i++ {
		open := price
		price += drift
		out[i] = market.Candle{
			Symbol:    testSymbol,
			Timeframe: "1h",
			Timestamp: hourMS(i),
			Open:      open,
			High:      math.Max(open, price) + 5,
			Low:       math.Min(open, price) - 5,
			Close:     price,
			Volume:    100,
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	data := dataservice.New(st, testSymbol)
	library := strategy.NewLibrary(testSymbol, "1h", nil, nil)
	return NewEngine(st, data, library, nil), st
}

func TestRunPersistsAndPinsInitialEquity(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	candles := trendCandles(400, 40_000, 25)
	_, err := st.UpsertCandles(ctx, candles)
	require.NoError(t, err)

	result, err := engine.Run(ctx, Request{
		Symbol:         testSymbol,
		Timeframe:      "1h",
		StartTS:        hourMS(150),
		EndTS:          hourMS(400),
		InitialCapital: 10_000,
		Strategy:       "ema_trend",
		FeeRate:        0.0005,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.EquityCurve)
	assert.InDelta(t, 10_000, result.EquityCurve[0].Equity, 1e-9)

	runs, err := st.ListBacktestRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, result.Run.RunID, runs[0].RunID)
	assert.Equal(t, "ema_trend", gjson.GetBytes(runs[0].Params, "strategy").String())
	assert.True(t, gjson.GetBytes(runs[0].Metrics, "total_return_pct").Exists())
	assert.True(t, gjson.GetBytes(runs[0].Metrics, "win_rate").Exists())
	assert.True(t, gjson.GetBytes(runs[0].Metrics, "max_drawdown_pct").Exists())

	// Final metric equals the last curve sample.
	final := gjson.GetBytes(runs[0].Metrics, "final_equity").Float()
	assert.InDelta(t, result.EquityCurve[len(result.EquityCurve)-1].Equity, final, 1e-6)
	assert.GreaterOrEqual(t, float64(result.Metrics.MaxDrawdownPct), 0.0)
}

func TestRunCapsPositionNotional(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	candles := trendCandles(400, 40_000, 25)
	_, err := st.UpsertCandles(ctx, candles)
	require.NoError(t, err)

	// ema_trend targets 20% of equity; a 1500 cap on 10k capital binds.
	result, err := engine.Run(ctx, Request{
		Symbol:         testSymbol,
		Timeframe:      "1h",
		StartTS:        hourMS(150),
		EndTS:          hourMS(400),
		InitialCapital: 10_000,
		Strategy:       "ema_trend",
		MaxNotional:    1_500,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Trades)
	for _, tr := range result.Trades {
		assert.LessOrEqual(t, tr.Amount*tr.EntryPrice, 1_500*1.01,
			"trade notional above cap: %f @ %f", tr.Amount, tr.EntryPrice)
	}
	assert.InDelta(t, 1_500, gjson.GetBytes(result.Run.Params, "max_notional").Float(), 1e-9)
}

func TestRunRejectsBadRequests(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Run(ctx, Request{Symbol: testSymbol, Timeframe: "7m", StartTS: 0, EndTS: 1, InitialCapital: 1, Strategy: "ema_trend"})
	require.Error(t, err)

	_, err = engine.Run(ctx, Request{Symbol: testSymbol, Timeframe: "1h", StartTS: 0, EndTS: hourMS(10), InitialCapital: 10_000, Strategy: "ema_trend"})
	require.Error(t, err) // no candles stored

	_, err = engine.Run(ctx, Request{Symbol: testSymbol, Timeframe: "1h", StartTS: 0, EndTS: hourMS(10), InitialCapital: 10_000, Strategy: "nope"})
	require.Error(t, err)
}

func TestSimulationRoundTrip(t *testing.T) {
	candles := trendCandles(4, 100, 0)
	// Deterministic tape: open 100 everywhere, then a winning long.
	candles[1].Open = 100
	candles[1].Close = 100
	candles[2].Open = 100
	candles[2].Close = 110
	candles[3].Open = 110
	candles[3].Close = 110

	req := Request{Symbol: testSymbol, Timeframe: "1h", InitialCapital: 10_000, Strategy: "x", FeeRate: 0}
	req.withDefaults()
	sim := newSimulation(req, candles, nil, executor.FixedSlippage{Bps: 0})

	// Close of bar 0 decides long 50%; filled at bar 1 open (100).
	sim.step(candles[0], candles[1], 0.5)
	assert.InDelta(t, 50, sim.units, 1e-9)
	assert.InDelta(t, 10_000, sim.curve[len(sim.curve)-1].Equity, 1e-9)

	// Hold through bar 2: equity marks to 10k + 50*(110-100).
	sim.step(candles[1], candles[2], 0.5)
	assert.InDelta(t, 10_500, sim.curve[len(sim.curve)-1].Equity, 1e-9)

	// Flat at bar 3 open (110): realize 500.
	sim.step(candles[2], candles[3], 0)
	sim.finish(candles[3])

	require.Len(t, sim.trades, 1)
	assert.Equal(t, "LONG", sim.trades[0].Side)
	assert.InDelta(t, 500, sim.trades[0].PnL, 1e-9)
	assert.InDelta(t, 0.1, sim.trades[0].ReturnPct, 1e-9)
	assert.InDelta(t, 10_500, sim.cash, 1e-9)
	assert.Zero(t, sim.units)
}

func TestSimulationFeesAndFlip(t *testing.T) {
	candles := trendCandles(4, 100, 0)
	for i := range candles {
		candles[i].Open = 100
		candles[i].Close = 100
	}

	req := Request{Symbol: testSymbol, Timeframe: "1h", InitialCapital: 10_000, Strategy: "x", FeeRate: 0.001}
	req.withDefaults()
	sim := newSimulation(req, candles, nil, executor.FixedSlippage{Bps: 0})

	sim.step(candles[0], candles[1], 0.5) // buy 50 units, fee 5
	assert.InDelta(t, 5, sim.feesPaid, 1e-9)

	sim.step(candles[1], candles[2], -0.5) // flip: close 50, open short
	require.Len(t, sim.trades, 1)
	assert.Equal(t, "LONG", sim.trades[0].Side)
	assert.Less(t, sim.units, 0.0)

	sim.step(candles[2], candles[3], 0)
	sim.finish(candles[3])
	require.Len(t, sim.trades, 2)
	assert.Equal(t, "SHORT", sim.trades[1].Side)
	// Flat prices, so equity only bleeds fees.
	assert.Less(t, sim.cash, 10_000.0)
}

func TestDrawdownAndDuration(t *testing.T) {
	curve := []Point{
		{Timestamp: 0, Equity: 100},
		{Timestamp: 1000, Equity: 120},
		{Timestamp: 2000, Equity: 90},
		{Timestamp: 3000, Equity: 125},
		{Timestamp: 4000, Equity: 110},
	}
	dd, duration := drawdown(curve)
	assert.InDelta(t, 0.25, dd, 1e-9) // 120 -> 90
	// 120 at t=1000 recovered at t=3000.
	assert.Equal(t, int64(2000), duration)
}

func TestSharpeFlatCurveIsZero(t *testing.T) {
	curve := []Point{{Equity: 100}, {Equity: 100}, {Equity: 100}}
	assert.Zero(t, sharpe(curve, 8760, false))
	assert.Zero(t, sharpe(curve, 8760, true))
}

func tradesWithPnL(pnls ...float64) []model.BacktestTrade {
	out := make([]model.BacktestTrade, len(pnls))
	for i, p := range pnls {
		out[i] = model.BacktestTrade{PnL: p}
	}
	return out
}

func TestMetricsTradeStats(t *testing.T) {
	curve := []Point{{Timestamp: 0, Equity: 100}, {Timestamp: hourMS(1), Equity: 110}}

	m := computeMetrics(curve, tradesWithPnL(10, 20, -10), 8760, 1.5, 2.5)
	assert.Equal(t, 3, m.TradesCount)
	assert.InDelta(t, 10, float64(m.TotalReturnPct), 1e-9)
	assert.InDelta(t, 2.0/3.0*100, float64(m.WinRate), 1e-9)
	assert.InDelta(t, 3.0, float64(m.ProfitFactor), 1e-9) // 30 win / 10 loss
	assert.InDelta(t, 1.5, float64(m.PayoffRatio), 1e-9)  // avg win 15 / avg loss 10
	assert.InDelta(t, 1.5, float64(m.FundingPnL), 1e-9)
	assert.InDelta(t, 2.5, float64(m.FeesPaid), 1e-9)
}

func TestWriteReport(t *testing.T) {
	result := &Result{
		EquityCurve: []Point{
			{Timestamp: 0, Equity: 10_000},
			{Timestamp: hourMS(1), Equity: 10_200, Drawdown: 0},
			{Timestamp: hourMS(2), Equity: 10_100, Drawdown: 0.0098},
		},
	}
	result.Run.Symbol = testSymbol
	result.Run.Timeframe = "1h"

	path := filepath.Join(t.TempDir(), "report.html")
	require.NoError(t, WriteReport(result, path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Equity")
}
