package dataservice

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/market"
	"arena/internal/store"
)

const testSymbol = "BTC-USDT-SWAP"

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, testSymbol), st
}

func seedCandles(t *testing.T, st *store.Store, timeframe string, startTS int64, n int) {
	t.Helper()
	tf, err := market.ParseTimeframe(timeframe)
	require.NoError(t, err)
	candles := make([]market.Candle, n)
	for i := range candles {
		candles[i] = market.Candle{
			Symbol:    testSymbol,
			Timeframe: timeframe,
			Timestamp: startTS + int64(i)*tf.Millis(),
			Open:      100, High: 101, Low: 99, Close: 100.5,
			Volume: 10,
		}
	}
	_, err = st.UpsertCandles(context.Background(), candles)
	require.NoError(t, err)
}

func TestCandlesRejectsUnknownTimeframe(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Candles(context.Background(), testSymbol, "3m", 10)
	assert.Error(t, err)
}

func TestCandlesReturnsNewestAscending(t *testing.T) {
	svc, st := newTestService(t)
	seedCandles(t, st, "1h", 3_600_000, 10)

	candles, err := svc.Candles(context.Background(), testSymbol, "1h", 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.Equal(t, int64(8*3_600_000), candles[0].Timestamp)
	assert.Equal(t, int64(10*3_600_000), candles[2].Timestamp)
}

func TestCoverageSummaryCountsGaps(t *testing.T) {
	svc, st := newTestService(t)
	// 10 bars, then a 5-bar hole, then 5 more.
	seedCandles(t, st, "1h", 3_600_000, 10)
	seedCandles(t, st, "1h", 16*3_600_000, 5)

	rows, err := svc.CoverageSummary(context.Background(), testSymbol, []string{"1h"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "1h", row.Timeframe)
	assert.Equal(t, int64(15), row.Bars)
	assert.Equal(t, int64(20), row.ExpectedBars)
	assert.Equal(t, int64(5), row.MissingBars)
	assert.Equal(t, int64(20*3_600_000), row.LastUpdatedAt)
}

func TestCoverageSummaryOmitsEmptySeries(t *testing.T) {
	svc, st := newTestService(t)
	seedCandles(t, st, "1h", 3_600_000, 3)

	rows, err := svc.CoverageSummary(context.Background(), testSymbol, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1h", rows[0].Timeframe)
}

func TestCheckFreshness(t *testing.T) {
	svc, st := newTestService(t)
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seedCandles(t, st, "1h", base.UnixMilli(), 5)
	lastOpen := base.Add(4 * time.Hour)

	// Just after the newest bar closed: fresh.
	fr, err := svc.CheckFreshness(context.Background(), testSymbol, "1h", lastOpen.Add(90*time.Minute))
	require.NoError(t, err)
	assert.False(t, fr.Stale)
	assert.Equal(t, lastOpen.UnixMilli(), fr.LastTS)

	// Three bar intervals past the close: stale.
	fr, err = svc.CheckFreshness(context.Background(), testSymbol, "1h", lastOpen.Add(5*time.Hour))
	require.NoError(t, err)
	assert.True(t, fr.Stale)
	assert.Greater(t, fr.LagBars, 2.0)
}

func TestCheckFreshnessEmptySeriesIsStale(t *testing.T) {
	svc, _ := newTestService(t)
	fr, err := svc.CheckFreshness(context.Background(), testSymbol, "1h", time.Now())
	require.NoError(t, err)
	assert.True(t, fr.Stale)
	assert.Zero(t, fr.LastTS)
}

func TestMarkPricePrefersSnapshotMark(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedCandles(t, st, "1h", 3_600_000, 2)

	// No snapshot yet: fall back to the latest close.
	px, err := svc.MarkPrice(ctx, testSymbol, "1h")
	require.NoError(t, err)
	assert.InDelta(t, 100.5, px, 1e-9)

	require.NoError(t, st.InsertPriceSnapshot(ctx, market.PriceSnapshot{
		Symbol: testSymbol, Timestamp: 1, Last: 99.0, Mark: 99.5, Index: 99.2,
	}))
	px, err = svc.MarkPrice(ctx, testSymbol, "1h")
	require.NoError(t, err)
	assert.InDelta(t, 99.5, px, 1e-9)
}
