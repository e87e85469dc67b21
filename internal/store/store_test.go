package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/market"
	"arena/internal/store/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "arena_test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCandle(ts int64, close float64) market.Candle {
	return market.Candle{
		Symbol:    "BTC-USDT-SWAP",
		Timeframe: "1h",
		Timestamp: ts,
		Open:      close - 10,
		High:      close + 20,
		Low:       close - 20,
		Close:     close,
		Volume:    100,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, v)
}

func TestUpsertCandlesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := int64(1_700_000_000_000)
	hour := int64(3_600_000)
	batch := []market.Candle{
		testCandle(base, 50000),
		testCandle(base+hour, 50100),
		testCandle(base+2*hour, 50200),
	}

	inserted, err := s.UpsertCandles(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), inserted)

	// Re-ingesting the same window must not duplicate or mutate bars.
	mutated := testCandle(base, 99999)
	inserted, err = s.UpsertCandles(ctx, []market.Candle{mutated, testCandle(base + 3*hour, 50300)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted)

	got, err := s.GetCandles(ctx, "BTC-USDT-SWAP", "1h", 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, 50000.0, got[0].Close)
	assert.Equal(t, base, got[0].Timestamp)
	assert.Equal(t, base+3*hour, got[3].Timestamp)
}

func TestUpsertCandlesRejectsInvalidOHLC(t *testing.T) {
	s := newTestStore(t)

	bad := testCandle(1_700_000_000_000, 50000)
	bad.Low = bad.High + 1

	_, err := s.UpsertCandles(context.Background(), []market.Candle{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OHLC out of range")
}

func TestReplaceCandleOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := int64(1_700_000_000_000)
	_, err := s.UpsertCandles(ctx, []market.Candle{testCandle(ts, 50000)})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceCandle(ctx, testCandle(ts, 51000)))

	got, err := s.GetCandles(ctx, "BTC-USDT-SWAP", "1h", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 51000.0, got[0].Close)
}

func TestLatestCandleTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestCandleTS(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.False(t, ok)

	base := int64(1_700_000_000_000)
	_, err = s.UpsertCandles(ctx, []market.Candle{testCandle(base, 50000), testCandle(base + 3_600_000, 50100)})
	require.NoError(t, err)

	ts, ok, err := s.LatestCandleTS(ctx, "BTC-USDT-SWAP", "1h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, base+3_600_000, ts)
}

func TestOrderLifecycleHappyPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := &model.Order{
		ClientOrderID: "arena-test-0001",
		Symbol:        "BTC-USDT-SWAP",
		Side:          model.SideBuy,
		Type:          model.TypeLimit,
		Price:         decimal.RequireFromString("50000"),
		Amount:        decimal.RequireFromString("0.1"),
		Leverage:      3,
	}
	require.NoError(t, s.CreateOrder(ctx, order))
	require.NotZero(t, order.ID)

	require.NoError(t, s.ApplyLifecycleEvent(ctx, &model.LifecycleEvent{
		OrderID: order.ID, Status: model.StatusAccepted,
	}, nil))

	fill := decimal.RequireFromString("0.04")
	require.NoError(t, s.ApplyLifecycleEvent(ctx, &model.LifecycleEvent{
		OrderID: order.ID, Status: model.StatusPartiallyFilled,
		FillQty: fill, FillPrice: decimal.RequireFromString("50000"),
	}, &model.Trade{
		Symbol: order.Symbol, Side: order.Side,
		Price: decimal.RequireFromString("50000"), Amount: fill,
	}))

	rest := decimal.RequireFromString("0.06")
	require.NoError(t, s.ApplyLifecycleEvent(ctx, &model.LifecycleEvent{
		OrderID: order.ID, Status: model.StatusFilled,
		FillQty: rest, FillPrice: decimal.RequireFromString("50010"),
	}, &model.Trade{
		Symbol: order.Symbol, Side: order.Side,
		Price: decimal.RequireFromString("50010"), Amount: rest,
	}))

	got, err := s.GetOrderByClientID(ctx, "arena-test-0001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusFilled, got.Status)
	assert.True(t, got.FilledAmount.Equal(order.Amount))

	events, err := s.OrderLifecycle(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, model.StatusNew, events[0].Status)
	assert.Equal(t, model.StatusFilled, events[3].Status)

	trades, err := s.TradesForOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestOrderIllegalTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := &model.Order{
		ClientOrderID: "arena-test-0002",
		Symbol:        "BTC-USDT-SWAP",
		Side:          model.SideSell,
		Type:          model.TypeMarket,
		Amount:        decimal.RequireFromString("0.2"),
	}
	require.NoError(t, s.CreateOrder(ctx, order))

	// NEW cannot fill directly; it must be accepted first.
	err := s.ApplyLifecycleEvent(ctx, &model.LifecycleEvent{
		OrderID: order.ID, Status: model.StatusFilled,
	}, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// The failed transition must leave no event behind.
	events, err := s.OrderLifecycle(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	got, err := s.GetOrderByClientID(ctx, "arena-test-0002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, got.Status)
}

func TestTerminalStatusFrozen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := &model.Order{
		ClientOrderID: "arena-test-0003",
		Symbol:        "BTC-USDT-SWAP",
		Side:          model.SideBuy,
		Type:          model.TypeMarket,
		Amount:        decimal.RequireFromString("0.05"),
	}
	require.NoError(t, s.CreateOrder(ctx, order))
	require.NoError(t, s.ApplyLifecycleEvent(ctx, &model.LifecycleEvent{
		OrderID: order.ID, Status: model.StatusCanceled,
	}, nil))

	for _, next := range []model.OrderStatus{
		model.StatusAccepted, model.StatusFilled, model.StatusExpired,
	} {
		err := s.ApplyLifecycleEvent(ctx, &model.LifecycleEvent{
			OrderID: order.ID, Status: next,
		}, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition, "CANCELED -> %s", next)
	}
}

func TestDuplicateClientOrderIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &model.Order{
		ClientOrderID: "arena-test-0004",
		Symbol:        "BTC-USDT-SWAP",
		Side:          model.SideBuy,
		Type:          model.TypeMarket,
		Amount:        decimal.RequireFromString("0.01"),
	}
	require.NoError(t, s.CreateOrder(ctx, first))

	dup := &model.Order{
		ClientOrderID: "arena-test-0004",
		Symbol:        "BTC-USDT-SWAP",
		Side:          model.SideSell,
		Type:          model.TypeMarket,
		Amount:        decimal.RequireFromString("0.02"),
	}
	require.Error(t, s.CreateOrder(ctx, dup))
}

func TestRepairJobQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &model.RepairJob{
		JobID:     "repair-0001",
		Symbol:    "BTC-USDT-SWAP",
		Timeframe: "1h",
		StartTS:   1_700_000_000_000,
		EndTS:     1_700_003_600_000,
	}
	created, err := s.EnqueueRepairJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)

	// Same window while pending: reuse, not duplicate.
	dup := &model.RepairJob{
		JobID:     "repair-0002",
		Symbol:    "BTC-USDT-SWAP",
		Timeframe: "1h",
		StartTS:   1_700_000_000_000,
		EndTS:     1_700_003_600_000,
	}
	created, err = s.EnqueueRepairJob(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "repair-0001", dup.JobID)

	claimed, err := s.NextRepairJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "repair-0001", claimed.JobID)
	assert.Equal(t, model.RepairRunning, claimed.Status)

	empty, err := s.NextRepairJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, s.FinishRepairJob(ctx, "repair-0001", model.RepairDone, 5, ""))
}

func TestSaveBacktestRunAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &model.BacktestRun{
		RunID:          "bt-0001",
		Symbol:         "BTC-USDT-SWAP",
		Timeframe:      "1h",
		StartTS:        1_700_000_000_000,
		EndTS:          1_702_000_000_000,
		InitialCapital: 10000,
	}
	trades := []model.BacktestTrade{
		{StrategyID: "ema_trend", Side: "LONG", PnL: 120, ReturnPct: 0.012},
		{StrategyID: "ema_trend", Side: "LONG", PnL: -40, ReturnPct: -0.004},
	}
	require.NoError(t, s.SaveBacktestRun(ctx, run, trades, nil, nil))

	got, err := s.GetBacktestRun(ctx, "bt-0001")
	require.NoError(t, err)
	require.NotNil(t, got)

	storedTrades, err := s.BacktestTrades(ctx, "bt-0001")
	require.NoError(t, err)
	assert.Len(t, storedTrades, 2)

	// Duplicate run_id must fail and leave the original intact.
	require.Error(t, s.SaveBacktestRun(ctx, &model.BacktestRun{
		RunID: "bt-0001", Symbol: "BTC-USDT-SWAP", Timeframe: "1h",
	}, nil, nil, nil))
}
