package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/exchange"
	"arena/internal/store"
	"arena/internal/store/model"
)

const testSymbol = "BTC-USDT-SWAP"

func newTestExecutor(t *testing.T, venue *exchange.SimVenue, opts Options) (*Executor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, venue, opts), st
}

func marketBuy(size, refPrice float64) Intent {
	return Intent{
		Symbol:   testSymbol,
		Side:     model.SideBuy,
		Type:     model.TypeMarket,
		Size:     decimal.NewFromFloat(size),
		Leverage: 2,
		RefPrice: refPrice,
	}
}

func marketSell(size, refPrice float64) Intent {
	in := marketBuy(size, refPrice)
	in.Side = model.SideSell
	return in
}

func TestSubmitMarketOrderFills(t *testing.T) {
	venue := exchange.NewSimVenue()
	ex, st := newTestExecutor(t, venue, Options{
		Simulated: true,
		Slippage:  FixedSlippage{Bps: 2},
		FeeRate:   0.0005,
	})
	ctx := context.Background()

	order, err := ex.Submit(ctx, marketBuy(0.5, 50_000))
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, model.StatusFilled, order.Status)
	assert.True(t, order.FilledAmount.Equal(decimal.NewFromFloat(0.5)))

	events, err := st.OrderLifecycle(ctx, order.ID)
	require.NoError(t, err)
	statuses := make([]model.OrderStatus, 0, len(events))
	for _, ev := range events {
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []model.OrderStatus{model.StatusNew, model.StatusAccepted, model.StatusFilled}, statuses)

	trades, err := st.TradesForOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	// Buy slips up 2 bps from the 50k reference.
	assert.InDelta(t, 50_010, trades[0].Price.InexactFloat64(), 0.01)
	assert.True(t, trades[0].Fee.IsPositive())

	pos, err := st.GetPosition(ctx, testSymbol)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, model.PositionLong, pos.Side)
	assert.True(t, pos.Size.Equal(decimal.NewFromFloat(0.5)))
}

func TestSubmitVenueRejection(t *testing.T) {
	venue := exchange.NewSimVenue()
	venue.FailNextPlace = &exchange.APIError{Code: "51000", Message: "insufficient margin"}
	ex, st := newTestExecutor(t, venue, Options{Simulated: true})
	ctx := context.Background()

	_, err := ex.Submit(ctx, marketBuy(0.5, 50_000))
	require.Error(t, err)

	orders, err := st.OpenOrders(ctx, testSymbol)
	require.NoError(t, err)
	assert.Empty(t, orders)

	var all []model.Order
	require.NoError(t, st.ORM().Find(&all).Error)
	require.Len(t, all, 1)
	assert.Equal(t, model.StatusRejected, all[0].Status)
}

func TestPartialFillsViaTrack(t *testing.T) {
	venue := exchange.NewSimVenue()
	venue.AckOnly = true
	ex, st := newTestExecutor(t, venue, Options{Simulated: true, FillTimeout: time.Second})
	ctx := context.Background()

	order, err := ex.Submit(ctx, marketBuy(1.0, 50_000))
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, order.Status)

	require.NoError(t, venue.FillOrder(order.ClientOrderID, decimal.NewFromFloat(0.4), decimal.NewFromInt(50_000)))
	require.NoError(t, ex.Track(ctx, testSymbol, order.ClientOrderID, 50_000))
	order, err = st.GetOrderByClientID(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartiallyFilled, order.Status)
	assert.True(t, order.FilledAmount.Equal(decimal.NewFromFloat(0.4)))

	require.NoError(t, venue.FillOrder(order.ClientOrderID, decimal.NewFromFloat(0.6), decimal.NewFromInt(50_100)))
	require.NoError(t, ex.Track(ctx, testSymbol, order.ClientOrderID, 50_100))
	order, err = st.GetOrderByClientID(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFilled, order.Status)
	assert.True(t, order.FilledAmount.Equal(decimal.NewFromInt(1)))

	trades, err := st.TradesForOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestCancelRestingOrder(t *testing.T) {
	venue := exchange.NewSimVenue()
	venue.AckOnly = true
	ex, st := newTestExecutor(t, venue, Options{Simulated: true})
	ctx := context.Background()

	order, err := ex.Submit(ctx, marketBuy(1.0, 50_000))
	require.NoError(t, err)

	require.NoError(t, ex.Cancel(ctx, testSymbol, order.ClientOrderID))
	order, err = st.GetOrderByClientID(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, order.Status)

	// Canceling again is a no-op.
	require.NoError(t, ex.Cancel(ctx, testSymbol, order.ClientOrderID))
}

func TestPositionNettingRealizesPnL(t *testing.T) {
	venue := exchange.NewSimVenue()
	ex, st := newTestExecutor(t, venue, Options{Simulated: true, Slippage: FixedSlippage{Bps: 0}})
	ctx := context.Background()

	_, err := ex.Submit(ctx, marketBuy(1.0, 100))
	require.NoError(t, err)

	// Reduce 0.4 at 110: realize (110-100)*0.4 = 4.
	_, err = ex.Submit(ctx, marketSell(0.4, 110))
	require.NoError(t, err)
	pos, err := st.GetPosition(ctx, testSymbol)
	require.NoError(t, err)
	assert.Equal(t, model.PositionLong, pos.Side)
	assert.True(t, pos.Size.Equal(decimal.NewFromFloat(0.6)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(100)))

	trades, err := st.RecentTrades(ctx, testSymbol, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.InDelta(t, 4, trades[0].RealizedPnL.InexactFloat64(), 1e-9)

	// Close the rest at 90: realize (90-100)*0.6 = -6, book flat.
	_, err = ex.Submit(ctx, marketSell(0.6, 90))
	require.NoError(t, err)
	pos, err = st.GetPosition(ctx, testSymbol)
	require.NoError(t, err)
	assert.Equal(t, model.PositionFlat, pos.Side)
	assert.True(t, pos.Size.IsZero())

	trades, err = st.RecentTrades(ctx, testSymbol, 10)
	require.NoError(t, err)
	assert.InDelta(t, -6, trades[0].RealizedPnL.InexactFloat64(), 1e-9)
}

func TestPositionFlip(t *testing.T) {
	venue := exchange.NewSimVenue()
	ex, st := newTestExecutor(t, venue, Options{Simulated: true, Slippage: FixedSlippage{Bps: 0}})
	ctx := context.Background()

	_, err := ex.Submit(ctx, marketBuy(1.0, 100))
	require.NoError(t, err)
	_, err = ex.Submit(ctx, marketSell(1.5, 110))
	require.NoError(t, err)

	pos, err := st.GetPosition(ctx, testSymbol)
	require.NoError(t, err)
	assert.Equal(t, model.PositionShort, pos.Side)
	assert.True(t, pos.Size.Equal(decimal.NewFromFloat(0.5)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(110)))

	trades, err := st.RecentTrades(ctx, testSymbol, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.InDelta(t, 10, trades[0].RealizedPnL.InexactFloat64(), 1e-9)
}

func TestSlippageModels(t *testing.T) {
	// Fixed: symmetric adverse slip.
	fixed := FixedSlippage{Bps: 10}
	assert.InDelta(t, 100.1, fixed.ExecutionPrice(100, true, 0, 0), 1e-9)
	assert.InDelta(t, 99.9, fixed.ExecutionPrice(100, false, 0, 0), 1e-9)

	// Volatility: doubles at twice the reference vol, never below base.
	vol := VolatilitySlippage{Bps: 10, RefVol: 0.01}
	assert.InDelta(t, 100.2, vol.ExecutionPrice(100, true, 0, 0.02), 1e-9)
	assert.InDelta(t, 100.1, vol.ExecutionPrice(100, true, 0, 0.001), 1e-9)

	// Impact grows with the square root of notional.
	impact := ImpactSlippage{Bps: 10, RefNotional: 100_000}
	small := impact.ExecutionPrice(100, true, 1_000, 0)
	large := impact.ExecutionPrice(100, true, 400_000, 0)
	assert.Less(t, small, large)
	// 400k = 4x ref -> impact 2*10bps, total 30bps.
	assert.InDelta(t, 100.3, large, 1e-9)

	// Seeded noise is reproducible.
	n1 := NewNoiseSlippage(FixedSlippage{Bps: 10}, 2, 42).ExecutionPrice(100, true, 0, 0)
	n2 := NewNoiseSlippage(FixedSlippage{Bps: 10}, 2, 42).ExecutionPrice(100, true, 0, 0)
	assert.Equal(t, n1, n2)
	assert.GreaterOrEqual(t, n1, 100.1)
}

func TestFillFailureLeavesPositionUntouched(t *testing.T) {
	venue := exchange.NewSimVenue()
	exec, st := newTestExecutor(t, venue, Options{Simulated: true})
	ctx := context.Background()

	order := &model.Order{
		ClientOrderID: "atomic-1",
		Symbol:        testSymbol,
		Side:          model.SideBuy,
		Type:          model.TypeMarket,
		Amount:        decimal.NewFromInt(1),
		Status:        model.StatusNew,
	}
	require.NoError(t, st.CreateOrder(ctx, order))

	// NEW cannot jump straight to FILLED, so the event write fails; the
	// position netting must roll back with it.
	state := &exchange.OrderState{Status: "filled", AvgFillPrice: decimal.NewFromInt(50_000)}
	err := exec.applyFill(ctx, order, state, model.StatusFilled, decimal.NewFromFloat(1.5), 50_000)
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	pos, err := st.GetPosition(ctx, testSymbol)
	require.NoError(t, err)
	assert.Nil(t, pos)

	trades, err := st.TradesForOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestTrackCancelAfterPartialFill(t *testing.T) {
	venue := exchange.NewSimVenue()
	venue.AckOnly = true
	exec, st := newTestExecutor(t, venue, Options{Simulated: true})
	ctx := context.Background()

	order, err := exec.Submit(ctx, Intent{
		Symbol:   testSymbol,
		Side:     model.SideBuy,
		Type:     model.TypeLimit,
		Price:    decimal.NewFromInt(50_000),
		Size:     decimal.NewFromInt(1),
		RefPrice: 50_000,
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusAccepted, order.Status)

	// Fill and cancel both land between polls; one Track sees them
	// together and must record the fill and still go terminal.
	require.NoError(t, venue.FillOrder(order.ClientOrderID, decimal.NewFromFloat(0.4), decimal.NewFromInt(50_000)))
	require.NoError(t, venue.CancelOrder(ctx, testSymbol, order.ClientOrderID))

	require.NoError(t, exec.Track(ctx, testSymbol, order.ClientOrderID, 50_000))

	got, err := st.GetOrderByClientID(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)
	assert.True(t, got.FilledAmount.Equal(decimal.NewFromFloat(0.4)))

	trades, err := st.TradesForOrder(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	events, err := st.OrderLifecycle(ctx, got.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.StatusCanceled, events[len(events)-1].Status)
	assert.Equal(t, model.StatusPartiallyFilled, events[len(events)-2].Status)
}
