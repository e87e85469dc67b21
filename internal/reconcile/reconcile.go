// Package reconcile keeps the local book honest against the venue. Two
// loops run independently: the account loop snapshots balances and
// positions and flags drift, the order loop re-syncs every open order so
// fills that happened while the process was down still land in the store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"arena/internal/exchange"
	"arena/internal/executor"
	"arena/internal/logger"
	"arena/internal/store"
	"arena/internal/store/model"
)

// driftTolerance is the absolute base-quantity mismatch between the
// tracked and venue position that we still attribute to rounding.
var driftTolerance = decimal.NewFromFloat(1e-8)

type Options struct {
	Symbol   string
	Currency string
	// OrderGrace is how long a NEW order may stay unknown to the venue
	// before reconciliation writes it off as never submitted.
	OrderGrace time.Duration
}

func (o *Options) withDefaults() {
	if o.Currency == "" {
		o.Currency = "USDT"
	}
	if o.OrderGrace <= 0 {
		o.OrderGrace = 2 * time.Minute
	}
}

type Reconciler struct {
	store   *store.Store
	trader  exchange.Trader
	markets exchange.MarketData
	exec    *executor.Executor
	opts    Options
}

// New wires a reconciler against one venue connection. markets may be
// nil; it only improves the reference price used for crash-recovered
// fills.
func New(st *store.Store, trader exchange.Trader, markets exchange.MarketData, exec *executor.Executor, opts Options) *Reconciler {
	opts.withDefaults()
	return &Reconciler{store: st, trader: trader, markets: markets, exec: exec, opts: opts}
}

// SyncAccount polls the venue balance and positions, persists both as
// snapshots, and raises a risk event when the venue position disagrees
// with the tracked one.
func (r *Reconciler) SyncAccount(ctx context.Context) error {
	now := time.Now().UnixMilli()

	bal, err := r.trader.Balance(ctx, r.opts.Currency)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	snap := &model.BalanceSnapshot{
		Exchange:  r.trader.Name(),
		Timestamp: now,
		Currency:  bal.Currency,
		Total:     bal.Total.String(),
		Free:      bal.Available.String(),
		Used:      bal.Used.String(),
	}
	if len(bal.Raw) > 0 {
		snap.RawPayload = bal.Raw
	}
	if err := r.store.RecordBalanceSnapshot(ctx, snap); err != nil {
		return err
	}

	positions, err := r.trader.Positions(ctx, r.opts.Symbol)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	venueSigned := decimal.Zero
	for _, p := range positions {
		ps := &model.PositionSnapshot{
			Exchange:   r.trader.Name(),
			Timestamp:  now,
			Symbol:     p.Symbol,
			Side:       strings.ToUpper(p.Side),
			Size:       p.Size.String(),
			EntryPrice: p.EntryPrice.String(),
			Leverage:   p.Leverage,
		}
		if len(p.Raw) > 0 {
			ps.RawPayload = p.Raw
		}
		if err := r.store.RecordPositionSnapshot(ctx, ps); err != nil {
			return err
		}
		if p.Symbol == r.opts.Symbol {
			venueSigned = venueSigned.Add(signedSize(strings.ToUpper(p.Side), p.Size))
		}
	}

	return r.checkDrift(ctx, venueSigned)
}

// checkDrift compares the venue's net position against the tracked book.
func (r *Reconciler) checkDrift(ctx context.Context, venueSigned decimal.Decimal) error {
	tracked, err := r.store.GetPosition(ctx, r.opts.Symbol)
	if err != nil {
		return err
	}
	trackedSigned := decimal.Zero
	if tracked != nil {
		trackedSigned = signedSize(string(tracked.Side), tracked.Size)
	}
	diff := venueSigned.Sub(trackedSigned).Abs()
	if diff.LessThanOrEqual(driftTolerance) {
		return nil
	}
	logger.Warnf("position drift on %s: tracked %s venue %s",
		r.opts.Symbol, trackedSigned.String(), venueSigned.String())
	return r.store.RecordRiskEvent(ctx, &model.RiskEvent{
		Symbol: r.opts.Symbol,
		Level:  model.RiskWarn,
		Rule:   "POSITION_DRIFT",
		Details: fmt.Sprintf("tracked=%s venue=%s diff=%s",
			trackedSigned.String(), venueSigned.String(), diff.String()),
	})
}

// SyncOrders walks every non-terminal order and re-syncs it against the
// venue. Orders the venue never saw get written off as canceled after
// the grace period. Returns the first error but keeps going, so one bad
// order does not block the rest.
func (r *Reconciler) SyncOrders(ctx context.Context) error {
	open, err := r.store.OpenOrders(ctx, r.opts.Symbol)
	if err != nil {
		return err
	}
	refPrice := r.refPrice(ctx)

	var firstErr error
	for i := range open {
		order := &open[i]
		if err := r.syncOrder(ctx, order, refPrice); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Reconciler) syncOrder(ctx context.Context, order *model.Order, refPrice float64) error {
	_, err := r.trader.GetOrder(ctx, order.Symbol, order.ClientOrderID)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		age := time.Now().UnixMilli() - order.CreatedAt
		if order.Status == model.StatusNew && age < r.opts.OrderGrace.Milliseconds() {
			// Submission may still be in flight.
			return nil
		}
		logger.Warnf("order %s unknown to venue, writing off as canceled", order.ClientOrderID)
		event := &model.LifecycleEvent{
			OrderID:   order.ID,
			Status:    model.StatusCanceled,
			Timestamp: time.Now().UnixMilli(),
			Source:    "reconciliation",
			Message:   "venue has no record of this order",
		}
		return r.store.ApplyLifecycleEvent(ctx, event, nil)
	}
	if err != nil {
		return fmt.Errorf("sync order %s: %w", order.ClientOrderID, err)
	}
	return r.exec.Track(ctx, order.Symbol, order.ClientOrderID, refPrice)
}

// refPrice is best-effort; zero disables the fallback and fills keep
// whatever average price the venue reports.
func (r *Reconciler) refPrice(ctx context.Context) float64 {
	if r.markets == nil {
		return 0
	}
	t, err := r.markets.Ticker(ctx, r.opts.Symbol)
	if err != nil || t == nil {
		return 0
	}
	if t.Mark > 0 {
		return t.Mark
	}
	return t.Last
}

func signedSize(side string, size decimal.Decimal) decimal.Decimal {
	if strings.EqualFold(side, string(model.PositionShort)) {
		return size.Neg()
	}
	if strings.EqualFold(side, string(model.PositionFlat)) {
		return decimal.Zero
	}
	return size
}
