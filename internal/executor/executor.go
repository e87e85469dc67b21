// Package executor drives the order lifecycle: persist first, submit
// second, then track venue fills into lifecycle events, trades and the
// position book. The client order ID is minted before anything leaves
// the process, so a crash can always be reconciled.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arena/internal/exchange"
	"arena/internal/logger"
	"arena/internal/pkg/keylock"
	"arena/internal/store"
	"arena/internal/store/model"
)

// Intent is a fully-sized order the risk gate has already approved.
type Intent struct {
	Symbol     string
	Side       model.OrderSide
	Type       model.OrderType
	Price      decimal.Decimal // limit price; zero for market
	Size       decimal.Decimal // base quantity
	Leverage   float64
	ReduceOnly bool
	// RefPrice is the current mark price, used by simulated fills and
	// position accounting.
	RefPrice float64
	// Volatility is the recent ATR as a fraction of price; only the
	// volatility slippage model reads it.
	Volatility float64
}

type Options struct {
	Simulated    bool
	Slippage     SlippageModel
	FeeRate      float64
	WaitFill     bool
	FillTimeout  time.Duration
	FillInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.FillTimeout <= 0 {
		o.FillTimeout = 30 * time.Second
	}
	if o.FillInterval <= 0 {
		o.FillInterval = 500 * time.Millisecond
	}
	if o.Simulated && o.Slippage == nil {
		o.Slippage = FixedSlippage{Bps: 2}
	}
}

// Executor owns order submission for one venue connection. All entry
// points serialize per symbol.
type Executor struct {
	store  *store.Store
	trader exchange.Trader
	opts   Options
	locks  *keylock.KeyLock
}

func New(st *store.Store, trader exchange.Trader, opts Options) *Executor {
	opts.withDefaults()
	return &Executor{
		store:  st,
		trader: trader,
		opts:   opts,
		locks:  keylock.New(),
	}
}

// Submit persists and places one order, then tracks it to its terminal
// status (or until the fill timeout leaves it resting). The returned
// order reflects the last persisted state.
func (e *Executor) Submit(ctx context.Context, intent Intent) (*model.Order, error) {
	e.locks.Lock(intent.Symbol)
	defer e.locks.Unlock(intent.Symbol)

	order := &model.Order{
		ClientOrderID: uuid.NewString(),
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		Price:         intent.Price,
		Amount:        intent.Size,
		Leverage:      intent.Leverage,
		Status:        model.StatusNew,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	req := exchange.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Type:          string(intent.Type),
		Price:         intent.Price,
		Size:          intent.Size,
		ReduceOnly:    intent.ReduceOnly,
	}
	if e.opts.Simulated && intent.Type == model.TypeMarket && intent.RefPrice > 0 {
		notional := intent.Size.InexactFloat64() * intent.RefPrice
		px := e.opts.Slippage.ExecutionPrice(intent.RefPrice, intent.Side == model.SideBuy, notional, intent.Volatility)
		req.Price = decimal.NewFromFloat(px)
	}

	ack, err := e.trader.PlaceOrder(ctx, req)
	if err != nil {
		reject := &model.LifecycleEvent{
			OrderID:   order.ID,
			Status:    model.StatusRejected,
			Timestamp: time.Now().UnixMilli(),
			Message:   err.Error(),
		}
		if applyErr := e.store.ApplyLifecycleEvent(ctx, reject, nil); applyErr != nil {
			logger.Errorf("order %s rejection not persisted: %v", order.ClientOrderID, applyErr)
		}
		return nil, fmt.Errorf("place order: %w", err)
	}

	accepted := &model.LifecycleEvent{
		OrderID:        order.ID,
		Status:         model.StatusAccepted,
		Timestamp:      time.Now().UnixMilli(),
		ExchangeStatus: ack.Status,
		Message:        "exchange_order_id=" + ack.ExchangeOrderID,
	}
	if err := e.store.ApplyLifecycleEvent(ctx, accepted, nil); err != nil {
		return nil, err
	}
	order.ExchangeOrderID = ack.ExchangeOrderID
	if err := e.store.ORM().WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", order.ID).Update("exchange_order_id", ack.ExchangeOrderID).Error; err != nil {
		return nil, err
	}

	if err := e.track(ctx, order, intent.RefPrice); err != nil {
		return nil, err
	}
	return e.store.GetOrderByClientID(ctx, order.ClientOrderID)
}

// Cancel asks the venue to cancel and records the outcome. Canceling an
// already-terminal order is not an error.
func (e *Executor) Cancel(ctx context.Context, symbol, clientOrderID string) error {
	e.locks.Lock(symbol)
	defer e.locks.Unlock(symbol)

	order, err := e.store.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	if order.Status.Terminal() {
		return nil
	}
	if err := e.trader.CancelOrder(ctx, symbol, clientOrderID); err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			logger.Warnf("cancel %s: venue has no such order", clientOrderID)
		} else {
			return err
		}
	}
	event := &model.LifecycleEvent{
		OrderID:   order.ID,
		Status:    model.StatusCanceled,
		Timestamp: time.Now().UnixMilli(),
		Message:   "canceled by executor",
	}
	return e.store.ApplyLifecycleEvent(ctx, event, nil)
}

// Track re-syncs one open order against the venue, applying any fills
// that happened since the last look. Reconciliation and tests drive
// resting orders through here.
func (e *Executor) Track(ctx context.Context, symbol, clientOrderID string, refPrice float64) error {
	e.locks.Lock(symbol)
	defer e.locks.Unlock(symbol)

	order, err := e.store.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		return err
	}
	if order == nil {
		return fmt.Errorf("unknown order %s", clientOrderID)
	}
	if order.Status.Terminal() {
		return nil
	}
	return e.track(ctx, order, refPrice)
}

// track polls the venue until the order goes terminal or the window
// closes. Every fill delta becomes a lifecycle event plus a trade, and
// moves the position book. Runs at least once, so an instant fill is
// captured even without polling.
func (e *Executor) track(ctx context.Context, order *model.Order, refPrice float64) error {
	deadline := time.Now().Add(e.opts.FillTimeout)
	prevFilled := order.FilledAmount
	poll := e.opts.WaitFill

	for {
		state, err := e.trader.GetOrder(ctx, order.Symbol, order.ClientOrderID)
		if err != nil {
			return err
		}
		status := mapVenueStatus(state.Status)

		if state.FilledSize.GreaterThan(prevFilled) {
			delta := state.FilledSize.Sub(prevFilled)
			prevFilled = state.FilledSize
			if err := e.applyFill(ctx, order, state, status, delta, refPrice); err != nil {
				return err
			}
		}
		// A cancel observed together with a final partial fill still needs
		// its terminal event; applyFill only records PARTIALLY_FILLED.
		if status.Terminal() && status != model.StatusFilled {
			event := &model.LifecycleEvent{
				OrderID:        order.ID,
				Status:         status,
				Timestamp:      time.Now().UnixMilli(),
				ExchangeStatus: state.Status,
			}
			if err := e.store.ApplyLifecycleEvent(ctx, event, nil); err != nil {
				return err
			}
		}

		if status.Terminal() || !poll || time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.opts.FillInterval):
		}
	}
}

// applyFill persists one fill delta and the netted position in a single
// store transaction.
func (e *Executor) applyFill(ctx context.Context, order *model.Order, state *exchange.OrderState,
	status model.OrderStatus, delta decimal.Decimal, refPrice float64) error {

	fillPrice := state.AvgFillPrice
	if fillPrice.IsZero() && refPrice > 0 {
		fillPrice = decimal.NewFromFloat(refPrice)
	}
	fee := state.Fee
	if fee.IsZero() && e.opts.FeeRate > 0 {
		fee = delta.Mul(fillPrice).Mul(decimal.NewFromFloat(e.opts.FeeRate))
	}

	update, realized, err := e.nextPosition(ctx, order, delta, fillPrice)
	if err != nil {
		return err
	}

	if status != model.StatusFilled {
		status = model.StatusPartiallyFilled
	}
	event := &model.LifecycleEvent{
		OrderID:        order.ID,
		Status:         status,
		Timestamp:      time.Now().UnixMilli(),
		ExchangeStatus: state.Status,
		FillQty:        delta,
		FillPrice:      fillPrice,
		Fee:            fee,
	}
	trade := &model.Trade{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Price:       fillPrice,
		Amount:      delta,
		Fee:         fee,
		FeeCurrency: "USDT",
		RealizedPnL: realized,
		Timestamp:   event.Timestamp,
	}
	return e.store.ApplyFill(ctx, event, trade, update)
}

// nextPosition nets a fill into the single tracked position, returning
// the resulting row (not yet persisted) and the realized PnL of any
// reduced quantity.
func (e *Executor) nextPosition(ctx context.Context, order *model.Order, qty, price decimal.Decimal) (*model.Position, decimal.Decimal, error) {
	pos, err := e.store.GetPosition(ctx, order.Symbol)
	if err != nil {
		return nil, decimal.Zero, err
	}

	signed := decimal.Zero
	entry := decimal.Zero
	if pos != nil {
		entry = pos.EntryPrice
		signed = pos.Size
		if pos.Side == model.PositionShort {
			signed = signed.Neg()
		}
	}
	fillSigned := qty
	if order.Side == model.SideSell {
		fillSigned = qty.Neg()
	}
	newSigned := signed.Add(fillSigned)

	realized := decimal.Zero
	switch {
	case signed.IsZero() || signed.Sign() == fillSigned.Sign():
		// Opening or adding: weighted average entry.
		total := signed.Abs().Add(qty)
		if !total.IsZero() {
			entry = signed.Abs().Mul(entry).Add(qty.Mul(price)).Div(total)
		}
	case newSigned.Sign() == signed.Sign() || newSigned.IsZero():
		// Reducing or closing: realize PnL on the reduced quantity.
		reduced := qty
		diff := price.Sub(entry)
		if signed.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(reduced)
	default:
		// Flip: close the whole old side, open the rest at fill price.
		diff := price.Sub(entry)
		if signed.Sign() < 0 {
			diff = diff.Neg()
		}
		realized = diff.Mul(signed.Abs())
		entry = price
	}

	side := model.PositionFlat
	if newSigned.Sign() > 0 {
		side = model.PositionLong
	} else if newSigned.Sign() < 0 {
		side = model.PositionShort
	}
	update := &model.Position{
		Symbol:     order.Symbol,
		Side:       side,
		Size:       newSigned.Abs(),
		EntryPrice: entry,
		Leverage:   order.Leverage,
	}
	return update, realized, nil
}

// mapVenueStatus folds venue-native status strings onto the lifecycle
// state machine.
func mapVenueStatus(s string) model.OrderStatus {
	switch s {
	case "filled":
		return model.StatusFilled
	case "partially_filled":
		return model.StatusPartiallyFilled
	case "canceled", "cancelled":
		return model.StatusCanceled
	case "rejected":
		return model.StatusRejected
	case "expired":
		return model.StatusExpired
	default:
		// live, accepted, new, open
		return model.StatusAccepted
	}
}
