package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"arena/internal/store/model"
)

// CreateOrder persists a NEW order together with its first lifecycle event
// in one transaction. The caller must have set ClientOrderID; duplicate IDs
// fail the unique index and the whole write rolls back.
func (s *Store) CreateOrder(ctx context.Context, order *model.Order) error {
	if order.ClientOrderID == "" {
		return fmt.Errorf("order requires a client_order_id")
	}
	now := time.Now().UnixMilli()
	if order.CreatedAt == 0 {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Status == "" {
		order.Status = model.StatusNew
	}
	if order.Status != model.StatusNew {
		return fmt.Errorf("orders must be created in status NEW, got %s", order.Status)
	}
	return s.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		event := model.LifecycleEvent{
			OrderID:   order.ID,
			Status:    model.StatusNew,
			Timestamp: now,
			Message:   "order created",
		}
		return tx.Create(&event).Error
	})
}

// ApplyLifecycleEvent appends one lifecycle event and advances the order
// atomically. Illegal transitions return ErrInvalidTransition and write
// nothing. A fill event also accumulates FilledAmount and inserts a trade.
func (s *Store) ApplyLifecycleEvent(ctx context.Context, event *model.LifecycleEvent, trade *model.Trade) error {
	return s.Tx(ctx, func(tx *gorm.DB) error {
		return applyLifecycleEventTx(tx, event, trade)
	})
}

// ApplyFill is ApplyLifecycleEvent plus the position write: the order
// advance, the event, the trade and the netted position land in one
// transaction, so a rejected fill leaves the position book untouched.
func (s *Store) ApplyFill(ctx context.Context, event *model.LifecycleEvent, trade *model.Trade, pos *model.Position) error {
	return s.Tx(ctx, func(tx *gorm.DB) error {
		if err := applyLifecycleEventTx(tx, event, trade); err != nil {
			return err
		}
		if pos != nil {
			return upsertPositionTx(tx, pos)
		}
		return nil
	})
}

func applyLifecycleEventTx(tx *gorm.DB, event *model.LifecycleEvent, trade *model.Trade) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	var order model.Order
	if err := tx.First(&order, event.OrderID).Error; err != nil {
		return err
	}
	if !order.Status.CanTransition(event.Status) {
		return fmt.Errorf("%w: %s -> %s (order %s)",
			ErrInvalidTransition, order.Status, event.Status, order.ClientOrderID)
	}
	if err := tx.Create(event).Error; err != nil {
		return err
	}
	updates := map[string]any{
		"status":     event.Status,
		"updated_at": event.Timestamp,
	}
	if !event.FillQty.IsZero() {
		filled := order.FilledAmount.Add(event.FillQty)
		if filled.GreaterThan(order.Amount) {
			return fmt.Errorf("fill overrun on order %s: %s filled of %s",
				order.ClientOrderID, filled, order.Amount)
		}
		updates["filled_amount"] = filled
	}
	if err := tx.Model(&model.Order{}).Where("id = ?", order.ID).
		Updates(updates).Error; err != nil {
		return err
	}
	if trade != nil {
		trade.OrderID = order.ID
		if trade.Timestamp == 0 {
			trade.Timestamp = event.Timestamp
		}
		if err := tx.Create(trade).Error; err != nil {
			return err
		}
	}
	return nil
}

// GetOrderByClientID fetches an order by its idempotency key.
func (s *Store) GetOrderByClientID(ctx context.Context, clientOrderID string) (*model.Order, error) {
	var order model.Order
	err := s.orm.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OpenOrders returns all orders not yet in a terminal status.
func (s *Store) OpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	var orders []model.Order
	q := s.orm.WithContext(ctx).Where("status IN ?", []model.OrderStatus{
		model.StatusNew, model.StatusAccepted, model.StatusPartiallyFilled,
	})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if err := q.Order("created_at ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// OrderLifecycle returns the append-only event history of one order.
func (s *Store) OrderLifecycle(ctx context.Context, orderID int64) ([]model.LifecycleEvent, error) {
	var events []model.LifecycleEvent
	err := s.orm.WithContext(ctx).
		Where("order_id = ?", orderID).Order("id ASC").Find(&events).Error
	return events, err
}

// TradesForOrder returns the fills recorded against one order.
func (s *Store) TradesForOrder(ctx context.Context, orderID int64) ([]model.Trade, error) {
	var trades []model.Trade
	err := s.orm.WithContext(ctx).
		Where("order_id = ?", orderID).Order("timestamp ASC").Find(&trades).Error
	return trades, err
}

// RecentTrades returns the newest limit trades for a symbol, newest first.
func (s *Store) RecentTrades(ctx context.Context, symbol string, limit int) ([]model.Trade, error) {
	var trades []model.Trade
	err := s.orm.WithContext(ctx).
		Where("symbol = ?", symbol).Order("timestamp DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// UpsertPosition writes the tracked position for a symbol. Size zero flattens
// the row rather than deleting it, so the history of updated_at survives.
func (s *Store) UpsertPosition(ctx context.Context, pos *model.Position) error {
	return upsertPositionTx(s.orm.WithContext(ctx), pos)
}

func upsertPositionTx(tx *gorm.DB, pos *model.Position) error {
	pos.UpdatedAt = time.Now().UnixMilli()
	if pos.Size.IsZero() {
		pos.Side = model.PositionFlat
		pos.EntryPrice = decimal.Zero
		pos.UnrealizedPnL = decimal.Zero
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"side", "size", "entry_price", "leverage",
			"unrealized_pnl", "margin", "liquidation_price", "updated_at",
		}),
	}).Create(pos).Error
}

// GetPosition returns the tracked position for symbol, nil when untracked.
func (s *Store) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	var pos model.Position
	err := s.orm.WithContext(ctx).Where("symbol = ?", symbol).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}
