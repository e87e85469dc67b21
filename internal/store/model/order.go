package model

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusAccepted        OrderStatus = "ACCEPTED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// legalSuccessors encodes the order state machine. Terminal statuses have no
// successors; EXPIRED is reachable from any non-terminal status.
var legalSuccessors = map[OrderStatus][]OrderStatus{
	StatusNew:             {StatusAccepted, StatusRejected, StatusCanceled, StatusExpired},
	StatusAccepted:        {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusRejected, StatusExpired},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCanceled, StatusExpired},
}

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether next is a legal successor of s.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, candidate := range legalSuccessors[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

type Order struct {
	ID              int64           `gorm:"column:id;primaryKey"`
	ClientOrderID   string          `gorm:"column:client_order_id;uniqueIndex"`
	ExchangeOrderID string          `gorm:"column:exchange_order_id;index"`
	Symbol          string          `gorm:"column:symbol;index"`
	Side            OrderSide       `gorm:"column:side"`
	Type            OrderType       `gorm:"column:type"`
	Price           decimal.Decimal `gorm:"column:price;type:TEXT"`
	Amount          decimal.Decimal `gorm:"column:amount;type:TEXT"`
	FilledAmount    decimal.Decimal `gorm:"column:filled_amount;type:TEXT"`
	Leverage        float64         `gorm:"column:leverage"`
	Status          OrderStatus     `gorm:"column:status;index"`
	TimeInForce     string          `gorm:"column:time_in_force"`
	CreatedAt       int64           `gorm:"column:created_at"`
	UpdatedAt       int64           `gorm:"column:updated_at"`
}

func (Order) TableName() string { return "orders" }

// LifecycleEvent is the append-only record of one order status transition.
// Events are the source of truth for reconstructing an order.
type LifecycleEvent struct {
	ID             int64           `gorm:"column:id;primaryKey"`
	OrderID        int64           `gorm:"column:order_id;index"`
	Status         OrderStatus     `gorm:"column:status"`
	Timestamp      int64           `gorm:"column:timestamp"`
	ExchangeStatus string          `gorm:"column:exchange_status"`
	FillQty        decimal.Decimal `gorm:"column:fill_qty;type:TEXT"`
	FillPrice      decimal.Decimal `gorm:"column:fill_price;type:TEXT"`
	Fee            decimal.Decimal `gorm:"column:fee;type:TEXT"`
	Message        string          `gorm:"column:message"`
	// Source marks synthetic events, e.g. "reconciliation" for venue
	// write-offs; empty for events observed directly from the venue.
	Source     string         `gorm:"column:source"`
	RawPayload datatypes.JSON `gorm:"column:raw_payload;type:TEXT"`
}

func (LifecycleEvent) TableName() string { return "order_lifecycle_events" }

type Trade struct {
	ID          int64           `gorm:"column:id;primaryKey"`
	OrderID     int64           `gorm:"column:order_id;index"`
	Symbol      string          `gorm:"column:symbol"`
	Side        OrderSide       `gorm:"column:side"`
	Price       decimal.Decimal `gorm:"column:price;type:TEXT"`
	Amount      decimal.Decimal `gorm:"column:amount;type:TEXT"`
	Fee         decimal.Decimal `gorm:"column:fee;type:TEXT"`
	FeeCurrency string          `gorm:"column:fee_currency"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:TEXT"`
	Timestamp   int64           `gorm:"column:timestamp"`
}

func (Trade) TableName() string { return "trades" }

type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

type Position struct {
	ID               int64           `gorm:"column:id;primaryKey"`
	Symbol           string          `gorm:"column:symbol;uniqueIndex"`
	Side             PositionSide    `gorm:"column:side"`
	Size             decimal.Decimal `gorm:"column:size;type:TEXT"`
	EntryPrice       decimal.Decimal `gorm:"column:entry_price;type:TEXT"`
	Leverage         float64         `gorm:"column:leverage"`
	UnrealizedPnL    decimal.Decimal `gorm:"column:unrealized_pnl;type:TEXT"`
	Margin           decimal.Decimal `gorm:"column:margin;type:TEXT"`
	LiquidationPrice decimal.Decimal `gorm:"column:liquidation_price;type:TEXT"`
	UpdatedAt        int64           `gorm:"column:updated_at"`
}

func (Position) TableName() string { return "positions" }
