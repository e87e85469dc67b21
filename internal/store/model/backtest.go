package model

import "gorm.io/datatypes"

type BacktestRun struct {
	ID             int64          `gorm:"column:id;primaryKey"`
	RunID          string         `gorm:"column:run_id;uniqueIndex"`
	CreatedAt      int64          `gorm:"column:created_at"`
	Symbol         string         `gorm:"column:symbol;index"`
	Timeframe      string         `gorm:"column:timeframe"`
	StartTS        int64          `gorm:"column:start_ts"`
	EndTS          int64          `gorm:"column:end_ts"`
	InitialCapital float64        `gorm:"column:initial_capital"`
	Params         datatypes.JSON `gorm:"column:params_json;type:TEXT"`
	Metrics        datatypes.JSON `gorm:"column:metrics_json;type:TEXT"`
	EquityCurve    datatypes.JSON `gorm:"column:equity_curve_json;type:TEXT"`
	SchemaVersion  int            `gorm:"column:schema_version"`
}

func (BacktestRun) TableName() string { return "backtest_runs" }

type BacktestTrade struct {
	ID         int64   `gorm:"column:id;primaryKey"`
	RunID      string  `gorm:"column:run_id;index"`
	StrategyID string  `gorm:"column:strategy_id"`
	Side       string  `gorm:"column:side"`
	EntryTS    int64   `gorm:"column:entry_ts"`
	ExitTS     int64   `gorm:"column:exit_ts"`
	EntryPrice float64 `gorm:"column:entry_price"`
	ExitPrice  float64 `gorm:"column:exit_price"`
	Amount     float64 `gorm:"column:amount"`
	Fee        float64 `gorm:"column:fee"`
	PnL        float64 `gorm:"column:pnl"`
	// ReturnPct is stored as a ratio (0.05 = 5%); callers convert at display.
	ReturnPct float64 `gorm:"column:return_pct"`
	Reason    string  `gorm:"column:reason"`
}

func (BacktestTrade) TableName() string { return "backtest_trades" }

type BacktestPosition struct {
	ID         int64   `gorm:"column:id;primaryKey"`
	RunID      string  `gorm:"column:run_id;index"`
	Timestamp  int64   `gorm:"column:timestamp"`
	Side       string  `gorm:"column:side"`
	Size       float64 `gorm:"column:size"`
	EntryPrice float64 `gorm:"column:entry_price"`
	Equity     float64 `gorm:"column:equity"`
}

func (BacktestPosition) TableName() string { return "backtest_positions" }

type BacktestDecision struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	RunID         string         `gorm:"column:run_id;index"`
	Timestamp     int64          `gorm:"column:timestamp"`
	Regime        string         `gorm:"column:regime"`
	Allocations   datatypes.JSON `gorm:"column:allocations;type:TEXT"`
	TotalPosition float64        `gorm:"column:total_position"`
	Reasoning     string         `gorm:"column:reasoning"`
}

func (BacktestDecision) TableName() string { return "backtest_decisions" }

type IngestionRun struct {
	ID           int64  `gorm:"column:id;primaryKey"`
	Source       string `gorm:"column:source"`
	Symbol       string `gorm:"column:symbol;index"`
	Timeframe    string `gorm:"column:timeframe"`
	DataType     string `gorm:"column:data_type"`
	StartedAt    int64  `gorm:"column:started_at"`
	EndedAt      int64  `gorm:"column:ended_at"`
	RowsInserted int64  `gorm:"column:rows_inserted"`
	Status       string `gorm:"column:status"`
	Error        string `gorm:"column:error"`
}

func (IngestionRun) TableName() string { return "ingestion_runs" }
