package model

import (
	"gorm.io/datatypes"
)

type RiskLevel string

const (
	RiskInfo  RiskLevel = "INFO"
	RiskWarn  RiskLevel = "WARN"
	RiskBlock RiskLevel = "BLOCK"
)

type RiskEvent struct {
	ID        int64     `gorm:"column:id;primaryKey"`
	Timestamp int64     `gorm:"column:timestamp;index"`
	Symbol    string    `gorm:"column:symbol;index"`
	Level     RiskLevel `gorm:"column:level"`
	Rule      string    `gorm:"column:rule"`
	Details   string    `gorm:"column:details"`
}

func (RiskEvent) TableName() string { return "risk_events" }

type IntegrityEventType string

const (
	IntegrityGap       IntegrityEventType = "GAP"
	IntegrityDuplicate IntegrityEventType = "DUPLICATE"
	IntegrityRepair    IntegrityEventType = "REPAIR"
)

type IntegrityEvent struct {
	ID            int64              `gorm:"column:id;primaryKey"`
	Symbol        string             `gorm:"column:symbol;index"`
	Timeframe     string             `gorm:"column:timeframe"`
	Type          IntegrityEventType `gorm:"column:event_type"`
	StartTS       int64              `gorm:"column:start_ts"`
	EndTS         int64              `gorm:"column:end_ts"`
	ExpectedBars  int64              `gorm:"column:expected_bars"`
	ActualBars    int64              `gorm:"column:actual_bars"`
	MissingBars   int64              `gorm:"column:missing_bars"`
	DuplicateBars int64              `gorm:"column:duplicate_bars"`
	Severity      string             `gorm:"column:severity"`
	DetectedAt    int64              `gorm:"column:detected_at"`
	RepairJobID   string             `gorm:"column:repair_job_id"`
	Resolved      bool               `gorm:"column:resolved"`
}

func (IntegrityEvent) TableName() string { return "candle_integrity_events" }

type RepairStatus string

const (
	RepairPending RepairStatus = "PENDING"
	RepairRunning RepairStatus = "RUNNING"
	RepairDone    RepairStatus = "DONE"
	RepairFailed  RepairStatus = "FAILED"
)

type RepairJob struct {
	ID           int64        `gorm:"column:id;primaryKey"`
	JobID        string       `gorm:"column:job_id;uniqueIndex"`
	Symbol       string       `gorm:"column:symbol;index"`
	Timeframe    string       `gorm:"column:timeframe"`
	StartTS      int64        `gorm:"column:start_ts"`
	EndTS        int64        `gorm:"column:end_ts"`
	Status       RepairStatus `gorm:"column:status;index"`
	RepairedBars int64        `gorm:"column:repaired_bars"`
	Message      string       `gorm:"column:message"`
	CreatedAt    int64        `gorm:"column:created_at"`
	UpdatedAt    int64        `gorm:"column:updated_at"`
}

func (RepairJob) TableName() string { return "repair_jobs" }

// Decision is one persisted decision-cycle outcome. Allocations carries
// (strategy_id, weight, confidence) tuples as JSON.
type Decision struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Timestamp     int64          `gorm:"column:timestamp;index"`
	Symbol        string         `gorm:"column:symbol;index"`
	Timeframe     string         `gorm:"column:timeframe"`
	Regime        string         `gorm:"column:regime"`
	Allocations   datatypes.JSON `gorm:"column:allocations;type:TEXT"`
	TotalPosition float64        `gorm:"column:total_position"`
	Confidence    float64        `gorm:"column:confidence"`
	Reasoning     string         `gorm:"column:reasoning"`
	Source        string         `gorm:"column:source"`
	PromptVersion string         `gorm:"column:prompt_version"`
	ModelVersion  string         `gorm:"column:model_version"`
	Action        string         `gorm:"column:action"`
}

func (Decision) TableName() string { return "decisions" }

// LLMRun audits one round trip to the decision model.
type LLMRun struct {
	ID         int64  `gorm:"column:id;primaryKey"`
	Timestamp  int64  `gorm:"column:timestamp;index"`
	Provider   string `gorm:"column:provider"`
	Model      string `gorm:"column:model"`
	Request    string `gorm:"column:request"`
	Response   string `gorm:"column:response"`
	LatencyMs  int64  `gorm:"column:latency_ms"`
	Outcome    string `gorm:"column:outcome"`
	Rejection  string `gorm:"column:rejection"`
}

func (LLMRun) TableName() string { return "llm_runs" }

type BalanceSnapshot struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	Exchange   string         `gorm:"column:exchange"`
	AccountID  string         `gorm:"column:account_id"`
	Timestamp  int64          `gorm:"column:timestamp;index"`
	Currency   string         `gorm:"column:currency"`
	Total      string         `gorm:"column:total"`
	Free       string         `gorm:"column:free"`
	Used       string         `gorm:"column:used"`
	RawPayload datatypes.JSON `gorm:"column:raw_payload;type:TEXT"`
}

func (BalanceSnapshot) TableName() string { return "balance_snapshots" }

type PositionSnapshot struct {
	ID         int64          `gorm:"column:id;primaryKey"`
	Exchange   string         `gorm:"column:exchange"`
	AccountID  string         `gorm:"column:account_id"`
	Timestamp  int64          `gorm:"column:timestamp;index"`
	Symbol     string         `gorm:"column:symbol"`
	Side       string         `gorm:"column:side"`
	Size       string         `gorm:"column:size"`
	EntryPrice string         `gorm:"column:entry_price"`
	Leverage   float64        `gorm:"column:leverage"`
	RawPayload datatypes.JSON `gorm:"column:raw_payload;type:TEXT"`
}

func (PositionSnapshot) TableName() string { return "position_snapshots" }
