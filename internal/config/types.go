package config

import "time"

// Config is loaded once at startup and immutable afterwards. Changing any
// knob requires a restart.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Venue     VenueConfig     `mapstructure:"venue"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Regime    RegimeConfig    `mapstructure:"regime"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Loops     LoopConfig      `mapstructure:"loops"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
}

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
	LLMDump  bool   `mapstructure:"llm_dump"`
	LLMLog   string `mapstructure:"llm_log"`
}

type DatabaseConfig struct {
	// URL is the store location; sqlite file path or sqlite:/// URL.
	URL string `mapstructure:"url"`
}

type VenueConfig struct {
	// Name selects the market-data venue: okx or binance. Order routing is
	// OKX-only.
	Name       string `mapstructure:"name"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`
	IsDemo     bool   `mapstructure:"is_demo"`
	TDMode     string `mapstructure:"td_mode"`
	PosMode    string `mapstructure:"pos_mode"`
	Symbol     string `mapstructure:"symbol"`
	// WaitFill controls post-submit fill polling.
	WaitFill     bool          `mapstructure:"wait_fill"`
	FillTimeout  time.Duration `mapstructure:"fill_timeout"`
	FillInterval time.Duration `mapstructure:"fill_interval"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
}

type TradingConfig struct {
	// Enabled is the kill switch: when false the executor records decisions
	// as would-have-been orders and never touches the venue.
	Enabled         bool     `mapstructure:"enabled"`
	APIWriteEnabled bool     `mapstructure:"api_write_enabled"`
	Timeframes      []string `mapstructure:"timeframes"`
}

type RiskConfig struct {
	MaxNotional     float64       `mapstructure:"max_notional"`
	MaxLeverage     float64       `mapstructure:"max_leverage"`
	MinConfidence   float64       `mapstructure:"min_confidence"`
	MaxDailyLossPct float64       `mapstructure:"max_daily_loss_pct"`
	CooldownLosses  int           `mapstructure:"cooldown_losses"`
	CooldownBars    int           `mapstructure:"cooldown_bars"`
	ReconcileGrace  time.Duration `mapstructure:"reconcile_grace"`
	DriftTolerance  float64       `mapstructure:"drift_tolerance"`
}

type RegimeConfig struct {
	ADXThreshold      float64 `mapstructure:"adx_threshold"`
	BBWidthThreshold  float64 `mapstructure:"bb_width_threshold"`
	VolKillPercentile float64 `mapstructure:"vol_kill_percentile"`
}

type PortfolioConfig struct {
	GlobalLeverage      float64 `mapstructure:"global_leverage"`
	DiffThresholdBps    float64 `mapstructure:"diff_threshold_bps"`
	MinNotional         float64 `mapstructure:"min_notional"`
	TopK                int     `mapstructure:"top_k"`
	MinScore            float64 `mapstructure:"min_score"`
	RegimeWeight        float64 `mapstructure:"regime_weight"`
	PerformanceWeight   float64 `mapstructure:"performance_weight"`
	PerformanceLookback int     `mapstructure:"performance_lookback"`
}

type LLMConfig struct {
	Provider string        `mapstructure:"provider"`
	APIBase  string        `mapstructure:"api_base"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type LoopConfig struct {
	AccountInterval   time.Duration `mapstructure:"account_interval"`
	OrderInterval     time.Duration `mapstructure:"order_interval"`
	IngestInterval    time.Duration `mapstructure:"ingest_interval"`
	IntegrityInterval time.Duration `mapstructure:"integrity_interval"`
	DecisionOffset    time.Duration `mapstructure:"decision_offset"`
}

type IngestConfig struct {
	BackfillDays int `mapstructure:"backfill_days"`
	BatchSize    int `mapstructure:"batch_size"`
	MaxRetries   int `mapstructure:"max_retries"`
}

type ExecutorConfig struct {
	Mode          string  `mapstructure:"mode"`
	SlippageModel string  `mapstructure:"slippage_model"`
	SlippageBps   float64 `mapstructure:"slippage_bps"`
	FeeRate       float64 `mapstructure:"fee_rate"`
	Seed          int64   `mapstructure:"seed"`
}

type StrategyConfig struct {
	// ParamsPath optionally points at a YAML file of per-strategy parameter
	// overrides.
	ParamsPath   string   `mapstructure:"params_path"`
	Enabled      []string `mapstructure:"enabled"`
	DecisionMode string   `mapstructure:"decision_mode"`
}
