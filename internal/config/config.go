package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"arena/internal/market"
)

// envKeys maps the recognized environment options onto config paths.
// Every option in the table is read verbatim from the environment.
var envKeys = map[string]string{
	"app.log_level": "LOG_LEVEL",
	"app.log_path":  "LOG_PATH",
	"app.llm_dump":  "LLM_DUMP",
	"app.llm_log":   "LLM_LOG",

	"database.url": "DATABASE_URL",

	"venue.name":          "VENUE",
	"venue.api_key":       "OKX_API_KEY",
	"venue.api_secret":    "OKX_API_SECRET",
	"venue.passphrase":    "OKX_PASSWORD",
	"venue.is_demo":       "OKX_IS_DEMO",
	"venue.td_mode":       "OKX_TD_MODE",
	"venue.pos_mode":      "OKX_POS_MODE",
	"venue.symbol":        "OKX_DEFAULT_SYMBOL",
	"venue.wait_fill":     "OKX_WAIT_FILL",
	"venue.fill_timeout":  "OKX_FILL_TIMEOUT",
	"venue.fill_interval": "OKX_FILL_INTERVAL",

	"trading.enabled":           "TRADING_ENABLED",
	"trading.api_write_enabled": "API_WRITE_ENABLED",
	"trading.timeframes":        "OKX_TIMEFRAMES",

	"risk.max_notional":       "RISK_MAX_NOTIONAL",
	"risk.max_leverage":       "RISK_MAX_LEVERAGE",
	"risk.min_confidence":     "RISK_MIN_CONFIDENCE",
	"risk.max_daily_loss_pct": "MAX_DAILY_LOSS_PCT",
	"risk.cooldown_losses":    "RISK_COOLDOWN_LOSSES",
	"risk.cooldown_bars":      "RISK_COOLDOWN_BARS",

	"regime.adx_threshold":      "REGIME_ADX_THRESHOLD",
	"regime.bb_width_threshold": "REGIME_BB_WIDTH_THRESHOLD",

	"portfolio.global_leverage":    "PORTFOLIO_GLOBAL_LEVERAGE",
	"portfolio.diff_threshold_bps": "PORTFOLIO_DIFF_THRESHOLD",
	"portfolio.min_notional":       "PORTFOLIO_MIN_NOTIONAL",

	"llm.provider": "LLM_PROVIDER",
	"llm.api_base": "LLM_API_BASE",
	"llm.api_key":  "LLM_API_KEY",
	"llm.model":    "LLM_MODEL",

	"loops.account_interval": "ACCOUNT_INTERVAL",
	"loops.order_interval":   "ORDER_INTERVAL",
	"loops.ingest_interval":  "INGEST_INTERVAL",

	"ingest.backfill_days": "INGEST_BACKFILL_DAYS",

	"executor.mode":     "EXECUTOR_MODE",
	"executor.fee_rate": "EXECUTOR_FEE_RATE",

	"strategy.params_path":   "STRATEGY_PARAMS_PATH",
	"strategy.enabled":       "STRATEGY_ENABLED",
	"strategy.decision_mode": "DECISION_MODE",
}

// Load builds the immutable configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	applyDefaults(v)
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s failed: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	normalizeIntervals(v, &cfg)
	if err := loadStrategyParams(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("app.log_level", "info")
	v.SetDefault("database.url", "data/arena.db")
	v.SetDefault("venue.name", "okx")
	v.SetDefault("venue.is_demo", true)
	v.SetDefault("venue.td_mode", "cross")
	v.SetDefault("venue.pos_mode", "net")
	v.SetDefault("venue.symbol", "BTC-USDT-SWAP")
	v.SetDefault("venue.wait_fill", true)
	v.SetDefault("venue.fill_timeout", "8s")
	v.SetDefault("venue.fill_interval", "1s")
	v.SetDefault("venue.http_timeout", "30s")
	v.SetDefault("trading.enabled", false)
	v.SetDefault("trading.api_write_enabled", false)
	v.SetDefault("trading.timeframes", "15m,1h,4h,1d")
	v.SetDefault("risk.max_notional", 20000.0)
	v.SetDefault("risk.max_leverage", 3.0)
	v.SetDefault("risk.min_confidence", 0.6)
	v.SetDefault("risk.max_daily_loss_pct", 5.0)
	v.SetDefault("risk.cooldown_losses", 3)
	v.SetDefault("risk.cooldown_bars", 8)
	v.SetDefault("risk.reconcile_grace", "30s")
	v.SetDefault("risk.drift_tolerance", 0.02)
	v.SetDefault("regime.adx_threshold", 25.0)
	v.SetDefault("regime.bb_width_threshold", 0.04)
	v.SetDefault("regime.vol_kill_percentile", 80.0)
	v.SetDefault("portfolio.global_leverage", 1.0)
	v.SetDefault("portfolio.diff_threshold_bps", 10.0)
	v.SetDefault("portfolio.min_notional", 10.0)
	v.SetDefault("portfolio.top_k", 3)
	v.SetDefault("portfolio.min_score", 0.45)
	v.SetDefault("portfolio.regime_weight", 0.6)
	v.SetDefault("portfolio.performance_weight", 0.4)
	v.SetDefault("portfolio.performance_lookback", 50)
	v.SetDefault("llm.provider", "")
	v.SetDefault("llm.api_base", "https://api.deepseek.com/v1")
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("loops.account_interval", "60s")
	v.SetDefault("loops.order_interval", "30s")
	v.SetDefault("loops.ingest_interval", "60s")
	v.SetDefault("loops.integrity_interval", "15m")
	v.SetDefault("loops.decision_offset", "5s")
	v.SetDefault("ingest.backfill_days", 30)
	v.SetDefault("ingest.batch_size", 300)
	v.SetDefault("ingest.max_retries", 5)
	v.SetDefault("executor.mode", "simulated")
	v.SetDefault("executor.slippage_model", "fixed")
	v.SetDefault("executor.slippage_bps", 0.0)
	v.SetDefault("executor.fee_rate", 0.0005)
	v.SetDefault("executor.seed", 1)
	v.SetDefault("strategy.decision_mode", "portfolio")
}

// normalizeIntervals accepts the loop cadences as bare seconds, matching the
// historical environment contract (ACCOUNT_INTERVAL=60 means 60s).
func normalizeIntervals(v *viper.Viper, cfg *Config) {
	fix := func(key string, dst *time.Duration) {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			return
		}
		if !strings.ContainsAny(raw, "smhd") {
			if secs := v.GetInt64(key); secs > 0 {
				*dst = time.Duration(secs) * time.Second
			}
		}
	}
	fix("loops.account_interval", &cfg.Loops.AccountInterval)
	fix("loops.order_interval", &cfg.Loops.OrderInterval)
	fix("loops.ingest_interval", &cfg.Loops.IngestInterval)
	fix("venue.fill_timeout", &cfg.Venue.FillTimeout)
	fix("venue.fill_interval", &cfg.Venue.FillInterval)
}

// StrategyParams holds per-strategy parameter overrides keyed by strategy id.
type StrategyParams map[string]map[string]float64

var strategyParams StrategyParams

// LoadedStrategyParams returns overrides loaded from strategy.params_path.
func LoadedStrategyParams() StrategyParams {
	return strategyParams
}

func loadStrategyParams(cfg *Config) error {
	strategyParams = nil
	path := strings.TrimSpace(cfg.Strategy.ParamsPath)
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading strategy params failed (%s): %w", path, err)
	}
	var parsed StrategyParams
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parsing strategy params failed (%s): %w", path, err)
	}
	strategyParams = parsed
	return nil
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL cannot be empty")
	}
	switch strings.ToLower(cfg.Venue.Name) {
	case "okx", "binance":
	default:
		return fmt.Errorf("unknown venue: %s", cfg.Venue.Name)
	}
	for _, tf := range cfg.Trading.Timeframes {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return err
		}
	}
	if cfg.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("RISK_MAX_LEVERAGE must be positive")
	}
	if cfg.Risk.MinConfidence < 0 || cfg.Risk.MinConfidence > 1 {
		return fmt.Errorf("RISK_MIN_CONFIDENCE must be within [0,1]")
	}
	if cfg.Portfolio.GlobalLeverage <= 0 {
		return fmt.Errorf("PORTFOLIO_GLOBAL_LEVERAGE must be positive")
	}
	if w := cfg.Portfolio.RegimeWeight + cfg.Portfolio.PerformanceWeight; w < 0.999 || w > 1.001 {
		return fmt.Errorf("portfolio regime/performance weights must sum to 1")
	}
	switch cfg.Executor.Mode {
	case "simulated", "live":
	default:
		return fmt.Errorf("executor mode must be simulated or live")
	}
	switch cfg.Executor.SlippageModel {
	case "fixed", "volatility", "impact":
	default:
		return fmt.Errorf("unknown slippage model: %s", cfg.Executor.SlippageModel)
	}
	switch cfg.Strategy.DecisionMode {
	case "portfolio", "llm":
	default:
		return fmt.Errorf("decision mode must be portfolio or llm")
	}
	if cfg.Strategy.DecisionMode == "llm" && strings.TrimSpace(cfg.LLM.Provider) == "" {
		return fmt.Errorf("DECISION_MODE=llm requires LLM_PROVIDER")
	}
	return nil
}
