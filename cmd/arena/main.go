package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"arena/internal/app"
	"arena/internal/backtest"
	"arena/internal/config"
	"arena/internal/logger"
)

// Exit codes.
const (
	exitOK         = 0
	exitConfig     = 1
	exitMigration  = 2
	exitVenue      = 3
	exitKillSwitch = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(exitConfig)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Printf("log output: %v", err)
		os.Exit(exitConfig)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "migrate":
		os.Exit(runMigrate(ctx, cfg))
	case "ingest":
		os.Exit(runIngest(ctx, cfg, os.Args[2:]))
	case "backtest":
		os.Exit(runBacktest(ctx, cfg, os.Args[2:]))
	case "daemon":
		os.Exit(runDaemon(ctx, cfg, os.Args[2:]))
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: arena <migrate|ingest|backtest|daemon> [flags]")
}

func runMigrate(ctx context.Context, cfg *config.Config) int {
	a, err := app.Build(cfg)
	if err != nil {
		logger.Errorf("migrate: %v", err)
		return exitMigration
	}
	defer a.Close()
	logger.Infof("migrations applied")
	return exitOK
}

func runIngest(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	symbol := fs.String("symbol", cfg.Venue.Symbol, "instrument to backfill")
	timeframes := fs.String("timeframes", strings.Join(cfg.Trading.Timeframes, ","), "comma-separated bar intervals")
	sinceDays := fs.Int("since-days", cfg.Ingest.BackfillDays, "how far back to fill")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	cfg.Venue.Symbol = *symbol
	cfg.Trading.Timeframes = strings.Split(*timeframes, ",")
	cfg.Ingest.BackfillDays = *sinceDays

	a, err := app.Build(cfg)
	if err != nil {
		logger.Errorf("ingest: %v", err)
		return exitMigration
	}
	defer a.Close()

	if err := a.IngestOnce(ctx); err != nil {
		logger.Errorf("ingest: %v", err)
		return exitVenue
	}
	logger.Infof("ingest complete")
	return exitOK
}

func runBacktest(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	symbol := fs.String("symbol", cfg.Venue.Symbol, "instrument")
	timeframe := fs.String("timeframe", "1h", "bar interval")
	strategyKey := fs.String("strategy", backtest.PortfolioStrategy, "strategy key or portfolio")
	start := fs.String("start", "", "range start (RFC3339 or YYYY-MM-DD)")
	end := fs.String("end", "", "range end (RFC3339 or YYYY-MM-DD)")
	capital := fs.Float64("capital", 10_000, "initial capital")
	fee := fs.Float64("fee", cfg.Executor.FeeRate, "taker fee rate")
	report := fs.String("report", "", "optional HTML report path")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	startTS, err := parseTime(*start)
	if err != nil {
		logger.Errorf("backtest: bad --start: %v", err)
		return exitConfig
	}
	endTS, err := parseTime(*end)
	if err != nil {
		logger.Errorf("backtest: bad --end: %v", err)
		return exitConfig
	}

	a, err := app.Build(cfg)
	if err != nil {
		logger.Errorf("backtest: %v", err)
		return exitMigration
	}
	defer a.Close()

	engine := backtest.NewEngine(a.Store(), a.Data(), a.Library(), a.Allocator())
	result, err := engine.Run(ctx, backtest.Request{
		Symbol:         *symbol,
		Timeframe:      *timeframe,
		StartTS:        startTS,
		EndTS:          endTS,
		InitialCapital: *capital,
		Strategy:       *strategyKey,
		FeeRate:        *fee,
		Slippage:       cfg.Executor.SlippageModel,
		SlippageBps:    cfg.Executor.SlippageBps,
		Seed:           cfg.Executor.Seed,
		Leverage:       cfg.Portfolio.GlobalLeverage,
		MaxNotional:    cfg.Risk.MaxNotional,
	})
	if err != nil {
		logger.Errorf("backtest: %v", err)
		return exitConfig
	}
	logger.Infof("backtest %s: return %.2f%% maxDD %.2f%% sharpe %.2f trades %d",
		result.Run.RunID, float64(result.Metrics.TotalReturnPct),
		float64(result.Metrics.MaxDrawdownPct), float64(result.Metrics.Sharpe),
		result.Metrics.TradesCount)
	if *report != "" {
		if err := backtest.WriteReport(result, *report); err != nil {
			logger.Errorf("backtest report: %v", err)
			return exitConfig
		}
		logger.Infof("report written to %s", *report)
	}
	return exitOK
}

func runDaemon(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	symbol := fs.String("symbol", cfg.Venue.Symbol, "instrument")
	timeframe := fs.String("timeframe", "", "override primary decision timeframe")
	executorMode := fs.String("executor", cfg.Executor.Mode, "simulated or live")
	decisionMode := fs.String("decision-mode", cfg.Strategy.DecisionMode, "portfolio or llm")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	cfg.Venue.Symbol = *symbol
	cfg.Executor.Mode = *executorMode
	cfg.Strategy.DecisionMode = *decisionMode
	if *timeframe != "" {
		cfg.Trading.Timeframes = []string{*timeframe}
	}

	if cfg.Executor.Mode == "live" && !cfg.Trading.Enabled {
		logger.Errorf("daemon: live executor requested but TRADING_ENABLED=false")
		return exitKillSwitch
	}

	a, err := app.Build(cfg)
	if err != nil {
		logger.Errorf("daemon: %v", err)
		return exitMigration
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Errorf("daemon: %v", err)
		return exitVenue
	}
	logger.Infof("daemon stopped")
	return exitOK
}

func parseTime(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("missing value")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q", raw)
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
