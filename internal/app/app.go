// Package app assembles the daemon: one store, one venue connection,
// and the loops that ingest, audit, decide, execute and reconcile.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"arena/internal/config"
	"arena/internal/dataservice"
	"arena/internal/decision"
	"arena/internal/exchange"
	"arena/internal/executor"
	"arena/internal/ingest"
	"arena/internal/integrity"
	"arena/internal/logger"
	"arena/internal/market"
	"arena/internal/portfolio"
	"arena/internal/reconcile"
	"arena/internal/regime"
	"arena/internal/risk"
	"arena/internal/scheduler"
	"arena/internal/store"
	"arena/internal/strategy"
)

type App struct {
	cfg   *config.Config
	store *store.Store

	data      *dataservice.Service
	ingester  *ingest.Worker
	scanner   *integrity.Scanner
	repairer  *integrity.Repairer
	library   *strategy.Library
	allocator *portfolio.Scheduler
	llm       *decision.Engine
	classify  *regime.Classifier
	gate      *risk.Gate
	exec      *executor.Executor
	rec       *reconcile.Reconciler
	trader    exchange.Trader

	symbol    string
	timeframe string // primary decision timeframe
}

// Build wires every component from the loaded config. The store is
// opened and migrated; call Close when done.
func Build(cfg *config.Config) (*App, error) {
	logger.SetLevel(cfg.App.LogLevel)
	if cfg.App.LLMLog != "" {
		f, err := os.OpenFile(cfg.App.LLMLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening llm log: %w", err)
		}
		logger.SetLLMWriter(f)
	}
	logger.EnableLLMPayloadDump(cfg.App.LLMDump)

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(context.Background()); err != nil {
		_ = st.Close()
		return nil, err
	}

	symbol := cfg.Venue.Symbol
	timeframe := primaryTimeframe(cfg.Trading.Timeframes)

	okx := exchange.NewOKX(exchange.OKXConfig{
		APIKey:     cfg.Venue.APIKey,
		SecretKey:  cfg.Venue.APISecret,
		Passphrase: cfg.Venue.Passphrase,
		IsDemo:     cfg.Venue.IsDemo,
		TdMode:     cfg.Venue.TDMode,
		Timeout:    cfg.Venue.HTTPTimeout,
	})
	var source exchange.CandleSource = okx
	if strings.EqualFold(cfg.Venue.Name, "binance") {
		source = exchange.NewBinanceSource(cfg.Venue.HTTPTimeout)
	}

	// Order routing goes to the venue only in live mode; simulated mode
	// fills against the in-memory venue while market data stays real.
	var trader exchange.Trader = okx
	if cfg.Executor.Mode == "simulated" {
		trader = exchange.NewSimVenue()
	}

	data := dataservice.New(st, symbol)
	ingester := ingest.New(st, data, source, okx, ingest.Options{
		Symbol:       symbol,
		Timeframes:   cfg.Trading.Timeframes,
		BackfillDays: cfg.Ingest.BackfillDays,
		BatchSize:    cfg.Ingest.BatchSize,
		MaxRetries:   cfg.Ingest.MaxRetries,
	})

	library := strategy.NewLibrary(symbol, timeframe, enabledOrNil(cfg.Strategy.Enabled), config.LoadedStrategyParams())
	perf := portfolio.NewStorePerformance(st, symbol, cfg.Portfolio.PerformanceLookback)
	scorer := portfolio.NewScorer(perf, cfg.Portfolio.RegimeWeight, cfg.Portfolio.PerformanceWeight)
	allocator := portfolio.NewScheduler(library, scorer, portfolio.SchedulerOptions{
		TopK:           cfg.Portfolio.TopK,
		MinScore:       cfg.Portfolio.MinScore,
		GlobalLeverage: cfg.Portfolio.GlobalLeverage,
	})
	classify := regime.NewClassifier(cfg.Regime.ADXThreshold, cfg.Regime.BBWidthThreshold)

	var llm *decision.Engine
	if cfg.Strategy.DecisionMode == "llm" {
		provider := decision.NewHTTPProvider(cfg.LLM.Provider, cfg.LLM.APIBase, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
		feedback := decision.NewAnalyzer(st, symbol, timeframe)
		llm = decision.NewEngine(data, library, provider, st, classify, feedback, decision.EngineOptions{
			Symbol:         symbol,
			Timeframe:      timeframe,
			MinConfidence:  cfg.Risk.MinConfidence,
			GlobalLeverage: cfg.Portfolio.GlobalLeverage,
		})
	}

	tradingEnabled := cfg.Trading.Enabled && cfg.Trading.APIWriteEnabled
	gate := risk.NewGate(st, risk.Limits{
		MaxNotional:     cfg.Risk.MaxNotional,
		MaxLeverage:     cfg.Risk.MaxLeverage,
		MinConfidence:   cfg.Risk.MinConfidence,
		MaxDailyLossPct: cfg.Risk.MaxDailyLossPct,
		CooldownLosses:  cfg.Risk.CooldownLosses,
		CooldownWindow:  cooldownWindow(cfg, timeframe),
	}, func() bool { return tradingEnabled })

	exec := executor.New(st, trader, executor.Options{
		Simulated:    cfg.Executor.Mode == "simulated",
		Slippage:     executor.NewSlippageModel(cfg.Executor.SlippageModel, cfg.Executor.SlippageBps, cfg.Executor.Seed),
		FeeRate:      cfg.Executor.FeeRate,
		WaitFill:     cfg.Venue.WaitFill,
		FillTimeout:  cfg.Venue.FillTimeout,
		FillInterval: cfg.Venue.FillInterval,
	})
	rec := reconcile.New(st, trader, okx, exec, reconcile.Options{
		Symbol:     symbol,
		OrderGrace: cfg.Risk.ReconcileGrace,
	})

	return &App{
		cfg:       cfg,
		store:     st,
		data:      data,
		ingester:  ingester,
		scanner:   integrity.NewScanner(st, symbol, cfg.Trading.Timeframes),
		repairer:  integrity.NewRepairer(st, source),
		library:   library,
		allocator: allocator,
		llm:       llm,
		classify:  classify,
		gate:      gate,
		exec:      exec,
		rec:       rec,
		trader:    trader,
		symbol:    symbol,
		timeframe: timeframe,
	}, nil
}

func (a *App) Close() error {
	return a.store.Close()
}

// Store exposes the opened store for the CLI subcommands.
func (a *App) Store() *store.Store { return a.store }

// Data exposes the data service for the CLI subcommands.
func (a *App) Data() *dataservice.Service { return a.data }

// Library exposes the strategy library for the CLI subcommands.
func (a *App) Library() *strategy.Library { return a.library }

// Allocator exposes the portfolio scheduler for the CLI subcommands.
func (a *App) Allocator() *portfolio.Scheduler { return a.allocator }

// IngestOnce runs one full ingestion pass over all configured feeds.
func (a *App) IngestOnce(ctx context.Context) error {
	if err := a.ingester.SyncCandles(ctx); err != nil {
		return err
	}
	if err := a.ingester.SyncFunding(ctx); err != nil {
		return err
	}
	if err := a.ingester.SnapshotPrices(ctx); err != nil {
		return err
	}
	return a.ingester.SnapshotOpenInterest(ctx)
}

// Run starts every loop and blocks until ctx is canceled or a loop
// fails fatally.
func (a *App) Run(ctx context.Context) error {
	tf, err := market.ParseTimeframe(a.timeframe)
	if err != nil {
		return err
	}
	loops := a.cfg.Loops

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s := scheduler.NewEvery("ingest", loops.IngestInterval)
		s.RunImmediately = true
		return s.Run(ctx, a.ingestTick)
	})
	g.Go(func() error {
		return scheduler.NewEvery("integrity", loops.IntegrityInterval).Run(ctx, a.integrityTick)
	})
	g.Go(func() error {
		return scheduler.NewAligned("decision", tf.Duration, loops.DecisionOffset).Run(ctx, a.decisionTick)
	})
	g.Go(func() error {
		return scheduler.NewEvery("account", loops.AccountInterval).Run(ctx, a.rec.SyncAccount)
	})
	g.Go(func() error {
		return scheduler.NewEvery("orders", loops.OrderInterval).Run(ctx, a.rec.SyncOrders)
	})

	logger.Infof("daemon started: symbol=%s timeframe=%s mode=%s decision=%s",
		a.symbol, a.timeframe, a.cfg.Executor.Mode, a.cfg.Strategy.DecisionMode)
	return g.Wait()
}

func (a *App) ingestTick(ctx context.Context) error {
	if err := a.IngestOnce(ctx); err != nil {
		return err
	}
	_, err := a.ingester.CheckStaleness(ctx, time.Now())
	return err
}

func (a *App) integrityTick(ctx context.Context) error {
	if _, err := a.scanner.Scan(ctx, 0, 0); err != nil {
		return err
	}
	processed, err := a.repairer.RunOnce(ctx, 5)
	if err != nil {
		return err
	}
	if processed > 0 {
		logger.Infof("integrity: %d repair jobs processed", processed)
	}
	return nil
}

func primaryTimeframe(timeframes []string) string {
	if len(timeframes) == 0 {
		return "1h"
	}
	// The decision loop runs on the shortest configured timeframe.
	best := timeframes[0]
	bestTF, err := market.ParseTimeframe(best)
	if err != nil {
		return "1h"
	}
	for _, raw := range timeframes[1:] {
		tf, err := market.ParseTimeframe(raw)
		if err != nil {
			continue
		}
		if tf.Millis() < bestTF.Millis() {
			best, bestTF = raw, tf
		}
	}
	return best
}

func enabledOrNil(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	return keys
}

func cooldownWindow(cfg *config.Config, timeframe string) time.Duration {
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return 0
	}
	return time.Duration(cfg.Risk.CooldownBars) * tf.Duration
}
