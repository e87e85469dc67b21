// Package backtest replays stored candles through the strategy stack
// with an in-memory account. Signals are computed at bar close and
// filled at the next bar open, so no strategy ever sees the bar it
// trades on.
package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"arena/internal/dataservice"
	"arena/internal/executor"
	"arena/internal/logger"
	"arena/internal/market"
	"arena/internal/portfolio"
	"arena/internal/regime"
	"arena/internal/store"
	"arena/internal/store/model"
	"arena/internal/strategy"
)

// warmupBars is the history handed to indicators before the first
// tradable bar.
const warmupBars = 120

// PortfolioStrategy selects the scheduler instead of a single strategy.
const PortfolioStrategy = "portfolio"

type Request struct {
	Symbol         string
	Timeframe      string
	StartTS        int64
	EndTS          int64
	InitialCapital float64
	// Strategy is a library key, or PortfolioStrategy for the full
	// scheduler path.
	Strategy    string
	FeeRate     float64
	Slippage    string // fixed, volatility, impact
	SlippageBps float64
	Seed        int64
	Leverage    float64
	// Funding accrues stored funding payments against the open position.
	Funding bool
	// MaxNotional caps each simulated position's notional the way the
	// live risk gate does; zero disables the cap.
	MaxNotional float64
}

func (r *Request) withDefaults() {
	if r.Leverage <= 0 {
		r.Leverage = 1.0
	}
}

// Point is one equity-curve sample.
type Point struct {
	Timestamp int64   `json:"ts"`
	Equity    float64 `json:"equity"`
	Drawdown  float64 `json:"drawdown"` // fraction off the running peak
}

// Result is the full output of one run, already persisted.
type Result struct {
	Run         model.BacktestRun
	Metrics     Metrics
	EquityCurve []Point
	Trades      []model.BacktestTrade
}

type Engine struct {
	store     *store.Store
	data      *dataservice.Service
	library   *strategy.Library
	scheduler *portfolio.Scheduler
	classify  *regime.Classifier
}

// NewEngine wires a backtest engine. scheduler may be nil when only
// single-strategy runs are needed.
func NewEngine(st *store.Store, data *dataservice.Service, library *strategy.Library, scheduler *portfolio.Scheduler) *Engine {
	return &Engine{
		store:     st,
		data:      data,
		library:   library,
		scheduler: scheduler,
		classify:  regime.NewClassifier(0, 0),
	}
}

// Run replays the requested range and persists the run atomically.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	req.withDefaults()
	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return nil, err
	}
	if req.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive")
	}
	if req.EndTS <= req.StartTS {
		return nil, fmt.Errorf("empty backtest range")
	}

	loadStart := req.StartTS - int64(warmupBars)*tf.Millis()
	candles, err := e.data.CandleRange(ctx, req.Symbol, req.Timeframe, loadStart, req.EndTS)
	if err != nil {
		return nil, err
	}
	startIdx := 0
	for startIdx < len(candles) && candles[startIdx].Timestamp < req.StartTS {
		startIdx++
	}
	if len(candles)-startIdx < 2 {
		return nil, fmt.Errorf("not enough candles in range: have %d", len(candles)-startIdx)
	}

	funding, err := e.data.FundingRange(ctx, req.Symbol, loadStart, req.EndTS)
	if err != nil {
		return nil, err
	}

	var eval evaluator
	if req.Strategy == PortfolioStrategy {
		if e.scheduler == nil {
			return nil, fmt.Errorf("portfolio backtest requires a scheduler")
		}
		eval = &portfolioEval{scheduler: e.scheduler, classify: e.classify}
	} else {
		strat, err := e.library.Build(req.Strategy)
		if err != nil {
			return nil, err
		}
		eval = &singleEval{strat: strat, leverage: req.Leverage}
	}

	slip := executor.NewSlippageModel(req.Slippage, req.SlippageBps, req.Seed)
	sim := newSimulation(req, candles, funding, slip)
	replay := &replayProvider{symbol: req.Symbol, timeframe: req.Timeframe, candles: candles, funding: funding}

	var decisions []model.BacktestDecision
	for i := startIdx; i < len(candles)-1; i++ {
		replay.cursor = i + 1

		target, note, err := eval.target(ctx, replay, sim.target)
		if err != nil {
			logger.Warnf("backtest evaluate at %d: %v", candles[i].Timestamp, err)
			target = sim.target
		}
		if target != sim.target {
			decisions = append(decisions, model.BacktestDecision{
				Timestamp:     candles[i].Timestamp,
				Regime:        note.regime,
				Allocations:   note.allocations,
				TotalPosition: target,
				Reasoning:     note.reasoning,
			})
		}
		sim.step(candles[i], candles[i+1], target)
	}
	sim.finish(candles[len(candles)-1])

	barsPerYear := tf.BarsPerYear()
	metrics := computeMetrics(sim.curve, sim.trades, barsPerYear, sim.fundingPnL, sim.feesPaid)

	run, err := e.persist(ctx, req, sim, decisions, metrics)
	if err != nil {
		return nil, err
	}
	return &Result{Run: *run, Metrics: metrics, EquityCurve: sim.curve, Trades: sim.trades}, nil
}

func (e *Engine) persist(ctx context.Context, req Request, sim *simulation,
	decisions []model.BacktestDecision, metrics Metrics) (*model.BacktestRun, error) {

	params, err := json.Marshal(map[string]any{
		"strategy":     req.Strategy,
		"fee_rate":     req.FeeRate,
		"slippage":     req.Slippage,
		"slippage_bps": req.SlippageBps,
		"leverage":     req.Leverage,
		"funding":      req.Funding,
		"seed":         req.Seed,
		"max_notional": req.MaxNotional,
	})
	if err != nil {
		return nil, err
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return nil, err
	}
	curveJSON, err := json.Marshal(sim.curve)
	if err != nil {
		return nil, err
	}

	run := &model.BacktestRun{
		RunID:          uuid.NewString(),
		Symbol:         req.Symbol,
		Timeframe:      req.Timeframe,
		StartTS:        req.StartTS,
		EndTS:          req.EndTS,
		InitialCapital: req.InitialCapital,
		Params:         params,
		Metrics:        metricsJSON,
		EquityCurve:    curveJSON,
	}
	if err := e.store.SaveBacktestRun(ctx, run, sim.trades, sim.positions, decisions); err != nil {
		return nil, err
	}
	logger.Infof("backtest %s done: return %.2f%% over %d trades",
		run.RunID, metrics.TotalReturnPct, metrics.TradesCount)
	return run, nil
}

// decisionNote carries the evaluator's explanation alongside the target.
type decisionNote struct {
	regime      string
	allocations []byte
	reasoning   string
}

type evaluator interface {
	target(ctx context.Context, data strategy.DataProvider, current float64) (float64, decisionNote, error)
}

type singleEval struct {
	strat    strategy.Strategy
	leverage float64
}

func (s *singleEval) target(ctx context.Context, data strategy.DataProvider, current float64) (float64, decisionNote, error) {
	sig, err := s.strat.Evaluate(ctx, data)
	if err != nil {
		return current, decisionNote{}, err
	}
	size := sig.PositionSize
	if size <= 0 {
		size = 0.25
	}
	size *= s.leverage

	target := current
	switch sig.Type {
	case strategy.SignalBuy:
		target = size
	case strategy.SignalSell:
		target = -size
	case strategy.SignalCloseLong:
		if current > 0 {
			target = 0
		}
	case strategy.SignalCloseShort:
		if current < 0 {
			target = 0
		}
	}
	note := decisionNote{reasoning: sig.Reasoning}
	if target != current {
		if raw, err := json.Marshal(sig); err == nil {
			note.allocations = raw
		}
	}
	return clampTarget(target), note, nil
}

type portfolioEval struct {
	scheduler *portfolio.Scheduler
	classify  *regime.Classifier
}

func (p *portfolioEval) target(ctx context.Context, data strategy.DataProvider, current float64) (float64, decisionNote, error) {
	candles, err := data.Candles(ctx, "", "", warmupBars)
	if err != nil {
		return current, decisionNote{}, err
	}
	snapshot := p.classify.Compute(candles)
	dec, err := p.scheduler.Decide(ctx, data, snapshot)
	if err != nil {
		return current, decisionNote{}, err
	}
	note := decisionNote{regime: string(dec.Regime), reasoning: dec.Reasoning}
	if raw, err := json.Marshal(dec.Allocations); err == nil {
		note.allocations = raw
	}
	return clampTarget(dec.TargetPosition), note, nil
}

func clampTarget(t float64) float64 {
	return math.Max(-1, math.Min(1, t))
}

// replayProvider serves strategies the candles visible at the cursor,
// never the bar being filled.
type replayProvider struct {
	symbol    string
	timeframe string
	candles   []market.Candle
	funding   []market.FundingRate
	cursor    int // candles[:cursor] are visible
}

func (r *replayProvider) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	visible := r.candles[:r.cursor]
	if limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	out := make([]market.Candle, len(visible))
	copy(out, visible)
	return out, nil
}

func (r *replayProvider) LatestFunding(ctx context.Context, symbol string) (*market.FundingRate, error) {
	if r.cursor == 0 {
		return nil, nil
	}
	now := r.candles[r.cursor-1].Timestamp
	var latest *market.FundingRate
	for i := range r.funding {
		if r.funding[i].Timestamp > now {
			break
		}
		latest = &r.funding[i]
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}
