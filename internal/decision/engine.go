package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gorm.io/datatypes"

	"arena/internal/dataservice"
	"arena/internal/logger"
	"arena/internal/regime"
	"arena/internal/store"
	"arena/internal/store/model"
	"arena/internal/strategy"
)

// Result is one completed (or rejected) LLM decision cycle.
type Result struct {
	Symbol          string
	Timeframe       string
	Timestamp       int64
	MarketRegime    string
	Selected        string
	Allocations     []StrategyAllocation
	TotalPosition   float64
	Confidence      float64
	Reasoning       string
	Accepted        bool
	RejectionReason string
}

// Engine orchestrates data -> prompt -> LLM -> validation -> store.
// A rejected or failed cycle is persisted as a HOLD; nothing reaches the
// executor unless Accepted is true.
type Engine struct {
	data     *dataservice.Service
	library  *strategy.Library
	provider Provider
	store    *store.Store
	classify *regime.Classifier
	feedback *Analyzer

	symbol         string
	timeframe      string
	minConfidence  float64
	maxAbsPosition float64
	candleLimit    int
}

type EngineOptions struct {
	Symbol         string
	Timeframe      string
	MinConfidence  float64
	GlobalLeverage float64
	CandleLimit    int
}

func NewEngine(data *dataservice.Service, library *strategy.Library, provider Provider,
	st *store.Store, classify *regime.Classifier, feedback *Analyzer, opts EngineOptions) *Engine {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.6
	}
	if opts.CandleLimit <= 0 {
		opts.CandleLimit = 100
	}
	maxAbs := opts.GlobalLeverage
	if maxAbs <= 0 {
		maxAbs = 1.0
	}
	if maxAbs > 1 {
		maxAbs = 1
	}
	return &Engine{
		data:           data,
		library:        library,
		provider:       provider,
		store:          st,
		classify:       classify,
		feedback:       feedback,
		symbol:         opts.Symbol,
		timeframe:      opts.Timeframe,
		minConfidence:  opts.MinConfidence,
		maxAbsPosition: maxAbs,
		candleLimit:    opts.CandleLimit,
	}
}

// Decide runs one full cycle and persists the outcome. The returned
// result is nil only on infrastructure errors; a model rejection comes
// back as a non-accepted result.
func (e *Engine) Decide(ctx context.Context) (*Result, error) {
	candles, err := e.data.Candles(ctx, e.symbol, e.timeframe, e.candleLimit)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		result := e.rejected(0, "", "no_candles", "no_candles")
		return result, e.persist(ctx, result)
	}

	snapshot := e.classify.Compute(candles)
	active := e.activeStrategies()
	feedback := ""
	if e.feedback != nil {
		if summary, err := e.feedback.Summary(ctx, 20); err != nil {
			logger.Warnf("feedback summary unavailable: %v", err)
		} else {
			feedback = summary
		}
	}

	prompts, err := BuildPrompt(PromptInput{
		Symbol:     e.symbol,
		Timeframe:  e.timeframe,
		Candles:    candles,
		Snapshot:   snapshot,
		Strategies: active,
		Feedback:   feedback,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	raw, callErr := e.provider.Chat(ctx, prompts.System, prompts.User)
	latency := time.Since(started).Milliseconds()

	run := &model.LLMRun{
		Timestamp: time.Now().UnixMilli(),
		Provider:  e.provider.Name(),
		Request:   prompts.User,
		Response:  raw,
		LatencyMs: latency,
	}
	if callErr != nil {
		run.Outcome = "ERROR"
		run.Rejection = callErr.Error()
		if err := e.store.RecordLLMRun(ctx, run); err != nil {
			logger.Warnf("llm run not recorded: %v", err)
		}
		result := e.rejected(snapshot.Timestamp, "", "llm_error", "llm_error")
		return result, e.persist(ctx, result)
	}

	dec, parseErr := ParseDecision(raw)
	if parseErr != nil {
		run.Outcome = "REJECTED"
		run.Rejection = parseErr.Error()
		if err := e.store.RecordLLMRun(ctx, run); err != nil {
			logger.Warnf("llm run not recorded: %v", err)
		}
		result := e.rejected(snapshot.Timestamp, "", "invalid_response", parseErr.Error())
		return result, e.persist(ctx, result)
	}

	result := e.validate(snapshot.Timestamp, active, dec)
	if result.Accepted {
		run.Outcome = "ACCEPTED"
	} else {
		run.Outcome = "REJECTED"
		run.Rejection = result.RejectionReason
	}
	if err := e.store.RecordLLMRun(ctx, run); err != nil {
		logger.Warnf("llm run not recorded: %v", err)
	}
	return result, e.persist(ctx, result)
}

func (e *Engine) activeStrategies() []ActiveStrategy {
	var out []ActiveStrategy
	for _, spec := range e.library.ListEnabled() {
		out = append(out, ActiveStrategy{ID: spec.Key, Name: spec.Name, Description: spec.Description})
	}
	return out
}

// validate enforces the safety ladder on a schema-valid decision:
// strategy identity, weight discipline, confidence floor and the
// position cap, in that order.
func (e *Engine) validate(ts int64, active []ActiveStrategy, dec *LLMDecision) *Result {
	activeIDs := make(map[string]bool, len(active))
	for _, s := range active {
		activeIDs[s.ID] = true
	}

	result := &Result{
		Symbol:       e.symbol,
		Timeframe:    e.timeframe,
		Timestamp:    ts,
		MarketRegime: dec.MarketRegime,
		Selected:     dec.SelectedStrategyID,
		Allocations:  dec.Allocations,
		Confidence:   dec.Confidence,
		Reasoning:    dec.Reasoning,
		Accepted:     true,
	}
	reject := func(reason string) *Result {
		result.Accepted = false
		result.RejectionReason = reason
		return result
	}

	if len(dec.Allocations) > 0 {
		var weightSum float64
		for _, alloc := range dec.Allocations {
			if !activeIDs[alloc.StrategyID] {
				return reject("unknown_strategy")
			}
			weightSum += alloc.Weight
		}
		if weightSum <= 0 {
			return reject("weight_sum_zero")
		}
		if weightSum < 0.95 || weightSum > 1.05 {
			return reject("weight_sum_mismatch")
		}
		if dec.Confidence < e.minConfidence {
			return reject("low_confidence")
		}
		result.TotalPosition = e.maxAbsPosition
		if dec.TotalPosition != nil {
			result.TotalPosition = *dec.TotalPosition
		}
		if math.Abs(result.TotalPosition) > e.maxAbsPosition {
			return reject("position_limit")
		}
		best := dec.Allocations[0]
		for _, alloc := range dec.Allocations[1:] {
			if alloc.Weight > best.Weight {
				best = alloc
			}
		}
		result.Selected = best.StrategyID
		return result
	}

	switch {
	case dec.SelectedStrategyID == "HOLD":
		result.TotalPosition = 0
		return result
	case dec.SelectedStrategyID == "":
		if dec.TotalPosition == nil || math.Abs(*dec.TotalPosition) <= 1e-6 {
			result.Selected = "HOLD"
			result.TotalPosition = 0
			return result
		}
		return reject("missing_strategy")
	case !activeIDs[dec.SelectedStrategyID]:
		return reject("unknown_strategy")
	case dec.Confidence < e.minConfidence:
		return reject("low_confidence")
	}

	result.Allocations = []StrategyAllocation{{
		StrategyID: dec.SelectedStrategyID,
		Weight:     1.0,
		Confidence: dec.Confidence,
		Reasoning:  dec.Reasoning,
	}}
	result.TotalPosition = e.maxAbsPosition
	if dec.TotalPosition != nil {
		result.TotalPosition = *dec.TotalPosition
	}
	if math.Abs(result.TotalPosition) > e.maxAbsPosition {
		return reject("position_limit")
	}
	return result
}

func (e *Engine) rejected(ts int64, selected, reason, detail string) *Result {
	return &Result{
		Symbol:          e.symbol,
		Timeframe:       e.timeframe,
		Timestamp:       ts,
		Selected:        selected,
		Reasoning:       detail,
		Accepted:        false,
		RejectionReason: reason,
	}
}

func (e *Engine) persist(ctx context.Context, result *Result) error {
	reasoning := result.Reasoning
	if !result.Accepted && result.RejectionReason != "" {
		reasoning = fmt.Sprintf("rejected:%s | %s", result.RejectionReason, reasoning)
	}
	allocs, err := json.Marshal(result.Allocations)
	if err != nil {
		return err
	}
	ts := result.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return e.store.RecordDecision(ctx, &model.Decision{
		Timestamp:     ts,
		Symbol:        result.Symbol,
		Timeframe:     result.Timeframe,
		Regime:        result.MarketRegime,
		Allocations:   datatypes.JSON(allocs),
		TotalPosition: result.TotalPosition,
		Confidence:    result.Confidence,
		Reasoning:     reasoning,
		Source:        "llm",
		PromptVersion: promptVersion,
		ModelVersion:  e.provider.Name(),
	})
}
