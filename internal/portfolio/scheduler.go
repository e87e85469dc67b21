package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gorm.io/datatypes"

	"arena/internal/logger"
	"arena/internal/regime"
	"arena/internal/store/model"
	"arena/internal/strategy"
)

// Allocation is one selected strategy with its normalized weight.
type Allocation struct {
	Strategy   string  `json:"strategy"`
	Score      float64 `json:"score"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Signal     string  `json:"signal"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Decision is one completed portfolio cycle: who is selected, what they
// said, and the combined target exposure.
type Decision struct {
	Regime         regime.Label
	Allocations    []Allocation
	TargetPosition float64 // signed fraction of equity, long positive
	Leverage       float64
	Confidence     float64
	Reasoning      string
}

// Scheduler scores the roster each cycle and hands the survivors to
// their strategies.
type Scheduler struct {
	library  *strategy.Library
	scorer   *Scorer
	topK     int
	minScore float64
	leverage float64

	instances map[string]strategy.Strategy
}

type SchedulerOptions struct {
	TopK           int
	MinScore       float64
	GlobalLeverage float64
}

func NewScheduler(library *strategy.Library, scorer *Scorer, opts SchedulerOptions) *Scheduler {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.MinScore <= 0 {
		opts.MinScore = 0.45
	}
	if opts.GlobalLeverage <= 0 {
		opts.GlobalLeverage = 1.0
	}
	return &Scheduler{
		library:   library,
		scorer:    scorer,
		topK:      opts.TopK,
		minScore:  opts.MinScore,
		leverage:  opts.GlobalLeverage,
		instances: make(map[string]strategy.Strategy),
	}
}

// Ranked is one roster entry that survived scoring.
type Ranked struct {
	Spec  strategy.Spec
	Score float64
}

// Select scores every enabled strategy against the regime and returns
// the top performers above the floor, best first.
func (s *Scheduler) Select(ctx context.Context, current regime.Label) ([]Ranked, error) {
	var candidates []Ranked
	for _, spec := range s.library.ListEnabled() {
		score, err := s.scorer.Score(ctx, spec, current)
		if err != nil {
			return nil, err
		}
		if score < s.minScore {
			logger.Debugf("strategy %s below score floor: %.2f < %.2f", spec.Key, score, s.minScore)
			continue
		}
		candidates = append(candidates, Ranked{Spec: spec, Score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > s.topK {
		candidates = candidates[:s.topK]
	}
	return candidates, nil
}

// Decide runs one full portfolio cycle: select, evaluate, combine.
// Strategy instances persist across cycles so stateful strategies keep
// their grids and funding windows.
func (s *Scheduler) Decide(ctx context.Context, data strategy.DataProvider, snapshot regime.Snapshot) (*Decision, error) {
	selected, err := s.Select(ctx, snapshot.Current)
	if err != nil {
		return nil, err
	}
	decision := &Decision{
		Regime:   snapshot.Current,
		Leverage: s.leverage,
	}
	if len(selected) == 0 {
		decision.Reasoning = "no strategy above score floor"
		return decision, nil
	}

	var sum float64
	for _, c := range selected {
		sum += c.Score
	}

	var reasons []string
	var confWeight float64
	for _, c := range selected {
		inst, err := s.instance(c.Spec.Key)
		if err != nil {
			return nil, err
		}
		sig, err := inst.Evaluate(ctx, data)
		if err != nil {
			logger.Errorf("strategy %s evaluation failed: %v", c.Spec.Key, err)
			continue
		}
		weight := c.Score / sum
		alloc := Allocation{
			Strategy:   c.Spec.Key,
			Score:      c.Score,
			Weight:     weight,
			Confidence: sig.Confidence,
			Signal:     string(sig.Type),
			Reasoning:  sig.Reasoning,
		}
		decision.Allocations = append(decision.Allocations, alloc)

		switch sig.Type {
		case strategy.SignalBuy:
			decision.TargetPosition += weight * sig.PositionSize
		case strategy.SignalSell:
			decision.TargetPosition -= weight * sig.PositionSize
		case strategy.SignalCloseLong, strategy.SignalCloseShort:
			// A close vote contributes zero target for its weight.
		}
		if sig.Type != strategy.SignalHold {
			decision.Confidence += weight * sig.Confidence
			confWeight += weight
			reasons = append(reasons, fmt.Sprintf("%s[%.2f]: %s", c.Spec.Key, weight, sig.Reasoning))
		}
	}
	if confWeight > 0 {
		decision.Confidence /= confWeight
	}
	decision.TargetPosition *= s.leverage
	decision.Reasoning = strings.Join(reasons, "; ")
	if decision.Reasoning == "" {
		decision.Reasoning = "all strategies holding"
	}
	return decision, nil
}

func (s *Scheduler) instance(key string) (strategy.Strategy, error) {
	if inst, ok := s.instances[key]; ok {
		return inst, nil
	}
	inst, err := s.library.Build(key)
	if err != nil {
		return nil, err
	}
	s.instances[key] = inst
	return inst, nil
}

// ToModel converts a decision to its persisted form.
func (d *Decision) ToModel(symbol, timeframe string, ts int64) (*model.Decision, error) {
	allocs, err := json.Marshal(d.Allocations)
	if err != nil {
		return nil, err
	}
	return &model.Decision{
		Timestamp:     ts,
		Symbol:        symbol,
		Timeframe:     timeframe,
		Regime:        string(d.Regime),
		Allocations:   datatypes.JSON(allocs),
		TotalPosition: d.TargetPosition,
		Confidence:    d.Confidence,
		Reasoning:     d.Reasoning,
		Source:        "portfolio",
	}, nil
}

// RebalanceNeeded reports whether moving from current to target exposure
// clears both the relative band and the venue's minimum ticket.
func RebalanceNeeded(current, target, equity, diffThresholdBps, minNotional float64) bool {
	diff := target - current
	if diff < 0 {
		diff = -diff
	}
	notional := diff * equity
	if notional < minNotional {
		return false
	}
	base := current
	if base < 0 {
		base = -base
	}
	if base == 0 {
		return notional >= minNotional
	}
	return diff/base*10000 >= diffThresholdBps
}
