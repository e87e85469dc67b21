// Package portfolio turns the strategy roster into a weighted allocation
// for the current market regime.
package portfolio

import (
	"context"

	"github.com/tidwall/gjson"

	"arena/internal/regime"
	"arena/internal/store"
	"arena/internal/strategy"
)

// Performance aggregates a strategy's historical backtest results.
type Performance struct {
	WinRate        float64 // percent
	AvgReturnPct   float64 // percent
	MaxDrawdownPct float64 // percent, positive
	Samples        int
}

// PerformanceSource looks up historical performance per strategy key.
// Missing history is not an error; it falls back to a neutral score.
type PerformanceSource interface {
	StrategyPerformance(ctx context.Context, key string) (*Performance, error)
}

// StorePerformance reads performance from persisted backtest runs whose
// params name the strategy.
type StorePerformance struct {
	store    *store.Store
	symbol   string
	lookback int
}

func NewStorePerformance(st *store.Store, symbol string, lookback int) *StorePerformance {
	if lookback <= 0 {
		lookback = 20
	}
	return &StorePerformance{store: st, symbol: symbol, lookback: lookback}
}

func (p *StorePerformance) StrategyPerformance(ctx context.Context, key string) (*Performance, error) {
	runs, err := p.store.ListBacktestRuns(ctx, p.lookback)
	if err != nil {
		return nil, err
	}
	var perf Performance
	for _, run := range runs {
		if run.Symbol != p.symbol {
			continue
		}
		if gjson.GetBytes(run.Params, "strategy").String() != key {
			continue
		}
		metrics := []byte(run.Metrics)
		perf.WinRate += gjson.GetBytes(metrics, "win_rate").Float()
		perf.AvgReturnPct += gjson.GetBytes(metrics, "total_return_pct").Float()
		perf.MaxDrawdownPct += gjson.GetBytes(metrics, "max_drawdown_pct").Float()
		perf.Samples++
	}
	if perf.Samples == 0 {
		return nil, nil
	}
	n := float64(perf.Samples)
	perf.WinRate /= n
	perf.AvgReturnPct /= n
	perf.MaxDrawdownPct /= n
	return &perf, nil
}

// Scorer blends regime fit with historical performance.
type Scorer struct {
	perf         PerformanceSource
	regimeWeight float64
	perfWeight   float64
}

func NewScorer(perf PerformanceSource, regimeWeight, perfWeight float64) *Scorer {
	if regimeWeight <= 0 && perfWeight <= 0 {
		regimeWeight, perfWeight = 0.6, 0.4
	}
	return &Scorer{perf: perf, regimeWeight: regimeWeight, perfWeight: perfWeight}
}

// Score rates one strategy for the current regime in [0, 1].
func (s *Scorer) Score(ctx context.Context, spec strategy.Spec, current regime.Label) (float64, error) {
	rs := regimeScore(spec.Regimes, current)
	ps := 0.5
	if s.perf != nil {
		perf, err := s.perf.StrategyPerformance(ctx, spec.Key)
		if err != nil {
			return 0, err
		}
		if perf != nil && perf.Samples > 0 {
			ps = perfScore(perf)
		}
	}
	return s.regimeWeight*rs + s.perfWeight*ps, nil
}

// regimeScore: a declared match scores 1.0, a declared miss 0.3, and a
// strategy that declares no affinity sits between at 0.6.
func regimeScore(affinity strategy.Affinity, current regime.Label) float64 {
	if len(affinity) == 0 {
		return 0.6
	}
	normalized := regime.Normalize(current)
	for _, label := range affinity {
		if regime.Normalize(label) == normalized {
			return 1.0
		}
	}
	return 0.3
}

// perfScore blends win rate, average return and drawdown into [0, 1].
func perfScore(p *Performance) float64 {
	winScore := clamp(p.WinRate, 0, 100) / 100
	returnScore := clamp(p.AvgReturnPct, -100, 100)/200 + 0.5
	ddScore := 1 - clamp(p.MaxDrawdownPct, 0, 100)/100
	return 0.5*winScore + 0.3*returnScore + 0.2*ddScore
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
