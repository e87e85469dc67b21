package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"arena/internal/market"
	"arena/internal/store"
	"arena/internal/store/model"
)

// Analyzer scores past decisions by the realized PnL of the trades that
// followed them and renders a short summary the next prompt can learn
// from.
type Analyzer struct {
	store     *store.Store
	symbol    string
	timeframe string
}

func NewAnalyzer(st *store.Store, symbol, timeframe string) *Analyzer {
	return &Analyzer{store: st, symbol: symbol, timeframe: timeframe}
}

type outcomeStats struct {
	wins    int
	count   int
	returns float64
}

func (s outcomeStats) winRate() float64 {
	if s.count == 0 {
		return 0
	}
	return float64(s.wins) / float64(s.count)
}

func (s outcomeStats) avgReturn() float64 {
	if s.count == 0 {
		return 0
	}
	return s.returns / float64(s.count)
}

// Summary renders per-strategy and per-regime win rates over the last
// limit decisions. Empty string when there is nothing to learn from yet.
func (a *Analyzer) Summary(ctx context.Context, limit int) (string, error) {
	if limit <= 0 {
		limit = 20
	}
	decisions, err := a.store.RecentDecisions(ctx, a.symbol, limit)
	if err != nil {
		return "", err
	}
	if len(decisions) == 0 {
		return "", nil
	}
	trades, err := a.store.RecentTrades(ctx, a.symbol, limit*10)
	if err != nil {
		return "", err
	}

	interval := int64(0)
	if tf, err := market.ParseTimeframe(a.timeframe); err == nil {
		interval = tf.Millis()
	}

	// RecentDecisions is newest first; windows need ascending order.
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].Timestamp < decisions[j].Timestamp })

	byStrategy := make(map[string]*outcomeStats)
	byRegime := make(map[string]*outcomeStats)
	for i, dec := range decisions {
		endTS := dec.Timestamp + interval
		if i+1 < len(decisions) {
			endTS = decisions[i+1].Timestamp
		}
		pnl, notional := aggregateTrades(trades, dec.Timestamp, endTS)
		if notional <= 0 {
			continue
		}
		ret := pnl / notional

		for _, alloc := range gjson.ParseBytes(dec.Allocations).Array() {
			key := alloc.Get("strategy_id").String()
			if key == "" {
				key = alloc.Get("strategy").String()
			}
			if key == "" || key == "HOLD" {
				continue
			}
			record(byStrategy, key, ret)
		}
		if dec.Regime != "" {
			record(byRegime, dec.Regime, ret)
		}
	}
	if len(byStrategy) == 0 {
		return "", nil
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("Last %d decisions:", len(decisions)))
	for _, key := range sortedKeys(byStrategy) {
		s := byStrategy[key]
		lines = append(lines, fmt.Sprintf("- %s: win rate %.0f%%, avg return %+.2f%%",
			key, s.winRate()*100, s.avgReturn()*100))
	}
	if best := pickBest(byStrategy); best != "" {
		lines = append(lines, fmt.Sprintf("Best strategy: %s (win rate %.0f%%)", best, byStrategy[best].winRate()*100))
	}
	if worst := pickWorst(byStrategy); worst != "" {
		lines = append(lines, fmt.Sprintf("Worst strategy: %s (win rate %.0f%%)", worst, byStrategy[worst].winRate()*100))
	}
	if best := pickBest(byRegime); best != "" {
		lines = append(lines, fmt.Sprintf("Best regime: %s (win rate %.0f%%)", best, byRegime[best].winRate()*100))
	}
	return strings.Join(lines, "\n"), nil
}

func record(stats map[string]*outcomeStats, key string, ret float64) {
	s := stats[key]
	if s == nil {
		s = &outcomeStats{}
		stats[key] = s
	}
	s.count++
	s.returns += ret
	if ret > 0 {
		s.wins++
	}
}

func aggregateTrades(trades []model.Trade, startTS, endTS int64) (pnl, notional float64) {
	for _, t := range trades {
		if t.Timestamp < startTS || t.Timestamp >= endTS {
			continue
		}
		pnl += t.RealizedPnL.InexactFloat64()
		notional += t.Price.Mul(t.Amount).Abs().InexactFloat64()
	}
	return pnl, notional
}

func sortedKeys(stats map[string]*outcomeStats) []string {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func pickBest(stats map[string]*outcomeStats) string {
	best, bestRate := "", -1.0
	for _, k := range sortedKeys(stats) {
		if r := stats[k].winRate(); r > bestRate {
			best, bestRate = k, r
		}
	}
	return best
}

func pickWorst(stats map[string]*outcomeStats) string {
	worst, worstRate := "", 2.0
	for _, k := range sortedKeys(stats) {
		if r := stats[k].winRate(); r < worstRate {
			worst, worstRate = k, r
		}
	}
	return worst
}
