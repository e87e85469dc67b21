package backtest

import (
	"math"
	"strconv"

	"arena/internal/store/model"
)

// Metrics summarizes one run. Percent fields are percentages, ratio
// fields are plain ratios; the JSON keys are stable because the
// portfolio scorer reads them back.
type Metrics struct {
	TotalReturnPct fl64 `json:"total_return_pct"`
	CAGRPct        fl64 `json:"cagr_pct"`
	MaxDrawdownPct fl64 `json:"max_drawdown_pct"`
	// MaxDrawdownDurationMS is the longest peak-to-recovery span.
	MaxDrawdownDurationMS int64 `json:"max_drawdown_duration_ms"`
	Sharpe                fl64  `json:"sharpe"`
	Sortino               fl64  `json:"sortino"`
	Calmar                fl64  `json:"calmar"`
	WinRate               fl64  `json:"win_rate"` // percent of closed trades
	ProfitFactor          fl64  `json:"profit_factor"`
	PayoffRatio           fl64  `json:"payoff_ratio"`
	TradesCount           int   `json:"trades_count"`
	FundingPnL            fl64  `json:"funding_pnl"`
	FeesPaid              fl64  `json:"fees_paid"`
	FinalEquity           fl64  `json:"final_equity"`
}

// fl64 marshals NaN and infinities as zero so the metrics row always
// round-trips through JSON.
type fl64 float64

func (f fl64) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func computeMetrics(curve []Point, trades []model.BacktestTrade, barsPerYear, fundingPnL, feesPaid float64) Metrics {
	m := Metrics{
		TradesCount: len(trades),
		FundingPnL:  fl64(fundingPnL),
		FeesPaid:    fl64(feesPaid),
	}
	if len(curve) < 2 {
		return m
	}
	initial := curve[0].Equity
	final := curve[len(curve)-1].Equity
	m.FinalEquity = fl64(final)
	if initial > 0 {
		m.TotalReturnPct = fl64((final/initial - 1) * 100)
	}

	bars := float64(len(curve) - 1)
	if initial > 0 && final > 0 && bars > 0 && barsPerYear > 0 {
		cagr := math.Pow(final/initial, barsPerYear/bars) - 1
		m.CAGRPct = fl64(cagr * 100)
	}

	maxDD, ddDuration := drawdown(curve)
	m.MaxDrawdownPct = fl64(maxDD * 100)
	m.MaxDrawdownDurationMS = ddDuration
	if maxDD > 0 {
		m.Calmar = fl64(float64(m.CAGRPct) / 100 / maxDD)
	}

	m.Sharpe = fl64(sharpe(curve, barsPerYear, false))
	m.Sortino = fl64(sharpe(curve, barsPerYear, true))

	wins, losses := 0, 0
	grossWin, grossLoss := 0.0, 0.0
	for _, t := range trades {
		if t.PnL > 0 {
			wins++
			grossWin += t.PnL
		} else if t.PnL < 0 {
			losses++
			grossLoss += -t.PnL
		}
	}
	if len(trades) > 0 {
		m.WinRate = fl64(float64(wins) / float64(len(trades)) * 100)
	}
	if grossLoss > 0 {
		m.ProfitFactor = fl64(grossWin / grossLoss)
	} else if grossWin > 0 {
		m.ProfitFactor = fl64(math.Inf(1))
	}
	if wins > 0 && losses > 0 {
		m.PayoffRatio = fl64((grossWin / float64(wins)) / (grossLoss / float64(losses)))
	}
	return m
}

// drawdown returns the deepest fraction off a running peak and the
// longest time spent below a prior peak.
func drawdown(curve []Point) (float64, int64) {
	peak := curve[0].Equity
	peakTS := curve[0].Timestamp
	maxDD := 0.0
	var maxDuration int64
	for _, p := range curve {
		if p.Equity >= peak {
			if d := p.Timestamp - peakTS; d > maxDuration {
				maxDuration = d
			}
			peak = p.Equity
			peakTS = p.Timestamp
			continue
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	// An unrecovered drawdown at the end still counts.
	if last := curve[len(curve)-1]; last.Equity < peak {
		if d := last.Timestamp - peakTS; d > maxDuration {
			maxDuration = d
		}
	}
	return maxDD, maxDuration
}

// sharpe annualizes the mean per-bar return over its deviation. With
// downside=true only negative returns contribute to the deviation,
// which is the Sortino variant.
func sharpe(curve []Point, barsPerYear float64, downside bool) float64 {
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1].Equity > 0 {
			returns = append(returns, curve[i].Equity/curve[i-1].Equity-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	n := 0
	for _, r := range returns {
		d := r - mean
		if downside {
			if r >= 0 {
				continue
			}
			d = r
		}
		variance += d * d
		n++
	}
	if n == 0 {
		return 0
	}
	std := math.Sqrt(variance / float64(n))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(barsPerYear)
}
