package executor

import (
	"math"
	"math/rand"
)

// SlippageModel prices a simulated market order against a reference
// price. Slip is always adverse: buys pay up, sells receive less.
type SlippageModel interface {
	// ExecutionPrice returns the simulated fill price. qtyNotional is
	// the order's quote notional, volatility the recent ATR fraction of
	// price; models that ignore them accept zero.
	ExecutionPrice(refPrice float64, buy bool, qtyNotional, volatility float64) float64
}

// FixedSlippage applies a constant spread in basis points.
type FixedSlippage struct {
	Bps float64
}

func (m FixedSlippage) ExecutionPrice(refPrice float64, buy bool, _, _ float64) float64 {
	return apply(refPrice, buy, m.Bps)
}

// VolatilitySlippage scales the base spread by current volatility: a
// tape with 2% ATR slips twice as much as one with 1%.
type VolatilitySlippage struct {
	Bps     float64
	RefVol  float64 // volatility that maps to exactly Bps; default 1%
	MaxMult float64
}

func (m VolatilitySlippage) ExecutionPrice(refPrice float64, buy bool, _, volatility float64) float64 {
	ref := m.RefVol
	if ref <= 0 {
		ref = 0.01
	}
	mult := volatility / ref
	if mult < 1 {
		mult = 1
	}
	if m.MaxMult > 0 && mult > m.MaxMult {
		mult = m.MaxMult
	}
	return apply(refPrice, buy, m.Bps*mult)
}

// ImpactSlippage adds square-root market impact on top of the base
// spread: impact grows with the root of the order's notional.
type ImpactSlippage struct {
	Bps         float64
	RefNotional float64 // notional that adds exactly Bps of impact
}

func (m ImpactSlippage) ExecutionPrice(refPrice float64, buy bool, qtyNotional, _ float64) float64 {
	ref := m.RefNotional
	if ref <= 0 {
		ref = 100_000
	}
	impact := m.Bps * math.Sqrt(qtyNotional/ref)
	return apply(refPrice, buy, m.Bps+impact)
}

// NoiseSlippage wraps another model with seeded random jitter so backtest
// fills are not perfectly deterministic yet stay reproducible.
type NoiseSlippage struct {
	Inner    SlippageModel
	JitterBp float64
	rng      *rand.Rand
}

func NewNoiseSlippage(inner SlippageModel, jitterBp float64, seed int64) *NoiseSlippage {
	return &NoiseSlippage{Inner: inner, JitterBp: jitterBp, rng: rand.New(rand.NewSource(seed))}
}

func (m *NoiseSlippage) ExecutionPrice(refPrice float64, buy bool, qtyNotional, volatility float64) float64 {
	px := m.Inner.ExecutionPrice(refPrice, buy, qtyNotional, volatility)
	jitter := (m.rng.Float64()*2 - 1) * m.JitterBp
	return apply(px, buy, math.Abs(jitter))
}

// NewSlippageModel builds a model by config name; unknown names fall
// back to fixed.
func NewSlippageModel(name string, bps float64, seed int64) SlippageModel {
	var inner SlippageModel
	switch name {
	case "volatility":
		inner = VolatilitySlippage{Bps: bps, MaxMult: 5}
	case "impact":
		inner = ImpactSlippage{Bps: bps}
	default:
		inner = FixedSlippage{Bps: bps}
	}
	if seed != 0 {
		return NewNoiseSlippage(inner, bps/4, seed)
	}
	return inner
}

func apply(price float64, buy bool, bps float64) float64 {
	slip := price * bps / 10_000
	if buy {
		return price + slip
	}
	return price - slip
}
