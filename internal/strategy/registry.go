package strategy

import (
	"fmt"

	"arena/internal/regime"
)

// Factory builds a configured strategy instance.
type Factory func(symbol, timeframe string, params Params) Strategy

// Spec describes one library entry. Disabled strategies stay listed so
// scoring and tooling can see the full roster.
type Spec struct {
	Key         string
	Name        string
	Enabled     bool
	Implemented bool
	Description string
	Regimes     Affinity
	Factory     Factory
}

var specs = []Spec{
	{
		Key:         "ema_trend",
		Name:        "EMA Trend",
		Enabled:     true,
		Implemented: true,
		Description: "EMA trend-following strategy",
		Regimes:     Affinity{"TREND"},
		Factory: func(symbol, timeframe string, params Params) Strategy {
			return NewEMATrend(symbol, timeframe, params)
		},
	},
	{
		Key:         "bollinger_range",
		Name:        "Bollinger Range",
		Enabled:     true,
		Implemented: true,
		Description: "Bollinger band range strategy",
		Regimes:     Affinity{regime.Range},
		Factory: func(symbol, timeframe string, params Params) Strategy {
			return NewBollingerRange(symbol, timeframe, params)
		},
	},
	{
		Key:         "funding_rate_arbitrage",
		Name:        "Funding Rate Arbitrage",
		Enabled:     true,
		Implemented: true,
		Description: "Funding rate arbitrage strategy",
		Regimes:     Affinity{},
		Factory: func(symbol, timeframe string, params Params) Strategy {
			return NewFundingArb(symbol, timeframe, params)
		},
	},
	{
		Key:         "breakout",
		Name:        "Breakout",
		Enabled:     false,
		Implemented: true,
		Description: "Key level / channel breakout strategy",
		Regimes:     Affinity{regime.Breakout, "TREND"},
		Factory: func(symbol, timeframe string, params Params) Strategy {
			return NewBreakout(symbol, timeframe, params)
		},
	},
	{
		Key:         "grid_trading",
		Name:        "Grid Trading",
		Enabled:     false,
		Implemented: true,
		Description: "Equal-spaced grid strategy centered on Bollinger mid-band",
		Regimes:     Affinity{regime.Range},
		Factory: func(symbol, timeframe string, params Params) Strategy {
			return NewGrid(symbol, timeframe, params)
		},
	},
	{
		Key:         "momentum",
		Name:        "Momentum",
		Enabled:     false,
		Implemented: true,
		Description: "Multi-factor momentum strategy with confirmation",
		Regimes:     Affinity{"TREND", regime.Breakout},
		Factory: func(symbol, timeframe string, params Params) Strategy {
			return NewMomentum(symbol, timeframe, params)
		},
	},
	{
		Key:         "mean_reversion",
		Name:        "Mean Reversion",
		Enabled:     false,
		Implemented: true,
		Description: "Mean reversion strategy with Z-score and RSI",
		Regimes:     Affinity{regime.Range},
		Factory: func(symbol, timeframe string, params Params) Strategy {
			return NewMeanReversion(symbol, timeframe, params)
		},
	},
}

// Library is the strategy registry with per-key enable flags and params
// taken from configuration.
type Library struct {
	symbol    string
	timeframe string
	enabled   map[string]bool
	params    map[string]Params
}

// NewLibrary builds a registry for one symbol and timeframe. enabledKeys
// nil keeps the built-in defaults; params override per-strategy knobs.
func NewLibrary(symbol, timeframe string, enabledKeys []string, params map[string]map[string]float64) *Library {
	lib := &Library{
		symbol:    symbol,
		timeframe: timeframe,
		enabled:   make(map[string]bool),
		params:    make(map[string]Params),
	}
	if enabledKeys == nil {
		for _, spec := range specs {
			lib.enabled[spec.Key] = spec.Enabled
		}
	} else {
		for _, key := range enabledKeys {
			lib.enabled[key] = true
		}
	}
	for key, p := range params {
		lib.params[key] = Params(p)
	}
	return lib
}

// ListAll returns every spec, enabled or not.
func (l *Library) ListAll() []Spec {
	out := make([]Spec, len(specs))
	copy(out, specs)
	return out
}

// ListEnabled returns the specs active for this library instance.
func (l *Library) ListEnabled() []Spec {
	var out []Spec
	for _, spec := range specs {
		if l.enabled[spec.Key] && spec.Implemented {
			out = append(out, spec)
		}
	}
	return out
}

// Get returns the spec for key, nil when unknown.
func (l *Library) Get(key string) *Spec {
	for i := range specs {
		if specs[i].Key == key {
			spec := specs[i]
			return &spec
		}
	}
	return nil
}

// Build instantiates a strategy with the library's symbol, timeframe and
// configured params.
func (l *Library) Build(key string) (Strategy, error) {
	spec := l.Get(key)
	if spec == nil {
		return nil, fmt.Errorf("strategy not found: %s", key)
	}
	if !spec.Implemented || spec.Factory == nil {
		return nil, fmt.Errorf("strategy not implemented: %s", key)
	}
	return spec.Factory(l.symbol, l.timeframe, l.params[key]), nil
}

// BuildEnabled instantiates every enabled strategy.
func (l *Library) BuildEnabled() ([]Strategy, error) {
	var out []Strategy
	for _, spec := range l.ListEnabled() {
		s, err := l.Build(spec.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
