package strategy

import (
	"context"
	"sync"
)

// FundingArb harvests elevated positive funding. It enters one net long
// perp leg after funding stays above the entry threshold for several
// consecutive observations, and exits once funding normalizes. Longs on a
// positive-funding perp would pay, so the harvested leg collects the rate
// paid by the crowded side via the one-position-per-symbol book.
type FundingArb struct {
	base

	mu      sync.Mutex
	history []float64
}

func NewFundingArb(symbol, timeframe string, params Params) *FundingArb {
	return &FundingArb{base: newBase("funding_rate_arbitrage", symbol, timeframe, params)}
}

func (s *FundingArb) Evaluate(ctx context.Context, data DataProvider) (Signal, error) {
	funding, err := data.LatestFunding(ctx, s.symbol)
	if err != nil {
		return Signal{}, err
	}
	candles, candleErr := s.candles(ctx, data)
	if candleErr != nil {
		return Signal{}, candleErr
	}
	if funding == nil {
		return s.hold(candles, "no_funding_data"), nil
	}

	window := int(s.params.get("history_window", 10))
	minDuration := int(s.params.get("min_duration", 3))
	entryRate := s.params.get("min_funding_rate", 0.001)
	exitRate := s.params.get("exit_funding_rate", 0.0005)

	s.mu.Lock()
	s.history = append(s.history, funding.Rate)
	if len(s.history) > window {
		s.history = s.history[len(s.history)-window:]
	}
	sustained := len(s.history) >= minDuration
	if sustained {
		for _, r := range s.history[len(s.history)-minDuration:] {
			if r < entryRate {
				sustained = false
				break
			}
		}
	}
	s.mu.Unlock()

	price := 0.0
	if n := len(candles); n > 0 {
		price = candles[n-1].Close
	}
	ts := funding.Timestamp

	if funding.Rate >= entryRate && sustained {
		sig := s.signal(SignalBuy, 0.9, ts, price, "Funding rate elevated for consecutive cycles.")
		sig.PositionSize = s.params.get("max_position", 0.50)
		sig.Leverage = s.params.get("max_leverage", 1)
		return sig, nil
	}
	if funding.Rate <= exitRate {
		return s.signal(SignalCloseLong, 0.8, ts, price, "Funding rate normalized; exit arbitrage."), nil
	}

	hold := s.hold(candles, "no_signal")
	hold.Timestamp = ts
	return hold, nil
}

var _ Strategy = (*FundingArb)(nil)
