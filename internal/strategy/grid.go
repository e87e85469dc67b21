package strategy

import (
	"context"
	"fmt"
	"sync"

	"arena/internal/indicator"
)

// Grid runs an equal-spaced grid centered on the Bollinger mid band.
// Crossing down through an unfilled level buys it; crossing back up
// through a filled level sells it.
type Grid struct {
	base

	mu        sync.Mutex
	gridCount int
	filled    map[int]bool
}

func NewGrid(symbol, timeframe string, params Params) *Grid {
	return &Grid{
		base:   newBase("grid_trading", symbol, timeframe, params),
		filled: make(map[int]bool),
	}
}

func (s *Grid) Evaluate(ctx context.Context, data DataProvider) (Signal, error) {
	candles, err := s.candles(ctx, data)
	if err != nil {
		return Signal{}, err
	}
	period := int(s.params.get("bb_period", 20))
	if len(candles) < period+2 {
		return s.hold(candles, "not_enough_data"), nil
	}

	series := indicator.Extract(candles)
	upperS, midS, lowerS := indicator.Bollinger(series.Closes, period, s.params.get("bb_std", 2.0))
	upper := indicator.LastValid(upperS)
	mid := indicator.LastValid(midS)
	lower := indicator.LastValid(lowerS)
	if !indicator.Valid(mid) || mid <= 0 {
		return s.hold(candles, "invalid_mid"), nil
	}

	n := len(candles)
	price := candles[n-1].Close
	prevPrice := candles[n-2].Close
	ts := candles[n-1].Timestamp

	bandwidth := 0.0
	if indicator.Valid(upper) && indicator.Valid(lower) {
		bandwidth = (upper - lower) / mid
	}
	gridRange := s.params.get("grid_range", 0.04)
	if bandwidth > 0 && bandwidth*2 > gridRange {
		gridRange = bandwidth * 2
	}
	gridCount := int(s.params.get("grid_count", 5))
	if gridCount < 2 {
		return s.hold(candles, "invalid_grid_count"), nil
	}

	halfRange := gridRange / 2
	lowerBound := mid * (1 - halfRange)
	upperBound := mid * (1 + halfRange)
	if lowerBound <= 0 || lowerBound >= upperBound {
		return s.hold(candles, "invalid_bounds"), nil
	}
	step := (upperBound - lowerBound) / float64(gridCount-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	// Fill state survives across bars; it only resets when the grid is
	// re-laid with a different level count.
	if s.gridCount != gridCount {
		s.gridCount = gridCount
		s.filled = make(map[int]bool, gridCount)
	}

	perGrid := s.params.get("position_per_grid", 0.05)
	maxPosition := s.params.get("max_position", 0.30)

	// Crossed-down levels buy the closest one; crossed-up filled levels
	// sell the farthest one.
	bestBuy, bestSell := -1, -1
	var buyLevel, sellLevel float64
	for idx := 0; idx < gridCount; idx++ {
		level := lowerBound + step*float64(idx)
		if prevPrice > level && price <= level && !s.filled[idx] {
			if bestBuy == -1 || level < buyLevel {
				bestBuy, buyLevel = idx, level
			}
		}
		if prevPrice < level && price >= level && s.filled[idx] {
			if bestSell == -1 || level > sellLevel {
				bestSell, sellLevel = idx, level
			}
		}
	}

	if bestBuy >= 0 {
		openCount := 0
		for _, f := range s.filled {
			if f {
				openCount++
			}
		}
		remaining := maxPosition - float64(openCount)*perGrid
		if remaining <= 0 {
			return s.hold(candles, "max_position_reached"), nil
		}
		size := perGrid
		if remaining < size {
			size = remaining
		}
		s.filled[bestBuy] = true
		sig := s.signal(SignalBuy, 0.7, ts, price, fmt.Sprintf("Price crossed below grid level %.2f.", buyLevel))
		sig.PositionSize = size
		sig.Leverage = s.params.get("max_leverage", 2)
		return sig, nil
	}
	if bestSell >= 0 {
		s.filled[bestSell] = false
		sig := s.signal(SignalSell, 0.7, ts, price, fmt.Sprintf("Price crossed above grid level %.2f.", sellLevel))
		sig.PositionSize = perGrid
		sig.Leverage = s.params.get("max_leverage", 2)
		return sig, nil
	}

	return s.hold(candles, "no_signal"), nil
}

var _ Strategy = (*Grid)(nil)
