package backtest

import (
	"math"

	"arena/internal/executor"
	"arena/internal/market"
	"arena/internal/store/model"
)

// simulation is the in-memory account driven bar by bar. Fills happen at
// the next bar open, equity is marked at each bar close.
type simulation struct {
	req  Request
	slip executor.SlippageModel

	cash   float64
	units  float64 // signed base quantity
	target float64 // current target fraction

	entryTS    int64
	entryPrice float64
	lotFees    float64

	peak       float64
	curve      []Point
	trades     []model.BacktestTrade
	positions  []model.BacktestPosition
	fundingPnL float64
	feesPaid   float64

	funding    []market.FundingRate
	fundingIdx int
}

func newSimulation(req Request, candles []market.Candle, funding []market.FundingRate, slip executor.SlippageModel) *simulation {
	s := &simulation{
		req:     req,
		slip:    slip,
		cash:    req.InitialCapital,
		peak:    req.InitialCapital,
		funding: funding,
	}
	return s
}

// step applies the target decided at closed's close against next's open,
// then marks equity at next's close.
func (s *simulation) step(closed, next market.Candle, target float64) {
	if len(s.curve) == 0 {
		// First sample pins the curve at the initial capital.
		s.curve = append(s.curve, Point{Timestamp: closed.Timestamp, Equity: s.req.InitialCapital})
	}

	if target != s.target {
		s.fill(next, target)
		s.target = target
	}

	if s.req.Funding {
		s.accrueFunding(next)
	}
	s.mark(next)
}

// fill rebalances to the target fraction at next's open.
func (s *simulation) fill(next market.Candle, target float64) {
	open := next.Open
	equity := s.cash + s.units*open
	if equity <= 0 {
		return
	}
	// Same notional cap the live risk gate enforces.
	if s.req.MaxNotional > 0 && math.Abs(target)*equity > s.req.MaxNotional {
		capped := s.req.MaxNotional / equity
		target = math.Copysign(capped, target)
	}
	targetUnits := target * equity / open
	delta := targetUnits - s.units
	if delta == 0 {
		return
	}

	vol := volatilityOf(next)
	price := s.slip.ExecutionPrice(open, delta > 0, math.Abs(delta)*open, vol)
	fee := math.Abs(delta) * price * s.req.FeeRate

	s.applyLot(next.Timestamp, price, delta, fee)
	s.cash -= delta * price
	s.cash -= fee
	s.feesPaid += fee
	s.units = targetUnits
}

// applyLot maintains the round-trip trade log. Adding to a side averages
// the entry; reducing emits a closed trade; a flip closes the whole old
// side and opens the remainder.
func (s *simulation) applyLot(ts int64, price, delta, fee float64) {
	switch {
	case s.units == 0 || sameSign(s.units, delta):
		total := math.Abs(s.units) + math.Abs(delta)
		if s.units == 0 {
			s.entryTS = ts
			s.entryPrice = price
		} else if total > 0 {
			s.entryPrice = (math.Abs(s.units)*s.entryPrice + math.Abs(delta)*price) / total
		}
		s.lotFees += fee
	case math.Abs(delta) <= math.Abs(s.units):
		closed := math.Abs(delta)
		s.emitTrade(ts, price, closed, fee)
		if closed == math.Abs(s.units) {
			s.entryTS = 0
			s.entryPrice = 0
			s.lotFees = 0
		}
	default:
		// Flip: close everything, reopen the rest at the fill price.
		s.emitTrade(ts, price, math.Abs(s.units), fee)
		s.entryTS = ts
		s.entryPrice = price
		s.lotFees = 0
	}
}

func (s *simulation) emitTrade(ts int64, price, closed, fee float64) {
	side := "LONG"
	pnl := (price - s.entryPrice) * closed
	if s.units < 0 {
		side = "SHORT"
		pnl = (s.entryPrice - price) * closed
	}
	returnPct := 0.0
	if s.entryPrice > 0 {
		returnPct = pnl / (s.entryPrice * closed)
	}
	s.trades = append(s.trades, model.BacktestTrade{
		StrategyID: s.req.Strategy,
		Side:       side,
		EntryTS:    s.entryTS,
		ExitTS:     ts,
		EntryPrice: s.entryPrice,
		ExitPrice:  price,
		Amount:     closed,
		Fee:        fee + s.lotFees,
		PnL:        pnl,
		ReturnPct:  returnPct,
	})
	s.lotFees = 0
}

// accrueFunding charges stored funding observations that land inside the
// bar. Longs pay positive rates, shorts collect them.
func (s *simulation) accrueFunding(bar market.Candle) {
	barEnd := bar.Timestamp
	for s.fundingIdx < len(s.funding) && s.funding[s.fundingIdx].Timestamp <= barEnd {
		f := s.funding[s.fundingIdx]
		s.fundingIdx++
		if f.Timestamp <= s.entryTS || s.units == 0 {
			continue
		}
		payment := f.Rate * s.units * bar.Close
		s.cash -= payment
		s.fundingPnL -= payment
	}
}

// mark records equity and the position trace at bar close.
func (s *simulation) mark(bar market.Candle) {
	equity := s.cash + s.units*bar.Close
	if equity > s.peak {
		s.peak = equity
	}
	dd := 0.0
	if s.peak > 0 {
		dd = (s.peak - equity) / s.peak
	}
	s.curve = append(s.curve, Point{Timestamp: bar.Timestamp, Equity: equity, Drawdown: dd})

	side := "FLAT"
	if s.units > 0 {
		side = "LONG"
	} else if s.units < 0 {
		side = "SHORT"
	}
	s.positions = append(s.positions, model.BacktestPosition{
		Timestamp:  bar.Timestamp,
		Side:       side,
		Size:       math.Abs(s.units),
		EntryPrice: s.entryPrice,
		Equity:     equity,
	})
}

// finish liquidates any open position at the final close so the trade
// log accounts for every unit traded.
func (s *simulation) finish(last market.Candle) {
	if s.units == 0 {
		return
	}
	price := s.slip.ExecutionPrice(last.Close, s.units < 0, math.Abs(s.units)*last.Close, volatilityOf(last))
	fee := math.Abs(s.units) * price * s.req.FeeRate
	s.emitTrade(last.Timestamp, price, math.Abs(s.units), fee)
	s.trades[len(s.trades)-1].Reason = "end_of_backtest"
	s.cash += s.units * price
	s.cash -= fee
	s.feesPaid += fee
	s.units = 0
	s.target = 0
	if n := len(s.curve); n > 0 {
		s.curve[n-1].Equity = s.cash
	}
}

func volatilityOf(c market.Candle) float64 {
	if c.Open <= 0 {
		return 0
	}
	return (c.High - c.Low) / c.Open
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
