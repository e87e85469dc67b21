package app

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"arena/internal/executor"
	"arena/internal/logger"
	"arena/internal/portfolio"
	"arena/internal/regime"
	"arena/internal/risk"
	"arena/internal/store/model"
)

// decisionCandles is the history window handed to the classifier each
// cycle.
const decisionCandles = 120

// paperEquity stands in for account equity when the venue reports none,
// which is the normal state of the simulated trader.
const paperEquity = 10_000.0

// decisionTick runs one full decide-gate-execute pipeline at bar close.
func (a *App) decisionTick(ctx context.Context) error {
	fresh, err := a.data.CheckFreshness(ctx, a.symbol, a.timeframe, time.Now())
	if err != nil {
		return err
	}
	if fresh.Stale {
		logger.Warnf("decision skipped: %s %s is stale (lag %.1f bars)",
			a.symbol, a.timeframe, fresh.LagBars)
		return nil
	}

	candles, err := a.data.Candles(ctx, a.symbol, a.timeframe, decisionCandles)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		logger.Warnf("decision skipped: no candles for %s %s", a.symbol, a.timeframe)
		return nil
	}
	snapshot := a.classify.Compute(candles)

	target, confidence, ok, err := a.decide(ctx, snapshot, candles[len(candles)-1].Timestamp)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return a.execute(ctx, target, confidence)
}

// decide produces the target position. LLM mode asks the provider and
// falls back to the deterministic allocator on rejection or transport
// failure; pure portfolio mode goes straight to the allocator.
func (a *App) decide(ctx context.Context, snapshot regime.Snapshot, ts int64) (target, confidence float64, ok bool, err error) {
	if a.llm != nil {
		res, llmErr := a.llm.Decide(ctx)
		if llmErr == nil && res.Accepted {
			return res.TotalPosition, res.Confidence, true, nil
		}
		if llmErr != nil {
			logger.Warnf("llm decision failed, falling back to portfolio: %v", llmErr)
		} else {
			logger.Warnf("llm decision rejected (%s), falling back to portfolio", res.RejectionReason)
		}
	}

	dec, err := a.allocator.Decide(ctx, a.data, snapshot)
	if err != nil {
		return 0, 0, false, err
	}
	record, err := dec.ToModel(a.symbol, a.timeframe, ts)
	if err != nil {
		return 0, 0, false, err
	}
	if err := a.store.RecordDecision(ctx, record); err != nil {
		return 0, 0, false, err
	}
	return dec.TargetPosition, dec.Confidence, true, nil
}

// execute turns a target fraction into at most one order through the
// risk gate.
func (a *App) execute(ctx context.Context, target, confidence float64) error {
	mark, err := a.data.MarkPrice(ctx, a.symbol, a.timeframe)
	if err != nil {
		return err
	}
	equity, err := a.equity(ctx)
	if err != nil {
		return err
	}

	current := 0.0
	pos, err := a.store.GetPosition(ctx, a.symbol)
	if err != nil {
		return err
	}
	if pos != nil && equity > 0 {
		current = pos.Size.InexactFloat64() * mark / equity
		if pos.Side == model.PositionShort {
			current = -current
		}
	}

	if !portfolio.RebalanceNeeded(current, target, equity,
		a.cfg.Portfolio.DiffThresholdBps, a.cfg.Portfolio.MinNotional) {
		return nil
	}

	// A reversal is two legs: a reduce-only close of the standing
	// position, then the fresh entry once the book is flat. Position
	// exclusivity admits each leg on its own.
	if current != 0 && target != 0 && (current > 0) != (target > 0) {
		closed, err := a.submitDelta(ctx, -current, current, confidence, equity, mark)
		if err != nil {
			return err
		}
		if !closed {
			return nil
		}
		current = 0
	}
	_, err = a.submitDelta(ctx, target-current, current, confidence, equity, mark)
	return err
}

// submitDelta turns one position-fraction delta into an order through
// the risk gate. Returns whether the order was placed.
func (a *App) submitDelta(ctx context.Context, delta, current, confidence, equity, mark float64) (bool, error) {
	if delta == 0 {
		return true, nil
	}
	side := model.SideBuy
	if delta < 0 {
		side = model.SideSell
	}
	target := current + delta
	notional := math.Abs(delta) * equity
	size := notional / mark
	reduceOnly := current != 0 && math.Abs(target) < math.Abs(current) &&
		(target == 0 || (target > 0) == (current > 0))

	verdict, err := a.gate.Evaluate(ctx, risk.Intent{
		Symbol:     a.symbol,
		Side:       side,
		Notional:   notional,
		Leverage:   a.cfg.Portfolio.GlobalLeverage,
		Confidence: confidence,
		ReduceOnly: reduceOnly,
	}, equity)
	if err != nil {
		return false, err
	}
	if !verdict.Allowed {
		logger.Warnf("order blocked by %s: %s", verdict.Rule, verdict.Reason)
		return false, nil
	}

	order, err := a.exec.Submit(ctx, executor.Intent{
		Symbol:     a.symbol,
		Side:       side,
		Type:       model.TypeMarket,
		Size:       decimal.NewFromFloat(size),
		Leverage:   a.cfg.Portfolio.GlobalLeverage,
		ReduceOnly: reduceOnly,
		RefPrice:   mark,
	})
	if err != nil {
		return false, err
	}
	logger.Infof("rebalanced %s: %s %.6f @ ~%.2f (target %.3f, status %s)",
		a.symbol, side, size, mark, target, order.Status)
	return true, nil
}

// equity reads venue equity, falling back to paper capital for the
// simulated trader.
func (a *App) equity(ctx context.Context) (float64, error) {
	bal, err := a.trader.Balance(ctx, "USDT")
	if err != nil {
		return 0, err
	}
	total := bal.Total.InexactFloat64()
	if total <= 0 {
		return paperEquity, nil
	}
	return total, nil
}
