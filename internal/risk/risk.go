// Package risk is the last gate before an order leaves the process.
// Every rejection is persisted as a risk event, so a silent block never
// happens.
package risk

import (
	"context"
	"fmt"
	"time"

	"arena/internal/logger"
	"arena/internal/store"
	"arena/internal/store/model"
)

// Rule names recorded on risk events.
const (
	RuleKillSwitch    = "KILL_SWITCH"
	RuleMinConfidence = "MIN_CONFIDENCE"
	RuleMaxLeverage   = "MAX_LEVERAGE"
	RuleMaxNotional   = "MAX_NOTIONAL"
	RuleExclusive     = "POSITION_EXCLUSIVE"
	RuleDailyLoss     = "DAILY_LOSS"
	RuleLossCooldown  = "LOSS_COOLDOWN"
)

// Intent is a proposed order before it reaches the executor.
type Intent struct {
	Symbol     string
	Side       model.OrderSide
	Notional   float64
	Leverage   float64
	Confidence float64
	ReduceOnly bool
}

// Verdict is the gate's answer. Rule and Reason are set on a block.
type Verdict struct {
	Allowed bool
	Rule    string
	Reason  string
}

type Limits struct {
	MaxNotional     float64
	MaxLeverage     float64
	MinConfidence   float64
	MaxDailyLossPct float64
	CooldownLosses  int
	CooldownWindow  time.Duration
}

func (l *Limits) withDefaults() {
	if l.MaxNotional <= 0 {
		l.MaxNotional = 20_000
	}
	if l.MaxLeverage <= 0 {
		l.MaxLeverage = 3
	}
	if l.MinConfidence <= 0 {
		l.MinConfidence = 0.6
	}
	if l.CooldownWindow <= 0 {
		l.CooldownWindow = 4 * time.Hour
	}
}

// Gate evaluates intents against the configured limits and the current
// book state.
type Gate struct {
	store  *store.Store
	limits Limits

	// tradingEnabled is the kill switch; it is read per evaluation so a
	// runtime flip takes effect immediately.
	tradingEnabled func() bool

	now func() time.Time
}

func NewGate(st *store.Store, limits Limits, tradingEnabled func() bool) *Gate {
	limits.withDefaults()
	if tradingEnabled == nil {
		tradingEnabled = func() bool { return false }
	}
	return &Gate{store: st, limits: limits, tradingEnabled: tradingEnabled, now: time.Now}
}

// Evaluate runs the rule ladder. Reduce-only intents skip the entry
// rules (confidence, exclusivity) but never the kill switch or size
// caps. equity is the current account equity in quote currency.
func (g *Gate) Evaluate(ctx context.Context, intent Intent, equity float64) (Verdict, error) {
	if !g.tradingEnabled() {
		return g.block(ctx, intent, RuleKillSwitch, "trading disabled")
	}
	if intent.Leverage > g.limits.MaxLeverage {
		return g.block(ctx, intent, RuleMaxLeverage,
			fmt.Sprintf("leverage %.1f exceeds cap %.1f", intent.Leverage, g.limits.MaxLeverage))
	}
	if intent.Notional > g.limits.MaxNotional {
		return g.block(ctx, intent, RuleMaxNotional,
			fmt.Sprintf("notional %.2f exceeds cap %.2f", intent.Notional, g.limits.MaxNotional))
	}

	if !intent.ReduceOnly {
		if intent.Confidence < g.limits.MinConfidence {
			return g.block(ctx, intent, RuleMinConfidence,
				fmt.Sprintf("confidence %.2f below floor %.2f", intent.Confidence, g.limits.MinConfidence))
		}
		verdict, err := g.checkExclusive(ctx, intent)
		if err != nil || !verdict.Allowed {
			return verdict, err
		}
		verdict, err = g.checkLosses(ctx, intent, equity)
		if err != nil || !verdict.Allowed {
			return verdict, err
		}
	}
	return Verdict{Allowed: true}, nil
}

// checkExclusive enforces one net position per symbol: a fresh entry
// against an existing opposite-side position must close it first.
func (g *Gate) checkExclusive(ctx context.Context, intent Intent) (Verdict, error) {
	pos, err := g.store.GetPosition(ctx, intent.Symbol)
	if err != nil {
		return Verdict{}, err
	}
	if pos == nil || pos.Side == model.PositionFlat || pos.Size.IsZero() {
		return Verdict{Allowed: true}, nil
	}
	opposed := (pos.Side == model.PositionLong && intent.Side == model.SideSell) ||
		(pos.Side == model.PositionShort && intent.Side == model.SideBuy)
	if opposed {
		return g.block(ctx, intent, RuleExclusive,
			fmt.Sprintf("open %s position; close before reversing", pos.Side))
	}
	return Verdict{Allowed: true}, nil
}

// checkLosses enforces the daily loss limit and the consecutive-loss
// cooldown from recent realized PnL.
func (g *Gate) checkLosses(ctx context.Context, intent Intent, equity float64) (Verdict, error) {
	trades, err := g.store.RecentTrades(ctx, intent.Symbol, 200)
	if err != nil {
		return Verdict{}, err
	}
	now := g.now()

	if g.limits.MaxDailyLossPct > 0 && equity > 0 {
		dayStart := now.Truncate(24 * time.Hour).UnixMilli()
		var dayPnL float64
		for _, t := range trades {
			if t.Timestamp >= dayStart {
				dayPnL += t.RealizedPnL.InexactFloat64()
			}
		}
		if lossPct := -dayPnL / equity * 100; lossPct >= g.limits.MaxDailyLossPct {
			return g.block(ctx, intent, RuleDailyLoss,
				fmt.Sprintf("daily loss %.2f%% reached limit %.2f%%", lossPct, g.limits.MaxDailyLossPct))
		}
	}

	if g.limits.CooldownLosses > 0 {
		cutoff := now.Add(-g.limits.CooldownWindow).UnixMilli()
		// Trades arrive newest first.
		consecutive := 0
		for _, t := range trades {
			if t.Timestamp < cutoff {
				break
			}
			if t.RealizedPnL.IsZero() {
				continue
			}
			if t.RealizedPnL.IsNegative() {
				consecutive++
				if consecutive >= g.limits.CooldownLosses {
					return g.block(ctx, intent, RuleLossCooldown,
						fmt.Sprintf("%d consecutive losing trades within %s", consecutive, g.limits.CooldownWindow))
				}
				continue
			}
			break
		}
	}
	return Verdict{Allowed: true}, nil
}

func (g *Gate) block(ctx context.Context, intent Intent, rule, reason string) (Verdict, error) {
	event := &model.RiskEvent{
		Timestamp: g.now().UnixMilli(),
		Symbol:    intent.Symbol,
		Level:     model.RiskBlock,
		Rule:      rule,
		Details:   reason,
	}
	if err := g.store.RecordRiskEvent(ctx, event); err != nil {
		return Verdict{}, err
	}
	logger.Warnf("risk block %s %s: %s", intent.Symbol, rule, reason)
	return Verdict{Allowed: false, Rule: rule, Reason: reason}, nil
}
