package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"arena/internal/market"
	"arena/internal/regime"
)

const promptVersion = "selector-v2"

const systemPrompt = `You are a quant strategy selector for a single BTC-USDT perpetual book.
Return JSON only. No markdown, no extra text. Use this schema exactly:
{
  "market_regime": "TREND|RANGE|BREAKOUT",
  "strategy_allocations": [
    {"strategy_id": "string", "weight": 0.0, "confidence": 0.0, "reasoning": "string"}
  ],
  "total_position": 0.0,
  "selected_strategy_id": "string",
  "confidence": 0.0,
  "reasoning": "string"
}
Rules:
- Every strategy_id must be one of the provided strategies, or use selected_strategy_id HOLD.
- Allocation weights must sum to 1.
- confidence must be between 0 and 1; total_position between -1 and 1.
- If no strategy is suitable, set selected_strategy_id to HOLD and confidence to 0.`

// ActiveStrategy is one roster entry offered to the model.
type ActiveStrategy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PromptInput is everything the user prompt is rendered from.
type PromptInput struct {
	Symbol     string
	Timeframe  string
	Candles    []market.Candle
	Snapshot   regime.Snapshot
	Strategies []ActiveStrategy
	Feedback   string
}

// Bundle is a rendered system and user prompt pair.
type Bundle struct {
	System string
	User   string
}

// BuildPrompt renders the selection prompt. The OHLCV tail keeps the
// payload small; the model sees indicators, not raw history.
func BuildPrompt(in PromptInput) (Bundle, error) {
	tail := in.Candles
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}

	payload := map[string]any{
		"market_data": map[string]any{
			"symbol":     in.Symbol,
			"timeframe":  in.Timeframe,
			"timestamp":  in.Snapshot.Timestamp,
			"last_price": in.Snapshot.LastPrice,
			"ohlcv_tail": tail,
		},
		"technical_indicators": in.Snapshot.Signals,
		"regime_context": map[string]any{
			"current": in.Snapshot.Current,
			"history": in.Snapshot.History,
		},
		"active_strategies": in.Strategies,
	}
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Bundle{}, err
	}

	var b strings.Builder
	b.WriteString("Select the best strategy allocation based on the data below.\n")
	b.Write(body)
	if in.Feedback != "" {
		fmt.Fprintf(&b, "\n\nRecent decision feedback:\n%s", in.Feedback)
	}
	return Bundle{System: systemPrompt, User: b.String()}, nil
}
