package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// decisionSchema is the contract the model must honor. Validation runs
// before any field is trusted.
const decisionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["market_regime", "confidence", "reasoning"],
  "properties": {
    "market_regime": {
      "type": "string",
      "enum": ["TREND", "RANGE", "BREAKOUT", "STRONG_TREND", "WEAK_TREND", "HIGH_VOLATILITY", "LOW_VOLATILITY"]
    },
    "strategy_allocations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["strategy_id", "weight", "confidence"],
        "properties": {
          "strategy_id": {"type": "string", "minLength": 1},
          "weight": {"type": "number", "minimum": 0, "maximum": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string"}
        }
      }
    },
    "total_position": {"type": ["number", "null"], "minimum": -1, "maximum": 1},
    "selected_strategy_id": {"type": ["string", "null"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reasoning": {"type": "string"}
  }
}`

var compiledSchema = jsonschema.MustCompileString("decision.json", decisionSchema)

// StrategyAllocation is one model-proposed weight.
type StrategyAllocation struct {
	StrategyID string  `json:"strategy_id"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// LLMDecision is the validated model reply.
type LLMDecision struct {
	MarketRegime       string
	Allocations        []StrategyAllocation
	TotalPosition      *float64
	SelectedStrategyID string
	Confidence         float64
	Reasoning          string
}

// ParseDecision extracts, schema-validates and normalizes the model
// reply. Prose around the JSON object is tolerated; anything inside it
// that violates the schema is not.
func ParseDecision(raw string) (*LLMDecision, error) {
	text := extractJSON(raw)
	if text == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("malformed JSON: %w", err)
	}
	// Regime arrives in whatever case the model chose.
	if m, ok := doc.(map[string]any); ok {
		if s, ok := m["market_regime"].(string); ok {
			m["market_regime"] = strings.ToUpper(strings.TrimSpace(s))
		}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema violation: %w", err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	root := gjson.ParseBytes(normalized)

	dec := &LLMDecision{
		MarketRegime: root.Get("market_regime").String(),
		Confidence:   root.Get("confidence").Float(),
		Reasoning:    strings.TrimSpace(root.Get("reasoning").String()),
	}
	if tp := root.Get("total_position"); tp.Exists() && tp.Type != gjson.Null {
		v := tp.Float()
		dec.TotalPosition = &v
	}
	dec.SelectedStrategyID = normalizeStrategyID(root.Get("selected_strategy_id").String())
	for _, item := range root.Get("strategy_allocations").Array() {
		dec.Allocations = append(dec.Allocations, StrategyAllocation{
			StrategyID: normalizeStrategyID(item.Get("strategy_id").String()),
			Weight:     item.Get("weight").Float(),
			Confidence: item.Get("confidence").Float(),
			Reasoning:  strings.TrimSpace(item.Get("reasoning").String()),
		})
	}
	return dec, nil
}

// normalizeStrategyID lowercases keys and canonicalizes HOLD.
func normalizeStrategyID(id string) string {
	id = strings.TrimSpace(id)
	if strings.EqualFold(id, "HOLD") {
		return "HOLD"
	}
	return strings.ToLower(id)
}

// extractJSON returns the outermost JSON object in text, stripping any
// prose or code fences the model wrapped it in.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return text[start : end+1]
}
