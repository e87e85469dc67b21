package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arena/internal/dataservice"
	"arena/internal/market"
	"arena/internal/regime"
	"arena/internal/store"
	"arena/internal/store/model"
	"arena/internal/strategy"
)

const testSymbol = "BTC-USDT-SWAP"

type scriptedProvider struct {
	response string
	err      error
	calls    int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	p.calls++
	return p.response, p.err
}

func newTestEngine(t *testing.T, provider Provider) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	candles := make([]market.Candle, 120)
	for i := range candles {
		price := 50_000 + float64(i)*10
		candles[i] = market.Candle{
			Symbol: testSymbol, Timeframe: "1h", Timestamp: int64(i+1) * 3_600_000,
			Open: price, High: price * 1.001, Low: price * 0.999, Close: price, Volume: 100,
		}
	}
	_, err = st.UpsertCandles(ctx, candles)
	require.NoError(t, err)

	data := dataservice.New(st, testSymbol)
	lib := strategy.NewLibrary(testSymbol, "1h", nil, nil)
	engine := NewEngine(data, lib, provider, st, regime.NewClassifier(25, 0.04), nil, EngineOptions{
		Symbol:         testSymbol,
		Timeframe:      "1h",
		MinConfidence:  0.6,
		GlobalLeverage: 1.0,
	})
	return engine, st
}

func TestParseDecisionValid(t *testing.T) {
	raw := `Here is my analysis.
{"market_regime": "trend", "selected_strategy_id": "EMA_TREND", "confidence": 0.8, "reasoning": "strong trend"}`
	dec, err := ParseDecision(raw)
	require.NoError(t, err)
	assert.Equal(t, "TREND", dec.MarketRegime)
	assert.Equal(t, "ema_trend", dec.SelectedStrategyID)
	assert.InDelta(t, 0.8, dec.Confidence, 1e-9)
	assert.Nil(t, dec.TotalPosition)
}

func TestParseDecisionAllocations(t *testing.T) {
	raw := `{"market_regime": "RANGE", "strategy_allocations": [
		{"strategy_id": "bollinger_range", "weight": 0.7, "confidence": 0.8, "reasoning": "tight range"},
		{"strategy_id": "funding_rate_arbitrage", "weight": 0.3, "confidence": 0.7, "reasoning": "funding high"}
	], "total_position": 0.4, "confidence": 0.75, "reasoning": "range day"}`
	dec, err := ParseDecision(raw)
	require.NoError(t, err)
	require.Len(t, dec.Allocations, 2)
	require.NotNil(t, dec.TotalPosition)
	assert.InDelta(t, 0.4, *dec.TotalPosition, 1e-9)
}

func TestParseDecisionRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"no_json":         "I cannot decide right now.",
		"bad_regime":      `{"market_regime": "SIDEWAYS", "confidence": 0.8, "reasoning": "x"}`,
		"conf_over_one":   `{"market_regime": "TREND", "confidence": 1.5, "reasoning": "x"}`,
		"missing_fields":  `{"market_regime": "TREND"}`,
		"weight_over_one": `{"market_regime": "TREND", "confidence": 0.8, "reasoning": "x", "strategy_allocations": [{"strategy_id": "a", "weight": 1.2, "confidence": 0.5}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDecision(raw)
			assert.Error(t, err)
		})
	}
}

func TestDecideAcceptsSingleStrategy(t *testing.T) {
	provider := &scriptedProvider{
		response: `{"market_regime": "TREND", "selected_strategy_id": "ema_trend", "total_position": 0.5, "confidence": 0.9, "reasoning": "clean uptrend"}`,
	}
	engine, st := newTestEngine(t, provider)
	ctx := context.Background()

	result, err := engine.Decide(ctx)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	assert.Equal(t, "ema_trend", result.Selected)
	assert.InDelta(t, 0.5, result.TotalPosition, 1e-9)
	require.Len(t, result.Allocations, 1)
	assert.InDelta(t, 1.0, result.Allocations[0].Weight, 1e-9)

	decisions, err := st.RecentDecisions(ctx, testSymbol, 5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "llm", decisions[0].Source)
	assert.Equal(t, "TREND", decisions[0].Regime)

	var runs []model.LLMRun
	require.NoError(t, st.ORM().Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, "ACCEPTED", runs[0].Outcome)
}

func TestDecideRejectsUnknownStrategy(t *testing.T) {
	provider := &scriptedProvider{
		response: `{"market_regime": "TREND", "selected_strategy_id": "momentum_surfer", "confidence": 0.9, "reasoning": "x"}`,
	}
	engine, st := newTestEngine(t, provider)

	result, err := engine.Decide(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "unknown_strategy", result.RejectionReason)

	decisions, err := st.RecentDecisions(context.Background(), testSymbol, 5)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Contains(t, decisions[0].Reasoning, "rejected:unknown_strategy")
}

func TestDecideRejectsLowConfidence(t *testing.T) {
	provider := &scriptedProvider{
		response: `{"market_regime": "TREND", "selected_strategy_id": "ema_trend", "confidence": 0.4, "reasoning": "unsure"}`,
	}
	engine, _ := newTestEngine(t, provider)

	result, err := engine.Decide(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "low_confidence", result.RejectionReason)
}

func TestDecideRejectsWeightMismatch(t *testing.T) {
	provider := &scriptedProvider{
		response: `{"market_regime": "RANGE", "strategy_allocations": [
			{"strategy_id": "bollinger_range", "weight": 0.5, "confidence": 0.8, "reasoning": "x"},
			{"strategy_id": "ema_trend", "weight": 0.2, "confidence": 0.8, "reasoning": "x"}
		], "confidence": 0.8, "reasoning": "split"}`,
	}
	engine, _ := newTestEngine(t, provider)

	result, err := engine.Decide(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "weight_sum_mismatch", result.RejectionReason)
}

func TestDecideRejectsPositionLimit(t *testing.T) {
	provider := &scriptedProvider{
		response: `{"market_regime": "TREND", "selected_strategy_id": "ema_trend", "total_position": 1.0, "confidence": 0.9, "reasoning": "x"}`,
	}
	engine, _ := newTestEngine(t, provider)
	engine.maxAbsPosition = 0.5

	result, err := engine.Decide(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "position_limit", result.RejectionReason)
}

func TestDecideHoldAccepted(t *testing.T) {
	provider := &scriptedProvider{
		response: `{"market_regime": "RANGE", "selected_strategy_id": "HOLD", "confidence": 0.0, "reasoning": "nothing fits"}`,
	}
	engine, _ := newTestEngine(t, provider)

	result, err := engine.Decide(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "HOLD", result.Selected)
	assert.Zero(t, result.TotalPosition)
}

func TestDecideProviderErrorPersistsHold(t *testing.T) {
	provider := &scriptedProvider{err: context.DeadlineExceeded}
	engine, st := newTestEngine(t, provider)

	result, err := engine.Decide(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "llm_error", result.RejectionReason)

	var runs []model.LLMRun
	require.NoError(t, st.ORM().Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, "ERROR", runs[0].Outcome)
}

func TestHTTPProviderParsesChatCompletion(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req["model"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": `{"ok": true}`}},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider("deepseek", srv.URL+"/v1", "sk-test", "test-model", 5*time.Second)
	raw, err := p.Chat(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, raw)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestHTTPProviderRetriesOn429(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider("openai", srv.URL, "", "m", 5*time.Second)
	raw, err := p.Chat(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "ok", raw)
	assert.Equal(t, 2, attempts)
}

func TestFeedbackSummaryEmptyWithoutTrades(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "arena.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	a := NewAnalyzer(st, testSymbol, "1h")
	summary, err := a.Summary(ctx, 20)
	require.NoError(t, err)
	assert.Empty(t, summary)
}
