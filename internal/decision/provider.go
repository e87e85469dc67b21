// Package decision runs the LLM strategy-selection cycle: build the
// prompt from local data, call the provider, validate the reply against
// a strict schema, and persist the outcome either way.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arena/internal/logger"
)

// Provider is a chat-completion backend. Implementations must be safe
// for concurrent use.
type Provider interface {
	Name() string
	Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// HTTPProvider speaks the OpenAI-compatible /chat/completions API, which
// covers DeepSeek, OpenAI, Grok, Gemini and local vLLM/Ollama gateways.
type HTTPProvider struct {
	ProviderName string
	BaseURL      string
	APIKey       string
	Model        string
	Timeout      time.Duration
	MaxRetries   int
	Temperature  float64
	MaxTokens    int

	client *http.Client
}

func NewHTTPProvider(name, baseURL, apiKey, model string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		ProviderName: name,
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Model:        model,
		Timeout:      timeout,
		MaxRetries:   3,
		Temperature:  0.2,
		MaxTokens:    512,
		client:       &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.ProviderName }

func (p *HTTPProvider) endpoint() string {
	url := strings.TrimRight(p.BaseURL, "/")
	// Tolerate configs that already carry the full path.
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

func (p *HTTPProvider) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body := map[string]any{
		"model": p.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"temperature": p.Temperature,
		"max_tokens":  p.MaxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	logger.LogLLMRequest(p.ProviderName, systemPrompt, userPrompt, string(payload))

	retries := p.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		raw, retryable, err := p.call(ctx, payload)
		if err == nil {
			logger.LogLLMResponse(p.ProviderName, raw)
			return raw, nil
		}
		lastErr = err
		if !retryable || attempt == retries {
			break
		}
		wait := time.Duration(attempt) * 500 * time.Millisecond
		logger.Warnf("llm call attempt %d failed: %v (retry in %s)", attempt, err, wait)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

func (p *HTTPProvider) call(ctx context.Context, payload []byte) (raw string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
		if strings.EqualFold(p.ProviderName, "gemini") {
			req.Header.Set("x-goog-api-key", p.APIKey)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg := readErrorMessage(resp.Body)
		if msg == "" {
			msg = resp.Status
		}
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil && secs > 0 {
					select {
					case <-ctx.Done():
						return "", false, ctx.Err()
					case <-time.After(time.Duration(secs) * time.Second):
					}
				}
			}
		}
		return "", retryable, fmt.Errorf("llm http %d: %s", resp.StatusCode, msg)
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", false, err
	}
	if len(decoded.Choices) == 0 {
		return "", false, fmt.Errorf("llm response has no choices")
	}
	content := decoded.Choices[0].Message.Content
	if content == "" {
		content = decoded.Choices[0].Text
	}
	return strings.TrimSpace(content), false, nil
}

func readErrorMessage(r io.Reader) string {
	var eresp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&eresp); err != nil {
		return ""
	}
	return strings.TrimSpace(eresp.Error.Message)
}
