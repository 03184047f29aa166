package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"thinkwatch/internal/logging"
)

// AnthropicConfig configures the Messages API client.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	FastModel  string
	DeepModel  string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultAnthropicConfig returns defaults for the given key.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:     apiKey,
		BaseURL:    "https://api.anthropic.com/v1",
		FastModel:  "claude-3-5-haiku-latest",
		DeepModel:  "claude-sonnet-4-5",
		Timeout:    30 * time.Second,
		MaxRetries: 2,
	}
}

// AnthropicClient calls the Anthropic Messages API. The tier picks the model.
type AnthropicClient struct {
	cfg         AnthropicConfig
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
	minInterval time.Duration
	backoff     func(attempt int) time.Duration
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicClient creates a client from cfg.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	def := DefaultAnthropicConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.FastModel == "" {
		cfg.FastModel = def.FastModel
	}
	if cfg.DeepModel == "" {
		cfg.DeepModel = def.DeepModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &AnthropicClient{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		minInterval: 100 * time.Millisecond,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt-1)) * time.Second
		},
	}
}

// Model returns the model used for a tier.
func (c *AnthropicClient) Model(t Tier) string {
	if t == TierDeep {
		return c.cfg.DeepModel
	}
	return c.cfg.FastModel
}

// Classify sends one system+user prompt and returns the concatenated text blocks.
// 429 and 5xx responses are retried with exponential backoff.
func (c *AnthropicClient) Classify(ctx context.Context, r Request) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNoAPIKey
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	model := c.Model(r.Tier)
	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 300
	}
	start := time.Now()
	logging.ClassifierDebug("[Anthropic] Classify: tier=%s model=%s system_len=%d user_len=%d", r.Tier, model, len(r.System), len(r.User))

	c.throttle()

	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      r.System,
		Messages:    []anthropicMessage{{Role: "user", Content: r.User}},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}

		text, retry, err := c.do(ctx, model, body)
		if err == nil {
			logging.Classifier("[Anthropic] Classify: tier=%s completed in %v response_len=%d", r.Tier, time.Since(start), len(text))
			return text, nil
		}
		lastErr = err
		if !retry {
			break
		}
		logging.ClassifierWarn("[Anthropic] Classify: attempt %d failed: %v", attempt+1, err)
	}

	logging.ClassifierWarn("[Anthropic] Classify: giving up after %v: %v", time.Since(start), lastErr)
	return "", lastErr
}

func (c *AnthropicClient) do(ctx context.Context, model string, body []byte) (text string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("API request failed with status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(data))
	}

	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return "", false, fmt.Errorf("failed to parse response: %w", err)
	}
	if ar.Error != nil {
		return "", false, fmt.Errorf("API error: %s", ar.Error.Message)
	}

	var sb strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", false, fmt.Errorf("no completion returned from %s", model)
	}
	return strings.TrimSpace(sb.String()), false, nil
}

// throttle spaces requests by at least minInterval.
func (c *AnthropicClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < c.minInterval {
		time.Sleep(c.minInterval - elapsed)
	}
	c.lastRequest = time.Now()
}
