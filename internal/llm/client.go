// Package llm is a thin text-completion client for the hosted and local
// model providers used to classify and localize correlation rules.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/corrforge/internal/observability"
)

var (
	// ErrRateLimited is returned when the provider answers HTTP 429.
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrMissingAPIKey is returned when the configured key env var is empty.
	ErrMissingAPIKey = errors.New("API key not set")
	// ErrEmptyResponse is returned when the provider returns no text.
	ErrEmptyResponse = errors.New("empty completion")
)

// Provider identifiers
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGitHub    = "github"
	ProviderOllama    = "ollama"
)

// Config configures the client.
type Config struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Retries     int           `yaml:"retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// DefaultConfig returns defaults for a provider.
func DefaultConfig(provider string) Config {
	cfg := Config{
		Provider:    provider,
		Timeout:     60 * time.Second,
		MaxTokens:   4096,
		Temperature: 0.3,
		Retries:     1,
		RetryDelay:  10 * time.Second,
	}
	cfg.applyProviderDefaults()
	return cfg
}

func (c *Config) applyProviderDefaults() {
	type defaults struct{ model, keyEnv, baseURL string }
	d := map[string]defaults{
		ProviderAnthropic: {"claude-3-5-sonnet-20241022", "ANTHROPIC_API_KEY", "https://api.anthropic.com"},
		ProviderOpenAI:    {"gpt-4-turbo-preview", "OPENAI_API_KEY", "https://api.openai.com/v1"},
		ProviderGitHub:    {"gpt-4o", "GITHUB_TOKEN", "https://models.inference.ai.azure.com"},
		ProviderOllama:    {"llama3:8b", "", "http://localhost:11434"},
	}[c.Provider]

	if c.Model == "" {
		c.Model = d.model
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = d.keyEnv
	}
	if c.BaseURL == "" {
		c.BaseURL = d.baseURL
	}
}

// Validate checks the provider name.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGitHub, ProviderOllama:
		return nil
	default:
		return fmt.Errorf("unknown llm provider %q", c.Provider)
	}
}

// Request is one completion round-trip.
type Request struct {
	System string
	Prompt string
}

// Limiter gates outgoing calls.
type Limiter interface {
	Wait(ctx context.Context, key string) (time.Duration, error)
}

// Client sends completion requests to one provider.
type Client struct {
	config     Config
	apiKey     string
	httpClient *http.Client
	limiter    Limiter
	logger     *zap.Logger
	metrics    *observability.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMetrics records request outcomes and rate-limit waits.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client. The API key is read from cfg.APIKeyEnv and is
// required for every provider except ollama. limiter may be nil.
func NewClient(cfg Config, limiter Limiter, logger *zap.Logger, opts ...Option) (*Client, error) {
	cfg.applyProviderDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" && cfg.Provider != ProviderOllama {
		return nil, fmt.Errorf("%w: %s provider reads env var %s", ErrMissingAPIKey, cfg.Provider, cfg.APIKeyEnv)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		config:     cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Provider returns the provider identifier.
func (c *Client) Provider() string {
	return c.config.Provider
}

// Model returns the model name.
func (c *Client) Model() string {
	return c.config.Model
}

// Complete sends req and returns the completion text. Failures, including
// HTTP 429, are retried config.Retries times after config.RetryDelay.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.Retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("LLM request failed, retrying",
				zap.String("provider", c.config.Provider),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", c.config.RetryDelay),
				zap.Error(lastErr),
			)
			if err := c.sleep(ctx, c.config.RetryDelay); err != nil {
				return "", err
			}
		}

		if c.limiter != nil {
			waited, err := c.limiter.Wait(ctx, c.config.Provider)
			c.metrics.RecordRateLimitWait(c.config.Provider, waited)
			if err != nil {
				return "", err
			}
		}

		start := time.Now()
		text, err := c.do(ctx, req)
		c.metrics.RecordLLMRequest(c.config.Provider, outcome(err), time.Since(start))
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", fmt.Errorf("%s: %w", c.config.Provider, lastErr)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

func (c *Client) do(ctx context.Context, req Request) (string, error) {
	var (
		path    string
		payload any
		parse   func([]byte) (string, error)
	)
	switch c.config.Provider {
	case ProviderAnthropic:
		path, payload, parse = "/v1/messages", c.anthropicPayload(req), parseAnthropic
	case ProviderOpenAI, ProviderGitHub:
		path, payload, parse = "/chat/completions", c.chatPayload(req), parseChat
	case ProviderOllama:
		path, payload, parse = "/api/generate", c.ollamaPayload(req), parseOllama
	}

	httpReq, err := c.newRequest(ctx, path, payload)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: retry-after %q", ErrRateLimited, resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	text, err := parse(body)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (c *Client) newRequest(ctx context.Context, path string, payload any) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	reqURL := strings.TrimRight(c.config.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "CorrForge/1.0")

	switch c.config.Provider {
	case ProviderAnthropic:
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	case ProviderOpenAI, ProviderGitHub:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	case ProviderOllama:
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
	}
	return req, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
