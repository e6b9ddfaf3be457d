// Package openai adapts the OpenAI chat completions API (and any
// API-compatible endpoint) to the provider contract.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reelscript-ai/reelscript/internal/provider"
	"github.com/reelscript-ai/reelscript/internal/script"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config holds the endpoint, credentials and advertised capabilities.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	MaxTokens         int64
	CostPerMInputUSD  float64
	CostPerMOutputUSD float64
	SpeedOptimized    bool
	PremiumQuality    bool
}

// Adapter is an OpenAI-compatible provider adapter.
type Adapter struct {
	provider.MetricsRecorder

	id     string
	cfg    Config
	client *http.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// Option configures the adapter.
type Option func(*Adapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an adapter with the given id and config.
func New(id string, cfg Config, opts ...Option) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	a := &Adapter{
		id:     id,
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		MaxTokens:         a.cfg.MaxTokens,
		CostPerMInputUSD:  a.cfg.CostPerMInputUSD,
		CostPerMOutputUSD: a.cfg.CostPerMOutputUSD,
		SpeedOptimized:    a.cfg.SpeedOptimized,
		PremiumQuality:    a.cfg.PremiumQuality,
	}
}

// IsAvailable probes the models endpoint. The caller bounds the probe with
// a short context timeout.
func (a *Adapter) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int64        `json:"max_tokens,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Generate(ctx context.Context, req script.Request) (*script.Result, error) {
	start := time.Now()
	prompt := provider.UserPrompt(req)

	body := apiRequest{
		Model: a.cfg.Model,
		Messages: []apiMessage{
			{Role: "system", Content: provider.SystemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: a.cfg.MaxTokens,
	}

	resp, err := a.complete(ctx, body)
	if err != nil {
		a.recordFailure(prompt, start, err)
		return nil, err
	}

	usage := script.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}
	result := provider.ParseResult(resp.Choices[0].Message.Content, usage)

	a.Record(provider.Metrics{
		ProviderID:     a.id,
		Model:          a.cfg.Model,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Usage:          usage,
		Success:        true,
	})
	return result, nil
}

func (a *Adapter) complete(ctx context.Context, body apiRequest) (*apiResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, provider.NewError(a.id, provider.CodeInvalidRequest, "marshaling request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, provider.NewError(a.id, provider.CodeInvalidRequest, "building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.mapTransportError(err)
	}
	defer httpResp.Body.Close()

	if err := a.mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, provider.NewError(a.id, provider.CodeUnavailable, "decoding response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.NewError(a.id, provider.CodeUnavailable, "empty choices in response", nil)
	}
	return &resp, nil
}

func (a *Adapter) mapTransportError(err error) *provider.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return provider.NewError(a.id, provider.CodeTimeout, "request timed out", err)
	}
	return provider.NewError(a.id, provider.CodeUnavailable, "request failed", err)
}

// mapHTTPError normalizes non-2xx responses to canonical codes. OpenAI
// reports exhausted billing quota as 429 with an insufficient_quota error
// type, which must not be retried like an ordinary rate limit.
func (a *Adapter) mapHTTPError(resp *http.Response) *provider.Error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	detail := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	var code provider.Code
	switch resp.StatusCode {
	case http.StatusBadRequest:
		code = provider.CodeInvalidRequest
	case http.StatusUnauthorized:
		code = provider.CodeAuthentication
	case http.StatusForbidden:
		code = provider.CodePermission
	case http.StatusTooManyRequests:
		code = provider.CodeRateLimited
		if strings.Contains(string(body), "insufficient_quota") {
			code = provider.CodeQuotaExceeded
		}
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		code = provider.CodeTimeout
	default:
		code = provider.CodeUnavailable
	}

	e := provider.NewError(a.id, code, detail, nil)
	e.Status = resp.StatusCode
	return e
}

func (a *Adapter) recordFailure(prompt string, start time.Time, err error) {
	a.Record(provider.Metrics{
		ProviderID:     a.id,
		Model:          a.cfg.Model,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Usage:          provider.FallbackUsage(prompt),
		Success:        false,
		Error:          err.Error(),
	})
}
