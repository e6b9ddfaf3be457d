// Package anthropic adapts the Anthropic messages API to the provider
// contract.
package anthropic

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

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

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

// Adapter is an Anthropic provider adapter.
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
	if cfg.MaxTokens == 0 {
		// The messages API rejects requests without max_tokens.
		cfg.MaxTokens = defaultMaxTokens
	}

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

func (a *Adapter) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

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
	MaxTokens int64        `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Generate(ctx context.Context, req script.Request) (*script.Result, error) {
	start := time.Now()
	prompt := provider.UserPrompt(req)

	body := apiRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    provider.SystemPrompt,
		Messages:  []apiMessage{{Role: "user", Content: prompt}},
	}

	resp, err := a.complete(ctx, body)
	if err != nil {
		a.recordFailure(prompt, start, err)
		return nil, err
	}

	usage := script.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	result := provider.ParseResult(a.flattenContent(resp), usage)

	a.Record(provider.Metrics{
		ProviderID:     a.id,
		Model:          a.cfg.Model,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Usage:          usage,
		Success:        true,
	})
	return result, nil
}

func (a *Adapter) flattenContent(resp *apiResponse) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func (a *Adapter) complete(ctx context.Context, body apiRequest) (*apiResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, provider.NewError(a.id, provider.CodeInvalidRequest, "marshaling request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, provider.NewError(a.id, provider.CodeInvalidRequest, "building request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, provider.NewError(a.id, provider.CodeTimeout, "request timed out", err)
		}
		return nil, provider.NewError(a.id, provider.CodeUnavailable, "request failed", err)
	}
	defer httpResp.Body.Close()

	if err := a.mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, provider.NewError(a.id, provider.CodeUnavailable, "decoding response", err)
	}
	if len(resp.Content) == 0 {
		return nil, provider.NewError(a.id, provider.CodeUnavailable, "empty content in response", nil)
	}
	return &resp, nil
}

// mapHTTPError normalizes non-2xx responses. Anthropic reports exhausted
// credit as a 400 mentioning the credit balance; that is a quota problem,
// not a malformed request.
func (a *Adapter) mapHTTPError(resp *http.Response) *provider.Error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	detail := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	lower := strings.ToLower(string(body))

	var code provider.Code
	switch resp.StatusCode {
	case http.StatusBadRequest:
		code = provider.CodeInvalidRequest
		if strings.Contains(lower, "credit") || strings.Contains(lower, "billing") {
			code = provider.CodeQuotaExceeded
		}
	case http.StatusUnauthorized:
		code = provider.CodeAuthentication
	case http.StatusForbidden:
		code = provider.CodePermission
	case http.StatusTooManyRequests:
		code = provider.CodeRateLimited
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
