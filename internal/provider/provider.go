// Package provider defines the uniform contract every external
// text-generation service is wrapped behind. The orchestrator walks
// adapters through this interface only; nothing above it knows a specific
// provider's wire format.
package provider

import (
	"context"
	"sync"

	"github.com/reelscript-ai/reelscript/internal/script"
)

// Capabilities describes what one provider offers and what it charges.
// Cost rates are USD per one million tokens.
type Capabilities struct {
	MaxTokens         int64   `json:"max_tokens"`
	CostPerMInputUSD  float64 `json:"cost_per_m_input_usd"`
	CostPerMOutputUSD float64 `json:"cost_per_m_output_usd"`
	SpeedOptimized    bool    `json:"speed_optimized"`
	PremiumQuality    bool    `json:"premium_quality"`
}

// Metrics is the last-call record an adapter overwrites on every attempt.
// It is ephemeral: exposed for the immediately preceding call only, never
// persisted as history.
type Metrics struct {
	ProviderID     string            `json:"provider_id"`
	Model          string            `json:"model"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	Usage          script.TokenUsage `json:"usage"`
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
}

// Adapter wraps one external generation service.
//
// Generate must update LastMetrics before returning, success or failure,
// so cost can be attributed even when the provider fails. When a failed
// call reports no usage, adapters record a conservative estimate instead
// of zero. Failures are returned as *Error carrying a canonical code.
//
// IsAvailable is a lightweight liveness probe; callers bound it with a
// short context timeout.
type Adapter interface {
	ID() string
	Capabilities() Capabilities
	IsAvailable(ctx context.Context) bool
	Generate(ctx context.Context, req script.Request) (*script.Result, error)
	LastMetrics() *Metrics
}

// MetricsRecorder guards last-call metrics for concurrent readers. Adapters
// embed it to satisfy the LastMetrics side of the contract; reads get a
// copy so callers never alias the adapter's own record.
type MetricsRecorder struct {
	mu   sync.Mutex
	last *Metrics
}

// Record overwrites the last-call metrics.
func (r *MetricsRecorder) Record(m Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &m
}

// LastMetrics returns a copy of the most recent record, or nil before the
// first call.
func (r *MetricsRecorder) LastMetrics() *Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

// EstimateTokens gives a rough token count for a prompt at ~4 chars per
// token plus a small request overhead. Adapters use it as the conservative
// usage estimate when a provider fails without reporting usage.
func EstimateTokens(text string) int64 {
	return int64(len(text))/4 + 3
}

// FallbackUsage is the conservative usage recorded for a failed call that
// returned no usage data: the estimated prompt cost with no completion.
func FallbackUsage(prompt string) script.TokenUsage {
	in := EstimateTokens(prompt)
	return script.TokenUsage{InputTokens: in, OutputTokens: 0, TotalTokens: in}
}
