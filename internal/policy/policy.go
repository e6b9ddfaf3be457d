// Package policy holds the stateless generation rules: retry eligibility,
// exponential backoff timing, per-attempt timeouts and request validation.
// The policy never touches provider or subscriber state.
package policy

import (
	"math"
	"time"

	"github.com/reelscript-ai/reelscript/internal/provider"
)

// MaxRetryDelay caps the exponential backoff regardless of attempt number.
const MaxRetryDelay = 30 * time.Second

// Config bounds the generation retry loop. Values come from configuration;
// DefaultConfig carries the shipped defaults.
type Config struct {
	MaxRetries        int           `json:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay"`
	Timeout           time.Duration `json:"timeout"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultConfig returns the shipped retry envelope.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryDelay:        time.Second,
		Timeout:           30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// nonRetryable are the canonical provider codes that indicate the request
// itself, not transient provider trouble, is the problem. They short-circuit
// the retry loop regardless of remaining attempts.
var nonRetryable = map[provider.Code]struct{}{
	provider.CodeInvalidRequest: {},
	provider.CodeAuthentication: {},
	provider.CodePermission:     {},
	provider.CodeQuotaExceeded:  {},
}

// Policy is a stateless rules engine over a fixed Config.
type Policy struct {
	cfg       Config
	validator *requestValidator
}

// New builds a policy, filling zero config fields from the defaults.
func New(cfg Config) *Policy {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Policy{cfg: cfg, validator: newRequestValidator()}
}

// MaxRetries returns the attempt ceiling.
func (p *Policy) MaxRetries() int { return p.cfg.MaxRetries }

// Timeout returns the per-attempt generation timeout.
func (p *Policy) Timeout() time.Duration { return p.cfg.Timeout }

// RetryDelay returns the backoff before retrying after the given 0-based
// attempt: RetryDelay x Multiplier^attempt, hard-capped at 30s.
func (p *Policy) RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.cfg.RetryDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt))
	if d >= float64(MaxRetryDelay) || math.IsInf(d, 1) {
		return MaxRetryDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another generation attempt may run after
// `attempt` attempts have already failed with err. Non-retryable provider
// codes deny unconditionally, even with attempts remaining; the code match
// works on the error text as well as on typed provider errors.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if _, fatal := nonRetryable[provider.CodeOf(err)]; fatal {
		return false
	}
	return attempt < p.cfg.MaxRetries
}
