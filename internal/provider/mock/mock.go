// Package mock provides a configurable in-memory adapter for tests.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/reelscript-ai/reelscript/internal/provider"
	"github.com/reelscript-ai/reelscript/internal/script"
)

// Adapter is a mock provider adapter. The zero-option adapter is always
// available and returns a fixed script.
type Adapter struct {
	provider.MetricsRecorder

	id        string
	model     string
	caps      provider.Capabilities
	available bool
	latency   time.Duration
	failAfter int
	staticErr error
	usage     script.TokenUsage
	callCount atomic.Int64
	generate  func(ctx context.Context, req script.Request) (*script.Result, error)
}

var _ provider.Adapter = (*Adapter)(nil)

// Option configures a mock Adapter.
type Option func(*Adapter)

// New creates a mock adapter with the given options.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		id:        "mock",
		model:     "mock-model",
		available: true,
		caps: provider.Capabilities{
			MaxTokens:         4096,
			CostPerMInputUSD:  1.0,
			CostPerMOutputUSD: 2.0,
		},
		usage: script.TokenUsage{InputTokens: 100, OutputTokens: 200, TotalTokens: 300},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WithID sets the adapter id.
func WithID(id string) Option {
	return func(a *Adapter) { a.id = id }
}

// WithModel sets the model reported in metrics.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithCapabilities overrides the advertised capabilities.
func WithCapabilities(caps provider.Capabilities) Option {
	return func(a *Adapter) { a.caps = caps }
}

// WithAvailability fixes the IsAvailable answer.
func WithAvailability(available bool) Option {
	return func(a *Adapter) { a.available = available }
}

// WithLatency adds simulated latency to each Generate call.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

// WithError makes every Generate call fail with err.
func WithError(err error) Option {
	return func(a *Adapter) { a.staticErr = err }
}

// WithFailAfter makes Generate fail once more than n calls have been made.
func WithFailAfter(n int) Option {
	return func(a *Adapter) { a.failAfter = n }
}

// WithUsage sets the token usage reported on success.
func WithUsage(u script.TokenUsage) Option {
	return func(a *Adapter) { a.usage = u }
}

// WithGenerateFunc installs a custom generation function.
func WithGenerateFunc(fn func(ctx context.Context, req script.Request) (*script.Result, error)) Option {
	return func(a *Adapter) { a.generate = fn }
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Capabilities() provider.Capabilities { return a.caps }

func (a *Adapter) IsAvailable(ctx context.Context) bool { return a.available }

// CallCount returns how many Generate calls the adapter has seen.
func (a *Adapter) CallCount() int64 { return a.callCount.Load() }

func (a *Adapter) Generate(ctx context.Context, req script.Request) (*script.Result, error) {
	start := time.Now()

	if a.latency > 0 {
		select {
		case <-time.After(a.latency):
		case <-ctx.Done():
			err := provider.NewError(a.id, provider.CodeTimeout, "generation timed out", ctx.Err())
			a.recordFailure(req, start, err)
			return nil, err
		}
	}

	count := a.callCount.Add(1)

	if a.staticErr != nil {
		a.recordFailure(req, start, a.staticErr)
		return nil, a.staticErr
	}
	if a.failAfter > 0 && int(count) > a.failAfter {
		err := provider.NewError(a.id, provider.CodeUnavailable, "mock provider exhausted", nil)
		a.recordFailure(req, start, err)
		return nil, err
	}

	if a.generate != nil {
		res, err := a.generate(ctx, req)
		if err != nil {
			a.recordFailure(req, start, err)
			return nil, err
		}
		a.recordSuccess(res.Usage, start)
		return res, nil
	}

	res := &script.Result{
		Hook:    "Mock hook for " + req.ProductName,
		Script:  "Mock script body.",
		Visuals: []string{"mock visual"},
		Usage:   a.usage,
	}
	a.recordSuccess(res.Usage, start)
	return res, nil
}

func (a *Adapter) recordSuccess(usage script.TokenUsage, start time.Time) {
	a.Record(provider.Metrics{
		ProviderID:     a.id,
		Model:          a.model,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Usage:          usage,
		Success:        true,
	})
}

func (a *Adapter) recordFailure(req script.Request, start time.Time, err error) {
	a.Record(provider.Metrics{
		ProviderID:     a.id,
		Model:          a.model,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Usage:          provider.FallbackUsage(req.ProductName + " " + req.Niche + " " + req.TargetAudience),
		Success:        false,
		Error:          err.Error(),
	})
}
