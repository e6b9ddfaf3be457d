// Package orchestrator holds the priority-ordered provider registry and
// executes the fallback protocol: walk enabled adapters in priority order
// until one produces a script.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/reelscript-ai/reelscript/internal/metrics"
	"github.com/reelscript-ai/reelscript/internal/provider"
	"github.com/reelscript-ai/reelscript/internal/script"
)

// ErrInvalidVariationCount is returned for non-positive batch sizes.
var ErrInvalidVariationCount = errors.New("variation count must be positive")

// ErrUnknownProvider is returned when enabling or disabling an id that was
// never registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateProvider is returned when registering an id twice.
var ErrDuplicateProvider = errors.New("provider already registered")

type entry struct {
	adapter  provider.Adapter
	priority int
	seq      int
	enabled  bool
}

// Generation is the per-call return value of a successful fallback walk.
// Callers read the winning provider's identity and usage from Metrics
// rather than from shared adapter state. Failovers counts the providers
// that failed before the winning one answered.
type Generation struct {
	Result    *script.Result
	Metrics   provider.Metrics
	Failovers int
}

// Orchestrator owns the adapter registry and the ephemeral last-generation
// metrics.
type Orchestrator struct {
	mu      sync.RWMutex
	entries []*entry
	stats   map[string]*providerStats
	last    *provider.Metrics
}

// New creates an empty orchestrator. Adapters are registered at startup.
func New() *Orchestrator {
	return &Orchestrator{
		stats: make(map[string]*providerStats),
	}
}

// Register adds an adapter at the given priority, enabled. Priority 1 is
// tried first; ties break by registration order.
func (o *Orchestrator) Register(a provider.Adapter, priority int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := a.ID()
	for _, e := range o.entries {
		if e.adapter.ID() == id {
			return fmt.Errorf("%w: %s", ErrDuplicateProvider, id)
		}
	}

	o.entries = append(o.entries, &entry{
		adapter:  a,
		priority: priority,
		seq:      len(o.entries),
		enabled:  true,
	})
	sort.SliceStable(o.entries, func(i, j int) bool {
		if o.entries[i].priority != o.entries[j].priority {
			return o.entries[i].priority < o.entries[j].priority
		}
		return o.entries[i].seq < o.entries[j].seq
	})
	o.stats[id] = &providerStats{registeredAt: time.Now()}

	slog.Info("provider registered", "provider", id, "priority", priority)
	return nil
}

// SetEnabled flips one adapter in or out of the fallback chain.
func (o *Orchestrator) SetEnabled(id string, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.entries {
		if e.adapter.ID() == id {
			e.enabled = enabled
			slog.Info("provider toggled", "provider", id, "enabled", enabled)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
}

// enabledSnapshot returns the enabled entries in fallback order. The slice
// is a copy; the walk never holds the registry lock across provider calls.
func (o *Orchestrator) enabledSnapshot() []*entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		if e.enabled {
			out = append(out, e)
		}
	}
	return out
}

// Generate walks the fallback chain. The first success wins and its
// metrics become the last-generation metrics. When every enabled adapter
// fails, the last underlying error is preserved for diagnostics.
func (o *Orchestrator) Generate(ctx context.Context, req script.Request) (*Generation, error) {
	candidates := o.enabledSnapshot()
	if len(candidates) == 0 {
		return nil, provider.ErrNoProvidersAvailable
	}

	var lastErr error
	for i, e := range candidates {
		if i > 0 {
			metrics.ProviderFallbacksTotal.Inc()
		}

		res, m, err := o.callAdapter(ctx, e.adapter, req)
		o.recordAttempt(e.adapter, m)

		if err != nil {
			lastErr = err
			slog.Warn("provider attempt failed",
				"provider", e.adapter.ID(),
				"priority", e.priority,
				"error", err,
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		o.setLast(m)
		return &Generation{Result: res, Metrics: m, Failovers: i}, nil
	}

	return nil, fmt.Errorf("%w: %w", provider.ErrAllProvidersFailed, lastErr)
}

// GenerateVariations produces count independent artifacts. A mid-batch
// failure keeps what was already produced and tries the remainder through
// the fallback chain one at a time; a partial batch is a valid outcome, an
// empty one is an error.
func (o *Orchestrator) GenerateVariations(ctx context.Context, req script.Request, count int) ([]*Generation, error) {
	if count <= 0 {
		return nil, ErrInvalidVariationCount
	}

	results := make([]*Generation, 0, count)
	var lastErr error
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		gen, err := o.Generate(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		results = append(results, gen)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("generating variations: %w", lastErr)
	}
	return results, nil
}

// IsAvailable reports whether at least one enabled adapter answers its
// liveness probe.
func (o *Orchestrator) IsAvailable(ctx context.Context) bool {
	for _, e := range o.enabledSnapshot() {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		ok := e.adapter.IsAvailable(probeCtx)
		cancel()
		if ok {
			return true
		}
	}
	return false
}

// LastMetrics returns a copy of the metrics of the provider actually used
// by the most recent successful generation, or nil before the first one.
func (o *Orchestrator) LastMetrics() *provider.Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return nil
	}
	cp := *o.last
	return &cp
}

func (o *Orchestrator) setLast(m provider.Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = &m
}

// callAdapter runs one attempt and builds the per-call metrics value. The
// adapter's own LastMetrics is only consulted for the model name, which is
// constant per adapter instance, so the read cannot race meaningfully.
func (o *Orchestrator) callAdapter(ctx context.Context, a provider.Adapter, req script.Request) (*script.Result, provider.Metrics, error) {
	start := time.Now()
	res, err := a.Generate(ctx, req)

	m := provider.Metrics{
		ProviderID:     a.ID(),
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if lm := a.LastMetrics(); lm != nil {
		m.Model = lm.Model
	}

	if err != nil {
		m.Usage = provider.FallbackUsage(provider.UserPrompt(req))
		m.Error = err.Error()
		return nil, m, err
	}
	m.Success = true
	m.Usage = res.Usage
	return res, m, nil
}
