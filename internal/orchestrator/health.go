package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/reelscript-ai/reelscript/internal/metrics"
	"github.com/reelscript-ai/reelscript/internal/provider"
)

// probeTimeout bounds one adapter liveness probe.
const probeTimeout = 3 * time.Second

// Health bands over the share of enabled adapters answering their probe.
// The thresholds are an observability contract; dashboards alert on them.
const (
	healthyShare  = 0.8
	degradedShare = 0.5
)

// Status is the ternary aggregate health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// providerStats accumulates per-adapter rolling counters since
// registration. Guarded by the orchestrator mutex.
type providerStats struct {
	registeredAt    time.Time
	attempts        int64
	failures        int64
	successes       int64
	totalResponseMs int64
	totalCostUSD    float64
}

// ProviderHealth is one adapter's entry in the health report.
type ProviderHealth struct {
	ID                   string  `json:"id"`
	Enabled              bool    `json:"enabled"`
	Available            bool    `json:"available"`
	ResponseTimeMs       int64   `json:"response_time_ms"`
	ErrorRate            float64 `json:"error_rate"`
	UptimeSeconds        int64   `json:"uptime_seconds"`
	CostPerGenerationUSD float64 `json:"cost_per_generation_usd"`
}

// Health is the aggregate report across the registry.
type Health struct {
	Status    Status           `json:"status"`
	Providers []ProviderHealth `json:"providers"`
}

// recordAttempt feeds one attempt's metrics into the rolling counters.
// Cost accumulates for failed attempts too, so attribution covers wasted
// spend; the per-generation figure divides by successes only.
func (o *Orchestrator) recordAttempt(a provider.Adapter, m provider.Metrics) {
	caps := a.Capabilities()
	cost := (float64(m.Usage.InputTokens)*caps.CostPerMInputUSD +
		float64(m.Usage.OutputTokens)*caps.CostPerMOutputUSD) / 1e6

	outcome := "success"
	if !m.Success {
		outcome = "failure"
	}
	metrics.ProviderAttemptsTotal.WithLabelValues(m.ProviderID, outcome).Inc()
	metrics.GenerationCostUSDTotal.WithLabelValues(m.ProviderID).Add(cost)

	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stats[m.ProviderID]
	if !ok {
		s = &providerStats{registeredAt: time.Now()}
		o.stats[m.ProviderID] = s
	}
	s.attempts++
	s.totalResponseMs += m.ResponseTimeMs
	s.totalCostUSD += cost
	if m.Success {
		s.successes++
	} else {
		s.failures++
	}
}

// Health probes every enabled adapter concurrently and places the share of
// available ones into the ternary bands: healthy at 80% and above,
// degraded at 50%, unhealthy below.
func (o *Orchestrator) Health(ctx context.Context) Health {
	o.mu.RLock()
	entries := make([]*entry, len(o.entries))
	copy(entries, o.entries)
	o.mu.RUnlock()

	available := make([]bool, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		if !e.enabled {
			continue
		}
		wg.Add(1)
		go func(i int, a provider.Adapter) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			available[i] = a.IsAvailable(probeCtx)
		}(i, e.adapter)
	}
	wg.Wait()

	report := Health{Providers: make([]ProviderHealth, 0, len(entries))}
	var enabled, up int
	for i, e := range entries {
		if e.enabled {
			enabled++
			if available[i] {
				up++
			}
		}
		report.Providers = append(report.Providers, o.providerHealth(e, available[i]))
	}

	report.Status = StatusUnhealthy
	if enabled > 0 {
		share := float64(up) / float64(enabled)
		switch {
		case share >= healthyShare:
			report.Status = StatusHealthy
		case share >= degradedShare:
			report.Status = StatusDegraded
		}
	}
	return report
}

func (o *Orchestrator) providerHealth(e *entry, available bool) ProviderHealth {
	o.mu.RLock()
	defer o.mu.RUnlock()

	id := e.adapter.ID()
	h := ProviderHealth{
		ID:        id,
		Enabled:   e.enabled,
		Available: available,
	}
	s, ok := o.stats[id]
	if !ok {
		return h
	}

	h.UptimeSeconds = int64(time.Since(s.registeredAt).Seconds())
	if s.attempts > 0 {
		h.ErrorRate = float64(s.failures) / float64(s.attempts)
		h.ResponseTimeMs = s.totalResponseMs / s.attempts
	}
	if s.successes > 0 {
		h.CostPerGenerationUSD = s.totalCostUSD / float64(s.successes)
	}
	return h
}
