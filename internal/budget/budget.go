// Package budget enforces per-plan generation counts and token/cost
// ceilings. The governor owns the limits tables; rolling consumption comes
// from the usage store.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reelscript-ai/reelscript/internal/plan"
	"github.com/reelscript-ai/reelscript/internal/script"
	"github.com/reelscript-ai/reelscript/internal/store"
	"github.com/reelscript-ai/reelscript/internal/subscriber"
)

// Retention windows for usage pruning.
const (
	dailyRetentionDays   = 7
	monthlyRetentionDays = 90
)

// Denial reasons carried on CanGenerate decisions. ReasonCostLimit is
// raised by the cost ceiling check rather than CanGenerate itself.
const (
	ReasonDailyLimit   = "daily_limit_reached"
	ReasonMonthlyLimit = "monthly_limit_reached"
	ReasonTrialExpired = "trial_expired"
	ReasonCostLimit    = "cost_limit_reached"
)

// Decision is the outcome of a pre-flight entitlement check. Remaining
// counts are reported on denials too, so callers can show the user what is
// left in the other window.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	Reason           string `json:"reason,omitempty"`
	RemainingDaily   int    `json:"remaining_daily"`
	RemainingMonthly int    `json:"remaining_monthly"`
}

// WindowStats is one aggregation window of a subscriber's usage report.
type WindowStats struct {
	Generations          int     `json:"generations"`
	RemainingGenerations int     `json:"remaining_generations"`
	TotalTokens          int64   `json:"total_tokens"`
	CostUSD              float64 `json:"cost_usd"`
	FailedAttempts       int     `json:"failed_attempts"`
}

// Stats is the daily and monthly usage report for one subscriber.
type Stats struct {
	Plan    string      `json:"plan"`
	Daily   WindowStats `json:"daily"`
	Monthly WindowStats `json:"monthly"`
}

// Governor translates plans into ceilings and pre-flight-checks prospective
// generations against them.
type Governor struct {
	limits      map[plan.Tier]Limits
	rates       map[string]Rate
	defaultRate Rate
	store       store.Store
	now         func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the governor's clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithDefaultRate sets the rate applied to providers missing from the cost
// table.
func WithDefaultRate(r Rate) Option {
	return func(g *Governor) { g.defaultRate = r }
}

// New creates a governor over the given per-tier limits and provider cost
// tables. Both tables are read-only after construction.
func New(st store.Store, limits map[plan.Tier]Limits, rates map[string]Rate, opts ...Option) *Governor {
	g := &Governor{
		limits: limits,
		rates:  rates,
		store:  st,
		now:    time.Now,
		// Worst-case default so unknown providers still hit ceilings.
		defaultRate: Rate{InputPerMTokUSD: 10, OutputPerMTokUSD: 30},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TierLimits returns the ceilings for one tier. Unknown tiers fall back to
// the trial table, the most restrictive one.
func (g *Governor) TierLimits(tier plan.Tier) Limits {
	if l, ok := g.limits[tier]; ok {
		return l
	}
	return g.limits[plan.TierTrial]
}

func (g *Governor) rate(providerID string) Rate {
	if r, ok := g.rates[providerID]; ok {
		return r
	}
	return g.defaultRate
}

// CanGenerate checks generation counts, not token counts: today's count
// against the daily ceiling first, then the plan counter against the
// monthly ceiling. Monthly remaining is reported even when the daily
// window is exhausted.
func (g *Governor) CanGenerate(ctx context.Context, sub *subscriber.Subscriber) (Decision, error) {
	limits := g.TierLimits(sub.Plan)
	now := g.now()

	daily, err := g.store.DailyUsage(ctx, sub.ID, now)
	if err != nil {
		return Decision{}, fmt.Errorf("reading daily usage: %w", err)
	}

	remainingDaily := limits.DailyGenerations - daily.Generations
	if remainingDaily < 0 {
		remainingDaily = 0
	}
	remainingMonthly := limits.MonthlyGenerations - sub.UsedGenerations()
	if remainingMonthly < 0 {
		remainingMonthly = 0
	}

	if sub.TrialExpired(now) {
		return Decision{
			Reason:           ReasonTrialExpired,
			RemainingDaily:   remainingDaily,
			RemainingMonthly: remainingMonthly,
		}, nil
	}

	if remainingDaily == 0 {
		return Decision{
			Reason:           ReasonDailyLimit,
			RemainingDaily:   0,
			RemainingMonthly: remainingMonthly,
		}, nil
	}
	if remainingMonthly == 0 {
		return Decision{
			Reason:           ReasonMonthlyLimit,
			RemainingDaily:   remainingDaily,
			RemainingMonthly: 0,
		}, nil
	}

	return Decision{
		Allowed:          true,
		RemainingDaily:   remainingDaily,
		RemainingMonthly: remainingMonthly,
	}, nil
}

// Price computes the exact cost of recorded usage at the provider's rates.
// Unlike EstimateCost it never substitutes ceilings; zero usage prices to
// zero.
func (g *Governor) Price(providerID string, usage script.TokenUsage) float64 {
	r := g.rate(providerID)
	return (float64(usage.InputTokens)*r.InputPerMTokUSD + float64(usage.OutputTokens)*r.OutputPerMTokUSD) / 1e6
}

// EstimateCost prices a generation against a provider's per-million-token
// rates. Unknown token counts fall back to the plan's allocation ceiling,
// the worst case.
func (g *Governor) EstimateCost(tier plan.Tier, providerID string, inputTokens, outputTokens int64) float64 {
	alloc := g.TierLimits(tier).PerGeneration
	if inputTokens <= 0 {
		inputTokens = alloc.InputLimit
	}
	if outputTokens <= 0 {
		outputTokens = alloc.OutputLimit
	}
	r := g.rate(providerID)
	return (float64(inputTokens)*r.InputPerMTokUSD + float64(outputTokens)*r.OutputPerMTokUSD) / 1e6
}

// WouldExceedCostLimit reports whether a prospective generation breaches
// the plan's cost ceilings. Two independent checks, either can trip: the
// per-generation ceiling, and today's accumulated cost plus this one
// against the daily token budget converted to a cost ceiling.
func (g *Governor) WouldExceedCostLimit(ctx context.Context, sub *subscriber.Subscriber, providerID string, estimatedCost float64) (bool, error) {
	limits := g.TierLimits(sub.Plan)
	if estimatedCost <= 0 {
		estimatedCost = g.EstimateCost(sub.Plan, providerID, 0, 0)
	}

	if ceiling := limits.PerGeneration.CostLimitUSD; ceiling > 0 && estimatedCost > ceiling {
		return true, nil
	}

	dailyCeiling := g.dailyBudgetAsCost(sub.Plan, providerID)
	if dailyCeiling <= 0 {
		return false, nil
	}
	daily, err := g.store.DailyUsage(ctx, sub.ID, g.now())
	if err != nil {
		return false, fmt.Errorf("reading daily usage: %w", err)
	}
	return daily.CostUSD+estimatedCost > dailyCeiling, nil
}

// dailyBudgetAsCost converts the plan's daily token budget into a cost
// ceiling: the budget is split by the allocation's input:output ratio and
// priced at the provider's rates.
func (g *Governor) dailyBudgetAsCost(tier plan.Tier, providerID string) float64 {
	limits := g.TierLimits(tier)
	alloc := limits.PerGeneration
	total := alloc.InputLimit + alloc.OutputLimit
	if limits.DailyTokenBudget <= 0 || total <= 0 {
		return 0
	}
	inShare := float64(alloc.InputLimit) / float64(total)
	inTokens := float64(limits.DailyTokenBudget) * inShare
	outTokens := float64(limits.DailyTokenBudget) - inTokens
	r := g.rate(providerID)
	return (inTokens*r.InputPerMTokUSD + outTokens*r.OutputPerMTokUSD) / 1e6
}

// UsageStats reports the subscriber's daily and monthly consumption. The
// monthly generation count comes from the subscriber counter, the
// authoritative quota source; token and cost aggregates come from the
// usage windows.
func (g *Governor) UsageStats(ctx context.Context, sub *subscriber.Subscriber) (*Stats, error) {
	limits := g.TierLimits(sub.Plan)
	now := g.now()

	daily, err := g.store.DailyUsage(ctx, sub.ID, now)
	if err != nil {
		return nil, fmt.Errorf("reading daily usage: %w", err)
	}
	monthly, err := g.store.MonthlyUsage(ctx, sub.ID, now)
	if err != nil {
		return nil, fmt.Errorf("reading monthly usage: %w", err)
	}

	remDaily := limits.DailyGenerations - daily.Generations
	if remDaily < 0 {
		remDaily = 0
	}
	remMonthly := limits.MonthlyGenerations - sub.UsedGenerations()
	if remMonthly < 0 {
		remMonthly = 0
	}

	return &Stats{
		Plan: sub.Plan.String(),
		Daily: WindowStats{
			Generations:          daily.Generations,
			RemainingGenerations: remDaily,
			TotalTokens:          daily.TotalTokens,
			CostUSD:              daily.CostUSD,
			FailedAttempts:       daily.FailedAttempts,
		},
		Monthly: WindowStats{
			Generations:          sub.UsedGenerations(),
			RemainingGenerations: remMonthly,
			TotalTokens:          monthly.TotalTokens,
			CostUSD:              monthly.CostUSD,
			FailedAttempts:       monthly.FailedAttempts,
		},
	}, nil
}

// Cleanup prunes usage past the retention windows: raw daily records after
// 7 days, monthly rollups after 90. Idempotent; only strictly-expired rows
// are touched, so it is safe alongside writers.
func (g *Governor) Cleanup(ctx context.Context) (int64, error) {
	now := g.now()
	pruned, err := g.store.PruneUsage(ctx,
		now.AddDate(0, 0, -dailyRetentionDays),
		now.AddDate(0, 0, -monthlyRetentionDays),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning usage: %w", err)
	}
	if pruned > 0 {
		slog.Debug("usage retention cleanup", "pruned", pruned)
	}
	return pruned, nil
}
