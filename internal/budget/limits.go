package budget

import (
	"math"

	"github.com/reelscript-ai/reelscript/internal/plan"
)

// TokenAllocation is the per-generation ceiling for one plan. It is a
// ceiling, not a running total, and is immutable for the process lifetime.
type TokenAllocation struct {
	InputLimit   int64   `json:"input_limit"`
	OutputLimit  int64   `json:"output_limit"`
	TotalLimit   int64   `json:"total_limit"`
	CostLimitUSD float64 `json:"cost_limit_usd"`
}

// Limits are one plan's generation-count and token ceilings.
type Limits struct {
	DailyGenerations   int             `json:"daily_generations"`
	MonthlyGenerations int             `json:"monthly_generations"`
	PerGeneration      TokenAllocation `json:"per_generation"`
	DailyTokenBudget   int64           `json:"daily_token_budget"`
	MonthlyTokenBudget int64           `json:"monthly_token_budget"`
}

// Rate is a provider's price in USD per one million tokens.
type Rate struct {
	InputPerMTokUSD  float64 `json:"input_per_mtok_usd"`
	OutputPerMTokUSD float64 `json:"output_per_mtok_usd"`
}

// DefaultBase returns the shipped base envelope. Operators override it in
// configuration; per-tier tables come from scaling this envelope.
func DefaultBase() Limits {
	return Limits{
		DailyGenerations:   10,
		MonthlyGenerations: 100,
		PerGeneration: TokenAllocation{
			InputLimit:   1_000,
			OutputLimit:  2_000,
			TotalLimit:   3_000,
			CostLimitUSD: 0.50,
		},
		DailyTokenBudget:   60_000,
		MonthlyTokenBudget: 1_200_000,
	}
}

// DefaultScaling returns the shipped per-tier factors. The ratios carry no
// documented product rationale, so they live in configuration rather than
// as semantic constants.
func DefaultScaling() map[string]float64 {
	return map[string]float64{
		plan.TierTrial.String():   0.8,
		plan.TierStarter.String(): 1.0,
		plan.TierPro.String():     1.2,
		plan.TierAgency.String():  1.5,
	}
}

// ScaleLimits multiplies every ceiling in base by factor, rounding the
// generation counts.
func ScaleLimits(base Limits, factor float64) Limits {
	scaleInt := func(v int) int { return int(math.Round(float64(v) * factor)) }
	scaleInt64 := func(v int64) int64 { return int64(math.Round(float64(v) * factor)) }

	scaled := Limits{
		DailyGenerations:   scaleInt(base.DailyGenerations),
		MonthlyGenerations: scaleInt(base.MonthlyGenerations),
		PerGeneration: TokenAllocation{
			InputLimit:   scaleInt64(base.PerGeneration.InputLimit),
			OutputLimit:  scaleInt64(base.PerGeneration.OutputLimit),
			TotalLimit:   scaleInt64(base.PerGeneration.TotalLimit),
			CostLimitUSD: base.PerGeneration.CostLimitUSD * factor,
		},
		DailyTokenBudget:   scaleInt64(base.DailyTokenBudget),
		MonthlyTokenBudget: scaleInt64(base.MonthlyTokenBudget),
	}
	if scaled.PerGeneration.TotalLimit == 0 {
		scaled.PerGeneration.TotalLimit = scaled.PerGeneration.InputLimit + scaled.PerGeneration.OutputLimit
	}
	return scaled
}

// LimitsFromScaling builds the per-tier table from a base envelope and the
// config-driven factors. Tiers missing from factors use the base unscaled.
func LimitsFromScaling(base Limits, factors map[string]float64) map[plan.Tier]Limits {
	table := make(map[plan.Tier]Limits, len(plan.AllTiers))
	for _, tier := range plan.AllTiers {
		factor, ok := factors[tier.String()]
		if !ok || factor <= 0 {
			factor = 1.0
		}
		table[tier] = ScaleLimits(base, factor)
	}
	return table
}
