package generation

import (
	"fmt"

	"github.com/reelscript-ai/reelscript/internal/budget"
	"github.com/reelscript-ai/reelscript/internal/plan"
)

// ReasonBatchNotAllowed gates variation batches behind the plan feature.
const ReasonBatchNotAllowed = "batch_generation_not_available"

// EntitlementError is returned when the subscriber's plan does not allow
// the generation right now. Nothing was spent: no provider was called and
// no counter moved. Remaining counts for both windows ride along so the
// API can show them next to the upgrade guidance.
type EntitlementError struct {
	Plan             plan.Tier
	Reason           string
	RemainingDaily   int
	RemainingMonthly int
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("generation not allowed on %s plan: %s", e.Plan, e.Reason)
}

// Guidance returns the user-facing upgrade message for the denial reason.
func (e *EntitlementError) Guidance() string {
	switch e.Reason {
	case budget.ReasonDailyLimit:
		return "You have reached today's generation limit. It resets at midnight UTC, or upgrade your plan for a higher daily allowance."
	case budget.ReasonMonthlyLimit:
		if e.Plan == plan.TierTrial {
			return "You have used all your free trial generations. Upgrade to a paid plan to keep creating scripts."
		}
		return "You have reached this month's generation limit. Upgrade your plan for a larger monthly allowance."
	case budget.ReasonTrialExpired:
		return "Your free trial has ended. Upgrade to a paid plan to keep creating scripts."
	case budget.ReasonCostLimit:
		return "Today's generation budget is used up. Try again tomorrow or upgrade your plan for a larger budget."
	case ReasonBatchNotAllowed:
		return "Batch variations are not included in your plan. Upgrade to generate multiple variations at once."
	}
	return "This generation is not available on your current plan."
}

// ExhaustedError is returned when retries and provider fallback are both
// spent without a script. A single failed attempt keeps a soft retriable
// message so users don't see alarming language for one transient blip;
// repeated failures name the attempt count.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	if e.Attempts <= 1 {
		return "script generation is temporarily unavailable, please try again"
	}
	return fmt.Sprintf("script generation failed after %d attempts", e.Attempts)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
