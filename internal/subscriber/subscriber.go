// Package subscriber defines the subscriber record whose counters the
// quota-safe generation transaction guards.
package subscriber

import (
	"time"

	"github.com/google/uuid"

	"github.com/reelscript-ai/reelscript/internal/plan"
)

// Features are per-subscriber entitlement flags set by plan-change events
// outside this subsystem.
type Features struct {
	BatchGeneration bool `json:"batch_generation"`
}

// Subscriber matches the subscribers table schema. The generation counters
// are written only by the quota-safe transaction; everything else is owned
// by external plan-change events. Subscribers are never deleted here.
type Subscriber struct {
	ID                     uuid.UUID `json:"id"`
	Plan                   plan.Tier `json:"plan"`
	TrialGenerationsUsed   int       `json:"trial_generations_used"`
	MonthlyGenerationCount int       `json:"monthly_generation_count"`
	TrialStartedAt         time.Time `json:"trial_started_at"`
	TrialEndsAt            time.Time `json:"trial_ends_at"`
	Features               Features  `json:"features"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// UsedGenerations returns the counter the subscriber's plan accounts
// against: trial plans draw from the one-time trial pool, paid plans from
// the monthly counter.
func (s *Subscriber) UsedGenerations() int {
	if s.Plan == plan.TierTrial {
		return s.TrialGenerationsUsed
	}
	return s.MonthlyGenerationCount
}

// TrialExpired reports whether a trial subscriber's window has closed.
// Always false for paid plans.
func (s *Subscriber) TrialExpired(now time.Time) bool {
	return s.Plan == plan.TierTrial && !s.TrialEndsAt.IsZero() && now.After(s.TrialEndsAt)
}

// Clone returns a deep copy so transaction snapshots never alias the
// caller's struct.
func (s *Subscriber) Clone() *Subscriber {
	cp := *s
	return &cp
}
