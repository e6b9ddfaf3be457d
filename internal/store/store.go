// Package store defines the swappable persistence boundary for subscribers,
// usage accounting and generated artifacts. The postgres implementation
// backs production; the memory implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/reelscript-ai/reelscript/internal/script"
	"github.com/reelscript-ai/reelscript/internal/subscriber"
)

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrArtifactNotFound   = errors.New("artifact not found")
)

// UsageRecord is an append-only accounting fact, one per generation
// attempt. Records are never mutated after creation.
type UsageRecord struct {
	ID               uuid.UUID `json:"id"`
	SubscriberID     uuid.UUID `json:"subscriber_id"`
	ProviderID       string    `json:"provider_id"`
	Model            string    `json:"model"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	Success          bool      `json:"success"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageWindow aggregates a subscriber's accounting over one day or month.
// Generations, TotalTokens and CostUSD cover successful attempts only;
// failed attempts are tracked separately for attribution.
type UsageWindow struct {
	Generations    int     `json:"generations"`
	TotalTokens    int64   `json:"total_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	FailedAttempts int     `json:"failed_attempts"`
}

// GenerationTx is the view of the store available while the subscriber row
// lock is held. Every write goes into the same transaction and becomes
// visible atomically on commit.
type GenerationTx interface {
	// Subscriber returns the locked row's current state. Counters read
	// here cannot be changed by a concurrent generation.
	Subscriber() *subscriber.Subscriber

	SaveArtifact(ctx context.Context, a *script.Artifact) error

	// IncrementTrialUsed and IncrementMonthlyCount bump the plan's counter
	// as a single relative update against the locked row.
	IncrementTrialUsed(ctx context.Context) error
	IncrementMonthlyCount(ctx context.Context) error

	AppendUsage(ctx context.Context, rec UsageRecord) error
}

// Store is the persistence contract the governor and the generation
// transaction run against.
type Store interface {
	GetSubscriber(ctx context.Context, id uuid.UUID) (*subscriber.Subscriber, error)

	// PutSubscriber upserts a subscriber record. Plan changes and
	// provisioning happen outside this subsystem; this exists for them
	// and for tests.
	PutSubscriber(ctx context.Context, sub *subscriber.Subscriber) error

	// Generation runs fn while holding an exclusive lock on the
	// subscriber's row. A concurrent call for the same subscriber blocks
	// until fn returns and the transaction commits or rolls back. The
	// lock spans the whole check-generate-commit sequence.
	Generation(ctx context.Context, subscriberID uuid.UUID, fn func(ctx context.Context, tx GenerationTx) error) error

	// AppendUsage records an accounting fact outside any generation
	// transaction, used for failed-attempt attribution.
	AppendUsage(ctx context.Context, rec UsageRecord) error

	DailyUsage(ctx context.Context, subscriberID uuid.UUID, day time.Time) (UsageWindow, error)
	MonthlyUsage(ctx context.Context, subscriberID uuid.UUID, month time.Time) (UsageWindow, error)

	GetArtifact(ctx context.Context, id uuid.UUID) (*script.Artifact, error)

	// PruneUsage deletes raw usage records created before dailyCutoff and
	// monthly rollups whose month ended before monthlyCutoff. Idempotent
	// and safe to run concurrently with writers.
	PruneUsage(ctx context.Context, dailyCutoff, monthlyCutoff time.Time) (int64, error)
}

// DayStart truncates t to the start of its UTC day. Daily windows are UTC
// days everywhere so counts match across store implementations.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart truncates t to the start of its UTC month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
