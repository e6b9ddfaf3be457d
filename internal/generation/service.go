// Package generation runs the quota-safe generation transaction: the
// subscriber row lock spans entitlement check, provider call and counter
// commit, so concurrent requests for the same subscriber can never spend
// the same generation twice.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/reelscript-ai/reelscript/internal/budget"
	"github.com/reelscript-ai/reelscript/internal/events"
	"github.com/reelscript-ai/reelscript/internal/metrics"
	"github.com/reelscript-ai/reelscript/internal/orchestrator"
	"github.com/reelscript-ai/reelscript/internal/plan"
	"github.com/reelscript-ai/reelscript/internal/policy"
	"github.com/reelscript-ai/reelscript/internal/provider"
	"github.com/reelscript-ai/reelscript/internal/script"
	"github.com/reelscript-ai/reelscript/internal/store"
	"github.com/reelscript-ai/reelscript/internal/subscriber"
)

const publishTimeout = 2 * time.Second

// Output is the committed result of a single generation.
type Output struct {
	Artifact         *script.Artifact `json:"artifact"`
	Attempts         int              `json:"attempts"`
	RemainingDaily   int              `json:"remaining_daily"`
	RemainingMonthly int              `json:"remaining_monthly"`
}

// VariationsOutput is the committed result of a variation batch. Produced
// may be lower than Requested: the count is clamped to remaining quota and
// a partial batch is a valid outcome.
type VariationsOutput struct {
	Artifacts        []*script.Artifact `json:"artifacts"`
	Requested        int                `json:"requested"`
	Produced         int                `json:"produced"`
	RemainingDaily   int                `json:"remaining_daily"`
	RemainingMonthly int                `json:"remaining_monthly"`
}

// Service coordinates validation, entitlement, the retry loop and the
// commit for script generations.
type Service struct {
	store  store.Store
	gov    *budget.Governor
	orch   *orchestrator.Orchestrator
	policy *policy.Policy
	pub    events.Publisher
}

// New creates a generation Service. A nil publisher disables audit events.
func New(st store.Store, gov *budget.Governor, orch *orchestrator.Orchestrator, pol *policy.Policy, pub events.Publisher) *Service {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Service{store: st, gov: gov, orch: orch, policy: pol, pub: pub}
}

// Generate produces one script for the subscriber, spending exactly one
// generation on success and none on denial or failure.
func (s *Service) Generate(ctx context.Context, subscriberID uuid.UUID, req script.Request) (*Output, error) {
	if vr := s.policy.Validate(req); !vr.Valid {
		return nil, vr.Err()
	}

	var (
		out    *Output
		failed []store.UsageRecord
	)

	err := s.store.Generation(ctx, subscriberID, func(ctx context.Context, tx store.GenerationTx) error {
		sub := tx.Subscriber()

		decision, err := s.checkEntitlement(ctx, sub)
		if err != nil {
			return err
		}

		gen, attempts, attemptRecords, err := s.generateWithRetry(ctx, sub, req)
		failed = attemptRecords
		if err != nil {
			metrics.GenerationsTotal.WithLabelValues(sub.Plan.String(), "failure").Inc()
			s.publish(ctx, events.New(sub.ID, events.TypeGenerationFailed, events.SeverityError, err.Error()))
			return err
		}

		artifact, err := s.commitGeneration(ctx, tx, sub, gen)
		if err != nil {
			return err
		}

		metrics.GenerationsTotal.WithLabelValues(sub.Plan.String(), "success").Inc()
		s.publish(ctx, events.New(sub.ID, events.TypeGenerationCompleted, events.SeverityInfo, artifact.ID.String()))

		out = &Output{
			Artifact:         artifact,
			Attempts:         attempts,
			RemainingDaily:   remaining(decision.RemainingDaily, 1),
			RemainingMonthly: remaining(decision.RemainingMonthly, 1),
		}
		return nil
	})

	// Failed attempts are recorded outside the lock: they must survive the
	// rollback and they are attribution, not quota.
	s.recordFailedAttempts(ctx, failed)

	if err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateVariations produces up to count independent artifacts in one
// transaction. The count is clamped to the remaining quota; each produced
// variation spends one generation.
func (s *Service) GenerateVariations(ctx context.Context, subscriberID uuid.UUID, req script.Request, count int) (*VariationsOutput, error) {
	if count <= 0 {
		return nil, orchestrator.ErrInvalidVariationCount
	}
	if vr := s.policy.Validate(req); !vr.Valid {
		return nil, vr.Err()
	}

	var out *VariationsOutput

	err := s.store.Generation(ctx, subscriberID, func(ctx context.Context, tx store.GenerationTx) error {
		sub := tx.Subscriber()

		decision, err := s.checkEntitlement(ctx, sub)
		if err != nil {
			return err
		}
		if !sub.Features.BatchGeneration {
			return s.deny(ctx, sub, ReasonBatchNotAllowed, decision.RemainingDaily, decision.RemainingMonthly)
		}

		n := count
		if decision.RemainingDaily < n {
			n = decision.RemainingDaily
		}
		if decision.RemainingMonthly < n {
			n = decision.RemainingMonthly
		}

		// One fallback walk per variation, bounded like n sequential attempts.
		batchCtx, cancel := context.WithTimeout(ctx, time.Duration(n)*s.policy.Timeout())
		gens, err := s.orch.GenerateVariations(batchCtx, req, n)
		cancel()
		if err != nil {
			metrics.GenerationsTotal.WithLabelValues(sub.Plan.String(), "failure").Inc()
			s.publish(ctx, events.New(sub.ID, events.TypeGenerationFailed, events.SeverityError, err.Error()))
			return err
		}

		artifacts := make([]*script.Artifact, 0, len(gens))
		for _, gen := range gens {
			artifact, err := s.commitGeneration(ctx, tx, sub, gen)
			if err != nil {
				return err
			}
			artifacts = append(artifacts, artifact)
			metrics.GenerationsTotal.WithLabelValues(sub.Plan.String(), "success").Inc()
			s.publish(ctx, events.New(sub.ID, events.TypeGenerationCompleted, events.SeverityInfo, artifact.ID.String()))
		}

		out = &VariationsOutput{
			Artifacts:        artifacts,
			Requested:        count,
			Produced:         len(artifacts),
			RemainingDaily:   remaining(decision.RemainingDaily, len(artifacts)),
			RemainingMonthly: remaining(decision.RemainingMonthly, len(artifacts)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Usage reports the subscriber's current consumption without locking.
func (s *Service) Usage(ctx context.Context, subscriberID uuid.UUID) (*budget.Stats, error) {
	sub, err := s.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	return s.gov.UsageStats(ctx, sub)
}

// checkEntitlement runs the governor's quota and cost checks against the
// locked subscriber state. The returned decision carries the remaining
// counts the output reports after a success.
func (s *Service) checkEntitlement(ctx context.Context, sub *subscriber.Subscriber) (budget.Decision, error) {
	decision, err := s.gov.CanGenerate(ctx, sub)
	if err != nil {
		return budget.Decision{}, fmt.Errorf("checking generation quota: %w", err)
	}
	if !decision.Allowed {
		return decision, s.deny(ctx, sub, decision.Reason, decision.RemainingDaily, decision.RemainingMonthly)
	}

	// Pre-flight cost uses the worst case: the plan's allocation ceiling
	// priced at the default rate, since the winning provider is unknown.
	exceeded, err := s.gov.WouldExceedCostLimit(ctx, sub, "", 0)
	if err != nil {
		return budget.Decision{}, fmt.Errorf("checking cost ceiling: %w", err)
	}
	if exceeded {
		return decision, s.deny(ctx, sub, budget.ReasonCostLimit, decision.RemainingDaily, decision.RemainingMonthly)
	}

	return decision, nil
}

// generateWithRetry drives the policy retry loop around the fallback
// chain. Each attempt runs under its own timeout; the backoff sleep honors
// the caller's context. Every failed attempt yields a usage record for
// post-rollback attribution.
func (s *Service) generateWithRetry(ctx context.Context, sub *subscriber.Subscriber, req script.Request) (*orchestrator.Generation, int, []store.UsageRecord, error) {
	var failed []store.UsageRecord

	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.policy.Timeout())
		gen, err := s.orch.Generate(attemptCtx, req)
		cancel()

		if err == nil {
			return gen, attempt + 1, failed, nil
		}

		failed = append(failed, s.failureRecord(sub, req, err))
		slog.Warn("generation attempt failed",
			"subscriber_id", sub.ID,
			"attempt", attempt+1,
			"error", err,
		)

		if !s.policy.ShouldRetry(attempt+1, err) {
			return nil, attempt + 1, failed, &ExhaustedError{Attempts: attempt + 1, Err: err}
		}
		if serr := sleepCtx(ctx, s.policy.RetryDelay(attempt)); serr != nil {
			return nil, attempt + 1, failed, &ExhaustedError{Attempts: attempt + 1, Err: err}
		}
	}
}

// commitGeneration turns one orchestrator result into a persisted,
// counted artifact inside the open transaction.
func (s *Service) commitGeneration(ctx context.Context, tx store.GenerationTx, sub *subscriber.Subscriber, gen *orchestrator.Generation) (*script.Artifact, error) {
	artifact := script.NewArtifact(sub.ID, gen.Result, gen.Metrics.ProviderID, gen.Metrics.Model)
	if !sub.Plan.IsPaid() {
		artifact.Watermark()
	}

	if err := tx.SaveArtifact(ctx, artifact); err != nil {
		return nil, fmt.Errorf("saving artifact: %w", err)
	}

	if sub.Plan == plan.TierTrial {
		if err := tx.IncrementTrialUsed(ctx); err != nil {
			return nil, fmt.Errorf("incrementing trial counter: %w", err)
		}
	} else {
		if err := tx.IncrementMonthlyCount(ctx); err != nil {
			return nil, fmt.Errorf("incrementing monthly counter: %w", err)
		}
	}

	rec := store.UsageRecord{
		ID:               uuid.New(),
		SubscriberID:     sub.ID,
		ProviderID:       gen.Metrics.ProviderID,
		Model:            gen.Metrics.Model,
		InputTokens:      gen.Metrics.Usage.InputTokens,
		OutputTokens:     gen.Metrics.Usage.OutputTokens,
		TotalTokens:      gen.Metrics.Usage.TotalTokens,
		EstimatedCostUSD: s.gov.Price(gen.Metrics.ProviderID, gen.Metrics.Usage),
		Success:          true,
		CreatedAt:        time.Now().UTC(),
	}
	if err := tx.AppendUsage(ctx, rec); err != nil {
		return nil, fmt.Errorf("recording usage: %w", err)
	}

	if gen.Failovers > 0 {
		s.publish(ctx, events.New(sub.ID, events.TypeProviderFailover, events.SeverityWarn,
			fmt.Sprintf("served by %s after %d failed provider(s)", gen.Metrics.ProviderID, gen.Failovers)))
	}

	return artifact, nil
}

// failureRecord builds the conservative accounting fact for one failed
// attempt: estimated prompt tokens, no completion.
func (s *Service) failureRecord(sub *subscriber.Subscriber, req script.Request, attemptErr error) store.UsageRecord {
	providerID := ""
	var perr *provider.Error
	if errors.As(attemptErr, &perr) {
		providerID = perr.Provider
	}

	usage := provider.FallbackUsage(provider.SystemPrompt + provider.UserPrompt(req))
	return store.UsageRecord{
		ID:               uuid.New(),
		SubscriberID:     sub.ID,
		ProviderID:       providerID,
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		TotalTokens:      usage.TotalTokens,
		EstimatedCostUSD: s.gov.Price(providerID, usage),
		Success:          false,
		CreatedAt:        time.Now().UTC(),
	}
}

func (s *Service) recordFailedAttempts(ctx context.Context, recs []store.UsageRecord) {
	for _, rec := range recs {
		if err := s.store.AppendUsage(context.WithoutCancel(ctx), rec); err != nil {
			slog.Warn("recording failed attempt", "subscriber_id", rec.SubscriberID, "error", err)
		}
	}
}

func (s *Service) deny(ctx context.Context, sub *subscriber.Subscriber, reason string, remainingDaily, remainingMonthly int) error {
	metrics.QuotaDenialsTotal.WithLabelValues(reason).Inc()
	s.publish(ctx, events.New(sub.ID, events.TypeQuotaDenied, events.SeverityWarn, reason))
	slog.Warn("generation denied",
		"subscriber_id", sub.ID,
		"plan", sub.Plan,
		"reason", reason,
	)
	return &EntitlementError{
		Plan:             sub.Plan,
		Reason:           reason,
		RemainingDaily:   remainingDaily,
		RemainingMonthly: remainingMonthly,
	}
}

// publish emits an audit event without ever failing the request. The
// event outlives the caller's context so a cancelled request still leaves
// its trail.
func (s *Service) publish(ctx context.Context, ev events.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.pub.Publish(pctx, ev); err != nil {
		slog.Warn("publishing audit event", "event_type", ev.Type, "error", err)
	}
}

func remaining(have, spent int) int {
	if have < spent {
		return 0
	}
	return have - spent
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
