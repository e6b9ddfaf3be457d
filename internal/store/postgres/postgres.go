// Package postgres backs store.Store with pgx. The Generation method is
// the important part: SELECT ... FOR UPDATE pins the subscriber row for
// the whole check-generate-commit sequence, so Postgres serializes
// concurrent generations per subscriber and the counters can never
// double-spend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelscript-ai/reelscript/internal/plan"
	"github.com/reelscript-ai/reelscript/internal/script"
	"github.com/reelscript-ai/reelscript/internal/store"
	"github.com/reelscript-ai/reelscript/internal/subscriber"
)

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const subscriberColumns = `id, plan, trial_generations_used, monthly_generation_count,
	trial_started_at, trial_ends_at, batch_generation, created_at, updated_at`

func scanSubscriber(row pgx.Row) (*subscriber.Subscriber, error) {
	var sub subscriber.Subscriber
	var planName string
	var trialEnds *time.Time

	err := row.Scan(&sub.ID, &planName, &sub.TrialGenerationsUsed, &sub.MonthlyGenerationCount,
		&sub.TrialStartedAt, &trialEnds, &sub.Features.BatchGeneration, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning subscriber: %w", err)
	}

	sub.Plan, err = plan.ParseTier(planName)
	if err != nil {
		return nil, fmt.Errorf("reading subscriber %s: %w", sub.ID, err)
	}
	if trialEnds != nil {
		sub.TrialEndsAt = *trialEnds
	}
	return &sub, nil
}

func (s *Store) GetSubscriber(ctx context.Context, id uuid.UUID) (*subscriber.Subscriber, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id)
	return scanSubscriber(row)
}

func (s *Store) PutSubscriber(ctx context.Context, sub *subscriber.Subscriber) error {
	now := time.Now().UTC()
	created := sub.CreatedAt
	if created.IsZero() {
		created = now
	}
	trialStarted := sub.TrialStartedAt
	if trialStarted.IsZero() {
		trialStarted = now
	}
	var trialEnds *time.Time
	if !sub.TrialEndsAt.IsZero() {
		trialEnds = &sub.TrialEndsAt
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscribers (id, plan, trial_generations_used, monthly_generation_count,
		   trial_started_at, trial_ends_at, batch_generation, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   plan = EXCLUDED.plan,
		   trial_generations_used = EXCLUDED.trial_generations_used,
		   monthly_generation_count = EXCLUDED.monthly_generation_count,
		   trial_started_at = EXCLUDED.trial_started_at,
		   trial_ends_at = EXCLUDED.trial_ends_at,
		   batch_generation = EXCLUDED.batch_generation,
		   updated_at = NOW()`,
		sub.ID, sub.Plan.String(), sub.TrialGenerationsUsed, sub.MonthlyGenerationCount,
		trialStarted, trialEnds, sub.Features.BatchGeneration, created, now)
	if err != nil {
		return fmt.Errorf("upserting subscriber: %w", err)
	}
	return nil
}

// Generation locks the subscriber row and runs fn inside the transaction.
// Concurrent calls for the same subscriber queue on the row lock; any
// error from fn rolls everything back, including counter increments.
func (s *Store) Generation(ctx context.Context, subscriberID uuid.UUID, fn func(ctx context.Context, tx store.GenerationTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning generation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1 FOR UPDATE`, subscriberID)
	sub, err := scanSubscriber(row)
	if err != nil {
		return err
	}

	if err := fn(ctx, &generationTx{tx: tx, sub: sub}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing generation tx: %w", err)
	}
	return nil
}

type generationTx struct {
	tx  pgx.Tx
	sub *subscriber.Subscriber
}

func (g *generationTx) Subscriber() *subscriber.Subscriber {
	return g.sub
}

func (g *generationTx) SaveArtifact(ctx context.Context, a *script.Artifact) error {
	_, err := g.tx.Exec(ctx,
		`INSERT INTO artifacts (id, subscriber_id, hook, script, visuals, provider_id, model,
		   input_tokens, output_tokens, total_tokens, watermarked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.SubscriberID, a.Hook, a.Script, a.Visuals, a.ProviderID, a.Model,
		a.Usage.InputTokens, a.Usage.OutputTokens, a.Usage.TotalTokens, a.Watermarked, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}
	return nil
}

// IncrementTrialUsed bumps the trial counter as a relative update against
// the locked row, never a blind write of the snapshot value.
func (g *generationTx) IncrementTrialUsed(ctx context.Context) error {
	_, err := g.tx.Exec(ctx,
		`UPDATE subscribers
		 SET trial_generations_used = trial_generations_used + 1, updated_at = NOW()
		 WHERE id = $1`, g.sub.ID)
	if err != nil {
		return fmt.Errorf("incrementing trial counter: %w", err)
	}
	g.sub.TrialGenerationsUsed++
	return nil
}

func (g *generationTx) IncrementMonthlyCount(ctx context.Context) error {
	_, err := g.tx.Exec(ctx,
		`UPDATE subscribers
		 SET monthly_generation_count = monthly_generation_count + 1, updated_at = NOW()
		 WHERE id = $1`, g.sub.ID)
	if err != nil {
		return fmt.Errorf("incrementing monthly counter: %w", err)
	}
	g.sub.MonthlyGenerationCount++
	return nil
}

func (g *generationTx) AppendUsage(ctx context.Context, rec store.UsageRecord) error {
	return appendUsage(ctx, g.tx, rec)
}

func (s *Store) AppendUsage(ctx context.Context, rec store.UsageRecord) error {
	return appendUsage(ctx, s.pool, rec)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// appendUsage writes the raw accounting record and folds it into the
// monthly rollup in the same round of statements. Raw records only live
// for the daily retention window; the rollup carries the month.
func appendUsage(ctx context.Context, db execer, rec store.UsageRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(ctx,
		`INSERT INTO usage_records (id, subscriber_id, provider_id, model,
		   input_tokens, output_tokens, total_tokens, estimated_cost_usd, success, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.SubscriberID, rec.ProviderID, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.EstimatedCostUSD, rec.Success, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}

	var gens, failed int
	var tokens int64
	var cost float64
	if rec.Success {
		gens, tokens, cost = 1, rec.TotalTokens, rec.EstimatedCostUSD
	} else {
		failed = 1
	}

	_, err = db.Exec(ctx,
		`INSERT INTO usage_monthly (subscriber_id, month, generations, total_tokens, cost_usd, failed_attempts, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (subscriber_id, month) DO UPDATE SET
		   generations = usage_monthly.generations + EXCLUDED.generations,
		   total_tokens = usage_monthly.total_tokens + EXCLUDED.total_tokens,
		   cost_usd = usage_monthly.cost_usd + EXCLUDED.cost_usd,
		   failed_attempts = usage_monthly.failed_attempts + EXCLUDED.failed_attempts,
		   updated_at = NOW()`,
		rec.SubscriberID, store.MonthStart(rec.CreatedAt), gens, tokens, cost, failed)
	if err != nil {
		return fmt.Errorf("updating monthly rollup: %w", err)
	}
	return nil
}

func (s *Store) DailyUsage(ctx context.Context, subscriberID uuid.UUID, day time.Time) (store.UsageWindow, error) {
	start := store.DayStart(day)
	end := start.Add(24 * time.Hour)

	var w store.UsageWindow
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE success),
		   COALESCE(SUM(total_tokens) FILTER (WHERE success), 0),
		   COALESCE(SUM(estimated_cost_usd) FILTER (WHERE success), 0),
		   COUNT(*) FILTER (WHERE NOT success)
		 FROM usage_records
		 WHERE subscriber_id = $1 AND created_at >= $2 AND created_at < $3`,
		subscriberID, start, end).
		Scan(&w.Generations, &w.TotalTokens, &w.CostUSD, &w.FailedAttempts)
	if err != nil {
		return store.UsageWindow{}, fmt.Errorf("aggregating daily usage: %w", err)
	}
	return w, nil
}

func (s *Store) MonthlyUsage(ctx context.Context, subscriberID uuid.UUID, month time.Time) (store.UsageWindow, error) {
	var w store.UsageWindow
	err := s.pool.QueryRow(ctx,
		`SELECT generations, total_tokens, cost_usd, failed_attempts
		 FROM usage_monthly
		 WHERE subscriber_id = $1 AND month = $2`,
		subscriberID, store.MonthStart(month)).
		Scan(&w.Generations, &w.TotalTokens, &w.CostUSD, &w.FailedAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.UsageWindow{}, nil
	}
	if err != nil {
		return store.UsageWindow{}, fmt.Errorf("reading monthly rollup: %w", err)
	}
	return w, nil
}

func (s *Store) GetArtifact(ctx context.Context, id uuid.UUID) (*script.Artifact, error) {
	var a script.Artifact
	err := s.pool.QueryRow(ctx,
		`SELECT id, subscriber_id, hook, script, visuals, provider_id, model,
		   input_tokens, output_tokens, total_tokens, watermarked, created_at
		 FROM artifacts WHERE id = $1`, id).
		Scan(&a.ID, &a.SubscriberID, &a.Hook, &a.Script, &a.Visuals, &a.ProviderID, &a.Model,
			&a.Usage.InputTokens, &a.Usage.OutputTokens, &a.Usage.TotalTokens, &a.Watermarked, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	return &a, nil
}

// PruneUsage deletes raw records older than dailyCutoff and rollups for
// months that ended before monthlyCutoff. Both deletes are idempotent.
func (s *Store) PruneUsage(ctx context.Context, dailyCutoff, monthlyCutoff time.Time) (int64, error) {
	recTag, err := s.pool.Exec(ctx,
		`DELETE FROM usage_records WHERE created_at < $1`, dailyCutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning usage records: %w", err)
	}

	monthTag, err := s.pool.Exec(ctx,
		`DELETE FROM usage_monthly WHERE month + INTERVAL '1 month' < $1`, monthlyCutoff)
	if err != nil {
		return recTag.RowsAffected(), fmt.Errorf("pruning monthly rollups: %w", err)
	}

	return recTag.RowsAffected() + monthTag.RowsAffected(), nil
}
