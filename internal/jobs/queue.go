package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis keys. Job bodies live under jobs:data:<id>; the pending and
// delayed sets hold IDs scored for claim order and due time respectively.
const (
	keyDataPrefix = "jobs:data:"
	keyPending    = "jobs:pending"
	keyDelayed    = "jobs:delayed"
	keySeq        = "jobs:seq"
)

// priorityBand spaces priority tiers far enough apart in the pending set's
// score that the enqueue sequence never crosses into the next tier.
const priorityBand = 1e12

// maxRetryBackoff caps the delay between job retry attempts.
const maxRetryBackoff = 5 * time.Minute

// QueueConfig tunes the queue. Zero values take defaults.
type QueueConfig struct {
	// Retention keeps terminal jobs readable for this long before Redis
	// reclaims them.
	Retention time.Duration
	// PollInterval paces AwaitCompletion status reads and idle worker
	// claims.
	PollInterval time.Duration
	// DefaultMaxAttempts and DefaultBackoff apply to jobs enqueued with
	// zero Options.
	DefaultMaxAttempts int
	DefaultBackoff     time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = 5 * time.Second
	}
	return c
}

// Queue is the Redis priority queue. All methods are safe for concurrent
// use across processes sharing the same Redis.
type Queue struct {
	rdb redis.Cmdable
	cfg QueueConfig
}

// NewQueue creates a queue over an existing Redis client.
func NewQueue(rdb redis.Cmdable, cfg QueueConfig) *Queue {
	return &Queue{rdb: rdb, cfg: cfg.withDefaults()}
}

func dataKey(id uuid.UUID) string { return keyDataPrefix + id.String() }

// Enqueue stores a new pending job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, jobType string, subscriberID uuid.UUID, payload any, opts Options) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshaling job payload: %w", err)
	}

	if opts.Priority <= 0 {
		opts.Priority = PriorityNormal
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.cfg.DefaultBackoff
	}

	now := time.Now().UTC()
	job := &Job{
		ID:           uuid.New(),
		Type:         jobType,
		SubscriberID: subscriberID,
		Payload:      body,
		Priority:     opts.Priority,
		MaxAttempts:  opts.MaxAttempts,
		Backoff:      opts.Backoff,
		State:        StatePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := q.saveJob(ctx, job, 0); err != nil {
		return uuid.Nil, err
	}
	if err := q.pushPending(ctx, job); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// EnqueueBatch enqueues the specs in order and returns their IDs. Each job
// is tracked independently; a failure mid-batch returns the IDs enqueued
// so far alongside the error.
func (q *Queue) EnqueueBatch(ctx context.Context, specs []Spec) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(specs))
	for _, spec := range specs {
		id, err := q.Enqueue(ctx, spec.Type, spec.SubscriberID, spec.Payload, spec.Options)
		if err != nil {
			return ids, fmt.Errorf("enqueueing batch item %d: %w", len(ids), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Status loads a job's current state.
func (q *Queue) Status(ctx context.Context, id uuid.UUID) (*Job, error) {
	raw, err := q.rdb.Get(ctx, dataKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

// AwaitCompletion polls the job at a fixed interval until it reaches a
// terminal state or the caller's budget runs out. Timing out never cancels
// the job: the outcome reports it still processing and a later Status call
// may find it completed.
func (q *Queue) AwaitCompletion(ctx context.Context, id uuid.UUID, timeout time.Duration) (*Outcome, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(q.cfg.PollInterval)
	defer tick.Stop()

	for {
		job, err := q.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return &Outcome{Done: true, Job: job}, nil
		}

		select {
		case <-ctx.Done():
			return &Outcome{Done: false, Job: job}, nil
		case <-deadline.C:
			return &Outcome{Done: false, Job: job}, nil
		case <-tick.C:
		}
	}
}

// PendingDepth returns the number of jobs waiting to be claimed.
func (q *Queue) PendingDepth(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, keyPending).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}

// pushPending scores the job into the claim set: priority tier first,
// enqueue sequence within the tier.
func (q *Queue) pushPending(ctx context.Context, job *Job) error {
	seq, err := q.rdb.Incr(ctx, keySeq).Result()
	if err != nil {
		return fmt.Errorf("advancing job sequence: %w", err)
	}
	score := float64(job.Priority)*priorityBand + float64(seq)
	if err := q.rdb.ZAdd(ctx, keyPending, redis.Z{Score: score, Member: job.ID.String()}).Err(); err != nil {
		return fmt.Errorf("queueing job %s: %w", job.ID, err)
	}
	return nil
}

// claim pops the highest-priority pending job and marks it running.
// Returns nil without error when the queue is empty.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	popped, err := q.rdb.ZPopMin(ctx, keyPending, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	id, err := uuid.Parse(popped[0].Member.(string))
	if err != nil {
		return nil, fmt.Errorf("parsing claimed job id: %w", err)
	}

	job, err := q.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	job.State = StateRunning
	job.Progress = 10
	job.UpdatedAt = time.Now().UTC()
	if err := q.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// complete stores the result and starts the retention clock.
func (q *Queue) complete(ctx context.Context, job *Job, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling job result: %w", err)
	}
	job.State = StateCompleted
	job.Progress = 100
	job.Result = body
	job.Error = ""
	job.UpdatedAt = time.Now().UTC()
	return q.saveJob(ctx, job, q.cfg.Retention)
}

// retryOrFail books one failed attempt: permanent errors and exhausted
// attempts fail the job terminally, anything else schedules a delayed
// retry with exponential backoff.
func (q *Queue) retryOrFail(ctx context.Context, job *Job, cause error) error {
	job.Attempts++
	job.Error = cause.Error()
	job.UpdatedAt = time.Now().UTC()

	var perm *PermanentError
	if errors.As(cause, &perm) || job.Attempts >= job.MaxAttempts {
		job.State = StateFailed
		return q.saveJob(ctx, job, q.cfg.Retention)
	}

	job.State = StateDelayed
	runAt := time.Now().Add(retryBackoff(job.Backoff, job.Attempts))
	if err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: job.ID.String(),
	}).Err(); err != nil {
		return fmt.Errorf("delaying job %s: %w", job.ID, err)
	}
	return q.saveJob(ctx, job, 0)
}

// moveDueDelayed returns due delayed jobs to the pending set. Called
// periodically by the worker.
func (q *Queue) moveDueDelayed(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("reading due jobs: %w", err)
	}

	moved := 0
	for _, member := range due {
		id, err := uuid.Parse(member)
		if err != nil {
			q.rdb.ZRem(ctx, keyDelayed, member)
			continue
		}
		job, err := q.Status(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			q.rdb.ZRem(ctx, keyDelayed, member)
			continue
		}
		if err != nil {
			return moved, err
		}

		job.State = StatePending
		job.UpdatedAt = time.Now().UTC()
		if err := q.saveJob(ctx, job, 0); err != nil {
			return moved, err
		}
		if err := q.pushPending(ctx, job); err != nil {
			return moved, err
		}
		if err := q.rdb.ZRem(ctx, keyDelayed, member).Err(); err != nil {
			return moved, fmt.Errorf("removing due job %s: %w", id, err)
		}
		moved++
	}
	return moved, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	if err := q.rdb.Set(ctx, dataKey(job.ID), body, ttl).Err(); err != nil {
		return fmt.Errorf("storing job %s: %w", job.ID, err)
	}
	return nil
}

// retryBackoff doubles the base delay per completed attempt, capped.
func retryBackoff(base time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}
