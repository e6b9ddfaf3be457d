package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reelscript-ai/reelscript/internal/metrics"
)

// Handler runs one job. The returned value is stored as the job's result
// on success.
type Handler func(ctx context.Context, job *Job) (any, error)

// Worker claims pending jobs and runs registered handlers. Concurrency
// goroutines claim independently; a housekeeping loop returns due delayed
// jobs to the pending set and keeps the depth gauge current.
type Worker struct {
	queue       *Queue
	handlers    map[string]Handler
	concurrency int
}

// NewWorker creates a worker over the queue.
func NewWorker(q *Queue, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		queue:       q,
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
	}
}

// Register installs the handler for a job type. Call before Start.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Start blocks until ctx is cancelled, running claim loops and
// housekeeping.
func (w *Worker) Start(ctx context.Context) error {
	slog.Info("job worker started", "concurrency", w.concurrency, "job_types", len(w.handlers))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.claimLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.housekeepingLoop(ctx)
	}()

	wg.Wait()
	slog.Info("job worker stopped")
	return nil
}

func (w *Worker) claimLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("claiming job", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.queue.cfg.PollInterval):
			}
			continue
		}

		w.run(ctx, job)
	}
}

// run executes one claimed job. Bookkeeping writes survive a shutdown
// mid-handler so the attempt is never lost.
func (w *Worker) run(ctx context.Context, job *Job) {
	bookCtx := context.WithoutCancel(ctx)

	handler, ok := w.handlers[job.Type]
	if !ok {
		err := Permanent(fmt.Errorf("no handler registered for job type %q", job.Type))
		if ferr := w.queue.retryOrFail(bookCtx, job, err); ferr != nil {
			slog.Error("recording job failure", "job_id", job.ID, "error", ferr)
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "failed").Inc()
		return
	}

	result, err := handler(ctx, job)
	if err != nil {
		slog.Warn("job attempt failed",
			"job_id", job.ID,
			"type", job.Type,
			"attempt", job.Attempts+1,
			"error", err,
		)
		if ferr := w.queue.retryOrFail(bookCtx, job, err); ferr != nil {
			slog.Error("recording job failure", "job_id", job.ID, "error", ferr)
			return
		}
		outcome := "retried"
		if job.State == StateFailed {
			outcome = "failed"
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, outcome).Inc()
		return
	}

	if err := w.queue.complete(bookCtx, job, result); err != nil {
		slog.Error("completing job", "job_id", job.ID, "error", err)
		return
	}
	metrics.JobsProcessedTotal.WithLabelValues(job.Type, "success").Inc()
	slog.Debug("job completed", "job_id", job.ID, "type", job.Type)
}

func (w *Worker) housekeepingLoop(ctx context.Context) {
	tick := time.NewTicker(w.queue.cfg.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		if _, err := w.queue.moveDueDelayed(ctx); err != nil && ctx.Err() == nil {
			slog.Debug("moving delayed jobs", "error", err)
		}
		if depth, err := w.queue.PendingDepth(ctx); err == nil {
			metrics.JobQueueDepth.Set(float64(depth))
		}
	}
}
