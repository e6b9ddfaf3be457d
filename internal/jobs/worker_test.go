package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWorker runs w in the background and fails the test if it does not
// shut down after cancellation.
func startWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop after cancellation")
		}
	})
	return cancel
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	w := NewWorker(q, 2)
	w.Register("echo", func(ctx context.Context, job *Job) (any, error) {
		var n int
		if err := json.Unmarshal(job.Payload, &n); err != nil {
			return nil, Permanent(err)
		}
		return map[string]int{"doubled": n * 2}, nil
	})
	startWorker(t, w)

	id, err := q.Enqueue(ctx, "echo", uuid.New(), 21, Options{})
	require.NoError(t, err)

	outcome, err := q.AwaitCompletion(ctx, id, 3*time.Second)
	require.NoError(t, err)
	require.True(t, outcome.Done)
	assert.Equal(t, StateCompleted, outcome.Job.State)
	assert.Equal(t, 100, outcome.Job.Progress)

	var result map[string]int
	require.NoError(t, json.Unmarshal(outcome.Job.Result, &result))
	assert.Equal(t, 42, result["doubled"])
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	var calls atomic.Int32
	w := NewWorker(q, 1)
	w.Register("flaky", func(ctx context.Context, job *Job) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient failure")
		}
		return "ok", nil
	})
	startWorker(t, w)

	id, err := q.Enqueue(ctx, "flaky", uuid.New(), nil, Options{
		Backoff:     time.Millisecond,
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	outcome, err := q.AwaitCompletion(ctx, id, 3*time.Second)
	require.NoError(t, err)
	require.True(t, outcome.Done)
	assert.Equal(t, StateCompleted, outcome.Job.State)
	assert.Equal(t, 1, outcome.Job.Attempts)
	assert.EqualValues(t, 2, calls.Load())
}

func TestWorkerFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	var calls atomic.Int32
	w := NewWorker(q, 1)
	w.Register("broken", func(ctx context.Context, job *Job) (any, error) {
		calls.Add(1)
		return nil, errors.New("always down")
	})
	startWorker(t, w)

	id, err := q.Enqueue(ctx, "broken", uuid.New(), nil, Options{
		Backoff:     time.Millisecond,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	outcome, err := q.AwaitCompletion(ctx, id, 3*time.Second)
	require.NoError(t, err)
	require.True(t, outcome.Done)
	assert.Equal(t, StateFailed, outcome.Job.State)
	assert.Equal(t, 2, outcome.Job.Attempts)
	assert.Equal(t, "always down", outcome.Job.Error)
	assert.EqualValues(t, 2, calls.Load())
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	var calls atomic.Int32
	w := NewWorker(q, 1)
	w.Register("rejected", func(ctx context.Context, job *Job) (any, error) {
		calls.Add(1)
		return nil, Permanent(errors.New("malformed payload"))
	})
	startWorker(t, w)

	id, err := q.Enqueue(ctx, "rejected", uuid.New(), nil, Options{MaxAttempts: 5})
	require.NoError(t, err)

	outcome, err := q.AwaitCompletion(ctx, id, 3*time.Second)
	require.NoError(t, err)
	require.True(t, outcome.Done)
	assert.Equal(t, StateFailed, outcome.Job.State)
	assert.Equal(t, 1, outcome.Job.Attempts)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWorkerFailsUnknownJobType(t *testing.T) {
	ctx := context.Background()
	q, _ := setupQueue(t)

	w := NewWorker(q, 1)
	startWorker(t, w)

	id, err := q.Enqueue(ctx, "nobody-handles-this", uuid.New(), nil, Options{})
	require.NoError(t, err)

	outcome, err := q.AwaitCompletion(ctx, id, 3*time.Second)
	require.NoError(t, err)
	require.True(t, outcome.Done)
	assert.Equal(t, StateFailed, outcome.Job.State)
	assert.Contains(t, outcome.Job.Error, "no handler")
}

func TestPermanentErrorUnwraps(t *testing.T) {
	cause := errors.New("root cause")
	err := Permanent(cause)
	assert.ErrorIs(t, err, cause)

	var perm *PermanentError
	assert.ErrorAs(t, err, &perm)

	assert.Nil(t, Permanent(nil))
}
