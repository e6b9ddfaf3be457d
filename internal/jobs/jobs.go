// Package jobs is the Redis-backed asynchronous front door for script
// generation: a priority queue with delayed retries, polling status reads
// and a worker pool running registered handlers.
package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned for unknown or already-expired job IDs.
var ErrJobNotFound = errors.New("job not found")

// Job types dispatched by the worker.
const (
	TypeGenerateScript     = "script.generate"
	TypeGenerateVariations = "script.variations"
)

// Priority tiers. Lower values are claimed first; jobs within a tier are
// claimed in enqueue order.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// State is a job's lifecycle stage.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the queue's unit of work. Payload and Result are opaque to the
// queue; handlers own their shape.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	Type         string          `json:"type"`
	SubscriberID uuid.UUID       `json:"subscriber_id"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	MaxAttempts  int             `json:"max_attempts"`
	Attempts     int             `json:"attempts"`
	Backoff      time.Duration   `json:"backoff"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Options tune one enqueued job. Zero values take the queue defaults.
type Options struct {
	Priority    int
	MaxAttempts int
	Backoff     time.Duration
}

// Spec is one job in a batch enqueue.
type Spec struct {
	Type         string
	SubscriberID uuid.UUID
	Payload      any
	Options      Options
}

// Outcome is what AwaitCompletion observed. Done false means the caller's
// timeout elapsed first: the job keeps running and a later Status call may
// find it completed.
type Outcome struct {
	Done bool `json:"done"`
	Job  *Job `json:"job"`
}

// PermanentError marks a handler failure that retrying cannot fix. The
// worker fails the job immediately even when attempts remain.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
