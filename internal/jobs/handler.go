package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reelscript-ai/reelscript/internal/api"
	"github.com/reelscript-ai/reelscript/internal/auth"
	"github.com/reelscript-ai/reelscript/internal/policy"
	"github.com/reelscript-ai/reelscript/internal/script"
)

// Handler exposes the queue over HTTP: enqueueing generations and reading
// job status back.
type Handler struct {
	queue        *Queue
	policy       *policy.Policy
	awaitTimeout time.Duration
}

// NewHandler builds the HTTP front for the queue. Requests are validated
// at enqueue time so a doomed job never enters the queue; awaitTimeout
// caps GET /jobs/{jobID}/wait.
func NewHandler(q *Queue, pol *policy.Policy, awaitTimeout time.Duration) *Handler {
	if awaitTimeout <= 0 {
		awaitTimeout = 2 * time.Minute
	}
	return &Handler{queue: q, policy: pol, awaitTimeout: awaitTimeout}
}

// AsyncRequest is the body of the async generation endpoints. Count is
// read by the variations endpoint only.
type AsyncRequest struct {
	script.Request
	Count    int    `json:"count,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// EnqueueResponse acknowledges an accepted job.
type EnqueueResponse struct {
	JobID uuid.UUID `json:"job_id"`
	State State     `json:"state"`
}

// EnqueueScript handles POST /api/v1/scripts/generate/async.
func (h *Handler) EnqueueScript(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, TypeGenerateScript)
}

// EnqueueVariations handles POST /api/v1/scripts/variations/async. The
// batch runs as one job so the plan's batch gate and the single quota
// transaction apply exactly as they do on the synchronous endpoint.
func (h *Handler) EnqueueVariations(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, TypeGenerateVariations)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, jobType string) {
	subID, ok := auth.SubscriberID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req AsyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid JSON body"))
		return
	}

	if vr := h.policy.Validate(req.Request); !vr.Valid {
		api.JSONErrorDetails(w, http.StatusBadRequest, "invalid generation request", map[string]any{
			"violations": vr.Errors,
		})
		return
	}
	if jobType == TypeGenerateVariations && req.Count <= 0 {
		api.HandleError(w, api.NewBadRequestError("variation count must be positive"))
		return
	}

	payload := GeneratePayload{SubscriberID: subID, Request: req.Request, Count: req.Count}
	id, err := h.queue.Enqueue(r.Context(), jobType, subID, payload, Options{
		Priority: parsePriority(req.Priority),
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSON(w, http.StatusAccepted, EnqueueResponse{JobID: id, State: StatePending})
}

// GetJob handles GET /api/v1/jobs/{jobID}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnJob(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, job)
}

// AwaitJob handles GET /api/v1/jobs/{jobID}/wait. A timeout is not an
// error: the response says the job is still processing and the client
// polls again, while the worker keeps running it.
func (h *Handler) AwaitJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadOwnJob(w, r)
	if !ok {
		return
	}

	outcome, err := h.queue.AwaitCompletion(r.Context(), job.ID, h.awaitTimeout)
	if err != nil {
		writeJobError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, outcome)
}

// loadOwnJob reads the requested job and hides other subscribers' jobs
// behind a not-found, mirroring the artifact endpoint.
func (h *Handler) loadOwnJob(w http.ResponseWriter, r *http.Request) (*Job, bool) {
	subID, ok := auth.SubscriberID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return nil, false
	}

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid job ID"))
		return nil, false
	}

	job, err := h.queue.Status(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return nil, false
	}
	if job.SubscriberID != subID {
		api.HandleError(w, api.ErrNotFound)
		return nil, false
	}
	return job, true
}

func writeJobError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrJobNotFound) {
		api.HandleError(w, api.NewNotFoundError("job not found"))
		return
	}
	api.HandleError(w, err)
}

func parsePriority(s string) int {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}
