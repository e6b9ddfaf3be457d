package generation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reelscript-ai/reelscript/internal/api"
	"github.com/reelscript-ai/reelscript/internal/auth"
	"github.com/reelscript-ai/reelscript/internal/orchestrator"
	"github.com/reelscript-ai/reelscript/internal/policy"
	"github.com/reelscript-ai/reelscript/internal/provider"
	"github.com/reelscript-ai/reelscript/internal/script"
	"github.com/reelscript-ai/reelscript/internal/store"
)

// Handler exposes synchronous generation over HTTP.
type Handler struct {
	svc *Service
	st  store.Store
}

func NewHandler(svc *Service, st store.Store) *Handler {
	return &Handler{svc: svc, st: st}
}

// VariationsRequest is the body of POST /scripts/variations.
type VariationsRequest struct {
	script.Request
	Count int `json:"count"`
}

// Generate handles POST /api/v1/scripts/generate.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	subID, ok := auth.SubscriberID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req script.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid JSON body"))
		return
	}

	out, err := h.svc.Generate(r.Context(), subID, req)
	if err != nil {
		WriteError(w, err)
		return
	}

	api.JSON(w, http.StatusCreated, out)
}

// GenerateVariations handles POST /api/v1/scripts/variations. A partial
// batch (produced < requested) is still a 201: the subscriber ran out of
// quota mid-batch and keeps what was committed.
func (h *Handler) GenerateVariations(w http.ResponseWriter, r *http.Request) {
	subID, ok := auth.SubscriberID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req VariationsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid JSON body"))
		return
	}

	out, err := h.svc.GenerateVariations(r.Context(), subID, req.Request, req.Count)
	if err != nil {
		WriteError(w, err)
		return
	}

	api.JSON(w, http.StatusCreated, out)
}

// GetScript handles GET /api/v1/scripts/{scriptID}. Artifacts owned by
// another subscriber read as not found so IDs cannot be probed.
func (h *Handler) GetScript(w http.ResponseWriter, r *http.Request) {
	subID, ok := auth.SubscriberID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	scriptID, err := uuid.Parse(chi.URLParam(r, "scriptID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid script ID"))
		return
	}

	artifact, err := h.st.GetArtifact(r.Context(), scriptID)
	if err != nil {
		WriteError(w, err)
		return
	}
	if artifact.SubscriberID != subID {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	api.JSON(w, http.StatusOK, artifact)
}

// GetUsage handles GET /api/v1/usage.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	subID, ok := auth.SubscriberID(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	stats, err := h.svc.Usage(r.Context(), subID)
	if err != nil {
		WriteError(w, err)
		return
	}

	api.JSON(w, http.StatusOK, stats)
}

// WriteError maps generation failures onto HTTP statuses. Shared with the
// jobs handler, which surfaces the same errors for queued generations.
func WriteError(w http.ResponseWriter, err error) {
	var verr *policy.ValidationError
	if errors.As(err, &verr) {
		api.JSONErrorDetails(w, http.StatusBadRequest, "invalid generation request", map[string]any{
			"violations": verr.Violations,
		})
		return
	}

	var ent *EntitlementError
	if errors.As(err, &ent) {
		api.JSONErrorDetails(w, http.StatusPaymentRequired, ent.Guidance(), map[string]any{
			"reason":            ent.Reason,
			"plan":              ent.Plan.String(),
			"remaining_daily":   ent.RemainingDaily,
			"remaining_monthly": ent.RemainingMonthly,
		})
		return
	}

	var exh *ExhaustedError
	if errors.As(err, &exh) {
		api.JSONErrorMessage(w, http.StatusServiceUnavailable, exh.Error())
		return
	}

	switch {
	case errors.Is(err, provider.ErrNoProvidersAvailable):
		api.HandleError(w, api.NewUnavailableError("no generation providers are available right now"))
	case errors.Is(err, orchestrator.ErrInvalidVariationCount):
		api.HandleError(w, api.NewBadRequestError("variation count must be positive"))
	case errors.Is(err, store.ErrSubscriberNotFound):
		api.HandleError(w, api.NewNotFoundError("subscriber not found"))
	case errors.Is(err, store.ErrArtifactNotFound):
		api.HandleError(w, api.NewNotFoundError("script not found"))
	default:
		api.HandleError(w, err)
	}
}
