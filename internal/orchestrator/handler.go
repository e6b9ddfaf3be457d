package orchestrator

import (
	"net/http"

	"github.com/reelscript-ai/reelscript/internal/api"
)

// Handler exposes the provider fleet's health over HTTP.
type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// Health handles GET /api/v1/providers/health. The report always returns
// 200. An unhealthy fleet is an answer, not a handler failure; callers
// read the status field.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	api.JSON(w, http.StatusOK, h.orch.Health(r.Context()))
}
