package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/reelscript-ai/reelscript/internal/generation"
	"github.com/reelscript-ai/reelscript/internal/orchestrator"
	"github.com/reelscript-ai/reelscript/internal/policy"
	"github.com/reelscript-ai/reelscript/internal/script"
	"github.com/reelscript-ai/reelscript/internal/store"
)

// GeneratePayload is the payload of script.generate and script.variations
// jobs. Count is used by variations only.
type GeneratePayload struct {
	SubscriberID uuid.UUID      `json:"subscriber_id"`
	Request      script.Request `json:"request"`
	Count        int            `json:"count,omitempty"`
}

// RegisterGenerationHandlers wires the generation service's operations as
// job handlers.
func RegisterGenerationHandlers(w *Worker, svc *generation.Service) {
	w.Register(TypeGenerateScript, GenerateScriptHandler(svc))
	w.Register(TypeGenerateVariations, GenerateVariationsHandler(svc))
}

// GenerateScriptHandler runs one generation per job.
func GenerateScriptHandler(svc *generation.Service) Handler {
	return func(ctx context.Context, job *Job) (any, error) {
		var p GeneratePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, Permanent(fmt.Errorf("decoding generate payload: %w", err))
		}
		out, err := svc.Generate(ctx, p.SubscriberID, p.Request)
		if err != nil {
			return nil, classify(err)
		}
		return out, nil
	}
}

// GenerateVariationsHandler runs one variation batch per job.
func GenerateVariationsHandler(svc *generation.Service) Handler {
	return func(ctx context.Context, job *Job) (any, error) {
		var p GeneratePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, Permanent(fmt.Errorf("decoding variations payload: %w", err))
		}
		out, err := svc.GenerateVariations(ctx, p.SubscriberID, p.Request, p.Count)
		if err != nil {
			return nil, classify(err)
		}
		return out, nil
	}
}

// classify keeps failures a retry cannot fix from being retried.
func classify(err error) error {
	var ent *generation.EntitlementError
	var verr *policy.ValidationError
	switch {
	case errors.As(err, &ent),
		errors.As(err, &verr),
		errors.Is(err, store.ErrSubscriberNotFound),
		errors.Is(err, orchestrator.ErrInvalidVariationCount):
		return Permanent(err)
	}
	return err
}
