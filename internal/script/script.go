// Package script holds the generation request and artifact types shared by
// the orchestration, governance and persistence packages.
package script

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request is the raw generation request handed in by the prompt-construction
// layer. The core validates and forwards it; it never interprets the
// marketing content itself.
type Request struct {
	ProductName    string `json:"product_name" validate:"required,max=100"`
	Niche          string `json:"niche" validate:"required,max=50"`
	TargetAudience string `json:"target_audience" validate:"required,max=200"`
	Platform       string `json:"platform,omitempty" validate:"omitempty,max=50"`
	Tone           string `json:"tone,omitempty" validate:"omitempty,max=50"`
	LengthSeconds  int    `json:"length_seconds,omitempty" validate:"omitempty,min=5,max=180"`
}

// TokenUsage reports the tokens one provider call consumed.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}

// Result is what a provider adapter produces for one generation call.
type Result struct {
	Hook    string     `json:"hook"`
	Script  string     `json:"script"`
	Visuals []string   `json:"visuals"`
	Usage   TokenUsage `json:"usage"`
}

// Artifact is the persisted generation output returned to callers.
type Artifact struct {
	ID           uuid.UUID  `json:"id"`
	SubscriberID uuid.UUID  `json:"subscriber_id"`
	Hook         string     `json:"hook"`
	Script       string     `json:"script"`
	Visuals      []string   `json:"visuals"`
	ProviderID   string     `json:"provider_id"`
	Model        string     `json:"model"`
	Usage        TokenUsage `json:"usage"`
	Watermarked  bool       `json:"watermarked"`
	CreatedAt    time.Time  `json:"created_at"`
}

// NewArtifact builds a persistable artifact from a provider result.
func NewArtifact(subscriberID uuid.UUID, res *Result, providerID, model string) *Artifact {
	return &Artifact{
		ID:           uuid.New(),
		SubscriberID: subscriberID,
		Hook:         res.Hook,
		Script:       res.Script,
		Visuals:      res.Visuals,
		ProviderID:   providerID,
		Model:        model,
		Usage:        res.Usage,
		CreatedAt:    time.Now().UTC(),
	}
}

// TrialNotice is the cosmetic decoration appended to unpaid-tier output.
const TrialNotice = "Created with ReelScript free trial. Upgrade to remove this notice."

// Watermark appends the trial notice to the script body. It is idempotent
// and cosmetic only; quota accounting never depends on it.
func (a *Artifact) Watermark() {
	if a.Watermarked {
		return
	}
	a.Script = strings.TrimRight(a.Script, "\n") + "\n\n" + TrialNotice
	a.Watermarked = true
}
