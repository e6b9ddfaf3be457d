package script

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArtifact(t *testing.T) {
	subID := uuid.New()
	res := &Result{
		Hook:    "Stop scrolling.",
		Script:  "Here is why this serum works.",
		Visuals: []string{"close-up of bottle", "before/after split"},
		Usage:   TokenUsage{InputTokens: 120, OutputTokens: 340, TotalTokens: 460},
	}

	a := NewArtifact(subID, res, "openai", "gpt-4o-mini")

	require.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, subID, a.SubscriberID)
	assert.Equal(t, res.Hook, a.Hook)
	assert.Equal(t, res.Script, a.Script)
	assert.Equal(t, res.Visuals, a.Visuals)
	assert.Equal(t, "openai", a.ProviderID)
	assert.Equal(t, "gpt-4o-mini", a.Model)
	assert.Equal(t, res.Usage, a.Usage)
	assert.False(t, a.Watermarked)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestWatermarkAppendsNotice(t *testing.T) {
	a := &Artifact{Script: "Buy now.\n"}
	a.Watermark()

	assert.True(t, a.Watermarked)
	assert.True(t, strings.HasSuffix(a.Script, TrialNotice))
	assert.Contains(t, a.Script, "Buy now.")
}

func TestWatermarkIdempotent(t *testing.T) {
	a := &Artifact{Script: "Buy now."}
	a.Watermark()
	once := a.Script
	a.Watermark()

	assert.Equal(t, once, a.Script)
	assert.Equal(t, 1, strings.Count(a.Script, TrialNotice))
}

func TestTokenUsageAdd(t *testing.T) {
	sum := TokenUsage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30}.
		Add(TokenUsage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3})
	assert.Equal(t, TokenUsage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33}, sum)
}
