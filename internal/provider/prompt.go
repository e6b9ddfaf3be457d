package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/reelscript-ai/reelscript/internal/script"
)

// SystemPrompt instructs chat models to answer with the structured script
// object. Adapters that speak a chat API send it as the system message.
const SystemPrompt = "You are a short-form marketing video copywriter. " +
	"Answer with a single JSON object of the shape " +
	`{"hook": string, "script": string, "visuals": [string]} ` +
	"and nothing else. The hook is the first spoken line, the script is the " +
	"voiceover text, and visuals are shot directions."

// UserPrompt renders the generation request as the user message.
func UserPrompt(req script.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a short-form video script for the product %q in the %s niche.\n", req.ProductName, req.Niche)
	fmt.Fprintf(&b, "Target audience: %s.\n", req.TargetAudience)
	if req.Platform != "" {
		fmt.Fprintf(&b, "Platform: %s.\n", req.Platform)
	}
	if req.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", req.Tone)
	}
	if req.LengthSeconds > 0 {
		fmt.Fprintf(&b, "Spoken length: about %d seconds.\n", req.LengthSeconds)
	}
	return b.String()
}

type completionPayload struct {
	Hook    string   `json:"hook"`
	Script  string   `json:"script"`
	Visuals []string `json:"visuals"`
}

// ParseResult decodes a model completion into a script result. Completions
// that are not the requested JSON object are kept anyway: the whole text
// becomes the script body. Code fences around the JSON are tolerated.
func ParseResult(content string, usage script.TokenUsage) *script.Result {
	trimmed := strings.TrimSpace(content)
	candidate := stripCodeFence(trimmed)

	var payload completionPayload
	if err := json.Unmarshal([]byte(candidate), &payload); err == nil && payload.Script != "" {
		return &script.Result{
			Hook:    payload.Hook,
			Script:  payload.Script,
			Visuals: payload.Visuals,
			Usage:   usage,
		}
	}

	return &script.Result{Script: trimmed, Usage: usage}
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
