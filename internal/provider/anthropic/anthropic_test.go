package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelscript-ai/reelscript/internal/provider"
	"github.com/reelscript-ai/reelscript/internal/script"
)

var testReq = script.Request{
	ProductName:    "Desk Riser",
	Niche:          "home office",
	TargetAudience: "remote workers",
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("anthropic", Config{
		BaseURL: srv.URL,
		APIKey:  "sk-ant-test",
		Model:   "claude-haiku",
	})
}

func TestGenerateSuccess(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))

		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotZero(t, req.MaxTokens)
		assert.NotEmpty(t, req.System)
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "Desk Riser")

		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_1",
			"model": "claude-haiku",
			"content": []map[string]any{
				{"type": "text", "text": `{"hook":"Your back hurts.","script":"Fix it.","visuals":["desk shot"]}`},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 90, "output_tokens": 180},
		})
	})

	res, err := a.Generate(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, "Your back hurts.", res.Hook)
	assert.Equal(t, int64(270), res.Usage.TotalTokens)

	m := a.LastMetrics()
	require.NotNil(t, m)
	assert.True(t, m.Success)
	assert.Equal(t, int64(90), m.Usage.InputTokens)
}

func TestGenerateErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   provider.Code
	}{
		{"invalid request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"bad field"}}`, provider.CodeInvalidRequest},
		{"out of credit", http.StatusBadRequest, `{"error":{"message":"Your credit balance is too low"}}`, provider.CodeQuotaExceeded},
		{"bad key", http.StatusUnauthorized, `{}`, provider.CodeAuthentication},
		{"rate limited", http.StatusTooManyRequests, `{}`, provider.CodeRateLimited},
		{"overloaded", 529, `{"error":{"type":"overloaded_error"}}`, provider.CodeUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})

			_, err := a.Generate(context.Background(), testReq)
			require.Error(t, err)
			assert.Equal(t, tc.want, provider.CodeOf(err))

			m := a.LastMetrics()
			require.NotNil(t, m)
			assert.False(t, m.Success)
			assert.Positive(t, m.Usage.TotalTokens)
		})
	}
}

func TestFlattenMultipleTextBlocks(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_2",
			"model": "claude-haiku",
			"content": []map[string]any{
				{"type": "text", "text": "part one. "},
				{"type": "text", "text": "part two."},
			},
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 20},
		})
	})

	res, err := a.Generate(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, "part one. part two.", res.Script)
}
