//go:build integration

package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelscript-ai/reelscript/internal/plan"
	"github.com/reelscript-ai/reelscript/internal/store"
	"github.com/reelscript-ai/reelscript/internal/subscriber"
)

func TestGenerateScript_TrialIsWatermarked(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierTrial, nil)
	token := IssueToken(t, sub)

	resp := DoRequest(t, "POST", "/api/v1/scripts/generate", GenerateRequestBody(), token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	artifact := data["artifact"].(map[string]any)

	assert.Equal(t, true, artifact["watermarked"])
	assert.Equal(t, "primary", artifact["provider_id"])
	assert.NotEmpty(t, artifact["hook"])
	assert.NotEmpty(t, artifact["script"])
	assert.Equal(t, float64(1), data["attempts"])

	// Trial ceilings: 8/day, 80 lifetime
	assert.Equal(t, float64(7), data["remaining_daily"])
	assert.Equal(t, float64(79), data["remaining_monthly"])
}

func TestGenerateScript_PaidPlanIsNotWatermarked(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierStarter, nil)
	token := IssueToken(t, sub)

	resp := DoRequest(t, "POST", "/api/v1/scripts/generate", GenerateRequestBody(), token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	artifact := data["artifact"].(map[string]any)

	assert.Equal(t, false, artifact["watermarked"])
	assert.Equal(t, float64(9), data["remaining_daily"])
	assert.Equal(t, float64(99), data["remaining_monthly"])
}

func TestGenerateScript_Unauthenticated(t *testing.T) {
	resp := DoRequest(t, "POST", "/api/v1/scripts/generate", GenerateRequestBody(), "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGenerateScript_InvalidRequest(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierStarter, nil)
	token := IssueToken(t, sub)

	body := GenerateRequestBody()
	delete(body, "product_name")
	body["length_seconds"] = 500

	resp := DoRequest(t, "POST", "/api/v1/scripts/generate", body, token)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	result := ParseResponse(t, resp)

	assert.Equal(t, "invalid generation request", result["error"])
	details := result["details"].(map[string]any)
	violations := details["violations"].([]any)
	assert.GreaterOrEqual(t, len(violations), 2)
}

func TestGenerateScript_TrialAllowanceExhausted(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierTrial, func(s *subscriber.Subscriber) {
		s.TrialGenerationsUsed = 80
	})
	token := IssueToken(t, sub)

	resp := DoRequest(t, "POST", "/api/v1/scripts/generate", GenerateRequestBody(), token)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	result := ParseResponse(t, resp)

	assert.Contains(t, result["error"], "Upgrade")
	details := result["details"].(map[string]any)
	assert.Equal(t, "monthly_limit_reached", details["reason"])
	assert.Equal(t, float64(0), details["remaining_monthly"])
}

func TestGenerateScript_DailyLimitDenied(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierStarter, nil)
	token := IssueToken(t, sub)

	// Fill today's window up to the starter ceiling of 10.
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, env.Store.AppendUsage(ctx, store.UsageRecord{
			SubscriberID: sub.ID,
			ProviderID:   "primary",
			Model:        "mock-model",
			InputTokens:  100,
			OutputTokens: 200,
			TotalTokens:  300,
			Success:      true,
		}))
	}

	resp := DoRequest(t, "POST", "/api/v1/scripts/generate", GenerateRequestBody(), token)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	result := ParseResponse(t, resp)

	details := result["details"].(map[string]any)
	assert.Equal(t, "daily_limit_reached", details["reason"])
	assert.Equal(t, float64(0), details["remaining_daily"])
}

func TestGenerateScript_TrialExpired(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierTrial, func(s *subscriber.Subscriber) {
		s.TrialStartedAt = time.Now().UTC().Add(-15 * 24 * time.Hour)
		s.TrialEndsAt = time.Now().UTC().Add(-24 * time.Hour)
	})
	token := IssueToken(t, sub)

	resp := DoRequest(t, "POST", "/api/v1/scripts/generate", GenerateRequestBody(), token)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	result := ParseResponse(t, resp)

	details := result["details"].(map[string]any)
	assert.Equal(t, "trial_expired", details["reason"])
}

func TestGenerateScript_FallsBackWhenPrimaryDisabled(t *testing.T) {
	require.NoError(t, env.Orchestrator.SetEnabled("primary", false))
	defer func() {
		require.NoError(t, env.Orchestrator.SetEnabled("primary", true))
	}()

	sub := SeedSubscriber(t, plan.TierStarter, nil)
	token := IssueToken(t, sub)

	resp := DoRequest(t, "POST", "/api/v1/scripts/generate", GenerateRequestBody(), token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)
	artifact := data["artifact"].(map[string]any)

	assert.Equal(t, "fallback", artifact["provider_id"])
}

func TestGetScript_OwnershipIsolation(t *testing.T) {
	owner := SeedSubscriber(t, plan.TierStarter, nil)
	ownerToken := IssueToken(t, owner)
	other := SeedSubscriber(t, plan.TierStarter, nil)
	otherToken := IssueToken(t, other)

	resp := DoRequest(t, "POST", "/api/v1/scripts/generate", GenerateRequestBody(), ownerToken)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	result := ParseResponse(t, resp)
	artifact := result["data"].(map[string]any)["artifact"].(map[string]any)
	artifactID := artifact["id"].(string)

	// Owner sees it
	resp = DoRequest(t, "GET", "/api/v1/scripts/"+artifactID, nil, ownerToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = ParseResponse(t, resp)
	fetched := result["data"].(map[string]any)
	assert.Equal(t, artifactID, fetched["id"])

	// Another subscriber gets a not-found, not a forbidden
	resp = DoRequest(t, "GET", "/api/v1/scripts/"+artifactID, nil, otherToken)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Garbage ID is a bad request
	resp = DoRequest(t, "GET", "/api/v1/scripts/not-a-uuid", nil, ownerToken)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown but well-formed ID is a not-found
	resp = DoRequest(t, "GET", "/api/v1/scripts/"+uuid.NewString(), nil, ownerToken)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUsageReport(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierStarter, nil)
	token := IssueToken(t, sub)

	for i := 0; i < 2; i++ {
		resp := DoRequest(t, "POST", "/api/v1/scripts/generate", GenerateRequestBody(), token)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := DoRequest(t, "GET", "/api/v1/usage", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)

	assert.Equal(t, "starter", data["plan"])

	daily := data["daily"].(map[string]any)
	assert.Equal(t, float64(2), daily["generations"])
	assert.Equal(t, float64(8), daily["remaining_generations"])
	assert.Equal(t, float64(600), daily["total_tokens"])

	monthly := data["monthly"].(map[string]any)
	assert.Equal(t, float64(2), monthly["generations"])
	assert.Equal(t, float64(98), monthly["remaining_generations"])
	assert.Equal(t, float64(600), monthly["total_tokens"])
}

func TestGenerateVariations_RequiresBatchFeature(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierStarter, nil)
	token := IssueToken(t, sub)

	body := GenerateRequestBody()
	body["count"] = 2

	resp := DoRequest(t, "POST", "/api/v1/scripts/variations", body, token)
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	result := ParseResponse(t, resp)

	details := result["details"].(map[string]any)
	assert.Equal(t, "batch_generation_not_available", details["reason"])
}

func TestGenerateVariations_ClampsToRemainingQuota(t *testing.T) {
	// Pro keeps 120/month; 118 used leaves room for only two of the three.
	sub := SeedSubscriber(t, plan.TierPro, func(s *subscriber.Subscriber) {
		s.MonthlyGenerationCount = 118
	})
	token := IssueToken(t, sub)

	body := GenerateRequestBody()
	body["count"] = 3

	resp := DoRequest(t, "POST", "/api/v1/scripts/variations", body, token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)

	assert.Equal(t, float64(3), data["requested"])
	assert.Equal(t, float64(2), data["produced"])
	assert.Equal(t, float64(0), data["remaining_monthly"])

	artifacts := data["artifacts"].([]any)
	require.Len(t, artifacts, 2)
	for _, a := range artifacts {
		assert.Equal(t, false, a.(map[string]any)["watermarked"])
	}
}

func TestGenerateVariations_ZeroCount(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierPro, nil)
	token := IssueToken(t, sub)

	body := GenerateRequestBody()
	body["count"] = 0

	resp := DoRequest(t, "POST", "/api/v1/scripts/variations", body, token)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProviderHealthReport(t *testing.T) {
	sub := SeedSubscriber(t, plan.TierStarter, nil)
	token := IssueToken(t, sub)

	resp := DoRequest(t, "GET", "/api/v1/providers/health", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := ParseResponse(t, resp)
	data := result["data"].(map[string]any)

	assert.Equal(t, "healthy", data["status"])
	providers := data["providers"].([]any)
	require.Len(t, providers, 2)

	byID := map[string]map[string]any{}
	for _, p := range providers {
		entry := p.(map[string]any)
		byID[entry["id"].(string)] = entry
	}
	require.Contains(t, byID, "primary")
	require.Contains(t, byID, "fallback")
	assert.Equal(t, true, byID["primary"]["enabled"])
	assert.Equal(t, true, byID["primary"]["available"])
}
