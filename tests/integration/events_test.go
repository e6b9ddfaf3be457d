//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/reelscript-ai/reelscript/internal/events"
	"github.com/reelscript-ai/reelscript/internal/generation"
	"github.com/reelscript-ai/reelscript/internal/plan"
	"github.com/reelscript-ai/reelscript/internal/subscriber"
)

func setupNATSClient(t *testing.T) *events.Client {
	t.Helper()
	ctx := context.Background()

	natsContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"--jetstream", "--store_dir", "/data"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { natsContainer.Terminate(ctx) })

	host, err := natsContainer.Host(ctx)
	require.NoError(t, err)
	port, err := natsContainer.MappedPort(ctx, "4222")
	require.NoError(t, err)

	client, err := events.NewClient(ctx, fmt.Sprintf("nats://%s:%s", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

// TestAuditTrail_EndToEnd runs the full pipeline: generation outcomes are
// published to JetStream, the consumer persists them, and the events API
// serves them back to the subscriber who caused them.
func TestAuditTrail_EndToEnd(t *testing.T) {
	client := setupNATSClient(t)
	assert.True(t, client.Healthy())

	repo := events.NewRepository(env.Pool)
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	t.Cleanup(stopConsumer)
	consumer := events.NewConsumer(repo, client.JetStream())
	go consumer.Start(consumerCtx)

	// Same stack as the shared env, with JetStream publishing enabled.
	pub := events.NewJetStreamPublisher(client.JetStream())
	svc := generation.New(env.Store, env.Governor, env.Orchestrator, env.Policy, pub)

	ctx := context.Background()
	sub := SeedSubscriber(t, plan.TierTrial, nil)
	exhausted := SeedSubscriber(t, plan.TierTrial, func(s *subscriber.Subscriber) {
		s.TrialGenerationsUsed = 80
	})

	out, err := svc.Generate(ctx, sub.ID, requestFixture())
	require.NoError(t, err)

	_, err = svc.Generate(ctx, exhausted.ID, requestFixture())
	var ent *generation.EntitlementError
	require.ErrorAs(t, err, &ent)

	// The trail is asynchronous; poll until the consumer has persisted it.
	var completed []events.Event
	require.Eventually(t, func() bool {
		evs, _, err := repo.ListBySubscriber(ctx, sub.ID, events.DefaultListParams())
		if err != nil || len(evs) == 0 {
			return false
		}
		completed = evs
		return true
	}, 10*time.Second, 100*time.Millisecond, "completed event never persisted")

	require.Len(t, completed, 1)
	assert.Equal(t, events.TypeGenerationCompleted, completed[0].Type)
	assert.Equal(t, events.SeverityInfo, completed[0].Severity)
	assert.Equal(t, out.Artifact.ID.String(), completed[0].Detail)

	var denied []events.Event
	require.Eventually(t, func() bool {
		evs, _, err := repo.ListBySubscriber(ctx, exhausted.ID, events.DefaultListParams())
		if err != nil || len(evs) == 0 {
			return false
		}
		denied = evs
		return true
	}, 10*time.Second, 100*time.Millisecond, "denial event never persisted")

	require.Len(t, denied, 1)
	assert.Equal(t, events.TypeQuotaDenied, denied[0].Type)
	assert.Equal(t, events.SeverityWarn, denied[0].Severity)
	assert.Equal(t, "monthly_limit_reached", denied[0].Detail)

	// The persisted trail is visible through the HTTP API.
	token := IssueToken(t, sub)
	resp := DoRequest(t, "GET", "/api/v1/events", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := ParseResponse(t, resp)

	assert.Equal(t, float64(1), result["total_count"])
	list := result["data"].([]any)
	require.Len(t, list, 1)
	entry := list[0].(map[string]any)
	assert.Equal(t, events.TypeGenerationCompleted, entry["type"])

	// Filters narrow the trail; a non-matching type filter excludes it.
	resp = DoRequest(t, "GET", "/api/v1/events?type=quota.denied", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = ParseResponse(t, resp)
	assert.Equal(t, float64(0), result["total_count"])

	// Subscribers never see each other's trails.
	otherToken := IssueToken(t, exhausted)
	resp = DoRequest(t, "GET", "/api/v1/events", nil, otherToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result = ParseResponse(t, resp)
	assert.Equal(t, float64(1), result["total_count"])
	entry = result["data"].([]any)[0].(map[string]any)
	assert.Equal(t, events.TypeQuotaDenied, entry["type"])
}
