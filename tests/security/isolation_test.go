//go:build integration

package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/reelscript-ai/reelscript/internal/api"
	"github.com/reelscript-ai/reelscript/internal/auth"
	"github.com/reelscript-ai/reelscript/internal/budget"
	"github.com/reelscript-ai/reelscript/internal/events"
	"github.com/reelscript-ai/reelscript/internal/generation"
	"github.com/reelscript-ai/reelscript/internal/jobs"
	"github.com/reelscript-ai/reelscript/internal/orchestrator"
	"github.com/reelscript-ai/reelscript/internal/plan"
	"github.com/reelscript-ai/reelscript/internal/policy"
	"github.com/reelscript-ai/reelscript/internal/provider/mock"
	pgstore "github.com/reelscript-ai/reelscript/internal/store/postgres"
	"github.com/reelscript-ai/reelscript/internal/subscriber"
)

const secTestSecret = "sec-test-jwt-secret-32-chars-min!!"

type testEnv struct {
	server *httptest.Server
	store  *pgstore.Store
	pool   *pgxpool.Pool
	jwt    *auth.Manager
}

func setupSecurityTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "reelscript_security_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	pgHost, _ := pgContainer.Host(ctx)
	pgPort, _ := pgContainer.MappedPort(ctx, "5432")

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/reelscript_security_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath(t)), dsn)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	t.Cleanup(func() { redisClient.Close() })

	st := pgstore.New(pool)
	gov := budget.New(st, budget.LimitsFromScaling(budget.DefaultBase(), budget.DefaultScaling()), nil)
	orch := orchestrator.New()
	require.NoError(t, orch.Register(mock.New(), 1))
	pol := policy.New(policy.Config{MaxRetries: 1, RetryDelay: 10 * time.Millisecond, Timeout: 5 * time.Second, BackoffMultiplier: 2})
	svc := generation.New(st, gov, orch, pol, nil)
	queue := jobs.NewQueue(redisClient, jobs.QueueConfig{
		Retention:          time.Hour,
		PollInterval:       50 * time.Millisecond,
		DefaultMaxAttempts: 1,
		DefaultBackoff:     50 * time.Millisecond,
	})

	jwtMgr := auth.NewManager(secTestSecret, "reelscript-security-test", time.Hour)

	genHandler := generation.NewHandler(svc, st)
	jobHandler := jobs.NewHandler(queue, pol, 5*time.Second)
	orchHandler := orchestrator.NewHandler(orch)
	eventHandler := events.NewHandler(events.NewRepository(pool))

	router := api.NewRouter(pool, redisClient, api.RouterConfig{}, api.HandlerSet{
		GenerateScript:          genHandler.Generate,
		GenerateScriptAsync:     jobHandler.EnqueueScript,
		GenerateVariations:      genHandler.GenerateVariations,
		GenerateVariationsAsync: jobHandler.EnqueueVariations,
		GetScript:               genHandler.GetScript,
		GetJob:                  jobHandler.GetJob,
		AwaitJob:                jobHandler.AwaitJob,
		GetUsage:                genHandler.GetUsage,
		ProviderHealth:          orchHandler.Health,
		ListEvents:              eventHandler.List,
		AuthMiddleware:          auth.Middleware(jwtMgr),
		ProvidersAvailable:      orch.IsAvailable,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, store: st, pool: pool, jwt: jwtMgr}
}

func migrationsPath(t *testing.T) string {
	t.Helper()
	for _, p := range []string{"../../migrations", "../../../migrations"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	t.Fatal("migrations directory not found")
	return ""
}

func seedSubscriber(t *testing.T, env *testEnv, tier plan.Tier) (*subscriber.Subscriber, string) {
	t.Helper()
	now := time.Now().UTC()
	sub := &subscriber.Subscriber{
		ID:             uuid.New(),
		Plan:           tier,
		TrialStartedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, env.store.PutSubscriber(context.Background(), sub))
	token, err := env.jwt.Issue(sub.ID, sub.Plan)
	require.NoError(t, err)
	return sub, token
}

func doReq(t *testing.T, env *testEnv, method, path string, body any, token string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, env.server.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func parseResp(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func generateBody() map[string]any {
	return map[string]any{
		"product_name":    "SolarShade Window Film",
		"niche":           "home improvement",
		"target_audience": "energy-conscious homeowners",
	}
}

// TestMultiTenantBoundary creates several subscribers with artifacts and
// queued jobs, then has every subscriber probe every other subscriber's
// resources. All cross-tenant reads must come back as not-found so resource
// IDs cannot be confirmed by probing.
func TestMultiTenantBoundary(t *testing.T) {
	env := setupSecurityTestEnv(t)

	type tenant struct {
		token      string
		artifactID string
		jobID      string
	}

	var tenants []tenant
	for i := 0; i < 3; i++ {
		_, token := seedSubscriber(t, env, plan.TierStarter)

		resp := doReq(t, env, "POST", "/api/v1/scripts/generate", generateBody(), token)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		result := parseResp(t, resp)
		artifactID := result["data"].(map[string]any)["artifact"].(map[string]any)["id"].(string)

		resp = doReq(t, env, "POST", "/api/v1/scripts/generate/async", generateBody(), token)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		result = parseResp(t, resp)
		jobID := result["data"].(map[string]any)["job_id"].(string)

		tenants = append(tenants, tenant{token: token, artifactID: artifactID, jobID: jobID})
	}

	t.Run("cross-tenant artifact reads are not found", func(t *testing.T) {
		for i, tn := range tenants {
			for j, other := range tenants {
				if i == j {
					continue
				}
				resp := doReq(t, env, "GET", "/api/v1/scripts/"+other.artifactID, nil, tn.token)
				assert.Equal(t, http.StatusNotFound, resp.StatusCode,
					"tenant %d should not read tenant %d's artifact", i, j)
				resp.Body.Close()
			}
		}
	})

	t.Run("cross-tenant job reads are not found", func(t *testing.T) {
		for i, tn := range tenants {
			for j, other := range tenants {
				if i == j {
					continue
				}
				resp := doReq(t, env, "GET", "/api/v1/jobs/"+other.jobID, nil, tn.token)
				assert.Equal(t, http.StatusNotFound, resp.StatusCode,
					"tenant %d should not read tenant %d's job", i, j)
				resp.Body.Close()

				resp = doReq(t, env, "GET", "/api/v1/jobs/"+other.jobID+"/wait", nil, tn.token)
				assert.Equal(t, http.StatusNotFound, resp.StatusCode,
					"tenant %d should not await tenant %d's job", i, j)
				resp.Body.Close()
			}
		}
	})

	t.Run("own resources stay readable", func(t *testing.T) {
		for _, tn := range tenants {
			resp := doReq(t, env, "GET", "/api/v1/scripts/"+tn.artifactID, nil, tn.token)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			resp.Body.Close()

			resp = doReq(t, env, "GET", "/api/v1/jobs/"+tn.jobID, nil, tn.token)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			resp.Body.Close()
		}
	})

	t.Run("audit trails are scoped to the caller", func(t *testing.T) {
		repo := events.NewRepository(env.pool)
		first, _, err := env.jwt.Verify(tenants[0].token)
		require.NoError(t, err)
		require.NoError(t, repo.Insert(context.Background(),
			events.New(first, events.TypeGenerationCompleted, events.SeverityInfo, "seeded")))

		resp := doReq(t, env, "GET", "/api/v1/events", nil, tenants[0].token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		result := parseResp(t, resp)
		assert.GreaterOrEqual(t, result["total_count"].(float64), float64(1))

		resp = doReq(t, env, "GET", "/api/v1/events", nil, tenants[1].token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		result = parseResp(t, resp)
		assert.Equal(t, float64(0), result["total_count"])
	})
}

// TestTokenForgery exercises the authentication boundary: anything other
// than a fresh token signed with the service secret must be rejected.
func TestTokenForgery(t *testing.T) {
	env := setupSecurityTestEnv(t)
	sub, validToken := seedSubscriber(t, env, plan.TierStarter)

	t.Run("valid token is accepted", func(t *testing.T) {
		resp := doReq(t, env, "GET", "/api/v1/usage", nil, validToken)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("missing token", func(t *testing.T) {
		resp := doReq(t, env, "GET", "/api/v1/usage", nil, "")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("garbage token", func(t *testing.T) {
		resp := doReq(t, env, "GET", "/api/v1/usage", nil, "not.a.jwt")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("token signed with a different secret", func(t *testing.T) {
		foreign := auth.NewManager("attacker-controlled-secret-32ch!!!", "reelscript-security-test", time.Hour)
		forged, err := foreign.Issue(sub.ID, sub.Plan)
		require.NoError(t, err)

		resp := doReq(t, env, "GET", "/api/v1/usage", nil, forged)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("expired token", func(t *testing.T) {
		expiring := auth.NewManager(secTestSecret, "reelscript-security-test", -time.Minute)
		expired, err := expiring.Issue(sub.ID, sub.Plan)
		require.NoError(t, err)

		resp := doReq(t, env, "GET", "/api/v1/usage", nil, expired)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("tampered payload breaks the signature", func(t *testing.T) {
		tampered := []byte(validToken)
		// Flip a character in the claims segment.
		mid := len(tampered) / 2
		if tampered[mid] == 'a' {
			tampered[mid] = 'b'
		} else {
			tampered[mid] = 'a'
		}

		resp := doReq(t, env, "GET", "/api/v1/usage", nil, string(tampered))
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
