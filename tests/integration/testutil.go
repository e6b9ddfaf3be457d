//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
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

const testJWTSecret = "integration-test-secret-32-chars!!"

// TestEnv is the shared environment for the integration suite: real
// Postgres and Redis in containers, mock providers, and the full HTTP
// stack wired the way main.go wires it.
type TestEnv struct {
	Pool         *pgxpool.Pool
	RedisClient  *redis.Client
	Store        *pgstore.Store
	Governor     *budget.Governor
	Orchestrator *orchestrator.Orchestrator
	Policy       *policy.Policy
	Service      *generation.Service
	Queue        *jobs.Queue
	JWT          *auth.Manager
	Server       *httptest.Server

	Primary  *mock.Adapter
	Fallback *mock.Adapter
}

var env *TestEnv

func TestMain(m *testing.M) {
	e, cleanup, err := newTestEnv(context.Background())
	if err != nil {
		log.Printf("integration env setup: %v", err)
		os.Exit(1)
	}
	env = e

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func newTestEnv(ctx context.Context) (*TestEnv, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// Start PostgreSQL container
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "reelscript_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("starting postgres container: %w", err)
	}
	cleanups = append(cleanups, func() { pgContainer.Terminate(ctx) })

	pgHost, err := pgContainer.Host(ctx)
	if err != nil {
		return nil, cleanup, fmt.Errorf("postgres host: %w", err)
	}
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		return nil, cleanup, fmt.Errorf("postgres port: %w", err)
	}

	// Start Redis container
	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("starting redis container: %w", err)
	}
	cleanups = append(cleanups, func() { redisContainer.Terminate(ctx) })

	redisHost, err := redisContainer.Host(ctx)
	if err != nil {
		return nil, cleanup, fmt.Errorf("redis host: %w", err)
	}
	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return nil, cleanup, fmt.Errorf("redis port: %w", err)
	}

	// Connect and migrate
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/reelscript_test?sslmode=disable", pgHost, pgPort.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, cleanup, fmt.Errorf("connecting to postgres: %w", err)
	}
	cleanups = append(cleanups, pool.Close)

	migrationsPath, err := findMigrationsPath()
	if err != nil {
		return nil, cleanup, err
	}
	mig, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), dsn)
	if err != nil {
		return nil, cleanup, fmt.Errorf("creating migrator: %w", err)
	}
	if err := mig.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, cleanup, fmt.Errorf("running migrations: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port()),
	})
	cleanups = append(cleanups, func() { redisClient.Close() })

	// Wire the stack with two mock providers: primary wins on priority,
	// fallback takes over when primary is disabled or failing.
	st := pgstore.New(pool)
	limits := budget.LimitsFromScaling(budget.DefaultBase(), budget.DefaultScaling())
	rate := budget.Rate{InputPerMTokUSD: 1, OutputPerMTokUSD: 2}
	gov := budget.New(st, limits, map[string]budget.Rate{
		"primary":  rate,
		"fallback": rate,
	})

	primary := mock.New(mock.WithID("primary"))
	fallback := mock.New(mock.WithID("fallback"))
	orch := orchestrator.New()
	if err := orch.Register(primary, 1); err != nil {
		return nil, cleanup, fmt.Errorf("registering primary: %w", err)
	}
	if err := orch.Register(fallback, 2); err != nil {
		return nil, cleanup, fmt.Errorf("registering fallback: %w", err)
	}

	pol := policy.New(policy.Config{
		MaxRetries:        2,
		RetryDelay:        10 * time.Millisecond,
		Timeout:           5 * time.Second,
		BackoffMultiplier: 2,
	})
	svc := generation.New(st, gov, orch, pol, nil)

	queue := jobs.NewQueue(redisClient, jobs.QueueConfig{
		Retention:          time.Hour,
		PollInterval:       20 * time.Millisecond,
		DefaultMaxAttempts: 2,
		DefaultBackoff:     50 * time.Millisecond,
	})
	worker := jobs.NewWorker(queue, 2)
	jobs.RegisterGenerationHandlers(worker, svc)

	workerCtx, stopWorker := context.WithCancel(ctx)
	cleanups = append(cleanups, stopWorker)
	go worker.Start(workerCtx)

	jwtManager := auth.NewManager(testJWTSecret, "reelscript-test", time.Hour)

	genHandler := generation.NewHandler(svc, st)
	jobHandler := jobs.NewHandler(queue, pol, 10*time.Second)
	orchHandler := orchestrator.NewHandler(orch)
	eventHandler := events.NewHandler(events.NewRepository(pool))

	router := api.NewRouter(pool, redisClient, api.RouterConfig{}, api.HandlerSet{
		GenerateScript:          genHandler.Generate,
		GenerateScriptAsync:     jobHandler.EnqueueScript,
		GenerateVariations:      genHandler.GenerateVariations,
		GenerateVariationsAsync: jobHandler.EnqueueVariations,
		GetScript:               genHandler.GetScript,

		GetJob:   jobHandler.GetJob,
		AwaitJob: jobHandler.AwaitJob,

		GetUsage:       genHandler.GetUsage,
		ProviderHealth: orchHandler.Health,

		ListEvents: eventHandler.List,

		AuthMiddleware: auth.Middleware(jwtManager),

		ProvidersAvailable: orch.IsAvailable,
	})

	server := httptest.NewServer(router)
	cleanups = append(cleanups, server.Close)

	return &TestEnv{
		Pool:         pool,
		RedisClient:  redisClient,
		Store:        st,
		Governor:     gov,
		Orchestrator: orch,
		Policy:       pol,
		Service:      svc,
		Queue:        queue,
		JWT:          jwtManager,
		Server:       server,
		Primary:      primary,
		Fallback:     fallback,
	}, cleanup, nil
}

func findMigrationsPath() (string, error) {
	paths := []string{
		"../../migrations",
		"../../../migrations",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found")
}

// Helper functions

// SeedSubscriber inserts a subscriber on the given plan. Pro and agency
// subscribers get the batch generation feature; mutate adjusts anything
// else before the insert.
func SeedSubscriber(t *testing.T, tier plan.Tier, mutate func(*subscriber.Subscriber)) *subscriber.Subscriber {
	t.Helper()

	now := time.Now().UTC()
	sub := &subscriber.Subscriber{
		ID:             uuid.New(),
		Plan:           tier,
		TrialStartedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if tier.AtLeast(plan.TierPro) {
		sub.Features.BatchGeneration = true
	}
	if mutate != nil {
		mutate(sub)
	}

	require.NoError(t, env.Store.PutSubscriber(context.Background(), sub))
	return sub
}

func IssueToken(t *testing.T, sub *subscriber.Subscriber) string {
	t.Helper()
	token, err := env.JWT.Issue(sub.ID, sub.Plan)
	require.NoError(t, err)
	return token
}

func GenerateRequestBody() map[string]any {
	return map[string]any{
		"product_name":    "GlowBrew Cold Brew Maker",
		"niche":           "kitchen gadgets",
		"target_audience": "busy young professionals",
		"platform":        "tiktok",
		"tone":            "playful",
		"length_seconds":  30,
	}
}

func DoRequest(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.Server.URL+path, bodyReader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func ParseResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var result map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}
