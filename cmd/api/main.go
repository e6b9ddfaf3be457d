package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/reelscript-ai/reelscript/internal/api"
	"github.com/reelscript-ai/reelscript/internal/auth"
	"github.com/reelscript-ai/reelscript/internal/budget"
	"github.com/reelscript-ai/reelscript/internal/config"
	"github.com/reelscript-ai/reelscript/internal/database"
	"github.com/reelscript-ai/reelscript/internal/events"
	"github.com/reelscript-ai/reelscript/internal/generation"
	"github.com/reelscript-ai/reelscript/internal/jobs"
	"github.com/reelscript-ai/reelscript/internal/middleware"
	"github.com/reelscript-ai/reelscript/internal/orchestrator"
	"github.com/reelscript-ai/reelscript/internal/policy"
	"github.com/reelscript-ai/reelscript/internal/provider"
	"github.com/reelscript-ai/reelscript/internal/provider/anthropic"
	"github.com/reelscript-ai/reelscript/internal/provider/mock"
	"github.com/reelscript-ai/reelscript/internal/provider/openai"
	iredis "github.com/reelscript-ai/reelscript/internal/redis"
	"github.com/reelscript-ai/reelscript/internal/server"
	pgstore "github.com/reelscript-ai/reelscript/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.DB.AutoMigrate {
		if err := database.RunMigrations(cfg.DB); err != nil {
			slog.Error("running migrations", "error", err)
			os.Exit(1)
		}
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS audit trail. Optional: without a URL events are dropped and
	// only quota enforcement remains.
	eventRepo := events.NewRepository(pool)
	var pub events.Publisher = events.NopPublisher{}
	var natsHealthy func() bool
	if cfg.NATS.URL != "" {
		natsClient, err := events.NewClient(ctx, cfg.NATS.URL)
		if err != nil {
			slog.Error("connecting to nats", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		pub = events.NewJetStreamPublisher(natsClient.JetStream())
		natsHealthy = natsClient.Healthy

		consumer := events.NewConsumer(eventRepo, natsClient.JetStream())
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("audit consumer stopped", "error", err)
			}
		}()
	}

	// Budget governor
	st := pgstore.New(pool)
	limits := budget.LimitsFromScaling(baseLimits(cfg.Budget), cfg.Budget.Scaling)
	gov := budget.New(st, limits, providerRates(cfg.Providers),
		budget.WithDefaultRate(budget.Rate{
			InputPerMTokUSD:  cfg.Budget.DefaultInputRateUSD,
			OutputPerMTokUSD: cfg.Budget.DefaultOutputRateUSD,
		}))

	// Provider fleet
	orch := orchestrator.New()
	for _, pc := range cfg.Providers {
		adapter, err := buildAdapter(pc)
		if err != nil {
			slog.Error("building provider adapter", "provider", pc.ID, "error", err)
			os.Exit(1)
		}
		if err := orch.Register(adapter, pc.Priority); err != nil {
			slog.Error("registering provider", "provider", pc.ID, "error", err)
			os.Exit(1)
		}
		if pc.Disabled {
			if err := orch.SetEnabled(pc.ID, false); err != nil {
				slog.Error("disabling provider", "provider", pc.ID, "error", err)
				os.Exit(1)
			}
		}
	}

	// Generation service
	pol := policy.New(policy.Config{
		MaxRetries:        cfg.Generation.MaxRetries,
		RetryDelay:        cfg.Generation.RetryDelay,
		Timeout:           cfg.Generation.Timeout,
		BackoffMultiplier: cfg.Generation.BackoffMultiplier,
	})
	svc := generation.New(st, gov, orch, pol, pub)

	// Job queue and worker
	queue := jobs.NewQueue(redisClient, jobs.QueueConfig{
		Retention:          cfg.Queue.Retention,
		PollInterval:       cfg.Queue.PollInterval,
		DefaultMaxAttempts: cfg.Queue.MaxAttempts,
		DefaultBackoff:     cfg.Queue.Backoff,
	})
	if cfg.Worker.Enabled {
		worker := jobs.NewWorker(queue, cfg.Worker.Concurrency)
		jobs.RegisterGenerationHandlers(worker, svc)
		go func() {
			if err := worker.Start(ctx); err != nil {
				slog.Error("worker stopped", "error", err)
			}
		}()
	}

	// Usage retention sweep
	go func() {
		ticker := time.NewTicker(cfg.Budget.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruned, err := gov.Cleanup(ctx)
				if err != nil {
					slog.Error("pruning usage records", "error", err)
					continue
				}
				if pruned > 0 {
					slog.Info("pruned usage records", "count", pruned)
				}
			}
		}
	}()

	// Auth
	jwtManager := auth.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)

	// Handlers
	genHandler := generation.NewHandler(svc, st)
	jobHandler := jobs.NewHandler(queue, pol, cfg.Queue.AwaitTimeout)
	orchHandler := orchestrator.NewHandler(orch)
	eventHandler := events.NewHandler(eventRepo)

	// Generation endpoints are limited per subscriber once the auth
	// middleware has run; unauthenticated probes fall back to client IP.
	var generateLimiter func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		generateLimiter = middleware.NewRateLimiter(redisClient, "generate",
			cfg.RateLimit.Requests, int(cfg.RateLimit.Window.Seconds()),
			func(r *http.Request) string {
				if id, ok := auth.SubscriberID(r.Context()); ok {
					return id.String()
				}
				return middleware.ClientIP(r)
			})
	}

	// Router
	router := api.NewRouter(pool, redisClient, api.RouterConfig{
		CORSAllowedOrigins:  cfg.CORS.AllowedOrigins,
		GenerateRateLimiter: generateLimiter,
	}, api.HandlerSet{
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

		NATSHealthy:        natsHealthy,
		ProvidersAvailable: orch.IsAvailable,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// baseLimits translates the flat config section into the governor's base
// envelope; per-tier tables come from scaling it.
func baseLimits(b config.BudgetConfig) budget.Limits {
	return budget.Limits{
		DailyGenerations:   b.DailyGenerations,
		MonthlyGenerations: b.MonthlyGenerations,
		PerGeneration: budget.TokenAllocation{
			InputLimit:   b.InputTokensPerGen,
			OutputLimit:  b.OutputTokensPerGen,
			TotalLimit:   b.TotalTokensPerGen,
			CostLimitUSD: b.CostPerGenerationUSD,
		},
		DailyTokenBudget:   b.DailyTokenBudget,
		MonthlyTokenBudget: b.MonthlyTokenBudget,
	}
}

func providerRates(pcs []config.ProviderConfig) map[string]budget.Rate {
	rates := make(map[string]budget.Rate, len(pcs))
	for _, pc := range pcs {
		if pc.InputRateUSD == 0 && pc.OutputRateUSD == 0 {
			continue
		}
		rates[pc.ID] = budget.Rate{
			InputPerMTokUSD:  pc.InputRateUSD,
			OutputPerMTokUSD: pc.OutputRateUSD,
		}
	}
	return rates
}

func buildAdapter(pc config.ProviderConfig) (provider.Adapter, error) {
	apiKey := pc.APIKey
	if pc.APIKeyEnv != "" {
		if v := os.Getenv(pc.APIKeyEnv); v != "" {
			apiKey = v
		}
	}

	switch pc.Kind {
	case "openai":
		return openai.New(pc.ID, openai.Config{
			BaseURL:           pc.BaseURL,
			APIKey:            apiKey,
			Model:             pc.Model,
			MaxTokens:         pc.MaxOutputTokens,
			CostPerMInputUSD:  pc.InputRateUSD,
			CostPerMOutputUSD: pc.OutputRateUSD,
			SpeedOptimized:    pc.SpeedOptimized,
			PremiumQuality:    pc.PremiumQuality,
		}), nil
	case "anthropic":
		return anthropic.New(pc.ID, anthropic.Config{
			BaseURL:           pc.BaseURL,
			APIKey:            apiKey,
			Model:             pc.Model,
			MaxTokens:         pc.MaxOutputTokens,
			CostPerMInputUSD:  pc.InputRateUSD,
			CostPerMOutputUSD: pc.OutputRateUSD,
			SpeedOptimized:    pc.SpeedOptimized,
			PremiumQuality:    pc.PremiumQuality,
		}), nil
	case "mock":
		return mock.New(mock.WithID(pc.ID)), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
