package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var providerKinds = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	if len(c.JWT.Secret) < 32 {
		errs = append(errs, "JWT_SECRET must be at least 32 characters")
	}

	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	if c.Server.WriteTimeout <= c.Generation.Timeout {
		errs = append(errs, fmt.Sprintf("server write timeout (%s) must exceed the generation timeout (%s) or synchronous requests get cut off mid-retry", c.Server.WriteTimeout, c.Generation.Timeout))
	}

	if c.Generation.MaxRetries < 0 {
		errs = append(errs, "generation max retries must not be negative")
	}
	if c.Generation.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("generation backoff multiplier must be at least 1, got %g", c.Generation.BackoffMultiplier))
	}

	if c.RateLimit.Enabled && c.RateLimit.Window <= 0 {
		errs = append(errs, "rate limit window must be positive")
	}

	errs = append(errs, c.validateProviders()...)
	errs = append(errs, c.validateBudget()...)

	// Missing NATS degrades to no audit trail rather than failing startup.
	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty, generation events will not be recorded")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) validateProviders() []string {
	var errs []string

	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Sprintf("providers[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if !providerKinds[p.Kind] {
			errs = append(errs, fmt.Sprintf("provider %s: unknown kind %q", p.ID, p.Kind))
		}
		if p.Priority < 1 {
			errs = append(errs, fmt.Sprintf("provider %s: priority must be at least 1, got %d", p.ID, p.Priority))
		}
		if p.Kind != "mock" && p.APIKey == "" && p.APIKeyEnv == "" {
			errs = append(errs, fmt.Sprintf("provider %s: api_key or api_key_env is required", p.ID))
		}
		if p.InputRateUSD < 0 || p.OutputRateUSD < 0 {
			errs = append(errs, fmt.Sprintf("provider %s: token rates must not be negative", p.ID))
		}
	}

	return errs
}

func (c *Config) validateBudget() []string {
	var errs []string

	for tier, factor := range c.Budget.Scaling {
		if factor <= 0 {
			errs = append(errs, fmt.Sprintf("budget scaling for plan %q must be positive, got %g", tier, factor))
		}
	}
	if c.Budget.CostPerGenerationUSD < 0 {
		errs = append(errs, "budget cost per generation must not be negative")
	}
	if c.Budget.DailyTokenBudget > c.Budget.MonthlyTokenBudget {
		errs = append(errs, "budget daily token budget must not exceed the monthly token budget")
	}

	return errs
}
