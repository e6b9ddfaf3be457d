package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full runtime configuration. Structured sections
// (providers, budget scaling) come from the YAML config file; flat
// settings may additionally be set through .env or the environment,
// which win over the file.
type Config struct {
	Server     ServerConfig
	DB         DBConfig
	Redis      RedisConfig
	NATS       NATSConfig
	JWT        JWTConfig
	Log        LogConfig
	CORS       CORSConfig
	RateLimit  RateLimitConfig
	Generation GenerationConfig
	Budget     BudgetConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Providers  []ProviderConfig
}

type ServerConfig struct {
	Host string
	Port int
	// WriteTimeout must cover a full synchronous generation including
	// retries, so it defaults well above Generation.Timeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	AutoMigrate    bool
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NATSConfig points at the JetStream cluster backing the audit trail.
// An empty URL disables event publishing and persistence entirely.
type NATSConfig struct {
	URL string
}

type JWTConfig struct {
	Secret       string
	Issuer       string
	AccessExpiry time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

// GenerationConfig is the retry/timeout envelope applied to every
// provider attempt.
type GenerationConfig struct {
	MaxRetries        int
	RetryDelay        time.Duration
	Timeout           time.Duration
	BackoffMultiplier float64
}

// BudgetConfig carries the base per-generation envelope plus per-plan
// scaling factors. Per-provider token rates live on ProviderConfig.
type BudgetConfig struct {
	DailyGenerations     int                `koanf:"daily_generations"`
	MonthlyGenerations   int                `koanf:"monthly_generations"`
	InputTokensPerGen    int64              `koanf:"input_tokens_per_generation"`
	OutputTokensPerGen   int64              `koanf:"output_tokens_per_generation"`
	TotalTokensPerGen    int64              `koanf:"total_tokens_per_generation"`
	CostPerGenerationUSD float64            `koanf:"cost_per_generation_usd"`
	DailyTokenBudget     int64              `koanf:"daily_token_budget"`
	MonthlyTokenBudget   int64              `koanf:"monthly_token_budget"`
	DefaultInputRateUSD  float64            `koanf:"default_input_rate_usd"`
	DefaultOutputRateUSD float64            `koanf:"default_output_rate_usd"`
	CleanupInterval      time.Duration      `koanf:"cleanup_interval"`
	Scaling              map[string]float64 `koanf:"scaling"`
}

type QueueConfig struct {
	Retention    time.Duration
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxAttempts  int           `koanf:"max_attempts"`
	Backoff      time.Duration
	AwaitTimeout time.Duration `koanf:"await_timeout"`
}

type WorkerConfig struct {
	Enabled     bool
	Concurrency int
}

// ProviderConfig describes one upstream LLM endpoint. Kind selects the
// adapter implementation; lower Priority is tried first. APIKeyEnv, when
// set, names an environment variable read at startup and wins over the
// literal APIKey so secrets can stay out of the file.
type ProviderConfig struct {
	ID              string  `koanf:"id"`
	Kind            string  `koanf:"kind"`
	Priority        int     `koanf:"priority"`
	Disabled        bool    `koanf:"disabled"`
	BaseURL         string  `koanf:"base_url"`
	APIKey          string  `koanf:"api_key"`
	APIKeyEnv       string  `koanf:"api_key_env"`
	Model           string  `koanf:"model"`
	MaxOutputTokens int64   `koanf:"max_output_tokens"`
	InputRateUSD    float64 `koanf:"input_rate_usd"`
	OutputRateUSD   float64 `koanf:"output_rate_usd"`
	SpeedOptimized  bool    `koanf:"speed_optimized"`
	PremiumQuality  bool    `koanf:"premium_quality"`
}

// Load reads configuration in order of increasing precedence: the YAML
// file (CONFIG_FILE, default config.yaml), a .env file, then the
// process environment. Missing files are not errors.
func Load() (*Config, error) {
	k := koanf.New(".")

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	_ = k.Load(file.Provider(path), yaml.Parser())

	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
			PoolSize: k.Int("redis.pool.size"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		JWT: JWTConfig{
			Secret: k.String("jwt.secret"),
			Issuer: k.String("jwt.issuer"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		RateLimit: RateLimitConfig{
			Enabled:  k.Bool("ratelimit.enabled"),
			Requests: k.Int("ratelimit.requests"),
		},
		Generation: GenerationConfig{
			MaxRetries:        k.Int("generation.max.retries"),
			BackoffMultiplier: k.Float64("generation.backoff.multiplier"),
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: k.Int("worker.concurrency"),
		},
	}

	// AutoMigrate defaults on; only an explicit false disables it.
	cfg.DB.AutoMigrate = !k.Exists("db.auto.migrate") || k.Bool("db.auto.migrate")
	if k.Exists("worker.enabled") {
		cfg.Worker.Enabled = k.Bool("worker.enabled")
	}

	if err := k.Unmarshal("cors", &cfg.CORS); err != nil {
		return nil, fmt.Errorf("parsing cors config: %w", err)
	}
	if err := k.Unmarshal("budget", &cfg.Budget); err != nil {
		return nil, fmt.Errorf("parsing budget config: %w", err)
	}
	if err := k.Unmarshal("queue", &cfg.Queue); err != nil {
		return nil, fmt.Errorf("parsing queue config: %w", err)
	}
	if err := k.Unmarshal("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("parsing providers config: %w", err)
	}

	applyDefaults(cfg)

	durations := []struct {
		key  string
		def  string
		dst  *time.Duration
		name string
	}{
		{"server.read.timeout", "15s", &cfg.Server.ReadTimeout, "server read timeout"},
		{"server.write.timeout", "150s", &cfg.Server.WriteTimeout, "server write timeout"},
		{"server.idle.timeout", "60s", &cfg.Server.IdleTimeout, "server idle timeout"},
		{"jwt.expiry", "1h", &cfg.JWT.AccessExpiry, "jwt expiry"},
		{"ratelimit.window", "1m", &cfg.RateLimit.Window, "rate limit window"},
		{"generation.retry.delay", "1s", &cfg.Generation.RetryDelay, "generation retry delay"},
		{"generation.timeout", "30s", &cfg.Generation.Timeout, "generation timeout"},
	}
	for _, d := range durations {
		raw := k.String(d.key)
		if raw == "" {
			raw = d.def
		}
		v, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "reelscript"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "reelscript"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "reelscript"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 30
	}
	if cfg.Generation.MaxRetries == 0 {
		cfg.Generation.MaxRetries = 3
	}
	if cfg.Generation.BackoffMultiplier == 0 {
		cfg.Generation.BackoffMultiplier = 2
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}

	b := &cfg.Budget
	if b.DailyGenerations == 0 {
		b.DailyGenerations = 10
	}
	if b.MonthlyGenerations == 0 {
		b.MonthlyGenerations = 100
	}
	if b.InputTokensPerGen == 0 {
		b.InputTokensPerGen = 1_000
	}
	if b.OutputTokensPerGen == 0 {
		b.OutputTokensPerGen = 2_000
	}
	if b.TotalTokensPerGen == 0 {
		b.TotalTokensPerGen = 3_000
	}
	if b.CostPerGenerationUSD == 0 {
		b.CostPerGenerationUSD = 0.50
	}
	if b.DailyTokenBudget == 0 {
		b.DailyTokenBudget = 60_000
	}
	if b.MonthlyTokenBudget == 0 {
		b.MonthlyTokenBudget = 1_200_000
	}
	if b.DefaultInputRateUSD == 0 {
		b.DefaultInputRateUSD = 3.0
	}
	if b.DefaultOutputRateUSD == 0 {
		b.DefaultOutputRateUSD = 15.0
	}
	if b.CleanupInterval == 0 {
		b.CleanupInterval = time.Hour
	}
	if len(b.Scaling) == 0 {
		b.Scaling = map[string]float64{
			"trial":   0.8,
			"starter": 1.0,
			"pro":     1.2,
			"agency":  1.5,
		}
	}

	q := &cfg.Queue
	if q.Retention == 0 {
		q.Retention = time.Hour
	}
	if q.PollInterval == 0 {
		q.PollInterval = 250 * time.Millisecond
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = 3
	}
	if q.Backoff == 0 {
		q.Backoff = 5 * time.Second
	}
	if q.AwaitTimeout == 0 {
		q.AwaitTimeout = 2 * time.Minute
	}
}
