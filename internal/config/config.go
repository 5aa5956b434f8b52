// Package config defines the top-level configuration for the price monitor
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by PRICEWATCH_* environment
// variables.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Queue     QueueConfig     `toml:"queue"`
	Engine    EngineConfig    `toml:"engine"`
	Learning  LearningConfig  `toml:"learning"`
	Cooldown  CooldownConfig  `toml:"cooldown"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Proxy     ProxyConfig     `toml:"proxy"`
	Notify    NotifyConfig    `toml:"notify"`
	Seeds     []SeedStrategy  `toml:"seeds"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// SchedulerConfig holds dispatch cadence parameters.
type SchedulerConfig struct {
	TickInterval   duration `toml:"tick_interval"`
	JitterFraction float64  `toml:"jitter_fraction"`
	SuccessFloor   float64  `toml:"success_floor"`
}

// QueueConfig holds parallelism and rate-limit parameters.
type QueueConfig struct {
	MaxPending     int      `toml:"max_pending"`
	MaxConcurrency int      `toml:"max_concurrency"`
	MaxPerDomain   int      `toml:"max_per_domain"`
	RatePerSecond  float64  `toml:"rate_per_second"`
	Burst          int      `toml:"burst"`
	MaxRetries     int      `toml:"max_retries"`
	BackoffBase    duration `toml:"backoff_base"`
	BackoffCap     duration `toml:"backoff_cap"`
}

// EngineConfig holds per-attempt budgets and the browser pool bound.
type EngineConfig struct {
	NavigationTimeout duration `toml:"navigation_timeout"`
	NavigationMax     duration `toml:"navigation_max"`
	ReadyFloor        duration `toml:"ready_floor"`
	AttemptDeadline   duration `toml:"attempt_deadline"`
	MaxBrowsers       int      `toml:"max_browsers"`
	ShutdownGrace     duration `toml:"shutdown_grace"`
}

// LearningConfig holds portfolio evolution parameters.
type LearningConfig struct {
	ReprioritizeEvery   int     `toml:"reprioritize_every"`
	VariantEvery        int     `toml:"variant_every"`
	VariantFanout       int     `toml:"variant_fanout"`
	RetireConfidence    float64 `toml:"retire_confidence"`
	RetireMinAttempts   int     `toml:"retire_min_attempts"`
	ProbationAttempts   int     `toml:"probation_attempts"`
	ProbationConfidence float64 `toml:"probation_confidence"`
}

// CooldownConfig holds the block cooldown policy.
type CooldownConfig struct {
	Base            duration `toml:"base"`
	Max             duration `toml:"max"`
	BlockMultiplier float64  `toml:"block_multiplier"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds parameters for the failed-snapshot archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ProxyConfig holds the static proxy roster and health parameters.
type ProxyConfig struct {
	Endpoints       []string `toml:"endpoints"`
	RefreshInterval duration `toml:"refresh_interval"`
	FailureLimit    int      `toml:"failure_limit"`
}

// NotifyConfig holds alert channel credentials and the price-drop trigger.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	DropThresholdPct  float64  `toml:"drop_threshold_pct"`
}

// SeedStrategy is a static per-domain starter strategy shipped in the config
// file. SelectorJSON carries the kind-specific selector shape.
type SeedStrategy struct {
	Domain       string `toml:"domain"`
	Field        string `toml:"field"`
	Kind         string `toml:"kind"`
	SelectorJSON string `toml:"selector_json"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the documented default values.
func Defaults() Config {
	return Config{
		Scheduler: SchedulerConfig{
			TickInterval:   duration{60 * time.Second},
			JitterFraction: 0.083,
			SuccessFloor:   0.5,
		},
		Queue: QueueConfig{
			MaxPending:     10_000,
			MaxConcurrency: 10,
			MaxPerDomain:   2,
			RatePerSecond:  0.2,
			Burst:          3,
			MaxRetries:     3,
			BackoffBase:    duration{5 * time.Second},
			BackoffCap:     duration{10 * time.Minute},
		},
		Engine: EngineConfig{
			NavigationTimeout: duration{30 * time.Second},
			NavigationMax:     duration{60 * time.Second},
			ReadyFloor:        duration{1500 * time.Millisecond},
			AttemptDeadline:   duration{90 * time.Second},
			MaxBrowsers:       10,
			ShutdownGrace:     duration{60 * time.Second},
		},
		Learning: LearningConfig{
			ReprioritizeEvery:   50,
			VariantEvery:        200,
			VariantFanout:       3,
			RetireConfidence:    0.1,
			RetireMinAttempts:   20,
			ProbationAttempts:   5,
			ProbationConfidence: 0.2,
		},
		Cooldown: CooldownConfig{
			Base:            duration{60 * time.Second},
			Max:             duration{6 * time.Hour},
			BlockMultiplier: 2.0,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pricewatch",
			User:          "pricewatch",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pricewatch-snapshots",
			ForcePathStyle: true,
		},
		Proxy: ProxyConfig{
			RefreshInterval: duration{30 * time.Second},
			FailureLimit:    5,
		},
		Notify: NotifyConfig{
			Events:           []string{"price_drop", "domain_broken", "error"},
			DropThresholdPct: 5.0,
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"once":    true,
	"seed":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found. A validation failure is fatal: the
// process refuses to start.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, once, seed)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Scheduler
	if c.Scheduler.TickInterval.Duration <= 0 {
		errs = append(errs, "scheduler: tick_interval must be positive")
	}
	if c.Scheduler.JitterFraction < 0 || c.Scheduler.JitterFraction >= 1 {
		errs = append(errs, "scheduler: jitter_fraction must be in [0, 1)")
	}
	if c.Scheduler.SuccessFloor <= 0 || c.Scheduler.SuccessFloor > 1 {
		errs = append(errs, "scheduler: success_floor must be in (0, 1]")
	}

	// Queue
	if c.Queue.MaxPending < 1 {
		errs = append(errs, "queue: max_pending must be >= 1")
	}
	if c.Queue.MaxConcurrency < 2 {
		errs = append(errs, "queue: max_concurrency must be >= 2 (one slot is reserved for expensive items)")
	}
	if c.Queue.MaxPerDomain < 1 {
		errs = append(errs, "queue: max_per_domain must be >= 1")
	}
	if c.Queue.RatePerSecond <= 0 {
		errs = append(errs, "queue: rate_per_second must be > 0")
	}
	if c.Queue.Burst < 1 {
		errs = append(errs, "queue: burst must be >= 1")
	}
	if c.Queue.BackoffBase.Duration <= 0 || c.Queue.BackoffCap.Duration < c.Queue.BackoffBase.Duration {
		errs = append(errs, "queue: backoff_cap must be >= backoff_base > 0")
	}

	// Engine
	if c.Engine.NavigationTimeout.Duration <= 0 {
		errs = append(errs, "engine: navigation_timeout must be positive")
	}
	if c.Engine.NavigationMax.Duration < c.Engine.NavigationTimeout.Duration {
		errs = append(errs, "engine: navigation_max must be >= navigation_timeout")
	}
	if c.Engine.AttemptDeadline.Duration <= c.Engine.NavigationTimeout.Duration {
		errs = append(errs, "engine: attempt_deadline must exceed navigation_timeout")
	}
	if c.Engine.MaxBrowsers < 1 {
		errs = append(errs, "engine: max_browsers must be >= 1")
	}

	// Learning
	if c.Learning.ReprioritizeEvery < 1 {
		errs = append(errs, "learning: reprioritize_every must be >= 1")
	}
	if c.Learning.VariantFanout < 1 {
		errs = append(errs, "learning: variant_fanout must be >= 1")
	}
	if c.Learning.RetireConfidence < 0 || c.Learning.RetireConfidence > 1 {
		errs = append(errs, "learning: retire_confidence must be in [0, 1]")
	}

	// Cooldown
	if c.Cooldown.Base.Duration <= 0 || c.Cooldown.Max.Duration < c.Cooldown.Base.Duration {
		errs = append(errs, "cooldown: max must be >= base > 0")
	}
	if c.Cooldown.BlockMultiplier < 1 {
		errs = append(errs, "cooldown: block_multiplier must be >= 1")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
	}

	// Seeds
	for i, seed := range c.Seeds {
		if seed.Domain == "" || seed.Field == "" || seed.Kind == "" {
			errs = append(errs, fmt.Sprintf("seeds[%d]: domain, field, and kind are all required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
