package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PRICEWATCH_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PRICEWATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Scheduler ──
	setDuration(&cfg.Scheduler.TickInterval, "PRICEWATCH_SCHEDULER_TICK_INTERVAL")
	setFloat64(&cfg.Scheduler.JitterFraction, "PRICEWATCH_SCHEDULER_JITTER_FRACTION")
	setFloat64(&cfg.Scheduler.SuccessFloor, "PRICEWATCH_SCHEDULER_SUCCESS_FLOOR")

	// ── Queue ──
	setInt(&cfg.Queue.MaxPending, "PRICEWATCH_QUEUE_MAX_PENDING")
	setInt(&cfg.Queue.MaxConcurrency, "PRICEWATCH_QUEUE_MAX_CONCURRENCY")
	setInt(&cfg.Queue.MaxPerDomain, "PRICEWATCH_QUEUE_MAX_PER_DOMAIN")
	setFloat64(&cfg.Queue.RatePerSecond, "PRICEWATCH_QUEUE_RATE_PER_SECOND")
	setInt(&cfg.Queue.Burst, "PRICEWATCH_QUEUE_BURST")
	setInt(&cfg.Queue.MaxRetries, "PRICEWATCH_QUEUE_MAX_RETRIES")
	setDuration(&cfg.Queue.BackoffBase, "PRICEWATCH_QUEUE_BACKOFF_BASE")
	setDuration(&cfg.Queue.BackoffCap, "PRICEWATCH_QUEUE_BACKOFF_CAP")

	// ── Engine ──
	setDuration(&cfg.Engine.NavigationTimeout, "PRICEWATCH_ENGINE_NAVIGATION_TIMEOUT")
	setDuration(&cfg.Engine.NavigationMax, "PRICEWATCH_ENGINE_NAVIGATION_MAX")
	setDuration(&cfg.Engine.AttemptDeadline, "PRICEWATCH_ENGINE_ATTEMPT_DEADLINE")
	setInt(&cfg.Engine.MaxBrowsers, "PRICEWATCH_ENGINE_MAX_BROWSERS")
	setDuration(&cfg.Engine.ShutdownGrace, "PRICEWATCH_ENGINE_SHUTDOWN_GRACE")

	// ── Learning ──
	setInt(&cfg.Learning.ReprioritizeEvery, "PRICEWATCH_LEARNING_REPRIORITIZE_EVERY")
	setInt(&cfg.Learning.VariantEvery, "PRICEWATCH_LEARNING_VARIANT_EVERY")
	setInt(&cfg.Learning.VariantFanout, "PRICEWATCH_LEARNING_VARIANT_FANOUT")
	setFloat64(&cfg.Learning.RetireConfidence, "PRICEWATCH_LEARNING_RETIRE_CONFIDENCE")
	setInt(&cfg.Learning.RetireMinAttempts, "PRICEWATCH_LEARNING_RETIRE_MIN_ATTEMPTS")

	// ── Cooldown ──
	setDuration(&cfg.Cooldown.Base, "PRICEWATCH_COOLDOWN_BASE")
	setDuration(&cfg.Cooldown.Max, "PRICEWATCH_COOLDOWN_MAX")
	setFloat64(&cfg.Cooldown.BlockMultiplier, "PRICEWATCH_COOLDOWN_BLOCK_MULTIPLIER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PRICEWATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "PRICEWATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PRICEWATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PRICEWATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PRICEWATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PRICEWATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PRICEWATCH_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PRICEWATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PRICEWATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PRICEWATCH_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PRICEWATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PRICEWATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PRICEWATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PRICEWATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PRICEWATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PRICEWATCH_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PRICEWATCH_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PRICEWATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PRICEWATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "PRICEWATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PRICEWATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PRICEWATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PRICEWATCH_S3_FORCE_PATH_STYLE")

	// ── Proxy ──
	setStringSlice(&cfg.Proxy.Endpoints, "PRICEWATCH_PROXY_ENDPOINTS")
	setDuration(&cfg.Proxy.RefreshInterval, "PRICEWATCH_PROXY_REFRESH_INTERVAL")
	setInt(&cfg.Proxy.FailureLimit, "PRICEWATCH_PROXY_FAILURE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PRICEWATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PRICEWATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PRICEWATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PRICEWATCH_NOTIFY_EVENTS")
	setFloat64(&cfg.Notify.DropThresholdPct, "PRICEWATCH_NOTIFY_DROP_THRESHOLD_PCT")

	// ── Top-level ──
	setStr(&cfg.Mode, "PRICEWATCH_MODE")
	setStr(&cfg.LogLevel, "PRICEWATCH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
