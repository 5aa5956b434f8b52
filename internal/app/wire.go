package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "pricewatch/internal/blob/s3"
	"pricewatch/internal/browser"
	"pricewatch/internal/cache/redis"
	"pricewatch/internal/config"
	"pricewatch/internal/domain"
	"pricewatch/internal/engine"
	"pricewatch/internal/evaluator"
	"pricewatch/internal/learning"
	"pricewatch/internal/notify"
	"pricewatch/internal/proxy"
	"pricewatch/internal/queue"
	"pricewatch/internal/scheduler"
	"pricewatch/internal/store/postgres"
)

// Dependencies bundles everything the operating modes need. It is constructed
// by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	URLStore      *postgres.URLStore
	StrategyStore domain.StrategyStore
	RecordStore   *postgres.RecordStore
	AttemptStore  *postgres.AttemptStore

	// Caches
	PriceCache domain.PriceCache
	Dedup      domain.DedupIndex

	// Core components
	Queue     *queue.Queue
	Scheduler *scheduler.Scheduler
	Engine    *engine.Engine
	Learning  *learning.Manager
	Cooldowns *learning.CooldownTracker
	Proxies   *proxy.Pool // nil when no endpoints configured

	// Notifications
	Notifier *notify.Notifier
	Alerter  *notify.Alerter
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.URLStore = postgres.NewURLStore(pool)
	deps.StrategyStore = postgres.NewStrategyStore(pool)
	deps.RecordStore = postgres.NewRecordStore(pool)
	deps.AttemptStore = postgres.NewAttemptStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.Dedup = redis.NewDedupIndex(redisClient)
	stateStore := redis.NewDomainStateStore(redisClient)

	// --- S3 snapshot archive (optional) ---
	var archive domain.SnapshotArchive
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         true,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		archive = s3blob.NewSnapshotArchiver(s3Client, "snapshots")
	}

	// --- Proxy roster (optional) ---
	if len(cfg.Proxy.Endpoints) > 0 {
		proxyPool, err := proxy.New(
			cfg.Proxy.Endpoints,
			cfg.Proxy.FailureLimit,
			cfg.Proxy.RefreshInterval.Duration,
			logger,
		)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: proxy: %w", err)
		}
		deps.Proxies = proxyPool
	}

	// --- Learning layer ---
	seeds := learning.GenericSeeds()
	perDomain := make(map[string]int)
	for i, s := range cfg.Seeds {
		seed, err := learning.ParseSeed(
			s.Domain,
			domain.Field(s.Field),
			domain.Kind(s.Kind),
			s.SelectorJSON,
			perDomain[s.Domain],
		)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: seeds[%d]: %w", i, err)
		}
		perDomain[s.Domain]++
		seeds = append(seeds, seed)
	}

	deps.Learning = learning.NewManager(deps.StrategyStore, deps.Dedup, seeds, learning.Config{
		ReprioritizeEvery:   cfg.Learning.ReprioritizeEvery,
		VariantEvery:        cfg.Learning.VariantEvery,
		VariantFanout:       cfg.Learning.VariantFanout,
		RetireConfidence:    cfg.Learning.RetireConfidence,
		RetireMinAttempts:   cfg.Learning.RetireMinAttempts,
		ProbationAttempts:   cfg.Learning.ProbationAttempts,
		ProbationConfidence: cfg.Learning.ProbationConfidence,
	}, logger)

	cooldowns, err := learning.NewCooldownTracker(ctx, stateStore, domain.CooldownPolicy{
		Base:       cfg.Cooldown.Base.Duration,
		Max:        cfg.Cooldown.Max.Duration,
		Multiplier: cfg.Cooldown.BlockMultiplier,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: cooldown tracker: %w", err)
	}
	deps.Cooldowns = cooldowns

	// --- Queue, scheduler, engine ---
	deps.Queue = queue.New(queue.Config{
		MaxPending:     cfg.Queue.MaxPending,
		MaxConcurrency: cfg.Queue.MaxConcurrency,
		MaxPerDomain:   cfg.Queue.MaxPerDomain,
		RatePerSecond:  cfg.Queue.RatePerSecond,
		Burst:          cfg.Queue.Burst,
		MaxRetries:     cfg.Queue.MaxRetries,
		BackoffBase:    cfg.Queue.BackoffBase.Duration,
		BackoffCap:     cfg.Queue.BackoffCap.Duration,
		Cooldowns:      cooldowns,
	}, logger)

	deps.Scheduler = scheduler.New(deps.URLStore, deps.Queue, cooldowns, scheduler.Config{
		TickInterval:   cfg.Scheduler.TickInterval.Duration,
		JitterFraction: cfg.Scheduler.JitterFraction,
		SuccessFloor:   cfg.Scheduler.SuccessFloor,
	}, logger)

	browserPool := browser.NewPool(cfg.Engine.MaxBrowsers, logger)

	// domain.ProxyPool is an interface; pass an untyped nil when no roster is
	// configured so the engine's nil check works.
	var engineProxies domain.ProxyPool
	if deps.Proxies != nil {
		engineProxies = deps.Proxies
	}

	deps.Engine = engine.New(
		browserPool,
		engineProxies,
		browser.NewFingerprints(),
		deps.Learning,
		evaluator.New(logger),
		archive,
		engine.Config{
			NavigationTimeout: cfg.Engine.NavigationTimeout.Duration,
			NavigationMax:     cfg.Engine.NavigationMax.Duration,
			ReadyFloor:        cfg.Engine.ReadyFloor.Duration,
			AttemptDeadline:   cfg.Engine.AttemptDeadline.Duration,
		},
		logger,
	)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Alerter = notify.NewAlerter(deps.PriceCache, deps.Notifier, cfg.Notify.DropThresholdPct, logger)

	return deps, cleanup, nil
}
