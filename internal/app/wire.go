package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/cache/redis"
	"github.com/bobjiang/bitcoindca-sub000/internal/config"
	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
	"github.com/bobjiang/bitcoindca-sub000/internal/executor"
	"github.com/bobjiang/bitcoindca-sub000/internal/fee"
	"github.com/bobjiang/bitcoindca-sub000/internal/feed"
	"github.com/bobjiang/bitcoindca-sub000/internal/guard"
	"github.com/bobjiang/bitcoindca-sub000/internal/notify"
	"github.com/bobjiang/bitcoindca-sub000/internal/service"
	"github.com/bobjiang/bitcoindca-sub000/internal/store/postgres"
	"github.com/bobjiang/bitcoindca-sub000/internal/venue"
)

// Dependencies bundles every domain-level dependency the application modes
// need. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Stores
	PositionStore  domain.PositionStore
	LedgerStore    domain.LedgerStore
	ExecutionStore domain.ExecutionStore

	// Caches and coordination
	PriceCache  domain.PriceCache
	Oracle      domain.Oracle
	GasOracle   domain.GasOracle
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Engine
	Positions    *service.PositionService
	Prices       *service.PriceService
	Orchestrator *executor.Orchestrator
	Scheduler    *executor.Scheduler

	// Feed
	OracleFeed *feed.OracleWSFeed

	// Notifications
	Notifier *notify.Notifier
	Alerts   *notify.ExecutionAlerts
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that must
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

	positionStore := postgres.NewPositionStore(pgClient.Pool())
	deps.PositionStore = positionStore
	deps.LedgerStore = positionStore
	deps.ExecutionStore = postgres.NewExecutionStore(pgClient.Pool())

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

	priceCache := redis.NewPriceCache(redisClient)
	deps.PriceCache = priceCache
	deps.Oracle = priceCache
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Gas oracle (optional) ---
	if cfg.Eth.RPCURL != "" {
		gas, err := feed.DialGasOracle(ctx, cfg.Eth.RPCURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: gas oracle: %w", err)
		}
		closers = append(closers, gas.Close)
		deps.GasOracle = gas
	}

	// --- Oracle price feed ---
	deps.OracleFeed = feed.NewOracleWSFeed(cfg.Oracle.WSURL, cfg.Oracle.Pairs, priceCache, logger)
	closers = append(closers, deps.OracleFeed.Close)

	// --- Fee engine ---
	tiers := make([]fee.Tier, 0, len(cfg.Fees.Tiers))
	for _, t := range cfg.Fees.Tiers {
		tiers = append(tiers, fee.Tier{
			MinNotional: decimal.NewFromFloat(t.MinNotional),
			Bps:         t.Bps,
		})
	}
	fees, err := fee.NewEngine(fee.Config{
		Tiers:             tiers,
		FixedExecutionFee: decimal.NewFromFloat(cfg.Fees.FixedExecutionFee),
		GasPremiumBps:     cfg.Fees.GasPremiumBps,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: fees: %w", err)
	}

	// --- Guards ---
	guards := guard.NewPipeline(guard.Config{
		MaxOracleStaleness: cfg.Guards.MaxOracleStaleness.Duration,
		MinTWAPWindow:      cfg.Guards.MinTWAPWindow.Duration,
		DepegThresholdBps:  cfg.Guards.DepegThresholdBps,
	})

	// --- Venues ---
	registry := venue.NewRegistry()
	for _, adapter := range venue.SimAdapters(priceCache) {
		registry.Register(adapter)
	}
	router := venue.NewRouter(registry, venue.RouterConfig{
		LargeOrderThreshold: decimal.NewFromFloat(cfg.Router.LargeOrderThreshold),
	}, logger)

	// --- Services ---
	deps.Positions = service.NewPositionService(
		positionStore,
		priceCache,
		deps.SignalBus,
		service.NewKeyedLock(),
		service.PositionConfig{
			MaxPositions:   int64(cfg.Positions.MaxPositions),
			MaxPerOwner:    int64(cfg.Positions.MaxPerOwner),
			MinNotional:    decimal.NewFromFloat(cfg.Positions.MinNotional),
			EmergencyDelay: cfg.Positions.EmergencyDelay.Duration,
		},
		logger,
	)
	deps.Prices = service.NewPriceService(priceCache, deps.GasOracle, logger)

	// --- Orchestrator and scheduler ---
	deps.Orchestrator = executor.New(
		deps.Positions,
		deps.Prices,
		guards,
		router,
		fees,
		deps.ExecutionStore,
		deps.SignalBus,
		deps.LockManager,
		executor.Config{
			MaxBatchSize: cfg.Orchestrator.MaxBatchSize,
			Parallelism:  cfg.Orchestrator.Parallelism,
			VenueTimeout: cfg.Orchestrator.VenueTimeout.Duration,
			LockTTL:      cfg.Orchestrator.LockTTL.Duration,
		},
		logger,
	)
	deps.Scheduler = executor.NewScheduler(positionStore, deps.Orchestrator, executor.SchedulerConfig{
		PollInterval: cfg.Scheduler.PollInterval.Duration,
		BatchLimit:   cfg.Scheduler.BatchLimit,
	}, logger)

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
	if len(senders) > 0 {
		deps.Alerts = notify.NewExecutionAlerts(deps.SignalBus, deps.Notifier, logger)
	}

	return deps, cleanup, nil
}
