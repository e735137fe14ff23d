package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/thrillee/smsrouter/internal/api"
	"github.com/thrillee/smsrouter/internal/app"
	"github.com/thrillee/smsrouter/internal/auth"
	"github.com/thrillee/smsrouter/internal/backend"
	"github.com/thrillee/smsrouter/internal/config"
	"github.com/thrillee/smsrouter/internal/delivery"
	"github.com/thrillee/smsrouter/internal/lock"
	"github.com/thrillee/smsrouter/internal/logging"
	"github.com/thrillee/smsrouter/internal/notification"
	"github.com/thrillee/smsrouter/internal/router"
	"github.com/thrillee/smsrouter/internal/store"
	"github.com/thrillee/smsrouter/internal/textit"
	"github.com/thrillee/smsrouter/internal/workers"
)

func main() {
	// --- Context and Basic Setup ---
	appCtx, rootCancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer rootCancel()

	// --- Configuration ---
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// --- Setup Logging ---
	logLevel := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel <= slog.LevelDebug,
	}
	logger := slog.New(logging.NewContextHandler(slog.NewJSONHandler(os.Stdout, opts)))
	slog.SetDefault(logger)
	slog.Info("Logging initialized", "level", logLevel.String())

	// --- Store ---
	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		slog.Warn("Using in-memory store; messages are lost on restart")
		st = store.NewMemoryStore()
	default:
		slog.Info("Connecting to database...")
		dbpool, err := pgxpool.New(appCtx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Unable to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer dbpool.Close()
		if err := dbpool.Ping(appCtx); err != nil {
			slog.Error("Failed to ping database", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("Database connection pool established")
		st = store.NewPostgresStore(dbpool)
	}

	// --- Locks ---
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisConfig.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			slog.Error("Failed to ping redis", slog.Any("error", err))
			os.Exit(1)
		}
		locker = lock.NewRedisLocker(rdb, "smsrouter:")
		slog.Info("Using redis locks", slog.String("addr", cfg.RedisConfig.Addr))
	}

	// --- Backends and applications ---
	registry, err := backend.NewRegistry(cfg.RouterConfig.URL, cfg.RouterConfig.URLParams)
	if err != nil {
		slog.Error("Invalid ROUTER_URL", slog.Any("error", err))
		os.Exit(1)
	}
	apps, err := app.DefaultRegistry().Build(cfg.RouterConfig.Apps, app.Options{Blacklist: cfg.RouterConfig.Blacklist})
	if err != nil {
		slog.Error("Invalid ROUTER_APPS", slog.Any("error", err))
		os.Exit(1)
	}

	// --- Delivery ---
	stats := map[string]api.StatsFunc{}
	var (
		engine      *delivery.Engine
		routeEngine router.Engine
		workerMgr   *workers.Manager
	)
	if registry.Configured() {
		dispatcher := delivery.NewHTTPDispatcher(delivery.HTTPDispatcherConfig{
			Method:  cfg.RouterConfig.Method,
			Timeout: cfg.RouterConfig.Timeout,
			Breaker: delivery.CircuitBreakerConfig{
				FailureThreshold: cfg.BreakerConfig.FailureThreshold,
				SuccessThreshold: cfg.BreakerConfig.SuccessThreshold,
				Timeout:          cfg.BreakerConfig.OpenTimeout,
				Logger:           logger,
			},
		}, registry, textit.NewClient(cfg.TextItConfig.SendURL, cfg.RouterConfig.Timeout))
		throttled := delivery.NewRateLimitedDispatcher(dispatcher, delivery.RateLimitConfig{
			RequestsPerSecond: cfg.DeliveryConfig.RatePerSecond,
			BurstSize:         cfg.DeliveryConfig.RateBurst,
		})

		engine = delivery.NewEngine(delivery.EngineConfig{
			MaxWorkers:     cfg.DeliveryConfig.MaxWorkers,
			RetryLimit:     cfg.DeliveryConfig.RetryLimit,
			SuspendPoll:    cfg.DeliveryConfig.SuspendPoll,
			IdlePoll:       cfg.DeliveryConfig.IdlePoll,
			DeferDelay:     cfg.DeliveryConfig.DeferDelay,
			SendLockTTL:    cfg.DeliveryConfig.SendLockTTL,
			AlertRecipient: cfg.AlertRecipient,
		}, st, throttled, locker, notification.NewLogNotifier(logger))
		routeEngine = engine

		sweeper := delivery.NewSweeper(delivery.SweeperConfig{
			StaleAfter:  cfg.SweepConfig.StaleAfter,
			LockTimeout: cfg.SweepConfig.LockTimeout,
			LockTTL:     cfg.SweepConfig.LockTTL,
		}, st, engine, locker)
		workerMgr = workers.NewManager(workers.Loop{
			Name:      "resend-messages",
			Interval:  cfg.SweepConfig.Interval,
			Timeout:   cfg.SweepConfig.LockTTL,
			BatchSize: cfg.SweepConfig.BatchSize,
			Run:       sweeper.Sweep,
		})

		stats["engine"] = func() any { return engine.Stats() }
		stats["breakers"] = func() any { return dispatcher.BreakerStats() }
	} else {
		slog.Warn("ROUTER_URL not set, outgoing messages stay in the outbox")
	}

	rt := router.New(st, routeEngine, apps, registry)
	gate := auth.NewGate(cfg.RouterConfig.Password, cfg.RouterConfig.PasswordHash)
	if !gate.Enabled() {
		slog.Warn("ROUTER_PASSWORD not set, router endpoints are open")
	}
	server := api.NewServer(cfg.HttpConfig, api.NewHandler(rt, st, gate, cfg.RouterConfig.Debug, stats))

	// --- Start Services ---
	g, gCtx := errgroup.WithContext(appCtx)
	if engine != nil {
		engine.Start(gCtx)
	}
	if err := rt.Start(gCtx); err != nil {
		slog.Error("Failed to start router", slog.Any("error", err))
		os.Exit(1)
	}
	if workerMgr != nil {
		workerMgr.Start(gCtx)
	}

	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutdown signal received, stopping services...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", slog.Any("error", err))
		}
		if workerMgr != nil {
			workerMgr.Wait()
		}
		if engine != nil {
			if err := engine.Stop(shutdownCtx); err != nil {
				slog.Error("Delivery engine shutdown error", slog.Any("error", err))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Router exited with error", slog.Any("error", err))
		rootCancel()
		os.Exit(1)
	}
	slog.Info("Router shut down gracefully.")
}
