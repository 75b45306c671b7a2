package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/tradecore/config"
	"github.com/tradecore/tradecore/internal/api"
	"github.com/tradecore/tradecore/internal/balance"
	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/internal/database"
	"github.com/tradecore/tradecore/internal/dedup"
	"github.com/tradecore/tradecore/internal/metrics"
	"github.com/tradecore/tradecore/internal/monitor"
	"github.com/tradecore/tradecore/internal/ratelimit"
	"github.com/tradecore/tradecore/internal/worker"
	"github.com/tradecore/tradecore/pkg/logger"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "1.0.0"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Initialize logger
	log := logger.NewLogger("coordinator")
	log.Info("Starting TradeCore Coordinator", "version", version, "build_time", buildTime)

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Initialize database
	log.Info("Connecting to database", "host", cfg.Database.Host, "port", cfg.Database.Port)
	db, err := database.New(database.Config{
		URL:             cfg.Database.GetConnectionString(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	log.Info("Initializing database schema")
	if err := db.InitSchema(); err != nil {
		log.Error("Failed to initialize schema", "error", err)
		os.Exit(1)
	}

	// Initialize Redis shadow cache
	var store cache.Store
	if cfg.Redis.Enabled {
		log.Info("Connecting to Redis", "host", cfg.Redis.Host, "port", cfg.Redis.Port)
		redisCache, err := cache.NewRedisCache(cache.Config{
			Address:      cfg.Redis.GetRedisAddr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Prefix:       "coordinator:",
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
		})
		if err != nil {
			log.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		store = redisCache
	} else {
		log.Warn("Redis disabled, running without the KV shadow")
	}

	// Initialize transaction manager
	txMgr := database.NewManager(db, logger.NewLogger("txmanager"))
	defer txMgr.Close()

	// Initialize rate limiter
	limiter, err := ratelimit.NewLimiter(rateLimitConfig(cfg), store, logger.NewLogger("ratelimit"))
	if err != nil {
		log.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	// Initialize signal deduplicator
	deduplicator := dedup.NewDeduplicator(dedup.Config{
		TTL:           cfg.Dedup.TTL,
		MaxLocalSize:  cfg.Dedup.MaxLocalSize,
		SweepInterval: cfg.Dedup.SweepInterval,
		RetainFor:     cfg.Dedup.RetainFor,
	}, db, store, logger.NewLogger("dedup"))
	deduplicator.Start(ctx)
	defer deduplicator.Stop()

	// Initialize balance manager. The trading engine wires exchange clients
	// at runtime through RegisterClient.
	minResidual, err := decimal.NewFromString(cfg.Balance.MinimumResidual)
	if err != nil {
		log.Error("Invalid minimum_residual", "value", cfg.Balance.MinimumResidual, "error", err)
		os.Exit(1)
	}
	balances := balance.NewManager(balance.Config{
		FetchInterval:   cfg.Balance.FetchInterval,
		SweepInterval:   cfg.Balance.SweepInterval,
		MinimumResidual: minResidual,
		MaxBalanceAge:   cfg.Balance.MaxBalanceAge,
	}, nil, store, logger.NewLogger("balance"))
	balances.Start(ctx)
	defer balances.Stop()

	// Initialize worker coordinator
	workers := worker.NewCoordinator(worker.Config{
		HeartbeatTimeout: cfg.Worker.HeartbeatTimeout,
		CleanupInterval:  cfg.Worker.CleanupInterval,
		CheckProcess:     cfg.Worker.CheckProcess,
	}, store, logger.NewLogger("worker"))
	workers.Start(ctx)
	defer workers.Stop()

	// Initialize process monitor
	sampler := monitor.NewSampler(cfg.Monitor.DiskPath, db, store)
	mon := monitor.NewMonitor(monitor.Config{
		MonitoringInterval: cfg.Monitor.MonitoringInterval,
		AlertInterval:      cfg.Monitor.AlertInterval,
		CleanupInterval:    cfg.Monitor.CleanupInterval,
		HeartbeatTimeout:   cfg.Monitor.HeartbeatTimeout,
		HistorySize:        cfg.Monitor.HistorySize,
	}, sampler, store, logger.NewLogger("monitor"))
	for _, component := range []string{"ratelimit", "dedup", "balance", "worker", "database"} {
		mon.RegisterComponent(component)
	}
	mon.Start(ctx)
	defer mon.Stop()

	// Initialize API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		log.Info("Initializing API server", "port", cfg.API.Port)
		apiServer = api.NewServer(cfg.API, api.Dependencies{
			DB:       db,
			TxMgr:    txMgr,
			Cache:    store,
			Balances: balances,
			Workers:  workers,
			Limiter:  limiter,
			Dedup:    deduplicator,
			Monitor:  mon,
		}, logger.NewLogger("api"))

		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("API server failed", "error", err)
				cancel()
			}
		}()
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Received interrupt signal, shutting down gracefully")
	case <-ctx.Done():
		log.Info("Context cancelled, shutting down")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if apiServer != nil {
		log.Info("Stopping API server")
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop API server gracefully", "error", err)
		}
	}

	if metricsServer != nil {
		log.Info("Stopping metrics server")
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop metrics server gracefully", "error", err)
		}
	}

	log.Info("TradeCore Coordinator stopped successfully")
}

// rateLimitConfig maps the YAML rate limit section onto the limiter's config
func rateLimitConfig(cfg *config.Config) *ratelimit.Config {
	out := &ratelimit.Config{
		Venues:       make(map[string]*ratelimit.VenueLimits, len(cfg.RateLimit.Venues)),
		MirrorToKV:   cfg.RateLimit.MirrorToKV,
		MirrorPerSec: cfg.RateLimit.MirrorPerSec,
	}
	for venue, vl := range cfg.RateLimit.Venues {
		limits := &ratelimit.VenueLimits{
			PerSecond: vl.PerSecond,
			PerMinute: vl.PerMinute,
			Burst:     vl.Burst,
			Endpoints: make(map[string]*ratelimit.EndpointLimits, len(vl.Endpoints)),
		}
		for endpoint, el := range vl.Endpoints {
			limits.Endpoints[endpoint] = &ratelimit.EndpointLimits{
				PerSecond:     el.PerSecond,
				PerMinute:     el.PerMinute,
				Burst:         el.Burst,
				DefaultWeight: el.DefaultWeight,
			}
		}
		out.Venues[venue] = limits
	}
	return out
}
