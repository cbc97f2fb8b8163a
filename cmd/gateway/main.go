package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/cache"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/dispatch"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/handlers"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/keys"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/metrics"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/proxy"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/quota"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/usage"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/config"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/database"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/logger"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/redis"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

// stores groups the persistence backends selected by STORE_BACKEND
type stores struct {
	catalog store.CatalogStore
	keys    store.KeyStore
	sink    store.UsageSink
	reader  store.UsageReader
	checks  map[string]handlers.Check
	close   func() error
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("gateway stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	zl.Info("starting API gateway",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("store", cfg.StoreBackend),
		zap.String("quota", cfg.QuotaBackend),
	)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	// Initialize Redis
	var redisClient *redis.Client
	if cfg.UsesRedis() {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		st.checks["redis"] = redisClient.Ping
		zl.Info("connected to redis")
	}

	catalog := st.catalog
	if cfg.CatalogCacheEnabled {
		ttl := time.Duration(cfg.CatalogCacheTTLSeconds) * time.Second
		catalog = cache.NewCatalog(redisClient, st.catalog, ttl, logger.Component(zl, "cache"))
		zl.Info("catalog cache enabled", zap.Duration("ttl", ttl))
	}

	var counters quota.CounterStore
	switch cfg.QuotaBackend {
	case config.QuotaBackendRedis:
		counters = quota.NewRedisStore(redisClient)
	default:
		counters = quota.NewMemoryStore(cfg.QuotaSweepInterval)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	defaultQuota := models.Quota{Limit: cfg.DefaultRateLimit, Window: cfg.DefaultRateWindow}

	recorder := usage.NewRecorder(st.sink, st.keys, usage.Config{
		MaxInflight:  cfg.UsageMaxInflight,
		WriteTimeout: cfg.UsageWriteTimeout,
	}, logger.Component(zl, "usage"), m)

	validator := keys.NewValidator(st.keys, catalog, defaultQuota,
		keys.WithBackground(recorder),
		keys.WithLogger(logger.Component(zl, "keys")),
	)
	enforcer := quota.NewEnforcer(counters,
		quota.WithFailOpen(cfg.QuotaFailOpen),
		quota.WithLogger(logger.Component(zl, "quota")),
	)
	forwarder := proxy.New(proxy.Config{
		Timeout: cfg.UpstreamTimeout,
		Breaker: proxy.BreakerConfig{
			Enabled:          cfg.BreakerEnabled,
			FailureThreshold: cfg.BreakerFailureThreshold,
			OpenTimeout:      cfg.BreakerOpenTimeout,
		},
		OwnedHeaders: handlers.OwnedHeaders(),
	}, logger.Component(zl, "proxy"), m)

	clientIP, err := handlers.NewClientIPExtractor(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	gateway := handlers.NewGatewayHandler(
		dispatch.NewRouter(catalog, cfg.GatewayPrefix),
		enforcer,
		forwarder,
		recorder,
		clientIP,
		defaultQuota,
		m,
		logger.Component(zl, "gateway"),
	)

	r := handlers.NewRouter(handlers.Deps{
		Prefix:     cfg.GatewayPrefix,
		Middleware: handlers.NewMiddleware(validator, m, logger.Component(zl, "http")),
		Gateway:    gateway,
		Catalog:    catalog,
		Usage:      st.reader,
		Checks:     st.checks,
		Gatherer:   reg,
		Logger:     zl,
	})

	// HTTP server. No WriteTimeout: proxied responses may stream for longer
	// than any fixed bound and are limited by UPSTREAM_TIMEOUT instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("gateway", cfg.GatewayPrefix+"/{slug}/*"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		zl.Info("shutting down gracefully", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("server shutdown error", zap.Error(err))
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		zl.Warn("pending usage writes abandoned", zap.Error(err))
	}

	zl.Info("server stopped")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*stores, error) {
	var seed *store.Seed
	if cfg.CatalogSeedFile != "" {
		var err error
		if seed, err = store.LoadSeed(cfg.CatalogSeedFile); err != nil {
			return nil, err
		}
	}

	if cfg.StoreBackend == config.StoreBackendMemory {
		mem := store.NewMemory()
		seed.ApplyTo(mem)
		zl.Info("loaded in-memory catalog",
			zap.String("seed", cfg.CatalogSeedFile),
			zap.Int("apis", len(seed.APIs)),
			zap.Int("keys", len(seed.Keys)),
		)
		return &stores{
			catalog: mem,
			keys:    mem,
			sink:    mem,
			reader:  mem,
			checks:  map[string]handlers.Check{},
			close:   func() error { return nil },
		}, nil
	}

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	zl.Info("connected to postgres")

	if cfg.DatabaseMigrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	if seed != nil {
		for _, entry := range seed.CatalogEntries() {
			if err := db.UpsertCatalogEntry(ctx, entry); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to seed catalog entry %q: %w", entry.Slug, err)
			}
		}
		if len(seed.Keys) > 0 {
			zl.Warn("seed keys are ignored by the postgres store", zap.Int("keys", len(seed.Keys)))
		}
		zl.Info("seeded catalog", zap.Int("apis", len(seed.APIs)))
	}

	return &stores{
		catalog: db,
		keys:    db,
		sink:    db,
		reader:  db,
		checks:  map[string]handlers.Check{"postgres": db.Ping},
		close:   db.Close,
	}, nil
}
