package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-loom/internal/api"
	"github.com/nidhogg/nuka-loom/internal/archive"
	"github.com/nidhogg/nuka-loom/internal/cache"
	"github.com/nidhogg/nuka-loom/internal/config"
	"github.com/nidhogg/nuka-loom/internal/engine"
	"github.com/nidhogg/nuka-loom/internal/generation"
	"github.com/nidhogg/nuka-loom/internal/layer"
	"github.com/nidhogg/nuka-loom/internal/provider"
	"github.com/nidhogg/nuka-loom/internal/snapshot"
	pgstore "github.com/nidhogg/nuka-loom/internal/store"
	"github.com/nidhogg/nuka-loom/internal/telemetry"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/loom.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting Nuka Loom...", zap.String("config", cfgPath))

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		p, err := provider.Build(pc, logger)
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
	}

	// Initialize PostgreSQL store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, cfg.Database.Postgres.EncryptKey, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), cfg.Database.Postgres.Migrations); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			loadProviders(pgStore, router, logger)
		}
	}

	for name, b := range cfg.Tiers {
		tier, err := provider.ParseTier(name)
		if err != nil {
			logger.Warn("ignoring tier binding", zap.Error(err))
			continue
		}
		router.Bind(tier, b)
	}
	router.SetFallbacks(cfg.Fallbacks)

	// Telemetry: Redis stream when available, log otherwise
	var sink telemetry.Sink = telemetry.NewLogSink(logger)
	var redisSink *telemetry.RedisSink
	if cfg.Database.Redis.URL != "" {
		rs, rErr := telemetry.NewRedisSink(cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, events go to the log only", zap.Error(rErr))
		} else {
			redisSink = rs
			sink = telemetry.Multi{sink, rs}
		}
	}
	events := telemetry.NewPublisher(sink, 0, logger)

	// Archive for compacted layers
	var arch archive.Archive = archive.NewMemory()
	var neo *archive.Neo4j
	if cfg.Database.Neo4j.URI != "" {
		n, nErr := archive.NewNeo4j(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if nErr != nil {
			logger.Warn("Neo4j unavailable, archiving in memory", zap.Error(nErr))
		} else {
			if sErr := n.EnsureSchema(context.Background()); sErr != nil {
				logger.Warn("Neo4j schema setup failed", zap.Error(sErr))
			}
			neo = n
			arch = n
		}
	}
	pruner := archive.NewPruner(arch, events, logger)

	// Layer store
	layerOpts := []layer.Option{
		layer.WithThreshold(cfg.Selection.CompactionThreshold),
		layer.WithPruneHook(pruner.Hook),
	}
	var layers layer.Store = layer.NewMemoryStore(logger, layerOpts...)
	var redisLayers *layer.RedisStore
	if cfg.Database.Redis.URL != "" {
		rl, lErr := layer.NewRedisStore(cfg.Database.Redis.URL, logger, layerOpts...)
		if lErr != nil {
			logger.Warn("Redis unavailable, keeping layers in memory", zap.Error(lErr))
		} else {
			redisLayers = rl
			layers = rl
		}
	}

	var snaps snapshot.Provider = snapshot.NewMemoryProvider()
	if pgStore != nil {
		snaps = pgStore
	}

	eng := engine.New(engine.Config{
		DefaultMaxTokens:  cfg.Selection.DefaultMaxTokens,
		GenerationTimeout: cfg.Selection.GenerationTimeout.Std(),
		CacheTTL:          cfg.Selection.CacheTTL.Std(),
		RecorderCapacity:  cfg.Selection.RecorderCapacity,
	}, engine.Deps{
		Layers:    layers,
		Snapshots: snaps,
		Archive:   arch,
		Generator: generation.NewRouterGenerator(router, cfg.Selection.GenerationTimeout.Std(), logger),
		Events:    events,
		Cache:     cache.New(cfg.Selection.CacheTTL.Std(), logger),
	}, logger)

	// Periodic cache sweep
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweep(sweepCtx, eng, cfg.Selection.SweepInterval.Std())

	// Build HTTP handler
	var registry api.ProviderRegistry
	if pgStore != nil {
		registry = pgStore
	}
	handler := api.NewHandler(eng, router, registry, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Nuka Loom listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Nuka Loom...")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	pruner.Wait()
	events.Wait()
	if neo != nil {
		neo.Close(ctx)
	}
	if redisLayers != nil {
		redisLayers.Close()
	}
	if redisSink != nil {
		redisSink.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// loadProviders registers persisted providers and their tier bindings.
// Config-file bindings are applied afterwards and win.
func loadProviders(ps *pgstore.Store, router *provider.Router, logger *zap.Logger) {
	rows, err := ps.ListProviders(context.Background())
	if err != nil {
		logger.Warn("failed to load providers from DB", zap.Error(err))
		return
	}
	for _, row := range rows {
		p, err := provider.Build(row.ProviderConfig, logger)
		if err != nil {
			logger.Warn("skipping stored provider", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		router.Register(p)
		if row.Tier != "" {
			model := ""
			if len(row.Models) > 0 {
				model = row.Models[0]
			}
			router.Bind(row.Tier, provider.Binding{ProviderID: row.ID, Model: model})
		}
	}
	logger.Info("Loaded providers from DB", zap.Int("count", len(rows)))
}

func sweep(ctx context.Context, eng *engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.SweepExpiredCache()
		}
	}
}
