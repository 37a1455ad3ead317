package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	commoncache "credential-broker/internal/common/cache"
	"credential-broker/internal/common/logging"

	"credential-broker/internal/audit"
	"credential-broker/internal/config"
	"credential-broker/internal/credentials"
	"credential-broker/internal/handlers"
	"credential-broker/internal/metrics"
	"credential-broker/internal/middleware"
	"credential-broker/internal/provider"
	"credential-broker/internal/reconciler"
	"credential-broker/internal/redis"
	"credential-broker/internal/server"
	"credential-broker/internal/storage"

	_ "credential-broker/internal/storage/postgres"
	_ "credential-broker/internal/storage/sqlite"
)

func main() {
	godotenv.Load()
	logging.InitGlobalLogger()
	defer logging.MustSync()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.GetGlobalLogger()

	// Durable store
	store, err := storage.NewStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	// Optional Redis, shared across broker replicas
	var redisClient *redis.Client
	if cfg.CacheType == "redis" {
		redisDB, _ := strconv.Atoi(cfg.RedisDB)
		poolSize, _ := strconv.Atoi(cfg.RedisPoolSize)

		redisClient, err = redis.NewClient(&redis.Config{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       redisDB,
			PoolSize: poolSize,
		})
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
	}

	// Negative lookup cache: local by default, Redis when configured
	cacheConfig := commoncache.DefaultConfig()
	cacheConfig.TTL = 30 * time.Second
	if redisClient != nil {
		cacheConfig.Type = commoncache.TypeRedis
		cacheConfig.RedisClient = redisClient.Raw()
	}
	negativeCache, err := commoncache.New(cacheConfig)
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	// Refresh clients. With a relay configured the broker prefers it and
	// falls back to the provider's token endpoint; without one it goes
	// direct only.
	var primary, fallback provider.Client
	direct := provider.NewDirectClient(cfg.RefreshTimeout)
	if cfg.RelayURL != "" {
		primary = provider.NewRelayClient(cfg.RelayURL, cfg.RefreshTimeout, logger)
		fallback = direct
	} else {
		primary = direct
	}

	auditLogger := audit.NewLogger(store, 0, logger)
	defer auditLogger.Close()

	collector := metrics.NewCollector()

	manager, err := credentials.NewManager(credentials.ManagerOptions{
		Store:         store,
		Primary:       primary,
		Fallback:      fallback,
		Audit:         auditLogger,
		Metrics:       collector,
		NegativeCache: negativeCache,
		Config: credentials.ManagerConfig{
			ExpiryBuffer:    cfg.ExpiryBuffer,
			DefaultTokenTTL: cfg.DefaultTokenTTL,
			RefreshTimeout:  cfg.RefreshTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize credential manager: %v", err)
	}

	// Background jobs
	rec := reconciler.New(store, manager.Cache(), manager.Locks(), reconciler.Config{
		Interval:  cfg.ReconcileInterval,
		BatchSize: cfg.ReconcileBatch,
	}, logger)
	sweep := audit.NewRetentionSweep(store, cfg.AuditRetention, logger)

	jobs := cron.New()
	jobs.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		sweep.Run(ctx)
	})
	jobs.Start()
	defer jobs.Stop()

	// HTTP surface
	h := handlers.New(manager, collector, store, redisClient, logger)
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)

	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.Logging)

	router.HandleFunc("/api/health", h.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(jwtAuth.Middleware)
	h.RegisterRoutes(api)

	srv := server.New(router, cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Credential broker listening", logging.Field{Key: "port", Value: cfg.Port})
		return srv.Run()
	})
	g.Go(func() error {
		// first pass shortly after startup, then every interval
		rec.Start(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	fmt.Println("Credential broker exited")
}
