package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webhook-ingestion-service/config"
	httpHandler "webhook-ingestion-service/internal/adapter/http/handler"
	pgStorage "webhook-ingestion-service/internal/adapter/storage/postgres"
	redisStorage "webhook-ingestion-service/internal/adapter/storage/redis"
	"webhook-ingestion-service/internal/core/ports"
	"webhook-ingestion-service/internal/service"
	"webhook-ingestion-service/internal/worker"
	"webhook-ingestion-service/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	// Optional .env for local development; real deployments use WIS_* vars.
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Int("sources", len(cfg.Sources)).
		Msg("Starting Webhook Ingestion Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// Storage adapters
	eventRepo := pgStorage.NewEventRepo(pool)
	rateLimiter := redisStorage.NewRateLimitStore(rdb)
	dedupCache := redisStorage.NewDedupCache(rdb)
	publisher := redisStorage.NewPublisher(rdb)

	// Asynchronous processing path
	workerPool := worker.NewPool(worker.PoolConfig{
		Workers:          cfg.Worker.Count,
		QueueSize:        cfg.Worker.QueueSize,
		AttemptTimeout:   cfg.Worker.AttemptTimeout,
		MaxInlinePayload: cfg.Ingest.MaxInlinePayload,
	}, eventRepo, service.NewPayloadProcessor(), publisher, logger.WithComponent(log, "worker"))
	workerPool.Start(ctx)

	// Core services
	sigSvc := service.NewHMACSignatureService()
	tokenSvc := service.NewJWTTokenService(cfg.JWT.Secret, cfg.JWT.Expiry, cfg.JWT.Issuer)
	ingestSvc := service.NewIngestService(
		eventRepo,
		rateLimiter,
		sigSvc,
		dedupCache,
		workerPool,
		ingestOptionsFromConfig(cfg),
		logger.WithComponent(log, "ingest"),
	)

	// Retry scheduler: per-source downstream limits, service default otherwise.
	scheduler := worker.NewScheduler(
		worker.SchedulerConfig{
			Interval:   cfg.Scheduler.Interval,
			BatchSize:  cfg.Scheduler.BatchSize,
			StaleAfter: cfg.Scheduler.StaleAfter,
		},
		eventRepo,
		rateLimiter,
		workerPool,
		func(source string) ports.RateLimitRule {
			return ingestSvc.Policy(source).RateLimit
		},
		logger.WithComponent(log, "scheduler"),
	)
	go scheduler.Start(ctx)

	// Health checkers
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		IngestSvc:      ingestSvc,
		TokenSvc:       tokenSvc,
		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Logger:         log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown: stop accepting, then drain the worker queue.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Drain the queue while the context is still live; events accepted with
	// a 202 must be processed or parked, never dropped.
	workerPool.Stop()
	cancel()

	log.Info().Msg("Server exited")
}

// ingestOptionsFromConfig maps file configuration to the resolved per-source
// policies the orchestrator works with.
func ingestOptionsFromConfig(cfg *config.Config) service.IngestOptions {
	sources := make(map[string]ports.SourcePolicy, len(cfg.Sources))
	for name, sc := range cfg.Sources {
		sources[name] = ports.SourcePolicy{
			Secret:          sc.Secret,
			SignatureHeader: sc.SignatureHeader,
			MaxRetries:      sc.MaxRetries,
			RejectInvalid:   sc.RejectInvalid,
			RateLimit: ports.RateLimitRule{
				Limit:  sc.RateLimit.Limit,
				Window: sc.RateLimit.Window,
			},
		}
	}
	return service.IngestOptions{
		Sources:           sources,
		DefaultMaxRetries: cfg.Ingest.DefaultMaxRetries,
		DefaultRateLimit: ports.RateLimitRule{
			Limit:  cfg.Ingest.DefaultRateLimit.Limit,
			Window: cfg.Ingest.DefaultRateLimit.Window,
		},
		RetryRateLimit: ports.RateLimitRule{
			Limit:  cfg.Ingest.RetryRateLimit.Limit,
			Window: cfg.Ingest.RetryRateLimit.Window,
		},
		DedupCacheTTL: cfg.Ingest.DedupCacheTTL,
	}
}
