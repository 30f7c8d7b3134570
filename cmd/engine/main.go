package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/agentboard/llm-engine/config"
	"github.com/agentboard/llm-engine/internal/api"
	"github.com/agentboard/llm-engine/internal/auth"
	"github.com/agentboard/llm-engine/internal/executor"
	"github.com/agentboard/llm-engine/internal/history"
	"github.com/agentboard/llm-engine/internal/metrics"
	"github.com/agentboard/llm-engine/internal/provider"
	"github.com/agentboard/llm-engine/internal/provider/claude"
	"github.com/agentboard/llm-engine/internal/provider/gemini"
	"github.com/agentboard/llm-engine/internal/provider/openai"
	"github.com/agentboard/llm-engine/internal/registry"
	"github.com/agentboard/llm-engine/internal/router"
	"github.com/agentboard/llm-engine/internal/seeder"
	"github.com/agentboard/llm-engine/internal/telemetry"
	"github.com/agentboard/llm-engine/internal/tokens"
	"github.com/agentboard/llm-engine/internal/worker"
	"github.com/agentboard/llm-engine/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-engine", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth and history
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)
	historyStore := history.NewPostgresStore(pool)

	// 6. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 7. Build the model catalog from configured providers
	reg, err := registry.Default(cfg.OpenAIAPIKey, cfg.AnthropicAPIKey, cfg.GeminiAPIKey)
	if err != nil {
		log.Fatalf("failed to build model catalog: %v", err)
	}
	log.Printf("Model catalog loaded: %d models", reg.Len())

	var providers []provider.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, openai.New(cfg.OpenAIAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, claude.New(cfg.AnthropicAPIKey))
	}
	if cfg.GeminiAPIKey != "" {
		providers = append(providers, gemini.New(cfg.GeminiAPIKey))
	}

	// 8. Core engine: metrics, router, executor
	collector := metrics.NewCollector(reg.AvgLatency())
	rt := router.New(reg, collector,
		router.WithSLALatency(cfg.SLALatency),
		router.WithMaxQueueDepth(cfg.MaxQueueDepth),
	)
	estimator := tokens.NewEstimator()
	exec := executor.New(providers, collector, estimator)

	// 9. Async job queue
	jobs := worker.NewQueue(rt, exec, historyStore, 4, 256)
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go func() {
		if err := jobs.Process(workerCtx); err != nil && err != context.Canceled {
			log.Printf("worker pool stopped: %v", err)
		}
	}()

	// 10. HTTP surface
	tracer := otel.GetTracerProvider().Tracer("llm-engine")
	handler := api.NewHandler(rt, exec, reg, collector, historyStore, limiter, estimator, jobs, tracer)

	// 11. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
	}

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.Routes(handler, authMiddleware),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("LLM engine starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
