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

	"github.com/tokenr-co/tokenr-go/config"
	"github.com/tokenr-co/tokenr-go/internal/auth"
	"github.com/tokenr-co/tokenr-go/internal/collector"
	"github.com/tokenr-co/tokenr-go/internal/pricing"
	"github.com/tokenr-co/tokenr-go/internal/seeder"
	"github.com/tokenr-co/tokenr-go/internal/telemetry"
	"github.com/tokenr-co/tokenr-go/internal/usage"
	"github.com/tokenr-co/tokenr-go/pkg/ratelimit"
	"github.com/tokenr-co/tokenr-go/pkg/tokenr"
)

func main() {
	// 1. Load config
	cfg, err := config.LoadCollector()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("tokenr-collector", tokenr.Version, telemetry.ExporterConfig{
		Type:     cfg.OTELExporterType,
		Endpoint: cfg.OTELExporterEndpoint,
	})
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

	// 5. Stores, limiter, handler
	authStore := auth.NewPostgresStore(pool)
	usageStore := usage.NewPostgresStore(pool)
	limiter := ratelimit.NewLimiter(rdb, cfg.RateLimitEPM)
	tracer := otel.GetTracerProvider().Tracer("tokenr-collector")
	handler := collector.NewHandler(usageStore, limiter, pricing.Default(), tracer)

	// 6. Register the dev token if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		_ = seeder.SeedDevToken(ctx, authStore, cfg.DevToken)
	}

	// 7. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      collector.NewRouter(handler, auth.NewMiddleware(authStore, rdb)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Tokenr collector starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
