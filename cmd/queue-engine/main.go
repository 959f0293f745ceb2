package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qbook/queue-engine/internal/config"
	"qbook/queue-engine/internal/events"
	"qbook/queue-engine/internal/httpapi"
	"qbook/queue-engine/internal/store/postgres"
	"qbook/queue-engine/internal/sweeper"
	"qbook/queue-engine/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()

	shutdownTelemetry := telemetry.Setup("queue-engine")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	var notifier postgres.Notifier
	if cfg.RedisAddr != "" {
		publisher, err := events.NewPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("redis connect: %v", err)
		}
		defer publisher.Close()
		notifier = publisher
	}

	store := postgres.NewStore(pool, postgres.Options{
		NoShowTimeout: cfg.NoShowTimeout,
		Notifier:      notifier,
	})
	handler := httpapi.NewHandler(store, httpapi.Options{
		SweepBatchSize: cfg.SweepBatchSize,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		SessionPerMinute: cfg.SessionRateLimitPerMinute,
		SessionBurst:     cfg.SessionRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", httpapi.AuthMiddleware(store, handler.Routes()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "queue-engine"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	if cfg.SweepInterval > 0 {
		go sweeper.New(store, cfg.SweepInterval, cfg.SweepBatchSize).Run(sweepCtx)
	}

	go func() {
		log.Printf("queue-engine listening on %s (test_mode=%t no_show_timeout=%s)", server.Addr, cfg.TestModeEnabled, cfg.NoShowTimeout)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopSweeper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
