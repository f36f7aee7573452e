package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/penny-counter/config"
	"github.com/vnmchuo/penny-counter/internal/api"
	"github.com/vnmchuo/penny-counter/internal/billing"
	"github.com/vnmchuo/penny-counter/internal/counter"
	"github.com/vnmchuo/penny-counter/internal/logger"
	"github.com/vnmchuo/penny-counter/internal/mirror"
	"github.com/vnmchuo/penny-counter/internal/pricing"
	"github.com/vnmchuo/penny-counter/internal/telemetry"
	"github.com/vnmchuo/penny-counter/internal/worker"
	"github.com/vnmchuo/penny-counter/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logging
	lg, err := logger.New(cfg.Env, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("penny-counter", cfg, lg)
	if err != nil {
		lg.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer("penny-counter")
	metrics := telemetry.NewMetrics()

	// 4. Init counter
	c := counter.New(
		counter.WithTier(pricing.ParseTier(cfg.BillingTier)),
		counter.WithHistoryCapacity(cfg.HistoryCapacity),
	)

	// 5. Connect store (optional)
	ctx := context.Background()
	var store billing.Store
	if cfg.StoreURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		store, err = billing.Open(connectCtx, cfg.StoreURL, cfg.StoreDatabase)
		cancel()
		if err != nil {
			lg.Error("store unavailable, running in memory-only mode", zap.Error(err))
			store = nil
		} else {
			lg.Info("store connected")
		}
	}

	// 6. Init persistence
	syncer := mirror.New(c, store, cfg.PersistQueueSize, cfg.PersistWorkers,
		mirror.WithLogger(lg.Named("mirror")),
		mirror.WithTracer(tracer),
		mirror.WithMetrics(metrics),
	)
	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	syncer.Initialize(initCtx)
	cancel()
	c.SetNotifier(syncer)

	queue := syncer.Queue().(*worker.ChannelQueue)
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = queue.Process(ctx)
	}()

	// 7. Connect Redis (optional) and init rate limiter
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			lg.Warn("redis unreachable, rate limiting will fail open", zap.Error(err))
		} else {
			lg.Info("Redis connected")
		}
		limiter = ratelimit.NewLimiter(rdb, cfg.RateLimitPerMinute)
	}

	// 8. Init handler and router
	defaults := api.DefaultDefaults()
	defaults.MaxBatchSize = cfg.MaxBatchSize
	handler := api.NewHandler(c, limiter, tracer, metrics, lg.Named("api"), defaults)
	router := api.NewRouter(handler, lg.Named("http"), metrics)

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		lg.Info("receipt counter starting",
			zap.String("port", cfg.Port),
			zap.String("tier", string(c.Tier())),
			zap.Bool("persistence", syncer.Enabled()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	lg.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("forced shutdown", zap.Error(err))
	}

	// Flush queued writes before dropping the store connection.
	c.SetNotifier(nil)
	queue.Close()
	select {
	case <-queueDone:
	case <-shutdownCtx.Done():
		lg.Warn("persistence queue not drained before shutdown", zap.Int("pending", queue.Len()))
	}
	if err := syncer.Close(shutdownCtx); err != nil {
		lg.Warn("failed to close store", zap.Error(err))
	}
	lg.Info("server stopped")
}
