// Command server starts the diagram generation broker: HTTP API, admission
// control, scheduler, and the serial job executor in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	ai "github.com/cloudsketch/diagen/internal/adapter/ai"
	"github.com/cloudsketch/diagen/internal/adapter/eventbus"
	"github.com/cloudsketch/diagen/internal/adapter/eventlog/kafka"
	httpserver "github.com/cloudsketch/diagen/internal/adapter/httpserver"
	"github.com/cloudsketch/diagen/internal/adapter/observability"
	"github.com/cloudsketch/diagen/internal/adapter/renderer"
	"github.com/cloudsketch/diagen/internal/adapter/repo/postgres"
	"github.com/cloudsketch/diagen/internal/app"
	"github.com/cloudsketch/diagen/internal/config"
	"github.com/cloudsketch/diagen/internal/service/executor"
	"github.com/cloudsketch/diagen/internal/service/quota"
	"github.com/cloudsketch/diagen/internal/service/scheduler"
	"github.com/cloudsketch/diagen/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool plus schema
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	usageRepo := postgres.NewUsageRepo(pool)

	// Redis backs the quota aggregate cache; optional.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, quota cache disabled", slog.Any("error", err))
			rdb = nil
		}
	}

	// Status bus, mirrored to Kafka when brokers are configured.
	var mirror eventbus.Mirror
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.EventTopic)
		if err != nil {
			slog.Error("kafka producer connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				slog.Error("failed to close kafka producer", slog.Any("error", err))
			}
		}()
		mirror = pub
	}
	bus := eventbus.New(mirror)

	// Tier cap table
	caps := config.DefaultTierTable()
	if cfg.TiersFile != "" {
		caps, err = config.LoadTierTable(cfg.TiersFile)
		if err != nil {
			slog.Error("failed to load tier table", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Scheduler and admission control
	sched := scheduler.New(cfg.MaxQueueSize)
	cache := quota.NewAggregateCache(rdb, 60*time.Second)
	window := quota.NewMinuteWindow(5 * time.Second)
	evaluator := quota.NewEvaluator(caps, jobRepo, usageRepo, cache, window,
		sched.Depth, cfg.MaxQueueSize, int64(cfg.GlobalRequestsPerMin), cfg.GlobalTokensPerMin)

	// Outbound adapters and the worker
	est := ai.NewEstimator(cfg.LLMModel, cfg.LLMMaxTokens)
	generator := ai.New(cfg)
	rend := renderer.NewProcess(cfg)
	exec := executor.New(cfg, jobRepo, usageRepo, bus, sched, evaluator, generator, rend, est)
	broker := usecase.NewBroker(cfg, caps, jobRepo, bus, sched, evaluator, est, exec)

	if err := broker.Restore(ctx); err != nil {
		slog.Error("job restore failed", slog.Any("error", err))
		os.Exit(1)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		exec.Run(workerCtx)
	}()
	go func() {
		defer wg.Done()
		broker.RunSweeper(workerCtx)
	}()

	// HTTP server
	srv := httpserver.NewServer(cfg, broker, bus)
	handler := app.BuildRouter(cfg, srv, app.ReadyzHandler(pool, rdb))

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		// Event streams are long-lived; per-route timeouts guard the rest.
		WriteTimeout: 0,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	stopWorkers()
	wg.Wait()
}
