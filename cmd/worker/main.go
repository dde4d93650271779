package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kirillkom/hybrid-retrieval/internal/bootstrap"
	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/logging"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/metrics"
)

const (
	serviceName  = "worker"
	eventTimeout = 2 * time.Minute
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker_failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	workerMetrics := metrics.NewWorkerMetrics(serviceName)

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{
		Service:      serviceName,
		Logger:       logger,
		Registerer:   workerMetrics.Registry(),
		ConnectQueue: true,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	concurrency := max(cfg.WorkerConcurrency, 1)
	pool, err := ants.NewPool(concurrency,
		ants.WithMaxBlockingTasks(concurrency*4),
		ants.WithPanicHandler(func(p any) {
			logger.Error("fragment_event_panic", "panic", fmt.Sprint(p))
		}),
	)
	if err != nil {
		return fmt.Errorf("init worker pool: %w", err)
	}
	defer func() {
		if err := pool.ReleaseTimeout(10 * time.Second); err != nil {
			logger.Warn("worker_pool_release_timeout", "error", err)
		}
	}()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "concurrency", concurrency)
	// The queue cancels the handler context when the callback returns, so
	// pooled tasks derive their deadline from the process context.
	return app.Queue.SubscribeFragmentIndexed(ctx, func(_ context.Context, event domain.FragmentIndexed) error {
		err := pool.Submit(func() {
			workerMetrics.StartEvent()
			started := time.Now()
			eventCtx, cancel := context.WithTimeout(ctx, eventTimeout)
			defer cancel()

			result, err := app.Ingestor.IngestFragment(eventCtx, event)
			workerMetrics.FinishEvent(serviceName, time.Since(started), err)
			if err != nil {
				logger.Warn("fragment_event_incomplete",
					"fragment_id", event.FragmentID,
					"created", len(result.Created),
					"rejected", len(result.Rejected),
					"error", err,
				)
			}
		})
		if err != nil {
			workerMetrics.RecordPoolRejected()
			return fmt.Errorf("submit fragment %s: %w", event.FragmentID, err)
		}
		return nil
	})
}
