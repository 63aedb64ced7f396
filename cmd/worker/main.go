package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kirillkom/medscribe/internal/bootstrap"
	"github.com/kirillkom/medscribe/internal/config"
	"github.com/kirillkom/medscribe/internal/observability/logging"
	"github.com/kirillkom/medscribe/internal/observability/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv_load_failed", "error", err)
	}

	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogFormat, "worker", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DispatchMode != "queue" {
		logger.Error("worker requires DISPATCH_MODE=queue", "dispatch", cfg.DispatchMode)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	app, err := bootstrap.New(ctx, cfg, workerMetrics.JobMetrics)
	if err != nil {
		logger.Error("bootstrap error", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker subscribed", "subject", cfg.NATSSubject, "metrics_port", cfg.WorkerMetricsPort)
	err = app.Queue.SubscribeHandoff(ctx, func(handlerCtx context.Context, transcriptionID string) error {
		if job, err := app.Repo.GetByID(handlerCtx, transcriptionID); err == nil {
			workerMetrics.ObserveQueueLag(time.Since(job.CreatedAt))
		}

		started := time.Now()
		workerMetrics.StartHandoff()
		err := app.HandoffUC.RunByID(handlerCtx, transcriptionID)
		workerMetrics.FinishHandoff(time.Since(started), err)
		return err
	})
	if err != nil {
		logger.Error("worker subscribe error", "error", err)
		os.Exit(1)
	}
}
