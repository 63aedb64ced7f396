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

	httpadapter "github.com/kirillkom/medscribe/internal/adapters/http"
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
	logger := logging.New(os.Stdout, cfg.LogFormat, "api", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	for _, warning := range cfg.Warnings() {
		logger.Warn("insecure configuration", "detail", warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := metrics.NewHTTPServerMetrics("api")
	app, err := bootstrap.New(ctx, cfg, httpMetrics.JobMetrics)
	if err != nil {
		logger.Error("bootstrap error", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	svc := httpadapter.Services{
		Submitter: app.SubmitUC,
		Callbacks: app.CallbackUC,
		Observer:  app.Watcher,
		Manager:   app.ReviewUC,
		Metrics:   httpMetrics,
		Health:    app.Health,
	}
	if app.LocalAudio != nil {
		svc.Downloads = app.LocalAudio
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           httpadapter.NewRouter(cfg, svc).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		// Status streams stay open up to the observer limit.
		WriteTimeout: cfg.ObserverMaxWait() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api listening", "port", cfg.APIPort, "dispatch", cfg.DispatchMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", "error", err)
	}

	// In-flight hand-offs outlive their requests; give them the workflow
	// deadline to record an outcome.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.WorkflowTimeout()+5*time.Second)
	defer cancelDrain()
	if err := app.Runner.Wait(drainCtx); err != nil {
		logger.Warn("handoffs still running at exit", "error", err)
	}
}
