package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/medscribe/internal/config"
	"github.com/kirillkom/medscribe/internal/core/ports"
	"github.com/kirillkom/medscribe/internal/core/usecase"
	"github.com/kirillkom/medscribe/internal/infrastructure/dispatch"
	"github.com/kirillkom/medscribe/internal/infrastructure/llm/openai"
	"github.com/kirillkom/medscribe/internal/infrastructure/queue/nats"
	"github.com/kirillkom/medscribe/internal/infrastructure/repository/memory"
	"github.com/kirillkom/medscribe/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/medscribe/internal/infrastructure/resilience"
	"github.com/kirillkom/medscribe/internal/infrastructure/signing"
	"github.com/kirillkom/medscribe/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/medscribe/internal/infrastructure/storage/s3"
	"github.com/kirillkom/medscribe/internal/infrastructure/workflow"
)

type App struct {
	Config config.Config

	Repo    ports.TranscriptionRepository
	Storage ports.ObjectStorage
	// LocalAudio is set only for the localfs driver, which serves its own
	// signed download links.
	LocalAudio *localfs.Storage
	Queue      *nats.Queue
	Executor   *resilience.Executor

	HandoffUC  *usecase.HandoffUseCase
	Runner     *dispatch.Runner
	SubmitUC   *usecase.SubmitUseCase
	CallbackUC *usecase.CallbackUseCase
	Watcher    *usecase.StatusWatcher
	ReviewUC   *usecase.ReviewUseCase

	closeFn func()
}

// New wires the service graph. jobMetrics may be nil.
func New(ctx context.Context, cfg config.Config, jobMetrics ports.JobMetrics) (*App, error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	repo, db, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if db != nil {
		closers = append(closers, func() { _ = db.Close() })
	}

	storage, local, err := openStorage(ctx, cfg)
	if err != nil {
		closeAll()
		return nil, err
	}

	executor := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    cfg.RetryMaxAttempts,
		RetryInitialBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Second,
		RetryMultiplier:     2,
		RetryJitter:         0.2,
		BreakerEnabled:      cfg.BreakerEnabled,
		BreakerOpenTimeout:  time.Duration(cfg.BreakerOpenTimeoutSec) * time.Second,
	})

	workflowClient := workflow.New(cfg.WorkflowURL, cfg.WorkflowAuthToken, executor)
	callbackSigner := signing.New(cfg.CallbackSecret, "callback")

	handoffUC := usecase.NewHandoffUseCase(repo, storage, workflowClient, callbackSigner, jobMetrics, usecase.HandoffOptions{
		CallbackBaseURL:     cfg.CallbackBaseURL,
		Timeout:             cfg.WorkflowTimeout(),
		InlineAudioMaxBytes: cfg.InlineAudioMaxBytes,
	})
	runner := dispatch.NewRunner(handoffUC)

	var dispatcher ports.HandoffDispatcher = runner
	var queue *nats.Queue
	if cfg.DispatchMode == "queue" {
		queue, err = nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: executor,
			ClientName:         "medscribe",
			HandlerTimeout:     cfg.WorkflowTimeout() + statusWriteBudget,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		closers = append(closers, queue.Close)
		dispatcher = dispatch.NewQueueDispatcher(queue, runner)
	}

	var formatter ports.TextFormatter
	if cfg.OpenAIAPIKey != "" {
		formatter = openai.NewFormatter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, executor)
	}

	slog.Info("bootstrap_ready",
		"store", cfg.StoreDriver,
		"storage", cfg.StorageDriver,
		"dispatch", cfg.DispatchMode,
		"formatter_enabled", formatter != nil,
	)

	return &App{
		Config:     cfg,
		Repo:       repo,
		Storage:    storage,
		LocalAudio: local,
		Queue:      queue,
		Executor:   executor,

		HandoffUC: handoffUC,
		Runner:    runner,
		SubmitUC: usecase.NewSubmitUseCase(repo, storage, dispatcher, jobMetrics, usecase.SubmitOptions{
			MaxUploadBytes: cfg.MaxUploadBytes,
			HandoffGrace:   cfg.HandoffGrace(),
		}),
		CallbackUC: usecase.NewCallbackUseCase(repo, callbackSigner, jobMetrics),
		Watcher:    usecase.NewStatusWatcher(repo, cfg.ObserverPollInterval(), cfg.ObserverMaxWait()),
		ReviewUC:   usecase.NewReviewUseCase(repo, storage, formatter),

		closeFn: closeAll,
	}, nil
}

// statusWriteBudget covers the status write that follows a timed-out trigger.
const statusWriteBudget = 10 * time.Second

// Health is reported on /healthz next to the basic liveness flag.
func (a *App) Health() map[string]string {
	return map[string]string{
		"store":            a.Config.StoreDriver,
		"dispatch":         a.Config.DispatchMode,
		"workflow_breaker": a.Executor.BreakerState(workflow.TriggerOperation),
	}
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

func openRepository(ctx context.Context, cfg config.Config) (ports.TranscriptionRepository, *sql.DB, error) {
	if cfg.StoreDriver == "memory" {
		return memory.New(), nil, nil
	}
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewTranscriptionRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, db, nil
}

func openStorage(ctx context.Context, cfg config.Config) (ports.ObjectStorage, *localfs.Storage, error) {
	if cfg.StorageDriver == "s3" {
		storage, err := s3.New(ctx, s3.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			URLExpiry: time.Duration(cfg.S3URLExpiryMinutes) * time.Minute,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init s3 storage: %w", err)
		}
		return storage, nil, nil
	}

	downloadSigner := signing.New(cfg.CallbackSecret, "download").
		WithTTL(time.Duration(cfg.DownloadURLExpiryMin) * time.Minute)
	storage, err := localfs.New(cfg.StoragePath, cfg.StoragePublicURL, downloadSigner)
	if err != nil {
		return nil, nil, fmt.Errorf("init object storage: %w", err)
	}
	return storage, storage, nil
}
