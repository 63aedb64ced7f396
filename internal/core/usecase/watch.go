package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/core/ports"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxWait      = 5 * time.Minute
)

// StatusWatcher polls a job and pushes status frames until the job settles,
// the time budget runs out or the consumer goes away.
type StatusWatcher struct {
	repo         ports.TranscriptionRepository
	pollInterval time.Duration
	maxWait      time.Duration
}

func NewStatusWatcher(repo ports.TranscriptionRepository, pollInterval, maxWait time.Duration) *StatusWatcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	return &StatusWatcher{repo: repo, pollInterval: pollInterval, maxWait: maxWait}
}

// Watch returns nil after a terminal or timeout frame, ctx.Err() when the
// consumer cancels, and the emit error when a frame cannot be delivered.
func (w *StatusWatcher) Watch(ctx context.Context, id string, emit func(domain.WatchEvent) error) error {
	deadline := time.NewTimer(w.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var last domain.TranscriptionStatus
	check := func() (bool, error) {
		job, err := w.repo.GetByID(ctx, id)
		if err != nil {
			if domain.IsKind(err, domain.ErrJobNotFound) {
				return true, err
			}
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			slog.Warn("watch_poll_failed", "transcription_id", id, "step", "watch", "error", err)
			return false, nil
		}

		snapshot := domain.StatusSnapshot{ID: job.ID, Status: job.Status, Error: job.Error}
		if job.Status != last {
			last = job.Status
			if err := emit(domain.WatchEvent{Type: domain.WatchEventStatus, Data: snapshot}); err != nil {
				return true, err
			}
		}

		switch job.Status {
		case domain.StatusCompleted:
			snapshot.Text = job.DisplayText()
			return true, emit(domain.WatchEvent{Type: domain.WatchEventComplete, Data: snapshot})
		case domain.StatusFailed:
			return true, emit(domain.WatchEvent{Type: domain.WatchEventError, Data: snapshot})
		}
		return false, nil
	}

	if done, err := check(); done {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return emit(domain.WatchEvent{
				Type: domain.WatchEventTimeout,
				Data: domain.StatusSnapshot{ID: id, Status: last, Error: "status unknown: observer timed out"},
			})
		case <-ticker.C:
			if done, err := check(); done {
				return err
			}
		}
	}
}
