package dispatch

import (
	"context"
	"log/slog"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/core/ports"
)

// QueueDispatcher hands jobs to the worker process through a message queue.
// When publishing fails and a fallback is set, the job runs on the fallback.
type QueueDispatcher struct {
	queue    ports.HandoffQueue
	fallback ports.HandoffDispatcher
}

func NewQueueDispatcher(queue ports.HandoffQueue, fallback ports.HandoffDispatcher) *QueueDispatcher {
	return &QueueDispatcher{queue: queue, fallback: fallback}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job domain.Transcription) <-chan domain.HandoffOutcome {
	err := d.queue.PublishHandoff(ctx, job.ID)
	if err == nil {
		out := make(chan domain.HandoffOutcome, 1)
		out <- domain.HandoffOutcome{Status: domain.StatusPending, Queued: true}
		return out
	}

	if d.fallback != nil {
		slog.Warn("handoff_publish_failed_running_inline",
			"transcription_id", job.ID,
			"step", "dispatch",
			"error", err,
		)
		return d.fallback.Dispatch(ctx, job)
	}

	out := make(chan domain.HandoffOutcome, 1)
	out <- domain.HandoffOutcome{
		Status: domain.StatusFailed,
		Err:    domain.WrapError(domain.ErrTemporary, "dispatch.publish", err),
	}
	return out
}
