package ports

import (
	"context"
	"io"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

// TranscriptionRepository persists and reads job state.
type TranscriptionRepository interface {
	Create(ctx context.Context, job *domain.Transcription) error
	GetByID(ctx context.Context, id string) (*domain.Transcription, error)
	ListByOwner(ctx context.Context, ownerID string, filter domain.ListFilter) ([]domain.Transcription, error)
	SetAudioReference(ctx context.Context, id, key, url string) error
	// Transition applies tr atomically when the current status allows it.
	// It reports false without error when the job is already past tr.To.
	Transition(ctx context.Context, id string, tr domain.Transition) (bool, error)
	SaveFinalText(ctx context.Context, id, finalText string) error
	SaveFormattedText(ctx context.Context, id, formatted string) error
	Delete(ctx context.Context, id string) error
	ListEvents(ctx context.Context, id string) ([]domain.StatusEvent, error)
}

// ObjectStorage stores uploaded audio.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// URL returns a reference the external workflow can download from.
	URL(ctx context.Context, key string) (string, error)
}

// WorkflowClient triggers the external transcription workflow.
type WorkflowClient interface {
	Trigger(ctx context.Context, payload domain.WorkflowPayload) (domain.WorkflowReply, error)
}

// HandoffDispatcher starts a hand-off in the background. The returned
// channel yields exactly one outcome.
type HandoffDispatcher interface {
	Dispatch(ctx context.Context, job domain.Transcription) <-chan domain.HandoffOutcome
}

// HandoffQueue carries hand-off requests to a separate worker process.
type HandoffQueue interface {
	PublishHandoff(ctx context.Context, transcriptionID string) error
	SubscribeHandoff(ctx context.Context, handler func(context.Context, string) error) error
}

// TokenSigner issues and verifies per-resource shared-secret tokens.
type TokenSigner interface {
	Sign(subject string) string
	Verify(subject, token string) bool
}

// TextFormatter runs the optional AI formatting pass over a raw transcript.
type TextFormatter interface {
	Format(ctx context.Context, job domain.Transcription) (string, error)
}

// JobMetrics records job lifecycle observations.
type JobMetrics interface {
	RecordSubmission(outcome string)
	RecordHandoff(outcome string, seconds float64)
	RecordCallback(result string)
}
