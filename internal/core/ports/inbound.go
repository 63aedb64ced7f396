package ports

import (
	"context"
	"io"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

// SubmitRequest carries an uploaded audio file plus its metadata.
type SubmitRequest struct {
	OwnerID         string    `json:"-"`
	FileName        string    `json:"fileName" validate:"required"`
	ContentType     string    `json:"fileType"`
	Size            int64     `json:"fileSize"`
	Body            io.Reader `json:"-"`
	DoctorName      string    `json:"doctorName" validate:"required"`
	PatientName     string    `json:"patientName" validate:"required"`
	DocumentType    string    `json:"documentType" validate:"required"`
	AdditionalNotes string    `json:"additionalNotes" validate:"max=4000"`
}

// StoredSubmitRequest registers audio the browser already uploaded to storage.
type StoredSubmitRequest struct {
	OwnerID         string `json:"-"`
	AudioURL        string `json:"audioUrl" validate:"required,url"`
	FileName        string `json:"fileName" validate:"required"`
	FileSize        int64  `json:"fileSize" validate:"gt=0"`
	FileType        string `json:"fileType"`
	DoctorName      string `json:"doctorName" validate:"required"`
	PatientName     string `json:"patientName" validate:"required"`
	DocumentType    string `json:"documentType" validate:"required"`
	AdditionalNotes string `json:"additionalNotes" validate:"max=4000"`
}

type SubmitResult struct {
	Transcription *domain.Transcription
	Status        domain.TranscriptionStatus
	// Settled is false when the grace window elapsed before the hand-off finished.
	Settled bool
	Queued  bool
	Message string
}

// TranscriptionSubmitter is the inbound contract for job submission.
type TranscriptionSubmitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	SubmitStored(ctx context.Context, req StoredSubmitRequest) (*SubmitResult, error)
}

type CallbackResult struct {
	Status  domain.TranscriptionStatus
	Applied bool
	Message string
}

// CallbackReceiver reconciles external workflow callbacks.
type CallbackReceiver interface {
	Apply(ctx context.Context, id, token string, payload domain.CallbackPayload) (*CallbackResult, error)
}

// StatusObserver pushes job status changes until a terminal state or timeout.
type StatusObserver interface {
	Watch(ctx context.Context, id string, emit func(domain.WatchEvent) error) error
}

// TranscriptionManager covers owner-facing review operations.
type TranscriptionManager interface {
	Get(ctx context.Context, ownerID, id string) (*domain.Transcription, error)
	List(ctx context.Context, ownerID string, filter domain.ListFilter) ([]domain.Transcription, error)
	Events(ctx context.Context, ownerID, id string) ([]domain.StatusEvent, error)
	SaveReview(ctx context.Context, ownerID, id, finalText string) (*domain.Transcription, error)
	Format(ctx context.Context, ownerID, id string) (*domain.Transcription, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// HandoffRunner performs the external hand-off for one job.
type HandoffRunner interface {
	Run(ctx context.Context, job domain.Transcription) domain.HandoffOutcome
	RunByID(ctx context.Context, id string) error
}
