package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/core/ports"
	"github.com/kirillkom/medscribe/internal/core/validation"
)

const defaultHandoffGrace = 900 * time.Millisecond

type SubmitOptions struct {
	MaxUploadBytes int64
	// HandoffGrace is how long Submit waits for the hand-off before answering.
	HandoffGrace time.Duration
}

type SubmitUseCase struct {
	repo       ports.TranscriptionRepository
	storage    ports.ObjectStorage
	dispatcher ports.HandoffDispatcher
	metrics    ports.JobMetrics
	validate   *validator.Validate

	maxUploadBytes int64
	grace          time.Duration
	now            func() time.Time
}

func NewSubmitUseCase(
	repo ports.TranscriptionRepository,
	storage ports.ObjectStorage,
	dispatcher ports.HandoffDispatcher,
	metrics ports.JobMetrics,
	opts SubmitOptions,
) *SubmitUseCase {
	grace := opts.HandoffGrace
	if grace <= 0 {
		grace = defaultHandoffGrace
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &SubmitUseCase{
		repo:           repo,
		storage:        storage,
		dispatcher:     dispatcher,
		metrics:        metrics,
		validate:       newValidator(),
		maxUploadBytes: opts.MaxUploadBytes,
		grace:          grace,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the upload, records the job, stores the audio and starts
// the external hand-off. Nothing is written when validation fails.
func (uc *SubmitUseCase) Submit(ctx context.Context, req ports.SubmitRequest) (*ports.SubmitResult, error) {
	req = normalizeSubmit(req)
	body, contentType, err := uc.checkUpload(req)
	if err != nil {
		uc.metrics.RecordSubmission("rejected")
		return nil, err
	}
	req.ContentType = contentType

	id := uuid.NewString()
	job := uc.newJob(id, req.OwnerID, req.FileName, req.Size, contentType, req.DoctorName, req.PatientName, req.DocumentType, req.AdditionalNotes)
	job.AudioKey = audioKey(job.OwnerID, id, req.FileName)

	if err := uc.repo.Create(ctx, job); err != nil {
		uc.metrics.RecordSubmission("error")
		return nil, fmt.Errorf("create transcription: %w", err)
	}

	if err := uc.storage.Save(ctx, job.AudioKey, body, req.Size, contentType); err != nil {
		uc.abandon(ctx, job, "storage upload failed", err)
		return nil, domain.WrapError(domain.ErrStorage, "upload audio", err)
	}

	audioURL, err := uc.storage.URL(ctx, job.AudioKey)
	if err != nil {
		uc.abandon(ctx, job, "storage url failed", err)
		return nil, domain.WrapError(domain.ErrStorage, "resolve audio url", err)
	}
	if err := uc.repo.SetAudioReference(ctx, id, job.AudioKey, audioURL); err != nil {
		uc.abandon(ctx, job, "save audio reference failed", err)
		return nil, fmt.Errorf("save audio reference: %w", err)
	}
	job.AudioURL = audioURL

	slog.Info("transcription_submitted",
		"transcription_id", id,
		"step", "upload",
		"file_size", validation.FormatFileSize(req.Size),
		"content_type", contentType,
	)
	return uc.handOff(ctx, job), nil
}

// SubmitStored registers audio that is already in storage and starts the
// hand-off with the given URL.
func (uc *SubmitUseCase) SubmitStored(ctx context.Context, req ports.StoredSubmitRequest) (*ports.SubmitResult, error) {
	req = normalizeStored(req)
	if err := validateStruct(uc.validate, "validate submission", req); err != nil {
		uc.metrics.RecordSubmission("rejected")
		return nil, err
	}
	if err := validation.CheckSize(req.FileSize, uc.maxUploadBytes); err != nil {
		uc.metrics.RecordSubmission("rejected")
		return nil, domain.WrapError(domain.ErrInvalidInput, "validate submission", err)
	}
	if !validation.IsAllowedAudio(req.FileType, req.FileName) {
		uc.metrics.RecordSubmission("rejected")
		return nil, domain.WrapError(domain.ErrInvalidInput, "validate submission", fmt.Errorf("unsupported audio type %q", req.FileType))
	}

	job := uc.newJob(uuid.NewString(), req.OwnerID, req.FileName, req.FileSize, req.FileType, req.DoctorName, req.PatientName, req.DocumentType, req.AdditionalNotes)
	job.AudioURL = req.AudioURL
	job.Metadata = map[string]any{"source": "storage_first"}

	if err := uc.repo.Create(ctx, job); err != nil {
		uc.metrics.RecordSubmission("error")
		return nil, fmt.Errorf("create transcription: %w", err)
	}
	slog.Info("transcription_submitted", "transcription_id", job.ID, "step", "register")
	return uc.handOff(ctx, job), nil
}

// handOff dispatches the job and waits at most the grace window. The
// hand-off keeps running after this returns.
func (uc *SubmitUseCase) handOff(ctx context.Context, job *domain.Transcription) *ports.SubmitResult {
	outcomes := uc.dispatcher.Dispatch(ctx, *job)

	timer := time.NewTimer(uc.grace)
	defer timer.Stop()

	var result *ports.SubmitResult
	select {
	case outcome := <-outcomes:
		result = uc.settle(ctx, job, outcome)
	case <-timer.C:
		result = &ports.SubmitResult{
			Status:  domain.StatusPending,
			Message: "accepted; hand-off continues in background",
		}
	case <-ctx.Done():
		result = &ports.SubmitResult{
			Status:  domain.StatusPending,
			Message: "accepted; hand-off continues in background",
		}
	}

	job.Status = result.Status
	if result.Status == domain.StatusFailed {
		job.Error = result.Message
	}
	result.Transcription = job
	uc.metrics.RecordSubmission(string(result.Status))
	return result
}

func (uc *SubmitUseCase) settle(ctx context.Context, job *domain.Transcription, outcome domain.HandoffOutcome) *ports.SubmitResult {
	switch {
	case outcome.Queued:
		return &ports.SubmitResult{Status: domain.StatusPending, Settled: true, Queued: true, Message: "queued for processing"}
	case outcome.Err != nil || outcome.Status == domain.StatusFailed:
		message := "external workflow failed"
		if outcome.Err != nil {
			message = outcome.Err.Error()
		}
		// The in-process hand-off already wrote this; queue publish failures did not.
		uc.markFailed(ctx, job.ID, message)
		return &ports.SubmitResult{Status: domain.StatusFailed, Settled: true, Message: message}
	default:
		return &ports.SubmitResult{Status: outcome.Status, Settled: true, Message: "transcription started"}
	}
}

func (uc *SubmitUseCase) checkUpload(req ports.SubmitRequest) (io.Reader, string, error) {
	if req.Body == nil {
		return nil, "", domain.WrapError(domain.ErrInvalidInput, "validate submission", errors.New("audio file is required"))
	}
	if err := validateStruct(uc.validate, "validate submission", req); err != nil {
		return nil, "", err
	}
	if err := validation.CheckSize(req.Size, uc.maxUploadBytes); err != nil {
		return nil, "", domain.WrapError(domain.ErrInvalidInput, "validate submission", err)
	}

	contentType := strings.TrimSpace(req.ContentType)
	if validation.IsAllowedMIME(contentType) {
		return req.Body, contentType, nil
	}

	// Declared type is missing or generic: look at the bytes.
	head := make([]byte, validation.SniffBytes)
	n, err := io.ReadFull(req.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, "", domain.WrapError(domain.ErrInvalidInput, "read audio", err)
	}
	head = head[:n]
	body := io.MultiReader(bytes.NewReader(head), req.Body)

	if detected, ok := validation.SniffAudio(head); ok {
		return body, detected, nil
	}
	if validation.IsAllowedAudio(contentType, req.FileName) {
		return body, "application/octet-stream", nil
	}
	return nil, "", domain.WrapError(
		domain.ErrInvalidInput,
		"validate submission",
		fmt.Errorf("unsupported audio type %q for %s", contentType, req.FileName),
	)
}

func (uc *SubmitUseCase) newJob(id, ownerID, fileName string, size int64, fileType, doctor, patient, docType, notes string) *domain.Transcription {
	now := uc.now()
	return &domain.Transcription{
		ID:              id,
		OwnerID:         ownerID,
		Status:          domain.StatusPending,
		FileName:        fileName,
		FileSize:        size,
		FileType:        fileType,
		DoctorName:      doctor,
		PatientName:     patient,
		DocumentType:    docType,
		AdditionalNotes: notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// abandon marks a job failed after a storage step and removes whatever part
// of the upload landed.
func (uc *SubmitUseCase) abandon(ctx context.Context, job *domain.Transcription, reason string, cause error) {
	uc.metrics.RecordSubmission("storage_error")
	slog.Error("transcription_submit_failed",
		"transcription_id", job.ID,
		"step", "upload",
		"reason", reason,
		"error", cause,
	)
	uc.markFailed(ctx, job.ID, fmt.Sprintf("%s: %v", reason, cause))
	if err := uc.storage.Delete(context.WithoutCancel(ctx), job.AudioKey); err != nil {
		slog.Warn("audio_cleanup_failed", "transcription_id", job.ID, "key", job.AudioKey, "error", err)
	}
}

func (uc *SubmitUseCase) markFailed(ctx context.Context, id, message string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	_, err := uc.repo.Transition(writeCtx, id, domain.Transition{
		To:     domain.StatusFailed,
		Reason: "submit",
		Error:  message,
	})
	if err != nil {
		slog.Error("mark_failed_error", "transcription_id", id, "step", "submit", "error", err)
	}
}

func normalizeSubmit(req ports.SubmitRequest) ports.SubmitRequest {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.FileName = strings.TrimSpace(req.FileName)
	req.DoctorName = strings.TrimSpace(req.DoctorName)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.DocumentType = strings.TrimSpace(req.DocumentType)
	req.AdditionalNotes = strings.TrimSpace(req.AdditionalNotes)
	return req
}

func normalizeStored(req ports.StoredSubmitRequest) ports.StoredSubmitRequest {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.AudioURL = strings.TrimSpace(req.AudioURL)
	req.FileName = strings.TrimSpace(req.FileName)
	req.FileType = strings.TrimSpace(req.FileType)
	req.DoctorName = strings.TrimSpace(req.DoctorName)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.DocumentType = strings.TrimSpace(req.DocumentType)
	req.AdditionalNotes = strings.TrimSpace(req.AdditionalNotes)
	return req
}

func audioKey(ownerID, id, fileName string) string {
	owner := sanitizeFilename(ownerID)
	if owner == "" {
		owner = "anonymous"
	}
	return fmt.Sprintf("audio/%s/%s/%s", owner, id, sanitizeFilename(fileName))
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if strings.Trim(base, ".") == "" {
		return "recording.bin"
	}
	return base
}
