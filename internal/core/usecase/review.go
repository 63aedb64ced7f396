package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/core/ports"
)

// ReviewUseCase serves the owner-facing read and review operations.
type ReviewUseCase struct {
	repo      ports.TranscriptionRepository
	storage   ports.ObjectStorage
	formatter ports.TextFormatter
}

// NewReviewUseCase accepts a nil formatter; Format then reports ErrNotAvailable.
func NewReviewUseCase(repo ports.TranscriptionRepository, storage ports.ObjectStorage, formatter ports.TextFormatter) *ReviewUseCase {
	return &ReviewUseCase{repo: repo, storage: storage, formatter: formatter}
}

func (uc *ReviewUseCase) Get(ctx context.Context, ownerID, id string) (*domain.Transcription, error) {
	job, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, domain.WrapError(domain.ErrForbidden, "get transcription", fmt.Errorf("id=%s", id))
	}
	return job, nil
}

func (uc *ReviewUseCase) List(ctx context.Context, ownerID string, filter domain.ListFilter) ([]domain.Transcription, error) {
	if filter.Status != "" {
		status, ok := domain.ParseStatus(string(filter.Status))
		if !ok {
			return nil, domain.WrapError(domain.ErrInvalidInput, "list transcriptions", fmt.Errorf("unknown status %q", filter.Status))
		}
		filter.Status = status
	}
	jobs, err := uc.repo.ListByOwner(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list transcriptions: %w", err)
	}
	return jobs, nil
}

func (uc *ReviewUseCase) Events(ctx context.Context, ownerID, id string) ([]domain.StatusEvent, error) {
	if _, err := uc.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	events, err := uc.repo.ListEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list transcription events: %w", err)
	}
	return events, nil
}

// SaveReview stores the clinician-approved text of a completed job.
func (uc *ReviewUseCase) SaveReview(ctx context.Context, ownerID, id, finalText string) (*domain.Transcription, error) {
	finalText = strings.TrimSpace(finalText)
	if finalText == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "save review", errors.New("finalText is required"))
	}
	job, err := uc.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusCompleted {
		return nil, domain.WrapError(domain.ErrInvalidInput, "save review", fmt.Errorf("transcription is %s, not completed", job.Status))
	}
	if err := uc.repo.SaveFinalText(ctx, id, finalText); err != nil {
		return nil, fmt.Errorf("save final text: %w", err)
	}
	return uc.repo.GetByID(ctx, id)
}

// Format runs the AI formatting pass over the raw transcript.
func (uc *ReviewUseCase) Format(ctx context.Context, ownerID, id string) (*domain.Transcription, error) {
	if uc.formatter == nil {
		return nil, domain.WrapError(domain.ErrNotAvailable, "format transcription", errors.New("AI formatting is not configured"))
	}
	job, err := uc.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusCompleted || strings.TrimSpace(job.RawText) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "format transcription", errors.New("transcription has no completed text"))
	}

	formatted, err := uc.formatter.Format(ctx, *job)
	if err != nil {
		return nil, fmt.Errorf("format transcription: %w", err)
	}
	if err := uc.repo.SaveFormattedText(ctx, id, formatted); err != nil {
		return nil, fmt.Errorf("save formatted text: %w", err)
	}
	return uc.repo.GetByID(ctx, id)
}

// Delete removes the job and, best effort, its audio object.
func (uc *ReviewUseCase) Delete(ctx context.Context, ownerID, id string) error {
	job, err := uc.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := uc.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete transcription: %w", err)
	}
	if job.AudioKey != "" {
		if err := uc.storage.Delete(ctx, job.AudioKey); err != nil {
			slog.Warn("audio_delete_failed", "transcription_id", id, "key", job.AudioKey, "error", err)
		}
	}
	return nil
}
