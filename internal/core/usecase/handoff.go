package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/core/ports"
)

const (
	defaultWorkflowTimeout = 45 * time.Second
	statusWriteTimeout     = 5 * time.Second
	statusWriteAttempts    = 3
	statusWriteBackoff     = 100 * time.Millisecond
	maxReplyMetaChars      = 512
)

type HandoffOptions struct {
	CallbackBaseURL string
	Timeout         time.Duration
	// InlineAudioMaxBytes enables audioBase64 in the payload for small files.
	InlineAudioMaxBytes int64
}

// HandoffUseCase notifies the external workflow about a stored job and
// records whether it was accepted.
type HandoffUseCase struct {
	repo     ports.TranscriptionRepository
	storage  ports.ObjectStorage
	workflow ports.WorkflowClient
	signer   ports.TokenSigner
	metrics  ports.JobMetrics

	callbackBaseURL     string
	timeout             time.Duration
	inlineAudioMaxBytes int64
	now                 func() time.Time
}

func NewHandoffUseCase(
	repo ports.TranscriptionRepository,
	storage ports.ObjectStorage,
	workflow ports.WorkflowClient,
	signer ports.TokenSigner,
	metrics ports.JobMetrics,
	opts HandoffOptions,
) *HandoffUseCase {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultWorkflowTimeout
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &HandoffUseCase{
		repo:                repo,
		storage:             storage,
		workflow:            workflow,
		signer:              signer,
		metrics:             metrics,
		callbackBaseURL:     strings.TrimRight(opts.CallbackBaseURL, "/"),
		timeout:             timeout,
		inlineAudioMaxBytes: opts.InlineAudioMaxBytes,
		now:                 time.Now,
	}
}

// Run triggers the workflow under its own deadline and writes the outcome to
// the job. Writes are conditional, so a callback that already finished the
// job is never overwritten.
func (uc *HandoffUseCase) Run(ctx context.Context, job domain.Transcription) domain.HandoffOutcome {
	started := uc.now()
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.timeout)
	defer cancel()

	logger := slog.With("transcription_id", job.ID, "step", "handoff")
	logger.Info("handoff_started", "timeout", uc.timeout.String())

	payload := uc.buildPayload(runCtx, job)
	reply, err := uc.workflow.Trigger(runCtx, payload)
	elapsed := uc.now().Sub(started).Seconds()

	if err != nil {
		outcome := "failed"
		message := fmt.Sprintf("external workflow failed: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			message = fmt.Sprintf("external workflow timed out after %s", uc.timeout)
		}
		uc.metrics.RecordHandoff(outcome, elapsed)
		logger.Error("handoff_failed", "outcome", outcome, "error", err)

		applied, writeErr := uc.transition(ctx, job.ID, domain.Transition{
			To:        domain.StatusFailed,
			Reason:    "handoff",
			Error:     message,
			Processed: true,
			Metadata:  map[string]any{"handoff_outcome": outcome},
		})
		if writeErr != nil {
			return domain.HandoffOutcome{
				Status: domain.StatusFailed,
				Err:    domain.WrapError(domain.ErrTemporary, "record handoff failure", fmt.Errorf("%s: %w", message, writeErr)),
			}
		}
		if !applied {
			if current, err := uc.repo.GetByID(context.WithoutCancel(ctx), job.ID); err == nil && current.Status == domain.StatusCompleted {
				return domain.HandoffOutcome{Status: domain.StatusCompleted}
			}
		}
		return domain.HandoffOutcome{Status: domain.StatusFailed, Err: errors.New(message)}
	}

	outcome := "accepted"
	if reply.AsyncAccepted {
		outcome = "async_accepted"
	}
	uc.metrics.RecordHandoff(outcome, elapsed)
	logger.Info("handoff_accepted", "outcome", outcome, "workflow_status", reply.StatusCode)

	meta := map[string]any{
		"handoff_outcome": outcome,
		"workflow_status": reply.StatusCode,
	}
	if reply.Body != "" {
		meta["workflow_reply"] = truncate(reply.Body, maxReplyMetaChars)
	}
	applied, writeErr := uc.transition(ctx, job.ID, domain.Transition{
		To:       domain.StatusProcessing,
		Reason:   "handoff",
		Metadata: meta,
	})
	if writeErr != nil {
		// The workflow has the job but the store does not know it. A later
		// callback may still complete it from failed.
		return domain.HandoffOutcome{
			Status: domain.StatusFailed,
			Err:    domain.WrapError(domain.ErrTemporary, "record handoff acceptance", writeErr),
		}
	}
	if !applied {
		// The callback beat us; report what the job is now.
		if current, err := uc.repo.GetByID(context.WithoutCancel(ctx), job.ID); err == nil {
			return domain.HandoffOutcome{Status: current.Status}
		}
	}
	return domain.HandoffOutcome{Status: domain.StatusProcessing}
}

// RunByID is the queue worker entry point. Jobs that already left pending
// are skipped, so redelivered messages are harmless.
func (uc *HandoffUseCase) RunByID(ctx context.Context, id string) error {
	job, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load transcription: %w", err)
	}
	if job.Status != domain.StatusPending {
		slog.Info("handoff_skipped", "transcription_id", id, "step", "handoff", "status", job.Status)
		return nil
	}
	outcome := uc.Run(ctx, *job)
	return outcome.Err
}

// CallbackURL is where the workflow reports the result for id.
func (uc *HandoffUseCase) CallbackURL(id string) string {
	return fmt.Sprintf("%s/v1/transcriptions/%s/callback?token=%s",
		uc.callbackBaseURL,
		url.PathEscape(id),
		url.QueryEscape(uc.signer.Sign(id)),
	)
}

func (uc *HandoffUseCase) buildPayload(ctx context.Context, job domain.Transcription) domain.WorkflowPayload {
	payload := domain.WorkflowPayload{
		UploadID:        job.ID,
		AudioURL:        job.AudioURL,
		FileName:        job.FileName,
		FileSize:        job.FileSize,
		FileType:        job.FileType,
		DoctorName:      job.DoctorName,
		PatientName:     job.PatientName,
		DocumentType:    job.DocumentType,
		AdditionalNotes: job.AdditionalNotes,
		CallbackURL:     uc.CallbackURL(job.ID),
	}
	if uc.inlineAudioMaxBytes > 0 && job.AudioKey != "" && job.FileSize > 0 && job.FileSize <= uc.inlineAudioMaxBytes {
		encoded, err := uc.inlineAudio(ctx, job.AudioKey)
		if err != nil {
			slog.Warn("inline_audio_skipped", "transcription_id", job.ID, "step", "handoff", "error", err)
		} else {
			payload.AudioBase64 = encoded
		}
	}
	return payload
}

func (uc *HandoffUseCase) inlineAudio(ctx context.Context, key string) (string, error) {
	rc, err := uc.storage.Open(ctx, key)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, uc.inlineAudioMaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if int64(len(raw)) > uc.inlineAudioMaxBytes {
		return "", fmt.Errorf("audio larger than inline limit")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// transition writes on a fresh deadline: the run context may already be
// expired when the workflow timed out. Store errors get a few attempts
// inside that deadline.
func (uc *HandoffUseCase) transition(ctx context.Context, id string, tr domain.Transition) (bool, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	wait := statusWriteBackoff
	for attempt := 1; ; attempt++ {
		applied, err := uc.repo.Transition(writeCtx, id, tr)
		if err == nil {
			return applied, nil
		}
		slog.Error("handoff_status_write_failed",
			"transcription_id", id,
			"step", "handoff",
			"to", tr.To,
			"attempt", attempt,
			"error", err,
		)
		if attempt >= statusWriteAttempts || domain.IsKind(err, domain.ErrJobNotFound) {
			return false, err
		}
		select {
		case <-writeCtx.Done():
			return false, err
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

type noopMetrics struct{}

func (noopMetrics) RecordSubmission(string)       {}
func (noopMetrics) RecordHandoff(string, float64) {}
func (noopMetrics) RecordCallback(string)         {}
