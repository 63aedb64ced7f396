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

// CallbackUseCase reconciles results posted back by the external workflow.
type CallbackUseCase struct {
	repo    ports.TranscriptionRepository
	signer  ports.TokenSigner
	metrics ports.JobMetrics
}

func NewCallbackUseCase(repo ports.TranscriptionRepository, signer ports.TokenSigner, metrics ports.JobMetrics) *CallbackUseCase {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &CallbackUseCase{repo: repo, signer: signer, metrics: metrics}
}

// Apply verifies the callback token before touching the store, then applies
// the payload as one conditional transition. Replays are no-ops.
func (uc *CallbackUseCase) Apply(ctx context.Context, id, token string, payload domain.CallbackPayload) (*ports.CallbackResult, error) {
	id = strings.TrimSpace(id)
	if id == "" || !uc.signer.Verify(id, token) {
		uc.metrics.RecordCallback("unauthorized")
		return nil, domain.WrapError(domain.ErrUnauthorized, "verify callback", errors.New("invalid or missing callback token"))
	}

	if bodyID := strings.TrimSpace(payload.TranscriptionID); bodyID != "" && bodyID != id {
		uc.metrics.RecordCallback("invalid")
		return nil, domain.WrapError(domain.ErrInvalidInput, "apply callback", fmt.Errorf("transcriptionId %q does not match %q", bodyID, id))
	}

	status, ok := payload.ResolveStatus()
	if !ok {
		uc.metrics.RecordCallback("invalid")
		return nil, domain.WrapError(domain.ErrInvalidInput, "apply callback", errors.New("callback carries no transcription, error or known status"))
	}

	tr := buildCallbackTransition(status, payload)
	applied, err := uc.repo.Transition(ctx, id, tr)
	if err != nil {
		if domain.IsKind(err, domain.ErrJobNotFound) {
			uc.metrics.RecordCallback("not_found")
			slog.Warn("callback_unknown_transcription", "transcription_id", id, "step", "callback")
			return nil, err
		}
		uc.metrics.RecordCallback("error")
		return nil, fmt.Errorf("apply callback: %w", err)
	}

	if !applied {
		current, err := uc.repo.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load transcription: %w", err)
		}
		uc.metrics.RecordCallback("replay")
		slog.Info("callback_ignored", "transcription_id", id, "step", "callback", "status", current.Status, "reported", status)
		message := "status unchanged"
		if current.Status.IsTerminal() {
			message = "already " + string(current.Status)
		}
		return &ports.CallbackResult{Status: current.Status, Applied: false, Message: message}, nil
	}

	uc.metrics.RecordCallback("applied")
	slog.Info("callback_applied", "transcription_id", id, "step", "callback", "status", status)
	return &ports.CallbackResult{Status: status, Applied: true, Message: "transcription updated"}, nil
}

func buildCallbackTransition(status domain.TranscriptionStatus, payload domain.CallbackPayload) domain.Transition {
	tr := domain.Transition{
		To:       status,
		Reason:   "callback",
		AudioURL: strings.TrimSpace(payload.AudioURL),
	}
	if reported := strings.TrimSpace(payload.Status); reported != "" {
		tr.Metadata = map[string]any{"callback_status": reported}
	}
	if text := strings.TrimSpace(payload.Transcription); text != "" {
		tr.RawText = &text
	}
	if formatted := strings.TrimSpace(payload.FormattedText); formatted != "" {
		tr.FormattedText = &formatted
	}
	switch status {
	case domain.StatusCompleted:
		tr.Processed = true
	case domain.StatusFailed:
		tr.Processed = true
		tr.Error = strings.TrimSpace(payload.Error)
		if tr.Error == "" {
			tr.Error = "external workflow reported failure"
		}
	}
	return tr
}
