package domain

import (
	"strings"
	"time"
)

type TranscriptionStatus string

const (
	StatusPending    TranscriptionStatus = "pending"
	StatusProcessing TranscriptionStatus = "processing"
	StatusCompleted  TranscriptionStatus = "completed"
	StatusFailed     TranscriptionStatus = "failed"
)

// ParseStatus normalizes status strings reported by the external workflow.
func ParseStatus(raw string) (TranscriptionStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "queued":
		return StatusPending, true
	case "processing", "in_progress", "in-progress", "running":
		return StatusProcessing, true
	case "completed", "complete", "done", "success":
		return StatusCompleted, true
	case "failed", "error", "failure":
		return StatusFailed, true
	default:
		return "", false
	}
}

func (s TranscriptionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition enforces the job state machine edges. Same-state writes are
// reported as not allowed; callers treat them as no-ops.
func CanTransition(from, to TranscriptionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusFailed:
		// A late callback with a transcript wins over a local hand-off timeout.
		return to == StatusCompleted
	default:
		return false
	}
}

type Transcription struct {
	ID              string              `json:"id"`
	OwnerID         string              `json:"owner_id"`
	Status          TranscriptionStatus `json:"status"`
	FileName        string              `json:"file_name"`
	FileSize        int64               `json:"file_size"`
	FileType        string              `json:"file_type"`
	AudioKey        string              `json:"audio_key,omitempty"`
	AudioURL        string              `json:"audio_url,omitempty"`
	DoctorName      string              `json:"doctor_name"`
	PatientName     string              `json:"patient_name"`
	DocumentType    string              `json:"document_type"`
	AdditionalNotes string              `json:"additional_notes,omitempty"`
	RawText         string              `json:"transcription_text,omitempty"`
	FormattedText   string              `json:"formatted_text,omitempty"`
	FinalText       string              `json:"final_text,omitempty"`
	Error           string              `json:"error,omitempty"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ProcessedAt     *time.Time          `json:"processed_at,omitempty"`
	ReviewedAt      *time.Time          `json:"reviewed_at,omitempty"`
}

// DisplayText returns the most refined transcript available.
func (t *Transcription) DisplayText() string {
	switch {
	case strings.TrimSpace(t.FinalText) != "":
		return t.FinalText
	case strings.TrimSpace(t.FormattedText) != "":
		return t.FormattedText
	default:
		return t.RawText
	}
}

// Transition is a conditional, single-row update of a job. Nil text fields
// are left untouched.
type Transition struct {
	To            TranscriptionStatus
	Reason        string
	Error         string
	RawText       *string
	FormattedText *string
	AudioURL      string
	Metadata      map[string]any
	Processed     bool
}

type StatusEvent struct {
	ID              int64               `json:"id"`
	TranscriptionID string              `json:"transcription_id"`
	FromStatus      TranscriptionStatus `json:"from_status"`
	ToStatus        TranscriptionStatus `json:"to_status"`
	Reason          string              `json:"reason"`
	Meta            map[string]any      `json:"meta,omitempty"`
	At              time.Time           `json:"at"`
}

type ListFilter struct {
	Status TranscriptionStatus
	Limit  int
	Offset int
}
