package openai

import (
	"fmt"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

const maxTranscriptChars = 24000

const systemPrompt = `You format dictated medical transcripts into clean clinical documents.
Keep every clinical fact exactly as dictated. Do not invent findings, doses or diagnoses.
Fix obvious speech-recognition errors, punctuation and paragraphing.
Use plain text section headings appropriate to the document type. No markdown code fences.`

func buildFormatPrompt(job domain.Transcription) string {
	text := job.RawText
	if len(text) > maxTranscriptChars {
		text = text[:maxTranscriptChars]
	}
	notes := job.AdditionalNotes
	if notes == "" {
		notes = "none"
	}

	return fmt.Sprintf(`Document type: %s
Doctor: %s
Patient: %s
Additional notes: %s

Transcript:
%s
`, job.DocumentType, job.DoctorName, job.PatientName, notes, text)
}
