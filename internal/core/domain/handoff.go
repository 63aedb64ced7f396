package domain

import "strings"

// WorkflowPayload is the outbound request sent to the external transcription workflow.
type WorkflowPayload struct {
	UploadID        string `json:"uploadId"`
	AudioURL        string `json:"audioUrl"`
	AudioBase64     string `json:"audioBase64,omitempty"`
	FileName        string `json:"fileName"`
	FileSize        int64  `json:"fileSize"`
	FileType        string `json:"fileType"`
	DoctorName      string `json:"doctorName"`
	PatientName     string `json:"patientName"`
	DocumentType    string `json:"documentType"`
	AdditionalNotes string `json:"additionalNotes,omitempty"`
	CallbackURL     string `json:"callbackUrl"`
}

// WorkflowReply describes an accepted hand-off.
type WorkflowReply struct {
	StatusCode int
	Body       string
	// AsyncAccepted is set when a non-2xx reply carried the async-accept idiom.
	AsyncAccepted bool
}

// HandoffOutcome is what a finished (or enqueued) hand-off reports back to
// the submission path.
type HandoffOutcome struct {
	Status TranscriptionStatus
	Err    error
	Queued bool
}

// CallbackPayload is the body the external workflow posts back.
type CallbackPayload struct {
	TranscriptionID string `json:"transcriptionId"`
	Transcription   string `json:"transcription"`
	FormattedText   string `json:"formattedText"`
	Status          string `json:"status"`
	AudioURL        string `json:"audioUrl"`
	Error           string `json:"error"`
}

// ResolveStatus applies the partial-payload rules: transcript implies
// completed, error implies failed, otherwise the reported status is used.
func (p CallbackPayload) ResolveStatus() (TranscriptionStatus, bool) {
	if strings.TrimSpace(p.Transcription) != "" {
		return StatusCompleted, true
	}
	if strings.TrimSpace(p.Error) != "" {
		return StatusFailed, true
	}
	if strings.TrimSpace(p.Status) == "" {
		return "", false
	}
	return ParseStatus(p.Status)
}
