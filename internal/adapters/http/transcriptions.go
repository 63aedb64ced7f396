package httpadapter

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/core/ports"
)

const (
	multipartMemoryBytes = 32 << 20
	multipartOverhead    = 1 << 20
	jsonBodyLimit        = 10 << 20
)

type submitResponse struct {
	Success         bool                       `json:"success"`
	TranscriptionID string                     `json:"transcriptionId"`
	Status          domain.TranscriptionStatus `json:"status"`
	Message         string                     `json:"message"`
}

type listResponse struct {
	Transcriptions []domain.Transcription `json:"transcriptions"`
	Limit          int                    `json:"limit"`
	Offset         int                    `json:"offset"`
}

type reviewRequest struct {
	FinalText string `json:"finalText"`
}

// submit accepts a multipart upload or, for the storage-first flow, a JSON
// body that references audio already in storage.
func (rt *Router) submit(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		result *ports.SubmitResult
		err    error
	)
	switch mediaType {
	case "application/json":
		var req ports.StoredSubmitRequest
		if decodeErr := decodeJSON(r, jsonBodyLimit, &req); decodeErr != nil {
			writeError(w, r, http.StatusBadRequest, "invalid json")
			return
		}
		req.OwnerID = ownerFromContext(r.Context())
		result, err = rt.svc.Submitter.SubmitStored(r.Context(), req)
	case "multipart/form-data":
		req, cleanup, parseErr := rt.parseMultipartSubmit(w, r)
		if parseErr != nil {
			writeError(w, r, http.StatusBadRequest, parseErr.Error())
			return
		}
		defer cleanup()
		result, err = rt.svc.Submitter.Submit(r.Context(), req)
	default:
		writeError(w, r, http.StatusBadRequest, "expected multipart/form-data or application/json")
		return
	}
	if err != nil {
		writeDomainError(w, r, "submit transcription", err)
		return
	}

	writeJSON(w, submitStatusCode(result), submitResponse{
		Success:         result.Status != domain.StatusFailed,
		TranscriptionID: result.Transcription.ID,
		Status:          result.Status,
		Message:         result.Message,
	})
}

// submitStatusCode answers 200 once the workflow accepted the job and 202
// while the hand-off is still running, queued or degraded.
func submitStatusCode(result *ports.SubmitResult) int {
	if result.Status == domain.StatusProcessing || result.Status == domain.StatusCompleted {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func (rt *Router) parseMultipartSubmit(w http.ResponseWriter, r *http.Request) (ports.SubmitRequest, func(), error) {
	noop := func() {}
	if rt.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ports.SubmitRequest{}, noop, errors.New("audio file exceeds the upload limit")
		}
		return ports.SubmitRequest{}, noop, errors.New("invalid multipart form")
	}
	cleanup := func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}

	req := ports.SubmitRequest{
		OwnerID:         ownerFromContext(r.Context()),
		DoctorName:      r.FormValue("doctorName"),
		PatientName:     r.FormValue("patientName"),
		DocumentType:    r.FormValue("documentType"),
		AdditionalNotes: r.FormValue("additionalNotes"),
	}

	file, header, err := r.FormFile("audio")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		// The use case reports the missing file alongside other field errors.
		return req, cleanup, nil
	case err != nil:
		cleanup()
		return ports.SubmitRequest{}, noop, errors.New("invalid audio field")
	}

	req.FileName = header.Filename
	req.ContentType = header.Header.Get("Content-Type")
	req.Size = header.Size
	req.Body = file
	return req, func() {
		_ = file.Close()
		cleanup()
	}, nil
}

func (rt *Router) list(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.ListFilter{Status: domain.TranscriptionStatus(strings.TrimSpace(query.Get("status")))}
	var err error
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be an integer")
		return
	}

	jobs, err := rt.svc.Manager.List(r.Context(), ownerFromContext(r.Context()), filter)
	if err != nil {
		writeDomainError(w, r, "list transcriptions", err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Transcriptions: jobs, Limit: filter.Limit, Offset: filter.Offset})
}

func (rt *Router) get(w http.ResponseWriter, r *http.Request) {
	job, err := rt.svc.Manager.Get(r.Context(), ownerFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, r, "get transcription", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) events(w http.ResponseWriter, r *http.Request) {
	events, err := rt.svc.Manager.Events(r.Context(), ownerFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, r, "list transcription events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (rt *Router) review(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeJSON(r, jsonBodyLimit, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	job, err := rt.svc.Manager.SaveReview(r.Context(), ownerFromContext(r.Context()), mux.Vars(r)["id"], req.FinalText)
	if err != nil {
		writeDomainError(w, r, "save review", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) format(w http.ResponseWriter, r *http.Request) {
	job, err := rt.svc.Manager.Format(r.Context(), ownerFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, r, "format transcription", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (rt *Router) delete(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.Manager.Delete(r.Context(), ownerFromContext(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeDomainError(w, r, "delete transcription", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
