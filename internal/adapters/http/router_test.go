package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/medscribe/internal/config"
	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/core/ports"
)

type submitterFake struct {
	result    *ports.SubmitResult
	err       error
	got       ports.SubmitRequest
	gotStored ports.StoredSubmitRequest
	audio     []byte
}

func (f *submitterFake) Submit(_ context.Context, req ports.SubmitRequest) (*ports.SubmitResult, error) {
	f.got = req
	if req.Body != nil {
		f.audio, _ = io.ReadAll(req.Body)
	}
	return f.result, f.err
}

func (f *submitterFake) SubmitStored(_ context.Context, req ports.StoredSubmitRequest) (*ports.SubmitResult, error) {
	f.gotStored = req
	return f.result, f.err
}

type callbacksFake struct {
	result  *ports.CallbackResult
	err     error
	token   string
	payload domain.CallbackPayload
}

func (f *callbacksFake) Apply(_ context.Context, _ string, token string, payload domain.CallbackPayload) (*ports.CallbackResult, error) {
	f.token = token
	f.payload = payload
	return f.result, f.err
}

type observerFake struct {
	events []domain.WatchEvent
}

func (f observerFake) Watch(_ context.Context, _ string, emit func(domain.WatchEvent) error) error {
	for _, event := range f.events {
		if err := emit(event); err != nil {
			return err
		}
	}
	return nil
}

type managerFake struct {
	job   *domain.Transcription
	err   error
	owner string
}

func (f *managerFake) Get(_ context.Context, ownerID, _ string) (*domain.Transcription, error) {
	f.owner = ownerID
	return f.job, f.err
}

func (f *managerFake) List(_ context.Context, ownerID string, _ domain.ListFilter) ([]domain.Transcription, error) {
	f.owner = ownerID
	if f.err != nil {
		return nil, f.err
	}
	return []domain.Transcription{}, nil
}

func (f *managerFake) Events(context.Context, string, string) ([]domain.StatusEvent, error) {
	return []domain.StatusEvent{}, f.err
}

func (f *managerFake) SaveReview(_ context.Context, _ string, _ string, finalText string) (*domain.Transcription, error) {
	if f.err != nil {
		return nil, f.err
	}
	job := *f.job
	job.FinalText = finalText
	return &job, nil
}

func (f *managerFake) Format(context.Context, string, string) (*domain.Transcription, error) {
	return f.job, f.err
}

func (f *managerFake) Delete(context.Context, string, string) error { return f.err }

func newTestRouter(cfg config.Config, svc Services) http.Handler {
	if svc.Submitter == nil {
		svc.Submitter = &submitterFake{}
	}
	if svc.Callbacks == nil {
		svc.Callbacks = &callbacksFake{}
	}
	if svc.Observer == nil {
		svc.Observer = observerFake{}
	}
	if svc.Manager == nil {
		svc.Manager = &managerFake{job: &domain.Transcription{ID: "job-1", Status: domain.StatusPending}}
	}
	return NewRouter(cfg, svc).Handler()
}

func newTestHandler(cfg config.Config) http.Handler {
	return newTestRouter(cfg, Services{})
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(bytes.NewReader(res.Body.Bytes())).Decode(&body); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, res.Body.String())
	}
	return body
}

func multipartSubmit(t *testing.T, fields map[string]string, fileName string, audio []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if fileName != "" {
		part, err := writer.CreateFormFile("audio", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(audio); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		kind error
		want int
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrJobNotFound, http.StatusNotFound},
		{domain.ErrNotAvailable, http.StatusNotImplemented},
		{domain.ErrTemporary, http.StatusServiceUnavailable},
		{domain.ErrExternal, http.StatusBadGateway},
		{domain.ErrStorage, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := domain.WrapError(tc.kind, "op", errors.New("detail"))
		if got := mapErrorToHTTPStatus(err); got != tc.want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestSubmitMultipartPassesFieldsAndOwner(t *testing.T) {
	submitter := &submitterFake{result: &ports.SubmitResult{
		Transcription: &domain.Transcription{ID: "job-1"},
		Status:        domain.StatusProcessing,
		Message:       "transcription started",
	}}
	handler := newTestRouter(config.Config{MaxUploadBytes: 1 << 20}, Services{Submitter: submitter})

	req := multipartSubmit(t, map[string]string{
		"doctorName":   "Dr. Smith",
		"patientName":  "Jane Doe",
		"documentType": "consultation",
	}, "visit.wav", []byte("RIFFxxxxWAVE"))
	req.Header.Set(ownerHeader, "clinician-7")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	body := decodeBody(t, res)
	if body["success"] != true || body["transcriptionId"] != "job-1" || body["status"] != "processing" {
		t.Fatalf("unexpected body %v", body)
	}
	if submitter.got.OwnerID != "clinician-7" || submitter.got.DoctorName != "Dr. Smith" || submitter.got.FileName != "visit.wav" {
		t.Fatalf("unexpected request %+v", submitter.got)
	}
	if string(submitter.audio) != "RIFFxxxxWAVE" {
		t.Fatalf("unexpected audio %q", submitter.audio)
	}
}

func TestSubmitStatusCodes(t *testing.T) {
	cases := []struct {
		status  domain.TranscriptionStatus
		code    int
		success bool
	}{
		{domain.StatusProcessing, http.StatusOK, true},
		{domain.StatusPending, http.StatusAccepted, true},
		{domain.StatusFailed, http.StatusAccepted, false},
	}
	for _, tc := range cases {
		submitter := &submitterFake{result: &ports.SubmitResult{
			Transcription: &domain.Transcription{ID: "job-1"},
			Status:        tc.status,
		}}
		handler := newTestRouter(config.Config{}, Services{Submitter: submitter})

		payload := `{"audioUrl":"https://s/a.wav","fileName":"a.wav","fileSize":10,"doctorName":"d","patientName":"p","documentType":"t"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)

		if res.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.status, tc.code, res.Code)
		}
		if decodeBody(t, res)["success"] != tc.success {
			t.Fatalf("%s: unexpected success flag", tc.status)
		}
		if submitter.gotStored.AudioURL != "https://s/a.wav" || submitter.gotStored.OwnerID != anonymousOwner {
			t.Fatalf("unexpected stored request %+v", submitter.gotStored)
		}
	}
}

func TestSubmitMapsValidationErrorTo400(t *testing.T) {
	submitter := &submitterFake{err: domain.WrapError(domain.ErrInvalidInput, "validate submission", errors.New("audio file is required"))}
	handler := newTestRouter(config.Config{}, Services{Submitter: submitter})

	req := multipartSubmit(t, map[string]string{"doctorName": "Dr. Smith"}, "", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	body := decodeBody(t, res)
	if body["success"] != false || !strings.Contains(body["error"].(string), "audio file is required") {
		t.Fatalf("unexpected body %v", body)
	}
	if submitter.got.Body != nil {
		t.Fatalf("missing audio field must reach the use case as nil body")
	}
}

func TestSubmitRejectsUnknownContentType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	res := httptest.NewRecorder()
	newTestHandler(config.Config{}).ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	manager := &managerFake{err: errors.New("pq: connection refused to 10.0.0.5")}
	handler := newTestRouter(config.Config{}, Services{Manager: manager})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/transcriptions/job-1", nil))

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if strings.Contains(res.Body.String(), "10.0.0.5") {
		t.Fatalf("internal detail leaked: %s", res.Body.String())
	}
}

func TestGetTranscriptionReturns404ForNotFound(t *testing.T) {
	manager := &managerFake{err: domain.WrapError(domain.ErrJobNotFound, "get", errors.New("id=missing"))}
	handler := newTestRouter(config.Config{}, Services{Manager: manager})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/transcriptions/missing", nil))

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestOwnerRoutesRequireDashboardKey(t *testing.T) {
	manager := &managerFake{job: &domain.Transcription{ID: "job-1"}}
	handler := newTestRouter(config.Config{DashboardAPIKey: "secret"}, Services{Manager: manager})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/transcriptions/job-1", nil))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", res.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/transcriptions/job-1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set(ownerHeader, "clinician-7")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", res.Code)
	}
	if manager.owner != "clinician-7" {
		t.Fatalf("expected owner from header, got %q", manager.owner)
	}
}

func TestCallbackIsNotBehindDashboardKey(t *testing.T) {
	callbacks := &callbacksFake{result: &ports.CallbackResult{Status: domain.StatusCompleted, Applied: true, Message: "transcription updated"}}
	handler := newTestRouter(config.Config{DashboardAPIKey: "secret"}, Services{Callbacks: callbacks})

	req := httptest.NewRequest(http.MethodPut, "/v1/transcriptions/job-1/callback", strings.NewReader(`{"transcription":"text"}`))
	req.Header.Set(callbackTokenHeader, "signed-token")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody(t, res)
	if body["success"] != true || body["message"] != "transcription updated" {
		t.Fatalf("unexpected body %v", body)
	}
	if callbacks.token != "signed-token" || callbacks.payload.Transcription != "text" {
		t.Fatalf("unexpected callback input token=%q payload=%+v", callbacks.token, callbacks.payload)
	}
}

func TestCallbackTokenSources(t *testing.T) {
	cases := map[string]func(*http.Request){
		"query":  func(r *http.Request) { r.URL.RawQuery = "token=tok" },
		"header": func(r *http.Request) { r.Header.Set(callbackTokenHeader, "tok") },
		"bearer": func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") },
	}
	for name, apply := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions/job-1/callback", nil)
		apply(req)
		if got := callbackToken(req); got != "tok" {
			t.Fatalf("%s: callbackToken() = %q", name, got)
		}
	}
}

func TestCallbackMapsUnauthorizedTo401(t *testing.T) {
	callbacks := &callbacksFake{err: domain.WrapError(domain.ErrUnauthorized, "verify callback", errors.New("invalid token"))}
	handler := newTestRouter(config.Config{}, Services{Callbacks: callbacks})

	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions/job-1/callback?token=stale", strings.NewReader(`{"transcription":"text"}`))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestCallbackWithoutTokenIsRejectedBeforeBodyIsRead(t *testing.T) {
	callbacks := &callbacksFake{result: &ports.CallbackResult{Status: domain.StatusCompleted}}
	handler := newTestRouter(config.Config{}, Services{Callbacks: callbacks})

	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions/job-1/callback", strings.NewReader(`{not json`))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	if callbacks.token != "" || callbacks.payload.Transcription != "" {
		t.Fatalf("callback use case must not be reached")
	}
}

func TestCallbackRejectsMalformedJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/transcriptions/job-1/callback?token=x", strings.NewReader(`{not json`))
	res := httptest.NewRecorder()
	newTestHandler(config.Config{}).ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestStreamWritesServerSentEvents(t *testing.T) {
	observer := observerFake{events: []domain.WatchEvent{
		{Type: domain.WatchEventStatus, Data: domain.StatusSnapshot{ID: "job-1", Status: domain.StatusCompleted}},
		{Type: domain.WatchEventComplete, Data: domain.StatusSnapshot{ID: "job-1", Status: domain.StatusCompleted, Text: "done"}},
	}}
	handler := newTestRouter(config.Config{}, Services{Observer: observer})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/transcriptions/job-1/stream", nil))

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := res.Body.String()
	for _, want := range []string{"event:status", "event:complete", `"text":"done"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in stream body %q", want, body)
		}
	}
}

func TestStreamReturnsJSONErrorBeforeOpening(t *testing.T) {
	manager := &managerFake{err: domain.WrapError(domain.ErrForbidden, "get", errors.New("id=job-1"))}
	handler := newTestRouter(config.Config{}, Services{Manager: manager})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/transcriptions/job-1/stream", nil))

	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestReviewAndFormatRoutes(t *testing.T) {
	manager := &managerFake{job: &domain.Transcription{ID: "job-1", Status: domain.StatusCompleted}}
	handler := newTestRouter(config.Config{}, Services{Manager: manager})

	req := httptest.NewRequest(http.MethodPut, "/v1/transcriptions/job-1/review", strings.NewReader(`{"finalText":"approved"}`))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK || decodeBody(t, res)["final_text"] != "approved" {
		t.Fatalf("unexpected review response %d %s", res.Code, res.Body.String())
	}

	manager.err = domain.WrapError(domain.ErrNotAvailable, "format", errors.New("not configured"))
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/transcriptions/job-1/format", nil))
	if res.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without formatter, got %d", res.Code)
	}
}

func TestListRejectsBadPaging(t *testing.T) {
	res := httptest.NewRecorder()
	newTestHandler(config.Config{}).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/transcriptions?limit=abc", nil))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestHealthzReportsExtraState(t *testing.T) {
	handler := newTestRouter(config.Config{}, Services{Health: func() map[string]string {
		return map[string]string{"workflow_breaker": "closed"}
	}})

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	body := decodeBody(t, res)
	if body["status"] != "ok" || body["workflow_breaker"] != "closed" {
		t.Fatalf("unexpected health body %v", body)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	res := httptest.NewRecorder()
	newTestHandler(config.Config{}).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	if decodeBody(t, res)["error"] != "not found" {
		t.Fatalf("unexpected body %s", res.Body.String())
	}
}
