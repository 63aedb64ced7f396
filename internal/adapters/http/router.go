package httpadapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kirillkom/medscribe/internal/config"
	"github.com/kirillkom/medscribe/internal/core/ports"
	"github.com/kirillkom/medscribe/internal/observability/metrics"
)

const (
	ownerHeader    = "X-User-Id"
	anonymousOwner = "anonymous"
	audioRoute     = "/v1/audio/"
)

// AudioDownloads serves stored audio behind signed links. Only the local
// filesystem storage needs it; S3 hands out presigned URLs instead.
type AudioDownloads interface {
	VerifyDownload(key, token string) bool
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Services are the inbound ports the router dispatches to. Downloads, Metrics
// and Health are optional.
type Services struct {
	Submitter ports.TranscriptionSubmitter
	Callbacks ports.CallbackReceiver
	Observer  ports.StatusObserver
	Manager   ports.TranscriptionManager
	Downloads AudioDownloads
	Metrics   *metrics.HTTPServerMetrics
	Health    func() map[string]string
}

type Router struct {
	svc Services

	dashboardAPIKey  string
	maxUploadBytes   int64
	rateLimitRPS     float64
	rateLimitBurst   int
	maxInFlight      int
	backpressureWait time.Duration
}

func NewRouter(cfg config.Config, svc Services) *Router {
	return &Router{
		svc:              svc,
		dashboardAPIKey:  strings.TrimSpace(cfg.DashboardAPIKey),
		maxUploadBytes:   cfg.MaxUploadBytes,
		rateLimitRPS:     cfg.APIRateLimitRPS,
		rateLimitBurst:   cfg.APIRateLimitBurst,
		maxInFlight:      cfg.APIBackpressureMaxInFlight,
		backpressureWait: time.Duration(cfg.APIBackpressureWaitMillis) * time.Millisecond,
	}
}

func (rt *Router) Handler() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/healthz", rt.healthz).Methods(http.MethodGet)
	if rt.svc.Metrics != nil {
		r.Handle("/metrics", rt.svc.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/transcriptions", rt.ownerAuth(rt.submit)).Methods(http.MethodPost)
	api.HandleFunc("/transcriptions", rt.ownerAuth(rt.list)).Methods(http.MethodGet)
	api.HandleFunc("/transcriptions/{id}", rt.ownerAuth(rt.get)).Methods(http.MethodGet)
	api.HandleFunc("/transcriptions/{id}", rt.ownerAuth(rt.delete)).Methods(http.MethodDelete)
	api.HandleFunc("/transcriptions/{id}/stream", rt.ownerAuth(rt.stream)).Methods(http.MethodGet)
	api.HandleFunc("/transcriptions/{id}/events", rt.ownerAuth(rt.events)).Methods(http.MethodGet)
	api.HandleFunc("/transcriptions/{id}/review", rt.ownerAuth(rt.review)).Methods(http.MethodPut)
	api.HandleFunc("/transcriptions/{id}/format", rt.ownerAuth(rt.format)).Methods(http.MethodPost)
	api.HandleFunc("/transcriptions/{id}/callback", rt.callback).Methods(http.MethodPost, http.MethodPut)
	if rt.svc.Downloads != nil {
		api.PathPrefix("/audio/").HandlerFunc(rt.downloadAudio).Methods(http.MethodGet)
	}

	var handler http.Handler = r
	// Streams hold a connection for minutes; they are not counted against
	// the in-flight gate.
	handler = bypass(isStreamRequest, backpressureMiddleware(handler, rt.maxInFlight, rt.backpressureWait), handler)
	// The workflow must always be able to report results.
	handler = bypass(isUnthrottled, rateLimitMiddleware(handler, rt.rateLimitRPS, rt.rateLimitBurst), handler)
	if rt.svc.Metrics != nil {
		handler = rt.svc.Metrics.Middleware("api", handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]string{"status": "ok"}
	if rt.svc.Health != nil {
		for key, value := range rt.svc.Health() {
			payload[key] = value
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func isStreamRequest(r *http.Request) bool {
	return strings.HasSuffix(r.URL.Path, "/stream")
}

// isUnthrottled exempts probes and workflow callbacks: dropping a callback
// would leave its job stuck in processing.
func isUnthrottled(r *http.Request) bool {
	return isProbe(r.URL.Path) || strings.HasSuffix(r.URL.Path, "/callback")
}

type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorResponse{
		Error:     message,
		RequestID: requestIDFromContext(r.Context()),
	})
}

// writeDomainError maps an error kind to a status. Internal failures are
// logged with detail and reported generically.
func writeDomainError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := mapErrorToHTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"operation", operation,
			"status", status,
			"error", err,
		)
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	writeError(w, r, status, message)
}

func decodeJSON(r *http.Request, limit int64, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, limit))
	return decoder.Decode(dst)
}
