package httpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gorilla/mux"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

// stream pushes status frames for one job as server-sent events. Ownership
// is checked before the stream opens so errors still get a JSON status.
func (rt *Router) stream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := rt.svc.Manager.Get(r.Context(), ownerFromContext(r.Context()), id); err != nil {
		writeDomainError(w, r, "stream transcription", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming is not supported by response writer")
		return
	}

	w.Header().Set("Content-Type", sse.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if rt.svc.Metrics != nil {
		rt.svc.Metrics.StreamOpened()
		defer rt.svc.Metrics.StreamClosed()
	}

	err := rt.svc.Observer.Watch(r.Context(), id, func(event domain.WatchEvent) error {
		if err := sse.Encode(w, sse.Event{Event: string(event.Type), Data: event}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("status_stream_closed",
			"request_id", requestIDFromContext(r.Context()),
			"transcription_id", id,
			"error", err,
		)
	}
}
