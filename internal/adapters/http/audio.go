package httpadapter

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// downloadAudio serves locally stored audio to the external workflow. The
// link carries a token signed for the storage key.
func (rt *Router) downloadAudio(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, audioRoute)
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if key == "" || !rt.svc.Downloads.VerifyDownload(key, token) {
		writeError(w, r, http.StatusUnauthorized, "invalid or expired download link")
		return
	}

	rc, err := rt.svc.Downloads.Open(r.Context(), key)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "audio not found")
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, no-store")

	if seeker, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, path.Base(key), time.Time{}, seeker)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("audio_download_interrupted", "key", key, "error", err)
	}
}
