package httpadapter

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

const callbackTokenHeader = "X-Callback-Token"

type callbackResponse struct {
	Success bool                       `json:"success"`
	Message string                     `json:"message"`
	Status  domain.TranscriptionStatus `json:"status,omitempty"`
}

// callback receives the external workflow result. It is authenticated by the
// signed token embedded in the callback URL, not by the dashboard key.
func (rt *Router) callback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	token := callbackToken(r)
	if token == "" {
		writeError(w, r, http.StatusUnauthorized, "missing callback token")
		return
	}

	var payload domain.CallbackPayload
	if err := decodeJSON(r, jsonBodyLimit, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	result, err := rt.svc.Callbacks.Apply(r.Context(), id, token, payload)
	if err != nil {
		writeDomainError(w, r, "apply callback", err)
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{Success: true, Message: result.Message, Status: result.Status})
}

func callbackToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get(callbackTokenHeader)); token != "" {
		return token
	}
	token, _ := bearerToken(r.Header.Get("Authorization"))
	return token
}
