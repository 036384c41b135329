package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"nicknamer/server/internal/db"
)

// errorResponse is the body of every JSON error.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

const unauthorizedMessage = "Authentication required to access this resource"

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeUnauthorized is the single response for every token or session failure.
func writeUnauthorized(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", unauthorizedMessage)
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Session store unavailable, try again")
}

// writeStoreError answers a failed store call: 503 for outages, 500 otherwise.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrStoreUnavailable) {
		writeUnavailable(w)
		return
	}
	writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error")
}
