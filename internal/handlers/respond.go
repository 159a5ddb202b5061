// Package handlers implements the JSON HTTP handlers for batch upload,
// administration, and pipeline control.
package handlers

import (
	"encoding/json"
	"net/http"

	"mailkb/internal/contextutil"
)

// errorResponse is the JSON shape for handler failures.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		contextutil.LoggerFromContext(r.Context()).Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, errorResponse{Success: false, Error: message})
}
