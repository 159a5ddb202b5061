package handlers

import (
	"net/http"
	"os"
	"time"

	"mailkb/internal/contextutil"
)

// HealthHandler handles HTTP requests for health checks.
type HealthHandler struct {
	uploadsRoot string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(uploadsRoot string) *HealthHandler {
	return &HealthHandler{uploadsRoot: uploadsRoot}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Issues    []string          `json:"issues,omitempty"`
}

// ServeHTTP reports whether the service can reach its storage.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := contextutil.LoggerFromContext(r.Context())

	checks := make(map[string]string)
	var issues []string

	if info, err := os.Stat(h.uploadsRoot); err != nil || !info.IsDir() {
		logger.Warn("uploads root unavailable", "path", h.uploadsRoot, "error", err)
		checks["storage"] = "error"
		issues = append(issues, "storage_unavailable")
	} else {
		checks["storage"] = "ok"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if len(issues) > 0 {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Issues:    issues,
	})
}
