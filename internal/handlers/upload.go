package handlers

import (
	"net/http"
	"strings"

	"mailkb/internal/batch"
	"mailkb/internal/contextutil"
)

// maxUploadBytes bounds one upload request. EML files are small; the cap
// exists to reject runaway multipart bodies.
const maxUploadBytes = 256 << 20

// UploadHandler accepts multipart uploads of .eml files and creates a new
// batch for them.
type UploadHandler struct {
	batches *batch.Store
}

// NewUploadHandler creates a new UploadHandler.
func NewUploadHandler(batches *batch.Store) *UploadHandler {
	return &UploadHandler{batches: batches}
}

// SkippedFile describes one uploaded file that was not stored.
type SkippedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
	BatchID  string `json:"batch_id,omitempty"`
}

// UploadResponse reports the outcome of an upload request.
type UploadResponse struct {
	Success bool          `json:"success"`
	BatchID string        `json:"batch_id"`
	Saved   int           `json:"saved"`
	Skipped []SkippedFile `json:"skipped"`
	Message string        `json:"message"`
}

// ServeHTTP handles the upload. A non-empty label is required; files
// already stored in any existing batch are skipped so the same email never
// enters the system twice.
func (h *UploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}

	label := strings.TrimSpace(r.FormValue("label"))
	if label == "" {
		writeError(w, r, http.StatusBadRequest, "label is required")
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, r, http.StatusBadRequest, "no files provided")
		return
	}

	existing, err := h.batches.ExistingFilenames()
	if err != nil {
		logger.ErrorContext(ctx, "failed to scan existing batches", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to scan existing batches")
		return
	}

	info, err := h.batches.Create(label)
	if err != nil {
		logger.ErrorContext(ctx, "failed to create batch", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to create batch")
		return
	}

	var skipped []SkippedFile
	seen := make(map[string]bool)
	for _, fh := range files {
		name := batch.SanitizeFilename(fh.Filename)
		switch {
		case name == "":
			skipped = append(skipped, SkippedFile{Filename: fh.Filename, Reason: "invalid filename"})
			continue
		case !strings.HasSuffix(strings.ToLower(name), ".eml"):
			skipped = append(skipped, SkippedFile{Filename: name, Reason: "not an .eml file"})
			continue
		case seen[name]:
			skipped = append(skipped, SkippedFile{Filename: name, Reason: "duplicate in upload"})
			continue
		}
		if owner, found := existing[name]; found {
			skipped = append(skipped, SkippedFile{Filename: name, Reason: "already uploaded", BatchID: owner})
			continue
		}

		f, err := fh.Open()
		if err != nil {
			logger.WarnContext(ctx, "failed to open uploaded file", "file", name, "error", err)
			skipped = append(skipped, SkippedFile{Filename: name, Reason: "unreadable"})
			continue
		}
		saveErr := h.batches.SaveFile(info, name, f)
		_ = f.Close()
		if saveErr != nil {
			logger.WarnContext(ctx, "failed to store uploaded file", "file", name, "error", saveErr)
			skipped = append(skipped, SkippedFile{Filename: name, Reason: "storage error"})
			continue
		}
		seen[name] = true
	}

	if len(info.Files) == 0 {
		// Nothing usable arrived; do not leave an empty batch behind.
		if err := h.batches.Delete(info.BatchID); err != nil {
			logger.WarnContext(ctx, "failed to remove empty batch", "batch_id", info.BatchID, "error", err)
		}
		writeJSON(w, r, http.StatusBadRequest, UploadResponse{
			BatchID: "",
			Skipped: skipped,
			Message: "no files saved",
		})
		return
	}

	if err := h.batches.Save(info); err != nil {
		logger.ErrorContext(ctx, "failed to save batch metadata", "batch_id", info.BatchID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to save batch metadata")
		return
	}

	logger.InfoContext(ctx, "batch uploaded",
		"batch_id", info.BatchID, "saved", len(info.Files), "skipped", len(skipped))
	writeJSON(w, r, http.StatusOK, UploadResponse{
		Success: true,
		BatchID: info.BatchID,
		Saved:   len(info.Files),
		Skipped: skipped,
		Message: "upload complete",
	})
}
