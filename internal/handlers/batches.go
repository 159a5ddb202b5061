package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"mailkb/internal/batch"
	"mailkb/internal/contextutil"
	"mailkb/internal/ledger"
)

// BatchHandler serves batch listing and administration endpoints.
type BatchHandler struct {
	batches *batch.Store
	ledger  ledger.Store
}

// NewBatchHandler creates a new BatchHandler.
func NewBatchHandler(batches *batch.Store, led ledger.Store) *BatchHandler {
	return &BatchHandler{batches: batches, ledger: led}
}

// ListResponse is the batch listing payload.
type ListResponse struct {
	Success bool            `json:"success"`
	Batches []batch.Summary `json:"batches"`
	Total   int             `json:"total"`
}

// List returns every batch with its lifecycle classification.
func (h *BatchHandler) List(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.batches.List()
	if err != nil {
		contextutil.LoggerFromContext(r.Context()).Error("failed to list batches", "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to list batches")
		return
	}
	writeJSON(w, r, http.StatusOK, ListResponse{Success: true, Batches: summaries, Total: len(summaries)})
}

// DetailResponse is the single-batch payload.
type DetailResponse struct {
	Success   bool        `json:"success"`
	Batch     *batch.Info `json:"batch"`
	Lifecycle string      `json:"lifecycle"`
	Processed []string    `json:"processed_files"`
	Final     []string    `json:"final_files"`
}

// Detail returns one batch's metadata and output inventory.
func (h *BatchHandler) Detail(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	info, err := h.batches.Load(batchID)
	if err != nil {
		h.writeLoadError(w, r, batchID, err)
		return
	}

	processed, _ := h.batches.ProcessedMarkdown(batchID)
	final, _ := h.batches.FinalMarkdown(batchID)
	writeJSON(w, r, http.StatusOK, DetailResponse{
		Success:   true,
		Batch:     info,
		Lifecycle: info.Lifecycle(),
		Processed: baseNames(processed),
		Final:     baseNames(final),
	})
}

// labelRequest carries a label update.
type labelRequest struct {
	Label  string `json:"label"`
	KBName string `json:"kb_name"`
}

// UpdateLabel replaces a batch's custom label.
func (h *BatchHandler) UpdateLabel(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.batches.UpdateLabel(batchID, req.Label); err != nil {
		if errors.Is(err, batch.ErrInvalidLabel) {
			writeError(w, r, http.StatusBadRequest, "label must not be empty")
			return
		}
		h.writeLoadError(w, r, batchID, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true, "batch_id": batchID, "label": strings.TrimSpace(req.Label),
	})
}

// LabelKB applies a manual knowledge-base label to an uploaded batch.
func (h *BatchHandler) LabelKB(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")

	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.KBName) == "" {
		writeError(w, r, http.StatusBadRequest, "kb_name is required")
		return
	}

	info, err := h.batches.LabelKB(batchID, strings.TrimSpace(req.KBName))
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) || errors.Is(err, batch.ErrNoMetadata) || errors.Is(err, batch.ErrCorrupted) {
			h.writeLoadError(w, r, batchID, err)
			return
		}
		writeError(w, r, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true, "batch_id": batchID, "kb_name": info.KBName,
	})
}

// Reset returns a batch to the uploaded-only state and frees its ledger
// entries so its emails can be processed again.
func (h *BatchHandler) Reset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)
	batchID := chi.URLParam(r, "batchID")

	if err := h.batches.Reset(batchID); err != nil {
		h.writeLoadError(w, r, batchID, err)
		return
	}

	removed, err := h.ledger.RemoveBatch(ctx, batchID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to prune ledger after reset", "batch_id", batchID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "batch reset but ledger pruning failed")
		return
	}

	logger.InfoContext(ctx, "batch reset", "batch_id", batchID, "ledger_entries_removed", removed)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true, "batch_id": batchID, "ledger_entries_removed": removed,
	})
}

// Delete removes a batch and its ledger entries entirely.
func (h *BatchHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)
	batchID := chi.URLParam(r, "batchID")

	if _, err := h.batches.Load(batchID); errors.Is(err, batch.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "batch not found")
		return
	}

	if err := h.batches.Delete(batchID); err != nil {
		logger.ErrorContext(ctx, "failed to delete batch", "batch_id", batchID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "failed to delete batch")
		return
	}

	removed, err := h.ledger.RemoveBatch(ctx, batchID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to prune ledger after delete", "batch_id", batchID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "batch deleted but ledger pruning failed")
		return
	}

	logger.InfoContext(ctx, "batch deleted", "batch_id", batchID, "ledger_entries_removed", removed)
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true, "batch_id": batchID, "ledger_entries_removed": removed,
	})
}

func (h *BatchHandler) writeLoadError(w http.ResponseWriter, r *http.Request, batchID string, err error) {
	switch {
	case errors.Is(err, batch.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "batch not found")
	case errors.Is(err, batch.ErrNoMetadata):
		writeError(w, r, http.StatusConflict, "batch has no metadata")
	case errors.Is(err, batch.ErrCorrupted):
		writeError(w, r, http.StatusConflict, "batch metadata is corrupted")
	default:
		contextutil.LoggerFromContext(r.Context()).Error("batch operation failed",
			"batch_id", batchID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func baseNames(paths []string) []string {
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	return names
}
