package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"mailkb/internal/batch"
	"mailkb/internal/contextutil"
	"mailkb/internal/pipeline"
)

// StageRunner runs the processing stages over sets of batches.
//
//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_runner.go -package=mocks mailkb/internal/handlers StageRunner
type StageRunner interface {
	CleanBatches(ctx context.Context, batchIDs []string) ([]pipeline.CleanResult, error)
	ProcessBatchesLLM(ctx context.Context, batchIDs []string) []pipeline.LLMResult
	UploadBatchesKB(ctx context.Context, batchIDs []string) []pipeline.KBResult
}

// AutoHandler serves the stage start/stop/progress endpoints. Stage runs
// execute in the background; clients follow along via the progress
// endpoint and interrupt with stop.
type AutoHandler struct {
	runner   StageRunner
	batches  *batch.Store
	progress *pipeline.Tracker
	stop     *pipeline.StopController
}

// NewAutoHandler creates a new AutoHandler.
func NewAutoHandler(runner StageRunner, batches *batch.Store, progress *pipeline.Tracker, stop *pipeline.StopController) *AutoHandler {
	return &AutoHandler{runner: runner, batches: batches, progress: progress, stop: stop}
}

// stageRequest optionally narrows a stage run to specific batches.
type stageRequest struct {
	BatchIDs []string `json:"batch_ids"`
}

// stageResponse acknowledges a started stage run.
type stageResponse struct {
	Success  bool     `json:"success"`
	BatchIDs []string `json:"batch_ids"`
	Message  string   `json:"message"`
}

// Clean starts the cleaning stage for the requested batches, defaulting to
// every batch that has not been cleaned yet.
func (h *AutoHandler) Clean(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, "clean", func(info *batch.Info) bool {
		return !info.Status.Cleaned
	}, func(ctx context.Context, ids []string) {
		_, _ = h.runner.CleanBatches(ctx, ids)
	})
}

// LLMProcess starts the refinement stage for the requested batches,
// defaulting to every cleaned batch without refined output.
func (h *AutoHandler) LLMProcess(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, "llm_process", func(info *batch.Info) bool {
		return info.Status.Cleaned && !info.Status.LLMProcessed
	}, func(ctx context.Context, ids []string) {
		h.runner.ProcessBatchesLLM(ctx, ids)
	})
}

// UploadKB starts the knowledge base upload stage for the requested
// batches, defaulting to every refined batch not yet uploaded.
func (h *AutoHandler) UploadKB(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, "kb_upload", func(info *batch.Info) bool {
		return info.Status.LLMProcessed && !info.Status.UploadedToKB
	}, func(ctx context.Context, ids []string) {
		h.runner.UploadBatchesKB(ctx, ids)
	})
}

func (h *AutoHandler) start(w http.ResponseWriter, r *http.Request, stage string, eligible func(*batch.Info) bool, run func(context.Context, []string)) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	ids := req.BatchIDs
	if len(ids) == 0 {
		var err error
		ids, err = h.eligibleBatches(eligible)
		if err != nil {
			logger.ErrorContext(ctx, "failed to select batches", "stage", stage, "error", err)
			writeError(w, r, http.StatusInternalServerError, "failed to select batches")
			return
		}
	}
	if len(ids) == 0 {
		writeJSON(w, r, http.StatusOK, stageResponse{
			Success: true, BatchIDs: []string{}, Message: "no eligible batches",
		})
		return
	}

	logger.InfoContext(ctx, "stage started", "stage", stage, "batches", len(ids))
	go run(context.WithoutCancel(ctx), ids)

	writeJSON(w, r, http.StatusAccepted, stageResponse{
		Success: true, BatchIDs: ids, Message: stage + " started",
	})
}

func (h *AutoHandler) eligibleBatches(eligible func(*batch.Info) bool) ([]string, error) {
	summaries, err := h.batches.List()
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, s := range summaries {
		// Batches without usable metadata never enter automated runs.
		if s.Lifecycle == batch.LifecycleNoMetadata || s.Lifecycle == batch.LifecycleCorrupted {
			continue
		}
		if eligible(s.Info) {
			ids = append(ids, s.Info.BatchID)
		}
	}
	return ids, nil
}

// Stop cancels every active stage run. In-flight files finish; no new
// ones start. Runs started afterwards are unaffected.
func (h *AutoHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.stop.RequestStop()
	contextutil.LoggerFromContext(r.Context()).Info("stop requested")
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true, "message": "stop requested, in-flight files will finish",
	})
}

// Progress returns the latest per-batch stage progress.
func (h *AutoHandler) Progress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"success": true, "progress": h.progress.Snapshot(),
	})
}
