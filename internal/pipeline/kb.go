package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"mailkb/internal/batch"
	"mailkb/internal/contextutil"
)

// KBResult reports the outcome of uploading one batch to the knowledge base.
type KBResult struct {
	BatchID   string `json:"batch_id"`
	Skipped   bool   `json:"skipped"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Stopped   bool   `json:"stopped"`
	KBName    string `json:"kb_name,omitempty"`
}

// UploadBatchesKB uploads each batch's refined documents to the knowledge
// base. Per-batch failures are collected and logged, never propagated.
func (p *Pipeline) UploadBatchesKB(ctx context.Context, batchIDs []string) []KBResult {
	logger := contextutil.LoggerFromContext(ctx)

	results := make([]KBResult, 0, len(batchIDs))
	for _, id := range batchIDs {
		res, err := p.UploadBatchKB(ctx, id)
		if err != nil {
			logger.Error("kb upload failed", "batch_id", id, "error", err)
		}
		results = append(results, res)
		if res.Stopped {
			break
		}
	}
	return results
}

// UploadBatchKB uploads one batch's refined markdown to the knowledge base
// through a small worker pool. At least one success sets the
// uploaded_to_kb flag; afterwards the knowledge base name is fetched
// best-effort and recorded, and a lookup failure never rolls the flag back.
func (p *Pipeline) UploadBatchKB(ctx context.Context, batchID string) (KBResult, error) {
	logger := contextutil.LoggerFromContext(ctx).With("batch_id", batchID, "stage", StageKBUpload)
	result := KBResult{BatchID: batchID}

	info, err := p.batches.Load(batchID)
	if err != nil {
		return result, err
	}
	if info.Status.UploadedToKB {
		logger.Info("skipping batch, already uploaded to knowledge base")
		result.Skipped = true
		return result, nil
	}
	if !info.Status.LLMProcessed {
		return result, fmt.Errorf("batch %s has not been llm processed", batchID)
	}

	files, err := p.batches.FinalMarkdown(batchID)
	if err != nil {
		return result, err
	}
	if len(files) == 0 {
		return result, ErrNoInput
	}

	result.Total = len(files)
	p.Progress.Begin(batchID, StageKBUpload, len(files))

	runCtx, release := p.Stop.Scope(ctx)
	defer release()

	var (
		mu        sync.Mutex
		succeeded int
		failed    int
	)

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.KBWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				ok := p.uploadFile(ctx, logger, path)
				mu.Lock()
				if ok {
					succeeded++
				} else {
					failed++
				}
				mu.Unlock()
				p.Progress.Advance(batchID, ok)
			}
		}()
	}

feed:
	for _, path := range files {
		select {
		case <-runCtx.Done():
			break feed
		case jobs <- path:
		}
	}
	close(jobs)
	wg.Wait()

	result.Succeeded = succeeded
	result.Failed = failed
	result.Stopped = runCtx.Err() != nil

	if result.Stopped && succeeded+failed < len(files) {
		p.Progress.Finish(batchID, StateStopped)
		return result, ErrStopped
	}
	if succeeded == 0 {
		p.Progress.Finish(batchID, StateFailed)
		return result, ErrAllFailed
	}

	if _, err := p.batches.SetStatus(batchID, batch.StatusUploadedToKB); err != nil {
		return result, err
	}

	// Best effort: tag the batch with the receiving knowledge base's name.
	if kbs, err := p.kb.ListKnowledgeBases(ctx); err != nil {
		logger.Warn("failed to look up knowledge base name", "error", err)
	} else if len(kbs) > 0 {
		result.KBName = kbs[0].Name
		if err := p.batches.SetKBName(batchID, kbs[0].Name); err != nil {
			logger.Warn("failed to record knowledge base name", "error", err)
		}
	}

	p.Progress.Finish(batchID, StateCompleted)
	logger.Info("batch uploaded to knowledge base", "succeeded", succeeded, "failed", failed)
	return result, nil
}

func (p *Pipeline) uploadFile(ctx context.Context, logger *slog.Logger, path string) bool {
	name := filepath.Base(path)

	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read refined file", "file", name, "error", err)
		return false
	}

	if _, err := p.kb.UploadDocument(ctx, name, string(content), p.opts.ChunkToken); err != nil {
		logger.Warn("document upload failed", "file", name, "error", err)
		return false
	}
	return true
}
