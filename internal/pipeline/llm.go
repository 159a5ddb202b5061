package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mailkb/internal/batch"
	"mailkb/internal/contextutil"
)

// LLMResult reports the outcome of LLM refinement for one batch.
type LLMResult struct {
	BatchID   string `json:"batch_id"`
	Skipped   bool   `json:"skipped"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Stopped   bool   `json:"stopped"`
}

// ProcessBatchesLLM refines the cleaned markdown of each batch through the
// agent. Per-batch failures are collected and logged, never propagated.
func (p *Pipeline) ProcessBatchesLLM(ctx context.Context, batchIDs []string) []LLMResult {
	logger := contextutil.LoggerFromContext(ctx)

	results := make([]LLMResult, 0, len(batchIDs))
	for _, id := range batchIDs {
		res, err := p.ProcessBatchLLM(ctx, id)
		if err != nil {
			logger.Error("llm processing failed", "batch_id", id, "error", err)
		}
		results = append(results, res)
		if res.Stopped {
			break
		}
	}
	return results
}

// ProcessBatchLLM runs the refinement stage for one batch: every cleaned
// markdown file without a final output is sent through a conversation with
// the agent and the response written to the final output directory.
//
// Files are distributed over a bounded worker pool. A cooperative stop lets
// in-flight files finish and starts no new ones. At least one success sets
// the llm_processed flag; zero successes leaves it unset so the stage can
// be retried.
func (p *Pipeline) ProcessBatchLLM(ctx context.Context, batchID string) (LLMResult, error) {
	logger := contextutil.LoggerFromContext(ctx).With("batch_id", batchID, "stage", StageLLM)
	result := LLMResult{BatchID: batchID}

	info, err := p.batches.Load(batchID)
	if err != nil {
		return result, err
	}
	if !info.Status.Cleaned {
		return result, fmt.Errorf("batch %s has not been cleaned", batchID)
	}

	processed, err := p.batches.ProcessedMarkdown(batchID)
	if err != nil {
		return result, err
	}
	if len(processed) == 0 {
		return result, ErrNoInput
	}

	finalDir := p.batches.FinalDir(batchID)
	if err := os.MkdirAll(finalDir, 0755); err != nil {
		return result, fmt.Errorf("failed to create output directory: %w", err)
	}

	// Smart skip: every cleaned file already has a refined counterpart.
	var pending []string
	for _, path := range processed {
		outPath := filepath.Join(finalDir, filepath.Base(path))
		if _, err := os.Stat(outPath); err == nil {
			continue
		}
		pending = append(pending, path)
	}
	if len(pending) == 0 {
		logger.Info("skipping batch, refined output already exists", "files", len(processed))
		result.Skipped = true
		return result, nil
	}

	result.Total = len(pending)
	p.Progress.Begin(batchID, StageLLM, len(pending))

	// The run scope carries stop requests; in-flight files keep the parent
	// context so a stop never aborts a request already on the wire.
	runCtx, release := p.Stop.Scope(ctx)
	defer release()

	var (
		mu        sync.Mutex
		succeeded int
		failed    int
	)

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.LLMWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			userID := fmt.Sprintf("%s_worker_%d", batchID, worker)
			for path := range jobs {
				// A job handed over in the same instant the stop landed is
				// dropped here, never started.
				if runCtx.Err() != nil {
					continue
				}
				ok := p.refineFile(ctx, logger, userID, path, finalDir)
				mu.Lock()
				if ok {
					succeeded++
				} else {
					failed++
				}
				mu.Unlock()
				p.Progress.Advance(batchID, ok)
				if p.opts.LLMDelay > 0 {
					time.Sleep(p.opts.LLMDelay)
				}
			}
		}(i)
	}

feed:
	for _, path := range pending {
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

	if result.Stopped && succeeded+failed < len(pending) {
		p.Progress.Finish(batchID, StateStopped)
		return result, ErrStopped
	}
	if succeeded == 0 {
		p.Progress.Finish(batchID, StateFailed)
		return result, ErrAllFailed
	}

	if _, err := p.batches.SetStatus(batchID, batch.StatusLLMProcessed); err != nil {
		return result, err
	}
	p.Progress.Finish(batchID, StateCompleted)
	logger.Info("batch refined", "succeeded", succeeded, "failed", failed)
	return result, nil
}

// refineFile pushes one cleaned document through a fresh conversation and
// writes the agent's response alongside the batch's other refined output.
func (p *Pipeline) refineFile(ctx context.Context, logger *slog.Logger, userID, path, finalDir string) bool {
	name := filepath.Base(path)

	content, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read cleaned file", "file", name, "error", err)
		return false
	}

	conversationID, err := p.agent.CreateConversation(ctx, userID)
	if err != nil {
		logger.Warn("failed to create conversation", "file", name, "error", err)
		return false
	}

	refined, err := p.agent.SendMessage(ctx, conversationID, string(content))
	if err != nil {
		logger.Warn("agent refinement failed", "file", name, "error", err)
		return false
	}

	outPath := filepath.Join(finalDir, name)
	if err := os.WriteFile(outPath, []byte(refined), 0644); err != nil {
		logger.Warn("failed to write refined file", "file", name, "error", err)
		return false
	}
	return true
}
