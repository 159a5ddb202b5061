package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mailkb/internal/batch"
	"mailkb/internal/contextutil"
	"mailkb/internal/dedup"
	"mailkb/internal/email"
	"mailkb/internal/ledger"
)

// CleanResult reports the outcome of cleaning one batch.
type CleanResult struct {
	BatchID          string            `json:"batch_id"`
	Skipped          bool              `json:"skipped"`
	TotalFiles       int               `json:"total_files"`
	Survivors        int               `json:"survivors"`
	Duplicates       []dedup.Duplicate `json:"duplicates"`
	GlobalDuplicates []GlobalDuplicate `json:"global_duplicates"`
	ParseFailures    []string          `json:"parse_failures,omitempty"`
}

// GlobalDuplicate records an email skipped because another batch already
// processed the same file.
type GlobalDuplicate struct {
	Filename       string `json:"filename"`
	OwnerBatchID   string `json:"owner_batch_id"`
	FirstProcessed string `json:"first_processed"`
}

// CleanBatches runs the cleaning stage over the given batches. The ledger
// is loaded once up front; a load failure is logged and processing
// continues with an empty in-memory ledger. Per-batch failures are
// collected, never propagated.
func (p *Pipeline) CleanBatches(ctx context.Context, batchIDs []string) ([]CleanResult, error) {
	logger := contextutil.LoggerFromContext(ctx)

	if err := p.ledger.Load(ctx); err != nil {
		logger.Warn("ledger load failed, continuing with empty state", "error", err)
	}

	results := make([]CleanResult, 0, len(batchIDs))
	for _, id := range batchIDs {
		res, err := p.cleanBatch(ctx, id)
		if err != nil {
			logger.Error("batch cleaning failed", "batch_id", id, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// CleanBatch runs the cleaning stage for a single batch, loading the
// ledger first.
func (p *Pipeline) CleanBatch(ctx context.Context, batchID string) (CleanResult, error) {
	logger := contextutil.LoggerFromContext(ctx)
	if err := p.ledger.Load(ctx); err != nil {
		logger.Warn("ledger load failed, continuing with empty state", "error", err)
	}
	return p.cleanBatch(ctx, batchID)
}

func (p *Pipeline) cleanBatch(ctx context.Context, batchID string) (CleanResult, error) {
	logger := contextutil.LoggerFromContext(ctx).With("batch_id", batchID, "stage", StageClean)
	result := CleanResult{BatchID: batchID}

	if _, err := p.batches.Load(batchID); err != nil {
		return result, err
	}

	// Smart skip: cleaned output already on disk.
	if existing, err := p.batches.ProcessedMarkdown(batchID); err == nil && len(existing) > 0 {
		logger.Info("skipping batch, cleaned output already exists", "files", len(existing))
		result.Skipped = true
		return result, nil
	}

	files, err := p.batches.EmailFiles(batchID)
	if err != nil {
		return result, err
	}
	result.TotalFiles = len(files)
	if len(files) == 0 {
		return result, ErrNoInput
	}

	p.Progress.Begin(batchID, StageClean, len(files))

	records := make([]*email.Record, 0, len(files))
	for _, path := range files {
		name := filepath.Base(path)

		// An email owned by another batch is skipped outright, without
		// reading or parsing it.
		if entry, ok := p.ledger.Lookup(name); ok && entry.BatchID != batchID {
			logger.Info("skipping email processed by another batch",
				"file", name, "owner", entry.BatchID)
			result.GlobalDuplicates = append(result.GlobalDuplicates, GlobalDuplicate{
				Filename:       name,
				OwnerBatchID:   entry.BatchID,
				FirstProcessed: entry.ProcessedAt.Format(time.RFC3339),
			})
			p.Progress.Advance(batchID, false)
			continue
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read email file", "file", name, "error", err)
			result.ParseFailures = append(result.ParseFailures, name)
			p.Progress.Advance(batchID, false)
			continue
		}

		rec, err := email.Parse(raw, name)
		if err != nil {
			logger.Warn("failed to parse email", "file", name, "error", err)
			result.ParseFailures = append(result.ParseFailures, name)
			p.Progress.Advance(batchID, false)
			continue
		}

		// Claim catches the race with a concurrent cleaning run that slipped
		// past the lookup above.
		entry, claimed := p.ledger.Claim(name, ledgerEntry(batchID, rec.Subject))
		if !claimed && entry.BatchID != batchID {
			logger.Info("skipping email claimed by a concurrent batch",
				"file", name, "owner", entry.BatchID)
			result.GlobalDuplicates = append(result.GlobalDuplicates, GlobalDuplicate{
				Filename:       name,
				OwnerBatchID:   entry.BatchID,
				FirstProcessed: entry.ProcessedAt.Format(time.RFC3339),
			})
			p.Progress.Advance(batchID, false)
			continue
		}

		records = append(records, rec)
	}

	// Nothing parsed and nothing accounted for elsewhere: the batch stays
	// uncleaned so the stage can be retried.
	if len(records) == 0 && len(result.GlobalDuplicates) == 0 {
		p.Progress.Finish(batchID, StateFailed)
		return result, ErrAllFailed
	}

	survivors, duplicates := dedup.New(p.opts.DedupWindow).Partition(records)
	result.Survivors = len(survivors)
	result.Duplicates = duplicates

	outDir := p.batches.ProcessedDir(batchID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		p.Progress.Finish(batchID, StateFailed)
		return result, fmt.Errorf("failed to create output directory: %w", err)
	}

	now := time.Now()
	for _, rec := range survivors {
		doc := RenderMarkdown(rec, now)
		outPath := filepath.Join(outDir, MarkdownFilename(rec.SourceFilename))
		if err := os.WriteFile(outPath, []byte(doc), 0644); err != nil {
			p.Progress.Finish(batchID, StateFailed)
			return result, fmt.Errorf("failed to write %s: %w", outPath, err)
		}
		p.Progress.Advance(batchID, true)
	}
	for range duplicates {
		p.Progress.Advance(batchID, true)
	}

	// Ledger durability comes before the cleaned flag: a crash between the
	// two is recovered by re-cleaning, never by double processing.
	if err := p.ledger.Persist(ctx); err != nil {
		p.Progress.Finish(batchID, StateFailed)
		return result, fmt.Errorf("failed to persist ledger: %w", err)
	}

	if _, err := p.batches.SetStatus(batchID, batch.StatusCleaned); err != nil {
		p.Progress.Finish(batchID, StateFailed)
		return result, err
	}
	if err := p.batches.SetDedupStats(batchID, batch.DedupStats{
		TotalEmails:      result.TotalFiles,
		UniqueEmails:     result.Survivors,
		Duplicates:       len(result.Duplicates),
		GlobalDuplicates: len(result.GlobalDuplicates),
	}); err != nil {
		return result, err
	}

	p.Progress.Finish(batchID, StateCompleted)
	logger.Info("batch cleaned",
		"total", result.TotalFiles,
		"survivors", result.Survivors,
		"duplicates", len(result.Duplicates),
		"global_duplicates", len(result.GlobalDuplicates))
	return result, nil
}

func ledgerEntry(batchID, subject string) ledger.Entry {
	return ledger.Entry{
		BatchID:     batchID,
		ProcessedAt: time.Now(),
		Subject:     subject,
	}
}
