package handlers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mailkb/internal/batch"
	"mailkb/internal/ledger"
	"mailkb/internal/pipeline"
)

func newTestStore(t *testing.T) (*batch.Store, ledger.Store) {
	t.Helper()
	root := t.TempDir()
	uploads := filepath.Join(root, "uploads")
	processed := filepath.Join(root, "processed")
	final := filepath.Join(root, "final_output")
	for _, dir := range []string{uploads, processed, final} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}
	return batch.NewStore(uploads, processed, final), ledger.NewFileStore(uploads)
}

func createTestBatch(t *testing.T, store *batch.Store, label string, filenames ...string) *batch.Info {
	t.Helper()
	info, err := store.Create(label)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, name := range filenames {
		content := "From: a@example.com\nTo: b@example.com\nSubject: " + name + "\n\nbody of " + name + "\n"
		if err := store.SaveFile(info, name, strings.NewReader(content)); err != nil {
			t.Fatalf("SaveFile(%s) error = %v", name, err)
		}
	}
	if err := store.Save(info); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return info
}

// fakeRunner records which batches each stage was asked to run.
type fakeRunner struct {
	mu      sync.Mutex
	cleaned []string
	llm     []string
	kb      []string
	done    chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{done: make(chan struct{}, 8)}
}

func (f *fakeRunner) CleanBatches(_ context.Context, batchIDs []string) ([]pipeline.CleanResult, error) {
	f.mu.Lock()
	f.cleaned = append(f.cleaned, batchIDs...)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil, nil
}

func (f *fakeRunner) ProcessBatchesLLM(_ context.Context, batchIDs []string) []pipeline.LLMResult {
	f.mu.Lock()
	f.llm = append(f.llm, batchIDs...)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeRunner) UploadBatchesKB(_ context.Context, batchIDs []string) []pipeline.KBResult {
	f.mu.Lock()
	f.kb = append(f.kb, batchIDs...)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}
