package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"mailkb/internal/batch"
	"mailkb/internal/gptbots"
	"mailkb/internal/ledger"
)

const emlTemplate = `From: alice@example.com
To: bob@example.com
Subject: %s
Date: Mon, 02 Jan 2006 15:04:05 -0700

%s
`

type fakeAgent struct {
	mu       sync.Mutex
	fail     bool
	onSend   func()
	messages []string
}

func (a *fakeAgent) CreateConversation(_ context.Context, userID string) (string, error) {
	if a.fail {
		return "", errors.New("agent unavailable")
	}
	return "conv-" + userID, nil
}

func (a *fakeAgent) SendMessage(_ context.Context, _, text string) (string, error) {
	if a.fail {
		return "", errors.New("agent unavailable")
	}
	if a.onSend != nil {
		a.onSend()
	}
	a.mu.Lock()
	a.messages = append(a.messages, text)
	a.mu.Unlock()
	return "REFINED\n" + text, nil
}

type fakeKB struct {
	mu       sync.Mutex
	fail     bool
	listFail bool
	uploads  []string
}

func (k *fakeKB) ListKnowledgeBases(context.Context) ([]gptbots.KnowledgeBase, error) {
	if k.listFail {
		return nil, errors.New("kb api unavailable")
	}
	return []gptbots.KnowledgeBase{{ID: "kb-1", Name: "Support Mail"}}, nil
}

func (k *fakeKB) UploadDocument(_ context.Context, sourceName, _ string, _ int) (string, error) {
	if k.fail {
		return "", errors.New("kb api unavailable")
	}
	k.mu.Lock()
	k.uploads = append(k.uploads, sourceName)
	k.mu.Unlock()
	return "doc-" + sourceName, nil
}

type testEnv struct {
	pipeline *Pipeline
	store    *batch.Store
	ledger   ledger.Store
	agent    *fakeAgent
	kb       *fakeKB
}

func newTestEnv(t *testing.T) *testEnv {
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

	store := batch.NewStore(uploads, processed, final)
	led := ledger.NewFileStore(uploads)
	agent := &fakeAgent{}
	kb := &fakeKB{}
	p := New(store, led, agent, kb, Options{LLMWorkers: 2, KBWorkers: 2})
	return &testEnv{pipeline: p, store: store, ledger: led, agent: agent, kb: kb}
}

func (e *testEnv) createBatch(t *testing.T, emails map[string]string) *batch.Info {
	t.Helper()
	info, err := e.store.Create("test")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for name, body := range emails {
		content := fmt.Sprintf(emlTemplate, strings.TrimSuffix(name, ".eml"), body)
		if err := e.store.SaveFile(info, name, strings.NewReader(content)); err != nil {
			t.Fatalf("SaveFile(%s) error = %v", name, err)
		}
	}
	if err := e.store.Save(info); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return info
}

func TestCleanBatch(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{
		"one.eml":   "Quarterly report attached for your review.",
		"two.eml":   "Quarterly report attached for your review.",
		"three.eml": "Completely different message about invoices.",
	})

	result, err := env.pipeline.CleanBatch(context.Background(), info.BatchID)
	if err != nil {
		t.Fatalf("CleanBatch() error = %v", err)
	}

	if result.TotalFiles != 3 {
		t.Errorf("TotalFiles = %d, want 3", result.TotalFiles)
	}
	if result.Survivors != 2 {
		t.Errorf("Survivors = %d, want 2", result.Survivors)
	}
	if len(result.Duplicates) != 1 {
		t.Errorf("Duplicates = %d, want 1", len(result.Duplicates))
	}

	mds, err := env.store.ProcessedMarkdown(info.BatchID)
	if err != nil {
		t.Fatalf("ProcessedMarkdown() error = %v", err)
	}
	if len(mds) != 2 {
		t.Errorf("wrote %d markdown files, want 2", len(mds))
	}

	loaded, err := env.store.Load(info.BatchID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.Status.Cleaned {
		t.Error("expected cleaned flag set")
	}
	if loaded.DedupStats == nil || loaded.DedupStats.UniqueEmails != 2 {
		t.Errorf("DedupStats = %+v", loaded.DedupStats)
	}

	// The ledger must be durable once the cleaned flag is visible.
	reloaded := ledger.NewFileStore(filepath.Dir(env.store.UploadDir(info.BatchID)))
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("ledger reload error = %v", err)
	}
	for _, name := range []string{"one.eml", "two.eml", "three.eml"} {
		if _, found := reloaded.Lookup(name); !found {
			t.Errorf("expected %s in persisted ledger", name)
		}
	}
}

func TestCleanBatchSmartSkip(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{"one.eml": "hello"})

	outDir := env.store.ProcessedDir(info.BatchID)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "one.md"), []byte("# done"), 0644); err != nil {
		t.Fatalf("failed to write markdown: %v", err)
	}

	result, err := env.pipeline.CleanBatch(context.Background(), info.BatchID)
	if err != nil {
		t.Fatalf("CleanBatch() error = %v", err)
	}
	if !result.Skipped {
		t.Error("expected batch to be skipped")
	}
}

func TestCleanBatchGlobalDuplicate(t *testing.T) {
	env := newTestEnv(t)
	first := env.createBatch(t, map[string]string{"shared.eml": "first copy"})
	second := env.createBatch(t, map[string]string{"shared.eml": "second copy"})

	if _, err := env.pipeline.CleanBatch(context.Background(), first.BatchID); err != nil {
		t.Fatalf("CleanBatch(first) error = %v", err)
	}

	result, err := env.pipeline.CleanBatch(context.Background(), second.BatchID)
	if err != nil {
		t.Fatalf("CleanBatch(second) error = %v", err)
	}
	if len(result.GlobalDuplicates) != 1 {
		t.Fatalf("GlobalDuplicates = %d, want 1", len(result.GlobalDuplicates))
	}
	if result.GlobalDuplicates[0].OwnerBatchID != first.BatchID {
		t.Errorf("owner = %q, want %q", result.GlobalDuplicates[0].OwnerBatchID, first.BatchID)
	}
	if result.Survivors != 0 {
		t.Errorf("Survivors = %d, want 0", result.Survivors)
	}
}

func TestCleanBatchGlobalDuplicateSkipsParsing(t *testing.T) {
	env := newTestEnv(t)
	first := env.createBatch(t, map[string]string{"shared.eml": "original body"})
	cleanAndVerify(t, env, first.BatchID)

	// The re-upload is not even a valid message. An owned filename must be
	// reported as a global duplicate, never reach the parser.
	second, err := env.store.Create("reupload")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := env.store.SaveFile(second, "shared.eml", strings.NewReader("this is not an email")); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}
	if err := env.store.Save(second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	result, err := env.pipeline.CleanBatch(context.Background(), second.BatchID)
	if err != nil {
		t.Fatalf("CleanBatch() error = %v", err)
	}
	if len(result.GlobalDuplicates) != 1 {
		t.Fatalf("GlobalDuplicates = %d, want 1", len(result.GlobalDuplicates))
	}
	if result.GlobalDuplicates[0].OwnerBatchID != first.BatchID {
		t.Errorf("owner = %q, want %q", result.GlobalDuplicates[0].OwnerBatchID, first.BatchID)
	}
	if len(result.ParseFailures) != 0 {
		t.Errorf("ParseFailures = %v, want none", result.ParseFailures)
	}
}

func TestCleanBatchAllParseFailures(t *testing.T) {
	env := newTestEnv(t)
	info, err := env.store.Create("broken")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := env.store.SaveFile(info, "bad.eml", strings.NewReader("no headers here")); err != nil {
		t.Fatalf("SaveFile() error = %v", err)
	}
	if err := env.store.Save(info); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	result, err := env.pipeline.CleanBatch(context.Background(), info.BatchID)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("CleanBatch() error = %v, want ErrAllFailed", err)
	}
	if len(result.ParseFailures) != 1 {
		t.Errorf("ParseFailures = %v, want one entry", result.ParseFailures)
	}

	// The flag stays unset so the stage remains retryable.
	loaded, err := env.store.Load(info.BatchID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Status.Cleaned {
		t.Error("expected cleaned flag unset after total failure")
	}
	if p, ok := env.pipeline.Progress.Get(info.BatchID); !ok || p.State != StateFailed {
		t.Errorf("progress state = %+v, want failed", p)
	}
}

func TestCleanBatchMissing(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.pipeline.CleanBatch(context.Background(), "batch_missing"); !errors.Is(err, batch.ErrNotFound) {
		t.Errorf("CleanBatch() error = %v, want ErrNotFound", err)
	}
}

func cleanAndVerify(t *testing.T, env *testEnv, batchID string) {
	t.Helper()
	if _, err := env.pipeline.CleanBatch(context.Background(), batchID); err != nil {
		t.Fatalf("CleanBatch() error = %v", err)
	}
}

func TestProcessBatchLLM(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{
		"one.eml": "first message",
		"two.eml": "second message",
	})
	cleanAndVerify(t, env, info.BatchID)

	result, err := env.pipeline.ProcessBatchLLM(context.Background(), info.BatchID)
	if err != nil {
		t.Fatalf("ProcessBatchLLM() error = %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 0 {
		t.Errorf("result = %+v, want 2 successes", result)
	}

	finals, err := env.store.FinalMarkdown(info.BatchID)
	if err != nil {
		t.Fatalf("FinalMarkdown() error = %v", err)
	}
	if len(finals) != 2 {
		t.Fatalf("wrote %d final files, want 2", len(finals))
	}
	content, err := os.ReadFile(finals[0])
	if err != nil {
		t.Fatalf("failed to read final file: %v", err)
	}
	if !strings.HasPrefix(string(content), "REFINED") {
		t.Errorf("final content = %q, want agent output", string(content)[:20])
	}

	loaded, err := env.store.Load(info.BatchID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.Status.LLMProcessed {
		t.Error("expected llm_processed flag set")
	}
}

func TestProcessBatchLLMRequiresCleaned(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{"one.eml": "hello"})

	if _, err := env.pipeline.ProcessBatchLLM(context.Background(), info.BatchID); err == nil {
		t.Error("expected error for uncleaned batch")
	}
}

func TestProcessBatchLLMSkipsExistingOutput(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{"one.eml": "hello"})
	cleanAndVerify(t, env, info.BatchID)

	if _, err := env.pipeline.ProcessBatchLLM(context.Background(), info.BatchID); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	result, err := env.pipeline.ProcessBatchLLM(context.Background(), info.BatchID)
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if !result.Skipped {
		t.Error("expected second run to skip completed work")
	}
	if len(env.agent.messages) != 1 {
		t.Errorf("agent called %d times, want 1", len(env.agent.messages))
	}
}

func TestProcessBatchLLMAllFail(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{"one.eml": "hello"})
	cleanAndVerify(t, env, info.BatchID)

	env.agent.fail = true
	_, err := env.pipeline.ProcessBatchLLM(context.Background(), info.BatchID)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}

	loaded, err := env.store.Load(info.BatchID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Status.LLMProcessed {
		t.Error("expected llm_processed flag unset after total failure")
	}
}

func TestProcessBatchLLMStop(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{
		"one.eml": "first",
		"two.eml": "second",
	})
	cleanAndVerify(t, env, info.BatchID)

	// A single worker with a stop raised mid-file: the in-flight file
	// finishes, the second is never dispatched.
	agent := &fakeAgent{}
	p := New(env.store, env.ledger, agent, env.kb, Options{LLMWorkers: 1})
	agent.onSend = p.Stop.RequestStop

	result, err := p.ProcessBatchLLM(context.Background(), info.BatchID)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("error = %v, want ErrStopped", err)
	}
	if !result.Stopped || result.Succeeded != 1 {
		t.Errorf("result = %+v, want stopped with one success", result)
	}
	if len(agent.messages) != 1 {
		t.Errorf("agent processed %d files, want only the in-flight one", len(agent.messages))
	}

	loaded, err := env.store.Load(info.BatchID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Status.LLMProcessed {
		t.Error("expected llm_processed flag unset after stop")
	}
	if prog, ok := p.Progress.Get(info.BatchID); !ok || prog.State != StateStopped {
		t.Errorf("progress state = %+v, want stopped", prog)
	}
}

func llmProcess(t *testing.T, env *testEnv, batchID string) {
	t.Helper()
	if _, err := env.pipeline.ProcessBatchLLM(context.Background(), batchID); err != nil {
		t.Fatalf("ProcessBatchLLM() error = %v", err)
	}
}

func TestUploadBatchKB(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{
		"one.eml": "first",
		"two.eml": "second",
	})
	cleanAndVerify(t, env, info.BatchID)
	llmProcess(t, env, info.BatchID)

	result, err := env.pipeline.UploadBatchKB(context.Background(), info.BatchID)
	if err != nil {
		t.Fatalf("UploadBatchKB() error = %v", err)
	}
	if result.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", result.Succeeded)
	}
	if result.KBName != "Support Mail" {
		t.Errorf("KBName = %q, want Support Mail", result.KBName)
	}

	loaded, err := env.store.Load(info.BatchID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.Status.UploadedToKB {
		t.Error("expected uploaded_to_kb flag set")
	}
	if loaded.KBName != "Support Mail" {
		t.Errorf("KBName = %q, want Support Mail", loaded.KBName)
	}
}

func TestUploadBatchKBAlreadyUploaded(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{"one.eml": "hello"})
	cleanAndVerify(t, env, info.BatchID)
	llmProcess(t, env, info.BatchID)

	if _, err := env.pipeline.UploadBatchKB(context.Background(), info.BatchID); err != nil {
		t.Fatalf("first upload error = %v", err)
	}
	result, err := env.pipeline.UploadBatchKB(context.Background(), info.BatchID)
	if err != nil {
		t.Fatalf("second upload error = %v", err)
	}
	if !result.Skipped {
		t.Error("expected second upload to skip")
	}
	if len(env.kb.uploads) != 1 {
		t.Errorf("kb called %d times, want 1", len(env.kb.uploads))
	}
}

func TestUploadBatchKBNameLookupFailureKeepsFlag(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{"one.eml": "hello"})
	cleanAndVerify(t, env, info.BatchID)
	llmProcess(t, env, info.BatchID)

	env.kb.listFail = true
	if _, err := env.pipeline.UploadBatchKB(context.Background(), info.BatchID); err != nil {
		t.Fatalf("UploadBatchKB() error = %v", err)
	}

	loaded, err := env.store.Load(info.BatchID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !loaded.Status.UploadedToKB {
		t.Error("expected uploaded_to_kb flag to survive name lookup failure")
	}
	if loaded.KBName != "" {
		t.Errorf("KBName = %q, want empty", loaded.KBName)
	}
}

func TestUploadBatchKBAllFail(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{"one.eml": "hello"})
	cleanAndVerify(t, env, info.BatchID)
	llmProcess(t, env, info.BatchID)

	env.kb.fail = true
	if _, err := env.pipeline.UploadBatchKB(context.Background(), info.BatchID); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("error = %v, want ErrAllFailed", err)
	}
}

func TestRenderMarkdownContainedFiles(t *testing.T) {
	env := newTestEnv(t)
	info := env.createBatch(t, map[string]string{
		"short.eml": "Meeting at noon.",
		"long.eml":  "Meeting at noon.\n\nBring the slides and the budget sheet.",
	})

	if _, err := env.pipeline.CleanBatch(context.Background(), info.BatchID); err != nil {
		t.Fatalf("CleanBatch() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(env.store.ProcessedDir(info.BatchID), "long.md"))
	if err != nil {
		t.Fatalf("failed to read survivor markdown: %v", err)
	}
	if !strings.Contains(string(content), "short.eml") {
		t.Error("expected survivor markdown to list the contained email")
	}
	if !strings.Contains(string(content), "## Email Content") {
		t.Error("expected content section")
	}
}
