// Package pipeline orchestrates the three batch processing stages:
// cleaning (parse, dedup, markdown), LLM refinement, and knowledge base
// upload. Stages are idempotent and skip work already on disk, so any
// stage can be re-run safely.
package pipeline

import (
	"context"
	"errors"
	"time"

	"mailkb/internal/batch"
	"mailkb/internal/gptbots"
	"mailkb/internal/ledger"
)

// Stage names used in progress reporting.
const (
	StageClean    = "clean"
	StageLLM      = "llm_process"
	StageKBUpload = "kb_upload"
)

var (
	// ErrStopped is returned when a cooperative stop interrupted a stage
	// before it reached a terminal state.
	ErrStopped = errors.New("processing stopped by request")
	// ErrNoInput is returned when a stage has no files to work on.
	ErrNoInput = errors.New("no input files for stage")
	// ErrAllFailed is returned when every file in a stage run failed; the
	// batch's status flag is left unset so the stage can be retried.
	ErrAllFailed = errors.New("all files failed")
)

// Agent is the conversational refinement client.
//
//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_agent.go -package=mocks mailkb/internal/pipeline Agent
type Agent interface {
	CreateConversation(ctx context.Context, userID string) (string, error)
	SendMessage(ctx context.Context, conversationID, text string) (string, error)
}

// KnowledgeBase is the document upload client.
//
//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_kb.go -package=mocks mailkb/internal/pipeline KnowledgeBase
type KnowledgeBase interface {
	ListKnowledgeBases(ctx context.Context) ([]gptbots.KnowledgeBase, error)
	UploadDocument(ctx context.Context, sourceName, content string, chunkToken int) (string, error)
}

// Options carries the tunables for stage execution.
type Options struct {
	DedupWindow int
	LLMWorkers  int
	LLMDelay    time.Duration
	KBWorkers   int
	ChunkToken  int
}

// Pipeline wires the batch store, ledger, and external clients into
// runnable stages.
type Pipeline struct {
	batches *batch.Store
	ledger  ledger.Store
	agent   Agent
	kb      KnowledgeBase
	opts    Options

	Progress *Tracker
	Stop     *StopController
}

// New creates a pipeline. Zero option values fall back to safe defaults.
func New(batches *batch.Store, led ledger.Store, agent Agent, kb KnowledgeBase, opts Options) *Pipeline {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 100
	}
	if opts.LLMWorkers <= 0 {
		opts.LLMWorkers = 1
	}
	if opts.KBWorkers <= 0 {
		opts.KBWorkers = 3
	}
	if opts.ChunkToken <= 0 {
		opts.ChunkToken = 600
	}
	return &Pipeline{
		batches:  batches,
		ledger:   led,
		agent:    agent,
		kb:       kb,
		opts:     opts,
		Progress: NewTracker(),
		Stop:     NewStopController(),
	}
}
