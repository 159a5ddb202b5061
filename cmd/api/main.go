package main

import (
	"log"
	"log/slog"
	nethttp "net/http"
	"os"
	"time"

	"mailkb/internal/batch"
	"mailkb/internal/config"
	"mailkb/internal/gptbots"
	"mailkb/internal/http"
	"mailkb/internal/ledger"
	"mailkb/internal/pipeline"
)

func main() {
	// Load configuration first (needed for log level)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure structured logging with configurable level and format
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Debug("Logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)

	batches := batch.NewStore(cfg.UploadDir, cfg.ProcessedDir, cfg.FinalOutputDir)

	var led ledger.Store
	switch cfg.LedgerBackend {
	case "sqlite":
		sqliteLedger, err := ledger.NewSQLiteStore(cfg.LedgerDBPath)
		if err != nil {
			log.Fatalf("Failed to open ledger database: %v", err)
		}
		defer func() {
			_ = sqliteLedger.Close()
		}()
		led = sqliteLedger
		slog.Info("Ledger initialized", "backend", "sqlite", "path", cfg.LedgerDBPath)
	default:
		led = ledger.NewFileStore(cfg.UploadDir)
		slog.Info("Ledger initialized", "backend", "file", "dir", cfg.UploadDir)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	agent := gptbots.NewClient(cfg.GPTBotsBaseURL, cfg.LLMAPIKey, timeout, cfg.MaxRetries)
	kb := gptbots.NewKBClient(cfg.GPTBotsBaseURL, cfg.KBAPIKey, timeout)
	slog.Info("GPTBots clients ready", "base_url", cfg.GPTBotsBaseURL, "timeout_seconds", cfg.TimeoutSeconds)

	pipe := pipeline.New(batches, led, agent, kb, pipeline.Options{
		DedupWindow: cfg.DedupWindow,
		LLMWorkers:  cfg.LLMWorkers,
		LLMDelay:    time.Duration(cfg.LLMDelaySeconds) * time.Second,
		KBWorkers:   cfg.KBUploadWorkers,
		ChunkToken:  cfg.DefaultChunkSize,
	})

	router := http.NewRouter(&http.Deps{
		Batches:  batches,
		Ledger:   led,
		Runner:   pipe,
		Progress: pipe.Progress,
		Stop:     pipe.Stop,
	})

	addr := ":" + cfg.APIPort
	slog.Info("Starting API server", "addr", addr, "uploads", cfg.UploadDir)
	if err := nethttp.ListenAndServe(addr, router); err != nil {
		log.Fatalf("API server failed to start: %v", err)
	}
}
