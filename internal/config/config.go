package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	DataDir        string
	UploadDir      string
	ProcessedDir   string
	FinalOutputDir string

	LedgerBackend string // "file" or "sqlite"
	LedgerDBPath  string

	GPTBotsBaseURL string
	LLMAPIKey      string
	KBAPIKey       string
	TimeoutSeconds int // 0 disables the HTTP client timeout
	MaxRetries     int

	LLMWorkers       int
	LLMDelaySeconds  int
	KBUploadWorkers  int
	DefaultChunkSize int

	DedupWindow int

	APIPort   string
	LogLevel  slog.Level
	LogFormat string
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates the rest.
// If a .env file exists in the current directory or project root, it will be loaded automatically.
// Environment variables already set take precedence over .env file values.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	// Check current directory first, then walk up to find project root (where go.mod is)
	_ = godotenv.Load() // Try current directory

	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ { // Limit search depth
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break // Reached filesystem root
			}
			dir = parent
		}
	}

	dataDir := getEnv("DATA_DIR", "eml_process")

	cfg := &Config{
		DataDir:        dataDir,
		UploadDir:      getEnv("UPLOAD_DIR", filepath.Join(dataDir, "uploads")),
		ProcessedDir:   getEnv("PROCESSED_DIR", filepath.Join(dataDir, "processed")),
		FinalOutputDir: getEnv("FINAL_OUTPUT_DIR", filepath.Join(dataDir, "final_output")),
		LedgerBackend:  getEnv("LEDGER_BACKEND", "file"),
		LedgerDBPath:   getEnv("LEDGER_DB_PATH", filepath.Join(dataDir, "ledger.db")),
		GPTBotsBaseURL: getEnv("GPTBOTS_API_URL", "https://api-sg.gptbots.ai"),
		LLMAPIKey:      getEnv("GPTBOTS_LLM_API_KEY", ""),
		KBAPIKey:       getEnv("GPTBOTS_KB_API_KEY", ""),
		APIPort:        getEnv("API_PORT", "5001"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
	}

	if cfg.LedgerBackend != "file" && cfg.LedgerBackend != "sqlite" {
		return nil, fmt.Errorf("LEDGER_BACKEND must be \"file\" or \"sqlite\", got %q", cfg.LedgerBackend)
	}

	if cfg.TimeoutSeconds, err = getEnvInt("GPTBOTS_TIMEOUT_SECONDS", 0); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getEnvInt("GPTBOTS_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.LLMWorkers, err = getEnvInt("LLM_MAX_WORKERS", 1); err != nil {
		return nil, err
	}
	if cfg.LLMDelaySeconds, err = getEnvInt("LLM_DELAY_SECONDS", 1); err != nil {
		return nil, err
	}
	if cfg.KBUploadWorkers, err = getEnvInt("KB_UPLOAD_WORKERS", 3); err != nil {
		return nil, err
	}
	if cfg.DefaultChunkSize, err = getEnvInt("KB_CHUNK_TOKEN", 600); err != nil {
		return nil, err
	}
	if cfg.DedupWindow, err = getEnvInt("DEDUP_WINDOW_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.DedupWindow <= 0 {
		return nil, fmt.Errorf("DEDUP_WINDOW_SIZE must be greater than 0")
	}
	if cfg.LLMWorkers < 1 {
		return nil, fmt.Errorf("LLM_MAX_WORKERS must be at least 1")
	}
	if cfg.KBUploadWorkers < 1 {
		return nil, fmt.Errorf("KB_UPLOAD_WORKERS must be at least 1")
	}

	switch strings.ToLower(getEnv("LOG_LEVEL", "info")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "info":
		cfg.LogLevel = slog.LevelInfo
	case "warn", "warning":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	// Create the directory roots up front so the stores can assume they exist
	for _, dir := range []string{cfg.UploadDir, cfg.ProcessedDir, cfg.FinalOutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return cfg, nil
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return n, nil
}
