package config

import (
	"os"
	"path/filepath"
	"time"
)

// Default configuration values
const (
	// Storage
	DefaultStorageRoot = "storage"

	// Scheduling and delivery
	DefaultScanInterval         = 30 * time.Second
	DefaultScanWorkers          = 2
	DefaultExtractionWorkers    = 2
	DefaultIngestionWorkers     = 4
	DefaultPollInterval         = time.Second
	DefaultMaxRetries           = 3
	DefaultRetryDelay           = 10 * time.Second
	DefaultLease                = time.Hour
	DefaultExtractionMaxRetries = 2
	DefaultMaxFileSize          = 32 << 20 // 32MB

	// Ingestion defaults
	DefaultChunkSize         = 800
	DefaultChunkOverlap      = 100
	DefaultSummaryTokenLimit = 3000
	DefaultEmbedConcurrency  = 4
	DefaultEmbedBatchSize    = 32
	DefaultEmbedCacheSize    = 1000

	// Embedding defaults
	DefaultEmbeddingProvider = "ollama"
	DefaultOllamaURL         = "http://localhost:11434"
	DefaultOllamaEmbedModel  = "nomic-embed-text"
	DefaultOpenAIEmbedModel  = "text-embedding-3-small"

	// LLM defaults
	DefaultLLMProvider    = "ollama"
	DefaultLLMMaxTokens   = 2048
	DefaultLLMTemperature = 0.2
	DefaultOllamaLLMModel = "llama3"
	DefaultOpenAILLMModel = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-haiku-20240307"

	// Database files
	DefaultStateDBFileName  = "state.db"
	DefaultIndexDBFileName  = "index.db"
	DefaultMirrorDBFileName = "mirror.db"
	DefaultQueueDBFileName  = "queue.db"
	DefaultLockFileName     = "scheduler.lock"
)

// DefaultIgnorePatterns returns the default list of file patterns to ignore
// on top of the scanner's built-in temporary-file patterns.
func DefaultIgnorePatterns() []string {
	return []string{
		// Backups
		"*.bak",
		"*.orig",

		// Sync clients
		".sync",
		"*.icloud",
		".dropbox*",
	}
}

// DefaultConfigDir returns the default configuration directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/ragsync"
	}
	return filepath.Join(home, ".config", "ragsync")
}

// DefaultDataDir returns the default data directory path.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".local/share/ragsync"
	}
	return filepath.Join(home, ".local", "share", "ragsync")
}

// DefaultDatabasePath returns the default path of a database file.
func DefaultDatabasePath(name string) string {
	return filepath.Join(DefaultDataDir(), name)
}
