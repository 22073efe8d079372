// Package config handles configuration loading and validation for ragsync.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// Config represents the complete ragsync configuration.
type Config struct {
	Storage    StorageConfig    `mapstructure:"storage"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Ignore     []string         `mapstructure:"ignore"`
}

// StorageConfig locates the user file tree.
type StorageConfig struct {
	// Root holds one directory per user, each with a files/ directory.
	Root string `mapstructure:"root"`
}

// DatabaseConfig locates the SQLite databases.
type DatabaseConfig struct {
	StatePath  string `mapstructure:"state_path"`
	IndexPath  string `mapstructure:"index_path"`
	MirrorPath string `mapstructure:"mirror_path"`
	QueuePath  string `mapstructure:"queue_path"`
}

// SchedulerConfig configures periodic discovery.
type SchedulerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	LockPath string        `mapstructure:"lock_path"`
}

// WorkersConfig sizes the worker pool of each stage.
type WorkersConfig struct {
	Scan         int           `mapstructure:"scan"`
	Extraction   int           `mapstructure:"extraction"`
	Ingestion    int           `mapstructure:"ingestion"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RetryConfig configures task redelivery.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Delay      time.Duration `mapstructure:"delay"`
	Lease      time.Duration `mapstructure:"lease"`
}

// ExtractionConfig configures the extraction stage.
type ExtractionConfig struct {
	MaxRetries  int   `mapstructure:"max_retries"`
	MaxFileSize int64 `mapstructure:"max_file_size"`
}

// IngestionConfig configures chunking, embedding and summarization.
type IngestionConfig struct {
	ChunkSize         int `mapstructure:"chunk_size"`
	ChunkOverlap      int `mapstructure:"chunk_overlap"`
	SummaryTokenLimit int `mapstructure:"summary_token_limit"`
	EmbedConcurrency  int `mapstructure:"embed_concurrency"`
	EmbedBatchSize    int `mapstructure:"embed_batch_size"`
	EmbedCacheSize    int `mapstructure:"embed_cache_size"`
}

// EmbeddingsConfig configures the embedding service.
type EmbeddingsConfig struct {
	Provider string            `mapstructure:"provider"`
	Ollama   OllamaEmbedConfig `mapstructure:"ollama"`
	OpenAI   OpenAIEmbedConfig `mapstructure:"openai"`
}

// OllamaEmbedConfig configures Ollama embeddings.
type OllamaEmbedConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

// OpenAIEmbedConfig configures OpenAI embeddings.
type OpenAIEmbedConfig struct {
	Model      string `mapstructure:"model"`
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions"`
}

// LLMConfig configures the language model used for summaries.
type LLMConfig struct {
	Provider    string          `mapstructure:"provider"`
	MaxTokens   int             `mapstructure:"max_tokens"`
	Temperature float64         `mapstructure:"temperature"`
	Ollama      OllamaLLMConfig `mapstructure:"ollama"`
	OpenAI      OpenAILLMConfig `mapstructure:"openai"`
	Anthropic   AnthropicConfig `mapstructure:"anthropic"`
}

// OllamaLLMConfig configures Ollama LLM.
type OllamaLLMConfig struct {
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

// OpenAILLMConfig configures OpenAI LLM.
type OpenAILLMConfig struct {
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// AnthropicConfig configures Anthropic LLM.
type AnthropicConfig struct {
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"`
}

// Global configuration instance
var cfg *Config

// Get returns the current configuration.
func Get() *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Root: DefaultStorageRoot,
		},
		Database: DatabaseConfig{
			StatePath:  DefaultDatabasePath(DefaultStateDBFileName),
			IndexPath:  DefaultDatabasePath(DefaultIndexDBFileName),
			MirrorPath: DefaultDatabasePath(DefaultMirrorDBFileName),
			QueuePath:  DefaultDatabasePath(DefaultQueueDBFileName),
		},
		Scheduler: SchedulerConfig{
			Interval: DefaultScanInterval,
			LockPath: DefaultDatabasePath(DefaultLockFileName),
		},
		Workers: WorkersConfig{
			Scan:         DefaultScanWorkers,
			Extraction:   DefaultExtractionWorkers,
			Ingestion:    DefaultIngestionWorkers,
			PollInterval: DefaultPollInterval,
		},
		Retry: RetryConfig{
			MaxRetries: DefaultMaxRetries,
			Delay:      DefaultRetryDelay,
			Lease:      DefaultLease,
		},
		Extraction: ExtractionConfig{
			MaxRetries:  DefaultExtractionMaxRetries,
			MaxFileSize: DefaultMaxFileSize,
		},
		Ingestion: IngestionConfig{
			ChunkSize:         DefaultChunkSize,
			ChunkOverlap:      DefaultChunkOverlap,
			SummaryTokenLimit: DefaultSummaryTokenLimit,
			EmbedConcurrency:  DefaultEmbedConcurrency,
			EmbedBatchSize:    DefaultEmbedBatchSize,
			EmbedCacheSize:    DefaultEmbedCacheSize,
		},
		Embeddings: EmbeddingsConfig{
			Provider: DefaultEmbeddingProvider,
			Ollama: OllamaEmbedConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaEmbedModel,
			},
			OpenAI: OpenAIEmbedConfig{
				Model: DefaultOpenAIEmbedModel,
			},
		},
		LLM: LLMConfig{
			Provider:    DefaultLLMProvider,
			MaxTokens:   DefaultLLMMaxTokens,
			Temperature: DefaultLLMTemperature,
			Ollama: OllamaLLMConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaLLMModel,
			},
			OpenAI: OpenAILLMConfig{
				Model: DefaultOpenAILLMModel,
			},
			Anthropic: AnthropicConfig{
				Model: DefaultAnthropicModel,
			},
		},
		Ignore: DefaultIgnorePatterns(),
	}
}

// Load reads configuration from file and environment variables.
func Load(configFile string) error {
	// Set defaults
	setDefaults()

	// Set config file if specified
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		// Search for config in standard locations
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(DefaultConfigDir())
		viper.AddConfigPath(".")
	}

	// Environment variables
	viper.SetEnvPrefix("RAGSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug("No config file found, using defaults")
	} else {
		log.Debug("Loaded config from", "file", viper.ConfigFileUsed())
	}

	// Unmarshal into config struct
	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}

	// Load API keys from environment if not in config
	loadAPIKeysFromEnv(loaded)

	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	cfg = loaded
	return nil
}

// setDefaults sets default values in viper.
func setDefaults() {
	// Storage and databases
	viper.SetDefault("storage.root", DefaultStorageRoot)
	viper.SetDefault("database.state_path", DefaultDatabasePath(DefaultStateDBFileName))
	viper.SetDefault("database.index_path", DefaultDatabasePath(DefaultIndexDBFileName))
	viper.SetDefault("database.mirror_path", DefaultDatabasePath(DefaultMirrorDBFileName))
	viper.SetDefault("database.queue_path", DefaultDatabasePath(DefaultQueueDBFileName))

	// Scheduling and delivery
	viper.SetDefault("scheduler.interval", DefaultScanInterval)
	viper.SetDefault("scheduler.lock_path", DefaultDatabasePath(DefaultLockFileName))
	viper.SetDefault("workers.scan", DefaultScanWorkers)
	viper.SetDefault("workers.extraction", DefaultExtractionWorkers)
	viper.SetDefault("workers.ingestion", DefaultIngestionWorkers)
	viper.SetDefault("workers.poll_interval", DefaultPollInterval)
	viper.SetDefault("retry.max_retries", DefaultMaxRetries)
	viper.SetDefault("retry.delay", DefaultRetryDelay)
	viper.SetDefault("retry.lease", DefaultLease)
	viper.SetDefault("extraction.max_retries", DefaultExtractionMaxRetries)
	viper.SetDefault("extraction.max_file_size", DefaultMaxFileSize)

	// Ingestion
	viper.SetDefault("ingestion.chunk_size", DefaultChunkSize)
	viper.SetDefault("ingestion.chunk_overlap", DefaultChunkOverlap)
	viper.SetDefault("ingestion.summary_token_limit", DefaultSummaryTokenLimit)
	viper.SetDefault("ingestion.embed_concurrency", DefaultEmbedConcurrency)
	viper.SetDefault("ingestion.embed_batch_size", DefaultEmbedBatchSize)
	viper.SetDefault("ingestion.embed_cache_size", DefaultEmbedCacheSize)

	// Embeddings
	viper.SetDefault("embeddings.provider", DefaultEmbeddingProvider)
	viper.SetDefault("embeddings.ollama.url", DefaultOllamaURL)
	viper.SetDefault("embeddings.ollama.model", DefaultOllamaEmbedModel)
	viper.SetDefault("embeddings.openai.model", DefaultOpenAIEmbedModel)

	// LLM
	viper.SetDefault("llm.provider", DefaultLLMProvider)
	viper.SetDefault("llm.max_tokens", DefaultLLMMaxTokens)
	viper.SetDefault("llm.temperature", DefaultLLMTemperature)
	viper.SetDefault("llm.ollama.url", DefaultOllamaURL)
	viper.SetDefault("llm.ollama.model", DefaultOllamaLLMModel)
	viper.SetDefault("llm.openai.model", DefaultOpenAILLMModel)
	viper.SetDefault("llm.anthropic.model", DefaultAnthropicModel)

	// Ignore patterns
	viper.SetDefault("ignore", DefaultIgnorePatterns())
}

// loadAPIKeysFromEnv loads API keys from environment variables if not already set.
func loadAPIKeysFromEnv(c *Config) {
	// OpenAI API key
	if c.Embeddings.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.Embeddings.OpenAI.APIKey = key
		}
	}
	if c.LLM.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			c.LLM.OpenAI.APIKey = key
		}
	}

	// Anthropic API key
	if c.LLM.Anthropic.APIKey == "" {
		if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
			c.LLM.Anthropic.APIKey = key
		}
	}
}

// Validate checks values that would make the pipeline misbehave.
func (c *Config) Validate() error {
	switch {
	case c.Storage.Root == "":
		return fmt.Errorf("storage.root must be set")
	case c.Scheduler.Interval <= 0:
		return fmt.Errorf("scheduler.interval must be positive")
	case c.Retry.MaxRetries < 0 || c.Extraction.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative")
	case c.Ingestion.ChunkSize <= 0:
		return fmt.Errorf("ingestion.chunk_size must be positive")
	case c.Ingestion.ChunkOverlap < 0 || c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize:
		return fmt.Errorf("ingestion.chunk_overlap must be in [0, chunk_size)")
	case c.Ingestion.SummaryTokenLimit <= 0:
		return fmt.Errorf("ingestion.summary_token_limit must be positive")
	}
	return nil
}

// ConfigFilePath returns the path of the loaded config file, or empty string if none.
func ConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
