package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nickcecere/ragsync/internal/config"
	"github.com/nickcecere/ragsync/internal/ui"
)

var configShowPath bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the active configuration",
	Long: `Display current configuration settings and config file locations.

Every setting can be overridden with an environment variable named after
its key, for example RAGSYNC_STORAGE_ROOT or RAGSYNC_LLM_PROVIDER.

Examples:
  # Show current configuration
  ragsync config

  # Show config file paths
  ragsync config --path`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configShowPath, "path", false, "show config file paths")
}

func runConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg := config.Get()

	if configShowPath {
		fmt.Fprintln(out, ui.SectionTitle.Render("Configuration Paths"))
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Global config: %s\n", config.GlobalConfigPath())
		fmt.Fprintf(out, "Active config: %s\n", config.ConfigFilePath())
		fmt.Fprintf(out, "State:         %s\n", cfg.Database.StatePath)
		fmt.Fprintf(out, "Index:         %s\n", cfg.Database.IndexPath)
		fmt.Fprintf(out, "Mirror:        %s\n", cfg.Database.MirrorPath)
		fmt.Fprintf(out, "Queue:         %s\n", cfg.Database.QueuePath)
		return nil
	}

	fmt.Fprintln(out, ui.SectionTitle.Render("Current Configuration"))
	fmt.Fprintln(out)

	fmt.Fprintln(out, ui.Bold.Render("Storage:"))
	fmt.Fprintf(out, "  Root: %s\n", cfg.Storage.Root)
	fmt.Fprintln(out)

	fmt.Fprintln(out, ui.Bold.Render("Scheduler:"))
	fmt.Fprintf(out, "  Interval: %s\n", cfg.Scheduler.Interval)
	fmt.Fprintf(out, "  Lock: %s\n", cfg.Scheduler.LockPath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, ui.Bold.Render("Workers:"))
	fmt.Fprintf(out, "  Scan: %d\n", cfg.Workers.Scan)
	fmt.Fprintf(out, "  Extraction: %d\n", cfg.Workers.Extraction)
	fmt.Fprintf(out, "  Ingestion: %d\n", cfg.Workers.Ingestion)
	fmt.Fprintf(out, "  Poll Interval: %s\n", cfg.Workers.PollInterval)
	fmt.Fprintln(out)

	fmt.Fprintln(out, ui.Bold.Render("Retry:"))
	fmt.Fprintf(out, "  Max Retries: %d (extraction %d)\n", cfg.Retry.MaxRetries, cfg.Extraction.MaxRetries)
	fmt.Fprintf(out, "  Delay: %s\n", cfg.Retry.Delay)
	fmt.Fprintf(out, "  Lease: %s\n", cfg.Retry.Lease)
	fmt.Fprintln(out)

	fmt.Fprintln(out, ui.Bold.Render("Ingestion:"))
	fmt.Fprintf(out, "  Max File Size: %d bytes\n", cfg.Extraction.MaxFileSize)
	fmt.Fprintf(out, "  Chunk Size: %d\n", cfg.Ingestion.ChunkSize)
	fmt.Fprintf(out, "  Chunk Overlap: %d\n", cfg.Ingestion.ChunkOverlap)
	fmt.Fprintf(out, "  Summary Token Limit: %d\n", cfg.Ingestion.SummaryTokenLimit)
	fmt.Fprintf(out, "  Embed Concurrency: %d\n", cfg.Ingestion.EmbedConcurrency)
	fmt.Fprintf(out, "  Embed Batch Size: %d\n", cfg.Ingestion.EmbedBatchSize)
	fmt.Fprintf(out, "  Embed Cache Size: %d\n", cfg.Ingestion.EmbedCacheSize)
	fmt.Fprintln(out)

	fmt.Fprintln(out, ui.Bold.Render("Embeddings:"))
	fmt.Fprintf(out, "  Provider: %s\n", cfg.Embeddings.Provider)
	fmt.Fprintf(out, "  Ollama URL: %s\n", cfg.Embeddings.Ollama.URL)
	fmt.Fprintf(out, "  Ollama Model: %s\n", cfg.Embeddings.Ollama.Model)
	fmt.Fprintf(out, "  OpenAI Model: %s\n", cfg.Embeddings.OpenAI.Model)
	if cfg.Embeddings.OpenAI.BaseURL != "" {
		fmt.Fprintf(out, "  OpenAI Base URL: %s\n", cfg.Embeddings.OpenAI.BaseURL)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, ui.Bold.Render("LLM:"))
	fmt.Fprintf(out, "  Provider: %s\n", cfg.LLM.Provider)
	fmt.Fprintf(out, "  Max Tokens: %d\n", cfg.LLM.MaxTokens)
	fmt.Fprintf(out, "  Temperature: %.2f\n", cfg.LLM.Temperature)
	fmt.Fprintf(out, "  Ollama URL: %s\n", cfg.LLM.Ollama.URL)
	fmt.Fprintf(out, "  Ollama Model: %s\n", cfg.LLM.Ollama.Model)
	fmt.Fprintf(out, "  OpenAI Model: %s\n", cfg.LLM.OpenAI.Model)
	fmt.Fprintf(out, "  Anthropic Model: %s\n", cfg.LLM.Anthropic.Model)
	fmt.Fprintln(out)

	fmt.Fprintln(out, ui.Bold.Render("Ignore Patterns:"))
	fmt.Fprintf(out, "  %d patterns configured\n", len(cfg.Ignore))

	return nil
}
