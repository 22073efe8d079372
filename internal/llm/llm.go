// Package llm provides the language-model services used to summarize
// ingested documents.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/nickcecere/ragsync/internal/config"
)

// Provider represents an LLM provider type.
type Provider string

const (
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// ErrNoCompletion is returned when a provider answers without any text.
var ErrNoCompletion = errors.New("no completion returned")

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", or "assistant"
	Content string `json:"content"`
}

// CompletionOptions configures the completion request.
type CompletionOptions struct {
	// Temperature controls randomness (0-1).
	Temperature float64

	// MaxTokens limits the response length.
	MaxTokens int
}

// DefaultCompletionOptions returns the defaults used for summaries.
func DefaultCompletionOptions() CompletionOptions {
	return CompletionOptions{
		Temperature: config.DefaultLLMTemperature,
		MaxTokens:   config.DefaultLLMMaxTokens,
	}
}

// OptionsFromConfig reads completion options from the llm section.
func OptionsFromConfig(cfg *config.Config) CompletionOptions {
	opts := DefaultCompletionOptions()
	if cfg.LLM.MaxTokens > 0 {
		opts.MaxTokens = cfg.LLM.MaxTokens
	}
	if cfg.LLM.Temperature >= 0 {
		opts.Temperature = cfg.LLM.Temperature
	}
	return opts
}

// Service defines the interface for LLM services.
type Service interface {
	// Complete generates a completion for the given messages.
	Complete(ctx context.Context, messages []Message, opts CompletionOptions) (string, error)

	// Provider returns the provider name.
	Provider() Provider

	// ModelName returns the model name.
	ModelName() string
}

// NewService creates an LLM service based on the configuration.
func NewService(cfg *config.Config) (Service, error) {
	switch cfg.LLM.Provider {
	case "ollama":
		return NewOllamaService(
			cfg.LLM.Ollama.URL,
			cfg.LLM.Ollama.Model,
		)
	case "openai":
		return NewOpenAIService(
			cfg.LLM.OpenAI.APIKey,
			cfg.LLM.OpenAI.Model,
			cfg.LLM.OpenAI.BaseURL,
		)
	case "anthropic":
		return NewAnthropicService(
			cfg.LLM.Anthropic.APIKey,
			cfg.LLM.Anthropic.Model,
		)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}
}

// userPrompt wraps a single prompt as a one-message conversation.
func userPrompt(prompt string) []Message {
	return []Message{{Role: "user", Content: prompt}}
}
