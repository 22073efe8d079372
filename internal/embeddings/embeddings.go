// Package embeddings provides the text embedding services used to index
// document chunks and summaries.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/nickcecere/ragsync/internal/config"
)

// Provider represents an embedding provider type.
type Provider string

const (
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

// ErrNoEmbedding is returned when a provider answers without a vector.
var ErrNoEmbedding = errors.New("no embedding returned")

// Service defines the interface for embedding services.
type Service interface {
	// Embed generates an embedding for one document text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimensions for this model.
	Dimensions() int

	// Provider returns the provider name.
	Provider() Provider

	// ModelName returns the model name.
	ModelName() string
}

// Known model dimensions
var modelDimensions = map[string]int{
	// Ollama models
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"snowflake-arctic-embed": 1024,

	// OpenAI models
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// GetModelDimensions returns the known dimensions for a model, or 0 if unknown.
func GetModelDimensions(model string) int {
	return modelDimensions[model]
}

// NewService creates an embedding service based on the configuration. A
// positive embed_cache_size wraps it in a CachedService.
func NewService(cfg *config.Config) (Service, error) {
	var svc Service
	var err error

	switch cfg.Embeddings.Provider {
	case "ollama":
		svc, err = NewOllamaService(
			cfg.Embeddings.Ollama.URL,
			cfg.Embeddings.Ollama.Model,
		)
	case "openai":
		svc, err = NewOpenAIService(
			cfg.Embeddings.OpenAI.APIKey,
			cfg.Embeddings.OpenAI.Model,
			cfg.Embeddings.OpenAI.BaseURL,
			cfg.Embeddings.OpenAI.Dimensions,
		)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Embeddings.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Ingestion.EmbedCacheSize > 0 {
		return NewCachedService(svc, cfg.Ingestion.EmbedCacheSize)
	}
	return svc, nil
}

// first returns the single vector of a one-text request.
func first(embeddings [][]float32) ([]float32, error) {
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, ErrNoEmbedding
	}
	return embeddings[0], nil
}
