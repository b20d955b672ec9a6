// Package embeddings turns chunk and question text into vectors.
package embeddings

import (
	"context"
	"fmt"

	"github.com/fabfab/policy-agent/config"
)

// Embedder returns one vector per input text, in input order. Every vector
// produced by one Embedder has the same length.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// OptionsFromConfig extracts the embedding settings from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := OptionsFromConfig(cfg)

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	case config.ProviderHash:
		return NewHashEmbedder(opts.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

// Identity names the embedding space, so documents embedded with a
// different model are re-embedded on the next ingest.
func Identity(opts Options) string {
	return fmt.Sprintf("%s/%s/%d", opts.Provider, opts.Model, opts.Dimension)
}

func checkDimension(provider string, want int, vectors [][]float32) error {
	for i, vec := range vectors {
		if len(vec) == 0 {
			return fmt.Errorf("%s returned an empty embedding for input %d", provider, i)
		}
		if want > 0 && len(vec) != want {
			return fmt.Errorf("%s embedding dimension mismatch: expected %d, got %d", provider, want, len(vec))
		}
	}
	return nil
}
