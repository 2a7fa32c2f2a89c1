// Package embeddings wraps the external embedding provider behind a narrow
// text-to-vector contract with a stable dimensionality.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/halcyonsec/kbagent/config"
)

// ErrUnavailable marks an embedding call that failed after the provider was
// given its chance. Callers degrade (skip the chunk, fall back to graph-only
// retrieval) rather than abort.
var ErrUnavailable = errors.New("embedding provider unavailable")

// callTimeout bounds a single provider round trip; provider calls are the
// only suspension points of a query.
const callTimeout = 30 * time.Second

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

func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", opts.Dimension)
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

// EmbedOne embeds a single text and unwraps the first vector.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: provider returned no vectors", ErrUnavailable)
	}
	return vectors[0], nil
}
