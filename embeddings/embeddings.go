// Package embeddings turns text into vectors through a configurable provider.
package embeddings

import (
	"context"
	"fmt"

	"github.com/fabfab/docqa/config"
)

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
	GoogleAPIKey  string
}

func OptionsFromSettings(s config.Settings) Options {
	return Options{
		Provider:      s.Embeddings.Provider,
		Model:         s.Embeddings.Model,
		Dimension:     s.Embeddings.Dimension,
		OllamaHost:    s.OllamaHost,
		OpenAIAPIKey:  s.OpenAIAPIKey,
		OpenAIBaseURL: s.OpenAIBaseURL,
		GoogleAPIKey:  s.GoogleAPIKey,
	}
}

func NewEmbedder(ctx context.Context, s config.Settings) (Embedder, error) {
	opts := OptionsFromSettings(s)

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaEmbedder(opts), nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return NewOpenAIEmbedder(opts), nil
	case config.ProviderGemini:
		if opts.GoogleAPIKey == "" {
			return nil, fmt.Errorf("gemini provider selected but GOOGLE_API_KEY not set")
		}
		return NewGeminiEmbedder(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", opts.Provider)
	}
}

func checkDimension(provider string, want int, vec []float32) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%s embedding dimension mismatch: expected %d, got %d", provider, want, len(vec))
	}
	return nil
}
