// Package llm wraps the chat-completion providers used to answer questions.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/fabfab/docqa/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrGeneration    = errors.New("llm generation failed")
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Options struct {
	Provider    string
	Model       string
	Temperature float32

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GoogleAPIKey  string
}

func OptionsFromSettings(s config.Settings) Options {
	return Options{
		Provider:      s.LLM.Provider,
		Model:         s.LLM.Model,
		Temperature:   s.Temperature,
		OllamaHost:    s.OllamaHost,
		OpenAIAPIKey:  s.OpenAIAPIKey,
		OpenAIBaseURL: s.OpenAIBaseURL,
		GoogleAPIKey:  s.GoogleAPIKey,
	}
}

// NewClient builds the client for the configured provider. Hosted providers
// without a credential fail with ErrMissingAPIKey.
func NewClient(ctx context.Context, s config.Settings) (Client, error) {
	opts := OptionsFromSettings(s)
	if s.RequiresAPIKey() && s.LLMAPIKey() == "" {
		return nil, fmt.Errorf("%w: %s provider selected but %s not set", ErrMissingAPIKey, opts.Provider, keyVar(opts.Provider))
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		return NewOpenAIClient(opts), nil
	case config.ProviderGemini:
		return NewGeminiClient(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}

func keyVar(provider string) string {
	if provider == config.ProviderOpenAI {
		return "OPENAI_API_KEY"
	}
	return "GOOGLE_API_KEY"
}
