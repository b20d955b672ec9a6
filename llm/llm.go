// Package llm talks to the chat model that writes the final answer.
package llm

import (
	"context"
	"fmt"

	"github.com/fabfab/policy-agent/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Request is a single, non-streaming completion request. A nil Temperature
// leaves the provider default in place.
type Request struct {
	Messages    []Message
	Temperature *float64
}

// Temperature returns a pointer to t for use in Request.
func Temperature(t float64) *float64 {
	return &t
}

type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Pinger is implemented by clients that can check, and warm up, the model
// runtime before the first question.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Provider  string
	Model     string
	KeepAlive string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewClient builds the configured provider, wrapped with retries when
// cfg.LLM.MaxRetries is positive.
func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		KeepAlive:     cfg.LLM.KeepAlive,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}

	var client Client
	switch opts.Provider {
	case config.ProviderOllama:
		client = NewOllamaClient(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		client = NewOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}

	if cfg.LLM.MaxRetries > 0 {
		client = WithRetry(client, uint64(cfg.LLM.MaxRetries))
	}
	return client, nil
}
