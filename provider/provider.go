package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seren-labs/insightd/config"
	openai_provider "github.com/seren-labs/insightd/provider/openai"
)

// CompletionRequest is a single chat-completion call.
type CompletionRequest = openai_provider.CompletionRequest

// CompletionResponse carries the model output and token accounting.
type CompletionResponse = openai_provider.CompletionResponse

// Provider is the interface all LLM transports must satisfy.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// NewProvider builds a provider from configuration. Only OpenAI-compatible
// transports are implemented; the base URL may point at any compatible server.
func NewProvider(cfg config.LLMProvider) (Provider, error) {
	switch cfg.Type {
	case "openai", "compatible", "":
		if cfg.APIKey == "" {
			return nil, errors.New("llm provider api_key not set")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		return openai_provider.NewClient(cfg.APIKey, cfg.BaseURL, cfg.MaxRetries, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", cfg.Type)
	}
}
