// Package completion talks to the upstream model provider. The pipeline
// races during_call detectors against Send.
package completion

import (
	"context"
	"fmt"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
)

// Service produces a model response for a conversation.
type Service interface {
	Send(ctx context.Context, messages []guardrail.Message) (guardrail.Message, error)
	Model() string
}

// ProviderError wraps an upstream failure with a retryability hint.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// New selects the provider implementation from configuration.
func New(cfg config.CompletionConfig, log *logger.Logger) (Service, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg, log), nil
	case "fake":
		return NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}
