package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
	"go.uber.org/zap"
)

// OpenAI sends conversations to an OpenAI-compatible chat completions
// endpoint. The API key is read from the configured environment variable
// per request so rotation does not need a restart.
type OpenAI struct {
	baseURL   string
	model     string
	apiKeyEnv string
	client    *http.Client
	log       *logger.Logger
}

func NewOpenAI(cfg config.CompletionConfig, log *logger.Logger) *OpenAI {
	return &OpenAI{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		apiKeyEnv: cfg.APIKeyEnv,
		client:    &http.Client{Timeout: cfg.Timeout},
		log:       log.WithComponent("completion"),
	}
}

func (o *OpenAI) Model() string { return o.model }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (o *OpenAI) Send(ctx context.Context, messages []guardrail.Message) (guardrail.Message, error) {
	payload := chatRequest{Model: o.model, Messages: make([]chatMessage, 0, len(messages))}
	for _, m := range messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return guardrail.Message{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return guardrail.Message{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := os.Getenv(o.apiKeyEnv); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		// Network errors and timeouts are worth retrying upstream.
		return guardrail.Message{}, &ProviderError{Provider: "openai", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return guardrail.Message{}, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		o.log.Warn("Upstream completion error",
			zap.Int("status", resp.StatusCode),
			zap.String("model", o.model))
		return guardrail.Message{}, &ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    truncate(string(raw), 512),
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return guardrail.Message{}, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: "malformed response body", Retryable: false}
	}
	if parsed.Error != nil {
		return guardrail.Message{}, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: parsed.Error.Message, Retryable: false}
	}
	if len(parsed.Choices) == 0 {
		return guardrail.Message{}, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Message: "no choices in response", Retryable: false}
	}

	choice := parsed.Choices[0].Message
	return guardrail.Message{Role: choice.Role, Content: choice.Content}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
