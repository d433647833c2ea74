package completion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
)

func newOpenAIAgainst(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAI(config.CompletionConfig{
		BaseURL:   server.URL,
		Model:     "gpt-4o-mini",
		APIKeyEnv: "WARDEN_TEST_KEY",
		Timeout:   5 * time.Second,
	}, logger.NewNop())
}

func TestOpenAISend(t *testing.T) {
	svc := newOpenAIAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Paris"}}]}`))
	})

	reply, err := svc.Send(context.Background(), []guardrail.Message{
		{Role: "user", Content: "Capital of France?"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Role != "assistant" || reply.Content != "Paris" {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newOpenAIAgainst(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream says no", tt.status)
			})
			_, err := svc.Send(context.Background(), []guardrail.Message{{Role: "user", Content: "hi"}})
			var provErr *ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if provErr.Retryable != tt.retryable {
				t.Errorf("status %d: retryable = %v, want %v", tt.status, provErr.Retryable, tt.retryable)
			}
		})
	}
}

func TestOpenAIMalformedBody(t *testing.T) {
	svc := newOpenAIAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":`))
	})
	_, err := svc.Send(context.Background(), []guardrail.Message{{Role: "user", Content: "hi"}})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.Retryable {
		t.Error("malformed bodies are not retryable")
	}
}

func TestFake(t *testing.T) {
	fake := NewFake()
	fake.SetReply("hello back")

	reply, err := fake.Send(context.Background(), []guardrail.Message{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content != "hello back" {
		t.Errorf("unexpected reply %q", reply.Content)
	}
	if len(fake.Calls()) != 1 {
		t.Errorf("expected one recorded call, got %d", len(fake.Calls()))
	}

	fake.SetDelay(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := fake.Send(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}
