package completion

import (
	"context"
	"sync"
	"time"

	"github.com/wardenhq/llm-warden/internal/guardrail"
)

// Fake is an in-process completion backend for tests and local runs. It
// echoes a canned reply, optionally after a delay, and records every
// conversation it receives.
type Fake struct {
	mu    sync.Mutex
	reply string
	err   error
	delay time.Duration
	calls [][]guardrail.Message
}

func NewFake() *Fake {
	return &Fake{reply: "ok"}
}

// SetReply sets the canned assistant response.
func (f *Fake) SetReply(reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = reply
}

// SetError makes every Send fail with err.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// SetDelay makes Send wait before answering, for racing tests.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns every conversation Send has received.
func (f *Fake) Calls() [][]guardrail.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([][]guardrail.Message, len(f.calls))
	copy(calls, f.calls)
	return calls
}

func (f *Fake) Model() string { return "fake" }

func (f *Fake) Send(ctx context.Context, messages []guardrail.Message) (guardrail.Message, error) {
	f.mu.Lock()
	reply, err, delay := f.reply, f.err, f.delay
	recorded := make([]guardrail.Message, len(messages))
	copy(recorded, messages)
	f.calls = append(f.calls, recorded)
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return guardrail.Message{}, ctx.Err()
		}
	}
	if err != nil {
		return guardrail.Message{}, err
	}
	return guardrail.Message{Role: "assistant", Content: reply}, nil
}
