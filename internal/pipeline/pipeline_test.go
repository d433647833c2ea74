package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/llm-warden/internal/audit"
	"github.com/wardenhq/llm-warden/internal/breaker"
	"github.com/wardenhq/llm-warden/internal/completion"
	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
	"github.com/wardenhq/llm-warden/internal/retry"
)

// scripted is a detector whose behavior is set per test.
type scripted struct {
	name     string
	category guardrail.Category
	fn       func(content string) (guardrail.Result, error)

	mu     sync.Mutex
	calls  []string
	priors [][]guardrail.Result
}

func (s *scripted) Name() string                 { return s.name }
func (s *scripted) Category() guardrail.Category { return s.category }

func (s *scripted) Evaluate(_ context.Context, content string, ec guardrail.EvalContext) (guardrail.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, content)
	s.priors = append(s.priors, append([]guardrail.Result(nil), ec.Prior...))
	s.mu.Unlock()
	return s.fn(content)
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scripted) priorAt(i int) []guardrail.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.priors) {
		return nil
	}
	return s.priors[i]
}

func (s *scripted) lastCall() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return ""
	}
	return s.calls[len(s.calls)-1]
}

func allowAll(string) (guardrail.Result, error) {
	return guardrail.Result{Action: guardrail.ActionAllow, Confidence: 1}, nil
}

type fixture struct {
	orchestrator *Orchestrator
	fake         *completion.Fake
	breaker      *breaker.Breaker
}

// newFixture builds an orchestrator over scripted detectors. Each entry
// binds a detector to pipeline stages in declaration order.
func newFixture(t *testing.T, detectors []*scripted, cfgs []config.DetectorConfig) *fixture {
	t.Helper()
	log := logger.NewNop()

	registry := guardrail.NewRegistry()
	for _, d := range detectors {
		det := d
		det.fnGuard()
		registry.Register(det.name, func(_ config.DetectorConfig, _ *logger.Logger) (guardrail.Detector, error) {
			return det, nil
		})
	}
	set, err := registry.Build(cfgs, log)
	if err != nil {
		t.Fatal(err)
	}

	b := breaker.New(5, time.Minute, log)
	coordinator := retry.New(b, config.RetryConfig{
		AttemptTimeout: time.Second,
		MaxRetries:     0,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
	}, log)

	fake := completion.NewFake()
	emitter := audit.NewEmitter(audit.NewLogSink(log), 64, log)
	t.Cleanup(func() { emitter.Close() })

	orchestrator := New(set, coordinator, fake, emitter, nil, config.PipelineConfig{
		StageTimeout:   5 * time.Second,
		DuringCallWait: 200 * time.Millisecond,
	}, "test-salt", log)

	return &fixture{orchestrator: orchestrator, fake: fake, breaker: b}
}

// fnGuard fills in a default behavior so a fixture never panics on an
// unscripted detector.
func (s *scripted) fnGuard() {
	if s.fn == nil {
		s.fn = allowAll
	}
}

func enabled(name string, priority int, stages ...string) config.DetectorConfig {
	return config.DetectorConfig{Name: name, Enabled: true, Priority: priority, Stages: stages}
}

func userRequest(content string) Request {
	return Request{
		RequestID: "req-1",
		UserID:    "user-1",
		Messages:  []guardrail.Message{{Role: "user", Content: content}},
	}
}

func TestRunCleanRequest(t *testing.T) {
	d := &scripted{name: "content", category: guardrail.CategoryContentSafety}
	f := newFixture(t, []*scripted{d}, []config.DetectorConfig{
		enabled("content", 1, "pre_call", "post_call"),
	})
	f.fake.SetReply("the answer")

	outcome, err := f.orchestrator.Run(context.Background(), userRequest("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Blocked() {
		t.Fatalf("clean request should pass, got %+v", outcome.Decision)
	}
	if outcome.Response.Content != "the answer" {
		t.Errorf("unexpected response: %q", outcome.Response.Content)
	}
	// pre_call on the prompt, post_call on the reply.
	if d.callCount() != 2 {
		t.Errorf("expected 2 detector calls, got %d", d.callCount())
	}
}

func TestRunPreCallBlockShortCircuits(t *testing.T) {
	blocker := &scripted{name: "blocker", category: guardrail.CategoryContentSafety,
		fn: func(string) (guardrail.Result, error) {
			return guardrail.Block("blocker", 0.9, "content policy violation"), nil
		}}
	after := &scripted{name: "after", category: guardrail.CategoryPII}

	f := newFixture(t, []*scripted{blocker, after}, []config.DetectorConfig{
		enabled("blocker", 1, "pre_call"),
		enabled("after", 2, "pre_call"),
	})

	outcome, err := f.orchestrator.Run(context.Background(), userRequest("bad stuff"))
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Blocked() {
		t.Fatal("expected block")
	}
	if after.callCount() != 0 {
		t.Error("block must short-circuit later detectors in the stage")
	}
	if len(f.fake.Calls()) != 0 {
		t.Error("a blocked request must never reach the provider")
	}
	if outcome.Decision.Detector != "blocker" || outcome.Decision.Stage != guardrail.StagePreCall {
		t.Errorf("unexpected decision: %+v", outcome.Decision)
	}
}

func TestRunChainedModify(t *testing.T) {
	masker := &scripted{name: "masker", category: guardrail.CategoryPII,
		fn: func(content string) (guardrail.Result, error) {
			rewritten := strings.ReplaceAll(content, "secret", "[MASKED]")
			return guardrail.Modify("masker", 1, "masked secret", rewritten), nil
		}}
	witness := &scripted{name: "witness", category: guardrail.CategoryContentSafety}

	f := newFixture(t, []*scripted{masker, witness}, []config.DetectorConfig{
		enabled("masker", 1, "pre_call"),
		enabled("witness", 2, "pre_call"),
	})
	f.fake.SetReply("ok")

	outcome, err := f.orchestrator.Run(context.Background(), userRequest("the secret word"))
	if err != nil {
		t.Fatal(err)
	}
	if witness.lastCall() != "the [MASKED] word" {
		t.Errorf("later detector should see rewritten text, saw %q", witness.lastCall())
	}
	if outcome.Messages[0].Content != "the [MASKED] word" {
		t.Errorf("forwarded request should carry the rewrite, got %q", outcome.Messages[0].Content)
	}
	calls := f.fake.Calls()
	if len(calls) != 1 || calls[0][0].Content != "the [MASKED] word" {
		t.Errorf("provider should receive masked content: %+v", calls)
	}
}

func TestRunModifyThenBlockDiscardsRewrite(t *testing.T) {
	masker := &scripted{name: "masker", category: guardrail.CategoryPII,
		fn: func(content string) (guardrail.Result, error) {
			return guardrail.Modify("masker", 1, "masked", "clean"), nil
		}}
	blocker := &scripted{name: "blocker", category: guardrail.CategoryContentSafety,
		fn: func(string) (guardrail.Result, error) {
			return guardrail.Block("blocker", 1, "content policy violation"), nil
		}}

	f := newFixture(t, []*scripted{masker, blocker}, []config.DetectorConfig{
		enabled("masker", 1, "pre_call"),
		enabled("blocker", 2, "pre_call"),
	})

	outcome, err := f.orchestrator.Run(context.Background(), userRequest("original"))
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Blocked() {
		t.Fatal("expected block")
	}
	if outcome.Messages[0].Content != "original" {
		t.Errorf("blocked requests keep the original content, got %q", outcome.Messages[0].Content)
	}
}

func TestRunFailureIsolation(t *testing.T) {
	t.Run("fail-closed blocks with sanitized reason", func(t *testing.T) {
		broken := &scripted{name: "broken", category: guardrail.CategoryPII,
			fn: func(string) (guardrail.Result, error) {
				return guardrail.Result{}, guardrail.Transient("broken", errors.New("connection refused to 10.0.0.5:6379"))
			}}
		f := newFixture(t, []*scripted{broken}, []config.DetectorConfig{
			enabled("broken", 1, "pre_call"),
		})

		outcome, err := f.orchestrator.Run(context.Background(), userRequest("hi"))
		if err != nil {
			t.Fatal(err)
		}
		if !outcome.Blocked() {
			t.Fatal("fail-closed detector unavailability must block")
		}
		if strings.Contains(outcome.Decision.Reason, "10.0.0.5") {
			t.Errorf("refusal must not leak internal error text: %q", outcome.Decision.Reason)
		}
		if outcome.Decision.Reason != "detector unavailable" {
			t.Errorf("unexpected reason: %q", outcome.Decision.Reason)
		}
	})

	t.Run("fail-open continues with a flag", func(t *testing.T) {
		broken := &scripted{name: "broken", category: guardrail.CategoryBias,
			fn: func(string) (guardrail.Result, error) {
				return guardrail.Result{}, guardrail.Transient("broken", errors.New("boom"))
			}}
		healthy := &scripted{name: "healthy", category: guardrail.CategoryContentSafety}
		f := newFixture(t, []*scripted{broken, healthy}, []config.DetectorConfig{
			enabled("broken", 1, "pre_call"),
			enabled("healthy", 2, "pre_call"),
		})
		f.fake.SetReply("fine")

		outcome, err := f.orchestrator.Run(context.Background(), userRequest("hi"))
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Blocked() {
			t.Fatal("fail-open detector must not block the request")
		}
		if healthy.callCount() == 0 {
			t.Error("one detector's failure must not stop its peers")
		}
		if outcome.Decision.Action != guardrail.ActionFlag {
			t.Errorf("expected flagged outcome, got %s", outcome.Decision.Action)
		}
	})
}

func TestRunDuringCall(t *testing.T) {
	t.Run("slow check never refuses on its own", func(t *testing.T) {
		slow := &scripted{name: "slow", category: guardrail.CategoryHallucination,
			fn: func(string) (guardrail.Result, error) {
				time.Sleep(time.Second)
				return guardrail.Block("slow", 1, "too late"), nil
			}}
		f := newFixture(t, []*scripted{slow}, []config.DetectorConfig{
			enabled("slow", 1, "during_call"),
		})
		f.fake.SetReply("fast answer")

		start := time.Now()
		outcome, err := f.orchestrator.Run(context.Background(), userRequest("hi"))
		if err != nil {
			t.Fatal(err)
		}
		if outcome.Blocked() {
			t.Fatal("an unfinished during_call check must not refuse the request")
		}
		if outcome.Response.Content != "fast answer" {
			t.Errorf("unexpected response: %q", outcome.Response.Content)
		}
		if elapsed := time.Since(start); elapsed > 800*time.Millisecond {
			t.Errorf("bounded wait exceeded: %s", elapsed)
		}
		found := false
		for _, r := range outcome.Results {
			if r.Detector == "slow" && r.Action == guardrail.ActionFlag {
				found = true
			}
		}
		if !found {
			t.Error("unfinished check should surface as a flag")
		}
	})

	t.Run("completed block refuses despite a successful completion", func(t *testing.T) {
		fast := &scripted{name: "fast", category: guardrail.CategoryContentSafety,
			fn: func(string) (guardrail.Result, error) {
				return guardrail.Block("fast", 1, "content policy violation"), nil
			}}
		f := newFixture(t, []*scripted{fast}, []config.DetectorConfig{
			enabled("fast", 1, "during_call"),
		})
		f.fake.SetReply("model output")

		outcome, err := f.orchestrator.Run(context.Background(), userRequest("hi"))
		if err != nil {
			t.Fatal(err)
		}
		if !outcome.Blocked() {
			t.Fatal("expected block from during_call")
		}
		if outcome.Response.Content != "" {
			t.Error("a blocked request must not return model output")
		}
	})
}

func TestRunPostCallModify(t *testing.T) {
	redactor := &scripted{name: "redactor", category: guardrail.CategoryPII,
		fn: func(content string) (guardrail.Result, error) {
			if !strings.Contains(content, "555-123-4567") {
				return guardrail.Result{Action: guardrail.ActionAllow, Confidence: 1}, nil
			}
			return guardrail.Modify("redactor", 1, "masked PHONE",
				strings.ReplaceAll(content, "555-123-4567", "[MASKED_PHONE]")), nil
		}}
	f := newFixture(t, []*scripted{redactor}, []config.DetectorConfig{
		enabled("redactor", 1, "post_call"),
	})
	f.fake.SetReply("call me at 555-123-4567")

	outcome, err := f.orchestrator.Run(context.Background(), userRequest("contact info?"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Blocked() {
		t.Fatal("expected pass with rewrite")
	}
	if outcome.Response.Content != "call me at [MASKED_PHONE]" {
		t.Errorf("response not rewritten: %q", outcome.Response.Content)
	}
}

func TestRunCompletionFailureCancelsDuring(t *testing.T) {
	during := &scripted{name: "during", category: guardrail.CategoryHallucination,
		fn: func(string) (guardrail.Result, error) {
			return guardrail.Result{Action: guardrail.ActionAllow, Confidence: 1}, nil
		}}

	f := newFixture(t, []*scripted{during}, []config.DetectorConfig{
		enabled("during", 1, "during_call"),
	})
	f.fake.SetError(errors.New("upstream down"))

	_, err := f.orchestrator.Run(context.Background(), userRequest("hi"))
	if err == nil {
		t.Fatal("expected completion failure to surface")
	}
}

func TestRunAbandonedDuringLeavesCircuitClosed(t *testing.T) {
	during := &scripted{name: "during", category: guardrail.CategoryHallucination,
		fn: func(string) (guardrail.Result, error) {
			time.Sleep(50 * time.Millisecond)
			return guardrail.Result{Action: guardrail.ActionAllow, Confidence: 1}, nil
		}}
	f := newFixture(t, []*scripted{during}, []config.DetectorConfig{
		enabled("during", 1, "during_call"),
	})
	f.fake.SetDelay(20 * time.Millisecond)
	f.fake.SetError(errors.New("upstream down"))

	// Each failed completion abandons the in-flight evaluation. The
	// detector itself is healthy, so its circuit must stay closed.
	for i := 0; i < 5; i++ {
		if _, err := f.orchestrator.Run(context.Background(), userRequest("hi")); err == nil {
			t.Fatal("expected completion failure to surface")
		}
	}
	if state := f.breaker.State("during"); state != breaker.StateClosed {
		t.Errorf("healthy detector circuit must stay closed after abandoned evaluations, got %s", state)
	}
}

func TestRunPriorResultsWithinStage(t *testing.T) {
	t.Run("pre_call", func(t *testing.T) {
		first := &scripted{name: "first", category: guardrail.CategoryContentSafety,
			fn: func(string) (guardrail.Result, error) {
				return guardrail.Flag("first", 0.6, "suspicious phrasing"), nil
			}}
		second := &scripted{name: "second", category: guardrail.CategoryPII}
		f := newFixture(t, []*scripted{first, second}, []config.DetectorConfig{
			enabled("first", 1, "pre_call"),
			enabled("second", 2, "pre_call"),
		})
		f.fake.SetReply("fine")

		if _, err := f.orchestrator.Run(context.Background(), userRequest("hi")); err != nil {
			t.Fatal(err)
		}
		if got := first.priorAt(0); len(got) != 0 {
			t.Errorf("first detector should see no prior results, got %d", len(got))
		}
		prior := second.priorAt(0)
		if len(prior) != 1 || prior[0].Detector != "first" {
			t.Fatalf("second detector must see the first's result, got %+v", prior)
		}
		if prior[0].Action != guardrail.ActionFlag {
			t.Errorf("unexpected prior action: %s", prior[0].Action)
		}
	})

	t.Run("during_call", func(t *testing.T) {
		first := &scripted{name: "first", category: guardrail.CategoryHallucination,
			fn: func(string) (guardrail.Result, error) {
				return guardrail.Flag("first", 0.5, "hedged claim"), nil
			}}
		second := &scripted{name: "second", category: guardrail.CategoryBias}
		f := newFixture(t, []*scripted{first, second}, []config.DetectorConfig{
			enabled("first", 1, "during_call"),
			enabled("second", 2, "during_call"),
		})
		f.fake.SetReply("fine")

		if _, err := f.orchestrator.Run(context.Background(), userRequest("hi")); err != nil {
			t.Fatal(err)
		}
		prior := second.priorAt(0)
		if len(prior) != 1 || prior[0].Detector != "first" {
			t.Fatalf("second detector must see the first's result, got %+v", prior)
		}
	})
}

func TestRunDuringUnavailableNeverRefuses(t *testing.T) {
	broken := &scripted{name: "broken", category: guardrail.CategoryPII,
		fn: func(string) (guardrail.Result, error) {
			return guardrail.Result{}, guardrail.Transient("broken", errors.New("scan service down"))
		}}
	f := newFixture(t, []*scripted{broken}, []config.DetectorConfig{
		enabled("broken", 1, "during_call"),
	})
	f.fake.SetReply("fine")

	outcome, err := f.orchestrator.Run(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Blocked() {
		t.Fatal("during_call degradation must never refuse the request")
	}
	if outcome.Decision.Action != guardrail.ActionFlag {
		t.Errorf("expected flagged outcome, got %s", outcome.Decision.Action)
	}
	if outcome.Decision.Reason != "detector unavailable" {
		t.Errorf("unexpected reason: %q", outcome.Decision.Reason)
	}
}

func TestRunMostRestrictiveMerge(t *testing.T) {
	flagger := &scripted{name: "flagger", category: guardrail.CategoryContentSafety,
		fn: func(string) (guardrail.Result, error) {
			return guardrail.Flag("flagger", 0.4, "mild"), nil
		}}
	escalator := &scripted{name: "escalator", category: guardrail.CategoryBusinessRule,
		fn: func(string) (guardrail.Result, error) {
			return guardrail.Escalate("escalator", 0.8, "needs review"), nil
		}}
	f := newFixture(t, []*scripted{flagger, escalator}, []config.DetectorConfig{
		enabled("flagger", 1, "pre_call"),
		enabled("escalator", 2, "pre_call"),
	})
	f.fake.SetReply("ok")

	outcome, err := f.orchestrator.Run(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Blocked() {
		t.Fatal("escalate must not refuse")
	}
	if outcome.Decision.Action != guardrail.ActionEscalate {
		t.Errorf("expected escalate to win the merge, got %s", outcome.Decision.Action)
	}
	if outcome.Decision.Detector != "escalator" {
		t.Errorf("unexpected winning detector: %s", outcome.Decision.Detector)
	}
}

func TestRunReloadSwapsDetectors(t *testing.T) {
	old := &scripted{name: "old", category: guardrail.CategoryContentSafety,
		fn: func(string) (guardrail.Result, error) {
			return guardrail.Block("old", 1, "always blocks"), nil
		}}
	f := newFixture(t, []*scripted{old}, []config.DetectorConfig{
		enabled("old", 1, "pre_call"),
	})
	f.fake.SetReply("ok")

	outcome, _ := f.orchestrator.Run(context.Background(), userRequest("hi"))
	if !outcome.Blocked() {
		t.Fatal("expected block before reload")
	}

	registry := guardrail.NewRegistry()
	replacement := &scripted{name: "new", category: guardrail.CategoryContentSafety}
	replacement.fnGuard()
	registry.Register("new", func(_ config.DetectorConfig, _ *logger.Logger) (guardrail.Detector, error) {
		return replacement, nil
	})
	set, err := registry.Build([]config.DetectorConfig{enabled("new", 1, "pre_call")}, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	f.orchestrator.Reload(set)

	outcome, err = f.orchestrator.Run(context.Background(), userRequest("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Blocked() {
		t.Error("reloaded set should pass the request")
	}
	if replacement.callCount() == 0 {
		t.Error("replacement detector was not consulted")
	}
}

func TestRunNoUserMessage(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.orchestrator.Run(context.Background(), Request{
		RequestID: "req-1",
		Messages:  []guardrail.Message{{Role: "system", Content: "be nice"}},
	})
	if err == nil {
		t.Error("expected an error for a request without user content")
	}
}

func TestRunMetrics(t *testing.T) {
	blocker := &scripted{name: "blocker", category: guardrail.CategoryContentSafety,
		fn: func(content string) (guardrail.Result, error) {
			if strings.Contains(content, "bad") {
				return guardrail.Block("blocker", 1, "content policy violation"), nil
			}
			return guardrail.Result{Action: guardrail.ActionAllow, Confidence: 1}, nil
		}}
	f := newFixture(t, []*scripted{blocker}, []config.DetectorConfig{
		enabled("blocker", 1, "pre_call"),
	})
	f.fake.SetReply("ok")

	f.orchestrator.Run(context.Background(), userRequest("good request"))
	f.orchestrator.Run(context.Background(), userRequest("bad request"))

	snap := f.orchestrator.Metrics().Snapshot()
	if snap.Requests != 2 {
		t.Errorf("requests = %d, want 2", snap.Requests)
	}
	if snap.Blocked != 1 {
		t.Errorf("blocked = %d, want 1", snap.Blocked)
	}
	if snap.Allowed != 1 {
		t.Errorf("allowed = %d, want 1", snap.Allowed)
	}
}
