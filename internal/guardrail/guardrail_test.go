package guardrail

import (
	"context"
	"errors"
	"testing"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/logger"
)

func TestMostRestrictive(t *testing.T) {
	tests := []struct {
		name string
		a, b Action
		want Action
	}{
		{"block beats escalate", ActionEscalate, ActionBlock, ActionBlock},
		{"escalate beats modify", ActionModify, ActionEscalate, ActionEscalate},
		{"modify beats flag", ActionFlag, ActionModify, ActionModify},
		{"flag beats allow", ActionAllow, ActionFlag, ActionFlag},
		{"equal returns first", ActionAllow, ActionAllow, ActionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MostRestrictive(tt.a, tt.b); got != tt.want {
				t.Errorf("MostRestrictive(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	t.Run("empty defaults to allow", func(t *testing.T) {
		merged := Merge(nil)
		if merged.Action != ActionAllow {
			t.Errorf("expected allow, got %s", merged.Action)
		}
	})

	t.Run("most restrictive wins", func(t *testing.T) {
		results := []Result{
			Flag("a", 0.4, "looks odd"),
			Block("b", 0.9, "policy violation"),
			Modify("c", 0.8, "masked", "clean text"),
		}
		merged := Merge(results)
		if merged.Action != ActionBlock {
			t.Errorf("expected block, got %s", merged.Action)
		}
		if merged.Detector != "b" {
			t.Errorf("expected detector b, got %s", merged.Detector)
		}
		if merged.Reason != "policy violation" {
			t.Errorf("unexpected reason: %s", merged.Reason)
		}
	})

	t.Run("tie keeps first", func(t *testing.T) {
		results := []Result{
			Flag("first", 0.3, "one"),
			Flag("second", 0.9, "two"),
		}
		merged := Merge(results)
		if merged.Detector != "first" {
			t.Errorf("expected first, got %s", merged.Detector)
		}
	})
}

func TestResultValid(t *testing.T) {
	t.Run("modify requires replacement", func(t *testing.T) {
		r := Result{Detector: "x", Action: ActionModify, Confidence: 0.5}
		if r.Valid() {
			t.Error("modify without replacement should be invalid")
		}
	})

	t.Run("confidence clamped by constructors", func(t *testing.T) {
		r := Block("x", 1.5, "reason")
		if r.Confidence != 1.0 {
			t.Errorf("expected clamp to 1.0, got %f", r.Confidence)
		}
		r = Flag("x", -0.2, "reason")
		if r.Confidence != 0 {
			t.Errorf("expected clamp to 0, got %f", r.Confidence)
		}
	})
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	t.Run("transient", func(t *testing.T) {
		err := Transient("pii", base)
		if !IsTransient(err) {
			t.Error("expected transient classification")
		}
		if IsPermanent(err) {
			t.Error("transient must not classify as permanent")
		}
		if !errors.Is(err, base) {
			t.Error("expected wrapped error to unwrap")
		}
	})

	t.Run("permanent", func(t *testing.T) {
		err := Permanent("pii", base)
		if !IsPermanent(err) {
			t.Error("expected permanent classification")
		}
		if IsTransient(err) {
			t.Error("permanent must not classify as transient")
		}
	})
}

type staticDetector struct {
	name     string
	category Category
	result   Result
}

func (d *staticDetector) Name() string       { return d.name }
func (d *staticDetector) Category() Category { return d.category }
func (d *staticDetector) Evaluate(_ context.Context, _ string, _ EvalContext) (Result, error) {
	return d.result, nil
}

func TestRegistryBuild(t *testing.T) {
	log := logger.NewNop()

	newRegistry := func() *Registry {
		r := NewRegistry()
		r.Register("static", func(cfg config.DetectorConfig, _ *logger.Logger) (Detector, error) {
			return &staticDetector{name: cfg.Name, category: CategoryContentSafety}, nil
		})
		return r
	}

	t.Run("unknown detector is an error", func(t *testing.T) {
		r := newRegistry()
		_, err := r.Build([]config.DetectorConfig{
			{Name: "nonexistent", Enabled: true, Stages: []string{"pre_call"}},
		}, log)
		if err == nil {
			t.Fatal("expected error for unknown detector")
		}
	})

	t.Run("disabled detectors skipped", func(t *testing.T) {
		r := newRegistry()
		set, err := r.Build([]config.DetectorConfig{
			{Name: "static", Enabled: false, Stages: []string{"pre_call"}},
		}, log)
		if err != nil {
			t.Fatal(err)
		}
		if set.Size() != 0 {
			t.Errorf("expected empty set, got %d", set.Size())
		}
	})

	t.Run("stage ordering follows priority", func(t *testing.T) {
		r := NewRegistry()
		for _, name := range []string{"a", "b", "c"} {
			r.Register(name, func(cfg config.DetectorConfig, _ *logger.Logger) (Detector, error) {
				return &staticDetector{name: cfg.Name, category: CategoryPII}, nil
			})
		}
		set, err := r.Build([]config.DetectorConfig{
			{Name: "c", Enabled: true, Priority: 3, Stages: []string{"pre_call"}},
			{Name: "a", Enabled: true, Priority: 1, Stages: []string{"pre_call"}},
			{Name: "b", Enabled: true, Priority: 2, Stages: []string{"pre_call", "post_call"}},
		}, log)
		if err != nil {
			t.Fatal(err)
		}
		pre := set.Stage(StagePreCall)
		if len(pre) != 3 {
			t.Fatalf("expected 3 pre_call detectors, got %d", len(pre))
		}
		for i, want := range []string{"a", "b", "c"} {
			if pre[i].Detector.Name() != want {
				t.Errorf("position %d: got %s, want %s", i, pre[i].Detector.Name(), want)
			}
		}
		if len(set.Stage(StagePostCall)) != 1 {
			t.Error("expected one post_call detector")
		}
	})
}

func TestAdvisoryCap(t *testing.T) {
	inner := &staticDetector{
		name:     "bias",
		category: CategoryBias,
		result:   Block("bias", 0.9, "biased"),
	}
	capped := &advisoryCap{inner: inner}

	result, err := capped.Evaluate(context.Background(), "text", EvalContext{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != ActionEscalate {
		t.Errorf("advisory block should cap to escalate, got %s", result.Action)
	}

	inner.result = Modify("bias", 0.6, "rewrite", "new text")
	result, _ = capped.Evaluate(context.Background(), "text", EvalContext{})
	if result.Action != ActionFlag {
		t.Errorf("advisory modify should cap to flag, got %s", result.Action)
	}
	if result.Replacement != "" {
		t.Error("capped modify must drop replacement")
	}
}

func TestFailModeResolution(t *testing.T) {
	pii := &staticDetector{name: "pii", category: CategoryPII}
	bias := &staticDetector{name: "bias", category: CategoryBias}

	b := Bound{Detector: pii, Config: config.DetectorConfig{}}
	if b.FailMode() != FailClosed {
		t.Error("pii defaults to fail-closed")
	}
	b = Bound{Detector: bias, Config: config.DetectorConfig{}}
	if b.FailMode() != FailOpen {
		t.Error("bias defaults to fail-open")
	}
	b = Bound{Detector: pii, Config: config.DetectorConfig{FailMode: "open"}}
	if b.FailMode() != FailOpen {
		t.Error("explicit fail_mode overrides category default")
	}
}
