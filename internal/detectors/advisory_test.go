package detectors

import (
	"strings"
	"testing"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
)

func TestBiasDetector(t *testing.T) {
	d, err := NewBias(config.DetectorConfig{Name: "bias"}, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	t.Run("stereotype flags", func(t *testing.T) {
		result := evaluate(t, d, "Everyone knows women are emotional in meetings.")
		if result.Action != guardrail.ActionFlag {
			t.Fatalf("expected flag, got %s", result.Action)
		}
		if !strings.Contains(result.Reason, "stereotype") {
			t.Errorf("reason %q should name the stereotype signal", result.Reason)
		}
	})

	t.Run("exclusionary language flags", func(t *testing.T) {
		result := evaluate(t, d, "We need more manpower on this project.")
		if result.Action != guardrail.ActionFlag {
			t.Errorf("expected flag, got %s", result.Action)
		}
	})

	t.Run("demographic imbalance flags", func(t *testing.T) {
		result := evaluate(t, d, "He said he would go. He left early. He returned. She stayed.")
		if result.Action != guardrail.ActionFlag {
			t.Errorf("expected flag on imbalance, got %s", result.Action)
		}
	})

	t.Run("neutral text allows", func(t *testing.T) {
		result := evaluate(t, d, "The report covers quarterly revenue figures.")
		if result.Action != guardrail.ActionAllow {
			t.Errorf("expected allow, got %s: %q", result.Action, result.Reason)
		}
	})
}

func TestHallucinationDetector(t *testing.T) {
	d, err := NewHallucination(config.DetectorConfig{Name: "hallucination"}, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	t.Run("stacked uncertainty flags", func(t *testing.T) {
		result := evaluate(t, d, "I think it was possibly founded in, perhaps, the nineties.")
		if result.Action != guardrail.ActionFlag {
			t.Fatalf("expected flag, got %s", result.Action)
		}
		if !strings.Contains(result.Reason, "uncertainty") {
			t.Errorf("reason %q should name uncertainty markers", result.Reason)
		}
	})

	t.Run("contradiction flags", func(t *testing.T) {
		result := evaluate(t, d, "Sales always rise in winter and never rise in winter.")
		if result.Action != guardrail.ActionFlag {
			t.Errorf("expected flag, got %s", result.Action)
		}
	})

	t.Run("single hedge allows", func(t *testing.T) {
		result := evaluate(t, d, "The total is approximately 40 units.")
		if result.Action != guardrail.ActionAllow {
			t.Errorf("one hedge word alone should not flag, got %s", result.Action)
		}
	})

	t.Run("confident text allows", func(t *testing.T) {
		result := evaluate(t, d, "The company was founded in 2004.")
		if result.Action != guardrail.ActionAllow {
			t.Errorf("expected allow, got %s: %q", result.Action, result.Reason)
		}
	})
}
