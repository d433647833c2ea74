// Package detectors contains the built-in guardrail detectors: content
// safety, PII, business rules, and the advisory bias and hallucination
// checks.
package detectors

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/detectors/scorer"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
	"go.uber.org/zap"
)

// Severity weights per keyword tier. A total at or above the configured
// threshold blocks; any nonzero total below it flags.
var defaultBlocklist = map[string][]string{
	"high":   {"bomb", "kill", "suicide", "weapon"},
	"medium": {"hate", "violence", "harm", "abuse"},
	"low":    {"drug", "illegal"},
}

var tierWeights = map[string]float64{
	"high":   3,
	"medium": 2,
	"low":    1,
}

type tierPattern struct {
	tier    string
	word    string
	weight  float64
	pattern *regexp.Regexp
}

// ContentSafety scores text against weighted keyword tiers, optionally
// combined with a model-backed toxicity score.
type ContentSafety struct {
	threshold float64
	patterns  []tierPattern
	model     scorer.Scorer
	log       *logger.Logger
}

// NewContentSafety builds the detector from configuration. With scorer
// "onnx" the model score is taken when it exceeds the keyword score; a
// build without ONNX support falls back to keywords with a warning.
func NewContentSafety(cfg config.DetectorConfig, log *logger.Logger) (guardrail.Detector, error) {
	blocklist := cfg.Content.Blocklist
	if len(blocklist) == 0 {
		blocklist = defaultBlocklist
	}
	threshold := cfg.Content.Threshold
	if threshold <= 0 {
		threshold = 2
	}

	tiers := make([]string, 0, len(blocklist))
	for tier := range blocklist {
		tiers = append(tiers, tier)
	}
	sort.Strings(tiers)

	var patterns []tierPattern
	for _, tier := range tiers {
		weight, ok := tierWeights[tier]
		if !ok {
			return nil, fmt.Errorf("unknown blocklist tier %q", tier)
		}
		for _, word := range blocklist[tier] {
			p, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("invalid blocklist word %q: %w", word, err)
			}
			patterns = append(patterns, tierPattern{tier: tier, word: word, weight: weight, pattern: p})
		}
	}

	d := &ContentSafety{threshold: threshold, patterns: patterns, log: log}

	if cfg.Content.Scorer == "onnx" {
		model, err := scorer.New(log.Logger, cfg.Content.ModelPath)
		if err != nil {
			log.Warn("Model scoring unavailable, using keyword scoring only", zap.Error(err))
		} else {
			d.model = model
		}
	}
	return d, nil
}

func (d *ContentSafety) Name() string                 { return "contentSafety" }
func (d *ContentSafety) Category() guardrail.Category { return guardrail.CategoryContentSafety }

func (d *ContentSafety) Evaluate(ctx context.Context, content string, _ guardrail.EvalContext) (guardrail.Result, error) {
	score := 0.0
	var matched []string
	for _, tp := range d.patterns {
		hits := tp.pattern.FindAllStringIndex(content, -1)
		if len(hits) == 0 {
			continue
		}
		score += tp.weight * float64(len(hits))
		matched = append(matched, fmt.Sprintf("%s(%s)", tp.word, tp.tier))
	}

	confidence := clampUnit(score / (d.threshold * 2))

	if d.model != nil {
		modelScore, err := d.model.Score(ctx, content)
		if err != nil {
			return guardrail.Result{}, guardrail.Transient(d.Name(), err)
		}
		if modelScore > confidence {
			confidence = modelScore
		}
		// Scale the model score onto the keyword threshold so either
		// signal can trip the block.
		if modelScore*d.threshold*2 > score {
			score = modelScore * d.threshold * 2
		}
	}

	switch {
	case score >= d.threshold:
		result := guardrail.Block(d.Name(), confidence,
			fmt.Sprintf("content policy violation: %s", strings.Join(matched, ", ")))
		result.Metadata = map[string]interface{}{"score": score, "matched": matched}
		return result, nil
	case score > 0:
		result := guardrail.Flag(d.Name(), confidence,
			fmt.Sprintf("low-severity content match: %s", strings.Join(matched, ", ")))
		result.Metadata = map[string]interface{}{"score": score, "matched": matched}
		return result, nil
	default:
		return guardrail.Allow(d.Name()), nil
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
