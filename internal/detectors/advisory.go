package detectors

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
)

// Bias flags demographic imbalance, stereotypical phrasing, and
// exclusionary language in model output. Advisory: it never blocks.
type Bias struct {
	log *logger.Logger
}

func NewBias(_ config.DetectorConfig, log *logger.Logger) (guardrail.Detector, error) {
	return &Bias{log: log}, nil
}

func (d *Bias) Name() string                 { return "bias" }
func (d *Bias) Category() guardrail.Category { return guardrail.CategoryBias }

var demographicTerms = map[string][]string{
	"gender":   {"he", "she", "man", "woman", "male", "female"},
	"race":     {"white", "black", "asian", "hispanic", "latino"},
	"age":      {"young", "old", "elderly", "millennial", "boomer"},
	"religion": {"christian", "muslim", "jewish", "hindu", "buddhist"},
}

var stereotypePhrases = []string{
	"women are emotional",
	"men are strong",
	"girls like pink",
	"boys don't cry",
	"nurses are women",
	"engineers are men",
	"secretaries are female",
}

var exclusionaryPatterns = []struct {
	pattern    *regexp.Regexp
	issue      string
	suggestion string
}{
	{regexp.MustCompile(`(?i)\bmanpower\b`), "gendered term", "workforce"},
	{regexp.MustCompile(`(?i)\bchairman\b`), "gendered title", "chairperson"},
	{regexp.MustCompile(`(?i)\bnormal people\b`), "ableist language", "most people"},
}

func (d *Bias) Evaluate(_ context.Context, content string, _ guardrail.EvalContext) (guardrail.Result, error) {
	lower := strings.ToLower(content)
	var issues []string
	confidence := 0.0

	for _, phrase := range stereotypePhrases {
		if strings.Contains(lower, phrase) {
			issues = append(issues, fmt.Sprintf("stereotype: %q", phrase))
			confidence += 0.4
		}
	}

	for category, terms := range demographicTerms {
		counts := termCounts(lower, terms)
		if imbalanced(counts) {
			issues = append(issues, fmt.Sprintf("%s imbalance", category))
			confidence += 0.2
		}
	}

	for _, ep := range exclusionaryPatterns {
		if ep.pattern.MatchString(content) {
			issues = append(issues, fmt.Sprintf("%s, prefer %q", ep.issue, ep.suggestion))
			confidence += 0.1
		}
	}

	if len(issues) == 0 {
		return guardrail.Allow(d.Name()), nil
	}
	sort.Strings(issues)
	result := guardrail.Flag(d.Name(), clampUnit(confidence),
		fmt.Sprintf("potential bias: %s", strings.Join(issues, "; ")))
	result.Metadata = map[string]interface{}{"issues": issues}
	return result, nil
}

func termCounts(lower string, terms []string) map[string]int {
	counts := make(map[string]int)
	words := strings.Fields(lower)
	for _, raw := range words {
		word := strings.Trim(raw, ".,!?;:'\"")
		for _, term := range terms {
			if word == term {
				counts[term]++
			}
		}
	}
	return counts
}

// imbalanced reports whether the most frequent term appears more than
// twice as often as the least frequent one.
func imbalanced(counts map[string]int) bool {
	if len(counts) < 2 {
		return false
	}
	max, min := 0, int(^uint(0)>>1)
	for _, c := range counts {
		if c > max {
			max = c
		}
		if c < min {
			min = c
		}
	}
	return max > min*2
}

// Hallucination estimates how likely model output contains fabricated or
// internally inconsistent claims. Advisory: it never blocks.
type Hallucination struct {
	log *logger.Logger
}

func NewHallucination(_ config.DetectorConfig, log *logger.Logger) (guardrail.Detector, error) {
	return &Hallucination{log: log}, nil
}

func (d *Hallucination) Name() string                 { return "hallucination" }
func (d *Hallucination) Category() guardrail.Category { return guardrail.CategoryHallucination }

var uncertaintyMarkers = []string{
	"might be", "possibly", "perhaps", "maybe",
	"i think", "i believe", "it seems", "apparently",
	"roughly", "approximately",
}

var contradictionPairs = [][2]string{
	{"always", "never"},
	{"all", "none"},
	{"increase", "decrease"},
}

var yearPattern = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)

func (d *Hallucination) Evaluate(_ context.Context, content string, _ guardrail.EvalContext) (guardrail.Result, error) {
	lower := strings.ToLower(content)
	var signals []string
	score := 0.0

	markers := 0
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(lower, marker) {
			markers++
		}
	}
	if markers >= 2 {
		signals = append(signals, fmt.Sprintf("%d uncertainty markers", markers))
		score += 0.2 * float64(markers)
	}

	words := wordSet(lower)
	for _, pair := range contradictionPairs {
		if words[pair[0]] && words[pair[1]] {
			signals = append(signals, fmt.Sprintf("contradictory terms %q/%q", pair[0], pair[1]))
			score += 0.3
		}
	}

	years := yearPattern.FindAllString(content, -1)
	if distinct(years) > 2 {
		signals = append(signals, "multiple conflicting years")
		score += 0.2
	}

	if len(signals) == 0 {
		return guardrail.Allow(d.Name()), nil
	}
	result := guardrail.Flag(d.Name(), clampUnit(score),
		fmt.Sprintf("possible hallucination: %s", strings.Join(signals, "; ")))
	result.Metadata = map[string]interface{}{"signals": signals}
	return result, nil
}

func wordSet(lower string) map[string]bool {
	set := make(map[string]bool)
	for _, raw := range strings.Fields(lower) {
		set[strings.Trim(raw, ".,!?;:'\"")] = true
	}
	return set
}

func distinct(values []string) int {
	seen := make(map[string]bool)
	for _, v := range values {
		seen[v] = true
	}
	return len(seen)
}
