package detectors

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
)

// Words counted by the sentiment window heuristic around a rule match.
var negativeWords = map[string]bool{
	"angry": true, "awful": true, "bad": true, "furious": true,
	"hate": true, "never": true, "not": true, "refuse": true,
	"terrible": true, "unacceptable": true, "wrong": true, "worst": true,
}

const sentimentWindow = 40

type compiledRule struct {
	config.BusinessRule
	pattern *regexp.Regexp
	action  guardrail.Action
}

// BusinessRules evaluates configured pattern rules and applies the
// single strongest match.
type BusinessRules struct {
	rules []compiledRule
	log   *logger.Logger
}

// NewBusinessRules compiles the configured rules. An invalid pattern or
// action is a configuration error.
func NewBusinessRules(cfg config.DetectorConfig, log *logger.Logger) (guardrail.Detector, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		pattern, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rc.Name, err)
		}
		action := guardrail.Action(rc.Action)
		switch action {
		case guardrail.ActionBlock, guardrail.ActionFlag, guardrail.ActionModify, guardrail.ActionEscalate:
		default:
			return nil, fmt.Errorf("rule %s: invalid action %q", rc.Name, rc.Action)
		}
		if action == guardrail.ActionModify && rc.Replacement == "" {
			return nil, fmt.Errorf("rule %s: modify requires a replacement", rc.Name)
		}
		if rc.Severity < 0 || rc.Severity > 1 {
			return nil, fmt.Errorf("rule %s: severity %f out of range", rc.Name, rc.Severity)
		}
		rules = append(rules, compiledRule{BusinessRule: rc, pattern: pattern, action: action})
	}
	return &BusinessRules{rules: rules, log: log}, nil
}

func (d *BusinessRules) Name() string                 { return "businessRules" }
func (d *BusinessRules) Category() guardrail.Category { return guardrail.CategoryBusinessRule }

// Evaluate scores every matching rule and applies the one with the
// highest confidence times severity. Ties keep the rule declared first.
func (d *BusinessRules) Evaluate(_ context.Context, content string, _ guardrail.EvalContext) (guardrail.Result, error) {
	var winner *compiledRule
	var winnerConfidence, winnerScore float64

	for i := range d.rules {
		rule := &d.rules[i]
		matches := rule.pattern.FindAllStringIndex(content, -1)
		if len(matches) == 0 {
			continue
		}
		confidence := ruleConfidence(content, matches, rule.Severity)
		score := confidence * rule.Severity
		if winner == nil || score > winnerScore {
			winner = rule
			winnerConfidence = confidence
			winnerScore = score
		}
	}

	if winner == nil {
		return guardrail.Allow(d.Name()), nil
	}

	reason := fmt.Sprintf("business rule %s matched", winner.BusinessRule.Name)
	var result guardrail.Result
	switch winner.action {
	case guardrail.ActionBlock:
		result = guardrail.Block(d.Name(), winnerConfidence, reason)
	case guardrail.ActionEscalate:
		result = guardrail.Escalate(d.Name(), winnerConfidence, reason)
	case guardrail.ActionModify:
		rewritten := winner.pattern.ReplaceAllString(content, winner.Replacement)
		result = guardrail.Modify(d.Name(), winnerConfidence, reason, rewritten)
	default:
		result = guardrail.Flag(d.Name(), winnerConfidence, reason)
	}
	result.Metadata = map[string]interface{}{
		"rule":  winner.BusinessRule.Name,
		"score": winnerScore,
	}
	return result, nil
}

// ruleConfidence combines match count, the sentiment of the text windows
// around the matches, and the rule severity into one confidence value.
func ruleConfidence(content string, matches [][]int, severity float64) float64 {
	countScore := float64(len(matches)) / 3
	if countScore > 1 {
		countScore = 1
	}
	return clampUnit(0.5*countScore + 0.3*windowNegativity(content, matches) + 0.2*severity)
}

// windowNegativity is the fraction of words carrying negative sentiment
// across fixed-size windows around each match.
func windowNegativity(content string, matches [][]int) float64 {
	total, negative := 0, 0
	for _, m := range matches {
		start := m[0] - sentimentWindow
		if start < 0 {
			start = 0
		}
		end := m[1] + sentimentWindow
		if end > len(content) {
			end = len(content)
		}
		for _, word := range strings.Fields(strings.ToLower(content[start:end])) {
			total++
			if negativeWords[strings.Trim(word, ".,!?;:'\"")] {
				negative++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(negative) / float64(total)
}
