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

// Entity classes reported by the PII detector.
const (
	EntityEmail      = "EMAIL"
	EntityPhone      = "PHONE"
	EntitySSN        = "US_SSN"
	EntityCreditCard = "CREDIT_CARD"
	EntitySecret     = "SECRET"
)

// Policy values per entity class.
const (
	PolicyBlock  = "block"
	PolicyMask   = "mask"
	PolicyIgnore = "ignore"
)

var defaultPolicies = map[string]string{
	EntityEmail:      PolicyMask,
	EntityPhone:      PolicyMask,
	EntitySSN:        PolicyBlock,
	EntityCreditCard: PolicyBlock,
	EntitySecret:     PolicyBlock,
}

type entityPattern struct {
	entity  string
	pattern *regexp.Regexp
	// validate rejects false positives after the regex matches.
	validate func(string) bool
}

var entityPatterns = []entityPattern{
	{
		entity:  EntitySecret,
		pattern: regexp.MustCompile(`\b(?:sk-[A-Za-z0-9_\-]{20,}|AKIA[0-9A-Z]{16}|gh[pousr]_[A-Za-z0-9]{36,}|xox[baprs]-[A-Za-z0-9\-]{10,})`),
	},
	{
		entity:   EntityCreditCard,
		pattern:  regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
		validate: luhnValid,
	},
	{
		entity:  EntitySSN,
		pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		entity:  EntityPhone,
		pattern: regexp.MustCompile(`\b(?:\+?1[\-. ]?)?\(?\d{3}\)?[\-. ]\d{3}[\-. ]\d{4}\b`),
	},
	{
		entity:  EntityEmail,
		pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	},
}

// finding is one entity occurrence in the scanned text.
type finding struct {
	entity string
	start  int
	end    int
}

// PII detects personally identifying information and secrets, applying a
// per-entity policy of block, mask, or ignore.
type PII struct {
	policies   map[string]string
	maskFormat string
	log        *logger.Logger
}

// NewPII builds the detector. Configured policies override the defaults
// per entity class; unnamed classes keep their default.
func NewPII(cfg config.DetectorConfig, log *logger.Logger) (guardrail.Detector, error) {
	policies := make(map[string]string, len(defaultPolicies))
	for entity, policy := range defaultPolicies {
		policies[entity] = policy
	}
	for entity, policy := range cfg.PII.Policies {
		key := strings.ToUpper(entity)
		if _, ok := policies[key]; !ok {
			return nil, fmt.Errorf("unknown pii entity class %q", entity)
		}
		policies[key] = strings.ToLower(policy)
	}
	maskFormat := cfg.PII.MaskFormat
	if maskFormat == "" {
		maskFormat = "[MASKED_%s]"
	}
	return &PII{policies: policies, maskFormat: maskFormat, log: log}, nil
}

func (d *PII) Name() string                 { return "pii" }
func (d *PII) Category() guardrail.Category { return guardrail.CategoryPII }

func (d *PII) Evaluate(_ context.Context, content string, _ guardrail.EvalContext) (guardrail.Result, error) {
	findings := scan(content)
	if len(findings) == 0 {
		return guardrail.Allow(d.Name()), nil
	}

	var blocked, masked []finding
	counts := make(map[string]int)
	for _, f := range findings {
		counts[f.entity]++
		switch d.policies[f.entity] {
		case PolicyBlock:
			blocked = append(blocked, f)
		case PolicyMask:
			masked = append(masked, f)
		}
	}

	metadata := map[string]interface{}{"entities": counts}

	// A single blocked entity overrides any maskable ones.
	if len(blocked) > 0 {
		result := guardrail.Block(d.Name(), 1.0,
			fmt.Sprintf("detected %s", strings.Join(entityNames(blocked), ", ")))
		result.Metadata = metadata
		return result, nil
	}

	if len(masked) > 0 {
		result := guardrail.Modify(d.Name(), 1.0,
			fmt.Sprintf("masked %s", strings.Join(entityNames(masked), ", ")),
			d.mask(content, masked))
		result.Metadata = metadata
		return result, nil
	}

	// Everything found is policy-ignored.
	return guardrail.Allow(d.Name()), nil
}

// mask substitutes findings from the highest start offset down so earlier
// offsets stay valid while the text shrinks or grows.
func (d *PII) mask(content string, findings []finding) string {
	sort.Slice(findings, func(i, j int) bool {
		return findings[i].start > findings[j].start
	})
	masked := content
	lastStart := len(content) + 1
	for _, f := range findings {
		if f.end > lastStart {
			continue // overlaps a finding already substituted
		}
		token := fmt.Sprintf(d.maskFormat, f.entity)
		masked = masked[:f.start] + token + masked[f.end:]
		lastStart = f.start
	}
	return masked
}

// scan runs every entity pattern over the text. Spans claimed by an
// earlier (higher precedence) entity are not reported again.
func scan(content string) []finding {
	var findings []finding
	for _, ep := range entityPatterns {
		for _, loc := range ep.pattern.FindAllStringIndex(content, -1) {
			match := content[loc[0]:loc[1]]
			if ep.validate != nil && !ep.validate(match) {
				continue
			}
			if overlapsAny(findings, loc[0], loc[1]) {
				continue
			}
			findings = append(findings, finding{entity: ep.entity, start: loc[0], end: loc[1]})
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].start < findings[j].start })
	return findings
}

func overlapsAny(findings []finding, start, end int) bool {
	for _, f := range findings {
		if start < f.end && end > f.start {
			return true
		}
	}
	return false
}

func entityNames(findings []finding) []string {
	seen := make(map[string]bool)
	var names []string
	for _, f := range findings {
		if !seen[f.entity] {
			seen[f.entity] = true
			names = append(names, f.entity)
		}
	}
	sort.Strings(names)
	return names
}

// luhnValid checks the Luhn checksum over the digits of a card candidate.
func luhnValid(candidate string) bool {
	var digits []int
	for _, r := range candidate {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
