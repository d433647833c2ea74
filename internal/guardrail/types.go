package guardrail

import "context"

// Action is the outcome class a detector assigns to a piece of content.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionFlag     Action = "flag"
	ActionModify   Action = "modify"
	ActionEscalate Action = "escalate"
	ActionBlock    Action = "block"
)

// Restrictiveness orders actions for merging: block > escalate > modify > flag > allow.
func (a Action) Restrictiveness() int {
	switch a {
	case ActionBlock:
		return 5
	case ActionEscalate:
		return 4
	case ActionModify:
		return 3
	case ActionFlag:
		return 2
	case ActionAllow:
		return 1
	default:
		return 0
	}
}

// MostRestrictive returns the more restrictive of two actions.
func MostRestrictive(a, b Action) Action {
	if b.Restrictiveness() > a.Restrictiveness() {
		return b
	}
	return a
}

// Stage identifies where in the request lifecycle a detector runs.
type Stage string

const (
	StagePreCall    Stage = "pre_call"
	StageDuringCall Stage = "during_call"
	StagePostCall   Stage = "post_call"
)

// Direction tells a detector whether it is looking at user input or model output.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Category groups detectors by what they judge. Security categories may
// block; advisory categories are capped at flag/escalate.
type Category string

const (
	CategoryContentSafety Category = "content_safety"
	CategoryPII           Category = "pii"
	CategorySecret        Category = "secret"
	CategoryBusinessRule  Category = "business_rule"
	CategoryBias          Category = "bias"
	CategoryHallucination Category = "hallucination"
)

// Advisory reports whether detectors in this category are limited to
// non-blocking outcomes.
func (c Category) Advisory() bool {
	return c == CategoryBias || c == CategoryHallucination
}

// FailMode is the behavior applied when a detector cannot produce a result.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// DefaultFailMode returns the category default: closed for security
// categories, open for advisory ones.
func (c Category) DefaultFailMode() FailMode {
	switch c {
	case CategoryContentSafety, CategoryPII, CategorySecret:
		return FailClosed
	default:
		return FailOpen
	}
}

// Message is one chat message flowing through the pipeline. Content is
// rewritten in place only when a stage merges to modify.
type Message struct {
	Role        string            `json:"role"`
	Content     string            `json:"content"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// Annotate records a stage-local note on the message.
func (m *Message) Annotate(key, value string) {
	if m.Annotations == nil {
		m.Annotations = make(map[string]string)
	}
	m.Annotations[key] = value
}

// Result is the immutable outcome of one detector invocation.
type Result struct {
	Detector    string         `json:"detector"`
	Action      Action         `json:"action"`
	Confidence  float64        `json:"confidence"`
	Reason      string         `json:"reason,omitempty"`
	Replacement string         `json:"replacement,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Valid reports whether the result honors the data model invariants.
func (r Result) Valid() bool {
	if r.Confidence < 0 || r.Confidence > 1 {
		return false
	}
	if r.Action == ActionModify && r.Replacement == "" {
		return false
	}
	return r.Action.Restrictiveness() > 0
}

// EvalContext carries read-only request context into a detector call.
// Prior holds results from earlier detectors in the same stage so detectors
// can compose without shared mutable state.
type EvalContext struct {
	RequestID string
	Stage     Stage
	Direction Direction
	Prior     []Result
}

// Detector is the capability contract every evaluator implements. Evaluate
// must honor ctx cancellation and never mutate the message it inspects; a
// rewrite is proposed through the result's Replacement field.
type Detector interface {
	Name() string
	Category() Category
	Evaluate(ctx context.Context, content string, ec EvalContext) (Result, error)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Allow builds an allow result for the named detector.
func Allow(detector string) Result {
	return Result{Detector: detector, Action: ActionAllow, Confidence: 1}
}

// Block builds a block result.
func Block(detector string, confidence float64, reason string) Result {
	return Result{Detector: detector, Action: ActionBlock, Confidence: clamp01(confidence), Reason: reason}
}

// Modify builds a modify result proposing replacement text.
func Modify(detector string, confidence float64, reason, replacement string) Result {
	return Result{Detector: detector, Action: ActionModify, Confidence: clamp01(confidence), Reason: reason, Replacement: replacement}
}

// Flag builds a non-blocking advisory result.
func Flag(detector string, confidence float64, reason string) Result {
	return Result{Detector: detector, Action: ActionFlag, Confidence: clamp01(confidence), Reason: reason}
}

// Escalate builds a result requesting human review without blocking.
func Escalate(detector string, confidence float64, reason string) Result {
	return Result{Detector: detector, Action: ActionEscalate, Confidence: clamp01(confidence), Reason: reason}
}

// Merge folds per-detector results into the stage aggregate using
// most-restrictive-wins ordering. The first result carrying the winning
// action supplies detector, reason, and confidence. An empty slice merges
// to a bare allow.
func Merge(results []Result) Result {
	merged := Result{Action: ActionAllow, Confidence: 1}
	for _, r := range results {
		if r.Action.Restrictiveness() > merged.Action.Restrictiveness() {
			merged = r
		}
	}
	return merged
}
