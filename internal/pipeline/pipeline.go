// Package pipeline orchestrates guardrail evaluation around a model call:
// pre_call detectors on the request, during_call detectors raced against
// the upstream completion, post_call detectors on the response.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/llm-warden/internal/audit"
	"github.com/wardenhq/llm-warden/internal/completion"
	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
	"github.com/wardenhq/llm-warden/internal/retry"
	"go.uber.org/zap"
)

// Request is one conversation to screen and complete.
type Request struct {
	RequestID string
	UserID    string
	Messages  []guardrail.Message
}

// Decision is the externally visible outcome. Reason carries the detector
// classification, never internal error text.
type Decision struct {
	Action   guardrail.Action `json:"action"`
	Detector string           `json:"detector,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Stage    guardrail.Stage  `json:"stage,omitempty"`
}

// Outcome is the full result of a pipeline run.
type Outcome struct {
	Decision Decision
	// Messages is the request after any pre_call rewrites.
	Messages []guardrail.Message
	// Response is the model reply after any post_call rewrites; empty
	// when the request was blocked before or after completion.
	Response guardrail.Message
	// Results holds every detector result across all stages.
	Results []guardrail.Result
}

// Blocked reports whether the request was refused.
func (o Outcome) Blocked() bool {
	return o.Decision.Action == guardrail.ActionBlock
}

// Events receives decision notifications, typically a websocket hub. All
// methods must be non-blocking.
type Events interface {
	DetectorResult(requestID string, stage guardrail.Stage, result guardrail.Result)
	FinalDecision(requestID string, decision Decision)
}

// Orchestrator runs the three-stage guardrail pipeline. The detector set
// is swapped wholesale on configuration reload; in-flight requests finish
// on the set they started with.
type Orchestrator struct {
	mu          sync.RWMutex
	set         *guardrail.Set
	coordinator *retry.Coordinator
	completions completion.Service
	emitter     *audit.Emitter
	events      Events
	cfg         config.PipelineConfig
	hashSalt    string
	metrics     *Metrics
	log         *logger.Logger
}

// New wires the orchestrator. events may be nil.
func New(set *guardrail.Set, coordinator *retry.Coordinator, completions completion.Service,
	emitter *audit.Emitter, events Events, cfg config.PipelineConfig, hashSalt string, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		set:         set,
		coordinator: coordinator,
		completions: completions,
		emitter:     emitter,
		events:      events,
		cfg:         cfg,
		hashSalt:    hashSalt,
		metrics:     NewMetrics(),
		log:         log.WithComponent("pipeline"),
	}
}

// Reload swaps in a freshly built detector set.
func (o *Orchestrator) Reload(set *guardrail.Set) {
	o.mu.Lock()
	o.set = set
	o.mu.Unlock()
	o.log.Info("Detector set reloaded", zap.Int("detectors", set.Size()))
}

func (o *Orchestrator) currentSet() *guardrail.Set {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.set
}

// Metrics returns the orchestrator counters.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// Run screens the request, obtains a completion, screens the response,
// and returns the merged outcome.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Outcome, error) {
	set := o.currentSet()
	log := o.log.WithRequestID(req.RequestID)
	o.metrics.requests.Add(1)

	outcome := Outcome{Messages: req.Messages}
	promptIdx := lastUserMessage(req.Messages)
	if promptIdx == -1 {
		return Outcome{}, fmt.Errorf("request has no user message")
	}
	prompt := req.Messages[promptIdx].Content

	// pre_call on the request content.
	pre := o.runStage(ctx, set, guardrail.StagePreCall, prompt, guardrail.EvalContext{
		RequestID: req.RequestID,
		Stage:     guardrail.StagePreCall,
		Direction: guardrail.DirectionInput,
	})
	outcome.Results = append(outcome.Results, pre.results...)
	o.record(req, guardrail.StagePreCall, pre.results, pre.durations)

	if pre.merged.Action == guardrail.ActionBlock {
		return o.finish(req, outcome, pre.merged, guardrail.StagePreCall, log), nil
	}
	if pre.merged.Action == guardrail.ActionModify {
		prompt = pre.content
		outcome.Messages = rewriteMessage(req.Messages, promptIdx, prompt)
		outcome.Messages[promptIdx].Annotate("guardrail", "modified")
	}

	// during_call runs against the prompt while the completion is in
	// flight. A completion failure cancels the remaining evaluations.
	duringCtx, cancelDuring := context.WithCancel(ctx)
	defer cancelDuring()
	during := o.startStage(duringCtx, set, guardrail.StageDuringCall, prompt, guardrail.EvalContext{
		RequestID: req.RequestID,
		Stage:     guardrail.StageDuringCall,
		Direction: guardrail.DirectionInput,
	})

	response, err := o.completions.Send(ctx, outcome.Messages)
	if err != nil {
		cancelDuring()
		o.metrics.completionFailures.Add(1)
		log.Error("Upstream completion failed", zap.Error(err))
		return Outcome{}, fmt.Errorf("completion failed: %w", err)
	}

	duringResults, duringDurations := during.wait(o.cfg.DuringCallWait)
	outcome.Results = append(outcome.Results, duringResults...)
	o.record(req, guardrail.StageDuringCall, duringResults, duringDurations)
	if merged := guardrail.Merge(duringResults); merged.Action == guardrail.ActionBlock {
		return o.finish(req, outcome, merged, guardrail.StageDuringCall, log), nil
	}

	// post_call on the model response.
	post := o.runStage(ctx, set, guardrail.StagePostCall, response.Content, guardrail.EvalContext{
		RequestID: req.RequestID,
		Stage:     guardrail.StagePostCall,
		Direction: guardrail.DirectionOutput,
		Prior:     outcome.Results,
	})
	outcome.Results = append(outcome.Results, post.results...)
	o.record(req, guardrail.StagePostCall, post.results, post.durations)

	if post.merged.Action == guardrail.ActionBlock {
		return o.finish(req, outcome, post.merged, guardrail.StagePostCall, log), nil
	}
	if post.merged.Action == guardrail.ActionModify {
		response.Content = post.content
		response.Annotate("guardrail", "modified")
	}
	outcome.Response = response

	final := guardrail.Merge(outcome.Results)
	return o.finish(req, outcome, final, "", log), nil
}

// finish translates the merged result into the outward decision, records
// the final audit entry, and bumps counters.
func (o *Orchestrator) finish(req Request, outcome Outcome, merged guardrail.Result, stage guardrail.Stage, log *logger.Logger) Outcome {
	decision := Decision{
		Action:   merged.Action,
		Detector: merged.Detector,
		Reason:   merged.Reason,
		Stage:    stage,
	}
	// Only block refuses the request; everything else passes through
	// with annotations.
	if decision.Action != guardrail.ActionBlock {
		switch decision.Action {
		case guardrail.ActionModify:
			o.metrics.modified.Add(1)
		case guardrail.ActionFlag:
			o.metrics.flagged.Add(1)
		case guardrail.ActionEscalate:
			o.metrics.escalated.Add(1)
		default:
			o.metrics.allowed.Add(1)
		}
	} else {
		o.metrics.blocked.Add(1)
		outcome.Response = guardrail.Message{}
		log.Info("Request blocked",
			zap.String("detector", decision.Detector),
			zap.String("stage", string(stage)),
			zap.String("reason", decision.Reason))
	}
	outcome.Decision = decision

	entry := audit.FromResult(req.RequestID, stage, merged, true)
	entry.UserHash = audit.HashUser(o.hashSalt, req.UserID)
	o.emitter.Emit(entry)
	if o.events != nil {
		o.events.FinalDecision(req.RequestID, decision)
	}
	return outcome
}

// record audits per-detector results and publishes them to observers.
func (o *Orchestrator) record(req Request, stage guardrail.Stage, results []guardrail.Result, durations []time.Duration) {
	for i, r := range results {
		entry := audit.FromResult(req.RequestID, stage, r, false)
		entry.UserHash = audit.HashUser(o.hashSalt, req.UserID)
		if i < len(durations) {
			entry.DurationMS = durations[i].Milliseconds()
		}
		o.emitter.Emit(entry)
		if o.events != nil {
			o.events.DetectorResult(req.RequestID, stage, r)
		}
	}
}

type stageOutcome struct {
	results   []guardrail.Result
	durations []time.Duration
	merged    guardrail.Result
	// content is the working text after chained rewrites; only
	// meaningful when merged.Action is modify.
	content string
}

// runStage evaluates a stage's detectors in priority order. Rewrites are
// folded left to right so each detector sees the text produced by the
// previous one, and each detector sees the results produced so far in
// the stage through ec.Prior. A block short-circuits the rest of the
// stage. When the stage deadline expires, every remaining detector
// contributes its fail mode fallback instead of running.
func (o *Orchestrator) runStage(ctx context.Context, set *guardrail.Set, stage guardrail.Stage, content string, ec guardrail.EvalContext) stageOutcome {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	working := content
	prior := append([]guardrail.Result(nil), ec.Prior...)
	var results []guardrail.Result
	var durations []time.Duration
	for _, bound := range set.Stage(stage) {
		ec.Prior = prior
		var result guardrail.Result
		var took time.Duration
		if stageCtx.Err() != nil {
			result = o.fallback(bound, stage, "stage deadline exceeded")
		} else {
			result, took = o.evaluate(stageCtx, bound, working, ec)
		}
		results = append(results, result)
		durations = append(durations, took)
		prior = append(prior, result)
		if result.Action == guardrail.ActionModify {
			working = result.Replacement
		}
		if result.Action == guardrail.ActionBlock {
			break
		}
	}

	merged := guardrail.Merge(results)
	out := stageOutcome{results: results, durations: durations, merged: merged}
	if merged.Action == guardrail.ActionModify {
		out.content = working
	}
	return out
}

// evaluate runs one detector through the retry coordinator and applies
// its fail mode when the detector stays unavailable. The returned
// duration is the wall time of the evaluation, for the audit trail.
func (o *Orchestrator) evaluate(ctx context.Context, bound guardrail.Bound, content string, ec guardrail.EvalContext) (guardrail.Result, time.Duration) {
	name := bound.Detector.Name()
	start := time.Now()
	result, err := o.coordinator.Execute(ctx, name, retry.Overrides{
		AttemptTimeout: bound.Config.Timeout,
		MaxRetries:     bound.Config.MaxRetries,
	}, func(ctx context.Context) (guardrail.Result, error) {
		return bound.Detector.Evaluate(ctx, content, ec)
	})
	took := time.Since(start)
	if err != nil {
		o.metrics.detectorFailures.Add(1)
		o.log.Warn("Detector unavailable",
			zap.String("detector", name),
			zap.String("stage", string(ec.Stage)),
			zap.Error(err))
		return o.fallback(bound, ec.Stage, "detector unavailable"), took
	}
	if !result.Valid() {
		o.metrics.detectorFailures.Add(1)
		o.log.Warn("Detector returned invalid result", zap.String("detector", name))
		return o.fallback(bound, ec.Stage, "detector unavailable"), took
	}
	return result, took
}

// fallback is the result applied when a detector cannot run: fail-closed
// blocks, fail-open records a flag and lets the request continue. A
// during_call fallback is always a flag; degradation while the
// completion is already in flight never turns into a refusal.
func (o *Orchestrator) fallback(bound guardrail.Bound, stage guardrail.Stage, reason string) guardrail.Result {
	name := bound.Detector.Name()
	if bound.FailMode() == guardrail.FailClosed && stage != guardrail.StageDuringCall {
		return guardrail.Block(name, 1.0, reason)
	}
	return guardrail.Flag(name, 0.0, reason)
}

// runningStage is an asynchronously evaluated stage.
type runningStage struct {
	mu        sync.Mutex
	results   []guardrail.Result
	durations []time.Duration
	pending   map[string]bool
	done      chan struct{}
}

// startStage evaluates a stage in the background. Detectors within the
// stage still run sequentially; the stage as a whole races the caller.
func (o *Orchestrator) startStage(ctx context.Context, set *guardrail.Set, stage guardrail.Stage, content string, ec guardrail.EvalContext) *runningStage {
	rs := &runningStage{
		pending: make(map[string]bool),
		done:    make(chan struct{}),
	}
	bounds := set.Stage(stage)
	for _, b := range bounds {
		rs.pending[b.Detector.Name()] = true
	}

	go func() {
		defer close(rs.done)
		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		defer cancel()
		prior := append([]guardrail.Result(nil), ec.Prior...)
		for _, bound := range bounds {
			if stageCtx.Err() != nil {
				return
			}
			ec.Prior = prior
			result, took := o.evaluate(stageCtx, bound, content, ec)
			prior = append(prior, result)
			rs.mu.Lock()
			rs.results = append(rs.results, result)
			rs.durations = append(rs.durations, took)
			delete(rs.pending, bound.Detector.Name())
			rs.mu.Unlock()
		}
	}()
	return rs
}

// wait joins the stage with a bounded grace period. Detectors that have
// not finished are recorded as incomplete flags; a slow during_call check
// never turns into a refusal on its own.
func (rs *runningStage) wait(grace time.Duration) ([]guardrail.Result, []time.Duration) {
	select {
	case <-rs.done:
	case <-time.After(grace):
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	results := make([]guardrail.Result, len(rs.results))
	copy(results, rs.results)
	durations := make([]time.Duration, len(rs.durations))
	copy(durations, rs.durations)
	for name := range rs.pending {
		results = append(results, guardrail.Flag(name, 0.0, "evaluation incomplete"))
		durations = append(durations, 0)
	}
	return results, durations
}

func lastUserMessage(messages []guardrail.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return i
		}
	}
	return -1
}

func rewriteMessage(messages []guardrail.Message, idx int, content string) []guardrail.Message {
	out := make([]guardrail.Message, len(messages))
	copy(out, messages)
	out[idx].Content = content
	return out
}
