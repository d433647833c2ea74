package guardrail

import (
	"context"
	"fmt"
	"sort"

	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/logger"
)

// Factory builds a detector instance from its configuration.
type Factory func(cfg config.DetectorConfig, log *logger.Logger) (Detector, error)

// Registry maps detector names to factories. Populated once at startup;
// Build is called per configuration load.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under a detector name.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Names returns the registered detector names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bound pairs a built detector with its configuration.
type Bound struct {
	Detector Detector
	Config   config.DetectorConfig
}

// FailMode resolves the configured fail mode, falling back to the
// detector category default.
func (b Bound) FailMode() FailMode {
	switch b.Config.FailMode {
	case "open":
		return FailOpen
	case "closed":
		return FailClosed
	default:
		return b.Detector.Category().DefaultFailMode()
	}
}

// Set is an immutable, stage-indexed collection of configured detectors.
// A reload builds a fresh Set and swaps it in atomically.
type Set struct {
	byStage map[Stage][]Bound
}

// Stage returns the enabled detectors assigned to a stage, ordered by
// priority then declaration order.
func (s *Set) Stage(stage Stage) []Bound {
	return s.byStage[stage]
}

// Size returns the number of stage assignments in the set.
func (s *Set) Size() int {
	n := 0
	for _, bounds := range s.byStage {
		n += len(bounds)
	}
	return n
}

// Build instantiates every enabled configured detector and indexes it by
// stage. An unknown detector name is a configuration error. Advisory
// detectors are wrapped so they can never block or rewrite content.
func (r *Registry) Build(cfgs []config.DetectorConfig, log *logger.Logger) (*Set, error) {
	set := &Set{byStage: make(map[Stage][]Bound)}

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		factory, ok := r.factories[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("unknown detector: %s", cfg.Name)
		}
		detector, err := factory(cfg, log.WithDetector(cfg.Name))
		if err != nil {
			return nil, fmt.Errorf("failed to build detector %s: %w", cfg.Name, err)
		}
		if detector.Category().Advisory() {
			detector = &advisoryCap{inner: detector}
		}
		for _, stageName := range cfg.Stages {
			stage := Stage(stageName)
			set.byStage[stage] = append(set.byStage[stage], Bound{Detector: detector, Config: cfg})
		}
	}

	for stage := range set.byStage {
		bounds := set.byStage[stage]
		sort.SliceStable(bounds, func(i, j int) bool {
			return bounds[i].Config.Priority < bounds[j].Config.Priority
		})
	}

	return set, nil
}

// advisoryCap limits advisory-category detectors to non-blocking outcomes:
// block becomes escalate and modify becomes flag.
type advisoryCap struct {
	inner Detector
}

func (a *advisoryCap) Name() string       { return a.inner.Name() }
func (a *advisoryCap) Category() Category { return a.inner.Category() }

func (a *advisoryCap) Evaluate(ctx context.Context, content string, ec EvalContext) (Result, error) {
	result, err := a.inner.Evaluate(ctx, content, ec)
	if err != nil {
		return result, err
	}
	switch result.Action {
	case ActionBlock:
		result.Action = ActionEscalate
	case ActionModify:
		result.Action = ActionFlag
		result.Replacement = ""
	}
	return result, nil
}
