package detectors

import "github.com/wardenhq/llm-warden/internal/guardrail"

// RegisterBuiltins adds every built-in detector factory to the registry.
func RegisterBuiltins(r *guardrail.Registry) {
	r.Register("contentSafety", NewContentSafety)
	r.Register("pii", NewPII)
	r.Register("businessRules", NewBusinessRules)
	r.Register("bias", NewBias)
	r.Register("hallucination", NewHallucination)
}
