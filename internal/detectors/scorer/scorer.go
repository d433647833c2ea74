// Package scorer provides optional model-backed toxicity scoring for the
// content safety detector. The ONNX implementation is compiled in with the
// "onnx" build tag; default builds fall back to keyword scoring only.
package scorer

import "context"

// Scorer produces a toxicity score in [0,1] for a piece of text.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
	Close() error
}
