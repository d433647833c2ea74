//go:build !onnx
// +build !onnx

package scorer

import (
	"fmt"

	"go.uber.org/zap"
)

// New reports model scoring as unavailable when the 'onnx' build tag is
// not set. Callers fall back to keyword scoring.
func New(logger *zap.Logger, modelPath string) (Scorer, error) {
	return nil, fmt.Errorf("model scoring requires a build with the onnx tag")
}
