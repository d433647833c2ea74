//go:build onnx
// +build onnx

package scorer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const (
	maxSequenceLength = 256
	vocabSize         = 30522
)

// onnxScorer runs a sequence classification model through ONNX Runtime.
type onnxScorer struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputName string
	logger     *zap.Logger
	mu         sync.Mutex
}

// New initializes the ONNX-backed scorer. Requires build tag 'onnx'.
func New(logger *zap.Logger, modelPath string) (Scorer, error) {
	if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("onnx runtime init failed: %w", err)
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect model %s: %w", modelPath, err)
	}

	preferredInputs := []string{"input_ids", "attention_mask"}
	available := map[string]bool{}
	for _, ii := range inputsInfo {
		available[strings.ToLower(ii.Name)] = true
	}
	var inputNames []string
	for _, name := range preferredInputs {
		if available[name] {
			inputNames = append(inputNames, name)
		}
	}
	if len(inputNames) == 0 && len(inputsInfo) > 0 {
		sorted := make([]string, 0, len(inputsInfo))
		for _, ii := range inputsInfo {
			sorted = append(sorted, ii.Name)
		}
		sort.Strings(sorted)
		inputNames = sorted
	}

	if len(outputsInfo) == 0 {
		return nil, fmt.Errorf("model %s reports no outputs", modelPath)
	}
	outputName := outputsInfo[0].Name

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("session creation failed for %s: %w", modelPath, err)
	}

	logger.Info("ONNX scorer ready",
		zap.String("model", modelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName))
	return &onnxScorer{
		session:    session,
		inputNames: inputNames,
		outputName: outputName,
		logger:     logger,
	}, nil
}

func (s *onnxScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	ort.DestroyEnvironment()
	return nil
}

// Score tokenizes the text with a hashing vocabulary and runs a single
// inference, returning the sigmoid of the first logit.
func (s *onnxScorer) Score(ctx context.Context, text string) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	inputIDs, attention := hashTokenize(text)
	seqLen := int64(len(inputIDs))
	shape := ort.NewShape(1, seqLen)

	idsTensor, err := ort.NewTensor[int64](shape, inputIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()

	inputs := []ort.Value{idsTensor}
	if len(s.inputNames) > 1 {
		maskTensor, err := ort.NewTensor[int64](shape, attention)
		if err != nil {
			return 0, fmt.Errorf("failed to create attention_mask tensor: %w", err)
		}
		defer maskTensor.Destroy()
		inputs = append(inputs, maskTensor)
	}

	outputs := make([]ort.Value, 1)
	s.mu.Lock()
	err = s.session.Run(inputs, outputs)
	s.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}
	defer outputs[0].Destroy()

	logits, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return 0, fmt.Errorf("unexpected output tensor type")
	}
	data := logits.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("empty model output")
	}
	return sigmoid(float64(data[0])), nil
}

func hashTokenize(text string) (ids []int64, attention []int64) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) > maxSequenceLength {
		words = words[:maxSequenceLength]
	}
	ids = make([]int64, 0, len(words)+1)
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		ids = append(ids, int64(h.Sum32()%vocabSize))
	}
	if len(ids) == 0 {
		ids = []int64{0}
	}
	attention = make([]int64, len(ids))
	for i := range attention {
		attention[i] = 1
	}
	return ids, attention
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
