package nanopeft

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-username/nano-peft-go/model"
)

// ONNXRunner implements ModelRunner on top of ONNX Runtime. Sessions are
// stateless: every step re-runs the full token sequence, so no cache
// state survives between calls. Sampler state does, keyed by sequence.
type ONNXRunner struct {
	modelPath   string
	vocabSize   int
	samplers    map[int64]*model.Sampler
	initialized bool
}

// NewONNXRunner initializes the ONNX runtime environment and prepares a
// runner for the exported model at modelPath.
func NewONNXRunner(modelPath string, vocabSize int) (*ONNXRunner, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	return &ONNXRunner{
		modelPath:   modelPath,
		vocabSize:   vocabSize,
		samplers:    make(map[int64]*model.Sampler),
		initialized: true,
	}, nil
}

// Run executes inference on the sequences
func (m *ONNXRunner) Run(seqs []*Sequence, isPrefill bool) ([]int, error) {
	if !m.initialized {
		return nil, fmt.Errorf("model runner not initialized")
	}
	if len(seqs) == 0 {
		return nil, fmt.Errorf("no sequences to process")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(4); err != nil {
		return nil, fmt.Errorf("failed to set threads: %w", err)
	}

	tokenIDs := make([]int, len(seqs))
	for i, seq := range seqs {
		logits, err := m.forward(seq.TokenIDs, options)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", seq.SeqID, err)
		}

		sampler := m.samplers[seq.SeqID]
		if sampler == nil {
			sampler = model.NewSampler(seq.Seed)
			m.samplers[seq.SeqID] = sampler
		}
		tokenIDs[i] = sampler.Sample(logits, float32(seq.Temperature), seq.TopK, float32(seq.TopP))
	}

	return tokenIDs, nil
}

// forward runs one full-sequence session and returns the logits at the
// last position.
func (m *ONNXRunner) forward(inputIDs []int, options *ort.SessionOptions) ([]float32, error) {
	if len(inputIDs) == 0 {
		return nil, fmt.Errorf("empty token sequence")
	}

	inputShape := ort.NewShape(1, int64(len(inputIDs)))
	inputData := make([]int64, len(inputIDs))
	for j, id := range inputIDs {
		inputData[j] = int64(id)
	}

	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	// Output shape is [1, seq_len, vocab_size]
	outputShape := ort.NewShape(1, int64(len(inputIDs)), int64(m.vocabSize))
	outputData := make([]float32, len(inputIDs)*m.vocabSize)
	outputTensor, err := ort.NewTensor(outputShape, outputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		m.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	logits := outputTensor.GetData()
	start := (len(inputIDs) - 1) * m.vocabSize
	last := make([]float32, m.vocabSize)
	copy(last, logits[start:start+m.vocabSize])
	return last, nil
}

// Release drops the sampler state of a finished sequence
func (m *ONNXRunner) Release(seqID int64) {
	delete(m.samplers, seqID)
}

// Close cleans up resources
func (m *ONNXRunner) Close() error {
	m.initialized = false
	m.samplers = make(map[int64]*model.Sampler)
	return nil
}

// VocabSize returns the vocabulary size the runner was configured with
func (m *ONNXRunner) VocabSize() int {
	return m.vocabSize
}
