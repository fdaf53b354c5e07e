package nanopeft

import "errors"

// ModelRunner executes model inference for scheduled sequences.
// Implementations cover the pure Go transformer, ONNX Runtime, and the
// mock used in tests and benchmarks.
type ModelRunner interface {
	// Run returns the next token ID for each sequence
	Run(seqs []*Sequence, isPrefill bool) ([]int, error)

	// Close cleans up resources
	Close() error
}

// SequenceReleaser is implemented by runners that keep per-sequence
// state (KV caches, samplers) that should be dropped once a sequence
// finishes.
type SequenceReleaser interface {
	Release(seqID int64)
}

// ErrAdapterUnsupported is reported when adapter operations are invoked
// on a backend without adapter support.
var ErrAdapterUnsupported = errors.New("backend does not support adapters")

// AdapterControl is an optional runner capability for managing LoRA
// adapters on the underlying model.
type AdapterControl interface {
	// LoadAdapter reads an adapter directory and attaches it under name
	LoadAdapter(dir, name string) error

	// SetAdapter makes the named adapter the active one
	SetAdapter(name string) error

	// EnableAdapters turns adapter deltas back on
	EnableAdapters()

	// DisableAdapters bypasses all adapter deltas, restoring base
	// model output
	DisableAdapters()
}

// Tokenizer converts between text and token IDs. The tokenizer package
// provides the real implementations.
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// MockModelRunner is a deterministic runner for tests and benchmarks
type MockModelRunner struct {
	config *Config
	vocab  int
}

// NewMockModelRunner creates a new mock model runner
func NewMockModelRunner(config *Config) *MockModelRunner {
	return &MockModelRunner{
		config: config,
		vocab:  32000,
	}
}

// Run generates mock output tokens
func (m *MockModelRunner) Run(seqs []*Sequence, isPrefill bool) ([]int, error) {
	tokenIDs := make([]int, len(seqs))

	for i, seq := range seqs {
		tokenID := int((seq.SeqID + int64(seq.NumTokens)) % int64(m.vocab))

		// Emit EOS now and then so sequences finish.
		if seq.NumCompletionTokens() > 10 && seq.NumCompletionTokens()%20 == 0 {
			tokenID = m.config.EOS
		}

		tokenIDs[i] = tokenID
	}

	return tokenIDs, nil
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}

// MockTokenizer is a trivial character tokenizer for tests
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{
		eosTokenID: eosTokenID,
	}
}

// Encode maps each character to a token ID
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for _, c := range text {
		tokens = append(tokens, int(c)%1000)
	}
	return tokens, nil
}

// Decode maps token IDs back to characters
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	result := make([]rune, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id != t.eosTokenID {
			result = append(result, rune(id+32))
		}
	}
	return string(result), nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}
