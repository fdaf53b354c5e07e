package nanopeft

import (
	"fmt"
	"path/filepath"

	"github.com/your-username/nano-peft-go/checkpoint"
	"github.com/your-username/nano-peft-go/tokenizer"
)

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine
	adapterCtl AdapterControl
}

// NewLLM loads the model and tokenizer named by the config and wires
// them into an engine. The native backend reads safetensors weights
// into the pure Go transformer; the onnx backend runs an exported
// model.onnx from the same directory.
func NewLLM(config *Config) (*LLM, error) {
	tk, err := tokenizer.FromPretrained(config.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	if config.EOS == -1 {
		config.EOS = tk.EOSTokenID()
	}

	var runner ModelRunner
	switch config.Backend {
	case BackendNative:
		m, err := checkpoint.Load(config.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to load model: %w", err)
		}
		runner = NewNativeRunner(m)
	case BackendONNX:
		r, err := NewONNXRunner(filepath.Join(config.Model, "model.onnx"), tk.VocabSize())
		if err != nil {
			return nil, err
		}
		runner = r
	default:
		return nil, fmt.Errorf("unknown backend %q", config.Backend)
	}

	llm := &LLM{
		LLMEngine: NewLLMEngine(config, runner, tk),
	}
	llm.adapterCtl, _ = runner.(AdapterControl)

	if config.AdapterDir != "" {
		if err := llm.LoadAdapter(config.AdapterDir, config.AdapterName); err != nil {
			runner.Close()
			return nil, err
		}
	}

	return llm, nil
}

// NewLLMWithComponents creates a new LLM with custom components
func NewLLMWithComponents(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLM {
	llm := &LLM{
		LLMEngine: NewLLMEngine(config, modelRunner, tokenizer),
	}
	llm.adapterCtl, _ = modelRunner.(AdapterControl)
	return llm
}

// LoadAdapter loads a PEFT adapter directory and makes it the active
// adapter. An empty name registers it as "default".
func (llm *LLM) LoadAdapter(dir, name string) error {
	if llm.adapterCtl == nil {
		return ErrAdapterUnsupported
	}
	if name == "" {
		name = "default"
	}
	return llm.adapterCtl.LoadAdapter(dir, name)
}

// SetAdapter switches the active adapter to one loaded earlier
func (llm *LLM) SetAdapter(name string) error {
	if llm.adapterCtl == nil {
		return ErrAdapterUnsupported
	}
	return llm.adapterCtl.SetAdapter(name)
}

// EnableAdapters turns adapter deltas back on after DisableAdapters
func (llm *LLM) EnableAdapters() error {
	if llm.adapterCtl == nil {
		return ErrAdapterUnsupported
	}
	llm.adapterCtl.EnableAdapters()
	return nil
}

// DisableAdapters makes generation use the base weights only
func (llm *LLM) DisableAdapters() error {
	if llm.adapterCtl == nil {
		return ErrAdapterUnsupported
	}
	llm.adapterCtl.DisableAdapters()
	return nil
}

// GenerateSimple is a convenience method for generating from string prompts
func (llm *LLM) GenerateSimple(prompts []string, samplingParams *SamplingParams, useTqdm bool) ([]Output, error) {
	promptsInterface := make([]interface{}, len(prompts))
	for i, p := range prompts {
		promptsInterface[i] = p
	}
	return llm.Generate(promptsInterface, samplingParams, useTqdm)
}
