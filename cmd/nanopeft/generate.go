package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/your-username/nano-peft-go/nanopeft"
)

var generateFlags struct {
	model          string
	adapterDir     string
	adapterName    string
	disableAdapter bool
	prompt         string
	maxTokens      int
	temperature    float64
	topK           int
	topP           float64
	seed           int64
	backend        string
	device         string
	noProgress     bool
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a completion for a prompt",
	RunE:  runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&generateFlags.model, "model", "", "Checkpoint directory (required)")
	f.StringVar(&generateFlags.adapterDir, "adapter", "", "LoRA adapter directory")
	f.StringVar(&generateFlags.adapterName, "adapter-name", "default", "Name to register the adapter under")
	f.BoolVar(&generateFlags.disableAdapter, "disable-adapter", false, "Load the adapter but generate with deltas disabled")
	f.StringVar(&generateFlags.prompt, "prompt", "", "Prompt text (required)")
	f.IntVar(&generateFlags.maxTokens, "max-tokens", 64, "Maximum tokens to generate")
	f.Float64Var(&generateFlags.temperature, "temperature", 0.8, "Sampling temperature, 0 for greedy")
	f.IntVar(&generateFlags.topK, "top-k", 40, "Top-k cutoff, 0 to disable")
	f.Float64Var(&generateFlags.topP, "top-p", 0.9, "Nucleus sampling cutoff")
	f.Int64Var(&generateFlags.seed, "seed", -1, "Sampling seed, -1 for time-based")
	f.StringVar(&generateFlags.backend, "backend", nanopeft.BackendNative, "Inference backend: native|onnx")
	f.StringVar(&generateFlags.device, "device", nanopeft.DeviceCPU, "Compute device")
	f.BoolVar(&generateFlags.noProgress, "no-progress", false, "Disable the progress bar")
	generateCmd.MarkFlagRequired("model")
	generateCmd.MarkFlagRequired("prompt")
}

// buildConfig converts the panic of an invalid option set into an error.
func buildConfig(modelPath string, opts ...nanopeft.ConfigOption) (cfg *nanopeft.Config, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return nanopeft.NewConfig(modelPath, opts...), nil
}

func buildSamplingParams(opts ...nanopeft.SamplingOption) (sp *nanopeft.SamplingParams, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return nanopeft.NewSamplingParams(opts...), nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	opts := []nanopeft.ConfigOption{
		nanopeft.WithBackend(generateFlags.backend),
		nanopeft.WithDevice(generateFlags.device),
	}
	if generateFlags.adapterDir != "" {
		opts = append(opts, nanopeft.WithAdapter(generateFlags.adapterDir, generateFlags.adapterName))
	}
	config, err := buildConfig(generateFlags.model, opts...)
	if err != nil {
		return err
	}

	llm, err := nanopeft.NewLLM(config)
	if err != nil {
		return err
	}
	defer llm.Close()

	if generateFlags.disableAdapter {
		if err := llm.DisableAdapters(); err != nil {
			return err
		}
	}

	sp, err := buildSamplingParams(
		nanopeft.WithTemperature(generateFlags.temperature),
		nanopeft.WithTopK(generateFlags.topK),
		nanopeft.WithTopP(generateFlags.topP),
		nanopeft.WithMaxTokens(generateFlags.maxTokens),
		nanopeft.WithSeed(generateFlags.seed),
	)
	if err != nil {
		return err
	}

	outputs, err := llm.GenerateSimple([]string{generateFlags.prompt}, sp, !generateFlags.noProgress)
	if err != nil {
		return err
	}

	fmt.Println(generateFlags.prompt + outputs[0].Text)
	return nil
}
