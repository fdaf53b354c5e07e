package main

import (
	"fmt"
	"log"

	"github.com/your-username/nano-peft-go/nanopeft"
)

const (
	modelDir    = "./models/llama-7b"
	adapterDir  = "./adapters/guanaco"
	adapterName = "guanaco"
)

func main() {
	config := nanopeft.NewConfig(
		modelDir,
		nanopeft.WithDevice(nanopeft.DeviceCPU),
		nanopeft.WithAdapter(adapterDir, adapterName),
	)

	llm, err := nanopeft.NewLLM(config)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	defer llm.Close()

	samplingParams := nanopeft.NewSamplingParams(
		nanopeft.WithTemperature(0.8),
		nanopeft.WithTopK(40),
		nanopeft.WithTopP(0.9),
		nanopeft.WithMaxTokens(64),
		nanopeft.WithSeed(42),
	)

	prompt := "The capital of France is"

	outputs, err := llm.GenerateSimple([]string{prompt}, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}
	fmt.Println("\nWith adapter:")
	fmt.Println(prompt + outputs[0].Text)

	// Same prompt through the frozen base model alone.
	if err := llm.DisableAdapters(); err != nil {
		log.Fatalf("Failed to disable adapter: %v", err)
	}

	outputs, err = llm.GenerateSimple([]string{prompt}, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}
	fmt.Println("\nBase model:")
	fmt.Println(prompt + outputs[0].Text)
}
