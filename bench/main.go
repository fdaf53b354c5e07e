package main

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/your-username/nano-peft-go/nanopeft"
)

func main() {
	fmt.Println("Nano-PEFT-Go Benchmark")
	fmt.Println("======================")
	fmt.Println()

	// Configuration
	numRequests := 256
	minInputLen := 100
	maxInputLen := 1024
	minOutputLen := 100
	maxOutputLen := 1024
	seed := int64(0)

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Number of requests: %d\n", numRequests)
	fmt.Printf("  Input length: %d-%d tokens\n", minInputLen, maxInputLen)
	fmt.Printf("  Output length: %d-%d tokens\n", minOutputLen, maxOutputLen)
	fmt.Println()

	config := nanopeft.NewConfig(
		".",
		nanopeft.WithMaxNumSeqs(512),
		nanopeft.WithMaxNumBatchedTokens(16384),
		nanopeft.WithEOS(2),
	)

	// The mock runner exercises the scheduler and block manager without
	// model weights, so this measures engine overhead only.
	llm := nanopeft.NewLLMWithComponents(
		config,
		nanopeft.NewMockModelRunner(config),
		nanopeft.NewMockTokenizer(config.EOS),
	)
	defer llm.Close()

	// Generate random prompts
	rng := rand.New(rand.NewSource(seed))
	prompts := make([]interface{}, numRequests)
	samplingParams := make([]*nanopeft.SamplingParams, numRequests)

	for i := 0; i < numRequests; i++ {
		inputLen := minInputLen + rng.Intn(maxInputLen-minInputLen+1)
		outputLen := minOutputLen + rng.Intn(maxOutputLen-minOutputLen+1)

		tokens := make([]int, inputLen)
		for j := 0; j < inputLen; j++ {
			tokens[j] = rng.Intn(32000)
		}
		prompts[i] = tokens

		samplingParams[i] = nanopeft.NewSamplingParams(
			nanopeft.WithTemperature(0.6),
			nanopeft.WithMaxTokens(outputLen),
			nanopeft.WithIgnoreEOS(true),
		)
	}

	fmt.Println("Starting benchmark...")
	fmt.Println()

	startTime := time.Now()
	outputs, err := llm.Generate(prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}
	elapsed := time.Since(startTime).Seconds()

	totalOutputTokens := 0
	for _, output := range outputs {
		totalOutputTokens += len(output.TokenIDs)
	}

	throughput := float64(totalOutputTokens) / elapsed

	fmt.Println()
	fmt.Println("Benchmark Results:")
	fmt.Println("==================")
	fmt.Printf("Total requests: %d\n", numRequests)
	fmt.Printf("Total output tokens: %d\n", totalOutputTokens)
	fmt.Printf("Time elapsed: %.2f seconds\n", elapsed)
	fmt.Printf("Throughput: %.2f tokens/sec\n", throughput)
	fmt.Printf("Average latency: %.2f ms/request\n", elapsed*1000/float64(numRequests))
}
