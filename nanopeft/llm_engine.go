package nanopeft

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
)

// logger is swapped in by the application; the package stays quiet by default.
var logger = zerolog.Nop()

// SetLogger installs a structured logger for the engine.
func SetLogger(l zerolog.Logger) { logger = l }

// Output represents the output of a generation request
type Output struct {
	SeqID    int64
	Text     string
	TokenIDs []int
}

// LLMEngine is the main inference engine
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
}

// NewLLMEngine creates a new LLM engine
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer) *LLMEngine {
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   NewScheduler(config),
	}
}

// Close cleans up resources
func (e *LLMEngine) Close() error {
	return e.modelRunner.Close()
}

// AddRequest adds a generation request to the engine and returns the ID
// of the sequence created for it. Sequence IDs are monotonic in add
// order, so callers can match outputs back to their prompts.
func (e *LLMEngine) AddRequest(prompt interface{}, samplingParams *SamplingParams) (int64, error) {
	var tokenIDs []int
	var err error

	switch p := prompt.(type) {
	case string:
		if strings.TrimSpace(p) == "" {
			return 0, fmt.Errorf("prompt must not be empty")
		}
		tokenIDs, err = e.tokenizer.Encode(p)
		if err != nil {
			return 0, fmt.Errorf("failed to encode prompt: %w", err)
		}
	case []int:
		tokenIDs = p
	default:
		return 0, fmt.Errorf("prompt must be string or []int")
	}

	if len(tokenIDs) == 0 {
		return 0, fmt.Errorf("prompt produced no tokens")
	}

	seq := NewSequence(tokenIDs, samplingParams, e.config.KVCacheBlockSize)
	e.scheduler.Add(seq)

	logger.Debug().
		Int64("seq_id", seq.SeqID).
		Int("prompt_tokens", len(tokenIDs)).
		Msg("request added")

	return seq.SeqID, nil
}

// Step performs one inference step
func (e *LLMEngine) Step() ([]Output, int, error) {
	seqs, isPrefill := e.scheduler.Schedule()

	tokenIDs, err := e.modelRunner.Run(seqs, isPrefill)
	if err != nil {
		return nil, 0, fmt.Errorf("model inference failed: %w", err)
	}

	e.scheduler.Postprocess(seqs, tokenIDs)

	releaser, _ := e.modelRunner.(SequenceReleaser)

	outputs := make([]Output, 0)
	for _, seq := range seqs {
		if seq.IsFinished() {
			if releaser != nil {
				releaser.Release(seq.SeqID)
			}
			text, err := e.tokenizer.Decode(seq.CompletionTokenIDs())
			if err != nil {
				return nil, 0, fmt.Errorf("failed to decode tokens: %w", err)
			}
			outputs = append(outputs, Output{
				SeqID:    seq.SeqID,
				Text:     text,
				TokenIDs: seq.CompletionTokenIDs(),
			})
		}
	}

	// Calculate number of tokens processed
	numTokens := 0
	if isPrefill {
		for _, seq := range seqs {
			numTokens += seq.Len()
		}
	} else {
		numTokens = -len(seqs) // Negative for decode phase
	}

	return outputs, numTokens, nil
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return e.scheduler.IsFinished()
}

// Generate generates completions for the given prompts
func (e *LLMEngine) Generate(prompts []interface{}, samplingParams interface{}, useTqdm bool) ([]Output, error) {
	// Convert sampling params
	var spList []*SamplingParams
	switch sp := samplingParams.(type) {
	case *SamplingParams:
		spList = make([]*SamplingParams, len(prompts))
		for i := range spList {
			spList[i] = sp
		}
	case []*SamplingParams:
		if len(sp) != len(prompts) {
			return nil, fmt.Errorf("number of sampling params must match number of prompts")
		}
		spList = sp
	default:
		return nil, fmt.Errorf("samplingParams must be *SamplingParams or []*SamplingParams")
	}

	// Add all requests, remembering which sequence serves which prompt
	seqToPrompt := make(map[int64]int, len(prompts))
	for i, prompt := range prompts {
		seqID, err := e.AddRequest(prompt, spList[i])
		if err != nil {
			return nil, err
		}
		seqToPrompt[seqID] = i
	}

	// Set up progress bar
	var bar *progressbar.ProgressBar
	if useTqdm {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	results := make([]Output, len(prompts))
	var prefillThroughput, decodeThroughput float64
	started := time.Now()

	for !e.IsFinished() {
		start := time.Now()
		stepOutputs, numTokens, err := e.Step()
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if useTqdm {
			if numTokens > 0 {
				prefillThroughput = float64(numTokens) / elapsed
			} else {
				decodeThroughput = float64(-numTokens) / elapsed
			}
			bar.Describe(fmt.Sprintf("Generating [Prefill: %dtok/s, Decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
		}

		for _, output := range stepOutputs {
			idx, ok := seqToPrompt[output.SeqID]
			if !ok {
				return nil, fmt.Errorf("finished sequence %d does not belong to this batch", output.SeqID)
			}
			results[idx] = output
			if useTqdm {
				bar.Add(1)
			}
		}
	}

	if useTqdm {
		bar.Finish()
	}

	logger.Info().
		Int("requests", len(prompts)).
		Dur("elapsed", time.Since(started)).
		Msg("generation complete")

	return results, nil
}
