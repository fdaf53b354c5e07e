package nanopeft

import "fmt"

// SamplingParams holds the sampling parameters for generation.
// Temperature 0 selects greedy argmax decoding; any positive value
// samples from the scaled distribution.
type SamplingParams struct {
	Temperature float64
	TopK        int
	TopP        float64
	MaxTokens   int
	Seed        int64
	IgnoreEOS   bool
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		TopK:        0,
		TopP:        1.0,
		MaxTokens:   64,
		Seed:        -1,
		IgnoreEOS:   false,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.Validate(); err != nil {
		panic(err)
	}

	return sp
}

// Validate checks if the sampling parameters are valid
func (sp *SamplingParams) Validate() error {
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %v", sp.Temperature)
	}
	if sp.TopK < 0 {
		return fmt.Errorf("top_k must be >= 0, got %d", sp.TopK)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %v", sp.TopP)
	}
	if sp.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", sp.MaxTokens)
	}
	if sp.Seed < -1 {
		return fmt.Errorf("seed must be -1 (time) or non-negative, got %d", sp.Seed)
	}
	return nil
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopK keeps only the k highest-probability tokens; 0 disables
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithTopP keeps the smallest token set with cumulative probability p;
// 1.0 disables
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithSeed pins the RNG seed; -1 seeds from the current time
func WithSeed(seed int64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Seed = seed
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}
