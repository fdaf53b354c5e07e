package model

import "testing"

func TestConfigValidate(t *testing.T) {
	if err := NewGPT2Config().Validate(); err != nil {
		t.Errorf("GPT-2 config should be valid: %v", err)
	}
	if err := NewLlamaConfig().Validate(); err != nil {
		t.Errorf("Llama config should be valid: %v", err)
	}
}

func TestConfigValidateHeadDivisibility(t *testing.T) {
	cfg := NewLlamaConfig()
	cfg.NumKVHeads = 7 // 32 % 7 != 0

	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for num_heads not divisible by num_kv_heads")
	}
}

func TestConfigValidateHiddenMismatch(t *testing.T) {
	cfg := NewGPT2Config()
	cfg.HeadDim = 100

	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for head_dim * num_heads != hidden")
	}
}

func TestConfigValidateOddHeadDimRoPE(t *testing.T) {
	cfg := &Config{
		VocabSize:    100,
		Hidden:       9,
		NumLayers:    1,
		NumHeads:     3,
		NumKVHeads:   3,
		HeadDim:      3,
		PositionType: PositionRoPE,
	}

	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for odd head_dim with rotary positions")
	}
}

func TestEstimateParametersGPT2(t *testing.T) {
	// GPT-2 small is the canonical 124M parameter model.
	params := NewGPT2Config().EstimateParameters()

	if params < 124_000_000 || params > 126_000_000 {
		t.Errorf("GPT-2 parameter estimate = %d, want ~124M", params)
	}
}

func TestEstimateParametersUntiedAddsHead(t *testing.T) {
	tied := NewGPT2Config()
	untied := NewGPT2Config()
	untied.TieWordEmbeddings = false

	diff := untied.EstimateParameters() - tied.EstimateParameters()
	want := int64(untied.Hidden * untied.VocabSize)
	if diff != want {
		t.Errorf("untied head adds %d params, want %d", diff, want)
	}
}
