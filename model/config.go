package model

import "fmt"

// Architecture identifies the transformer family a checkpoint comes from.
type Architecture string

const (
	ArchGPT2  Architecture = "gpt2"  // GPT-2: MHA, learned positions, LayerNorm, GELU
	ArchLlama Architecture = "llama" // Llama: GQA, RoPE, RMSNorm, SwiGLU
)

// AttentionType defines the attention mechanism.
type AttentionType string

const (
	AttentionMHA AttentionType = "mha" // Multi-Head: separate K,V per head
	AttentionMQA AttentionType = "mqa" // Multi-Query: shared K,V across all heads
	AttentionGQA AttentionType = "gqa" // Grouped-Query: shared K,V per group
)

// NormType defines the normalization layer.
type NormType string

const (
	NormLayer NormType = "layernorm" // LayerNorm: mean + variance
	NormRMS   NormType = "rmsnorm"   // RMSNorm: RMS only
)

// PositionType defines position encoding.
type PositionType string

const (
	PositionLearned PositionType = "learned" // Learned embeddings (GPT-2)
	PositionRoPE    PositionType = "rope"    // Rotary (Llama)
)

// ActivationType defines the feed-forward activation.
type ActivationType string

const (
	ActivationGELU   ActivationType = "gelu"   // GELU (GPT-2)
	ActivationSwiGLU ActivationType = "swiglu" // SwiGLU (Llama)
)

// Config holds the hyperparameters for a causal LM.
type Config struct {
	Architecture Architecture
	ModelName    string

	VocabSize  int
	Hidden     int
	NumLayers  int
	NumHeads   int // Number of query heads
	NumKVHeads int // Number of KV heads (1 for MQA, same as NumHeads for MHA)
	HeadDim    int // Usually hidden / num_heads
	FFNDim     int // Usually 4 * hidden
	MaxSeqLen  int

	AttentionType  AttentionType
	NormType       NormType
	PositionType   PositionType
	ActivationType ActivationType

	EOSTokenID int
	BOSTokenID int
	PadTokenID int

	RopeTheta float64 // RoPE frequency base, usually 10000.0
	NormEps   float32 // Usually 1e-5 or 1e-6

	TieWordEmbeddings bool // LM head shares weights with the token embedding
}

// Validate checks internal consistency of the dimensions.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 || c.Hidden <= 0 || c.NumLayers <= 0 {
		return fmt.Errorf("vocab, hidden and layer counts must be positive")
	}
	if c.NumHeads <= 0 || c.NumKVHeads <= 0 {
		return fmt.Errorf("head counts must be positive")
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("num_heads (%d) must be divisible by num_kv_heads (%d)", c.NumHeads, c.NumKVHeads)
	}
	if c.HeadDim*c.NumHeads != c.Hidden {
		return fmt.Errorf("head_dim (%d) * num_heads (%d) must equal hidden (%d)", c.HeadDim, c.NumHeads, c.Hidden)
	}
	if c.HeadDim%2 != 0 && c.PositionType == PositionRoPE {
		return fmt.Errorf("head_dim must be even for rotary embeddings")
	}
	return nil
}

// NewGPT2Config returns the configuration of the 124M GPT-2 checkpoint.
func NewGPT2Config() *Config {
	return &Config{
		Architecture:      ArchGPT2,
		ModelName:         "gpt2",
		VocabSize:         50257,
		Hidden:            768,
		NumLayers:         12,
		NumHeads:          12,
		NumKVHeads:        12,
		HeadDim:           64,
		FFNDim:            3072,
		MaxSeqLen:         1024,
		AttentionType:     AttentionMHA,
		NormType:          NormLayer,
		PositionType:      PositionLearned,
		ActivationType:    ActivationGELU,
		EOSTokenID:        50256,
		BOSTokenID:        50256,
		PadTokenID:        50256,
		NormEps:           1e-5,
		TieWordEmbeddings: true,
	}
}

// NewLlamaConfig returns the configuration of the Llama-2 7B chat checkpoint.
func NewLlamaConfig() *Config {
	return &Config{
		Architecture:      ArchLlama,
		ModelName:         "llama-7b",
		VocabSize:         32000,
		Hidden:            4096,
		NumLayers:         32,
		NumHeads:          32,
		NumKVHeads:        32,
		HeadDim:           128,
		FFNDim:            11008,
		MaxSeqLen:         4096,
		AttentionType:     AttentionGQA,
		NormType:          NormRMS,
		PositionType:      PositionRoPE,
		ActivationType:    ActivationSwiGLU,
		EOSTokenID:        2,
		BOSTokenID:        1,
		PadTokenID:        0,
		RopeTheta:         10000.0,
		NormEps:           1e-6,
		TieWordEmbeddings: false,
	}
}

// EstimateParameters estimates the total parameter count.
func (c *Config) EstimateParameters() int64 {
	params := int64(c.VocabSize * c.Hidden)

	if c.PositionType == PositionLearned {
		params += int64(c.MaxSeqLen * c.Hidden)
	}

	kvDim := c.NumKVHeads * c.HeadDim
	perLayer := int64(c.Hidden*c.Hidden) + // Q
		2*int64(c.Hidden*kvDim) + // K, V
		int64(c.Hidden*c.Hidden) // Out

	if c.ActivationType == ActivationSwiGLU {
		perLayer += 3 * int64(c.Hidden*c.FFNDim)
	} else {
		perLayer += 2 * int64(c.Hidden*c.FFNDim)
	}

	if c.NormType == NormRMS {
		perLayer += 2 * int64(c.Hidden)
	} else {
		perLayer += 4 * int64(c.Hidden)
	}

	params += int64(c.NumLayers) * perLayer

	if c.NormType == NormRMS {
		params += int64(c.Hidden)
	} else {
		params += 2 * int64(c.Hidden)
	}

	if !c.TieWordEmbeddings {
		params += int64(c.Hidden * c.VocabSize)
	}

	return params
}
