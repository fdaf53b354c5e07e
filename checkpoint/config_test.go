package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/your-username/nano-peft-go/model"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o644))
}

func TestLoadConfigGPT2Fields(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"model_type": "gpt2",
		"vocab_size": 50257,
		"n_embd": 768,
		"n_layer": 12,
		"n_head": 12,
		"n_positions": 1024,
		"layer_norm_epsilon": 1e-05,
		"eos_token_id": 50256,
		"bos_token_id": 50256,
		"tie_word_embeddings": true
	}`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, model.ArchGPT2, cfg.Architecture)
	require.Equal(t, 768, cfg.Hidden)
	require.Equal(t, 12, cfg.NumLayers)
	require.Equal(t, 12, cfg.NumHeads)
	require.Equal(t, 12, cfg.NumKVHeads)
	require.Equal(t, 64, cfg.HeadDim)
	// n_inner absent: FFN defaults to 4x hidden
	require.Equal(t, 3072, cfg.FFNDim)
	require.Equal(t, 1024, cfg.MaxSeqLen)
	require.Equal(t, 50256, cfg.EOSTokenID)
	require.True(t, cfg.TieWordEmbeddings)
	require.Equal(t, model.NormLayer, cfg.NormType)
	require.Equal(t, model.PositionLearned, cfg.PositionType)
}

func TestLoadConfigLlamaFields(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"model_type": "llama",
		"vocab_size": 32000,
		"hidden_size": 4096,
		"num_hidden_layers": 32,
		"num_attention_heads": 32,
		"num_key_value_heads": 8,
		"intermediate_size": 11008,
		"max_position_embeddings": 4096,
		"rope_theta": 500000.0,
		"rms_norm_eps": 1e-06,
		"eos_token_id": 2,
		"bos_token_id": 1,
		"tie_word_embeddings": false
	}`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, model.ArchLlama, cfg.Architecture)
	require.Equal(t, 4096, cfg.Hidden)
	require.Equal(t, 32, cfg.NumHeads)
	require.Equal(t, 8, cfg.NumKVHeads)
	require.Equal(t, model.AttentionGQA, cfg.AttentionType)
	require.Equal(t, 128, cfg.HeadDim)
	require.Equal(t, 11008, cfg.FFNDim)
	require.Equal(t, 500000.0, cfg.RopeTheta)
	require.InDelta(t, 1e-6, cfg.NormEps, 1e-12)
	require.Equal(t, model.NormRMS, cfg.NormType)
	require.Equal(t, model.PositionRoPE, cfg.PositionType)
	require.Equal(t, model.ActivationSwiGLU, cfg.ActivationType)
	require.False(t, cfg.TieWordEmbeddings)
}

func TestLoadConfigKVHeadsDefaultToHeads(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"model_type": "llama",
		"vocab_size": 1000,
		"hidden_size": 64,
		"num_hidden_layers": 2,
		"num_attention_heads": 4,
		"intermediate_size": 128
	}`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.NumKVHeads)
	require.Equal(t, model.AttentionMHA, cfg.AttentionType)
}

func TestLoadConfigArchitecturesFallback(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"architectures": ["LlamaForCausalLM"],
		"vocab_size": 1000,
		"hidden_size": 64,
		"num_hidden_layers": 2,
		"num_attention_heads": 4,
		"intermediate_size": 128
	}`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, model.ArchLlama, cfg.Architecture)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	require.Error(t, err)
}

func TestLoadConfigInconsistentDims(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `{
		"model_type": "llama",
		"vocab_size": 1000,
		"hidden_size": 64,
		"num_hidden_layers": 2,
		"num_attention_heads": 4,
		"num_key_value_heads": 3
	}`)

	_, err := LoadConfig(dir)
	require.Error(t, err)
}
