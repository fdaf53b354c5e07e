package model

import (
	"math"
	"testing"
)

func newTinyLlamaConfig() *Config {
	return &Config{
		Architecture:   ArchLlama,
		VocabSize:      13,
		Hidden:         8,
		NumLayers:      2,
		NumHeads:       2,
		NumKVHeads:     1,
		HeadDim:        4,
		FFNDim:         16,
		MaxSeqLen:      16,
		AttentionType:  AttentionGQA,
		NormType:       NormRMS,
		PositionType:   PositionRoPE,
		ActivationType: ActivationSwiGLU,
		EOSTokenID:     2,
		BOSTokenID:     1,
		RopeTheta:      10000.0,
		NormEps:        1e-6,
	}
}

func newTinyGPT2Config() *Config {
	return &Config{
		Architecture:      ArchGPT2,
		VocabSize:         13,
		Hidden:            8,
		NumLayers:         2,
		NumHeads:          2,
		NumKVHeads:        2,
		HeadDim:           4,
		FFNDim:            16,
		MaxSeqLen:         16,
		AttentionType:     AttentionMHA,
		NormType:          NormLayer,
		PositionType:      PositionLearned,
		ActivationType:    ActivationGELU,
		EOSTokenID:        0,
		NormEps:           1e-5,
		TieWordEmbeddings: true,
	}
}

// fillWeights gives every parameter a small deterministic value so
// forward passes are reproducible without a checkpoint.
func fillWeights(m *CausalLM) {
	cfg := m.Config
	seed := 1

	next := func(t *Tensor) {
		fillPattern(t, seed)
		seed++
	}

	ones := func(n int) *Tensor {
		t := NewTensor(n)
		for i := range t.Data {
			t.Data[i] = 1
		}
		return t
	}
	zeros := func(n int) *Tensor {
		return NewTensor(n)
	}

	m.TokenEmbedding = NewTensor(cfg.VocabSize, cfg.Hidden)
	next(m.TokenEmbedding)

	if cfg.PositionType == PositionLearned {
		m.PosEmbedding = NewTensor(cfg.MaxSeqLen, cfg.Hidden)
		next(m.PosEmbedding)
	}

	kvDim := cfg.NumKVHeads * cfg.HeadDim
	for _, block := range m.Blocks {
		block.Attn.QProj.Weight = NewTensor(cfg.Hidden, cfg.Hidden)
		block.Attn.KProj.Weight = NewTensor(cfg.Hidden, kvDim)
		block.Attn.VProj.Weight = NewTensor(cfg.Hidden, kvDim)
		block.Attn.OProj.Weight = NewTensor(cfg.Hidden, cfg.Hidden)
		next(block.Attn.QProj.Weight)
		next(block.Attn.KProj.Weight)
		next(block.Attn.VProj.Weight)
		next(block.Attn.OProj.Weight)

		if block.FFN.GateProj != nil {
			block.FFN.GateProj.Weight = NewTensor(cfg.Hidden, cfg.FFNDim)
			next(block.FFN.GateProj.Weight)
		}
		block.FFN.UpProj.Weight = NewTensor(cfg.Hidden, cfg.FFNDim)
		block.FFN.DownProj.Weight = NewTensor(cfg.FFNDim, cfg.Hidden)
		next(block.FFN.UpProj.Weight)
		next(block.FFN.DownProj.Weight)

		block.AttnNorm.Weight = ones(cfg.Hidden)
		block.FFNNorm.Weight = ones(cfg.Hidden)
		if cfg.NormType == NormLayer {
			block.AttnNorm.Bias = zeros(cfg.Hidden)
			block.FFNNorm.Bias = zeros(cfg.Hidden)
		}
	}

	m.FinalNorm.Weight = ones(cfg.Hidden)
	if cfg.NormType == NormLayer {
		m.FinalNorm.Bias = zeros(cfg.Hidden)
	}

	if cfg.TieWordEmbeddings {
		m.TieLMHead()
	} else {
		m.LMHead = NewTensor(cfg.Hidden, cfg.VocabSize)
		next(m.LMHead)
	}
}

func newTinyModel(t *testing.T, cfg *Config) *CausalLM {
	t.Helper()
	m, err := NewCausalLM(cfg)
	if err != nil {
		t.Fatalf("NewCausalLM failed: %v", err)
	}
	fillWeights(m)
	return m
}

func TestCausalLMForwardShape(t *testing.T) {
	m := newTinyModel(t, newTinyLlamaConfig())

	logits := m.Forward([]int{1, 5, 9})

	if len(logits.Shape) != 3 || logits.Shape[0] != 1 || logits.Shape[1] != 3 || logits.Shape[2] != 13 {
		t.Errorf("logits shape = %v, want [1, 3, 13]", logits.Shape)
	}

	last := m.LastLogits(logits)
	if len(last) != 13 {
		t.Errorf("last logits length = %d, want 13", len(last))
	}
	for i := 0; i < 13; i++ {
		if last[i] != logits.Data[2*13+i] {
			t.Errorf("LastLogits[%d] = %f, want %f", i, last[i], logits.Data[2*13+i])
		}
	}
}

func TestCausalLMCachedDecodeMatchesFull(t *testing.T) {
	// Prefill two tokens, decode one more, and compare against running
	// all three through a single forward pass.
	m := newTinyModel(t, newTinyLlamaConfig())
	tokens := []int{3, 7, 11}

	full := m.Forward(tokens)

	_, cache := m.ForwardWithCache(tokens[:2], nil, 0)
	stepLogits, cache := m.ForwardWithCache(tokens[2:], cache, 2)

	if cache.SeqLen() != 3 {
		t.Errorf("cache length = %d, want 3", cache.SeqLen())
	}

	fullLast := m.LastLogits(full)
	stepLast := m.LastLogits(stepLogits)
	for i := range fullLast {
		if math.Abs(float64(fullLast[i]-stepLast[i])) > 1e-3 {
			t.Errorf("logit %d: cached %f, full %f", i, stepLast[i], fullLast[i])
		}
	}
}

func TestCausalLMGPT2Forward(t *testing.T) {
	m := newTinyModel(t, newTinyGPT2Config())

	logits := m.Forward([]int{0, 4})

	if logits.Shape[1] != 2 || logits.Shape[2] != 13 {
		t.Errorf("logits shape = %v, want [1, 2, 13]", logits.Shape)
	}
}

func TestTieLMHead(t *testing.T) {
	m := newTinyModel(t, newTinyGPT2Config())

	if m.LMHead.Shape[0] != 8 || m.LMHead.Shape[1] != 13 {
		t.Errorf("LM head shape = %v, want [8, 13]", m.LMHead.Shape)
	}

	for i := 0; i < 13; i++ {
		for j := 0; j < 8; j++ {
			if m.LMHead.At(j, i) != m.TokenEmbedding.At(i, j) {
				t.Errorf("LM head [%d][%d] not tied to embedding [%d][%d]", j, i, i, j)
			}
		}
	}
}

func TestNamedLinears(t *testing.T) {
	m := newTinyModel(t, newTinyLlamaConfig())

	named := m.NamedLinears()

	// 2 layers x (4 attention + 3 MLP projections)
	if len(named) != 14 {
		t.Errorf("named linear count = %d, want 14", len(named))
	}

	for _, path := range []string{
		"layers.0.self_attn.q_proj",
		"layers.0.self_attn.v_proj",
		"layers.1.mlp.gate_proj",
		"layers.1.mlp.down_proj",
	} {
		if _, ok := named[path]; !ok {
			t.Errorf("missing linear path %q", path)
		}
	}

	if l, ok := m.Linear("layers.0.self_attn.q_proj"); !ok || l != m.Blocks[0].Attn.QProj {
		t.Errorf("Linear lookup did not return the layer 0 q_proj")
	}
}

func TestNamedLinearsGPT2HasNoGate(t *testing.T) {
	m := newTinyModel(t, newTinyGPT2Config())

	named := m.NamedLinears()

	// 2 layers x (4 attention + 2 MLP projections)
	if len(named) != 12 {
		t.Errorf("named linear count = %d, want 12", len(named))
	}
	if _, ok := named["layers.0.mlp.gate_proj"]; ok {
		t.Errorf("GELU model should not expose a gate projection")
	}
}

func TestModelAdapterToggle(t *testing.T) {
	// Attaching a delta changes the logits; disabling restores the base
	// output exactly; re-enabling brings the delta back.
	m := newTinyModel(t, newTinyLlamaConfig())
	tokens := []int{1, 2, 3}

	base := m.Forward(tokens)

	q0, _ := m.Linear("layers.0.self_attn.q_proj")
	if err := q0.AddLoRA("demo", newTestLoRA(8, 8, 2, 2.0)); err != nil {
		t.Fatalf("AddLoRA failed: %v", err)
	}

	adapted := m.Forward(tokens)
	changed := false
	for i := range adapted.Data {
		if adapted.Data[i] != base.Data[i] {
			changed = true
			break
		}
	}
	if !changed {
		t.Errorf("adapter had no effect on logits")
	}

	m.DisableAdapters()
	restored := m.Forward(tokens)
	for i := range restored.Data {
		if restored.Data[i] != base.Data[i] {
			t.Fatalf("logit %d = %f after disable, want exactly %f", i, restored.Data[i], base.Data[i])
		}
	}

	m.EnableAdapters()
	reapplied := m.Forward(tokens)
	for i := range reapplied.Data {
		if reapplied.Data[i] != adapted.Data[i] {
			t.Fatalf("logit %d = %f after re-enable, want %f", i, reapplied.Data[i], adapted.Data[i])
		}
	}
}

func TestSetActiveAdapterMissing(t *testing.T) {
	m := newTinyModel(t, newTinyLlamaConfig())
	if err := m.SetActiveAdapter("ghost"); err == nil {
		t.Errorf("expected error for adapter that is not attached")
	}
}

func TestNewCausalLMInvalidConfig(t *testing.T) {
	cfg := newTinyLlamaConfig()
	cfg.Hidden = 10 // head_dim * num_heads = 8

	if _, err := NewCausalLM(cfg); err == nil {
		t.Errorf("expected error for inconsistent dimensions")
	}
}
