package model

import (
	"fmt"
	"sort"
)

// Block is one transformer layer: pre-norm attention and pre-norm MLP,
// each with a residual connection.
type Block struct {
	Attn     *Attention
	FFN      *FeedForward
	AttnNorm *Norm
	FFNNorm  *Norm
}

// CausalLM is a decoder-only transformer language model.
type CausalLM struct {
	Config *Config

	TokenEmbedding *Tensor // [vocab_size, hidden]
	PosEmbedding   *Tensor // [max_seq_len, hidden], learned-position models only

	Blocks    []*Block
	FinalNorm *Norm
	LMHead    *Tensor // [hidden, vocab_size], transposed embedding when tied

	Rope *RoPECache // shared across layers, nil for learned positions
}

// NewCausalLM builds the layer structure for a config. Weights are nil
// until a checkpoint loader fills them.
func NewCausalLM(cfg *Config) (*CausalLM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &CausalLM{
		Config:    cfg,
		Blocks:    make([]*Block, cfg.NumLayers),
		FinalNorm: NewNorm(cfg.NormType, cfg.NormEps),
	}

	if cfg.PositionType == PositionRoPE {
		base := cfg.RopeTheta
		if base == 0 {
			base = 10000.0
		}
		m.Rope = NewRoPECache(cfg.HeadDim, cfg.MaxSeqLen, base)
	}

	for i := range m.Blocks {
		m.Blocks[i] = &Block{
			Attn:     NewAttention(cfg, m.Rope),
			FFN:      NewFeedForward(cfg),
			AttnNorm: NewNorm(cfg.NormType, cfg.NormEps),
			FFNNorm:  NewNorm(cfg.NormType, cfg.NormEps),
		}
	}

	return m, nil
}

// Forward runs a full forward pass and returns logits [1, seq, vocab].
func (m *CausalLM) Forward(tokenIDs []int) *Tensor {
	logits, _ := m.ForwardWithCache(tokenIDs, nil, 0)
	return logits
}

// ForwardWithCache runs a forward pass reusing cached K/V from earlier
// positions. posOffset is the absolute position of tokenIDs[0]. The
// returned cache covers all positions seen so far.
func (m *CausalLM) ForwardWithCache(tokenIDs []int, cache *KVCache, posOffset int) (*Tensor, *KVCache) {
	seqLen := len(tokenIDs)

	if cache == nil {
		cache = NewKVCache(m.Config.NumLayers)
	}

	x := m.embed(tokenIDs, posOffset)

	for i, block := range m.Blocks {
		kCache, vCache := cache.GetLayer(i)

		residual := x
		x = block.AttnNorm.Forward(x)
		var newK, newV *Tensor
		x, newK, newV = block.Attn.Forward(x, kCache, vCache, posOffset)
		x = Add(x, residual)
		cache.SetLayer(i, newK, newV)

		residual = x
		x = block.FFNNorm.Forward(x)
		x = block.FFN.Forward(x)
		x = Add(x, residual)
	}

	x = m.FinalNorm.Forward(x)

	xFlat := x.Reshape(seqLen, m.Config.Hidden)
	logits := MatMul(xFlat, m.LMHead)
	return logits.Reshape(1, seqLen, m.Config.VocabSize), cache
}

// embed looks up token embeddings, adding learned position embeddings
// when the architecture uses them.
func (m *CausalLM) embed(tokenIDs []int, posOffset int) *Tensor {
	seqLen := len(tokenIDs)
	hidden := m.Config.Hidden

	result := NewTensor(1, seqLen, hidden)

	for i, tokenID := range tokenIDs {
		copy(result.Data[i*hidden:(i+1)*hidden], m.TokenEmbedding.Data[tokenID*hidden:(tokenID+1)*hidden])

		if m.Config.PositionType == PositionLearned && m.PosEmbedding != nil {
			pos := posOffset + i
			if pos < m.Config.MaxSeqLen {
				for j := 0; j < hidden; j++ {
					result.Data[i*hidden+j] += m.PosEmbedding.Data[pos*hidden+j]
				}
			}
		}
	}

	return result
}

// LastLogits copies out the logits of the final position.
func (m *CausalLM) LastLogits(logits *Tensor) []float32 {
	seqLen := logits.Shape[1]
	vocabSize := logits.Shape[2]

	last := make([]float32, vocabSize)
	copy(last, logits.Data[(seqLen-1)*vocabSize:seqLen*vocabSize])
	return last
}

// TieLMHead points the LM head at the transposed token embedding.
func (m *CausalLM) TieLMHead() {
	m.LMHead = Transpose(m.TokenEmbedding)
}

// NamedLinears returns every projection keyed by its module path, e.g.
// "layers.0.self_attn.q_proj". Paths are stable across architectures so
// adapters can target modules by suffix.
func (m *CausalLM) NamedLinears() map[string]*Linear {
	named := make(map[string]*Linear)
	for i, block := range m.Blocks {
		prefix := fmt.Sprintf("layers.%d.", i)
		named[prefix+"self_attn.q_proj"] = block.Attn.QProj
		named[prefix+"self_attn.k_proj"] = block.Attn.KProj
		named[prefix+"self_attn.v_proj"] = block.Attn.VProj
		named[prefix+"self_attn.o_proj"] = block.Attn.OProj
		if block.FFN.GateProj != nil {
			named[prefix+"mlp.gate_proj"] = block.FFN.GateProj
		}
		named[prefix+"mlp.up_proj"] = block.FFN.UpProj
		named[prefix+"mlp.down_proj"] = block.FFN.DownProj
	}
	return named
}

// LinearPaths returns the sorted module paths of all projections.
func (m *CausalLM) LinearPaths() []string {
	named := m.NamedLinears()
	paths := make([]string, 0, len(named))
	for path := range named {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Linear looks up a projection by its module path.
func (m *CausalLM) Linear(path string) (*Linear, bool) {
	l, ok := m.NamedLinears()[path]
	return l, ok
}

// SetActiveAdapter selects the named delta on every linear that carries it.
func (m *CausalLM) SetActiveAdapter(name string) error {
	found := false
	for _, l := range m.NamedLinears() {
		if l.HasLoRA(name) {
			if err := l.SetActiveLoRA(name); err != nil {
				return err
			}
			found = true
		}
	}
	if !found {
		return fmt.Errorf("no adapter named %q attached", name)
	}
	return nil
}

// EnableAdapters re-enables delta application on every linear.
func (m *CausalLM) EnableAdapters() {
	for _, l := range m.NamedLinears() {
		l.EnableLoRA()
	}
}

// DisableAdapters turns delta application off; base forward output is
// restored exactly.
func (m *CausalLM) DisableAdapters() {
	for _, l := range m.NamedLinears() {
		l.DisableLoRA()
	}
}
