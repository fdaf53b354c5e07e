package checkpoint

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/your-username/nano-peft-go/model"
)

// WeightMapping translates checkpoint tensor names to the model's module
// paths. Layer templates use {layer} as the index placeholder.
type WeightMapping struct {
	TokenEmbeddingKey string
	PosEmbeddingKey   string // empty for RoPE models
	LMHeadKey         string // empty when tied to the embedding

	LayerPrefix string // e.g. "model.layers.{layer}"

	QProjKey    string
	KProjKey    string // empty when QKV is stored combined
	VProjKey    string
	OProjKey    string
	GateProjKey string // empty for GELU models
	UpProjKey   string
	DownProjKey string

	AttnNormKey  string
	FFNNormKey   string
	FinalNormKey string

	// GPT-2 stores Q,K,V as one [hidden, 3*hidden] matrix.
	QKVCombined bool

	// PyTorch checkpoints store linear weights [out, in]; GPT-2's Conv1D
	// layers are already [in, out].
	TransposeWeights bool

	// GPT-2 projections carry biases; Llama's do not.
	HasBiases bool
}

// MappingFor returns the tensor name mapping for an architecture.
func MappingFor(arch model.Architecture) (*WeightMapping, error) {
	switch arch {
	case model.ArchLlama:
		return &WeightMapping{
			TokenEmbeddingKey: "model.embed_tokens.weight",
			LMHeadKey:         "lm_head.weight",
			LayerPrefix:       "model.layers.{layer}",
			QProjKey:          ".self_attn.q_proj.weight",
			KProjKey:          ".self_attn.k_proj.weight",
			VProjKey:          ".self_attn.v_proj.weight",
			OProjKey:          ".self_attn.o_proj.weight",
			GateProjKey:       ".mlp.gate_proj.weight",
			UpProjKey:         ".mlp.up_proj.weight",
			DownProjKey:       ".mlp.down_proj.weight",
			AttnNormKey:       ".input_layernorm.weight",
			FFNNormKey:        ".post_attention_layernorm.weight",
			FinalNormKey:      "model.norm.weight",
			TransposeWeights:  true,
		}, nil
	case model.ArchGPT2:
		return &WeightMapping{
			TokenEmbeddingKey: "wte.weight",
			PosEmbeddingKey:   "wpe.weight",
			LayerPrefix:       "h.{layer}",
			QProjKey:          ".attn.c_attn.weight",
			OProjKey:          ".attn.c_proj.weight",
			UpProjKey:         ".mlp.c_fc.weight",
			DownProjKey:       ".mlp.c_proj.weight",
			AttnNormKey:       ".ln_1.weight",
			FFNNormKey:        ".ln_2.weight",
			FinalNormKey:      "ln_f.weight",
			QKVCombined:       true,
			HasBiases:         true,
		}, nil
	}
	return nil, errors.Errorf("no weight mapping for architecture %q", arch)
}

// layerKey expands the layer template and appends a per-layer key.
func (m *WeightMapping) layerKey(layer int, key string) string {
	prefix := strings.ReplaceAll(m.LayerPrefix, "{layer}", fmt.Sprintf("%d", layer))
	return prefix + key
}

// biasKey converts a weight tensor name to its bias counterpart.
func biasKey(weightKey string) string {
	return strings.Replace(weightKey, ".weight", ".bias", 1)
}

// splitCombinedQKV splits a [hidden, 3*hidden] GPT-2 attention weight
// into Q, K, V column blocks.
func splitCombinedQKV(qkv *model.Tensor, hidden int) (*model.Tensor, *model.Tensor, *model.Tensor) {
	q := model.NewTensor(hidden, hidden)
	k := model.NewTensor(hidden, hidden)
	v := model.NewTensor(hidden, hidden)

	width := 3 * hidden
	for row := 0; row < hidden; row++ {
		src := row * width
		copy(q.Data[row*hidden:(row+1)*hidden], qkv.Data[src:src+hidden])
		copy(k.Data[row*hidden:(row+1)*hidden], qkv.Data[src+hidden:src+2*hidden])
		copy(v.Data[row*hidden:(row+1)*hidden], qkv.Data[src+2*hidden:src+3*hidden])
	}

	return q, k, v
}

// splitCombinedBias splits a [3*hidden] combined QKV bias into thirds.
func splitCombinedBias(bias *model.Tensor, hidden int) (*model.Tensor, *model.Tensor, *model.Tensor) {
	q := &model.Tensor{Data: bias.Data[0:hidden], Shape: []int{hidden}}
	k := &model.Tensor{Data: bias.Data[hidden : 2*hidden], Shape: []int{hidden}}
	v := &model.Tensor{Data: bias.Data[2*hidden : 3*hidden], Shape: []int{hidden}}
	return q, k, v
}
