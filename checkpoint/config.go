package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/your-username/nano-peft-go/model"
)

// LoadConfig reads a HuggingFace config.json from a checkpoint directory
// and resolves it to model hyperparameters. GPT-2 era field names
// (n_embd, n_layer, n_head, n_inner) are accepted alongside the modern
// ones.
func LoadConfig(dir string) (*model.Config, error) {
	path := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config.json")
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse config.json")
	}

	cfg := baseConfig(raw)

	if v, ok := jsonInt(raw, "vocab_size"); ok {
		cfg.VocabSize = v
	}
	if v, ok := jsonInt(raw, "n_embd", "hidden_size"); ok {
		cfg.Hidden = v
	}
	if v, ok := jsonInt(raw, "n_layer", "num_hidden_layers"); ok {
		cfg.NumLayers = v
	}
	if v, ok := jsonInt(raw, "n_head", "num_attention_heads"); ok {
		cfg.NumHeads = v
	}
	if v, ok := jsonInt(raw, "num_key_value_heads"); ok {
		cfg.NumKVHeads = v
	} else {
		cfg.NumKVHeads = cfg.NumHeads
	}
	if v, ok := jsonInt(raw, "head_dim"); ok {
		cfg.HeadDim = v
	} else if cfg.NumHeads > 0 {
		cfg.HeadDim = cfg.Hidden / cfg.NumHeads
	}
	if v, ok := jsonInt(raw, "n_inner", "intermediate_size"); ok {
		cfg.FFNDim = v
	} else {
		cfg.FFNDim = 4 * cfg.Hidden
	}
	if v, ok := jsonInt(raw, "n_positions", "max_position_embeddings"); ok {
		cfg.MaxSeqLen = v
	}

	if v, ok := jsonInt(raw, "eos_token_id"); ok {
		cfg.EOSTokenID = v
	}
	if v, ok := jsonInt(raw, "bos_token_id"); ok {
		cfg.BOSTokenID = v
	}
	if v, ok := jsonInt(raw, "pad_token_id"); ok {
		cfg.PadTokenID = v
	}

	if v, ok := raw["rope_theta"].(float64); ok {
		cfg.RopeTheta = v
	}
	if v, ok := raw["rms_norm_eps"].(float64); ok {
		cfg.NormEps = float32(v)
	}
	if v, ok := raw["layer_norm_epsilon"].(float64); ok {
		cfg.NormEps = float32(v)
	}
	if v, ok := raw["tie_word_embeddings"].(bool); ok {
		cfg.TieWordEmbeddings = v
	}

	cfg.AttentionType = model.AttentionMHA
	if cfg.NumKVHeads == 1 && cfg.NumHeads > 1 {
		cfg.AttentionType = model.AttentionMQA
	} else if cfg.NumKVHeads < cfg.NumHeads {
		cfg.AttentionType = model.AttentionGQA
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config.json")
	}
	return cfg, nil
}

// baseConfig picks architecture defaults from the model_type field.
func baseConfig(raw map[string]interface{}) *model.Config {
	modelType, _ := raw["model_type"].(string)

	switch modelType {
	case "llama", "mistral":
		cfg := model.NewLlamaConfig()
		cfg.ModelName = modelType
		return cfg
	case "gpt2":
		return model.NewGPT2Config()
	}

	if archs, ok := raw["architectures"].([]interface{}); ok {
		for _, a := range archs {
			if s, _ := a.(string); s == "LlamaForCausalLM" || s == "MistralForCausalLM" {
				return model.NewLlamaConfig()
			}
		}
	}

	return model.NewGPT2Config()
}

// jsonInt reads the first present key as an integer. JSON numbers decode
// as float64.
func jsonInt(raw map[string]interface{}, keys ...string) (int, bool) {
	for _, key := range keys {
		if v, ok := raw[key].(float64); ok {
			return int(v), true
		}
	}
	return 0, false
}
