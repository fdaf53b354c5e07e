package adapter

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ConfigFile is the PEFT adapter configuration filename.
const ConfigFile = "adapter_config.json"

// Config mirrors the PEFT LoraConfig serialization, so adapter
// directories written here load in Python and vice versa.
type Config struct {
	BaseModel     string   `json:"base_model_name_or_path,omitempty"`
	PeftType      string   `json:"peft_type"`
	TaskType      string   `json:"task_type"`
	R             int      `json:"r"`
	LoraAlpha     float64  `json:"lora_alpha"`
	LoraDropout   float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
	Bias          string   `json:"bias"`
	FanInFanOut   bool     `json:"fan_in_fan_out"`
	InferenceMode bool     `json:"inference_mode"`
}

// DefaultConfig returns the QLoRA setup for causal LM tuning: rank 8,
// alpha 16, dropout 0.05 on the attention q/v projections.
func DefaultConfig() Config {
	return Config{
		PeftType:      "LORA",
		TaskType:      "CAUSAL_LM",
		R:             8,
		LoraAlpha:     16,
		LoraDropout:   0.05,
		TargetModules: []string{"q_proj", "v_proj"},
		Bias:          "none",
	}
}

// Scale returns the delta multiplier alpha/r.
func (c Config) Scale() float32 {
	return float32(c.LoraAlpha) / float32(c.R)
}

func (c Config) Validate() error {
	if c.R <= 0 {
		return errors.Errorf("rank must be positive, got %d", c.R)
	}
	if c.LoraAlpha <= 0 {
		return errors.Errorf("lora_alpha must be positive, got %v", c.LoraAlpha)
	}
	if c.LoraDropout < 0 || c.LoraDropout >= 1 {
		return errors.Errorf("lora_dropout must be in [0, 1), got %v", c.LoraDropout)
	}
	if len(c.TargetModules) == 0 {
		return errors.New("target_modules is empty")
	}
	return nil
}

// LoadConfig reads adapter_config.json from an adapter directory.
// Fields absent from the file keep their defaults.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read adapter config")
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes adapter_config.json into dir.
func (c Config) Save(dir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, ConfigFile)
	return errors.Wrap(os.WriteFile(path, append(data, '\n'), 0o644), "write adapter config")
}
