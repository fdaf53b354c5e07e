package finetune

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Optimizer selection for TrainingConfig.
const (
	OptimizerAdamW = "adamw"
	OptimizerSGD   = "sgd"
)

// TrainingConfig holds the hyperparameters for an adapter fine-tuning
// run. The defaults follow the usual supervised fine-tuning recipe:
// AdamW at 1e-4 with linear warmup into cosine decay, gradient clipping
// at 1.0 and a small decoupled weight decay.
type TrainingConfig struct {
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" toml:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay" yaml:"weight_decay" toml:"weight_decay"`
	GradClip     float64 `json:"grad_clip" yaml:"grad_clip" toml:"grad_clip"`
	Optimizer    string  `json:"optimizer" yaml:"optimizer" toml:"optimizer"`

	BatchSize   int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	SeqLength   int `json:"seq_length" yaml:"seq_length" toml:"seq_length"`
	MaxSteps    int `json:"max_steps" yaml:"max_steps" toml:"max_steps"`
	WarmupSteps int `json:"warmup_steps" yaml:"warmup_steps" toml:"warmup_steps"`

	LoggingSteps   int `json:"logging_steps" yaml:"logging_steps" toml:"logging_steps"`
	SaveSteps      int `json:"save_steps" yaml:"save_steps" toml:"save_steps"`
	SaveTotalLimit int `json:"save_total_limit" yaml:"save_total_limit" toml:"save_total_limit"`

	OutputDir string `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	Resume    bool   `json:"resume" yaml:"resume" toml:"resume"`
	Seed      int64  `json:"seed" yaml:"seed" toml:"seed"`
}

// DefaultTrainingConfig returns the standard fine-tuning recipe.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{
		LearningRate:   1e-4,
		WeightDecay:    0.05,
		GradClip:       1.0,
		Optimizer:      OptimizerAdamW,
		BatchSize:      4,
		SeqLength:      128,
		MaxSteps:       10000,
		WarmupSteps:    1000,
		LoggingSteps:   10,
		SaveSteps:      500,
		SaveTotalLimit: 3,
		OutputDir:      "./output_dir",
		Seed:           42,
	}
}

// LoadTrainingConfig reads a training config file based on its
// extension (.json, .yaml/.yml or .toml). Fields absent from the file
// keep their defaults.
func LoadTrainingConfig(path string) (TrainingConfig, error) {
	cfg := DefaultTrainingConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read training config")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return cfg, errors.Errorf("unsupported config extension %q", ext)
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "parse %s", filepath.Base(path))
	}

	return cfg, cfg.Validate()
}

// Validate checks that the hyperparameters make sense together.
func (c *TrainingConfig) Validate() error {
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return errors.Errorf("weight_decay must not be negative, got %g", c.WeightDecay)
	}
	if c.GradClip < 0 {
		return errors.Errorf("grad_clip must not be negative, got %g", c.GradClip)
	}
	if c.Optimizer != OptimizerAdamW && c.Optimizer != OptimizerSGD {
		return errors.Errorf("optimizer must be %q or %q, got %q", OptimizerAdamW, OptimizerSGD, c.Optimizer)
	}
	if c.BatchSize < 1 {
		return errors.Errorf("batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.SeqLength < 2 {
		return errors.Errorf("seq_length must be at least 2, got %d", c.SeqLength)
	}
	if c.MaxSteps < 1 {
		return errors.Errorf("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	if c.WarmupSteps < 0 {
		return errors.Errorf("warmup_steps must not be negative, got %d", c.WarmupSteps)
	}
	if c.LoggingSteps < 1 {
		return errors.Errorf("logging_steps must be at least 1, got %d", c.LoggingSteps)
	}
	if c.SaveSteps < 1 {
		return errors.Errorf("save_steps must be at least 1, got %d", c.SaveSteps)
	}
	if c.SaveTotalLimit < 1 {
		return errors.Errorf("save_total_limit must be at least 1, got %d", c.SaveTotalLimit)
	}
	if c.OutputDir == "" {
		return errors.New("output_dir must not be empty")
	}
	return nil
}
