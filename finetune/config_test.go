package finetune

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultTrainingConfig(t *testing.T) {
	cfg := DefaultTrainingConfig()

	require.NoError(t, cfg.Validate())
	require.Equal(t, 1e-4, cfg.LearningRate)
	require.Equal(t, 0.05, cfg.WeightDecay)
	require.Equal(t, 1.0, cfg.GradClip)
	require.Equal(t, OptimizerAdamW, cfg.Optimizer)
	require.Equal(t, 4, cfg.BatchSize)
	require.Equal(t, 128, cfg.SeqLength)
	require.Equal(t, 1000, cfg.WarmupSteps)
	require.Equal(t, 10, cfg.LoggingSteps)
	require.Equal(t, 3, cfg.SaveTotalLimit)
}

func TestLoadTrainingConfigJSON(t *testing.T) {
	path := writeConfig(t, "train.json", `{"learning_rate": 0.001, "max_steps": 50}`)

	cfg, err := LoadTrainingConfig(path)
	require.NoError(t, err)
	require.Equal(t, 0.001, cfg.LearningRate)
	require.Equal(t, 50, cfg.MaxSteps)
	// Untouched fields keep their defaults.
	require.Equal(t, 4, cfg.BatchSize)
	require.Equal(t, 0.05, cfg.WeightDecay)
}

func TestLoadTrainingConfigYAML(t *testing.T) {
	path := writeConfig(t, "train.yaml", "batch_size: 8\noptimizer: sgd\nseed: 7\n")

	cfg, err := LoadTrainingConfig(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.BatchSize)
	require.Equal(t, OptimizerSGD, cfg.Optimizer)
	require.Equal(t, int64(7), cfg.Seed)
	require.Equal(t, 128, cfg.SeqLength)
}

func TestLoadTrainingConfigTOML(t *testing.T) {
	path := writeConfig(t, "train.toml", "seq_length = 64\nsave_steps = 25\noutput_dir = \"run1\"\n")

	cfg, err := LoadTrainingConfig(path)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.SeqLength)
	require.Equal(t, 25, cfg.SaveSteps)
	require.Equal(t, "run1", cfg.OutputDir)
	require.Equal(t, 1e-4, cfg.LearningRate)
}

func TestLoadTrainingConfigUnsupportedExtension(t *testing.T) {
	path := writeConfig(t, "train.ini", "[train]\nlr = 1\n")

	_, err := LoadTrainingConfig(path)
	require.ErrorContains(t, err, "unsupported config extension")
}

func TestLoadTrainingConfigMissingFile(t *testing.T) {
	_, err := LoadTrainingConfig(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestLoadTrainingConfigRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "train.json", `{"learning_rate": -1}`)

	_, err := LoadTrainingConfig(path)
	require.ErrorContains(t, err, "learning_rate")
}

func TestTrainingConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TrainingConfig)
	}{
		{"zero learning rate", func(c *TrainingConfig) { c.LearningRate = 0 }},
		{"negative weight decay", func(c *TrainingConfig) { c.WeightDecay = -0.1 }},
		{"negative grad clip", func(c *TrainingConfig) { c.GradClip = -1 }},
		{"unknown optimizer", func(c *TrainingConfig) { c.Optimizer = "adagrad" }},
		{"zero batch size", func(c *TrainingConfig) { c.BatchSize = 0 }},
		{"short seq length", func(c *TrainingConfig) { c.SeqLength = 1 }},
		{"zero max steps", func(c *TrainingConfig) { c.MaxSteps = 0 }},
		{"negative warmup", func(c *TrainingConfig) { c.WarmupSteps = -1 }},
		{"zero logging steps", func(c *TrainingConfig) { c.LoggingSteps = 0 }},
		{"zero save steps", func(c *TrainingConfig) { c.SaveSteps = 0 }},
		{"zero save limit", func(c *TrainingConfig) { c.SaveTotalLimit = 0 }},
		{"empty output dir", func(c *TrainingConfig) { c.OutputDir = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultTrainingConfig()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
