package finetune

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/your-username/nano-peft-go/adapter"
	"github.com/your-username/nano-peft-go/model"
)

var logger = zerolog.Nop()

// SetLogger installs a logger for training progress. The default
// discards everything.
func SetLogger(l zerolog.Logger) {
	logger = l
}

// stateFile is written next to the adapter weights in every
// checkpoint directory.
const stateFile = "trainer_state.json"

// LogEntry is one logged training step.
type LogEntry struct {
	Step int     `json:"step"`
	Loss float64 `json:"loss"`
	LR   float64 `json:"learning_rate"`
}

type trainerState struct {
	GlobalStep int        `json:"global_step"`
	BestLoss   float64    `json:"best_loss"`
	LogHistory []LogEntry `json:"log_history"`
}

// Trainer fine-tunes an attached adapter on a packed dataset. Only the
// adapter's A/B matrices are updated; every base weight of the model
// stays untouched.
type Trainer struct {
	config  TrainingConfig
	adapter *adapter.Adapter
	dataset *PackedDataset

	backprop  *Backprop
	optimizer Optimizer
	schedule  LinearWarmupCosine
	params    []*Parameter

	globalStep int
	bestLoss   float64
	history    []LogEntry
}

// NewTrainer wires a model, an attached adapter and a dataset into a
// training loop. The adapter must already be attached to the model.
func NewTrainer(m *model.CausalLM, a *adapter.Adapter, ds *PackedDataset, cfg TrainingConfig) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ds.SeqLength() != cfg.SeqLength {
		return nil, errors.Errorf("dataset seq_length %d does not match config seq_length %d",
			ds.SeqLength(), cfg.SeqLength)
	}
	if cfg.SeqLength > m.Config.MaxSeqLen {
		return nil, errors.Errorf("seq_length %d exceeds model max_seq_len %d",
			cfg.SeqLength, m.Config.MaxSeqLen)
	}

	bp, err := NewBackprop(m, a)
	if err != nil {
		return nil, err
	}

	var opt Optimizer
	switch cfg.Optimizer {
	case OptimizerAdamW:
		opt = NewAdamW(cfg.WeightDecay)
	case OptimizerSGD:
		opt = NewSGD(cfg.WeightDecay)
	}

	return &Trainer{
		config:    cfg,
		adapter:   a,
		dataset:   ds,
		backprop:  bp,
		optimizer: opt,
		schedule: LinearWarmupCosine{
			BaseLR:      cfg.LearningRate,
			WarmupSteps: cfg.WarmupSteps,
			MaxSteps:    cfg.MaxSteps,
		},
		params:   bp.Params(),
		bestLoss: math.Inf(1),
	}, nil
}

// GlobalStep returns the number of optimizer steps taken so far.
func (t *Trainer) GlobalStep() int {
	return t.globalStep
}

// History returns the logged steps.
func (t *Trainer) History() []LogEntry {
	return t.history
}

// Train runs the loop until max_steps, checkpointing and logging along
// the way, then writes the final adapter into the output directory
// root. With Resume set it continues from the newest checkpoint, or
// starts fresh when none exists.
func (t *Trainer) Train(showProgress bool) error {
	if t.config.Resume {
		if err := t.resume(); err != nil {
			return err
		}
	}
	if t.globalStep >= t.config.MaxSteps {
		logger.Info().Int("step", t.globalStep).Msg("training already complete")
		return nil
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(t.config.MaxSteps,
			progressbar.OptionSetDescription("Training"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
		if t.globalStep > 0 {
			bar.Set(t.globalStep)
		}
	}

	for t.globalStep < t.config.MaxSteps {
		batch, err := t.dataset.Batch(t.config.BatchSize)
		if err != nil {
			return err
		}

		start := time.Now()
		lr := t.schedule.LR(t.globalStep)
		loss, tokens := t.step(batch, lr)
		elapsed := time.Since(start)

		t.globalStep++
		if loss < t.bestLoss {
			t.bestLoss = loss
		}

		tokensPerSec := float64(tokens) / elapsed.Seconds()
		if bar != nil {
			bar.Describe(fmt.Sprintf("Training [loss: %.4f, lr: %.2e, %s tok/s]",
				loss, lr, humanize.Comma(int64(tokensPerSec))))
			bar.Add(1)
		}

		if t.globalStep%t.config.LoggingSteps == 0 {
			t.history = append(t.history, LogEntry{Step: t.globalStep, Loss: loss, LR: lr})
			logger.Info().
				Int("step", t.globalStep).
				Float64("loss", loss).
				Float64("lr", lr).
				Float64("tokens_per_sec", tokensPerSec).
				Msg("training step")
		}

		if t.globalStep%t.config.SaveSteps == 0 {
			if err := t.saveCheckpoint(); err != nil {
				return err
			}
		}
	}

	if bar != nil {
		bar.Finish()
	}

	if err := t.adapter.Save(t.config.OutputDir); err != nil {
		return errors.Wrap(err, "save final adapter")
	}
	if err := t.saveState(t.config.OutputDir); err != nil {
		return err
	}
	logger.Info().
		Int("steps", t.globalStep).
		Float64("best_loss", t.bestLoss).
		Str("output", t.config.OutputDir).
		Msg("training complete")
	return nil
}

// step runs one optimizer step over a batch and returns the mean loss
// and the number of prediction tokens processed.
func (t *Trainer) step(batch [][]int, lr float64) (float64, int) {
	ZeroGrad(t.params)

	var totalLoss float64
	tokens := 0
	for _, example := range batch {
		inputs := example[:len(example)-1]
		targets := example[1:]

		logits, cache := t.backprop.Forward(inputs)
		loss, dLogits := CrossEntropyLoss(logits, targets)
		totalLoss += loss
		tokens += len(inputs)

		t.backprop.Backward(dLogits, cache)
	}

	// Gradients accumulated over the batch; make them the batch mean.
	if len(batch) > 1 {
		inv := float32(1 / float64(len(batch)))
		for _, p := range t.params {
			for i := range p.Grad {
				p.Grad[i] *= inv
			}
		}
	}

	ClipGradients(t.params, t.config.GradClip)
	t.optimizer.Step(t.params, lr)

	return totalLoss / float64(len(batch)), tokens
}

func (t *Trainer) saveCheckpoint() error {
	dir := filepath.Join(t.config.OutputDir, fmt.Sprintf("checkpoint-%d", t.globalStep))
	if err := t.adapter.Save(dir); err != nil {
		return errors.Wrapf(err, "save checkpoint at step %d", t.globalStep)
	}
	if err := t.saveState(dir); err != nil {
		return err
	}
	logger.Info().Int("step", t.globalStep).Str("dir", dir).Msg("checkpoint saved")
	return t.pruneCheckpoints()
}

func (t *Trainer) saveState(dir string) error {
	state := trainerState{
		GlobalStep: t.globalStep,
		BestLoss:   t.bestLoss,
		LogHistory: t.history,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal trainer state")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, stateFile), data, 0o644), "write trainer state")
}

// pruneCheckpoints removes the oldest checkpoint directories beyond
// save_total_limit.
func (t *Trainer) pruneCheckpoints() error {
	steps, err := listCheckpoints(t.config.OutputDir)
	if err != nil {
		return err
	}
	for len(steps) > t.config.SaveTotalLimit {
		dir := filepath.Join(t.config.OutputDir, fmt.Sprintf("checkpoint-%d", steps[0]))
		if err := os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "prune checkpoint %s", dir)
		}
		logger.Debug().Str("dir", dir).Msg("pruned old checkpoint")
		steps = steps[1:]
	}
	return nil
}

// listCheckpoints returns the step numbers of checkpoint-* directories
// under dir, sorted ascending. A missing dir is an empty list.
func listCheckpoints(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list checkpoints")
	}

	var steps []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "checkpoint-") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "checkpoint-"))
		if err != nil {
			continue
		}
		steps = append(steps, n)
	}
	sort.Ints(steps)
	return steps, nil
}

// resume restores adapter weights and trainer state from the newest
// checkpoint, then replays the dataset stream up to that point so the
// continued run sees the batches it would have seen.
func (t *Trainer) resume() error {
	steps, err := listCheckpoints(t.config.OutputDir)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		logger.Warn().Str("dir", t.config.OutputDir).Msg("no checkpoints found, starting fresh")
		return nil
	}

	latest := steps[len(steps)-1]
	dir := filepath.Join(t.config.OutputDir, fmt.Sprintf("checkpoint-%d", latest))

	loaded, err := adapter.Load(dir, t.adapter.Name)
	if err != nil {
		return errors.Wrapf(err, "resume from %s", dir)
	}
	for _, path := range t.adapter.Modules() {
		src, ok := loaded.Delta(path)
		if !ok {
			return errors.Errorf("checkpoint %s is missing module %s", dir, path)
		}
		dst, _ := t.adapter.Delta(path)
		if len(src.A.Data) != len(dst.A.Data) || len(src.B.Data) != len(dst.B.Data) {
			return errors.Errorf("checkpoint %s has mismatched shapes for %s", dir, path)
		}
		copy(dst.A.Data, src.A.Data)
		copy(dst.B.Data, src.B.Data)
	}

	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		return errors.Wrapf(err, "read trainer state in %s", dir)
	}
	var state trainerState
	if err := json.Unmarshal(data, &state); err != nil {
		return errors.Wrapf(err, "parse trainer state in %s", dir)
	}
	t.globalStep = state.GlobalStep
	t.bestLoss = state.BestLoss
	t.history = state.LogHistory

	// The packed stream is deterministic, so skipping reproduces the
	// exact position the interrupted run stopped at.
	for i := 0; i < t.globalStep*t.config.BatchSize; i++ {
		if _, err := t.dataset.Next(); err != nil {
			return errors.Wrap(err, "replay dataset")
		}
	}

	logger.Info().Int("step", t.globalStep).Str("dir", dir).Msg("resumed from checkpoint")
	return nil
}
