package main

import (
	"github.com/spf13/cobra"

	"github.com/your-username/nano-peft-go/adapter"
	"github.com/your-username/nano-peft-go/checkpoint"
	"github.com/your-username/nano-peft-go/finetune"
	"github.com/your-username/nano-peft-go/tokenizer"
)

var finetuneFlags struct {
	model       string
	data        string
	output      string
	config      string
	resume      bool
	noProgress  bool
	adapterName string
	loraR       int
	loraAlpha   float64
	loraDropout float64
	targets     []string
}

var finetuneCmd = &cobra.Command{
	Use:   "finetune",
	Short: "Fine-tune a LoRA adapter on a question/answer dataset",
	Long:  "Fine-tune trains a fresh LoRA adapter against a frozen base model using a JSON array of {query, resp} records, saving checkpoints and the final adapter under the output directory.",
	RunE:  runFinetune,
}

func init() {
	f := finetuneCmd.Flags()
	f.StringVar(&finetuneFlags.model, "model", "", "Checkpoint directory (required)")
	f.StringVar(&finetuneFlags.data, "data", "", "Dataset file: JSON array of {query, resp} records (required)")
	f.StringVar(&finetuneFlags.output, "output", "", "Output directory, overrides the config file")
	f.StringVar(&finetuneFlags.config, "config", "", "Training config file (.json, .yaml or .toml)")
	f.BoolVar(&finetuneFlags.resume, "resume", false, "Resume from the newest checkpoint in the output directory")
	f.BoolVar(&finetuneFlags.noProgress, "no-progress", false, "Disable the progress bar")
	f.StringVar(&finetuneFlags.adapterName, "adapter-name", "default", "Name to train the adapter under")
	f.IntVar(&finetuneFlags.loraR, "lora-r", 8, "LoRA rank")
	f.Float64Var(&finetuneFlags.loraAlpha, "lora-alpha", 16, "LoRA scaling numerator")
	f.Float64Var(&finetuneFlags.loraDropout, "lora-dropout", 0.05, "LoRA dropout recorded in the adapter config")
	f.StringSliceVar(&finetuneFlags.targets, "target-modules", []string{"q_proj", "v_proj"}, "Projections to attach deltas to")
	finetuneCmd.MarkFlagRequired("model")
	finetuneCmd.MarkFlagRequired("data")
}

func runFinetune(cmd *cobra.Command, args []string) error {
	cfg := finetune.DefaultTrainingConfig()
	if finetuneFlags.config != "" {
		loaded, err := finetune.LoadTrainingConfig(finetuneFlags.config)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if finetuneFlags.output != "" {
		cfg.OutputDir = finetuneFlags.output
	}
	if finetuneFlags.resume {
		cfg.Resume = true
	}

	m, err := checkpoint.Load(finetuneFlags.model, checkpoint.WithProgress(!finetuneFlags.noProgress))
	if err != nil {
		return err
	}
	tok, err := tokenizer.FromPretrained(finetuneFlags.model)
	if err != nil {
		return err
	}

	records, err := finetune.LoadRecords(finetuneFlags.data)
	if err != nil {
		return err
	}
	ds, err := finetune.NewPackedDataset(tok, records, cfg.SeqLength)
	if err != nil {
		return err
	}

	acfg := adapter.DefaultConfig()
	acfg.R = finetuneFlags.loraR
	acfg.LoraAlpha = finetuneFlags.loraAlpha
	acfg.LoraDropout = finetuneFlags.loraDropout
	acfg.TargetModules = finetuneFlags.targets

	a, err := adapter.NewEmpty(finetuneFlags.adapterName, acfg, m, cfg.Seed)
	if err != nil {
		return err
	}
	if err := adapter.Attach(m, a); err != nil {
		return err
	}
	if err := m.SetActiveAdapter(a.Name); err != nil {
		return err
	}

	trainer, err := finetune.NewTrainer(m, a, ds, cfg)
	if err != nil {
		return err
	}
	return trainer.Train(!finetuneFlags.noProgress)
}
