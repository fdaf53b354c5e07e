package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/your-username/nano-peft-go/checkpoint"
	"github.com/your-username/nano-peft-go/finetune"
	"github.com/your-username/nano-peft-go/nanopeft"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "nanopeft",
	Short:         "LoRA-aware inference and fine-tuning for local checkpoints",
	Long:          "nanopeft runs causal language models from local HuggingFace-style checkpoint directories, with named LoRA adapters that can be attached, toggled and fine-tuned.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}

		// Structured logs go to stderr so generated text can be piped.
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Logger()
		nanopeft.SetLogger(logger)
		checkpoint.SetLogger(logger)
		finetune.SetLogger(logger)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: trace|debug|info|warn|error")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(finetuneCmd)
	rootCmd.AddCommand(adapterCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
