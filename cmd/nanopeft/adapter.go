package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/your-username/nano-peft-go/adapter"
	"github.com/your-username/nano-peft-go/checkpoint"
)

var adapterCmd = &cobra.Command{
	Use:   "adapter",
	Short: "Inspect LoRA adapter directories",
}

var adapterInfoCmd = &cobra.Command{
	Use:   "info DIR",
	Short: "Print the config and tensors of an adapter directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdapterInfo,
}

func init() {
	adapterCmd.AddCommand(adapterInfoCmd)
}

func runAdapterInfo(cmd *cobra.Command, args []string) error {
	dir := args[0]

	cfg, err := adapter.LoadConfig(dir)
	if err != nil {
		return err
	}
	fmt.Printf("peft_type:      %s\n", cfg.PeftType)
	fmt.Printf("task_type:      %s\n", cfg.TaskType)
	fmt.Printf("rank:           %d\n", cfg.R)
	fmt.Printf("lora_alpha:     %v\n", cfg.LoraAlpha)
	fmt.Printf("lora_dropout:   %v\n", cfg.LoraDropout)
	fmt.Printf("scale:          %v\n", cfg.Scale())
	fmt.Printf("target_modules: %s\n", strings.Join(cfg.TargetModules, ", "))
	if cfg.BaseModel != "" {
		fmt.Printf("base_model:     %s\n", cfg.BaseModel)
	}

	f, err := checkpoint.Open(filepath.Join(dir, adapter.WeightsFile))
	if err != nil {
		return err
	}
	fmt.Printf("\n%d tensors, %s:\n", len(f.Keys()), humanize.Bytes(uint64(f.DataSize())))
	for _, name := range f.Keys() {
		info, _ := f.Info(name)
		fmt.Printf("  %-60s %-4s %v\n", name, info.Dtype, info.Shape)
	}
	return nil
}
