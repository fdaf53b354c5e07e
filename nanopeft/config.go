package nanopeft

import (
	"fmt"
	"os"
)

// Device and backend identifiers accepted by Config.
const (
	DeviceCPU = "cpu"

	BackendNative = "native"
	BackendONNX   = "onnx"
)

// Config holds the configuration for the inference engine.
type Config struct {
	Model               string
	Device              string
	Backend             string
	AdapterDir          string
	AdapterName         string
	MaxNumBatchedTokens int
	MaxNumSeqs          int
	MaxModelLen         int
	EOS                 int
	KVCacheBlockSize    int
	NumKVCacheBlocks    int
}

// ConfigOption is a functional option for Config
type ConfigOption func(*Config)

// NewConfig creates a new Config with default values
func NewConfig(modelPath string, opts ...ConfigOption) *Config {
	c := &Config{
		Model:               modelPath,
		Device:              DeviceCPU,
		Backend:             BackendNative,
		MaxNumBatchedTokens: 16384,
		MaxNumSeqs:          512,
		MaxModelLen:         4096,
		EOS:                 -1,
		KVCacheBlockSize:    256,
		NumKVCacheBlocks:    -1,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		panic(err)
	}

	return c
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if _, err := os.Stat(c.Model); os.IsNotExist(err) {
		return fmt.Errorf("model directory does not exist: %s", c.Model)
	}

	if c.Device != DeviceCPU {
		return fmt.Errorf("unsupported device %q (only %q is available)", c.Device, DeviceCPU)
	}

	if c.Backend != BackendNative && c.Backend != BackendONNX {
		return fmt.Errorf("unsupported backend %q", c.Backend)
	}

	if c.AdapterName != "" && c.AdapterDir == "" {
		return fmt.Errorf("adapter name %q given without an adapter directory", c.AdapterName)
	}

	if c.KVCacheBlockSize <= 0 || c.KVCacheBlockSize%16 != 0 {
		return fmt.Errorf("kvcache_block_size must be a positive multiple of 16")
	}

	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("max_num_seqs must be at least 1")
	}

	if c.MaxNumBatchedTokens < c.MaxModelLen {
		return fmt.Errorf("max_num_batched_tokens must be >= max_model_len")
	}

	return nil
}

// WithDevice sets the compute device
func WithDevice(device string) ConfigOption {
	return func(c *Config) {
		c.Device = device
	}
}

// WithBackend selects the model runner backend
func WithBackend(backend string) ConfigOption {
	return func(c *Config) {
		c.Backend = backend
	}
}

// WithAdapter sets an adapter directory to attach at startup and the
// name to register it under
func WithAdapter(dir, name string) ConfigOption {
	return func(c *Config) {
		c.AdapterDir = dir
		c.AdapterName = name
	}
}

// WithMaxNumBatchedTokens sets the maximum number of batched tokens
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the maximum number of sequences
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithMaxModelLen sets the maximum model length
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithEOS sets the EOS token ID
func WithEOS(id int) ConfigOption {
	return func(c *Config) {
		c.EOS = id
	}
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.KVCacheBlockSize = n
	}
}

// WithNumKVCacheBlocks sets the number of KV cache blocks
func WithNumKVCacheBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVCacheBlocks = n
	}
}
