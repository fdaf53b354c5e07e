package adapter

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/your-username/nano-peft-go/checkpoint"
	"github.com/your-username/nano-peft-go/model"
)

// WeightsFile is the PEFT adapter weights filename.
const WeightsFile = "adapter_model.safetensors"

// Adapter is a named set of LoRA deltas keyed by module path
// (layers.N.self_attn.q_proj and friends).
type Adapter struct {
	Name   string
	Config Config

	deltas map[string]*model.LoRA
}

// Load reads a PEFT adapter directory: adapter_config.json plus
// adapter_model.safetensors, as written by this package or by PEFT.
func Load(dir, name string) (*Adapter, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	st, err := checkpoint.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, errors.Wrap(err, "open adapter weights")
	}

	type pair struct{ a, b *model.Tensor }
	pairs := make(map[string]*pair)
	for _, key := range st.Keys() {
		path, kind, ok := splitKey(key)
		if !ok {
			continue
		}

		w, err := st.Tensor(key)
		if err != nil {
			return nil, err
		}
		if len(w.Shape) != 2 {
			return nil, errors.Errorf("%s must be 2D, got %v", key, w.Shape)
		}

		p := pairs[path]
		if p == nil {
			p = &pair{}
			pairs[path] = p
		}
		// PEFT stores both matrices in PyTorch [out, in] layout:
		// lora_A [r, in] and lora_B [out, r].
		switch kind {
		case "lora_A":
			p.a = model.Transpose(w)
		case "lora_B":
			p.b = model.Transpose(w)
		}
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("no lora tensors in %s", dir)
	}

	a := &Adapter{Name: name, Config: cfg, deltas: make(map[string]*model.LoRA, len(pairs))}
	for path, p := range pairs {
		if p.a == nil || p.b == nil {
			return nil, errors.Errorf("incomplete lora pair for %s", path)
		}
		if p.a.Shape[1] != cfg.R || p.b.Shape[0] != cfg.R {
			return nil, errors.Errorf("lora rank mismatch for %s: A %v, B %v, config r=%d",
				path, p.a.Shape, p.b.Shape, cfg.R)
		}
		a.deltas[path] = &model.LoRA{A: p.a, B: p.b, Scale: cfg.Scale()}
	}
	return a, nil
}

// splitKey strips the PEFT wrapper prefixes and the lora suffix from a
// tensor key, yielding the canonical module path.
func splitKey(key string) (path, kind string, ok bool) {
	key = strings.TrimPrefix(key, "base_model.")
	for strings.HasPrefix(key, "model.") {
		key = strings.TrimPrefix(key, "model.")
	}

	switch {
	case strings.HasSuffix(key, ".lora_A.weight"):
		return strings.TrimSuffix(key, ".lora_A.weight"), "lora_A", true
	case strings.HasSuffix(key, ".lora_B.weight"):
		return strings.TrimSuffix(key, ".lora_B.weight"), "lora_B", true
	}
	return "", "", false
}

// NewEmpty creates a zero-effect adapter for training: A gets the
// kaiming_uniform(a=sqrt(5)) init PEFT uses and B starts at zero, so
// the initial delta is the zero matrix. Targets are every model linear
// whose final path segment appears in cfg.TargetModules. Seed -1 uses
// the current time.
func NewEmpty(name string, cfg Config, m *model.CausalLM, seed int64) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if seed == -1 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	targets := make(map[string]bool, len(cfg.TargetModules))
	for _, t := range cfg.TargetModules {
		targets[t] = true
	}

	a := &Adapter{Name: name, Config: cfg, deltas: make(map[string]*model.LoRA)}
	for _, path := range m.LinearPaths() {
		if !targets[moduleName(path)] {
			continue
		}
		l, _ := m.Linear(path)
		a.deltas[path] = newDelta(l.In, l.Out, cfg, rng)
	}
	if len(a.deltas) == 0 {
		return nil, errors.Errorf("no model modules match target_modules %v", cfg.TargetModules)
	}
	return a, nil
}

func moduleName(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}

func newDelta(in, out int, cfg Config, rng *rand.Rand) *model.LoRA {
	a := model.NewTensor(in, cfg.R)
	bound := 1.0 / math.Sqrt(float64(in))
	for i := range a.Data {
		a.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
	return &model.LoRA{A: a, B: model.NewTensor(cfg.R, out), Scale: cfg.Scale()}
}

// Attach registers every delta on its target linear and leaves the
// model untouched when any target is missing or already carries the
// adapter. Deltas are shared rather than copied: training through the
// model updates the adapter's tensors.
func Attach(m *model.CausalLM, a *Adapter) error {
	linears := make(map[string]*model.Linear, len(a.deltas))
	for path := range a.deltas {
		l, ok := m.Linear(path)
		if !ok {
			return errors.Errorf("model has no module %s targeted by adapter %q", path, a.Name)
		}
		if l.HasLoRA(a.Name) {
			return errors.Errorf("adapter %q already attached at %s", a.Name, path)
		}
		linears[path] = l
	}

	attached := make([]string, 0, len(a.deltas))
	for path, delta := range a.deltas {
		if err := linears[path].AddLoRA(a.Name, delta); err != nil {
			for _, done := range attached {
				linears[done].RemoveLoRA(a.Name)
			}
			return errors.Wrapf(err, "attach %s", path)
		}
		attached = append(attached, path)
	}
	return nil
}

// Detach removes the adapter's deltas from the model.
func Detach(m *model.CausalLM, a *Adapter) {
	for path := range a.deltas {
		if l, ok := m.Linear(path); ok {
			l.RemoveLoRA(a.Name)
		}
	}
}

// Save writes the adapter in PEFT layout.
func (a *Adapter) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create adapter dir")
	}
	if err := a.Config.Save(dir); err != nil {
		return err
	}

	tensors := make(map[string]*model.Tensor, 2*len(a.deltas))
	for path, delta := range a.deltas {
		key := "base_model.model.model." + path
		tensors[key+".lora_A.weight"] = model.Transpose(delta.A)
		tensors[key+".lora_B.weight"] = model.Transpose(delta.B)
	}
	return checkpoint.WriteSafetensors(filepath.Join(dir, WeightsFile), tensors)
}

// Modules returns the targeted module paths in sorted order.
func (a *Adapter) Modules() []string {
	paths := make([]string, 0, len(a.deltas))
	for path := range a.deltas {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Delta returns the LoRA pair for a module path.
func (a *Adapter) Delta(path string) (*model.LoRA, bool) {
	d, ok := a.deltas[path]
	return d, ok
}
