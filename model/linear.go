package model

import "fmt"

// PackedWeight is a compressed weight that can materialize itself as a
// float32 tensor. Implementations live with the checkpoint loaders.
type PackedWeight interface {
	Dequantize() *Tensor
}

// LoRA is a low-rank additive delta on a linear layer:
// dY = Scale * (x @ A) @ B with A [in, r] and B [r, out].
type LoRA struct {
	A     *Tensor
	B     *Tensor
	Scale float32
}

// Rank returns the inner dimension of the delta.
func (l *LoRA) Rank() int {
	return l.A.Shape[1]
}

// Linear is a dense projection y = x @ W (+ bias), optionally carrying
// named LoRA deltas and an NF4-packed weight that is dequantized on
// first use.
type Linear struct {
	In, Out int
	Weight  *Tensor // [in, out]
	Bias    *Tensor // [out], nil when absent

	Packed PackedWeight // set instead of Weight for quantized checkpoints

	loras   map[string]*LoRA
	active  string
	enabled bool
}

// NewLinear creates an unweighted linear layer with the given dimensions.
func NewLinear(in, out int) *Linear {
	return &Linear{
		In:      in,
		Out:     out,
		loras:   make(map[string]*LoRA),
		enabled: true,
	}
}

// MaterializeWeight returns the dense weight matrix, dequantizing a
// packed weight on first use.
func (l *Linear) MaterializeWeight() *Tensor {
	if l.Weight == nil && l.Packed != nil {
		l.Weight = l.Packed.Dequantize()
		l.Packed = nil
	}
	return l.Weight
}

// Forward computes x @ W (+ bias) plus the active enabled LoRA delta.
// x must be [rows, in]; the result is [rows, out].
func (l *Linear) Forward(x *Tensor) *Tensor {
	rows := x.Shape[0]
	result := MatMul(x, l.MaterializeWeight())

	if l.Bias != nil {
		for i := 0; i < rows; i++ {
			for j := 0; j < l.Out; j++ {
				result.Data[i*l.Out+j] += l.Bias.Data[j]
			}
		}
	}

	if l.enabled && l.active != "" {
		if delta, ok := l.loras[l.active]; ok {
			xa := MatMul(x, delta.A)
			xab := MatMul(xa, delta.B)
			for i := range result.Data {
				result.Data[i] += delta.Scale * xab.Data[i]
			}
		}
	}

	return result
}

// AddLoRA registers a named delta. Shapes must be A [in, r], B [r, out].
func (l *Linear) AddLoRA(name string, delta *LoRA) error {
	if len(delta.A.Shape) != 2 || delta.A.Shape[0] != l.In {
		return fmt.Errorf("lora A must be [%d, r], got %v", l.In, delta.A.Shape)
	}
	if len(delta.B.Shape) != 2 || delta.B.Shape[1] != l.Out {
		return fmt.Errorf("lora B must be [r, %d], got %v", l.Out, delta.B.Shape)
	}
	if delta.A.Shape[1] != delta.B.Shape[0] {
		return fmt.Errorf("lora rank mismatch: A %v vs B %v", delta.A.Shape, delta.B.Shape)
	}
	l.loras[name] = delta
	if l.active == "" {
		l.active = name
	}
	return nil
}

// RemoveLoRA drops a named delta.
func (l *Linear) RemoveLoRA(name string) {
	delete(l.loras, name)
	if l.active == name {
		l.active = ""
	}
}

// SetActiveLoRA selects which delta participates in forward passes.
func (l *Linear) SetActiveLoRA(name string) error {
	if _, ok := l.loras[name]; !ok {
		return fmt.Errorf("no lora named %q", name)
	}
	l.active = name
	return nil
}

// LoRA returns the named delta if present.
func (l *Linear) LoRA(name string) (*LoRA, bool) {
	delta, ok := l.loras[name]
	return delta, ok
}

// ActiveLoRA returns the delta currently applied in forward passes,
// or nil when none is active or deltas are disabled.
func (l *Linear) ActiveLoRA() *LoRA {
	if !l.enabled || l.active == "" {
		return nil
	}
	return l.loras[l.active]
}

// EnableLoRA turns delta application back on.
func (l *Linear) EnableLoRA() {
	l.enabled = true
}

// DisableLoRA turns delta application off without removing deltas.
func (l *Linear) DisableLoRA() {
	l.enabled = false
}

// HasLoRA reports whether a named delta is registered.
func (l *Linear) HasLoRA(name string) bool {
	_, ok := l.loras[name]
	return ok
}
