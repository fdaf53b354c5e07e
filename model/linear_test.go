package model

import (
	"math"
	"testing"
)

func newTestLinear(in, out int) *Linear {
	l := NewLinear(in, out)
	l.Weight = NewTensor(in, out)
	for i := range l.Weight.Data {
		l.Weight.Data[i] = float32(math.Sin(float64(i)*0.5)) * 0.1
	}
	return l
}

func newTestLoRA(in, out, rank int, scale float32) *LoRA {
	delta := &LoRA{
		A:     NewTensor(in, rank),
		B:     NewTensor(rank, out),
		Scale: scale,
	}
	for i := range delta.A.Data {
		delta.A.Data[i] = float32(math.Cos(float64(i)*0.3)) * 0.2
	}
	for i := range delta.B.Data {
		delta.B.Data[i] = float32(math.Sin(float64(i)*0.9)) * 0.2
	}
	return delta
}

func TestLinearForward(t *testing.T) {
	// y = x @ W with W the 2x2 identity passes x through.
	l := NewLinear(2, 2)
	l.Weight = &Tensor{Data: []float32{1, 0, 0, 1}, Shape: []int{2, 2}}

	x := &Tensor{Data: []float32{3, 4}, Shape: []int{1, 2}}
	y := l.Forward(x)

	if y.Data[0] != 3 || y.Data[1] != 4 {
		t.Errorf("identity forward = %v, want [3, 4]", y.Data)
	}
}

func TestLinearForwardBias(t *testing.T) {
	l := NewLinear(2, 2)
	l.Weight = &Tensor{Data: []float32{1, 0, 0, 1}, Shape: []int{2, 2}}
	l.Bias = &Tensor{Data: []float32{10, 20}, Shape: []int{2}}

	x := &Tensor{Data: []float32{3, 4}, Shape: []int{1, 2}}
	y := l.Forward(x)

	if y.Data[0] != 13 || y.Data[1] != 24 {
		t.Errorf("biased forward = %v, want [13, 24]", y.Data)
	}
}

func TestLinearLoRADelta(t *testing.T) {
	// With the delta active the output is base + scale * (x@A)@B.
	l := newTestLinear(4, 3)
	x := &Tensor{Data: []float32{1, -0.5, 0.25, 2}, Shape: []int{1, 4}}

	base := l.Forward(x)

	delta := newTestLoRA(4, 3, 2, 2.0)
	if err := l.AddLoRA("test", delta); err != nil {
		t.Fatalf("AddLoRA failed: %v", err)
	}

	adapted := l.Forward(x)

	xa := MatMul(x, delta.A)
	xab := MatMul(xa, delta.B)
	for i := range adapted.Data {
		want := base.Data[i] + delta.Scale*xab.Data[i]
		if math.Abs(float64(adapted.Data[i]-want)) > 1e-6 {
			t.Errorf("adapted[%d] = %f, want %f", i, adapted.Data[i], want)
		}
	}
}

func TestLinearDisableRestoresBase(t *testing.T) {
	// Disabling deltas must reproduce the base output bit for bit.
	l := newTestLinear(4, 3)
	x := &Tensor{Data: []float32{1, -0.5, 0.25, 2}, Shape: []int{1, 4}}

	base := l.Forward(x)

	if err := l.AddLoRA("test", newTestLoRA(4, 3, 2, 1.5)); err != nil {
		t.Fatalf("AddLoRA failed: %v", err)
	}

	adapted := l.Forward(x)
	changed := false
	for i := range adapted.Data {
		if adapted.Data[i] != base.Data[i] {
			changed = true
		}
	}
	if !changed {
		t.Errorf("delta had no effect on forward output")
	}

	l.DisableLoRA()
	restored := l.Forward(x)
	for i := range restored.Data {
		if restored.Data[i] != base.Data[i] {
			t.Errorf("restored[%d] = %f, want exactly %f", i, restored.Data[i], base.Data[i])
		}
	}

	l.EnableLoRA()
	reapplied := l.Forward(x)
	for i := range reapplied.Data {
		if reapplied.Data[i] != adapted.Data[i] {
			t.Errorf("reapplied[%d] = %f, want %f", i, reapplied.Data[i], adapted.Data[i])
		}
	}
}

func TestLinearNamedDeltaSwitch(t *testing.T) {
	l := newTestLinear(4, 3)
	x := &Tensor{Data: []float32{1, 1, 1, 1}, Shape: []int{1, 4}}

	first := newTestLoRA(4, 3, 2, 1.0)
	second := newTestLoRA(4, 3, 2, -1.0)
	if err := l.AddLoRA("first", first); err != nil {
		t.Fatalf("AddLoRA(first) failed: %v", err)
	}
	if err := l.AddLoRA("second", second); err != nil {
		t.Fatalf("AddLoRA(second) failed: %v", err)
	}

	// First added delta becomes active automatically.
	if got := l.ActiveLoRA(); got != first {
		t.Errorf("active delta after add = %v, want first", got)
	}

	if err := l.SetActiveLoRA("second"); err != nil {
		t.Fatalf("SetActiveLoRA failed: %v", err)
	}
	if got := l.ActiveLoRA(); got != second {
		t.Errorf("active delta after switch = %v, want second", got)
	}

	outFirst := func() *Tensor {
		l.SetActiveLoRA("first")
		return l.Forward(x)
	}()
	outSecond := func() *Tensor {
		l.SetActiveLoRA("second")
		return l.Forward(x)
	}()

	same := true
	for i := range outFirst.Data {
		if outFirst.Data[i] != outSecond.Data[i] {
			same = false
		}
	}
	if same {
		t.Errorf("switching deltas did not change the output")
	}
}

func TestLinearSetActiveMissing(t *testing.T) {
	l := newTestLinear(4, 3)
	if err := l.SetActiveLoRA("nope"); err == nil {
		t.Errorf("expected error for unknown delta name")
	}
}

func TestLinearAddLoRAShapeValidation(t *testing.T) {
	l := newTestLinear(4, 3)

	badA := &LoRA{A: NewTensor(5, 2), B: NewTensor(2, 3), Scale: 1}
	if err := l.AddLoRA("bad", badA); err == nil {
		t.Errorf("expected error for A with wrong input dim")
	}

	badB := &LoRA{A: NewTensor(4, 2), B: NewTensor(2, 7), Scale: 1}
	if err := l.AddLoRA("bad", badB); err == nil {
		t.Errorf("expected error for B with wrong output dim")
	}

	badRank := &LoRA{A: NewTensor(4, 2), B: NewTensor(3, 3), Scale: 1}
	if err := l.AddLoRA("bad", badRank); err == nil {
		t.Errorf("expected error for mismatched ranks")
	}
}

func TestLinearRemoveLoRA(t *testing.T) {
	l := newTestLinear(4, 3)
	if err := l.AddLoRA("a", newTestLoRA(4, 3, 2, 1)); err != nil {
		t.Fatalf("AddLoRA failed: %v", err)
	}

	l.RemoveLoRA("a")

	if l.HasLoRA("a") {
		t.Errorf("delta still present after remove")
	}
	if l.ActiveLoRA() != nil {
		t.Errorf("removed delta still active")
	}
}

// fakePacked counts how many times a weight gets materialized.
type fakePacked struct {
	weight *Tensor
	calls  int
}

func (f *fakePacked) Dequantize() *Tensor {
	f.calls++
	return f.weight
}

func TestLinearLazyDequantize(t *testing.T) {
	// A packed weight materializes once, on the first forward pass.
	w := &Tensor{Data: []float32{1, 0, 0, 1}, Shape: []int{2, 2}}
	packed := &fakePacked{weight: w}

	l := NewLinear(2, 2)
	l.Packed = packed

	if packed.calls != 0 {
		t.Errorf("dequantize ran before forward: %d calls", packed.calls)
	}

	x := &Tensor{Data: []float32{5, 6}, Shape: []int{1, 2}}
	y := l.Forward(x)

	if y.Data[0] != 5 || y.Data[1] != 6 {
		t.Errorf("packed forward = %v, want [5, 6]", y.Data)
	}
	if packed.calls != 1 {
		t.Errorf("dequantize calls = %d, want 1", packed.calls)
	}
	if l.Packed != nil {
		t.Errorf("packed weight retained after materialization")
	}

	l.Forward(x)
	if packed.calls != 1 {
		t.Errorf("dequantize ran again on second forward: %d calls", packed.calls)
	}
}

func TestLoRARank(t *testing.T) {
	delta := newTestLoRA(8, 8, 4, 1)
	if delta.Rank() != 4 {
		t.Errorf("Rank() = %d, want 4", delta.Rank())
	}
}
