package model

import (
	"math"
	"testing"
)

func TestRotatePositionZeroIdentity(t *testing.T) {
	// At position 0 every angle is 0, so the rotation is the identity.
	rope := NewRoPECache(4, 8, 10000.0)

	x := NewTensor(1, 1, 1, 4)
	copy(x.Data, []float32{1, 2, 3, 4})

	rope.Rotate(x, 0)

	want := []float32{1, 2, 3, 4}
	for i, w := range want {
		if math.Abs(float64(x.Data[i]-w)) > 1e-6 {
			t.Errorf("x[%d] = %f, want %f", i, x.Data[i], w)
		}
	}
}

func TestRotatePreservesNorm(t *testing.T) {
	// Rotation preserves the norm of each (even, odd) pair.
	rope := NewRoPECache(8, 32, 10000.0)

	x := NewTensor(1, 2, 3, 8)
	for i := range x.Data {
		x.Data[i] = float32(math.Sin(float64(i)*0.7)) + 0.5
	}

	var before float64
	for _, v := range x.Data {
		before += float64(v * v)
	}

	rope.Rotate(x, 5)

	var after float64
	for _, v := range x.Data {
		after += float64(v * v)
	}

	if math.Abs(before-after) > 1e-3 {
		t.Errorf("norm changed: before %f, after %f", before, after)
	}
}

func TestRotateChangesLaterPositions(t *testing.T) {
	rope := NewRoPECache(4, 16, 10000.0)

	x := NewTensor(1, 1, 1, 4)
	copy(x.Data, []float32{1, 2, 3, 4})

	rope.Rotate(x, 3)

	unchanged := true
	for i, v := range []float32{1, 2, 3, 4} {
		if x.Data[i] != v {
			unchanged = false
		}
	}
	if unchanged {
		t.Errorf("rotation at position 3 left the vector unchanged")
	}
}

func TestRotateBackInverts(t *testing.T) {
	rope := NewRoPECache(8, 32, 10000.0)

	x := NewTensor(1, 2, 4, 8)
	for i := range x.Data {
		x.Data[i] = float32(math.Cos(float64(i) * 0.3))
	}
	original := make([]float32, len(x.Data))
	copy(original, x.Data)

	rope.Rotate(x, 7)
	rope.RotateBack(x, 7)

	for i := range x.Data {
		if math.Abs(float64(x.Data[i]-original[i])) > 1e-5 {
			t.Errorf("x[%d] = %f, want %f after inverse rotation", i, x.Data[i], original[i])
		}
	}
}

func TestRotateSameAbsolutePosition(t *testing.T) {
	// Token at absolute position 4 must rotate identically whether it
	// arrives in a prefill batch or alone during decode.
	rope := NewRoPECache(4, 16, 10000.0)

	batch := NewTensor(1, 1, 5, 4)
	for i := range batch.Data {
		batch.Data[i] = float32(i%7) * 0.25
	}
	single := NewTensor(1, 1, 1, 4)
	copy(single.Data, batch.Data[4*4:5*4])

	rope.Rotate(batch, 0)
	rope.Rotate(single, 4)

	for d := 0; d < 4; d++ {
		got := single.At(0, 0, 0, d)
		want := batch.At(0, 0, 4, d)
		if math.Abs(float64(got-want)) > 1e-6 {
			t.Errorf("dim %d: decode rotation = %f, prefill rotation = %f", d, got, want)
		}
	}
}

func TestRotateBeyondMaxSeqLen(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected panic for position past max sequence length")
		}
	}()

	rope := NewRoPECache(4, 8, 10000.0)
	x := NewTensor(1, 1, 2, 4)
	rope.Rotate(x, 7)
}
