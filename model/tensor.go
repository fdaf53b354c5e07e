package model

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 array with a row-major shape.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a zero-filled tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: shape,
	}
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

// Set stores val at the given indices.
func (t *Tensor) Set(val float32, indices ...int) {
	t.Data[t.flatIndex(indices)] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	result := NewTensor(t.Shape...)
	copy(result.Data, t.Data)
	return result
}

// MatMul performs matrix multiplication: [m,k] x [k,n] -> [m,n]
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result := NewTensor(m, n)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := float32(0)
			for p := 0; p < k; p++ {
				sum += a.Data[i*k+p] * b.Data[p*n+j]
			}
			result.Data[i*n+j] = sum
		}
	}

	return result
}

// Add performs element-wise addition.
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, factor float32) *Tensor {
	result := NewTensor(t.Shape...)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * factor
	}
	return result
}

// Transpose swaps the dimensions of a 2D tensor.
func Transpose(t *Tensor) *Tensor {
	if len(t.Shape) != 2 {
		panic("Transpose requires 2D tensor")
	}
	m, n := t.Shape[0], t.Shape[1]
	result := NewTensor(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			result.Data[j*m+i] = t.Data[i*n+j]
		}
	}
	return result
}

// Softmax applies a max-subtracted softmax along the last dimension.
func Softmax(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)

	cols := t.Shape[len(t.Shape)-1]
	rows := t.Size() / cols

	for i := 0; i < rows; i++ {
		offset := i * cols

		maxVal := t.Data[offset]
		for j := 1; j < cols; j++ {
			if t.Data[offset+j] > maxVal {
				maxVal = t.Data[offset+j]
			}
		}

		sum := float32(0)
		for j := 0; j < cols; j++ {
			val := float32(math.Exp(float64(t.Data[offset+j] - maxVal)))
			result.Data[offset+j] = val
			sum += val
		}

		for j := 0; j < cols; j++ {
			result.Data[offset+j] /= sum
		}
	}

	return result
}

// GELU applies the tanh-approximated GELU activation.
func GELU(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	for i, x := range t.Data {
		x3 := x * x * x
		inner := math.Sqrt(2.0/math.Pi) * float64(x+0.044715*x3)
		result.Data[i] = 0.5 * x * (1.0 + float32(math.Tanh(inner)))
	}
	return result
}

// SiLU applies the sigmoid-weighted linear activation.
func SiLU(t *Tensor) *Tensor {
	result := NewTensor(t.Shape...)
	for i, x := range t.Data {
		sigmoid := 1.0 / (1.0 + math.Exp(-float64(x)))
		result.Data[i] = x * float32(sigmoid)
	}
	return result
}

// Mul performs element-wise multiplication.
func Mul(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic("tensors must have same size")
	}
	result := NewTensor(a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] * b.Data[i]
	}
	return result
}

// LayerNorm normalizes over the last dimension with learned weight and bias.
func LayerNorm(t *Tensor, weight, bias *Tensor, eps float32) *Tensor {
	result := NewTensor(t.Shape...)

	hiddenSize := t.Shape[len(t.Shape)-1]
	totalRows := t.Size() / hiddenSize

	for i := 0; i < totalRows; i++ {
		offset := i * hiddenSize

		mean := float32(0)
		for j := 0; j < hiddenSize; j++ {
			mean += t.Data[offset+j]
		}
		mean /= float32(hiddenSize)

		variance := float32(0)
		for j := 0; j < hiddenSize; j++ {
			diff := t.Data[offset+j] - mean
			variance += diff * diff
		}
		variance /= float32(hiddenSize)

		std := float32(math.Sqrt(float64(variance + eps)))
		for j := 0; j < hiddenSize; j++ {
			normalized := (t.Data[offset+j] - mean) / std
			result.Data[offset+j] = normalized*weight.Data[j] + bias.Data[j]
		}
	}

	return result
}

// RMSNorm normalizes over the last dimension by root mean square, weight only.
func RMSNorm(t *Tensor, weight *Tensor, eps float32) *Tensor {
	result := NewTensor(t.Shape...)

	hiddenSize := t.Shape[len(t.Shape)-1]
	totalRows := t.Size() / hiddenSize

	for i := 0; i < totalRows; i++ {
		offset := i * hiddenSize

		rms := float32(0)
		for j := 0; j < hiddenSize; j++ {
			val := t.Data[offset+j]
			rms += val * val
		}
		rms = float32(math.Sqrt(float64(rms/float32(hiddenSize) + eps)))

		for j := 0; j < hiddenSize; j++ {
			result.Data[offset+j] = t.Data[offset+j] / rms * weight.Data[j]
		}
	}

	return result
}

// Concatenate joins two 4D tensors along the sequence dimension (dim 2).
func Concatenate(t1, t2 *Tensor, dim int) *Tensor {
	if dim != 2 || len(t1.Shape) != 4 || len(t2.Shape) != 4 {
		panic("Concatenate only supports dim=2 for 4D tensors")
	}

	batch := t1.Shape[0]
	heads := t1.Shape[1]
	seq1 := t1.Shape[2]
	seq2 := t2.Shape[2]
	headDim := t1.Shape[3]

	result := NewTensor(batch, heads, seq1+seq2, headDim)

	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seq1; s++ {
				srcIdx := ((b*heads+h)*seq1 + s) * headDim
				dstIdx := ((b*heads+h)*(seq1+seq2) + s) * headDim
				copy(result.Data[dstIdx:dstIdx+headDim], t1.Data[srcIdx:srcIdx+headDim])
			}
			for s := 0; s < seq2; s++ {
				srcIdx := ((b*heads+h)*seq2 + s) * headDim
				dstIdx := ((b*heads+h)*(seq1+seq2) + seq1 + s) * headDim
				copy(result.Data[dstIdx:dstIdx+headDim], t2.Data[srcIdx:srcIdx+headDim])
			}
		}
	}

	return result
}

// Reshape returns a view with a different shape over the same data.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	newSize := 1
	for _, dim := range shape {
		newSize *= dim
	}
	if newSize != t.Size() {
		panic(fmt.Sprintf("cannot reshape: size mismatch %d vs %d", newSize, t.Size()))
	}
	return &Tensor{
		Data:  t.Data,
		Shape: shape,
	}
}

// Slice extracts [start, end) along the first dimension, sharing data.
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.Shape) < 1 {
		panic("cannot slice scalar")
	}

	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	newShape := make([]int, len(t.Shape))
	newShape[0] = end - start
	copy(newShape[1:], t.Shape[1:])

	return &Tensor{
		Data:  t.Data[start*stride : end*stride],
		Shape: newShape,
	}
}
