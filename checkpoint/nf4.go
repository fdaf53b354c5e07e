package checkpoint

import (
	"math"

	"github.com/your-username/nano-peft-go/model"
)

// nf4Table holds the 16 fixed QLoRA NF4 quantile values.
var nf4Table = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// NF4BlockSize is the number of weights sharing one absmax scale.
const NF4BlockSize = 64

// NF4Weight is a 4-bit blockwise quantized tensor. Two codes pack into
// one byte, low nibble first. It satisfies model.PackedWeight so linears
// can materialize it lazily on first use.
type NF4Weight struct {
	Packed    []byte
	Absmax    []float32 // one scale per block
	Shape     []int
	BlockSize int
}

// QuantizeNF4 compresses a float32 tensor to 4-bit NF4 codes.
func QuantizeNF4(t *model.Tensor) *NF4Weight {
	n := t.Size()
	numBlocks := (n + NF4BlockSize - 1) / NF4BlockSize

	w := &NF4Weight{
		Packed:    make([]byte, (n+1)/2),
		Absmax:    make([]float32, numBlocks),
		Shape:     append([]int(nil), t.Shape...),
		BlockSize: NF4BlockSize,
	}

	for block := 0; block < numBlocks; block++ {
		start := block * NF4BlockSize
		end := start + NF4BlockSize
		if end > n {
			end = n
		}

		var absmax float32
		for i := start; i < end; i++ {
			if a := float32(math.Abs(float64(t.Data[i]))); a > absmax {
				absmax = a
			}
		}
		w.Absmax[block] = absmax

		for i := start; i < end; i++ {
			var normalized float32
			if absmax > 0 {
				normalized = t.Data[i] / absmax
			}
			code := nearestNF4(normalized)
			if i%2 == 0 {
				w.Packed[i/2] |= code
			} else {
				w.Packed[i/2] |= code << 4
			}
		}
	}

	return w
}

// Dequantize expands the codes back to float32.
func (w *NF4Weight) Dequantize() *model.Tensor {
	t := model.NewTensor(w.Shape...)
	n := t.Size()

	for i := 0; i < n; i++ {
		var code byte
		if i%2 == 0 {
			code = w.Packed[i/2] & 0x0F
		} else {
			code = w.Packed[i/2] >> 4
		}
		t.Data[i] = nf4Table[code] * w.Absmax[i/w.BlockSize]
	}

	return t
}

// Size returns the packed footprint in bytes, codes plus scales.
func (w *NF4Weight) Size() int64 {
	return int64(len(w.Packed)) + int64(len(w.Absmax)*4)
}

// nearestNF4 finds the closest quantile code for a value in [-1, 1].
func nearestNF4(v float32) byte {
	best := 0
	bestDist := float32(math.Abs(float64(v - nf4Table[0])))
	for i := 1; i < len(nf4Table); i++ {
		dist := float32(math.Abs(float64(v - nf4Table[i])))
		if dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return byte(best)
}
