package model

import "math"

// RoPECache stores precomputed sin/cos values for rotary embeddings.
type RoPECache struct {
	CosCache  *Tensor // [max_seq_len, head_dim]
	SinCache  *Tensor // [max_seq_len, head_dim]
	HeadDim   int
	MaxSeqLen int
	Base      float64
}

// NewRoPECache precomputes rotations for all positions up to maxSeqLen.
func NewRoPECache(headDim, maxSeqLen int, base float64) *RoPECache {
	cache := &RoPECache{
		HeadDim:   headDim,
		MaxSeqLen: maxSeqLen,
		Base:      base,
		CosCache:  NewTensor(maxSeqLen, headDim),
		SinCache:  NewTensor(maxSeqLen, headDim),
	}

	for pos := 0; pos < maxSeqLen; pos++ {
		for i := 0; i < headDim/2; i++ {
			freq := 1.0 / math.Pow(base, float64(2*i)/float64(headDim))
			angle := float64(pos) * freq

			cache.CosCache.Data[pos*headDim+2*i] = float32(math.Cos(angle))
			cache.CosCache.Data[pos*headDim+2*i+1] = float32(math.Cos(angle))
			cache.SinCache.Data[pos*headDim+2*i] = float32(math.Sin(angle))
			cache.SinCache.Data[pos*headDim+2*i+1] = float32(math.Sin(angle))
		}
	}

	return cache
}

// Rotate applies rotary embeddings in place to a [batch, heads, seq, head_dim]
// tensor, offsetting positions by startPos for cached decoding.
func (rc *RoPECache) Rotate(t *Tensor, startPos int) {
	if len(t.Shape) != 4 {
		panic("RoPE expects 4D tensor [batch, num_heads, seq, head_dim]")
	}

	batch := t.Shape[0]
	numHeads := t.Shape[1]
	seqLen := t.Shape[2]
	headDim := t.Shape[3]

	if headDim != rc.HeadDim {
		panic("head dimension mismatch")
	}

	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			for s := 0; s < seqLen; s++ {
				pos := startPos + s
				if pos >= rc.MaxSeqLen {
					panic("position exceeds max sequence length")
				}

				base := ((b*numHeads+h)*seqLen + s) * headDim
				cacheIdx := pos * headDim

				for i := 0; i < headDim/2; i++ {
					x0 := t.Data[base+2*i]
					x1 := t.Data[base+2*i+1]

					cos := rc.CosCache.Data[cacheIdx+2*i]
					sin := rc.SinCache.Data[cacheIdx+2*i]

					t.Data[base+2*i] = x0*cos - x1*sin
					t.Data[base+2*i+1] = x0*sin + x1*cos
				}
			}
		}
	}
}

// RotateBack applies the inverse rotation, used by adapter training to
// push gradients back through the embedding.
func (rc *RoPECache) RotateBack(t *Tensor, startPos int) {
	if len(t.Shape) != 4 {
		panic("RoPE expects 4D tensor [batch, num_heads, seq, head_dim]")
	}

	batch := t.Shape[0]
	numHeads := t.Shape[1]
	seqLen := t.Shape[2]
	headDim := t.Shape[3]

	for b := 0; b < batch; b++ {
		for h := 0; h < numHeads; h++ {
			for s := 0; s < seqLen; s++ {
				pos := startPos + s
				base := ((b*numHeads+h)*seqLen + s) * headDim
				cacheIdx := pos * headDim

				for i := 0; i < headDim/2; i++ {
					x0 := t.Data[base+2*i]
					x1 := t.Data[base+2*i+1]

					cos := rc.CosCache.Data[cacheIdx+2*i]
					sin := rc.SinCache.Data[cacheIdx+2*i]

					t.Data[base+2*i] = x0*cos + x1*sin
					t.Data[base+2*i+1] = -x0*sin + x1*cos
				}
			}
		}
	}
}
