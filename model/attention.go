package model

import "math"

// Attention implements causal self-attention with separate q/k/v/o
// projections. NumKVHeads < NumHeads gives grouped-query attention;
// NumKVHeads == 1 gives multi-query attention.
type Attention struct {
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	Hidden     int

	QProj *Linear // [hidden, num_heads * head_dim]
	KProj *Linear // [hidden, num_kv_heads * head_dim]
	VProj *Linear // [hidden, num_kv_heads * head_dim]
	OProj *Linear // [num_heads * head_dim, hidden]

	Rope *RoPECache // nil for learned-position models
}

// NewAttention creates an attention layer with unweighted projections.
func NewAttention(cfg *Config, rope *RoPECache) *Attention {
	kvDim := cfg.NumKVHeads * cfg.HeadDim
	return &Attention{
		NumHeads:   cfg.NumHeads,
		NumKVHeads: cfg.NumKVHeads,
		HeadDim:    cfg.HeadDim,
		Hidden:     cfg.Hidden,
		QProj:      NewLinear(cfg.Hidden, cfg.Hidden),
		KProj:      NewLinear(cfg.Hidden, kvDim),
		VProj:      NewLinear(cfg.Hidden, kvDim),
		OProj:      NewLinear(cfg.Hidden, cfg.Hidden),
		Rope:       rope,
	}
}

// Forward runs attention over x [1, seq, hidden] with an optional K/V
// cache from previous positions. posOffset is the absolute position of
// the first token in x. Returns the output and the extended K,V.
func (a *Attention) Forward(x *Tensor, kCache, vCache *Tensor, posOffset int) (*Tensor, *Tensor, *Tensor) {
	batchSize := x.Shape[0]
	seqLen := x.Shape[1]
	xFlat := x.Reshape(batchSize*seqLen, a.Hidden)

	q := splitHeads(a.QProj.Forward(xFlat), batchSize, seqLen, a.NumHeads, a.HeadDim)
	k := splitHeads(a.KProj.Forward(xFlat), batchSize, seqLen, a.NumKVHeads, a.HeadDim)
	v := splitHeads(a.VProj.Forward(xFlat), batchSize, seqLen, a.NumKVHeads, a.HeadDim)

	if a.Rope != nil {
		a.Rope.Rotate(q, posOffset)
		a.Rope.Rotate(k, posOffset)
	}

	if kCache != nil && vCache != nil {
		k = Concatenate(kCache, k, 2)
		v = Concatenate(vCache, v, 2)
	}

	out := a.causalAttention(q, k, v)
	out = mergeHeads(out, batchSize, seqLen, a.NumHeads, a.HeadDim)
	out = a.OProj.Forward(out.Reshape(batchSize*seqLen, a.Hidden)).Reshape(batchSize, seqLen, a.Hidden)

	return out, k, v
}

// causalAttention computes softmax(q k^T / sqrt(d)) v with a causal mask.
// q is [1, num_heads, seq, d]; k,v are [1, num_kv_heads, kv_len, d] where
// kv_len >= seq when a cache is present. Query position i may attend to
// key positions 0..kv_len-seq+i.
func (a *Attention) causalAttention(q, k, v *Tensor) *Tensor {
	batch := q.Shape[0]
	seqLen := q.Shape[2]
	kvLen := k.Shape[2]
	headDim := a.HeadDim
	group := a.NumHeads / a.NumKVHeads

	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	past := kvLen - seqLen

	result := NewTensor(batch, a.NumHeads, seqLen, headDim)

	for b := 0; b < batch; b++ {
		for h := 0; h < a.NumHeads; h++ {
			kvHead := h / group
			qOffset := (b*a.NumHeads + h) * seqLen * headDim
			kvOffset := (b*a.NumKVHeads + kvHead) * kvLen * headDim

			scores := NewTensor(seqLen, kvLen)
			for i := 0; i < seqLen; i++ {
				for j := 0; j < kvLen; j++ {
					if j > past+i {
						scores.Data[i*kvLen+j] = -1e10
						continue
					}
					sum := float32(0)
					for d := 0; d < headDim; d++ {
						sum += q.Data[qOffset+i*headDim+d] * k.Data[kvOffset+j*headDim+d]
					}
					scores.Data[i*kvLen+j] = sum * scale
				}
			}

			probs := Softmax(scores)

			for i := 0; i < seqLen; i++ {
				for d := 0; d < headDim; d++ {
					sum := float32(0)
					for j := 0; j < kvLen; j++ {
						sum += probs.Data[i*kvLen+j] * v.Data[kvOffset+j*headDim+d]
					}
					result.Data[qOffset+i*headDim+d] = sum
				}
			}
		}
	}

	return result
}

// splitHeads reshapes [batch*seq, heads*head_dim] to [batch, heads, seq, head_dim].
func splitHeads(x *Tensor, batchSize, seqLen, numHeads, headDim int) *Tensor {
	result := NewTensor(batchSize, numHeads, seqLen, headDim)
	width := numHeads * headDim

	for b := 0; b < batchSize; b++ {
		for s := 0; s < seqLen; s++ {
			for h := 0; h < numHeads; h++ {
				srcIdx := (b*seqLen+s)*width + h*headDim
				dstIdx := ((b*numHeads+h)*seqLen + s) * headDim
				copy(result.Data[dstIdx:dstIdx+headDim], x.Data[srcIdx:srcIdx+headDim])
			}
		}
	}

	return result
}

// mergeHeads reshapes [batch, heads, seq, head_dim] back to [batch, seq, heads*head_dim].
func mergeHeads(x *Tensor, batchSize, seqLen, numHeads, headDim int) *Tensor {
	width := numHeads * headDim
	result := NewTensor(batchSize, seqLen, width)

	for b := 0; b < batchSize; b++ {
		for h := 0; h < numHeads; h++ {
			for s := 0; s < seqLen; s++ {
				srcIdx := ((b*numHeads+h)*seqLen + s) * headDim
				dstIdx := (b*seqLen+s)*width + h*headDim
				copy(result.Data[dstIdx:dstIdx+headDim], x.Data[srcIdx:srcIdx+headDim])
			}
		}
	}

	return result
}
