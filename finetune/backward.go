package finetune

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/your-username/nano-peft-go/adapter"
	"github.com/your-username/nano-peft-go/model"
)

// loraParam binds one target module's delta to its gradient buffers.
type loraParam struct {
	delta *model.LoRA
	a     *Parameter
	b     *Parameter
}

// Backprop runs training forward and backward passes for one attached
// adapter. Base weights, embeddings and norms stay frozen: gradients
// flow through them but only the adapter's A and B matrices accumulate.
// The deltas of the adapter under training are always applied during
// Forward, regardless of the model's adapter enable state.
type Backprop struct {
	m      *model.CausalLM
	byPath map[string]*loraParam
	params []*Parameter
}

// NewBackprop prepares gradient computation for an adapter attached to
// the model. Only models with RMSNorm, rotary positions, SwiGLU and
// equal query/KV head counts are supported.
func NewBackprop(m *model.CausalLM, a *adapter.Adapter) (*Backprop, error) {
	cfg := m.Config
	if cfg.NormType != model.NormRMS || cfg.PositionType != model.PositionRoPE || cfg.ActivationType != model.ActivationSwiGLU {
		return nil, errors.Errorf("training supports rmsnorm+rope+swiglu models, got %s/%s/%s",
			cfg.NormType, cfg.PositionType, cfg.ActivationType)
	}
	if cfg.NumHeads != cfg.NumKVHeads {
		return nil, errors.Errorf("training requires num_heads == num_kv_heads, got %d and %d",
			cfg.NumHeads, cfg.NumKVHeads)
	}

	bp := &Backprop{m: m, byPath: make(map[string]*loraParam)}
	for _, path := range a.Modules() {
		l, ok := m.Linear(path)
		if !ok {
			return nil, errors.Errorf("model has no linear at %s", path)
		}
		if !l.HasLoRA(a.Name) {
			return nil, errors.Errorf("adapter %q is not attached at %s", a.Name, path)
		}
		delta, _ := a.Delta(path)
		lp := &loraParam{
			delta: delta,
			a:     NewParameter(path+".lora_A", delta.A),
			b:     NewParameter(path+".lora_B", delta.B),
		}
		bp.byPath[path] = lp
		bp.params = append(bp.params, lp.a, lp.b)
	}
	if len(bp.params) == 0 {
		return nil, errors.Errorf("adapter %q has no target modules", a.Name)
	}
	return bp, nil
}

// Params returns the adapter's trainable parameters in module order.
func (bp *Backprop) Params() []*Parameter {
	return bp.params
}

type linearCache struct {
	x  *model.Tensor // layer input [rows, in]
	xa *model.Tensor // x @ A, nil for untargeted modules
}

type normCache struct {
	x   *model.Tensor
	rms []float32 // per-row denominator
}

type attnCache struct {
	q     *model.Tensor // [1, heads, seq, head_dim], rotated
	k     *model.Tensor
	v     *model.Tensor
	probs []*model.Tensor // per head [seq, seq]

	qProj, kProj, vProj, oProj linearCache
}

type ffnCache struct {
	gate *model.Tensor // [seq, ffn_dim], pre-activation
	up   *model.Tensor // [seq, ffn_dim]

	gateProj, upProj, downProj linearCache
}

type blockCache struct {
	attnNorm normCache
	attn     attnCache
	ffnNorm  normCache
	ffn      ffnCache
}

// forwardCache holds the activations Backward needs to replay the
// forward pass in reverse.
type forwardCache struct {
	blocks    []blockCache
	finalNorm normCache
	lmInput   *model.Tensor // [seq, hidden]
}

// Forward runs the full-sequence forward pass while recording
// activations. tokenIDs must not exceed the model's max sequence
// length. Returns logits [seq, vocab] and the activation cache.
func (bp *Backprop) Forward(tokenIDs []int) (*model.Tensor, *forwardCache) {
	cfg := bp.m.Config
	seqLen := len(tokenIDs)
	hidden := cfg.Hidden

	x := model.NewTensor(seqLen, hidden)
	for i, id := range tokenIDs {
		copy(x.Data[i*hidden:(i+1)*hidden], bp.m.TokenEmbedding.Data[id*hidden:(id+1)*hidden])
	}

	cache := &forwardCache{blocks: make([]blockCache, len(bp.m.Blocks))}

	for i, block := range bp.m.Blocks {
		bc := &cache.blocks[i]

		residual := x
		normed := rmsForward(x, block.AttnNorm, &bc.attnNorm)
		attnOut := bp.attentionForward(block.Attn, i, normed, &bc.attn)
		x = model.Add(attnOut, residual)

		residual = x
		normed = rmsForward(x, block.FFNNorm, &bc.ffnNorm)
		ffnOut := bp.ffnForward(block.FFN, i, normed, &bc.ffn)
		x = model.Add(ffnOut, residual)
	}

	cache.lmInput = rmsForward(x, bp.m.FinalNorm, &cache.finalNorm)
	logits := model.MatMul(cache.lmInput, bp.m.LMHead)
	return logits, cache
}

// Backward pushes the logit gradient back through the cached forward
// pass, accumulating into the adapter's A/B gradient buffers.
func (bp *Backprop) Backward(dLogits *model.Tensor, cache *forwardCache) {
	// The LM head is frozen, only the input gradient flows.
	dx := model.MatMul(dLogits, model.Transpose(bp.m.LMHead))
	dx = rmsBackward(dx, bp.m.FinalNorm, &cache.finalNorm)

	for i := len(bp.m.Blocks) - 1; i >= 0; i-- {
		block := bp.m.Blocks[i]
		bc := &cache.blocks[i]

		dFFN := bp.ffnBackward(block.FFN, i, dx, &bc.ffn)
		dInput := rmsBackward(dFFN, block.FFNNorm, &bc.ffnNorm)
		dx = model.Add(dx, dInput)

		dAttn := bp.attentionBackward(block.Attn, i, dx, &bc.attn)
		dInput = rmsBackward(dAttn, block.AttnNorm, &bc.attnNorm)
		dx = model.Add(dx, dInput)
	}
	// Token embeddings are frozen, dx stops here.
}

func attnPath(layer int, name string) string {
	return fmt.Sprintf("layers.%d.self_attn.%s", layer, name)
}

func mlpPath(layer int, name string) string {
	return fmt.Sprintf("layers.%d.mlp.%s", layer, name)
}

func (bp *Backprop) linearForward(l *model.Linear, path string, x *model.Tensor, cache *linearCache) *model.Tensor {
	y := model.MatMul(x, l.MaterializeWeight())
	if l.Bias != nil {
		rows := x.Shape[0]
		for i := 0; i < rows; i++ {
			for j := 0; j < l.Out; j++ {
				y.Data[i*l.Out+j] += l.Bias.Data[j]
			}
		}
	}

	cache.x = x
	if lp, ok := bp.byPath[path]; ok {
		xa := model.MatMul(x, lp.delta.A)
		xab := model.MatMul(xa, lp.delta.B)
		for i := range y.Data {
			y.Data[i] += lp.delta.Scale * xab.Data[i]
		}
		cache.xa = xa
	}
	return y
}

// linearBackward returns the input gradient dy @ Wt and, for targeted
// modules, accumulates the delta gradients:
//
//	dA = s * xt @ (dy @ Bt)    dB = s * (x @ A)t @ dy
//	dx += s * (dy @ Bt) @ At
func (bp *Backprop) linearBackward(l *model.Linear, path string, cache *linearCache, dy *model.Tensor) *model.Tensor {
	dx := model.MatMul(dy, model.Transpose(l.MaterializeWeight()))

	lp, ok := bp.byPath[path]
	if !ok {
		return dx
	}

	s := lp.delta.Scale
	dyB := model.MatMul(dy, model.Transpose(lp.delta.B)) // [rows, r]

	dA := model.MatMul(model.Transpose(cache.x), dyB)
	for i, v := range dA.Data {
		lp.a.Grad[i] += s * v
	}
	dB := model.MatMul(model.Transpose(cache.xa), dy)
	for i, v := range dB.Data {
		lp.b.Grad[i] += s * v
	}

	dxDelta := model.MatMul(dyB, model.Transpose(lp.delta.A))
	for i := range dx.Data {
		dx.Data[i] += s * dxDelta.Data[i]
	}
	return dx
}

func rmsForward(x *model.Tensor, n *model.Norm, cache *normCache) *model.Tensor {
	rows, width := x.Shape[0], x.Shape[1]
	out := model.NewTensor(rows, width)
	cache.x = x
	cache.rms = make([]float32, rows)

	for i := 0; i < rows; i++ {
		off := i * width
		var sum float64
		for j := 0; j < width; j++ {
			v := float64(x.Data[off+j])
			sum += v * v
		}
		rms := float32(math.Sqrt(sum/float64(width) + float64(n.Eps)))
		cache.rms[i] = rms
		for j := 0; j < width; j++ {
			out.Data[off+j] = x.Data[off+j] / rms * n.Weight.Data[j]
		}
	}
	return out
}

// rmsBackward computes, per row with r = rms(x):
//
//	dx_j = dy_j*w_j/r - x_j/(n*r^3) * sum_k(dy_k*w_k*x_k)
func rmsBackward(dy *model.Tensor, n *model.Norm, cache *normCache) *model.Tensor {
	rows, width := dy.Shape[0], dy.Shape[1]
	dx := model.NewTensor(rows, width)

	for i := 0; i < rows; i++ {
		off := i * width
		r := float64(cache.rms[i])
		var dot float64
		for j := 0; j < width; j++ {
			dot += float64(dy.Data[off+j]) * float64(n.Weight.Data[j]) * float64(cache.x.Data[off+j])
		}
		coef := dot / (float64(width) * r * r * r)
		for j := 0; j < width; j++ {
			g := float64(dy.Data[off+j]) * float64(n.Weight.Data[j]) / r
			dx.Data[off+j] = float32(g - float64(cache.x.Data[off+j])*coef)
		}
	}
	return dx
}

func (bp *Backprop) attentionForward(a *model.Attention, layer int, x *model.Tensor, cache *attnCache) *model.Tensor {
	seqLen := x.Shape[0]
	heads, headDim := a.NumHeads, a.HeadDim
	scale := float32(1 / math.Sqrt(float64(headDim)))

	q := bp.linearForward(a.QProj, attnPath(layer, "q_proj"), x, &cache.qProj)
	k := bp.linearForward(a.KProj, attnPath(layer, "k_proj"), x, &cache.kProj)
	v := bp.linearForward(a.VProj, attnPath(layer, "v_proj"), x, &cache.vProj)

	q4 := toHeads(q, seqLen, heads, headDim)
	k4 := toHeads(k, seqLen, heads, headDim)
	v4 := toHeads(v, seqLen, heads, headDim)
	a.Rope.Rotate(q4, 0)
	a.Rope.Rotate(k4, 0)
	cache.q, cache.k, cache.v = q4, k4, v4

	cache.probs = make([]*model.Tensor, heads)
	context := model.NewTensor(seqLen, heads*headDim)
	for h := 0; h < heads; h++ {
		qh := headView(q4, h, seqLen, headDim)
		kh := headView(k4, h, seqLen, headDim)
		vh := headView(v4, h, seqLen, headDim)

		scores := model.NewTensor(seqLen, seqLen)
		for i := 0; i < seqLen; i++ {
			for j := 0; j < seqLen; j++ {
				if j > i {
					scores.Data[i*seqLen+j] = -1e10
					continue
				}
				var dot float32
				for d := 0; d < headDim; d++ {
					dot += qh.Data[i*headDim+d] * kh.Data[j*headDim+d]
				}
				scores.Data[i*seqLen+j] = dot * scale
			}
		}
		probs := model.Softmax(scores)
		cache.probs[h] = probs

		ctx := model.MatMul(probs, vh)
		for s := 0; s < seqLen; s++ {
			dst := s*heads*headDim + h*headDim
			copy(context.Data[dst:dst+headDim], ctx.Data[s*headDim:(s+1)*headDim])
		}
	}

	return bp.linearForward(a.OProj, attnPath(layer, "o_proj"), context, &cache.oProj)
}

func (bp *Backprop) attentionBackward(a *model.Attention, layer int, dy *model.Tensor, cache *attnCache) *model.Tensor {
	seqLen := dy.Shape[0]
	heads, headDim := a.NumHeads, a.HeadDim
	scale := float32(1 / math.Sqrt(float64(headDim)))

	dContext := bp.linearBackward(a.OProj, attnPath(layer, "o_proj"), &cache.oProj, dy)

	dq4 := model.NewTensor(1, heads, seqLen, headDim)
	dk4 := model.NewTensor(1, heads, seqLen, headDim)
	dv4 := model.NewTensor(1, heads, seqLen, headDim)

	for h := 0; h < heads; h++ {
		qh := headView(cache.q, h, seqLen, headDim)
		kh := headView(cache.k, h, seqLen, headDim)
		vh := headView(cache.v, h, seqLen, headDim)
		probs := cache.probs[h]

		dCtx := model.NewTensor(seqLen, headDim)
		for s := 0; s < seqLen; s++ {
			src := s*heads*headDim + h*headDim
			copy(dCtx.Data[s*headDim:(s+1)*headDim], dContext.Data[src:src+headDim])
		}

		// context_h = probs @ v_h
		dProbs := model.MatMul(dCtx, model.Transpose(vh))
		dvh := model.MatMul(model.Transpose(probs), dCtx)

		// Softmax rows; the causal mask keeps j > i at zero.
		dScores := model.NewTensor(seqLen, seqLen)
		for i := 0; i < seqLen; i++ {
			row := i * seqLen
			var dot float64
			for j := 0; j <= i; j++ {
				dot += float64(dProbs.Data[row+j]) * float64(probs.Data[row+j])
			}
			for j := 0; j <= i; j++ {
				ds := float64(probs.Data[row+j]) * (float64(dProbs.Data[row+j]) - dot)
				dScores.Data[row+j] = float32(ds) * scale
			}
		}

		// scores_ij = scale * q_i . k_j
		dqh := model.MatMul(dScores, kh)
		dkh := model.MatMul(model.Transpose(dScores), qh)

		copy(headView(dq4, h, seqLen, headDim).Data, dqh.Data)
		copy(headView(dk4, h, seqLen, headDim).Data, dkh.Data)
		copy(headView(dv4, h, seqLen, headDim).Data, dvh.Data)
	}

	// The rotation is orthogonal per position, so its gradient is the
	// inverse rotation.
	a.Rope.RotateBack(dq4, 0)
	a.Rope.RotateBack(dk4, 0)

	dq := fromHeads(dq4, seqLen, heads, headDim)
	dk := fromHeads(dk4, seqLen, heads, headDim)
	dv := fromHeads(dv4, seqLen, heads, headDim)

	dx := bp.linearBackward(a.QProj, attnPath(layer, "q_proj"), &cache.qProj, dq)
	dx = model.Add(dx, bp.linearBackward(a.KProj, attnPath(layer, "k_proj"), &cache.kProj, dk))
	dx = model.Add(dx, bp.linearBackward(a.VProj, attnPath(layer, "v_proj"), &cache.vProj, dv))
	return dx
}

func (bp *Backprop) ffnForward(ffn *model.FeedForward, layer int, x *model.Tensor, cache *ffnCache) *model.Tensor {
	gate := bp.linearForward(ffn.GateProj, mlpPath(layer, "gate_proj"), x, &cache.gateProj)
	up := bp.linearForward(ffn.UpProj, mlpPath(layer, "up_proj"), x, &cache.upProj)
	cache.gate, cache.up = gate, up

	hidden := model.Mul(model.SiLU(gate), up)
	return bp.linearForward(ffn.DownProj, mlpPath(layer, "down_proj"), hidden, &cache.downProj)
}

func (bp *Backprop) ffnBackward(ffn *model.FeedForward, layer int, dy *model.Tensor, cache *ffnCache) *model.Tensor {
	dHidden := bp.linearBackward(ffn.DownProj, mlpPath(layer, "down_proj"), &cache.downProj, dy)

	// hidden = silu(gate) * up
	gate, up := cache.gate, cache.up
	dGate := model.NewTensor(gate.Shape...)
	dUp := model.NewTensor(up.Shape...)
	for i := range dHidden.Data {
		g := float64(gate.Data[i])
		sig := 1 / (1 + math.Exp(-g))
		dUp.Data[i] = dHidden.Data[i] * float32(g*sig)
		dSilu := float64(dHidden.Data[i]) * float64(up.Data[i])
		dGate.Data[i] = float32(dSilu * (sig + g*sig*(1-sig)))
	}

	dx := bp.linearBackward(ffn.GateProj, mlpPath(layer, "gate_proj"), &cache.gateProj, dGate)
	dxUp := bp.linearBackward(ffn.UpProj, mlpPath(layer, "up_proj"), &cache.upProj, dUp)
	return model.Add(dx, dxUp)
}

// toHeads reshapes [seq, heads*dim] row-major activations into the
// [1, heads, seq, dim] layout the rotary cache expects.
func toHeads(x *model.Tensor, seqLen, heads, dim int) *model.Tensor {
	out := model.NewTensor(1, heads, seqLen, dim)
	width := heads * dim
	for s := 0; s < seqLen; s++ {
		for h := 0; h < heads; h++ {
			src := s*width + h*dim
			dst := (h*seqLen + s) * dim
			copy(out.Data[dst:dst+dim], x.Data[src:src+dim])
		}
	}
	return out
}

// fromHeads is the inverse of toHeads.
func fromHeads(x *model.Tensor, seqLen, heads, dim int) *model.Tensor {
	out := model.NewTensor(seqLen, heads*dim)
	width := heads * dim
	for h := 0; h < heads; h++ {
		for s := 0; s < seqLen; s++ {
			src := (h*seqLen + s) * dim
			dst := s*width + h*dim
			copy(out.Data[dst:dst+dim], x.Data[src:src+dim])
		}
	}
	return out
}

// headView returns a [seq, dim] view into one head of a
// [1, heads, seq, dim] tensor, sharing storage.
func headView(t *model.Tensor, head, seqLen, dim int) *model.Tensor {
	off := head * seqLen * dim
	return &model.Tensor{
		Data:  t.Data[off : off+seqLen*dim],
		Shape: []int{seqLen, dim},
	}
}
