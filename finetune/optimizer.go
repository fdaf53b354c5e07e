package finetune

import (
	"math"

	"github.com/your-username/nano-peft-go/model"
)

// Parameter is a trainable tensor paired with its gradient
// accumulator. Data aliases the underlying tensor storage, so
// optimizer updates apply to the attached model directly.
type Parameter struct {
	Name string
	Data []float32
	Grad []float32
}

// NewParameter wraps a tensor as a trainable parameter.
func NewParameter(name string, t *model.Tensor) *Parameter {
	return &Parameter{
		Name: name,
		Data: t.Data,
		Grad: make([]float32, len(t.Data)),
	}
}

// ZeroGrad clears the accumulated gradients of all parameters.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// ClipGradients scales all gradients so their global L2 norm does not
// exceed maxNorm, and returns the norm before clipping. A maxNorm of
// zero disables clipping.
func ClipGradients(params []*Parameter, maxNorm float64) float64 {
	var total float64
	for _, p := range params {
		for _, g := range p.Grad {
			total += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(total)

	if maxNorm > 0 && norm > maxNorm {
		scale := float32(maxNorm / norm)
		for _, p := range params {
			for i := range p.Grad {
				p.Grad[i] *= scale
			}
		}
	}
	return norm
}

// Optimizer applies accumulated gradients to parameters.
type Optimizer interface {
	Step(params []*Parameter, lr float64)
}

// AdamW is Adam with decoupled weight decay: the decay term is applied
// to the weights directly rather than folded into the gradient. Moment
// state is keyed by parameter name and created on first use.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	m map[string][]float32
	v map[string][]float32
	t int
}

// NewAdamW returns an AdamW optimizer with the usual moment decay
// rates (0.9, 0.999) and epsilon 1e-8.
func NewAdamW(weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
}

func (opt *AdamW) state(table map[string][]float32, p *Parameter) []float32 {
	s, ok := table[p.Name]
	if !ok || len(s) != len(p.Data) {
		s = make([]float32, len(p.Data))
		table[p.Name] = s
	}
	return s
}

// Step applies one bias-corrected update to every parameter.
func (opt *AdamW) Step(params []*Parameter, lr float64) {
	opt.t++
	bias1 := 1 - math.Pow(opt.Beta1, float64(opt.t))
	bias2 := 1 - math.Pow(opt.Beta2, float64(opt.t))

	for _, p := range params {
		m := opt.state(opt.m, p)
		v := opt.state(opt.v, p)
		for j := range p.Data {
			g := float64(p.Grad[j])
			mj := opt.Beta1*float64(m[j]) + (1-opt.Beta1)*g
			vj := opt.Beta2*float64(v[j]) + (1-opt.Beta2)*g*g
			m[j] = float32(mj)
			v[j] = float32(vj)

			update := (mj / bias1) / (math.Sqrt(vj/bias2) + opt.Eps)
			update += opt.WeightDecay * float64(p.Data[j])
			p.Data[j] -= float32(lr * update)
		}
	}
}

// SGD is plain stochastic gradient descent with optional decoupled
// weight decay.
type SGD struct {
	WeightDecay float64
}

// NewSGD returns an SGD optimizer.
func NewSGD(weightDecay float64) *SGD {
	return &SGD{WeightDecay: weightDecay}
}

// Step applies one descent update to every parameter.
func (opt *SGD) Step(params []*Parameter, lr float64) {
	for _, p := range params {
		for j := range p.Data {
			update := float64(p.Grad[j]) + opt.WeightDecay*float64(p.Data[j])
			p.Data[j] -= float32(lr * update)
		}
	}
}
