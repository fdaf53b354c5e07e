package model

// Norm is a normalization layer, RMSNorm when Kind is NormRMS and
// LayerNorm otherwise.
type Norm struct {
	Kind   NormType
	Weight *Tensor
	Bias   *Tensor // nil for RMSNorm
	Eps    float32
}

// NewNorm creates an unweighted norm layer.
func NewNorm(kind NormType, eps float32) *Norm {
	return &Norm{Kind: kind, Eps: eps}
}

// Forward normalizes x over its last dimension.
func (n *Norm) Forward(x *Tensor) *Tensor {
	if n.Kind == NormRMS {
		return RMSNorm(x, n.Weight, n.Eps)
	}
	return LayerNorm(x, n.Weight, n.Bias, n.Eps)
}
