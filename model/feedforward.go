package model

// FeedForward is the position-wise MLP. SwiGLU models use three
// projections (gate, up, down); GELU models use two (up, down).
type FeedForward struct {
	Hidden     int
	FFNDim     int
	Activation ActivationType

	GateProj *Linear // [hidden, ffn_dim], nil for GELU models
	UpProj   *Linear // [hidden, ffn_dim]
	DownProj *Linear // [ffn_dim, hidden]
}

// NewFeedForward creates a feed-forward layer with unweighted projections.
func NewFeedForward(cfg *Config) *FeedForward {
	ffn := &FeedForward{
		Hidden:     cfg.Hidden,
		FFNDim:     cfg.FFNDim,
		Activation: cfg.ActivationType,
		UpProj:     NewLinear(cfg.Hidden, cfg.FFNDim),
		DownProj:   NewLinear(cfg.FFNDim, cfg.Hidden),
	}
	if cfg.ActivationType == ActivationSwiGLU {
		ffn.GateProj = NewLinear(cfg.Hidden, cfg.FFNDim)
	}
	return ffn
}

// Forward applies the MLP to x [1, seq, hidden].
func (ffn *FeedForward) Forward(x *Tensor) *Tensor {
	batchSize := x.Shape[0]
	seqLen := x.Shape[1]
	xFlat := x.Reshape(batchSize*seqLen, ffn.Hidden)

	var hidden *Tensor
	if ffn.Activation == ActivationSwiGLU {
		gate := SiLU(ffn.GateProj.Forward(xFlat))
		up := ffn.UpProj.Forward(xFlat)
		hidden = Mul(gate, up)
	} else {
		hidden = GELU(ffn.UpProj.Forward(xFlat))
	}

	out := ffn.DownProj.Forward(hidden)
	return out.Reshape(batchSize, seqLen, ffn.Hidden)
}
