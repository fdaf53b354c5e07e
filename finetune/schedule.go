package finetune

import "math"

// LinearWarmupCosine ramps the learning rate linearly to BaseLR over
// the first WarmupSteps steps, then follows a cosine decay to zero at
// MaxSteps.
type LinearWarmupCosine struct {
	BaseLR      float64
	WarmupSteps int
	MaxSteps    int
}

// LR returns the learning rate for a zero-based step index.
func (s LinearWarmupCosine) LR(step int) float64 {
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.BaseLR * float64(step+1) / float64(s.WarmupSteps)
	}
	if s.MaxSteps <= s.WarmupSteps {
		return s.BaseLR
	}
	if step >= s.MaxSteps {
		return 0
	}
	progress := float64(step-s.WarmupSteps) / float64(s.MaxSteps-s.WarmupSteps)
	return s.BaseLR * 0.5 * (1 + math.Cos(math.Pi*progress))
}
