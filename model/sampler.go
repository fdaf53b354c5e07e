package model

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// Sampler draws token IDs from logits. Each sampler owns its RNG so a
// fixed seed reproduces the same token stream.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler. Seed -1 uses the current time.
func NewSampler(seed int64) *Sampler {
	if seed == -1 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample picks the next token. Temperature 0 is greedy argmax. TopK and
// topP filter the distribution before the multinomial draw; zero values
// disable the respective filter. The caller's logits are not modified.
func (s *Sampler) Sample(logits []float32, temperature float32, topK int, topP float32) int {
	if temperature == 0 {
		return argmax(logits)
	}

	scaled := make([]float32, len(logits))
	for i, v := range logits {
		scaled[i] = v / temperature
	}

	probs := softmaxProbs(scaled)

	if topK > 0 && topK < len(probs) {
		probs = filterTopK(probs, topK)
	}
	if topP > 0 && topP < 1 {
		probs = filterTopP(probs, topP)
	}

	renormalize(probs)
	return s.multinomial(probs)
}

func argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}

func softmaxProbs(logits []float32) []float32 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}

	probs := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		probs[i] = float32(math.Exp(float64(v - maxLogit)))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// filterTopK zeroes everything outside the k most probable tokens.
func filterTopK(probs []float32, k int) []float32 {
	type indexed struct {
		index int
		prob  float32
	}

	sorted := make([]indexed, len(probs))
	for i, p := range probs {
		sorted[i] = indexed{i, p}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].prob > sorted[j].prob
	})

	filtered := make([]float32, len(probs))
	for i := 0; i < k; i++ {
		filtered[sorted[i].index] = sorted[i].prob
	}
	return filtered
}

// filterTopP keeps the smallest set of tokens whose cumulative
// probability reaches p. The token that crosses the threshold is kept.
func filterTopP(probs []float32, p float32) []float32 {
	type indexed struct {
		index int
		prob  float32
	}

	sorted := make([]indexed, len(probs))
	for i, pr := range probs {
		sorted[i] = indexed{i, pr}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].prob > sorted[j].prob
	})

	filtered := make([]float32, len(probs))
	var cumulative float32
	for _, entry := range sorted {
		filtered[entry.index] = entry.prob
		cumulative += entry.prob
		if cumulative >= p {
			break
		}
	}
	return filtered
}

func renormalize(probs []float32) {
	var sum float32
	for _, p := range probs {
		sum += p
	}
	if sum == 0 {
		return
	}
	for i := range probs {
		probs[i] /= sum
	}
}

// multinomial draws an index proportional to probs via inverse CDF.
func (s *Sampler) multinomial(probs []float32) int {
	cumsum := make([]float32, len(probs))
	var total float32
	for i, p := range probs {
		total += p
		cumsum[i] = total
	}

	r := float32(s.rng.Float64()) * total
	idx := sort.Search(len(cumsum), func(i int) bool {
		return cumsum[i] >= r
	})
	if idx >= len(probs) {
		idx = len(probs) - 1
	}
	return idx
}
