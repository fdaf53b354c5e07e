package nanopeft

import (
	"fmt"

	"github.com/your-username/nano-peft-go/adapter"
	"github.com/your-username/nano-peft-go/model"
)

// NativeRunner runs the pure Go transformer. Each sequence gets its own
// KV cache and its own seeded sampler, so batches stay reproducible.
type NativeRunner struct {
	model    *model.CausalLM
	caches   map[int64]*model.KVCache
	samplers map[int64]*model.Sampler
	adapters map[string]*adapter.Adapter
}

// NewNativeRunner wraps an already-loaded model
func NewNativeRunner(m *model.CausalLM) *NativeRunner {
	return &NativeRunner{
		model:    m,
		caches:   make(map[int64]*model.KVCache),
		samplers: make(map[int64]*model.Sampler),
		adapters: make(map[string]*adapter.Adapter),
	}
}

// Model returns the underlying transformer
func (r *NativeRunner) Model() *model.CausalLM {
	return r.model
}

// Run executes a forward pass per sequence. Prefill recomputes the full
// token sequence into a fresh cache, which also covers preempted
// sequences returning with completion tokens; decode feeds only the
// last sampled token at its cache position.
func (r *NativeRunner) Run(seqs []*Sequence, isPrefill bool) ([]int, error) {
	tokenIDs := make([]int, len(seqs))

	for i, seq := range seqs {
		var logits *model.Tensor

		if cache := r.caches[seq.SeqID]; !isPrefill && cache != nil {
			logits, cache = r.model.ForwardWithCache([]int{seq.LastToken}, cache, cache.SeqLen())
			r.caches[seq.SeqID] = cache
		} else {
			logits, cache = r.model.ForwardWithCache(seq.TokenIDs, nil, 0)
			r.caches[seq.SeqID] = cache
		}

		sampler := r.samplers[seq.SeqID]
		if sampler == nil {
			sampler = model.NewSampler(seq.Seed)
			r.samplers[seq.SeqID] = sampler
		}

		last := r.model.LastLogits(logits)
		tokenIDs[i] = sampler.Sample(last, float32(seq.Temperature), seq.TopK, float32(seq.TopP))
	}

	return tokenIDs, nil
}

// Release drops the per-sequence cache and sampler once a sequence
// finishes.
func (r *NativeRunner) Release(seqID int64) {
	delete(r.caches, seqID)
	delete(r.samplers, seqID)
}

// Close cleans up resources
func (r *NativeRunner) Close() error {
	r.caches = make(map[int64]*model.KVCache)
	r.samplers = make(map[int64]*model.Sampler)
	return nil
}

// LoadAdapter reads an adapter directory, attaches it to the model
// under name, and makes it active.
func (r *NativeRunner) LoadAdapter(dir, name string) error {
	a, err := adapter.Load(dir, name)
	if err != nil {
		return err
	}
	if err := adapter.Attach(r.model, a); err != nil {
		return err
	}
	r.adapters[name] = a

	return r.model.SetActiveAdapter(name)
}

// SetAdapter makes the named adapter the active one
func (r *NativeRunner) SetAdapter(name string) error {
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("no adapter loaded under %q", name)
	}
	return r.model.SetActiveAdapter(name)
}

// EnableAdapters turns adapter deltas back on
func (r *NativeRunner) EnableAdapters() {
	r.model.EnableAdapters()
}

// DisableAdapters bypasses all adapter deltas
func (r *NativeRunner) DisableAdapters() {
	r.model.DisableAdapters()
}

// Adapter returns a loaded adapter by name
func (r *NativeRunner) Adapter(name string) (*adapter.Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}
