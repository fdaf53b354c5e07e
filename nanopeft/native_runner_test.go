package nanopeft

import (
	"math"
	"testing"

	"github.com/your-username/nano-peft-go/adapter"
	"github.com/your-username/nano-peft-go/model"
)

// newTinyModel builds a weighted two-head llama-style model small
// enough that forward passes stay cheap.
func newTinyModel(t *testing.T) *model.CausalLM {
	t.Helper()

	cfg := &model.Config{
		Architecture:      model.ArchLlama,
		VocabSize:         11,
		Hidden:            4,
		NumLayers:         2,
		NumHeads:          2,
		NumKVHeads:        2,
		HeadDim:           2,
		FFNDim:            8,
		MaxSeqLen:         64,
		AttentionType:     model.AttentionMHA,
		NormType:          model.NormRMS,
		PositionType:      model.PositionRoPE,
		ActivationType:    model.ActivationSwiGLU,
		EOSTokenID:        2,
		RopeTheta:         10000.0,
		NormEps:           1e-6,
		TieWordEmbeddings: true,
	}
	m, err := model.NewCausalLM(cfg)
	if err != nil {
		t.Fatalf("NewCausalLM failed: %v", err)
	}

	phase := 0.0
	fill := func(shape ...int) *model.Tensor {
		tensor := model.NewTensor(shape...)
		for i := range tensor.Data {
			tensor.Data[i] = float32(math.Sin(phase+float64(i)*0.7)) * 0.2
		}
		phase += 1.3
		return tensor
	}
	ones := func(n int) *model.Tensor {
		tensor := model.NewTensor(n)
		for i := range tensor.Data {
			tensor.Data[i] = 1
		}
		return tensor
	}

	m.TokenEmbedding = fill(cfg.VocabSize, cfg.Hidden)
	for _, block := range m.Blocks {
		block.Attn.QProj.Weight = fill(cfg.Hidden, cfg.Hidden)
		block.Attn.KProj.Weight = fill(cfg.Hidden, cfg.Hidden)
		block.Attn.VProj.Weight = fill(cfg.Hidden, cfg.Hidden)
		block.Attn.OProj.Weight = fill(cfg.Hidden, cfg.Hidden)
		block.FFN.GateProj.Weight = fill(cfg.Hidden, cfg.FFNDim)
		block.FFN.UpProj.Weight = fill(cfg.Hidden, cfg.FFNDim)
		block.FFN.DownProj.Weight = fill(cfg.FFNDim, cfg.Hidden)
		block.AttnNorm.Weight = ones(cfg.Hidden)
		block.FFNNorm.Weight = ones(cfg.Hidden)
	}
	m.FinalNorm.Weight = ones(cfg.Hidden)
	m.TieLMHead()

	return m
}

func newNativeLLM(t *testing.T) (*LLM, *NativeRunner, *model.CausalLM) {
	t.Helper()
	cfg := NewConfig(t.TempDir(), WithEOS(2), WithKVCacheBlockSize(16))
	m := newTinyModel(t)
	runner := NewNativeRunner(m)
	return NewLLMWithComponents(cfg, runner, NewMockTokenizer(2)), runner, m
}

func argmax(xs []float32) int {
	best := 0
	for i, x := range xs {
		if x > xs[best] {
			best = i
		}
	}
	return best
}

func greedyParams(maxTokens int) *SamplingParams {
	return NewSamplingParams(
		WithTemperature(0),
		WithMaxTokens(maxTokens),
		WithIgnoreEOS(true),
	)
}

func TestNativeRunnerGreedyDeterminism(t *testing.T) {
	llm, _, _ := newNativeLLM(t)
	prompt := []int{1, 2, 3}

	first, err := llm.Generate([]interface{}{prompt}, greedyParams(6), false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	second, err := llm.Generate([]interface{}{prompt}, greedyParams(6), false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	got1, got2 := first[0].TokenIDs, second[0].TokenIDs
	if len(got1) != 6 || len(got2) != 6 {
		t.Fatalf("Expected 6 tokens each, got %d and %d", len(got1), len(got2))
	}
	for i := range got1 {
		if got1[i] != got2[i] {
			t.Errorf("Greedy runs diverged at %d: %d vs %d", i, got1[i], got2[i])
		}
	}
}

func TestNativeRunnerDecodeMatchesFullForward(t *testing.T) {
	llm, _, m := newNativeLLM(t)
	prompt := []int{1, 2, 3}

	outputs, err := llm.Generate([]interface{}{prompt}, greedyParams(6), false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	completion := outputs[0].TokenIDs

	// Each cached decode step must agree with an uncached forward pass
	// over the whole sequence so far.
	seq := append([]int{}, prompt...)
	for k, want := range completion {
		logits := m.Forward(seq)
		got := argmax(m.LastLogits(logits))
		if got != want {
			t.Errorf("Step %d: full forward picked %d, cached decode picked %d", k, got, want)
		}
		seq = append(seq, want)
	}
}

func TestNativeRunnerSeededSamplingReproducible(t *testing.T) {
	llm, _, _ := newNativeLLM(t)
	prompt := []int{1, 2, 3}

	sample := func() []int {
		sp := NewSamplingParams(
			WithTemperature(0.8),
			WithTopK(5),
			WithTopP(0.9),
			WithSeed(42),
			WithMaxTokens(6),
			WithIgnoreEOS(true),
		)
		outputs, err := llm.Generate([]interface{}{prompt}, sp, false)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		return outputs[0].TokenIDs
	}

	got1 := sample()
	got2 := sample()
	for i := range got1 {
		if got1[i] != got2[i] {
			t.Errorf("Seeded runs diverged at %d: %d vs %d", i, got1[i], got2[i])
		}
	}
}

func TestNativeRunnerAdapterToggle(t *testing.T) {
	llm, _, m := newNativeLLM(t)
	prompt := []int{1, 2, 3}

	base, err := llm.Generate([]interface{}{prompt}, greedyParams(6), false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	cfg := adapter.DefaultConfig()
	cfg.R = 2
	a, err := adapter.NewEmpty("demo", cfg, m, 7)
	if err != nil {
		t.Fatalf("NewEmpty failed: %v", err)
	}
	if err := adapter.Attach(m, a); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := m.SetActiveAdapter("demo"); err != nil {
		t.Fatalf("SetActiveAdapter failed: %v", err)
	}

	// Freshly initialized adapters keep B at zero, so they are inert.
	inert, err := llm.Generate([]interface{}{prompt}, greedyParams(6), false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for i := range base[0].TokenIDs {
		if inert[0].TokenIDs[i] != base[0].TokenIDs[i] {
			t.Errorf("Zero-initialized adapter changed output at %d", i)
		}
	}

	// Make the deltas large enough to change the argmax.
	for _, path := range a.Modules() {
		delta, _ := a.Delta(path)
		for i := range delta.B.Data {
			delta.B.Data[i] = 5.0
		}
	}

	tuned, err := llm.Generate([]interface{}{prompt}, greedyParams(6), false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	same := true
	for i := range tuned[0].TokenIDs {
		if tuned[0].TokenIDs[i] != base[0].TokenIDs[i] {
			same = false
			break
		}
	}
	if same {
		t.Errorf("Expected nonzero adapter to change greedy output")
	}

	// Disabling through the facade restores the base behavior.
	if err := llm.DisableAdapters(); err != nil {
		t.Fatalf("DisableAdapters failed: %v", err)
	}
	restored, err := llm.Generate([]interface{}{prompt}, greedyParams(6), false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for i := range restored[0].TokenIDs {
		if restored[0].TokenIDs[i] != base[0].TokenIDs[i] {
			t.Errorf("Disabled adapter output differs from base at %d", i)
		}
	}

	if err := llm.EnableAdapters(); err != nil {
		t.Fatalf("EnableAdapters failed: %v", err)
	}
	again, err := llm.Generate([]interface{}{prompt}, greedyParams(6), false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	for i := range again[0].TokenIDs {
		if again[0].TokenIDs[i] != tuned[0].TokenIDs[i] {
			t.Errorf("Re-enabled adapter output differs from tuned at %d", i)
		}
	}
}

func TestNativeRunnerReleasesFinishedSequences(t *testing.T) {
	llm, runner, _ := newNativeLLM(t)

	_, err := llm.Generate([]interface{}{[]int{1, 2, 3}, []int{4, 5, 6}}, greedyParams(4), false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(runner.caches) != 0 {
		t.Errorf("Expected all KV caches released, %d remain", len(runner.caches))
	}
	if len(runner.samplers) != 0 {
		t.Errorf("Expected all samplers released, %d remain", len(runner.samplers))
	}
}
