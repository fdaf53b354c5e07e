package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/your-username/nano-peft-go/model"
)

// logger is swapped in by the application; packages stay quiet by default.
var logger = zerolog.Nop()

// SetLogger installs a structured logger for checkpoint loading.
func SetLogger(l zerolog.Logger) { logger = l }

// Options control how a checkpoint is loaded.
type Options struct {
	// Quantize packs projection weights as NF4 instead of float32.
	// Embeddings and norms stay in full precision.
	Quantize bool

	// Progress renders a terminal progress bar while layers load.
	Progress bool
}

// Option mutates load options.
type Option func(*Options)

// WithNF4 enables 4-bit weight packing for the projection matrices.
func WithNF4() Option {
	return func(o *Options) { o.Quantize = true }
}

// WithProgress toggles the layer loading progress bar.
func WithProgress(enabled bool) Option {
	return func(o *Options) { o.Progress = enabled }
}

// Load reads a HuggingFace-style checkpoint directory (config.json plus
// one or more safetensors files) and returns a ready model.
func Load(dir string, opts ...Option) (*model.CausalLM, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	start := time.Now()

	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	source, err := openSource(dir)
	if err != nil {
		return nil, err
	}

	mapping, err := MappingFor(cfg.Architecture)
	if err != nil {
		return nil, err
	}

	m, err := model.NewCausalLM(cfg)
	if err != nil {
		return nil, err
	}

	if err := loadEmbeddings(m, source, mapping); err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	if options.Progress {
		bar = progressbar.NewOptions(cfg.NumLayers,
			progressbar.OptionSetDescription("Loading weights"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	for i := 0; i < cfg.NumLayers; i++ {
		if err := loadLayer(m, source, mapping, i, options); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if err := loadNorm(source, mapping.FinalNormKey, m.FinalNorm); err != nil {
		return nil, errors.Wrap(err, "final norm")
	}

	if err := loadLMHead(m, source, mapping); err != nil {
		return nil, err
	}

	logger.Info().
		Str("dir", dir).
		Str("arch", string(cfg.Architecture)).
		Str("size", humanize.Bytes(uint64(source.totalBytes()))).
		Bool("nf4", options.Quantize).
		Dur("elapsed", time.Since(start)).
		Msg("checkpoint loaded")

	return m, nil
}

func loadEmbeddings(m *model.CausalLM, source *tensorSource, mapping *WeightMapping) error {
	embedding, err := source.tensor(mapping.TokenEmbeddingKey)
	if err != nil {
		return errors.Wrap(err, "token embedding")
	}
	m.TokenEmbedding = embedding

	if mapping.PosEmbeddingKey != "" {
		pos, err := source.tensor(mapping.PosEmbeddingKey)
		if err != nil {
			return errors.Wrap(err, "position embedding")
		}
		m.PosEmbedding = pos
	}
	return nil
}

func loadLayer(m *model.CausalLM, source *tensorSource, mapping *WeightMapping, layer int, options *Options) error {
	block := m.Blocks[layer]
	cfg := m.Config

	if mapping.QKVCombined {
		qkv, err := source.tensor(mapping.layerKey(layer, mapping.QProjKey))
		if err != nil {
			return errors.Wrap(err, "combined qkv")
		}
		if mapping.TransposeWeights {
			qkv = model.Transpose(qkv)
		}
		q, k, v := splitCombinedQKV(qkv, cfg.Hidden)
		setLinearWeight(block.Attn.QProj, q, options.Quantize)
		setLinearWeight(block.Attn.KProj, k, options.Quantize)
		setLinearWeight(block.Attn.VProj, v, options.Quantize)

		if mapping.HasBiases {
			if qkvBias, err := source.tensor(biasKey(mapping.layerKey(layer, mapping.QProjKey))); err == nil {
				qb, kb, vb := splitCombinedBias(qkvBias, cfg.Hidden)
				block.Attn.QProj.Bias = qb
				block.Attn.KProj.Bias = kb
				block.Attn.VProj.Bias = vb
			}
		}
	} else {
		if err := loadLinear(source, mapping, mapping.layerKey(layer, mapping.QProjKey), block.Attn.QProj, options); err != nil {
			return errors.Wrap(err, "q_proj")
		}
		if err := loadLinear(source, mapping, mapping.layerKey(layer, mapping.KProjKey), block.Attn.KProj, options); err != nil {
			return errors.Wrap(err, "k_proj")
		}
		if err := loadLinear(source, mapping, mapping.layerKey(layer, mapping.VProjKey), block.Attn.VProj, options); err != nil {
			return errors.Wrap(err, "v_proj")
		}
	}

	if err := loadLinear(source, mapping, mapping.layerKey(layer, mapping.OProjKey), block.Attn.OProj, options); err != nil {
		return errors.Wrap(err, "o_proj")
	}

	if mapping.GateProjKey != "" && block.FFN.GateProj != nil {
		if err := loadLinear(source, mapping, mapping.layerKey(layer, mapping.GateProjKey), block.FFN.GateProj, options); err != nil {
			return errors.Wrap(err, "gate_proj")
		}
	}
	if err := loadLinear(source, mapping, mapping.layerKey(layer, mapping.UpProjKey), block.FFN.UpProj, options); err != nil {
		return errors.Wrap(err, "up_proj")
	}
	if err := loadLinear(source, mapping, mapping.layerKey(layer, mapping.DownProjKey), block.FFN.DownProj, options); err != nil {
		return errors.Wrap(err, "down_proj")
	}

	if err := loadNorm(source, mapping.layerKey(layer, mapping.AttnNormKey), block.AttnNorm); err != nil {
		return errors.Wrap(err, "attention norm")
	}
	if err := loadNorm(source, mapping.layerKey(layer, mapping.FFNNormKey), block.FFNNorm); err != nil {
		return errors.Wrap(err, "ffn norm")
	}

	return nil
}

// loadLinear loads one projection weight plus its optional bias,
// transposing PyTorch [out, in] layouts to [in, out].
func loadLinear(source *tensorSource, mapping *WeightMapping, key string, l *model.Linear, options *Options) error {
	w, err := source.tensor(key)
	if err != nil {
		return err
	}
	if mapping.TransposeWeights {
		w = model.Transpose(w)
	}
	if len(w.Shape) != 2 || w.Shape[0] != l.In || w.Shape[1] != l.Out {
		return errors.Errorf("%s: weight shape %v, want [%d, %d]", key, w.Shape, l.In, l.Out)
	}

	setLinearWeight(l, w, options.Quantize)

	if mapping.HasBiases {
		if bias, err := source.tensor(biasKey(key)); err == nil {
			l.Bias = bias
		}
	}
	return nil
}

func setLinearWeight(l *model.Linear, w *model.Tensor, quantize bool) {
	if quantize {
		l.Packed = QuantizeNF4(w)
		l.Weight = nil
		return
	}
	l.Weight = w
}

// loadNorm loads a norm weight and, when present, its bias.
func loadNorm(source *tensorSource, key string, norm *model.Norm) error {
	w, err := source.tensor(key)
	if err != nil {
		return err
	}
	norm.Weight = w

	if bias, err := source.tensor(biasKey(key)); err == nil {
		norm.Bias = bias
	}
	return nil
}

func loadLMHead(m *model.CausalLM, source *tensorSource, mapping *WeightMapping) error {
	// Some untied checkpoints still omit lm_head and expect tying.
	if m.Config.TieWordEmbeddings || mapping.LMHeadKey == "" || !source.has(mapping.LMHeadKey) {
		m.TieLMHead()
		return nil
	}

	head, err := source.tensor(mapping.LMHeadKey)
	if err != nil {
		return errors.Wrap(err, "lm head")
	}
	if mapping.TransposeWeights {
		head = model.Transpose(head)
	}
	m.LMHead = head
	return nil
}

// shardIndex is the model.safetensors.index.json layout.
type shardIndex struct {
	Metadata  map[string]interface{} `json:"metadata"`
	WeightMap map[string]string      `json:"weight_map"`
}

// tensorSource resolves tensor names across one or more safetensors
// files, trying the bare name and then a "transformer." prefix.
type tensorSource struct {
	files   []*File
	byName  map[string]*File
	sharded bool
}

// openSource opens model.safetensors, or every shard listed in
// model.safetensors.index.json when the checkpoint is split.
func openSource(dir string) (*tensorSource, error) {
	indexPath := filepath.Join(dir, "model.safetensors.index.json")
	if _, err := os.Stat(indexPath); err == nil {
		return openShardedSource(dir, indexPath)
	}

	f, err := Open(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		return nil, err
	}

	source := &tensorSource{
		files:  []*File{f},
		byName: make(map[string]*File, len(f.tensors)),
	}
	for name := range f.tensors {
		source.byName[name] = f
	}
	return source, nil
}

func openShardedSource(dir, indexPath string) (*tensorSource, error) {
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, errors.Wrap(err, "read shard index")
	}

	var index shardIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, errors.Wrap(err, "parse shard index")
	}

	shardFiles := make(map[string]*File)
	source := &tensorSource{
		byName:  make(map[string]*File, len(index.WeightMap)),
		sharded: true,
	}

	for tensorName, shardName := range index.WeightMap {
		f, ok := shardFiles[shardName]
		if !ok {
			f, err = Open(filepath.Join(dir, shardName))
			if err != nil {
				return nil, errors.Wrapf(err, "open shard %s", shardName)
			}
			shardFiles[shardName] = f
			source.files = append(source.files, f)
		}
		source.byName[tensorName] = f
	}

	logger.Debug().Int("shards", len(shardFiles)).Int("tensors", len(index.WeightMap)).Msg("opened sharded checkpoint")
	return source, nil
}

func (s *tensorSource) tensor(name string) (*model.Tensor, error) {
	if f, ok := s.byName[name]; ok {
		return f.Tensor(name)
	}
	alt := "transformer." + name
	if f, ok := s.byName[alt]; ok {
		return f.Tensor(alt)
	}
	return nil, errors.Errorf("tensor not found: %s (also tried %s)", name, alt)
}

func (s *tensorSource) has(name string) bool {
	if _, ok := s.byName[name]; ok {
		return true
	}
	_, ok := s.byName["transformer."+name]
	return ok
}

func (s *tensorSource) totalBytes() int64 {
	var total int64
	for _, f := range s.files {
		total += f.DataSize()
	}
	return total
}
