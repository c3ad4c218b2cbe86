package model

import (
	"fmt"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/gguf"
	"github.com/23skdu/longbow-steer/internal/logger"
)

const (
	keyArchitecture = "general.architecture"
	keyEmbedding    = config.Architecture + ".embedding_length"
	keyFeedForward  = config.Architecture + ".feed_forward_length"
	keyBlocks       = config.Architecture + ".block_count"
	keyHeads        = config.Architecture + ".attention.head_count"
	keyContext      = config.Architecture + ".context_length"
	keyEps          = config.Architecture + ".attention.layer_norm_rms_epsilon"
)

func blockTensor(l int, name string) string {
	return fmt.Sprintf("blk.%d.%s.weight", l, name)
}

// tensorSpec names every tensor with its row-major shape.
type tensorSpec struct {
	name       string
	rows, cols int
	data       *[]float32
}

func specs(cfg config.Config, w *Weights) []tensorSpec {
	d, h, v := cfg.Dim, cfg.HiddenDim, cfg.VocabSize
	out := []tensorSpec{
		{"token_embd.weight", v, d, &w.TokenEmb},
		{"position_embd.weight", cfg.SeqLen, d, &w.PosEmb},
	}
	for l := range w.Blocks {
		b := &w.Blocks[l]
		out = append(out,
			tensorSpec{blockTensor(l, "attn_norm"), 1, d, &b.AttnNorm},
			tensorSpec{blockTensor(l, "attn_q"), d, d, &b.Q},
			tensorSpec{blockTensor(l, "attn_k"), d, d, &b.K},
			tensorSpec{blockTensor(l, "attn_v"), d, d, &b.V},
			tensorSpec{blockTensor(l, "attn_output"), d, d, &b.O},
			tensorSpec{blockTensor(l, "ffn_norm"), 1, d, &b.FFNNorm},
			tensorSpec{blockTensor(l, "ffn_up"), d, h, &b.Up},
			tensorSpec{blockTensor(l, "ffn_down"), h, d, &b.Down},
		)
	}
	return append(out,
		tensorSpec{"output_norm.weight", 1, d, &w.OutNorm},
		tensorSpec{"output.weight", d, v, &w.Output},
	)
}

// Load reads a model from a GGUF file written by Save.
func Load(path string) (*Model, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	cfg, err := configFromGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	w := &Weights{Blocks: make([]Block, cfg.Layers)}
	all := specs(cfg, w)
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = s.name
	}
	if missing := f.FindMissingTensors(names); len(missing) > 0 {
		return nil, fmt.Errorf("%s: missing tensors %v", path, missing)
	}
	for _, s := range all {
		t, _ := f.Tensor(s.name)
		if err := t.CheckShape(s.rows, s.cols); err != nil {
			return nil, err
		}
		if *s.data, err = t.Float32(); err != nil {
			return nil, err
		}
	}
	m, err := New(cfg, w)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("model loaded", "path", path, "layers", cfg.Layers, "dim", cfg.Dim, "vocab", cfg.VocabSize)
	return m, nil
}

func configFromGGUF(f *gguf.GGUFFile) (config.Config, error) {
	cfg := config.Config{}
	var err error
	if cfg.Architecture, err = f.String(keyArchitecture); err != nil {
		return cfg, err
	}
	for key, dst := range map[string]*int{
		keyEmbedding:   &cfg.Dim,
		keyFeedForward: &cfg.HiddenDim,
		keyBlocks:      &cfg.Layers,
		keyHeads:       &cfg.Heads,
		keyContext:     &cfg.SeqLen,
	} {
		if *dst, err = f.Int(key); err != nil {
			return cfg, err
		}
	}
	eps, err := f.Float(keyEps)
	if err != nil {
		return cfg, err
	}
	cfg.Eps = float32(eps)
	if cfg.Heads > 0 {
		cfg.HeadDim = cfg.Dim / cfg.Heads
	}
	if t, ok := f.Tensor("token_embd.weight"); ok && len(t.Dimensions) == 2 {
		cfg.VocabSize = int(t.Dimensions[1])
	}
	return cfg, cfg.Validate()
}

// WriteGGUF adds the model's metadata and tensors to w.
func (m *Model) WriteGGUF(w *gguf.Writer) error {
	cfg := m.cfg
	w.AddKV(keyArchitecture, config.Architecture)
	w.AddKV(keyEmbedding, uint32(cfg.Dim))
	w.AddKV(keyFeedForward, uint32(cfg.HiddenDim))
	w.AddKV(keyBlocks, uint32(cfg.Layers))
	w.AddKV(keyHeads, uint32(cfg.Heads))
	w.AddKV(keyContext, uint32(cfg.SeqLen))
	w.AddKV(keyEps, cfg.Eps)
	for _, s := range specs(cfg, m.w) {
		var err error
		if s.rows > 1 {
			err = w.AddMatrix(s.name, s.rows, s.cols, *s.data)
		} else {
			err = w.AddTensor(s.name, s.rows, s.cols, *s.data)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Save writes the model to path. When w is nil a fresh writer is used;
// callers pass their own to bundle a vocabulary into the same file.
func (m *Model) Save(path string, w *gguf.Writer) error {
	if w == nil {
		w = gguf.NewWriter()
	}
	if err := m.WriteGGUF(w); err != nil {
		return err
	}
	return w.WriteFile(path)
}
