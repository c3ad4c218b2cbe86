package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/23skdu/longbow-steer/internal/config"
)

var (
	ErrLayerOutOfRange = errors.New("layer out of range")
	ErrHookActive      = errors.New("hook already active on layer")
	ErrContextOverflow = errors.New("sequence exceeds context length")
	ErrBadInput        = errors.New("malformed model input")
)

// Block holds one transformer layer. Projection matrices are stored
// [in x out] row-major.
type Block struct {
	AttnNorm []float32 // dim
	Q        []float32 // dim x dim
	K        []float32 // dim x dim
	V        []float32 // dim x dim
	O        []float32 // dim x dim
	FFNNorm  []float32 // dim
	Up       []float32 // dim x hidden
	Down     []float32 // hidden x dim
}

type Weights struct {
	TokenEmb []float32 // vocab x dim
	PosEmb   []float32 // seqLen x dim
	Blocks   []Block
	OutNorm  []float32 // dim
	Output   []float32 // dim x vocab
}

// Model is a decoder-only transformer with frozen weights. Forward passes
// may be observed and edited through per-layer hooks.
type Model struct {
	cfg config.Config
	w   *Weights

	mu    sync.Mutex
	hooks map[int]*HookHandle
}

func New(cfg config.Config, w *Weights) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkWeights(cfg, w); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, w: w, hooks: make(map[int]*HookHandle)}, nil
}

func checkWeights(cfg config.Config, w *Weights) error {
	d, h, v := cfg.Dim, cfg.HiddenDim, cfg.VocabSize
	check := func(name string, got []float32, want int) error {
		if len(got) != want {
			return fmt.Errorf("weight %s has %d values, want %d", name, len(got), want)
		}
		return nil
	}
	if err := check("token_embd", w.TokenEmb, v*d); err != nil {
		return err
	}
	if err := check("position_embd", w.PosEmb, cfg.SeqLen*d); err != nil {
		return err
	}
	if err := check("output_norm", w.OutNorm, d); err != nil {
		return err
	}
	if err := check("output", w.Output, d*v); err != nil {
		return err
	}
	if len(w.Blocks) != cfg.Layers {
		return fmt.Errorf("got %d blocks, want %d", len(w.Blocks), cfg.Layers)
	}
	for i, b := range w.Blocks {
		for _, c := range []struct {
			name string
			data []float32
			n    int
		}{
			{"attn_norm", b.AttnNorm, d},
			{"attn_q", b.Q, d * d},
			{"attn_k", b.K, d * d},
			{"attn_v", b.V, d * d},
			{"attn_output", b.O, d * d},
			{"ffn_norm", b.FFNNorm, d},
			{"ffn_up", b.Up, d * h},
			{"ffn_down", b.Down, h * d},
		} {
			if err := check(fmt.Sprintf("blk.%d.%s", i, c.name), c.data, c.n); err != nil {
				return err
			}
		}
	}
	return nil
}

// NewRandom initialises a model from seed: linear weights are drawn from
// N(0, 1/fan_in), embeddings from N(0, 0.02^2), norms start at one.
func NewRandom(cfg config.Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := rand.New(rand.NewSource(seed))
	normal := func(n int, std float64) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(r.NormFloat64() * std)
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}
	d, h := cfg.Dim, cfg.HiddenDim
	dStd := 1 / math.Sqrt(float64(d))
	w := &Weights{
		TokenEmb: normal(cfg.VocabSize*d, 0.02),
		PosEmb:   normal(cfg.SeqLen*d, 0.02),
		OutNorm:  ones(d),
		Output:   normal(d*cfg.VocabSize, dStd),
		Blocks:   make([]Block, cfg.Layers),
	}
	for i := range w.Blocks {
		w.Blocks[i] = Block{
			AttnNorm: ones(d),
			Q:        normal(d*d, dStd),
			K:        normal(d*d, dStd),
			V:        normal(d*d, dStd),
			O:        normal(d*d, dStd),
			FFNNorm:  ones(d),
			Up:       normal(d*h, dStd),
			Down:     normal(h*d, 1/math.Sqrt(float64(h))),
		}
	}
	return New(cfg, w)
}

func (m *Model) Config() config.Config { return m.cfg }

func (m *Model) NumLayers() int { return m.cfg.Layers }

func (m *Model) HiddenSize() int { return m.cfg.Dim }

func (m *Model) VocabSize() int { return m.cfg.VocabSize }

// MaxSeqLen is the number of positions the model can embed.
func (m *Model) MaxSeqLen() int { return m.cfg.SeqLen }

func (m *Model) CheckLayer(layer int) error {
	if layer < 0 || layer >= m.cfg.Layers {
		return fmt.Errorf("%w: %d (model has %d layers)", ErrLayerOutOfRange, layer, m.cfg.Layers)
	}
	return nil
}
