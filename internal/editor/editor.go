package editor

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

const (
	TypeLinear = "linear"
	TypeRandom = "random"
)

var (
	ErrUnsupportedEditor = errors.New("unsupported editor type")
	ErrEditorNotFound    = errors.New("editor weights not found")
)

// Editor maps the hidden state of an attribute at one layer to a direction
// that is added to the entity's hidden state at the same layer.
type Editor interface {
	Type() string
	Layer() int
	Model() *model.Model
	Tokenizer() *tokenizer.Tokenizer
	Seed() int64
	// Apply returns one edit direction per attribute row.
	Apply(attr [][]float32) ([][]float32, error)
	Fit(ds dataset.Dataset, opts config.Training) (*TrainingRun, error)
	Evaluate(samples []dataset.Sample, opts config.Evaluation) (*EvaluateRun, error)
	// State returns a deep copy of the parameters; LoadState replaces them.
	State() State
	LoadState(s State) error
}

// Types lists the supported editor types.
func Types() []string {
	return []string{TypeLinear, TypeRandom}
}

type Options struct {
	// Rank constrains a linear editor; 0 means full rank.
	Rank int
	Seed int64
}

// New builds an untrained editor of the given type.
func New(m *model.Model, tok *tokenizer.Tokenizer, typ string, layer int, opts Options) (Editor, error) {
	switch typ {
	case TypeLinear:
		return NewLinearEditor(m, tok, layer, opts.Rank, opts.Seed)
	case TypeRandom:
		return NewRandomEditor(m, tok, layer, opts.Seed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEditor, typ)
	}
}

// State is a snapshot of an editor's parameters.
type State struct {
	Type   string
	Layer  int
	Rank   int
	Params map[string]*mat.Dense
}

// Clone deep-copies s.
func (s State) Clone() State {
	out := State{Type: s.Type, Layer: s.Layer, Rank: s.Rank, Params: make(map[string]*mat.Dense, len(s.Params))}
	for name, p := range s.Params {
		out.Params[name] = mat.DenseCopyOf(p)
	}
	return out
}

// Names returns the parameter names in a stable order.
func (s State) Names() []string {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// base carries what every editor shares.
type base struct {
	m      *model.Model
	tok    *tokenizer.Tokenizer
	layer  int
	hidden int
	seed   int64
}

func newBase(m *model.Model, tok *tokenizer.Tokenizer, layer int, seed int64) (base, error) {
	if m == nil || tok == nil {
		return base{}, errors.New("editor needs a model and a tokenizer")
	}
	if err := m.CheckLayer(layer); err != nil {
		return base{}, err
	}
	return base{m: m, tok: tok, layer: layer, hidden: m.HiddenSize(), seed: seed}, nil
}

func (b *base) Layer() int                      { return b.layer }
func (b *base) Model() *model.Model             { return b.m }
func (b *base) Tokenizer() *tokenizer.Tokenizer { return b.tok }

// Seed is the seed the editor was built with.
func (b *base) Seed() int64 { return b.seed }

func (b *base) checkAttr(attr [][]float32) error {
	if len(attr) == 0 {
		return fmt.Errorf("%w: empty attribute batch", model.ErrBadInput)
	}
	for i, row := range attr {
		if len(row) != b.hidden {
			return fmt.Errorf("%w: attribute row %d has size %d, want %d", model.ErrBadInput, i, len(row), b.hidden)
		}
	}
	return nil
}

// loadParams copies s into live parameters after checking that it matches
// them name for name and shape for shape.
func loadParams(live map[string]*mat.Dense, s State, typ string, layer, rank int) error {
	if s.Type != typ {
		return fmt.Errorf("state is for a %s editor, not %s", s.Type, typ)
	}
	if s.Layer != layer {
		return fmt.Errorf("state is for layer %d, not %d", s.Layer, layer)
	}
	if s.Rank != rank {
		return fmt.Errorf("state has rank %d, want %d", s.Rank, rank)
	}
	if len(s.Params) != len(live) {
		return fmt.Errorf("state has %d parameters, want %d", len(s.Params), len(live))
	}
	for name, p := range live {
		src, ok := s.Params[name]
		if !ok {
			return fmt.Errorf("state is missing parameter %s", name)
		}
		pr, pc := p.Dims()
		sr, sc := src.Dims()
		if pr != sr || pc != sc {
			return fmt.Errorf("parameter %s is %dx%d, want %dx%d", name, sr, sc, pr, pc)
		}
	}
	for name, p := range live {
		p.Copy(s.Params[name])
	}
	return nil
}

func toDense(rows [][]float32) *mat.Dense {
	r, c := len(rows), len(rows[0])
	data := make([]float64, r*c)
	for i, row := range rows {
		for j, v := range row {
			data[i*c+j] = float64(v)
		}
	}
	return mat.NewDense(r, c, data)
}

func fromDense(d *mat.Dense) [][]float32 {
	r, c := d.Dims()
	out := make([][]float32, r)
	for i := range out {
		out[i] = make([]float32, c)
		for j, v := range d.RawRowView(i) {
			out[i][j] = float32(v)
		}
	}
	return out
}
