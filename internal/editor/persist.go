package editor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-steer/internal/gguf"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

const (
	WeightsFile = "weights.gguf"
	EvalFile    = "eval.json"
	DumpFile    = "dump.arrow"

	keyArchitecture = "general.architecture"
	keyType         = "editor.type"
	keyLayer        = "editor.layer"
	keyRank         = "editor.rank"
	keyHidden       = "editor.hidden_size"
	keySeed         = "editor.seed"
)

// Dir is where results for one editor live: <results>/<type>/<layer>.
func Dir(resultsDir, typ string, layer int) string {
	return filepath.Join(resultsDir, typ, strconv.Itoa(layer))
}

// Save writes e's parameters to dir/weights.gguf.
func Save(e Editor, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	s := e.State()
	w := gguf.NewWriter()
	w.AddKV(keyArchitecture, "editor")
	w.AddKV(keyType, s.Type)
	w.AddKV(keyLayer, uint32(s.Layer))
	w.AddKV(keyRank, uint32(s.Rank))
	w.AddKV(keyHidden, uint32(e.Model().HiddenSize()))
	w.AddKV(keySeed, uint64(e.Seed()))
	for _, name := range s.Names() {
		p := s.Params[name]
		r, c := p.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.RawRowView(i)...)
		}
		if err := w.AddMatrix64(name, r, c, data); err != nil {
			return err
		}
	}
	path := filepath.Join(dir, WeightsFile)
	if err := w.WriteFile(path); err != nil {
		return err
	}
	logger.Log.Info("editor saved", "type", s.Type, "layer", s.Layer, "path", path)
	return nil
}

// LoadWeights replaces e's parameters with those stored at path.
func LoadWeights(e Editor, path string) error {
	f, err := gguf.LoadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrEditorNotFound, path)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	typ, err := f.String(keyType)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	layer, err := f.Int(keyLayer)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	rank, err := f.Int(keyRank)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	hidden, err := f.Int(keyHidden)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if hidden != e.Model().HiddenSize() {
		return fmt.Errorf("%s: hidden size %d, model has %d", path, hidden, e.Model().HiddenSize())
	}

	live := e.State()
	s := State{Type: typ, Layer: layer, Rank: rank, Params: make(map[string]*mat.Dense, len(live.Params))}
	for name, p := range live.Params {
		t, ok := f.Tensor(name)
		if !ok {
			return fmt.Errorf("%s: missing tensor %s", path, name)
		}
		r, c := p.Dims()
		if err := t.CheckShape(r, c); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		data, err := t.Float64()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		s.Params[name] = mat.NewDense(r, c, data)
	}
	return e.LoadState(s)
}

// Load restores the editor of type typ for layer from editorsDir, laid out
// as written by Save into Dir(editorsDir, typ, layer). A missing file is
// reported as ErrEditorNotFound so callers can skip the layer.
func Load(m *model.Model, tok *tokenizer.Tokenizer, typ string, layer int, editorsDir string) (Editor, error) {
	if !slices.Contains(Types(), typ) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEditor, typ)
	}
	path := filepath.Join(Dir(editorsDir, typ, layer), WeightsFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrEditorNotFound, path)
		}
		return nil, err
	}
	opts, err := readOptions(path)
	if err != nil {
		return nil, err
	}
	e, err := New(m, tok, typ, layer, opts)
	if err != nil {
		return nil, err
	}
	if err := LoadWeights(e, path); err != nil {
		return nil, err
	}
	logger.Log.Info("editor loaded", "type", typ, "layer", layer, "path", path)
	return e, nil
}

// readOptions recovers the rank and seed an editor was saved with. Files
// without a seed key load with seed 0.
func readOptions(path string) (Options, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return Options{}, err
	}
	defer func() { _ = f.Close() }()
	var opts Options
	if opts.Rank, err = f.Int(keyRank); err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	seed, err := f.Uint(keySeed)
	switch {
	case err == nil:
		opts.Seed = int64(seed)
	case !errors.Is(err, gguf.ErrKeyNotFound):
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

// WriteEvaluation writes run as indented JSON.
func WriteEvaluation(run *EvaluateRun, path string) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func ReadEvaluation(path string) (*EvaluateRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run EvaluateRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &run, nil
}
