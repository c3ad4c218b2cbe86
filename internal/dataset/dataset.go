package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/23skdu/longbow-steer/internal/logger"
)

var ErrMalformedSample = errors.New("malformed sample")

// Sample is one context-mediation example. Entity must occur in Prompt and
// Attribute in Context.
type Sample struct {
	ID               string  `json:"id"`
	Entity           string  `json:"entity"`
	Prompt           string  `json:"prompt"`
	Context          string  `json:"context"`
	Attribute        string  `json:"attribute"`
	TargetMediated   *string `json:"target_mediated,omitempty"`
	TargetUnmediated *string `json:"target_unmediated,omitempty"`
}

func (s Sample) Validate() error {
	for field, v := range map[string]string{
		"id":        s.ID,
		"entity":    s.Entity,
		"prompt":    s.Prompt,
		"context":   s.Context,
		"attribute": s.Attribute,
	} {
		if v == "" {
			return fmt.Errorf("%w: %q has empty %s", ErrMalformedSample, s.ID, field)
		}
	}
	if !strings.Contains(s.Prompt, s.Entity) {
		return fmt.Errorf("%w: %q entity %q not in prompt", ErrMalformedSample, s.ID, s.Entity)
	}
	if !strings.Contains(s.Context, s.Attribute) {
		return fmt.Errorf("%w: %q attribute %q not in context", ErrMalformedSample, s.ID, s.Attribute)
	}
	if s.TargetMediated != nil && *s.TargetMediated == "" {
		return fmt.Errorf("%w: %q has empty target_mediated", ErrMalformedSample, s.ID)
	}
	return nil
}

// Dataset holds the training split and, when the source was pre-split, the
// held-out split.
type Dataset struct {
	Train []Sample
	Test  []Sample
}

// HasTargets reports whether every sample carries a mediated target.
func HasTargets(samples []Sample) bool {
	for _, s := range samples {
		if s.TargetMediated == nil {
			return false
		}
	}
	return len(samples) > 0
}

const (
	TrainFile = "train.jsonl"
	TestFile  = "test.jsonl"
)

type LoadOptions struct {
	// Offset and Limit select a window of the training split; Limit <= 0
	// keeps everything after Offset.
	Offset int
	Limit  int
}

// Loader reads JSONL datasets. With caching on, parsed files are kept in
// memory and reused by later loads.
type Loader struct {
	cache bool
	mu    sync.Mutex
	files map[string][]Sample
}

func NewLoader(cache bool) *Loader {
	return &Loader{cache: cache, files: make(map[string][]Sample)}
}

// Load reads path, which is either a JSONL file (training split only) or a
// directory holding train.jsonl and optionally test.jsonl.
func (l *Loader) Load(path string, opts LoadOptions) (Dataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Dataset{}, err
	}
	var ds Dataset
	if info.IsDir() {
		if ds.Train, err = l.readFile(filepath.Join(path, TrainFile)); err != nil {
			return Dataset{}, err
		}
		testPath := filepath.Join(path, TestFile)
		if _, err := os.Stat(testPath); err == nil {
			if ds.Test, err = l.readFile(testPath); err != nil {
				return Dataset{}, err
			}
		}
	} else if ds.Train, err = l.readFile(path); err != nil {
		return Dataset{}, err
	}

	ds.Train = window(ds.Train, opts.Offset, opts.Limit)
	logger.Log.Info("dataset loaded", "path", path, "train", len(ds.Train), "test", len(ds.Test))
	return ds, nil
}

func window(samples []Sample, offset, limit int) []Sample {
	if offset > len(samples) {
		offset = len(samples)
	}
	if offset < 0 {
		offset = 0
	}
	samples = samples[offset:]
	if limit > 0 && limit < len(samples) {
		samples = samples[:limit]
	}
	return samples
}

func (l *Loader) readFile(path string) ([]Sample, error) {
	if l.cache {
		l.mu.Lock()
		cached, ok := l.files[path]
		l.mu.Unlock()
		if ok {
			return cached, nil
		}
	}
	samples, err := ReadJSONL(path)
	if err != nil {
		return nil, err
	}
	if l.cache {
		l.mu.Lock()
		l.files[path] = samples
		l.mu.Unlock()
	}
	return samples, nil
}

func ReadJSONL(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var samples []Sample
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var s Sample
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return nil, fmt.Errorf("%s:%d: %w: %v", path, line, ErrMalformedSample, err)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%s:%d: %w: duplicate id %q", path, line, ErrMalformedSample, s.ID)
		}
		seen[s.ID] = true
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

func WriteJSONL(path string, samples []Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// MaybeSplit carves a held-out split from Train when the dataset has no
// Test split. The shuffle is seeded, so the split is reproducible.
func MaybeSplit(ds Dataset, holdOut float64, seed int64) (Dataset, error) {
	if len(ds.Test) > 0 {
		return ds, nil
	}
	if holdOut <= 0 || holdOut >= 1 {
		return Dataset{}, fmt.Errorf("invalid hold_out: %f (must be in (0, 1))", holdOut)
	}
	n := len(ds.Train)
	if n < 2 {
		return Dataset{}, fmt.Errorf("cannot split %d samples", n)
	}
	nTest := int(float64(n)*holdOut + 0.5)
	if nTest < 1 {
		nTest = 1
	}
	if nTest >= n {
		nTest = n - 1
	}
	idx := rand.New(rand.NewSource(seed)).Perm(n)
	out := Dataset{Train: make([]Sample, 0, n-nTest), Test: make([]Sample, 0, nTest)}
	for i, j := range idx {
		if i < nTest {
			out.Test = append(out.Test, ds.Train[j])
		} else {
			out.Train = append(out.Train, ds.Train[j])
		}
	}
	return out, nil
}

// Shuffle returns a seeded permutation of samples.
func Shuffle(samples []Sample, seed int64) []Sample {
	out := make([]Sample, len(samples))
	for i, j := range rand.New(rand.NewSource(seed)).Perm(len(samples)) {
		out[i] = samples[j]
	}
	return out
}

// Batches splits samples into consecutive batches of at most size.
func Batches(samples []Sample, size int) [][]Sample {
	if size <= 0 {
		size = 1
	}
	var out [][]Sample
	for i := 0; i < len(samples); i += size {
		end := i + size
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, samples[i:end])
	}
	return out
}
