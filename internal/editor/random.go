package editor

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/precompute"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

const (
	paramMean       = "mean"
	paramCovariance = "covariance"

	maxJitterTries = 12
)

// RandomEditor ignores the attribute and draws each direction from a
// normal distribution fitted to entity deltas.
type RandomEditor struct {
	base
	params map[string]*mat.Dense
	src    rand.Source
	dist   *distmv.Normal
}

// NewRandomEditor starts from mean 0 and identity covariance.
func NewRandomEditor(m *model.Model, tok *tokenizer.Tokenizer, layer int, seed int64) (*RandomEditor, error) {
	b, err := newBase(m, tok, layer, seed)
	if err != nil {
		return nil, err
	}
	H := b.hidden
	cov := mat.NewDense(H, H, nil)
	for i := 0; i < H; i++ {
		cov.Set(i, i, 1)
	}
	return &RandomEditor{
		base: b,
		params: map[string]*mat.Dense{
			paramMean:       mat.NewDense(1, H, nil),
			paramCovariance: cov,
		},
		src: rand.NewPCG(uint64(seed), uint64(layer)),
	}, nil
}

func (e *RandomEditor) Type() string { return TypeRandom }

// Reseed restarts the direction sampler from seed.
func (e *RandomEditor) Reseed(seed int64) {
	e.seed = seed
	e.src = rand.NewPCG(uint64(seed), uint64(e.layer))
	e.dist = nil
}

// Mean and Covariance expose the fitted distribution.
func (e *RandomEditor) Mean() []float64 {
	return append([]float64(nil), e.params[paramMean].RawRowView(0)...)
}

func (e *RandomEditor) Covariance() *mat.Dense {
	return mat.DenseCopyOf(e.params[paramCovariance])
}

// distribution builds the sampler, adding a growing diagonal jitter when
// the covariance is not positive definite.
func (e *RandomEditor) distribution() (*distmv.Normal, error) {
	if e.dist != nil {
		return e.dist, nil
	}
	H := e.hidden
	cov := e.params[paramCovariance]
	sym := mat.NewSymDense(H, nil)
	var trace float64
	for i := 0; i < H; i++ {
		for j := i; j < H; j++ {
			sym.SetSym(i, j, (cov.At(i, j)+cov.At(j, i))/2)
		}
		trace += cov.At(i, i)
	}
	jitter := 1e-6 * trace / float64(H)
	if jitter <= 0 {
		jitter = 1e-6
	}
	for try := 0; try < maxJitterTries; try++ {
		if dist, ok := distmv.NewNormal(e.params[paramMean].RawRowView(0), sym, e.src); ok {
			if try > 0 {
				logger.Log.Warn("covariance needed diagonal jitter", "layer", e.layer, "tries", try)
			}
			e.dist = dist
			return dist, nil
		}
		for i := 0; i < H; i++ {
			sym.SetSym(i, i, sym.At(i, i)+jitter)
		}
		jitter *= 10
	}
	return nil, fmt.Errorf("layer %d: covariance is not positive definite", e.layer)
}

func (e *RandomEditor) Apply(attr [][]float32) ([][]float32, error) {
	if err := e.checkAttr(attr); err != nil {
		return nil, err
	}
	dist, err := e.distribution()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(attr))
	draw := make([]float64, e.hidden)
	for i := range out {
		dist.Rand(draw)
		out[i] = make([]float32, e.hidden)
		for j, v := range draw {
			out[i][j] = float32(v)
		}
	}
	return out, nil
}

func (e *RandomEditor) State() State {
	return State{Type: TypeRandom, Layer: e.layer, Params: e.params}.Clone()
}

func (e *RandomEditor) LoadState(s State) error {
	if err := loadParams(e.params, s, TypeRandom, e.layer, 0); err != nil {
		return err
	}
	e.dist = nil
	return nil
}

// Fit estimates the mean and covariance of the entity deltas of the
// training split. No gradient steps are taken.
func (e *RandomEditor) Fit(ds dataset.Dataset, opts config.Training) (*TrainingRun, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	split, err := dataset.MaybeSplit(ds, opts.HoldOut, opts.Seed)
	if err != nil {
		return nil, err
	}
	rc := newRunningCovariance(e.hidden)
	for _, chunk := range dataset.Batches(split.Train, opts.BatchSize) {
		b, err := precompute.EntityDeltas(e.m, e.tok, chunk, []int{e.layer})
		if err != nil {
			return nil, err
		}
		rc.fromBatch(b, e.layer)
	}
	if err := e.setMoments(rc); err != nil {
		return nil, err
	}
	logger.Log.Info("random editor fitted", "layer", e.layer, "samples", rc.n)
	return &TrainingRun{
		EditorType:   TypeRandom,
		Layer:        e.layer,
		TrainSamples: len(split.Train),
		ValSamples:   len(split.Test),
	}, nil
}

// FitBatches estimates the moments from precomputed batches, computing
// entity deltas only for batches that lack them.
func (e *RandomEditor) FitBatches(batches []*precompute.Batch) error {
	rc := newRunningCovariance(e.hidden)
	for _, b := range batches {
		if !precompute.HasEntityDeltas(b, e.layer) {
			deltas, err := precompute.EntityDeltas(e.m, e.tok, b.Samples, []int{e.layer})
			if err != nil {
				return err
			}
			if err := b.Merge(deltas); err != nil {
				return err
			}
		}
		rc.fromBatch(b, e.layer)
	}
	return e.setMoments(rc)
}

func (rc *runningCovariance) fromBatch(b *precompute.Batch, layer int) {
	rc.add(b.Vectors[precompute.EntityDeltaKey(layer)])
}

func (e *RandomEditor) setMoments(rc *runningCovariance) error {
	cov, err := rc.covariance()
	if err != nil {
		return err
	}
	e.params[paramMean].SetRow(0, rc.mean)
	e.params[paramCovariance].Copy(cov)
	e.dist = nil
	return nil
}

func (e *RandomEditor) Evaluate(samples []dataset.Sample, opts config.Evaluation) (*EvaluateRun, error) {
	return evaluate(e, samples, opts)
}
