package editor

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/metrics"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/precompute"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

const (
	paramW1 = "linear.0.weight"
	paramB1 = "linear.0.bias"
	paramW2 = "linear.1.weight"
	paramB2 = "linear.1.bias"
)

// LinearEditor computes directions as x·W1ᵀ + b1, or with a rank
// constraint r as (x·W1ᵀ + b1)·W2ᵀ + b2 where W1 is r x hidden and W2 is
// hidden x r.
type LinearEditor struct {
	base
	rank   int
	params map[string]*mat.Dense
}

// NewLinearEditor initialises weights and biases uniformly in
// ±1/sqrt(fan_in) from seed. rank 0 means no constraint.
func NewLinearEditor(m *model.Model, tok *tokenizer.Tokenizer, layer, rank int, seed int64) (*LinearEditor, error) {
	b, err := newBase(m, tok, layer, seed)
	if err != nil {
		return nil, err
	}
	if rank < 0 || rank > b.hidden {
		return nil, fmt.Errorf("invalid rank %d for hidden size %d", rank, b.hidden)
	}
	e := &LinearEditor{base: b, rank: rank, params: make(map[string]*mat.Dense)}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(layer)))
	H := b.hidden
	if rank == 0 {
		e.params[paramW1] = uniform(rng, H, H, H)
		e.params[paramB1] = uniform(rng, 1, H, H)
	} else {
		e.params[paramW1] = uniform(rng, rank, H, H)
		e.params[paramB1] = uniform(rng, 1, rank, H)
		e.params[paramW2] = uniform(rng, H, rank, rank)
		e.params[paramB2] = uniform(rng, 1, H, rank)
	}
	return e, nil
}

func uniform(rng *rand.Rand, rows, cols, fanIn int) *mat.Dense {
	bound := 1 / math.Sqrt(float64(fanIn))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * bound
	}
	return mat.NewDense(rows, cols, data)
}

func (e *LinearEditor) Type() string { return TypeLinear }

func (e *LinearEditor) Rank() int { return e.rank }

// affine returns x·wᵀ + b with b broadcast over rows.
func affine(x, w, b *mat.Dense) *mat.Dense {
	r, _ := x.Dims()
	out, _ := w.Dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, w.T())
	bias := b.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(y.RawRowView(i), bias)
	}
	return y
}

func colSum(g *mat.Dense) *mat.Dense {
	r, c := g.Dims()
	out := mat.NewDense(1, c, nil)
	for i := 0; i < r; i++ {
		floats.Add(out.RawRowView(0), g.RawRowView(i))
	}
	return out
}

// forward returns the directions and, under a rank constraint, the
// intermediate projection.
func (e *LinearEditor) forward(x *mat.Dense) (y, z *mat.Dense) {
	z = affine(x, e.params[paramW1], e.params[paramB1])
	if e.rank == 0 {
		return z, nil
	}
	return affine(z, e.params[paramW2], e.params[paramB2]), z
}

// backward maps the gradient with respect to the directions, g, to
// parameter gradients.
func (e *LinearEditor) backward(x, z, g *mat.Dense) map[string]*mat.Dense {
	grads := make(map[string]*mat.Dense, len(e.params))
	if e.rank == 0 {
		var dw mat.Dense
		dw.Mul(g.T(), x)
		grads[paramW1] = &dw
		grads[paramB1] = colSum(g)
		return grads
	}
	var dw2, dz, dw1 mat.Dense
	dw2.Mul(g.T(), z)
	dz.Mul(g, e.params[paramW2])
	dw1.Mul(dz.T(), x)
	grads[paramW2] = &dw2
	grads[paramB2] = colSum(g)
	grads[paramW1] = &dw1
	grads[paramB1] = colSum(&dz)
	return grads
}

func (e *LinearEditor) Apply(attr [][]float32) ([][]float32, error) {
	if err := e.checkAttr(attr); err != nil {
		return nil, err
	}
	y, _ := e.forward(toDense(attr))
	return fromDense(y), nil
}

func (e *LinearEditor) State() State {
	return State{Type: TypeLinear, Layer: e.layer, Rank: e.rank, Params: e.params}.Clone()
}

func (e *LinearEditor) LoadState(s State) error {
	return loadParams(e.params, s, TypeLinear, e.layer, e.rank)
}

func (e *LinearEditor) Fit(ds dataset.Dataset, opts config.Training) (*TrainingRun, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	split, err := dataset.MaybeSplit(ds, opts.HoldOut, opts.Seed)
	if err != nil {
		return nil, err
	}
	if !dataset.HasTargets(split.Train) || !dataset.HasTargets(split.Test) {
		return nil, errors.New("training a linear editor requires target_mediated on every sample")
	}
	pre := precompute.Options{TargetTokenIDs: true}
	layers := []int{e.layer}
	train, err := precompute.FromDataset(e.m, e.tok, split.Train, layers, opts.BatchSize, pre)
	if err != nil {
		return nil, err
	}
	val, err := precompute.FromDataset(e.m, e.tok, split.Test, layers, opts.BatchSize, pre)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("training editor", "type", TypeLinear, "layer", e.layer, "rank", e.rank,
		"train", len(split.Train), "val", len(split.Test))
	t := &linearTrainer{e: e, train: train, val: val, opts: opts, opt: newAdamW(opts.LR, opts.WeightDecay)}
	run, err := runTraining(t, opts.MaxEpochs, opts.Patience)
	if err != nil {
		return nil, err
	}
	run.EditorType = TypeLinear
	run.Layer = e.layer
	run.TrainSamples = len(split.Train)
	run.ValSamples = len(split.Test)
	if run.EarlyStopped {
		metrics.RecordEarlyStop(e.layer)
	}
	return run, nil
}

type linearTrainer struct {
	e     *LinearEditor
	train []*precompute.Batch
	val   []*precompute.Batch
	opts  config.Training
	opt   *adamW
}

func (t *linearTrainer) batchLoss(b *precompute.Batch, step bool) (float64, error) {
	e := t.e
	x := toDense(b.Vectors[precompute.AttributeHiddenKey(e.layer)])
	y, z := e.forward(x)
	res, err := EditingLoss(e.m, e.layer, fromDense(y), b, precompute.Inputs(e.tok, b.Samples), LossOptions{
		Alpha: float32(t.opts.Alpha),
		Lam:   t.opts.Lam,
		KL:    t.opts.KL,
		Grad:  step,
	})
	if err != nil {
		return 0, err
	}
	if step {
		t.opt.step(e.params, e.backward(x, z, toDense(res.DirGrad)))
	}
	return res.Loss, nil
}

func (t *linearTrainer) runEpoch(epoch int) (float64, float64, error) {
	var train, val float64
	for _, b := range t.train {
		loss, err := t.batchLoss(b, epoch > 0)
		if err != nil {
			return 0, 0, err
		}
		train += loss
	}
	for _, b := range t.val {
		loss, err := t.batchLoss(b, false)
		if err != nil {
			return 0, 0, err
		}
		val += loss
	}
	train /= float64(len(t.train))
	val /= float64(len(t.val))
	metrics.RecordEpoch(t.e.layer, train, val)
	return train, val, nil
}

func (t *linearTrainer) snapshot() State { return t.e.State() }

func (t *linearTrainer) restore(s State) error { return t.e.LoadState(s) }

func (e *LinearEditor) Evaluate(samples []dataset.Sample, opts config.Evaluation) (*EvaluateRun, error) {
	return evaluate(e, samples, opts)
}
