package editor

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/precompute"
)

func TestRunningCovarianceMatchesBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const n, d = 50, 6
	rows := randomRows(rng, n, d)
	for i := range rows {
		rows[i][1] += 2 * rows[i][0]
		rows[i][5] += 3
	}

	rc := newRunningCovariance(d)
	rc.add(rows[:17])
	rc.add(rows[17:])
	got, err := rc.covariance()
	if err != nil {
		t.Fatal(err)
	}

	x := toDense(rows)
	var want mat.SymDense
	stat.CovarianceMatrix(&want, x, nil)
	for i := 0; i < d; i++ {
		mean := stat.Mean(mat.Col(nil, i, x), nil)
		if math.Abs(rc.mean[i]-mean) > 1e-9 {
			t.Errorf("mean[%d] = %g, want %g", i, rc.mean[i], mean)
		}
		for j := 0; j < d; j++ {
			if math.Abs(got.At(i, j)-want.At(i, j)) > 1e-9 {
				t.Errorf("cov[%d,%d] = %g, want %g", i, j, got.At(i, j), want.At(i, j))
			}
		}
	}

	if _, err := newRunningCovariance(d).covariance(); err == nil {
		t.Error("expected error with no rows")
	}
}

func TestRandomEditorFitBatchesMatchesMoments(t *testing.T) {
	m, tok := fixture(t)
	e, err := NewRandomEditor(m, tok, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	H := m.HiddenSize()
	rng := rand.New(rand.NewSource(5))
	rows := randomRows(rng, 12, H)

	var batches []*precompute.Batch
	samples := make([]dataset.Sample, len(rows))
	for i := range samples {
		samples[i].ID = string(rune('a' + i))
	}
	for _, span := range [][2]int{{0, 5}, {5, 12}} {
		b := precompute.NewBatch(samples[span[0]:span[1]])
		b.Layers[2] = true
		if err := b.PutLayerVectors(2, precompute.EntityDeltaKey(2), rows[span[0]:span[1]]); err != nil {
			t.Fatal(err)
		}
		batches = append(batches, b)
	}
	if err := e.FitBatches(batches); err != nil {
		t.Fatal(err)
	}

	x := toDense(rows)
	var want mat.SymDense
	stat.CovarianceMatrix(&want, x, nil)
	cov := e.Covariance()
	mean := e.Mean()
	for i := 0; i < H; i++ {
		if mu := stat.Mean(mat.Col(nil, i, x), nil); math.Abs(mean[i]-mu) > 1e-6 {
			t.Errorf("mean[%d] = %g, want %g", i, mean[i], mu)
		}
		for j := 0; j < H; j++ {
			if math.Abs(cov.At(i, j)-want.At(i, j)) > 1e-6 {
				t.Errorf("cov[%d,%d] = %g, want %g", i, j, cov.At(i, j), want.At(i, j))
			}
		}
	}
}

func TestRandomEditorApply(t *testing.T) {
	m, tok := fixture(t)
	H := m.HiddenSize()
	e, err := NewRandomEditor(m, tok, 1, 7)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(6))
	out, err := e.Apply(randomRows(rng, 3, H))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || len(out[0]) != H {
		t.Fatalf("shape %dx%d", len(out), len(out[0]))
	}
	if maxAbsDiff(out[0], out[1]) == 0 {
		t.Error("rows should be independent draws")
	}

	// Same seed, same draws, whatever the input.
	again, _ := NewRandomEditor(m, tok, 1, 7)
	zeros := [][]float32{make([]float32, H), make([]float32, H), make([]float32, H)}
	out2, err := again.Apply(zeros)
	if err != nil {
		t.Fatal(err)
	}
	for i := range out {
		if maxAbsDiff(out[i], out2[i]) != 0 {
			t.Errorf("row %d differs between equally seeded editors", i)
		}
	}

	// Large-sample moments follow the stored distribution.
	s := e.State()
	s.Params[paramMean].Set(0, 0, 4)
	s.Params[paramCovariance].Set(1, 1, 9)
	if err := e.LoadState(s); err != nil {
		t.Fatal(err)
	}
	draws, err := e.Apply(randomRows(rng, 4000, H))
	if err != nil {
		t.Fatal(err)
	}
	x := toDense(draws)
	if mu := stat.Mean(mat.Col(nil, 0, x), nil); math.Abs(mu-4) > 0.15 {
		t.Errorf("sample mean %g, want about 4", mu)
	}
	if v := stat.Variance(mat.Col(nil, 1, x), nil); math.Abs(v-9) > 0.9 {
		t.Errorf("sample variance %g, want about 9", v)
	}
}

func TestRandomEditorJitter(t *testing.T) {
	m, tok := fixture(t)
	e, _ := NewRandomEditor(m, tok, 0, 1)
	s := e.State()
	// Rank one covariance: positive semi-definite only.
	H := m.HiddenSize()
	for i := 0; i < H; i++ {
		for j := 0; j < H; j++ {
			s.Params[paramCovariance].Set(i, j, 1)
		}
	}
	if err := e.LoadState(s); err != nil {
		t.Fatal(err)
	}
	out, err := e.Apply([][]float32{make([]float32, H)})
	if err != nil {
		t.Fatalf("Apply with singular covariance: %v", err)
	}
	for _, v := range out[0] {
		if math.IsNaN(float64(v)) {
			t.Fatal("NaN draw")
		}
	}
}

func TestRandomEditorFit(t *testing.T) {
	m, tok := fixture(t)
	e, err := NewRandomEditor(m, tok, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	samples := testSamples()
	opts := config.DefaultTraining()
	opts.BatchSize = 3
	run, err := e.Fit(dataset.Dataset{Train: samples, Test: samples[:1]}, opts)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if run.TrainSamples != len(samples) || len(run.Epochs) != 0 {
		t.Errorf("unexpected run %+v", run)
	}

	deltas, err := precompute.EntityDeltas(m, tok, samples, []int{1})
	if err != nil {
		t.Fatal(err)
	}
	x := toDense(deltas.Vectors[precompute.EntityDeltaKey(1)])
	mean := e.Mean()
	for i := range mean {
		if want := stat.Mean(mat.Col(nil, i, x), nil); math.Abs(mean[i]-want) > 1e-5 {
			t.Errorf("mean[%d] = %g, want %g", i, mean[i], want)
		}
	}
}
