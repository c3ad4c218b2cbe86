package editor

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// scriptedRunner replays fixed validation losses. Its single parameter
// holds the number of the last epoch run.
type scriptedRunner struct {
	val   []float64
	param *mat.Dense
	runs  int
	fail  int
}

func newScriptedRunner(val ...float64) *scriptedRunner {
	return &scriptedRunner{val: val, param: mat.NewDense(1, 1, []float64{-1}), fail: -1}
}

func (r *scriptedRunner) runEpoch(epoch int) (float64, float64, error) {
	if epoch == r.fail {
		return 0, 0, errors.New("scripted failure")
	}
	r.runs++
	r.param.Set(0, 0, float64(epoch))
	return 2 * r.val[epoch], r.val[epoch], nil
}

func (r *scriptedRunner) snapshot() State {
	return State{Type: "scripted", Params: map[string]*mat.Dense{"epoch": r.param}}.Clone()
}

func (r *scriptedRunner) restore(s State) error {
	r.param.Copy(s.Params["epoch"])
	return nil
}

func TestRunTrainingEarlyStopping(t *testing.T) {
	tests := []struct {
		name        string
		val         []float64
		maxEpochs   int
		patience    int
		wantRuns    int
		wantBest    int
		wantStopped bool
	}{
		{"stops after two bad epochs", []float64{5, 3, 2, 2.5, 3, 1, 1}, 6, 2, 5, 2, true},
		{"improving to the end", []float64{5, 4, 3, 2}, 3, 2, 4, 3, false},
		{"one bad epoch tolerated", []float64{5, 6, 4, 4.5}, 3, 2, 4, 2, false},
		{"patience one", []float64{3, 2, 2}, 2, 1, 3, 1, true},
		{"equal loss is not improvement", []float64{1, 1, 1}, 5, 2, 3, 0, true},
		{"epoch zero only", []float64{7}, 0, 2, 1, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newScriptedRunner(tt.val...)
			run, err := runTraining(r, tt.maxEpochs, tt.patience)
			if err != nil {
				t.Fatal(err)
			}
			if r.runs != tt.wantRuns || len(run.Epochs) != tt.wantRuns {
				t.Errorf("ran %d epochs (%d recorded), want %d", r.runs, len(run.Epochs), tt.wantRuns)
			}
			if run.EarlyStopped != tt.wantStopped {
				t.Errorf("EarlyStopped = %v, want %v", run.EarlyStopped, tt.wantStopped)
			}
			if run.BestEpoch != tt.wantBest || run.BestValLoss != tt.val[tt.wantBest] {
				t.Errorf("best = epoch %d (%g), want epoch %d", run.BestEpoch, run.BestValLoss, tt.wantBest)
			}
			if got := int(r.param.At(0, 0)); got != tt.wantBest {
				t.Errorf("restored parameters of epoch %d, want %d", got, tt.wantBest)
			}
			for i, e := range run.Epochs {
				if e.Epoch != i || e.TrainLoss != 2*tt.val[i] {
					t.Errorf("epoch stats %d = %+v", i, e)
				}
			}
		})
	}
}

func TestRunTrainingPropagatesErrors(t *testing.T) {
	r := newScriptedRunner(3, 2, 1)
	r.fail = 1
	if _, err := runTraining(r, 2, 2); err == nil {
		t.Error("expected epoch error")
	}
}

func TestAdamWStep(t *testing.T) {
	p := mat.NewDense(1, 2, []float64{1, -1})
	g := mat.NewDense(1, 2, []float64{0.5, -2})
	opt := newAdamW(0.1, 0)
	opt.step(map[string]*mat.Dense{"p": p}, map[string]*mat.Dense{"p": g})
	// The first bias-corrected Adam step moves each weight by lr against
	// the sign of its gradient.
	want := []float64{0.9, -0.9}
	for i, w := range want {
		if got := p.At(0, i); got < w-1e-6 || got > w+1e-6 {
			t.Errorf("p[%d] = %g, want %g", i, got, w)
		}
	}

	decayed := mat.NewDense(1, 1, []float64{2})
	opt = newAdamW(0.1, 0.5)
	opt.step(map[string]*mat.Dense{"p": decayed}, map[string]*mat.Dense{"p": mat.NewDense(1, 1, []float64{0})})
	if got := decayed.At(0, 0); got < 1.9-1e-9 || got > 1.9+1e-9 {
		t.Errorf("decay-only step = %g, want 1.9", got)
	}
}
