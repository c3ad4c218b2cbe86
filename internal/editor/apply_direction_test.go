package editor

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/precompute"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

func ones(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestApplyDirectionSkipsSingleTokenPasses(t *testing.T) {
	m, _ := fixture(t)
	in := model.Input{IDs: [][]int{{5}, {7}}, Mask: [][]bool{{true}, {true}}}
	plain, err := m.Forward(in, model.ForwardOptions{Capture: []int{1}})
	if err != nil {
		t.Fatal(err)
	}

	D := m.HiddenSize()
	dirs := [][]float32{ones(D, 3), ones(D, -2)}
	ranges := []tokenizer.TokenRange{{Start: 0, End: 1}, {Start: 0, End: 1}}
	var edited *model.Output
	err = WithDirection(m, 1, dirs, ranges, 1, func() error {
		var err error
		edited, err = m.Forward(in, model.ForwardOptions{Capture: []int{1}})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	for b := range plain.Logits {
		if d := maxAbsDiff(plain.Logits[b], edited.Logits[b]); d != 0 {
			t.Errorf("row %d: logits changed by %g on a length-1 pass", b, d)
		}
		if d := maxAbsDiff(plain.Hidden[1][b], edited.Hidden[1][b]); d != 0 {
			t.Errorf("row %d: hidden changed by %g on a length-1 pass", b, d)
		}
	}
}

func TestApplyDirectionEditsOnlyItsRange(t *testing.T) {
	m, tok := fixture(t)
	enc := precompute.Inputs(tok, testSamples()[:2])
	in := precompute.ModelInput(enc)
	const layer = 1
	plain, err := m.Forward(in, model.ForwardOptions{Capture: []int{layer}})
	if err != nil {
		t.Fatal(err)
	}

	D := m.HiddenSize()
	dir := make([]float32, D)
	for d := range dir {
		dir[d] = float32(d+1) / 4
	}
	// Row 0 is edited at [2, 4); row 1 carries a zero direction.
	dirs := [][]float32{dir, make([]float32, D)}
	ranges := []tokenizer.TokenRange{{Start: 2, End: 4}, {Start: 1, End: 3}}
	const alpha = 0.5

	var edited *model.Output
	err = WithDirection(m, layer, dirs, ranges, alpha, func() error {
		var err error
		edited, err = m.Forward(in, model.ForwardOptions{Capture: []int{layer}})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.HookCount() != 0 {
		t.Fatal("hook still installed")
	}

	for s := 0; s < enc.SeqLen(); s++ {
		got := edited.HiddenAt(layer, 0, s)
		want := plain.HiddenAt(layer, 0, s)
		if s >= 2 && s < 4 {
			for d := range got {
				if diff := got[d] - want[d] - alpha*dir[d]; diff > 1e-5 || diff < -1e-5 {
					t.Fatalf("position %d dim %d: edit off by %g", s, d, diff)
				}
			}
			continue
		}
		if d := maxAbsDiff(got, want); d != 0 {
			t.Errorf("position %d outside the range changed by %g", s, d)
		}
	}
	if d := maxAbsDiff(edited.Hidden[layer][1], plain.Hidden[layer][1]); d != 0 {
		t.Errorf("row 1 changed by %g", d)
	}
	if d := maxAbsDiff(edited.Logits[1], plain.Logits[1]); d != 0 {
		t.Errorf("row 1 logits changed by %g", d)
	}
	if d := maxAbsDiff(edited.Logits[0], plain.Logits[0]); d == 0 {
		t.Error("edit did not reach the logits")
	}
}

func TestApplyDirectionErrors(t *testing.T) {
	m, _ := fixture(t)
	D := m.HiddenSize()
	dirs := [][]float32{ones(D, 1)}
	ranges := []tokenizer.TokenRange{{Start: 0, End: 1}}

	tests := []struct {
		name    string
		layer   int
		dirs    [][]float32
		ranges  []tokenizer.TokenRange
		wantErr error
	}{
		{"layer too high", 3, dirs, ranges, model.ErrLayerOutOfRange},
		{"negative layer", -1, dirs, ranges, model.ErrLayerOutOfRange},
		{"batch mismatch", 0, dirs, append(ranges, ranges[0]), model.ErrBadInput},
		{"hidden mismatch", 0, [][]float32{ones(D-1, 1)}, ranges, model.ErrBadInput},
		{"empty range", 0, dirs, []tokenizer.TokenRange{{Start: 2, End: 2}}, model.ErrBadInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ApplyDirection(m, tt.layer, tt.dirs, tt.ranges, 1); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if m.HookCount() != 0 {
				t.Error("failed call left a hook installed")
			}
		})
	}

	h, err := ApplyDirection(m, 2, dirs, ranges, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ApplyDirection(m, 2, dirs, ranges, 1); !errors.Is(err, model.ErrHookActive) {
		t.Errorf("expected ErrHookActive, got %v", err)
	}
	h.Release()
	h.Release()
	if m.HookCount() != 0 {
		t.Error("Release did not uninstall the hook")
	}
	if h2, err := ApplyDirection(m, 2, dirs, ranges, 1); err != nil {
		t.Errorf("layer should be free after Release: %v", err)
	} else {
		h2.Release()
	}
}

func TestWithDirectionReleasesOnFailure(t *testing.T) {
	m, _ := fixture(t)
	D := m.HiddenSize()
	dirs := [][]float32{ones(D, 1)}
	ranges := []tokenizer.TokenRange{{Start: 0, End: 1}}

	boom := errors.New("boom")
	if err := WithDirection(m, 0, dirs, ranges, 1, func() error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected fn error, got %v", err)
	}
	if m.HookCount() != 0 {
		t.Error("hook left installed after error")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = WithDirection(m, 0, dirs, ranges, 1, func() error { panic("boom") })
	}()
	if m.HookCount() != 0 {
		t.Error("hook left installed after panic")
	}
}

func TestApplyDirectionRejectsMismatchedPass(t *testing.T) {
	m, _ := fixture(t)
	D := m.HiddenSize()
	in := model.Input{
		IDs:  [][]int{{5, 6, 7}, {7, 8, 9}},
		Mask: [][]bool{{true, true, true}, {true, true, true}},
	}
	plain, err := m.Forward(in, model.ForwardOptions{})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		dirs   [][]float32
		ranges []tokenizer.TokenRange
	}{
		{
			name:   "range past sequence",
			dirs:   [][]float32{ones(D, 1), ones(D, 1)},
			ranges: []tokenizer.TokenRange{{Start: 0, End: 2}, {Start: 1, End: 5}},
		},
		{
			name:   "batch mismatch",
			dirs:   [][]float32{ones(D, 1)},
			ranges: []tokenizer.TokenRange{{Start: 0, End: 2}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out *model.Output
			err := WithDirection(m, 1, tt.dirs, tt.ranges, 1, func() error {
				var err error
				out, err = m.Forward(in, model.ForwardOptions{})
				return err
			})
			if !errors.Is(err, model.ErrBadInput) {
				t.Fatalf("expected ErrBadInput, got %v", err)
			}
			if out != nil {
				t.Error("expected no output from a rejected pass")
			}
			if m.HookCount() != 0 {
				t.Error("hook left installed after rejected pass")
			}
			after, err := m.Forward(in, model.ForwardOptions{})
			if err != nil {
				t.Fatal(err)
			}
			for b := range plain.Logits {
				if d := maxAbsDiff(plain.Logits[b], after.Logits[b]); d != 0 {
					t.Errorf("row %d: logits changed by %g after rejection", b, d)
				}
			}
		})
	}
}
