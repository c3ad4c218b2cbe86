package editor

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-steer/internal/cpu"
	"github.com/23skdu/longbow-steer/internal/metrics"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

// DirectionHook adds one direction per batch row to a layer's output over
// that row's token range. It stays installed until Release.
type DirectionHook struct {
	handle *model.HookHandle
	once   sync.Once
}

// ApplyDirection installs a hook on layer that, for every row b, adds
// alpha*directions[b] to the layer output at positions ranges[b]. Passes
// with a sequence length of 1 are incremental decode steps and are left
// untouched. Ranges are in the coordinates of the padded forward input.
func ApplyDirection(m *model.Model, layer int, directions [][]float32, ranges []tokenizer.TokenRange, alpha float32) (*DirectionHook, error) {
	if err := m.CheckLayer(layer); err != nil {
		return nil, err
	}
	if len(directions) != len(ranges) {
		return nil, fmt.Errorf("%w: %d directions for %d token ranges", model.ErrBadInput, len(directions), len(ranges))
	}
	D := m.HiddenSize()
	dirs := make([][]float32, len(directions))
	for b, d := range directions {
		if len(d) != D {
			return nil, fmt.Errorf("%w: direction %d has size %d, want %d", model.ErrBadInput, b, len(d), D)
		}
		if err := ranges[b].Validate(m.MaxSeqLen()); err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", model.ErrBadInput, b, err)
		}
		dirs[b] = append([]float32(nil), d...)
	}
	spans := append([]tokenizer.TokenRange(nil), ranges...)

	edit := func(out *model.LayerOutput) error {
		if out.SeqLen == 1 {
			metrics.RecordHookCall(false)
			return nil
		}
		if len(out.Hidden) != len(dirs) {
			return fmt.Errorf("%w: batch of %d, have %d directions", model.ErrBadInput, len(out.Hidden), len(dirs))
		}
		// Check every row before touching any, so a bad range leaves the
		// pass unedited.
		for b, r := range spans {
			if r.End > out.SeqLen {
				return fmt.Errorf("%w: row %d range [%d, %d) past sequence length %d", model.ErrBadInput, b, r.Start, r.End, out.SeqLen)
			}
		}
		for b, r := range spans {
			for s := r.Start; s < r.End; s++ {
				cpu.AddScaled(out.Row(b, s), alpha, dirs[b])
			}
		}
		metrics.RecordHookCall(true)
		return nil
	}

	h, err := m.RegisterHook(layer, edit)
	if err != nil {
		return nil, err
	}
	metrics.RecordHookInstalled()
	return &DirectionHook{handle: h}, nil
}

// Release uninstalls the hook. Further calls do nothing.
func (h *DirectionHook) Release() {
	h.once.Do(func() {
		h.handle.Release()
		metrics.RecordHookReleased()
	})
}

// WithDirection runs fn with the directions applied and always uninstalls
// the hook afterwards, including when fn panics. A batch or range mismatch
// found during fn's forward passes comes back as ErrBadInput from them.
func WithDirection(m *model.Model, layer int, directions [][]float32, ranges []tokenizer.TokenRange, alpha float32, fn func() error) error {
	h, err := ApplyDirection(m, layer, directions, ranges, alpha)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}
