package model

import (
	"fmt"
	"sync"
)

// LayerOutput exposes one layer's output to a hook. Hidden[b] is the row's
// SeqLen x Dim activations and may be modified in place; downstream layers
// see the edit.
type LayerOutput struct {
	Layer  int
	SeqLen int
	Dim    int
	Hidden [][]float32
}

// Row returns the hidden vector of row b at position s.
func (o *LayerOutput) Row(b, s int) []float32 {
	return o.Hidden[b][s*o.Dim : (s+1)*o.Dim]
}

// HookFunc edits a layer's output. A returned error aborts the pass and is
// returned by Forward or Step.
type HookFunc func(out *LayerOutput) error

type HookHandle struct {
	m     *Model
	layer int
	fn    HookFunc
	once  sync.Once
}

func (h *HookHandle) Layer() int { return h.layer }

// Release uninstalls the hook. Calling it more than once is harmless.
func (h *HookHandle) Release() {
	h.once.Do(func() {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		if h.m.hooks[h.layer] == h {
			delete(h.m.hooks, h.layer)
		}
	})
}

// RegisterHook installs fn on the output of layer. A layer carries at most
// one hook at a time.
func (m *Model) RegisterHook(layer int, fn HookFunc) (*HookHandle, error) {
	if err := m.CheckLayer(layer); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("nil hook for layer %d", layer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.hooks[layer]; busy {
		return nil, fmt.Errorf("%w: %d", ErrHookActive, layer)
	}
	h := &HookHandle{m: m, layer: layer, fn: fn}
	m.hooks[layer] = h
	return h, nil
}

// HookCount reports the number of installed hooks.
func (m *Model) HookCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hooks)
}

func (m *Model) hookSnapshot() map[int]HookFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.hooks) == 0 {
		return nil
	}
	out := make(map[int]HookFunc, len(m.hooks))
	for l, h := range m.hooks {
		out[l] = h.fn
	}
	return out
}
