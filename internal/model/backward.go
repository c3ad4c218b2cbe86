package model

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-steer/internal/cpu"
)

// BackwardToLayer propagates dLogits, the loss gradient with respect to the
// final-position logits of each row, back to the output of layer. out must
// come from a Forward traced at that layer. Weights receive no gradient.
// The result is [batch][seq*dim].
func (m *Model) BackwardToLayer(out *Output, dLogits [][]float32, layer int) ([][]float32, error) {
	if err := m.CheckLayer(layer); err != nil {
		return nil, err
	}
	if out == nil || out.trace == nil {
		return nil, fmt.Errorf("%w: forward pass was not traced", ErrBadInput)
	}
	if out.trace.layer != layer {
		return nil, fmt.Errorf("%w: traced at layer %d, not %d", ErrBadInput, out.trace.layer, layer)
	}
	if len(dLogits) != len(out.trace.final) {
		return nil, fmt.Errorf("%w: %d gradient rows for batch of %d", ErrBadInput, len(dLogits), len(out.trace.final))
	}
	D, V, S := m.cfg.Dim, m.cfg.VocabSize, out.SeqLen
	for b, g := range dLogits {
		if len(g) != V {
			return nil, fmt.Errorf("%w: gradient row %d has %d values, want %d", ErrBadInput, b, len(g), V)
		}
	}

	grads := make([][]float32, len(dLogits))
	forEachRow(len(dLogits), func(b int) {
		dn := make([]float32, D)
		cpu.LinearBackward(dLogits[b], 1, V, m.w.Output, D, dn)
		dx := make([]float32, S*D)
		cpu.RMSNormBackward(out.trace.final[b], 1, D, m.w.OutNorm, m.cfg.Eps, dn, dx[(S-1)*D:])
		for l := m.cfg.Layers - 1; l > layer; l-- {
			dx = m.blockBackward(l, out.trace.acts[l-layer-1][b], S, dx)
		}
		grads[b] = dx
	})
	return grads, nil
}

// blockBackward maps the gradient of block l's output to its input.
func (m *Model) blockBackward(l int, a *blockActs, S int, dOut []float32) []float32 {
	blk := &m.w.Blocks[l]
	D, Hd, H, hd, eps := m.cfg.Dim, m.cfg.HiddenDim, m.cfg.Heads, m.cfg.HeadDim, m.cfg.Eps

	// MLP: out = mid + gelu(norm(mid)·Up)·Down
	dMid := append([]float32(nil), dOut...)
	dg := make([]float32, S*Hd)
	cpu.LinearBackward(dOut, S, D, blk.Down, Hd, dg)
	du := make([]float32, S*Hd)
	cpu.GeLUBackward(a.u, dg, du)
	dhn2 := make([]float32, S*D)
	cpu.LinearBackward(du, S, Hd, blk.Up, D, dhn2)
	cpu.RMSNormBackward(a.mid, S, D, blk.FFNNorm, eps, dhn2, dMid)

	// Attention: mid = x + attend(norm(x))·O
	dctx := make([]float32, S*D)
	cpu.LinearBackward(dMid, S, D, blk.O, D, dctx)
	dq := make([]float32, S*D)
	dk := make([]float32, S*D)
	dv := make([]float32, S*D)
	scale := float32(1 / math.Sqrt(float64(hd)))
	dP := make([]float32, S)
	for h := 0; h < H; h++ {
		lo, hi := h*hd, (h+1)*hd
		for i := 0; i < S; i++ {
			p := a.probs[(h*S+i)*S : (h*S+i+1)*S]
			dci := dctx[i*D+lo : i*D+hi]
			var rowDot float32
			for j := 0; j <= i; j++ {
				if p[j] == 0 {
					dP[j] = 0
					continue
				}
				dP[j] = cpu.Dot(dci, a.v[j*D+lo:j*D+hi])
				rowDot += p[j] * dP[j]
				cpu.AddScaled(dv[j*D+lo:j*D+hi], p[j], dci)
			}
			qi := a.q[i*D+lo : i*D+hi]
			dqi := dq[i*D+lo : i*D+hi]
			for j := 0; j <= i; j++ {
				if p[j] == 0 {
					continue
				}
				ds := p[j] * (dP[j] - rowDot) * scale
				cpu.AddScaled(dqi, ds, a.k[j*D+lo:j*D+hi])
				cpu.AddScaled(dk[j*D+lo:j*D+hi], ds, qi)
			}
		}
	}
	dhn1 := make([]float32, S*D)
	cpu.LinearBackward(dq, S, D, blk.Q, D, dhn1)
	cpu.LinearBackward(dk, S, D, blk.K, D, dhn1)
	cpu.LinearBackward(dv, S, D, blk.V, D, dhn1)
	dx := dMid
	cpu.RMSNormBackward(a.x, S, D, blk.AttnNorm, eps, dhn1, dx)
	return dx
}
