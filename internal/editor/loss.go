package editor

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-steer/internal/cpu"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/precompute"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

type LossOptions struct {
	Alpha float32
	// Lam weighs the KL term; it is only computed when KL is set.
	Lam float64
	KL  bool
	// Grad requests the gradient of the loss with respect to each direction.
	Grad bool
}

type LossResult struct {
	Loss float64
	NLL  float64
	KL   float64
	// DirGrad is [batch][hidden] when LossOptions.Grad is set.
	DirGrad [][]float32
}

// entityRanges returns the entity spans of b moved into enc's padded
// coordinates.
func entityRanges(b *precompute.Batch, enc tokenizer.Encoding) ([]tokenizer.TokenRange, error) {
	ranges, ok := b.Ranges[precompute.KeyEntityRange]
	if !ok {
		return nil, fmt.Errorf("%w: batch has no entity ranges", model.ErrBadInput)
	}
	if len(ranges) != enc.Len() {
		return nil, fmt.Errorf("%w: %d entity ranges for %d encoded rows", model.ErrBadInput, len(ranges), enc.Len())
	}
	out := make([]tokenizer.TokenRange, len(ranges))
	for i, r := range ranges {
		out[i] = enc.Shift(i, r)
	}
	return out, nil
}

// EditingLoss applies dirs at layer over each row's entity span and scores
// the edited model's next-token distribution after the prompt: the mean
// negative log-likelihood of the mediated target plus, with KL set,
// Lam times the mean KL divergence of the edited distribution from the
// unedited one.
func EditingLoss(m *model.Model, layer int, dirs [][]float32, b *precompute.Batch, enc tokenizer.Encoding, opts LossOptions) (*LossResult, error) {
	targets, ok := b.IDs[precompute.KeyTargetMediated]
	if !ok {
		return nil, fmt.Errorf("%w: batch has no mediated targets", model.ErrBadInput)
	}
	ranges, err := entityRanges(b, enc)
	if err != nil {
		return nil, err
	}
	in := precompute.ModelInput(enc)

	var orig [][]float32
	if opts.KL {
		out, err := m.Forward(in, model.ForwardOptions{})
		if err != nil {
			return nil, err
		}
		orig = out.Logits
	}

	var edited *model.Output
	err = WithDirection(m, layer, dirs, ranges, opts.Alpha, func() error {
		var err error
		edited, err = m.Forward(in, model.ForwardOptions{Trace: opts.Grad, TraceLayer: layer})
		return err
	})
	if err != nil {
		return nil, err
	}

	B, V := len(targets), m.VocabSize()
	res := &LossResult{}
	var dLogits [][]float32
	if opts.Grad {
		dLogits = make([][]float32, B)
	}
	logp := make([]float64, V)
	logq := make([]float64, V)
	for i, target := range targets {
		cpu.LogSoftmax(edited.Logits[i], logp)
		res.NLL -= logp[target]

		var kl float64
		if orig != nil {
			cpu.LogSoftmax(orig[i], logq)
			for v := range logp {
				kl += math.Exp(logp[v]) * (logp[v] - logq[v])
			}
			res.KL += kl
		}
		if !opts.Grad {
			continue
		}
		g := make([]float32, V)
		for v := range g {
			p := math.Exp(logp[v])
			d := p
			if v == target {
				d--
			}
			if orig != nil {
				d += opts.Lam * p * (logp[v] - logq[v] - kl)
			}
			g[v] = float32(d / float64(B))
		}
		dLogits[i] = g
	}
	res.NLL /= float64(B)
	res.KL /= float64(B)
	res.Loss = res.NLL
	if orig != nil {
		res.Loss += opts.Lam * res.KL
	}
	if !opts.Grad {
		return res, nil
	}

	dH, err := m.BackwardToLayer(edited, dLogits, layer)
	if err != nil {
		return nil, err
	}
	D := m.HiddenSize()
	res.DirGrad = make([][]float32, B)
	for i, r := range ranges {
		g := make([]float32, D)
		for s := r.Start; s < r.End; s++ {
			cpu.AddScaled(g, opts.Alpha, dH[i][s*D:(s+1)*D])
		}
		res.DirGrad[i] = g
	}
	return res, nil
}
