package model

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/23skdu/longbow-steer/internal/cpu"
	"github.com/23skdu/longbow-steer/internal/metrics"
)

// Input is a rectangular batch of token ids. Mask marks real tokens; rows
// are expected to be left-padded so the final column is always real.
type Input struct {
	IDs  [][]int
	Mask [][]bool
}

func (in Input) SeqLen() int {
	if len(in.IDs) == 0 {
		return 0
	}
	return len(in.IDs[0])
}

func (m *Model) validate(in Input) error {
	if len(in.IDs) == 0 {
		return fmt.Errorf("%w: empty batch", ErrBadInput)
	}
	if len(in.Mask) != len(in.IDs) {
		return fmt.Errorf("%w: %d mask rows for %d id rows", ErrBadInput, len(in.Mask), len(in.IDs))
	}
	s := len(in.IDs[0])
	if s == 0 {
		return fmt.Errorf("%w: empty sequence", ErrBadInput)
	}
	for b, row := range in.IDs {
		if len(row) != s || len(in.Mask[b]) != s {
			return fmt.Errorf("%w: row %d is not %d long", ErrBadInput, b, s)
		}
		if !in.Mask[b][s-1] {
			return fmt.Errorf("%w: row %d ends in padding", ErrBadInput, b)
		}
		for _, id := range row {
			if id < 0 || id >= m.cfg.VocabSize {
				return fmt.Errorf("%w: token id %d outside vocabulary", ErrBadInput, id)
			}
		}
	}
	return nil
}

type ForwardOptions struct {
	// Capture lists layers whose outputs, after any hook, are copied into
	// Output.Hidden.
	Capture []int
	// Trace records the activations BackwardToLayer(TraceLayer) needs.
	Trace      bool
	TraceLayer int
	// Cache, when set, is reset and filled for incremental decoding.
	Cache *KVCache
}

type Output struct {
	SeqLen int
	// Logits at the final position, [batch][vocab].
	Logits [][]float32
	// Hidden holds captured layer outputs, [layer][batch][seq*dim].
	Hidden map[int][][]float32

	trace *trace
}

// HiddenAt returns the captured hidden vector of row b at position s.
func (o *Output) HiddenAt(layer, b, s int) []float32 {
	rows, ok := o.Hidden[layer]
	if !ok {
		return nil
	}
	d := len(rows[b]) / o.SeqLen
	return rows[b][s*d : (s+1)*d]
}

type blockActs struct {
	x     []float32 // block input
	hn1   []float32
	q     []float32
	k     []float32
	v     []float32
	probs []float32 // heads x seq x seq
	mid   []float32 // residual after attention
	u     []float32 // MLP pre-activation, seq x hidden
}

type trace struct {
	layer int
	acts  [][]*blockActs // [block-layer-1][row]
	final [][]float32    // [row] last-position output of the final block
}

func forEachRow(rows int, fn func(b int)) {
	if rows == 1 {
		fn(0)
		return
	}
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup
	for b := 0; b < rows; b++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(b int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(b)
		}(b)
	}
	wg.Wait()
}

// positions assigns each real token its index among the real tokens of
// its row; padding sits at position 0.
func positions(mask []bool) []int {
	pos := make([]int, len(mask))
	n := 0
	for s, real := range mask {
		if real {
			pos[s] = n
			n++
		}
	}
	return pos
}

func (m *Model) Forward(in Input, opts ForwardOptions) (*Output, error) {
	if err := m.validate(in); err != nil {
		return nil, err
	}
	for _, l := range opts.Capture {
		if err := m.CheckLayer(l); err != nil {
			return nil, err
		}
	}
	if opts.Trace {
		if err := m.CheckLayer(opts.TraceLayer); err != nil {
			return nil, err
		}
	}
	start := time.Now()
	B, S, D := len(in.IDs), in.SeqLen(), m.cfg.Dim

	x := make([][]float32, B)
	pos := make([][]int, B)
	for b := range in.IDs {
		pos[b] = positions(in.Mask[b])
		if last := pos[b][S-1]; last >= m.cfg.SeqLen {
			return nil, fmt.Errorf("%w: %d tokens, limit %d", ErrContextOverflow, last+1, m.cfg.SeqLen)
		}
		x[b] = make([]float32, S*D)
		for s, id := range in.IDs[b] {
			m.embed(id, pos[b][s], x[b][s*D:(s+1)*D])
		}
	}

	if opts.Cache != nil {
		opts.Cache.reset(B)
		for b := range in.Mask {
			opts.Cache.mask[b] = append([]bool(nil), in.Mask[b]...)
			opts.Cache.pos[b] = pos[b][S-1] + 1
		}
	}

	out := &Output{SeqLen: S, Hidden: make(map[int][][]float32)}
	if opts.Trace {
		out.trace = &trace{
			layer: opts.TraceLayer,
			acts:  make([][]*blockActs, m.cfg.Layers-opts.TraceLayer-1),
		}
	}
	capture := make(map[int]bool, len(opts.Capture))
	for _, l := range opts.Capture {
		capture[l] = true
	}
	hooks := m.hookSnapshot()

	for l := 0; l < m.cfg.Layers; l++ {
		var acts []*blockActs
		if out.trace != nil && l > out.trace.layer {
			acts = make([]*blockActs, B)
			out.trace.acts[l-out.trace.layer-1] = acts
		}
		forEachRow(B, func(b int) {
			var a *blockActs
			if acts != nil {
				a = &blockActs{}
				acts[b] = a
			}
			m.block(l, x[b], S, in.Mask[b], opts.Cache, b, a)
		})
		if fn, ok := hooks[l]; ok {
			if err := fn(&LayerOutput{Layer: l, SeqLen: S, Dim: D, Hidden: x}); err != nil {
				return nil, fmt.Errorf("layer %d hook: %w", l, err)
			}
		}
		if capture[l] {
			rows := make([][]float32, B)
			for b := range x {
				rows[b] = append([]float32(nil), x[b]...)
			}
			out.Hidden[l] = rows
		}
	}

	if out.trace != nil {
		out.trace.final = make([][]float32, B)
		for b := range x {
			out.trace.final[b] = append([]float32(nil), x[b][(S-1)*D:]...)
		}
	}
	out.Logits = m.head(x, S)
	metrics.RecordForward(S, time.Since(start))
	return out, nil
}

func (m *Model) embed(id, pos int, dst []float32) {
	D := m.cfg.Dim
	copy(dst, m.w.TokenEmb[id*D:(id+1)*D])
	cpu.Add(dst, m.w.PosEmb[pos*D:(pos+1)*D])
}

// head maps the final position of every row to vocabulary logits.
func (m *Model) head(x [][]float32, seqLen int) [][]float32 {
	D, V := m.cfg.Dim, m.cfg.VocabSize
	logits := make([][]float32, len(x))
	forEachRow(len(x), func(b int) {
		n := make([]float32, D)
		cpu.RMSNorm(x[b][(seqLen-1)*D:], 1, D, m.w.OutNorm, m.cfg.Eps, n)
		logits[b] = make([]float32, V)
		cpu.Linear(n, 1, D, m.w.Output, V, logits[b])
	})
	return logits
}

// block runs layer l over the sq positions in x, replacing x with the
// layer output. With a cache, the new keys and values are appended to row
// b's cached ones and attention spans both.
func (m *Model) block(l int, x []float32, sq int, mask []bool, cache *KVCache, b int, a *blockActs) {
	blk := &m.w.Blocks[l]
	D, Hd, eps := m.cfg.Dim, m.cfg.HiddenDim, m.cfg.Eps

	if a != nil {
		a.x = append([]float32(nil), x...)
	}
	hn := make([]float32, sq*D)
	cpu.RMSNorm(x, sq, D, blk.AttnNorm, eps, hn)
	q := make([]float32, sq*D)
	k := make([]float32, sq*D)
	v := make([]float32, sq*D)
	cpu.Linear(hn, sq, D, blk.Q, D, q)
	cpu.Linear(hn, sq, D, blk.K, D, k)
	cpu.Linear(hn, sq, D, blk.V, D, v)

	keys, values, keyMask, offset := k, v, mask, 0
	if cache != nil {
		offset = len(cache.k[l][b]) / D
		cache.append(l, b, k, v)
		keys, values = cache.k[l][b], cache.v[l][b]
		keyMask = cache.mask[b]
	}
	sk := len(keys) / D

	ctx := make([]float32, sq*D)
	var probs []float32
	if a != nil {
		probs = make([]float32, m.cfg.Heads*sq*sk)
	}
	m.attend(q, keys, values, sq, sk, offset, keyMask, probs, ctx)

	attn := make([]float32, sq*D)
	cpu.Linear(ctx, sq, D, blk.O, D, attn)
	cpu.Add(x, attn)
	if a != nil {
		a.hn1, a.q, a.k, a.v, a.probs = hn, q, k, v, probs
		a.mid = append([]float32(nil), x...)
	}

	hn2 := make([]float32, sq*D)
	cpu.RMSNorm(x, sq, D, blk.FFNNorm, eps, hn2)
	u := make([]float32, sq*Hd)
	cpu.Linear(hn2, sq, D, blk.Up, Hd, u)
	g := make([]float32, sq*Hd)
	cpu.GeLU(u, g)
	down := make([]float32, sq*D)
	cpu.Linear(g, sq, Hd, blk.Down, D, down)
	cpu.Add(x, down)
	if a != nil {
		a.u = u
	}
}

// attend computes causal multi-head attention of q (sq x dim) over keys and
// values (sk x dim). Query i sits at key index offset+i; key j is visible
// when j <= offset+i and mask[j]. A query with no visible key yields zeros.
func (m *Model) attend(q, keys, values []float32, sq, sk, offset int, mask []bool, probs, out []float32) {
	D, H, hd := m.cfg.Dim, m.cfg.Heads, m.cfg.HeadDim
	scale := float32(1 / math.Sqrt(float64(hd)))
	scores := make([]float32, sk)
	visible := make([]bool, sk)

	for h := 0; h < H; h++ {
		lo, hi := h*hd, (h+1)*hd
		for i := 0; i < sq; i++ {
			qi := q[i*D+lo : i*D+hi]
			oi := out[i*D+lo : i*D+hi]
			for d := range oi {
				oi[d] = 0
			}
			max := float32(math.Inf(-1))
			n := 0
			for j := 0; j < sk; j++ {
				visible[j] = j <= offset+i && mask[j]
				if !visible[j] {
					continue
				}
				scores[j] = cpu.Dot(qi, keys[j*D+lo:j*D+hi]) * scale
				if scores[j] > max {
					max = scores[j]
				}
				n++
			}
			if n == 0 {
				continue
			}
			var sum float32
			for j := 0; j < sk; j++ {
				if visible[j] {
					scores[j] = float32(math.Exp(float64(scores[j] - max)))
					sum += scores[j]
				}
			}
			for j := 0; j < sk; j++ {
				if !visible[j] {
					continue
				}
				p := scores[j] / sum
				if probs != nil {
					probs[(h*sq+i)*sk+j] = p
				}
				cpu.AddScaled(oi, p, values[j*D+lo:j*D+hi])
			}
		}
	}
}

// Step feeds one token per row through a filled cache and returns the
// next-token logits. Hooks see a sequence length of 1.
func (m *Model) Step(cache *KVCache, ids []int) (*Output, error) {
	if cache == nil || cache.Rows() == 0 {
		return nil, fmt.Errorf("%w: empty cache", ErrBadInput)
	}
	if len(ids) != cache.Rows() {
		return nil, fmt.Errorf("%w: %d ids for %d cached rows", ErrBadInput, len(ids), cache.Rows())
	}
	start := time.Now()
	B, D := len(ids), m.cfg.Dim
	x := make([][]float32, B)
	for b, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return nil, fmt.Errorf("%w: token id %d outside vocabulary", ErrBadInput, id)
		}
		if cache.pos[b] >= m.cfg.SeqLen {
			return nil, fmt.Errorf("%w: position %d, limit %d", ErrContextOverflow, cache.pos[b], m.cfg.SeqLen)
		}
	}
	for b, id := range ids {
		x[b] = make([]float32, D)
		m.embed(id, cache.pos[b], x[b])
		cache.mask[b] = append(cache.mask[b], true)
		cache.pos[b]++
	}

	hooks := m.hookSnapshot()
	for l := 0; l < m.cfg.Layers; l++ {
		forEachRow(B, func(b int) {
			m.block(l, x[b], 1, nil, cache, b, nil)
		})
		if fn, ok := hooks[l]; ok {
			if err := fn(&LayerOutput{Layer: l, SeqLen: 1, Dim: D, Hidden: x}); err != nil {
				return nil, fmt.Errorf("layer %d hook: %w", l, err)
			}
		}
	}
	out := &Output{SeqLen: 1, Logits: m.head(x, 1)}
	metrics.RecordForward(1, time.Since(start))
	return out, nil
}
