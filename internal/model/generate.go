package model

import (
	"fmt"

	"github.com/23skdu/longbow-steer/internal/cpu"
	"github.com/23skdu/longbow-steer/internal/metrics"
)

type Generation struct {
	// Tokens holds the new token ids of every row.
	Tokens [][]int
	// FirstLogits are the logits the first new token was chosen from.
	FirstLogits [][]float32
}

// Generate greedily decodes maxNew tokens per row. Ties go to the lowest
// token id, so the result is deterministic for fixed weights and hooks.
func (m *Model) Generate(in Input, maxNew int) (*Generation, error) {
	if maxNew <= 0 {
		return nil, fmt.Errorf("%w: max new tokens %d", ErrBadInput, maxNew)
	}
	cache := NewKVCache(m.cfg.Layers, m.cfg.Dim)
	out, err := m.Forward(in, ForwardOptions{Cache: cache})
	if err != nil {
		return nil, err
	}
	B := len(in.IDs)
	gen := &Generation{
		Tokens:      make([][]int, B),
		FirstLogits: out.Logits,
	}
	next := make([]int, B)
	for b, logits := range out.Logits {
		next[b] = cpu.ArgMax(logits)
		gen.Tokens[b] = append(make([]int, 0, maxNew), next[b])
	}
	for step := 1; step < maxNew; step++ {
		out, err := m.Step(cache, next)
		if err != nil {
			return nil, err
		}
		for b, logits := range out.Logits {
			next[b] = cpu.ArgMax(logits)
			gen.Tokens[b] = append(gen.Tokens[b], next[b])
		}
	}
	metrics.RecordGenerated(B * maxNew)
	return gen, nil
}
