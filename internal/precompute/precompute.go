package precompute

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-steer/internal/cpu"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/metrics"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

var ErrNoTargetToken = errors.New("target encodes to no token")

type Options struct {
	// TargetTokenIDs stores the first token id of each target when every
	// sample carries one.
	TargetTokenIDs bool
	// EntityDeltas additionally computes entity deltas in FromDataset.
	EntityDeltas bool
}

func checkLayers(m *model.Model, layers []int) error {
	if len(layers) == 0 {
		return fmt.Errorf("%w: no layers requested", model.ErrLayerOutOfRange)
	}
	for _, l := range layers {
		if err := m.CheckLayer(l); err != nil {
			return err
		}
	}
	return nil
}

// Inputs encodes the prompts of samples as one left-padded batch.
func Inputs(tok *tokenizer.Tokenizer, samples []dataset.Sample) tokenizer.Encoding {
	prompts := make([]string, len(samples))
	for i, s := range samples {
		prompts[i] = s.Prompt
	}
	return tok.BatchEncode(prompts)
}

// ModelInput wraps an encoding for a forward pass.
func ModelInput(enc tokenizer.Encoding) model.Input {
	return model.Input{IDs: enc.IDs, Mask: enc.Mask}
}

// locate finds substring in row b of enc at or after byte from, and checks
// the result against that row's own token count.
func locate(enc tokenizer.Encoding, b int, substring string, from int, id string) (tokenizer.TokenRange, error) {
	r, err := tokenizer.FindTokenRange(enc.Texts[b], enc.Offsets[b], substring, from)
	if err == nil {
		err = r.Validate(len(enc.Offsets[b]))
	}
	if err != nil {
		metrics.RecordSpanError()
		return tokenizer.TokenRange{}, fmt.Errorf("sample %q: %w", id, err)
	}
	return r, nil
}

// TargetTokenID returns the first token of target as it would follow a
// prompt, with a leading space added when missing.
func TargetTokenID(tok *tokenizer.Tokenizer, target string) (int, error) {
	if strings.TrimSpace(target) == "" {
		return 0, fmt.Errorf("%w: %q", ErrNoTargetToken, target)
	}
	if !strings.HasPrefix(target, " ") {
		target = " " + target
	}
	ids := tok.Encode(target)
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoTargetToken, target)
	}
	return ids[0], nil
}

func captureAll(layers []int, b *Batch) {
	for _, l := range layers {
		b.Layers[l] = true
	}
}

// EditorInputs computes what an editor needs for samples: the attribute
// hidden state at every layer, averaged over the attribute's tokens in the
// context, the entity's token range in the prompt, and optionally the
// target token ids. The model is only read.
func EditorInputs(m *model.Model, tok *tokenizer.Tokenizer, samples []dataset.Sample, layers []int, opts Options) (*Batch, error) {
	if err := checkLayers(m, layers); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", model.ErrBadInput)
	}
	contexts := make([]string, len(samples))
	for i, s := range samples {
		contexts[i] = s.Context
	}
	ctx := tok.BatchEncode(contexts)
	prompts := Inputs(tok, samples)

	attrRanges := make([]tokenizer.TokenRange, len(samples))
	entityRanges := make([]tokenizer.TokenRange, len(samples))
	for i, s := range samples {
		var err error
		if attrRanges[i], err = locate(ctx, i, s.Attribute, 0, s.ID); err != nil {
			return nil, err
		}
		if entityRanges[i], err = locate(prompts, i, s.Entity, 0, s.ID); err != nil {
			return nil, err
		}
	}

	out, err := m.Forward(ModelInput(ctx), model.ForwardOptions{Capture: layers})
	if err != nil {
		return nil, err
	}

	b := NewBatch(samples)
	captureAll(layers, b)
	D := m.HiddenSize()
	for _, l := range layers {
		rows := make([][]float32, len(samples))
		for i := range samples {
			r := ctx.Shift(i, attrRanges[i])
			pooled := make([]float32, D)
			for s := r.Start; s < r.End; s++ {
				cpu.Add(pooled, out.HiddenAt(l, i, s))
			}
			inv := 1 / float32(r.Len())
			for d := range pooled {
				pooled[d] *= inv
			}
			rows[i] = pooled
		}
		if err := b.PutLayerVectors(l, AttributeHiddenKey(l), rows); err != nil {
			return nil, err
		}
	}
	if err := b.PutRanges(KeyAttributeRange, attrRanges); err != nil {
		return nil, err
	}
	if err := b.PutRanges(KeyEntityRange, entityRanges); err != nil {
		return nil, err
	}

	if opts.TargetTokenIDs && dataset.HasTargets(samples) {
		if err := putTargets(tok, b); err != nil {
			return nil, err
		}
	}
	metrics.RecordPrecompute("editor_inputs", len(samples))
	logger.Log.Debug("editor inputs computed", "samples", len(samples), "layers", layers, "seq_len", ctx.SeqLen())
	return b, nil
}

func putTargets(tok *tokenizer.Tokenizer, b *Batch) error {
	unmediated := true
	for _, s := range b.Samples {
		if s.TargetUnmediated == nil {
			unmediated = false
		}
	}
	med := make([]int, b.Len())
	var unmed []int
	if unmediated {
		unmed = make([]int, b.Len())
	}
	for i, s := range b.Samples {
		var err error
		if med[i], err = TargetTokenID(tok, *s.TargetMediated); err != nil {
			return fmt.Errorf("sample %q: %w", s.ID, err)
		}
		if unmediated {
			if unmed[i], err = TargetTokenID(tok, *s.TargetUnmediated); err != nil {
				return fmt.Errorf("sample %q: %w", s.ID, err)
			}
		}
	}
	if err := b.PutIDs(KeyTargetMediated, med); err != nil {
		return err
	}
	if unmediated {
		return b.PutIDs(KeyTargetUnmediated, unmed)
	}
	return nil
}

// EntityDeltas computes, at every layer, the hidden state of the entity's
// last token when the prompt follows the context minus the same with the
// prompt alone.
func EntityDeltas(m *model.Model, tok *tokenizer.Tokenizer, samples []dataset.Sample, layers []int) (*Batch, error) {
	if err := checkLayers(m, layers); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", model.ErrBadInput)
	}
	joined := make([]string, len(samples))
	for i, s := range samples {
		joined[i] = s.Context + " " + s.Prompt
	}
	inCtx := tok.BatchEncode(joined)
	alone := Inputs(tok, samples)

	ctxRanges := make([]tokenizer.TokenRange, len(samples))
	entityRanges := make([]tokenizer.TokenRange, len(samples))
	for i, s := range samples {
		var err error
		if ctxRanges[i], err = locate(inCtx, i, s.Entity, len(s.Context)+1, s.ID); err != nil {
			return nil, err
		}
		if entityRanges[i], err = locate(alone, i, s.Entity, 0, s.ID); err != nil {
			return nil, err
		}
	}

	opts := model.ForwardOptions{Capture: layers}
	outCtx, err := m.Forward(ModelInput(inCtx), opts)
	if err != nil {
		return nil, err
	}
	outAlone, err := m.Forward(ModelInput(alone), opts)
	if err != nil {
		return nil, err
	}

	b := NewBatch(samples)
	captureAll(layers, b)
	for _, l := range layers {
		hidden := make([][]float32, len(samples))
		deltas := make([][]float32, len(samples))
		for i := range samples {
			h := outAlone.HiddenAt(l, i, alone.Shift(i, entityRanges[i]).Last())
			hidden[i] = append([]float32(nil), h...)
			deltas[i] = append([]float32(nil), outCtx.HiddenAt(l, i, inCtx.Shift(i, ctxRanges[i]).Last())...)
			cpu.AddScaled(deltas[i], -1, h)
		}
		if err := b.PutLayerVectors(l, EntityHiddenKey(l), hidden); err != nil {
			return nil, err
		}
		if err := b.PutLayerVectors(l, EntityDeltaKey(l), deltas); err != nil {
			return nil, err
		}
	}
	if err := b.PutRanges(KeyEntityRange, entityRanges); err != nil {
		return nil, err
	}
	metrics.RecordPrecompute("entity_deltas", len(samples))
	return b, nil
}

// FromDataset precomputes editor inputs for samples in batches of
// batchSize.
func FromDataset(m *model.Model, tok *tokenizer.Tokenizer, samples []dataset.Sample, layers []int, batchSize int, opts Options) ([]*Batch, error) {
	if err := checkLayers(m, layers); err != nil {
		return nil, err
	}
	var out []*Batch
	for _, chunk := range dataset.Batches(samples, batchSize) {
		b, err := EditorInputs(m, tok, chunk, layers, opts)
		if err != nil {
			return nil, err
		}
		if opts.EntityDeltas {
			deltas, err := EntityDeltas(m, tok, chunk, layers)
			if err != nil {
				return nil, err
			}
			if err := b.Merge(deltas); err != nil {
				return nil, err
			}
		}
		out = append(out, b)
	}
	logger.Log.Info("precompute done", "samples", len(samples), "batches", len(out), "layers", layers)
	return out, nil
}
