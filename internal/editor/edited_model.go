package editor

import (
	"fmt"

	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/precompute"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

// EditedModel runs the editor's model with the editor's directions applied
// to each prompt's entity tokens. The hook is only installed for the
// duration of a call.
type EditedModel struct {
	editor Editor
	alpha  float32
}

func NewEditedModel(e Editor, alpha float32) *EditedModel {
	return &EditedModel{editor: e, alpha: alpha}
}

func (em *EditedModel) Editor() Editor { return em.editor }

// Outputs is an edited forward pass together with what produced it.
type Outputs struct {
	*model.Output
	Directions [][]float32
	Batch      *precompute.Batch
	Encoding   tokenizer.Encoding
}

type prepared struct {
	batch  *precompute.Batch
	enc    tokenizer.Encoding
	dirs   [][]float32
	ranges []tokenizer.TokenRange
}

// prepare fills in what the caller did not pass. Editor inputs are only
// computed when batch lacks them, and are then merged into batch.
func (em *EditedModel) prepare(samples []dataset.Sample, batch *precompute.Batch, enc *tokenizer.Encoding) (*prepared, error) {
	e := em.editor
	if samples == nil && batch != nil {
		samples = batch.Samples
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", model.ErrBadInput)
	}
	if !precompute.HasEditorInputs(batch, e.Layer()) {
		inputs, err := precompute.EditorInputs(e.Model(), e.Tokenizer(), samples, []int{e.Layer()}, precompute.Options{})
		if err != nil {
			return nil, err
		}
		if batch == nil {
			batch = inputs
		} else if err := batch.Merge(inputs); err != nil {
			return nil, err
		}
	}
	p := &prepared{batch: batch}
	if enc != nil {
		p.enc = *enc
	} else {
		p.enc = precompute.Inputs(e.Tokenizer(), samples)
	}
	var err error
	if p.ranges, err = entityRanges(batch, p.enc); err != nil {
		return nil, err
	}
	if p.dirs, err = e.Apply(batch.Vectors[precompute.AttributeHiddenKey(e.Layer())]); err != nil {
		return nil, err
	}
	return p, nil
}

// ComputeOutputs runs an edited forward pass over the prompts, capturing
// the given layers, and returns the directions that were applied.
func (em *EditedModel) ComputeOutputs(samples []dataset.Sample, batch *precompute.Batch, enc *tokenizer.Encoding, capture []int) (*Outputs, error) {
	p, err := em.prepare(samples, batch, enc)
	if err != nil {
		return nil, err
	}
	m := em.editor.Model()
	var out *model.Output
	err = WithDirection(m, em.editor.Layer(), p.dirs, p.ranges, em.alpha, func() error {
		var err error
		out, err = m.Forward(precompute.ModelInput(p.enc), model.ForwardOptions{Capture: capture})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Outputs{Output: out, Directions: p.dirs, Batch: p.batch, Encoding: p.enc}, nil
}

func (em *EditedModel) Forward(samples []dataset.Sample, batch *precompute.Batch, enc *tokenizer.Encoding) (*model.Output, error) {
	outs, err := em.ComputeOutputs(samples, batch, enc, nil)
	if err != nil {
		return nil, err
	}
	return outs.Output, nil
}

// Generate greedily decodes maxNew tokens per prompt. Only the prompt pass
// is edited; the hook skips the single-token decode steps.
func (em *EditedModel) Generate(samples []dataset.Sample, batch *precompute.Batch, enc *tokenizer.Encoding, maxNew int) (*model.Generation, error) {
	p, err := em.prepare(samples, batch, enc)
	if err != nil {
		return nil, err
	}
	m := em.editor.Model()
	var gen *model.Generation
	err = WithDirection(m, em.editor.Layer(), p.dirs, p.ranges, em.alpha, func() error {
		var err error
		gen, err = m.Generate(precompute.ModelInput(p.enc), maxNew)
		return err
	})
	return gen, err
}

// Apply runs fn while e's directions for samples are applied to the model.
// fn receives the prompt encoding the directions are aligned with.
func Apply(e Editor, alpha float32, samples []dataset.Sample, fn func(enc tokenizer.Encoding) error) error {
	em := NewEditedModel(e, alpha)
	p, err := em.prepare(samples, nil, nil)
	if err != nil {
		return err
	}
	return WithDirection(e.Model(), e.Layer(), p.dirs, p.ranges, alpha, func() error {
		return fn(p.enc)
	})
}
