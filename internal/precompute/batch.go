package precompute

import (
	"fmt"

	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

const (
	KeyAttributeRange   = "context.token_range.attribute"
	KeyEntityRange      = "prompt.token_range.entity"
	KeyTargetMediated   = "target_mediated.token_id"
	KeyTargetUnmediated = "target_unmediated.token_id"
)

// AttributeHiddenKey names the pooled attribute hidden state at layer.
func AttributeHiddenKey(layer int) string {
	return fmt.Sprintf("context.hiddens.%d.attribute", layer)
}

// EntityHiddenKey names the entity hidden state, read from the prompt alone.
func EntityHiddenKey(layer int) string {
	return fmt.Sprintf("prompt.hiddens.%d.entity", layer)
}

// EntityDeltaKey names the entity hidden state in context minus in prompt.
func EntityDeltaKey(layer int) string {
	return fmt.Sprintf("prompt_in_context.delta.%d", layer)
}

// Batch holds precomputed values for a run of samples. Every map entry has
// one row per sample. Token ranges are in the coordinates of the sample's
// own unpadded tokenization.
type Batch struct {
	Samples []dataset.Sample
	Vectors map[string][][]float32
	Ranges  map[string][]tokenizer.TokenRange
	IDs     map[string][]int
	// Layers records which layers a forward pass has captured for this
	// batch; layer keyed vectors may only be written for these.
	Layers map[int]bool
}

func NewBatch(samples []dataset.Sample) *Batch {
	return &Batch{
		Samples: samples,
		Vectors: make(map[string][][]float32),
		Ranges:  make(map[string][]tokenizer.TokenRange),
		IDs:     make(map[string][]int),
		Layers:  make(map[int]bool),
	}
}

func (b *Batch) Len() int { return len(b.Samples) }

func (b *Batch) checkRows(key string, n int) error {
	if n != len(b.Samples) {
		return fmt.Errorf("%s: %d rows for batch of %d", key, n, len(b.Samples))
	}
	return nil
}

// PutLayerVectors stores rows under a layer keyed name. The layer must have
// been captured for this batch.
func (b *Batch) PutLayerVectors(layer int, key string, rows [][]float32) error {
	if !b.Layers[layer] {
		return fmt.Errorf("%s: layer %d was not captured", key, layer)
	}
	if err := b.checkRows(key, len(rows)); err != nil {
		return err
	}
	b.Vectors[key] = rows
	return nil
}

func (b *Batch) PutRanges(key string, ranges []tokenizer.TokenRange) error {
	if err := b.checkRows(key, len(ranges)); err != nil {
		return err
	}
	b.Ranges[key] = ranges
	return nil
}

func (b *Batch) PutIDs(key string, ids []int) error {
	if err := b.checkRows(key, len(ids)); err != nil {
		return err
	}
	b.IDs[key] = ids
	return nil
}

// Merge copies every entry of other into b. Both must cover the same samples.
func (b *Batch) Merge(other *Batch) error {
	if len(other.Samples) != len(b.Samples) {
		return fmt.Errorf("merge %d rows into %d", len(other.Samples), len(b.Samples))
	}
	for i := range b.Samples {
		if b.Samples[i].ID != other.Samples[i].ID {
			return fmt.Errorf("merge row %d: sample %q != %q", i, other.Samples[i].ID, b.Samples[i].ID)
		}
	}
	for l := range other.Layers {
		b.Layers[l] = true
	}
	for k, v := range other.Vectors {
		b.Vectors[k] = v
	}
	for k, v := range other.Ranges {
		b.Ranges[k] = v
	}
	for k, v := range other.IDs {
		b.IDs[k] = v
	}
	return nil
}

// Slice returns the rows [i, j) as a new batch sharing the row data.
func (b *Batch) Slice(i, j int) *Batch {
	out := NewBatch(b.Samples[i:j])
	for l := range b.Layers {
		out.Layers[l] = true
	}
	for k, v := range b.Vectors {
		out.Vectors[k] = v[i:j]
	}
	for k, v := range b.Ranges {
		out.Ranges[k] = v[i:j]
	}
	for k, v := range b.IDs {
		out.IDs[k] = v[i:j]
	}
	return out
}

// HasEditorInputs reports whether b already carries what an editor at
// layer needs.
func HasEditorInputs(b *Batch, layer int) bool {
	if b == nil {
		return false
	}
	_, attr := b.Vectors[AttributeHiddenKey(layer)]
	_, entity := b.Ranges[KeyEntityRange]
	return attr && entity
}

func HasEntityDeltas(b *Batch, layer int) bool {
	if b == nil {
		return false
	}
	_, ok := b.Vectors[EntityDeltaKey(layer)]
	return ok
}

// HasTargets reports whether the mediated target ids are present.
func HasTargets(b *Batch) bool {
	if b == nil {
		return false
	}
	_, ok := b.IDs[KeyTargetMediated]
	return ok
}
