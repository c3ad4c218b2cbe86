package editor

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/cpu"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/metrics"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/precompute"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

// SampleInfo identifies the sample a result belongs to.
type SampleInfo struct {
	ID        string `json:"id"`
	Entity    string `json:"entity"`
	Prompt    string `json:"prompt"`
	Context   string `json:"context"`
	Attribute string `json:"attribute"`
}

// EvaluationResult compares the model on one sample before and after the
// edit. Scores are next-token probabilities at the first generated position.
type EvaluationResult struct {
	Sample SampleInfo `json:"sample"`

	BeforeTopTokens   []string  `json:"before_top_tokens"`
	BeforeTopScores   []float64 `json:"before_top_scores"`
	BeforeGenerations []string  `json:"before_generations"`

	AfterTopTokens   []string  `json:"after_top_tokens"`
	AfterTopScores   []float64 `json:"after_top_scores"`
	AfterGenerations []string  `json:"after_generations"`

	BeforeTargetMediatedScore   *float64 `json:"before_target_mediated_score,omitempty"`
	BeforeTargetUnmediatedScore *float64 `json:"before_target_unmediated_score,omitempty"`
	AfterTargetMediatedScore    *float64 `json:"after_target_mediated_score,omitempty"`
	AfterTargetUnmediatedScore  *float64 `json:"after_target_unmediated_score,omitempty"`
}

type EvaluateRun struct {
	RunID      string             `json:"run_id"`
	EditorType string             `json:"editor_type"`
	Layer      int                `json:"layer"`
	Alpha      float64            `json:"alpha"`
	Results    []EvaluationResult `json:"results"`
}

// probabilities returns the softmax of logits.
func probabilities(logits []float32) []float64 {
	p := make([]float64, len(logits))
	cpu.LogSoftmax(logits, p)
	for i, v := range p {
		p[i] = math.Exp(v)
	}
	return p
}

// topK returns the n most probable ids, lower ids first on ties.
func topK(p []float64, n int) []int {
	ids := make([]int, len(p))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool { return p[ids[a]] > p[ids[b]] })
	if n > len(ids) {
		n = len(ids)
	}
	return ids[:n]
}

type side struct {
	tokens      []string
	scores      []float64
	generations []string
	mediated    *float64
	unmediated  *float64
}

func summarize(tok *tokenizer.Tokenizer, enc tokenizer.Encoding, gen *model.Generation, b *precompute.Batch, row, nTop int) side {
	p := probabilities(gen.FirstLogits[row])
	var s side
	for _, id := range topK(p, nTop) {
		s.tokens = append(s.tokens, tok.Token(id))
		s.scores = append(s.scores, p[id])
	}
	prompt := enc.IDs[row][enc.Pad[row]:]
	text := tok.Decode(append(append([]int(nil), prompt...), gen.Tokens[row]...))
	s.generations = []string{text}
	if ids, ok := b.IDs[precompute.KeyTargetMediated]; ok {
		v := p[ids[row]]
		s.mediated = &v
	}
	if ids, ok := b.IDs[precompute.KeyTargetUnmediated]; ok {
		v := p[ids[row]]
		s.unmediated = &v
	}
	return s
}

// reseeder is implemented by editors whose directions are sampled.
type reseeder interface {
	Reseed(seed int64)
}

// evaluate greedily generates from every prompt with and without the
// editor's directions applied to the entity tokens.
func evaluate(e Editor, samples []dataset.Sample, opts config.Evaluation) (*EvaluateRun, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if r, ok := e.(reseeder); ok {
		r.Reseed(opts.Seed)
	}
	m, tok, layer := e.Model(), e.Tokenizer(), e.Layer()
	run := &EvaluateRun{
		RunID:      uuid.NewString(),
		EditorType: e.Type(),
		Layer:      layer,
		Alpha:      opts.Alpha,
		Results:    make([]EvaluationResult, 0, len(samples)),
	}
	edited := NewEditedModel(e, float32(opts.Alpha))
	for _, chunk := range dataset.Batches(samples, opts.BatchSize) {
		enc := precompute.Inputs(tok, chunk)
		b, err := precompute.EditorInputs(m, tok, chunk, []int{layer}, precompute.Options{TargetTokenIDs: true})
		if err != nil {
			return nil, err
		}
		before, err := m.Generate(precompute.ModelInput(enc), opts.NGenerate)
		if err != nil {
			return nil, err
		}
		after, err := edited.Generate(chunk, b, &enc, opts.NGenerate)
		if err != nil {
			return nil, err
		}
		for i, s := range chunk {
			bs := summarize(tok, enc, before, b, i, opts.NTop)
			as := summarize(tok, enc, after, b, i, opts.NTop)
			run.Results = append(run.Results, EvaluationResult{
				Sample: SampleInfo{
					ID:        s.ID,
					Entity:    s.Entity,
					Prompt:    s.Prompt,
					Context:   s.Context,
					Attribute: s.Attribute,
				},
				BeforeTopTokens:             bs.tokens,
				BeforeTopScores:             bs.scores,
				BeforeGenerations:           bs.generations,
				AfterTopTokens:              as.tokens,
				AfterTopScores:              as.scores,
				AfterGenerations:            as.generations,
				BeforeTargetMediatedScore:   bs.mediated,
				BeforeTargetUnmediatedScore: bs.unmediated,
				AfterTargetMediatedScore:    as.mediated,
				AfterTargetUnmediatedScore:  as.unmediated,
			})
		}
		logger.Log.Debug("evaluated batch", "layer", layer, "samples", len(chunk))
	}
	metrics.RecordEvaluation(layer, len(samples))
	return run, nil
}
