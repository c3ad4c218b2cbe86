package config

import (
	"fmt"
	"strings"
)

// Architecture is the only model family the engine implements.
const Architecture = "steer"

// Config holds the transformer hyper-parameters.
type Config struct {
	Architecture string
	Dim          int
	HiddenDim    int
	Layers       int
	Heads        int
	HeadDim      int
	VocabSize    int
	SeqLen       int
	Eps          float32
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.Dim != c.Heads*c.HeadDim {
		return fmt.Errorf("dim mismatch: %d != heads(%d) * head_dim(%d)", c.Dim, c.Heads, c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", c.Eps)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if a := c.GetArchitecture(); a != "" && a != Architecture {
		return fmt.Errorf("unsupported architecture: %q", c.Architecture)
	}
	return nil
}

func (c *Config) GetArchitecture() string {
	return strings.ToLower(c.Architecture)
}

// Default returns the shape used by cmd/mkmodel; VocabSize is filled from the tokenizer.
func Default() Config {
	return Config{
		Architecture: Architecture,
		Dim:          64,
		HiddenDim:    256,
		Layers:       4,
		Heads:        4,
		HeadDim:      16,
		SeqLen:       256,
		Eps:          1e-5,
	}
}

const (
	DefaultAlpha       = 1.0
	DefaultLam         = 0.25
	DefaultNTop        = 10
	DefaultNGenerate   = 10
	DefaultBatchSize   = 128
	DefaultMaxEpochs   = 10
	DefaultPatience    = 2
	DefaultLR          = 1e-2
	DefaultHoldOut     = 0.1
	DefaultWeightDecay = 0.01
	DefaultSeed        = 123456
)

// Training parameterises Editor.Fit.
type Training struct {
	MaxEpochs   int
	BatchSize   int
	HoldOut     float64
	LR          float64
	Lam         float64
	KL          bool
	Patience    int
	WeightDecay float64
	Alpha       float64
	Seed        int64
}

func DefaultTraining() Training {
	return Training{
		MaxEpochs:   DefaultMaxEpochs,
		BatchSize:   DefaultBatchSize,
		HoldOut:     DefaultHoldOut,
		LR:          DefaultLR,
		Lam:         DefaultLam,
		KL:          true,
		Patience:    DefaultPatience,
		WeightDecay: DefaultWeightDecay,
		Alpha:       DefaultAlpha,
		Seed:        DefaultSeed,
	}
}

func (t *Training) Validate() error {
	if t.MaxEpochs < 0 {
		return fmt.Errorf("invalid max_epochs: %d (must be non-negative)", t.MaxEpochs)
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", t.BatchSize)
	}
	if t.HoldOut <= 0 || t.HoldOut >= 1 {
		return fmt.Errorf("invalid hold_out: %f (must be in (0, 1))", t.HoldOut)
	}
	if t.LR <= 0 {
		return fmt.Errorf("invalid lr: %f (must be positive)", t.LR)
	}
	if t.Lam < 0 {
		return fmt.Errorf("invalid lam: %f (must be non-negative)", t.Lam)
	}
	if t.Patience <= 0 {
		return fmt.Errorf("invalid patience: %d (must be positive)", t.Patience)
	}
	if t.WeightDecay < 0 {
		return fmt.Errorf("invalid weight_decay: %f (must be non-negative)", t.WeightDecay)
	}
	return nil
}

// Evaluation parameterises Editor.Evaluate.
type Evaluation struct {
	BatchSize int
	NTop      int
	NGenerate int
	Alpha     float64
	// Seed resets sampling editors before each evaluation.
	Seed int64
}

func DefaultEvaluation() Evaluation {
	return Evaluation{
		BatchSize: DefaultBatchSize,
		NTop:      DefaultNTop,
		NGenerate: DefaultNGenerate,
		Alpha:     DefaultAlpha,
		Seed:      DefaultSeed,
	}
}

func (e *Evaluation) Validate() error {
	if e.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", e.BatchSize)
	}
	if e.NTop <= 0 {
		return fmt.Errorf("invalid n_top: %d (must be positive)", e.NTop)
	}
	if e.NGenerate <= 0 {
		return fmt.Errorf("invalid n_generate: %d (must be positive)", e.NGenerate)
	}
	return nil
}
