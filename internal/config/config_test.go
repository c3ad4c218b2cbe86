package config

import (
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.VocabSize = 512
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Architecture != Architecture {
		t.Errorf("expected architecture %q, got %q", Architecture, cfg.Architecture)
	}
	if cfg.Dim != cfg.Heads*cfg.HeadDim {
		t.Errorf("default dim %d does not split into %d heads of %d", cfg.Dim, cfg.Heads, cfg.HeadDim)
	}
	if cfg.Eps != 1e-5 {
		t.Errorf("expected Eps 1e-5, got %v", cfg.Eps)
	}
	if cfg.VocabSize != 0 {
		t.Errorf("vocab size comes from the tokenizer, got %d", cfg.VocabSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"invalid dim", func(c *Config) { c.Dim = 0 }, true},
		{"invalid layers", func(c *Config) { c.Layers = 0 }, true},
		{"invalid heads", func(c *Config) { c.Heads = 0 }, true},
		{"head split mismatch", func(c *Config) { c.HeadDim = 15 }, true},
		{"invalid vocab size", func(c *Config) { c.VocabSize = 0 }, true},
		{"invalid seq len", func(c *Config) { c.SeqLen = -1 }, true},
		{"invalid eps", func(c *Config) { c.Eps = 0 }, true},
		{"invalid hidden dim", func(c *Config) { c.HiddenDim = 0 }, true},
		{"foreign architecture", func(c *Config) { c.Architecture = "llama" }, true},
		{"architecture case", func(c *Config) { c.Architecture = "STEER" }, false},
		{"empty architecture", func(c *Config) { c.Architecture = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultTraining(t *testing.T) {
	tr := DefaultTraining()
	if err := tr.Validate(); err != nil {
		t.Fatalf("default training options invalid: %v", err)
	}
	if tr.MaxEpochs != 10 || tr.Patience != 2 || tr.LR != 1e-2 || tr.Lam != 0.25 || tr.HoldOut != 0.1 {
		t.Errorf("unexpected defaults: %+v", tr)
	}
	if !tr.KL {
		t.Error("KL term should be on by default")
	}
}

func TestTrainingValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *Training)
	}{
		{"negative epochs", func(t *Training) { t.MaxEpochs = -1 }},
		{"zero batch", func(t *Training) { t.BatchSize = 0 }},
		{"hold out zero", func(t *Training) { t.HoldOut = 0 }},
		{"hold out one", func(t *Training) { t.HoldOut = 1 }},
		{"zero lr", func(t *Training) { t.LR = 0 }},
		{"negative lam", func(t *Training) { t.Lam = -0.1 }},
		{"zero patience", func(t *Training) { t.Patience = 0 }},
		{"negative decay", func(t *Training) { t.WeightDecay = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := DefaultTraining()
			tt.mutate(&tr)
			if err := tr.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEvaluationValidate(t *testing.T) {
	ev := DefaultEvaluation()
	if err := ev.Validate(); err != nil {
		t.Fatalf("default evaluation options invalid: %v", err)
	}
	if ev.NTop != 10 || ev.NGenerate != 10 || ev.Alpha != 1.0 {
		t.Errorf("unexpected defaults: %+v", ev)
	}

	for _, mutate := range []func(e *Evaluation){
		func(e *Evaluation) { e.BatchSize = 0 },
		func(e *Evaluation) { e.NTop = 0 },
		func(e *Evaluation) { e.NGenerate = -3 },
	} {
		e := DefaultEvaluation()
		mutate(&e)
		if err := e.Validate(); err == nil {
			t.Errorf("expected error for %+v", e)
		}
	}
}
