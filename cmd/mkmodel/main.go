package main

import (
	"errors"
	"flag"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/23skdu/longbow-steer/internal/cli"
	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/gguf"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

var (
	outPath     = flag.String("out", "model.gguf", "Where to write the model")
	datasetPath = flag.String("dataset", "", "Dataset whose words seed the vocabulary")
	dim         = flag.Int("dim", config.Default().Dim, "Hidden size")
	hiddenDim   = flag.Int("hidden-dim", config.Default().HiddenDim, "Feed-forward size")
	layers      = flag.Int("layers", config.Default().Layers, "Number of blocks")
	heads       = flag.Int("heads", config.Default().Heads, "Attention heads")
	seqLen      = flag.Int("seq-len", config.Default().SeqLen, "Context length")
	seed        = flag.Int64("seed", config.DefaultSeed, "Initialisation seed")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
)

var specials = []string{"<unk>", "</s>", "<pad>"}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	os.Exit(cli.ExitCode("mkmodel failed", run()))
}

func run() error {
	var samples []dataset.Sample
	if *datasetPath != "" {
		ds, err := dataset.NewLoader(false).Load(*datasetPath, dataset.LoadOptions{})
		if err != nil {
			return err
		}
		samples = append(append(samples, ds.Train...), ds.Test...)
	}
	vocab := BuildVocab(samples)
	tok, err := tokenizer.NewFromVocab(vocab)
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.Dim, cfg.HiddenDim, cfg.Layers, cfg.Heads, cfg.SeqLen = *dim, *hiddenDim, *layers, *heads, *seqLen
	if cfg.Heads <= 0 || cfg.Dim%cfg.Heads != 0 {
		return errors.New("-dim must be a positive multiple of -heads")
	}
	cfg.HeadDim = cfg.Dim / cfg.Heads
	cfg.VocabSize = tok.VocabSize()
	m, err := model.NewRandom(cfg, *seed)
	if err != nil {
		return err
	}
	if err := m.Save(*outPath, VocabWriter(tok)); err != nil {
		return err
	}
	logger.Log.Info("model written", "path", *outPath, "vocab", cfg.VocabSize, "layers", cfg.Layers, "dim", cfg.Dim)
	return nil
}

// BuildVocab returns the special tokens, every printable ASCII character
// with and without a leading space, and each word of the samples' texts.
func BuildVocab(samples []dataset.Sample) []string {
	seen := make(map[string]bool)
	vocab := append([]string(nil), specials...)
	for _, s := range vocab {
		seen[s] = true
	}
	add := func(tok string) {
		if !seen[tok] {
			seen[tok] = true
			vocab = append(vocab, tok)
		}
	}
	add(tokenizer.SpaceMarker)
	for c := '!'; c <= '~'; c++ {
		add(string(c))
		add(tokenizer.SpaceMarker + string(c))
	}

	words := make(map[string]bool)
	for _, s := range samples {
		texts := []string{s.Entity, s.Prompt, s.Context, s.Attribute}
		for _, t := range []*string{s.TargetMediated, s.TargetUnmediated} {
			if t != nil {
				texts = append(texts, *t)
			}
		}
		for _, text := range texts {
			for _, w := range strings.FieldsFunc(text, func(r rune) bool {
				return !unicode.IsLetter(r) && !unicode.IsDigit(r)
			}) {
				words[w] = true
			}
		}
	}
	sorted := make([]string, 0, len(words))
	for w := range words {
		sorted = append(sorted, w)
	}
	sort.Strings(sorted)
	for _, w := range sorted {
		add(w)
		add(tokenizer.SpaceMarker + w)
	}
	return vocab
}

// VocabWriter returns a GGUF writer carrying tok's vocabulary.
func VocabWriter(tok *tokenizer.Tokenizer) *gguf.Writer {
	w := gguf.NewWriter()
	w.AddKV(tokenizer.KeyTokens, tok.Tokens)
	w.AddKV(tokenizer.KeyUnknown, uint32(tok.UnkID))
	w.AddKV(tokenizer.KeyEOS, uint32(tok.EOSID))
	w.AddKV(tokenizer.KeyPadding, uint32(tok.PadID))
	return w
}
