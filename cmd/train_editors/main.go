package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-steer/internal/cli"
	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/editor"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/tokenizer"
)

var (
	modelPath   = flag.String("model", "", "Path to GGUF model file (weights and vocabulary)")
	datasetPath = flag.String("dataset", "", "JSONL file or directory with train.jsonl/test.jsonl")
	layersFlag  = flag.String("layers", "all", "Layers to train editors for, e.g. 0,2,4-6")
	editorType  = flag.String("editor-type", editor.TypeLinear, "Editor type: linear or random")
	rank        = flag.Int("rank", 0, "Rank of the linear editor (0 for full rank)")
	batchSize   = flag.Int("batch-size", 16, "Training and evaluation batch size")
	holdOut     = flag.Float64("hold-out", config.DefaultHoldOut, "Fraction held out when the dataset is not pre-split")
	seed        = flag.Int64("seed", config.DefaultSeed, "Seed for splits, initialisation and sampling")
	patience    = flag.Int("patience", config.DefaultPatience, "Epochs without validation improvement before stopping")
	maxEpochs   = flag.Int("max-epochs", config.DefaultMaxEpochs, "Maximum training epochs")
	lr          = flag.Float64("lr", config.DefaultLR, "AdamW learning rate")
	lam         = flag.Float64("lam", config.DefaultLam, "Weight of the KL term")
	noKL        = flag.Bool("no-kl", false, "Train on the NLL term only")
	evalAlpha   = flag.Float64("eval-alpha", config.DefaultAlpha, "Direction scale used during evaluation")
	evalNTop    = flag.Int("eval-n-top", config.DefaultNTop, "Top tokens recorded per sample")
	evalNGen    = flag.Int("eval-n-generate", config.DefaultNGenerate, "Tokens generated per sample")
	resultsDir  = flag.String("results-dir", "results", "Directory for editor weights and evaluations")
	clearDir    = flag.Bool("clear-results-dir", false, "Remove previous results for this editor type first")
	rerunEval   = flag.Bool("rerun-eval", false, "Evaluate again even if eval.json exists")
	limit       = flag.Int("limit", 0, "Use at most this many training samples (0 for all)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat   = flag.String("log-format", "console", "Log format: console or json")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics, e.g. :9090")
)

func main() {
	os.Exit(mainCode())
}

func mainCode() int {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	cli.ServeMetrics(*metricsAddr)

	ctx, stop := cli.SignalContext()
	defer stop()
	return cli.ExitCode("train_editors failed", run(ctx))
}

func run(ctx context.Context) error {
	if *datasetPath == "" {
		flag.Usage()
		return errors.New("-dataset is required")
	}
	train := config.DefaultTraining()
	train.BatchSize = *batchSize
	train.HoldOut = *holdOut
	train.Seed = *seed
	train.Patience = *patience
	train.MaxEpochs = *maxEpochs
	train.LR = *lr
	train.Lam = *lam
	train.KL = !*noKL
	if err := train.Validate(); err != nil {
		return err
	}
	eval := config.DefaultEvaluation()
	eval.BatchSize = *batchSize
	eval.Alpha = *evalAlpha
	eval.NTop = *evalNTop
	eval.NGenerate = *evalNGen
	eval.Seed = *seed
	if err := eval.Validate(); err != nil {
		return err
	}

	m, tok, err := cli.LoadModel(*modelPath)
	if err != nil {
		return err
	}
	layers, err := cli.ParseLayers(*layersFlag, m.NumLayers())
	if err != nil {
		return err
	}
	ds, err := dataset.NewLoader(false).Load(*datasetPath, dataset.LoadOptions{Limit: *limit})
	if err != nil {
		return err
	}
	if ds, err = dataset.MaybeSplit(ds, train.HoldOut, train.Seed); err != nil {
		return err
	}

	if *clearDir {
		typeDir := filepath.Join(*resultsDir, *editorType)
		logger.Log.Warn("clearing results", "dir", typeDir)
		if err := os.RemoveAll(typeDir); err != nil {
			return err
		}
	}

	for _, layer := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := trainLayer(m, tok, ds, layer, train, eval); err != nil {
			return fmt.Errorf("layer %d: %w", layer, err)
		}
	}
	return nil
}

// trainLayer fits (or reloads) the editor for one layer and evaluates it.
func trainLayer(m *model.Model, tok *tokenizer.Tokenizer, ds dataset.Dataset, layer int, train config.Training, eval config.Evaluation) error {
	dir := editor.Dir(*resultsDir, *editorType, layer)
	log := logger.Log.With("type", *editorType, "layer", layer)

	e, err := editor.Load(m, tok, *editorType, layer, *resultsDir)
	switch {
	case err == nil:
		log.Info("weights exist, skipping training", "dir", dir)
	case errors.Is(err, editor.ErrEditorNotFound):
		if e, err = editor.New(m, tok, *editorType, layer, editor.Options{Rank: *rank, Seed: train.Seed}); err != nil {
			return err
		}
		run, err := e.Fit(ds, train)
		if err != nil {
			return err
		}
		log.Info("editor trained", "epochs", len(run.Epochs), "best_epoch", run.BestEpoch,
			"best_val_loss", run.BestValLoss, "early_stopped", run.EarlyStopped)
		if err := editor.Save(e, dir); err != nil {
			return err
		}
	default:
		return err
	}

	evalPath := filepath.Join(dir, editor.EvalFile)
	if _, err := os.Stat(evalPath); err == nil && !*rerunEval {
		log.Info("evaluation exists, skipping", "path", evalPath)
		return nil
	}
	if len(ds.Test) == 0 {
		log.Warn("no held-out samples, skipping evaluation")
		return nil
	}
	result, err := e.Evaluate(ds.Test, eval)
	if err != nil {
		return err
	}
	return editor.WriteEvaluation(result, evalPath)
}
