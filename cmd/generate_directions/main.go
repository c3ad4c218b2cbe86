package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"fmt"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-steer/internal/cli"
	"github.com/23skdu/longbow-steer/internal/config"
	"github.com/23skdu/longbow-steer/internal/dataset"
	"github.com/23skdu/longbow-steer/internal/dump"
	"github.com/23skdu/longbow-steer/internal/editor"
	"github.com/23skdu/longbow-steer/internal/flightexport"
	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/model"
	"github.com/23skdu/longbow-steer/internal/precompute"
)

var (
	modelPath   = flag.String("model", "", "Path to GGUF model file (weights and vocabulary)")
	datasetPath = flag.String("dataset", "", "JSONL file or directory with train.jsonl/test.jsonl")
	layersFlag  = flag.String("layers", "all", "Layers to dump directions for, e.g. 0,2,4-6")
	editorType  = flag.String("editor-type", editor.TypeLinear, "Editor type: linear or random")
	batchSize   = flag.Int("batch-size", 16, "Batch size")
	alpha       = flag.Float64("alpha", config.DefaultAlpha, "Direction scale applied while capturing entity states")
	resultsDir  = flag.String("results-dir", "results", "Directory holding trained editors")
	limit       = flag.Int("limit", 0, "Use at most this many samples (0 for all)")
	rerun       = flag.Bool("rerun", false, "Write dump.arrow again even if it exists")
	flightAddr  = flag.String("flight-addr", "", "Also export directions to this Arrow Flight address")
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
	return cli.ExitCode("generate_directions failed", run(ctx))
}

func run(ctx context.Context) error {
	if *datasetPath == "" {
		flag.Usage()
		return errors.New("-dataset is required")
	}
	if *batchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", *batchSize)
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
	samples := append(append([]dataset.Sample(nil), ds.Train...), ds.Test...)

	var fc *flightexport.FlightClient
	if *flightAddr != "" {
		if fc, err = flightexport.NewFlightClient(*flightAddr); err != nil {
			return err
		}
		if err := fc.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = fc.Close() }()
	}

	runID := uuid.NewString()
	for _, layer := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := editor.Load(m, tok, *editorType, layer, *resultsDir)
		if errors.Is(err, editor.ErrEditorNotFound) {
			logger.Log.Warn("no trained editor, skipping layer", "type", *editorType, "layer", layer)
			continue
		}
		if err != nil {
			return err
		}
		if err := dumpLayer(ctx, e, samples, runID, fc); err != nil {
			return fmt.Errorf("layer %d: %w", layer, err)
		}
	}
	return nil
}

// EntityLayers lists the layers whose entity states a dump for an editor
// at layer carries: the edit layer and every later one.
func EntityLayers(m *model.Model, layer int) []int {
	out := make([]int, 0, m.NumLayers()-layer)
	for l := layer; l < m.NumLayers(); l++ {
		out = append(out, l)
	}
	return out
}

func dumpLayer(ctx context.Context, e editor.Editor, samples []dataset.Sample, runID string, fc *flightexport.FlightClient) error {
	m, layer := e.Model(), e.Layer()
	h := dump.Header{
		EditorType:   e.Type(),
		Layer:        layer,
		Hidden:       m.HiddenSize(),
		EntityLayers: EntityLayers(m, layer),
		RunID:        runID,
	}
	path := filepath.Join(editor.Dir(*resultsDir, e.Type(), layer), editor.DumpFile)
	if _, err := os.Stat(path); err == nil && !*rerun {
		logger.Log.Info("dump exists, skipping layer", "path", path)
		return nil
	}
	w, err := dump.Create(path, h)
	if err != nil {
		return err
	}
	var recs []arrow.Record
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	em := editor.NewEditedModel(e, float32(*alpha))
	for _, batch := range dataset.Batches(samples, *batchSize) {
		rows, err := DirectionRows(em, batch, h.EntityLayers)
		if err != nil {
			_ = w.Close()
			return err
		}
		rec, err := w.Write(rows)
		if err != nil {
			_ = w.Close()
			return err
		}
		recs = append(recs, rec)
	}
	if err := w.Close(); err != nil {
		return err
	}
	if fc == nil || len(recs) == 0 {
		return nil
	}
	return fc.DoPut(ctx, flightexport.DescriptorPath(e.Type(), layer), recs)
}

// DirectionRows runs one edited forward pass over batch and returns, per
// sample, the applied direction, the pooled attribute state and the last
// entity token's state at each of entityLayers.
func DirectionRows(em *editor.EditedModel, batch []dataset.Sample, entityLayers []int) ([]dump.Row, error) {
	e := em.Editor()
	inputs, err := precompute.EditorInputs(e.Model(), e.Tokenizer(), batch, []int{e.Layer()}, precompute.Options{})
	if err != nil {
		return nil, err
	}
	outs, err := em.ComputeOutputs(batch, inputs, nil, entityLayers)
	if err != nil {
		return nil, err
	}
	attr := outs.Batch.Vectors[precompute.AttributeHiddenKey(e.Layer())]
	ranges := outs.Batch.Ranges[precompute.KeyEntityRange]
	rows := make([]dump.Row, len(batch))
	for i, s := range batch {
		pos := outs.Encoding.Shift(i, ranges[i]).Last()
		rows[i] = dump.Row{
			ID:        s.ID,
			Entity:    s.Entity,
			Prompt:    s.Prompt,
			Context:   s.Context,
			Attribute: s.Attribute,
			Direction: outs.Directions[i],
			HAttr:     attr[i],
			HEntity:   make(map[int][]float32, len(entityLayers)),
		}
		for _, l := range entityLayers {
			rows[i].HEntity[l] = append([]float32(nil), outs.HiddenAt(l, i, pos)...)
		}
	}
	return rows, nil
}
