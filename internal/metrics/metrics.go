package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EditorTrainLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "editor_train_loss",
		Help: "Mean editing loss of the last finished epoch",
	}, []string{"layer", "split"})

	EditorEpochsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_epochs_total",
		Help: "Total number of completed training epochs",
	}, []string{"layer"})

	EditorEarlyStopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_early_stops_total",
		Help: "Number of training runs halted by early stopping",
	}, []string{"layer"})

	EditorEvalSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "editor_eval_samples_total",
		Help: "Number of held-out samples evaluated",
	}, []string{"layer"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "editor_forward_seconds",
		Help:    "Duration of batched model forward passes",
		Buckets: prometheus.DefBuckets,
	})

	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "generated_tokens_total",
		Help: "The total number of tokens generated",
	})

	HooksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "direction_hooks_active",
		Help: "Number of installed direction hooks",
	})

	HookEditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "direction_hook_edits_total",
		Help: "Forward passes whose layer output was edited",
	})

	HookSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "direction_hook_skipped_total",
		Help: "Incremental decode steps passed through unedited",
	})

	PrecomputeSamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "precompute_samples_total",
		Help: "Samples processed by the hidden-state extractor",
	}, []string{"kind"})

	PrecomputeSpanErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "precompute_span_errors_total",
		Help: "Token spans that could not be located in a tokenization",
	})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of padded batch lengths processed",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024},
	})

	FlightRowsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_rows_sent_total",
		Help: "Direction rows exported over Arrow Flight",
	}, []string{"path"})

	FlightPutErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flight_put_errors_total",
		Help: "Failed Arrow Flight DoPut calls",
	})
)

func RecordEpoch(layer int, trainLoss, valLoss float64) {
	l := strconv.Itoa(layer)
	EditorTrainLoss.WithLabelValues(l, "train").Set(trainLoss)
	EditorTrainLoss.WithLabelValues(l, "val").Set(valLoss)
	EditorEpochsTotal.WithLabelValues(l).Inc()
}

func RecordEarlyStop(layer int) {
	EditorEarlyStopsTotal.WithLabelValues(strconv.Itoa(layer)).Inc()
}

func RecordEvaluation(layer int, samples int) {
	EditorEvalSamplesTotal.WithLabelValues(strconv.Itoa(layer)).Add(float64(samples))
}

func RecordForward(seqLen int, duration time.Duration) {
	ForwardDuration.Observe(duration.Seconds())
	ContextLengthHistogram.Observe(float64(seqLen))
}

func RecordGenerated(tokens int) {
	GeneratedTokensTotal.Add(float64(tokens))
}

func RecordHookInstalled() { HooksActive.Inc() }

func RecordHookReleased() { HooksActive.Dec() }

// RecordHookCall counts one pass through an installed direction hook.
func RecordHookCall(edited bool) {
	if edited {
		HookEditsTotal.Inc()
		return
	}
	HookSkippedTotal.Inc()
}

func RecordPrecompute(kind string, samples int) {
	PrecomputeSamplesTotal.WithLabelValues(kind).Add(float64(samples))
}

func RecordSpanError() {
	PrecomputeSpanErrors.Inc()
}

func RecordFlightPut(path string, rows int64, err error) {
	if err != nil {
		FlightPutErrors.Inc()
		return
	}
	FlightRowsSentTotal.WithLabelValues(path).Add(float64(rows))
}
