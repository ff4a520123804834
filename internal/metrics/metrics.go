// Package metrics exposes prometheus instrumentation for the permutation
// kernels and the benchmark harness.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "permute_op_duration_seconds",
		Help:    "Latency of permute/unpermute calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "backend"})

	TokensDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "permute_tokens_dropped_total",
		Help: "Token slots dropped by the output budget",
	})

	ExpertSelection = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permute_expert_selection_total",
		Help: "Total number of times an expert was selected",
	}, []string{"expert_id"})

	ParityMismatch = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "permute_parity_mismatch_total",
		Help: "Backend outputs diverging beyond tolerance",
	}, []string{"tensor"})

	BenchLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "permute_bench_avg_seconds",
		Help: "Average wall-clock per call measured by the benchmark harness",
	}, []string{"op", "backend"})

	BatchTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "permute_batch_tokens",
		Help:    "Distribution of token batch sizes",
		Buckets: []float64{16, 64, 256, 1024, 4096, 16384, 65536},
	})
)

func RecordOpDuration(op, backend string, d time.Duration) {
	OpDuration.WithLabelValues(op, backend).Observe(d.Seconds())
}

func RecordTokensDropped(n int) {
	if n > 0 {
		TokensDropped.Add(float64(n))
	}
}

// RecordExpertSelection counts one selection per flattened routing slot.
func RecordExpertSelection(indices []int32) {
	for _, e := range indices {
		ExpertSelection.WithLabelValues(strconv.Itoa(int(e))).Inc()
	}
}

func RecordParityMismatch(tensor string) {
	ParityMismatch.WithLabelValues(tensor).Inc()
}

func RecordBenchLatency(op, backend string, avg time.Duration) {
	BenchLatency.WithLabelValues(op, backend).Set(avg.Seconds())
}

func RecordBatchTokens(n int) {
	BatchTokens.Observe(float64(n))
}
