// Package metrics defines the Prometheus instrumentation for the scheduler
// and pipeline worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tidewire/digestd/pkg/pipeline"
	"github.com/tidewire/digestd/pkg/types"
)

// Run outcomes as reported on the pipeline_runs_total counter.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics holds the collectors exported by the digestd processes.
type Metrics struct {
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	IngestItems      *prometheus.CounterVec
	LLMCalls         prometheus.Counter
	LLMCallDuration  prometheus.Histogram
	CreditsConsumed  prometheus.Counter
	QueueDepth       prometheus.Gauge
}

// New creates and registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digestd",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by job kind and outcome.",
		}, []string{"kind", "outcome"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "digestd",
			Name:      "pipeline_run_duration_seconds",
			Help:      "Wall time of pipeline runs by job kind.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
		IngestItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "digestd",
			Name:      "ingest_items_total",
			Help:      "Items ingested by source.",
		}, []string{"source"}),
		LLMCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "digestd",
			Name:      "llm_calls_total",
			Help:      "LLM calls made by pipeline runs.",
		}),
		LLMCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "digestd",
			Name:      "llm_call_duration_seconds",
			Help:      "Cumulative LLM time per run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		CreditsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "digestd",
			Name:      "credits_consumed_total",
			Help:      "User credits consumed by pipeline runs.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "digestd",
			Name:      "queue_depth",
			Help:      "Jobs awaiting delivery, including scheduled retries.",
		}),
	}
	reg.MustRegister(
		m.PipelineRuns,
		m.PipelineDuration,
		m.IngestItems,
		m.LLMCalls,
		m.LLMCallDuration,
		m.CreditsConsumed,
		m.QueueDepth,
	)
	return m
}

// ObserveRun records the outcome and stats of one window run.
// Called with a nil result for failed runs.
func (m *Metrics) ObserveRun(kind types.Kind, outcome string, dur time.Duration, res *pipeline.RunResult) {
	m.PipelineRuns.WithLabelValues(string(kind), outcome).Inc()
	m.PipelineDuration.WithLabelValues(string(kind)).Observe(dur.Seconds())
	if res == nil {
		return
	}
	for source, n := range res.IngestedBySource {
		m.IngestItems.WithLabelValues(source).Add(float64(n))
	}
	m.LLMCalls.Add(float64(res.LLMCalls))
	m.LLMCallDuration.Observe(res.LLMTime.Seconds())
	m.CreditsConsumed.Add(float64(res.CreditsUsed))
}
