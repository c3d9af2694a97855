// Package metrics holds the Prometheus collectors for a matching run.
package metrics

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Metrics provides observability for one run. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Gateway calls by gateway ("embed", "generate") and outcome ("ok", "error")
	GatewayCalls *prometheus.CounterVec

	// Gateway call latency by gateway
	GatewayLatency *prometheus.HistogramVec

	// Embedding cache lookups by result ("hit", "miss", "error")
	CacheLookups *prometheus.CounterVec

	// Classification attempts that produced malformed output
	MalformedOutputs prometheus.Counter

	// Candidate pairs by final status (COMPLETE, PARTIAL, FAILED)
	Verdicts *prometheus.CounterVec

	// Controls by final status (MATCHED, UNMATCHED, FAILED)
	Controls *prometheus.CounterVec

	// Similarity of every retrieved candidate, before thresholding
	Similarity prometheus.Histogram
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		GatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regmatch_gateway_calls_total",
			Help: "Total gateway calls by gateway and outcome",
		}, []string{"gateway", "outcome"}),

		GatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regmatch_gateway_call_duration_seconds",
			Help:    "Duration of gateway calls including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"gateway"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regmatch_embedding_cache_lookups_total",
			Help: "Embedding cache lookups by result",
		}, []string{"result"}),

		MalformedOutputs: f.NewCounter(prometheus.CounterOpts{
			Name: "regmatch_malformed_model_outputs_total",
			Help: "Classification responses that failed parsing or validation",
		}),

		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regmatch_candidate_pairs_total",
			Help: "Candidate pairs by final status",
		}, []string{"status"}),

		Controls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "regmatch_controls_total",
			Help: "Internal controls by final status",
		}, []string{"status"}),

		Similarity: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "regmatch_candidate_similarity",
			Help:    "Cosine similarity of retrieved candidates",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
	}
}

// ObserveGatewayCall records one logical gateway call.
func (m *Metrics) ObserveGatewayCall(gateway string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.GatewayCalls.WithLabelValues(gateway, outcome).Inc()
	m.GatewayLatency.WithLabelValues(gateway).Observe(d.Seconds())
}

// IncrementCacheLookup records a cache hit, miss or error.
func (m *Metrics) IncrementCacheLookup(result string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(result).Inc()
	}
}

// IncrementMalformed records one malformed classification response.
func (m *Metrics) IncrementMalformed() {
	if m != nil {
		m.MalformedOutputs.Inc()
	}
}

// IncrementVerdict records a candidate pair's final status.
func (m *Metrics) IncrementVerdict(status string) {
	if m != nil {
		m.Verdicts.WithLabelValues(status).Inc()
	}
}

// IncrementControl records an internal control's final status.
func (m *Metrics) IncrementControl(status string) {
	if m != nil {
		m.Controls.WithLabelValues(status).Inc()
	}
}

// ObserveSimilarity records a retrieved candidate's score.
func (m *Metrics) ObserveSimilarity(score float64) {
	if m != nil {
		m.Similarity.Observe(score)
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteText writes every collected family in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteFile writes the text exposition to path.
func (m *Metrics) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create metrics file: %w", err)
	}
	if err := m.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
