// Package metrics exposes run counters in the Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OFFIS-RIT/corvid/backend/pkg/pipeline"
)

const namespace = "corvid"

// Metrics holds the collectors fed by finished runs and job handling.
type Metrics struct {
	registry *prometheus.Registry

	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	stageSeconds *prometheus.HistogramVec
	correlations prometheus.Counter
	outcomes     *prometheus.CounterVec
	malformed    *prometheus.CounterVec
	failedUnits  prometheus.Counter
	fallbacks    prometheus.Counter
	absorbed     prometheus.Counter
	graphNodes   prometheus.Gauge
	graphEdges   prometheus.Gauge
	communities  prometheus.Gauge
	jobs         *prometheus.CounterVec
}

// New registers all collectors on a fresh registry. Go runtime and process
// collectors are included.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Analysis runs by result",
	}, []string{"result"})
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of successful analysis runs",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	})
	m.stageSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Wall time per pipeline stage",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"stage"})
	m.correlations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "correlations_written_total",
		Help:      "Correlation records upserted",
	})
	m.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "temporal_outcomes_total",
		Help:      "Temporal detector outcomes per evaluated source and event",
	}, []string{"outcome"})
	m.malformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_inputs_total",
		Help:      "Inputs skipped as malformed, by stage",
	}, []string{"stage"})
	m.failedUnits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failed_units_total",
		Help:      "Per-source or per-event units that failed and were skipped",
	})
	m.fallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analytics_fallbacks_total",
		Help:      "Analytics computations that used a fallback result",
	})
	m.absorbed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_absorbed_total",
		Help:      "Events marked as duplicates",
	})
	m.graphNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "graph_nodes",
		Help:      "Nodes in the most recent link graph",
	})
	m.graphEdges = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "graph_edges",
		Help:      "Edges in the most recent link graph",
	})
	m.communities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "graph_communities",
		Help:      "Communities found in the most recent link graph",
	})
	m.jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Queued analysis jobs by outcome",
	}, []string{"outcome"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runDuration, m.stageSeconds, m.correlations, m.outcomes,
		m.malformed, m.failedUnits, m.fallbacks, m.absorbed,
		m.graphNodes, m.graphEdges, m.communities, m.jobs,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(s pipeline.Summary) {
	m.runs.WithLabelValues("ok").Inc()
	m.runDuration.Observe(s.Duration().Seconds())
	for _, st := range s.Stages {
		m.stageSeconds.WithLabelValues(st.Name).Observe(st.Duration.Seconds())
	}

	m.correlations.Add(float64(s.Correlations))
	m.outcomes.WithLabelValues("flagged").Add(float64(s.Temporal.Flagged))
	m.outcomes.WithLabelValues("inconclusive").Add(float64(s.Temporal.Inconclusive))
	m.outcomes.WithLabelValues("degenerate").Add(float64(s.Temporal.Degenerate))

	for stage, n := range map[string]int{
		"events":    s.MalformedEvents,
		"relations": s.MalformedRelations,
		"dedupe":    s.Dedupe.Malformed,
		"temporal":  s.Temporal.Malformed,
		"content":   s.Content.Malformed,
		"graph":     s.Graph.Malformed,
	} {
		m.malformed.WithLabelValues(stage).Add(float64(n))
	}

	m.failedUnits.Add(float64(s.FailedUnits))
	m.fallbacks.Add(float64(s.Fallbacks))
	m.absorbed.Add(float64(s.Dedupe.Absorbed))
	m.graphNodes.Set(float64(s.Nodes))
	m.graphEdges.Set(float64(s.Edges))
	m.communities.Set(float64(s.Communities))
}

// ObserveFailure records a run that returned an error. Lease contention is
// counted separately since another worker is doing the work.
func (m *Metrics) ObserveFailure(busy bool) {
	if busy {
		m.runs.WithLabelValues("busy").Inc()
		return
	}
	m.runs.WithLabelValues("error").Inc()
}

// ObserveJob records how a queued job was settled: "ack", "retry" or "dlq".
func (m *Metrics) ObserveJob(outcome string) {
	m.jobs.WithLabelValues(outcome).Inc()
}
