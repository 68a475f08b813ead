// Package metrics exposes process metrics through prometheus and
// computes on-the-fly aggregates over run history.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the prometheus collectors. A nil *Metrics is a no-op so
// callers never guard instrumentation sites.
type Metrics struct {
	submissions *prometheus.CounterVec
	denials     *prometheus.CounterVec
	completions *prometheus.CounterVec
	running     prometheus.Gauge
	duration    prometheus.Histogram
}

// New registers the collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcaops",
			Name:      "jobs_submitted_total",
			Help:      "Jobs admitted, by workspace.",
		}, []string{"workspace"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcaops",
			Name:      "jobs_denied_total",
			Help:      "Jobs refused at admission, by reason.",
		}, []string{"reason"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orcaops",
			Name:      "jobs_completed_total",
			Help:      "Jobs reaching a terminal status, by status.",
		}, []string{"workspace", "status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "orcaops",
			Name:      "jobs_running",
			Help:      "Jobs currently executing.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orcaops",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock job duration.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}
	reg.MustRegister(m.submissions, m.denials, m.completions, m.running, m.duration)
	return m
}

func (m *Metrics) JobSubmitted(workspace string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(workspace).Inc()
	m.running.Inc()
}

func (m *Metrics) JobDenied(reason string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(reason).Inc()
}

func (m *Metrics) JobCompleted(workspace, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(workspace, status).Inc()
	m.running.Dec()
	m.duration.Observe(durationSeconds)
}
