package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics tracks the transcription job lifecycle. It is shared by the API
// and worker registries.
type JobMetrics struct {
	service string

	submissionsTotal *prometheus.CounterVec
	handoffTotal     *prometheus.CounterVec
	handoffDuration  *prometheus.HistogramVec
	callbacksTotal   *prometheus.CounterVec
}

func newJobMetrics(service string) *JobMetrics {
	return &JobMetrics{
		service: service,
		submissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medscribe",
				Subsystem: "jobs",
				Name:      "submissions_total",
				Help:      "Transcription submissions by outcome.",
			},
			[]string{"service", "outcome"},
		),
		handoffTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medscribe",
				Subsystem: "jobs",
				Name:      "handoffs_total",
				Help:      "External workflow hand-offs by outcome.",
			},
			[]string{"service", "outcome"},
		),
		handoffDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "medscribe",
				Subsystem: "jobs",
				Name:      "handoff_duration_seconds",
				Help:      "External workflow hand-off duration in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 45, 60},
			},
			[]string{"service", "outcome"},
		),
		callbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medscribe",
				Subsystem: "jobs",
				Name:      "callbacks_total",
				Help:      "Workflow callbacks by result.",
			},
			[]string{"service", "result"},
		),
	}
}

func (m *JobMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.submissionsTotal, m.handoffTotal, m.handoffDuration, m.callbacksTotal}
}

func (m *JobMetrics) RecordSubmission(outcome string) {
	m.submissionsTotal.WithLabelValues(m.service, labelOrUnknown(outcome)).Inc()
}

func (m *JobMetrics) RecordHandoff(outcome string, seconds float64) {
	outcome = labelOrUnknown(outcome)
	m.handoffTotal.WithLabelValues(m.service, outcome).Inc()
	if seconds >= 0 {
		m.handoffDuration.WithLabelValues(m.service, outcome).Observe(seconds)
	}
}

func (m *JobMetrics) RecordCallback(result string) {
	m.callbacksTotal.WithLabelValues(m.service, labelOrUnknown(result)).Inc()
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
