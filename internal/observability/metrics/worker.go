package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

// WorkerMetrics covers the queue consumer: one observation per hand-off
// message plus the shared job counters.
type WorkerMetrics struct {
	*JobMetrics

	registry *prometheus.Registry

	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	queueLag prometheus.Observer
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	labels := prometheus.Labels{"service": service}
	m := &WorkerMetrics{
		JobMetrics: newJobMetrics(service),
		registry:   prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "medscribe",
			Subsystem:   "worker",
			Name:        "handoff_messages_total",
			Help:        "Hand-off messages handled, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "medscribe",
			Subsystem:   "worker",
			Name:        "handoff_message_duration_seconds",
			Help:        "Time spent on one hand-off message, by result.",
			Buckets:     []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 45, 60},
			ConstLabels: labels,
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "medscribe",
			Subsystem:   "worker",
			Name:        "handoff_messages_in_flight",
			Help:        "Hand-off messages being handled.",
			ConstLabels: labels,
		}),
	}
	lag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   "medscribe",
		Subsystem:   "worker",
		Name:        "queue_lag_seconds",
		Help:        "Delay between job creation and the worker picking it up.",
		Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		ConstLabels: labels,
	})
	m.queueLag = lag

	m.registry.MustRegister(m.messages, m.duration, m.inFlight, lag)
	m.registry.MustRegister(m.JobMetrics.collectors()...)
	return m
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartHandoff() {
	m.inFlight.Inc()
}

func (m *WorkerMetrics) FinishHandoff(elapsed time.Duration, err error) {
	m.inFlight.Dec()
	result := handoffResult(err)
	m.messages.WithLabelValues(result).Inc()
	m.duration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// ObserveQueueLag ignores negative lags from clock skew between hosts.
func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag >= 0 {
		m.queueLag.Observe(lag.Seconds())
	}
}

func handoffResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case domain.IsKind(err, domain.ErrJobNotFound):
		return "not_found"
	case domain.IsKind(err, domain.ErrTemporary):
		return "temporary"
	default:
		return "failed"
	}
}
