package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// Metrics holds the dispatcher's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	tasks    *prometheus.CounterVec
	inFlight prometheus.Gauge
	duration *prometheus.HistogramVec
	aborts   prometheus.Counter
}

// NewMetrics registers the dispatcher collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proctor",
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Grading tasks by terminal state.",
		}, []string{"state"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "proctor",
			Subsystem: "dispatch",
			Name:      "tasks_in_flight",
			Help:      "Grading tasks currently running.",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proctor",
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Duration of grading tasks that ran.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"state"}),
		aborts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "proctor",
			Subsystem: "dispatch",
			Name:      "fatal_aborts_total",
			Help:      "Runs aborted by a service-level error.",
		}),
	}
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) finished(state domain.TaskState, seconds float64) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.tasks.WithLabelValues(string(state)).Inc()
	m.duration.WithLabelValues(string(state)).Observe(seconds)
}

func (m *Metrics) cancelled() {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(string(domain.TaskCancelled)).Inc()
}

func (m *Metrics) aborted() {
	if m == nil {
		return
	}
	m.aborts.Inc()
}
