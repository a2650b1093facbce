package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/felixgeelhaar/proctor/internal/domain"
)

// Metrics holds the grader's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tokenUse *prometheus.CounterVec
}

// NewMetrics registers the grader collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proctor",
			Subsystem: "grader",
			Name:      "calls_total",
			Help:      "Grading service calls by pass and result.",
		}, []string{"pass", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "proctor",
			Subsystem: "grader",
			Name:      "call_duration_seconds",
			Help:      "Duration of grading service calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"pass"}),
		tokenUse: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proctor",
			Subsystem: "grader",
			Name:      "tokens_total",
			Help:      "Tokens consumed by grading calls.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) observe(pass string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case domain.IsServiceError(err):
		result = "service_error"
	default:
		result = "content_error"
	}
	m.calls.WithLabelValues(pass, result).Inc()
	m.duration.WithLabelValues(pass).Observe(d.Seconds())
}

func (m *Metrics) tokens(u Usage) {
	if m == nil {
		return
	}
	m.tokenUse.WithLabelValues("input").Add(float64(u.InputTokens))
	m.tokenUse.WithLabelValues("output").Add(float64(u.OutputTokens))
}
