package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hyperifyio/kindlesender/internal/deliver"
)

// Metrics are the Prometheus collectors updated by runs. A nil *Metrics
// records nothing.
type Metrics struct {
	Runs             *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	DeliveryAttempts *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kindlesender",
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kindlesender",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kindlesender",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by method and result.",
		}, []string{"method", "result"}),
	}
}

func (m *Metrics) observeRun(outcome string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeStage(s Stage, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(string(s)).Observe(d.Seconds())
}

func (m *Metrics) observeDelivery(rec deliver.Receipt) {
	if m == nil || rec.Attempts == 0 {
		return
	}
	method := string(rec.Method)
	failures := rec.Attempts
	if rec.Success {
		failures--
		m.DeliveryAttempts.WithLabelValues(method, "success").Inc()
	}
	if failures > 0 {
		m.DeliveryAttempts.WithLabelValues(method, "failure").Add(float64(failures))
	}
}
