package tools

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects per-operation call counts and latencies.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the tool collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeflow",
			Subsystem: "tool",
			Name:      "calls_total",
			Help:      "Tool calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tradeflow",
			Subsystem: "tool",
			Name:      "call_duration_seconds",
			Help:      "Tool call latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{m.calls, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(rec *Record) {
	outcome := "ok"
	if rec.Error != nil {
		outcome = string(rec.Error.Kind)
	}
	m.calls.WithLabelValues(rec.Operation, outcome).Inc()
	m.duration.WithLabelValues(rec.Operation).Observe(rec.Duration().Seconds())
}
