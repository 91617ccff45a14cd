package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Operations           *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	EventPublishFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stex_exchange_operations_total",
			Help: "Exchange operations by outcome (applied, rejected, error).",
		}, []string{"operation", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stex_exchange_operation_duration_seconds",
			Help:    "Latency of exchange operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		EventPublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stex_exchange_event_publish_failures_total",
			Help: "Events that could not be published after a committed operation.",
		}, []string{"topic"}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.OperationDuration, m.EventPublishFailures)
	}
	return m
}

func (m *Metrics) observe(operation, status string, start time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
