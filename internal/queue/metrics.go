package queue

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks queue throughput and dead-letter growth.
type Metrics struct {
	Processed *prometheus.CounterVec
	DLQSize   *prometheus.GaugeVec
}

// NewMetrics registers queue collectors on reg, reusing collectors that are already registered.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_processed_total",
		Help:      "Total tasks processed grouped by status",
	}, []string{"kind", "status"})
	dlq := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_dlq_size",
		Help:      "Number of tasks stored in DLQ",
	}, []string{"kind"})

	if err := reg.Register(processed); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		processed = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(dlq); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
		dlq = are.ExistingCollector.(*prometheus.GaugeVec)
	}
	return &Metrics{Processed: processed, DLQSize: dlq}
}
