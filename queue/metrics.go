package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels recorded per finished attempt.
const (
	outcomeSuccess  = "success"
	outcomeRetry    = "retry"
	outcomeRejected = "rejected"
	outcomeDropped  = "dropped"
)

// Metrics holds the queue's prometheus collectors.
type Metrics struct {
	Attempts *prometheus.CounterVec
	Outcomes *prometheus.CounterVec
	Depth    prometheus.Gauge
	InFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "queue",
			Name:      "attempts_total",
			Help:      "Transport calls started, by operation.",
		}, []string{"op"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier",
			Subsystem: "queue",
			Name:      "outcomes_total",
			Help:      "Finished attempts, by operation and outcome.",
		}, []string{"op", "outcome"}),
		Depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items waiting for a worker.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier",
			Subsystem: "queue",
			Name:      "in_flight",
			Help:      "Transport calls currently running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Outcomes, m.Depth, m.InFlight)
	}
	return m
}
