package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Failure reasons used as the "reason" label.
const (
	ReasonTargetNotFound   = "target_not_found"
	ReasonReadinessTimeout = "readiness_timeout"
	ReasonInjectionFailed  = "injection_failed"
	ReasonSendUnconfirmed  = "send_unconfirmed"
	ReasonStore            = "store"
)

type Metrics struct {
	Deliveries        prometheus.Counter
	DeliveredMessages prometheus.Counter
	Failures          *prometheus.CounterVec
	Pending           prometheus.Gauge
	ReadyWait         prometheus.Histogram
}

// NewMetrics creates the engine collectors and registers them on reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agtscout_deliveries_total",
			Help: "Combined payloads confirmed as sent.",
		}),
		DeliveredMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agtscout_delivered_messages_total",
			Help: "Queued messages marked delivered.",
		}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agtscout_delivery_failures_total",
			Help: "Delivery cycles that ended without sending, by reason.",
		}, []string{"reason"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agtscout_pending_messages",
			Help: "Pending messages seen at the start of the last cycle.",
		}),
		ReadyWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agtscout_ready_wait_seconds",
			Help:    "Time spent waiting for the target to become ready.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Deliveries, m.DeliveredMessages, m.Failures, m.Pending, m.ReadyWait)
	}
	return m
}
