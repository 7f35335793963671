package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/TimSimpsonR/sneaky-pete-sub001/internal/rpc"
)

// Metrics counts dispatched methods. A nil *Metrics records nothing.
type Metrics struct {
	calls      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	heartbeats *prometheus.CounterVec
}

// NewMetrics registers the dispatch metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guest_agent",
			Name:      "method_calls_total",
			Help:      "Total number of RPC methods run, by method and result.",
		}, []string{"method", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guest_agent",
			Name:      "method_duration_seconds",
			Help:      "Time spent running RPC methods.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guest_agent",
			Name:      "heartbeats_total",
			Help:      "Total number of status heartbeats, by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) methodFinished(method string, output rpc.GuestOutput, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case output.Failure != nil && *output.Failure == noMethodFound:
		// Unknown names would grow the label set without bound.
		method, result = "unknown", "no_method"
	case output.Failure != nil:
		result = "failure"
	}
	m.calls.WithLabelValues(method, result).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) heartbeat(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.heartbeats.WithLabelValues("failure").Inc()
		return
	}
	m.heartbeats.WithLabelValues("success").Inc()
}
