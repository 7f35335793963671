package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "guest_rpc"

// Metrics counts transport activity. A nil *Metrics records nothing.
type Metrics struct {
	received   prometheus.Counter
	malformed  prometheus.Counter
	duplicates prometheus.Counter
	replies    *prometheus.CounterVec
	sent       prometheus.Counter
	reconnects *prometheus.CounterVec
	backoff    prometheus.Histogram
}

// NewMetrics registers the transport metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		received: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Total number of requests read from the topic queue.",
		}),
		malformed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_malformed_total",
			Help:      "Total number of requests that could not be decoded.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_duplicate_total",
			Help:      "Total number of redelivered requests skipped because they were already answered.",
		}),
		replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replies_total",
			Help:      "Total number of replies by result.",
		}, []string{"result"}),
		sent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages published by senders.",
		}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_attempts_total",
			Help:      "Total number of attempts to build a connection, by result.",
		}, []string{"result"}),
		backoff: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_wait_seconds",
			Help:      "Time waited before connection attempts.",
			Buckets:   []float64{1, 2, 4, 8, 16, 30, 60, 120},
		}),
	}
}

func (m *Metrics) messageReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) messageMalformed() {
	if m != nil {
		m.malformed.Inc()
	}
}

func (m *Metrics) duplicateSkipped() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) reply(result string) {
	if m != nil {
		m.replies.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) messageSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Metrics) connectionAttempt(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.reconnects.WithLabelValues("failure").Inc()
		return
	}
	m.reconnects.WithLabelValues("success").Inc()
}

func (m *Metrics) waited(d time.Duration) {
	if m != nil {
		m.backoff.Observe(d.Seconds())
	}
}
