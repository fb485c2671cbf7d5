// Package observability exposes gateway-level Prometheus metrics. Channel
// packages keep their own in-memory counters for status reporting; this
// package is the scrape surface.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the delivery pipeline.
type Metrics struct {
	messages    *prometheus.CounterVec
	gateOutcome *prometheus.CounterVec
	queueDepth  *prometheus.GaugeVec
	reconnects  *prometheus.CounterVec
	fatals      *prometheus.CounterVec
	sendLatency *prometheus.HistogramVec
}

// NewMetrics registers the collectors with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "channels",
			Name:      "messages_total",
			Help:      "Messages processed, by channel and direction.",
		}, []string{"channel", "direction"}),
		gateOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "channels",
			Name:      "gate_outcomes_total",
			Help:      "Delivery gate decisions, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nanoclaw",
			Subsystem: "channels",
			Name:      "queue_depth",
			Help:      "Outbound messages waiting per channel.",
		}, []string{"channel"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "channels",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts per channel.",
		}, []string{"channel"}),
		fatals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nanoclaw",
			Subsystem: "channels",
			Name:      "fatal_errors_total",
			Help:      "Channel terminations per channel.",
		}, []string{"channel"}),
		sendLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nanoclaw",
			Subsystem: "channels",
			Name:      "send_latency_seconds",
			Help:      "Latency of individual chunk sends.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
}

func (m *Metrics) RecordMessage(channel, direction string) {
	m.messages.WithLabelValues(channel, direction).Inc()
}

func (m *Metrics) RecordGateOutcome(channel, outcome string) {
	m.gateOutcome.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(channel string, depth float64) {
	m.queueDepth.WithLabelValues(channel).Set(depth)
}

func (m *Metrics) RecordReconnect(channel string) {
	m.reconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordFatal(channel string) {
	m.fatals.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveSendLatency(channel string, seconds float64) {
	m.sendLatency.WithLabelValues(channel).Observe(seconds)
}
