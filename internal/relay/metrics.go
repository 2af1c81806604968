package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are the relay's Prometheus collectors. Each server owns its own
// registry so several relays can run in one process.
type metrics struct {
	registry          *prometheus.Registry
	connections       prometheus.Gauge
	rooms             prometheus.Gauge
	messages          *prometheus.CounterVec
	events            *prometheus.CounterVec
	resolved          prometheus.Counter
	handshakeFailures prometheus.Counter
	requests          *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backoffice",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Authenticated WebSocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backoffice",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Conversations with at least one joined connection.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backoffice",
			Subsystem: "relay",
			Name:      "messages_persisted_total",
			Help:      "Messages stored, by sender.",
		}, []string{"sender"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backoffice",
			Subsystem: "relay",
			Name:      "events_delivered_total",
			Help:      "Events delivered to connections, by event name.",
		}, []string{"event"}),
		resolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backoffice",
			Subsystem: "relay",
			Name:      "chats_resolved_total",
			Help:      "Conversations resolved.",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backoffice",
			Subsystem: "relay",
			Name:      "handshake_failures_total",
			Help:      "WebSocket handshakes rejected.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "backoffice",
			Subsystem: "relay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.rooms, m.messages, m.events, m.resolved, m.handshakeFailures, m.requests,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
