// Package metrics registers the gateway's Prometheus instruments. All
// series live under the i3_gateway_ prefix and are exposed on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every instrument the gateway records.
type Metrics struct {
	// Upstream packet flow
	PacketsReceived *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	PacketErrors    *prometheus.CounterVec

	// Router link
	RouterConnected   prometheus.Gauge
	RouterTransitions *prometheus.CounterVec
	RouterReconnects  prometheus.Counter
	RouterLatency     prometheus.Histogram

	// Downstream API
	APIRequests       *prometheus.CounterVec
	APIDuration       *prometheus.HistogramVec
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	ClientsConnected  *prometheus.GaugeVec
	SlowClientsClosed prometheus.Counter

	// Event plane
	EventsDispatched *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	OfflineQueued    prometheus.Gauge
	OfflineDropped   prometheus.Counter

	// Throttling and protection
	RateLimited   *prometheus.CounterVec
	OutboundDepth prometheus.Gauge
	OutboundDrops prometheus.Counter
	BreakerState  *prometheus.GaugeVec
}

// New registers all instruments with reg. Pass a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PacketsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "i3_gateway_packets_received_total",
				Help: "Inbound I3 packets by type",
			},
			[]string{"type"},
		),
		PacketsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "i3_gateway_packets_sent_total",
				Help: "Outbound I3 packets by type",
			},
			[]string{"type"},
		),
		PacketErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "i3_gateway_packet_errors_total",
				Help: "Dropped inbound frames by failure kind",
			},
			[]string{"kind"}, // malformed_lpc, bad_packet, frame_too_large, unknown_type, ttl_expired
		),

		RouterConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "i3_gateway_router_connected",
			Help: "1 while the router link is in the Connected state",
		}),
		RouterTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "i3_gateway_router_transitions_total",
				Help: "Router link state transitions",
			},
			[]string{"from", "to"},
		),
		RouterReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "i3_gateway_router_reconnects_total",
			Help: "Reconnect attempts against any router host",
		}),
		RouterLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "i3_gateway_router_latency_seconds",
			Help:    "Registration round-trip latency samples",
			Buckets: prometheus.DefBuckets,
		}),

		APIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "i3_gateway_api_requests_total",
				Help: "JSON-RPC requests by method and outcome",
			},
			[]string{"method", "status"}, // status: ok, error
		),
		APIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "i3_gateway_api_request_duration_seconds",
				Help:    "JSON-RPC request handling time",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method"},
		),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "i3_gateway_sessions_active",
			Help: "Authenticated sessions currently alive",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "i3_gateway_sessions_total",
			Help: "Sessions created since start",
		}),
		ClientsConnected: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "i3_gateway_clients_connected",
				Help: "Open client connections by transport",
			},
			[]string{"transport"}, // websocket, tcp
		),
		SlowClientsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "i3_gateway_slow_clients_closed_total",
			Help: "Connections closed because their outbound queue overflowed",
		}),

		EventsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "i3_gateway_events_dispatched_total",
				Help: "Events delivered to at least one session",
			},
			[]string{"type"},
		),
		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "i3_gateway_events_dropped_total",
				Help: "Events discarded before delivery",
			},
			[]string{"reason"}, // bus_full, expired
		),
		OfflineQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "i3_gateway_offline_queue_depth",
			Help: "Events parked in offline queues across all sessions",
		}),
		OfflineDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "i3_gateway_offline_dropped_total",
			Help: "Offline queue evictions due to capacity or TTL",
		}),

		RateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "i3_gateway_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"class"},
		),
		OutboundDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "i3_gateway_outbound_queue_depth",
			Help: "Packets waiting in the router outbound queue",
		}),
		OutboundDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "i3_gateway_outbound_dropped_total",
			Help: "Outbound packets dropped under backpressure",
		}),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "i3_gateway_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),
	}
}

// The Record helpers tolerate a nil receiver so components can treat
// metrics as optional.

// RecordPacketReceived counts one inbound packet.
func (m *Metrics) RecordPacketReceived(packetType string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(packetType).Inc()
}

// RecordPacketSent counts one outbound packet.
func (m *Metrics) RecordPacketSent(packetType string) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(packetType).Inc()
}

// RecordPacketError counts one dropped inbound frame.
func (m *Metrics) RecordPacketError(kind string) {
	if m == nil {
		return
	}
	m.PacketErrors.WithLabelValues(kind).Inc()
}

// RecordTransition tracks a router link state change and keeps the
// connected gauge in step.
func (m *Metrics) RecordTransition(from, to string, connected bool) {
	if m == nil {
		return
	}
	m.RouterTransitions.WithLabelValues(from, to).Inc()
	if connected {
		m.RouterConnected.Set(1)
	} else {
		m.RouterConnected.Set(0)
	}
}

// RecordRouterLatency observes one registration round trip.
func (m *Metrics) RecordRouterLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.RouterLatency.Observe(d.Seconds())
}

// RecordAPIRequest counts one JSON-RPC call with its handling time.
func (m *Metrics) RecordAPIRequest(method string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.APIRequests.WithLabelValues(method, status).Inc()
	m.APIDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordClientConnected moves the per-transport connection gauge.
func (m *Metrics) RecordClientConnected(transport string, delta int) {
	if m == nil {
		return
	}
	m.ClientsConnected.WithLabelValues(transport).Add(float64(delta))
}

// RecordSlowClientClosed counts a connection closed for not draining.
func (m *Metrics) RecordSlowClientClosed() {
	if m == nil {
		return
	}
	m.SlowClientsClosed.Inc()
}

// RecordEventDispatched counts one delivered event.
func (m *Metrics) RecordEventDispatched(eventType string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(eventType).Inc()
}

// RecordEventDropped counts one discarded event.
func (m *Metrics) RecordEventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordRateLimited counts one throttled request.
func (m *Metrics) RecordRateLimited(class string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(class).Inc()
}

// RecordBreakerState mirrors a breaker state change into its gauge.
func (m *Metrics) RecordBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}
