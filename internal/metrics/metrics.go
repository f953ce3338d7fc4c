// ABOUTME: Prometheus collectors for the bridge pipeline
// ABOUTME: A nil *Metrics is valid and records nothing

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NeverMore93/opencode-feishu/internal/session"
)

const namespace = "opencode_bridge"

// Message dispositions counted by MessageHandled.
const (
	MessageDuplicate = "duplicate"
	MessageDropped   = "dropped"
	MessageCommand   = "command"
	MessageTurn      = "turn"
	MessageSilent    = "silent"
)

// Metrics owns a private registry and the bridge collectors.
type Metrics struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	turns           *prometheus.CounterVec
	turnDuration    *prometheus.HistogramVec
	sessions        *prometheus.CounterVec
	relayEvents     *prometheus.CounterVec
	relayReconnects prometheus.Counter
	historyMessages prometheus.Counter
	backendUp       prometheus.Gauge
}

// New registers the collectors, plus Go runtime and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound chat messages by disposition.",
		}, []string{"platform", "disposition"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished conversation turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of conversation turns.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_resolutions_total",
			Help:      "Session resolutions by source.",
		}, []string{"source"}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Backend events applied by the streaming relay.",
		}, []string{"type"}),
		relayReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnects_total",
			Help:      "Event stream reconnect attempts.",
		}),
		historyMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_messages_total",
			Help:      "Group history messages imported as context.",
		}),
		backendUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_up",
			Help:      "1 when the last OpenCode health probe succeeded.",
		}),
	}

	m.registry.MustRegister(
		m.messages,
		m.turns,
		m.turnDuration,
		m.sessions,
		m.relayEvents,
		m.relayReconnects,
		m.historyMessages,
		m.backendUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// MessageHandled counts an inbound message by platform and disposition.
func (m *Metrics) MessageHandled(platform, disposition string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(platform, disposition).Inc()
}

// TurnFinished implements conversation.Observer.
func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SessionResolved implements session.Observer.
func (m *Metrics) SessionResolved(source session.Source) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(string(source)).Inc()
}

// RelayEvent implements relay.Observer.
func (m *Metrics) RelayEvent(eventType string) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(eventType).Inc()
}

// RelayReconnect implements relay.Observer.
func (m *Metrics) RelayReconnect() {
	if m == nil {
		return
	}
	m.relayReconnects.Inc()
}

// HistoryIngested adds n imported history messages.
func (m *Metrics) HistoryIngested(n int) {
	if m == nil {
		return
	}
	m.historyMessages.Add(float64(n))
}

// SetBackendUp records the result of the latest backend probe.
func (m *Metrics) SetBackendUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.backendUp.Set(1)
		return
	}
	m.backendUp.Set(0)
}
