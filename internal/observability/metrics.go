package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing, which keeps engine tests free of
// registry setup.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	OutboundEvents    *prometheus.CounterVec
	InboundEvents     *prometheus.CounterVec
	TurnClosures      *prometheus.CounterVec
	RelayMessages     *prometheus.CounterVec
	StaleDrops        prometheus.Counter
	DecodeFailures    prometheus.Counter
	BackpressureHolds prometheus.Counter
	FirstAudioLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice sessions.",
		}),
		OutboundEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_events_total",
			Help:      "Events sent on the model stream, by protocol tag.",
		}, []string{"event"}),
		InboundEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Events received on the model stream, by protocol tag.",
		}, []string{"event"}),
		TurnClosures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_closures_total",
			Help:      "User turn closures by reason.",
		}, []string{"reason"}),
		RelayMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Browser relay websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		StaleDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_event_drops_total",
			Help:      "Outbound events discarded after stream completion.",
		}),
		DecodeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_failures_total",
			Help:      "Malformed inbound frames skipped by the stream driver.",
		}),
		BackpressureHolds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_holds_total",
			Help:      "Pacer ticks that held audio because the queue was at its ceiling.",
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from turn close to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) IncOutbound(event string) {
	if m == nil {
		return
	}
	m.OutboundEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncInbound(event string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncTurnClosure(reason string) {
	if m == nil {
		return
	}
	m.TurnClosures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRelayMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.RelayMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) IncStaleDrop() {
	if m == nil {
		return
	}
	m.StaleDrops.Inc()
}

func (m *Metrics) IncDecodeFailure() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

func (m *Metrics) IncBackpressureHold() {
	if m == nil {
		return
	}
	m.BackpressureHolds.Inc()
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
