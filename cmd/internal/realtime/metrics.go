package realtime

import (
	v1 "murmur/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections    prometheus.Gauge
	rejected       *prometheus.CounterVec
	publishedTotal *prometheus.CounterVec
	droppedTotal   prometheus.Counter
	metadataWrites *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "murmur_ws_connections",
			Help: "Open chat websocket connections.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_ws_rejected_total",
			Help: "Chat connections rejected before upgrade, by reason.",
		}, []string{"reason"}),
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_events_published_total",
			Help: "Events fanned out to local group members, by event type.",
		}, []string{"type"}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "murmur_events_dropped_total",
			Help: "Per-member deliveries dropped because the member queue was full.",
		}),
		metadataWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "murmur_metadata_writes_total",
			Help: "Asynchronous metadata writes, by operation and result.",
		}, []string{"op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.rejected, m.publishedTotal, m.droppedTotal, m.metadataWrites)
	}
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) published(ev v1.Event) {
	if m != nil {
		m.publishedTotal.WithLabelValues(ev.EventType()).Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.droppedTotal.Inc()
	}
}

// ObserveMetadataWrite records the outcome of one asynchronous metadata write.
func (m *Metrics) ObserveMetadataWrite(op, result string) {
	if m != nil {
		m.metadataWrites.WithLabelValues(op, result).Inc()
	}
}
