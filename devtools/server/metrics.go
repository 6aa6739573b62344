package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/liuxd6825/devtools/devtools/actors/performance"
	"github.com/liuxd6825/devtools/devtools/protocol"
	"github.com/liuxd6825/devtools/devtools/timeline"
)

const (
	namespace = "devtools"
	subsystem = "server"
)

// Metrics are the Prometheus collectors of a server. They're registered in a
// registry of their own, so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Counter
	activeConnections prometheus.Gauge
	packets           *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	markers           prometheus.Counter
	activeRecordings  prometheus.Gauge
}

var _ performance.Observer = &Metrics{}

// NewMetrics creates and registers the server collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Count of accepted debugger connections",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_active",
			Help:      "Number of open debugger connections",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_total",
			Help:      "Count of protocol packets by direction",
		}, []string{"direction"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_errors_total",
			Help:      "Count of error replies by error name",
		}, []string{"error"}),
		markers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timeline_markers_total",
			Help:      "Count of timeline markers streamed to clients",
		}),
		activeRecordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recordings_active",
			Help:      "Number of running recordings",
		}),
	}
	m.registry.MustRegister(
		m.connections, m.activeConnections, m.packets,
		m.protocolErrors, m.markers, m.activeRecordings,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordingStarted implements performance.Observer.
func (m *Metrics) RecordingStarted(string) { m.activeRecordings.Inc() }

// RecordingStopped implements performance.Observer.
func (m *Metrics) RecordingStopped(string) { m.activeRecordings.Dec() }

func (m *Metrics) packetIn() { m.packets.WithLabelValues("in").Inc() }

// meteredWriter counts the packets written to a client.
type meteredWriter struct {
	protocol.Writer
	metrics *Metrics
}

func (w meteredWriter) WritePacket(v interface{}) error {
	if err := w.Writer.WritePacket(v); err != nil {
		return err
	}
	w.metrics.packets.WithLabelValues("out").Inc()
	switch p := v.(type) {
	case timeline.MarkersPacket:
		w.metrics.markers.Add(float64(len(p.Markers)))
	case *protocol.Error:
		w.metrics.protocolErrors.WithLabelValues(p.Name).Inc()
	}
	return nil
}
