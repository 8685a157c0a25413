package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the broker's Prometheus collectors. Pass a Registerer via
// WithMetricsRegisterer to expose them; unregistered collectors still count
// and can be read in tests.
type Stats struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	PacketsReceived   prometheus.Counter
	PacketsSent       prometheus.Counter
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	MessagesRouted    prometheus.Counter
	MessagesDropped   prometheus.Counter
}

// NewStats creates the collector set.
func NewStats() *Stats {
	return &Stats{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_active_client_count",
			Help: "Number of currently connected MQTT clients",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_connections_total",
			Help: "Total number of accepted MQTT connections",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_received_packets_total",
			Help: "Total number of received MQTT packets",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_sent_packets_total",
			Help: "Total number of sent MQTT packets",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_received_bytes_total",
			Help: "Total number of received MQTT bytes",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_sent_bytes_total",
			Help: "Total number of sent MQTT bytes",
		}),
		MessagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_routed_messages_total",
			Help: "Total number of messages routed to subscribers",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_dropped_messages_total",
			Help: "Total number of messages dropped on full subscriber queues",
		}),
	}
}

// Register registers every collector with reg.
func (s *Stats) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		s.ActiveConnections,
		s.ConnectionsTotal,
		s.PacketsReceived,
		s.PacketsSent,
		s.BytesReceived,
		s.BytesSent,
		s.MessagesRouted,
		s.MessagesDropped,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
