package broker

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusmq/nimbus/encoding"
	"github.com/nimbusmq/nimbus/pkg/logger"
	"github.com/nimbusmq/nimbus/session"
)

const (
	// DefaultOutboundQueueSize is the per-subscriber bounded queue depth
	DefaultOutboundQueueSize = 32

	// DefaultConnectTimeout bounds how long a fresh connection may take
	// to produce its CONNECT packet
	DefaultConnectTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a single packet write to a client
	DefaultWriteTimeout = 30 * time.Second
)

// Config carries the broker's tunables; zero values take the defaults
// above. Build one implicitly through Options.
type Config struct {
	// MaxPacketSize caps inbound packets (fixed header included);
	// 0 means the codec's 256 MB ceiling
	MaxPacketSize uint32
	// MaxQoS caps granted subscription QoS
	MaxQoS encoding.QoS
	// OutboundQueueSize is the per-subscriber queue depth. When a queue
	// is full the broker does not block publishers: the message is
	// dropped, counted in Stats.MessagesDropped, and the slow subscriber
	// is disconnected with QuotaExceeded.
	OutboundQueueSize int
	// RetainAvailable enables the retained message store
	RetainAvailable bool
	// ConnectTimeout and WriteTimeout bound the respective transport ops
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the broker logger.
func WithLogger(log *logger.SlogLogger) Option {
	return func(s *Server) { s.log = log }
}

// WithLogLevel replaces the default logger with one at the given level.
func WithLogLevel(level slog.Level) Option {
	return func(s *Server) { s.log = logger.NewSlogLogger(level, nil) }
}

// WithLoginHandler sets the authentication handler.
func WithLoginHandler(h LoginHandler) Option {
	return func(s *Server) { s.login = h }
}

// WithSessionStore backs the session table with the given store.
func WithSessionStore(store session.Store) Option {
	return func(s *Server) { s.sessionStore = store }
}

// WithMaxPacketSize caps inbound packet size.
func WithMaxPacketSize(n uint32) Option {
	return func(s *Server) { s.cfg.MaxPacketSize = n }
}

// WithMaxQoS caps the QoS granted on subscriptions.
func WithMaxQoS(q encoding.QoS) Option {
	return func(s *Server) { s.cfg.MaxQoS = q }
}

// WithOutboundQueueSize sets the per-subscriber queue depth.
func WithOutboundQueueSize(n int) Option {
	return func(s *Server) { s.cfg.OutboundQueueSize = n }
}

// WithRetainDisabled turns off the retained message store and CONNACK
// advertises Retain Available 0. A v5 client that still publishes with
// retain set is disconnected with Retain Not Supported; v3.1.1 retained
// publishes are routed but not stored.
func WithRetainDisabled() Option {
	return func(s *Server) { s.cfg.RetainAvailable = false }
}

// WithConnectTimeout bounds the wait for the CONNECT packet.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Server) { s.cfg.ConnectTimeout = d }
}

// WithMetricsRegisterer registers the broker's Prometheus collectors.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(s *Server) { s.metricsReg = reg }
}
