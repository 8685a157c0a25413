// Package broker implements the MQTT dispatch core: it accepts client
// connections, negotiates sessions, maintains the subscription trie, and
// routes published messages to matching subscribers through per-client
// bounded queues.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nimbusmq/nimbus/encoding"
	"github.com/nimbusmq/nimbus/pkg/logger"
	"github.com/nimbusmq/nimbus/session"
	"github.com/nimbusmq/nimbus/store"
	"github.com/nimbusmq/nimbus/topic"
	"github.com/nimbusmq/nimbus/types/message"
)

// Server is the broker handle. Construct it with New around a listener
// source, then run AcceptNewClients until the listener closes. Connections
// from other transports (in-memory pipes, websockets) enter through Serve.
type Server struct {
	cfg   Config
	log   *logger.SlogLogger
	login LoginHandler
	stats *Stats

	sessionStore session.Store
	sessions     *session.Manager
	router       *topic.Router
	retained     *store.RetainedStore
	metricsReg   prometheus.Registerer

	ln net.Listener

	mu      sync.RWMutex
	clients map[string]*client

	closed atomic.Bool
	connWG sync.WaitGroup
}

// New builds a Server around the listener source. ln may be nil when every
// connection enters through Serve.
func New(ln net.Listener, opts ...Option) (*Server, error) {
	s := &Server{
		cfg: Config{
			MaxQoS:            encoding.QoS2,
			OutboundQueueSize: DefaultOutboundQueueSize,
			RetainAvailable:   true,
			ConnectTimeout:    DefaultConnectTimeout,
			WriteTimeout:      DefaultWriteTimeout,
		},
		ln:      ln,
		clients: make(map[string]*client),
		router:  topic.NewRouter(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = logger.NewSlogLogger(slog.LevelInfo, nil)
	}
	if s.login == nil {
		s.login = AllowAllLogins{}
	}
	if s.cfg.OutboundQueueSize < 1 {
		s.cfg.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if s.cfg.ConnectTimeout <= 0 {
		s.cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if s.cfg.WriteTimeout <= 0 {
		s.cfg.WriteTimeout = DefaultWriteTimeout
	}
	if s.stats == nil {
		s.stats = NewStats()
	}
	if s.metricsReg != nil {
		if err := s.stats.Register(s.metricsReg); err != nil {
			return nil, err
		}
	}
	s.sessions = session.NewManager(session.Config{Store: s.sessionStore})
	if s.cfg.RetainAvailable {
		s.retained = store.NewRetainedStore()
	}

	return s, nil
}

// AcceptNewClients runs the accept loop until the listener closes or
// errors, then waits for every connection handler to finish.
func (s *Server) AcceptNewClients() error {
	if s.ln == nil {
		return errors.New("broker: no listener configured")
	}

	group, ctx := errgroup.WithContext(context.Background())

	var acceptErr error
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				acceptErr = nil
			} else {
				acceptErr = err
			}
			break
		}

		group.Go(func() error {
			s.Serve(ctx, conn)
			return nil
		})
	}

	if err := group.Wait(); err != nil && acceptErr == nil {
		acceptErr = err
	}
	if s.closed.Load() && acceptErr == nil {
		return ErrServerClosed
	}
	return acceptErr
}

// Serve handles a single client connection and returns when it ends.
func (s *Server) Serve(ctx context.Context, conn net.Conn) {
	if s.closed.Load() {
		_ = conn.Close()
		return
	}

	s.connWG.Add(1)
	defer s.connWG.Done()

	s.stats.ConnectionsTotal.Inc()
	s.stats.ActiveConnections.Inc()
	defer s.stats.ActiveConnections.Dec()

	c := newClient(s, conn)
	c.run(ctx)
}

// Router exposes the subscription router, mainly for tests and embedding.
func (s *Server) Router() *topic.Router {
	return s.router
}

// Stats exposes the broker's metric collectors.
func (s *Server) Stats() *Stats {
	return s.stats
}

// Sessions exposes the session table.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Close stops accepting, disconnects every client with ServerShuttingDown,
// and waits for the connection handlers to drain.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.kick(encoding.ReasonServerShuttingDown)
	}

	s.connWG.Wait()
	return s.sessions.Close()
}

// register installs c as the connection for its client id, kicking any
// previous connection holding the same id (session takeover).
func (s *Server) register(c *client) {
	s.mu.Lock()
	old := s.clients[c.id]
	s.clients[c.id] = c
	s.mu.Unlock()

	if old != nil {
		s.log.Info("session takeover", "client_id", c.id, "remote", c.conn.RemoteAddr())
		old.kick(encoding.ReasonSessionTakenOver)
	}
}

// unregister removes c unless a takeover already replaced it.
// It reports whether c was still the registered connection.
func (s *Server) unregister(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
		return true
	}
	return false
}

func (s *Server) clientFor(id string) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

// route fans msg out to every matching subscriber queue and returns the
// number of deliveries enqueued. Queue-full subscribers are disconnected
// with QuotaExceeded rather than blocking the publisher.
func (s *Server) route(msg *message.Message) int {
	matches := s.router.Match(msg.Topic)
	delivered := 0

	for _, sub := range matches {
		if sub.NoLocal && sub.ClientID == msg.Author {
			continue
		}

		c := s.clientFor(sub.ClientID)
		if c == nil {
			continue
		}

		d := delivery{
			msg:    msg,
			retain: msg.Retain && sub.RetainAsPublished,
			subID:  sub.SubscriptionIdentifier,
		}
		if c.enqueue(d) {
			delivered++
			s.stats.MessagesRouted.Inc()
		} else {
			s.stats.MessagesDropped.Inc()
			s.log.Warn("subscriber queue full, disconnecting",
				"client_id", sub.ClientID, "topic", msg.Topic)
			c.kick(encoding.ReasonQuotaExceeded)
		}
	}

	return delivered
}

// publishWill routes a session's will message; called when a connection
// ends without a graceful DISCONNECT.
func (s *Server) publishWill(clientID string, will *session.WillMessage) {
	msg := message.New(clientID, will.Topic, will.Payload, will.QoS, will.Retain, encoding.Properties{})
	s.log.Debug("publishing will", "client_id", clientID, "topic", will.Topic)
	if will.Retain && s.retained != nil {
		_ = s.retained.Set(msg)
	}
	s.route(msg)
}
