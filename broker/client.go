package broker

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusmq/nimbus/encoding"
	"github.com/nimbusmq/nimbus/frame"
	"github.com/nimbusmq/nimbus/qos"
	"github.com/nimbusmq/nimbus/session"
	"github.com/nimbusmq/nimbus/topic"
	"github.com/nimbusmq/nimbus/types/message"
)

// errGracefulDisconnect marks a read loop ending on a client DISCONNECT.
var errGracefulDisconnect = errors.New("graceful disconnect")

// delivery is one message prepared for a specific subscriber: the retain
// flag and subscription identifier depend on the matching subscription.
type delivery struct {
	msg    *message.Message
	retain bool
	subID  uint32
}

// client is the per-connection state: a read loop decoding packets out of
// the framing buffer, a write loop draining the bounded outbound queue,
// and the session negotiated on CONNECT.
type client struct {
	srv  *Server
	conn net.Conn
	dec  *frame.Decoder

	id         string
	version    encoding.ProtocolVersion
	sess       *session.Session
	keepAlive  time.Duration
	maxOutSize uint32 // client's Maximum Packet Size property, 0 = unlimited
	dedup      *qos.Dedup

	outbound chan delivery
	quit     chan struct{}
	quitOnce sync.Once
	kicked   atomic.Bool
	wmu      sync.Mutex
}

func newClient(s *Server, conn net.Conn) *client {
	dec := frame.NewDecoder()
	dec.SetMaxPacketSize(s.cfg.MaxPacketSize)

	return &client{
		srv:      s,
		conn:     conn,
		dec:      dec,
		version:  encoding.ProtocolVersion50,
		outbound: make(chan delivery, s.cfg.OutboundQueueSize),
		quit:     make(chan struct{}),
		dedup:    qos.NewDedup(0),
	}
}

// run drives the connection from CONNECT to teardown.
func (c *client) run(ctx context.Context) {
	if err := c.handshake(ctx); err != nil {
		c.srv.log.Debug("handshake failed", "remote", c.conn.RemoteAddr(), "error", err)
		c.teardown(ctx, err)
		c.close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	err := c.readLoop(ctx)
	c.teardown(ctx, err)

	c.close()
	wg.Wait()
}

// close cancels both loops and the transport. Safe to call repeatedly and
// from any goroutine.
func (c *client) close() {
	c.quitOnce.Do(func() {
		close(c.quit)
		_ = c.conn.Close()
	})
}

// kick sends a server-initiated DISCONNECT (v5 only; v3.1.1 has no
// server DISCONNECT) and closes the connection. The write happens on its
// own goroutine so a wedged client cannot stall the caller, which may be
// another client's read loop.
func (c *client) kick(reason encoding.ReasonCode) {
	if !c.kicked.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if c.version == encoding.ProtocolVersion50 {
			_ = c.writePacket(&encoding.DisconnectPacket{
				Version:    c.version,
				ReasonCode: reason,
			})
		}
		c.close()
	}()
}

// enqueue offers a delivery to the outbound queue without blocking the
// publisher. It reports false when the queue is full.
func (c *client) enqueue(d delivery) bool {
	select {
	case c.outbound <- d:
		return true
	default:
		return false
	}
}

// handshake reads the CONNECT packet, authenticates, resolves the session
// (including takeover of a prior connection on the same client id) and
// answers with CONNACK.
func (c *client) handshake(ctx context.Context) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.ConnectTimeout))

	pkt, err := c.readOnePacket()
	if err != nil {
		if errors.Is(err, encoding.ErrInvalidProtocolVersion) {
			// The level is unknown, so answer in the v3.1.1 CONNACK format
			c.version = encoding.ProtocolVersion311
			_ = c.writeConnackError(encoding.ReasonUnsupportedProtocolVersion, encoding.ReturnCodeUnacceptableProtocolVersion)
		}
		return err
	}

	connect, ok := pkt.(*encoding.ConnectPacket)
	if !ok {
		return ErrConnectExpected
	}

	c.version = connect.Version
	c.dec.SetVersion(connect.Version)

	var username *string
	if connect.UsernameFlag {
		username = &connect.Username
	}
	var password []byte
	if connect.PasswordFlag {
		password = connect.Password
	}
	if err := c.srv.login.AllowLogin(ctx, connect.ClientID, username, password); err != nil {
		c.srv.log.Info("login rejected", "client_id", connect.ClientID, "remote", c.conn.RemoteAddr())
		_ = c.writeConnackError(encoding.ReasonNotAuthorized, encoding.ReturnCodeBadUsernameOrPassword)
		return ErrAuthenticationFailed
	}

	clientID := connect.ClientID
	assigned := false
	if clientID == "" {
		// v5 servers assign an id for any empty client identifier;
		// v3.1.1 only allows it for clean sessions (MQTT-3.1.3-7)
		if c.version == encoding.ProtocolVersion311 && !connect.CleanStart {
			_ = c.writeConnackError(encoding.ReasonClientIdentifierNotValid, encoding.ReturnCodeIdentifierRejected)
			return encoding.ErrMalformedPacket
		}
		clientID, err = c.srv.sessions.GenerateClientID()
		if err != nil {
			return err
		}
		assigned = true
	}
	c.id = clientID

	var expiryInterval uint32
	if c.version == encoding.ProtocolVersion50 {
		expiryInterval, _ = connect.Properties.GetUint32(encoding.PropSessionExpiryInterval)
		if maxSize, ok := connect.Properties.GetUint32(encoding.PropMaximumPacketSize); ok {
			c.maxOutSize = maxSize
		}
	}
	c.keepAlive = time.Duration(connect.KeepAlive) * time.Second

	// Claim the client id before touching the session table so a prior
	// connection is kicked out first (session takeover)
	c.srv.register(c)

	sess, present, err := c.srv.sessions.Connect(ctx, clientID, connect.CleanStart, expiryInterval, c.version)
	if err != nil {
		return err
	}
	c.sess = sess
	sess.AssignedID = assigned
	sess.KeepAlive = connect.KeepAlive

	if !present {
		// A fresh session must not inherit trie entries left by an
		// earlier incarnation of this client id
		c.srv.router.UnsubscribeAll(clientID)
	}

	if connect.WillFlag {
		will := &session.WillMessage{
			Topic:   connect.WillTopic,
			Payload: connect.WillPayload,
			QoS:     connect.WillQoS,
			Retain:  connect.WillRetain,
		}
		if c.version == encoding.ProtocolVersion50 {
			will.DelayInterval, _ = connect.WillProperties.GetUint32(encoding.PropWillDelayInterval)
		}
		sess.SetWill(will)
	} else {
		sess.ClearWill()
	}

	if present {
		c.restoreSession(sess)
	}

	connack := &encoding.ConnackPacket{
		Version:        c.version,
		SessionPresent: present,
		ReasonCode:     encoding.ReasonSuccess,
		ReturnCode:     encoding.ReturnCodeAccepted,
	}
	if c.version == encoding.ProtocolVersion50 {
		if assigned {
			_ = connack.Properties.Add(encoding.PropAssignedClientIdentifier, clientID)
		}
		if c.srv.cfg.MaxQoS < encoding.QoS2 {
			_ = connack.Properties.Add(encoding.PropMaximumQoS, byte(c.srv.cfg.MaxQoS))
		}
		if !c.srv.cfg.RetainAvailable {
			_ = connack.Properties.Add(encoding.PropRetainAvailable, byte(0))
		}
		_ = connack.Properties.Add(encoding.PropSharedSubscriptionAvailable, byte(0))
		if method, ok := connect.Properties.GetString(encoding.PropAuthenticationMethod); ok {
			_ = connack.Properties.Add(encoding.PropAuthenticationMethod, method)
		}
	}
	if err := c.writePacket(connack); err != nil {
		return err
	}

	c.srv.log.Info("client connected",
		"client_id", clientID,
		"version", byte(c.version),
		"clean_start", connect.CleanStart,
		"session_present", present,
		"remote", c.conn.RemoteAddr())

	return nil
}

// restoreSession re-registers a resumed session's subscriptions in the
// trie and reloads its QoS 2 receive state.
func (c *client) restoreSession(sess *session.Session) {
	for _, sub := range sess.AllSubscriptions() {
		_ = c.srv.router.Subscribe(&topic.Subscription{
			ClientID:               c.id,
			TopicFilter:            sub.TopicFilter,
			QoS:                    sub.QoS,
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: sub.SubscriptionIdentifier,
		})
	}
	for _, id := range sess.PendingPubrelIDs() {
		c.dedup.Begin(id)
	}
}

// readOnePacket blocks until the framing buffer yields a packet.
func (c *client) readOnePacket() (encoding.Packet, error) {
	buf := make([]byte, 4096)
	for {
		pkt, err := c.dec.Next()
		if err == nil {
			return pkt, nil
		}
		if !errors.Is(err, frame.ErrNeedMoreData) {
			return nil, err
		}

		n, rerr := c.conn.Read(buf)
		if n > 0 {
			c.srv.stats.BytesReceived.Add(float64(n))
			c.dec.Feed(buf[:n])
			continue
		}
		if rerr != nil {
			return nil, ErrTransportClosed
		}
	}
}

// readLoop decodes and dispatches packets until the connection ends. The
// idle timeout is 1.5x the negotiated keep-alive; keep-alive 0 disables it.
func (c *client) readLoop(ctx context.Context) error {
	buf := make([]byte, 4096)

	for {
		// Drain whole packets already buffered (the CONNECT read may have
		// pulled in more than the CONNECT) before blocking on the transport
		for {
			pkt, derr := c.dec.Next()
			if derr != nil {
				if errors.Is(derr, frame.ErrNeedMoreData) {
					break
				}
				c.sendDecodeError(derr)
				return derr
			}

			c.srv.stats.PacketsReceived.Inc()
			c.sess.Touch()
			if herr := c.handlePacket(ctx, pkt); herr != nil {
				return herr
			}
		}

		if c.keepAlive > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.keepAlive * 3 / 2))
		} else {
			_ = c.conn.SetReadDeadline(time.Time{})
		}

		n, err := c.conn.Read(buf)
		if n > 0 {
			c.srv.stats.BytesReceived.Add(float64(n))
			c.dec.Feed(buf[:n])
		}

		if err != nil {
			if n > 0 {
				continue
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.srv.log.Info("keep-alive timeout", "client_id", c.id)
				c.sendDisconnect(encoding.ReasonKeepAliveTimeout)
				return ErrKeepAliveTimeout
			}
			return ErrTransportClosed
		}
	}
}

// sendDisconnect writes a server-initiated DISCONNECT from the read loop.
// v3.1.1 has no server DISCONNECT, so the transport just closes.
func (c *client) sendDisconnect(reason encoding.ReasonCode) {
	if c.version == encoding.ProtocolVersion50 {
		_ = c.writePacket(&encoding.DisconnectPacket{
			Version:    c.version,
			ReasonCode: reason,
		})
	}
}

// sendDecodeError reports a fatal decode failure before the connection is
// dropped.
func (c *client) sendDecodeError(err error) {
	reason := encoding.GetReasonCode(err)
	if errors.Is(err, frame.ErrPacketTooLarge) {
		reason = encoding.ReasonPacketTooLarge
	}
	c.sendDisconnect(reason)
}

func (c *client) handlePacket(ctx context.Context, pkt encoding.Packet) error {
	switch p := pkt.(type) {
	case *encoding.PublishPacket:
		return c.handlePublish(ctx, p)
	case *encoding.PubrelPacket:
		return c.handlePubrel(p)
	case *encoding.PubackPacket, *encoding.PubrecPacket, *encoding.PubcompPacket:
		// Downstream delivery is QoS 0, so these acknowledge nothing
		c.srv.log.Debug("ignoring ack", "client_id", c.id, "type", pkt.PacketType().String())
		return nil
	case *encoding.SubscribePacket:
		return c.handleSubscribe(ctx, p)
	case *encoding.UnsubscribePacket:
		return c.handleUnsubscribe(ctx, p)
	case *encoding.PingreqPacket:
		return c.writePacket(&encoding.PingrespPacket{})
	case *encoding.DisconnectPacket:
		return c.handleDisconnect(p)
	case *encoding.AuthPacket:
		return c.writePacket(&encoding.AuthPacket{ReasonCode: encoding.ReasonSuccess})
	default:
		// CONNECT twice, or a server-to-client packet from a client
		c.sendDisconnect(encoding.ReasonProtocolError)
		return encoding.NewProtocolError(encoding.ErrMalformedPacket, pkt.PacketType().String()+" from connected client")
	}
}

func (c *client) handlePublish(ctx context.Context, p *encoding.PublishPacket) error {
	if p.FixedHeader.QoS > c.srv.cfg.MaxQoS {
		c.sendDisconnect(encoding.ReasonQoSNotSupported)
		return encoding.NewProtocolError(encoding.ErrInvalidQoS, "publish QoS above maximum")
	}
	if p.FixedHeader.Retain && !c.srv.cfg.RetainAvailable && c.version == encoding.ProtocolVersion50 {
		c.sendDisconnect(encoding.ReasonRetainNotSupported)
		return encoding.NewProtocolError(encoding.ErrMalformedPacket, "retain not supported")
	}

	msg := message.New(c.id, p.TopicName, p.Payload, p.FixedHeader.QoS, p.FixedHeader.Retain, p.Properties)

	if p.FixedHeader.Retain && c.srv.retained != nil {
		if err := c.srv.retained.Set(msg); err != nil {
			c.sendDisconnect(encoding.ReasonTopicNameInvalid)
			return err
		}
	}

	switch p.FixedHeader.QoS {
	case encoding.QoS0:
		c.srv.route(msg)
		return nil

	case encoding.QoS1:
		c.srv.route(msg)
		ack := &encoding.PubackPacket{}
		ack.Version = c.version
		ack.PacketID = p.PacketID
		ack.ReasonCode = encoding.ReasonSuccess
		return c.writePacket(ack)

	default: // QoS 2, method B: route on first sight, ack every delivery
		if c.dedup.Begin(p.PacketID) {
			c.sess.MarkPubrelPending(p.PacketID)
			c.srv.route(msg)
		}
		rec := &encoding.PubrecPacket{}
		rec.Version = c.version
		rec.PacketID = p.PacketID
		rec.ReasonCode = encoding.ReasonSuccess
		return c.writePacket(rec)
	}
}

func (c *client) handlePubrel(p *encoding.PubrelPacket) error {
	known := c.dedup.Release(p.PacketID)
	c.sess.ReleasePubrel(p.PacketID)

	comp := &encoding.PubcompPacket{}
	comp.Version = c.version
	comp.PacketID = p.PacketID
	comp.ReasonCode = encoding.ReasonSuccess
	if !known && c.version == encoding.ProtocolVersion50 {
		comp.ReasonCode = encoding.ReasonPacketIdentifierNotFound
	}
	return c.writePacket(comp)
}

func (c *client) handleSubscribe(ctx context.Context, p *encoding.SubscribePacket) error {
	var subID uint32
	if c.version == encoding.ProtocolVersion50 {
		subID, _ = p.Properties.GetUint32(encoding.PropSubscriptionIdentifier)
	}

	codes := make([]encoding.ReasonCode, 0, len(p.Subscriptions))
	replays := make([]encoding.Subscription, 0, len(p.Subscriptions))
	replayExisted := make([]bool, 0, len(p.Subscriptions))
	for _, sub := range p.Subscriptions {
		granted := sub.QoS
		if granted > c.srv.cfg.MaxQoS {
			granted = c.srv.cfg.MaxQoS
		}

		_, existed := c.srv.router.GetSubscription(c.id, sub.TopicFilter)

		err := c.srv.router.Subscribe(&topic.Subscription{
			ClientID:               c.id,
			TopicFilter:            sub.TopicFilter,
			QoS:                    byte(granted),
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: subID,
		})
		if err != nil {
			if c.version == encoding.ProtocolVersion311 {
				codes = append(codes, encoding.ReasonCode(0x80))
			} else {
				codes = append(codes, encoding.ReasonTopicFilterInvalid)
			}
			continue
		}

		c.sess.AddSubscription(&session.Subscription{
			TopicFilter:            sub.TopicFilter,
			QoS:                    byte(granted),
			NoLocal:                sub.NoLocal,
			RetainAsPublished:      sub.RetainAsPublished,
			RetainHandling:         sub.RetainHandling,
			SubscriptionIdentifier: subID,
		})
		codes = append(codes, encoding.ReasonCode(granted))

		replays = append(replays, sub)
		replayExisted = append(replayExisted, existed)
	}

	_ = c.srv.sessions.Save(ctx, c.sess)

	suback := &encoding.SubackPacket{
		Version:     c.version,
		PacketID:    p.PacketID,
		ReasonCodes: codes,
	}
	if err := c.writePacket(suback); err != nil {
		return err
	}

	// Retained replay is enqueued after the SUBACK write completes so the
	// SUBACK always precedes the replayed messages on the wire
	for i, sub := range replays {
		c.replayRetained(sub, replayExisted[i], subID)
	}
	return nil
}

// replayRetained enqueues retained messages matching a new subscription,
// honoring the v5 Retain Handling option: 0 sends always, 1 only when the
// subscription did not exist, 2 never.
func (c *client) replayRetained(sub encoding.Subscription, existed bool, subID uint32) {
	if c.srv.retained == nil {
		return
	}
	if sub.RetainHandling == 2 || (sub.RetainHandling == 1 && existed) {
		return
	}

	for _, msg := range c.srv.retained.Match(sub.TopicFilter) {
		// Retained replay always carries the retain flag
		c.enqueue(delivery{msg: msg, retain: true, subID: subID})
	}
}

func (c *client) handleUnsubscribe(ctx context.Context, p *encoding.UnsubscribePacket) error {
	codes := make([]encoding.ReasonCode, 0, len(p.TopicFilters))
	for _, filter := range p.TopicFilters {
		if c.srv.router.Unsubscribe(c.id, filter) {
			codes = append(codes, encoding.ReasonSuccess)
		} else {
			codes = append(codes, encoding.ReasonNoSubscriptionExisted)
		}
		c.sess.RemoveSubscription(filter)
	}

	_ = c.srv.sessions.Save(ctx, c.sess)

	unsuback := &encoding.UnsubackPacket{
		Version:     c.version,
		PacketID:    p.PacketID,
		ReasonCodes: codes,
	}
	return c.writePacket(unsuback)
}

// handleDisconnect processes a client DISCONNECT. Reason 0x00 suppresses
// the will; DisconnectWithWillMessage (0x04) keeps it for teardown.
func (c *client) handleDisconnect(p *encoding.DisconnectPacket) error {
	if p.ReasonCode != encoding.ReasonDisconnectWithWillMessage {
		c.sess.ClearWill()
	}
	c.srv.log.Info("client disconnected", "client_id", c.id, "reason", p.ReasonCode.String())
	return errGracefulDisconnect
}

// teardown runs once the read loop ends: the will fires unless the client
// disconnected gracefully, trie entries are dropped, and the session is
// marked disconnected. A connection replaced by takeover leaves all of
// that to its successor.
func (c *client) teardown(ctx context.Context, readErr error) {
	if c.id == "" {
		return
	}
	if !c.srv.unregister(c) {
		return
	}
	if c.sess == nil {
		return
	}

	c.sess.ReplacePendingPubrel(c.dedup.IDs())

	if will := c.sess.TakeWill(); will != nil {
		c.srv.publishWill(c.id, will)
	}

	c.srv.router.UnsubscribeAll(c.id)
	_ = c.srv.sessions.Disconnect(ctx, c.id)

	if readErr != nil && !errors.Is(readErr, errGracefulDisconnect) {
		c.srv.log.Debug("connection ended", "client_id", c.id, "error", readErr)
	}
}

// writeLoop drains the outbound queue, encoding one PUBLISH per delivery.
// Deliveries authored by this client are skipped (echo suppression for
// QoS 0 downstream traffic); per-subscription No-Local is applied at
// routing time.
func (c *client) writeLoop() {
	for {
		select {
		case <-c.quit:
			return
		case d := <-c.outbound:
			if d.msg.Author == c.id {
				continue
			}
			if d.msg.IsExpired() {
				continue
			}

			pub := c.buildPublish(d)
			if err := c.writePacket(pub); err != nil {
				if errors.Is(err, frame.ErrPacketTooLarge) {
					// Larger than the client's Maximum Packet Size;
					// MQTT-3.1.2-25 forbids sending it
					c.srv.stats.MessagesDropped.Inc()
					continue
				}
				c.close()
				return
			}
		}
	}
}

// buildPublish turns a routed delivery into the PUBLISH sent downstream.
// Delivery QoS is 0; the publish-related v5 properties of the original
// message are forwarded.
func (c *client) buildPublish(d delivery) *encoding.PublishPacket {
	pub := &encoding.PublishPacket{
		Version:   c.version,
		TopicName: d.msg.Topic,
		Payload:   d.msg.Payload,
	}
	pub.FixedHeader = encoding.FixedHeader{
		Type:   encoding.PUBLISH,
		QoS:    encoding.QoS0,
		Retain: d.retain,
	}

	if c.version != encoding.ProtocolVersion50 {
		return pub
	}

	if d.subID > 0 {
		_ = pub.Properties.Add(encoding.PropSubscriptionIdentifier, d.subID)
	}
	if d.msg.Expiry > 0 {
		_ = pub.Properties.Add(encoding.PropMessageExpiryInterval, d.msg.RemainingExpiry())
	}
	for _, id := range []encoding.PropertyID{
		encoding.PropPayloadFormatIndicator,
		encoding.PropContentType,
		encoding.PropResponseTopic,
		encoding.PropCorrelationData,
	} {
		if prop := d.msg.Properties.Get(id); prop != nil {
			pub.Properties.Properties = append(pub.Properties.Properties, *prop)
		}
	}
	for _, prop := range d.msg.Properties.GetAll(encoding.PropUserProperty) {
		pub.Properties.Properties = append(pub.Properties.Properties, prop)
	}

	return pub
}

// writeConnackError answers a failed CONNECT and leaves the connection to
// be closed by the caller.
func (c *client) writeConnackError(reason encoding.ReasonCode, returnCode byte) error {
	return c.writePacket(&encoding.ConnackPacket{
		Version:    c.version,
		ReasonCode: reason,
		ReturnCode: returnCode,
	})
}

// writePacket encodes pkt into a single buffer and writes it under the
// write mutex, so acknowledgements from the read loop interleave safely
// with the write loop's deliveries.
func (c *client) writePacket(pkt encoding.Packet) error {
	var buf bytes.Buffer
	if err := pkt.Encode(&buf); err != nil {
		return err
	}
	if c.maxOutSize > 0 && uint32(buf.Len()) > c.maxOutSize {
		return frame.ErrPacketTooLarge
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	n, err := c.conn.Write(buf.Bytes())
	if n > 0 {
		c.srv.stats.BytesSent.Add(float64(n))
	}
	if err != nil {
		return err
	}
	c.srv.stats.PacketsSent.Inc()
	return nil
}
