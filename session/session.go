package session

import (
	"sync"
	"time"

	"github.com/nimbusmq/nimbus/encoding"
)

// State is the session lifecycle state
type State byte

const (
	StateNew          State = iota // Created, client not yet active
	StateActive                    // Client connected
	StateDisconnected              // Client gone, session retained
	StateExpired                   // Expiry interval elapsed
)

// WillMessage is the last-will PUBLISH held by the server until the client
// disconnects. A graceful DISCONNECT clears it.
type WillMessage struct {
	Topic         string
	Payload       []byte
	QoS           encoding.QoS
	Retain        bool
	DelayInterval uint32
}

// Subscription is the per-session subscription record, persisted so a
// resumed session can restore its trie entries.
type Subscription struct {
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
}

// Session is the per-client broker state required by MQTT 3.1.2.4: whether
// a session exists, its subscriptions, and its will message. A session
// lives while the client is connected or, after disconnect, until its
// expiry interval elapses.
type Session struct {
	mu sync.RWMutex

	ClientID       string
	AssignedID     bool // ClientID was generated by the server
	CleanStart     bool
	State          State
	ExpiryInterval uint32
	KeepAlive      uint16
	Version        encoding.ProtocolVersion

	CreatedAt      time.Time
	LastAccessedAt time.Time
	DisconnectedAt time.Time

	Will          *WillMessage
	Subscriptions map[string]*Subscription // topic filter -> subscription

	// QoS 2 receive state (method B): packet ids seen but not yet released
	PendingPubrel map[uint16]struct{}
}

// New creates a session in StateNew.
func New(clientID string, cleanStart bool, expiryInterval uint32, version encoding.ProtocolVersion) *Session {
	now := time.Now()
	return &Session{
		ClientID:       clientID,
		CleanStart:     cleanStart,
		State:          StateNew,
		ExpiryInterval: expiryInterval,
		Version:        version,
		CreatedAt:      now,
		LastAccessedAt: now,
		Subscriptions:  make(map[string]*Subscription),
		PendingPubrel:  make(map[uint16]struct{}),
	}
}

// SetActive marks the session active and refreshes the access time.
func (s *Session) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateActive
	s.LastAccessedAt = time.Now()
}

// SetDisconnected marks the session disconnected and stamps the time the
// expiry interval counts from.
func (s *Session) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDisconnected
	s.DisconnectedAt = time.Now()
}

// IsExpired reports whether the session's expiry interval has elapsed.
// A disconnected session with interval 0 is gone immediately for a clean
// start session and kept indefinitely otherwise (v3.1.1 semantics).
func (s *Session) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.State == StateExpired {
		return true
	}
	if s.State != StateDisconnected {
		return false
	}
	if s.ExpiryInterval == 0 {
		return s.CleanStart
	}
	return time.Since(s.DisconnectedAt) > time.Duration(s.ExpiryInterval)*time.Second
}

// SetWill stores the last-will message.
func (s *Session) SetWill(will *WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Will = will
}

// ClearWill drops the last-will message; called on graceful DISCONNECT.
func (s *Session) ClearWill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Will = nil
}

// TakeWill returns the will message and clears it, so a will fires at most
// once even if teardown paths race.
func (s *Session) TakeWill() *WillMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	will := s.Will
	s.Will = nil
	return will
}

// AddSubscription records a subscription, replacing one on the same filter.
func (s *Session) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[sub.TopicFilter] = sub
}

// RemoveSubscription drops the subscription on the given filter.
func (s *Session) RemoveSubscription(topicFilter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Subscriptions, topicFilter)
}

// AllSubscriptions returns a copy of the subscription map.
func (s *Session) AllSubscriptions() map[string]*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Subscription, len(s.Subscriptions))
	for filter, sub := range s.Subscriptions {
		out[filter] = sub
	}
	return out
}

// MarkPubrelPending records an inbound QoS 2 packet id awaiting PUBREL.
// It reports false if the id was already pending (a resent PUBLISH).
func (s *Session) MarkPubrelPending(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.PendingPubrel[packetID]; dup {
		return false
	}
	s.PendingPubrel[packetID] = struct{}{}
	return true
}

// ReleasePubrel clears a pending QoS 2 packet id, reporting whether it
// was pending.
func (s *Session) ReleasePubrel(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.PendingPubrel[packetID]; !ok {
		return false
	}
	delete(s.PendingPubrel, packetID)
	return true
}

// PendingPubrelIDs returns the inbound QoS 2 packet ids awaiting PUBREL.
func (s *Session) PendingPubrelIDs() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint16, 0, len(s.PendingPubrel))
	for id := range s.PendingPubrel {
		ids = append(ids, id)
	}
	return ids
}

// ReplacePendingPubrel overwrites the pending QoS 2 set, used when a
// connection hands its receive state back to the session on teardown.
func (s *Session) ReplacePendingPubrel(ids []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingPubrel = make(map[uint16]struct{}, len(ids))
	for _, id := range ids {
		s.PendingPubrel[id] = struct{}{}
	}
}

// Touch refreshes the access time.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastAccessedAt = time.Now()
}

// GetState returns the lifecycle state.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}
