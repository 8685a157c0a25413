// Package message defines the value routed from publishers to subscribers.
package message

import (
	"time"

	"github.com/nimbusmq/nimbus/encoding"
)

// Message is an application message in flight between a publisher and the
// subscribers its topic matches. Author identifies the publishing client so
// delivery can honor the No-Local subscription option.
type Message struct {
	Author     string
	Topic      string
	Payload    []byte
	QoS        encoding.QoS
	Retain     bool
	Properties encoding.Properties
	CreatedAt  time.Time
	Expiry     uint32 // Message expiry interval in seconds; 0 = no expiry
}

// New builds a message stamped with the current time. The expiry interval
// is lifted out of the v5 properties when present.
func New(author, topic string, payload []byte, qos encoding.QoS, retain bool, props encoding.Properties) *Message {
	m := &Message{
		Author:     author,
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		Retain:     retain,
		Properties: props,
		CreatedAt:  time.Now(),
	}
	if expiry, ok := props.GetUint32(encoding.PropMessageExpiryInterval); ok {
		m.Expiry = expiry
	}
	return m
}

// IsExpired reports whether the message expiry interval has elapsed.
func (m *Message) IsExpired() bool {
	if m.Expiry == 0 {
		return false
	}
	return time.Since(m.CreatedAt) > time.Duration(m.Expiry)*time.Second
}

// RemainingExpiry returns the seconds left before expiry, for refreshing
// the Message Expiry Interval property on delivery. Zero means no expiry.
func (m *Message) RemainingExpiry() uint32 {
	if m.Expiry == 0 {
		return 0
	}
	elapsed := uint32(time.Since(m.CreatedAt).Seconds())
	if elapsed >= m.Expiry {
		return 1 // expired but not yet collected; deliver with minimum
	}
	return m.Expiry - elapsed
}

// Clone returns a copy with its own payload slice.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return &c
}
