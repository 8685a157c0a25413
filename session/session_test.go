package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/nimbus/encoding"
)

func TestSessionLifecycle(t *testing.T) {
	s := New("c1", false, 60, encoding.ProtocolVersion50)
	assert.Equal(t, StateNew, s.GetState())

	s.SetActive()
	assert.Equal(t, StateActive, s.GetState())
	assert.False(t, s.IsExpired())

	s.SetDisconnected()
	assert.Equal(t, StateDisconnected, s.GetState())
	assert.False(t, s.IsExpired())
}

func TestSessionExpiry(t *testing.T) {
	t.Run("expired_after_interval", func(t *testing.T) {
		s := New("c1", false, 1, encoding.ProtocolVersion50)
		s.SetDisconnected()
		s.DisconnectedAt = time.Now().Add(-2 * time.Second)
		assert.True(t, s.IsExpired())
	})

	t.Run("zero_interval_clean_start_expires_immediately", func(t *testing.T) {
		s := New("c1", true, 0, encoding.ProtocolVersion50)
		s.SetDisconnected()
		assert.True(t, s.IsExpired())
	})

	t.Run("zero_interval_persistent_never_expires", func(t *testing.T) {
		s := New("c1", false, 0, encoding.ProtocolVersion311)
		s.SetDisconnected()
		s.DisconnectedAt = time.Now().Add(-24 * time.Hour)
		assert.False(t, s.IsExpired())
	})
}

func TestSessionWill(t *testing.T) {
	s := New("c1", true, 0, encoding.ProtocolVersion50)
	will := &WillMessage{Topic: "w", Payload: []byte("bye"), QoS: encoding.QoS1, Retain: true}

	s.SetWill(will)
	assert.Same(t, will, s.TakeWill())
	assert.Nil(t, s.TakeWill())

	s.SetWill(will)
	s.ClearWill()
	assert.Nil(t, s.TakeWill())
}

func TestSessionSubscriptions(t *testing.T) {
	s := New("c1", true, 0, encoding.ProtocolVersion50)

	s.AddSubscription(&Subscription{TopicFilter: "a/+", QoS: 1})
	s.AddSubscription(&Subscription{TopicFilter: "b", QoS: 0})
	s.AddSubscription(&Subscription{TopicFilter: "a/+", QoS: 2})

	subs := s.AllSubscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, byte(2), subs["a/+"].QoS)

	s.RemoveSubscription("a/+")
	assert.Len(t, s.AllSubscriptions(), 1)
}

func TestSessionPendingPubrel(t *testing.T) {
	s := New("c1", true, 0, encoding.ProtocolVersion50)

	assert.True(t, s.MarkPubrelPending(7))
	assert.False(t, s.MarkPubrelPending(7))
	assert.ElementsMatch(t, []uint16{7}, s.PendingPubrelIDs())

	assert.True(t, s.ReleasePubrel(7))
	assert.False(t, s.ReleasePubrel(7))

	s.ReplacePendingPubrel([]uint16{1, 2, 3})
	assert.ElementsMatch(t, []uint16{1, 2, 3}, s.PendingPubrelIDs())
}

func TestSessionRecordRoundTrip(t *testing.T) {
	s := New("c1", false, 300, encoding.ProtocolVersion50)
	s.AssignedID = true
	s.KeepAlive = 60
	s.SetWill(&WillMessage{Topic: "w", Payload: []byte{0x00, 0xFF}, QoS: encoding.QoS2, Retain: true, DelayInterval: 9})
	s.AddSubscription(&Subscription{TopicFilter: "a/+", QoS: 1, NoLocal: true, SubscriptionIdentifier: 5})
	s.MarkPubrelPending(12)

	data, err := encodeSession(s)
	require.NoError(t, err)

	back, err := decodeSession(data)
	require.NoError(t, err)

	assert.Equal(t, s.ClientID, back.ClientID)
	assert.True(t, back.AssignedID)
	assert.Equal(t, uint32(300), back.ExpiryInterval)
	assert.Equal(t, uint16(60), back.KeepAlive)
	assert.Equal(t, encoding.ProtocolVersion50, back.Version)
	require.NotNil(t, back.Will)
	assert.Equal(t, "w", back.Will.Topic)
	assert.Equal(t, []byte{0x00, 0xFF}, back.Will.Payload)
	assert.Equal(t, uint32(9), back.Will.DelayInterval)
	require.Contains(t, back.Subscriptions, "a/+")
	assert.True(t, back.Subscriptions["a/+"].NoLocal)
	assert.ElementsMatch(t, []uint16{12}, back.PendingPubrelIDs())
}
