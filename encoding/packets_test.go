package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodePacket runs bytes through the fixed header and packet parsers the
// way the framing layer does.
func decodePacket(t *testing.T, data []byte, version ProtocolVersion) Packet {
	t.Helper()
	fh, n, err := ParseFixedHeaderFromBytes(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n+int(fh.RemainingLength))

	pkt, err := ParsePacket(bytes.NewReader(data[n:]), fh, version)
	require.NoError(t, err)
	return pkt
}

func encodePacket(t *testing.T, pkt Packet) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))
	return buf.Bytes()
}

func TestShortDisconnectRoundTrip(t *testing.T) {
	input := []byte{0xE0, 0x00}

	pkt := decodePacket(t, input, ProtocolVersion50)
	disconnect, ok := pkt.(*DisconnectPacket)
	require.True(t, ok)
	assert.Equal(t, ReasonNormalDisconnection, disconnect.ReasonCode)
	assert.Empty(t, disconnect.Properties.Properties)

	assert.Equal(t, input, encodePacket(t, disconnect))
}

func TestMinimalConnectV5(t *testing.T) {
	connect := &ConnectPacket{
		ProtocolName: "MQTT",
		Version:      ProtocolVersion50,
		CleanStart:   true,
		KeepAlive:    60,
		ClientID:     "a",
	}

	encoded := encodePacket(t, connect)
	expected := []byte{
		0x10, 0x0E, // fixed header, remaining length 14
		0x00, 0x04, 'M', 'Q', 'T', 'T', // protocol name
		0x05,       // protocol level 5
		0x02,       // connect flags: clean start
		0x00, 0x3C, // keep alive 60
		0x00,            // property length 0
		0x00, 0x01, 'a', // client id
	}
	assert.Equal(t, expected, encoded)

	decoded := decodePacket(t, encoded, ProtocolVersion50)
	back, ok := decoded.(*ConnectPacket)
	require.True(t, ok)
	assert.Equal(t, ProtocolVersion50, back.Version)
	assert.True(t, back.CleanStart)
	assert.Equal(t, uint16(60), back.KeepAlive)
	assert.Equal(t, "a", back.ClientID)
}

func TestPublishQoS0RoundTrip311(t *testing.T) {
	pub := &PublishPacket{
		Version:   ProtocolVersion311,
		TopicName: "a/b",
		Payload:   []byte{0x01, 0x02, 0x03},
	}

	encoded := encodePacket(t, pub)
	expected := []byte{
		0x30, 0x08,
		0x00, 0x03, 'a', '/', 'b',
		0x01, 0x02, 0x03,
	}
	assert.Equal(t, expected, encoded)

	decoded := decodePacket(t, encoded, ProtocolVersion311)
	back, ok := decoded.(*PublishPacket)
	require.True(t, ok)
	assert.Equal(t, "a/b", back.TopicName)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, back.Payload)
	assert.Equal(t, QoS0, back.FixedHeader.QoS)
	assert.False(t, back.FixedHeader.Retain)
}

func TestConnectFull(t *testing.T) {
	connect := &ConnectPacket{
		ProtocolName: "MQTT",
		Version:      ProtocolVersion50,
		CleanStart:   true,
		WillFlag:     true,
		WillQoS:      QoS1,
		WillRetain:   true,
		UsernameFlag: true,
		PasswordFlag: true,
		KeepAlive:    30,
		ClientID:     "sensor-1",
		WillTopic:    "sensors/sensor-1/status",
		WillPayload:  []byte("offline"),
		Username:     "alice",
		Password:     []byte("secret"),
	}
	require.NoError(t, connect.Properties.Add(PropSessionExpiryInterval, uint32(3600)))
	require.NoError(t, connect.WillProperties.Add(PropWillDelayInterval, uint32(5)))

	decoded := decodePacket(t, encodePacket(t, connect), ProtocolVersion50)
	back, ok := decoded.(*ConnectPacket)
	require.True(t, ok)

	assert.Equal(t, connect.ClientID, back.ClientID)
	assert.True(t, back.WillFlag)
	assert.Equal(t, QoS1, back.WillQoS)
	assert.True(t, back.WillRetain)
	assert.Equal(t, connect.WillTopic, back.WillTopic)
	assert.Equal(t, connect.WillPayload, back.WillPayload)
	assert.Equal(t, connect.Username, back.Username)
	assert.Equal(t, connect.Password, back.Password)

	expiry, ok := back.Properties.GetUint32(PropSessionExpiryInterval)
	assert.True(t, ok)
	assert.Equal(t, uint32(3600), expiry)

	delay, ok := back.WillProperties.GetUint32(PropWillDelayInterval)
	assert.True(t, ok)
	assert.Equal(t, uint32(5), delay)
}

func TestConnectMalformed(t *testing.T) {
	base := func() []byte {
		return []byte{
			0x00, 0x04, 'M', 'Q', 'T', 'T',
			0x05,
			0x02,
			0x00, 0x3C,
			0x00,
			0x00, 0x01, 'a',
		}
	}

	t.Run("reserved_flag_bit", func(t *testing.T) {
		body := base()
		body[7] = 0x03 // clean start + reserved bit
		fh := &FixedHeader{Type: CONNECT, RemainingLength: uint32(len(body))}
		_, err := ParseConnectPacket(bytes.NewReader(body), fh)
		assert.ErrorIs(t, err, ErrInvalidConnectFlags)
	})

	t.Run("bad_protocol_name", func(t *testing.T) {
		body := base()
		body[2] = 'X'
		fh := &FixedHeader{Type: CONNECT, RemainingLength: uint32(len(body))}
		_, err := ParseConnectPacket(bytes.NewReader(body), fh)
		assert.ErrorIs(t, err, ErrInvalidProtocolName)
	})

	t.Run("bad_protocol_level", func(t *testing.T) {
		body := base()
		body[6] = 0x03
		fh := &FixedHeader{Type: CONNECT, RemainingLength: uint32(len(body))}
		_, err := ParseConnectPacket(bytes.NewReader(body), fh)
		assert.ErrorIs(t, err, ErrInvalidProtocolVersion)
	})

	t.Run("will_qos_without_will_flag", func(t *testing.T) {
		body := base()
		body[7] = 0x0A // clean start + will QoS 1, will flag clear
		fh := &FixedHeader{Type: CONNECT, RemainingLength: uint32(len(body))}
		_, err := ParseConnectPacket(bytes.NewReader(body), fh)
		assert.ErrorIs(t, err, ErrWillFlagMismatch)
	})
}

func TestConnackRoundTrip(t *testing.T) {
	t.Run("v5", func(t *testing.T) {
		connack := &ConnackPacket{
			Version:        ProtocolVersion50,
			SessionPresent: true,
			ReasonCode:     ReasonSuccess,
		}
		require.NoError(t, connack.Properties.Add(PropAssignedClientIdentifier, "auto-1"))

		decoded := decodePacket(t, encodePacket(t, connack), ProtocolVersion50)
		back, ok := decoded.(*ConnackPacket)
		require.True(t, ok)
		assert.True(t, back.SessionPresent)
		assert.Equal(t, ReasonSuccess, back.ReasonCode)
		id, ok := back.Properties.GetString(PropAssignedClientIdentifier)
		assert.True(t, ok)
		assert.Equal(t, "auto-1", id)
	})

	t.Run("v311", func(t *testing.T) {
		connack := &ConnackPacket{
			Version:    ProtocolVersion311,
			ReturnCode: ReturnCodeBadUsernameOrPassword,
		}
		encoded := encodePacket(t, connack)
		assert.Equal(t, []byte{0x20, 0x02, 0x00, 0x04}, encoded)

		decoded := decodePacket(t, encoded, ProtocolVersion311)
		back, ok := decoded.(*ConnackPacket)
		require.True(t, ok)
		assert.False(t, back.SessionPresent)
		assert.Equal(t, ReturnCodeBadUsernameOrPassword, back.ReturnCode)
	})

	t.Run("reserved_flags_rejected", func(t *testing.T) {
		fh := &FixedHeader{Type: CONNACK, RemainingLength: 3}
		_, err := ParseConnackPacket(bytes.NewReader([]byte{0x02, 0x00, 0x00}), fh, ProtocolVersion50)
		assert.ErrorIs(t, err, ErrMalformedPacket)
	})
}

func TestAckPacketsRoundTrip(t *testing.T) {
	t.Run("short_form_success", func(t *testing.T) {
		ack := &PubackPacket{}
		ack.Version = ProtocolVersion50
		ack.PacketID = 10
		ack.ReasonCode = ReasonSuccess

		encoded := encodePacket(t, ack)
		assert.Equal(t, []byte{0x40, 0x02, 0x00, 0x0A}, encoded)

		decoded := decodePacket(t, encoded, ProtocolVersion50)
		back, ok := decoded.(*PubackPacket)
		require.True(t, ok)
		assert.Equal(t, uint16(10), back.PacketID)
		assert.Equal(t, ReasonSuccess, back.ReasonCode)
	})

	t.Run("with_reason", func(t *testing.T) {
		ack := &PubrecPacket{}
		ack.Version = ProtocolVersion50
		ack.PacketID = 11
		ack.ReasonCode = ReasonNoMatchingSubscribers

		encoded := encodePacket(t, ack)
		assert.Equal(t, []byte{0x50, 0x03, 0x00, 0x0B, 0x10}, encoded)

		decoded := decodePacket(t, encoded, ProtocolVersion50)
		back, ok := decoded.(*PubrecPacket)
		require.True(t, ok)
		assert.Equal(t, ReasonNoMatchingSubscribers, back.ReasonCode)
	})

	t.Run("pubrel_flags", func(t *testing.T) {
		rel := &PubrelPacket{}
		rel.Version = ProtocolVersion50
		rel.PacketID = 12
		rel.ReasonCode = ReasonSuccess

		encoded := encodePacket(t, rel)
		assert.Equal(t, byte(0x62), encoded[0])

		decoded := decodePacket(t, encoded, ProtocolVersion50)
		_, ok := decoded.(*PubrelPacket)
		require.True(t, ok)
	})

	t.Run("v311_always_short", func(t *testing.T) {
		ack := &PubcompPacket{}
		ack.Version = ProtocolVersion311
		ack.PacketID = 13
		ack.ReasonCode = ReasonPacketIdentifierNotFound // not on the wire in 3.1.1

		encoded := encodePacket(t, ack)
		assert.Equal(t, []byte{0x70, 0x02, 0x00, 0x0D}, encoded)
	})

	t.Run("zero_packet_id", func(t *testing.T) {
		fh := &FixedHeader{Type: PUBACK, RemainingLength: 2}
		_, err := ParsePacket(bytes.NewReader([]byte{0x00, 0x00}), fh, ProtocolVersion50)
		assert.ErrorIs(t, err, ErrInvalidPacketIDZero)
	})
}

func TestSubscribeRoundTrip(t *testing.T) {
	t.Run("v5_options", func(t *testing.T) {
		sub := &SubscribePacket{
			Version:  ProtocolVersion50,
			PacketID: 42,
			Subscriptions: []Subscription{
				{TopicFilter: "sport/+", QoS: QoS1, NoLocal: true, RetainAsPublished: true, RetainHandling: 2},
				{TopicFilter: "news/#", QoS: QoS0},
			},
		}
		require.NoError(t, sub.Properties.Add(PropSubscriptionIdentifier, uint32(9)))

		decoded := decodePacket(t, encodePacket(t, sub), ProtocolVersion50)
		back, ok := decoded.(*SubscribePacket)
		require.True(t, ok)
		assert.Equal(t, uint16(42), back.PacketID)
		require.Len(t, back.Subscriptions, 2)
		assert.Equal(t, sub.Subscriptions[0], back.Subscriptions[0])
		assert.Equal(t, sub.Subscriptions[1], back.Subscriptions[1])
		subID, ok := back.Properties.GetUint32(PropSubscriptionIdentifier)
		assert.True(t, ok)
		assert.Equal(t, uint32(9), subID)
	})

	t.Run("v311", func(t *testing.T) {
		sub := &SubscribePacket{
			Version:  ProtocolVersion311,
			PacketID: 7,
			Subscriptions: []Subscription{
				{TopicFilter: "a/b", QoS: QoS2},
			},
		}
		decoded := decodePacket(t, encodePacket(t, sub), ProtocolVersion311)
		back, ok := decoded.(*SubscribePacket)
		require.True(t, ok)
		assert.Equal(t, QoS2, back.Subscriptions[0].QoS)
	})

	t.Run("reserved_option_bits", func(t *testing.T) {
		body := []byte{
			0x00, 0x01, // packet id
			0x00,            // property length
			0x00, 0x01, 'a', // filter "a"
			0xC0, // reserved bits set
		}
		fh := &FixedHeader{Type: SUBSCRIBE, Flags: 0x02, RemainingLength: uint32(len(body))}
		_, err := ParseSubscribePacket(bytes.NewReader(body), fh, ProtocolVersion50)
		assert.ErrorIs(t, err, ErrInvalidSubscriptionOpts)
	})

	t.Run("wildcard_in_middle_rejected", func(t *testing.T) {
		body := []byte{
			0x00, 0x01,
			0x00,
			0x00, 0x03, 'a', '#', 'b',
			0x00,
		}
		fh := &FixedHeader{Type: SUBSCRIBE, Flags: 0x02, RemainingLength: uint32(len(body))}
		_, err := ParseSubscribePacket(bytes.NewReader(body), fh, ProtocolVersion50)
		assert.ErrorIs(t, err, ErrInvalidTopicFilter)
	})
}

func TestSubackRoundTrip(t *testing.T) {
	suback := &SubackPacket{
		Version:     ProtocolVersion50,
		PacketID:    42,
		ReasonCodes: []ReasonCode{ReasonGrantedQoS1, ReasonTopicFilterInvalid},
	}

	decoded := decodePacket(t, encodePacket(t, suback), ProtocolVersion50)
	back, ok := decoded.(*SubackPacket)
	require.True(t, ok)
	assert.Equal(t, suback.ReasonCodes, back.ReasonCodes)
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	unsub := &UnsubscribePacket{
		Version:      ProtocolVersion50,
		PacketID:     99,
		TopicFilters: []string{"a/b", "c/+"},
	}

	decoded := decodePacket(t, encodePacket(t, unsub), ProtocolVersion50)
	back, ok := decoded.(*UnsubscribePacket)
	require.True(t, ok)
	assert.Equal(t, unsub.TopicFilters, back.TopicFilters)

	unsuback := &UnsubackPacket{
		Version:     ProtocolVersion50,
		PacketID:    99,
		ReasonCodes: []ReasonCode{ReasonSuccess, ReasonNoSubscriptionExisted},
	}
	decoded = decodePacket(t, encodePacket(t, unsuback), ProtocolVersion50)
	backAck, ok := decoded.(*UnsubackPacket)
	require.True(t, ok)
	assert.Equal(t, unsuback.ReasonCodes, backAck.ReasonCodes)
}

func TestPingRoundTrip(t *testing.T) {
	assert.Equal(t, []byte{0xC0, 0x00}, encodePacket(t, &PingreqPacket{}))
	assert.Equal(t, []byte{0xD0, 0x00}, encodePacket(t, &PingrespPacket{}))

	pkt := decodePacket(t, []byte{0xC0, 0x00}, ProtocolVersion50)
	assert.Equal(t, PINGREQ, pkt.PacketType())

	fh := &FixedHeader{Type: PINGREQ, RemainingLength: 1}
	_, err := ParsePingreqPacket(fh)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDisconnectWithReason(t *testing.T) {
	disconnect := &DisconnectPacket{
		Version:    ProtocolVersion50,
		ReasonCode: ReasonSessionTakenOver,
	}

	encoded := encodePacket(t, disconnect)
	assert.Equal(t, []byte{0xE0, 0x01, 0x8E}, encoded)

	decoded := decodePacket(t, encoded, ProtocolVersion50)
	back, ok := decoded.(*DisconnectPacket)
	require.True(t, ok)
	assert.Equal(t, ReasonSessionTakenOver, back.ReasonCode)
}

func TestAuthRoundTrip(t *testing.T) {
	auth := &AuthPacket{ReasonCode: ReasonContinueAuthentication}
	require.NoError(t, auth.Properties.Add(PropAuthenticationMethod, "SCRAM-SHA-1"))

	decoded := decodePacket(t, encodePacket(t, auth), ProtocolVersion50)
	back, ok := decoded.(*AuthPacket)
	require.True(t, ok)
	assert.Equal(t, ReasonContinueAuthentication, back.ReasonCode)
	method, ok := back.Properties.GetString(PropAuthenticationMethod)
	assert.True(t, ok)
	assert.Equal(t, "SCRAM-SHA-1", method)

	// AUTH is v5-only
	fh := &FixedHeader{Type: AUTH, RemainingLength: 0}
	_, err := ParsePacket(bytes.NewReader(nil), fh, ProtocolVersion311)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestPublishValidation(t *testing.T) {
	t.Run("wildcard_topic_rejected", func(t *testing.T) {
		body := []byte{
			0x00, 0x03, 'a', '/', '+',
			0x00,
		}
		fh := &FixedHeader{Type: PUBLISH, RemainingLength: uint32(len(body))}
		_, err := ParsePublishPacket(bytes.NewReader(body), fh, ProtocolVersion50)
		assert.ErrorIs(t, err, ErrInvalidPublishTopicName)
	})

	t.Run("qos1_zero_packet_id", func(t *testing.T) {
		body := []byte{
			0x00, 0x01, 'a',
			0x00, 0x00,
			0x00,
		}
		fh := &FixedHeader{Type: PUBLISH, QoS: QoS1, Flags: 0x02, RemainingLength: uint32(len(body))}
		_, err := ParsePublishPacket(bytes.NewReader(body), fh, ProtocolVersion50)
		assert.ErrorIs(t, err, ErrInvalidPacketIDZero)
	})

	t.Run("qos1_with_packet_id", func(t *testing.T) {
		pub := &PublishPacket{
			Version:   ProtocolVersion50,
			TopicName: "a",
			PacketID:  77,
			Payload:   []byte("x"),
		}
		pub.FixedHeader.QoS = QoS1

		decoded := decodePacket(t, encodePacket(t, pub), ProtocolVersion50)
		back, ok := decoded.(*PublishPacket)
		require.True(t, ok)
		assert.Equal(t, uint16(77), back.PacketID)
		assert.Equal(t, QoS1, back.FixedHeader.QoS)
	})
}
