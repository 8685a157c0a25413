package encoding

import (
	"io"
)

// Packet is a decoded MQTT control packet of either protocol version.
type Packet interface {
	// PacketType returns the control packet kind
	PacketType() PacketType
	// Encode writes the packet, including its fixed header, to w
	Encode(w io.Writer) error
}

// ConnectPacket is a CONNECT packet. Version is taken from the protocol
// level byte on the wire; the properties fields are only populated for v5.
type ConnectPacket struct {
	FixedHeader     FixedHeader
	ProtocolName    string
	Version         ProtocolVersion
	CleanStart      bool
	WillFlag        bool
	WillQoS         QoS
	WillRetain      bool
	PasswordFlag    bool
	UsernameFlag    bool
	KeepAlive       uint16
	Properties      Properties
	ClientID        string
	WillProperties  Properties
	WillTopic       string
	WillPayload     []byte
	Username        string
	Password        []byte
}

// ConnackPacket is a CONNACK packet. ReasonCode carries the v5 reason code;
// ReturnCode carries the v3.1.1 return code. Only the field matching Version
// goes on the wire.
type ConnackPacket struct {
	FixedHeader    FixedHeader
	Version        ProtocolVersion
	SessionPresent bool
	ReasonCode     ReasonCode
	ReturnCode     byte
	Properties     Properties
}

// PublishPacket is a PUBLISH packet. DUP, QoS and Retain live on the fixed
// header. PacketID is only meaningful for QoS 1 and 2.
type PublishPacket struct {
	FixedHeader FixedHeader
	Version     ProtocolVersion
	TopicName   string
	PacketID    uint16
	Properties  Properties
	Payload     []byte
}

// ackPacket is the shared layout of the four publish acknowledgement
// packets (PUBACK, PUBREC, PUBREL, PUBCOMP)
type ackPacket struct {
	FixedHeader FixedHeader
	Version     ProtocolVersion
	PacketID    uint16
	ReasonCode  ReasonCode
	Properties  Properties
}

type (
	// PubackPacket acknowledges a QoS 1 PUBLISH
	PubackPacket struct{ ackPacket }
	// PubrecPacket is the first acknowledgement of a QoS 2 PUBLISH
	PubrecPacket struct{ ackPacket }
	// PubrelPacket releases a QoS 2 exchange
	PubrelPacket struct{ ackPacket }
	// PubcompPacket completes a QoS 2 exchange
	PubcompPacket struct{ ackPacket }
)

// Subscription is one topic filter entry in a SUBSCRIBE packet
type Subscription struct {
	TopicFilter       string
	QoS               QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// SubscribePacket is a SUBSCRIBE packet
type SubscribePacket struct {
	FixedHeader   FixedHeader
	Version       ProtocolVersion
	PacketID      uint16
	Properties    Properties
	Subscriptions []Subscription
}

// SubackPacket is a SUBACK packet; one reason code per requested filter,
// in request order
type SubackPacket struct {
	FixedHeader FixedHeader
	Version     ProtocolVersion
	PacketID    uint16
	Properties  Properties
	ReasonCodes []ReasonCode
}

// UnsubscribePacket is an UNSUBSCRIBE packet
type UnsubscribePacket struct {
	FixedHeader  FixedHeader
	Version      ProtocolVersion
	PacketID     uint16
	Properties   Properties
	TopicFilters []string
}

// UnsubackPacket is an UNSUBACK packet. v3.1.1 carries no reason codes.
type UnsubackPacket struct {
	FixedHeader FixedHeader
	Version     ProtocolVersion
	PacketID    uint16
	Properties  Properties
	ReasonCodes []ReasonCode
}

// PingreqPacket is a PINGREQ packet (header only)
type PingreqPacket struct {
	FixedHeader FixedHeader
}

// PingrespPacket is a PINGRESP packet (header only)
type PingrespPacket struct {
	FixedHeader FixedHeader
}

// DisconnectPacket is a DISCONNECT packet. For v3.1.1 the reason code and
// properties are absent on the wire; an empty v5 body means
// NormalDisconnection.
type DisconnectPacket struct {
	FixedHeader FixedHeader
	Version     ProtocolVersion
	ReasonCode  ReasonCode
	Properties  Properties
}

// AuthPacket is a v5 AUTH packet. An empty body means Success.
type AuthPacket struct {
	FixedHeader FixedHeader
	ReasonCode  ReasonCode
	Properties  Properties
}

func (p *ConnectPacket) PacketType() PacketType     { return CONNECT }
func (p *ConnackPacket) PacketType() PacketType     { return CONNACK }
func (p *PublishPacket) PacketType() PacketType     { return PUBLISH }
func (p *PubackPacket) PacketType() PacketType      { return PUBACK }
func (p *PubrecPacket) PacketType() PacketType      { return PUBREC }
func (p *PubrelPacket) PacketType() PacketType      { return PUBREL }
func (p *PubcompPacket) PacketType() PacketType     { return PUBCOMP }
func (p *SubscribePacket) PacketType() PacketType   { return SUBSCRIBE }
func (p *SubackPacket) PacketType() PacketType      { return SUBACK }
func (p *UnsubscribePacket) PacketType() PacketType { return UNSUBSCRIBE }
func (p *UnsubackPacket) PacketType() PacketType    { return UNSUBACK }
func (p *PingreqPacket) PacketType() PacketType     { return PINGREQ }
func (p *PingrespPacket) PacketType() PacketType    { return PINGRESP }
func (p *DisconnectPacket) PacketType() PacketType  { return DISCONNECT }
func (p *AuthPacket) PacketType() PacketType        { return AUTH }

// countingReader tracks how many body bytes a parser has consumed so
// trailing payloads can be sized from the remaining length.
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// ParsePacket decodes the packet body following fh from r. The reader must
// be bounded to exactly fh.RemainingLength bytes by the caller. version
// selects the v3.1.1 or v5 grammar for every type except CONNECT, which
// announces its own version.
func ParsePacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (Packet, error) {
	switch fh.Type {
	case CONNECT:
		return ParseConnectPacket(r, fh)
	case CONNACK:
		return ParseConnackPacket(r, fh, version)
	case PUBLISH:
		return ParsePublishPacket(r, fh, version)
	case PUBACK:
		ack, err := parseAckPacket(r, fh, version)
		if err != nil {
			return nil, err
		}
		return &PubackPacket{*ack}, nil
	case PUBREC:
		ack, err := parseAckPacket(r, fh, version)
		if err != nil {
			return nil, err
		}
		return &PubrecPacket{*ack}, nil
	case PUBREL:
		ack, err := parseAckPacket(r, fh, version)
		if err != nil {
			return nil, err
		}
		return &PubrelPacket{*ack}, nil
	case PUBCOMP:
		ack, err := parseAckPacket(r, fh, version)
		if err != nil {
			return nil, err
		}
		return &PubcompPacket{*ack}, nil
	case SUBSCRIBE:
		return ParseSubscribePacket(r, fh, version)
	case SUBACK:
		return ParseSubackPacket(r, fh, version)
	case UNSUBSCRIBE:
		return ParseUnsubscribePacket(r, fh, version)
	case UNSUBACK:
		return ParseUnsubackPacket(r, fh, version)
	case PINGREQ:
		return ParsePingreqPacket(fh)
	case PINGRESP:
		return ParsePingrespPacket(fh)
	case DISCONNECT:
		return ParseDisconnectPacket(r, fh, version)
	case AUTH:
		if version != ProtocolVersion50 {
			return nil, ErrMalformedPacket
		}
		return ParseAuthPacket(r, fh)
	default:
		return nil, ErrInvalidType
	}
}

// ParseConnectPacket decodes a CONNECT body. The protocol level byte decides
// whether the v3.1.1 or v5 grammar applies to the rest of the packet.
func ParseConnectPacket(r io.Reader, fh *FixedHeader) (*ConnectPacket, error) {
	pkt := &ConnectPacket{FixedHeader: *fh}

	protocolName, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ProtocolName = protocolName
	if protocolName != "MQTT" {
		return nil, ErrInvalidProtocolName
	}

	version, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.Version = ProtocolVersion(version)
	if pkt.Version != ProtocolVersion311 && pkt.Version != ProtocolVersion50 {
		return nil, ErrInvalidProtocolVersion
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if flags&0x01 != 0 {
		return nil, ErrInvalidConnectFlags
	}

	pkt.CleanStart = flags&0x02 != 0
	pkt.WillFlag = flags&0x04 != 0
	pkt.WillQoS = QoS((flags & 0x18) >> 3)
	pkt.WillRetain = flags&0x20 != 0
	pkt.PasswordFlag = flags&0x40 != 0
	pkt.UsernameFlag = flags&0x80 != 0

	if !pkt.WillQoS.IsValid() {
		return nil, ErrInvalidWillQoS
	}
	if !pkt.WillFlag && (pkt.WillQoS != QoS0 || pkt.WillRetain) {
		return nil, ErrWillFlagMismatch
	}
	// v3.1.1 ties the password flag to the username flag (MQTT-3.1.2-22);
	// v5 allows a password on its own
	if pkt.Version == ProtocolVersion311 && pkt.PasswordFlag && !pkt.UsernameFlag {
		return nil, ErrInvalidConnectFlags
	}

	keepAlive, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive

	if pkt.Version == ProtocolVersion50 {
		props, err := ParseProperties(r)
		if err != nil {
			return nil, err
		}
		if err := props.ValidateFor(CONNECT); err != nil {
			return nil, err
		}
		pkt.Properties = *props
	}

	clientID, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.WillFlag {
		if pkt.Version == ProtocolVersion50 {
			willProps, err := ParseProperties(r)
			if err != nil {
				return nil, err
			}
			if err := willProps.ValidateForWill(); err != nil {
				return nil, err
			}
			pkt.WillProperties = *willProps
		}

		willTopic, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		if err := ValidateTopicName(willTopic); err != nil {
			return nil, err
		}
		pkt.WillTopic = willTopic

		willPayload, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.WillPayload = willPayload
	}

	if pkt.UsernameFlag {
		username, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.Username = username
	}

	if pkt.PasswordFlag {
		password, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		pkt.Password = password
	}

	return pkt, nil
}

// ParseConnackPacket decodes a CONNACK body.
func ParseConnackPacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (*ConnackPacket, error) {
	pkt := &ConnackPacket{FixedHeader: *fh, Version: version}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if flags&0xFE != 0 {
		return nil, ErrMalformedPacket
	}
	pkt.SessionPresent = flags&0x01 != 0

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}

	if version == ProtocolVersion311 {
		pkt.ReturnCode = code
		return pkt, nil
	}

	pkt.ReasonCode = ReasonCode(code)

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	if err := props.ValidateFor(CONNACK); err != nil {
		return nil, err
	}
	pkt.Properties = *props

	return pkt, nil
}

// ParsePublishPacket decodes a PUBLISH body. The payload is everything left
// of the remaining length once the variable header is consumed.
func ParsePublishPacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (*PublishPacket, error) {
	pkt := &PublishPacket{FixedHeader: *fh, Version: version}
	cr := &countingReader{r: r}

	topicName, err := readUTF8String(cr)
	if err != nil {
		return nil, err
	}
	if err := ValidateTopicName(topicName); err != nil {
		return nil, err
	}
	pkt.TopicName = topicName

	if fh.QoS > QoS0 {
		packetID, err := readTwoByteInt(cr)
		if err != nil {
			return nil, err
		}
		if packetID == 0 {
			return nil, ErrInvalidPacketIDZero
		}
		pkt.PacketID = packetID
	}

	if version == ProtocolVersion50 {
		props, err := ParseProperties(cr)
		if err != nil {
			return nil, err
		}
		if err := props.ValidateFor(PUBLISH); err != nil {
			return nil, err
		}
		pkt.Properties = *props
	}

	payloadLength := int(fh.RemainingLength) - cr.n
	if payloadLength < 0 {
		return nil, ErrInvalidRemainingLength
	}
	if payloadLength > 0 {
		payload := make([]byte, payloadLength)
		if _, err := io.ReadFull(cr, payload); err != nil {
			return nil, eofToUnexpected(err)
		}
		pkt.Payload = payload
	}

	return pkt, nil
}

// parseAckPacket decodes the shared PUBACK/PUBREC/PUBREL/PUBCOMP body.
// A v5 body of only two bytes means reason Success with no properties.
func parseAckPacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (*ackPacket, error) {
	pkt := &ackPacket{FixedHeader: *fh, Version: version}

	packetID, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketIDZero
	}
	pkt.PacketID = packetID

	if version == ProtocolVersion311 || fh.RemainingLength == 2 {
		pkt.ReasonCode = ReasonSuccess
		return pkt, nil
	}

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)

	if fh.RemainingLength == 3 {
		return pkt, nil
	}

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	if err := props.ValidateFor(fh.Type); err != nil {
		return nil, err
	}
	pkt.Properties = *props

	return pkt, nil
}

// ParseSubscribePacket decodes a SUBSCRIBE body.
func ParseSubscribePacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (*SubscribePacket, error) {
	pkt := &SubscribePacket{FixedHeader: *fh, Version: version}
	cr := &countingReader{r: r}

	packetID, err := readTwoByteInt(cr)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketIDZero
	}
	pkt.PacketID = packetID

	if version == ProtocolVersion50 {
		props, err := ParseProperties(cr)
		if err != nil {
			return nil, err
		}
		if err := props.ValidateFor(SUBSCRIBE); err != nil {
			return nil, err
		}
		pkt.Properties = *props
	}

	for cr.n < int(fh.RemainingLength) {
		filter, err := readUTF8String(cr)
		if err != nil {
			return nil, err
		}
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, err
		}

		opts, err := readByte(cr)
		if err != nil {
			return nil, err
		}

		sub := Subscription{TopicFilter: filter}
		sub.QoS = QoS(opts & 0x03)
		if !sub.QoS.IsValid() {
			return nil, ErrInvalidSubscriptionOpts
		}

		if version == ProtocolVersion50 {
			sub.NoLocal = opts&0x04 != 0
			sub.RetainAsPublished = opts&0x08 != 0
			sub.RetainHandling = (opts & 0x30) >> 4
			if sub.RetainHandling > 2 {
				return nil, ErrInvalidSubscriptionOpts
			}
			if opts&0xC0 != 0 {
				return nil, ErrInvalidSubscriptionOpts
			}
		} else if opts&0xFC != 0 {
			// v3.1.1 only defines the QoS bits
			return nil, ErrInvalidSubscriptionOpts
		}

		pkt.Subscriptions = append(pkt.Subscriptions, sub)
	}

	if len(pkt.Subscriptions) == 0 {
		return nil, ErrEmptySubscriptionList
	}

	return pkt, nil
}

// ParseSubackPacket decodes a SUBACK body.
func ParseSubackPacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (*SubackPacket, error) {
	pkt := &SubackPacket{FixedHeader: *fh, Version: version}
	cr := &countingReader{r: r}

	packetID, err := readTwoByteInt(cr)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	if version == ProtocolVersion50 {
		props, err := ParseProperties(cr)
		if err != nil {
			return nil, err
		}
		if err := props.ValidateFor(SUBACK); err != nil {
			return nil, err
		}
		pkt.Properties = *props
	}

	for cr.n < int(fh.RemainingLength) {
		code, err := readByte(cr)
		if err != nil {
			return nil, err
		}
		pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode(code))
	}

	return pkt, nil
}

// ParseUnsubscribePacket decodes an UNSUBSCRIBE body.
func ParseUnsubscribePacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (*UnsubscribePacket, error) {
	pkt := &UnsubscribePacket{FixedHeader: *fh, Version: version}
	cr := &countingReader{r: r}

	packetID, err := readTwoByteInt(cr)
	if err != nil {
		return nil, err
	}
	if packetID == 0 {
		return nil, ErrInvalidPacketIDZero
	}
	pkt.PacketID = packetID

	if version == ProtocolVersion50 {
		props, err := ParseProperties(cr)
		if err != nil {
			return nil, err
		}
		if err := props.ValidateFor(UNSUBSCRIBE); err != nil {
			return nil, err
		}
		pkt.Properties = *props
	}

	for cr.n < int(fh.RemainingLength) {
		filter, err := readUTF8String(cr)
		if err != nil {
			return nil, err
		}
		if err := ValidateTopicFilter(filter); err != nil {
			return nil, err
		}
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
	}

	if len(pkt.TopicFilters) == 0 {
		return nil, ErrEmptyUnsubscribeList
	}

	return pkt, nil
}

// ParseUnsubackPacket decodes an UNSUBACK body.
func ParseUnsubackPacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (*UnsubackPacket, error) {
	pkt := &UnsubackPacket{FixedHeader: *fh, Version: version}
	cr := &countingReader{r: r}

	packetID, err := readTwoByteInt(cr)
	if err != nil {
		return nil, err
	}
	pkt.PacketID = packetID

	if version == ProtocolVersion311 {
		return pkt, nil
	}

	props, err := ParseProperties(cr)
	if err != nil {
		return nil, err
	}
	if err := props.ValidateFor(UNSUBACK); err != nil {
		return nil, err
	}
	pkt.Properties = *props

	for cr.n < int(fh.RemainingLength) {
		code, err := readByte(cr)
		if err != nil {
			return nil, err
		}
		pkt.ReasonCodes = append(pkt.ReasonCodes, ReasonCode(code))
	}

	return pkt, nil
}

// ParsePingreqPacket validates a PINGREQ header (the packet has no body).
func ParsePingreqPacket(fh *FixedHeader) (*PingreqPacket, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrMalformedPacket
	}
	return &PingreqPacket{FixedHeader: *fh}, nil
}

// ParsePingrespPacket validates a PINGRESP header (the packet has no body).
func ParsePingrespPacket(fh *FixedHeader) (*PingrespPacket, error) {
	if fh.RemainingLength != 0 {
		return nil, ErrMalformedPacket
	}
	return &PingrespPacket{FixedHeader: *fh}, nil
}

// ParseDisconnectPacket decodes a DISCONNECT body. An empty v5 body means
// NormalDisconnection with no properties; v3.1.1 always has an empty body.
func ParseDisconnectPacket(r io.Reader, fh *FixedHeader, version ProtocolVersion) (*DisconnectPacket, error) {
	pkt := &DisconnectPacket{FixedHeader: *fh, Version: version, ReasonCode: ReasonNormalDisconnection}

	if version == ProtocolVersion311 {
		if fh.RemainingLength != 0 {
			return nil, ErrMalformedPacket
		}
		return pkt, nil
	}

	if fh.RemainingLength == 0 {
		return pkt, nil
	}

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)

	if fh.RemainingLength == 1 {
		return pkt, nil
	}

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	if err := props.ValidateFor(DISCONNECT); err != nil {
		return nil, err
	}
	pkt.Properties = *props

	return pkt, nil
}

// ParseAuthPacket decodes a v5 AUTH body. An empty body means Success.
func ParseAuthPacket(r io.Reader, fh *FixedHeader) (*AuthPacket, error) {
	pkt := &AuthPacket{FixedHeader: *fh, ReasonCode: ReasonSuccess}

	if fh.RemainingLength == 0 {
		return pkt, nil
	}

	code, err := readByte(r)
	if err != nil {
		return nil, err
	}
	pkt.ReasonCode = ReasonCode(code)

	if fh.RemainingLength == 1 {
		return pkt, nil
	}

	props, err := ParseProperties(r)
	if err != nil {
		return nil, err
	}
	if err := props.ValidateFor(AUTH); err != nil {
		return nil, err
	}
	pkt.Properties = *props

	return pkt, nil
}
