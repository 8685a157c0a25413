package encoding

import (
	"io"
)

// Every encoder computes its body size first so the remaining length
// variable byte integer in the fixed header is correct, then streams the
// body to w in wire order.

// Encode writes a CONNECT packet.
func (p *ConnectPacket) Encode(w io.Writer) error {
	v5 := p.Version == ProtocolVersion50

	size := 2 + len(p.ProtocolName) + 1 + 1 + 2
	if v5 {
		size += p.Properties.EncodedSize()
	}
	size += 2 + len(p.ClientID)
	if p.WillFlag {
		if v5 {
			size += p.WillProperties.EncodedSize()
		}
		size += 2 + len(p.WillTopic) + 2 + len(p.WillPayload)
	}
	if p.UsernameFlag {
		size += 2 + len(p.Username)
	}
	if p.PasswordFlag {
		size += 2 + len(p.Password)
	}

	fh := FixedHeader{Type: CONNECT, RemainingLength: uint32(size)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.ProtocolName); err != nil {
		return err
	}
	if err := writeByte(w, byte(p.Version)); err != nil {
		return err
	}

	var flags byte
	if p.CleanStart {
		flags |= 0x02
	}
	if p.WillFlag {
		flags |= 0x04
		flags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			flags |= 0x20
		}
	}
	if p.PasswordFlag {
		flags |= 0x40
	}
	if p.UsernameFlag {
		flags |= 0x80
	}
	if err := writeByte(w, flags); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.KeepAlive); err != nil {
		return err
	}

	if v5 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}

	if err := writeUTF8String(w, p.ClientID); err != nil {
		return err
	}

	if p.WillFlag {
		if v5 {
			if err := p.WillProperties.EncodeProperties(w); err != nil {
				return err
			}
		}
		if err := writeUTF8String(w, p.WillTopic); err != nil {
			return err
		}
		if err := writeBinaryData(w, p.WillPayload); err != nil {
			return err
		}
	}

	if p.UsernameFlag {
		if err := writeUTF8String(w, p.Username); err != nil {
			return err
		}
	}
	if p.PasswordFlag {
		if err := writeBinaryData(w, p.Password); err != nil {
			return err
		}
	}

	return nil
}

// Encode writes a CONNACK packet.
func (p *ConnackPacket) Encode(w io.Writer) error {
	size := 2
	if p.Version == ProtocolVersion50 {
		size += p.Properties.EncodedSize()
	}

	fh := FixedHeader{Type: CONNACK, RemainingLength: uint32(size)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	if err := writeByte(w, flags); err != nil {
		return err
	}

	if p.Version == ProtocolVersion311 {
		return writeByte(w, p.ReturnCode)
	}

	if err := writeByte(w, byte(p.ReasonCode)); err != nil {
		return err
	}
	return p.Properties.EncodeProperties(w)
}

// Encode writes a PUBLISH packet. DUP, QoS and Retain are taken from the
// fixed header fields.
func (p *PublishPacket) Encode(w io.Writer) error {
	size := 2 + len(p.TopicName)
	if p.FixedHeader.QoS > QoS0 {
		size += 2
	}
	if p.Version == ProtocolVersion50 {
		size += p.Properties.EncodedSize()
	}
	size += len(p.Payload)

	fh := p.FixedHeader
	fh.Type = PUBLISH
	fh.RemainingLength = uint32(size)
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.TopicName); err != nil {
		return err
	}

	if fh.QoS > QoS0 {
		if p.PacketID == 0 {
			return ErrInvalidPacketIDZero
		}
		if err := writeTwoByteInt(w, p.PacketID); err != nil {
			return err
		}
	}

	if p.Version == ProtocolVersion50 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}

	if len(p.Payload) > 0 {
		if _, err := w.Write(p.Payload); err != nil {
			return err
		}
	}

	return nil
}

// encodeAck writes the shared PUBACK/PUBREC/PUBREL/PUBCOMP layout. A v5
// Success acknowledgement with no properties collapses to the two-byte form.
func (p *ackPacket) encodeAck(w io.Writer, packetType PacketType) error {
	short := p.Version == ProtocolVersion311 ||
		(p.ReasonCode == ReasonSuccess && len(p.Properties.Properties) == 0)

	size := 2
	withProps := false
	if !short {
		size++
		if len(p.Properties.Properties) > 0 {
			size += p.Properties.EncodedSize()
			withProps = true
		}
	}

	fh := FixedHeader{Type: packetType, RemainingLength: uint32(size)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	if short {
		return nil
	}

	if err := writeByte(w, byte(p.ReasonCode)); err != nil {
		return err
	}
	if withProps {
		return p.Properties.EncodeProperties(w)
	}
	return nil
}

// Encode writes a PUBACK packet.
func (p *PubackPacket) Encode(w io.Writer) error { return p.encodeAck(w, PUBACK) }

// Encode writes a PUBREC packet.
func (p *PubrecPacket) Encode(w io.Writer) error { return p.encodeAck(w, PUBREC) }

// Encode writes a PUBREL packet.
func (p *PubrelPacket) Encode(w io.Writer) error { return p.encodeAck(w, PUBREL) }

// Encode writes a PUBCOMP packet.
func (p *PubcompPacket) Encode(w io.Writer) error { return p.encodeAck(w, PUBCOMP) }

// Encode writes a SUBSCRIBE packet.
func (p *SubscribePacket) Encode(w io.Writer) error {
	if len(p.Subscriptions) == 0 {
		return ErrEmptySubscriptionList
	}

	size := 2
	if p.Version == ProtocolVersion50 {
		size += p.Properties.EncodedSize()
	}
	for i := range p.Subscriptions {
		size += 2 + len(p.Subscriptions[i].TopicFilter) + 1
	}

	fh := FixedHeader{Type: SUBSCRIBE, RemainingLength: uint32(size)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	if p.Version == ProtocolVersion50 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}

	for i := range p.Subscriptions {
		sub := &p.Subscriptions[i]
		if err := writeUTF8String(w, sub.TopicFilter); err != nil {
			return err
		}

		opts := byte(sub.QoS)
		if p.Version == ProtocolVersion50 {
			if sub.NoLocal {
				opts |= 0x04
			}
			if sub.RetainAsPublished {
				opts |= 0x08
			}
			opts |= sub.RetainHandling << 4
		}
		if err := writeByte(w, opts); err != nil {
			return err
		}
	}

	return nil
}

// Encode writes a SUBACK packet.
func (p *SubackPacket) Encode(w io.Writer) error {
	size := 2 + len(p.ReasonCodes)
	if p.Version == ProtocolVersion50 {
		size += p.Properties.EncodedSize()
	}

	fh := FixedHeader{Type: SUBACK, RemainingLength: uint32(size)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	if p.Version == ProtocolVersion50 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}

	for _, code := range p.ReasonCodes {
		if err := writeByte(w, byte(code)); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes an UNSUBSCRIBE packet.
func (p *UnsubscribePacket) Encode(w io.Writer) error {
	if len(p.TopicFilters) == 0 {
		return ErrEmptyUnsubscribeList
	}

	size := 2
	if p.Version == ProtocolVersion50 {
		size += p.Properties.EncodedSize()
	}
	for _, filter := range p.TopicFilters {
		size += 2 + len(filter)
	}

	fh := FixedHeader{Type: UNSUBSCRIBE, RemainingLength: uint32(size)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	if p.Version == ProtocolVersion50 {
		if err := p.Properties.EncodeProperties(w); err != nil {
			return err
		}
	}

	for _, filter := range p.TopicFilters {
		if err := writeUTF8String(w, filter); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes an UNSUBACK packet. v3.1.1 carries only the packet id.
func (p *UnsubackPacket) Encode(w io.Writer) error {
	size := 2
	if p.Version == ProtocolVersion50 {
		size += p.Properties.EncodedSize() + len(p.ReasonCodes)
	}

	fh := FixedHeader{Type: UNSUBACK, RemainingLength: uint32(size)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	if p.Version == ProtocolVersion311 {
		return nil
	}

	if err := p.Properties.EncodeProperties(w); err != nil {
		return err
	}
	for _, code := range p.ReasonCodes {
		if err := writeByte(w, byte(code)); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes a PINGREQ packet.
func (p *PingreqPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGREQ}
	return fh.EncodeFixedHeader(w)
}

// Encode writes a PINGRESP packet.
func (p *PingrespPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGRESP}
	return fh.EncodeFixedHeader(w)
}

// Encode writes a DISCONNECT packet. A v5 NormalDisconnection with no
// properties collapses to the empty body, as does every v3.1.1 DISCONNECT.
func (p *DisconnectPacket) Encode(w io.Writer) error {
	short := p.Version == ProtocolVersion311 ||
		(p.ReasonCode == ReasonNormalDisconnection && len(p.Properties.Properties) == 0)

	size := 0
	withProps := false
	if !short {
		size = 1
		if len(p.Properties.Properties) > 0 {
			size += p.Properties.EncodedSize()
			withProps = true
		}
	}

	fh := FixedHeader{Type: DISCONNECT, RemainingLength: uint32(size)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}
	if short {
		return nil
	}

	if err := writeByte(w, byte(p.ReasonCode)); err != nil {
		return err
	}
	if withProps {
		return p.Properties.EncodeProperties(w)
	}
	return nil
}

// Encode writes an AUTH packet. A Success result with no properties
// collapses to the empty body.
func (p *AuthPacket) Encode(w io.Writer) error {
	short := p.ReasonCode == ReasonSuccess && len(p.Properties.Properties) == 0

	size := 0
	withProps := false
	if !short {
		size = 1
		if len(p.Properties.Properties) > 0 {
			size += p.Properties.EncodedSize()
			withProps = true
		}
	}

	fh := FixedHeader{Type: AUTH, RemainingLength: uint32(size)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}
	if short {
		return nil
	}

	if err := writeByte(w, byte(p.ReasonCode)); err != nil {
		return err
	}
	if withProps {
		return p.Properties.EncodeProperties(w)
	}
	return nil
}
