package encoding

import (
	"io"
)

// PropertyID identifies an MQTT 5.0 property (section 2.2.2.2)
type PropertyID byte

const (
	PropPayloadFormatIndicator          PropertyID = 0x01
	PropMessageExpiryInterval           PropertyID = 0x02
	PropContentType                     PropertyID = 0x03
	PropResponseTopic                   PropertyID = 0x08
	PropCorrelationData                 PropertyID = 0x09
	PropSubscriptionIdentifier          PropertyID = 0x0B
	PropSessionExpiryInterval           PropertyID = 0x11
	PropAssignedClientIdentifier        PropertyID = 0x12
	PropServerKeepAlive                 PropertyID = 0x13
	PropAuthenticationMethod            PropertyID = 0x15
	PropAuthenticationData              PropertyID = 0x16
	PropRequestProblemInformation       PropertyID = 0x17
	PropWillDelayInterval               PropertyID = 0x18
	PropRequestResponseInformation      PropertyID = 0x19
	PropResponseInformation             PropertyID = 0x1A
	PropServerReference                 PropertyID = 0x1C
	PropReasonString                    PropertyID = 0x1F
	PropReceiveMaximum                  PropertyID = 0x21
	PropTopicAliasMaximum               PropertyID = 0x22
	PropTopicAlias                      PropertyID = 0x23
	PropMaximumQoS                      PropertyID = 0x24
	PropRetainAvailable                 PropertyID = 0x25
	PropUserProperty                    PropertyID = 0x26
	PropMaximumPacketSize               PropertyID = 0x27
	PropWildcardSubscriptionAvailable   PropertyID = 0x28
	PropSubscriptionIdentifierAvailable PropertyID = 0x29
	PropSharedSubscriptionAvailable     PropertyID = 0x2A
)

// PropertyType is the wire type of a property value
type PropertyType byte

const (
	PropertyTypeByte PropertyType = iota + 1
	PropertyTypeTwoByteInt
	PropertyTypeFourByteInt
	PropertyTypeVarInt
	PropertyTypeUTF8String
	PropertyTypeUTF8Pair
	PropertyTypeBinaryData
)

// UTF8Pair is a User Property key/value pair
type UTF8Pair struct {
	Key   string
	Value string
}

// Property is a single decoded property. Value holds byte, uint16, uint32,
// string, []byte or UTF8Pair depending on the property type.
type Property struct {
	ID    PropertyID
	Value interface{}
}

// Properties is an ordered collection of decoded properties. Wire order of
// User Properties is preserved; everything else is order-insensitive.
type Properties struct {
	Properties []Property
}

// Packet-validity bits for the propertySpecs table. willBit marks properties
// legal inside the CONNECT Will Properties block.
const willBit uint32 = 1 << 0

func pktBit(t PacketType) uint32 { return 1 << uint32(t) }

type propertySpec struct {
	Type     PropertyType
	Multiple bool
	ValidIn  uint32
}

// propertySpecs is the single source of truth for the closed v5 property
// set: value type, multiplicity and the packets each id may appear in
// (MQTT 5.0 table 2-4).
var propertySpecs = map[PropertyID]propertySpec{
	PropPayloadFormatIndicator:          {PropertyTypeByte, false, pktBit(PUBLISH) | willBit},
	PropMessageExpiryInterval:           {PropertyTypeFourByteInt, false, pktBit(PUBLISH) | willBit},
	PropContentType:                     {PropertyTypeUTF8String, false, pktBit(PUBLISH) | willBit},
	PropResponseTopic:                   {PropertyTypeUTF8String, false, pktBit(PUBLISH) | willBit},
	PropCorrelationData:                 {PropertyTypeBinaryData, false, pktBit(PUBLISH) | willBit},
	PropSubscriptionIdentifier:          {PropertyTypeVarInt, true, pktBit(PUBLISH) | pktBit(SUBSCRIBE)},
	PropSessionExpiryInterval:           {PropertyTypeFourByteInt, false, pktBit(CONNECT) | pktBit(CONNACK) | pktBit(DISCONNECT)},
	PropAssignedClientIdentifier:        {PropertyTypeUTF8String, false, pktBit(CONNACK)},
	PropServerKeepAlive:                 {PropertyTypeTwoByteInt, false, pktBit(CONNACK)},
	PropAuthenticationMethod:            {PropertyTypeUTF8String, false, pktBit(CONNECT) | pktBit(CONNACK) | pktBit(AUTH)},
	PropAuthenticationData:              {PropertyTypeBinaryData, false, pktBit(CONNECT) | pktBit(CONNACK) | pktBit(AUTH)},
	PropRequestProblemInformation:       {PropertyTypeByte, false, pktBit(CONNECT)},
	PropWillDelayInterval:               {PropertyTypeFourByteInt, false, willBit},
	PropRequestResponseInformation:      {PropertyTypeByte, false, pktBit(CONNECT)},
	PropResponseInformation:             {PropertyTypeUTF8String, false, pktBit(CONNACK)},
	PropServerReference:                 {PropertyTypeUTF8String, false, pktBit(CONNACK) | pktBit(DISCONNECT)},
	PropReasonString:                    {PropertyTypeUTF8String, false, pktBit(CONNACK) | pktBit(PUBACK) | pktBit(PUBREC) | pktBit(PUBREL) | pktBit(PUBCOMP) | pktBit(SUBACK) | pktBit(UNSUBACK) | pktBit(DISCONNECT) | pktBit(AUTH)},
	PropReceiveMaximum:                  {PropertyTypeTwoByteInt, false, pktBit(CONNECT) | pktBit(CONNACK)},
	PropTopicAliasMaximum:               {PropertyTypeTwoByteInt, false, pktBit(CONNECT) | pktBit(CONNACK)},
	PropTopicAlias:                      {PropertyTypeTwoByteInt, false, pktBit(PUBLISH)},
	PropMaximumQoS:                      {PropertyTypeByte, false, pktBit(CONNACK)},
	PropRetainAvailable:                 {PropertyTypeByte, false, pktBit(CONNACK)},
	PropUserProperty:                    {PropertyTypeUTF8Pair, true, 0xFFFF | willBit},
	PropMaximumPacketSize:               {PropertyTypeFourByteInt, false, pktBit(CONNECT) | pktBit(CONNACK)},
	PropWildcardSubscriptionAvailable:   {PropertyTypeByte, false, pktBit(CONNACK)},
	PropSubscriptionIdentifierAvailable: {PropertyTypeByte, false, pktBit(CONNACK)},
	PropSharedSubscriptionAvailable:     {PropertyTypeByte, false, pktBit(CONNACK)},
}

// ParseProperties reads a property block (length prefix plus body) from r.
// Duplicate non-repeatable properties are rejected; per-packet validity is
// checked separately via ValidateFor/ValidateForWill.
func ParseProperties(r io.Reader) (*Properties, error) {
	length, err := DecodeVariableByteInteger(r)
	if err != nil {
		return nil, err
	}

	props := &Properties{}
	if length == 0 {
		return props, nil
	}

	lr := io.LimitedReader{R: r, N: int64(length)}
	seen := make(map[PropertyID]struct{}, 8)

	for lr.N > 0 {
		prop, err := parseProperty(&lr)
		if err != nil {
			return nil, err
		}

		spec := propertySpecs[prop.ID]
		if !spec.Multiple {
			if _, dup := seen[prop.ID]; dup {
				return nil, NewProtocolError(ErrDuplicateProperty, prop.ID.String())
			}
			seen[prop.ID] = struct{}{}
		}

		props.Properties = append(props.Properties, *prop)
	}

	return props, nil
}

func parseProperty(r io.Reader) (*Property, error) {
	id, err := DecodeVariableByteInteger(r)
	if err != nil {
		return nil, err
	}
	if id > 0xFF {
		return nil, NewMalformedPacketError(ErrInvalidPropertyID, "")
	}

	propID := PropertyID(id)
	spec, ok := propertySpecs[propID]
	if !ok {
		return nil, NewMalformedPacketError(ErrInvalidPropertyID, propID.String())
	}

	prop := &Property{ID: propID}

	switch spec.Type {
	case PropertyTypeByte:
		v, err := readByte(r)
		if err != nil {
			return nil, err
		}
		prop.Value = v
	case PropertyTypeTwoByteInt:
		v, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		prop.Value = v
	case PropertyTypeFourByteInt:
		v, err := readFourByteInt(r)
		if err != nil {
			return nil, err
		}
		prop.Value = v
	case PropertyTypeVarInt:
		v, err := DecodeVariableByteInteger(r)
		if err != nil {
			return nil, err
		}
		if propID == PropSubscriptionIdentifier && v == 0 {
			return nil, NewProtocolError(ErrInvalidPropertyValue, "subscription identifier 0 is reserved")
		}
		prop.Value = v
	case PropertyTypeUTF8String:
		v, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		prop.Value = v
	case PropertyTypeUTF8Pair:
		v, err := readUTF8Pair(r)
		if err != nil {
			return nil, err
		}
		prop.Value = v
	case PropertyTypeBinaryData:
		v, err := readBinaryData(r)
		if err != nil {
			return nil, err
		}
		prop.Value = v
	default:
		return nil, ErrInvalidPropertyType
	}

	return prop, nil
}

// ValidateFor rejects properties that are not legal in packets of type pt.
func (p *Properties) ValidateFor(pt PacketType) error {
	for i := range p.Properties {
		spec := propertySpecs[p.Properties[i].ID]
		if spec.ValidIn&pktBit(pt) == 0 {
			return NewProtocolError(ErrPropertyNotAllowed, p.Properties[i].ID.String()+" in "+pt.String())
		}
	}
	return nil
}

// ValidateForWill rejects properties that are not legal in the CONNECT Will
// Properties block.
func (p *Properties) ValidateForWill() error {
	for i := range p.Properties {
		spec := propertySpecs[p.Properties[i].ID]
		if spec.ValidIn&willBit == 0 {
			return NewProtocolError(ErrPropertyNotAllowed, p.Properties[i].ID.String()+" in will properties")
		}
	}
	return nil
}

// EncodeProperties writes the property block (length prefix plus body) to w.
func (p *Properties) EncodeProperties(w io.Writer) error {
	body := p.bodySize()
	if err := WriteVariableByteInteger(w, body); err != nil {
		return err
	}
	for i := range p.Properties {
		if err := encodeProperty(w, &p.Properties[i]); err != nil {
			return err
		}
	}
	return nil
}

// EncodedSize returns the full wire size of the property block, including
// its own length prefix. Encoders use this to compute the remaining length
// before emitting anything.
func (p *Properties) EncodedSize() int {
	body := p.bodySize()
	return SizeVariableByteInteger(body) + int(body)
}

func (p *Properties) bodySize() uint32 {
	var size uint32
	for i := range p.Properties {
		prop := &p.Properties[i]
		size++ // identifier (every defined id fits in one varint byte)
		switch v := prop.Value.(type) {
		case byte:
			size++
		case uint16:
			size += 2
		case uint32:
			if propertySpecs[prop.ID].Type == PropertyTypeVarInt {
				size += uint32(SizeVariableByteInteger(v))
			} else {
				size += 4
			}
		case string:
			size += 2 + uint32(len(v))
		case []byte:
			size += 2 + uint32(len(v))
		case UTF8Pair:
			size += 4 + uint32(len(v.Key)) + uint32(len(v.Value))
		}
	}
	return size
}

func encodeProperty(w io.Writer, prop *Property) error {
	if err := WriteVariableByteInteger(w, uint32(prop.ID)); err != nil {
		return err
	}

	spec, ok := propertySpecs[prop.ID]
	if !ok {
		return ErrInvalidPropertyID
	}

	switch v := prop.Value.(type) {
	case byte:
		return writeByte(w, v)
	case uint16:
		return writeTwoByteInt(w, v)
	case uint32:
		if spec.Type == PropertyTypeVarInt {
			return WriteVariableByteInteger(w, v)
		}
		return writeFourByteInt(w, v)
	case string:
		return writeUTF8String(w, v)
	case []byte:
		return writeBinaryData(w, v)
	case UTF8Pair:
		if err := writeUTF8String(w, v.Key); err != nil {
			return err
		}
		return writeUTF8String(w, v.Value)
	default:
		return ErrInvalidPropertyType
	}
}

// Get returns the first property with the given id, or nil.
func (p *Properties) Get(id PropertyID) *Property {
	for i := range p.Properties {
		if p.Properties[i].ID == id {
			return &p.Properties[i]
		}
	}
	return nil
}

// GetAll returns every property with the given id, preserving wire order.
func (p *Properties) GetAll(id PropertyID) []Property {
	var out []Property
	for i := range p.Properties {
		if p.Properties[i].ID == id {
			out = append(out, p.Properties[i])
		}
	}
	return out
}

// Add appends a property after checking the value matches the id's type.
func (p *Properties) Add(id PropertyID, value interface{}) error {
	spec, ok := propertySpecs[id]
	if !ok {
		return ErrInvalidPropertyID
	}

	valid := false
	switch spec.Type {
	case PropertyTypeByte:
		_, valid = value.(byte)
	case PropertyTypeTwoByteInt:
		_, valid = value.(uint16)
	case PropertyTypeFourByteInt, PropertyTypeVarInt:
		_, valid = value.(uint32)
	case PropertyTypeUTF8String:
		_, valid = value.(string)
	case PropertyTypeUTF8Pair:
		_, valid = value.(UTF8Pair)
	case PropertyTypeBinaryData:
		_, valid = value.([]byte)
	}
	if !valid {
		return ErrInvalidPropertyType
	}

	p.Properties = append(p.Properties, Property{ID: id, Value: value})
	return nil
}

// GetUint32 returns a four-byte or varint property value and whether it
// was present.
func (p *Properties) GetUint32(id PropertyID) (uint32, bool) {
	if prop := p.Get(id); prop != nil {
		if v, ok := prop.Value.(uint32); ok {
			return v, true
		}
	}
	return 0, false
}

// GetUint16 returns a two-byte property value and whether it was present.
func (p *Properties) GetUint16(id PropertyID) (uint16, bool) {
	if prop := p.Get(id); prop != nil {
		if v, ok := prop.Value.(uint16); ok {
			return v, true
		}
	}
	return 0, false
}

// GetString returns a UTF-8 string property value and whether it was present.
func (p *Properties) GetString(id PropertyID) (string, bool) {
	if prop := p.Get(id); prop != nil {
		if v, ok := prop.Value.(string); ok {
			return v, true
		}
	}
	return "", false
}

// String returns the property name per the MQTT 5.0 tables
func (id PropertyID) String() string {
	switch id {
	case PropPayloadFormatIndicator:
		return "Payload Format Indicator"
	case PropMessageExpiryInterval:
		return "Message Expiry Interval"
	case PropContentType:
		return "Content Type"
	case PropResponseTopic:
		return "Response Topic"
	case PropCorrelationData:
		return "Correlation Data"
	case PropSubscriptionIdentifier:
		return "Subscription Identifier"
	case PropSessionExpiryInterval:
		return "Session Expiry Interval"
	case PropAssignedClientIdentifier:
		return "Assigned Client Identifier"
	case PropServerKeepAlive:
		return "Server Keep Alive"
	case PropAuthenticationMethod:
		return "Authentication Method"
	case PropAuthenticationData:
		return "Authentication Data"
	case PropRequestProblemInformation:
		return "Request Problem Information"
	case PropWillDelayInterval:
		return "Will Delay Interval"
	case PropRequestResponseInformation:
		return "Request Response Information"
	case PropResponseInformation:
		return "Response Information"
	case PropServerReference:
		return "Server Reference"
	case PropReasonString:
		return "Reason String"
	case PropReceiveMaximum:
		return "Receive Maximum"
	case PropTopicAliasMaximum:
		return "Topic Alias Maximum"
	case PropTopicAlias:
		return "Topic Alias"
	case PropMaximumQoS:
		return "Maximum QoS"
	case PropRetainAvailable:
		return "Retain Available"
	case PropUserProperty:
		return "User Property"
	case PropMaximumPacketSize:
		return "Maximum Packet Size"
	case PropWildcardSubscriptionAvailable:
		return "Wildcard Subscription Available"
	case PropSubscriptionIdentifierAvailable:
		return "Subscription Identifier Available"
	case PropSharedSubscriptionAvailable:
		return "Shared Subscription Available"
	default:
		return "Unknown"
	}
}
