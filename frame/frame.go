// Package frame turns a byte stream into complete MQTT control packets.
//
// A Decoder owns a grow-only buffer. Callers append transport reads with
// Feed and drain complete packets with Next. Partial packets stay buffered
// until enough bytes arrive; anything other than ErrNeedMoreData is fatal
// for the connection that produced the bytes.
package frame

import (
	"bytes"
	"errors"

	"github.com/nimbusmq/nimbus/encoding"
)

// DefaultMaxPacketSize bounds inbound packets when the caller does not
// configure a limit. Matches the codec's remaining length cap.
const DefaultMaxPacketSize = encoding.MaxRemainingLength

// Decoder is a stateful packet framer. It is not safe for concurrent use;
// each connection owns one.
type Decoder struct {
	buf           []byte
	version       encoding.ProtocolVersion
	maxPacketSize uint32
}

// NewDecoder returns a Decoder speaking v5 until SetVersion is called with
// the version negotiated on CONNECT.
func NewDecoder() *Decoder {
	return &Decoder{
		version:       encoding.ProtocolVersion50,
		maxPacketSize: DefaultMaxPacketSize,
	}
}

// SetVersion fixes the protocol version used to decode subsequent packets.
// CONNECT itself announces its version and decodes the same either way.
func (d *Decoder) SetVersion(v encoding.ProtocolVersion) {
	d.version = v
}

// SetMaxPacketSize bounds the total size (fixed header included) of any
// packet Next will accept. Zero restores the default.
func (d *Decoder) SetMaxPacketSize(n uint32) {
	if n == 0 {
		n = DefaultMaxPacketSize
	}
	d.maxPacketSize = n
}

// Feed appends transport bytes to the buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be framed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next slices one complete packet out of the buffer and decodes it.
// ErrNeedMoreData means the buffer holds a prefix of a packet (or nothing);
// every other error is fatal and the buffer contents are undefined.
func (d *Decoder) Next() (encoding.Packet, error) {
	fh, headerLen, err := encoding.ParseFixedHeaderFromBytes(d.buf)
	if err != nil {
		if errors.Is(err, encoding.ErrUnexpectedEOF) {
			return nil, ErrNeedMoreData
		}
		return nil, err
	}

	total := uint64(headerLen) + uint64(fh.RemainingLength)
	if total > uint64(d.maxPacketSize) {
		return nil, ErrPacketTooLarge
	}
	if uint64(len(d.buf)) < total {
		return nil, ErrNeedMoreData
	}

	body := d.buf[headerLen:total]
	pkt, err := encoding.ParsePacket(bytes.NewReader(body), fh, d.version)
	if err != nil {
		return nil, err
	}

	// Advance past the consumed packet, compacting so the backing array
	// is reused instead of growing with every partial read
	if uint64(len(d.buf)) == total {
		d.buf = d.buf[:0]
	} else {
		d.buf = append(d.buf[:0], d.buf[total:]...)
	}

	return pkt, nil
}
