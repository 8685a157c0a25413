package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFixedHeaderFromBytes(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		wantType PacketType
		wantLen  uint32
		consumed int
		wantErr  error
	}{
		{name: "connect", input: []byte{0x10, 0x00}, wantType: CONNECT, wantLen: 0, consumed: 2},
		{name: "pingreq", input: []byte{0xC0, 0x00}, wantType: PINGREQ, consumed: 2},
		{name: "disconnect", input: []byte{0xE0, 0x00}, wantType: DISCONNECT, consumed: 2},
		{name: "subscribe_flags", input: []byte{0x82, 0x05}, wantType: SUBSCRIBE, wantLen: 5, consumed: 2},
		{name: "pubrel_flags", input: []byte{0x62, 0x02}, wantType: PUBREL, wantLen: 2, consumed: 2},
		{name: "two_byte_length", input: []byte{0x10, 0x80, 0x01}, wantType: CONNECT, wantLen: 128, consumed: 3},
		{name: "reserved_type", input: []byte{0x00, 0x00}, wantErr: ErrInvalidReservedType},
		{name: "subscribe_bad_flags", input: []byte{0x80, 0x05}, wantErr: ErrInvalidFlags},
		{name: "connect_bad_flags", input: []byte{0x11, 0x00}, wantErr: ErrInvalidFlags},
		{name: "pubrel_bad_flags", input: []byte{0x60, 0x02}, wantErr: ErrInvalidFlags},
		{name: "publish_qos3", input: []byte{0x36, 0x00}, wantErr: ErrInvalidQoS},
		{name: "short_input", input: []byte{0x10}, wantErr: ErrUnexpectedEOF},
		{name: "truncated_length", input: []byte{0x10, 0x80}, wantErr: ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fh, n, err := ParseFixedHeaderFromBytes(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, fh.Type)
			assert.Equal(t, tt.wantLen, fh.RemainingLength)
			assert.Equal(t, tt.consumed, n)

			rfh, rerr := ParseFixedHeader(bytes.NewReader(tt.input))
			require.NoError(t, rerr)
			assert.Equal(t, fh.Type, rfh.Type)
			assert.Equal(t, fh.RemainingLength, rfh.RemainingLength)
		})
	}
}

func TestParseFixedHeaderPublishFlags(t *testing.T) {
	tests := []struct {
		name   string
		first  byte
		dup    bool
		qos    QoS
		retain bool
	}{
		{name: "plain", first: 0x30},
		{name: "retain", first: 0x31, retain: true},
		{name: "qos1", first: 0x32, qos: QoS1},
		{name: "qos2", first: 0x34, qos: QoS2},
		{name: "dup_qos1_retain", first: 0x3B, dup: true, qos: QoS1, retain: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fh, _, err := ParseFixedHeaderFromBytes([]byte{tt.first, 0x00})
			require.NoError(t, err)
			assert.Equal(t, PUBLISH, fh.Type)
			assert.Equal(t, tt.dup, fh.DUP)
			assert.Equal(t, tt.qos, fh.QoS)
			assert.Equal(t, tt.retain, fh.Retain)
		})
	}
}

func TestFixedHeaderEncodeRoundTrip(t *testing.T) {
	headers := []FixedHeader{
		{Type: CONNECT, RemainingLength: 12},
		{Type: SUBSCRIBE, RemainingLength: 300},
		{Type: PUBLISH, QoS: QoS1, Retain: true, RemainingLength: 8},
		{Type: PUBLISH, DUP: true, QoS: QoS2, RemainingLength: 0},
		{Type: PINGRESP, RemainingLength: 0},
	}

	for _, fh := range headers {
		var buf bytes.Buffer
		require.NoError(t, fh.EncodeFixedHeader(&buf))

		decoded, _, err := ParseFixedHeaderFromBytes(buf.Bytes())
		require.NoError(t, err)
		assert.Equal(t, fh.Type, decoded.Type)
		assert.Equal(t, fh.RemainingLength, decoded.RemainingLength)
		assert.Equal(t, fh.DUP, decoded.DUP)
		assert.Equal(t, fh.QoS, decoded.QoS)
		assert.Equal(t, fh.Retain, decoded.Retain)
	}
}

func TestRemainingLengthCap(t *testing.T) {
	// 268,435,455 exceeds the 256 MB implementation cap
	_, _, err := ParseFixedHeaderFromBytes([]byte{0x10, 0xFF, 0xFF, 0xFF, 0x7F})
	assert.ErrorIs(t, err, ErrInvalidRemainingLength)
}

func FuzzParseFixedHeader(f *testing.F) {
	seeds := [][]byte{
		{0x10, 0x00},
		{0x30, 0x00},
		{0x3D, 0x08},
		{0x82, 0x05},
		{0xE0, 0x00},
		{0x10, 0xFF, 0xFF, 0xFF, 0x7F},
		{0x10, 0x80, 0x80, 0x80, 0x80},
	}
	for _, seed := range seeds {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		fh1, _, err1 := ParseFixedHeaderFromBytes(data)
		fh2, err2 := ParseFixedHeader(bytes.NewReader(data))

		assert.Equal(t, err1 == nil, err2 == nil)
		if err1 == nil {
			assert.Equal(t, fh1.Type, fh2.Type)
			assert.Equal(t, fh1.RemainingLength, fh2.RemainingLength)
		}
	})
}
