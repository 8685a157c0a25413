package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeVariableByteInteger(t *testing.T) {
	tests := []struct {
		name     string
		input    uint32
		expected []byte
		wantErr  error
	}{
		{name: "zero", input: 0, expected: []byte{0x00}},
		{name: "one", input: 1, expected: []byte{0x01}},
		{name: "max_single_byte", input: 127, expected: []byte{0x7F}},
		{name: "min_two_byte", input: 128, expected: []byte{0x80, 0x01}},
		{name: "max_two_byte", input: 16383, expected: []byte{0xFF, 0x7F}},
		{name: "min_three_byte", input: 16384, expected: []byte{0x80, 0x80, 0x01}},
		{name: "max_three_byte", input: 2097151, expected: []byte{0xFF, 0xFF, 0x7F}},
		{name: "min_four_byte", input: 2097152, expected: []byte{0x80, 0x80, 0x80, 0x01}},
		{name: "max_value", input: 268435455, expected: []byte{0xFF, 0xFF, 0xFF, 0x7F}},
		{name: "too_large", input: 268435456, wantErr: ErrVariableByteIntegerTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeVariableByteInteger(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)

			var buf bytes.Buffer
			require.NoError(t, WriteVariableByteInteger(&buf, tt.input))
			assert.Equal(t, tt.expected, buf.Bytes())

			assert.Equal(t, len(tt.expected), SizeVariableByteInteger(tt.input))
		})
	}
}

func TestDecodeVariableByteInteger(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected uint32
		consumed int
		wantErr  error
	}{
		{name: "zero", input: []byte{0x00}, expected: 0, consumed: 1},
		{name: "max_single_byte", input: []byte{0x7F}, expected: 127, consumed: 1},
		{name: "min_two_byte", input: []byte{0x80, 0x01}, expected: 128, consumed: 2},
		{name: "max_two_byte", input: []byte{0xFF, 0x7F}, expected: 16383, consumed: 2},
		{name: "max_value", input: []byte{0xFF, 0xFF, 0xFF, 0x7F}, expected: 268435455, consumed: 4},
		{name: "trailing_bytes_ignored", input: []byte{0x05, 0xAA, 0xBB}, expected: 5, consumed: 1},
		// Non-shortest encodings are accepted on decode
		{name: "non_canonical_zero", input: []byte{0x80, 0x00}, expected: 0, consumed: 2},
		{name: "fifth_continuation_byte", input: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}, wantErr: ErrMalformedVariableByteInteger},
		{name: "four_continuations", input: []byte{0x80, 0x80, 0x80, 0x80}, wantErr: ErrMalformedVariableByteInteger},
		{name: "truncated", input: []byte{0x80}, wantErr: ErrUnexpectedEOF},
		{name: "empty", input: []byte{}, wantErr: ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := DecodeVariableByteIntegerFromBytes(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, got)
				assert.Equal(t, tt.consumed, n)
			}

			// The reader-based decoder must agree wherever the input is
			// a complete encoding
			rGot, rErr := DecodeVariableByteInteger(bytes.NewReader(tt.input))
			if tt.wantErr != nil {
				assert.Error(t, rErr)
			} else {
				require.NoError(t, rErr)
				assert.Equal(t, tt.expected, rGot)
			}
		})
	}
}

func TestVariableByteIntegerRoundTrip(t *testing.T) {
	values := []uint32{0, 1, 127, 128, 300, 16383, 16384, 2097151, 2097152, 268435455}
	for _, v := range values {
		encoded, err := EncodeVariableByteInteger(v)
		require.NoError(t, err)

		decoded, n, err := DecodeVariableByteIntegerFromBytes(encoded)
		require.NoError(t, err)
		assert.Equal(t, v, decoded)
		assert.Equal(t, len(encoded), n)
	}
}

func FuzzDecodeVariableByteInteger(f *testing.F) {
	f.Add([]byte{0x00})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0x7F})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	f.Add([]byte{0x80})

	f.Fuzz(func(t *testing.T, data []byte) {
		value, n, err := DecodeVariableByteIntegerFromBytes(data)
		if err != nil {
			return
		}
		require.LessOrEqual(t, n, MaxVariableByteIntegerBytes)
		require.LessOrEqual(t, value, MaxVariableByteInteger)

		// Shortest-form re-encoding decodes back to the same value
		encoded, err := EncodeVariableByteInteger(value)
		require.NoError(t, err)
		redecoded, _, err := DecodeVariableByteIntegerFromBytes(encoded)
		require.NoError(t, err)
		require.Equal(t, value, redecoded)
	})
}
