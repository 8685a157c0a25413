package encoding

import (
	"encoding/binary"
	"errors"
	"io"
)

// Primitive readers and writers shared by the packet and property codecs.
// All multi-byte integers are big-endian; strings and binary data carry a
// two-byte length prefix (MQTT 5.0 section 1.5).

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, eofToUnexpected(err)
	}
	return buf[0], nil
}

func readTwoByteInt(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, eofToUnexpected(err)
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readFourByteInt(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, eofToUnexpected(err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// readBinaryData reads a two-byte length prefix and that many bytes.
func readBinaryData(r io.Reader) ([]byte, error) {
	length, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, eofToUnexpected(err)
	}
	return data, nil
}

// readUTF8String reads binary data and validates it as an MQTT UTF-8 string.
func readUTF8String(r io.Reader) (string, error) {
	data, err := readBinaryData(r)
	if err != nil {
		return "", err
	}
	if err := ValidateUTF8String(data); err != nil {
		return "", err
	}
	return string(data), nil
}

func readUTF8Pair(r io.Reader) (UTF8Pair, error) {
	key, err := readUTF8String(r)
	if err != nil {
		return UTF8Pair{}, err
	}
	value, err := readUTF8String(r)
	if err != nil {
		return UTF8Pair{}, err
	}
	return UTF8Pair{Key: key, Value: value}, nil
}

func writeByte(w io.Writer, value byte) error {
	_, err := w.Write([]byte{value})
	return err
}

func writeTwoByteInt(w io.Writer, value uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], value)
	_, err := w.Write(buf[:])
	return err
}

func writeFourByteInt(w io.Writer, value uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	_, err := w.Write(buf[:])
	return err
}

func writeBinaryData(w io.Writer, data []byte) error {
	if len(data) > 65535 {
		return ErrBufferTooSmall
	}
	if err := writeTwoByteInt(w, uint16(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func writeUTF8String(w io.Writer, s string) error {
	if len(s) > 65535 {
		return ErrBufferTooSmall
	}
	if err := writeTwoByteInt(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func eofToUnexpected(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEOF
	}
	return err
}
