package frame

import "errors"

var (
	// ErrNeedMoreData indicates the buffer does not yet hold a complete
	// packet. Feed more bytes and call Next again.
	ErrNeedMoreData = errors.New("need more data")

	// ErrPacketTooLarge indicates a packet declared a remaining length
	// above the configured maximum packet size. Fatal for the connection.
	ErrPacketTooLarge = errors.New("packet exceeds maximum packet size")
)
