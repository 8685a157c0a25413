package broker

import "errors"

var (
	// ErrServerClosed is returned by AcceptNewClients after Close
	ErrServerClosed = errors.New("broker server closed")

	// ErrTransportClosed indicates the client's byte stream went away
	ErrTransportClosed = errors.New("transport closed")

	// ErrKeepAliveTimeout indicates no packet arrived within 1.5x the
	// negotiated keep-alive interval
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrAuthenticationFailed indicates the login handler rejected the
	// connection
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrSessionTakenOver indicates a newer connection claimed this
	// connection's client id
	ErrSessionTakenOver = errors.New("session taken over")

	// ErrQuotaExceeded indicates a subscriber's outbound queue overflowed
	ErrQuotaExceeded = errors.New("outbound queue full")

	// ErrConnectExpected indicates the first packet on a connection was
	// not CONNECT
	ErrConnectExpected = errors.New("first packet must be CONNECT")
)
