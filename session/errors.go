package session

import "errors"

var (
	// ErrSessionNotFound indicates no session exists for the client id
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired indicates the session's expiry interval elapsed
	ErrSessionExpired = errors.New("session expired")

	// ErrStoreClosed indicates the backing store has been closed
	ErrStoreClosed = errors.New("session store closed")
)
