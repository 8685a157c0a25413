package broker

import (
	"context"
	"crypto/subtle"
	"sync"
)

// LoginHandler decides whether a connecting client may log in. Username
// and password are nil when the CONNECT carried no credentials. Returning
// an error maps to CONNACK NotAuthorized (v5) or return code 4, bad user
// name or password (v3.1.1), and the connection is closed.
type LoginHandler interface {
	AllowLogin(ctx context.Context, clientID string, username *string, password []byte) error
}

// AllowAllLogins accepts every connection; it is the default handler.
type AllowAllLogins struct{}

func (AllowAllLogins) AllowLogin(context.Context, string, *string, []byte) error {
	return nil
}

// BasicAuthHandler checks credentials against a registered user table
// using constant-time comparison.
type BasicAuthHandler struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewBasicAuthHandler returns a handler with no users; every login fails
// until AddUser is called.
func NewBasicAuthHandler() *BasicAuthHandler {
	return &BasicAuthHandler{users: make(map[string]string)}
}

// AddUser registers or replaces a username/password pair.
func (h *BasicAuthHandler) AddUser(username, password string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[username] = password
}

// RemoveUser deletes a username.
func (h *BasicAuthHandler) RemoveUser(username string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.users, username)
}

func (h *BasicAuthHandler) AllowLogin(_ context.Context, _ string, username *string, password []byte) error {
	if username == nil {
		return ErrAuthenticationFailed
	}

	h.mu.RLock()
	want, ok := h.users[*username]
	h.mu.RUnlock()

	if !ok {
		subtle.ConstantTimeCompare(password, []byte(" "))
		return ErrAuthenticationFailed
	}
	if subtle.ConstantTimeCompare(password, []byte(want)) != 1 {
		return ErrAuthenticationFailed
	}
	return nil
}
