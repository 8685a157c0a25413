package session

import "context"

// Store persists sessions keyed by client id. The broker default is the
// in-memory store; the pebble and redis stores survive broker restarts or
// share state between processes.
type Store interface {
	// Save stores or replaces the session
	Save(ctx context.Context, session *Session) error
	// Load returns the session or ErrSessionNotFound
	Load(ctx context.Context, clientID string) (*Session, error)
	// Delete removes the session; deleting a missing session is not an error
	Delete(ctx context.Context, clientID string) error
	// Exists reports whether a session is stored for the client id
	Exists(ctx context.Context, clientID string) (bool, error)
	// List returns every stored client id
	List(ctx context.Context) ([]string, error)
	// Count returns the number of stored sessions
	Count(ctx context.Context) (int64, error)
	// Close releases the store's resources
	Close() error
}
