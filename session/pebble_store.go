package session

import (
	"context"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
)

var sessionKeyPrefix = []byte("session:")

// PebbleStore persists sessions in a local Pebble key-value database so a
// single broker survives restarts.
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

// PebbleStoreConfig configures the Pebble store
type PebbleStoreConfig struct {
	Path string
	Opts *pebble.Options
}

// NewPebbleStore opens (or creates) the database at config.Path.
func NewPebbleStore(config PebbleStoreConfig) (*PebbleStore, error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func sessionKey(clientID string) []byte {
	return append(append([]byte{}, sessionKeyPrefix...), clientID...)
}

func (p *PebbleStore) Save(ctx context.Context, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStoreClosed
	}

	data, err := encodeSession(session)
	if err != nil {
		return err
	}
	return p.db.Set(sessionKey(session.ClientID), data, pebble.Sync)
}

func (p *PebbleStore) Load(ctx context.Context, clientID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrStoreClosed
	}

	data, closer, err := p.db.Get(sessionKey(clientID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	defer closer.Close()

	return decodeSession(data)
}

func (p *PebbleStore) Delete(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStoreClosed
	}
	return p.db.Delete(sessionKey(clientID), pebble.Sync)
}

func (p *PebbleStore) Exists(ctx context.Context, clientID string) (bool, error) {
	_, err := p.Load(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *PebbleStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrStoreClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionKeyPrefix,
		UpperBound: append(append([]byte{}, sessionKeyPrefix...), 0xFF),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(sessionKeyPrefix):]))
	}
	return ids, iter.Error()
}

func (p *PebbleStore) Count(ctx context.Context) (int64, error) {
	ids, err := p.List(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
