package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/nimbusmq/nimbus/encoding"
)

// Manager is the concurrent session table. It fronts a Store with an
// in-memory map of active sessions and runs a background expiry sweep.
type Manager struct {
	mu     sync.RWMutex
	store  Store
	active map[string]*Session

	expiryTicker *time.Ticker
	stopCh       chan struct{}
	wg           sync.WaitGroup

	assignedIDPrefix string
}

// Config configures the session manager
type Config struct {
	// Store persists sessions; defaults to the in-memory store
	Store Store
	// ExpiryCheckInterval is how often expired sessions are collected
	ExpiryCheckInterval time.Duration
	// AssignedIDPrefix prefixes server-generated client ids
	AssignedIDPrefix string
}

// NewManager starts a manager and its expiry sweeper.
func NewManager(config Config) *Manager {
	if config.Store == nil {
		config.Store = NewMemoryStore()
	}
	if config.ExpiryCheckInterval == 0 {
		config.ExpiryCheckInterval = 30 * time.Second
	}
	if config.AssignedIDPrefix == "" {
		config.AssignedIDPrefix = "auto-"
	}

	m := &Manager{
		store:            config.Store,
		active:           make(map[string]*Session),
		expiryTicker:     time.NewTicker(config.ExpiryCheckInterval),
		stopCh:           make(chan struct{}),
		assignedIDPrefix: config.AssignedIDPrefix,
	}

	m.wg.Add(1)
	go m.expiryLoop()

	return m
}

// Connect resolves the session for a connecting client per MQTT 3.1.2.4:
// clean start drops any prior session; otherwise a live prior session is
// resumed. The returned bool is the CONNACK session-present flag, which is
// always false when clean start is set (MQTT-3.2.2-2).
func (m *Manager) Connect(ctx context.Context, clientID string, cleanStart bool, expiryInterval uint32, version encoding.ProtocolVersion) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.lookupLocked(ctx, clientID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, false, err
	}

	if cleanStart || existing == nil || existing.IsExpired() {
		if existing != nil {
			if err := m.store.Delete(ctx, clientID); err != nil {
				return nil, false, err
			}
			delete(m.active, clientID)
		}

		sess := New(clientID, cleanStart, expiryInterval, version)
		sess.SetActive()
		if err := m.store.Save(ctx, sess); err != nil {
			return nil, false, err
		}
		m.active[clientID] = sess
		return sess, false, nil
	}

	existing.CleanStart = false
	existing.ExpiryInterval = expiryInterval
	existing.Version = version
	existing.SetActive()
	if err := m.store.Save(ctx, existing); err != nil {
		return nil, false, err
	}
	m.active[clientID] = existing
	return existing, true, nil
}

func (m *Manager) lookupLocked(ctx context.Context, clientID string) (*Session, error) {
	if sess, ok := m.active[clientID]; ok {
		return sess, nil
	}
	return m.store.Load(ctx, clientID)
}

// Get returns the session for clientID, or ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, clientID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.active[clientID]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}
	return m.store.Load(ctx, clientID)
}

// Disconnect marks the session disconnected. A session whose retention has
// ended (expiry interval zero on v5, a v3.1.1 clean session, or an elapsed
// expiry interval) is removed outright.
func (m *Manager) Disconnect(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.active[clientID]
	if !ok {
		return ErrSessionNotFound
	}

	sess.SetDisconnected()
	delete(m.active, clientID)

	if sess.IsExpired() || (sess.ExpiryInterval == 0 && sess.Version == encoding.ProtocolVersion50) {
		return m.store.Delete(ctx, clientID)
	}
	return m.store.Save(ctx, sess)
}

// Remove deletes the session entirely.
func (m *Manager) Remove(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, clientID)
	return m.store.Delete(ctx, clientID)
}

// Save persists the session's current state.
func (m *Manager) Save(ctx context.Context, sess *Session) error {
	return m.store.Save(ctx, sess)
}

// GenerateClientID returns a fresh server-assigned client id.
func (m *Manager) GenerateClientID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return m.assignedIDPrefix + hex.EncodeToString(raw[:]), nil
}

// ActiveCount returns the number of connected sessions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// ActiveSessions returns the client ids of connected sessions.
func (m *Manager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) expiryLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.expiryTicker.C:
			m.collectExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) collectExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := m.store.List(ctx)
	if err != nil {
		return
	}

	for _, id := range ids {
		m.mu.Lock()
		if _, connected := m.active[id]; connected {
			m.mu.Unlock()
			continue
		}
		sess, err := m.store.Load(ctx, id)
		if err == nil && sess.IsExpired() {
			_ = m.store.Delete(ctx, id)
		}
		m.mu.Unlock()
	}
}

// Close stops the expiry sweeper and closes the store.
func (m *Manager) Close() error {
	close(m.stopCh)
	m.expiryTicker.Stop()
	m.wg.Wait()
	return m.store.Close()
}
