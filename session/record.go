package session

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nimbusmq/nimbus/encoding"
)

// sessionRecord is the serializable form of a Session used by the durable
// stores. CBOR keeps the encoding compact and handles the binary will
// payload without escaping.
type sessionRecord struct {
	ClientID       string                   `cbor:"1,keyasint"`
	AssignedID     bool                     `cbor:"2,keyasint"`
	CleanStart     bool                     `cbor:"3,keyasint"`
	State          State                    `cbor:"4,keyasint"`
	ExpiryInterval uint32                   `cbor:"5,keyasint"`
	KeepAlive      uint16                   `cbor:"6,keyasint"`
	Version        byte                     `cbor:"7,keyasint"`
	CreatedAt      time.Time                `cbor:"8,keyasint"`
	LastAccessedAt time.Time                `cbor:"9,keyasint"`
	DisconnectedAt time.Time                `cbor:"10,keyasint"`
	Will           *WillMessage             `cbor:"11,keyasint,omitempty"`
	Subscriptions  map[string]*Subscription `cbor:"12,keyasint"`
	PendingPubrel  []uint16                 `cbor:"13,keyasint,omitempty"`
}

func encodeSession(s *Session) ([]byte, error) {
	s.mu.RLock()
	rec := sessionRecord{
		ClientID:       s.ClientID,
		AssignedID:     s.AssignedID,
		CleanStart:     s.CleanStart,
		State:          s.State,
		ExpiryInterval: s.ExpiryInterval,
		KeepAlive:      s.KeepAlive,
		Version:        byte(s.Version),
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
		DisconnectedAt: s.DisconnectedAt,
		Will:           s.Will,
		Subscriptions:  s.Subscriptions,
	}
	for id := range s.PendingPubrel {
		rec.PendingPubrel = append(rec.PendingPubrel, id)
	}
	s.mu.RUnlock()

	return cbor.Marshal(&rec)
}

func decodeSession(data []byte) (*Session, error) {
	var rec sessionRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	s := &Session{
		ClientID:       rec.ClientID,
		AssignedID:     rec.AssignedID,
		CleanStart:     rec.CleanStart,
		State:          rec.State,
		ExpiryInterval: rec.ExpiryInterval,
		KeepAlive:      rec.KeepAlive,
		Version:        encoding.ProtocolVersion(rec.Version),
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		DisconnectedAt: rec.DisconnectedAt,
		Will:           rec.Will,
		Subscriptions:  rec.Subscriptions,
		PendingPubrel:  make(map[uint16]struct{}, len(rec.PendingPubrel)),
	}
	if s.Subscriptions == nil {
		s.Subscriptions = make(map[string]*Subscription)
	}
	for _, id := range rec.PendingPubrel {
		s.PendingPubrel[id] = struct{}{}
	}
	return s, nil
}
