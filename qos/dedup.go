// Package qos holds the receiver-side QoS 2 state the broker keeps per
// connection. The exactly-once flow uses method B: a QoS 2 PUBLISH is
// routed on first sight of its packet id, and redeliveries with the same
// id are acknowledged but not routed again until PUBREL releases the id.
package qos

import (
	"sync"
)

// DefaultDedupSize bounds the per-connection dedup set. The protocol caps
// inflight ids at 65535 so the bound only matters for misbehaving clients.
const DefaultDedupSize = 1024

// Dedup tracks QoS 2 packet ids between PUBLISH and PUBREL.
type Dedup struct {
	mu      sync.Mutex
	entries map[uint16]uint64 // packet id -> admission sequence
	seq     uint64
	maxSize int
}

// NewDedup returns a dedup set holding at most maxSize ids; 0 uses the
// default bound.
func NewDedup(maxSize int) *Dedup {
	if maxSize <= 0 {
		maxSize = DefaultDedupSize
	}
	return &Dedup{
		entries: make(map[uint16]uint64),
		maxSize: maxSize,
	}
}

// Begin records a packet id, reporting false if the id is already pending
// (a redelivered PUBLISH that must not be routed again). When the set is
// full the oldest entry is evicted.
func (d *Dedup) Begin(packetID uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.entries[packetID]; dup {
		return false
	}
	if len(d.entries) >= d.maxSize {
		d.evictOldestLocked()
	}
	d.seq++
	d.entries[packetID] = d.seq
	return true
}

// Release clears a packet id on PUBREL, reporting whether it was pending.
func (d *Dedup) Release(packetID uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.entries[packetID]; !ok {
		return false
	}
	delete(d.entries, packetID)
	return true
}

// IDs returns the pending packet ids in no particular order.
func (d *Dedup) IDs() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint16, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of pending ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Dedup) evictOldestLocked() {
	var oldest uint16
	var oldestSeq uint64
	first := true
	for id, seq := range d.entries {
		if first || seq < oldestSeq {
			oldest = id
			oldestSeq = seq
			first = false
		}
	}
	if !first {
		delete(d.entries, oldest)
	}
}
