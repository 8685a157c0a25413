// Package store holds the broker's retained message index.
package store

import (
	"strings"
	"sync"
	"time"

	"github.com/nimbusmq/nimbus/topic"
	"github.com/nimbusmq/nimbus/types/message"
)

// RetainedStore is a trie of retained messages keyed by topic. A retained
// PUBLISH replaces the previous message on its topic; an empty payload
// deletes it (MQTT 5.0 section 3.3.1.3). Matching walks a subscription
// filter against the stored topics, so '#' and '+' replay every retained
// message they cover.
type RetainedStore struct {
	mu    sync.RWMutex
	root  *retainedNode
	count int
}

type retainedNode struct {
	children map[string]*retainedNode
	msg      *message.Message
}

func newRetainedNode() *retainedNode {
	return &retainedNode{children: make(map[string]*retainedNode)}
}

// NewRetainedStore returns an empty store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{root: newRetainedNode()}
}

// Set stores msg as the retained message for its topic. A nil or empty
// payload removes the retained message instead.
func (r *RetainedStore) Set(msg *message.Message) error {
	if err := topic.ValidateTopic(msg.Topic); err != nil {
		return err
	}

	if len(msg.Payload) == 0 {
		r.Delete(msg.Topic)
		return nil
	}

	levels := strings.Split(msg.Topic, "/")

	r.mu.Lock()
	defer r.mu.Unlock()

	node := r.root
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			child = newRetainedNode()
			node.children[level] = child
		}
		node = child
	}
	if node.msg == nil {
		r.count++
	}
	node.msg = msg
	return nil
}

// Get returns the retained message on an exact topic, or nil.
func (r *RetainedStore) Get(topicName string) *message.Message {
	levels := strings.Split(topicName, "/")

	r.mu.RLock()
	defer r.mu.RUnlock()

	node := r.root
	for _, level := range levels {
		child, ok := node.children[level]
		if !ok {
			return nil
		}
		node = child
	}
	if node.msg != nil && node.msg.IsExpired() {
		return nil
	}
	return node.msg
}

// Delete removes the retained message on topicName, pruning empty nodes.
func (r *RetainedStore) Delete(topicName string) {
	levels := strings.Split(topicName, "/")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(r.root, levels)
}

func (r *RetainedStore) deleteLocked(node *retainedNode, levels []string) bool {
	if len(levels) == 0 {
		if node.msg != nil {
			node.msg = nil
			r.count--
		}
		return len(node.children) == 0
	}

	child, ok := node.children[levels[0]]
	if !ok {
		return false
	}
	if r.deleteLocked(child, levels[1:]) && child.msg == nil {
		delete(node.children, levels[0])
	}
	return len(node.children) == 0 && node.msg == nil
}

// Match returns the retained messages whose topics match filter. Wildcard
// filters do not cross into '$'-prefixed topics unless the filter itself
// starts with '$' (MQTT 5.0 section 4.7.2).
func (r *RetainedStore) Match(filter string) []*message.Message {
	if topic.ValidateFilter(filter) != nil {
		return nil
	}

	levels := strings.Split(filter, "/")

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*message.Message
	now := time.Now()
	r.matchLocked(r.root, levels, true, &out, now)
	return out
}

func (r *RetainedStore) matchLocked(node *retainedNode, levels []string, atRoot bool, out *[]*message.Message, now time.Time) {
	if len(levels) == 0 {
		appendLive(out, node.msg, now)
		return
	}

	level := levels[0]
	switch level {
	case "#":
		r.collectLocked(node, atRoot, out, now)
	case "+":
		for name, child := range node.children {
			if atRoot && strings.HasPrefix(name, "$") {
				continue
			}
			r.matchLocked(child, levels[1:], false, out, now)
		}
	default:
		if child, ok := node.children[level]; ok {
			r.matchLocked(child, levels[1:], false, out, now)
		}
	}
}

// collectLocked gathers every retained message at or below node.
func (r *RetainedStore) collectLocked(node *retainedNode, atRoot bool, out *[]*message.Message, now time.Time) {
	appendLive(out, node.msg, now)
	for name, child := range node.children {
		if atRoot && strings.HasPrefix(name, "$") {
			continue
		}
		r.collectLocked(child, false, out, now)
	}
}

func appendLive(out *[]*message.Message, msg *message.Message, now time.Time) {
	if msg == nil {
		return
	}
	if msg.Expiry > 0 && now.Sub(msg.CreatedAt) > time.Duration(msg.Expiry)*time.Second {
		return
	}
	*out = append(*out, msg)
}

// CleanupExpired drops retained messages whose expiry interval elapsed and
// returns how many were removed.
func (r *RetainedStore) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	now := time.Now()
	r.cleanupLocked(r.root, now, &removed)
	return removed
}

func (r *RetainedStore) cleanupLocked(node *retainedNode, now time.Time, removed *int) {
	if node.msg != nil && node.msg.Expiry > 0 && now.Sub(node.msg.CreatedAt) > time.Duration(node.msg.Expiry)*time.Second {
		node.msg = nil
		r.count--
		*removed++
	}
	for name, child := range node.children {
		r.cleanupLocked(child, now, removed)
		if child.msg == nil && len(child.children) == 0 {
			delete(node.children, name)
		}
	}
}

// Count returns the number of retained messages.
func (r *RetainedStore) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
