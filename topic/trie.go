package topic

import (
	"strings"
	"sync/atomic"
)

// SubscriberInfo is the routing metadata stored at a trie leaf. A client
// appears at most once per exact filter; re-subscribing replaces the entry.
type SubscriberInfo struct {
	ClientID               string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
}

// trieNode is an immutable trie node. Nodes are never mutated after being
// published through the root pointer; writers clone the path they touch.
type trieNode struct {
	children    map[string]*trieNode
	subscribers []SubscriberInfo
}

func (n *trieNode) clone() *trieNode {
	c := &trieNode{}
	if len(n.children) > 0 {
		c.children = make(map[string]*trieNode, len(n.children))
		for level, child := range n.children {
			c.children[level] = child
		}
	}
	if len(n.subscribers) > 0 {
		c.subscribers = make([]SubscriberInfo, len(n.subscribers))
		copy(c.subscribers, n.subscribers)
	}
	return c
}

func (n *trieNode) empty() bool {
	return len(n.children) == 0 && len(n.subscribers) == 0
}

// Trie is a wildcard-capable subscription index. Readers load the current
// root snapshot and walk it without locks; writers build a new root from
// cloned path nodes and publish it with a compare-and-swap, retrying on
// concurrent updates. A reader observes either the pre- or post-write
// state, never a torn one.
type Trie struct {
	root atomic.Pointer[trieNode]
}

// NewTrie returns an empty trie.
func NewTrie() *Trie {
	t := &Trie{}
	t.root.Store(&trieNode{})
	return t
}

// Subscribe adds sub under filter, replacing any existing entry for the
// same client on that exact filter.
func (t *Trie) Subscribe(filter string, sub SubscriberInfo) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}

	levels := splitLevels(filter)
	for {
		old := t.root.Load()
		if t.root.CompareAndSwap(old, insertSubscriber(old, levels, sub)) {
			return nil
		}
	}
}

func insertSubscriber(n *trieNode, levels []string, sub SubscriberInfo) *trieNode {
	c := n.clone()
	if len(levels) == 0 {
		for i := range c.subscribers {
			if c.subscribers[i].ClientID == sub.ClientID {
				c.subscribers[i] = sub
				return c
			}
		}
		c.subscribers = append(c.subscribers, sub)
		return c
	}

	child := n.children[levels[0]]
	if child == nil {
		child = &trieNode{}
	}
	if c.children == nil {
		c.children = make(map[string]*trieNode, 1)
	}
	c.children[levels[0]] = insertSubscriber(child, levels[1:], sub)
	return c
}

// Unsubscribe removes clientID's entry under filter, pruning nodes left
// empty. It reports whether a subscription existed.
func (t *Trie) Unsubscribe(filter, clientID string) bool {
	levels := splitLevels(filter)
	for {
		old := t.root.Load()
		next, found := removeSubscriber(old, levels, clientID)
		if !found {
			return false
		}
		if t.root.CompareAndSwap(old, next) {
			return true
		}
	}
}

func removeSubscriber(n *trieNode, levels []string, clientID string) (*trieNode, bool) {
	if len(levels) == 0 {
		for i := range n.subscribers {
			if n.subscribers[i].ClientID == clientID {
				c := n.clone()
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return c, true
			}
		}
		return nil, false
	}

	child := n.children[levels[0]]
	if child == nil {
		return nil, false
	}

	newChild, found := removeSubscriber(child, levels[1:], clientID)
	if !found {
		return nil, false
	}

	c := n.clone()
	if newChild.empty() {
		delete(c.children, levels[0])
		if len(c.children) == 0 {
			c.children = nil
		}
	} else {
		c.children[levels[0]] = newChild
	}
	return c, true
}

// Match returns every subscription matching topic. A client subscribed via
// several overlapping filters appears once per matching filter. Filters
// starting with a wildcard do not match topics whose first level starts
// with '$' (MQTT 5.0 section 4.7.2).
func (t *Trie) Match(topic string) []SubscriberInfo {
	if ValidateTopic(topic) != nil {
		return nil
	}

	levels := splitLevels(topic)
	dollar := strings.HasPrefix(levels[0], "$")

	var out []SubscriberInfo
	matchLevels(t.root.Load(), levels, dollar, &out)
	return out
}

func matchLevels(n *trieNode, levels []string, skipWildcards bool, out *[]SubscriberInfo) {
	if multi := n.children["#"]; multi != nil && !skipWildcards {
		*out = append(*out, multi.subscribers...)
	}

	if len(levels) == 0 {
		*out = append(*out, n.subscribers...)
		return
	}

	if exact := n.children[levels[0]]; exact != nil {
		matchLevels(exact, levels[1:], false, out)
	}
	if single := n.children["+"]; single != nil && !skipWildcards {
		matchLevels(single, levels[1:], false, out)
	}
}

// Count returns the total number of subscriptions in the current snapshot.
func (t *Trie) Count() int {
	return countSubscribers(t.root.Load())
}

func countSubscribers(n *trieNode) int {
	count := len(n.subscribers)
	for _, child := range n.children {
		count += countSubscribers(child)
	}
	return count
}

// Clear drops every subscription.
func (t *Trie) Clear() {
	t.root.Store(&trieNode{})
}
