package topic

import (
	"sync"
)

// Subscription is the full per-client subscription record kept alongside
// the trie for session resume and unsubscribe-all.
type Subscription struct {
	ClientID               string
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
}

// Router pairs the subscription trie with per-client bookkeeping so a
// disconnecting client's filters can be walked without scanning the trie.
type Router struct {
	trie *Trie

	mu            sync.RWMutex
	subscriptions map[string]map[string]*Subscription // clientID -> filter -> sub
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		trie:          NewTrie(),
		subscriptions: make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers sub, replacing any prior subscription by the same
// client on the same filter.
func (r *Router) Subscribe(sub *Subscription) error {
	info := SubscriberInfo{
		ClientID:               sub.ClientID,
		QoS:                    sub.QoS,
		NoLocal:                sub.NoLocal,
		RetainAsPublished:      sub.RetainAsPublished,
		RetainHandling:         sub.RetainHandling,
		SubscriptionIdentifier: sub.SubscriptionIdentifier,
	}

	if err := r.trie.Subscribe(sub.TopicFilter, info); err != nil {
		return err
	}

	r.mu.Lock()
	if r.subscriptions[sub.ClientID] == nil {
		r.subscriptions[sub.ClientID] = make(map[string]*Subscription)
	}
	r.subscriptions[sub.ClientID][sub.TopicFilter] = sub
	r.mu.Unlock()

	return nil
}

// Unsubscribe removes the client's subscription on filter, reporting
// whether one existed.
func (r *Router) Unsubscribe(clientID, filter string) bool {
	found := r.trie.Unsubscribe(filter, clientID)

	r.mu.Lock()
	if subs, ok := r.subscriptions[clientID]; ok {
		delete(subs, filter)
		if len(subs) == 0 {
			delete(r.subscriptions, clientID)
		}
	}
	r.mu.Unlock()

	return found
}

// UnsubscribeAll removes every subscription held by clientID and returns
// how many were dropped.
func (r *Router) UnsubscribeAll(clientID string) int {
	r.mu.Lock()
	subs, ok := r.subscriptions[clientID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	filters := make([]string, 0, len(subs))
	for filter := range subs {
		filters = append(filters, filter)
	}
	delete(r.subscriptions, clientID)
	r.mu.Unlock()

	count := 0
	for _, filter := range filters {
		if r.trie.Unsubscribe(filter, clientID) {
			count++
		}
	}
	return count
}

// Match returns the subscriptions matching topic, one entry per matching
// filter. The protocol permits duplicate delivery to a client whose
// filters overlap; callers may dedupe taking the maximum QoS.
func (r *Router) Match(topic string) []SubscriberInfo {
	return r.trie.Match(topic)
}

// GetSubscription returns the client's subscription on an exact filter.
func (r *Router) GetSubscription(clientID, filter string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if subs, ok := r.subscriptions[clientID]; ok {
		sub, ok := subs[filter]
		return sub, ok
	}
	return nil, false
}

// ClientSubscriptions returns every subscription held by clientID.
func (r *Router) ClientSubscriptions(clientID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs, ok := r.subscriptions[clientID]
	if !ok {
		return nil
	}
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}

// Count returns the total number of subscriptions.
func (r *Router) Count() int {
	return r.trie.Count()
}

// CountClients returns the number of clients holding subscriptions.
func (r *Router) CountClients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions)
}
