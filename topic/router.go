package topic

import (
	"sync"

	"github.com/myqtt/myqtt/encoding"
)

// Subscriber is one routing-table entry: a client granted a QoS for one
// topic filter. Online entries belong to a live connection; offline entries
// survive for clean_session=false clients whose connection is gone.
type Subscriber struct {
	ClientID string
	Filter   string
	QoS      encoding.QoS
	Online   bool
}

// Router is a per-domain subscription table. Exact filters live in a direct
// topic map; filters containing wildcards live in a second map walked on
// every publish. For any (client, filter) pair at most one entry exists.
type Router struct {
	mu sync.RWMutex

	// topic filter -> client id -> entry
	exact    map[string]map[string]*Subscriber
	wildcard map[string]map[string]*Subscriber

	wildcardsDisabled bool
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		exact:    make(map[string]map[string]*Subscriber),
		wildcard: make(map[string]map[string]*Subscriber),
	}
}

// DisableWildcards makes every later wildcard SUBSCRIBE fail with
// ErrWildcardsDisabled. Existing entries are not touched.
func (r *Router) DisableWildcards(disabled bool) {
	r.mu.Lock()
	r.wildcardsDisabled = disabled
	r.mu.Unlock()
}

// WildcardsDisabled reports the current wildcard policy.
func (r *Router) WildcardsDisabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wildcardsDisabled
}

// Subscribe registers or replaces the (clientID, filter) entry. Replacing an
// existing entry updates the granted QoS in place, keeping the single-entry
// invariant.
func (r *Router) Subscribe(clientID, filter string, qos encoding.QoS, online bool) error {
	if err := ValidateFilter(filter); err != nil {
		return err
	}

	wild := HasWildcard(filter)

	r.mu.Lock()
	defer r.mu.Unlock()

	if wild && r.wildcardsDisabled {
		return ErrWildcardsDisabled
	}

	table := r.exact
	if wild {
		table = r.wildcard
	}

	bucket := table[filter]
	if bucket == nil {
		bucket = make(map[string]*Subscriber)
		table[filter] = bucket
	}
	bucket[clientID] = &Subscriber{
		ClientID: clientID,
		Filter:   filter,
		QoS:      qos,
		Online:   online,
	}
	return nil
}

// Unsubscribe removes the (clientID, filter) entry. Returns true if an entry
// existed.
func (r *Router) Unsubscribe(clientID, filter string) bool {
	table := r.exact
	if HasWildcard(filter) {
		table = r.wildcard
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := table[filter]
	if bucket == nil {
		return false
	}
	if _, ok := bucket[clientID]; !ok {
		return false
	}
	delete(bucket, clientID)
	if len(bucket) == 0 {
		delete(table, filter)
	}
	return true
}

// RemoveClient drops every entry belonging to clientID. Used when a
// clean-session client disconnects.
func (r *Router) RemoveClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for filter, bucket := range r.exact {
		if _, ok := bucket[clientID]; ok {
			delete(bucket, clientID)
			if len(bucket) == 0 {
				delete(r.exact, filter)
			}
		}
	}
	for filter, bucket := range r.wildcard {
		if _, ok := bucket[clientID]; ok {
			delete(bucket, clientID)
			if len(bucket) == 0 {
				delete(r.wildcard, filter)
			}
		}
	}
}

// SetOnline flips every entry of clientID between the online and offline
// subscriber sets, preserving filters and granted QoS.
func (r *Router) SetOnline(clientID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, bucket := range r.exact {
		if sub, ok := bucket[clientID]; ok {
			sub.Online = online
		}
	}
	for _, bucket := range r.wildcard {
		if sub, ok := bucket[clientID]; ok {
			sub.Online = online
		}
	}
}

// Match returns every subscriber whose filter matches topic: the exact
// bucket first, then each wildcard filter tested against the topic. Entries
// are copies; mutating them does not affect the table.
func (r *Router) Match(topic string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// A client may match through both an exact and a wildcard filter; the
	// highest granted QoS wins and one message is delivered.
	byClient := make(map[string]Subscriber)

	if bucket := r.exact[topic]; bucket != nil {
		for _, sub := range bucket {
			byClient[sub.ClientID] = *sub
		}
	}

	for filter, bucket := range r.wildcard {
		if !Match(filter, topic) {
			continue
		}
		for _, sub := range bucket {
			if prev, ok := byClient[sub.ClientID]; !ok || sub.QoS > prev.QoS {
				byClient[sub.ClientID] = *sub
			}
		}
	}

	out := make([]Subscriber, 0, len(byClient))
	for _, sub := range byClient {
		out = append(out, sub)
	}
	return out
}

// Subscriptions returns every entry belonging to clientID.
func (r *Router) Subscriptions(clientID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscriber
	for _, bucket := range r.exact {
		if sub, ok := bucket[clientID]; ok {
			out = append(out, *sub)
		}
	}
	for _, bucket := range r.wildcard {
		if sub, ok := bucket[clientID]; ok {
			out = append(out, *sub)
		}
	}
	return out
}

// Count returns the total number of entries.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, bucket := range r.exact {
		n += len(bucket)
	}
	for _, bucket := range r.wildcard {
		n += len(bucket)
	}
	return n
}
