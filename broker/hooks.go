package broker

import (
	"sync"

	"github.com/myqtt/myqtt/types/message"
)

// PublishAction is a publish policy hook's verdict.
type PublishAction int

const (
	// PublishOk lets the message fan out.
	PublishOk PublishAction = iota
	// PublishDiscard drops the message silently. The ACK protocol is not
	// broken: for QoS > 0 the publisher is still acknowledged once routing
	// returns, whatever the verdict.
	PublishDiscard
	// PublishCloseConn terminates the publisher.
	PublishCloseConn
)

// PublishHook runs before fan-out. Hooks run in registration order; the
// first non-Ok verdict short-circuits the chain.
type PublishHook func(d *Domain, client *Client, msg *message.Message) PublishAction

// StoreHook runs before a QoS 1/2 message is persisted for a subscriber,
// whether it is queued for an offline client or held in flight for an
// online one. Returning false rejects storage and drops that subscriber's
// copy; the publisher's acknowledgment is not withheld.
type StoreHook func(d *Domain, clientID string, msg *message.Message) bool

// ReleaseHook runs after a stored message is unlinked.
type ReleaseHook func(d *Domain, clientID string, handle string)

// AcceptHook runs when a CONNECT passed domain dispatch, before CONNACK.
// Returning false refuses the connection as not authorized.
type AcceptHook func(d *Domain, client *Client) bool

// hookChain holds the broker's ordered handler chains.
type hookChain struct {
	mu        sync.RWMutex
	onPublish []PublishHook
	onStore   []StoreHook
	onRelease []ReleaseHook
	onAccept  []AcceptHook
}

func (h *hookChain) addPublish(hook PublishHook) {
	h.mu.Lock()
	h.onPublish = append(h.onPublish, hook)
	h.mu.Unlock()
}

func (h *hookChain) addStore(hook StoreHook) {
	h.mu.Lock()
	h.onStore = append(h.onStore, hook)
	h.mu.Unlock()
}

func (h *hookChain) addRelease(hook ReleaseHook) {
	h.mu.Lock()
	h.onRelease = append(h.onRelease, hook)
	h.mu.Unlock()
}

func (h *hookChain) addAccept(hook AcceptHook) {
	h.mu.Lock()
	h.onAccept = append(h.onAccept, hook)
	h.mu.Unlock()
}

func (h *hookChain) runPublish(d *Domain, client *Client, msg *message.Message) PublishAction {
	h.mu.RLock()
	hooks := h.onPublish
	h.mu.RUnlock()

	for _, hook := range hooks {
		if action := hook(d, client, msg); action != PublishOk {
			return action
		}
	}
	return PublishOk
}

func (h *hookChain) runStore(d *Domain, clientID string, msg *message.Message) bool {
	h.mu.RLock()
	hooks := h.onStore
	h.mu.RUnlock()

	for _, hook := range hooks {
		if !hook(d, clientID, msg) {
			return false
		}
	}
	return true
}

func (h *hookChain) runRelease(d *Domain, clientID, handle string) {
	h.mu.RLock()
	hooks := h.onRelease
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook(d, clientID, handle)
	}
}

func (h *hookChain) runAccept(d *Domain, client *Client) bool {
	h.mu.RLock()
	hooks := h.onAccept
	h.mu.RUnlock()

	for _, hook := range hooks {
		if !hook(d, client) {
			return false
		}
	}
	return true
}
