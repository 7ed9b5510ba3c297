package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/myqtt/myqtt/encoding"
)

// State is the protocol state of one client session.
type State int32

const (
	// StateInitialAccept: transport ready, CONNECT not yet parsed.
	StateInitialAccept State = iota
	// StateAwaitingTLS: TLS handshake in progress.
	StateAwaitingTLS
	// StateWaitConnect: waiting for the CONNECT packet.
	StateWaitConnect
	// StateConnected: CONNACK(Accepted) sent, session live.
	StateConnected
	// StateDisconnecting: DISCONNECT received, teardown in progress.
	StateDisconnecting
	// StateClosed: session over.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitialAccept:
		return "initial-accept"
	case StateAwaitingTLS:
		return "awaiting-tls"
	case StateWaitConnect:
		return "wait-connect"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Will is the message published on behalf of a client that closes
// abnormally.
type Will struct {
	Topic   string
	Payload []byte
	QoS     encoding.QoS
	Retain  bool
}

// Session is the per-connection protocol state shared by the broker and
// client library. Mutable fields are guarded by the mutex; they are written
// by the worker currently dispatching a frame for the connection.
type Session struct {
	mu sync.RWMutex

	ClientID     string
	AssignedID   bool // server-generated id for an empty-id clean session
	CleanSession bool
	KeepAlive    uint16
	Username     string
	ServerName   string // TLS SNI, empty without TLS

	state atomic.Int32

	will *Will

	// Subscriptions of this session: filter -> granted QoS.
	subscriptions map[string]encoding.QoS

	CreatedAt      time.Time
	DisconnectedAt time.Time
}

// New creates a session in the initial-accept state.
func New() *Session {
	s := &Session{
		subscriptions: make(map[string]encoding.QoS),
		CreatedAt:     time.Now(),
	}
	s.state.Store(int32(StateInitialAccept))
	return s
}

// FromConnect populates the session from a parsed CONNECT packet.
func (s *Session) FromConnect(pkt *encoding.ConnectPacket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ClientID = pkt.ClientID
	s.CleanSession = pkt.CleanSession
	s.KeepAlive = pkt.KeepAlive
	s.Username = pkt.Username

	if pkt.WillFlag {
		s.will = &Will{
			Topic:   pkt.WillTopic,
			Payload: pkt.WillPayload,
			QoS:     pkt.WillQoS,
			Retain:  pkt.WillRetain,
		}
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// SetState moves the session to a new state.
func (s *Session) SetState(state State) {
	s.state.Store(int32(state))
	if state == StateDisconnecting || state == StateClosed {
		s.mu.Lock()
		s.DisconnectedAt = time.Now()
		s.mu.Unlock()
	}
}

// Will returns the session's Will, or nil.
func (s *Session) Will() *Will {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.will
}

// ClearWill drops the Will; a graceful DISCONNECT must not publish it.
func (s *Session) ClearWill() {
	s.mu.Lock()
	s.will = nil
	s.mu.Unlock()
}

// TakeWill returns the Will exactly once, clearing it. A second caller sees
// nil, which keeps abnormal-close Will delivery single-shot.
func (s *Session) TakeWill() *Will {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.will
	s.will = nil
	return w
}

// AddSubscription records a granted subscription.
func (s *Session) AddSubscription(filter string, qos encoding.QoS) {
	s.mu.Lock()
	s.subscriptions[filter] = qos
	s.mu.Unlock()
}

// RemoveSubscription drops a subscription. Returns true if it existed.
func (s *Session) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[filter]; !ok {
		return false
	}
	delete(s.subscriptions, filter)
	return true
}

// Subscriptions returns a copy of the session's subscription map.
func (s *Session) Subscriptions() map[string]encoding.QoS {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]encoding.QoS, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		out[filter] = qos
	}
	return out
}
