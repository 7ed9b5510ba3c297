package qos

import (
	"sync"
	"time"

	"github.com/myqtt/myqtt/encoding"
	"github.com/myqtt/myqtt/types/message"
)

// Config holds delivery engine configuration for one connection.
type Config struct {
	MaxInflight      uint16
	RetryInterval    time.Duration
	MaxRetries       int
	RetryBackoff     float64
	MaxRetryInterval time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxInflight:      65535,
		RetryInterval:    5 * time.Second,
		MaxRetries:       5,
		RetryBackoff:     2.0,
		MaxRetryInterval: 60 * time.Second,
	}
}

// Callbacks binds the engine to its connection and storage.
type Callbacks struct {
	// Send writes an encoded control packet to the peer.
	Send func(pkt encoding.Packet) error
	// Deliver pushes an inbound application message to the router.
	Deliver func(msg *message.Message) error
	// Store persists an outbound QoS 1/2 message and returns its handle. It
	// MAY reject storage (quota or count limits); the message is then not
	// sent and the caller sees ErrStorageRejected.
	Store func(msg *message.Message) (string, error)
	// Release unlinks a stored message after the final ack.
	Release func(handle string)
	// LockPacketID and UnlockPacketID guard receiver-side exactly-once
	// processing for inbound QoS 2 publishes.
	LockPacketID   func(packetID uint16) bool
	UnlockPacketID func(packetID uint16)
	// OnMaxRetry is invoked when an outbound message exhausts its retries.
	OnMaxRetry func(msg *message.Message)
}

// inflightState tracks one outbound QoS 1/2 message through its handshake.
// control entries reserve the id for a SUBSCRIBE/UNSUBSCRIBE exchange and
// carry no message.
type inflightState struct {
	msg     *message.Message
	handle  string
	pubrel  bool // QoS 2: PUBREC seen, PUBREL outstanding
	control bool
	retries int
	nextTry time.Time
}

// Handler is the per-connection delivery engine. Outbound publishes are
// serialized by the caller; inbound acks arrive in frame-dispatch order.
type Handler struct {
	config *Config
	cb     Callbacks

	mu           sync.Mutex
	outbound     map[uint16]*inflightState
	nextPacketID uint16
	closed       bool

	waiters *waitReply

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHandler creates a delivery engine bound to one connection.
func NewHandler(config *Config, cb Callbacks) *Handler {
	if config == nil {
		config = DefaultConfig()
	}

	h := &Handler{
		config:       config,
		cb:           cb,
		outbound:     make(map[uint16]*inflightState),
		nextPacketID: 1,
		waiters:      newWaitReply(),
		stopCh:       make(chan struct{}),
	}

	h.wg.Add(1)
	go h.retryLoop()

	return h
}

// allocatePacketID claims a free 16-bit id. An id stays in use from
// allocation until the final ack arrives; a wrapped-around id never overlaps
// an outstanding use. Must be called with h.mu held.
func (h *Handler) allocatePacketID() (uint16, error) {
	for i := 0; i < 65535; i++ {
		packetID := h.nextPacketID
		h.nextPacketID++
		if h.nextPacketID == 0 {
			h.nextPacketID = 1
		}

		if _, exists := h.outbound[packetID]; exists {
			continue
		}
		if h.cb.LockPacketID != nil && !h.cb.LockPacketID(packetID) {
			continue
		}
		return packetID, nil
	}
	return 0, ErrPacketIDExhausted
}

func (h *Handler) freePacketID(packetID uint16) {
	if h.cb.UnlockPacketID != nil {
		h.cb.UnlockPacketID(packetID)
	}
}

// SendPublish sends an application message at its QoS level. For QoS 1/2
// the message is persisted before the wire write and the returned packet id
// can be passed to WaitReply. QoS 0 returns packet id 0.
func (h *Handler) SendPublish(msg *message.Message) (uint16, error) {
	if !msg.QoS.IsValid() {
		return 0, ErrInvalidQoS
	}

	if msg.QoS == encoding.QoS0 {
		msg.PacketID = 0
		return 0, h.cb.Send(msg.ToPublish())
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrHandlerClosed
	}
	if len(h.outbound) >= int(h.config.MaxInflight) {
		h.mu.Unlock()
		return 0, ErrInflightFull
	}

	packetID, err := h.allocatePacketID()
	if err != nil {
		h.mu.Unlock()
		return 0, err
	}
	msg.PacketID = packetID

	handle := ""
	if h.cb.Store != nil {
		handle, err = h.cb.Store(msg)
		if err != nil {
			h.freePacketID(packetID)
			h.mu.Unlock()
			return 0, err
		}
	}

	state := &inflightState{
		msg:     msg,
		handle:  handle,
		nextTry: time.Now().Add(h.config.RetryInterval),
	}
	h.outbound[packetID] = state
	h.mu.Unlock()

	msg.MarkAttempt()
	if err := h.cb.Send(msg.ToPublish()); err != nil {
		h.discard(packetID)
		return 0, err
	}

	return packetID, nil
}

// ReserveID claims a packet id for a SUBSCRIBE/UNSUBSCRIBE exchange. The id
// comes from the same space as outbound PUBLISH ids, so no two outstanding
// uses on one connection overlap. Release it with ReleaseID once the
// matching SUBACK/UNSUBACK arrives or the wait gives up.
func (h *Handler) ReserveID() (uint16, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHandlerClosed
	}
	packetID, err := h.allocatePacketID()
	if err != nil {
		return 0, err
	}
	h.outbound[packetID] = &inflightState{control: true}
	return packetID, nil
}

// ReleaseID frees a packet id claimed by ReserveID.
func (h *Handler) ReleaseID(packetID uint16) {
	h.mu.Lock()
	state, exists := h.outbound[packetID]
	if exists && state.control {
		delete(h.outbound, packetID)
	}
	h.mu.Unlock()

	if exists && state.control {
		h.freePacketID(packetID)
	}
}

// WaitReply blocks until the final acknowledgment for packetID arrives
// (PUBACK for QoS 1, PUBCOMP for QoS 2). Timeout is in microseconds: zero
// means non-blocking, negative means infinite.
func (h *Handler) WaitReply(packetID uint16, timeoutUsec int64) error {
	ch := h.waiters.register(packetID)
	return await(ch, timeoutUsec)
}

// HandleInboundPublish processes a PUBLISH received from the peer.
func (h *Handler) HandleInboundPublish(msg *message.Message) error {
	switch msg.QoS {
	case encoding.QoS0:
		return h.cb.Deliver(msg)

	case encoding.QoS1:
		// Deliver first, ack after: an at-least-once peer retries on a lost
		// ack and duplicates are acceptable.
		if err := h.cb.Deliver(msg); err != nil {
			return err
		}
		return h.cb.Send(&encoding.PubackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK}, PacketID: msg.PacketID})

	case encoding.QoS2:
		// First occurrence locks the packet id; a duplicate with the same id
		// is acknowledged but not redelivered.
		first := true
		if h.cb.LockPacketID != nil {
			first = h.cb.LockPacketID(msg.PacketID)
		}
		if first {
			if err := h.cb.Deliver(msg); err != nil {
				if h.cb.UnlockPacketID != nil {
					h.cb.UnlockPacketID(msg.PacketID)
				}
				return err
			}
		}
		return h.cb.Send(&encoding.PubrecPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC}, PacketID: msg.PacketID})

	default:
		return ErrInvalidQoS
	}
}

// HandlePubrel processes an inbound PUBREL (receiver side of QoS 2): reply
// PUBCOMP and unlock the packet id.
func (h *Handler) HandlePubrel(packetID uint16) error {
	if h.cb.UnlockPacketID != nil {
		h.cb.UnlockPacketID(packetID)
	}
	return h.cb.Send(&encoding.PubcompPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP}, PacketID: packetID})
}

// HandlePuback completes a QoS 1 flow: release storage, free the id,
// resolve any waiter.
func (h *Handler) HandlePuback(packetID uint16) error {
	h.mu.Lock()
	state, exists := h.outbound[packetID]
	if !exists || state.control || state.msg.QoS != encoding.QoS1 {
		h.mu.Unlock()
		return ErrPacketIDNotFound
	}
	delete(h.outbound, packetID)
	h.mu.Unlock()

	h.finish(packetID, state, nil)
	return nil
}

// HandlePubrec advances a QoS 2 flow to its PUBREL half. The stored message
// is kept until PUBCOMP so a crash between the halves can still retransmit.
func (h *Handler) HandlePubrec(packetID uint16) error {
	h.mu.Lock()
	state, exists := h.outbound[packetID]
	if !exists || state.control || state.msg.QoS != encoding.QoS2 || state.pubrel {
		h.mu.Unlock()
		return ErrPacketIDNotFound
	}
	state.pubrel = true
	state.retries = 0
	state.nextTry = time.Now().Add(h.config.RetryInterval)
	h.mu.Unlock()

	return h.cb.Send(&encoding.PubrelPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREL}, PacketID: packetID})
}

// HandlePubcomp completes a QoS 2 flow.
func (h *Handler) HandlePubcomp(packetID uint16) error {
	h.mu.Lock()
	state, exists := h.outbound[packetID]
	if !exists || !state.pubrel {
		h.mu.Unlock()
		return ErrPacketIDNotFound
	}
	delete(h.outbound, packetID)
	h.mu.Unlock()

	h.finish(packetID, state, nil)
	return nil
}

// finish releases the resources of a completed or abandoned flow and
// resolves its waiter.
func (h *Handler) finish(packetID uint16, state *inflightState, reason error) {
	if state.handle != "" && h.cb.Release != nil {
		h.cb.Release(state.handle)
	}
	h.freePacketID(packetID)
	h.waiters.resolve(packetID, reason)
}

// discard drops an inflight entry without resolving its waiter, used when
// the initial send itself failed.
func (h *Handler) discard(packetID uint16) {
	h.mu.Lock()
	state, exists := h.outbound[packetID]
	if exists {
		delete(h.outbound, packetID)
	}
	h.mu.Unlock()

	if exists {
		if state.handle != "" && h.cb.Release != nil {
			h.cb.Release(state.handle)
		}
		h.freePacketID(packetID)
		h.waiters.cancel(packetID)
	}
}

// InflightCount returns the number of outstanding outbound flows.
func (h *Handler) InflightCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outbound)
}

// retryLoop retransmits unacknowledged messages with DUP=1 (or resends
// PUBREL for flows past PUBREC), backing off exponentially up to
// MaxRetryInterval.
func (h *Handler) retryLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.RetryInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case now := <-ticker.C:
			h.retryDue(now)
		}
	}
}

func (h *Handler) retryDue(now time.Time) {
	type resend struct {
		packetID uint16
		state    *inflightState
	}

	h.mu.Lock()
	var due []resend
	var expired []resend
	for packetID, state := range h.outbound {
		if state.control || state.nextTry.After(now) {
			continue
		}
		if h.config.MaxRetries > 0 && state.retries >= h.config.MaxRetries {
			delete(h.outbound, packetID)
			expired = append(expired, resend{packetID, state})
			continue
		}
		state.retries++
		interval := float64(h.config.RetryInterval)
		for i := 0; i < state.retries; i++ {
			interval *= h.config.RetryBackoff
		}
		if interval > float64(h.config.MaxRetryInterval) {
			interval = float64(h.config.MaxRetryInterval)
		}
		state.nextTry = now.Add(time.Duration(interval))
		due = append(due, resend{packetID, state})
	}
	h.mu.Unlock()

	for _, r := range due {
		if r.state.pubrel {
			_ = h.cb.Send(&encoding.PubrelPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREL}, PacketID: r.packetID})
			continue
		}
		r.state.msg.MarkAttempt()
		_ = h.cb.Send(r.state.msg.ToPublish())
	}

	for _, r := range expired {
		h.finish(r.packetID, r.state, ErrWaitTimeout)
		if h.cb.OnMaxRetry != nil {
			h.cb.OnMaxRetry(r.state.msg)
		}
	}
}

// Pending returns the inflight messages still awaiting acknowledgment,
// used to persist state at disconnect.
func (h *Handler) Pending() []*message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*message.Message, 0, len(h.outbound))
	for _, state := range h.outbound {
		if state.control {
			continue
		}
		out = append(out, state.msg)
	}
	return out
}

// Close shuts the engine down. Every outstanding waiter resolves with
// ErrWaitCanceled. Stored messages are NOT released: they stay on disk for
// a clean_session=false reconnect.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	close(h.stopCh)
	h.wg.Wait()
	h.waiters.close(ErrWaitCanceled)
}
