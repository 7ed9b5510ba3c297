package qos

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myqtt/myqtt/encoding"
	"github.com/myqtt/myqtt/types/message"
)

// harness collects everything the handler does so tests can assert on the
// full side-effect trail.
type harness struct {
	mu        sync.Mutex
	sent      []encoding.Packet
	delivered []*message.Message
	stored    map[string]*message.Message
	released  []string
	locked    map[uint16]bool
	storeSeq  int
	rejectAll bool
}

func newHarness() *harness {
	return &harness{
		stored: make(map[string]*message.Message),
		locked: make(map[uint16]bool),
	}
}

func (h *harness) callbacks() Callbacks {
	return Callbacks{
		Send: func(pkt encoding.Packet) error {
			h.mu.Lock()
			h.sent = append(h.sent, pkt)
			h.mu.Unlock()
			return nil
		},
		Deliver: func(msg *message.Message) error {
			h.mu.Lock()
			h.delivered = append(h.delivered, msg)
			h.mu.Unlock()
			return nil
		},
		Store: func(msg *message.Message) (string, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.rejectAll {
				return "", ErrStorageRejected
			}
			h.storeSeq++
			handle := string(rune('a' + h.storeSeq))
			h.stored[handle] = msg
			return handle, nil
		},
		Release: func(handle string) {
			h.mu.Lock()
			delete(h.stored, handle)
			h.released = append(h.released, handle)
			h.mu.Unlock()
		},
		LockPacketID: func(packetID uint16) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.locked[packetID] {
				return false
			}
			h.locked[packetID] = true
			return true
		},
		UnlockPacketID: func(packetID uint16) {
			h.mu.Lock()
			delete(h.locked, packetID)
			h.mu.Unlock()
		},
	}
}

func (h *harness) sentTypes() []encoding.PacketType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]encoding.PacketType, len(h.sent))
	for i, pkt := range h.sent {
		out[i] = pkt.Header().Type
	}
	return out
}

func (h *harness) deliveredCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivered)
}

func (h *harness) storedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stored)
}

func testConfig() *Config {
	return &Config{
		MaxInflight:      64,
		RetryInterval:    time.Hour, // retries disabled for most tests
		MaxRetries:       3,
		RetryBackoff:     2.0,
		MaxRetryInterval: time.Hour,
	}
}

func TestSendPublishQoS0(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	packetID, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS0, false))
	require.NoError(t, err)
	assert.Equal(t, uint16(0), packetID, "QoS 0 keeps no state")
	assert.Equal(t, 0, handler.InflightCount())
	assert.Equal(t, 0, h.storedCount())
	assert.Equal(t, []encoding.PacketType{encoding.PUBLISH}, h.sentTypes())
}

func TestQoS1FlowReleasesExactlyOnce(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	packetID, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
	require.NoError(t, err)
	require.NotZero(t, packetID)
	assert.Equal(t, 1, handler.InflightCount())
	assert.Equal(t, 1, h.storedCount())
	assert.True(t, h.locked[packetID], "packet id locked while in use")

	require.NoError(t, handler.HandlePuback(packetID))
	assert.Equal(t, 0, handler.InflightCount())
	assert.Equal(t, 0, h.storedCount(), "stored message released")
	assert.False(t, h.locked[packetID], "packet id freed")
	assert.Len(t, h.released, 1)

	// A duplicate PUBACK must not double-release.
	require.ErrorIs(t, handler.HandlePuback(packetID), ErrPacketIDNotFound)
	assert.Len(t, h.released, 1)
}

func TestQoS2FourStepHandshake(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	packetID, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS2, false))
	require.NoError(t, err)

	require.NoError(t, handler.HandlePubrec(packetID))
	assert.Equal(t, []encoding.PacketType{encoding.PUBLISH, encoding.PUBREL}, h.sentTypes())
	assert.Equal(t, 1, h.storedCount(), "storage held until PUBCOMP")

	// A second PUBREC for the same id is not found (already past that half).
	require.ErrorIs(t, handler.HandlePubrec(packetID), ErrPacketIDNotFound)

	require.NoError(t, handler.HandlePubcomp(packetID))
	assert.Equal(t, 0, handler.InflightCount())
	assert.Equal(t, 0, h.storedCount())
	assert.False(t, h.locked[packetID])

	require.ErrorIs(t, handler.HandlePubcomp(packetID), ErrPacketIDNotFound)
}

func TestInboundQoS0(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	msg := message.New(0, "t", []byte("x"), encoding.QoS0, false)
	require.NoError(t, handler.HandleInboundPublish(msg))
	assert.Equal(t, 1, h.deliveredCount())
	assert.Empty(t, h.sentTypes(), "no ack for QoS 0")
}

func TestInboundQoS1DeliversThenAcks(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	msg := message.New(10, "t", []byte("x"), encoding.QoS1, false)
	require.NoError(t, handler.HandleInboundPublish(msg))
	assert.Equal(t, 1, h.deliveredCount())
	assert.Equal(t, []encoding.PacketType{encoding.PUBACK}, h.sentTypes())
}

func TestInboundQoS2ExactlyOnce(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	msg := message.New(10, "t", []byte("x"), encoding.QoS2, false)
	require.NoError(t, handler.HandleInboundPublish(msg))
	assert.Equal(t, 1, h.deliveredCount())
	assert.Equal(t, []encoding.PacketType{encoding.PUBREC}, h.sentTypes())

	// Retransmission with the same packet id: acknowledged, not redelivered.
	dup := message.New(10, "t", []byte("x"), encoding.QoS2, false)
	dup.DUP = true
	require.NoError(t, handler.HandleInboundPublish(dup))
	assert.Equal(t, 1, h.deliveredCount(), "exactly-once delivery")
	assert.Equal(t, []encoding.PacketType{encoding.PUBREC, encoding.PUBREC}, h.sentTypes())

	// PUBREL completes the receiver side and unlocks the id.
	require.NoError(t, handler.HandlePubrel(10))
	assert.Equal(t, []encoding.PacketType{encoding.PUBREC, encoding.PUBREC, encoding.PUBCOMP}, h.sentTypes())
	assert.False(t, h.locked[10])

	// A fresh publish with the recycled id delivers again.
	again := message.New(10, "t", []byte("y"), encoding.QoS2, false)
	require.NoError(t, handler.HandleInboundPublish(again))
	assert.Equal(t, 2, h.deliveredCount())
}

func TestStorageRejectionDropsWithoutSend(t *testing.T) {
	h := newHarness()
	h.rejectAll = true
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	_, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
	require.ErrorIs(t, err, ErrStorageRejected)
	assert.Empty(t, h.sentTypes())
	assert.Equal(t, 0, handler.InflightCount())
	assert.False(t, h.locked[1], "packet id returned on rejection")
}

func TestPacketIDsNeverOverlap(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	seen := make(map[uint16]bool)
	for i := 0; i < 20; i++ {
		packetID, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
		require.NoError(t, err)
		assert.False(t, seen[packetID], "id %d reused while outstanding", packetID)
		seen[packetID] = true
	}
	assert.Equal(t, 20, handler.InflightCount())
}

func TestInflightWindowFull(t *testing.T) {
	h := newHarness()
	cfg := testConfig()
	cfg.MaxInflight = 2
	handler := NewHandler(cfg, h.callbacks())
	defer handler.Close()

	for i := 0; i < 2; i++ {
		_, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
		require.NoError(t, err)
	}

	_, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
	require.ErrorIs(t, err, ErrInflightFull)
}

func TestWaitReply(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	packetID, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- handler.WaitReply(packetID, -1)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, handler.HandlePuback(packetID))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestWaitReplyTimeoutSemantics(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	packetID, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
	require.NoError(t, err)

	// Zero means non-blocking.
	require.ErrorIs(t, handler.WaitReply(packetID, 0), ErrWouldBlock)

	// Positive microseconds bound the wait.
	start := time.Now()
	require.ErrorIs(t, handler.WaitReply(packetID, 20_000), ErrWaitTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCloseCancelsWaiters(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())

	packetID, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- handler.WaitReply(packetID, -1)
	}()

	time.Sleep(10 * time.Millisecond)
	handler.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrWaitCanceled)
	case <-time.After(time.Second):
		t.Fatal("waiter not canceled on close")
	}
}

func TestRetransmitSetsDUP(t *testing.T) {
	h := newHarness()
	cfg := testConfig()
	cfg.RetryInterval = 20 * time.Millisecond
	cfg.MaxRetryInterval = 50 * time.Millisecond
	handler := NewHandler(cfg, h.callbacks())
	defer handler.Close()

	_, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.sent) >= 2
	}, 2*time.Second, 10*time.Millisecond, "expected a retransmission")

	h.mu.Lock()
	defer h.mu.Unlock()
	first := h.sent[0].(*encoding.PublishPacket)
	second := h.sent[1].(*encoding.PublishPacket)
	assert.False(t, first.FixedHeader.DUP)
	assert.True(t, second.FixedHeader.DUP, "resend carries DUP=1")
	assert.Equal(t, first.PacketID, second.PacketID)
}

func TestPendingSnapshot(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	_, err := handler.SendPublish(message.New(0, "a", []byte("1"), encoding.QoS1, false))
	require.NoError(t, err)
	_, err = handler.SendPublish(message.New(0, "b", []byte("2"), encoding.QoS2, false))
	require.NoError(t, err)

	assert.Len(t, handler.Pending(), 2)
}

func TestReserveIDSharesPublishIDSpace(t *testing.T) {
	h := newHarness()
	handler := NewHandler(testConfig(), h.callbacks())
	defer handler.Close()

	pubID, err := handler.SendPublish(message.New(0, "t", []byte("x"), encoding.QoS1, false))
	require.NoError(t, err)

	subID, err := handler.ReserveID()
	require.NoError(t, err)
	assert.NotEqual(t, pubID, subID)

	// A reserved id is invisible to the ack paths and the pending snapshot.
	assert.ErrorIs(t, handler.HandlePuback(subID), ErrPacketIDNotFound)
	assert.Len(t, handler.Pending(), 1)

	handler.ReleaseID(subID)
	reused, err := handler.ReserveID()
	require.NoError(t, err)
	handler.ReleaseID(reused)
}
