package qos

import (
	"sync"
	"time"
)

// waitReply is the per-connection table mapping packet ids to waiters.
// Senders blocking for an acknowledgment register here; the frame dispatch
// path resolves the entry when the matching ack arrives. Closing the table
// resolves every outstanding waiter with a failure reason.
type waitReply struct {
	mu      sync.Mutex
	waiters map[uint16]chan error
	closed  bool
}

func newWaitReply() *waitReply {
	return &waitReply{waiters: make(map[uint16]chan error)}
}

// register creates the waiter slot for packetID. Must be called before the
// packet is written so the reply cannot race the registration.
func (w *waitReply) register(packetID uint16) <-chan error {
	ch := make(chan error, 1)
	w.mu.Lock()
	if w.closed {
		ch <- ErrWaitCanceled
	} else {
		w.waiters[packetID] = ch
	}
	w.mu.Unlock()
	return ch
}

// resolve completes the waiter for packetID, if any.
func (w *waitReply) resolve(packetID uint16, err error) {
	w.mu.Lock()
	ch, ok := w.waiters[packetID]
	if ok {
		delete(w.waiters, packetID)
	}
	w.mu.Unlock()
	if ok {
		ch <- err
	}
}

// cancel discards the waiter for packetID without resolving it.
func (w *waitReply) cancel(packetID uint16) {
	w.mu.Lock()
	delete(w.waiters, packetID)
	w.mu.Unlock()
}

// close resolves every outstanding waiter with reason.
func (w *waitReply) close(reason error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	waiters := w.waiters
	w.waiters = make(map[uint16]chan error)
	w.mu.Unlock()

	for _, ch := range waiters {
		ch <- reason
	}
}

// await blocks on ch honouring the microsecond timeout convention used by
// every blocking call in the engine: zero means non-blocking, negative
// means wait forever.
func await(ch <-chan error, timeoutUsec int64) error {
	switch {
	case timeoutUsec < 0:
		return <-ch
	case timeoutUsec == 0:
		select {
		case err := <-ch:
			return err
		default:
			return ErrWouldBlock
		}
	default:
		timer := time.NewTimer(time.Duration(timeoutUsec) * time.Microsecond)
		defer timer.Stop()
		select {
		case err := <-ch:
			return err
		case <-timer.C:
			return ErrWaitTimeout
		}
	}
}
