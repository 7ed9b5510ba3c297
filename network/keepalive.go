package network

import (
	"sync"
	"time"
)

// KeepAliveTracker enforces MQTT keep-alive on the reactor's scheduled
// events: a connection whose negotiated keep-alive is non-zero must show
// inbound traffic within 1.5 times that interval, or it is torn down as an
// unnotified close (publishing the Will).
type KeepAliveTracker struct {
	mu      sync.Mutex
	entries map[uint64]*keepAliveEntry
}

type keepAliveEntry struct {
	conn     *Connection
	deadline time.Duration
}

// KeepAliveGrace is the multiplier applied to the negotiated keep-alive
// per MQTT 3.1.1 section 3.1.2.10.
const KeepAliveGrace = 1.5

// NewKeepAliveTracker creates a tracker and arms its periodic check on the
// reactor's event queue.
func NewKeepAliveTracker(reactor *Reactor, checkInterval time.Duration) *KeepAliveTracker {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}

	t := &KeepAliveTracker{
		entries: make(map[uint64]*keepAliveEntry),
	}

	reactor.Events().Schedule(checkInterval, func(now time.Time) bool {
		for _, conn := range t.expired(now) {
			reactor.CloseConn(conn, CloseUnnotified)
		}
		return false
	})

	return t
}

// Track starts watching a connection. keepAliveSecs of zero disables the
// timer for that connection.
func (t *KeepAliveTracker) Track(conn *Connection, keepAliveSecs uint16) {
	if keepAliveSecs == 0 {
		return
	}

	deadline := time.Duration(float64(keepAliveSecs) * KeepAliveGrace * float64(time.Second))

	t.mu.Lock()
	t.entries[conn.ID()] = &keepAliveEntry{conn: conn, deadline: deadline}
	t.mu.Unlock()
}

// Untrack stops watching a connection.
func (t *KeepAliveTracker) Untrack(conn *Connection) {
	t.mu.Lock()
	delete(t.entries, conn.ID())
	t.mu.Unlock()
}

// expired collects connections whose last inbound byte is older than their
// deadline. Any inbound byte resets the clock because Connection.Read
// touches the activity stamp.
func (t *KeepAliveTracker) expired(now time.Time) []*Connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Connection
	for id, entry := range t.entries {
		if entry.conn.State() != StateConnected {
			delete(t.entries, id)
			continue
		}
		if now.Sub(entry.conn.LastActivity()) > entry.deadline {
			out = append(out, entry.conn)
			delete(t.entries, id)
		}
	}
	return out
}

// Count returns the number of tracked connections.
func (t *KeepAliveTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
