package session

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/myqtt/myqtt/network"
)

// Entry binds a live session to its connection in the manager's client-id
// table.
type Entry struct {
	Session *Session
	Conn    *network.Connection
}

// ManagerConfig tunes client-id conflict handling.
type ManagerConfig struct {
	// DropOldOnConflict: a new CONNECT with a taken client id kills the
	// previous connection. When false, the old socket is probed for
	// liveness and the new CONNECT is refused if it is still alive.
	DropOldOnConflict bool
	// ProbeRetries and ProbeDelay bound the liveness probe of the old
	// socket.
	ProbeRetries int
	ProbeDelay   time.Duration
	// AssignedIDPrefix prefixes server-generated client ids.
	AssignedIDPrefix string
}

// DefaultManagerConfig matches the engine defaults: probe the old socket up
// to 10 times, 10ms apart.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ProbeRetries:     10,
		ProbeDelay:       10 * time.Millisecond,
		AssignedIDPrefix: "myqtt-",
	}
}

// Manager holds one domain's live-connections table keyed by client id. A
// live session with a non-empty client id is unique within the table.
type Manager struct {
	config ManagerConfig

	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool
}

// NewManager creates an empty manager.
func NewManager(config ManagerConfig) *Manager {
	if config.ProbeRetries == 0 {
		config.ProbeRetries = 10
	}
	if config.ProbeDelay == 0 {
		config.ProbeDelay = 10 * time.Millisecond
	}
	if config.AssignedIDPrefix == "" {
		config.AssignedIDPrefix = "myqtt-"
	}
	return &Manager{
		config:  config,
		entries: make(map[string]*Entry),
	}
}

// Attach claims clientID for (sess, conn). On a conflict the previous
// connection is either returned for shutdown (drop-old policy) or probed;
// a still-live previous connection refuses the new one with
// ErrClientIDInUse.
func (m *Manager) Attach(clientID string, sess *Session, conn *network.Connection) (*network.Connection, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	old, exists := m.entries[clientID]
	if !exists {
		m.entries[clientID] = &Entry{Session: sess, Conn: conn}
		m.mu.Unlock()
		return nil, nil
	}
	m.mu.Unlock()

	if !m.config.DropOldOnConflict {
		if m.probeAlive(old.Conn) {
			return nil, ErrClientIDInUse
		}
	}

	m.mu.Lock()
	// Re-check: the table may have changed while probing.
	current, exists := m.entries[clientID]
	if exists && current != old {
		m.mu.Unlock()
		return nil, ErrClientIDInUse
	}
	m.entries[clientID] = &Entry{Session: sess, Conn: conn}
	m.mu.Unlock()

	return old.Conn, nil
}

// probeAlive retries the non-blocking peek on the old socket; the contested
// id is only stolen once the peer is provably gone.
func (m *Manager) probeAlive(conn *network.Connection) bool {
	for i := 0; i < m.config.ProbeRetries; i++ {
		if !conn.PeerAlive() {
			return false
		}
		time.Sleep(m.config.ProbeDelay)
	}
	return true
}

// Detach removes clientID from the table, but only when it is still bound
// to conn: a takeover must not be undone by the loser's teardown.
func (m *Manager) Detach(clientID string, conn *network.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[clientID]; ok && entry.Conn == conn {
		delete(m.entries, clientID)
	}
}

// Get returns the live entry for clientID.
func (m *Manager) Get(clientID string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[clientID]
	return entry, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Each calls fn for every live entry. fn must not call back into the
// manager.
func (m *Manager) Each(fn func(clientID string, entry *Entry)) {
	m.mu.RLock()
	snapshot := make(map[string]*Entry, len(m.entries))
	for clientID, entry := range m.entries {
		snapshot[clientID] = entry
	}
	m.mu.RUnlock()

	for clientID, entry := range snapshot {
		fn(clientID, entry)
	}
}

// GenerateClientID creates a server-assigned id for an empty-id clean
// session.
func (m *Manager) GenerateClientID() string {
	var buf [8]byte
	rand.Read(buf[:])
	return m.config.AssignedIDPrefix + hex.EncodeToString(buf[:])
}

// Close empties the table. Connections are not closed here; the broker
// owns connection teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.entries = make(map[string]*Entry)
}
