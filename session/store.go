package session

import (
	"context"
	"time"

	"github.com/myqtt/myqtt/encoding"
)

// Record is the serializable session metadata persisted for
// clean_session=false clients so a reconnect can answer SessionPresent and
// restore subscriptions without rescanning disk queues.
type Record struct {
	ClientID       string                  `cbor:"1,keyasint"`
	CleanSession   bool                    `cbor:"2,keyasint"`
	Username       string                  `cbor:"3,keyasint"`
	KeepAlive      uint16                  `cbor:"4,keyasint"`
	Subscriptions  map[string]encoding.QoS `cbor:"5,keyasint"`
	Will           *Will                   `cbor:"6,keyasint,omitempty"`
	DisconnectedAt time.Time               `cbor:"7,keyasint"`
}

// RecordOf snapshots a session into its persisted form.
func RecordOf(s *Session) *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make(map[string]encoding.QoS, len(s.subscriptions))
	for filter, qos := range s.subscriptions {
		subs[filter] = qos
	}

	return &Record{
		ClientID:       s.ClientID,
		CleanSession:   s.CleanSession,
		Username:       s.Username,
		KeepAlive:      s.KeepAlive,
		Subscriptions:  subs,
		Will:           s.will,
		DisconnectedAt: s.DisconnectedAt,
	}
}

// Restore rebuilds a session from its persisted form.
func (r *Record) Restore() *Session {
	s := New()
	s.ClientID = r.ClientID
	s.CleanSession = r.CleanSession
	s.Username = r.Username
	s.KeepAlive = r.KeepAlive
	s.will = r.Will
	s.DisconnectedAt = r.DisconnectedAt
	for filter, qos := range r.Subscriptions {
		s.subscriptions[filter] = qos
	}
	return s
}

// Store is the interface for session metadata persistence.
type Store interface {
	// Save stores or updates a session record
	Save(ctx context.Context, record *Record) error

	// Load retrieves a record by client ID
	Load(ctx context.Context, clientID string) (*Record, error)

	// Delete removes a record
	Delete(ctx context.Context, clientID string) error

	// Exists checks if a record exists
	Exists(ctx context.Context, clientID string) (bool, error)

	// List returns all stored client IDs
	List(ctx context.Context) ([]string, error)

	// Close closes the store
	Close() error
}
