package session

import (
	"context"
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/fxamacker/cbor/v2"
)

var sessionPrefix = []byte("session:")

// PebbleStore is a Pebble-based implementation of the Store interface for
// domains that persist session metadata on local disk.
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

// PebbleStoreConfig configures the Pebble store.
type PebbleStoreConfig struct {
	Path string
	Opts *pebble.Options
}

// NewPebbleStore opens (or creates) the database at config.Path.
func NewPebbleStore(config PebbleStoreConfig) (*PebbleStore, error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}

	return &PebbleStore{db: db}, nil
}

func sessionKey(clientID string) []byte {
	key := make([]byte, 0, len(sessionPrefix)+len(clientID))
	key = append(key, sessionPrefix...)
	key = append(key, clientID...)
	return key
}

func (s *PebbleStore) Save(ctx context.Context, record *Record) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	data, err := cbor.Marshal(record)
	if err != nil {
		return err
	}

	return s.db.Set(sessionKey(record.ClientID), data, pebble.Sync)
}

func (s *PebbleStore) Load(ctx context.Context, clientID string) (*Record, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	data, closer, err := s.db.Get(sessionKey(clientID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	defer closer.Close()

	var record Record
	if err := cbor.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *PebbleStore) Delete(ctx context.Context, clientID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	return s.db.Delete(sessionKey(clientID), pebble.Sync)
}

func (s *PebbleStore) Exists(ctx context.Context, clientID string) (bool, error) {
	_, err := s.Load(ctx, clientID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	return false, err
}

func (s *PebbleStore) List(ctx context.Context) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(append([]byte{}, sessionPrefix...), 0xFF),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(sessionPrefix):]))
	}
	return ids, iter.Error()
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
