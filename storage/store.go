package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/myqtt/myqtt/encoding"
)

// Store is the durable per-client message and subscription store for one
// domain. All disk I/O happens in the worker servicing the frame; there is
// no global storage lock, per-client isolation relies on unique client_id
// directories.
type Store struct {
	root    string
	buckets int

	mu     sync.Mutex
	loaded bool
	closed bool

	// Per-client stored payload bytes, cached after the first full scan and
	// updated incrementally on every store/release.
	quota map[string]int64
	// Per-client stored message count, maintained alongside quota.
	counts map[string]int
}

// New creates a store rooted at root. buckets <= 0 selects DefaultBuckets.
func New(root string, buckets int) *Store {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	return &Store{
		root:    root,
		buckets: buckets,
		quota:   make(map[string]int64),
		counts:  make(map[string]int),
	}
}

// Root returns the storage root path.
func (s *Store) Root() string {
	return s.root
}

// InitClient creates the client's directory layout. Idempotent.
func (s *Store) InitClient(clientID string) error {
	if err := validClientID(clientID); err != nil {
		return err
	}
	for _, dir := range []string{
		s.msgsDir(clientID),
		s.subsDir(clientID),
		s.pkgidsDir(clientID),
		s.willDir(clientID),
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("init client storage: %w", err)
		}
	}
	return nil
}

// HasClient reports whether a storage directory exists for clientID,
// meaning prior persisted state is present.
func (s *Store) HasClient(clientID string) bool {
	if validClientID(clientID) != nil {
		return false
	}
	info, err := os.Stat(s.clientDir(clientID))
	return err == nil && info.IsDir()
}

// StoreMessage writes the payload atomically and returns an opaque handle
// (the file path). The payload size is added to the client's quota cache.
func (s *Store) StoreMessage(clientID string, packetID uint16, qos encoding.QoS, payload []byte) (string, error) {
	if err := validClientID(clientID); err != nil {
		return "", err
	}

	dir := s.msgsDir(clientID)
	name := msgFileName(packetID, len(payload), qos, time.Now())
	path := filepath.Join(dir, name)

	// Write to a dot-file first so scanners never observe a partial message;
	// the scanner skips dot-files.
	tmp := filepath.Join(dir, "."+name)
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return "", fmt.Errorf("store message: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store message: %w", err)
	}

	s.mu.Lock()
	s.quota[clientID] += int64(len(payload))
	s.counts[clientID]++
	s.mu.Unlock()

	return path, nil
}

// ReleaseMessage unlinks a stored message and decrements the quota cache. A
// missing file is idempotent success.
func (s *Store) ReleaseMessage(clientID, handle string) error {
	if handle == "" {
		return ErrInvalidHandle
	}

	meta, err := parseMsgFileName(filepath.Base(handle))
	if err != nil {
		return err
	}

	if err := os.Remove(handle); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("release message: %w", err)
	}

	s.mu.Lock()
	s.quota[clientID] -= int64(meta.Size)
	if s.quota[clientID] < 0 {
		s.quota[clientID] = 0
	}
	if s.counts[clientID] > 0 {
		s.counts[clientID]--
	}
	s.mu.Unlock()

	return nil
}

// QueuedMessages enumerates the client's stored messages ordered by their
// filename timestamps, oldest first. Bodies are not read; use ReadMessage.
func (s *Store) QueuedMessages(clientID string) ([]QueuedMessage, error) {
	if err := validClientID(clientID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.msgsDir(clientID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	msgs := make([]QueuedMessage, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		meta, err := parseMsgFileName(name)
		if err != nil {
			continue
		}
		meta.Path = filepath.Join(s.msgsDir(clientID), name)
		msgs = append(msgs, meta)
	}

	// Stable insertion sort on the filename timestamp; entries with equal
	// stamps keep directory order.
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].Stamp.Before(msgs[j-1].Stamp); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}

	return msgs, nil
}

// ReadMessage returns the payload for a handle returned by StoreMessage or
// enumerated by QueuedMessages.
func (s *Store) ReadMessage(handle string) ([]byte, error) {
	return os.ReadFile(handle)
}

// LockPacketID claims a packet id for the client using an exclusive create.
// Returns ErrPacketIDInUse when the id is already locked.
func (s *Store) LockPacketID(clientID string, packetID uint16) error {
	if err := validClientID(clientID); err != nil {
		return err
	}

	path := filepath.Join(s.pkgidsDir(clientID), strconv.Itoa(int(packetID)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrPacketIDInUse
		}
		return fmt.Errorf("lock packet id: %w", err)
	}
	return f.Close()
}

// UnlockPacketID releases a packet id lock. Missing lock files are ignored.
func (s *Store) UnlockPacketID(clientID string, packetID uint16) {
	path := filepath.Join(s.pkgidsDir(clientID), strconv.Itoa(int(packetID)))
	os.Remove(path)
}

// StoredSubscription is one persisted (filter, granted QoS) pair.
type StoredSubscription struct {
	ClientID string
	Filter   string
	QoS      encoding.QoS
}

// RecordSubscription persists a subscription. Idempotent for an existing
// (client, filter) pair; the granted QoS is overwritten.
func (s *Store) RecordSubscription(clientID, filter string, qos encoding.QoS) error {
	if err := validClientID(clientID); err != nil {
		return err
	}

	dir := filepath.Join(s.subsDir(clientID), hashBucket(filter, s.buckets))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("record subscription: %w", err)
	}

	body := fmt.Sprintf("%s\n%d\n", filter, qos)
	path := filepath.Join(dir, hashName(filter))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("record subscription: %w", err)
	}
	return nil
}

// RemoveSubscription deletes a persisted subscription. Missing entries are
// ignored.
func (s *Store) RemoveSubscription(clientID, filter string) {
	path := filepath.Join(s.subsDir(clientID), hashBucket(filter, s.buckets), hashName(filter))
	os.Remove(path)
}

// Subscriptions reads every persisted subscription of a client.
func (s *Store) Subscriptions(clientID string) ([]StoredSubscription, error) {
	if err := validClientID(clientID); err != nil {
		return nil, err
	}
	return s.readSubsDir(clientID)
}

func (s *Store) readSubsDir(clientID string) ([]StoredSubscription, error) {
	root := s.subsDir(clientID)
	buckets, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var subs []StoredSubscription
	for _, bucket := range buckets {
		if !bucket.IsDir() || strings.HasPrefix(bucket.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, bucket.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() || strings.HasPrefix(file.Name(), ".") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, bucket.Name(), file.Name()))
			if err != nil {
				continue
			}
			sub, err := parseSubscriptionFile(clientID, data)
			if err != nil {
				continue
			}
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func parseSubscriptionFile(clientID string, data []byte) (StoredSubscription, error) {
	lines := strings.SplitN(strings.TrimRight(string(data), "\n"), "\n", 2)
	if len(lines) != 2 {
		return StoredSubscription{}, ErrBadMessageName
	}
	qos, err := strconv.ParseUint(lines[1], 10, 8)
	if err != nil || qos > 2 {
		return StoredSubscription{}, ErrBadMessageName
	}
	return StoredSubscription{
		ClientID: clientID,
		Filter:   lines[0],
		QoS:      encoding.QoS(qos),
	}, nil
}

// Quota returns the cached stored payload bytes for a client, scanning the
// client's msgs directory on first use.
func (s *Store) Quota(clientID string) int64 {
	s.mu.Lock()
	if q, ok := s.quota[clientID]; ok {
		s.mu.Unlock()
		return q
	}
	s.mu.Unlock()

	var total int64
	var count int
	msgs, _ := s.QueuedMessages(clientID)
	for _, m := range msgs {
		total += int64(m.Size)
		count++
	}

	s.mu.Lock()
	s.quota[clientID] = total
	s.counts[clientID] = count
	s.mu.Unlock()
	return total
}

// MessageCount returns the cached stored message count for a client.
func (s *Store) MessageCount(clientID string) int {
	s.mu.Lock()
	_, ok := s.counts[clientID]
	s.mu.Unlock()
	if !ok {
		s.Quota(clientID) // populates both caches
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[clientID]
}

// RemoveClient deletes every trace of a client, used when a clean-session
// client connects over prior state.
func (s *Store) RemoveClient(clientID string) error {
	if err := validClientID(clientID); err != nil {
		return err
	}
	if err := os.RemoveAll(s.clientDir(clientID)); err != nil {
		return fmt.Errorf("remove client storage: %w", err)
	}
	s.mu.Lock()
	delete(s.quota, clientID)
	delete(s.counts, clientID)
	s.mu.Unlock()
	return nil
}

// ClearPacketIDs removes every packet-id lock for a client.
func (s *Store) ClearPacketIDs(clientID string) {
	entries, err := os.ReadDir(s.pkgidsDir(clientID))
	if err != nil {
		return
	}
	for _, entry := range entries {
		os.Remove(filepath.Join(s.pkgidsDir(clientID), entry.Name()))
	}
}
