package broker

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"
)

// UsersDB is a domain's flat-file credential store. Each non-comment line
// is "user:password"; a third field, when present, pins the entry to one
// client id ("user:password:client_id").
type UsersDB struct {
	mu    sync.RWMutex
	users map[string]userEntry
	path  string
}

type userEntry struct {
	password string
	clientID string
}

// LoadUsersDB reads the credential file. A missing file yields an empty,
// usable db so a domain can run anonymous.
func LoadUsersDB(path string) (*UsersDB, error) {
	db := &UsersDB{
		users: make(map[string]userEntry),
		path:  path,
	}

	if path == "" {
		return db, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, fmt.Errorf("users db: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 {
			continue
		}
		entry := userEntry{password: parts[1]}
		if len(parts) == 3 {
			entry.clientID = parts[2]
		}
		db.users[parts[0]] = entry
	}

	return db, scanner.Err()
}

// Authenticate checks a username/password pair in constant time.
func (db *UsersDB) Authenticate(username string, password []byte) bool {
	db.mu.RLock()
	entry, ok := db.users[username]
	db.mu.RUnlock()

	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(entry.password), password) == 1
}

// AllowsClientID reports whether a client id is admitted when the domain
// restricts ids: either the id is pinned to some user or no entry pins any.
func (db *UsersDB) AllowsClientID(clientID string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	pinned := false
	for _, entry := range db.users {
		if entry.clientID == "" {
			continue
		}
		if entry.clientID == clientID {
			return true
		}
		pinned = true
	}
	return !pinned
}

// HasUser reports whether a username exists.
func (db *UsersDB) HasUser(username string) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.users[username]
	return ok
}

// AddUser inserts or replaces a credential at runtime.
func (db *UsersDB) AddUser(username, password string) {
	db.mu.Lock()
	db.users[username] = userEntry{password: password}
	db.mu.Unlock()
}

// Count returns the number of entries.
func (db *UsersDB) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.users)
}
