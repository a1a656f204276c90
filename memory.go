package parley

import (
	"sync"
	"time"
)

// MemoryStore is the persistence contract for the three memory layers
// scripts can address explicitly: bot memory keyed by (bot, key), user
// memory keyed by (user, key), and ephemeral memory keyed by
// (user, bot, key) with a mandatory expiry.
//
// Getters are total at the script boundary: a miss or an expired entry
// is (Null, nil), never an error. Writes are per-key atomic upserts
// with last-writer-wins semantics; no cross-key transactions.
type MemoryStore interface {
	SetBotMemory(botID, key string, v Value) error
	GetBotMemory(botID, key string) (Value, error)

	SetUserMemory(userID, key string, v Value) error
	GetUserMemory(userID, key string) (Value, error)
	ClearUserMemory(userID string) error

	Remember(userID, botID, key string, v Value, ttl time.Duration) error
	Recall(userID, botID, key string) (Value, error)
	Forget(userID, botID, key string) error
}

// MemStore is the in-process MemoryStore used by tests and embedded
// runtimes. Serving deployments use the SQLite store in package serve.
type MemStore struct {
	mu        sync.RWMutex
	bot       map[string]Value
	user      map[string]Value
	ephemeral map[string]ephemeralEntry
}

type ephemeralEntry struct {
	v       Value
	expires time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		bot:       make(map[string]Value),
		user:      make(map[string]Value),
		ephemeral: make(map[string]ephemeralEntry),
	}
}

func memKey(parts ...string) string {
	key := parts[0]
	for _, p := range parts[1:] {
		key += "\x00" + p
	}
	return key
}

// SetBotMemory upserts a (bot, key) entry.
func (m *MemStore) SetBotMemory(botID, key string, v Value) error {
	m.mu.Lock()
	m.bot[memKey(botID, key)] = v
	m.mu.Unlock()
	return nil
}

// GetBotMemory reads a (bot, key) entry; misses are Null.
func (m *MemStore) GetBotMemory(botID, key string) (Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.bot[memKey(botID, key)]; ok {
		return v, nil
	}
	return Null, nil
}

// SetUserMemory upserts a (user, key) entry.
func (m *MemStore) SetUserMemory(userID, key string, v Value) error {
	m.mu.Lock()
	m.user[memKey(userID, key)] = v
	m.mu.Unlock()
	return nil
}

// GetUserMemory reads a (user, key) entry; misses are Null.
func (m *MemStore) GetUserMemory(userID, key string) (Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.user[memKey(userID, key)]; ok {
		return v, nil
	}
	return Null, nil
}

// ClearUserMemory removes all permanent entries for a user.
func (m *MemStore) ClearUserMemory(userID string) error {
	prefix := memKey(userID) + "\x00"
	m.mu.Lock()
	for k := range m.user {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.user, k)
		}
	}
	m.mu.Unlock()
	return nil
}

// Remember upserts an ephemeral (user, bot, key) entry with an expiry.
func (m *MemStore) Remember(userID, botID, key string, v Value, ttl time.Duration) error {
	m.mu.Lock()
	m.ephemeral[memKey(userID, botID, key)] = ephemeralEntry{v: v, expires: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Recall reads an ephemeral entry; missing or expired entries are Null.
func (m *MemStore) Recall(userID, botID, key string) (Value, error) {
	k := memKey(userID, botID, key)
	m.mu.RLock()
	e, ok := m.ephemeral[k]
	m.mu.RUnlock()
	if !ok {
		return Null, nil
	}
	if time.Now().After(e.expires) {
		m.mu.Lock()
		delete(m.ephemeral, k)
		m.mu.Unlock()
		return Null, nil
	}
	return e.v, nil
}

// Forget removes an ephemeral entry.
func (m *MemStore) Forget(userID, botID, key string) error {
	m.mu.Lock()
	delete(m.ephemeral, memKey(userID, botID, key))
	m.mu.Unlock()
	return nil
}
