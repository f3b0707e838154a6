package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned by Store.Load when no session exists for an
// identifier. Unknown identifiers are routine (expired sessions, cookies
// forged by an attacker probing for fixation) and never an error condition.
var ErrNotFound = errors.New("session not found")

// Store persists session payloads keyed by opaque identifier. The TTL
// passed to Save implements the idle timeout: every request re-saves the
// session and thereby pushes the expiry forward.
type Store interface {
	Load(ctx context.Context, id string) (*Data, error)
	Save(ctx context.Context, id string, data *Data, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store used in tests and single-node
// development. Expiry is lazy: entries past their deadline are discarded
// on the next Load.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Load retrieves and decodes a session payload. Returns ErrNotFound for
// unknown or expired identifiers.
func (m *MemoryStore) Load(ctx context.Context, id string) (*Data, error) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if ok && m.now().After(entry.expiresAt) {
		delete(m.entries, id)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}

	var data Data
	if err := json.Unmarshal(entry.payload, &data); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &data, nil
}

// Save serializes and stores a session payload with the given TTL.
// The payload is serialized on write so later mutations of the caller's
// Data do not leak into the store, mirroring Redis semantics.
func (m *MemoryStore) Save(ctx context.Context, id string, data *Data, ttl time.Duration) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	m.mu.Lock()
	m.entries[id] = memoryEntry{payload: payload, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Delete removes a session. Deleting an absent session is a no-op.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}
