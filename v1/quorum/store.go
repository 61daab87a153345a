package quorum

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// NodeStore is the per-node capability the quorum lock builds on: a
// conditional put that succeeds only when the key is absent or expired, and a
// delete that only removes the caller's own value. A network-backed store can
// substitute for the in-memory one without touching the orchestration logic.
type NodeStore interface {
	// TryPut stores value under key with the given TTL, only if no live entry
	// exists for key. It returns true when the entry was written.
	TryPut(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes the entry for key only if its stored value
	// equals value. It returns true when an entry was removed.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
}

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a single simulated node: a mutex-guarded map of keys to
// values with absolute expiry. An entry whose expiry has passed is logically
// absent; it is reaped lazily on the next access.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]entry
}

// NewMemoryStore returns a new in-memory node store. A nil clock defaults to
// the real clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, entries: make(map[string]entry)}
}

// TryPut implements NodeStore.TryPut.
func (s *MemoryStore) TryPut(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && s.clock.Now().Before(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = entry{value: value, expiresAt: s.clock.Now().Add(ttl)}
	return true, nil
}

// CompareAndDelete implements NodeStore.CompareAndDelete.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Value returns the live value stored for key, if any. Intended for
// inspection and tests.
func (s *MemoryStore) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !s.clock.Now().Before(e.expiresAt) {
		return "", false
	}
	return e.value, true
}
