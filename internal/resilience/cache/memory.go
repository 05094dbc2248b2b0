package cache

import (
	"strings"
	"sync"
	"time"
)

// Entry is one cached representation. Entries are immutable once published:
// Store replaces the map slot with a fresh Entry instead of mutating in
// place, so a reader holding a reference never observes a half-updated one.
type Entry struct {
	ETag      string
	Payload   []byte
	StoredAt  time.Time
	expiresAt time.Time
}

// memoryTier is the in-process cache tier: fastest, smallest, shortest TTL.
// It is an optimization only; the distributed tier and the origin stay
// authoritative, so an instance restart costs performance, not correctness.
type memoryTier struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

func newMemoryTier() *memoryTier {
	return &memoryTier{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

func (t *memoryTier) get(key string) (*Entry, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !t.now().Before(e.expiresAt) {
		t.mu.Lock()
		// Re-check under the write lock; a fresher entry may have landed.
		if cur, ok := t.entries[key]; ok && cur == e {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		return nil, false
	}
	return e, true
}

func (t *memoryTier) set(key string, e *Entry, ttl time.Duration) {
	if ttl > 0 {
		e.expiresAt = t.now().Add(ttl)
	}
	t.mu.Lock()
	t.entries[key] = e
	t.mu.Unlock()
}

func (t *memoryTier) delete(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

func (t *memoryTier) deletePrefix(prefix string) {
	t.mu.Lock()
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()
}
