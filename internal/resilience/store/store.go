// Package store abstracts the remote key-value store used for cross-instance
// coordination. All shared mutations are expressed as atomic operations
// (increment, set-if-absent, compare-and-swap) so correctness never depends
// on in-process mutexes held across instances. The store is injected as a
// dependency everywhere; tests substitute the in-memory implementation.
package store

import (
	"context"
	"time"
)

// Store is the shared state abstraction consumed by the breaker registry and
// the distributed cache tier. Implementations must make every method atomic
// with respect to concurrent callers, including callers in other processes.
type Store interface {
	// Incr atomically increments the integer at key and returns the new
	// value. Missing keys start at zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value only if the key is absent. Returns true if the
	// write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Expire sets a TTL on an existing key. Used to turn plain counters
	// into windowed counters.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// CompareAndSwap atomically replaces old with new at key. An empty old
	// value means "expect the key to be absent". Returns true if the swap
	// happened.
	CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// DelPrefix removes every key with the given prefix.
	DelPrefix(ctx context.Context, prefix string) error
}
