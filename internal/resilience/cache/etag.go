package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"bastion/internal/resilience/store"
)

// Compute returns a strong ETag binding a resource version to a content
// digest. The version counter is monotonic per logical resource, so a tag
// observed by a reader can never roll backwards even when two writes carry
// identical bytes.
func Compute(version int64, payload []byte) string {
	return fmt.Sprintf("%q", fmt.Sprintf("v%d-%x", version, xxhash.Sum64(payload)))
}

// Weak converts a strong ETag into its weak form.
func Weak(etag string) string {
	if strings.HasPrefix(etag, "W/") {
		return etag
	}
	return "W/" + etag
}

// Match reports whether an If-None-Match style validator matches the stored
// ETag. Comparison is weak (RFC 9110 §8.8.3.2): the W/ prefix is ignored on
// both sides. The validator may carry a comma-separated list or "*".
func Match(validator, etag string) bool {
	if validator == "" || etag == "" {
		return false
	}
	if strings.TrimSpace(validator) == "*" {
		return true
	}
	target := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(validator, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == target {
			return true
		}
	}
	return false
}

// Versions issues monotonic version counters per logical resource, shared
// across instances through the state store. When the store is unreachable it
// falls back to a process-local counter: tags derived from it are slightly
// stale across the cluster (eventual consistency) but still never decrease
// for readers of this instance.
type Versions struct {
	store store.Store
	local sync.Map // key -> *atomic.Int64
}

// NewVersions creates a version counter source. A nil store is allowed and
// keeps all counters process-local.
func NewVersions(st store.Store) *Versions {
	return &Versions{store: st}
}

// Next returns the next version for the resource key.
func (v *Versions) Next(ctx context.Context, key string) int64 {
	if v.store != nil {
		if n, err := v.store.Incr(ctx, "ver:"+key); err == nil {
			return n
		}
	}
	counter, _ := v.local.LoadOrStore(key, &atomic.Int64{})
	return counter.(*atomic.Int64).Add(1)
}
