// Package cache implements the ETag-based conditional cache: an in-process
// memory tier in front of a distributed tier backed by the shared state
// store, with 304-style short-circuiting when a client validator matches.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"bastion/internal/resilience/metrics"
	"bastion/internal/resilience/models"
	"bastion/internal/resilience/store"
)

// Status is the outcome of a cache lookup.
type Status string

const (
	StatusHit         Status = "hit"
	StatusNotModified Status = "not_modified"
	StatusMiss        Status = "miss"
)

// Result carries a lookup outcome. NotModified results omit the payload:
// the whole point is skipping the transfer.
type Result struct {
	Status  Status
	Payload []byte
	ETag    string
	Tier    string
}

// Key builds the composite cache key for a resource representation.
func Key(resourceType, resourceID, scope string) string {
	if scope == "" {
		scope = "main"
	}
	return resourceType + ":" + resourceID + ":" + scope
}

// envelope is the distributed tier's wire format.
type envelope struct {
	ETag     string    `json:"etag"`
	Payload  []byte    `json:"payload,omitempty"`
	StoredAt time.Time `json:"stored_at"`
}

// Cache is the two-tier conditional cache. The distributed tier is
// best-effort: when the state store is unreachable, lookups degrade to Miss
// and stores skip the tier rather than failing the request.
type Cache struct {
	mem     *memoryTier
	store   store.Store
	memTTL  time.Duration
	distTTL time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

func WithMemoryTTL(d time.Duration) Option {
	return func(c *Cache) { c.memTTL = d }
}

func WithDistributedTTL(d time.Duration) Option {
	return func(c *Cache) { c.distTTL = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a Cache. A nil store disables the distributed tier
// (single-instance mode).
func New(st store.Store, opts ...Option) *Cache {
	c := &Cache{
		mem:     newMemoryTier(),
		store:   st,
		memTTL:  30 * time.Second,
		distTTL: 5 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetClock overrides the memory tier's time source. Test hook only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mem.now = now
}

// Lookup checks the memory tier, then the distributed tier. A validator
// matching the stored ETag yields NotModified without payload transfer;
// otherwise a present entry is a Hit. Distributed tier errors degrade to
// Miss so the caller falls through to the origin.
func (c *Cache) Lookup(ctx context.Context, key, validator string) Result {
	if e, ok := c.mem.get(key); ok {
		return c.resolve(e.ETag, e.Payload, validator, "memory")
	}

	if c.store == nil {
		c.metrics.IncCacheLookup(string(StatusMiss), "none")
		return Result{Status: StatusMiss}
	}

	// Concurrent lookups for the same key share one store round trip.
	v, err, _ := c.group.Do(key, func() (any, error) {
		raw, ok, err := c.store.Get(ctx, "cache:"+key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, err
		}
		return &env, nil
	})
	if err != nil {
		c.metrics.IncCacheStoreError()
		c.logger.WarnContext(ctx, "distributed cache tier degraded to miss", "key", key, "error", err)
		return Result{Status: StatusMiss}
	}
	env, _ := v.(*envelope)
	if env == nil {
		c.metrics.IncCacheLookup(string(StatusMiss), "distributed")
		return Result{Status: StatusMiss}
	}

	// Backfill the memory tier so the next lookup stays in-process.
	c.mem.set(key, &Entry{ETag: env.ETag, Payload: env.Payload, StoredAt: env.StoredAt}, c.memTTL)

	return c.resolve(env.ETag, env.Payload, validator, "distributed")
}

func (c *Cache) resolve(etag string, payload []byte, validator, tier string) Result {
	if Match(validator, etag) {
		c.metrics.IncCacheLookup(string(StatusNotModified), tier)
		return Result{Status: StatusNotModified, ETag: etag, Tier: tier}
	}
	c.metrics.IncCacheLookup(string(StatusHit), tier)
	return Result{Status: StatusHit, Payload: payload, ETag: etag, Tier: tier}
}

// Store writes a representation to both tiers. The previous entry is
// superseded, never mutated. A distributed tier failure is logged and
// counted but does not fail the request.
func (c *Cache) Store(ctx context.Context, key string, payload []byte, etag string) {
	now := c.mem.now()
	c.mem.set(key, &Entry{ETag: etag, Payload: payload, StoredAt: now}, c.memTTL)

	if c.store == nil {
		return
	}
	raw, err := json.Marshal(envelope{ETag: etag, Payload: payload, StoredAt: now})
	if err != nil {
		c.logger.WarnContext(ctx, "cache envelope encode failed", "key", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, "cache:"+key, string(raw), c.distTTL); err != nil {
		c.metrics.IncCacheStoreError()
		c.logger.WarnContext(ctx, "distributed cache store skipped", "key", key, "error", err)
	}
}

// Invalidate removes the entry for key from both tiers. Business logic must
// call this synchronously after a successful mutation, before acknowledging
// the write, or stale reads are possible until TTL expiry. A distributed
// tier failure is returned so the caller can decide whether to acknowledge.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mem.delete(key)
	if c.store == nil {
		return nil
	}
	if err := c.store.Del(ctx, "cache:"+key); err != nil {
		c.metrics.IncCacheStoreError()
		return &models.StoreUnavailableError{Op: "cache invalidate", Err: err}
	}
	return nil
}

// InvalidatePrefix removes every entry under the prefix, e.g. all cached
// representations of one tenant's documents.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.mem.deletePrefix(prefix)
	if c.store == nil {
		return nil
	}
	if err := c.store.DelPrefix(ctx, "cache:"+prefix); err != nil {
		c.metrics.IncCacheStoreError()
		return &models.StoreUnavailableError{Op: "cache invalidate prefix", Err: err}
	}
	return nil
}
