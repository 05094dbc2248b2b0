package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bastion/internal/resilience/models"
	"bastion/internal/resilience/store"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *store.Memory, *movableClock) {
	t.Helper()

	clock := &movableClock{now: time.Now()}
	mem := store.NewMemory()
	mem.SetClock(clock.Now)

	c := New(mem, opts...)
	c.SetClock(clock.Now)
	return c, mem, clock
}

type movableClock struct {
	now time.Time
}

func (c *movableClock) Now() time.Time { return c.now }

func (c *movableClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestCache_LookupMissOnEmptyCache(t *testing.T) {
	c, _, _ := newTestCache(t)

	res := c.Lookup(context.Background(), Key("documents", "1", ""), "")
	assert.Equal(t, StatusMiss, res.Status)
}

func TestCache_StoreThenLookup(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	key := Key("documents", "1", "")
	etag := Compute(1, []byte("v1"))

	c.Store(ctx, key, []byte("v1"), etag)

	t.Run("matching validator returns NotModified without payload", func(t *testing.T) {
		res := c.Lookup(ctx, key, etag)
		assert.Equal(t, StatusNotModified, res.Status)
		assert.Empty(t, res.Payload)
		assert.Equal(t, etag, res.ETag)
	})

	t.Run("non-matching validator returns Hit with payload", func(t *testing.T) {
		res := c.Lookup(ctx, key, `"stale-tag"`)
		assert.Equal(t, StatusHit, res.Status)
		assert.Equal(t, []byte("v1"), res.Payload)
	})

	t.Run("no validator returns Hit", func(t *testing.T) {
		res := c.Lookup(ctx, key, "")
		assert.Equal(t, StatusHit, res.Status)
		assert.Equal(t, []byte("v1"), res.Payload)
	})
}

func TestCache_MemoryExpiryFallsThroughToDistributed(t *testing.T) {
	c, _, clock := newTestCache(t, WithMemoryTTL(30*time.Second), WithDistributedTTL(300*time.Second))
	ctx := context.Background()
	key := Key("documents", "1", "")
	etag := Compute(1, []byte("v1"))

	c.Store(ctx, key, []byte("v1"), etag)

	// Past the memory TTL but inside the distributed TTL.
	clock.Advance(100 * time.Second)
	res := c.Lookup(ctx, key, etag)
	assert.Equal(t, StatusNotModified, res.Status)
	assert.Equal(t, "distributed", res.Tier)

	// The distributed hit backfilled memory.
	res = c.Lookup(ctx, key, "")
	assert.Equal(t, StatusHit, res.Status)
	assert.Equal(t, "memory", res.Tier)

	// Past the distributed TTL everything is gone.
	clock.Advance(201 * time.Second)
	res = c.Lookup(ctx, key, etag)
	assert.Equal(t, StatusMiss, res.Status)
}

func TestCache_InvalidateRemovesBothTiers(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	key := Key("documents", "1", "")

	c.Store(ctx, key, []byte("v1"), Compute(1, []byte("v1")))
	require.NoError(t, c.Invalidate(ctx, key))

	res := c.Lookup(ctx, key, "")
	assert.Equal(t, StatusMiss, res.Status, "a lookup after invalidate must never serve the old payload")
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	c.Store(ctx, Key("documents", "1", "tenant-a"), []byte("a1"), `"e1"`)
	c.Store(ctx, Key("documents", "2", "tenant-a"), []byte("a2"), `"e2"`)
	c.Store(ctx, Key("reports", "1", "tenant-a"), []byte("r1"), `"e3"`)

	require.NoError(t, c.InvalidatePrefix(ctx, "documents:"))

	assert.Equal(t, StatusMiss, c.Lookup(ctx, Key("documents", "1", "tenant-a"), "").Status)
	assert.Equal(t, StatusMiss, c.Lookup(ctx, Key("documents", "2", "tenant-a"), "").Status)
	assert.Equal(t, StatusHit, c.Lookup(ctx, Key("reports", "1", "tenant-a"), "").Status)
}

func TestCache_SupersededEntryDoesNotMutateOldReads(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	key := Key("documents", "1", "")

	c.Store(ctx, key, []byte("v1"), `"e1"`)
	old := c.Lookup(ctx, key, "")
	require.Equal(t, StatusHit, old.Status)

	c.Store(ctx, key, []byte("v2-longer-payload"), `"e2"`)

	// The result handed to the earlier reader is untouched.
	assert.Equal(t, []byte("v1"), old.Payload)
	assert.Equal(t, `"e1"`, old.ETag)

	fresh := c.Lookup(ctx, key, "")
	assert.Equal(t, []byte("v2-longer-payload"), fresh.Payload)
}

// flakyStore fails every operation, standing in for an unreachable Redis.
type flakyStore struct{}

var errDown = errors.New("connection refused")

func (flakyStore) Incr(context.Context, string) (int64, error) { return 0, errDown }
func (flakyStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errDown
}
func (flakyStore) Set(context.Context, string, string, time.Duration) error { return errDown }
func (flakyStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (flakyStore) Expire(context.Context, string, time.Duration) error { return errDown }
func (flakyStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (flakyStore) Del(context.Context, ...string) error { return errDown }
func (flakyStore) DelPrefix(context.Context, string) error { return errDown }

func TestCache_DistributedOutageDegradesToMiss(t *testing.T) {
	c := New(flakyStore{})
	ctx := context.Background()
	key := Key("documents", "1", "")

	// Store still lands in memory; the distributed write is skipped.
	c.Store(ctx, key, []byte("v1"), `"e1"`)
	res := c.Lookup(ctx, key, "")
	assert.Equal(t, StatusHit, res.Status, "memory tier keeps serving during an outage")

	// With nothing in memory the lookup degrades to Miss instead of failing.
	res = c.Lookup(ctx, Key("documents", "2", ""), "")
	assert.Equal(t, StatusMiss, res.Status)

	// Invalidation reports the outage so the writer can decide.
	err := c.Invalidate(ctx, key)
	var sue *models.StoreUnavailableError
	assert.ErrorAs(t, err, &sue)
}

func TestCache_NilStoreRunsMemoryOnly(t *testing.T) {
	c := New(nil)
	ctx := context.Background()
	key := Key("documents", "1", "")

	c.Store(ctx, key, []byte("v1"), `"e1"`)
	assert.Equal(t, StatusHit, c.Lookup(ctx, key, "").Status)
	require.NoError(t, c.Invalidate(ctx, key))
	assert.Equal(t, StatusMiss, c.Lookup(ctx, key, "").Status)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "documents:1:tenant-a", Key("documents", "1", "tenant-a"))
	assert.Equal(t, "documents:1:main", Key("documents", "1", ""), "empty scope defaults to main")
}
