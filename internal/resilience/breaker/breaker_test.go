package breaker

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

// testClock is a movable time source shared by the registry and the store.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *store.Memory, *testClock) {
	t.Helper()

	clock := &testClock{now: time.Now()}
	mem := store.NewMemory()
	mem.SetClock(clock.Now)

	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(mem, opts...), mem, clock
}

func TestRegistry_InitialStateClosed(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)

	permit, err := r.Acquire(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, permit.Probe)
}

func TestRegistry_OpensAtFailureThreshold(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// Four failures stay closed.
	for i := 0; i < 4; i++ {
		r.RecordFailure(ctx, "orders", models.ClassServerError)
		state, err := r.State(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, StateClosed, state, "failure %d must not open the circuit", i+1)
	}

	// Fifth failure opens it.
	r.RecordFailure(ctx, "orders", models.ClassServerError)
	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	// Calls fast-fail without side effects while open.
	_, err = r.Acquire(ctx, "orders")
	var coe *models.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "orders", coe.Resource)
	assert.Greater(t, coe.RetryAfter, time.Duration(0))
}

func TestRegistry_IrrelevantClassificationsDoNotCount(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		r.RecordFailure(ctx, "orders", models.ClassNotFound)
		r.RecordFailure(ctx, "orders", models.ClassBadRequest)
	}

	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestRegistry_WithCircuitRelevantExtendsClassSet(t *testing.T) {
	r, _, _ := newTestRegistry(t, WithFailureThreshold(2), WithCircuitRelevant(models.ClassBusiness))
	ctx := context.Background()

	r.RecordFailure(ctx, "orders", models.ClassBusiness)
	r.RecordFailure(ctx, "orders", models.ClassBusiness)

	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestRegistry_ErrorRateOpensBeforeAbsoluteThreshold(t *testing.T) {
	// 3 failures + 2 successes = 5 samples at 60% error rate >= 0.5.
	r, _, _ := newTestRegistry(t, WithErrorRateThreshold(0.5))
	ctx := context.Background()

	r.RecordSuccess(ctx, "orders")
	r.RecordSuccess(ctx, "orders")
	r.RecordFailure(ctx, "orders", models.ClassTimeout)
	r.RecordFailure(ctx, "orders", models.ClassTimeout)

	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state, "4 samples is below the minimum sample size")

	r.RecordFailure(ctx, "orders", models.ClassTimeout)
	state, err = r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
}

func TestRegistry_OpenToHalfOpenAfterTimeout(t *testing.T) {
	r, _, clock := newTestRegistry(t, WithFailureThreshold(1), WithOpenTimeout(60*time.Second))
	ctx := context.Background()

	r.RecordFailure(ctx, "orders", models.ClassServerError)

	// Still inside the cooldown.
	clock.Advance(30 * time.Second)
	_, err := r.Acquire(ctx, "orders")
	var coe *models.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.LessOrEqual(t, coe.RetryAfter, 30*time.Second)

	// Cooldown elapsed: exactly one probe goes through.
	clock.Advance(31 * time.Second)
	permit, err := r.Acquire(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, permit.Probe)

	// The probe slot is held; concurrent callers are still rejected.
	_, err = r.Acquire(ctx, "orders")
	require.ErrorAs(t, err, &coe)

	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)
}

func TestRegistry_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	r, _, clock := newTestRegistry(t,
		WithFailureThreshold(1),
		WithSuccessThreshold(2),
		WithOpenTimeout(time.Second),
	)
	ctx := context.Background()

	r.RecordFailure(ctx, "orders", models.ClassServerError)
	clock.Advance(2 * time.Second)

	// First probe succeeds but one success is not enough to close.
	permit, err := r.Acquire(ctx, "orders")
	require.NoError(t, err)
	require.True(t, permit.Probe)
	r.RecordSuccess(ctx, "orders")

	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, state)

	// Probe slot was released; a second probe can run and closes the circuit.
	permit, err = r.Acquire(ctx, "orders")
	require.NoError(t, err)
	require.True(t, permit.Probe)
	r.RecordSuccess(ctx, "orders")

	state, err = r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)

	permit, err = r.Acquire(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, permit.Probe)
}

func TestRegistry_HalfOpenReopensOnFailure(t *testing.T) {
	r, _, clock := newTestRegistry(t, WithFailureThreshold(1), WithOpenTimeout(time.Second))
	ctx := context.Background()

	r.RecordFailure(ctx, "orders", models.ClassServerError)
	clock.Advance(2 * time.Second)

	permit, err := r.Acquire(ctx, "orders")
	require.NoError(t, err)
	require.True(t, permit.Probe)

	r.RecordFailure(ctx, "orders", models.ClassServerError)

	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	// The new cooldown starts from the re-open.
	_, err = r.Acquire(ctx, "orders")
	var coe *models.CircuitOpenError
	assert.ErrorAs(t, err, &coe)
}

func TestRegistry_RecordSuccessOnClosedIsStateNoOp(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		r.RecordSuccess(ctx, "orders")
	}

	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestRegistry_InstancesShareStateThroughStore(t *testing.T) {
	clock := &testClock{now: time.Now()}
	mem := store.NewMemory()
	mem.SetClock(clock.Now)

	a := New(mem, WithClock(clock.Now), WithFailureThreshold(2))
	b := New(mem, WithClock(clock.Now), WithFailureThreshold(2))
	ctx := context.Background()

	// Failures reported by instance A open the circuit for instance B.
	a.RecordFailure(ctx, "orders", models.ClassServerError)
	a.RecordFailure(ctx, "orders", models.ClassServerError)

	_, err := b.Acquire(ctx, "orders")
	var coe *models.CircuitOpenError
	assert.ErrorAs(t, err, &coe)
}

func TestRegistry_CountingWindowExpiresStaleFailures(t *testing.T) {
	r, _, clock := newTestRegistry(t, WithCountingWindow(60*time.Second))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		r.RecordFailure(ctx, "orders", models.ClassServerError)
	}

	// The window lapses; old failures no longer count.
	clock.Advance(61 * time.Second)
	r.RecordFailure(ctx, "orders", models.ClassServerError)

	state, err := r.State(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

func TestRegistry_PerCircuitConfigOverridesDefaults(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	r.Configure("fragile", cfg)

	r.RecordFailure(ctx, "fragile", models.ClassServerError)
	state, err := r.State(ctx, "fragile")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)

	// Other circuits keep the defaults.
	r.RecordFailure(ctx, "sturdy", models.ClassServerError)
	state, err = r.State(ctx, "sturdy")
	require.NoError(t, err)
	assert.Equal(t, StateClosed, state)
}

// brokenStore fails every operation, standing in for an unreachable Redis.
type brokenStore struct{}

var errStoreDown = errors.New("store down")

func (brokenStore) Incr(context.Context, string) (int64, error) { return 0, errStoreDown }
func (brokenStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}
func (brokenStore) Set(context.Context, string, string, time.Duration) error {
	return errStoreDown
}
func (brokenStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) Expire(context.Context, string, time.Duration) error { return errStoreDown }
func (brokenStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) Del(context.Context, ...string) error { return errStoreDown }
func (brokenStore) DelPrefix(context.Context, string) error { return errStoreDown }

func TestRegistry_DegradedAllowPolicy(t *testing.T) {
	r := New(brokenStore{}, WithDegradedPolicy(DegradedAllow))
	ctx := context.Background()

	permit, err := r.Acquire(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, permit.Degraded)
}

func TestRegistry_DegradedRejectPolicy(t *testing.T) {
	r := New(brokenStore{}, WithDegradedPolicy(DegradedReject))
	ctx := context.Background()

	_, err := r.Acquire(ctx, "orders")
	var coe *models.CircuitOpenError
	assert.ErrorAs(t, err, &coe)
}
