// Package breaker implements a distributed circuit breaker registry. Circuit
// state and counters live in the shared state store so every process instance
// agrees on whether a resource is healthy; transitions are serialized through
// compare-and-swap so concurrent failure reports cannot race each other into
// inconsistent states.
package breaker

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"bastion/internal/resilience/metrics"
	"bastion/internal/resilience/models"
	"bastion/internal/resilience/store"
)

// State is the circuit state persisted in the shared store.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// metricValue maps states onto the gauge encoding (0=closed, 1=open, 2=half-open).
func (s State) metricValue() int {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// DegradedPolicy decides circuit behavior when the shared store is
// unreachable. The tradeoff is explicit: allowing risks cascading failure,
// rejecting risks unnecessary unavailability.
type DegradedPolicy string

const (
	DegradedAllow  DegradedPolicy = "allow"
	DegradedReject DegradedPolicy = "reject"
)

// Config carries per-circuit thresholds.
type Config struct {
	FailureThreshold   int
	SuccessThreshold   int
	OpenTimeout        time.Duration
	ErrorRateThreshold float64
	// CountingWindow bounds how long failure/success counters accumulate in
	// the Closed state before expiring. Counters also reset on every state
	// transition.
	CountingWindow time.Duration
}

// DefaultConfig returns the documented circuit defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		SuccessThreshold:   3,
		OpenTimeout:        60 * time.Second,
		ErrorRateThreshold: 0.5,
		CountingWindow:     60 * time.Second,
	}
}

// Permit allows one guarded call to proceed. Probe permits are the single
// trial call let through a half-open circuit.
type Permit struct {
	Resource string
	Probe    bool
	// Degraded marks permits issued while the store was unreachable under
	// the allow policy; outcomes recorded against them are best-effort.
	Degraded bool
}

// Registry tracks per-resource circuits, created lazily on first use.
type Registry struct {
	store    store.Store
	defaults Config
	policy   DegradedPolicy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu         sync.RWMutex
	perCircuit map[string]Config

	// extraRelevant extends the default circuit-relevant classification set
	// (timeouts and server errors) per deployment policy.
	extraRelevant map[models.Classification]bool
}

// Option configures a Registry.
type Option func(*Registry)

func WithFailureThreshold(n int) Option {
	return func(r *Registry) { r.defaults.FailureThreshold = n }
}

func WithSuccessThreshold(n int) Option {
	return func(r *Registry) { r.defaults.SuccessThreshold = n }
}

func WithOpenTimeout(d time.Duration) Option {
	return func(r *Registry) { r.defaults.OpenTimeout = d }
}

func WithErrorRateThreshold(f float64) Option {
	return func(r *Registry) { r.defaults.ErrorRateThreshold = f }
}

func WithCountingWindow(d time.Duration) Option {
	return func(r *Registry) { r.defaults.CountingWindow = d }
}

func WithDegradedPolicy(p DegradedPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithCircuitRelevant marks additional classifications as counting toward
// circuit failure thresholds.
func WithCircuitRelevant(classes ...models.Classification) Option {
	return func(r *Registry) {
		for _, c := range classes {
			r.extraRelevant[c] = true
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source. Test hook only.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over the given shared store.
func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:         st,
		defaults:      DefaultConfig(),
		policy:        DegradedAllow,
		logger:        slog.Default(),
		now:           time.Now,
		extraRelevant: make(map[models.Classification]bool),
		perCircuit:    make(map[string]Config),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure overrides the registry defaults for one named circuit.
func (r *Registry) Configure(resource string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perCircuit[resource] = cfg
}

// cfgFor returns the effective config for a circuit.
func (r *Registry) cfgFor(resource string) Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.perCircuit[resource]; ok {
		return cfg
	}
	return r.defaults
}

func keyState(name string) string { return "cb:" + name + ":state" }

func keyFailures(name string) string { return "cb:" + name + ":failures" }

func keySuccess(name string) string { return "cb:" + name + ":successes" }

func keyOpenedAt(name string) string { return "cb:" + name + ":opened_at" }

func keyLastFailure(name string) string { return "cb:" + name + ":last_failure_at" }

func keyProbe(name string) string { return "cb:" + name + ":probe" }

// Acquire decides whether a call to the named resource may proceed. Open
// circuits fast-fail with CircuitOpenError and no side effects; after
// OpenTimeout the circuit transitions to half-open and exactly one probe
// permit is issued at a time.
func (r *Registry) Acquire(ctx context.Context, resource string) (*Permit, error) {
	state, err := r.State(ctx, resource)
	if err != nil {
		return r.degradedAcquire(ctx, resource, err)
	}

	switch state {
	case StateClosed:
		return &Permit{Resource: resource}, nil

	case StateOpen:
		remaining := r.openRemaining(ctx, resource)
		if remaining > 0 {
			r.metrics.IncCircuitRejection(resource)
			return nil, &models.CircuitOpenError{Resource: resource, RetryAfter: remaining}
		}
		// Cooldown elapsed: race to move the circuit to half-open. Losers
		// still get a shot at the probe slot below.
		if swapped, err := r.store.CompareAndSwap(ctx, keyState(resource), string(StateOpen), string(StateHalfOpen), 0); err != nil {
			return r.degradedAcquire(ctx, resource, err)
		} else if swapped {
			r.onTransition(ctx, resource, StateOpen, StateHalfOpen)
		}
		return r.acquireProbe(ctx, resource)

	case StateHalfOpen:
		return r.acquireProbe(ctx, resource)
	}

	// Unknown state value in the store; treat as closed rather than wedge
	// the resource.
	r.logger.WarnContext(ctx, "unknown circuit state, treating as closed",
		"resource", resource, "state", string(state))
	return &Permit{Resource: resource}, nil
}

// acquireProbe claims the single half-open probe slot. The slot carries a
// TTL so a crashed probe owner cannot wedge the circuit.
func (r *Registry) acquireProbe(ctx context.Context, resource string) (*Permit, error) {
	cfg := r.cfgFor(resource)
	got, err := r.store.SetNX(ctx, keyProbe(resource), uuid.NewString(), cfg.OpenTimeout)
	if err != nil {
		return r.degradedAcquire(ctx, resource, err)
	}
	if !got {
		r.metrics.IncCircuitRejection(resource)
		return nil, &models.CircuitOpenError{Resource: resource, RetryAfter: cfg.OpenTimeout}
	}
	return &Permit{Resource: resource, Probe: true}, nil
}

// degradedAcquire applies the configured store-outage policy.
func (r *Registry) degradedAcquire(ctx context.Context, resource string, cause error) (*Permit, error) {
	r.logger.WarnContext(ctx, "circuit state store unreachable",
		"resource", resource, "policy", string(r.policy), "error", cause)

	if r.policy == DegradedReject {
		r.metrics.IncCircuitRejection(resource)
		return nil, &models.CircuitOpenError{Resource: resource, RetryAfter: r.cfgFor(resource).OpenTimeout}
	}
	return &Permit{Resource: resource, Degraded: true}, nil
}

// RecordSuccess reports a successful call. Closing a half-open circuit
// requires SuccessThreshold successes; on an already-closed circuit the state
// is untouched. Store errors are logged and swallowed: recording is
// best-effort and the degraded policy governs admission, not bookkeeping.
func (r *Registry) RecordSuccess(ctx context.Context, resource string) {
	state, err := r.State(ctx, resource)
	if err != nil {
		r.logger.WarnContext(ctx, "skipping success record, store unreachable", "resource", resource, "error", err)
		return
	}

	switch state {
	case StateClosed:
		r.incrWindowed(ctx, resource, keySuccess(resource))

	case StateHalfOpen:
		n, err := r.store.Incr(ctx, keySuccess(resource))
		if err != nil {
			r.logger.WarnContext(ctx, "success increment failed", "resource", resource, "error", err)
			return
		}
		// Release the probe slot so the next trial call can proceed while
		// the circuit is still half-open.
		if err := r.store.Del(ctx, keyProbe(resource)); err != nil {
			r.logger.WarnContext(ctx, "probe release failed", "resource", resource, "error", err)
		}
		if int(n) >= r.cfgFor(resource).SuccessThreshold {
			if swapped, err := r.store.CompareAndSwap(ctx, keyState(resource), string(StateHalfOpen), string(StateClosed), 0); err == nil && swapped {
				r.onTransition(ctx, resource, StateHalfOpen, StateClosed)
			}
		}

	case StateOpen:
		// Late result from a call that started before the circuit opened.
	}
}

// RecordFailure reports a failed call with its classification. Only
// circuit-relevant classifications count; a half-open circuit re-opens on any
// relevant failure.
func (r *Registry) RecordFailure(ctx context.Context, resource string, class models.Classification) {
	if !r.relevant(class) {
		return
	}

	state, err := r.State(ctx, resource)
	if err != nil {
		r.logger.WarnContext(ctx, "skipping failure record, store unreachable", "resource", resource, "error", err)
		return
	}

	stamp := strconv.FormatInt(r.now().UnixMilli(), 10)
	if err := r.store.Set(ctx, keyLastFailure(resource), stamp, 0); err != nil {
		r.logger.WarnContext(ctx, "failed to stamp last_failure_at", "resource", resource, "error", err)
	}

	switch state {
	case StateClosed:
		failures := r.incrWindowed(ctx, resource, keyFailures(resource))
		if failures == 0 {
			return
		}
		if r.shouldOpen(ctx, resource, failures) {
			r.open(ctx, resource, StateClosed)
		}

	case StateHalfOpen:
		r.open(ctx, resource, StateHalfOpen)

	case StateOpen:
		// Already open; late failures carry no new information.
	}
}

// shouldOpen evaluates both trip conditions: the absolute failure threshold
// and the windowed error rate. The rate check only kicks in once the window
// holds at least FailureThreshold samples so a lone early failure cannot
// trip a fresh circuit.
func (r *Registry) shouldOpen(ctx context.Context, resource string, failures int64) bool {
	cfg := r.cfgFor(resource)
	if int(failures) >= cfg.FailureThreshold {
		return true
	}

	successes := r.counter(ctx, keySuccess(resource))
	total := failures + successes
	if total < int64(cfg.FailureThreshold) {
		return false
	}
	return float64(failures)/float64(total) >= cfg.ErrorRateThreshold
}

// open transitions a circuit to Open, stamping openedAt and resetting
// counters. CAS makes concurrent reporters converge on a single transition.
func (r *Registry) open(ctx context.Context, resource string, from State) {
	swapped, err := r.store.CompareAndSwap(ctx, keyState(resource), string(from), string(StateOpen), 0)
	if err != nil {
		return
	}
	if !swapped && from == StateClosed {
		// Lazily created circuits have no state key yet; absent means closed.
		swapped, err = r.store.CompareAndSwap(ctx, keyState(resource), "", string(StateOpen), 0)
		if err != nil {
			return
		}
	}
	if !swapped {
		return
	}

	openedAt := strconv.FormatInt(r.now().UnixMilli(), 10)
	if err := r.store.Set(ctx, keyOpenedAt(resource), openedAt, 0); err != nil {
		r.logger.WarnContext(ctx, "failed to stamp opened_at", "resource", resource, "error", err)
	}
	r.onTransition(ctx, resource, from, StateOpen)
}

// onTransition resets counters and emits observability for a state change.
func (r *Registry) onTransition(ctx context.Context, resource string, from, to State) {
	if err := r.store.Del(ctx, keyFailures(resource), keySuccess(resource), keyProbe(resource)); err != nil {
		r.logger.WarnContext(ctx, "counter reset failed", "resource", resource, "error", err)
	}

	r.metrics.IncCircuitTransition(resource, string(from), string(to))
	r.metrics.SetCircuitState(resource, to.metricValue())
	r.logger.InfoContext(ctx, "circuit state change",
		"resource", resource,
		"from", string(from),
		"to", string(to),
	)
}

// State returns the current state of the named circuit. Missing circuits are
// Closed: circuits exist lazily from first use.
func (r *Registry) State(ctx context.Context, resource string) (State, error) {
	v, ok, err := r.store.Get(ctx, keyState(resource))
	if err != nil {
		return StateClosed, err
	}
	if !ok {
		return StateClosed, nil
	}
	return State(v), nil
}

// openRemaining returns how much of the open cooldown is left. A missing or
// unparseable openedAt stamp counts as fully elapsed so the circuit can
// recover rather than stay wedged.
func (r *Registry) openRemaining(ctx context.Context, resource string) time.Duration {
	v, ok, err := r.store.Get(ctx, keyOpenedAt(resource))
	if err != nil || !ok {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	elapsed := r.now().Sub(time.UnixMilli(ms))
	return r.cfgFor(resource).OpenTimeout - elapsed
}

// incrWindowed bumps a counter and starts its expiry window on first use.
// Returns 0 when the store is unreachable.
func (r *Registry) incrWindowed(ctx context.Context, resource, key string) int64 {
	n, err := r.store.Incr(ctx, key)
	if err != nil {
		r.logger.WarnContext(ctx, "counter increment failed", "resource", resource, "error", err)
		return 0
	}
	window := r.cfgFor(resource).CountingWindow
	if n == 1 && window > 0 {
		if err := r.store.Expire(ctx, key, window); err != nil {
			r.logger.WarnContext(ctx, "counter window expire failed", "resource", resource, "error", err)
		}
	}
	return n
}

// counter reads a counter value, defaulting to zero.
func (r *Registry) counter(ctx context.Context, key string) int64 {
	v, ok, err := r.store.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (r *Registry) relevant(class models.Classification) bool {
	return class.CircuitRelevant() || r.extraRelevant[class]
}
