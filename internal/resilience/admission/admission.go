// Package admission bounds concurrent and queued work per named resource.
// Bounding both dimensions smooths short bursts without letting requests
// pile up without limit: excess load is rejected immediately once the queue
// is full, and queued requests expire after a configured wait bound.
package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bastion/internal/resilience/metrics"
	"bastion/internal/resilience/models"
)

// Config bounds one resource's gate.
type Config struct {
	MaxConcurrent int
	MaxQueueSize  int
	MaxQueueWait  time.Duration
}

// DefaultConfig returns conservative gate bounds.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 64,
		MaxQueueSize:  128,
		MaxQueueWait:  5 * time.Second,
	}
}

// Ticket is one request's admission token. It is created at entry and must
// be released exactly once via Controller.Leave; releasing twice is a no-op.
type Ticket struct {
	ID       string
	Resource string

	gate       *gate
	ready      chan struct{}
	queuedAt   time.Time
	admittedAt time.Time
	release    sync.Once
}

// Queued reports whether the ticket had to wait in the queue.
func (t *Ticket) Queued() bool { return !t.queuedAt.IsZero() }

// releaseSlot frees the ticket's slot exactly once.
func (t *Ticket) releaseSlot() {
	t.release.Do(func() {
		t.gate.leave(t)
	})
}

// Controller is the admission gatekeeper. Gates are created lazily per
// resource name with the controller's config.
type Controller struct {
	mu      sync.Mutex
	gates   map[string]*gate
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// gate serializes admission decisions for one resource.
type gate struct {
	mu       sync.Mutex
	resource string
	inFlight int
	queue    []*Ticket
	cfg      Config
	metrics  *metrics.Metrics

	// holdEWMA tracks recent slot hold time for queue drain estimates.
	holdEWMA time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates a Controller.
func New(opts ...Option) *Controller {
	c := &Controller{
		gates:  make(map[string]*gate),
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) gateFor(resource string) *gate {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[resource]
	if !ok {
		g = &gate{resource: resource, cfg: c.cfg, metrics: c.metrics}
		c.gates[resource] = g
	}
	return g
}

// TryEnter attempts immediate admission. The returned position is zero for
// admitted tickets and the 1-based queue position for queued ones; queued
// tickets must be waited on with Wait before the request may proceed.
// Returns AdmissionRejectedError when both the concurrency ceiling and the
// queue are full.
func (c *Controller) TryEnter(resource string) (*Ticket, int, error) {
	g := c.gateFor(resource)

	g.mu.Lock()
	defer g.mu.Unlock()

	t := &Ticket{
		ID:       uuid.NewString(),
		Resource: resource,
		gate:     g,
		ready:    make(chan struct{}),
	}

	if g.inFlight < g.cfg.MaxConcurrent {
		g.inFlight++
		t.admittedAt = time.Now()
		close(t.ready)
		c.metrics.SetAdmissionInFlight(resource, g.inFlight)
		return t, 0, nil
	}

	if len(g.queue) < g.cfg.MaxQueueSize {
		t.queuedAt = time.Now()
		g.queue = append(g.queue, t)
		c.metrics.SetAdmissionQueueDepth(resource, len(g.queue))
		return t, len(g.queue), nil
	}

	c.metrics.IncAdmissionRejection(resource, "queue_full")
	return nil, 0, &models.AdmissionRejectedError{
		Resource:   resource,
		QueueLen:   len(g.queue),
		RetryAfter: g.drainEstimateLocked(),
	}
}

// Wait blocks a queued ticket until promotion, the context deadline, or the
// configured queue wait bound, whichever comes first. On expiry the ticket
// is removed from the queue and the caller gets AdmissionTimeoutError.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	default:
	}

	timer := time.NewTimer(t.gate.cfg.MaxQueueWait)
	defer timer.Stop()

	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		if t.abandon() {
			return ctx.Err()
		}
		// Promoted while we were giving up: the slot is ours to return.
		<-t.ready
		t.releaseSlot()
		return ctx.Err()
	case <-timer.C:
		waited := time.Since(t.queuedAt)
		if t.abandon() {
			t.gate.metrics.IncAdmissionRejection(t.Resource, "timeout")
			return &models.AdmissionTimeoutError{Resource: t.Resource, Waited: waited}
		}
		<-t.ready
		t.releaseSlot()
		return &models.AdmissionTimeoutError{Resource: t.Resource, Waited: waited}
	}
}

// abandon removes a still-queued ticket from its gate. Returns false if the
// ticket was already promoted and therefore owns an execution slot.
func (t *Ticket) abandon() bool {
	g := t.gate
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, queued := range g.queue {
		if queued == t {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			g.metrics.SetAdmissionQueueDepth(g.resource, len(g.queue))
			return true
		}
	}
	return false
}

// Enter is TryEnter plus Wait: the common path for pipeline callers.
func (c *Controller) Enter(ctx context.Context, resource string) (*Ticket, error) {
	t, _, err := c.TryEnter(resource)
	if err != nil {
		return nil, err
	}
	if err := t.Wait(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Leave releases the ticket's slot. If the queue is non-empty the head is
// promoted in FIFO order; the slot transfers directly, keeping inFlight at
// or below MaxConcurrent at all times. Leaving a ticket that is still queued
// removes it from the queue; a ticket that never held a slot is a no-op, so
// a deferred Leave after TryEnter cannot drive inFlight below its true count.
func (c *Controller) Leave(t *Ticket) {
	if t == nil {
		return
	}
	t.releaseSlot()
}

func (g *gate) leave(t *Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Still queued: give up the queue place, not an execution slot.
	for i, queued := range g.queue {
		if queued == t {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			g.metrics.SetAdmissionQueueDepth(g.resource, len(g.queue))
			return
		}
	}

	// Abandoned before promotion: no slot was ever held.
	if t.admittedAt.IsZero() {
		return
	}
	g.observeHoldLocked(time.Since(t.admittedAt))

	if len(g.queue) > 0 {
		head := g.queue[0]
		g.queue = g.queue[1:]
		head.admittedAt = time.Now()
		close(head.ready)
		g.metrics.SetAdmissionQueueDepth(g.resource, len(g.queue))
		return
	}

	g.inFlight--
	g.metrics.SetAdmissionInFlight(g.resource, g.inFlight)
}

// DrainEstimate returns a coarse, advisory estimate of how long a newly
// queued request would wait, derived from queue depth and recent hold times.
func (c *Controller) DrainEstimate(resource string) time.Duration {
	g := c.gateFor(resource)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.drainEstimateLocked()
}

func (g *gate) drainEstimateLocked() time.Duration {
	hold := g.holdEWMA
	if hold <= 0 {
		hold = 100 * time.Millisecond
	}
	if g.cfg.MaxConcurrent <= 0 {
		return hold
	}
	waves := (len(g.queue) / g.cfg.MaxConcurrent) + 1
	return time.Duration(waves) * hold
}

// observeHoldLocked folds one observed hold time into the moving average.
func (g *gate) observeHoldLocked(d time.Duration) {
	if g.holdEWMA == 0 {
		g.holdEWMA = d
		return
	}
	g.holdEWMA = (g.holdEWMA*7 + d) / 8
}
