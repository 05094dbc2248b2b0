// Package pipeline composes admission control, circuit breaking, and
// conditional caching into an ordered chain around a downstream handler.
// The order is fixed and checked at construction: admission first (cheapest
// rejection), then the circuit, then the cache, then the origin.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bastion/internal/resilience/admission"
	"bastion/internal/resilience/breaker"
	"bastion/internal/resilience/cache"
	"bastion/internal/resilience/metrics"
	"bastion/internal/resilience/models"
)

// Handler is the uniform downstream contract the pipeline wraps. On success
// the handler returns the representation and, for cacheable resources, its
// current ETag.
type Handler func(ctx context.Context, req Request) (*models.Response, error)

// Request identifies one guarded call.
type Request struct {
	// Resource names the circuit and admission gate, e.g. "documents:read".
	Resource string
	// CacheKey is the composite cache key; empty means the call is not
	// cacheable and the cache stage is skipped.
	CacheKey string
	// Validator is the client's conditional token (If-None-Match
	// equivalent), if any.
	Validator string
}

// Pipeline executes guarded calls. Construct with Builder so missing stages
// are caught at wiring time instead of surfacing as nil dereferences under
// load.
type Pipeline struct {
	admission *admission.Controller
	breaker   *breaker.Registry
	cache     *cache.Cache

	skipAdmission bool
	skipBreaker   bool
	skipCache     bool

	downstreamTimeout time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// Builder assembles a Pipeline stage by stage.
type Builder struct {
	p   *Pipeline
	err error
}

// NewBuilder starts a pipeline definition.
func NewBuilder() *Builder {
	return &Builder{p: &Pipeline{
		logger: slog.Default(),
		tracer: otel.Tracer("bastion/resilience"),
	}}
}

func (b *Builder) WithAdmission(c *admission.Controller) *Builder {
	b.p.admission = c
	return b
}

// WithoutAdmission declares that the pipeline intentionally runs unbounded.
func (b *Builder) WithoutAdmission() *Builder {
	b.p.skipAdmission = true
	return b
}

func (b *Builder) WithBreaker(r *breaker.Registry) *Builder {
	b.p.breaker = r
	return b
}

func (b *Builder) WithoutBreaker() *Builder {
	b.p.skipBreaker = true
	return b
}

func (b *Builder) WithCache(c *cache.Cache) *Builder {
	b.p.cache = c
	return b
}

func (b *Builder) WithoutCache() *Builder {
	b.p.skipCache = true
	return b
}

// WithDownstreamTimeout bounds each origin call. Zero inherits the caller's
// context deadline unchanged.
func (b *Builder) WithDownstreamTimeout(d time.Duration) *Builder {
	b.p.downstreamTimeout = d
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.p.logger = logger
	return b
}

func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.p.metrics = m
	return b
}

// Build validates the wiring. Every stage must be either provided or
// explicitly opted out of; a silently absent stage is a configuration bug.
func (b *Builder) Build() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.p.admission == nil && !b.p.skipAdmission {
		return nil, errors.New("pipeline: admission controller missing (use WithAdmission or WithoutAdmission)")
	}
	if b.p.breaker == nil && !b.p.skipBreaker {
		return nil, errors.New("pipeline: circuit breaker registry missing (use WithBreaker or WithoutBreaker)")
	}
	if b.p.cache == nil && !b.p.skipCache {
		return nil, errors.New("pipeline: conditional cache missing (use WithCache or WithoutCache)")
	}
	return b.p, nil
}

// Execute runs one request through the chain. Callers always receive one of:
// success with payload, success not-modified, or a structured rejection.
func (p *Pipeline) Execute(ctx context.Context, req Request, downstream Handler) (*models.Response, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "resilience.pipeline",
		trace.WithAttributes(attribute.String("resource", req.Resource)))
	defer span.End()

	resp, outcome, err := p.execute(ctx, req, downstream)

	span.SetAttributes(attribute.String("outcome", outcome))
	p.metrics.ObservePipelineDuration(req.Resource, outcome, time.Since(start))
	return resp, err
}

func (p *Pipeline) execute(ctx context.Context, req Request, downstream Handler) (*models.Response, string, error) {
	var ticket *admission.Ticket
	if p.admission != nil {
		var err error
		ticket, err = p.admission.Enter(ctx, req.Resource)
		if err != nil {
			// Load shed is only circuit-relevant when the deployment opted
			// that classification in; by default this is a no-op.
			if p.breaker != nil && isAdmissionRejection(err) {
				p.breaker.RecordFailure(ctx, req.Resource, models.ClassLoadShed)
			}
			return nil, "admission_rejected", err
		}
		defer p.admission.Leave(ticket)
	}

	if p.breaker != nil {
		if _, err := p.breaker.Acquire(ctx, req.Resource); err != nil {
			return nil, "circuit_open", err
		}
	}

	cacheable := p.cache != nil && req.CacheKey != ""
	if cacheable {
		switch res := p.cache.Lookup(ctx, req.CacheKey, req.Validator); res.Status {
		case cache.StatusNotModified:
			return &models.Response{NotModified: true, ETag: res.ETag, FromCache: true}, "not_modified", nil
		case cache.StatusHit:
			return &models.Response{Payload: res.Payload, ETag: res.ETag, FromCache: true}, "cache_hit", nil
		}
	}

	dctx := ctx
	if p.downstreamTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.downstreamTimeout)
		defer cancel()
	}

	resp, err := downstream(dctx, req)
	if err != nil {
		class := models.Classify(err)
		if p.breaker != nil {
			p.breaker.RecordFailure(ctx, req.Resource, class)
		}
		var de *models.DownstreamError
		if !errors.As(err, &de) {
			err = &models.DownstreamError{Resource: req.Resource, Class: class, Err: err}
		}
		return nil, "downstream_error", err
	}

	if cacheable && resp.ETag != "" {
		p.cache.Store(ctx, req.CacheKey, resp.Payload, resp.ETag)
	}
	if p.breaker != nil {
		p.breaker.RecordSuccess(ctx, req.Resource)
	}

	// A fresh origin fetch can still satisfy the conditional request: the
	// client already holds the current representation.
	if req.Validator != "" && cache.Match(req.Validator, resp.ETag) {
		return &models.Response{NotModified: true, ETag: resp.ETag}, "not_modified", nil
	}
	return resp, "success", nil
}

func isAdmissionRejection(err error) bool {
	var rejected *models.AdmissionRejectedError
	var timedOut *models.AdmissionTimeoutError
	return errors.As(err, &rejected) || errors.As(err, &timedOut)
}
