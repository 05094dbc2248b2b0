// Package middleware adapts the resilience pipeline to HTTP. Guard wraps a
// route, runs each request through admission, circuit, and cache, and
// translates pipeline outcomes into status codes, ETag headers, and the
// standard error envelope.
package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"bastion/internal/resilience/cache"
	"bastion/internal/resilience/models"
	"bastion/internal/resilience/pipeline"
	"bastion/pkg/platform/httputil"
)

// TenantHeader scopes cache entries per tenant. Requests without the header
// share the default scope.
const TenantHeader = "X-Tenant-ID"

type Middleware struct {
	pipeline       *pipeline.Pipeline
	logger         *slog.Logger
	disabled       bool
	tenantRequired bool
}

type Option func(*Middleware)

// WithDisabled bypasses the pipeline entirely (for testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) { m.disabled = disabled }
}

// WithTenantRequired rejects guarded requests that carry no tenant header.
// Off by default: single-tenant deployments share the default cache scope.
func WithTenantRequired(required bool) Option {
	return func(m *Middleware) { m.tenantRequired = required }
}

func New(p *pipeline.Pipeline, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		pipeline: p,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("resilience guard disabled")
	}
	return m
}

// Guard protects routes for one resource type. GET requests are cacheable:
// the cache key combines the resource type, the named route parameter, and
// the tenant scope, and If-None-Match validators flow through to the
// conditional cache. Other methods pass through admission and the circuit
// only.
func (m *Middleware) Guard(resourceType, idParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m.disabled {
				next.ServeHTTP(w, r)
				return
			}

			if m.tenantRequired && r.Header.Get(TenantHeader) == "" {
				httputil.WriteError(w, http.StatusBadRequest, "missing_tenant",
					fmt.Sprintf("%s header is required", TenantHeader))
				return
			}

			req := pipeline.Request{Resource: resourceName(resourceType, r.Method)}
			if r.Method == http.MethodGet {
				req.CacheKey = cache.Key(resourceType, chi.URLParam(r, idParam), r.Header.Get(TenantHeader))
				req.Validator = r.Header.Get("If-None-Match")
			}

			rec := newRecorder()
			resp, err := m.pipeline.Execute(r.Context(), req, func(ctx context.Context, _ pipeline.Request) (*models.Response, error) {
				next.ServeHTTP(rec, r.WithContext(ctx))
				if rec.status >= 400 {
					return nil, &models.DownstreamError{
						Resource: req.Resource,
						Class:    classifyStatus(rec.status),
						Err:      fmt.Errorf("origin returned %d", rec.status),
					}
				}
				return &models.Response{Payload: rec.body.Bytes(), ETag: rec.Header().Get("ETag")}, nil
			})
			if err != nil {
				// Origin errors replay the origin's own response; pipeline
				// rejections never reached the origin and get the envelope.
				if rec.wrote {
					rec.replay(w)
					return
				}
				m.writeRejection(w, r, err)
				return
			}

			if resp.NotModified {
				if resp.ETag != "" {
					w.Header().Set("ETag", resp.ETag)
				}
				w.WriteHeader(http.StatusNotModified)
				return
			}

			if resp.FromCache {
				if resp.ETag != "" {
					w.Header().Set("ETag", resp.ETag)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(resp.Payload)
				return
			}

			rec.replay(w)
		})
	}
}

// writeRejection maps pipeline rejections onto status codes. Both circuit and
// admission rejections are 503s with Retry-After; the error code in the body
// tells the two apart.
func (m *Middleware) writeRejection(w http.ResponseWriter, r *http.Request, err error) {
	var circuitOpen *models.CircuitOpenError
	var rejected *models.AdmissionRejectedError
	var timedOut *models.AdmissionTimeoutError
	var downstream *models.DownstreamError

	switch {
	case errors.As(err, &circuitOpen):
		setRetryAfter(w, circuitOpen.RetryAfter)
		httputil.WriteError(w, http.StatusServiceUnavailable, circuitOpen.Code(),
			fmt.Sprintf("circuit open for %s", circuitOpen.Resource))

	case errors.As(err, &rejected):
		setRetryAfter(w, rejected.RetryAfter)
		httputil.WriteError(w, http.StatusServiceUnavailable, rejected.Code(),
			fmt.Sprintf("too many concurrent requests for %s", rejected.Resource))

	case errors.As(err, &timedOut):
		httputil.WriteError(w, http.StatusServiceUnavailable, timedOut.Code(),
			fmt.Sprintf("queued request for %s expired after %s", timedOut.Resource, timedOut.Waited.Round(time.Millisecond)))

	case errors.As(err, &downstream):
		// Reached only when the origin failed without writing a response,
		// e.g. a deadline expiry.
		httputil.WriteError(w, statusForClass(downstream.Class), downstream.Code(), "")

	default:
		m.logger.Error("unexpected pipeline error", "error", err, "path", r.URL.Path)
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func resourceName(resourceType, method string) string {
	if method == http.MethodGet || method == http.MethodHead {
		return resourceType + ":read"
	}
	return resourceType + ":write"
}

func classifyStatus(status int) models.Classification {
	switch {
	case status == http.StatusNotFound:
		return models.ClassNotFound
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return models.ClassBusiness
	case status == http.StatusGatewayTimeout:
		return models.ClassTimeout
	case status >= 500:
		return models.ClassServerError
	default:
		return models.ClassBadRequest
	}
}

func statusForClass(class models.Classification) int {
	switch class {
	case models.ClassTimeout:
		return http.StatusGatewayTimeout
	case models.ClassNotFound:
		return http.StatusNotFound
	case models.ClassBadRequest:
		return http.StatusBadRequest
	case models.ClassBusiness:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}

// recorder buffers the origin's response so cacheable payloads can be stored
// and failed responses replayed verbatim.
type recorder struct {
	header http.Header
	body   bytes.Buffer
	status int
	wrote  bool
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header), status: http.StatusOK}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.wrote {
		return
	}
	r.status = status
	r.wrote = true
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(p)
}

func (r *recorder) replay(w http.ResponseWriter) {
	for k, vs := range r.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(r.status)
	_, _ = w.Write(r.body.Bytes())
}
