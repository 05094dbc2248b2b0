// Package httptransport is the thin HTTP layer. Handlers delegate to domain
// services; resilience concerns live in the guard middleware, not here.
package httptransport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bastion/internal/resilience/middleware"
	"bastion/pkg/platform/httputil"
)

// HealthChecker reports shared-store reachability for the readiness probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// NewRouter wires all public endpoints. The guard runs per guarded route, not
// globally, so health and metrics stay reachable while circuits are open.
func NewRouter(docs *DocumentHandler, guard *middleware.Middleware, health HealthChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", handleHealth(health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	docs.Register(r, guard.Guard("documents", "id"))
	return r
}

func handleHealth(health HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "store": "ok"}
		code := http.StatusOK
		if health != nil {
			if err := health.Health(r.Context()); err != nil {
				// Degraded, not down: the service keeps serving under the
				// configured degraded policy.
				status["store"] = "unreachable"
			}
		} else {
			status["store"] = "disabled"
		}
		httputil.WriteJSON(w, code, status)
	}
}
