package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/statera-io/statera/internal/tenant"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Tenants        tenant.Provider
	Log            *zap.Logger
	HealthHandler  http.HandlerFunc
	ReadyHandler   http.HandlerFunc
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. The surface is operational: health, readiness, metrics,
// and per-tenant workflow instance inspection and approval resolution.
// Record writes never pass through here; hosts embed the pipeline directly.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Log))
	r.Use(RequestID)
	r.Use(RequestLogging(deps.Log))

	r.Get("/healthz", deps.HealthHandler)
	r.Get("/readyz", deps.ReadyHandler)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/v1/tenants/{tenantId}", func(r chi.Router) {
		r.Get("/instances/pending", handleInstancesPending(deps.Tenants))
		r.Get("/instances/{instanceId}", handleInstanceGet(deps.Tenants))
		r.Post("/instances/{instanceId}/approve", handleInstanceResolve(deps.Tenants, "approve"))
		r.Post("/instances/{instanceId}/reject", handleInstanceResolve(deps.Tenants, "reject"))
	})

	return r
}
