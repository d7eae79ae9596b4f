// Package server implements the HTTP transport layer for the Vantage gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/breaker"
	"github.com/vantagegw/vantage/internal/pricing"
	"github.com/vantagegw/vantage/internal/quota"
	"github.com/vantagegw/vantage/internal/rules"
	"github.com/vantagegw/vantage/internal/selector"
	"github.com/vantagegw/vantage/internal/session"
	"github.com/vantagegw/vantage/internal/storage"
	"github.com/vantagegw/vantage/internal/telemetry"
	"github.com/vantagegw/vantage/internal/upstream"
	"github.com/vantagegw/vantage/internal/worker"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Authenticator validates request credentials and manages the identity cache.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
	InvalidateByKeyID(keyID string)
	InvalidateAll()
}

// Dispatcher forwards an admitted request upstream, retrying across
// providers.
type Dispatcher interface {
	Forward(ctx context.Context, req *upstream.Request, sink upstream.Sink) (*upstream.Result, error)
}

// UsageRecorder accepts finished requests for async pricing and persistence.
type UsageRecorder interface {
	Enqueue(t *worker.Task)
}

// EndpointProber probes a single endpoint on demand.
type EndpointProber interface {
	ProbeNow(ctx context.Context, e *gateway.ProviderEndpoint) (gateway.ProbeState, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth      Authenticator
	Store     storage.Store
	Forwarder Dispatcher
	Usage     UsageRecorder // nil = usage rows dropped
	Tracker   *session.Tracker
	Guard     *quota.Guard
	Costs     *quota.CostWindowStore
	Rules     *rules.Engine
	Registry  *selector.Registry
	Breakers  *breaker.Store
	Vendors   *breaker.VendorStore
	Prober    EndpointProber // nil = probe-now unavailable
	Catalog   *pricing.Catalog

	Metrics        *telemetry.Metrics // nil = no instrumentation
	MetricsHandler http.Handler       // nil = no /metrics route
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing proxy routes, one per dialect.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/messages", s.handleDialect(gateway.DialectAnthropic))
		r.Post("/v1/chat/completions", s.handleDialect(gateway.DialectOpenAI))
		r.Post("/v1/responses", s.handleDialect(gateway.DialectResponses))
	})

	// Gemini routes carry the model and streaming mode in the URL and use
	// the Google API key header.
	r.Group(func(r chi.Router) {
		r.Use(normalizeAuth("X-Goog-Api-Key"))
		r.Use(s.authenticate)
		r.Post("/v1beta/models/{model}:{action}", s.handleGemini)
	})

	// Admin API (admin role required)
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireAdmin)
		s.mountAdminRoutes(r)
	})

	return r
}

type server struct {
	deps Deps
}

// normalizeAuth returns middleware that copies a provider-style auth header
// to Authorization: Bearer, so the shared authenticate middleware works
// unchanged. If Authorization is already present, the header is ignored.
func normalizeAuth(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				if key := r.Header.Get(header); key != "" {
					r.Header.Set("Authorization", "Bearer "+key)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
