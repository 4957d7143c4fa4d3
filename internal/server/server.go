// Package server implements the HTTP transport layer for the keymux relay.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keymux/keymux/internal/dispatch"
	"github.com/keymux/keymux/internal/health"
	"github.com/keymux/keymux/internal/keystate"
	"github.com/keymux/keymux/internal/logpipe"
	"github.com/keymux/keymux/internal/snapshot"
	"github.com/keymux/keymux/internal/storage"
	"github.com/keymux/keymux/internal/telemetry"
)

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Snapshots  *snapshot.Registry
	Dispatcher *dispatch.Dispatcher
	State      *keystate.Store
	Scanner    *health.Scanner // nil = probe endpoints return 503
	Pipeline   *logpipe.Pipeline
	Store      storage.Store
	Metrics    *telemetry.Metrics            // nil = no metrics middleware
	Gatherer   prometheus.Gatherer           // nil = no /metrics endpoint
	AdminKey   string                        // empty disables the admin surface
	Reload     func(context.Context) error   // nil = reload unsupported
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
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Client-facing relay surface (proxy-key auth)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleOpenAIKind("/v1/chat/completions"))
		r.Post("/v1/responses", s.handleOpenAIKind("/v1/responses"))
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Post("/v1/messages", s.handleAnthropic)
		r.Post("/v1beta/models/{model}:{action}", s.handleGemini)
		r.Get("/v1/models", s.handleListModels)
	})

	// Operator surface (separate admin credential)
	if deps.AdminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/groups", s.handleAdminGroups)
			r.Get("/keys/{group}", s.handleAdminKeys)
			r.Put("/keys/{group}/{hash}/status", s.handleAdminKeyStatus)
			r.Post("/health/check", s.handleAdminHealthCheck)
			r.Get("/health", s.handleAdminHealth)
			r.Get("/logs/stats", s.handleAdminLogStats)
			r.Get("/logs", s.handleAdminLogs)
			r.Post("/reload", s.handleAdminReload)
		})
	}

	return r
}

type server struct {
	deps Deps
}
