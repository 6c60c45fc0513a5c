// Package server wires HTTP handlers into a chi router for the relay.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter returns the relay's HTTP handler. WebSocket upgrades on any path
// go to the hub; /health, /stats and /metrics report state; OPTIONS answers
// with permissive CORS headers; every other path serves the landing page.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.hub.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.Use(h.UpgradeInterceptor)

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Method(http.MethodGet, "/metrics", h.hub.metrics.Handler())
	r.HandleFunc("/*", h.Landing)
	r.Options("/*", h.Options)

	return r
}
