// Package api exposes the producer and operator HTTP surface: enqueue,
// task lookup, status listing, queue stats, and a health check. Workers do
// not use this API; they talk to the store directly.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/scarson/queued/internal/config"
	"github.com/scarson/queued/internal/store"
)

// Server holds the API's dependencies.
type Server struct {
	store       *store.Store
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server over st, with enqueue rate limiting from cfg.
func NewServer(st *store.Store, cfg *config.Config) *Server {
	return &Server{
		store: st,
		rateLimiter: newIPRateLimiter(
			rate.Limit(cfg.EnqueueRatePerSec), cfg.EnqueueBurst, cfg.RateLimitEvictTTL),
	}
}

// Close stops the rate limiter's eviction goroutine.
func (srv *Server) Close() {
	srv.rateLimiter.Close()
}

// Handler builds the router.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthzHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(srv.enqueueRateLimit()).Post("/tasks", srv.enqueueTaskHandler)
		r.Get("/tasks", srv.listTasksHandler)
		r.Get("/tasks/{id}", srv.getTaskHandler)
		r.Get("/stats", srv.statsHandler)
	})

	return r
}
