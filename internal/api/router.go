package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Prometheus scrape endpoint
	if s.metrics != nil {
		r.Handle(s.metricsPath, s.metrics)
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		// Dead-letter journal
		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.Delete("/", s.handlePurgeDeadLetters)
		})

		// Live bus events
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}
