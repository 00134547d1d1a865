// Package server exposes the operator/admin HTTP API: queue inspection,
// dead-letter retry and purge, conflict resolution and lock status.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vitalsync/vitalsync/internal/coalesce"
	"github.com/vitalsync/vitalsync/internal/lock"
	"github.com/vitalsync/vitalsync/internal/schema"
	"github.com/vitalsync/vitalsync/internal/store"
)

// Server is the admin HTTP server.
type Server struct {
	store      *store.Store
	locks      *lock.Service
	schemas    *schema.Registry
	coalescer  *coalesce.Coalescer
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server. schemas may be nil, in which case enqueued
// payloads are not validated. coalescer may be nil, in which case the
// device value endpoint enqueues directly.
func New(s *store.Store, locks *lock.Service, schemas *schema.Registry, coalescer *coalesce.Coalescer, bindAddr string) *Server {
	srv := &Server{store: s, locks: locks, schemas: schemas, coalescer: coalescer}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:    bindAddr,
		Handler: srv.router,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Queue inspection and enqueue
		r.Get("/queue", s.handleQueue)
		r.Post("/queue", s.handleEnqueue)
		r.Get("/queue/emergency", s.handleEmergencyQueue)

		// Dead-letter management
		r.Get("/deadletter", s.handleDeadLetterList)
		r.Post("/deadletter/{id}/retry", s.handleDeadLetterRetry)
		r.Delete("/deadletter/{id}", s.handleDeadLetterPurge)

		// Conflict resolution
		r.Get("/conflicts", s.handleConflictList)
		r.Post("/conflicts/{entityType}/{entityID}/resolve", s.handleConflictResolve)

		// Device control
		r.Post("/device/{deviceID}/value", s.handleDeviceValue)
		r.Get("/coalescer", s.handleCoalescerStats)

		// Lock status and audit trail
		r.Get("/locks", s.handleLocks)
		r.Get("/events", s.handleEvents)
		r.Get("/events/search", s.handleEventSearch)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("admin server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("admin server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
