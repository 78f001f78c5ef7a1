// Package server exposes the sync core over HTTP for the embedding
// application: operation management, status, cache inspection, sync control,
// and a server-sent event stream.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftsynchq/driftsync/internal/cache"
	"github.com/driftsynchq/driftsync/internal/connectivity"
	"github.com/driftsynchq/driftsync/internal/coordinator"
	"github.com/driftsynchq/driftsync/internal/events"
	"github.com/driftsynchq/driftsync/internal/oplog"
)

// Server is the HTTP surface of the sync core.
type Server struct {
	log        *oplog.Log
	store      *cache.Store
	coord      *coordinator.Coordinator
	monitor    *connectivity.Monitor
	bus        *events.Bus
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server.
func New(log *oplog.Log, store *cache.Store, coord *coordinator.Coordinator,
	monitor *connectivity.Monitor, bus *events.Bus, bindAddr string) *Server {
	srv := &Server{
		log:     log,
		store:   store,
		coord:   coord,
		monitor: monitor,
		bus:     bus,
	}
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
		// Operations
		r.Post("/operations", s.handleEnqueue)
		r.Get("/operations", s.handleListOperations)
		r.Get("/operations/{id}", s.handleGetOperation)
		r.Delete("/operations/{id}", s.handleCancelOperation)
		r.Post("/operations/{id}/resume", s.handleResumeOperation)

		// Conflict audit
		r.Get("/conflicts", s.handleListConflicts)

		// Cache
		r.Get("/cache/stats", s.handleCacheStats)
		r.Get("/cache/quarantine", s.handleCacheQuarantine)
		r.Post("/cache/compact", s.handleCacheCompact)
		r.Get("/cache/entries/{key}", s.handleCacheGet)

		// Sync control
		r.Post("/sync", s.handleSync)
		r.Post("/sync/cancel", s.handleSyncCancel)
		r.Get("/status", s.handleStatus)

		// Device signals
		r.Post("/connectivity", s.handleConnectivity)

		// Event stream
		r.Get("/events", s.handleSSE)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// JSON response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

// writeOplogError maps operation log error codes onto HTTP statuses.
func writeOplogError(w http.ResponseWriter, err error) {
	switch {
	case oplog.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION")
	case oplog.IsNotFoundError(err):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case oplog.IsTerminalError(err):
		writeError(w, http.StatusConflict, err.Error(), "TERMINAL")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

func decodeJSON(r *http.Request, v any) error {
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
