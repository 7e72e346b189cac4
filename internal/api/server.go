// Package api exposes the HTTP surface of the mirror service: the
// query-protocol endpoints consumed by the visualization client, the sync
// control endpoints, and the health and observability routes.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/phivo/statsync/internal/aggregate"
	"github.com/phivo/statsync/internal/common"
	"github.com/phivo/statsync/internal/metrics"
	"github.com/phivo/statsync/internal/store"
	"github.com/phivo/statsync/internal/syncer"
)

// Server routes HTTP requests onto the store, the aggregation engine and
// the sync orchestrator. The orchestrator and the query path never touch
// each other except through the store.
type Server struct {
	router chi.Router
	store  *store.Store
	engine *aggregate.Engine
	syncer *syncer.Syncer
}

// NewServer wires the HTTP surface.
func NewServer(st *store.Store, engine *aggregate.Engine, sync *syncer.Syncer) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		store:  st,
		engine: engine,
		syncer: sync,
	}
	srv.routes()
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	logger := common.Logger()
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("api: request handled", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(started))
		})
	})

	// Visualization clients probe the root to verify connectivity.
	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.router.Post("/search", s.handleSearch)
	s.router.Post("/query", s.handleQuery)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Post("/v1/sync/run", s.handleSyncRun)
	s.router.Post("/v1/sync/backfill", s.handleSyncBackfill)
	s.router.Get("/v1/sync/status", s.handleSyncStatus)
	s.router.Get("/v1/logs", s.handleLogs)
	s.router.Handle("/metrics", metrics.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.syncer.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"sync_running": status.Running,
		"last_sync":    status.LastSync,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, common.LogEntries())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logger := common.Logger()
	if status >= http.StatusInternalServerError {
		logger.Error("api: request failed", "status", status, "error", err)
	} else {
		logger.Warn("api: request failed", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
