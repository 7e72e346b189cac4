package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/phivo/statsync/internal/syncer"
	"github.com/phivo/statsync/internal/upstream"
)

// handleSyncRun triggers an on-demand window sync in the background.
// A sync already in flight is reported to the caller rather than queued.
func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	// Sync passes run to completion regardless of the caller hanging up.
	if err := s.syncer.StartWindow(context.WithoutCancel(r.Context())); err != nil {
		if errors.Is(err, syncer.ErrSyncRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// handleSyncBackfill re-syncs one calendar year inline and reports the
// processed counts.
func (s *Server) handleSyncBackfill(w http.ResponseWriter, r *http.Request) {
	yearParam := strings.TrimSpace(r.URL.Query().Get("year"))
	if yearParam == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("year query parameter required"))
		return
	}
	year, err := strconv.Atoi(yearParam)
	if err != nil || year < 1970 || year > time.Now().UTC().Year()+1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid year %q", yearParam))
		return
	}
	result, err := s.syncer.RunBackfill(context.WithoutCancel(r.Context()), year)
	if err != nil {
		switch {
		case errors.Is(err, syncer.ErrSyncRunning):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, upstream.ErrAuthentication):
			writeError(w, http.StatusBadGateway, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.syncer.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
