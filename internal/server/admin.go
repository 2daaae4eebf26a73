package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/storage"
	"github.com/Sarvesh-Lokhande/TrafficMonitorBackend/internal/telemetry"
)

const (
	defaultVisitLimit = 50
	maxVisitLimit     = 500
)

// handleRecentVisits returns stored visits, most recent first.
// Query: ?limit=N (default 50, capped at 500).
func (s *Server) handleRecentVisits(w http.ResponseWriter, r *http.Request) {
	limit := defaultVisitLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxVisitLimit)
	}

	visits, err := s.store.RecentVisits(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading recent visits", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read visits")
		return
	}
	if visits == nil {
		visits = []storage.Visit{}
	}
	writeJSON(w, http.StatusOK, visits)
}

type purgeResponse struct {
	Removed int64     `json:"removed"`
	Before  time.Time `json:"before"`
}

// handlePurgeVisits deletes visits older than the retention horizon.
func (s *Server) handlePurgeVisits(w http.ResponseWriter, r *http.Request) {
	before := s.clock.Now().Add(-s.opts.Retention).UTC()
	n, err := s.store.PurgeVisits(r.Context(), before)
	if err != nil {
		s.logger.Error("purging visits", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to purge visits")
		return
	}
	s.logger.Info("purged old visits", "removed", n, "before", before)
	writeJSON(w, http.StatusOK, purgeResponse{Removed: n, Before: before})
}

// handleListPolicies lists policy entries. Query: ?status=whitelisted|blacklisted.
func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	var status storage.PolicyStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := storage.ParsePolicyStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		status = st
	}
	entries, err := s.gate.List(r.Context(), status)
	if err != nil {
		s.logger.Error("listing policies", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list policies")
		return
	}
	if entries == nil {
		entries = []storage.PolicyEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type setPolicyRequest struct {
	Status string `json:"status"`
}

// handleSetPolicy sets the status of the address in the path.
func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	var req setPolicyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {\"status\": \"whitelisted|blacklisted\"}")
		return
	}
	status, err := storage.ParsePolicyStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.gate.SetStatus(r.Context(), addr, status); err != nil {
		s.logger.Error("setting policy", "addr", addr, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save policy")
		return
	}
	entry, _ := s.gate.Status(addr)
	writeJSON(w, http.StatusOK, entry)
}

// handleClearPolicy removes the policy for the address in the path.
func (s *Server) handleClearPolicy(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	err := s.gate.ClearStatus(r.Context(), addr)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "no policy for "+addr)
	case err != nil:
		s.logger.Error("clearing policy", "addr", addr, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear policy")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleConnections lists open connections with full records.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dir.Snapshot())
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.dir.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type statsResponse struct {
	Connections    int             `json:"connections"`
	Observers      int             `json:"observers"`
	DroppedClients uint64          `json:"droppedClients"`
	Telemetry      telemetry.Stats `json:"telemetry"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Connections:    s.dir.Len(),
		Observers:      s.hub.ClientCount(),
		DroppedClients: s.hub.Dropped(),
		Telemetry:      s.flusher.Stats(),
	})
}

// handleFlush forces a flush and waits for it.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.flusher.Flush(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     err.Error(),
			"telemetry": s.flusher.Stats(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"telemetry": s.flusher.Stats()})
}
