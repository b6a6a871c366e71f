package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/brez-sync/internal/service"
	"github.com/brez-sync/internal/types"
	"github.com/gorilla/mux"
)

const (
	defaultEtlJobsLimit = 50
	maxEtlJobsLimit     = 500
	maxLookbackDays     = 730
)

// handleRequestSync handles POST /api/tenants/{tenantId}/sync
func (s *Server) handleRequestSync(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenantId"]

	var req service.SyncRequest
	if err := parseJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.Scope == "" {
		req.Scope = types.ScopeRecent
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidation(w, err)
		return
	}
	req.Manual = true

	resp, err := s.sync.RequestSync(r.Context(), tenantID, req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// handleSyncStatus handles GET /api/tenants/{tenantId}/sync/status
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sync.Status(r.Context(), mux.Vars(r)["tenantId"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleListEtlJobs handles GET /api/tenants/{tenantId}/etl-jobs?limit=
func (s *Server) handleListEtlJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultEtlJobsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEtlJobsLimit {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be between 1 and 500", nil)
			return
		}
		limit = n
	}

	records, err := s.ledger.ListByTenant(r.Context(), mux.Vars(r)["tenantId"], limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  records,
		"count": len(records),
	})
}

// handleGaps handles GET /api/tenants/{tenantId}/gaps?lookbackDays=&force=
func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	if s.gaps == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Gap detection is not configured", nil)
		return
	}
	q := r.URL.Query()

	lookback := 0
	if v := q.Get("lookbackDays"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLookbackDays {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "lookbackDays must be between 1 and 730", nil)
			return
		}
		lookback = n
	}
	force := false
	if v := q.Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "force must be a boolean", nil)
			return
		}
		force = b
	}

	report, err := s.gaps.Inspect(r.Context(), mux.Vars(r)["tenantId"], lookback, force)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleQueueStats handles GET /api/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Queue stats are not available", nil)
		return
	}
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
