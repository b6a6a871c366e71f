package api

import (
	"net/http"

	"github.com/brez-sync/internal/service"
	"github.com/brez-sync/internal/types"
	"github.com/gorilla/mux"
)

// handleRegisterConnection handles POST /api/tenants/{tenantId}/connections.
// The connection is stored active and its full sync is queued.
func (s *Server) handleRegisterConnection(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterConnectionInput
	if err := parseJSONBody(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	in.TenantID = mux.Vars(r)["tenantId"]
	if err := s.validate.Struct(in); err != nil {
		respondValidation(w, err)
		return
	}

	conn, resp, err := s.sync.RegisterConnection(r.Context(), in)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"connection": conn,
		"sync":       resp,
	})
}

// handleDisconnect handles DELETE /api/tenants/{tenantId}/connections/{platform}
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	platform := types.Platform(vars["platform"])
	if !platform.Valid() {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown platform", map[string]interface{}{"platform": vars["platform"]})
		return
	}

	res, err := s.sync.Disconnect(r.Context(), vars["tenantId"], platform)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
