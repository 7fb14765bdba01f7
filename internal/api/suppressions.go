package api

import (
	"encoding/json"
	"net/http"

	"github.com/mailward/mailward/internal/metrics"
	"github.com/mailward/mailward/internal/models"
)

// handleListSuppressions handles GET /api/v1/suppressions?tenant_id=
func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		s.sendError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	entries, total, err := s.suppressions.List(tenantID, queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"suppressions": entries,
		"total":        total,
	})
}

// handleAddSuppression handles POST /api/v1/suppressions
func (s *Server) handleAddSuppression(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string                   `json:"tenant_id"`
		Email    string                   `json:"email"`
		Reason   models.SuppressionReason `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TenantID == "" || req.Email == "" {
		s.sendError(w, http.StatusBadRequest, "tenant_id and email are required")
		return
	}
	if req.Reason == "" {
		req.Reason = models.SuppressManual
	}

	if err := s.suppressions.Add(req.TenantID, req.Email, req.Reason); err != nil {
		s.sendServiceError(w, err)
		return
	}
	metrics.IncSuppressions(string(req.Reason))
	w.WriteHeader(http.StatusNoContent)
}

// handleRemoveSuppression handles DELETE /api/v1/suppressions?tenant_id=&email=
func (s *Server) handleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	email := r.URL.Query().Get("email")
	if tenantID == "" || email == "" {
		s.sendError(w, http.StatusBadRequest, "tenant_id and email are required")
		return
	}

	if err := s.suppressions.Remove(tenantID, email); err != nil {
		s.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
