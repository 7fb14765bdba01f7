package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailward/mailward/internal/models"
)

// handlePreviewRecipients handles POST /api/v1/campaigns/{id}/preview.
// Side-effect free: evaluates the stored filter without creating rows.
func (s *Server) handlePreviewRecipients(w http.ResponseWriter, r *http.Request) {
	c, err := s.lifecycle.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if c.Filter.Empty() {
		s.sendError(w, http.StatusBadRequest, "campaign has no recipient filter")
		return
	}

	preview, err := s.resolver.Preview(c.TenantID, c.Filter, queryInt(r, "sample", 10))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, preview)
}

// handlePopulateRecipients handles POST /api/v1/campaigns/{id}/populate.
// Idempotent: re-populating an already populated campaign is a no-op.
func (s *Server) handlePopulateRecipients(w http.ResponseWriter, r *http.Request) {
	c, err := s.lifecycle.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	n, err := s.resolver.Populate(c)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]int{"recipients": n})
}

// handleListRecipients handles GET /api/v1/campaigns/{id}/recipients
func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	if _, err := s.lifecycle.Get(chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, err)
		return
	}

	page, err := s.recipients.List(models.RecipientListFilter{
		CampaignID: chi.URLParam(r, "id"),
		Status:     models.RecipientStatus(r.URL.Query().Get("status")),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, page)
}
