package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailward/mailward/internal/models"
)

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c models.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if c.TenantID == "" {
		s.sendError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if c.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if c.FromEmail == "" {
		s.sendError(w, http.StatusBadRequest, "from_email is required")
		return
	}
	if c.TemplateID == "" {
		s.sendError(w, http.StatusBadRequest, "template_id is required")
		return
	}
	if c.Type == "" {
		c.Type = models.TypeStandard
	}

	if err := s.lifecycle.Create(&c); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := models.CampaignListFilter{
		TenantID: r.URL.Query().Get("tenant_id"),
		Status:   models.CampaignStatus(r.URL.Query().Get("status")),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}

	campaigns, total, err := s.campaigns.List(filter)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"campaigns": campaigns,
		"total":     total,
	})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.lifecycle.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaign handles PUT /api/v1/campaigns/{id}
func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var c models.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	c.ID = chi.URLParam(r, "id")

	if err := s.lifecycle.Update(&c); err != nil {
		s.sendServiceError(w, err)
		return
	}

	updated, err := s.lifecycle.Get(c.ID)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, updated)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Delete(chi.URLParam(r, "id")); err != nil {
		s.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScheduleCampaign handles POST /api/v1/campaigns/{id}/schedule
func (s *Server) handleScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduledAt time.Time `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ScheduledAt.IsZero() {
		s.sendError(w, http.StatusBadRequest, "scheduled_at is required")
		return
	}

	c, err := s.lifecycle.Schedule(chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.lifecycle.Start(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.lifecycle.Pause(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleResumeCampaign handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.lifecycle.Resume(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCancelCampaign handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.lifecycle.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleTestSend handles POST /api/v1/campaigns/{id}/test-send
func (s *Server) handleTestSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Addresses []string `json:"addresses"`
		Variant   string   `json:"variant,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Addresses) == 0 {
		s.sendError(w, http.StatusBadRequest, "addresses is required")
		return
	}

	results, err := s.dispatcher.TestSend(r.Context(), chi.URLParam(r, "id"), req.Variant, req.Addresses)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleAnalytics handles GET /api/v1/campaigns/{id}/analytics
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.lifecycle.Analytics(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, a)
}

// handleVariantStats handles GET /api/v1/campaigns/{id}/variants
func (s *Server) handleVariantStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.lifecycle.Get(id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	stats, err := s.recipients.VariantStats(id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{
		"variants":        stats,
		"winning_variant": c.WinningVariant,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
