package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailward/mailward/internal/models"
)

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var t models.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if t.Name == "" || t.Subject == "" {
		s.sendError(w, http.StatusBadRequest, "name and subject are required")
		return
	}
	if t.HTML == "" && t.Text == "" {
		s.sendError(w, http.StatusBadRequest, "html or text body is required")
		return
	}

	if err := s.templates.Create(&t); err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, t)
}

// handleGetTemplate handles GET /api/v1/templates/{id}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.templates.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if t == nil {
		s.sendError(w, http.StatusNotFound, "template not found")
		return
	}
	s.sendJSON(w, http.StatusOK, t)
}

// handleCreateContact handles POST /api/v1/contacts
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var c models.Contact
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if c.TenantID == "" || c.Email == "" {
		s.sendError(w, http.StatusBadRequest, "tenant_id and email are required")
		return
	}

	if err := s.contacts.Create(&c); err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, c)
}
