package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mailward/mailward/internal/lifecycle"
	"github.com/mailward/mailward/internal/resolver"
)

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendServiceError maps domain errors onto HTTP statuses
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrCampaignNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case lifecycle.IsInvalidTransition(err):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrFilterRequired),
		errors.Is(err, lifecycle.ErrNoRecipients),
		errors.Is(err, resolver.ErrRecipientResolution):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}
