package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailward/mailward/internal/engage"
)

// trackingPixel is a 1x1 transparent GIF
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// handleTrackOpen handles GET /t/open/{recipientID}.gif. The pixel is
// always returned; a tracking failure must never break mail rendering.
func (s *Server) handleTrackOpen(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	if recipientID != "" {
		ev := engage.PixelEvent(recipientID, time.Now())
		if err := s.processor.Process(ev); err != nil {
			s.logger.Error("failed to process open event", "recipient_id", recipientID, "error", err)
		}
	}

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(trackingPixel)
}

// handleTrackClick handles GET /t/click/{recipientID}?url=. The click is
// recorded, then the visitor is redirected to the original link.
func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	target := r.URL.Query().Get("url")

	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		s.sendError(w, http.StatusBadRequest, "url must be an absolute http(s) link")
		return
	}

	if recipientID != "" {
		ev := engage.ClickEvent(recipientID, target, time.Now())
		if err := s.processor.Process(ev); err != nil {
			s.logger.Error("failed to process click event", "recipient_id", recipientID, "error", err)
		}
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// handleTrackUnsubscribe handles GET /t/unsub/{recipientID}
func (s *Server) handleTrackUnsubscribe(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "recipientID")
	if recipientID == "" {
		s.sendError(w, http.StatusBadRequest, "recipient id is required")
		return
	}

	ev := engage.UnsubscribeEvent(recipientID, time.Now())
	if err := s.processor.Process(ev); err != nil {
		s.logger.Error("failed to process unsubscribe", "recipient_id", recipientID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("You have been unsubscribed.\n"))
}
