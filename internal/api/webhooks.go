package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailward/mailward/internal/engage"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// handleWebhook handles POST /webhooks/{provider}. Duplicate and unknown
// events still return success: the provider must not redeliver them.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	adapter, ok := s.adapters[provider]
	if !ok {
		s.sendError(w, http.StatusNotFound, "unknown provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if secret := s.config.WebhookSecrets[provider]; secret != "" {
		err := engage.VerifySignature(
			secret,
			r.Header.Get("X-Webhook-Timestamp"),
			r.Header.Get("X-Webhook-Signature"),
			body,
			time.Now(),
		)
		if err != nil {
			s.logger.Warn("webhook signature rejected",
				"provider", provider,
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			s.sendError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	events, err := adapter.Normalize(body)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Storage failures return 500 so the provider redelivers; the
	// processor withdraws failed ids from the dedup set so the retry
	// is not mistaken for a duplicate.
	if err := s.processor.ProcessBatch(events); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to process events")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]int{"received": len(events)})
}
