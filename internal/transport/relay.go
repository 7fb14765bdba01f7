package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// RelayConfig contains settings for the HTTP API transport
type RelayConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// RelaySender delivers messages through a provider's HTTP send API
type RelaySender struct {
	config *RelayConfig
	client *http.Client
	logger *slog.Logger
}

// NewRelaySender creates a new HTTP API sender
func NewRelaySender(cfg *RelayConfig, logger *slog.Logger) *RelaySender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RelaySender{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "relay"),
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	ReplyTo string `json:"reply_to,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Send submits the message to the provider API. HTTP 429 and 5xx responses
// are temporary; other 4xx responses are permanent rejections.
func (s *RelaySender) Send(ctx context.Context, msg *Message) (*Result, error) {
	payload := sendRequest{
		From:    msg.From,
		To:      msg.To,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &DeliveryError{Temporary: false, Message: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	url := strings.TrimSuffix(s.config.BaseURL, "/") + "/api/v1/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, &DeliveryError{Temporary: false, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &DeliveryError{Temporary: true, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		detail := resp.Status
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			detail = errResp.Error
		}
		temporary := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, &DeliveryError{
			Temporary: temporary,
			Message:   fmt.Sprintf("provider rejected message (status %d): %s", resp.StatusCode, detail),
		}
	}

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &DeliveryError{Temporary: true, Message: fmt.Sprintf("failed to decode response: %v", err)}
	}

	s.logger.Debug("message accepted by provider", "to", msg.To, "message_id", result.MessageID)
	return &Result{ProviderMessageID: result.MessageID}, nil
}
