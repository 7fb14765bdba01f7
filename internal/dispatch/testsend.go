package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/mailward/mailward/internal/models"
	"github.com/mailward/mailward/internal/transport"
)

// TestSendResult is the per-address outcome of a test send
type TestSendResult struct {
	Email  string `json:"email"`
	Status string `json:"status"` // sent, suppressed, failed
	Error  string `json:"error,omitempty"`
}

// TestSend renders the campaign for ad-hoc addresses and transmits
// immediately. It bypasses the recipient table and the rate limiter and
// records no engagement, but still refuses suppressed addresses.
func (d *Dispatcher) TestSend(ctx context.Context, campaignID, variant string, addresses []string) ([]TestSendResult, error) {
	c, err := d.campaigns.GetByID(campaignID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s not found", campaignID)
	}

	templateID := c.TemplateID
	if variant == "B" {
		if !c.IsABTest() {
			return nil, fmt.Errorf("campaign %s has no variant B", campaignID)
		}
		templateID = c.VariantBTemplateID
	}

	tmpl, err := d.templates.GetByID(templateID)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %s not found", templateID)
	}

	results := make([]TestSendResult, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}

		suppressed, err := d.suppressions.IsSuppressed(c.TenantID, addr)
		if err != nil {
			return nil, err
		}
		if suppressed {
			results = append(results, TestSendResult{Email: addr, Status: "suppressed"})
			continue
		}

		// Synthetic contact so template variables render with something
		contact := &models.Contact{Email: addr, Name: "Test Recipient"}
		rendered := d.engine.Render(tmpl, contact, nil)

		msg := &transport.Message{
			From:    FormatFrom(c.FromEmail, c.FromName),
			To:      addr,
			ReplyTo: c.ReplyTo,
			Subject: "[TEST] " + rendered.Subject,
			HTML:    rendered.HTML,
			Text:    rendered.Text,
		}

		if _, err := d.sender.Send(ctx, msg); err != nil {
			results = append(results, TestSendResult{Email: addr, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, TestSendResult{Email: addr, Status: "sent"})
	}

	d.logger.Info("test send completed", "campaign_id", campaignID, "addresses", len(addresses))
	return results, nil
}
