package engage

import (
	"encoding/json"
	"fmt"
	"time"
)

// GridAdapter normalizes the batched JSON-array webhook format used by
// SendGrid-style providers.
type GridAdapter struct{}

func (GridAdapter) Name() string { return "grid" }

type gridEvent struct {
	Email       string `json:"email"`
	Event       string `json:"event"`
	EventID     string `json:"sg_event_id"`
	MessageID   string `json:"sg_message_id"`
	Timestamp   int64  `json:"timestamp"`
	URL         string `json:"url"`
	BounceType  string `json:"type"` // "bounce" or "blocked"
	CampaignID  string `json:"campaign_id"`  // custom arg
	RecipientID string `json:"recipient_id"` // custom arg
}

// Normalize maps each entry in the batch; entries with event types this
// engine does not track come back with an empty Type and are dropped by
// the processor as unknown.
func (GridAdapter) Normalize(payload []byte) ([]Event, error) {
	var raw []gridEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed grid payload: %w", err)
	}

	events := make([]Event, 0, len(raw))
	for _, e := range raw {
		ev := Event{
			ProviderEventID: e.EventID,
			Provider:        "grid",
			RecipientID:     e.RecipientID,
			ProviderMsgID:   e.MessageID,
			CampaignID:      e.CampaignID,
			Email:           e.Email,
			OccurredAt:      time.Unix(e.Timestamp, 0).UTC(),
			URL:             e.URL,
		}

		switch e.Event {
		case "delivered":
			ev.Type = EventDelivered
		case "open":
			ev.Type = EventOpen
		case "click":
			ev.Type = EventClick
		case "bounce":
			ev.Type = EventBounce
			ev.HardBounce = e.BounceType != "blocked"
		case "dropped":
			ev.Type = EventBounce
			ev.HardBounce = true
		case "spamreport":
			ev.Type = EventComplaint
		case "unsubscribe", "group_unsubscribe":
			ev.Type = EventUnsubscribe
		}
		events = append(events, ev)
	}
	return events, nil
}

// PostalAdapter normalizes the single-event wrapped format used by
// Mailgun-style providers.
type PostalAdapter struct{}

func (PostalAdapter) Name() string { return "postal" }

type postalPayload struct {
	EventData struct {
		ID        string  `json:"id"`
		Event     string  `json:"event"`
		Timestamp float64 `json:"timestamp"`
		Recipient string  `json:"recipient"`
		Severity  string  `json:"severity"` // permanent / temporary
		URL       string  `json:"url"`
		Message   struct {
			Headers struct {
				MessageID string `json:"message-id"`
			} `json:"headers"`
		} `json:"message"`
		UserVariables struct {
			CampaignID  string `json:"campaign_id"`
			RecipientID string `json:"recipient_id"`
		} `json:"user-variables"`
	} `json:"event-data"`
}

func (PostalAdapter) Normalize(payload []byte) ([]Event, error) {
	var raw postalPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("malformed postal payload: %w", err)
	}
	d := raw.EventData

	sec := int64(d.Timestamp)
	nsec := int64((d.Timestamp - float64(sec)) * 1e9)

	msgID := d.Message.Headers.MessageID
	if msgID != "" {
		msgID = "<" + msgID + ">"
	}

	ev := Event{
		ProviderEventID: d.ID,
		Provider:        "postal",
		RecipientID:     d.UserVariables.RecipientID,
		ProviderMsgID:   msgID,
		CampaignID:      d.UserVariables.CampaignID,
		Email:           d.Recipient,
		OccurredAt:      time.Unix(sec, nsec).UTC(),
		URL:             d.URL,
	}

	switch d.Event {
	case "delivered":
		ev.Type = EventDelivered
	case "opened":
		ev.Type = EventOpen
	case "clicked":
		ev.Type = EventClick
	case "failed":
		ev.Type = EventBounce
		ev.HardBounce = d.Severity == "permanent"
	case "complained":
		ev.Type = EventComplaint
	case "unsubscribed":
		ev.Type = EventUnsubscribe
	}

	return []Event{ev}, nil
}

// Adapters returns the registry of supported provider adapters keyed by
// webhook path segment.
func Adapters() map[string]Adapter {
	return map[string]Adapter{
		"grid":   GridAdapter{},
		"postal": PostalAdapter{},
	}
}
