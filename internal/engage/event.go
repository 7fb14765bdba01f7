package engage

import (
	"fmt"
	"time"
)

// EventType classifies a canonical engagement event
type EventType string

const (
	EventDelivered   EventType = "delivered"
	EventOpen        EventType = "open"
	EventClick       EventType = "click"
	EventBounce      EventType = "bounce"
	EventComplaint   EventType = "complaint"
	EventUnsubscribe EventType = "unsubscribe"
)

// Event is the canonical engagement event every provider payload and
// tracking request normalizes into. Exactly one of RecipientID,
// ProviderMsgID or (CampaignID, Email) must identify the recipient.
type Event struct {
	ProviderEventID string    `json:"provider_event_id"` // idempotency key
	Provider        string    `json:"provider"`
	RecipientID     string    `json:"recipient_id,omitempty"`
	ProviderMsgID   string    `json:"provider_msg_id,omitempty"`
	CampaignID      string    `json:"campaign_id,omitempty"`
	Email           string    `json:"email,omitempty"`
	Type            EventType `json:"event_type"`
	HardBounce      bool      `json:"hard_bounce,omitempty"`
	URL             string    `json:"url,omitempty"` // click target
	OccurredAt      time.Time `json:"occurred_at"`
}

// Adapter normalizes one provider's webhook payload into canonical events.
// Adding a provider never touches the processing or idempotency logic.
type Adapter interface {
	Name() string
	Normalize(payload []byte) ([]Event, error)
}

// SynthesizeEventID builds an idempotency key for tracking requests that
// carry no provider event id. The time bucket collapses rapid refreshes of
// the same pixel while letting a later revisit count again.
func SynthesizeEventID(recipientID string, t EventType, at time.Time) string {
	bucket := at.UTC().Truncate(time.Minute).Unix()
	return fmt.Sprintf("%s:%s:%d", recipientID, t, bucket)
}

// PixelEvent synthesizes an open event from a tracking pixel request
func PixelEvent(recipientID string, at time.Time) Event {
	return Event{
		ProviderEventID: SynthesizeEventID(recipientID, EventOpen, at),
		Provider:        "pixel",
		RecipientID:     recipientID,
		Type:            EventOpen,
		OccurredAt:      at,
	}
}

// ClickEvent synthesizes a click event from a redirect request
func ClickEvent(recipientID, url string, at time.Time) Event {
	return Event{
		ProviderEventID: SynthesizeEventID(recipientID, EventClick, at),
		Provider:        "redirect",
		RecipientID:     recipientID,
		Type:            EventClick,
		URL:             url,
		OccurredAt:      at,
	}
}

// UnsubscribeEvent synthesizes an unsubscribe from the one-click endpoint
func UnsubscribeEvent(recipientID string, at time.Time) Event {
	return Event{
		ProviderEventID: SynthesizeEventID(recipientID, EventUnsubscribe, at),
		Provider:        "unsubscribe",
		RecipientID:     recipientID,
		Type:            EventUnsubscribe,
		OccurredAt:      at,
	}
}
