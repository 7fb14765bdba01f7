package models

import "time"

// RecipientStatus is the delivery/engagement state of a single recipient
type RecipientStatus string

const (
	RecipientPending      RecipientStatus = "pending"
	RecipientQueued       RecipientStatus = "queued"
	RecipientSent         RecipientStatus = "sent"
	RecipientDelivered    RecipientStatus = "delivered"
	RecipientOpened       RecipientStatus = "opened"
	RecipientClicked      RecipientStatus = "clicked"
	RecipientBounced      RecipientStatus = "bounced"
	RecipientFailed       RecipientStatus = "failed"
	RecipientUnsubscribed RecipientStatus = "unsubscribed"
	RecipientCancelled    RecipientStatus = "cancelled"
)

// statusRank orders the forward progression pending -> queued -> sent ->
// delivered -> opened -> clicked. Terminal branch states are not ranked.
var statusRank = map[RecipientStatus]int{
	RecipientPending:   0,
	RecipientQueued:    1,
	RecipientSent:      2,
	RecipientDelivered: 3,
	RecipientOpened:    4,
	RecipientClicked:   5,
}

// Rank returns the position of s on the forward progression, or -1 for
// terminal branch states.
func (s RecipientStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether s is a terminal branch state
func (s RecipientStatus) Terminal() bool {
	switch s {
	case RecipientBounced, RecipientFailed, RecipientUnsubscribed, RecipientCancelled:
		return true
	}
	return false
}

// CampaignRecipient is one (campaign, contact) delivery row. Email is
// snapshotted at resolution time; later contact edits never retarget it.
type CampaignRecipient struct {
	ID            string          `json:"id"`
	CampaignID    string          `json:"campaign_id"`
	ContactID     string          `json:"contact_id"`
	Email         string          `json:"email"`
	Variant       string          `json:"variant,omitempty"` // "A"/"B", empty for non-A/B campaigns
	Status        RecipientStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	OpenCount     int             `json:"open_count"`
	ClickCount    int             `json:"click_count"`
	ProviderMsgID string          `json:"provider_msg_id,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RecipientPage is one page of recipients plus the unpaged total
type RecipientPage struct {
	Recipients []CampaignRecipient `json:"recipients"`
	Total      int                 `json:"total"`
}

// RecipientListFilter for paginated recipient listing
type RecipientListFilter struct {
	CampaignID string
	Status     RecipientStatus
	Limit      int
	Offset     int
}
