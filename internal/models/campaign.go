package models

import "time"

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// CampaignType distinguishes plain sends from A/B tests
type CampaignType string

const (
	TypeStandard  CampaignType = "standard"
	TypeABTest    CampaignType = "ab_test"
	TypeAutomated CampaignType = "automated"
)

// WinnerMetric selects how the A/B winner is decided
type WinnerMetric string

const (
	WinnerByOpenRate  WinnerMetric = "open_rate"
	WinnerByClickRate WinnerMetric = "click_rate"
)

// Campaign represents an outbound email campaign
type Campaign struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	Name               string          `json:"name"`
	Status             CampaignStatus  `json:"status"`
	Type               CampaignType    `json:"campaign_type"`
	FromEmail          string          `json:"from_email"`
	FromName           string          `json:"from_name"`
	ReplyTo            string          `json:"reply_to"`
	TemplateID         string          `json:"template_id"`
	VariantBTemplateID string          `json:"variant_b_template_id,omitempty"`
	ABTestSplit        int             `json:"ab_test_split"` // percent routed to variant B
	ABTestWinnerMetric WinnerMetric    `json:"ab_test_winner_metric,omitempty"`
	WinningVariant     string          `json:"winning_variant,omitempty"`
	Filter             RecipientFilter `json:"recipient_filter"`
	SendRatePerHour    int             `json:"send_rate_per_hour"`
	ScheduledAt        *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	PausedAt           *time.Time      `json:"paused_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// IsABTest reports whether recipients get split across two template variants
func (c *Campaign) IsABTest() bool {
	return c.Type == TypeABTest && c.VariantBTemplateID != ""
}

// CampaignStats is the aggregate counter set for a campaign. All values are
// a deterministic fold over current recipient rows, never stored separately.
type CampaignStats struct {
	Recipients   int `json:"recipients"`
	Sent         int `json:"sent"`
	Delivered    int `json:"delivered"`
	Opened       int `json:"opened"`
	Clicked      int `json:"clicked"`
	Bounced      int `json:"bounced"`
	Failed       int `json:"failed"`
	Unsubscribed int `json:"unsubscribed"`
	UniqueOpens  int `json:"unique_opens"`
	UniqueClicks int `json:"unique_clicks"`
	Pending      int `json:"pending"`
	Queued       int `json:"queued"`
}

// Drained reports whether no recipient remains to be dispatched
func (s CampaignStats) Drained() bool {
	return s.Pending == 0 && s.Queued == 0
}

// Analytics holds derived rates, computed on read from the counter fold
type Analytics struct {
	CampaignStats
	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	BounceRate   float64 `json:"bounce_rate"`
}

// ComputeAnalytics derives read-time rates from the counter fold
func ComputeAnalytics(s CampaignStats) Analytics {
	a := Analytics{CampaignStats: s}
	if s.Sent > 0 {
		a.DeliveryRate = float64(s.Delivered) / float64(s.Sent)
		a.BounceRate = float64(s.Bounced) / float64(s.Sent)
	}
	if s.Delivered > 0 {
		a.OpenRate = float64(s.UniqueOpens) / float64(s.Delivered)
		a.ClickRate = float64(s.UniqueClicks) / float64(s.Delivered)
	}
	return a
}

// VariantStats holds per-variant unique engagement counts for A/B evaluation
type VariantStats struct {
	Variant      string `json:"variant"`
	Delivered    int    `json:"delivered"`
	UniqueOpens  int    `json:"unique_opens"`
	UniqueClicks int    `json:"unique_clicks"`
}

// CampaignListFilter for filtering campaigns
type CampaignListFilter struct {
	TenantID string
	Status   CampaignStatus
	Limit    int
	Offset   int
}
