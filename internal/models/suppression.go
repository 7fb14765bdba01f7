package models

import "time"

// SuppressionReason enumerates why an address was suppressed
type SuppressionReason string

const (
	SuppressUnsubscribe SuppressionReason = "unsubscribe"
	SuppressHardBounce  SuppressionReason = "hard_bounce"
	SuppressComplaint   SuppressionReason = "complaint"
	SuppressManual      SuppressionReason = "manual"
)

// EmailSuppression is one append-only entry in the tenant suppression list.
// While present, the address is ineligible for all campaign targeting.
type EmailSuppression struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Email     string            `json:"email"`
	Reason    SuppressionReason `json:"reason"`
	CreatedAt time.Time         `json:"created_at"`
}
