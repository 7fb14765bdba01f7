package models

import "time"

// Contact is an addressable entry in the tenant's contact store
type Contact struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Email     string            `json:"email"`
	Name      string            `json:"name"`
	Category  string            `json:"category"`
	Country   string            `json:"country"`
	Tags      []string          `json:"tags"`
	Fields    map[string]string `json:"fields"` // custom fields
	CreatedAt time.Time         `json:"created_at"`
}

// FieldOp is a custom-field comparison operator
type FieldOp string

const (
	OpEquals      FieldOp = "eq"
	OpNotEquals   FieldOp = "neq"
	OpContains    FieldOp = "contains"
	OpGreaterThan FieldOp = "gt"
	OpLessThan    FieldOp = "lt"
)

// FieldPredicate compares one custom field against a value
type FieldPredicate struct {
	Key   string  `json:"key"`
	Op    FieldOp `json:"op"`
	Value string  `json:"value"`
}

// RecipientFilter is the declarative targeting expression for a campaign.
// When ManualContactIDs is set the filter is in manual mode and all other
// predicates are ignored.
type RecipientFilter struct {
	TagsAny          []string         `json:"tags_any,omitempty"`
	TagsAll          []string         `json:"tags_all,omitempty"`
	CategoriesAny    []string         `json:"categories_any,omitempty"`
	Fields           []FieldPredicate `json:"fields,omitempty"`
	Countries        []string         `json:"countries,omitempty"`
	ManualContactIDs []string         `json:"manual_contact_ids,omitempty"`
	ExcludeSuppressed *bool           `json:"exclude_suppressed,omitempty"` // default true
}

// Manual reports whether the filter short-circuits to an explicit id list
func (f RecipientFilter) Manual() bool {
	return len(f.ManualContactIDs) > 0
}

// SuppressionExcluded reports the effective exclude_suppressed value
func (f RecipientFilter) SuppressionExcluded() bool {
	if f.ExcludeSuppressed == nil {
		return true
	}
	return *f.ExcludeSuppressed
}

// Empty reports whether the filter selects nothing at all
func (f RecipientFilter) Empty() bool {
	return !f.Manual() &&
		len(f.TagsAny) == 0 && len(f.TagsAll) == 0 &&
		len(f.CategoriesAny) == 0 && len(f.Fields) == 0 &&
		len(f.Countries) == 0
}

// ResolvedRecipient is one (contact_id, email) pair produced by the resolver
type ResolvedRecipient struct {
	ContactID string `json:"contact_id"`
	Email     string `json:"email"`
}

// FilterPreview is the side-effect-free preview of a filter evaluation
type FilterPreview struct {
	Count  int                 `json:"count"`
	Sample []ResolvedRecipient `json:"sample"`
}
