package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mailward/mailward/internal/models"
	"github.com/mailward/mailward/internal/repository"
)

var (
	// ErrRecipientResolution means the filter is malformed; no partial
	// recipient set is ever created.
	ErrRecipientResolution = errors.New("recipient resolution failed")

	// ErrAlreadyPopulated is returned internally when recipient rows exist;
	// Populate treats it as a successful no-op.
	errNotPopulatable = errors.New("campaign is not in a populatable state")
)

// Resolver turns a declarative recipient filter into the initial recipient
// set, excluding suppressed addresses.
type Resolver struct {
	contacts     *repository.ContactRepository
	suppressions *repository.SuppressionRepository
	recipients   *repository.RecipientRepository
	logger       *slog.Logger
}

func New(
	contacts *repository.ContactRepository,
	suppressions *repository.SuppressionRepository,
	recipients *repository.RecipientRepository,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		contacts:     contacts,
		suppressions: suppressions,
		recipients:   recipients,
		logger:       logger.With("component", "resolver"),
	}
}

// Resolve evaluates the filter against the contact store and returns the
// ordered (contact_id, email) set. Deterministic for a fixed store snapshot:
// candidates come back ordered by contact id.
func (r *Resolver) Resolve(tenantID string, filter models.RecipientFilter) ([]models.ResolvedRecipient, error) {
	if err := validateFilter(filter); err != nil {
		return nil, err
	}

	var candidates []models.Contact
	var err error

	if filter.Manual() {
		// Manual mode short-circuits all other predicates
		candidates, err = r.contacts.GetByIDs(tenantID, filter.ManualContactIDs)
	} else {
		candidates, err = r.contacts.FindCandidates(tenantID, filter)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecipientResolution, err)
	}

	matched := make([]models.Contact, 0, len(candidates))
	for _, c := range candidates {
		if filter.Manual() || matches(c, filter) {
			matched = append(matched, c)
		}
	}

	if filter.SuppressionExcluded() {
		emails := make([]string, len(matched))
		for i, c := range matched {
			emails[i] = c.Email
		}
		suppressed, err := r.suppressions.FilterSuppressed(tenantID, emails)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecipientResolution, err)
		}
		kept := matched[:0]
		for _, c := range matched {
			if !suppressed[strings.ToLower(c.Email)] {
				kept = append(kept, c)
			}
		}
		matched = kept
	}

	resolved := make([]models.ResolvedRecipient, len(matched))
	for i, c := range matched {
		resolved[i] = models.ResolvedRecipient{ContactID: c.ID, Email: c.Email}
	}
	return resolved, nil
}

// Preview returns only a count plus a small sample. Side-effect free: no
// recipient rows are created.
func (r *Resolver) Preview(tenantID string, filter models.RecipientFilter, sampleSize int) (*models.FilterPreview, error) {
	if sampleSize <= 0 {
		sampleSize = 10
	}
	resolved, err := r.Resolve(tenantID, filter)
	if err != nil {
		return nil, err
	}
	sample := resolved
	if len(sample) > sampleSize {
		sample = sample[:sampleSize]
	}
	return &models.FilterPreview{Count: len(resolved), Sample: sample}, nil
}

// Populate materializes recipient rows for a campaign. Idempotent by
// campaign id: if recipients already exist it is a no-op. Only legal while
// the campaign is in draft or scheduled.
func (r *Resolver) Populate(c *models.Campaign) (int, error) {
	switch c.Status {
	case models.CampaignDraft, models.CampaignScheduled:
	default:
		return 0, fmt.Errorf("%w: campaign %s is %s", errNotPopulatable, c.ID, c.Status)
	}

	existing, err := r.recipients.CountByCampaign(c.ID)
	if err != nil {
		return 0, err
	}
	if existing > 0 {
		r.logger.Debug("campaign already populated", "campaign_id", c.ID, "recipients", existing)
		return existing, nil
	}

	resolved, err := r.Resolve(c.TenantID, c.Filter)
	if err != nil {
		return 0, err
	}

	inserted, err := r.recipients.BulkInsert(c.ID, resolved)
	if err != nil {
		return 0, err
	}

	r.logger.Info("campaign populated", "campaign_id", c.ID, "recipients", inserted)
	return inserted, nil
}

// PopulateIfMissing is Populate for callers that cannot tell whether rows
// exist yet (scheduler promotion, start from draft).
func (r *Resolver) PopulateIfMissing(c *models.Campaign) (int, error) {
	n, err := r.Populate(c)
	if errors.Is(err, errNotPopulatable) {
		return r.recipients.CountByCampaign(c.ID)
	}
	return n, err
}

func validateFilter(filter models.RecipientFilter) error {
	if filter.Empty() {
		return fmt.Errorf("%w: filter selects no predicates", ErrRecipientResolution)
	}
	for _, p := range filter.Fields {
		if p.Key == "" {
			return fmt.Errorf("%w: field predicate missing key", ErrRecipientResolution)
		}
		switch p.Op {
		case models.OpEquals, models.OpNotEquals, models.OpContains, models.OpGreaterThan, models.OpLessThan:
		default:
			return fmt.Errorf("%w: unknown field operator %q", ErrRecipientResolution, p.Op)
		}
	}
	return nil
}

// matches applies the in-memory predicates: tag any/all and custom fields.
// Category and country were already narrowed by SQL.
func matches(c models.Contact, filter models.RecipientFilter) bool {
	if len(filter.TagsAny) > 0 && !hasAny(c.Tags, filter.TagsAny) {
		return false
	}
	if len(filter.TagsAll) > 0 && !hasAll(c.Tags, filter.TagsAll) {
		return false
	}
	for _, p := range filter.Fields {
		if !matchField(c.Fields[p.Key], p) {
			return false
		}
	}
	return true
}

func hasAny(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}

func hasAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

func matchField(value string, p models.FieldPredicate) bool {
	switch p.Op {
	case models.OpEquals:
		return value == p.Value
	case models.OpNotEquals:
		return value != p.Value
	case models.OpContains:
		return strings.Contains(value, p.Value)
	case models.OpGreaterThan, models.OpLessThan:
		a, errA := strconv.ParseFloat(value, 64)
		b, errB := strconv.ParseFloat(p.Value, 64)
		if errA != nil || errB != nil {
			// Lexicographic fallback for non-numeric fields
			if p.Op == models.OpGreaterThan {
				return value > p.Value
			}
			return value < p.Value
		}
		if p.Op == models.OpGreaterThan {
			return a > b
		}
		return a < b
	}
	return false
}
