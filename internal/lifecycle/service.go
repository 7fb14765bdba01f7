package lifecycle

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailward/mailward/internal/models"
	"github.com/mailward/mailward/internal/repository"
	"github.com/mailward/mailward/internal/resolver"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrFilterRequired   = errors.New("recipient filter is required")
	ErrNoRecipients     = errors.New("filter resolves to zero recipients")
)

// InvalidStateTransitionError rejects an illegal lifecycle operation,
// naming the current and requested states. No partial mutation occurs.
type InvalidStateTransitionError struct {
	CampaignID string
	Current    models.CampaignStatus
	Requested  models.CampaignStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for campaign %s: %s -> %s",
		e.CampaignID, e.Current, e.Requested)
}

// IsInvalidTransition reports whether err is an InvalidStateTransitionError
func IsInvalidTransition(err error) bool {
	var e *InvalidStateTransitionError
	return errors.As(err, &e)
}

// Service owns the campaign lifecycle and gates every other operation
type Service struct {
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	resolver   *resolver.Resolver
	logger     *slog.Logger
}

func New(
	campaigns *repository.CampaignRepository,
	recipients *repository.RecipientRepository,
	res *resolver.Resolver,
	logger *slog.Logger,
) *Service {
	return &Service{
		campaigns:  campaigns,
		recipients: recipients,
		resolver:   res,
		logger:     logger.With("component", "lifecycle"),
	}
}

// Create creates a campaign in draft
func (s *Service) Create(c *models.Campaign) error {
	if c.Type == models.TypeABTest {
		if c.VariantBTemplateID == "" {
			return fmt.Errorf("variant_b_template_id is required for ab_test campaigns")
		}
		if c.ABTestSplit < 0 || c.ABTestSplit > 100 {
			return fmt.Errorf("ab_test_split must be between 0 and 100")
		}
		if c.ABTestWinnerMetric == "" {
			c.ABTestWinnerMetric = models.WinnerByOpenRate
		}
	}
	return s.campaigns.Create(c)
}

// Get returns a campaign by id
func (s *Service) Get(id string) (*models.Campaign, error) {
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrCampaignNotFound
	}
	return c, nil
}

// Update edits a campaign; legal only in draft
func (s *Service) Update(c *models.Campaign) error {
	current, err := s.Get(c.ID)
	if err != nil {
		return err
	}
	if current.Status != models.CampaignDraft {
		return &InvalidStateTransitionError{CampaignID: c.ID, Current: current.Status, Requested: models.CampaignDraft}
	}
	return s.campaigns.Update(c)
}

// Delete removes a campaign; legal only in draft. Recipients cascade.
func (s *Service) Delete(id string) error {
	c, err := s.Get(id)
	if err != nil {
		return err
	}
	if c.Status != models.CampaignDraft {
		return &InvalidStateTransitionError{CampaignID: id, Current: c.Status, Requested: models.CampaignDraft}
	}
	return s.campaigns.Delete(id)
}

// Schedule moves draft -> scheduled. Requires a filter that resolves to at
// least one recipient (previewed without side effects).
func (s *Service) Schedule(id string, at time.Time) (*models.Campaign, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignDraft {
		return nil, &InvalidStateTransitionError{CampaignID: id, Current: c.Status, Requested: models.CampaignScheduled}
	}
	if c.Filter.Empty() {
		return nil, ErrFilterRequired
	}

	preview, err := s.resolver.Preview(c.TenantID, c.Filter, 1)
	if err != nil {
		return nil, err
	}
	if preview.Count == 0 {
		return nil, ErrNoRecipients
	}

	ok, err := s.campaigns.TransitionStatus(id, models.CampaignDraft, models.CampaignScheduled, "scheduled_at", at)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.staleTransition(id, models.CampaignScheduled)
	}

	s.logger.Info("campaign scheduled", "campaign_id", id, "scheduled_at", at)
	return s.Get(id)
}

// Start moves draft/scheduled -> active, resolving recipients now if the
// campaign was never populated.
func (s *Service) Start(id string) (*models.Campaign, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.CampaignDraft && c.Status != models.CampaignScheduled {
		return nil, &InvalidStateTransitionError{CampaignID: id, Current: c.Status, Requested: models.CampaignActive}
	}
	if c.Filter.Empty() {
		return nil, ErrFilterRequired
	}

	n, err := s.resolver.Populate(c)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoRecipients
	}

	now := time.Now()
	ok, err := s.campaigns.TransitionStatus(id, c.Status, models.CampaignActive, "started_at", now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.staleTransition(id, models.CampaignActive)
	}

	s.logger.Info("campaign started", "campaign_id", id, "recipients", n)
	return s.Get(id)
}

// Pause stops the dispatcher from starting new batches. In-flight sends
// complete and record their outcomes.
func (s *Service) Pause(id string) (*models.Campaign, error) {
	ok, err := s.campaigns.TransitionStatus(id, models.CampaignActive, models.CampaignPaused, "paused_at", time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.staleTransition(id, models.CampaignPaused)
	}
	s.logger.Info("campaign paused", "campaign_id", id)
	return s.Get(id)
}

// Resume continues dispatch from the remaining pending set
func (s *Service) Resume(id string) (*models.Campaign, error) {
	ok, err := s.campaigns.TransitionStatus(id, models.CampaignPaused, models.CampaignActive, "", time.Time{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.staleTransition(id, models.CampaignActive)
	}
	s.logger.Info("campaign resumed", "campaign_id", id)
	return s.Get(id)
}

// Cancel is legal from any non-terminal state. Still-dispatchable
// recipients are marked cancelled; already-sent recipients are untouched.
func (s *Service) Cancel(id string) (*models.Campaign, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, &InvalidStateTransitionError{CampaignID: id, Current: c.Status, Requested: models.CampaignCancelled}
	}

	ok, err := s.campaigns.TransitionStatus(id, c.Status, models.CampaignCancelled, "completed_at", time.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.staleTransition(id, models.CampaignCancelled)
	}

	n, err := s.recipients.CancelPending(id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("campaign cancelled", "campaign_id", id, "recipients_cancelled", n)
	return s.Get(id)
}

// CompleteIfDrained transitions active -> completed when no recipient
// remains pending or queued. Idempotent: safe to call from the dispatcher
// after draining and from the scheduler reconciliation pass concurrently.
func (s *Service) CompleteIfDrained(id string) (bool, error) {
	c, err := s.campaigns.GetByID(id)
	if err != nil || c == nil {
		return false, err
	}
	if c.Status != models.CampaignActive {
		return false, nil
	}

	stats, err := s.recipients.Stats(id)
	if err != nil {
		return false, err
	}
	if stats.Recipients == 0 || !stats.Drained() {
		return false, nil
	}

	ok, err := s.campaigns.TransitionStatus(id, models.CampaignActive, models.CampaignCompleted, "completed_at", time.Now())
	if err != nil || !ok {
		// Lost the race to another worker; that worker owns completion
		return false, err
	}

	if c.IsABTest() {
		if err := s.determineWinner(c); err != nil {
			s.logger.Error("failed to determine A/B winner", "campaign_id", id, "error", err)
		}
	}

	s.logger.Info("campaign completed", "campaign_id", id,
		"sent", stats.Sent, "failed", stats.Failed, "bounced", stats.Bounced)
	return true, nil
}

// determineWinner compares the configured metric between variants using
// unique counts. Ties resolve in favor of variant A.
func (s *Service) determineWinner(c *models.Campaign) error {
	stats, err := s.recipients.VariantStats(c.ID)
	if err != nil {
		return err
	}

	rate := func(vs models.VariantStats) float64 {
		if vs.Delivered == 0 {
			return 0
		}
		if c.ABTestWinnerMetric == models.WinnerByClickRate {
			return float64(vs.UniqueClicks) / float64(vs.Delivered)
		}
		return float64(vs.UniqueOpens) / float64(vs.Delivered)
	}

	var a, b models.VariantStats
	for _, vs := range stats {
		switch vs.Variant {
		case "A":
			a = vs
		case "B":
			b = vs
		}
	}

	winner := "A"
	if rate(b) > rate(a) {
		winner = "B"
	}

	if err := s.campaigns.SetWinningVariant(c.ID, winner); err != nil {
		return err
	}
	s.logger.Info("A/B winner determined", "campaign_id", c.ID, "winner", winner,
		"metric", c.ABTestWinnerMetric)
	return nil
}

// Analytics returns the derived-rate view over the recipient fold
func (s *Service) Analytics(id string) (*models.Analytics, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	stats, err := s.recipients.Stats(id)
	if err != nil {
		return nil, err
	}
	a := models.ComputeAnalytics(stats)
	return &a, nil
}

// staleTransition re-reads the campaign to build an accurate error after a
// compare-and-swap transition found a different current status.
func (s *Service) staleTransition(id string, requested models.CampaignStatus) error {
	c, err := s.campaigns.GetByID(id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrCampaignNotFound
	}
	return &InvalidStateTransitionError{CampaignID: id, Current: c.Status, Requested: requested}
}
