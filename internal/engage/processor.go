package engage

import (
	"log/slog"

	"github.com/mailward/mailward/internal/metrics"
	"github.com/mailward/mailward/internal/models"
	"github.com/mailward/mailward/internal/repository"
)

// Processor applies canonical events to recipient rows exactly once.
// Duplicates and events that match no recipient are dropped, never
// surfaced as errors: webhook endpoints must return success to the
// provider either way to prevent redelivery storms.
type Processor struct {
	campaigns    *repository.CampaignRepository
	recipients   *repository.RecipientRepository
	suppressions *repository.SuppressionRepository
	dedup        *Dedup
	logger       *slog.Logger
}

func NewProcessor(
	campaigns *repository.CampaignRepository,
	recipients *repository.RecipientRepository,
	suppressions *repository.SuppressionRepository,
	dedup *Dedup,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		campaigns:    campaigns,
		recipients:   recipients,
		suppressions: suppressions,
		dedup:        dedup,
		logger:       logger.With("component", "engage"),
	}
}

// Process applies one event. Returns an error only for storage failures;
// a failed event may then be redelivered by the provider and retried.
func (p *Processor) Process(ev Event) error {
	if ev.ProviderEventID == "" {
		p.logger.Warn("event without id dropped", "provider", ev.Provider, "event_type", ev.Type)
		metrics.IncEventsUnknown()
		return nil
	}

	fresh, err := p.dedup.Insert(ev.ProviderEventID)
	if err != nil {
		return err
	}
	if !fresh {
		metrics.IncEventsDuplicate()
		p.logger.Debug("duplicate event dropped", "provider_event_id", ev.ProviderEventID)
		return nil
	}

	rec, err := p.locate(ev)
	if err != nil {
		return err
	}
	if rec == nil {
		metrics.IncEventsUnknown()
		p.logger.Warn("event matched no recipient",
			"provider", ev.Provider,
			"event_type", ev.Type,
			"provider_event_id", ev.ProviderEventID,
		)
		return nil
	}

	if err := p.apply(ev, rec); err != nil {
		// Withdraw the id so the provider's redelivery is not treated
		// as a duplicate of an event that was never applied
		if rmErr := p.dedup.Remove(ev.ProviderEventID); rmErr != nil {
			p.logger.Error("failed to withdraw dedup entry",
				"provider_event_id", ev.ProviderEventID, "error", rmErr)
		}
		return err
	}

	metrics.IncEvents(string(ev.Type), ev.Provider)
	p.logger.Info("event applied",
		"provider", ev.Provider,
		"event_type", ev.Type,
		"campaign_id", rec.CampaignID,
		"recipient_id", rec.ID,
	)
	return nil
}

// ProcessBatch applies each event independently: one bad event never
// aborts the rest of the payload.
func (p *Processor) ProcessBatch(events []Event) error {
	var lastErr error
	for _, ev := range events {
		if err := p.Process(ev); err != nil {
			p.logger.Error("failed to apply event",
				"provider_event_id", ev.ProviderEventID, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// locate finds the recipient an event refers to, trying the strongest
// identifier first.
func (p *Processor) locate(ev Event) (*models.CampaignRecipient, error) {
	if ev.RecipientID != "" {
		rec, err := p.recipients.GetByID(ev.RecipientID)
		if rec != nil || err != nil {
			return rec, err
		}
	}
	if ev.ProviderMsgID != "" {
		rec, err := p.recipients.FindByProviderMsgID(ev.ProviderMsgID)
		if rec != nil || err != nil {
			return rec, err
		}
	}
	if ev.CampaignID != "" && ev.Email != "" {
		return p.recipients.FindByEmail(ev.CampaignID, ev.Email)
	}
	return nil, nil
}

func (p *Processor) apply(ev Event, rec *models.CampaignRecipient) error {
	switch ev.Type {
	case EventDelivered:
		return p.recipients.ApplyDelivered(rec.ID, ev.OccurredAt)

	case EventOpen:
		_, err := p.recipients.ApplyOpen(rec.ID)
		return err

	case EventClick:
		_, err := p.recipients.ApplyClick(rec.ID)
		return err

	case EventBounce:
		if err := p.recipients.ApplyTerminal(rec.ID, models.RecipientBounced); err != nil {
			return err
		}
		if ev.HardBounce {
			return p.suppress(rec, models.SuppressHardBounce)
		}
		return nil

	case EventComplaint:
		if err := p.recipients.ApplyTerminal(rec.ID, models.RecipientBounced); err != nil {
			return err
		}
		return p.suppress(rec, models.SuppressComplaint)

	case EventUnsubscribe:
		if err := p.recipients.ApplyTerminal(rec.ID, models.RecipientUnsubscribed); err != nil {
			return err
		}
		return p.suppress(rec, models.SuppressUnsubscribe)

	default:
		// New provider event types must not crash ingestion
		metrics.IncEventsUnknown()
		p.logger.Warn("unknown event type dropped",
			"provider", ev.Provider, "event_type", ev.Type)
		return nil
	}
}

func (p *Processor) suppress(rec *models.CampaignRecipient, reason models.SuppressionReason) error {
	c, err := p.campaigns.GetByID(rec.CampaignID)
	if err != nil {
		return err
	}
	if c == nil {
		p.logger.Warn("campaign gone, suppression skipped", "campaign_id", rec.CampaignID)
		return nil
	}
	if err := p.suppressions.Add(c.TenantID, rec.Email, reason); err != nil {
		return err
	}
	metrics.IncSuppressions(string(reason))
	return nil
}
