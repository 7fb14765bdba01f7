package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mailward/mailward/internal/lifecycle"
	"github.com/mailward/mailward/internal/metrics"
	"github.com/mailward/mailward/internal/models"
	"github.com/mailward/mailward/internal/ratelimit"
	"github.com/mailward/mailward/internal/repository"
	"github.com/mailward/mailward/internal/template"
	"github.com/mailward/mailward/internal/transport"
)

// Config holds dispatcher configuration
type Config struct {
	BatchCeiling int           `yaml:"batch_ceiling,omitempty"` // max recipients per pass per campaign
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	Concurrency  int           `yaml:"concurrency,omitempty"` // concurrent sends per campaign
	MaxAttempts  int           `yaml:"max_attempts,omitempty"`
	Backoff      BackoffConfig `yaml:"backoff,omitempty"`
}

// DefaultConfig returns default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		BatchCeiling: 50,
		PollInterval: 5 * time.Second,
		Concurrency:  5,
		MaxAttempts:  3,
		Backoff:      DefaultBackoff(),
	}
}

// Dispatcher drains active campaigns in rate-limited batches. Each pass
// claims up to min(tokens, batch ceiling) pending recipients per campaign
// and processes them with bounded concurrency.
type Dispatcher struct {
	campaigns    *repository.CampaignRepository
	recipients   *repository.RecipientRepository
	contacts     *repository.ContactRepository
	templates    *repository.TemplateRepository
	suppressions *repository.SuppressionRepository
	lifecycle    *lifecycle.Service
	limiter      *ratelimit.Limiter
	sender       transport.Sender
	engine       *template.Engine
	config       Config
	trackingURL  string
	logger       *slog.Logger
	rng          *rand.Rand
	rngMu        sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	campaigns *repository.CampaignRepository,
	recipients *repository.RecipientRepository,
	contacts *repository.ContactRepository,
	templates *repository.TemplateRepository,
	suppressions *repository.SuppressionRepository,
	lc *lifecycle.Service,
	limiter *ratelimit.Limiter,
	sender transport.Sender,
	cfg Config,
	trackingURL string,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.BatchCeiling <= 0 {
		cfg.BatchCeiling = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		campaigns:    campaigns,
		recipients:   recipients,
		contacts:     contacts,
		templates:    templates,
		suppressions: suppressions,
		lifecycle:    lc,
		limiter:      limiter,
		sender:       sender,
		engine:       template.NewEngine(),
		config:       cfg,
		trackingURL:  trackingURL,
		logger:       logger.With("component", "dispatcher"),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the dispatch loop
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	d.logger.Info("dispatcher started",
		"poll_interval", d.config.PollInterval,
		"batch_ceiling", d.config.BatchCeiling,
		"concurrency", d.config.Concurrency,
	)
}

// Stop stops the dispatch loop and waits for in-flight sends to finish
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.ProcessOnce(d.ctx)
		}
	}
}

// ProcessOnce runs a single dispatch pass over all active campaigns
func (d *Dispatcher) ProcessOnce(ctx context.Context) {
	active, err := d.campaigns.ListByStatus(models.CampaignActive)
	if err != nil {
		d.logger.Error("failed to list active campaigns", "error", err)
		return
	}
	metrics.SetCampaignsActive(len(active))

	pending := 0
	for i := range active {
		if ctx.Err() != nil {
			return
		}
		n := d.processCampaign(ctx, &active[i])
		pending += n
	}
	metrics.SetRecipientsPending(pending)
}

// processCampaign dispatches one batch for a campaign and returns how many
// recipients remain pending afterwards.
func (d *Dispatcher) processCampaign(ctx context.Context, c *models.Campaign) int {
	tokens := d.limiter.TakeUpTo(c.ID, c.SendRatePerHour, d.config.BatchCeiling)
	if tokens == 0 {
		metrics.IncThrottled()
		return d.pendingCount(c.ID)
	}

	claimed, err := d.recipients.ClaimPending(c.ID, tokens, time.Now())
	if err != nil {
		d.limiter.Return(c.ID, c.SendRatePerHour, tokens)
		d.logger.Error("failed to claim recipients", "campaign_id", c.ID, "error", err)
		return d.pendingCount(c.ID)
	}

	// Give back budget for claims we didn't get
	if unused := tokens - len(claimed); unused > 0 {
		d.limiter.Return(c.ID, c.SendRatePerHour, unused)
	}

	if len(claimed) > 0 {
		d.processBatch(ctx, c, claimed)
	}

	completed, err := d.lifecycle.CompleteIfDrained(c.ID)
	if err != nil {
		d.logger.Error("completion check failed", "campaign_id", c.ID, "error", err)
	}
	if completed {
		d.limiter.Forget(c.ID)
		return 0
	}
	return d.pendingCount(c.ID)
}

// processBatch fans the claimed batch across a bounded set of goroutines
func (d *Dispatcher) processBatch(ctx context.Context, c *models.Campaign, batch []models.CampaignRecipient) {
	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup

	for i := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(rec *models.CampaignRecipient) {
			defer wg.Done()
			defer func() { <-sem }()
			d.processRecipient(ctx, c, rec)
		}(&batch[i])
	}
	wg.Wait()
}

// processRecipient carries one claimed recipient through suppression
// re-check, variant assignment, render and transmit.
func (d *Dispatcher) processRecipient(ctx context.Context, c *models.Campaign, rec *models.CampaignRecipient) {
	// A pause or cancel between claim and send releases the row untouched
	current, err := d.campaigns.GetByID(c.ID)
	if err != nil || current == nil || current.Status != models.CampaignActive {
		d.releaseClaim(c, rec)
		return
	}

	// The registry is re-checked at send time; resolution may be stale
	suppressed, err := d.suppressions.IsSuppressed(c.TenantID, rec.Email)
	if err != nil {
		d.releaseClaim(c, rec)
		d.logger.Error("suppression check failed", "recipient_id", rec.ID, "error", err)
		return
	}
	if suppressed {
		// Marked unsubscribed, not cancelled: the row stays in the
		// analytics fold as a counted terminal outcome
		if err := d.recipients.MarkSuppressed(rec.ID, models.RecipientUnsubscribed); err != nil {
			d.logger.Error("failed to mark recipient suppressed", "recipient_id", rec.ID, "error", err)
		}
		d.limiter.Return(c.ID, c.SendRatePerHour, 1)
		d.logger.Info("recipient suppressed at send time", "campaign_id", c.ID, "recipient_id", rec.ID)
		return
	}

	variant := rec.Variant
	if c.IsABTest() && variant == "" {
		variant = AssignVariant(rec.ContactID, 100-c.ABTestSplit)
		if err := d.recipients.SetVariant(rec.ID, variant); err != nil {
			d.releaseClaim(c, rec)
			d.logger.Error("failed to persist variant", "recipient_id", rec.ID, "error", err)
			return
		}
	}

	msg, err := d.render(c, rec, variant)
	if err != nil {
		// Render failures are permanent: retrying cannot fix a missing template
		d.failRecipient(rec, err.Error())
		return
	}

	attempt := rec.Attempts + 1
	result, err := d.sender.Send(ctx, msg)
	if err != nil {
		d.handleSendError(c, rec, attempt, err)
		return
	}

	if err := d.recipients.MarkSent(rec.ID, result.ProviderMessageID, time.Now()); err != nil {
		d.logger.Error("failed to mark recipient sent", "recipient_id", rec.ID, "error", err)
		return
	}
	metrics.IncSends(variant)
	d.logger.Info("recipient dispatched",
		"campaign_id", c.ID,
		"recipient_id", rec.ID,
		"variant", variant,
		"attempt", attempt,
	)
}

func (d *Dispatcher) handleSendError(c *models.Campaign, rec *models.CampaignRecipient, attempt int, sendErr error) {
	if transport.IsTemporaryError(sendErr) && attempt < d.config.MaxAttempts {
		d.rngMu.Lock()
		retryAt := NextRetryAt(time.Now(), attempt, d.config.Backoff, d.rng)
		d.rngMu.Unlock()

		if err := d.recipients.Requeue(rec.ID, attempt, retryAt, sendErr.Error()); err != nil {
			d.logger.Error("failed to requeue recipient", "recipient_id", rec.ID, "error", err)
			return
		}
		metrics.IncRetries()
		d.logger.Warn("send deferred",
			"campaign_id", c.ID,
			"recipient_id", rec.ID,
			"attempt", attempt,
			"next_retry_at", retryAt,
			"error", sendErr,
		)
		return
	}

	errType := "permanent"
	if transport.IsTemporaryError(sendErr) {
		errType = "attempts_exhausted"
	}
	metrics.IncSendFailures(errType)
	d.failRecipient(rec, sendErr.Error())
	d.logger.Warn("send failed",
		"campaign_id", c.ID,
		"recipient_id", rec.ID,
		"attempt", attempt,
		"error_type", errType,
		"error", sendErr,
	)
}

func (d *Dispatcher) failRecipient(rec *models.CampaignRecipient, errMsg string) {
	if err := d.recipients.MarkFailed(rec.ID, errMsg); err != nil {
		d.logger.Error("failed to mark recipient failed", "recipient_id", rec.ID, "error", err)
	}
}

func (d *Dispatcher) releaseClaim(c *models.Campaign, rec *models.CampaignRecipient) {
	if err := d.recipients.Release(rec.ID); err != nil {
		d.logger.Error("failed to release claim", "recipient_id", rec.ID, "error", err)
	}
	d.limiter.Return(c.ID, c.SendRatePerHour, 1)
}

// render loads the contact and the variant's template and produces the
// transport message with tracking variables substituted.
func (d *Dispatcher) render(c *models.Campaign, rec *models.CampaignRecipient, variant string) (*transport.Message, error) {
	templateID := c.TemplateID
	if variant == "B" {
		templateID = c.VariantBTemplateID
	}

	tmpl, err := d.templates.GetByID(templateID)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, fmt.Errorf("template %s not found", templateID)
	}

	contacts, err := d.contacts.GetByIDs(c.TenantID, []string{rec.ContactID})
	if err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, fmt.Errorf("contact %s no longer exists", rec.ContactID)
	}
	contact := &contacts[0]

	rendered := d.engine.Render(tmpl, contact, d.trackingVars(rec.ID))
	return &transport.Message{
		From:    FormatFrom(c.FromEmail, c.FromName),
		To:      rec.Email,
		ReplyTo: c.ReplyTo,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}, nil
}

func (d *Dispatcher) trackingVars(recipientID string) map[string]string {
	if d.trackingURL == "" {
		return nil
	}
	return map[string]string{
		"tracking_pixel":  fmt.Sprintf("%s/t/open/%s.gif", d.trackingURL, recipientID),
		"click_url":       fmt.Sprintf("%s/t/click/%s", d.trackingURL, recipientID),
		"unsubscribe_url": fmt.Sprintf("%s/t/unsub/%s", d.trackingURL, recipientID),
	}
}

func (d *Dispatcher) pendingCount(campaignID string) int {
	stats, err := d.recipients.Stats(campaignID)
	if err != nil {
		return 0
	}
	return stats.Pending + stats.Queued
}

// FormatFrom builds a display-name sender address
func FormatFrom(email, name string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
