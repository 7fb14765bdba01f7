package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mailward/mailward/internal/lifecycle"
	"github.com/mailward/mailward/internal/models"
	"github.com/mailward/mailward/internal/repository"
	"github.com/mailward/mailward/internal/resolver"
)

// Config holds scheduler configuration
type Config struct {
	Interval     time.Duration `yaml:"interval,omitempty"`
	ClaimTimeout time.Duration `yaml:"claim_timeout,omitempty"` // queued rows older than this are requeued
}

// Scheduler runs the two periodic reconciliation duties: promoting due
// scheduled campaigns to active, and sweeping active campaigns for crashed
// claims and missed completions. Both passes are idempotent, so overlapping
// invocations from multiple processes are safe.
type Scheduler struct {
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
	resolver   *resolver.Resolver
	lifecycle  *lifecycle.Service
	config     Config
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	campaigns *repository.CampaignRepository,
	recipients *repository.RecipientRepository,
	res *resolver.Resolver,
	lc *lifecycle.Service,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		campaigns:  campaigns,
		recipients: recipients,
		resolver:   res,
		lifecycle:  lc,
		config:     cfg,
		logger:     logger.With("component", "scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the periodic reconciliation loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started", "interval", s.config.Interval)
}

// Stop stops the loop
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Promote(time.Now())
			s.Reconcile(time.Now())
		}
	}
}

// Promote activates every scheduled campaign whose time has arrived.
// Population happens before activation so the dispatcher never sees an
// active campaign without recipient rows. The compare-and-swap transition
// makes concurrent promoters race safely: exactly one wins.
func (s *Scheduler) Promote(now time.Time) {
	due, err := s.campaigns.ListScheduledDue(now)
	if err != nil {
		s.logger.Error("failed to list due campaigns", "error", err)
		return
	}

	for i := range due {
		c := &due[i]

		n, err := s.resolver.PopulateIfMissing(c)
		if err != nil {
			s.logger.Error("failed to populate scheduled campaign",
				"campaign_id", c.ID, "error", err)
			continue
		}
		if n == 0 {
			// An empty audience at promotion time completes immediately
			// rather than leaving the campaign stuck in scheduled
			if _, err := s.campaigns.TransitionStatus(c.ID, models.CampaignScheduled, models.CampaignCompleted, "completed_at", now); err != nil {
				s.logger.Error("failed to complete empty campaign", "campaign_id", c.ID, "error", err)
			}
			s.logger.Warn("scheduled campaign resolved to zero recipients", "campaign_id", c.ID)
			continue
		}

		ok, err := s.campaigns.TransitionStatus(c.ID, models.CampaignScheduled, models.CampaignActive, "started_at", now)
		if err != nil {
			s.logger.Error("failed to promote campaign", "campaign_id", c.ID, "error", err)
			continue
		}
		if ok {
			s.logger.Info("campaign promoted", "campaign_id", c.ID, "recipients", n)
		}
	}
}

// Reconcile sweeps active campaigns: rows a crashed worker left claimed go
// back to pending, and campaigns that drained without the dispatcher
// noticing get completed.
func (s *Scheduler) Reconcile(now time.Time) {
	released, err := s.recipients.ReleaseStaleQueued(now.Add(-s.config.ClaimTimeout))
	if err != nil {
		s.logger.Error("failed to release stale claims", "error", err)
	} else if released > 0 {
		s.logger.Warn("released stale recipient claims", "count", released)
	}

	active, err := s.campaigns.ListByStatus(models.CampaignActive)
	if err != nil {
		s.logger.Error("failed to list active campaigns", "error", err)
		return
	}

	for i := range active {
		if _, err := s.lifecycle.CompleteIfDrained(active[i].ID); err != nil {
			s.logger.Error("completion check failed", "campaign_id", active[i].ID, "error", err)
		}
	}
}
