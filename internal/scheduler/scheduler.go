package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/campaigner/internal/delivery"
	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/models"
)

// DefaultPollInterval is used when Config leaves PollInterval unset
const DefaultPollInterval = 15 * time.Second

// CampaignStore is the part of the campaign store the scheduler drives
type CampaignStore interface {
	ListDue(ctx context.Context, now time.Time) ([]models.Campaign, error)
	SetStatus(ctx context.Context, id string, status models.CampaignStatus) error
}

// RecipientCounter summarizes recipient outcomes of a campaign
type RecipientCounter interface {
	Counts(ctx context.Context, campaignID string) (models.RecipientCounts, error)
}

// Deliverer sends the pending recipients of one campaign
type Deliverer interface {
	Deliver(ctx context.Context, c *models.Campaign) (*delivery.Report, error)
}

// Scheduler polls for due campaigns and sends them one at a time
type Scheduler struct {
	campaigns  CampaignStore
	recipients RecipientCounter
	deliverer  Deliverer
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	busy    atomic.Bool
	trigger chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Start runs the poll loop.
func New(campaigns CampaignStore, recipients RecipientCounter, deliverer Deliverer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		campaigns:  campaigns,
		recipients: recipients,
		deliverer:  deliverer,
		interval:   interval,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start polls immediately and then on every interval or Trigger
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("scheduler started", "poll_interval", s.interval)
}

// Stop cancels the running poll and waits for the loop to exit
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler...")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Trigger requests an immediate poll. Requests made while one is pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Busy reports whether a poll is in flight
func (s *Scheduler) Busy() bool {
	return s.busy.Load()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	s.PollOnce(s.ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.PollOnce(s.ctx)
		case <-s.trigger:
			s.PollOnce(s.ctx)
		}
	}
}

// PollOnce sends every due campaign, oldest first. It returns false
// without doing anything when another poll is in flight.
func (s *Scheduler) PollOnce(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		metrics.IncSchedulerPolls("skipped")
		s.logger.Debug("poll already running, skipping")
		return false
	}
	defer s.busy.Store(false)

	due, err := s.campaigns.ListDue(ctx, s.now())
	if err != nil {
		metrics.IncSchedulerPolls("store_error")
		s.logger.Warn("campaign store unavailable, skipping poll", "error", err)
		return true
	}
	metrics.IncSchedulerPolls("ok")
	metrics.SetCampaignsDue(len(due))

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		s.runCampaign(ctx, &due[i])
	}
	return true
}

func (s *Scheduler) runCampaign(ctx context.Context, c *models.Campaign) {
	logger := s.logger.With("campaign_id", c.ID)

	if err := s.campaigns.SetStatus(ctx, c.ID, models.CampaignSending); err != nil {
		logger.Error("failed to mark campaign sending", "error", err)
		return
	}
	metrics.IncCampaignsSending()
	defer metrics.DecCampaignsSending()

	logger.Info("sending campaign", "account", c.AccountEmail, "provider", c.AccountType, "recipients", c.TotalRecipients)
	if _, err := s.deliverer.Deliver(ctx, c); err != nil {
		logger.Warn("campaign delivery error", "error", err)
	}

	// Finalize even after cancellation so the outcome of completed sends is visible
	fctx := context.WithoutCancel(ctx)
	counts, err := s.recipients.Counts(fctx, c.ID)
	if err != nil {
		logger.Error("failed to count recipients", "error", err)
		return
	}

	status := FinalStatus(counts)
	if status == models.CampaignSending {
		logger.Warn("campaign left sending with pending recipients", "pending", counts.Pending)
		return
	}
	if err := s.campaigns.SetStatus(fctx, c.ID, status); err != nil {
		logger.Error("failed to finalize campaign", "error", err)
		return
	}
	metrics.IncCampaignsFinished(string(status))
	logger.Info("campaign finished", "status", status, "sent", counts.Sent, "failed", counts.Failed)
}

// FinalStatus derives the campaign status after a send pass
func FinalStatus(counts models.RecipientCounts) models.CampaignStatus {
	switch {
	case counts.Pending > 0:
		return models.CampaignSending
	case counts.Failed == 0:
		return models.CampaignCompleted
	case counts.Sent == 0:
		return models.CampaignFailed
	default:
		return models.CampaignPartial
	}
}
