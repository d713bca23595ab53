// Package tracking turns tracking pixel hits into recorded opens and forwards
// accepted opens to external sinks.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/foxzi/campaigner/internal/ipfilter"
	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/repository"
)

// Outcome is the result of processing one pixel hit
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeHead         Outcome = "head"
	OutcomePrefetch     Outcome = "prefetch"
	OutcomeNoUserAgent  Outcome = "no_user_agent"
	OutcomeBot          Outcome = "bot"
	OutcomeMissingToken Outcome = "missing_token"
	OutcomeUnknownToken Outcome = "unknown_token"
	OutcomeBeforeSent   Outcome = "ignore_before_sent"
	OutcomeTooSoon      Outcome = "too_soon"
	OutcomeError        Outcome = "error"
)

// Min open delay bounds
const (
	DefaultMinOpenDelay = 5 * time.Second
	MaxMinOpenDelay     = 300 * time.Second
)

// EventOpened is the event name of a forwarded open
const EventOpened = "email.opened"

// botSignatures are lowercase user-agent fragments of automated clients and
// security scanners. Google's image proxy is a real open and is not listed.
var botSignatures = []string{
	"curl/",
	"wget/",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"okhttp",
	"headlesschrome",
	"phantomjs",
	"barracuda",
	"mimecast",
	"proofpoint",
	"symantec",
	"forcepoint",
	"zscaler",
	"trend micro",
	"trendmicro",
	"microsoft office protection",
	"safelinks",
	"ironport",
	"sophos",
	"fortiguard",
	"bot",
	"spider",
	"crawler",
}

var prefetchHeaders = []string{"Purpose", "Sec-Purpose", "X-Purpose", "X-Moz"}

// Hit is one request for the tracking pixel
type Hit struct {
	CampaignID string
	Token      string
	Method     string
	Header     http.Header
	IPAddress  string
	Path       string
	Force      bool
	At         time.Time
}

// HitFromRequest extracts a Hit from a pixel request
func HitFromRequest(r *http.Request) *Hit {
	q := r.URL.Query()
	force := q.Get("force_track")
	return &Hit{
		CampaignID: q.Get("mid"),
		Token:      q.Get("rid"),
		Method:     r.Method,
		Header:     r.Header,
		IPAddress:  ipfilter.ClientAddr(r),
		Path:       r.URL.Path,
		Force:      force == "1" || strings.EqualFold(force, "true"),
		At:         time.Now(),
	}
}

// Classify returns the bot outcome of a hit, or "" when it looks like a human open
func Classify(h *Hit) Outcome {
	if h.Method == http.MethodHead {
		return OutcomeHead
	}
	for _, name := range prefetchHeaders {
		v := strings.ToLower(h.Header.Get(name))
		if strings.Contains(v, "prefetch") || strings.Contains(v, "preview") {
			return OutcomePrefetch
		}
	}
	ua := strings.ToLower(strings.TrimSpace(h.Header.Get("User-Agent")))
	if ua == "" {
		return OutcomeNoUserAgent
	}
	for _, sig := range botSignatures {
		if strings.Contains(ua, sig) {
			return OutcomeBot
		}
	}
	return ""
}

// RecipientStore is the part of the campaign store used by the processor
type RecipientStore interface {
	GetByToken(ctx context.Context, token string) (*models.Recipient, error)
	RecordOpen(ctx context.Context, id string, at time.Time) (int, bool, error)
}

// Sink receives accepted open events
type Sink interface {
	Name() string
	Send(ctx context.Context, ev *Event) error
}

// Processor records genuine opens and forwards them to the configured sinks
type Processor struct {
	recipients RecipientStore
	minDelay   time.Duration
	sinks      []Sink
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewProcessor creates a processor. minDelay is clamped to [0, MaxMinOpenDelay].
func NewProcessor(recipients RecipientStore, minDelay time.Duration, logger *slog.Logger, sinks ...Sink) *Processor {
	if minDelay < 0 {
		minDelay = 0
	}
	if minDelay > MaxMinOpenDelay {
		minDelay = MaxMinOpenDelay
	}
	return &Processor{
		recipients: recipients,
		minDelay:   minDelay,
		sinks:      sinks,
		logger:     logger.With("component", "tracking"),
	}
}

// Process applies the filtering rules to a hit and records the open when it is accepted.
// The returned event is non-nil only for accepted opens.
func (p *Processor) Process(ctx context.Context, h *Hit) (Outcome, *Event, error) {
	outcome, ev, err := p.process(ctx, h)
	metrics.IncOpens(string(outcome))

	log := p.logger.With("outcome", outcome, "campaign_id", h.CampaignID, "ip", h.IPAddress)
	switch {
	case err != nil:
		log.Error("failed to process open", "error", err)
	case ev != nil:
		log.Info("open recorded", "recipient_id", ev.RecipientID, "open_count", ev.OpenCount, "forced", h.Force)
		p.forward(ctx, ev)
	default:
		log.Debug("open ignored", "user_agent", h.Header.Get("User-Agent"))
	}
	return outcome, ev, err
}

func (p *Processor) process(ctx context.Context, h *Hit) (Outcome, *Event, error) {
	if h.Token == "" {
		return OutcomeMissingToken, nil, nil
	}
	if !h.Force {
		if o := Classify(h); o != "" {
			return o, nil, nil
		}
	}

	rc, err := p.recipients.GetByToken(ctx, h.Token)
	if err != nil {
		return OutcomeError, nil, fmt.Errorf("failed to look up tracking token: %w", err)
	}
	if rc == nil || (h.CampaignID != "" && h.CampaignID != rc.CampaignID) {
		return OutcomeUnknownToken, nil, nil
	}
	if rc.SentAt == nil {
		return OutcomeBeforeSent, nil, nil
	}
	if !h.Force && h.At.Sub(*rc.SentAt) < p.minDelay {
		return OutcomeTooSoon, nil, nil
	}

	count, first, err := p.recipients.RecordOpen(ctx, rc.ID, h.At)
	if errors.Is(err, repository.ErrInvalidState) {
		return OutcomeBeforeSent, nil, nil
	}
	if err != nil {
		return OutcomeError, nil, err
	}

	return OutcomeAccepted, newEvent(rc, h, count, first), nil
}

// forward hands the event to every sink in the background, detached from the request
func (p *Processor) forward(ctx context.Context, ev *Event) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range p.sinks {
		p.wg.Add(1)
		go func(s Sink) {
			defer p.wg.Done()
			if err := s.Send(ctx, ev); err != nil {
				metrics.IncWebhookEvents(s.Name(), "error")
				p.logger.Warn("failed to forward open event",
					"sink", s.Name(),
					"recipient_id", ev.RecipientID,
					"error", err,
				)
				return
			}
			metrics.IncWebhookEvents(s.Name(), "success")
		}(s)
	}
}

// Wait blocks until in-flight forwards have finished
func (p *Processor) Wait() {
	p.wg.Wait()
}
