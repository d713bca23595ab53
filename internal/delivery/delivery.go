// Package delivery sends the pending recipients of a campaign through the
// provider of its sending account.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/foxzi/campaigner/internal/accounts"
	"github.com/foxzi/campaigner/internal/message"
	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/oauth"
	"github.com/foxzi/campaigner/internal/smtp"
)

// ErrAccountNotConnected matches AccountNotConnectedError
var ErrAccountNotConnected = errors.New("account is not connected")

// AccountNotConnectedError is returned when the sending account of a
// campaign was disconnected or never stored
type AccountNotConnectedError struct {
	Email string
	Type  models.AccountType
}

func (e *AccountNotConnectedError) Error() string {
	return fmt.Sprintf("account %s (%s) is not connected", e.Email, e.Type)
}

func (e *AccountNotConnectedError) Is(target error) bool {
	return target == ErrAccountNotConnected
}

// OutgoingMessage is one rendered email addressed to a single recipient
type OutgoingMessage struct {
	From     string
	FromName string
	To       string
	Subject  string
	HTML     string
}

// SendResult is the outcome of one send. Token is set when the provider
// token was refreshed, even if the send itself failed.
type SendResult struct {
	MessageID string
	Token     *models.TokenSet
}

// Sender delivers one message through a provider
type Sender interface {
	Send(ctx context.Context, acc *models.Account, msg *OutgoingMessage) (*SendResult, error)
}

// AccountStore resolves sending accounts and stores rotated tokens
type AccountStore interface {
	Get(ctx context.Context, email string, typ models.AccountType) (*models.Account, error)
	UpdateToken(ctx context.Context, email string, typ models.AccountType, tok *models.TokenSet) error
}

// RecipientStore persists per-recipient outcomes
type RecipientStore interface {
	ListPending(ctx context.Context, campaignID string) ([]models.Recipient, error)
	MarkSent(ctx context.Context, id, messageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	FailPending(ctx context.Context, campaignID, errMsg string) (int64, error)
}

// IsAuthError reports whether err means the provider rejected the credentials
func IsAuthError(err error) bool {
	if smtp.IsAuthError(err) {
		return true
	}
	var ae *oauth.APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusUnauthorized || authErrorCodes[ae.Code]
	}
	return false
}

var authErrorCodes = map[string]bool{
	"InvalidAuthenticationToken": true,
	"UNAUTHENTICATED":            true,
}

// errorType labels a send failure for metrics
func errorType(err error) string {
	var pe *smtp.ProtocolError
	var ae *oauth.APIError
	switch {
	case IsAuthError(err):
		return "auth"
	case errors.Is(err, smtp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &ae):
		return "api"
	default:
		return "transport"
	}
}

// Report summarizes one Deliver call
type Report struct {
	Attempted int
	Sent      int
	Failed    int
}

// Options configures a Dispatcher
type Options struct {
	Accounts    AccountStore
	Recipients  RecipientStore
	Senders     map[models.AccountType]Sender
	Renderer    *message.Renderer
	PublicURL   string
	Concurrency int
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// Dispatcher drives the per-recipient send loop of a campaign
type Dispatcher struct {
	accounts    AccountStore
	recipients  RecipientStore
	senders     map[models.AccountType]Sender
	renderer    *message.Renderer
	publicURL   string
	concurrency int
	sendTimeout time.Duration
	logger      *slog.Logger
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Renderer == nil {
		opts.Renderer = message.NewRenderer(opts.Logger)
	}
	return &Dispatcher{
		accounts:    opts.Accounts,
		recipients:  opts.Recipients,
		senders:     opts.Senders,
		renderer:    opts.Renderer,
		publicURL:   opts.PublicURL,
		concurrency: opts.Concurrency,
		sendTimeout: opts.SendTimeout,
		logger:      opts.Logger.With("component", "delivery"),
	}
}

// tokenCarrier holds the freshest token set seen during one campaign loop
type tokenCarrier struct {
	mu      sync.Mutex
	tok     *models.TokenSet
	changed bool
}

func (c *tokenCarrier) get() *models.TokenSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tok.Clone()
}

func (c *tokenCarrier) set(tok *models.TokenSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tok = tok.Clone()
	c.changed = true
}

// Deliver sends every pending recipient of c. Per-recipient failures are
// recorded on the recipient; the returned error is reserved for problems
// with the campaign as a whole.
func (d *Dispatcher) Deliver(ctx context.Context, c *models.Campaign) (*Report, error) {
	logger := d.logger.With("campaign_id", c.ID, "account", c.AccountEmail, "provider", c.AccountType)
	report := &Report{}

	acc, err := d.accounts.Get(ctx, c.AccountEmail, c.AccountType)
	if err != nil && !errors.Is(err, accounts.ErrNotFound) {
		return report, fmt.Errorf("failed to load account: %w", err)
	}
	sender := d.senders[c.AccountType]
	if acc == nil || !connected(acc) || sender == nil {
		nc := &AccountNotConnectedError{Email: c.AccountEmail, Type: c.AccountType}
		n, err := d.recipients.FailPending(ctx, c.ID, nc.Error())
		if err != nil {
			return report, err
		}
		report.Failed = int(n)
		for i := int64(0); i < n; i++ {
			metrics.IncMessagesFailed(string(c.AccountType), "not_connected")
		}
		logger.Warn("account not connected, failed pending recipients", "count", n)
		return report, nc
	}

	pending, err := d.recipients.ListPending(ctx, c.ID)
	if err != nil {
		return report, err
	}

	carrier := &tokenCarrier{tok: acc.Token}
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.concurrency)
	)

	for _, rc := range pending {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		report.Attempted++
		go func(rc models.Recipient) {
			defer func() {
				<-sem
				wg.Done()
			}()
			sent := d.deliverOne(ctx, logger, c, acc, carrier, sender, &rc)
			mu.Lock()
			if sent {
				report.Sent++
			} else {
				report.Failed++
			}
			mu.Unlock()
		}(rc)
	}
	wg.Wait()

	if carrier.changed {
		// ctx may already be cancelled; the rotated token must still be kept
		if err := d.accounts.UpdateToken(context.WithoutCancel(ctx), acc.Email, acc.Type, carrier.tok); err != nil {
			logger.Error("failed to persist refreshed token", "error", err)
		} else {
			logger.Debug("refreshed token persisted")
		}
	}

	logger.Info("campaign pass finished", "attempted", report.Attempted, "sent", report.Sent, "failed", report.Failed)
	return report, ctx.Err()
}

func connected(acc *models.Account) bool {
	switch acc.Type {
	case models.AccountSMTP:
		return acc.SMTP != nil
	default:
		return acc.Token != nil
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, logger *slog.Logger, c *models.Campaign, acc *models.Account,
	carrier *tokenCarrier, sender Sender, rc *models.Recipient) bool {
	provider := string(c.AccountType)

	sendCtx := ctx
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}

	rendered := d.renderer.Render(c.ID, c.Subject, c.BodyHTML, rc.Email,
		message.TrackingURL(d.publicURL, c.ID, rc.TrackingToken))
	msg := &OutgoingMessage{
		From:     acc.Email,
		FromName: acc.FromName(),
		To:       rc.Email,
		Subject:  rendered.Subject,
		HTML:     rendered.HTML,
	}

	snapshot := *acc
	snapshot.Token = carrier.get()

	start := time.Now()
	res, err := sender.Send(sendCtx, &snapshot, msg)
	metrics.ObserveSend(provider, time.Since(start).Seconds())
	if res != nil && res.Token != nil {
		carrier.set(res.Token)
	}

	// Outcomes are stored even when the campaign context was cancelled mid-send
	storeCtx := context.WithoutCancel(ctx)
	if err != nil {
		metrics.IncMessagesFailed(provider, errorType(err))
		logger.Warn("send failed", "recipient", rc.Email, "error", err)
		if merr := d.recipients.MarkFailed(storeCtx, rc.ID, failureMessage(provider, err)); merr != nil {
			logger.Error("failed to mark recipient failed", "recipient", rc.Email, "error", merr)
		}
		return false
	}

	metrics.IncMessagesSent(provider)
	if merr := d.recipients.MarkSent(storeCtx, rc.ID, res.MessageID, time.Now()); merr != nil {
		logger.Error("failed to mark recipient sent", "recipient", rc.Email, "error", merr)
	}
	logger.Debug("message sent", "recipient", rc.Email, "message_id", res.MessageID)
	return true
}

// failureMessage is the error stored on a failed recipient, with guidance
// appended for known provider misconfigurations
func failureMessage(provider string, err error) string {
	msg := err.Error()
	if g := oauth.ClassifyError(provider, err); g != nil && g.Category != oauth.CategoryAuthentication {
		msg += ". " + g.Message
	}
	return models.TruncateError(msg)
}
