package sink

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
)

// authFailure tracks failed auth attempts
type authFailure struct {
	count     int
	lastFail  time.Time
	blockedAt time.Time
}

// Backend implements smtp.Backend for go-smtp
type Backend struct {
	mailbox  Mailbox
	username string
	password string
	logger   *slog.Logger

	// Auth brute force protection
	authFailures map[string]*authFailure
	authMu       sync.RWMutex
}

// NewBackend creates a sink backend. Empty credentials disable authentication.
func NewBackend(mailbox Mailbox, username, password string, logger *slog.Logger) *Backend {
	return &Backend{
		mailbox:      mailbox,
		username:     username,
		password:     password,
		logger:       logger,
		authFailures: make(map[string]*authFailure),
	}
}

func (b *Backend) authRequired() bool {
	return b.username != ""
}

// Auth brute force protection constants
const (
	maxAuthFailures   = 5
	authBlockDuration = 15 * time.Minute
	authFailureWindow = 5 * time.Minute
)

// CheckAuthBlocked checks if IP is blocked due to too many auth failures
func (b *Backend) CheckAuthBlocked(ip string) bool {
	b.authMu.RLock()
	defer b.authMu.RUnlock()

	if f, ok := b.authFailures[ip]; ok {
		if !f.blockedAt.IsZero() && time.Since(f.blockedAt) < authBlockDuration {
			return true
		}
	}
	return false
}

// RecordAuthFailure records a failed auth attempt and reports whether the IP is now blocked
func (b *Backend) RecordAuthFailure(ip string) bool {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	now := time.Now()
	f, ok := b.authFailures[ip]
	if !ok {
		f = &authFailure{}
		b.authFailures[ip] = f
	}

	if time.Since(f.lastFail) > authFailureWindow {
		f.count = 0
		f.blockedAt = time.Time{}
	}

	f.count++
	f.lastFail = now

	if f.count >= maxAuthFailures {
		f.blockedAt = now
		b.logger.Warn("IP blocked due to auth failures", "ip", ip, "failures", f.count)
		return true
	}

	return false
}

// ClearAuthFailure clears auth failure record on successful auth
func (b *Backend) ClearAuthFailure(ip string) {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	delete(b.authFailures, ip)
}

// NewSession is called when a new SMTP connection is established
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return NewSession(b, c), nil
}
