package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/foxzi/campaigner/internal/metrics"
	"github.com/foxzi/campaigner/internal/models"
)

// RefreshSkew is how long before expiry a token is treated as stale
const RefreshSkew = 60 * time.Second

// reuseWindow lets concurrent refreshers of the same account share one result
const reuseWindow = 30 * time.Second

// ToTokenSet converts an oauth2 token into the stored representation
func ToTokenSet(t *oauth2.Token) *models.TokenSet {
	if t == nil {
		return nil
	}
	ts := &models.TokenSet{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry.UTC(),
	}
	if scope, ok := t.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	return ts
}

func toOAuth2(ts *models.TokenSet) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		TokenType:    ts.TokenType,
		Expiry:       ts.Expiry,
	}
}

// NeedsRefresh reports whether tok expires within RefreshSkew of now.
// A zero expiry never expires.
func NeedsRefresh(tok *models.TokenSet, now time.Time) bool {
	if tok == nil || tok.AccessToken == "" {
		return true
	}
	if tok.Expiry.IsZero() {
		return false
	}
	return !now.Add(RefreshSkew).Before(tok.Expiry)
}

type refreshResult struct {
	from  string // refresh token the result was obtained with
	token *models.TokenSet
	at    time.Time
}

// tokenManager holds the refresh logic shared by the Google and Microsoft managers
type tokenManager struct {
	provider string
	config   *oauth2.Config
	client   *http.Client
	locks    *RefreshLocker
	logger   *slog.Logger

	mu     sync.Mutex
	recent map[string]refreshResult
}

func newTokenManager(provider string, cfg *oauth2.Config, client *http.Client, locks *RefreshLocker, logger *slog.Logger) *tokenManager {
	if client == nil {
		client = DefaultHTTPClient
	}
	if locks == nil {
		locks = NewRefreshLocker()
	}
	return &tokenManager{
		provider: provider,
		config:   cfg,
		client:   client,
		locks:    locks,
		logger:   logger,
		recent:   make(map[string]refreshResult),
	}
}

func (m *tokenManager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func (m *tokenManager) configured() bool {
	return m.config.ClientID != "" && m.config.ClientSecret != ""
}

// Refresh exchanges the refresh token of account for a new token set.
// Refreshes of one account are serialized; a caller that waited on another
// refresh of the same credentials gets that result instead of refreshing again.
func (m *tokenManager) Refresh(ctx context.Context, account string, tok *models.TokenSet) (*models.TokenSet, error) {
	if tok == nil || tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	if !m.configured() {
		return nil, ErrNotConfigured
	}

	key := m.provider + ":" + account
	unlock := m.locks.Lock(key)
	defer unlock()

	m.mu.Lock()
	if r, ok := m.recent[key]; ok && r.from == tok.RefreshToken && time.Since(r.at) < reuseWindow {
		m.mu.Unlock()
		return r.token.Clone(), nil
	}
	m.mu.Unlock()

	stale := toOAuth2(tok)
	stale.AccessToken = ""
	stale.Expiry = time.Now().Add(-time.Minute)

	fresh, err := m.config.TokenSource(m.httpContext(ctx), stale).Token()
	if err != nil {
		metrics.IncTokenRefreshes(m.provider, "error")
		m.logger.Warn("token refresh failed", "account", account, "error", err)
		return nil, fmt.Errorf("refresh %s token: %w", m.provider, err)
	}
	metrics.IncTokenRefreshes(m.provider, "ok")

	out := ToTokenSet(fresh)
	if out.RefreshToken == "" {
		out.RefreshToken = tok.RefreshToken
	}
	if out.Scope == "" {
		out.Scope = tok.Scope
	}

	m.mu.Lock()
	m.recent[key] = refreshResult{from: tok.RefreshToken, token: out.Clone(), at: time.Now()}
	m.mu.Unlock()

	m.logger.Debug("token refreshed", "account", account, "expiry", out.Expiry)
	return out, nil
}

// Fresh returns tok unchanged when it is still valid for RefreshSkew,
// otherwise a refreshed token set. The bool reports whether a refresh happened.
func (m *tokenManager) Fresh(ctx context.Context, account string, tok *models.TokenSet) (*models.TokenSet, bool, error) {
	if !NeedsRefresh(tok, time.Now()) {
		return tok, false, nil
	}
	fresh, err := m.Refresh(ctx, account, tok)
	if err != nil {
		return nil, false, err
	}
	return fresh, true, nil
}
