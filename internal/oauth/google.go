package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/foxzi/campaigner/internal/config"
	"github.com/foxzi/campaigner/internal/models"
)

// Connection is the result of a completed authorization code flow
type Connection struct {
	Email              string // sending address stored on the account
	AuthenticatedEmail string // mailbox that signed in
	Token              *models.TokenSet
}

// GoogleManager runs the Gmail authorization flow and refreshes its tokens
type GoogleManager struct {
	*tokenManager
	cfg      *config.GoogleConfig
	verifier *oidc.IDTokenVerifier
}

// NewGoogleManager creates a Google token manager. Missing client
// credentials are reported by AuthURL and Exchange, not here.
func NewGoogleManager(cfg *config.GoogleConfig, client *http.Client, locks *RefreshLocker, logger *slog.Logger) *GoogleManager {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       cfg.Scopes,
	}

	m := &GoogleManager{
		tokenManager: newTokenManager(string(models.AccountGoogle), oauth2Config, client, locks,
			logger.With("component", "oauth", "provider", "google")),
		cfg: cfg,
	}

	if cfg.JWKSURL != "" {
		keyCtx := oidc.ClientContext(context.Background(), m.client)
		keySet := oidc.NewRemoteKeySet(keyCtx, cfg.JWKSURL)
		m.verifier = oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{ClientID: cfg.ClientID})
	}
	return m
}

// AuthURL returns the consent screen URL. Offline access and a forced
// consent prompt make Google issue a refresh token on every connection.
func (m *GoogleManager) AuthURL(state, loginHint string) (string, error) {
	if !m.configured() {
		return "", ErrNotConfigured
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	}
	if loginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", loginHint))
	}
	return m.config.AuthCodeURL(state, opts...), nil
}

// Exchange trades the authorization code for tokens and resolves the
// account email. When requestedSender differs from the signed-in mailbox it
// must be an accepted send-as alias of that mailbox.
func (m *GoogleManager) Exchange(ctx context.Context, code, requestedSender string) (*Connection, error) {
	if !m.configured() {
		return nil, ErrNotConfigured
	}

	tok, err := m.config.Exchange(m.httpContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	authenticated, err := m.identify(ctx, tok)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		Email:              authenticated,
		AuthenticatedEmail: authenticated,
		Token:              ToTokenSet(tok),
	}

	requestedSender = strings.TrimSpace(requestedSender)
	if requestedSender != "" && !strings.EqualFold(requestedSender, authenticated) {
		if err := m.checkAlias(ctx, tok.AccessToken, requestedSender); err != nil {
			return nil, err
		}
		conn.Email = requestedSender
	}

	m.logger.Info("google account connected", "email", conn.Email, "authenticated", authenticated)
	return conn, nil
}

// identify reads the email from the verified id_token, falling back to the userinfo endpoint
func (m *GoogleManager) identify(ctx context.Context, tok *oauth2.Token) (string, error) {
	if rawIDToken, ok := tok.Extra("id_token").(string); ok && rawIDToken != "" && m.verifier != nil {
		idToken, err := m.verifier.Verify(m.httpContext(ctx), rawIDToken)
		if err != nil {
			return "", fmt.Errorf("failed to verify id_token: %w", err)
		}
		var claims struct {
			Email string `json:"email"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", fmt.Errorf("failed to parse claims: %w", err)
		}
		if claims.Email != "" {
			return claims.Email, nil
		}
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := doJSON(ctx, m.client, "google", http.MethodGet, m.cfg.UserInfoURL, tok.AccessToken, &info); err != nil {
		return "", fmt.Errorf("failed to fetch userinfo: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("google userinfo returned no email")
	}
	return info.Email, nil
}

type sendAsAlias struct {
	SendAsEmail        string `json:"sendAsEmail"`
	IsPrimary          bool   `json:"isPrimary"`
	VerificationStatus string `json:"verificationStatus"`
}

func (a sendAsAlias) usable() bool {
	return a.IsPrimary || a.VerificationStatus == "accepted"
}

func (m *GoogleManager) checkAlias(ctx context.Context, accessToken, requested string) error {
	var resp struct {
		SendAs []sendAsAlias `json:"sendAs"`
	}
	url := strings.TrimRight(m.cfg.APIBaseURL, "/") + "/gmail/v1/users/me/settings/sendAs"
	if err := doJSON(ctx, m.client, "google", http.MethodGet, url, accessToken, &resp); err != nil {
		return fmt.Errorf("failed to list send-as aliases: %w", err)
	}

	var valid []string
	for _, a := range resp.SendAs {
		if !a.usable() {
			continue
		}
		if strings.EqualFold(a.SendAsEmail, requested) {
			return nil
		}
		valid = append(valid, a.SendAsEmail)
	}
	return &AliasError{Requested: requested, Valid: valid}
}
