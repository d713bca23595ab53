package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/foxzi/campaigner/internal/config"
	"github.com/foxzi/campaigner/internal/models"
)

// DefaultStateTTL bounds how long a Microsoft sign-in may take
const DefaultStateTTL = 10 * time.Minute

// MicrosoftManager runs the Microsoft identity platform flow with PKCE
type MicrosoftManager struct {
	*tokenManager
	cfg    *config.MicrosoftConfig
	states StateStore
	ttl    time.Duration
}

// NewMicrosoftManager creates a Microsoft token manager. A nil states
// store falls back to an in-memory one.
func NewMicrosoftManager(cfg *config.MicrosoftConfig, states StateStore, ttl time.Duration, client *http.Client, locks *RefreshLocker, logger *slog.Logger) *MicrosoftManager {
	tenant := cfg.Tenant
	if tenant == "" {
		tenant = "common"
	}
	endpoint := microsoft.AzureADEndpoint(tenant)
	if cfg.AuthorityURL != "" {
		base := strings.TrimRight(cfg.AuthorityURL, "/") + "/" + tenant + "/oauth2/v2.0"
		endpoint = oauth2.Endpoint{
			AuthURL:  base + "/authorize",
			TokenURL: base + "/token",
		}
	}
	if states == nil {
		states = NewMemoryStateStore()
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     endpoint,
		Scopes:       cfg.Scopes,
	}

	return &MicrosoftManager{
		tokenManager: newTokenManager(string(models.AccountMicrosoft), oauth2Config, client, locks,
			logger.With("component", "oauth", "provider", "microsoft")),
		cfg:    cfg,
		states: states,
		ttl:    ttl,
	}
}

// AuthURL starts a sign-in. It returns the authorization URL and the
// state that the callback must present.
func (m *MicrosoftManager) AuthURL(ctx context.Context, loginHint string) (string, string, error) {
	if !m.configured() {
		return "", "", ErrNotConfigured
	}

	state, err := NewState()
	if err != nil {
		return "", "", err
	}
	verifier := oauth2.GenerateVerifier()
	if err := m.states.Put(ctx, state, verifier, m.ttl); err != nil {
		return "", "", err
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("prompt", "select_account"),
	}
	if loginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", loginHint))
	}
	return m.config.AuthCodeURL(state, opts...), state, nil
}

// Exchange completes the sign-in for state. A state that is unknown,
// expired or already used yields ErrSessionExpired.
func (m *MicrosoftManager) Exchange(ctx context.Context, state, code string) (*Connection, error) {
	if !m.configured() {
		return nil, ErrNotConfigured
	}
	if state == "" {
		return nil, ErrSessionExpired
	}

	verifier, err := m.states.Take(ctx, state)
	if errors.Is(err, ErrStateNotFound) {
		m.logger.Warn("unknown or expired oauth state")
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}

	tok, err := m.config.Exchange(m.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	var me struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	url := strings.TrimRight(m.cfg.GraphBaseURL, "/") + "/me?$select=mail,userPrincipalName"
	if err := doJSON(ctx, m.client, "microsoft", http.MethodGet, url, tok.AccessToken, &me); err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	email := me.Mail
	if email == "" {
		email = me.UserPrincipalName
	}
	if email == "" {
		return nil, fmt.Errorf("microsoft profile has no mail or userPrincipalName")
	}

	m.logger.Info("microsoft account connected", "email", email)
	return &Connection{
		Email:              email,
		AuthenticatedEmail: email,
		Token:              ToTokenSet(tok),
	}, nil
}
