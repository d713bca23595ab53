package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/oauth"
)

// googleStatePrefix namespaces Google sign-in states in the shared state store
const googleStatePrefix = "google:"

// handleGoogleStart handles GET /oauth/google/start?sender=
func (s *Server) handleGoogleStart(w http.ResponseWriter, r *http.Request) {
	if s.opts.Google == nil {
		s.redirectError(w, r, string(models.AccountGoogle), "not_configured")
		return
	}
	sender := r.URL.Query().Get("sender")

	state, err := oauth.NewState()
	if err != nil {
		s.logger.Error("failed to create oauth state", "error", err)
		s.redirectError(w, r, string(models.AccountGoogle), "oauth_failed")
		return
	}
	if err := s.opts.States.Put(r.Context(), googleStatePrefix+state, sender, s.opts.StateTTL); err != nil {
		s.logger.Error("failed to store oauth state", "error", err)
		s.redirectError(w, r, string(models.AccountGoogle), "oauth_failed")
		return
	}

	authURL, err := s.opts.Google.AuthURL(state, sender)
	if err != nil {
		s.redirectError(w, r, string(models.AccountGoogle), oauth.ErrorCode("google", err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleGoogleCallback handles GET /oauth/google/callback
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	const provider = "google"
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		s.redirectProviderError(w, r, provider, e, q.Get("error_description"))
		return
	}
	if s.opts.Google == nil {
		s.redirectError(w, r, provider, "not_configured")
		return
	}

	state := q.Get("state")
	if state == "" {
		s.redirectError(w, r, provider, "session_expired")
		return
	}
	sender, err := s.opts.States.Take(r.Context(), googleStatePrefix+state)
	if errors.Is(err, oauth.ErrStateNotFound) {
		s.redirectError(w, r, provider, "session_expired")
		return
	}
	if err != nil {
		s.logger.Error("failed to read oauth state", "error", err)
		s.redirectError(w, r, provider, "oauth_failed")
		return
	}

	conn, err := s.opts.Google.Exchange(r.Context(), q.Get("code"), sender)
	if err != nil {
		s.logger.Warn("google connection failed", "sender", sender, "error", err)
		s.redirectError(w, r, provider, oauth.ErrorCode(provider, err))
		return
	}
	s.connect(w, r, models.AccountGoogle, conn)
}

// handleMicrosoftStart handles GET /oauth/microsoft/start?login_hint=
func (s *Server) handleMicrosoftStart(w http.ResponseWriter, r *http.Request) {
	const provider = "microsoft"
	if s.opts.Microsoft == nil {
		s.redirectError(w, r, provider, "not_configured")
		return
	}

	authURL, _, err := s.opts.Microsoft.AuthURL(r.Context(), r.URL.Query().Get("login_hint"))
	if err != nil {
		s.logger.Error("failed to start microsoft sign-in", "error", err)
		s.redirectError(w, r, provider, oauth.ErrorCode(provider, err))
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleMicrosoftCallback handles GET /oauth/microsoft/callback
func (s *Server) handleMicrosoftCallback(w http.ResponseWriter, r *http.Request) {
	const provider = "microsoft"
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		s.redirectProviderError(w, r, provider, e, q.Get("error_description"))
		return
	}
	if s.opts.Microsoft == nil {
		s.redirectError(w, r, provider, "not_configured")
		return
	}

	conn, err := s.opts.Microsoft.Exchange(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		s.logger.Warn("microsoft connection failed", "error", err)
		s.redirectError(w, r, provider, oauth.ErrorCode(provider, err))
		return
	}
	s.connect(w, r, models.AccountMicrosoft, conn)
}

// connect stores the connected account and sends the browser back to the UI
func (s *Server) connect(w http.ResponseWriter, r *http.Request, typ models.AccountType, conn *oauth.Connection) {
	acc := &models.Account{
		Email: conn.Email,
		Type:  typ,
		Token: conn.Token,
	}
	if err := s.opts.Accounts.Save(r.Context(), acc); err != nil {
		s.logger.Error("failed to save account", "email", conn.Email, "type", typ, "error", err)
		s.redirectError(w, r, string(typ), "oauth_failed")
		return
	}

	s.logger.Info("account connected", "email", conn.Email, "type", typ)
	s.redirectUI(w, r, url.Values{
		"connected": {conn.Email},
		"provider":  {string(typ)},
	})
}

// redirectProviderError maps an error returned on the callback URL to a normalized code
func (s *Server) redirectProviderError(w http.ResponseWriter, r *http.Request, provider, code, description string) {
	s.logger.Warn("provider returned an error", "provider", provider, "error", code, "description", description)
	normalized := "oauth_failed"
	if g := oauth.Classify(provider, 0, code, description); g != nil {
		normalized = g.Code
	}
	s.redirectError(w, r, provider, normalized)
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, provider, code string) {
	s.redirectUI(w, r, url.Values{
		"error":    {code},
		"provider": {provider},
	})
}

// redirectUI redirects to the configured UI URL, merging params into its query
func (s *Server) redirectUI(w http.ResponseWriter, r *http.Request, params url.Values) {
	target, err := url.Parse(s.config.UIRedirectURL)
	if err != nil {
		target = &url.URL{Path: "/"}
	}
	q := target.Query()
	for k, vs := range params {
		q[k] = vs
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
