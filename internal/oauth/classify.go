package oauth

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/oauth2"
)

// Category groups provider failures by who has to act on them
type Category string

const (
	CategoryConfiguration  Category = "configuration"  // operator must fix the app registration or settings
	CategoryConsent        Category = "consent"        // a tenant admin must grant consent
	CategoryAuthentication Category = "authentication" // the account must be reconnected
	CategoryUser           Category = "user"           // the user cancelled or picked the wrong account
)

// Guidance is the actionable explanation of a known provider error
type Guidance struct {
	Code     string // normalized error code used in redirects
	Category Category
	Message  string
}

type rule struct {
	provider string // empty matches any provider
	code     string
	guidance Guidance
}

var rules = []rule{
	{"microsoft", "AADSTS9002326", Guidance{"redirect_uri_spa", CategoryConfiguration,
		"The redirect URI is registered as a Single-page application. Register it under the Web platform in the Azure app registration."}},
	{"microsoft", "AADSTS50011", Guidance{"redirect_uri_mismatch", CategoryConfiguration,
		"The redirect URI does not match the Azure app registration. Add the callback URL to the app's Web redirect URIs."}},
	{"microsoft", "AADSTS65001", Guidance{"consent_required", CategoryConsent,
		"The application has not been granted consent. Ask a tenant administrator to grant admin consent for the requested permissions."}},
	{"microsoft", "AADSTS700016", Guidance{"app_not_found", CategoryConfiguration,
		"The application was not found in the tenant. Check the client id and tenant, or set the tenant to \"common\"."}},
	{"microsoft", "AADSTS7000215", Guidance{"invalid_client_secret", CategoryConfiguration,
		"The client secret is invalid. Use the secret value (not the secret id) and check that it has not expired."}},
	{"", "5.7.139", Guidance{"smtp_auth_disabled", CategoryConfiguration,
		"SMTP AUTH is disabled for this mailbox or tenant. Enable Authenticated SMTP in the Microsoft 365 admin center or connect the account with Microsoft sign-in."}},
	{"google", "redirect_uri_mismatch", Guidance{"redirect_uri_mismatch", CategoryConfiguration,
		"The redirect URI is not authorized for the Google OAuth client. Add the callback URL to the client's Authorized redirect URIs."}},
	{"", "invalid_grant", Guidance{"invalid_grant", CategoryAuthentication,
		"The authorization has expired or was revoked. Reconnect the account."}},
	{"", "access_denied", Guidance{"access_denied", CategoryUser,
		"Access was denied on the consent screen. Start the connection again and approve the requested permissions."}},
	{"google", "admin_policy_enforced", Guidance{"admin_policy_enforced", CategoryConsent,
		"The Google Workspace administrator blocks this application. Ask the administrator to trust the OAuth client."}},
}

var (
	aadstsPattern   = regexp.MustCompile(`AADSTS\d+`)
	enhancedPattern = regexp.MustCompile(`\b[245]\.\d{1,3}\.\d{1,3}\b`)
)

// Classify maps a provider error to guidance. Provider-specific codes embedded
// in the description (AADSTS numbers, SMTP enhanced status codes) take
// precedence over the OAuth error code. It returns nil for unknown errors.
func Classify(provider string, status int, code, description string) *Guidance {
	var candidates []string
	candidates = append(candidates, aadstsPattern.FindAllString(description, -1)...)
	candidates = append(candidates, aadstsPattern.FindAllString(code, -1)...)
	candidates = append(candidates, enhancedPattern.FindAllString(description, -1)...)
	if code != "" {
		candidates = append(candidates, code)
	}

	for _, c := range candidates {
		for _, r := range rules {
			if r.provider != "" && r.provider != provider {
				continue
			}
			if strings.EqualFold(r.code, c) {
				g := r.guidance
				return &g
			}
		}
	}

	if status == 401 {
		return &Guidance{Code: "unauthorized", Category: CategoryAuthentication,
			Message: "The provider rejected the access token. Reconnect the account."}
	}
	return nil
}

// ClassifyError extracts the provider error code from err and classifies it
func ClassifyError(provider string, err error) *Guidance {
	if err == nil {
		return nil
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		desc := re.ErrorDescription
		if desc == "" {
			desc = string(re.Body)
		}
		return Classify(provider, status, re.ErrorCode, desc)
	}

	var ae *APIError
	if errors.As(err, &ae) {
		return Classify(ae.Provider, ae.StatusCode, ae.Code, ae.Description)
	}

	return Classify(provider, 0, "", err.Error())
}

// ErrorCode returns the normalized code reported to the UI for a failed connection
func ErrorCode(provider string, err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	}
	var alias *AliasError
	if errors.As(err, &alias) {
		return "alias_not_verified"
	}
	if g := ClassifyError(provider, err); g != nil {
		return g.Code
	}
	return "oauth_failed"
}

// Describe returns the guidance message for err, or err's own text when it is unknown
func Describe(provider string, err error) string {
	if g := ClassifyError(provider, err); g != nil {
		return g.Message
	}
	return err.Error()
}
