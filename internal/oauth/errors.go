package oauth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConfigured is returned when the provider client id or secret is missing
	ErrNotConfigured = errors.New("oauth client is not configured")

	// ErrSessionExpired is returned when the PKCE state of a Microsoft sign-in is missing or stale
	ErrSessionExpired = errors.New("sign-in session expired, please restart the Microsoft connection")

	// ErrNoRefreshToken is returned when a token must be refreshed but no refresh token was granted
	ErrNoRefreshToken = errors.New("no refresh token, reconnect the account")
)

// AliasError is returned when the requested sender is not a verified
// send-as alias of the authenticated Google account
type AliasError struct {
	Requested string
	Valid     []string
}

func (e *AliasError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("%s is not a verified send-as alias of this Google account", e.Requested)
	}
	return fmt.Sprintf("%s is not a verified send-as alias of this Google account (valid: %s)",
		e.Requested, strings.Join(e.Valid, ", "))
}

// APIError is a non-2xx response from a provider REST endpoint
type APIError struct {
	Provider    string
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s api: status %d", e.Provider, e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}
