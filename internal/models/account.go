package models

import "time"

// AccountType identifies the transport used by a sending account
type AccountType string

const (
	AccountGoogle    AccountType = "google"
	AccountMicrosoft AccountType = "microsoft"
	AccountSMTP      AccountType = "smtp"
)

// Valid reports whether t is a known account type
func (t AccountType) Valid() bool {
	switch t {
	case AccountGoogle, AccountMicrosoft, AccountSMTP:
		return true
	}
	return false
}

// TokenSet holds OAuth credentials of a connected Google or Microsoft account
type TokenSet struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	Expiry       time.Time      `json:"expiry"`
	Scope        string         `json:"scope,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy of the token set
func (t *TokenSet) Clone() *TokenSet {
	if t == nil {
		return nil
	}
	c := *t
	if t.Extra != nil {
		c.Extra = make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// SMTPSettings holds credentials of a plain SMTP account
type SMTPSettings struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Secure   bool   `json:"secure"` // implicit TLS
	Username string `json:"username"`
	Password string `json:"password"`
	FromName string `json:"from_name,omitempty"`
}

// Account is a connected sending account. Token is set for google and
// microsoft accounts, SMTP for smtp accounts.
type Account struct {
	Email       string        `json:"email"`
	Type        AccountType   `json:"type"`
	Token       *TokenSet     `json:"token,omitempty"`
	SMTP        *SMTPSettings `json:"smtp,omitempty"`
	ConnectedAt time.Time     `json:"connected_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// FromName returns the display name used in the From header
func (a *Account) FromName() string {
	if a.SMTP != nil {
		return a.SMTP.FromName
	}
	return ""
}
