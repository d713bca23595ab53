// Package email provides common email address helpers.
package email

import (
	"net/mail"
	"strings"
)

// ExtractDomain extracts the lowercased domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		// Try simple extraction for malformed addresses
		at := strings.LastIndex(email, "@")
		if at <= 0 || at == len(email)-1 {
			return ""
		}
		return strings.ToLower(email[at+1:])
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}

// ExtractDomainOrDefault extracts the domain part from an email address.
// Returns the provided default value if the email is invalid or domain is empty.
func ExtractDomainOrDefault(email, defaultDomain string) string {
	domain := ExtractDomain(email)
	if domain == "" {
		return defaultDomain
	}
	return domain
}

// Normalize returns the key used to compare addresses: trimmed and lowercased
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Valid reports whether s is a bare address with a local part and a domain
func Valid(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Address == strings.TrimSpace(s) && ExtractDomain(addr.Address) != ""
}

// FormatAddress renders a header address, quoting the display name when needed
func FormatAddress(name, address string) string {
	a := mail.Address{Name: name, Address: address}
	return a.String()
}
