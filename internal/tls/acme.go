package tls

import (
	"context"
	"crypto/tls"
	"net/http"
	"strings"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// CertManager issues certificates for the public listener (tracking pixel,
// OAuth callbacks, API) through Let's Encrypt. Issued certificates are kept
// in a directory cache so restarts do not hit the ACME rate limits.
type CertManager struct {
	autocert *autocert.Manager
	hosts    []string
}

// NewCertManager returns a manager restricted to hosts. Hosts are matched
// case-insensitively and without a port.
func NewCertManager(email, cacheDir string, hosts ...string) *CertManager {
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = normalizeHost(h); h != "" {
			normalized = append(normalized, h)
		}
	}
	return &CertManager{
		autocert: &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Email:      email,
			HostPolicy: autocert.HostWhitelist(normalized...),
			Cache:      autocert.DirCache(cacheDir),
		},
		hosts: normalized,
	}
}

func (m *CertManager) Hosts() []string {
	return append([]string(nil), m.hosts...)
}

// Allows reports whether a certificate may be requested for host
func (m *CertManager) Allows(host string) bool {
	return m.autocert.HostPolicy(context.Background(), normalizeHost(host)) == nil
}

// TLSConfig serves issued certificates and answers tls-alpn-01 challenges
// on the HTTPS listener itself.
func (m *CertManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.autocert.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1", acme.ALPNProto},
	}
}

// ChallengeHandler answers http-01 challenges on the plain listener and
// redirects every other request to the HTTPS endpoint of the same host.
func (m *CertManager) ChallengeHandler() http.Handler {
	return m.autocert.HTTPHandler(http.HandlerFunc(redirectHTTPS))
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + stripPort(r.Host) + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSpace(stripPort(h)))
}

func stripPort(h string) string {
	if i := strings.LastIndexByte(h, ':'); i > 0 && !strings.Contains(h[i:], "]") {
		return h[:i]
	}
	return h
}
