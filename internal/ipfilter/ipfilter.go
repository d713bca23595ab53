// Package ipfilter restricts HTTP endpoints to configured networks and
// resolves the client address of a request.
package ipfilter

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Filter checks client addresses against an allow list. An empty filter allows everything.
type Filter struct {
	nets   []*net.IPNet
	logger *slog.Logger
}

// ParseNetwork parses an IP or CIDR. A bare IP becomes a /32 or /128.
func ParseNetwork(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		return ipNet, nil
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP %q", entry)
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Validate reports the first malformed entry of an allow list
func Validate(entries []string) error {
	for _, e := range entries {
		if strings.TrimSpace(e) == "" {
			continue
		}
		if _, err := ParseNetwork(e); err != nil {
			return err
		}
	}
	return nil
}

// New creates a filter from IPs and CIDRs. Malformed entries are logged and skipped.
func New(entries []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}
	for _, e := range entries {
		if strings.TrimSpace(e) == "" {
			continue
		}
		ipNet, err := ParseNetwork(e)
		if err != nil {
			logger.Warn("ignoring allowed_ips entry", "error", err)
			continue
		}
		f.nets = append(f.nets, ipNet)
	}
	return f
}

// Enabled returns true if IP filtering is active
func (f *Filter) Enabled() bool {
	return len(f.nets) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.nets)
}

// Allows checks ip against the allow list
func (f *Filter) Allows(ip net.IP) bool {
	if !f.Enabled() {
		return true
	}
	for _, n := range f.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// AllowsAddr checks a host or host:port string
func (f *Filter) AllowsAddr(addr string) bool {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	return f.Allows(ip)
}

// ClientIP extracts the client IP from an HTTP request.
// X-Forwarded-For (first hop) and X-Real-IP win over RemoteAddr.
func ClientIP(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// ClientAddr is ClientIP as a string, empty when unknown
func ClientAddr(r *http.Request) string {
	if ip := ClientIP(r); ip != nil {
		return ip.String()
	}
	return ""
}

// Middleware rejects requests from addresses outside the allow list with 403
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r)
		if ip == nil || !f.Allows(ip) {
			f.logger.Warn("access denied by IP filter", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
