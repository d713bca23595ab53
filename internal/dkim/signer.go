package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/foxzi/campaigner/internal/email"
)

// signedHeaders are covered by the signature when present
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type", "Content-Transfer-Encoding",
}

// Signer signs outgoing SMTP messages for one domain
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{key: key, domain: domain, selector: selector}
}

// Sign prepends a DKIM-Signature header (relaxed/relaxed, rsa-sha256)
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

func (s *Signer) Domain() string   { return s.domain }
func (s *Signer) Selector() string { return s.selector }

// DomainKey configures signing for one sender domain
type DomainKey struct {
	Selector string
	KeyFile  string
}

// Registry picks the signer matching a sender address
type Registry struct {
	signers map[string]*Signer
}

// NewRegistry loads the keys of all configured domains
func NewRegistry(domains map[string]DomainKey) (*Registry, error) {
	r := &Registry{signers: make(map[string]*Signer, len(domains))}
	for domain, dk := range domains {
		key, err := ReadPrivateKey(dk.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("dkim %s: %w", domain, err)
		}
		r.Add(NewSigner(key, strings.ToLower(domain), dk.Selector))
	}
	return r, nil
}

// Add registers a signer, replacing any signer for the same domain
func (r *Registry) Add(s *Signer) {
	r.signers[strings.ToLower(s.domain)] = s
}

// ForAddress returns the signer for the domain of address, or nil
func (r *Registry) ForAddress(address string) *Signer {
	if r == nil {
		return nil
	}
	domain := email.ExtractDomain(address)
	if domain == "" {
		return nil
	}
	return r.signers[domain]
}

// Len returns the number of registered domains
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.signers)
}
