package dkim

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-msgauth/dkim"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func sharedKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		var err error
		testKey, err = GenerateKey(0)
		if err != nil {
			t.Fatal(err)
		}
	})
	return testKey
}

const testMessage = "From: Sender <sender@example.com>\r\n" +
	"To: recipient@example.org\r\n" +
	"Subject: Test Message\r\n" +
	"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/html; charset=UTF-8\r\n" +
	"\r\n" +
	"<p>This is a test message.</p>\r\n"

func TestGenerateKey(t *testing.T) {
	key := sharedKey(t)
	if key.N.BitLen() < DefaultKeyBits {
		t.Errorf("key size = %d bits, want >= %d", key.N.BitLen(), DefaultKeyBits)
	}
}

func TestWriteAndReadPrivateKey(t *testing.T) {
	key := sharedKey(t)
	path := filepath.Join(t.TempDir(), "subdir", "mail.key")

	if err := WritePrivateKey(path, key); err != nil {
		t.Fatalf("WritePrivateKey() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file permissions = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := ReadPrivateKey(path)
	if err != nil {
		t.Fatalf("ReadPrivateKey() error = %v", err)
	}
	if loaded.N.Cmp(key.N) != 0 {
		t.Error("loaded key doesn't match original")
	}
}

func TestReadPrivateKeyErrors(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("non-existent file", func(t *testing.T) {
		if _, err := ReadPrivateKey("/nonexistent/key.pem"); err == nil {
			t.Error("expected error for non-existent file")
		}
	})

	t.Run("invalid PEM", func(t *testing.T) {
		bad := filepath.Join(tmpDir, "bad.pem")
		if err := os.WriteFile(bad, []byte("not a pem"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadPrivateKey(bad); err == nil {
			t.Error("expected error for invalid PEM")
		}
	})
}

func TestRecordName(t *testing.T) {
	if got := RecordName("mail", "example.com"); got != "mail._domainkey.example.com" {
		t.Errorf("RecordName() = %q", got)
	}
}

func TestSignVerifies(t *testing.T) {
	key := sharedKey(t)
	record, err := TXTRecord(key)
	if err != nil {
		t.Fatalf("TXTRecord() error = %v", err)
	}
	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("TXTRecord() = %q", record)
	}

	signer := NewSigner(key, "example.com", "mail")
	signed, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Error("signed message should start with DKIM-Signature header")
	}

	lookup := func(domain string) ([]string, error) {
		if domain != RecordName("mail", "example.com") {
			return nil, fmt.Errorf("unexpected lookup %s", domain)
		}
		return []string{record}, nil
	}
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(signed), &dkim.VerifyOptions{LookupTXT: lookup})
	if err != nil {
		t.Fatalf("VerifyWithOptions() error = %v", err)
	}
	if len(verifications) != 1 {
		t.Fatalf("verifications = %d, want 1", len(verifications))
	}
	if verifications[0].Err != nil {
		t.Errorf("signature invalid: %v", verifications[0].Err)
	}
	if verifications[0].Domain != "example.com" {
		t.Errorf("Domain = %q", verifications[0].Domain)
	}
}

func TestRegistry(t *testing.T) {
	key := sharedKey(t)
	path := filepath.Join(t.TempDir(), "example.key")
	if err := WritePrivateKey(path, key); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(map[string]DomainKey{"Example.com": {Selector: "mail", KeyFile: path}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	if s := r.ForAddress("someone@EXAMPLE.com"); s == nil || s.Selector() != "mail" {
		t.Errorf("ForAddress() = %v, want signer for example.com", s)
	}
	if s := r.ForAddress("someone@other.org"); s != nil {
		t.Errorf("ForAddress(other.org) = %v, want nil", s)
	}
	if s := r.ForAddress("not-an-address"); s != nil {
		t.Errorf("ForAddress(invalid) = %v, want nil", s)
	}

	var nilRegistry *Registry
	if nilRegistry.ForAddress("a@example.com") != nil {
		t.Error("nil registry should return nil signer")
	}

	if _, err := NewRegistry(map[string]DomainKey{"x.org": {Selector: "s", KeyFile: "/nonexistent"}}); err == nil {
		t.Error("NewRegistry() expected error for missing key file")
	}
}
