package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/quotedprintable"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foxzi/campaigner/internal/accounts"
	"github.com/foxzi/campaigner/internal/config"
	"github.com/foxzi/campaigner/internal/dkim"
	"github.com/foxzi/campaigner/internal/models"
	"github.com/foxzi/campaigner/internal/oauth"
	"github.com/foxzi/campaigner/internal/repository"
	"github.com/foxzi/campaigner/internal/sink"
	"github.com/foxzi/campaigner/internal/smtp"
	ctls "github.com/foxzi/campaigner/internal/tls"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memAccounts is an AccountStore backed by a map
type memAccounts struct {
	mu      sync.Mutex
	byKey   map[string]*models.Account
	updates []*models.TokenSet
}

func newMemAccounts(accs ...*models.Account) *memAccounts {
	m := &memAccounts{byKey: make(map[string]*models.Account)}
	for _, a := range accs {
		m.byKey[string(a.Type)+":"+a.Email] = a
	}
	return m
}

func (m *memAccounts) Get(ctx context.Context, email string, typ models.AccountType) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byKey[string(typ)+":"+email]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	c := *a
	c.Token = a.Token.Clone()
	return &c, nil
}

func (m *memAccounts) UpdateToken(ctx context.Context, email string, typ models.AccountType, tok *models.TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, tok.Clone())
	if a, ok := m.byKey[string(typ)+":"+email]; ok {
		a.Token = tok.Clone()
	}
	return nil
}

type fixture struct {
	campaigns  *repository.CampaignRepository
	recipients *repository.RecipientRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := repository.Open(repository.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &fixture{
		campaigns:  repository.NewCampaignRepository(db),
		recipients: repository.NewRecipientRepository(db),
	}
}

func (f *fixture) campaign(t *testing.T, from string, typ models.AccountType, emails ...string) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Subject:      "Hello {{ email }}",
		BodyHTML:     "<p>Visit https://example.com/offer</p><script>alert(1)</script>",
		Status:       models.CampaignQueued,
		AccountEmail: from,
		AccountType:  typ,
	}
	if _, err := f.campaigns.Create(context.Background(), c, emails); err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) recipientsOf(t *testing.T, campaignID string, emails ...string) []*models.Recipient {
	t.Helper()
	var out []*models.Recipient
	for _, e := range emails {
		rc := f.find(t, campaignID, e)
		out = append(out, rc)
	}
	return out
}

func (f *fixture) find(t *testing.T, campaignID, email string) *models.Recipient {
	t.Helper()
	rows, err := f.recipients.List(context.Background(), campaignID)
	if err != nil {
		t.Fatal(err)
	}
	for i := range rows {
		if rows[i].Email == email {
			return &rows[i]
		}
	}
	t.Fatalf("recipient %s not found", email)
	return nil
}

func startSink(t *testing.T, mailbox sink.Mailbox) (string, int) {
	t.Helper()
	tlsConfig, err := ctls.SelfSigned("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	srv := sink.NewServer(sink.Options{
		Domain:    "sink.test",
		Username:  "sender@example.com",
		Password:  "secret",
		Mailbox:   mailbox,
		Logger:    testLogger(),
		TLSConfig: tlsConfig,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func smtpDispatcher(t *testing.T, f *fixture, accs AccountStore, signers *dkim.Registry) *Dispatcher {
	t.Helper()
	tr, err := smtp.NewTransport(smtp.TransportRaw, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	sender := NewSMTPSender(tr, signers, SMTPOptions{
		ClientName:      "campaigner.test",
		ResponseTimeout: 2 * time.Second,
		SocketTimeout:   5 * time.Second,
		SkipTLSVerify:   true,
	}, testLogger())
	return NewDispatcher(Options{
		Accounts:   accs,
		Recipients: f.recipients,
		Senders:    map[models.AccountType]Sender{models.AccountSMTP: sender},
		PublicURL:  "https://track.example.com",
		Logger:     testLogger(),
	})
}

func TestDeliverSMTP(t *testing.T) {
	mailbox := sink.NewMemoryMailbox()
	host, port := startSink(t, mailbox)

	key, err := dkim.GenerateKey(0)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "example.key")
	if err := dkim.WritePrivateKey(keyPath, key); err != nil {
		t.Fatal(err)
	}
	signers, err := dkim.NewRegistry(map[string]dkim.DomainKey{"example.com": {Selector: "mail", KeyFile: keyPath}})
	if err != nil {
		t.Fatal(err)
	}

	f := newFixture(t)
	accs := newMemAccounts(&models.Account{
		Email: "sender@example.com",
		Type:  models.AccountSMTP,
		SMTP: &models.SMTPSettings{
			Host: host, Port: port, Username: "sender@example.com", Password: "secret", FromName: "Sender",
		},
	})
	c := f.campaign(t, "sender@example.com", models.AccountSMTP, "a@example.org", "b@example.org")

	report, err := smtpDispatcher(t, f, accs, signers).Deliver(context.Background(), c)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.Sent != 2 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}

	msgs := mailbox.Messages()
	if len(msgs) != 2 {
		t.Fatalf("captured %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		data := strings.ReplaceAll(string(m.Data), "\r\n", "\n")
		if !strings.HasPrefix(data, "DKIM-Signature:") {
			t.Error("message not DKIM signed")
		}
		if !strings.Contains(data, "Subject: Hello "+m.To[0]) {
			t.Errorf("subject not personalized for %s", m.To[0])
		}
		_, body, _ := strings.Cut(data, "\n\n")
		decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(body)))
		if err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if strings.Contains(string(decoded), "<script>") {
			t.Error("script tag not stripped")
		}
		if !strings.Contains(string(decoded), "/t/open.gif?mid="+c.ID) {
			t.Error("tracking pixel missing")
		}
		if !strings.Contains(string(decoded), `<a href="https://example.com/offer">`) {
			t.Error("bare URL not linked")
		}
	}

	for _, rc := range f.recipientsOf(t, c.ID, "a@example.org", "b@example.org") {
		if rc.Status != models.RecipientSent || rc.SentAt == nil || rc.MessageID == "" {
			t.Errorf("recipient %s = %+v", rc.Email, rc)
		}
	}
	if len(accs.updates) != 0 {
		t.Errorf("UpdateToken called %d times for smtp account", len(accs.updates))
	}
}

func TestDeliverSMTPWrongPassword(t *testing.T) {
	mailbox := sink.NewMemoryMailbox()
	host, port := startSink(t, mailbox)

	f := newFixture(t)
	accs := newMemAccounts(&models.Account{
		Email: "sender@example.com",
		Type:  models.AccountSMTP,
		SMTP:  &models.SMTPSettings{Host: host, Port: port, Username: "sender@example.com", Password: "wrong"},
	})
	c := f.campaign(t, "sender@example.com", models.AccountSMTP, "a@example.org", "b@example.org")

	report, err := smtpDispatcher(t, f, accs, nil).Deliver(context.Background(), c)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.Failed != 2 || report.Sent != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(mailbox.Messages()) != 0 {
		t.Error("message captured despite failed auth")
	}
	for _, rc := range f.recipientsOf(t, c.ID, "a@example.org", "b@example.org") {
		if rc.Status != models.RecipientFailed {
			t.Errorf("%s status = %s, want FAILED", rc.Email, rc.Status)
		}
		if !strings.Contains(rc.Error, "smtp auth") || !strings.Contains(rc.Error, "535") {
			t.Errorf("%s error = %q, want authentication failure", rc.Email, rc.Error)
		}
	}
}

type countingSender struct {
	calls int32
	fail  map[string]error
}

func (s *countingSender) Send(ctx context.Context, acc *models.Account, msg *OutgoingMessage) (*SendResult, error) {
	atomic.AddInt32(&s.calls, 1)
	if err := s.fail[msg.To]; err != nil {
		return nil, err
	}
	return &SendResult{MessageID: "<id-" + msg.To + ">"}, nil
}

func TestDeliverAccountNotConnected(t *testing.T) {
	f := newFixture(t)
	sender := &countingSender{}
	d := NewDispatcher(Options{
		Accounts:   newMemAccounts(),
		Recipients: f.recipients,
		Senders:    map[models.AccountType]Sender{models.AccountGoogle: sender},
		PublicURL:  "https://track.example.com",
		Logger:     testLogger(),
	})
	c := f.campaign(t, "gone@example.com", models.AccountGoogle, "a@example.org", "b@example.org")

	report, err := d.Deliver(context.Background(), c)
	if !errors.Is(err, ErrAccountNotConnected) {
		t.Fatalf("Deliver() error = %v, want ErrAccountNotConnected", err)
	}
	if report.Failed != 2 {
		t.Errorf("Failed = %d, want 2", report.Failed)
	}
	if n := atomic.LoadInt32(&sender.calls); n != 0 {
		t.Errorf("sender called %d times", n)
	}
	for _, rc := range f.recipientsOf(t, c.ID, "a@example.org", "b@example.org") {
		if rc.Status != models.RecipientFailed || rc.Error != "account gone@example.com (google) is not connected" {
			t.Errorf("recipient = %s %q", rc.Status, rc.Error)
		}
	}
}

func TestDeliverContinuesAfterFailure(t *testing.T) {
	for _, concurrency := range []int{1, 3} {
		t.Run(fmt.Sprintf("concurrency %d", concurrency), func(t *testing.T) {
			f := newFixture(t)
			long := strings.Repeat("x", 700)
			sender := &countingSender{fail: map[string]error{"b@example.org": errors.New(long)}}
			d := NewDispatcher(Options{
				Accounts: newMemAccounts(&models.Account{
					Email: "s@example.com", Type: models.AccountGoogle, Token: &models.TokenSet{AccessToken: "a"},
				}),
				Recipients:  f.recipients,
				Senders:     map[models.AccountType]Sender{models.AccountGoogle: sender},
				PublicURL:   "https://track.example.com",
				Concurrency: concurrency,
				Logger:      testLogger(),
			})
			c := f.campaign(t, "s@example.com", models.AccountGoogle, "a@example.org", "b@example.org", "c@example.org")

			report, err := d.Deliver(context.Background(), c)
			if err != nil {
				t.Fatalf("Deliver() error = %v", err)
			}
			if report.Attempted != 3 || report.Sent != 2 || report.Failed != 1 {
				t.Errorf("report = %+v", report)
			}

			rcs := f.recipientsOf(t, c.ID, "a@example.org", "b@example.org", "c@example.org")
			if rcs[0].Status != models.RecipientSent || rcs[2].Status != models.RecipientSent {
				t.Error("recipients after the failure were not sent")
			}
			if rcs[1].Status != models.RecipientFailed || len([]rune(rcs[1].Error)) != models.MaxErrorLength {
				t.Errorf("failed recipient = %s, error length %d", rcs[1].Status, len(rcs[1].Error))
			}

			// A second pass finds nothing pending
			report, _ = d.Deliver(context.Background(), c)
			if report.Attempted != 0 {
				t.Errorf("second pass attempted %d", report.Attempted)
			}
		})
	}
}

func TestMicrosoftStaleTokenRefreshedOnce(t *testing.T) {
	var sendCalls, refreshCalls int32

	mux := http.NewServeMux()
	mux.HandleFunc("/common/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		atomic.AddInt32(&refreshCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh",
			"refresh_token": "refresh-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/graph/me/sendMail", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&sendCalls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken","message":"Lifetime validation failed, the token is expired."}}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		raw, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil || !bytes.Contains(raw, []byte("Content-Type: text/html")) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr := oauth.NewMicrosoftManager(&config.MicrosoftConfig{
		ClientID: "id", ClientSecret: "secret", Tenant: "common", AuthorityURL: srv.URL,
	}, nil, 0, srv.Client(), nil, testLogger())

	f := newFixture(t)
	accs := newMemAccounts(&models.Account{
		Email: "user@contoso.com",
		Type:  models.AccountMicrosoft,
		Token: &models.TokenSet{
			AccessToken:  "stale",
			RefreshToken: "refresh-1",
			Expiry:       time.Now().Add(time.Hour), // looks valid, server rejects it
		},
	})
	d := NewDispatcher(Options{
		Accounts:   accs,
		Recipients: f.recipients,
		Senders: map[models.AccountType]Sender{
			models.AccountMicrosoft: NewMicrosoftSender(srv.URL+"/graph", srv.Client(), mgr, testLogger()),
		},
		PublicURL: "https://track.example.com",
		Logger:    testLogger(),
	})
	c := f.campaign(t, "user@contoso.com", models.AccountMicrosoft, "a@example.org", "b@example.org")

	report, err := d.Deliver(context.Background(), c)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if report.Sent != 2 {
		t.Errorf("report = %+v", report)
	}
	if n := atomic.LoadInt32(&refreshCalls); n != 1 {
		t.Errorf("refreshes = %d, want 1", n)
	}
	if n := atomic.LoadInt32(&sendCalls); n != 3 {
		t.Errorf("sendMail calls = %d, want 3 (rejected, retried, second recipient)", n)
	}
	if len(accs.updates) != 1 {
		t.Fatalf("UpdateToken called %d times, want 1", len(accs.updates))
	}
	if got := accs.updates[0]; got.AccessToken != "fresh" || got.RefreshToken != "refresh-2" {
		t.Errorf("persisted token = %+v", got)
	}
	for _, rc := range f.recipientsOf(t, c.ID, "a@example.org", "b@example.org") {
		if rc.Status != models.RecipientSent || !strings.HasPrefix(rc.MessageID, "<") {
			t.Errorf("recipient %s = %s %q", rc.Email, rc.Status, rc.MessageID)
		}
	}
}

type staticTokens struct{}

func (staticTokens) Fresh(ctx context.Context, account string, tok *models.TokenSet) (*models.TokenSet, bool, error) {
	return tok, false, nil
}

func (staticTokens) Refresh(ctx context.Context, account string, tok *models.TokenSet) (*models.TokenSet, error) {
	return nil, errors.New("unexpected refresh")
}

func TestGoogleSender(t *testing.T) {
	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gmail/v1/users/me/messages/send" || r.Header.Get("Authorization") != "Bearer g-access" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req struct {
			Raw string `json:"raw"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		raw, _ = base64.RawURLEncoding.DecodeString(req.Raw)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"18c2f0a1b2","threadId":"18c2f0a1b2"}`))
	}))
	defer srv.Close()

	s := NewGoogleSender(srv.URL, srv.Client(), staticTokens{}, testLogger())
	acc := &models.Account{Email: "me@gmail.com", Type: models.AccountGoogle, Token: &models.TokenSet{AccessToken: "g-access"}}

	res, err := s.Send(context.Background(), acc, &OutgoingMessage{
		From: "me@gmail.com", To: "you@example.org", Subject: "Hi", HTML: "<p>hello</p>",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.MessageID != "18c2f0a1b2" || res.Token != nil {
		t.Errorf("result = %+v", res)
	}
	if !bytes.Contains(raw, []byte("To: <you@example.org>")) {
		t.Errorf("raw message = %q", raw)
	}

	_, err = s.Send(context.Background(), &models.Account{Email: "x@gmail.com", Type: models.AccountGoogle}, &OutgoingMessage{})
	if !errors.Is(err, ErrAccountNotConnected) {
		t.Errorf("Send() without token error = %v", err)
	}
}

func TestIsAuthError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"smtp 535", &smtp.ProtocolError{Step: "auth password", Code: 535}, true},
		{"smtp 550", &smtp.ProtocolError{Step: "rcpt to", Code: 550}, false},
		{"graph 401", &oauth.APIError{Provider: "microsoft", StatusCode: 401}, true},
		{"google unauthenticated", fmt.Errorf("wrap: %w", &oauth.APIError{StatusCode: 403, Code: "UNAUTHENTICATED"}), true},
		{"quota", &oauth.APIError{StatusCode: 429, Code: "rateLimitExceeded"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAuthError(tt.err); got != tt.want {
				t.Errorf("IsAuthError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFailureMessageGuidance(t *testing.T) {
	err := &smtp.ProtocolError{
		Step: "auth password", Expected: []int{235}, Code: 535,
		Text: "535 5.7.139 Authentication unsuccessful, SmtpClientAuthentication is disabled for the Tenant.",
	}
	msg := failureMessage("smtp", err)
	if !strings.HasPrefix(msg, "smtp auth password: expected 235") || !strings.Contains(msg, "SMTP AUTH is disabled") {
		t.Errorf("failureMessage() = %q", msg)
	}
}
