package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultWebhookTimeout bounds one webhook call
const DefaultWebhookTimeout = 5 * time.Second

// WebhookConfig configures the HTTP event sink
type WebhookConfig struct {
	URL     string
	Method  string // POST (default) or GET
	Timeout time.Duration
	Headers map[string]string
}

// Webhook forwards open events to an HTTP endpoint
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates an HTTP event sink. A nil client uses http.DefaultClient.
func NewWebhook(cfg WebhookConfig, client *http.Client, logger *slog.Logger) *Webhook {
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWebhookTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Webhook{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "webhook"),
	}
}

// Name returns the sink name used in metrics
func (w *Webhook) Name() string {
	return "webhook"
}

// Send delivers one event. Endpoints that refuse POST with 404, 405 or 501
// receive the event once more as a GET query string.
func (w *Webhook) Send(ctx context.Context, ev *Event) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	if w.cfg.Method == http.MethodGet {
		return w.get(ctx, ev)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, err := w.do(req)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusMethodNotAllowed, http.StatusNotFound, http.StatusNotImplemented:
		w.logger.Debug("webhook rejected POST, retrying as GET", "status", status)
		return w.get(ctx, ev)
	}
	return checkStatus(status)
}

func (w *Webhook) get(ctx context.Context, ev *Event) error {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	q := u.Query()
	for k, vs := range ev.Values() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	status, err := w.do(req)
	if err != nil {
		return err
	}
	return checkStatus(status)
}

func (w *Webhook) do(req *http.Request) (int, error) {
	req.Header.Set("User-Agent", "campaigner-webhook/1.0")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func checkStatus(status int) error {
	if status < 200 || status >= 300 {
		return fmt.Errorf("webhook returned status %d", status)
	}
	return nil
}
