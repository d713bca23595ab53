// Package message turns a campaign into the per-recipient email that is
// handed to a transport.
package message

import (
	"log/slog"
	"net/url"
	"strings"
)

// Renderer produces personalized, sanitized HTML for one recipient
type Renderer struct {
	engine    *Engine
	sanitizer *Sanitizer
}

// Rendered is the per-recipient subject and HTML document
type Rendered struct {
	Subject string
	HTML    string
}

func NewRenderer(logger *slog.Logger) *Renderer {
	return &Renderer{
		engine:    NewEngine(logger),
		sanitizer: NewSanitizer(),
	}
}

// Render personalizes the subject and body, sanitizes and autolinks the
// body and appends the tracking pixel
func (r *Renderer) Render(campaignID, subject, bodyHTML, recipientEmail, pixelURL string) *Rendered {
	vars := Vars(campaignID, recipientEmail)
	body := r.engine.Personalize(bodyHTML, vars)
	body = Autolink(r.sanitizer.Sanitize(body))

	return &Rendered{
		Subject: strings.TrimSpace(r.engine.Personalize(subject, vars)),
		HTML:    Wrap(body, pixelURL),
	}
}

// TrackingURL builds the open pixel URL for a recipient
func TrackingURL(publicURL, campaignID, token string) string {
	q := url.Values{}
	q.Set("mid", campaignID)
	q.Set("rid", token)
	return strings.TrimRight(publicURL, "/") + "/t/open.gif?" + q.Encode()
}
