package tracking

import (
	"net/url"
	"strconv"
	"time"

	"github.com/foxzi/campaigner/internal/models"
)

// Event is the payload forwarded for an accepted open
type Event struct {
	Event          string    `json:"event"`
	Status         string    `json:"status"`
	CampaignID     string    `json:"campaignId"`
	MessageID      string    `json:"messageId"`
	RecipientID    string    `json:"recipientId"`
	RecipientEmail string    `json:"recipientEmail"`
	TrackingToken  string    `json:"trackingToken"`
	OpenCount      int       `json:"openCount"`
	OpenedAt       time.Time `json:"openedAt"`
	FirstOpen      bool      `json:"firstOpen"`
	UserAgent      string    `json:"userAgent"`
	IPAddress      string    `json:"ipAddress"`
	Referer        string    `json:"referer"`
	Path           string    `json:"path"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func newEvent(rc *models.Recipient, h *Hit, count int, first bool) *Event {
	status := models.RecipientOpened
	if rc.Status == models.RecipientFailed {
		status = models.RecipientFailed
	}
	openedAt := h.At
	if !first && rc.OpenedAt != nil {
		openedAt = *rc.OpenedAt
	}
	return &Event{
		Event:          EventOpened,
		Status:         string(status),
		CampaignID:     rc.CampaignID,
		MessageID:      rc.MessageID,
		RecipientID:    rc.ID,
		RecipientEmail: rc.Email,
		TrackingToken:  rc.TrackingToken,
		OpenCount:      count,
		OpenedAt:       openedAt.UTC(),
		FirstOpen:      first,
		UserAgent:      h.Header.Get("User-Agent"),
		IPAddress:      h.IPAddress,
		Referer:        h.Header.Get("Referer"),
		Path:           h.Path,
		OccurredAt:     h.At.UTC(),
	}
}

// Values encodes the event as query parameters for GET delivery
func (e *Event) Values() url.Values {
	v := url.Values{}
	v.Set("event", e.Event)
	v.Set("status", e.Status)
	v.Set("campaignId", e.CampaignID)
	v.Set("messageId", e.MessageID)
	v.Set("recipientId", e.RecipientID)
	v.Set("recipientEmail", e.RecipientEmail)
	v.Set("trackingToken", e.TrackingToken)
	v.Set("openCount", strconv.Itoa(e.OpenCount))
	v.Set("openedAt", e.OpenedAt.Format(time.RFC3339))
	v.Set("firstOpen", strconv.FormatBool(e.FirstOpen))
	v.Set("userAgent", e.UserAgent)
	v.Set("ipAddress", e.IPAddress)
	v.Set("referer", e.Referer)
	v.Set("path", e.Path)
	v.Set("occurredAt", e.OccurredAt.Format(time.RFC3339))
	return v
}
