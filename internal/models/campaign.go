package models

import "time"

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignQueued    CampaignStatus = "QUEUED"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignSending   CampaignStatus = "SENDING"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignPartial   CampaignStatus = "PARTIAL"
	CampaignFailed    CampaignStatus = "FAILED"
)

// RecipientStatus is the delivery state of a single recipient
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "PENDING"
	RecipientSent    RecipientStatus = "SENT"
	RecipientFailed  RecipientStatus = "FAILED"
	RecipientOpened  RecipientStatus = "OPENED"
)

// MaxErrorLength caps the error text stored on a failed recipient
const MaxErrorLength = 500

// Campaign represents an email campaign bound to one sending account
type Campaign struct {
	ID              string         `json:"id"`
	Subject         string         `json:"subject"`
	BodyHTML        string         `json:"body_html"`
	Status          CampaignStatus `json:"status"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	AccountEmail    string         `json:"account_email"`
	AccountType     AccountType    `json:"account_type"`
	TotalRecipients int            `json:"total_recipients"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Recipient is one destination address of a campaign
type Recipient struct {
	ID            string          `json:"id"`
	CampaignID    string          `json:"campaign_id"`
	Email         string          `json:"email"`
	Status        RecipientStatus `json:"status"`
	TrackingToken string          `json:"tracking_token"`
	MessageID     string          `json:"message_id,omitempty"`
	Error         string          `json:"error,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	OpenedAt      *time.Time      `json:"opened_at,omitempty"`
	OpenCount     int             `json:"open_count"`
}

// RecipientCounts summarizes recipient states of a campaign
type RecipientCounts struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"` // includes opened
	Failed  int `json:"failed"`
}

// Total returns the number of recipients counted
func (c RecipientCounts) Total() int {
	return c.Pending + c.Sent + c.Failed
}

// TruncateError shortens an error message to MaxErrorLength runes
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxErrorLength {
		return msg
	}
	return string(r[:MaxErrorLength])
}
