package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/campaigner/internal/email"
	"github.com/foxzi/campaigner/internal/models"
)

// Errors returned by the campaign repository
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state transition")
)

type CampaignRepository struct {
	db *DB
}

func NewCampaignRepository(db *DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create stores a campaign together with its recipients.
// Recipient emails are deduplicated case-insensitively; blank entries are dropped.
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign, emails []string) ([]models.Recipient, error) {
	now := time.Now().UTC()
	c.ID = uuid.New().String()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}

	seen := make(map[string]bool, len(emails))
	recipients := make([]models.Recipient, 0, len(emails))
	for _, e := range emails {
		e = strings.TrimSpace(e)
		key := email.Normalize(e)
		if e == "" || seen[key] {
			continue
		}
		seen[key] = true

		token, err := NewTrackingToken()
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, models.Recipient{
			ID:            uuid.New().String(),
			CampaignID:    c.ID,
			Email:         e,
			Status:        models.RecipientPending,
			TrackingToken: token,
		})
	}
	c.TotalRecipients = len(recipients)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, r.db.rebind(`
		INSERT INTO campaigns (id, subject, body_html, status, scheduled_at, account_email, account_type, total_recipients, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.Subject, c.BodyHTML, string(c.Status), nullTime(c.ScheduledAt), c.AccountEmail, string(c.AccountType),
		c.TotalRecipients, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}

	insert := r.db.rebind(`
		INSERT INTO recipients (id, campaign_id, email, status, tracking_token)
		VALUES (?, ?, ?, ?, ?)`)
	for _, rc := range recipients {
		if _, err := tx.ExecContext(ctx, insert, rc.ID, rc.CampaignID, rc.Email, string(rc.Status), rc.TrackingToken); err != nil {
			return nil, fmt.Errorf("failed to create recipient %s: %w", rc.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit campaign: %w", err)
	}
	return recipients, nil
}

const campaignColumns = `id, subject, body_html, status, scheduled_at, account_email, account_type, total_recipients, created_at, updated_at`

// GetByID returns a campaign by ID, or nil when it does not exist
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.db.queryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListDue returns QUEUED or SCHEDULED campaigns whose scheduled time is unset or has passed,
// plus SENDING campaigns left with pending recipients by an interrupted pass, oldest first
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	rows, err := r.db.query(ctx, `
		SELECT `+campaignColumns+` FROM campaigns
		WHERE (status IN (?, ?) AND (scheduled_at IS NULL OR scheduled_at <= ?))
		   OR (status = ? AND EXISTS (
				SELECT 1 FROM recipients
				WHERE recipients.campaign_id = campaigns.id AND recipients.status = ?))
		ORDER BY created_at ASC`,
		string(models.CampaignQueued), string(models.CampaignScheduled), now.UTC(),
		string(models.CampaignSending), string(models.RecipientPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// SetStatus updates the campaign status
func (r *CampaignRepository) SetStatus(ctx context.Context, id string, status models.CampaignStatus) error {
	res, err := r.db.exec(ctx, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueueNow makes a campaign due immediately. Campaigns already sending or finished are rejected.
func (r *CampaignRepository) QueueNow(ctx context.Context, id string) error {
	res, err := r.db.exec(ctx, `
		UPDATE campaigns SET status = ?, scheduled_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		string(models.CampaignQueued), time.Now().UTC(), id,
		string(models.CampaignDraft), string(models.CampaignScheduled), string(models.CampaignQueued),
	)
	if err != nil {
		return fmt.Errorf("failed to queue campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	c, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	return fmt.Errorf("%w: campaign is %s", ErrInvalidState, c.Status)
}

// Schedule sets a future send time on a draft or scheduled campaign
func (r *CampaignRepository) Schedule(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.exec(ctx, `
		UPDATE campaigns SET status = ?, scheduled_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(models.CampaignScheduled), at.UTC(), time.Now().UTC(), id,
		string(models.CampaignDraft), string(models.CampaignScheduled),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidState
	}
	return nil
}

// CountByStatus returns the number of campaigns in each status
func (r *CampaignRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.query(ctx, `SELECT status, COUNT(*) FROM campaigns GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count campaigns: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s rowScanner) (*models.Campaign, error) {
	var (
		c           models.Campaign
		status      string
		accountType string
		scheduledAt sql.NullTime
	)
	err := s.Scan(&c.ID, &c.Subject, &c.BodyHTML, &status, &scheduledAt, &c.AccountEmail, &accountType,
		&c.TotalRecipients, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = models.CampaignStatus(status)
	c.AccountType = models.AccountType(accountType)
	c.ScheduledAt = timePtr(scheduledAt)
	return &c, nil
}

// NewTrackingToken returns 24 random bytes encoded as unpadded base64url
func NewTrackingToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate tracking token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
