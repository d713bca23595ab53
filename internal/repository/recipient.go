package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/campaigner/internal/models"
)

type RecipientRepository struct {
	db *DB
}

func NewRecipientRepository(db *DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

const recipientColumns = `id, campaign_id, email, status, tracking_token, message_id, error, sent_at, opened_at, open_count`

// ListPending returns the recipients of a campaign that have not been attempted yet
func (r *RecipientRepository) ListPending(ctx context.Context, campaignID string) ([]models.Recipient, error) {
	rows, err := r.db.query(ctx, `
		SELECT `+recipientColumns+` FROM recipients
		WHERE campaign_id = ? AND status = ?
		ORDER BY email ASC`,
		campaignID, string(models.RecipientPending),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rc)
	}
	return recipients, rows.Err()
}

// List returns all recipients of a campaign ordered by email
func (r *RecipientRepository) List(ctx context.Context, campaignID string) ([]models.Recipient, error) {
	rows, err := r.db.query(ctx, `
		SELECT `+recipientColumns+` FROM recipients
		WHERE campaign_id = ?
		ORDER BY email ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rc)
	}
	return recipients, rows.Err()
}

// GetByID returns a recipient by ID, or nil when it does not exist
func (r *RecipientRepository) GetByID(ctx context.Context, id string) (*models.Recipient, error) {
	return r.getOne(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE id = ?`, id)
}

// GetByToken returns the recipient owning a tracking token, or nil when unknown
func (r *RecipientRepository) GetByToken(ctx context.Context, token string) (*models.Recipient, error) {
	return r.getOne(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE tracking_token = ?`, token)
}

func (r *RecipientRepository) getOne(ctx context.Context, query string, args ...any) (*models.Recipient, error) {
	rc, err := scanRecipient(r.db.queryRow(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// MarkSent records a successful send. Only PENDING recipients transition.
func (r *RecipientRepository) MarkSent(ctx context.Context, id, messageID string, sentAt time.Time) error {
	res, err := r.db.exec(ctx, `
		UPDATE recipients SET status = ?, message_id = ?, error = '', sent_at = ?
		WHERE id = ? AND status = ?`,
		string(models.RecipientSent), messageID, sentAt.UTC(), id, string(models.RecipientPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark recipient sent: %w", err)
	}
	return expectOne(res)
}

// MarkFailed records a failed send. Only PENDING recipients transition.
// sent_at is set to the attempt time so that opens can still be recorded.
func (r *RecipientRepository) MarkFailed(ctx context.Context, id, errMsg string) error {
	res, err := r.db.exec(ctx, `
		UPDATE recipients SET status = ?, error = ?, sent_at = ?
		WHERE id = ? AND status = ?`,
		string(models.RecipientFailed), models.TruncateError(errMsg), time.Now().UTC(), id, string(models.RecipientPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark recipient failed: %w", err)
	}
	return expectOne(res)
}

// FailPending marks every pending recipient of a campaign as failed, attempted now
func (r *RecipientRepository) FailPending(ctx context.Context, campaignID, errMsg string) (int64, error) {
	res, err := r.db.exec(ctx, `
		UPDATE recipients SET status = ?, error = ?, sent_at = ?
		WHERE campaign_id = ? AND status = ?`,
		string(models.RecipientFailed), models.TruncateError(errMsg), time.Now().UTC(), campaignID, string(models.RecipientPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail pending recipients: %w", err)
	}
	return res.RowsAffected()
}

// Counts returns recipient counts by outcome. OPENED recipients count as sent.
func (r *RecipientRepository) Counts(ctx context.Context, campaignID string) (models.RecipientCounts, error) {
	var counts models.RecipientCounts

	rows, err := r.db.query(ctx, `
		SELECT status, COUNT(*) FROM recipients WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return counts, fmt.Errorf("failed to count recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch models.RecipientStatus(status) {
		case models.RecipientPending:
			counts.Pending += n
		case models.RecipientSent, models.RecipientOpened:
			counts.Sent += n
		case models.RecipientFailed:
			counts.Failed += n
		}
	}
	return counts, rows.Err()
}

// RecordOpen increments the open counter of an attempted (SENT, OPENED or FAILED) recipient.
// The first open sets opened_at and moves SENT to OPENED; FAILED stays FAILED.
// It returns the new count and whether this was the first recorded open.
func (r *RecipientRepository) RecordOpen(ctx context.Context, id string, at time.Time) (int, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.db.rebind(`
		UPDATE recipients SET
			open_count = open_count + 1,
			opened_at = COALESCE(opened_at, ?),
			status = CASE WHEN status = ? THEN ? ELSE status END
		WHERE id = ? AND sent_at IS NOT NULL`),
		at.UTC(), string(models.RecipientSent), string(models.RecipientOpened), id,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record open: %w", err)
	}
	if err := expectOne(res); err != nil {
		return 0, false, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, r.db.rebind(`SELECT open_count FROM recipients WHERE id = ?`), id).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("failed to read open count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit open: %w", err)
	}
	return count, count == 1, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidState
	}
	return nil
}

func scanRecipient(s rowScanner) (*models.Recipient, error) {
	var (
		rc       models.Recipient
		status   string
		sentAt   sql.NullTime
		openedAt sql.NullTime
	)
	err := s.Scan(&rc.ID, &rc.CampaignID, &rc.Email, &status, &rc.TrackingToken, &rc.MessageID, &rc.Error,
		&sentAt, &openedAt, &rc.OpenCount)
	if err != nil {
		return nil, err
	}
	rc.Status = models.RecipientStatus(status)
	rc.SentAt = timePtr(sentAt)
	rc.OpenedAt = timePtr(openedAt)
	return &rc, nil
}
