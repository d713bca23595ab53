package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxzi/campaigner/internal/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func createCampaign(t *testing.T, db *DB, status models.CampaignStatus, emails ...string) (*models.Campaign, []models.Recipient) {
	t.Helper()
	c := &models.Campaign{
		Subject:      "Hello",
		BodyHTML:     "<p>Hi</p>",
		Status:       status,
		AccountEmail: "sender@example.com",
		AccountType:  models.AccountSMTP,
	}
	recipients, err := NewCampaignRepository(db).Create(context.Background(), c, emails)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c, recipients
}

func TestRebind(t *testing.T) {
	pg := Wrap(nil, DriverPostgres)
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}

	lite := Wrap(nil, DriverSQLite)
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("rebind() sqlite = %q, want unchanged", got)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Error("Open() expected error for unsupported driver")
	}
}

func TestCampaignCreateDeduplicates(t *testing.T) {
	db := setupTestDB(t)
	c, recipients := createCampaign(t, db, models.CampaignDraft,
		"a@example.com", "A@Example.com", " b@example.com ", "", "a@example.com")

	if len(recipients) != 2 {
		t.Fatalf("len(recipients) = %d, want 2", len(recipients))
	}
	if c.TotalRecipients != 2 {
		t.Errorf("TotalRecipients = %d, want 2", c.TotalRecipients)
	}
	if recipients[1].Email != "b@example.com" {
		t.Errorf("Email = %q, want trimmed b@example.com", recipients[1].Email)
	}
	if recipients[0].TrackingToken == recipients[1].TrackingToken {
		t.Error("tracking tokens must be unique")
	}
	if len(recipients[0].TrackingToken) != 32 {
		t.Errorf("token length = %d, want 32", len(recipients[0].TrackingToken))
	}

	got, err := NewCampaignRepository(db).GetByID(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil || got.TotalRecipients != 2 || got.AccountType != models.AccountSMTP {
		t.Errorf("GetByID() = %+v", got)
	}
}

func TestCampaignGetByIDMissing(t *testing.T) {
	db := setupTestDB(t)
	got, err := NewCampaignRepository(db).GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetByID() = %+v, want nil", got)
	}
}

func TestCampaignListDue(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	queued, _ := createCampaign(t, db, models.CampaignQueued, "a@example.com")
	createCampaign(t, db, models.CampaignDraft, "b@example.com")
	future, _ := createCampaign(t, db, models.CampaignDraft, "c@example.com")
	past, _ := createCampaign(t, db, models.CampaignDraft, "d@example.com")

	if err := repo.Schedule(ctx, future.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if err := repo.Schedule(ctx, past.ID, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	due, err := repo.ListDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	if due[0].ID != queued.ID || due[1].ID != past.ID {
		t.Errorf("due order = [%s %s], want [%s %s]", due[0].ID, due[1].ID, queued.ID, past.ID)
	}
	if due[1].ScheduledAt == nil {
		t.Error("ScheduledAt = nil, want set")
	}
}

func TestCampaignListDueIncludesInterruptedSending(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	recipients := NewRecipientRepository(db)
	ctx := context.Background()

	stalled, _ := createCampaign(t, db, models.CampaignSending, "a@example.com", "b@example.com")
	drained, rcs := createCampaign(t, db, models.CampaignSending, "c@example.com")
	if err := recipients.MarkSent(ctx, rcs[0].ID, "<m@x>", time.Now()); err != nil {
		t.Fatal(err)
	}

	due, err := repo.ListDue(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListDue() error = %v", err)
	}
	if len(due) != 1 || due[0].ID != stalled.ID {
		t.Errorf("ListDue() = %v, want only %s (not %s)", due, stalled.ID, drained.ID)
	}
}

func TestCampaignQueueNow(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCampaignRepository(db)
	ctx := context.Background()

	draft, _ := createCampaign(t, db, models.CampaignDraft, "a@example.com")
	if err := repo.QueueNow(ctx, draft.ID); err != nil {
		t.Fatalf("QueueNow() error = %v", err)
	}
	got, _ := repo.GetByID(ctx, draft.ID)
	if got.Status != models.CampaignQueued {
		t.Errorf("Status = %s, want QUEUED", got.Status)
	}

	done, _ := createCampaign(t, db, models.CampaignCompleted, "b@example.com")
	if err := repo.QueueNow(ctx, done.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("QueueNow() completed error = %v, want ErrInvalidState", err)
	}

	if err := repo.QueueNow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("QueueNow() missing error = %v, want ErrNotFound", err)
	}
}

func TestRecipientTransitions(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecipientRepository(db)
	ctx := context.Background()
	_, recipients := createCampaign(t, db, models.CampaignQueued, "a@example.com", "b@example.com")
	a, b := recipients[0], recipients[1]

	if err := repo.MarkSent(ctx, a.ID, "<id@example.com>", time.Now()); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if err := repo.MarkFailed(ctx, a.ID, "late failure"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("MarkFailed() after sent error = %v, want ErrInvalidState", err)
	}
	if err := repo.MarkFailed(ctx, b.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if err := repo.MarkSent(ctx, b.ID, "x", time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("MarkSent() after failed error = %v, want ErrInvalidState", err)
	}

	gotA, _ := repo.GetByID(ctx, a.ID)
	if gotA.Status != models.RecipientSent || gotA.SentAt == nil || gotA.Error != "" {
		t.Errorf("sent recipient = %+v", gotA)
	}
	if gotA.MessageID != "<id@example.com>" {
		t.Errorf("MessageID = %q", gotA.MessageID)
	}
	gotB, _ := repo.GetByID(ctx, b.ID)
	if gotB.Status != models.RecipientFailed || gotB.Error != "boom" || gotB.SentAt == nil {
		t.Errorf("failed recipient = %+v, want FAILED with error and attempt time", gotB)
	}

	pending, err := repo.ListPending(ctx, a.CampaignID)
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("len(pending) = %d, want 0", len(pending))
	}
}

func TestRecipientMarkFailedTruncates(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecipientRepository(db)
	ctx := context.Background()
	_, recipients := createCampaign(t, db, models.CampaignQueued, "a@example.com")

	long := make([]byte, 800)
	for i := range long {
		long[i] = 'x'
	}
	if err := repo.MarkFailed(ctx, recipients[0].ID, string(long)); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	got, _ := repo.GetByID(ctx, recipients[0].ID)
	if len(got.Error) != models.MaxErrorLength {
		t.Errorf("len(Error) = %d, want %d", len(got.Error), models.MaxErrorLength)
	}
}

func TestRecipientCountsAndFailPending(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecipientRepository(db)
	ctx := context.Background()
	c, recipients := createCampaign(t, db, models.CampaignQueued, "a@example.com", "b@example.com", "c@example.com")

	if err := repo.MarkSent(ctx, recipients[0].ID, "m1", time.Now()); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if _, _, err := repo.RecordOpen(ctx, recipients[0].ID, time.Now()); err != nil {
		t.Fatalf("RecordOpen() error = %v", err)
	}

	counts, err := repo.Counts(ctx, c.ID)
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts != (models.RecipientCounts{Pending: 2, Sent: 1}) {
		t.Errorf("Counts() = %+v, want pending 2 sent 1", counts)
	}

	n, err := repo.FailPending(ctx, c.ID, "account gone")
	if err != nil {
		t.Fatalf("FailPending() error = %v", err)
	}
	if n != 2 {
		t.Errorf("FailPending() = %d, want 2", n)
	}

	counts, _ = repo.Counts(ctx, c.ID)
	if counts != (models.RecipientCounts{Sent: 1, Failed: 2}) {
		t.Errorf("Counts() = %+v, want sent 1 failed 2", counts)
	}
}

func TestRecordOpen(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecipientRepository(db)
	ctx := context.Background()
	_, recipients := createCampaign(t, db, models.CampaignQueued, "a@example.com", "b@example.com")
	sent, pending := recipients[0], recipients[1]

	if err := repo.MarkSent(ctx, sent.ID, "m1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	first := time.Now().Add(-30 * time.Second).Truncate(time.Second)
	count, isFirst, err := repo.RecordOpen(ctx, sent.ID, first)
	if err != nil {
		t.Fatalf("RecordOpen() error = %v", err)
	}
	if count != 1 || !isFirst {
		t.Errorf("RecordOpen() = (%d, %v), want (1, true)", count, isFirst)
	}

	count, isFirst, err = repo.RecordOpen(ctx, sent.ID, time.Now())
	if err != nil {
		t.Fatalf("RecordOpen() error = %v", err)
	}
	if count != 2 || isFirst {
		t.Errorf("RecordOpen() = (%d, %v), want (2, false)", count, isFirst)
	}

	got, _ := repo.GetByToken(ctx, sent.TrackingToken)
	if got.Status != models.RecipientOpened {
		t.Errorf("Status = %s, want OPENED", got.Status)
	}
	if got.OpenedAt == nil || !got.OpenedAt.Equal(first) {
		t.Errorf("OpenedAt = %v, want first open %v", got.OpenedAt, first)
	}

	if _, _, err := repo.RecordOpen(ctx, pending.ID, time.Now()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("RecordOpen() never-sent error = %v, want ErrInvalidState", err)
	}
	gotPending, _ := repo.GetByID(ctx, pending.ID)
	if gotPending.OpenCount != 0 || gotPending.OpenedAt != nil {
		t.Errorf("never-sent recipient changed: %+v", gotPending)
	}
}

func TestRecordOpenFailedRecipient(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecipientRepository(db)
	ctx := context.Background()
	c, recipients := createCampaign(t, db, models.CampaignQueued, "a@example.com", "b@example.com")

	if err := repo.MarkFailed(ctx, recipients[0].ID, "550 rejected"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if _, err := repo.FailPending(ctx, c.ID, "account gone"); err != nil {
		t.Fatalf("FailPending() error = %v", err)
	}

	for _, rc := range recipients {
		count, isFirst, err := repo.RecordOpen(ctx, rc.ID, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("RecordOpen(%s) error = %v", rc.Email, err)
		}
		if count != 1 || !isFirst {
			t.Errorf("RecordOpen(%s) = (%d, %v), want (1, true)", rc.Email, count, isFirst)
		}
		got, _ := repo.GetByID(ctx, rc.ID)
		if got.Status != models.RecipientFailed || got.OpenCount != 1 || got.OpenedAt == nil {
			t.Errorf("%s = %s count=%d, want FAILED with one open", rc.Email, got.Status, got.OpenCount)
		}
	}
}

func TestGetByTokenUnknown(t *testing.T) {
	db := setupTestDB(t)
	got, err := NewRecipientRepository(db).GetByToken(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetByToken() error = %v", err)
	}
	if got != nil {
		t.Errorf("GetByToken() = %+v, want nil", got)
	}
}

func TestCampaignCountByStatus(t *testing.T) {
	db := setupTestDB(t)
	createCampaign(t, db, models.CampaignQueued, "a@example.com")
	createCampaign(t, db, models.CampaignQueued, "b@example.com")
	createCampaign(t, db, models.CampaignCompleted)

	counts, err := NewCampaignRepository(db).CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts["QUEUED"] != 2 || counts["COMPLETED"] != 1 || counts["DRAFT"] != 0 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}
