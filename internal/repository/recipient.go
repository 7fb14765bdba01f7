package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailward/mailward/internal/models"
)

type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// BulkInsert materializes recipient rows inside a single transaction.
// Duplicate (campaign_id, contact_id) pairs are ignored so a concurrent
// populate cannot double-insert.
func (r *RecipientRepository) BulkInsert(campaignID string, resolved []models.ResolvedRecipient) (int, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO campaign_recipients (id, campaign_id, contact_id, email, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now()
	inserted := 0
	for _, rec := range resolved {
		res, err := stmt.Exec(uuid.New().String(), campaignID, rec.ContactID, rec.Email, models.RecipientPending, now, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert recipient %s: %w", rec.ContactID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// CountByCampaign returns the number of recipient rows for a campaign
func (r *RecipientRepository) CountByCampaign(campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = ?", campaignID).Scan(&n)
	return n, err
}

const recipientColumns = `id, campaign_id, contact_id, email, variant, status, attempts,
	open_count, click_count, provider_msg_id, error, sent_at, delivered_at, next_retry_at,
	created_at, updated_at`

// GetByID returns a recipient row by ID, or nil if not found
func (r *RecipientRepository) GetByID(id string) (*models.CampaignRecipient, error) {
	row := r.db.QueryRow(`SELECT `+recipientColumns+` FROM campaign_recipients WHERE id = ?`, id)
	rec, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByProviderMsgID locates the recipient a provider callback refers to
func (r *RecipientRepository) FindByProviderMsgID(msgID string) (*models.CampaignRecipient, error) {
	row := r.db.QueryRow(`SELECT `+recipientColumns+` FROM campaign_recipients WHERE provider_msg_id = ?`, msgID)
	rec, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindByEmail locates a recipient by campaign and snapshotted address
func (r *RecipientRepository) FindByEmail(campaignID, email string) (*models.CampaignRecipient, error) {
	row := r.db.QueryRow(`SELECT `+recipientColumns+` FROM campaign_recipients
		WHERE campaign_id = ? AND email = ?`, campaignID, email)
	rec, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns a page of recipients with the unpaged total
func (r *RecipientRepository) List(filter models.RecipientListFilter) (*models.RecipientPage, error) {
	where := " WHERE campaign_id = ?"
	args := []any{filter.CampaignID}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM campaign_recipients"+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	query := `SELECT ` + recipientColumns + ` FROM campaign_recipients` + where + ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &models.RecipientPage{Total: total, Recipients: []models.CampaignRecipient{}}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		page.Recipients = append(page.Recipients, *rec)
	}
	return page, rows.Err()
}

// ClaimPending atomically moves up to limit due pending recipients to queued
// and returns the claimed rows. The per-row status guard gives each recipient
// mutual exclusion: two dispatch workers can never claim the same row.
func (r *RecipientRepository) ClaimPending(campaignID string, limit int, now time.Time) ([]models.CampaignRecipient, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(`SELECT `+recipientColumns+` FROM campaign_recipients
		WHERE campaign_id = ? AND status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at, id LIMIT ?`,
		campaignID, models.RecipientPending, now, limit)
	if err != nil {
		return nil, err
	}

	candidates := []models.CampaignRecipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, *rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := []models.CampaignRecipient{}
	for _, rec := range candidates {
		res, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			models.RecipientQueued, now, rec.ID, models.RecipientPending)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			rec.Status = models.RecipientQueued
			claimed = append(claimed, rec)
		}
	}
	return claimed, nil
}

// SetVariant persists the deterministic A/B assignment
func (r *RecipientRepository) SetVariant(id, variant string) error {
	_, err := r.db.Exec("UPDATE campaign_recipients SET variant = ?, updated_at = ? WHERE id = ?",
		variant, time.Now(), id)
	return err
}

// MarkSent records a successful transmit
func (r *RecipientRepository) MarkSent(id, providerMsgID string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE campaign_recipients
		SET status = ?, provider_msg_id = ?, sent_at = ?, error = '', updated_at = ?
		WHERE id = ?`,
		models.RecipientSent, providerMsgID, at, at, id)
	return err
}

// MarkFailed records a permanent send failure
func (r *RecipientRepository) MarkFailed(id, errMsg string) error {
	_, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		models.RecipientFailed, errMsg, time.Now(), id)
	return err
}

// Requeue returns a claimed recipient to pending for a later retry attempt
func (r *RecipientRepository) Requeue(id string, attempts int, nextRetryAt time.Time, errMsg string) error {
	_, err := r.db.Exec(`UPDATE campaign_recipients
		SET status = ?, attempts = ?, next_retry_at = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		models.RecipientPending, attempts, nextRetryAt, errMsg, time.Now(), id)
	return err
}

// Release puts a claimed-but-skipped recipient back to pending untouched
func (r *RecipientRepository) Release(id string) error {
	res, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.RecipientPending, time.Now(), id, models.RecipientQueued)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("recipient %s was not queued", id)
	}
	return nil
}

// MarkSuppressed terminates a recipient that became suppressed between
// resolution and send. No message was transmitted.
func (r *RecipientRepository) MarkSuppressed(id string, status models.RecipientStatus) error {
	_, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, error = 'address suppressed', updated_at = ? WHERE id = ?`,
		status, time.Now(), id)
	return err
}

// CancelPending marks every still-dispatchable recipient cancelled.
// Already-sent recipients are untouched.
func (r *RecipientRepository) CancelPending(campaignID string) (int, error) {
	res, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, updated_at = ?
		WHERE campaign_id = ? AND status IN (?, ?)`,
		models.RecipientCancelled, time.Now(), campaignID, models.RecipientPending, models.RecipientQueued)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReleaseStaleQueued requeues rows a crashed dispatcher left claimed
func (r *RecipientRepository) ReleaseStaleQueued(olderThan time.Time) (int, error) {
	res, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		models.RecipientPending, time.Now(), models.RecipientQueued, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ApplyDelivered advances sent -> delivered. The status guard makes a late
// delivered event a no-op for recipients already past delivered, while
// delivered_at is still backfilled once.
func (r *RecipientRepository) ApplyDelivered(id string, at time.Time) error {
	if _, err := r.db.Exec(`UPDATE campaign_recipients SET delivered_at = ?, updated_at = ?
		WHERE id = ? AND delivered_at IS NULL`, at, time.Now(), id); err != nil {
		return err
	}
	_, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		models.RecipientDelivered, time.Now(), id, models.RecipientSent)
	return err
}

// ApplyOpen increments open_count and advances status to opened unless the
// recipient already progressed further. Returns true for the first open.
func (r *RecipientRepository) ApplyOpen(id string) (bool, error) {
	var before int
	if err := r.db.QueryRow("SELECT open_count FROM campaign_recipients WHERE id = ?", id).Scan(&before); err != nil {
		return false, err
	}
	if _, err := r.db.Exec(`UPDATE campaign_recipients SET open_count = open_count + 1, updated_at = ? WHERE id = ?`,
		time.Now(), id); err != nil {
		return false, err
	}
	_, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.RecipientOpened, time.Now(), id, models.RecipientSent, models.RecipientDelivered)
	return before == 0, err
}

// ApplyClick increments click_count and advances status to clicked, which
// dominates opened. Returns true for the first click.
func (r *RecipientRepository) ApplyClick(id string) (bool, error) {
	var before int
	if err := r.db.QueryRow("SELECT click_count FROM campaign_recipients WHERE id = ?", id).Scan(&before); err != nil {
		return false, err
	}
	if _, err := r.db.Exec(`UPDATE campaign_recipients SET click_count = click_count + 1, updated_at = ? WHERE id = ?`,
		time.Now(), id); err != nil {
		return false, err
	}
	_, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		models.RecipientClicked, time.Now(), id,
		models.RecipientSent, models.RecipientDelivered, models.RecipientOpened)
	return before == 0, err
}

// ApplyTerminal moves a recipient to bounced/unsubscribed. Bounce wins over
// positive engagement states, but one terminal state never replaces another.
func (r *RecipientRepository) ApplyTerminal(id string, status models.RecipientStatus) error {
	_, err := r.db.Exec(`UPDATE campaign_recipients SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		status, time.Now(), id,
		models.RecipientBounced, models.RecipientFailed,
		models.RecipientUnsubscribed, models.RecipientCancelled)
	return err
}

// Stats folds current recipient rows into the campaign aggregate counters
func (r *RecipientRepository) Stats(campaignID string) (models.CampaignStats, error) {
	var s models.CampaignStats
	err := r.db.QueryRow(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN sent_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN delivered_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(open_count), 0),
		COALESCE(SUM(click_count), 0),
		COALESCE(SUM(CASE WHEN status = 'bounced' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'unsubscribed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN open_count > 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN click_count > 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0)
		FROM campaign_recipients WHERE campaign_id = ?`, campaignID).Scan(
		&s.Recipients, &s.Sent, &s.Delivered, &s.Opened, &s.Clicked,
		&s.Bounced, &s.Failed, &s.Unsubscribed, &s.UniqueOpens, &s.UniqueClicks,
		&s.Pending, &s.Queued,
	)
	return s, err
}

// VariantStats folds per-variant unique engagement counts for A/B evaluation
func (r *RecipientRepository) VariantStats(campaignID string) ([]models.VariantStats, error) {
	rows, err := r.db.Query(`SELECT variant,
		COALESCE(SUM(CASE WHEN delivered_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN open_count > 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN click_count > 0 THEN 1 ELSE 0 END), 0)
		FROM campaign_recipients
		WHERE campaign_id = ? AND variant IS NOT NULL AND variant != ''
		GROUP BY variant ORDER BY variant`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := []models.VariantStats{}
	for rows.Next() {
		var vs models.VariantStats
		if err := rows.Scan(&vs.Variant, &vs.Delivered, &vs.UniqueOpens, &vs.UniqueClicks); err != nil {
			return nil, err
		}
		stats = append(stats, vs)
	}
	return stats, rows.Err()
}

func scanRecipient(row rowScanner) (*models.CampaignRecipient, error) {
	rec := &models.CampaignRecipient{}
	var variant, msgID, errMsg sql.NullString
	var sentAt, deliveredAt, nextRetryAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.CampaignID, &rec.ContactID, &rec.Email, &variant, &rec.Status, &rec.Attempts,
		&rec.OpenCount, &rec.ClickCount, &msgID, &errMsg, &sentAt, &deliveredAt, &nextRetryAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Variant = variant.String
	rec.ProviderMsgID = msgID.String
	rec.ErrorMessage = errMsg.String
	rec.SentAt = timePtr(sentAt)
	rec.DeliveredAt = timePtr(deliveredAt)
	rec.NextRetryAt = timePtr(nextRetryAt)
	return rec, nil
}
