package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailward/mailward/internal/models"
)

type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create creates a new campaign in draft
func (r *CampaignRepository) Create(c *models.Campaign) error {
	c.ID = uuid.New().String()
	c.Status = models.CampaignDraft
	if c.Type == "" {
		c.Type = models.TypeStandard
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	filterJSON, err := json.Marshal(c.Filter)
	if err != nil {
		return fmt.Errorf("failed to encode recipient filter: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO campaigns (id, tenant_id, name, status, campaign_type, from_email, from_name, reply_to,
			template_id, variant_b_template_id, ab_test_split, ab_test_winner_metric, recipient_filter,
			send_rate_per_hour, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Name, c.Status, c.Type, c.FromEmail, c.FromName, c.ReplyTo,
		c.TemplateID, nullString(c.VariantBTemplateID), c.ABTestSplit, string(c.ABTestWinnerMetric),
		string(filterJSON), c.SendRatePerHour, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

const campaignColumns = `id, tenant_id, name, status, campaign_type, from_email, from_name, reply_to,
	template_id, variant_b_template_id, ab_test_split, ab_test_winner_metric, winning_variant,
	recipient_filter, send_rate_per_hour, scheduled_at, started_at, paused_at, completed_at,
	created_at, updated_at`

// GetByID returns a campaign by ID, or nil if not found
func (r *CampaignRepository) GetByID(id string) (*models.Campaign, error) {
	row := r.db.QueryRow(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns campaigns matching the filter plus the unpaged total
func (r *CampaignRepository) List(filter models.CampaignListFilter) ([]models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.TenantID != "" {
		where += " AND tenant_id = ?"
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where + ` ORDER BY created_at DESC`
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
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, total, rows.Err()
}

// ListByStatus returns all campaigns in the given status, oldest first
func (r *CampaignRepository) ListByStatus(status models.CampaignStatus) ([]models.Campaign, error) {
	rows, err := r.db.Query(`SELECT `+campaignColumns+` FROM campaigns WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// ListScheduledDue returns scheduled campaigns whose scheduled_at has passed
func (r *CampaignRepository) ListScheduledDue(now time.Time) ([]models.Campaign, error) {
	rows, err := r.db.Query(`SELECT `+campaignColumns+` FROM campaigns
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at`, models.CampaignScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// Update updates the draft-editable fields of a campaign
func (r *CampaignRepository) Update(c *models.Campaign) error {
	c.UpdatedAt = time.Now()
	filterJSON, err := json.Marshal(c.Filter)
	if err != nil {
		return fmt.Errorf("failed to encode recipient filter: %w", err)
	}
	_, err = r.db.Exec(`
		UPDATE campaigns SET name = ?, campaign_type = ?, from_email = ?, from_name = ?, reply_to = ?,
			template_id = ?, variant_b_template_id = ?, ab_test_split = ?, ab_test_winner_metric = ?,
			recipient_filter = ?, send_rate_per_hour = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Type, c.FromEmail, c.FromName, c.ReplyTo,
		c.TemplateID, nullString(c.VariantBTemplateID), c.ABTestSplit, string(c.ABTestWinnerMetric),
		string(filterJSON), c.SendRatePerHour, c.UpdatedAt, c.ID,
	)
	return err
}

// TransitionStatus updates the campaign status only if it still has the
// expected current status. Returns false when the guard did not match, so
// concurrent transitions lose cleanly instead of clobbering each other.
func (r *CampaignRepository) TransitionStatus(id string, from, to models.CampaignStatus, stamp string, at time.Time) (bool, error) {
	query := "UPDATE campaigns SET status = ?, updated_at = ?"
	args := []any{to, time.Now()}
	switch stamp {
	case "scheduled_at":
		query += ", scheduled_at = ?"
		args = append(args, at)
	case "started_at":
		query += ", started_at = ?"
		args = append(args, at)
	case "paused_at":
		query += ", paused_at = ?"
		args = append(args, at)
	case "completed_at":
		query += ", completed_at = ?"
		args = append(args, at)
	}
	query += " WHERE id = ? AND status = ?"
	args = append(args, id, from)

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetWinningVariant records the A/B winner after completion
func (r *CampaignRepository) SetWinningVariant(id, variant string) error {
	_, err := r.db.Exec("UPDATE campaigns SET winning_variant = ?, updated_at = ? WHERE id = ?",
		variant, time.Now(), id)
	return err
}

// Delete deletes a campaign; recipients cascade
func (r *CampaignRepository) Delete(id string) error {
	_, err := r.db.Exec("DELETE FROM campaigns WHERE id = ?", id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var variantB, winnerMetric, winner, filterJSON sql.NullString
	var scheduledAt, startedAt, pausedAt, completedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.TenantID, &c.Name, &c.Status, &c.Type, &c.FromEmail, &c.FromName, &c.ReplyTo,
		&c.TemplateID, &variantB, &c.ABTestSplit, &winnerMetric, &winner,
		&filterJSON, &c.SendRatePerHour, &scheduledAt, &startedAt, &pausedAt, &completedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.VariantBTemplateID = variantB.String
	c.ABTestWinnerMetric = models.WinnerMetric(winnerMetric.String)
	c.WinningVariant = winner.String
	if filterJSON.Valid && filterJSON.String != "" {
		if err := json.Unmarshal([]byte(filterJSON.String), &c.Filter); err != nil {
			return nil, fmt.Errorf("failed to decode recipient filter: %w", err)
		}
	}
	c.ScheduledAt = timePtr(scheduledAt)
	c.StartedAt = timePtr(startedAt)
	c.PausedAt = timePtr(pausedAt)
	c.CompletedAt = timePtr(completedAt)
	return c, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
