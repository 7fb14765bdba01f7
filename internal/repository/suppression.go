package repository

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailward/mailward/internal/models"
)

// SuppressionRepository is the authoritative append-only registry of
// addresses that must never receive mail for a tenant.
type SuppressionRepository struct {
	db *sql.DB
}

func NewSuppressionRepository(db *sql.DB) *SuppressionRepository {
	return &SuppressionRepository{db: db}
}

// Add inserts a suppression entry. Re-adding an already suppressed address
// is a no-op; the original reason is kept.
func (r *SuppressionRepository) Add(tenantID, email string, reason models.SuppressionReason) error {
	_, err := r.db.Exec(`
		INSERT OR IGNORE INTO email_suppressions (id, tenant_id, email, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), tenantID, strings.ToLower(email), reason, time.Now())
	return err
}

// IsSuppressed reports whether the address is currently suppressed
func (r *SuppressionRepository) IsSuppressed(tenantID, email string) (bool, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM email_suppressions WHERE tenant_id = ? AND email = ?",
		tenantID, strings.ToLower(email)).Scan(&n)
	return n > 0, err
}

// FilterSuppressed returns the subset of emails that are suppressed
func (r *SuppressionRepository) FilterSuppressed(tenantID string, emails []string) (map[string]bool, error) {
	suppressed := make(map[string]bool)
	if len(emails) == 0 {
		return suppressed, nil
	}

	// Chunked IN queries to stay under SQLite's bind variable limit
	const chunk = 500
	for start := 0; start < len(emails); start += chunk {
		end := start + chunk
		if end > len(emails) {
			end = len(emails)
		}
		part := emails[start:end]

		placeholders := strings.Repeat("?,", len(part))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, 0, len(part)+1)
		args = append(args, tenantID)
		for _, e := range part {
			args = append(args, strings.ToLower(e))
		}

		rows, err := r.db.Query(
			"SELECT email FROM email_suppressions WHERE tenant_id = ? AND email IN ("+placeholders+")", args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var email string
			if err := rows.Scan(&email); err != nil {
				rows.Close()
				return nil, err
			}
			suppressed[email] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return suppressed, nil
}

// List returns suppressions for a tenant, newest first
func (r *SuppressionRepository) List(tenantID string, limit, offset int) ([]models.EmailSuppression, int, error) {
	var total int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM email_suppressions WHERE tenant_id = ?", tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, tenant_id, email, reason, created_at FROM email_suppressions
		WHERE tenant_id = ? ORDER BY created_at DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []models.EmailSuppression{}
	for rows.Next() {
		var s models.EmailSuppression
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Email, &s.Reason, &s.CreatedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, s)
	}
	return entries, total, rows.Err()
}

// Remove explicitly lifts a suppression
func (r *SuppressionRepository) Remove(tenantID, email string) error {
	_, err := r.db.Exec("DELETE FROM email_suppressions WHERE tenant_id = ? AND email = ?",
		tenantID, strings.ToLower(email))
	return err
}
