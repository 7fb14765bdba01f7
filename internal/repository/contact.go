package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailward/mailward/internal/models"
)

type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Create inserts a contact
func (r *ContactRepository) Create(c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CreatedAt = time.Now()

	tagsJSON, err := json.Marshal(c.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	fieldsJSON, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO contacts (id, tenant_id, email, name, category, country, tags, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, strings.ToLower(c.Email), c.Name, c.Category, c.Country,
		string(tagsJSON), string(fieldsJSON), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

// GetByIDs returns the contacts with the given ids, ordered by id.
// Missing ids are silently absent from the result.
func (r *ContactRepository) GetByIDs(tenantID string, ids []string) ([]models.Contact, error) {
	if len(ids) == 0 {
		return []models.Contact{}, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := r.db.Query(`SELECT id, tenant_id, email, name, category, country, tags, fields, created_at
		FROM contacts WHERE tenant_id = ? AND id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContacts(rows)
}

// FindCandidates returns the contacts narrowed by the SQL-expressible parts
// of a filter (category, country), ordered by id for deterministic
// resolution. Tag and custom-field predicates are refined by the resolver.
func (r *ContactRepository) FindCandidates(tenantID string, filter models.RecipientFilter) ([]models.Contact, error) {
	query := `SELECT id, tenant_id, email, name, category, country, tags, fields, created_at
		FROM contacts WHERE tenant_id = ?`
	args := []any{tenantID}

	if len(filter.CategoriesAny) > 0 {
		placeholders := strings.Repeat("?,", len(filter.CategoriesAny))
		query += " AND category IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, c := range filter.CategoriesAny {
			args = append(args, c)
		}
	}
	if len(filter.Countries) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Countries))
		query += " AND country IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, c := range filter.Countries {
			args = append(args, c)
		}
	}
	query += " ORDER BY id"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContacts(rows)
}

func scanContacts(rows *sql.Rows) ([]models.Contact, error) {
	contacts := []models.Contact{}
	for rows.Next() {
		var c models.Contact
		var tagsJSON, fieldsJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Email, &c.Name, &c.Category, &c.Country,
			&tagsJSON, &fieldsJSON, &c.CreatedAt); err != nil {
			return nil, err
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &c.Tags); err != nil {
				return nil, fmt.Errorf("failed to decode tags for contact %s: %w", c.ID, err)
			}
		}
		if fieldsJSON.Valid && fieldsJSON.String != "" {
			if err := json.Unmarshal([]byte(fieldsJSON.String), &c.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode fields for contact %s: %w", c.ID, err)
			}
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
