package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailward/mailward/internal/models"
)

type TemplateRepository struct {
	db *sql.DB
}

func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create creates a new template
func (r *TemplateRepository) Create(t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	_, err := r.db.Exec(`
		INSERT INTO templates (id, name, subject, html, text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Subject, t.HTML, t.Text, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetByID returns a template by ID, or nil if not found
func (r *TemplateRepository) GetByID(id string) (*models.Template, error) {
	t := &models.Template{}
	err := r.db.QueryRow(`SELECT id, name, subject, html, text, created_at, updated_at
		FROM templates WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.Subject, &t.HTML, &t.Text, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
