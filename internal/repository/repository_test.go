package repository

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mailward/mailward/internal/db"
	"github.com/mailward/mailward/internal/models"
)

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// A second pool connection would see a different empty in-memory DB
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	for _, m := range db.Migrations {
		if _, err := conn.Exec(m); err != nil {
			t.Fatalf("migration failed: %v", err)
		}
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// createTestTemplate inserts a template the campaign FK can point at
func createTestTemplate(t *testing.T, conn *sql.DB, name string) *models.Template {
	t.Helper()

	tmpl := &models.Template{
		Name:    name,
		Subject: "Hello {{name}}",
		HTML:    "<p>Hello {{name}}</p>",
		Text:    "Hello {{name}}",
	}
	if err := NewTemplateRepository(conn).Create(tmpl); err != nil {
		t.Fatalf("template Create() error = %v", err)
	}
	return tmpl
}

// createTestCampaign inserts a draft campaign with sensible defaults
func createTestCampaign(t *testing.T, repo *CampaignRepository) *models.Campaign {
	t.Helper()

	tmpl := createTestTemplate(t, repo.db, "tpl-"+uuid.New().String())
	c := &models.Campaign{
		TenantID:   "tenant-1",
		Name:       "Spring Launch",
		Type:       models.TypeStandard,
		FromEmail:  "news@example.com",
		FromName:   "Example News",
		TemplateID: tmpl.ID,
		Filter: models.RecipientFilter{
			TagsAny: []string{"newsletter"},
		},
		SendRatePerHour: 1000,
	}
	if err := repo.Create(c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c
}

// seedRecipients bulk-inserts n pending recipients for a campaign
func seedRecipients(t *testing.T, repo *RecipientRepository, campaignID string, n int) []models.CampaignRecipient {
	t.Helper()

	resolved := make([]models.ResolvedRecipient, n)
	for i := range resolved {
		resolved[i] = models.ResolvedRecipient{
			ContactID: contactID(i),
			Email:     email(i),
		}
	}
	inserted, err := repo.BulkInsert(campaignID, resolved)
	if err != nil {
		t.Fatalf("BulkInsert() error = %v", err)
	}
	if inserted != n {
		t.Fatalf("BulkInsert() inserted = %d, want %d", inserted, n)
	}

	claimed, err := repo.ClaimPending(campaignID, 0, time.Now())
	if err != nil || claimed != nil {
		t.Fatalf("ClaimPending(0) = %v, %v, want nil, nil", claimed, err)
	}

	page, err := repo.List(models.RecipientListFilter{CampaignID: campaignID})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return page.Recipients
}

func contactID(i int) string {
	return fmt.Sprintf("contact-%d", i)
}

func email(i int) string {
	return fmt.Sprintf("user%d@example.com", i)
}
