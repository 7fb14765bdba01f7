package repository

import (
	"fmt"
	"testing"

	"github.com/mailward/mailward/internal/models"
)

func TestSuppressionRepository_AddIdempotent(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewSuppressionRepository(conn)

	if err := repo.Add("tenant-1", "User@Example.COM", models.SuppressHardBounce); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	// Re-adding keeps the original reason
	if err := repo.Add("tenant-1", "user@example.com", models.SuppressManual); err != nil {
		t.Fatalf("Add() replay error = %v", err)
	}

	entries, total, err := repo.List("tenant-1", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("List() total = %d, want 1", total)
	}
	if entries[0].Email != "user@example.com" {
		t.Errorf("email = %q, want lowercased", entries[0].Email)
	}
	if entries[0].Reason != models.SuppressHardBounce {
		t.Errorf("reason = %s, want hard_bounce (original kept)", entries[0].Reason)
	}
}

func TestSuppressionRepository_IsSuppressed(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewSuppressionRepository(conn)

	repo.Add("tenant-1", "blocked@example.com", models.SuppressComplaint)

	tests := []struct {
		tenantID string
		email    string
		want     bool
	}{
		{"tenant-1", "blocked@example.com", true},
		{"tenant-1", "BLOCKED@example.com", true},
		{"tenant-1", "other@example.com", false},
		{"tenant-2", "blocked@example.com", false},
	}
	for _, tt := range tests {
		got, err := repo.IsSuppressed(tt.tenantID, tt.email)
		if err != nil {
			t.Fatalf("IsSuppressed(%s, %s) error = %v", tt.tenantID, tt.email, err)
		}
		if got != tt.want {
			t.Errorf("IsSuppressed(%s, %s) = %v, want %v", tt.tenantID, tt.email, got, tt.want)
		}
	}
}

func TestSuppressionRepository_FilterSuppressed(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewSuppressionRepository(conn)

	// Enough entries to span multiple IN-clause chunks
	emails := make([]string, 1200)
	for i := range emails {
		emails[i] = fmt.Sprintf("user%d@example.com", i)
	}
	repo.Add("tenant-1", emails[0], models.SuppressUnsubscribe)
	repo.Add("tenant-1", emails[700], models.SuppressHardBounce)
	repo.Add("tenant-2", emails[1], models.SuppressManual)

	suppressed, err := repo.FilterSuppressed("tenant-1", emails)
	if err != nil {
		t.Fatalf("FilterSuppressed() error = %v", err)
	}
	if len(suppressed) != 2 {
		t.Fatalf("FilterSuppressed() = %d entries, want 2", len(suppressed))
	}
	if !suppressed[emails[0]] || !suppressed[emails[700]] {
		t.Error("FilterSuppressed() missed a suppressed address")
	}
	if suppressed[emails[1]] {
		t.Error("FilterSuppressed() leaked another tenant's suppression")
	}

	empty, err := repo.FilterSuppressed("tenant-1", nil)
	if err != nil {
		t.Fatalf("FilterSuppressed(nil) error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("FilterSuppressed(nil) = %d entries, want 0", len(empty))
	}
}

func TestSuppressionRepository_Remove(t *testing.T) {
	conn := setupTestDB(t)
	repo := NewSuppressionRepository(conn)

	repo.Add("tenant-1", "gone@example.com", models.SuppressManual)
	if err := repo.Remove("tenant-1", "GONE@example.com"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	got, _ := repo.IsSuppressed("tenant-1", "gone@example.com")
	if got {
		t.Error("address still suppressed after Remove()")
	}
}
