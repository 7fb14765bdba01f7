package resolver

import (
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mailward/mailward/internal/db"
	"github.com/mailward/mailward/internal/models"
	"github.com/mailward/mailward/internal/repository"
)

type testEnv struct {
	resolver     *Resolver
	contacts     *repository.ContactRepository
	suppressions *repository.SuppressionRepository
	recipients   *repository.RecipientRepository
	campaigns    *repository.CampaignRepository
	templates    *repository.TemplateRepository
}

func setupTest(t *testing.T) *testEnv {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	for _, m := range db.Migrations {
		if _, err := conn.Exec(m); err != nil {
			t.Fatalf("migration failed: %v", err)
		}
	}
	t.Cleanup(func() { conn.Close() })

	env := &testEnv{
		contacts:     repository.NewContactRepository(conn),
		suppressions: repository.NewSuppressionRepository(conn),
		recipients:   repository.NewRecipientRepository(conn),
		campaigns:    repository.NewCampaignRepository(conn),
		templates:    repository.NewTemplateRepository(conn),
	}
	env.resolver = New(env.contacts, env.suppressions, env.recipients, slog.Default())
	return env
}

func (e *testEnv) addContact(t *testing.T, c models.Contact) models.Contact {
	t.Helper()
	if c.TenantID == "" {
		c.TenantID = "tenant-1"
	}
	if err := e.contacts.Create(&c); err != nil {
		t.Fatalf("contact Create() error = %v", err)
	}
	return c
}

func (e *testEnv) newCampaign(t *testing.T, filter models.RecipientFilter, status models.CampaignStatus) *models.Campaign {
	t.Helper()
	tmpl := &models.Template{Name: "tpl-" + t.Name(), Subject: "s", HTML: "<p>h</p>"}
	if err := e.templates.Create(tmpl); err != nil {
		t.Fatalf("template Create() error = %v", err)
	}
	c := &models.Campaign{
		TenantID:   "tenant-1",
		Name:       "c-" + t.Name(),
		Type:       models.TypeStandard,
		FromEmail:  "news@example.com",
		TemplateID: tmpl.ID,
		Filter:     filter,
	}
	if err := e.campaigns.Create(c); err != nil {
		t.Fatalf("campaign Create() error = %v", err)
	}
	if status != models.CampaignDraft {
		if _, err := e.campaigns.TransitionStatus(c.ID, models.CampaignDraft, status, "", time.Time{}); err != nil {
			t.Fatalf("TransitionStatus() error = %v", err)
		}
		c.Status = status
	}
	return c
}

func TestResolveTagsAny(t *testing.T) {
	env := setupTest(t)
	env.addContact(t, models.Contact{Email: "a@x.com", Tags: []string{"news", "promo"}})
	env.addContact(t, models.Contact{Email: "b@x.com", Tags: []string{"promo"}})
	env.addContact(t, models.Contact{Email: "c@x.com", Tags: []string{"digest"}})

	got, err := env.resolver.Resolve("tenant-1", models.RecipientFilter{TagsAny: []string{"news", "digest"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Resolve() = %d recipients, want 2", len(got))
	}
}

func TestResolveTagsAll(t *testing.T) {
	env := setupTest(t)
	env.addContact(t, models.Contact{Email: "a@x.com", Tags: []string{"news", "vip"}})
	env.addContact(t, models.Contact{Email: "b@x.com", Tags: []string{"news"}})

	got, err := env.resolver.Resolve("tenant-1", models.RecipientFilter{TagsAll: []string{"news", "vip"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].Email != "a@x.com" {
		t.Errorf("Resolve() = %+v, want only a@x.com", got)
	}
}

func TestResolveCategoryAndCountry(t *testing.T) {
	env := setupTest(t)
	env.addContact(t, models.Contact{Email: "a@x.com", Category: "customer", Country: "DE"})
	env.addContact(t, models.Contact{Email: "b@x.com", Category: "customer", Country: "FR"})
	env.addContact(t, models.Contact{Email: "c@x.com", Category: "trial", Country: "DE"})

	got, err := env.resolver.Resolve("tenant-1", models.RecipientFilter{
		CategoriesAny: []string{"customer"},
		Countries:     []string{"DE"},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].Email != "a@x.com" {
		t.Errorf("Resolve() = %+v, want only a@x.com", got)
	}
}

func TestResolveFieldPredicates(t *testing.T) {
	env := setupTest(t)
	env.addContact(t, models.Contact{Email: "a@x.com", Fields: map[string]string{"plan": "pro", "seats": "12"}})
	env.addContact(t, models.Contact{Email: "b@x.com", Fields: map[string]string{"plan": "free", "seats": "3"}})
	env.addContact(t, models.Contact{Email: "c@x.com", Fields: map[string]string{"plan": "pro", "seats": "2"}})

	tests := []struct {
		name   string
		fields []models.FieldPredicate
		want   []string
	}{
		{
			"equals",
			[]models.FieldPredicate{{Key: "plan", Op: models.OpEquals, Value: "pro"}},
			[]string{"a@x.com", "c@x.com"},
		},
		{
			"not_equals",
			[]models.FieldPredicate{{Key: "plan", Op: models.OpNotEquals, Value: "pro"}},
			[]string{"b@x.com"},
		},
		{
			"contains",
			[]models.FieldPredicate{{Key: "plan", Op: models.OpContains, Value: "ro"}},
			[]string{"a@x.com", "c@x.com"},
		},
		{
			// Numeric comparison: "3" < "12" would fail lexicographically
			"gt_numeric",
			[]models.FieldPredicate{{Key: "seats", Op: models.OpGreaterThan, Value: "3"}},
			[]string{"a@x.com"},
		},
		{
			"lt_numeric",
			[]models.FieldPredicate{{Key: "seats", Op: models.OpLessThan, Value: "10"}},
			[]string{"b@x.com", "c@x.com"},
		},
		{
			// Non-numeric values fall back to lexicographic order
			"gt_lexicographic",
			[]models.FieldPredicate{{Key: "plan", Op: models.OpGreaterThan, Value: "g"}},
			[]string{"a@x.com", "c@x.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.resolver.Resolve("tenant-1", models.RecipientFilter{Fields: tt.fields})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			emails := make(map[string]bool)
			for _, r := range got {
				emails[r.Email] = true
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Resolve() = %d recipients, want %d", len(got), len(tt.want))
			}
			for _, e := range tt.want {
				if !emails[e] {
					t.Errorf("Resolve() missing %s", e)
				}
			}
		})
	}
}

func TestResolveManualMode(t *testing.T) {
	env := setupTest(t)
	a := env.addContact(t, models.Contact{Email: "a@x.com", Tags: []string{"news"}})
	env.addContact(t, models.Contact{Email: "b@x.com", Tags: []string{"news"}})

	// Manual ids short-circuit every other predicate
	got, err := env.resolver.Resolve("tenant-1", models.RecipientFilter{
		ManualContactIDs: []string{a.ID, "no-such-contact"},
		TagsAny:          []string{"nonexistent"},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].ContactID != a.ID {
		t.Errorf("Resolve() = %+v, want only the manual contact", got)
	}
}

func TestResolveExcludesSuppressed(t *testing.T) {
	env := setupTest(t)
	env.addContact(t, models.Contact{Email: "ok@x.com", Tags: []string{"news"}})
	env.addContact(t, models.Contact{Email: "blocked@x.com", Tags: []string{"news"}})
	env.suppressions.Add("tenant-1", "blocked@x.com", models.SuppressHardBounce)

	got, err := env.resolver.Resolve("tenant-1", models.RecipientFilter{TagsAny: []string{"news"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].Email != "ok@x.com" {
		t.Errorf("Resolve() = %+v, want suppressed address excluded", got)
	}

	// Explicit opt-out keeps suppressed addresses in
	include := false
	got, err = env.resolver.Resolve("tenant-1", models.RecipientFilter{
		TagsAny:           []string{"news"},
		ExcludeSuppressed: &include,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Resolve() with exclude_suppressed=false = %d recipients, want 2", len(got))
	}
}

func TestResolveEmptyFilter(t *testing.T) {
	env := setupTest(t)

	_, err := env.resolver.Resolve("tenant-1", models.RecipientFilter{})
	if !errors.Is(err, ErrRecipientResolution) {
		t.Errorf("Resolve() error = %v, want ErrRecipientResolution", err)
	}
}

func TestResolveInvalidOperator(t *testing.T) {
	env := setupTest(t)

	_, err := env.resolver.Resolve("tenant-1", models.RecipientFilter{
		Fields: []models.FieldPredicate{{Key: "plan", Op: "regex", Value: ".*"}},
	})
	if !errors.Is(err, ErrRecipientResolution) {
		t.Errorf("Resolve() error = %v, want ErrRecipientResolution", err)
	}
}

func TestResolveTenantIsolation(t *testing.T) {
	env := setupTest(t)
	env.addContact(t, models.Contact{Email: "a@x.com", Tags: []string{"news"}})
	env.addContact(t, models.Contact{TenantID: "tenant-2", Email: "b@x.com", Tags: []string{"news"}})

	got, err := env.resolver.Resolve("tenant-1", models.RecipientFilter{TagsAny: []string{"news"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].Email != "a@x.com" {
		t.Errorf("Resolve() leaked contacts across tenants: %+v", got)
	}
}

func TestPreview(t *testing.T) {
	env := setupTest(t)
	for i := 0; i < 15; i++ {
		env.addContact(t, models.Contact{
			Email: "u" + string(rune('a'+i)) + "@x.com",
			Tags:  []string{"news"},
		})
	}

	c := env.newCampaign(t, models.RecipientFilter{TagsAny: []string{"news"}}, models.CampaignDraft)

	preview, err := env.resolver.Preview("tenant-1", c.Filter, 5)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if preview.Count != 15 {
		t.Errorf("Preview() count = %d, want 15", preview.Count)
	}
	if len(preview.Sample) != 5 {
		t.Errorf("Preview() sample = %d, want 5", len(preview.Sample))
	}

	// Preview must not materialize rows
	n, _ := env.recipients.CountByCampaign(c.ID)
	if n != 0 {
		t.Errorf("Preview() created %d recipient rows", n)
	}
}

func TestPopulateIdempotent(t *testing.T) {
	env := setupTest(t)
	env.addContact(t, models.Contact{Email: "a@x.com", Tags: []string{"news"}})
	env.addContact(t, models.Contact{Email: "b@x.com", Tags: []string{"news"}})

	c := env.newCampaign(t, models.RecipientFilter{TagsAny: []string{"news"}}, models.CampaignDraft)

	n, err := env.resolver.Populate(c)
	if err != nil {
		t.Fatalf("Populate() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Populate() = %d, want 2", n)
	}

	// A contact arriving after population must not leak in on replay
	env.addContact(t, models.Contact{Email: "late@x.com", Tags: []string{"news"}})

	n, err = env.resolver.Populate(c)
	if err != nil {
		t.Fatalf("Populate() replay error = %v", err)
	}
	if n != 2 {
		t.Errorf("Populate() replay = %d, want existing 2", n)
	}
}

func TestPopulateStateGating(t *testing.T) {
	env := setupTest(t)
	env.addContact(t, models.Contact{Email: "a@x.com", Tags: []string{"news"}})

	c := env.newCampaign(t, models.RecipientFilter{TagsAny: []string{"news"}}, models.CampaignCompleted)

	if _, err := env.resolver.Populate(c); err == nil {
		t.Error("Populate() on a completed campaign should fail")
	}

	// PopulateIfMissing degrades to a count for non-populatable states
	n, err := env.resolver.PopulateIfMissing(c)
	if err != nil {
		t.Fatalf("PopulateIfMissing() error = %v", err)
	}
	if n != 0 {
		t.Errorf("PopulateIfMissing() = %d, want 0", n)
	}
}
