package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	bolt "go.etcd.io/bbolt"

	"github.com/mailward/mailward/internal/db"
	"github.com/mailward/mailward/internal/lifecycle"
	"github.com/mailward/mailward/internal/models"
	"github.com/mailward/mailward/internal/ratelimit"
	"github.com/mailward/mailward/internal/repository"
	"github.com/mailward/mailward/internal/resolver"
	"github.com/mailward/mailward/internal/transport"
)

// fakeSender records messages and fails on demand
type fakeSender struct {
	mu   sync.Mutex
	sent []transport.Message
	fail func(msg *transport.Message) error
}

func (f *fakeSender) Send(ctx context.Context, msg *transport.Message) (*transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(msg); err != nil {
			return nil, err
		}
	}
	f.sent = append(f.sent, *msg)
	return &transport.Result{ProviderMessageID: fmt.Sprintf("<msg-%d@test>", len(f.sent))}, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testEnv struct {
	dispatcher   *Dispatcher
	sender       *fakeSender
	campaigns    *repository.CampaignRepository
	recipients   *repository.RecipientRepository
	contacts     *repository.ContactRepository
	templates    *repository.TemplateRepository
	suppressions *repository.SuppressionRepository
	lifecycle    *lifecycle.Service
}

func setupTest(t *testing.T, cfg Config) *testEnv {
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

	state, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open bbolt: %v", err)
	}
	t.Cleanup(func() { state.Close() })

	limiter, err := ratelimit.NewLimiter(state, &ratelimit.Config{FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })

	env := &testEnv{
		sender:       &fakeSender{},
		campaigns:    repository.NewCampaignRepository(conn),
		recipients:   repository.NewRecipientRepository(conn),
		contacts:     repository.NewContactRepository(conn),
		templates:    repository.NewTemplateRepository(conn),
		suppressions: repository.NewSuppressionRepository(conn),
	}
	res := resolver.New(env.contacts, env.suppressions, env.recipients, slog.Default())
	env.lifecycle = lifecycle.New(env.campaigns, env.recipients, res, slog.Default())
	env.dispatcher = New(env.campaigns, env.recipients, env.contacts, env.templates, env.suppressions,
		env.lifecycle, limiter, env.sender, cfg, "https://track.example.com", slog.Default())
	return env
}

func fastRetryConfig() Config {
	return Config{
		BatchCeiling: 50,
		Concurrency:  2,
		MaxAttempts:  3,
		// Nanosecond backoff so requeued recipients are due immediately
		Backoff: BackoffConfig{BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond},
	}
}

func (e *testEnv) seedContacts(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		c := models.Contact{
			TenantID: "tenant-1",
			Email:    fmt.Sprintf("user%d@example.com", i),
			Name:     fmt.Sprintf("User %d", i),
			Tags:     []string{"news"},
		}
		if err := e.contacts.Create(&c); err != nil {
			t.Fatalf("contact Create() error = %v", err)
		}
	}
}

// startCampaign creates and starts a standard campaign over the news tag
func (e *testEnv) startCampaign(t *testing.T, rate int) *models.Campaign {
	t.Helper()

	tmpl := &models.Template{
		Name:    "tpl-" + uuid.New().String(),
		Subject: "Hello {{name}}",
		HTML:    `<p>Hello {{name}}</p><img src="{{tracking_pixel}}">`,
		Text:    "Hello {{name}}",
	}
	if err := e.templates.Create(tmpl); err != nil {
		t.Fatalf("template Create() error = %v", err)
	}

	c := &models.Campaign{
		TenantID:        "tenant-1",
		Name:            "c-" + uuid.New().String(),
		Type:            models.TypeStandard,
		FromEmail:       "news@example.com",
		FromName:        "Example News",
		TemplateID:      tmpl.ID,
		Filter:          models.RecipientFilter{TagsAny: []string{"news"}},
		SendRatePerHour: rate,
	}
	if err := e.lifecycle.Create(c); err != nil {
		t.Fatalf("campaign Create() error = %v", err)
	}
	got, err := e.lifecycle.Start(c.ID)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return got
}

func TestProcessOnceSendsAndCompletes(t *testing.T) {
	env := setupTest(t, fastRetryConfig())
	env.seedContacts(t, 3)
	c := env.startCampaign(t, 0)

	env.dispatcher.ProcessOnce(context.Background())

	if env.sender.sentCount() != 3 {
		t.Fatalf("sent = %d, want 3", env.sender.sentCount())
	}

	stats, _ := env.recipients.Stats(c.ID)
	if stats.Sent != 3 || stats.Pending != 0 {
		t.Errorf("stats = %+v, want 3 sent", stats)
	}

	page, _ := env.recipients.List(models.RecipientListFilter{CampaignID: c.ID})
	for _, rec := range page.Recipients {
		if rec.ProviderMsgID == "" || rec.SentAt == nil {
			t.Errorf("recipient %s missing provider_msg_id or sent_at", rec.ID)
		}
	}

	got, _ := env.campaigns.GetByID(c.ID)
	if got.Status != models.CampaignCompleted {
		t.Errorf("campaign status = %s, want completed after drain", got.Status)
	}

	// Rendered message carries substitutions and tracking variables
	msg := env.sender.sent[0]
	if !strings.HasPrefix(msg.Subject, "Hello ") || strings.Contains(msg.Subject, "{{") {
		t.Errorf("subject not rendered: %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "https://track.example.com/t/open/") {
		t.Errorf("tracking pixel missing from HTML: %q", msg.HTML)
	}
	if msg.From != "Example News <news@example.com>" {
		t.Errorf("from = %q", msg.From)
	}
}

func TestProcessOnceRetriesTemporaryFailure(t *testing.T) {
	env := setupTest(t, fastRetryConfig())
	env.seedContacts(t, 1)
	c := env.startCampaign(t, 0)

	attempts := 0
	env.sender.fail = func(msg *transport.Message) error {
		attempts++
		if attempts == 1 {
			return &transport.DeliveryError{Temporary: true, Message: "451 greylisted"}
		}
		return nil
	}

	env.dispatcher.ProcessOnce(context.Background())

	page, _ := env.recipients.List(models.RecipientListFilter{CampaignID: c.ID})
	rec := page.Recipients[0]
	if rec.Status != models.RecipientPending || rec.Attempts != 1 {
		t.Fatalf("after deferral: status %s, attempts %d", rec.Status, rec.Attempts)
	}
	if rec.NextRetryAt == nil {
		t.Fatal("next_retry_at not set")
	}

	// Retry comes due on the next pass
	time.Sleep(time.Millisecond)
	env.dispatcher.ProcessOnce(context.Background())

	page, _ = env.recipients.List(models.RecipientListFilter{CampaignID: c.ID})
	if page.Recipients[0].Status != models.RecipientSent {
		t.Errorf("after retry: status = %s, want sent", page.Recipients[0].Status)
	}
}

func TestProcessOnceExhaustsAttempts(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxAttempts = 2
	env := setupTest(t, cfg)
	env.seedContacts(t, 1)
	c := env.startCampaign(t, 0)

	env.sender.fail = func(msg *transport.Message) error {
		return &transport.DeliveryError{Temporary: true, Message: "451 try later"}
	}

	env.dispatcher.ProcessOnce(context.Background())
	time.Sleep(time.Millisecond)
	env.dispatcher.ProcessOnce(context.Background())

	page, _ := env.recipients.List(models.RecipientListFilter{CampaignID: c.ID})
	rec := page.Recipients[0]
	if rec.Status != models.RecipientFailed {
		t.Errorf("status = %s, want failed after exhausting attempts", rec.Status)
	}

	got, _ := env.campaigns.GetByID(c.ID)
	if got.Status != models.CampaignCompleted {
		t.Errorf("campaign status = %s, want completed", got.Status)
	}
}

func TestProcessOncePermanentFailure(t *testing.T) {
	env := setupTest(t, fastRetryConfig())
	env.seedContacts(t, 1)
	c := env.startCampaign(t, 0)

	env.sender.fail = func(msg *transport.Message) error {
		return &transport.DeliveryError{Temporary: false, Message: "550 no such user"}
	}

	env.dispatcher.ProcessOnce(context.Background())

	page, _ := env.recipients.List(models.RecipientListFilter{CampaignID: c.ID})
	rec := page.Recipients[0]
	if rec.Status != models.RecipientFailed || rec.Attempts != 0 {
		t.Errorf("status = %s, attempts = %d, want failed with no retries", rec.Status, rec.Attempts)
	}
}

func TestProcessOnceRespectsRateLimit(t *testing.T) {
	env := setupTest(t, fastRetryConfig())
	env.seedContacts(t, 5)
	c := env.startCampaign(t, 2)

	env.dispatcher.ProcessOnce(context.Background())

	if env.sender.sentCount() != 2 {
		t.Errorf("sent = %d, want bucket capacity 2", env.sender.sentCount())
	}
	stats, _ := env.recipients.Stats(c.ID)
	if stats.Pending != 3 {
		t.Errorf("pending = %d, want 3", stats.Pending)
	}

	// The bucket is empty; another immediate pass sends nothing
	env.dispatcher.ProcessOnce(context.Background())
	if env.sender.sentCount() != 2 {
		t.Errorf("sent after throttled pass = %d, want still 2", env.sender.sentCount())
	}
}

func TestProcessOnceSkipsSuppressedAtSendTime(t *testing.T) {
	env := setupTest(t, fastRetryConfig())
	env.seedContacts(t, 2)
	c := env.startCampaign(t, 0)

	// Suppression arrives after the recipient set was resolved
	env.suppressions.Add("tenant-1", "user0@example.com", models.SuppressComplaint)

	env.dispatcher.ProcessOnce(context.Background())

	if env.sender.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", env.sender.sentCount())
	}
	if env.sender.sent[0].To != "user1@example.com" {
		t.Errorf("sent to %s, want user1@example.com", env.sender.sent[0].To)
	}

	suppressed, _ := env.recipients.FindByEmail(c.ID, "user0@example.com")
	if suppressed.Status != models.RecipientUnsubscribed {
		t.Errorf("suppressed recipient status = %s, want unsubscribed", suppressed.Status)
	}

	// The skipped recipient still shows up as a terminal outcome
	stats, _ := env.recipients.Stats(c.ID)
	if stats.Recipients != 2 || stats.Sent != 1 || stats.Unsubscribed != 1 {
		t.Errorf("stats = %+v, want the suppressed recipient counted as unsubscribed", stats)
	}
	if !stats.Drained() {
		t.Error("campaign should be drained after the suppressed skip")
	}
}

func TestProcessCampaignReleasesClaimsWhenPaused(t *testing.T) {
	env := setupTest(t, fastRetryConfig())
	env.seedContacts(t, 2)
	c := env.startCampaign(t, 0)

	if _, err := env.lifecycle.Pause(c.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	// A worker holding a stale active snapshot re-checks before sending
	env.dispatcher.processCampaign(context.Background(), c)

	if env.sender.sentCount() != 0 {
		t.Fatalf("sent = %d on a paused campaign, want 0", env.sender.sentCount())
	}
	stats, _ := env.recipients.Stats(c.ID)
	if stats.Pending != 2 || stats.Queued != 0 {
		t.Errorf("stats = %+v, want both recipients released to pending", stats)
	}
}

func TestProcessOnceAssignsVariants(t *testing.T) {
	env := setupTest(t, fastRetryConfig())
	env.seedContacts(t, 10)

	tmplA := &models.Template{Name: "tpl-" + uuid.New().String(), Subject: "A {{name}}", HTML: "<p>A</p>"}
	tmplB := &models.Template{Name: "tpl-" + uuid.New().String(), Subject: "B {{name}}", HTML: "<p>B</p>"}
	env.templates.Create(tmplA)
	env.templates.Create(tmplB)

	c := &models.Campaign{
		TenantID:           "tenant-1",
		Name:               "ab",
		Type:               models.TypeABTest,
		FromEmail:          "news@example.com",
		TemplateID:         tmplA.ID,
		VariantBTemplateID: tmplB.ID,
		ABTestSplit:        50,
		Filter:             models.RecipientFilter{TagsAny: []string{"news"}},
	}
	if err := env.lifecycle.Create(c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := env.lifecycle.Start(c.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	env.dispatcher.ProcessOnce(context.Background())

	page, _ := env.recipients.List(models.RecipientListFilter{CampaignID: c.ID})
	for _, rec := range page.Recipients {
		if rec.Variant != "A" && rec.Variant != "B" {
			t.Errorf("recipient %s variant = %q", rec.ID, rec.Variant)
		}
		// The assignment is a pure function of the contact id
		if want := AssignVariant(rec.ContactID, 100-c.ABTestSplit); rec.Variant != want {
			t.Errorf("recipient %s variant = %s, want %s", rec.ID, rec.Variant, want)
		}
	}

	// Messages used the variant's template
	for _, msg := range env.sender.sent {
		if !strings.HasPrefix(msg.Subject, "A ") && !strings.HasPrefix(msg.Subject, "B ") {
			t.Errorf("subject %q not from either variant template", msg.Subject)
		}
	}
}

func TestTestSend(t *testing.T) {
	env := setupTest(t, fastRetryConfig())
	c := env.startCampaignDraft(t)
	env.suppressions.Add("tenant-1", "blocked@example.com", models.SuppressManual)

	env.sender.fail = func(msg *transport.Message) error {
		if msg.To == "broken@example.com" {
			return &transport.DeliveryError{Temporary: false, Message: "550 rejected"}
		}
		return nil
	}

	results, err := env.dispatcher.TestSend(context.Background(), c.ID, "",
		[]string{"ok@example.com", "blocked@example.com", "broken@example.com", " "})
	if err != nil {
		t.Fatalf("TestSend() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("TestSend() = %d results, want 3 (blank skipped)", len(results))
	}

	byEmail := map[string]TestSendResult{}
	for _, r := range results {
		byEmail[r.Email] = r
	}
	if byEmail["ok@example.com"].Status != "sent" {
		t.Errorf("ok status = %s", byEmail["ok@example.com"].Status)
	}
	if byEmail["blocked@example.com"].Status != "suppressed" {
		t.Errorf("blocked status = %s", byEmail["blocked@example.com"].Status)
	}
	if byEmail["broken@example.com"].Status != "failed" || byEmail["broken@example.com"].Error == "" {
		t.Errorf("broken result = %+v", byEmail["broken@example.com"])
	}

	// Test sends never touch the recipient table
	n, _ := env.recipients.CountByCampaign(c.ID)
	if n != 0 {
		t.Errorf("TestSend() created %d recipient rows", n)
	}

	if !strings.HasPrefix(env.sender.sent[0].Subject, "[TEST] ") {
		t.Errorf("subject = %q, want [TEST] prefix", env.sender.sent[0].Subject)
	}

	// Variant B requires an A/B campaign
	if _, err := env.dispatcher.TestSend(context.Background(), c.ID, "B", []string{"ok@example.com"}); err == nil {
		t.Error("TestSend() with variant B on a standard campaign should fail")
	}
}

// startCampaignDraft creates a draft campaign without starting it
func (e *testEnv) startCampaignDraft(t *testing.T) *models.Campaign {
	t.Helper()
	tmpl := &models.Template{Name: "tpl-" + uuid.New().String(), Subject: "Hi {{name}}", HTML: "<p>Hi</p>"}
	if err := e.templates.Create(tmpl); err != nil {
		t.Fatalf("template Create() error = %v", err)
	}
	c := &models.Campaign{
		TenantID:   "tenant-1",
		Name:       "draft",
		Type:       models.TypeStandard,
		FromEmail:  "news@example.com",
		TemplateID: tmpl.ID,
		Filter:     models.RecipientFilter{TagsAny: []string{"news"}},
	}
	if err := e.lifecycle.Create(c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c
}
