package jumpurl

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/config"
	"github.com/foxzi/newsmail/internal/db"
	"github.com/foxzi/newsmail/internal/enrich"
	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/recipient"
	"github.com/foxzi/newsmail/internal/repository"
	"github.com/foxzi/newsmail/internal/source"
)

const (
	siteURL = "https://news.example.com"
	secret  = "secret"
)

type fixture struct {
	db       *sql.DB
	mailings *repository.MailingRepository
	logs     *repository.LogRepository
	server   *Server
	now      time.Time
	mailing  *models.Mailing
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if _, err := database.DB.Exec(`INSERT INTO tt_address (uid, pid, name, email) VALUES (10, 1, 'Ann Smith', 'ann@example.com')`); err != nil {
		t.Fatalf("failed to seed recipient: %v", err)
	}

	f := &fixture{
		db:       database.DB,
		mailings: repository.NewMailingRepository(database.DB),
		logs:     repository.NewLogRepository(database.DB),
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	f.mailing = &models.Mailing{
		Subject:  "News",
		Redirect: true,
		HTMLLinks: []models.Link{
			{URL: "https://shop.example.com/offer?who=###USER_uid###"},
			{URL: "https://shop.example.com/about"},
		},
		PlainLinks: []models.Link{{URL: "https://shop.example.com/plain"}},
		Prepared:   true,
		Status:     models.StatusSending,
	}
	if err := f.mailings.Create(f.mailing); err != nil {
		t.Fatalf("failed to create mailing: %v", err)
	}

	registry, err := source.NewRegistry(source.Defaults()...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := recipient.NewResolver(repository.NewGroupRepository(f.db), repository.NewRecipientRepository(f.db), registry, logger)

	cfg := &config.TrackingConfig{Path: "/jump", APIKey: apiKey}
	h, err := NewHandler(f.mailings, f.logs, resolver, enrich.New(resolver, logger), registry, Options{
		SiteURL:       siteURL,
		AuthSecret:    secret,
		DedupWindow:   10 * time.Second,
		PixelPatterns: []string{`^/?pixel\.gif$`},
		Now:           func() time.Time { return f.now },
	}, logger)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	f.server = NewServer(h, f.mailings, f.logs, cfg, logger)
	return f
}

func (f *fixture) code() string {
	return authcode.ForRecipient("uid", map[string]string{"uid": "10"}, secret)
}

func (f *fixture) jump(t *testing.T, jumpurl, rid, code string) *httptest.ResponseRecorder {
	t.Helper()
	q := url.Values{}
	q.Set("mail", strconv.FormatInt(f.mailing.UID, 10))
	q.Set("jumpurl", jumpurl)
	if rid != "" {
		q.Set("rid", rid)
		q.Set("aC", code)
	}
	req := httptest.NewRequest(http.MethodGet, "/jump?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) logged(t *testing.T, responseType string) []models.DeliveryLogEntry {
	t.Helper()
	entries, err := f.logs.ListByMail(f.mailing.UID, responseType)
	if err != nil {
		t.Fatalf("ListByMail() error = %v", err)
	}
	return entries
}

func TestJump_HTMLLink(t *testing.T) {
	f := newFixture(t, "")

	rec := f.jump(t, "0", "tt_address-10", f.code())
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "https://shop.example.com/offer?who=10" {
		t.Errorf("Location = %q", loc)
	}

	entries := f.logged(t, models.ResponseHTML)
	if len(entries) != 1 {
		t.Fatalf("got %d html rows, want 1", len(entries))
	}
	e := entries[0]
	if e.RecipientSource != "tt_address" || e.RecipientUID != "10" || e.URLID != 0 {
		t.Errorf("unexpected row %+v", e)
	}
	if e.URL != "https://shop.example.com/offer?who=###USER_uid###" {
		t.Errorf("row url = %q, want the stored link", e.URL)
	}
}

func TestJump_PlainLink(t *testing.T) {
	f := newFixture(t, "")

	rec := f.jump(t, "-0", "tt_address-10", f.code())
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if loc := rec.Header().Get("Location"); loc != "https://shop.example.com/plain" {
		t.Errorf("Location = %q", loc)
	}
	if n := len(f.logged(t, models.ResponsePlain)); n != 1 {
		t.Errorf("got %d plain rows, want 1", n)
	}
}

func TestJump_AuthCodeMismatch(t *testing.T) {
	f := newFixture(t, "")

	rec := f.jump(t, "1", "tt_address-10", "deadbeef")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
	if n := len(f.logged(t, "")); n != 0 {
		t.Errorf("got %d rows after a rejected hit, want 0", n)
	}
}

func TestJump_Pixel(t *testing.T) {
	f := newFixture(t, "")

	for _, jumpurl := range []string{"pixel.gif", siteURL + "/pixel.gif"} {
		f.now = f.now.Add(time.Minute)
		rec := f.jump(t, jumpurl, "tt_address-10", f.code())
		if rec.Code != http.StatusFound {
			t.Fatalf("%s: status = %d, want %d", jumpurl, rec.Code, http.StatusFound)
		}
		if loc := rec.Header().Get("Location"); loc != siteURL+"/pixel.gif" {
			t.Errorf("%s: Location = %q", jumpurl, loc)
		}
	}
	if n := len(f.logged(t, models.ResponsePing)); n != 2 {
		t.Errorf("got %d ping rows, want 2", n)
	}
}

func TestJump_InvalidTarget(t *testing.T) {
	f := newFixture(t, "")

	tests := []string{"", "https://evil.example.com/pixel.gif", "logo.png", "../pixel.gif"}
	for _, jumpurl := range tests {
		rec := f.jump(t, jumpurl, "tt_address-10", f.code())
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want %d", jumpurl, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestJump_NotFound(t *testing.T) {
	f := newFixture(t, "")

	if rec := f.jump(t, "7", "tt_address-10", f.code()); rec.Code != http.StatusNotFound {
		t.Errorf("unknown link: status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	req := httptest.NewRequest(http.MethodGet, "/jump?mail=999&jumpurl=0", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown mailing: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestJump_Dedup(t *testing.T) {
	f := newFixture(t, "")
	start := f.now

	f.jump(t, "1", "tt_address-10", f.code())
	f.now = start.Add(10 * time.Second)
	rec := f.jump(t, "1", "tt_address-10", f.code())
	if rec.Code != http.StatusFound {
		t.Fatalf("duplicate hit: status = %d, want %d", rec.Code, http.StatusFound)
	}
	if n := len(f.logged(t, models.ResponseHTML)); n != 1 {
		t.Errorf("after 10s: got %d rows, want 1", n)
	}

	f.now = start.Add(11 * time.Second)
	f.jump(t, "1", "tt_address-10", f.code())
	if n := len(f.logged(t, models.ResponseHTML)); n != 2 {
		t.Errorf("after 11s: got %d rows, want 2", n)
	}
}

func TestJump_AnonymousIsNotLogged(t *testing.T) {
	f := newFixture(t, "")

	for _, rid := range []string{"", "tt_address-999", "unknown-10", "tt_address-"} {
		rec := f.jump(t, "1", rid, "whatever")
		if rec.Code != http.StatusFound {
			t.Errorf("rid %q: status = %d, want %d", rid, rec.Code, http.StatusFound)
		}
	}
	if n := len(f.logged(t, "")); n != 0 {
		t.Errorf("got %d rows, want 0", n)
	}
}

func TestParseURLID(t *testing.T) {
	tests := []struct {
		in    string
		id    int
		plain bool
		ok    bool
	}{
		{"0", 0, false, true},
		{"3", 3, false, true},
		{"-0", 0, true, true},
		{"-2", -2, true, true},
		{"pixel.gif", 0, false, false},
		{"", 0, false, false},
	}
	for _, tt := range tests {
		id, plain, ok := parseURLID(tt.in)
		if id != tt.id || plain != tt.plain || ok != tt.ok {
			t.Errorf("parseURLID(%q) = %d, %v, %v", tt.in, id, plain, ok)
		}
	}
}

func TestStatsAPI(t *testing.T) {
	f := newFixture(t, "key")
	f.jump(t, "0", "tt_address-10", f.code())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mailings/"+strconv.FormatInt(f.mailing.UID, 10)+"/stats", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without key: status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req.Header.Set("Authorization", "Bearer key")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Mailing != f.mailing.UID || resp.Log == nil || resp.Log.HTML != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, "key")

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestStatsAPI_AllowedIPs(t *testing.T) {
	f := newFixture(t, "")
	cfg := &config.TrackingConfig{Path: "/jump", APIAllowedIPs: []string{"10.0.0.0/8"}}
	srv := NewServer(f.server.jump, f.mailings, f.logs, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	path := "/api/v1/mailings/" + strconv.FormatInt(f.mailing.UID, 10) + "/stats"
	tests := []struct {
		name   string
		path   string
		realIP string
		want   int
	}{
		{"outside allowed network", path, "", http.StatusForbidden},
		{"allowed network", path, "10.1.2.3", http.StatusOK},
		{"health stays public", "/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
