package render

import (
	"net/url"
	"strings"
	"testing"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/models"
)

const sectioned = `<p>header</p>` +
	`<!--MAIL_SECTION_BOUNDARY_--><p>untagged</p>` +
	`<!--MAIL_SECTION_BOUNDARY_1,2--><p>cat-one-two</p>` +
	`<!--MAIL_SECTION_BOUNDARY_3--><p>cat-three</p>` +
	`<!--MAIL_SECTION_BOUNDARY_END--><p>footer</p>`

func TestFilterCategories(t *testing.T) {
	got := FilterCategories(sectioned, []int64{2})

	for _, want := range []string{"header", "untagged", "cat-one-two", "footer"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q: %s", want, got)
		}
	}
	if strings.Contains(got, "cat-three") {
		t.Errorf("output contains excluded block: %s", got)
	}
	if strings.Contains(got, "MAIL_SECTION_BOUNDARY") {
		t.Errorf("boundary markers left in output: %s", got)
	}
	if strings.Index(got, "untagged") > strings.Index(got, "footer") {
		t.Error("blocks out of order")
	}
}

func TestFilterCategories_NoBoundaries(t *testing.T) {
	content := "<p>all of it</p>"
	if got := FilterCategories(content, nil); got != content {
		t.Errorf("FilterCategories() = %q, want unchanged", got)
	}
}

func TestHasContent(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		categories []int64
		want       bool
	}{
		{"no boundaries", "<p>x</p>", nil, true},
		{"empty without boundaries", "", nil, true},
		{"matching category", sectioned, []int64{3}, true},
		{"untagged block counts", sectioned, nil, true},
		{"only footer", "<p>h</p><!--MAIL_SECTION_BOUNDARY_END--><p>f</p>", nil, false},
		{"no match leaves footer", "<!--MAIL_SECTION_BOUNDARY_4-->a<!--MAIL_SECTION_BOUNDARY_END-->f", []int64{1}, false},
		{"match besides footer", "<!--MAIL_SECTION_BOUNDARY_4-->a<!--MAIL_SECTION_BOUNDARY_END-->f", []int64{4}, true},
	}
	for _, tt := range tests {
		if got := HasContent(tt.content, tt.categories); got != tt.want {
			t.Errorf("%s: HasContent() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMarkers(t *testing.T) {
	m := Markers(map[string]string{"name": "Jane Doe", "email": "jane@example.com"}, "7", "tt_address", "abcd1234")

	tests := []struct {
		key, want string
	}{
		{"USER_name", "Jane Doe"},
		{"USER_NAME", "Jane Doe"},
		{"USER_EMAIL", "jane@example.com"},
		{"USER_firstname", "Jane"},
		{"USER_FIRSTNAME", "Jane"},
		{"SYS_MAIL_ID", "7"},
		{"SYS_TABLE_NAME", "tt_address"},
		{"SYS_AUTHCODE", "abcd1234"},
	}
	for _, tt := range tests {
		if got := m[tt.key]; got != tt.want {
			t.Errorf("marker %s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestMarkers_DistinctUpperField(t *testing.T) {
	m := Markers(map[string]string{"zip": "lower", "ZIP": "upper"}, "1", "s", "c")
	if m["USER_ZIP"] != "upper" {
		t.Errorf("USER_ZIP = %q, want the field's own value", m["USER_ZIP"])
	}
}

func TestMarkers_CaseCollisionIsStable(t *testing.T) {
	tests := []struct {
		name string
		data map[string]string
		want string
	}{
		{"lower-case field wins", map[string]string{"Name": "A", "name": "B"}, "B"},
		{"mixed case sorted first", map[string]string{"Name": "A", "NaMe": "C"}, "C"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 100; i++ {
				if got := Markers(tt.data, "1", "csv", "c")["USER_NAME"]; got != tt.want {
					t.Fatalf("call %d: USER_NAME = %q, want %q", i, got, tt.want)
				}
			}
		})
	}
}

func TestSubstitute(t *testing.T) {
	markers := map[string]string{"USER_name": "Jane"}
	got := Substitute("Hi ###USER_name###, ###USER_unknown###!", markers)
	if got != "Hi Jane, !" {
		t.Errorf("Substitute() = %q", got)
	}
}

func TestPrepare(t *testing.T) {
	html := `<a href="https://example.com/a">A</a> <a class="x" href='https://example.com/b?x=1&amp;y=2'>B</a>` +
		`<a href="/relative">R</a><a href="mailto:x@example.com">M</a><a href="https://example.com/a">again</a>`
	plain := "Read https://example.com/a and https://example.com/p"

	htmlLinks, plainLinks := Prepare(html, plain)
	if len(htmlLinks) != 2 {
		t.Fatalf("html links = %v, want 2 entries", htmlLinks)
	}
	if htmlLinks[1].URL != "https://example.com/b?x=1&y=2" {
		t.Errorf("html link 1 = %q", htmlLinks[1].URL)
	}
	if len(plainLinks) != 2 || plainLinks[1].URL != "https://example.com/p" {
		t.Errorf("plain links = %v", plainLinks)
	}
}

func newMailing(html, plain string) *models.Mailing {
	m := &models.Mailing{
		UID:            42,
		Subject:        "News for ###USER_firstname###",
		SendOptions:    models.SendBoth,
		HTMLContent:    html,
		PlainContent:   plain,
		AuthCodeFields: "uid",
		Redirect:       true,
		Prepared:       true,
	}
	m.HTMLLinks, m.PlainLinks = Prepare(html, plain)
	return m
}

func newRenderer() *Renderer {
	return New(Options{SiteURL: "https://news.example.com/", JumpPath: "/jump", PixelPath: "pixel.gif", AuthSecret: "secret"})
}

func TestRender(t *testing.T) {
	longURL := "https://example.com/" + strings.Repeat("x", 80)
	m := newMailing(
		`<html><body><p>Hello ###USER_name###</p><a href="https://example.com/a">A</a></body></html>`,
		"Short https://example.com/s long "+longURL,
	)
	rcpt := &Recipient{
		Source:      "tt_address",
		UID:         "5",
		Data:        map[string]string{"uid": "5", "name": "Jane Doe"},
		AcceptsHTML: true,
	}

	msg, err := newRenderer().Render(m, rcpt)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if msg.Subject != "News for Jane" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.FormatSent != models.SendBoth {
		t.Errorf("FormatSent = %d, want %d", msg.FormatSent, models.SendBoth)
	}
	if !msg.HasContent {
		t.Error("HasContent = false")
	}
	if strings.Contains(msg.HTML, `href="https://example.com/a"`) {
		t.Errorf("html link not rewritten: %s", msg.HTML)
	}
	code := authcode.Std([]string{"5"}, "secret")
	if msg.AuthCode != code {
		t.Errorf("AuthCode = %q, want %q", msg.AuthCode, code)
	}
	wantHref := "https://news.example.com/jump?aC=" + code + "&amp;jumpurl=0&amp;mail=42&amp;rid=tt_address-5"
	if !strings.Contains(msg.HTML, wantHref) {
		t.Errorf("html missing jump url %q: %s", wantHref, msg.HTML)
	}
	if !strings.Contains(msg.HTML, "jumpurl=pixel.gif") || !strings.Contains(msg.HTML, "</body>") {
		t.Errorf("pixel not placed in body: %s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "Hello Jane Doe") {
		t.Errorf("marker not substituted: %s", msg.HTML)
	}

	if !strings.Contains(msg.Plain, "https://example.com/s") {
		t.Errorf("short plain link should stay: %s", msg.Plain)
	}
	if strings.Contains(msg.Plain, longURL) {
		t.Errorf("long plain link not shortened: %s", msg.Plain)
	}
	if !strings.Contains(msg.Plain, "jumpurl=-1") {
		t.Errorf("plain jump url should carry a negative id: %s", msg.Plain)
	}
}

func TestRender_RedirectAllPlain(t *testing.T) {
	m := newMailing("", "See https://example.com/s")
	m.RedirectAll = true
	rcpt := &Recipient{Source: "fe_users", UID: "1", Data: map[string]string{"uid": "1"}}

	msg, err := newRenderer().Render(m, rcpt)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	u := strings.TrimPrefix(msg.Plain, "See ")
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatalf("plain link %q not a URL: %v", u, err)
	}
	if got := parsed.Query().Get("jumpurl"); got != "-0" {
		t.Errorf("jumpurl = %q, want -0", got)
	}
	if msg.FormatSent != models.SendPlain {
		t.Errorf("FormatSent = %d, want plain only", msg.FormatSent)
	}
}

func TestRender_WithoutTracking(t *testing.T) {
	m := newMailing(`<a href="https://example.com/a">A</a>`, "")
	m.Redirect = false
	rcpt := &Recipient{Source: "tt_address", UID: "5", Data: map[string]string{"uid": "5"}, AcceptsHTML: true}

	msg, err := newRenderer().Render(m, rcpt)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if strings.Contains(msg.HTML, "rid=") || strings.Contains(msg.HTML, "aC=") {
		t.Errorf("untracked mailing leaks recipient: %s", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "jumpurl=0") {
		t.Errorf("html link not rewritten: %s", msg.HTML)
	}
	if strings.Contains(msg.HTML, "pixel.gif") {
		t.Errorf("pixel added without tracking: %s", msg.HTML)
	}
}

func TestRender_PlainLinksWithoutRedirect(t *testing.T) {
	longURL := "https://example.com/" + strings.Repeat("y", 80)
	m := newMailing("", "Read "+longURL)
	m.Redirect = false
	m.RedirectAll = true
	rcpt := &Recipient{Source: "tt_address", UID: "5", Data: map[string]string{"uid": "5"}}

	msg, err := newRenderer().Render(m, rcpt)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if msg.Plain != "Read "+longURL {
		t.Errorf("plain = %q, want the link untouched", msg.Plain)
	}
}

func TestRender_Idempotent(t *testing.T) {
	m := newMailing(sectioned+`<a href="https://example.com/a">A</a>`, "plain ###USER_name###")
	rcpt := &Recipient{
		Source:      "tt_address",
		UID:         "9",
		Data:        map[string]string{"uid": "9", "name": "Max"},
		Categories:  []int64{1},
		AcceptsHTML: true,
	}

	r := newRenderer()
	first, err := r.Render(m, rcpt)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	second, err := r.Render(m, rcpt)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if *first != *second {
		t.Errorf("Render() not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestRender_NotPrepared(t *testing.T) {
	m := &models.Mailing{UID: 1, SendOptions: models.SendBoth}
	if _, err := newRenderer().Render(m, &Recipient{}); err != ErrNotPrepared {
		t.Errorf("Render() error = %v, want ErrNotPrepared", err)
	}
}

func TestRender_PlainForNonHTMLRecipient(t *testing.T) {
	m := newMailing("<p>html</p>", "plain")
	rcpt := &Recipient{Source: "tt_address", UID: "1", Data: map[string]string{"uid": "1"}, AcceptsHTML: false}

	msg, err := newRenderer().Render(m, rcpt)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if msg.HTML != "" || msg.FormatSent != models.SendPlain {
		t.Errorf("recipient without html got html part: %+v", msg)
	}
}
