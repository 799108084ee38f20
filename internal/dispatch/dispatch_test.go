package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/config"
	"github.com/foxzi/newsmail/internal/db"
	"github.com/foxzi/newsmail/internal/enrich"
	"github.com/foxzi/newsmail/internal/lock"
	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/ratelimit"
	"github.com/foxzi/newsmail/internal/recipient"
	"github.com/foxzi/newsmail/internal/render"
	"github.com/foxzi/newsmail/internal/repository"
	"github.com/foxzi/newsmail/internal/source"
	"github.com/foxzi/newsmail/internal/state"
	"github.com/foxzi/newsmail/internal/transport"
)

// fakeSender records messages and fails the addresses listed in errs
type fakeSender struct {
	mu   sync.Mutex
	sent []*transport.Message
	errs map[string]error
	all  error

	onSend func(msg *transport.Message) // runs before the message is recorded
}

func (s *fakeSender) Send(ctx context.Context, msg *transport.Message) error {
	if s.onSend != nil {
		s.onSend(msg)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.all != nil {
		return s.all
	}
	if err := s.errs[msg.To]; err != nil {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sent {
		out = append(out, m.To)
	}
	return out
}

type fixture struct {
	db       *sql.DB
	mailings *repository.MailingRepository
	groups   *repository.GroupRepository
	logs     *repository.LogRepository
	state    *state.Store
	locks    *lock.BoltProvider
	sender   *fakeSender
	engine   *Engine
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		db:       database.DB,
		mailings: repository.NewMailingRepository(database.DB),
		groups:   repository.NewGroupRepository(database.DB),
		logs:     repository.NewLogRepository(database.DB),
		state:    store,
		locks:    lock.NewBoltProvider(store.DB(), state.LocksBucket(), time.Minute),
		sender:   &fakeSender{errs: map[string]error{}},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.engine = f.newEngine(t)

	mustExec(t, f.db, `INSERT INTO pages (uid, pid, title) VALUES (1, 0, 'news')`)
	mustExec(t, f.db, `INSERT INTO tt_address (uid, pid, name, email) VALUES
		(10, 1, 'Ann Smith', 'ann@example.com'),
		(11, 1, 'Bob Jones', 'bob@example.com')`)
	mustExec(t, f.db, `INSERT INTO fe_users (uid, pid, name, email) VALUES (20, 1, 'Eve Adams', 'eve@example.com')`)
	return f
}

// newEngine builds an engine over the fixture's stores, as a fresh process would
func (f *fixture) newEngine(t *testing.T) *Engine {
	t.Helper()
	registry, err := source.NewRegistry(source.Defaults()...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := recipient.NewResolver(f.groups, repository.NewRecipientRepository(f.db), registry, logger)

	return NewEngine(Options{
		Mailings: f.mailings,
		Log:      f.logs,
		State:    f.state,
		Resolver: resolver,
		Enricher: enrich.New(resolver, logger),
		Registry: registry,
		Renderer: render.New(render.Options{SiteURL: "https://news.example.com", JumpPath: "/jump", AuthSecret: "secret"}),
		Sender:   f.sender,
		Locks:    f.locks,
		Logger:   logger,
		Now:      func() time.Time { return f.now },
	})
}

func mustExec(t *testing.T, sqlDB *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := sqlDB.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// scheduledMailing creates, prepares and schedules a mailing for everyone on page 1
func (f *fixture) scheduledMailing(t *testing.T, html, plain string) int64 {
	t.Helper()
	g := &models.Group{Type: models.GroupPages, Pages: []int64{1}, RecordTypes: models.RecordAddress | models.RecordFrontendUser}
	if err := f.groups.Create(g); err != nil {
		t.Fatalf("Create(group) error = %v", err)
	}
	m := &models.Mailing{
		Subject:         "News for ###USER_name###",
		FromEmail:       "news@example.com",
		ReturnPath:      "bounces@example.com",
		HTMLContent:     html,
		PlainContent:    plain,
		Redirect:        true,
		RecipientGroups: []int64{g.UID},
	}
	if err := f.mailings.Create(m); err != nil {
		t.Fatalf("Create(mailing) error = %v", err)
	}
	if _, err := f.engine.Prepare(m.UID); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := f.engine.Schedule(m.UID, f.now.Add(-time.Minute)); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	return m.UID
}

func (f *fixture) mailing(t *testing.T, uid int64) *models.Mailing {
	t.Helper()
	m, err := f.mailings.GetByID(uid)
	if err != nil || m == nil {
		t.Fatalf("GetByID(%d) = %v, %v", uid, m, err)
	}
	return m
}

const newsletterHTML = `<html><body><p>Hello ###USER_name###</p><a href="https://example.org/article">read</a></body></html>`

func TestProcessBatch_DeliversInBatches(t *testing.T) {
	f := newFixture(t)
	uid := f.scheduledMailing(t, newsletterHTML, "Hello ###USER_name###")

	res, err := f.engine.ProcessBatch(context.Background(), uid, 2)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if res.Sent != 2 || res.Total != 3 || res.Remaining != 1 || res.Progress != 66 {
		t.Errorf("first batch = %+v, want 2 sent of 3 with 66%%", res)
	}
	if res.Status != models.StatusSending {
		t.Errorf("Status = %q, want sending", res.Status)
	}

	m := f.mailing(t, uid)
	if m.NumberOfRecipients != 3 || m.ScheduledBegin.IsZero() {
		t.Errorf("recipient list not frozen: total %d, begin %v", m.NumberOfRecipients, m.ScheduledBegin)
	}
	if m.DeliveryProgress != 66 {
		t.Errorf("DeliveryProgress = %d, want 66", m.DeliveryProgress)
	}

	res, err = f.engine.ProcessBatch(context.Background(), uid, 2)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if res.Sent != 1 || res.Remaining != 0 || res.Progress != 100 || res.Status != models.StatusSent {
		t.Errorf("second batch = %+v, want the last recipient and sent", res)
	}

	m = f.mailing(t, uid)
	if m.Status != models.StatusSent || m.ScheduledEnd.IsZero() {
		t.Errorf("mailing = %s end %v, want sent with end time", m.Status, m.ScheduledEnd)
	}

	// sources are processed in identifier order
	want := []string{"eve@example.com", "ann@example.com", "bob@example.com"}
	if got := f.sender.recipients(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("delivery order = %v, want %v", got, want)
	}

	stats, err := f.logs.Stats(uid)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.All != 3 || stats.Failed != 0 {
		t.Errorf("Stats() = %+v, want 3 all rows", stats)
	}

	msg := f.sender.sent[1]
	if msg.Subject != "News for Ann Smith" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.ReturnPath != "bounces@example.com" {
		t.Errorf("ReturnPath = %q", msg.ReturnPath)
	}
	if !strings.Contains(msg.HTML, "https://news.example.com/jump?") || !strings.Contains(msg.HTML, "rid=tt_address-10") {
		t.Errorf("html links not rewritten: %s", msg.HTML)
	}
	mid, ok := authcode.FindMID(msg.MID)
	if !ok || mid.Mail != uid || mid.Source != "tt_address" || mid.UID != "10" {
		t.Errorf("MID = %q, parsed %+v %v", msg.MID, mid, ok)
	}

	// a finished mailing is left alone
	res, err = f.engine.ProcessBatch(context.Background(), uid, 2)
	if err != nil || res.Sent != 0 || len(f.sender.recipients()) != 3 {
		t.Errorf("batch after completion = %+v, %v", res, err)
	}
}

func TestProcessBatch_ResumesAfterRestart(t *testing.T) {
	f := newFixture(t)
	uid := f.scheduledMailing(t, newsletterHTML, "")

	progress := []int{}
	for i := 0; i < 3; i++ {
		// every batch runs on a fresh engine, only the stores survive
		res, err := f.newEngine(t).ProcessBatch(context.Background(), uid, 1)
		if err != nil {
			t.Fatalf("batch %d error = %v", i, err)
		}
		if res.Sent != 1 {
			t.Fatalf("batch %d sent %d, want 1", i, res.Sent)
		}
		progress = append(progress, res.Progress)
	}

	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress went backwards: %v", progress)
		}
	}
	if progress[len(progress)-1] != 100 {
		t.Errorf("final progress = %d, want 100", progress[len(progress)-1])
	}

	seen := map[string]bool{}
	for _, to := range f.sender.recipients() {
		if seen[to] {
			t.Errorf("%s received the mailing twice", to)
		}
		seen[to] = true
	}
	if len(seen) != 3 {
		t.Errorf("delivered to %d recipients, want 3", len(seen))
	}
}

func TestProcessBatch_TransportFailure(t *testing.T) {
	f := newFixture(t)
	f.sender.errs["bob@example.com"] = &transport.DeliveryError{Code: 550, Message: "550 5.1.1 User unknown"}
	uid := f.scheduledMailing(t, newsletterHTML, "")

	res, err := f.engine.ProcessBatch(context.Background(), uid, 0)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 || res.Status != models.StatusSent {
		t.Errorf("ProcessBatch() = %+v, want 2 sent, 1 failed, mailing sent", res)
	}

	failed, err := f.logs.FindByRecipient(uid, "tt_address", "11", models.ResponseFailed)
	if err != nil || failed == nil {
		t.Fatalf("failed log row = %v, %v", failed, err)
	}
	if failed.ReturnCode != 550 || !strings.Contains(failed.ReturnContent, "User unknown") {
		t.Errorf("failed row = %+v", failed)
	}
	all, _ := f.logs.FindByRecipient(uid, "tt_address", "11", models.ResponseAll)
	if all == nil {
		t.Error("failed delivery has no all row")
	}
}

func (f *fixture) limitEngine(t *testing.T, cfg config.LimitsConfig) *Engine {
	t.Helper()
	cfg.FlushInterval = time.Hour
	limiter, err := ratelimit.NewLimiter(f.state.DB(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })
	e := f.newEngine(t)
	e.limiter = limiter
	return e
}

func TestProcessBatch_GlobalLimitStopsBatch(t *testing.T) {
	f := newFixture(t)
	uid := f.scheduledMailing(t, newsletterHTML, "")
	e := f.limitEngine(t, config.LimitsConfig{Global: &config.LimitValues{MessagesPerHour: 2}})

	res, err := e.ProcessBatch(context.Background(), uid, 0)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if !res.Throttled || res.Sent != 2 || res.Remaining != 1 || res.Status != models.StatusSending {
		t.Errorf("ProcessBatch() = %+v, want 2 sent and throttled", res)
	}

	res, err = e.ProcessBatch(context.Background(), uid, 0)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if !res.Throttled || res.Sent != 0 || res.Remaining != 1 {
		t.Errorf("second batch = %+v, want nothing sent", res)
	}
	if n := len(f.sender.recipients()); n != 2 {
		t.Errorf("delivered %d messages, want 2", n)
	}
}

func TestProcessBatch_DomainLimitDefersRecipients(t *testing.T) {
	f := newFixture(t)
	uid := f.scheduledMailing(t, newsletterHTML, "")
	e := f.limitEngine(t, config.LimitsConfig{
		Domains: map[string]*config.LimitValues{"example.com": {MessagesPerHour: 1}},
	})

	res, err := e.ProcessBatch(context.Background(), uid, 0)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if res.Throttled || res.Sent != 1 || res.Deferred != 2 || res.Remaining != 2 {
		t.Errorf("ProcessBatch() = %+v, want 1 sent and 2 deferred", res)
	}
	if m := f.mailing(t, uid); m.Status != models.StatusSending {
		t.Errorf("Status = %q, want sending while recipients are deferred", m.Status)
	}

	// the deferred recipients go out once the limit allows it
	res, err = f.engine.ProcessBatch(context.Background(), uid, 0)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if res.Sent != 2 || res.Status != models.StatusSent {
		t.Errorf("unlimited batch = %+v, want the deferred recipients sent", res)
	}
}

func TestProcessBatch_Unreachable(t *testing.T) {
	f := newFixture(t)
	f.sender.all = &transport.DeliveryError{Unreachable: true, Code: models.ReturnCodeUnknown, Message: "connect failed"}
	uid := f.scheduledMailing(t, newsletterHTML, "")

	_, err := f.engine.ProcessBatch(context.Background(), uid, 0)
	if !transport.IsUnreachable(err) {
		t.Fatalf("ProcessBatch() error = %v, want unreachable", err)
	}

	handled, err := f.state.Handled(uid)
	if err != nil {
		t.Fatal(err)
	}
	if handled.Count() != 0 {
		t.Errorf("handled %d recipients, want none", handled.Count())
	}
	m := f.mailing(t, uid)
	if m.Status != models.StatusSending || m.DeliveryProgress != 0 {
		t.Errorf("mailing = %s %d%%, want sending 0%%", m.Status, m.DeliveryProgress)
	}
	stats, _ := f.logs.Stats(uid)
	if stats.All != 0 {
		t.Errorf("unreachable relay wrote %d log rows", stats.All)
	}

	// the relay comes back, nothing was lost
	f.sender.all = nil
	res, err := f.engine.ProcessBatch(context.Background(), uid, 0)
	if err != nil || res.Sent != 3 {
		t.Errorf("retry = %+v, %v; want 3 sent", res, err)
	}
}

func TestProcessBatch_Locked(t *testing.T) {
	f := newFixture(t)
	uid := f.scheduledMailing(t, newsletterHTML, "")

	other := f.locks.Lock(lockName(uid))
	if ok, err := other.Acquire(context.Background()); !ok || err != nil {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	res, err := f.engine.ProcessBatch(context.Background(), uid, 0)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if !res.Locked || res.Sent != 0 || res.Progress != 0 {
		t.Errorf("ProcessBatch() = %+v, want locked no-op", res)
	}
	if len(f.sender.recipients()) != 0 {
		t.Error("locked batch delivered messages")
	}

	if err := other.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err = f.engine.ProcessBatch(context.Background(), uid, 0)
	if err != nil || res.Locked || res.Sent != 3 {
		t.Errorf("after release = %+v, %v", res, err)
	}
}

func TestProcessBatch_NotDue(t *testing.T) {
	f := newFixture(t)
	uid := f.scheduledMailing(t, newsletterHTML, "")

	if err := f.mailings.Schedule(uid, f.now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.ProcessBatch(context.Background(), uid, 0)
	if err != nil || res.Sent != 0 || res.Status != models.StatusScheduled {
		t.Errorf("future mailing = %+v, %v", res, err)
	}

	f.now = f.now.Add(2 * time.Hour)
	if _, err := f.engine.ProcessBatch(context.Background(), uid, 1); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Pause(uid); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	res, err = f.engine.ProcessBatch(context.Background(), uid, 0)
	if err != nil || res.Sent != 0 || res.Status != models.StatusPaused {
		t.Errorf("paused mailing = %+v, %v", res, err)
	}

	if err := f.engine.Resume(uid); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	res, err = f.engine.ProcessBatch(context.Background(), uid, 0)
	if err != nil || res.Sent != 2 || res.Status != models.StatusSent {
		t.Errorf("resumed mailing = %+v, %v", res, err)
	}
}

func TestProcessBatch_EmptyMailing(t *testing.T) {
	f := newFixture(t)
	g := &models.Group{Type: models.GroupCSV, CSVData: ""}
	if err := f.groups.Create(g); err != nil {
		t.Fatal(err)
	}
	m := &models.Mailing{Subject: "Nobody", HTMLContent: "<p>hi</p>", RecipientGroups: []int64{g.UID}}
	if err := f.mailings.Create(m); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Prepare(m.UID); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Schedule(m.UID, time.Time{}); err != nil {
		t.Fatal(err)
	}

	res, err := f.engine.ProcessBatch(context.Background(), m.UID, 10)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if res.Total != 0 || res.Progress != 100 || res.Status != models.StatusSent {
		t.Errorf("ProcessBatch() = %+v, want sent with 100%%", res)
	}
}

func TestProcessBatch_SkipsRecipientsWithoutContent(t *testing.T) {
	f := newFixture(t)
	repo := repository.NewRecipientRepository(f.db)
	if err := repo.AssignCategory("tt_address", 10, 5); err != nil {
		t.Fatal(err)
	}

	html := `<p>Top</p><!--MAIL_SECTION_BOUNDARY_5-->Sports<!--MAIL_SECTION_BOUNDARY_END-->footer`
	uid := f.scheduledMailing(t, html, "")

	res, err := f.engine.ProcessBatch(context.Background(), uid, 0)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if res.Sent != 1 || res.Skipped != 2 || res.Status != models.StatusSent {
		t.Errorf("ProcessBatch() = %+v, want 1 sent and 2 skipped", res)
	}
	if got := f.sender.recipients(); len(got) != 1 || got[0] != "ann@example.com" {
		t.Errorf("delivered to %v, want only ann", got)
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)

	m := &models.Mailing{Subject: "Draft", HTMLContent: `<a href="https://example.org/">x</a>`}
	if err := f.mailings.Create(m); err != nil {
		t.Fatal(err)
	}

	if err := f.engine.Schedule(m.UID, f.now); !errors.Is(err, render.ErrNotPrepared) {
		t.Errorf("Schedule(unprepared) error = %v, want ErrNotPrepared", err)
	}
	if err := f.engine.Pause(m.UID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Pause(draft) error = %v, want ErrInvalidTransition", err)
	}

	prepared, err := f.engine.Prepare(m.UID)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(prepared.HTMLLinks) != 1 || !prepared.Prepared {
		t.Errorf("Prepare() = %+v", prepared.HTMLLinks)
	}
	if err := f.engine.Schedule(m.UID, f.now); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if _, err := f.engine.Prepare(m.UID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Prepare(scheduled) error = %v, want ErrInvalidTransition", err)
	}

	// paused before the first batch, resume goes back to scheduled
	if err := f.engine.Pause(m.UID); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Resume(m.UID); err != nil {
		t.Fatal(err)
	}
	if got := f.mailing(t, m.UID).Status; got != models.StatusScheduled {
		t.Errorf("Status after resume = %q, want scheduled", got)
	}

	if err := f.state.MarkHandled(m.UID, "tt_address", "10"); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Abort(m.UID); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	handled, _ := f.state.Handled(m.UID)
	if handled.Count() != 0 {
		t.Error("Abort() kept handled recipients")
	}
	if err := f.engine.Resume(m.UID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume(aborted) error = %v, want ErrInvalidTransition", err)
	}
	res, err := f.engine.ProcessBatch(context.Background(), m.UID, 0)
	if err != nil || res.Status != models.StatusAborted || res.Sent != 0 {
		t.Errorf("aborted batch = %+v, %v", res, err)
	}

	if err := f.engine.Delete(m.UID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := f.engine.Delete(m.UID); !errors.Is(err, ErrMailingNotFound) {
		t.Errorf("Delete(missing) error = %v, want ErrMailingNotFound", err)
	}
}

func TestScheduler_RunDue(t *testing.T) {
	f := newFixture(t)
	first := f.scheduledMailing(t, newsletterHTML, "")
	second := f.scheduledMailing(t, newsletterHTML, "")
	f.sender.errs["eve@example.com"] = &transport.DeliveryError{Code: 552, Message: "mailbox full"}

	s := NewScheduler(f.engine, 10, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	results, err := s.RunDue(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunDue() error = %v", err)
	}
	if len(results) != 2 || results[0].Mailing != first || results[1].Mailing != second {
		t.Fatalf("RunDue() = %+v", results)
	}
	for _, r := range results {
		if r.Sent != 2 || r.Failed != 1 || r.Status != models.StatusSent {
			t.Errorf("result = %+v", r)
		}
	}

	stats, err := s.MailingStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sending != 0 || stats.Scheduled != 0 {
		t.Errorf("MailingStats() = %+v", stats)
	}

	results, err = s.RunDue(context.Background(), 10)
	if err != nil || len(results) != 0 {
		t.Errorf("second RunDue() = %v, %v; want nothing due", results, err)
	}
}

func TestProgress(t *testing.T) {
	tests := []struct {
		handled, total, want int
	}{
		{0, 0, 100},
		{0, 3, 0},
		{1, 3, 33},
		{3, 3, 100},
		{5, 3, 100},
	}
	for _, tt := range tests {
		if got := Progress(tt.handled, tt.total); got != tt.want {
			t.Errorf("Progress(%d, %d) = %d, want %d", tt.handled, tt.total, got, tt.want)
		}
	}
}

func TestProcessBatch_AbortDuringBatchStaysAborted(t *testing.T) {
	f := newFixture(t)
	uid := f.scheduledMailing(t, newsletterHTML, "Hello")
	ctx := context.Background()

	if _, err := f.engine.ProcessBatch(ctx, uid, 1); err != nil {
		t.Fatalf("first ProcessBatch() error = %v", err)
	}

	aborted := false
	f.sender.onSend = func(*transport.Message) {
		if aborted {
			return
		}
		aborted = true
		if err := f.engine.Abort(uid); err != nil {
			t.Errorf("Abort() error = %v", err)
		}
	}

	res, err := f.engine.ProcessBatch(ctx, uid, 0)
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if res.Status != models.StatusAborted {
		t.Errorf("result status = %q, want aborted", res.Status)
	}

	m := f.mailing(t, uid)
	if m.Status != models.StatusAborted {
		t.Errorf("status after abort mid-batch = %q, want aborted", m.Status)
	}
	if !m.ScheduledEnd.IsZero() {
		t.Error("aborted mailing got a scheduled end")
	}
	handled, err := f.state.Handled(uid)
	if err != nil {
		t.Fatalf("Handled() error = %v", err)
	}
	if len(handled) != 0 {
		t.Errorf("handled recipients kept after abort: %v", handled)
	}

	// aborted is terminal: later batches do nothing
	f.sender.onSend = nil
	before := len(f.sender.recipients())
	if _, err := f.engine.ProcessBatch(ctx, uid, 0); err != nil {
		t.Fatalf("ProcessBatch() after abort error = %v", err)
	}
	if got := len(f.sender.recipients()); got != before {
		t.Errorf("aborted mailing sent %d more messages", got-before)
	}
}

// failingLog refuses rows of one response type
type failingLog struct {
	LogStore
	responseType string
}

func (l *failingLog) Insert(e *models.DeliveryLogEntry) error {
	if e.ResponseType == l.responseType {
		return errors.New("disk full")
	}
	return l.LogStore.Insert(e)
}

func TestProcessBatch_FailedRowErrorKeepsRecipientHandled(t *testing.T) {
	f := newFixture(t)
	f.sender.errs["ann@example.com"] = &transport.DeliveryError{Code: 550, Message: "550 5.1.1 User unknown"}
	uid := f.scheduledMailing(t, newsletterHTML, "")
	ctx := context.Background()

	e := f.newEngine(t)
	e.log = &failingLog{LogStore: f.logs, responseType: models.ResponseFailed}

	res, err := e.ProcessBatch(ctx, uid, 0)
	if err == nil {
		t.Fatal("ProcessBatch() error = nil, want the log write error")
	}
	if res.Failed != 1 {
		t.Errorf("ProcessBatch() = %+v, want the attempted recipient counted", res)
	}
	handled, err := f.state.Handled(uid)
	if err != nil {
		t.Fatalf("Handled() error = %v", err)
	}
	if !handled.Has("tt_address", "10") {
		t.Errorf("attempted recipient not handled: %v", handled)
	}

	// the next batch must not try the same address again
	f.sender.errs = map[string]error{}
	if _, err := f.engine.ProcessBatch(ctx, uid, 0); err != nil {
		t.Fatalf("second ProcessBatch() error = %v", err)
	}
	for _, to := range f.sender.recipients() {
		if to == "ann@example.com" {
			t.Error("recipient with a failed delivery was sent to again")
		}
	}
}
