package bounce

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/mailbox"
	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/transport"
)

type fakeLog struct {
	entries []models.DeliveryLogEntry
}

func (l *fakeLog) FindByRecipient(mail int64, source, uid, responseType string) (*models.DeliveryLogEntry, error) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Mail == mail && e.RecipientSource == source && e.RecipientUID == uid && e.ResponseType == responseType {
			return &e, nil
		}
	}
	return nil, nil
}

func (l *fakeLog) Insert(e *models.DeliveryLogEntry) error {
	l.entries = append(l.entries, *e)
	return nil
}

func (l *fakeLog) failed() []models.DeliveryLogEntry {
	var out []models.DeliveryLogEntry
	for _, e := range l.entries {
		if e.ResponseType == models.ResponseFailed {
			out = append(out, e)
		}
	}
	return out
}

type recordingDeactivator struct {
	calls []models.DeliveryLogEntry
}

func (d *recordingDeactivator) Deactivate(ctx context.Context, e *models.DeliveryLogEntry) (bool, error) {
	d.calls = append(d.calls, *e)
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sentMessage composes a dispatched message the way the transport does
func sentMessage(t *testing.T, mid authcode.MID, to string) []byte {
	t.Helper()
	raw, err := transport.Compose(&transport.Message{
		FromEmail: "news@example.com",
		To:        to,
		Subject:   "March news",
		Plain:     "Hello",
		MID:       mid.String(),
	}, "mail.example.com")
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	return raw
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantRule string
	}{
		{"user unknown", "Delivery failed: User unknown", 550, "fallback"},
		{"mailbox full", "The recipient's mailbox is full", 551, "fallback"},
		{"no pattern", "Thank you for your message", models.ReturnCodeUnknown, "fallback"},
		{
			"qmail",
			"Hi. This is the qmail-send program at mx.example.org.\nI'm afraid I wasn't able to deliver your message.\n\n" +
				"<ann@example.org>:\nConnection refused\n\n--- Below this line is a copy of the message.\n\nUser unknown",
			552, "qmail",
		},
		{
			"postfix",
			"This is the mail system at host mx.example.org.\n\n<ann@example.org>: host mx said: 552 5.2.2 Over quota\n\n" +
				"Reporting-MTA: dns; mx.example.org",
			551, "postfix",
		},
		{
			"generic banner",
			"Your message cannot be delivered to the following recipients:\n\n  Recipient address: ann@example.org\n  Reason: Illegal host/domain name found\n  header error\n",
			554, "undeliverable",
		},
		{
			"lotus notes",
			"Your document: March news\nwas not delivered to: ann@example.org\nbecause: User ann not listed in public Name & Address Book\n\nUser unknown somewhere else",
			550, "lotus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.body)
			if c.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d (segment %q)", c.Code, tt.wantCode, c.Segment)
			}
			if c.Rule != tt.wantRule {
				t.Errorf("Rule = %q, want %q", c.Rule, tt.wantRule)
			}
		})
	}
}

func TestClassify_TruncatesSegment(t *testing.T) {
	c := Classify(strings.Repeat("x", maxSegment+100))
	if len(c.Segment) != maxSegment {
		t.Errorf("segment length = %d, want %d", len(c.Segment), maxSegment)
	}
}

func TestAnalyze_FindsMIDInEncodedPart(t *testing.T) {
	mid := authcode.MID{Mail: 3, Source: "fe_users", UID: "20"}
	text := "Final report\r\nX-Newsmail-MID: " + mid.String() + "\r\nUser unknown\r\n"

	raw := "From: MAILER-DAEMON@example.org\r\n" +
		"Subject: failure\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=b1\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		base64.StdEncoding.EncodeToString([]byte(text)) + "\r\n" +
		"--b1--\r\n"

	a := NewAnalyzer(&fakeLog{}, nil, testLogger())
	res, ok := a.Analyze([]byte(raw))
	if !ok {
		t.Fatal("Analyze() found no MID")
	}
	if res.MID != mid {
		t.Errorf("MID = %+v, want %+v", res.MID, mid)
	}
	if res.Code != 550 {
		t.Errorf("Code = %d, want 550", res.Code)
	}
}

func TestAnalyze_RejectsTamperedMID(t *testing.T) {
	mid := authcode.MID{Mail: 3, Source: "fe_users", UID: "20"}
	tampered := strings.Replace(mid.String(), "MID3-", "MID4-", 1)

	a := NewAnalyzer(&fakeLog{}, nil, testLogger())
	if _, ok := a.Analyze([]byte("Subject: x\r\n\r\n" + tampered + "\r\nUser unknown\r\n")); ok {
		t.Error("Analyze() accepted a token with a wrong hash")
	}
}

func TestProcessMailbox(t *testing.T) {
	ctx := context.Background()
	g := NewGenerator("mx.example.org")

	ann := authcode.MID{Mail: 7, Source: "tt_address", UID: "10"}
	eve := authcode.MID{Mail: 7, Source: "fe_users", UID: "20"}
	ghost := authcode.MID{Mail: 7, Source: "tt_address", UID: "99"}

	log := &fakeLog{entries: []models.DeliveryLogEntry{
		{Mail: 7, RecipientSource: "tt_address", RecipientUID: "10", Email: "ann@example.org", ResponseType: models.ResponseAll, FormatSent: models.SendHTML},
		{Mail: 7, RecipientSource: "fe_users", RecipientUID: "20", Email: "eve@example.org", ResponseType: models.ResponseAll, FormatSent: models.SendPlain},
	}}
	deactivator := &recordingDeactivator{}
	a := NewAnalyzer(log, deactivator, testLogger())

	mb := mailbox.NewMemory()
	dsn, err := g.GenerateDSN(Failure{Original: sentMessage(t, ann, "ann@example.org"), Recipient: "ann@example.org", Diagnostic: "550 5.1.1 User unknown", Permanent: true})
	if err != nil {
		t.Fatal(err)
	}
	qmail, err := g.GenerateQmail(Failure{Original: sentMessage(t, eve, "eve@example.org"), Recipient: "eve@example.org", Diagnostic: "Mailbox is full"})
	if err != nil {
		t.Fatal(err)
	}
	orphan, err := g.GenerateDSN(Failure{Original: sentMessage(t, ghost, "ghost@example.org"), Recipient: "ghost@example.org", Diagnostic: "550 User unknown", Permanent: true})
	if err != nil {
		t.Fatal(err)
	}

	dsnID := mb.Add(dsn)
	newsletterID := mb.Add([]byte("From: someone@example.org\r\nSubject: Re: March news\r\n\r\nThanks!\r\n"))
	qmailID := mb.Add(qmail)
	orphanID := mb.Add(orphan)

	n, err := a.ProcessMailbox(ctx, mb, 0)
	if err != nil {
		t.Fatalf("ProcessMailbox() error = %v", err)
	}
	if n != 2 {
		t.Errorf("processed = %d, want 2", n)
	}

	failed := log.failed()
	if len(failed) != 2 {
		t.Fatalf("got %d failed rows, want 2", len(failed))
	}
	if failed[0].RecipientUID != "10" || failed[0].ReturnCode != 550 || failed[0].Email != "ann@example.org" {
		t.Errorf("unexpected first row %+v", failed[0])
	}
	if failed[1].RecipientUID != "20" || failed[1].ReturnCode != 551 {
		t.Errorf("unexpected second row %+v", failed[1])
	}
	if len(deactivator.calls) != 2 {
		t.Errorf("deactivator called %d times, want 2", len(deactivator.calls))
	}

	// processed bounces are gone, the rest stays
	for _, id := range []uint32{dsnID, qmailID} {
		if _, err := mb.Fetch(ctx, id); err == nil {
			t.Errorf("message %d was not expunged", id)
		}
	}
	if seen, deleted, err := mb.Flags(newsletterID); err != nil || seen || deleted {
		t.Errorf("unrelated message flags seen=%v deleted=%v err=%v", seen, deleted, err)
	}
	if seen, deleted, err := mb.Flags(orphanID); err != nil || !seen || deleted {
		t.Errorf("orphan bounce flags seen=%v deleted=%v err=%v", seen, deleted, err)
	}

	// a second poll only sees the unrelated message and does nothing
	n, err = a.ProcessMailbox(ctx, mb, 0)
	if err != nil || n != 0 {
		t.Errorf("second poll = %d, %v", n, err)
	}
}

func TestProcessMailbox_Max(t *testing.T) {
	log := &fakeLog{}
	mb := mailbox.NewMemory()
	for i := 0; i < 3; i++ {
		mid := authcode.MID{Mail: 1, Source: "tt_address", UID: string(rune('1' + i))}
		log.entries = append(log.entries, models.DeliveryLogEntry{Mail: 1, RecipientSource: "tt_address", RecipientUID: mid.UID, ResponseType: models.ResponseAll})
		mb.Add([]byte("Subject: bounce\r\n\r\n" + mid.String() + "\r\nUser unknown\r\n"))
	}

	n, err := NewAnalyzer(log, nil, testLogger()).ProcessMailbox(context.Background(), mb, 2)
	if err != nil {
		t.Fatalf("ProcessMailbox() error = %v", err)
	}
	if n != 2 || mb.Len() != 1 {
		t.Errorf("processed = %d, remaining = %d, want 2 and 1", n, mb.Len())
	}
}
