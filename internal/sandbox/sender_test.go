package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/config"
	"github.com/foxzi/newsmail/internal/transport"
)

// mockSender records what reaches the relay
type mockSender struct {
	sent []*transport.Message
}

func (m *mockSender) Send(ctx context.Context, msg *transport.Message) error {
	m.sent = append(m.sent, msg)
	return nil
}

func testMessage() *transport.Message {
	return &transport.Message{
		FromEmail: "news@example.com",
		To:        "ann@example.com",
		ToName:    "Ann Smith",
		Subject:   "March news",
		Plain:     "Hello Ann",
		Charset:   "utf-8",
		MID:       authcode.MID{Mail: 7, Source: "tt_address", UID: "10"}.String(),
	}
}

func newTestSender(t *testing.T, cfg config.TransportConfig) (*Sender, *mockSender, *Storage) {
	t.Helper()
	storage := newTestStorage(t)
	real := &mockSender{}
	return NewSender(real, storage, cfg, "mail.example.com", slog.New(slog.NewTextHandler(io.Discard, nil))), real, storage
}

func TestSender_SMTPMode(t *testing.T) {
	s, real, storage := newTestSender(t, config.TransportConfig{})
	if s.Mode() != ModeSMTP {
		t.Errorf("Mode() = %q, want smtp", s.Mode())
	}

	if err := s.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(real.sent) != 1 {
		t.Errorf("relay received %d messages, want 1", len(real.sent))
	}
	if list, _ := storage.List(context.Background(), ListFilter{}); len(list) != 0 {
		t.Errorf("smtp mode captured %d messages", len(list))
	}
}

func TestSender_SandboxMode(t *testing.T) {
	s, real, storage := newTestSender(t, config.TransportConfig{Mode: ModeSandbox})
	ctx := context.Background()

	if err := s.Send(ctx, testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(real.sent) != 0 {
		t.Error("sandbox mode must not reach the relay")
	}

	list, err := storage.List(ctx, ListFilter{Mailing: 7})
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %v, %v", list, err)
	}
	got, _ := storage.Get(ctx, list[0].ID)
	if got.To != "ann@example.com" || got.Subject != "March news" || got.Mode != ModeSandbox {
		t.Errorf("captured = %+v", got)
	}
	data := string(got.Data)
	if !strings.Contains(data, "Hello Ann") || !strings.Contains(data, authcode.MIDHeader) {
		t.Errorf("captured data is not the composed message:\n%s", data)
	}
}

func TestSender_SimulatedErrors(t *testing.T) {
	s, _, storage := newTestSender(t, config.TransportConfig{Mode: ModeSandbox, ErrorRate: 0.5})
	values := []float64{0.1, 0.0} // fail, then pick the first simulated reply
	s.random = func() float64 {
		v := values[0]
		values = values[1:]
		return v
	}

	err := s.Send(context.Background(), testMessage())
	var de *transport.DeliveryError
	if !errors.As(err, &de) || de.Code != 550 || de.Temporary {
		t.Fatalf("Send() error = %v, want simulated 550", err)
	}
	if transport.ReturnCode(err) != 550 {
		t.Errorf("ReturnCode() = %d", transport.ReturnCode(err))
	}

	stats, _ := storage.Stats(context.Background())
	if stats.Total != 1 || stats.Failed != 1 {
		t.Errorf("Stats() = %+v, want the failed message recorded", stats)
	}
}

func TestSender_RedirectMode(t *testing.T) {
	s, real, storage := newTestSender(t, config.TransportConfig{Mode: ModeRedirect, RedirectTo: "qa@example.com"})
	ctx := context.Background()
	msg := testMessage()

	if err := s.Send(ctx, msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(real.sent) != 1 || real.sent[0].To != "qa@example.com" || real.sent[0].ToName != "" {
		t.Fatalf("relay received %+v", real.sent)
	}
	if msg.To != "ann@example.com" {
		t.Error("the caller's message must not be modified")
	}

	list, _ := storage.List(ctx, ListFilter{Mode: ModeRedirect})
	if len(list) != 1 || list[0].OriginalTo != "ann@example.com" || list[0].To != "qa@example.com" {
		t.Errorf("captured = %+v", list)
	}
}
