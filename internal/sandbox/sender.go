package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/config"
	"github.com/foxzi/newsmail/internal/metrics"
	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/transport"
)

const (
	ModeSMTP     = "smtp"
	ModeSandbox  = "sandbox"
	ModeRedirect = "redirect"
)

// simulated relay replies for sandbox error simulation
var simulatedErrors = []transport.DeliveryError{
	{Code: 550, Message: "550 5.1.1 User unknown"},
	{Code: 552, Message: "552 5.2.2 Mailbox full"},
	{Code: 451, Message: "451 4.3.0 Temporary failure", Temporary: true},
	{Code: 421, Message: "421 4.7.0 Service not available", Temporary: true},
}

// Sender wraps the real transport. In sandbox mode messages are only
// stored; in redirect mode they are stored and delivered to one fixed
// address instead of the recipient.
type Sender struct {
	realSender transport.Sender
	storage    *Storage
	mode       string
	redirectTo string
	errorRate  float64
	hostname   string
	logger     *slog.Logger
	random     func() float64
	now        func() time.Time
}

func NewSender(realSender transport.Sender, storage *Storage, cfg config.TransportConfig, hostname string, logger *slog.Logger) *Sender {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeSMTP
	}
	return &Sender{
		realSender: realSender,
		storage:    storage,
		mode:       mode,
		redirectTo: cfg.RedirectTo,
		errorRate:  cfg.ErrorRate,
		hostname:   hostname,
		logger:     logger.With("component", "sandbox"),
		random:     rand.Float64,
		now:        time.Now,
	}
}

// Mode returns smtp, sandbox or redirect
func (s *Sender) Mode() string {
	return s.mode
}

// Send routes the message according to the configured mode
func (s *Sender) Send(ctx context.Context, msg *transport.Message) error {
	switch s.mode {
	case ModeSandbox:
		return s.handleSandbox(ctx, msg)
	case ModeRedirect:
		return s.handleRedirect(ctx, msg)
	default:
		return s.realSender.Send(ctx, msg)
	}
}

// handleSandbox stores the message instead of sending
func (s *Sender) handleSandbox(ctx context.Context, msg *transport.Message) error {
	captured, err := s.capture(msg, ModeSandbox)
	if err != nil {
		return err
	}

	var simulated *transport.DeliveryError
	if s.errorRate > 0 && s.random() < s.errorRate {
		e := simulatedErrors[int(s.random()*float64(len(simulatedErrors)))%len(simulatedErrors)]
		simulated = &e
		captured.SimulatedErr = e.Message
	}

	if err := s.storage.Save(ctx, captured); err != nil {
		return &transport.DeliveryError{Temporary: true, Code: models.ReturnCodeUnknown, Message: fmt.Sprintf("sandbox: failed to save message: %v", err)}
	}
	metrics.IncCaptured(ModeSandbox)

	if simulated != nil {
		s.logger.Info("sandbox: simulating delivery error", "id", captured.ID, "to", msg.To, "error", simulated.Message)
		return simulated
	}

	s.logger.Debug("sandbox: message captured", "id", captured.ID, "to", msg.To, "mid", msg.MID)
	return nil
}

// handleRedirect delivers the message to the redirect address and keeps a copy
func (s *Sender) handleRedirect(ctx context.Context, msg *transport.Message) error {
	redirected := *msg
	redirected.To = s.redirectTo
	redirected.ToName = ""

	captured, err := s.capture(&redirected, ModeRedirect)
	if err != nil {
		return err
	}
	captured.OriginalTo = msg.To

	if err := s.storage.Save(ctx, captured); err != nil {
		s.logger.Warn("redirect: failed to save to sandbox", "error", err)
	}
	metrics.IncCaptured(ModeRedirect)

	s.logger.Debug("redirect: redirecting message",
		"original_to", msg.To,
		"redirect_to", s.redirectTo,
		"mid", msg.MID,
	)
	return s.realSender.Send(ctx, &redirected)
}

func (s *Sender) capture(msg *transport.Message, mode string) (*Message, error) {
	data, err := transport.Compose(msg, s.hostname)
	if err != nil {
		return nil, &transport.DeliveryError{Code: models.ReturnCodeUnknown, Message: fmt.Sprintf("compose failed: %v", err)}
	}

	captured := &Message{
		ID:         uuid.New().String(),
		MID:        msg.MID,
		From:       msg.FromEmail,
		To:         msg.To,
		Subject:    msg.Subject,
		Data:       data,
		Mode:       mode,
		CapturedAt: s.now(),
	}
	if mid, ok := authcode.FindMID(msg.MID); ok {
		captured.Mailing = mid.Mail
	}
	return captured, nil
}
