package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/newsmail/internal/config"
	"github.com/foxzi/newsmail/internal/models"
)

// SMTPSender submits every message over its own connection to the configured relay
type SMTPSender struct {
	cfg      config.TransportConfig
	hostname string
	signer   *Signer
	logger   *slog.Logger
}

// NewSMTPSender creates a sender. signer may be nil.
func NewSMTPSender(cfg config.TransportConfig, hostname string, signer *Signer, logger *slog.Logger) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HeloName == "" {
		cfg.HeloName = hostname
	}
	return &SMTPSender{
		cfg:      cfg,
		hostname: hostname,
		signer:   signer,
		logger:   logger.With("component", "transport"),
	}
}

// Send composes, signs and submits msg
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	data, err := Compose(msg, s.hostname)
	if err != nil {
		return &DeliveryError{Code: models.ReturnCodeUnknown, Message: fmt.Sprintf("compose failed: %v", err)}
	}

	if s.signer != nil {
		signed, err := s.signer.Sign(data)
		if err != nil {
			s.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", s.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(msg.EnvelopeFrom(), nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(msg.To, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", msg.To))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Code:      models.ReturnCodeUnknown,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()

	s.logger.Debug("message submitted", "to", msg.To, "mid", msg.MID)
	return nil
}

// connect dials the relay and completes greeting, TLS and authentication.
// Failures here are reported as unreachable, except timeouts.
func (s *SMTPSender) connect(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Timeout: s.cfg.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if isTimeout(err) {
			return nil, &DeliveryError{Temporary: true, Code: models.ReturnCodeUnknown, Message: fmt.Sprintf("connection to %s timed out: %v", addr, err)}
		}
		return nil, unreachable("connect to "+addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.cfg.Timeout)
	}
	conn.SetDeadline(deadline)

	tlsConfig := &tls.Config{
		ServerName: s.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	var client *smtp.Client
	switch s.cfg.TLS {
	case "tls":
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	case "starttls":
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, unreachable("STARTTLS", err)
		}
	default:
		client = smtp.NewClient(conn)
	}

	if err := client.Hello(s.cfg.HeloName); err != nil {
		client.Close()
		if isTimeout(err) {
			return nil, categorizeError(err, "HELO")
		}
		return nil, unreachable("HELO", err)
	}

	if s.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			client.Close()
			return nil, unreachable("AUTH", err)
		}
	}

	return client, nil
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b([45]\d{2})\b`)

// categorizeError turns a command failure into a per-recipient DeliveryError
func categorizeError(err error, stage string) *DeliveryError {
	de := &DeliveryError{
		Temporary: true,
		Code:      models.ReturnCodeUnknown,
		Message:   fmt.Sprintf("%s failed: %v", stage, err),
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		de.Code = smtpErr.Code
	} else if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		de.Code, _ = strconv.Atoi(m[1])
	}
	if de.Code >= 500 {
		de.Temporary = false
	}
	return de
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
