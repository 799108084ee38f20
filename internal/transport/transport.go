// Package transport hands rendered mailings to an SMTP relay.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxzi/newsmail/internal/models"
)

// Message is one fully rendered mail for a single recipient
type Message struct {
	FromEmail    string
	FromName     string
	To           string
	ToName       string
	ReplyToEmail string
	ReplyToName  string
	ReturnPath   string // envelope sender; FromEmail when empty
	Organisation string
	Priority     int
	Subject      string
	HTML         string // empty when the html part is not sent
	Plain        string // empty when the plain part is not sent
	Charset      string
	MID          string // bounce identifier token
	Attachments  []string
	Headers      map[string]string
}

// EnvelopeFrom returns the address used in MAIL FROM
func (m *Message) EnvelopeFrom() string {
	if m.ReturnPath != "" {
		return m.ReturnPath
	}
	return m.FromEmail
}

// Sender delivers a message or reports why it could not
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	// Unreachable means the relay itself could not be used (connect, greeting or auth failed).
	// Every following message would fail the same way.
	Unreachable bool
	Temporary   bool
	Code        int // SMTP reply code, or -1
	Message     string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsUnreachable reports whether err means the relay cannot be used at all
func IsUnreachable(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Unreachable
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true // Assume temporary if unknown
}

// ReturnCode extracts the SMTP reply code of err, or -1
func ReturnCode(err error) int {
	var de *DeliveryError
	if errors.As(err, &de) && de.Code > 0 {
		return de.Code
	}
	return models.ReturnCodeUnknown
}

func unreachable(stage string, err error) *DeliveryError {
	return &DeliveryError{
		Unreachable: true,
		Temporary:   true,
		Code:        models.ReturnCodeUnknown,
		Message:     fmt.Sprintf("%s failed: %v", stage, err),
	}
}
