// Package bounce reads returned mail, records delivery failures and
// deactivates recipients that keep bouncing.
package bounce

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/mailbox"
	"github.com/foxzi/newsmail/internal/metrics"
	"github.com/foxzi/newsmail/internal/models"
)

// maxDepth limits how far attached messages are unpacked
const maxDepth = 5

// LogStore is the part of the delivery log the analyzer needs
type LogStore interface {
	FindByRecipient(mail int64, source, uid, responseType string) (*models.DeliveryLogEntry, error)
	Insert(e *models.DeliveryLogEntry) error
}

// Deactivation acts on a recorded bounce
type Deactivation interface {
	Deactivate(ctx context.Context, entry *models.DeliveryLogEntry) (bool, error)
}

// Result is the analysis of one returned message
type Result struct {
	MID authcode.MID
	Classification
}

// Analyzer processes a bounce mailbox
type Analyzer struct {
	log         LogStore
	deactivator Deactivation
	now         func() time.Time
	logger      *slog.Logger
}

// NewAnalyzer creates an analyzer. deactivator may be nil.
func NewAnalyzer(log LogStore, deactivator Deactivation, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		log:         log,
		deactivator: deactivator,
		now:         time.Now,
		logger:      logger.With("component", "bounce"),
	}
}

// Analyze looks for a valid MID token and classifies the failure.
// The second result is false when the message cannot be attributed to a recipient.
func (a *Analyzer) Analyze(raw []byte) (*Result, bool) {
	texts := decodedTexts(raw)

	mid, ok := authcode.FindMID(string(raw))
	for i := 0; !ok && i < len(texts); i++ {
		mid, ok = authcode.FindMID(texts[i])
	}
	if !ok {
		return nil, false
	}

	body := string(raw)
	if len(texts) > 0 {
		body += "\n" + strings.Join(texts, "\n")
	}
	return &Result{MID: mid, Classification: Classify(body)}, true
}

// ProcessMailbox records every attributable bounce among up to limit unseen messages.
// Unattributable messages stay untouched; processed ones are deleted. Returns the processed count.
func (a *Analyzer) ProcessMailbox(ctx context.Context, mb mailbox.Mailbox, limit int) (int, error) {
	ids, err := mb.List(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list mailbox: %w", err)
	}

	processed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		raw, err := mb.Fetch(ctx, id)
		if err != nil {
			if errors.Is(err, mailbox.ErrNoMessage) {
				continue
			}
			return processed, err
		}

		res, ok := a.Analyze(raw)
		if !ok {
			a.logger.Debug("no mailing identifier found", "message", id)
			continue
		}

		handled, err := a.record(ctx, res)
		if err != nil {
			return processed, err
		}
		if !handled {
			// never dispatched from here; keep it out of the next poll
			if err := mb.MarkSeen(ctx, id); err != nil {
				return processed, err
			}
			continue
		}

		if err := mb.Delete(ctx, id); err != nil {
			return processed, err
		}
		processed++
	}

	if processed > 0 {
		if err := mb.Expunge(ctx); err != nil {
			return processed, err
		}
	}
	a.logger.Info("mailbox processed", "listed", len(ids), "processed", processed)
	return processed, nil
}

// record writes the failed row. It reports false when no delivery of the MID is logged.
func (a *Analyzer) record(ctx context.Context, res *Result) (bool, error) {
	mid := res.MID
	sent, err := a.log.FindByRecipient(mid.Mail, mid.Source, mid.UID, models.ResponseAll)
	if err != nil {
		return false, fmt.Errorf("failed to look up delivery of %s: %w", mid, err)
	}
	if sent == nil {
		a.logger.Warn("bounce for unknown delivery", "mailing", mid.Mail, "source", mid.Source, "uid", mid.UID)
		return false, nil
	}

	entry := &models.DeliveryLogEntry{
		Mail:            mid.Mail,
		RecipientSource: mid.Source,
		RecipientUID:    mid.UID,
		Email:           sent.Email,
		ResponseType:    models.ResponseFailed,
		Tstamp:          a.now(),
		FormatSent:      sent.FormatSent,
		ReturnCode:      res.Code,
		ReturnContent:   res.Segment,
	}
	if err := a.log.Insert(entry); err != nil {
		return false, err
	}
	metrics.IncBounces(strconv.Itoa(res.Code))
	a.logger.Info("bounce recorded",
		"mailing", mid.Mail,
		"source", mid.Source,
		"uid", mid.UID,
		"code", res.Code,
		"rule", res.Rule,
	)

	if a.deactivator != nil {
		deactivated, err := a.deactivator.Deactivate(ctx, entry)
		switch {
		case err != nil:
			a.logger.Error("failed to deactivate recipient", "source", mid.Source, "uid", mid.UID, "error", err)
		case deactivated:
			metrics.IncRecipientsDeactivated()
		}
	}
	return true, nil
}

// decodedTexts returns the decoded bodies of all text parts, including the
// parts of attached messages. Unparseable input yields nil.
func decodedTexts(raw []byte) []string {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil
	}
	var out []string
	collectTexts(ent, 0, &out)
	return out
}

func collectTexts(ent *message.Entity, depth int, out *[]string) {
	if depth > maxDepth {
		return
	}

	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
				return
			}
			collectTexts(part, depth+1, out)
		}
	}

	mediaType, _, _ := ent.Header.ContentType()
	switch {
	case mediaType == "message/rfc822" || mediaType == "message/global" || mediaType == "text/rfc822-headers":
		body, err := io.ReadAll(ent.Body)
		if err != nil {
			return
		}
		*out = append(*out, string(body))
		if inner, err := message.Read(bytes.NewReader(body)); err == nil || message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
			collectTexts(inner, depth+1, out)
		}
	case mediaType == "" || strings.HasPrefix(mediaType, "text/") || mediaType == "message/delivery-status":
		body, err := io.ReadAll(ent.Body)
		if err != nil {
			return
		}
		*out = append(*out, string(body))
	}
}
