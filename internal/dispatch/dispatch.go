// Package dispatch delivers scheduled mailings in resumable batches.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/foxzi/newsmail/internal/authcode"
	"github.com/foxzi/newsmail/internal/email"
	"github.com/foxzi/newsmail/internal/lock"
	"github.com/foxzi/newsmail/internal/metrics"
	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/ratelimit"
	"github.com/foxzi/newsmail/internal/recipient"
	"github.com/foxzi/newsmail/internal/render"
	"github.com/foxzi/newsmail/internal/source"
	"github.com/foxzi/newsmail/internal/state"
	"github.com/foxzi/newsmail/internal/transport"
)

var (
	// ErrMailingNotFound is returned for unknown mailing uids
	ErrMailingNotFound = errors.New("mailing not found")
	// ErrInvalidTransition is returned when a lifecycle change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid mailing status transition")
)

// MailingStore persists mailings and their lifecycle
type MailingStore interface {
	GetByID(uid int64) (*models.Mailing, error)
	ListDue(now time.Time) ([]models.Mailing, error)
	CountByStatus() (map[string]int, error)
	UpdateContent(uid int64, html, plain string, htmlLinks, plainLinks []models.Link) error
	UpdateStatus(uid int64, status string) error
	Schedule(uid int64, at time.Time) error
	StartSending(uid int64, recipients map[string][]string, total int, begin time.Time) error
	UpdateProgress(uid int64, progress int) error
	MarkSent(uid int64, end time.Time) (bool, error)
	Delete(uid int64) error
}

// LogStore appends delivery log rows
type LogStore interface {
	Insert(e *models.DeliveryLogEntry) error
}

// StateStore keeps the handled recipient sets between batches
type StateStore interface {
	Handled(mailing int64) (state.Handled, error)
	MarkHandled(mailing int64, source string, ids ...string) error
	Clear(mailing int64) error
}

// Resolver expands the recipient groups of a mailing
type Resolver interface {
	Resolve(ctx context.Context, m *models.Mailing) (*recipient.Map, error)
}

// Enricher completes recipient data before rendering
type Enricher interface {
	Enrich(ctx context.Context, cfg source.Configuration, base models.Recipient) models.Recipient
}

// Limiter caps the number of messages sent per time window
type Limiter interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// Options holds the collaborators of an Engine
type Options struct {
	Mailings MailingStore
	Log      LogStore
	State    StateStore
	Resolver Resolver
	Enricher Enricher
	Registry *source.Registry
	Renderer *render.Renderer
	Sender   transport.Sender
	Locks    lock.Provider
	Limiter  Limiter // optional
	Logger   *slog.Logger
	Now      func() time.Time // defaults to time.Now
}

// BatchResult reports the outcome of one batch
type BatchResult struct {
	Mailing   int64  `json:"mailing"`
	Status    string `json:"status"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Deferred  int    `json:"deferred"` // left for a later batch by a recipient domain limit
	Remaining int    `json:"remaining"`
	Total     int    `json:"total"`
	Progress  int    `json:"progress"`
	Locked    bool   `json:"locked"`
	Throttled bool   `json:"throttled"` // stopped early by the global or mailing limit
}

// Engine runs batches for single mailings
type Engine struct {
	mailings MailingStore
	log      LogStore
	state    StateStore
	resolver Resolver
	enricher Enricher
	registry *source.Registry
	renderer *render.Renderer
	sender   transport.Sender
	locks    lock.Provider
	limiter  Limiter
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		mailings: opts.Mailings,
		log:      opts.Log,
		state:    opts.State,
		resolver: opts.Resolver,
		enricher: opts.Enricher,
		registry: opts.Registry,
		renderer: opts.Renderer,
		sender:   opts.Sender,
		locks:    opts.Locks,
		limiter:  opts.Limiter,
		logger:   opts.Logger.With("component", "dispatch"),
		now:      opts.Now,
	}
}

func lockName(uid int64) string {
	return "mailing:" + strconv.FormatInt(uid, 10)
}

// ProcessBatch delivers up to limit not yet handled recipients of a mailing.
// A limit <= 0 means no limit. A batch that finds the mailing locked by another
// process returns Locked without error. Mailings that are not due are left
// untouched. The returned error is set only for hard failures such as an
// unreachable relay or a storage error.
func (e *Engine) ProcessBatch(ctx context.Context, uid int64, limit int) (BatchResult, error) {
	var res BatchResult
	ok, err := lock.Held(ctx, e.locks.Lock(lockName(uid)), func(ctx context.Context) error {
		var err error
		res, err = e.processBatch(ctx, uid, limit)
		return err
	})
	switch {
	case err != nil:
		metrics.IncBatches("error")
		return res, err
	case !ok:
		metrics.IncBatches("locked")
		e.logger.Info("mailing is locked by another batch", "mailing", uid)
		return BatchResult{Mailing: uid, Locked: true}, nil
	}
	metrics.IncBatches("done")
	return res, nil
}

func (e *Engine) processBatch(ctx context.Context, uid int64, limit int) (BatchResult, error) {
	res := BatchResult{Mailing: uid}

	m, err := e.mailings.GetByID(uid)
	if err != nil {
		return res, fmt.Errorf("failed to load mailing %d: %w", uid, err)
	}
	if m == nil {
		return res, fmt.Errorf("mailing %d: %w", uid, ErrMailingNotFound)
	}
	res.Status = m.Status
	res.Progress = m.DeliveryProgress
	res.Total = m.NumberOfRecipients

	now := e.now()
	if !m.IsDue(now) {
		e.logger.Debug("mailing not due", "mailing", uid, "status", m.Status)
		return res, nil
	}
	if !m.Prepared {
		return res, fmt.Errorf("mailing %d: %w", uid, render.ErrNotPrepared)
	}

	if m.Status == models.StatusScheduled {
		if err := e.startSending(ctx, m, now); err != nil {
			return res, err
		}
		res.Status = m.Status
	}

	all := recipient.FromStored(m.Recipients)
	res.Total = m.NumberOfRecipients

	handled, err := e.state.Handled(uid)
	if err != nil {
		return res, fmt.Errorf("failed to load handled recipients of mailing %d: %w", uid, err)
	}
	if handled == nil {
		handled = state.Handled{}
	}

	processed := 0
	var batchErr error
loop:
	for _, src := range all.Sources() {
		for _, id := range all.IDs(src) {
			if handled.Has(src, id) {
				continue
			}
			if limit > 0 && processed >= limit {
				break loop
			}
			if ctx.Err() != nil {
				batchErr = context.Cause(ctx)
				break loop
			}

			outcome, err := e.deliver(ctx, m, src, id)
			if err != nil && !outcome.attempted() {
				batchErr = err
				break loop
			}
			switch outcome {
			case outcomeDeferred:
				res.Deferred++
				continue
			case outcomeThrottled:
				res.Throttled = true
				break loop
			}
			if err := e.state.MarkHandled(uid, src, id); err != nil {
				batchErr = fmt.Errorf("failed to mark %s-%s handled: %w", src, id, err)
				break loop
			}
			if handled[src] == nil {
				handled[src] = map[string]bool{}
			}
			handled[src][id] = true
			processed++

			switch outcome {
			case outcomeSent:
				res.Sent++
			case outcomeFailed:
				res.Failed++
			case outcomeSkipped:
				res.Skipped++
			}
			if err != nil {
				batchErr = err
				break loop
			}
		}
	}

	done := countHandled(all, handled)
	res.Remaining = res.Total - done
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	res.Progress = Progress(done, res.Total)

	if err := e.mailings.UpdateProgress(uid, res.Progress); err != nil && batchErr == nil {
		batchErr = err
	}
	if batchErr == nil && res.Remaining == 0 {
		sent, err := e.mailings.MarkSent(uid, e.now())
		if err != nil {
			return res, err
		}
		if sent {
			res.Status = models.StatusSent
			res.Progress = 100
			e.logger.Info("mailing sent", "mailing", uid, "recipients", res.Total)
		}
	}
	if res.Status != models.StatusSent {
		if err := e.refreshStatus(uid, &res); err != nil && batchErr == nil {
			batchErr = err
		}
	}

	e.logger.Info("batch finished",
		"mailing", uid,
		"sent", res.Sent,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"deferred", res.Deferred,
		"throttled", res.Throttled,
		"remaining", res.Remaining,
		"progress", res.Progress,
	)
	return res, batchErr
}

// refreshStatus picks up a pause or abort issued while the batch was running.
// Handled recipients written after an abort are dropped again.
func (e *Engine) refreshStatus(uid int64, res *BatchResult) error {
	m, err := e.mailings.GetByID(uid)
	if err != nil {
		return fmt.Errorf("failed to reload mailing %d: %w", uid, err)
	}
	if m == nil {
		return nil
	}
	if m.Status != res.Status {
		e.logger.Info("mailing changed during batch", "mailing", uid, "status", m.Status)
		res.Status = m.Status
	}
	if m.Status == models.StatusAborted {
		if err := e.state.Clear(uid); err != nil {
			return fmt.Errorf("failed to clear handled recipients of mailing %d: %w", uid, err)
		}
	}
	return nil
}

// startSending freezes the recipient list of a scheduled mailing
func (e *Engine) startSending(ctx context.Context, m *models.Mailing, now time.Time) error {
	rcpts, err := e.resolver.Resolve(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to resolve recipients of mailing %d: %w", m.UID, err)
	}
	if err := e.state.Clear(m.UID); err != nil {
		return fmt.Errorf("failed to reset handled recipients of mailing %d: %w", m.UID, err)
	}
	stored := rcpts.Stored()
	if err := e.mailings.StartSending(m.UID, stored, rcpts.Total(), now); err != nil {
		return err
	}

	m.Status = models.StatusSending
	m.Recipients = stored
	m.NumberOfRecipients = rcpts.Total()
	m.ScheduledBegin = now
	e.logger.Info("mailing started", "mailing", m.UID, "recipients", m.NumberOfRecipients, "sources", len(stored))
	return nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeDeferred  // recipient domain limit reached; try again in a later batch
	outcomeThrottled // global or mailing limit reached; stop the batch
)

// attempted reports whether the message was handed to the transport.
// Such a recipient is handled even if logging it failed.
func (o outcome) attempted() bool {
	return o == outcomeSent || o == outcomeFailed
}

// deliver sends the mailing to one recipient. Only an unreachable relay or a
// log write failure is returned as error; everything else is an outcome.
// A log write failure after the send comes with the sent or failed outcome.
func (e *Engine) deliver(ctx context.Context, m *models.Mailing, src, id string) (outcome, error) {
	logger := e.logger.With("mailing", m.UID, "source", src, "uid", id)

	cfg, ok := e.registry.Get(src)
	if !ok {
		logger.Warn("skipping recipient of unknown source")
		metrics.IncMessagesSkipped(src)
		return outcomeSkipped, nil
	}

	base := models.Recipient{Source: src, UID: id}
	if !cfg.Kind.UsesRowUID() {
		base.Email = id
	}
	rcpt := e.enricher.Enrich(ctx, cfg, base)
	if rcpt.Email == "" {
		logger.Warn("skipping recipient without email")
		metrics.IncMessagesSkipped(src)
		return outcomeSkipped, nil
	}

	if e.limiter != nil {
		lim, err := e.limiter.Allow(ctx, &ratelimit.Request{Mailing: m.UID, RecipientDomain: email.Domain(rcpt.Email)})
		if err != nil {
			return outcomeSkipped, fmt.Errorf("failed to check send limits: %w", err)
		}
		if !lim.Allowed {
			metrics.IncRateLimited(string(lim.DeniedBy))
			logger.Debug("send limit reached", "level", lim.DeniedBy, "key", lim.DeniedKey, "retry_after", lim.RetryAfter)
			if lim.DeniedBy == ratelimit.LevelRecipientDomain {
				return outcomeDeferred, nil
			}
			return outcomeThrottled, nil
		}
	}

	start := time.Now()
	msg, err := e.renderer.Render(m, &render.Recipient{
		Source:      src,
		UID:         id,
		Email:       rcpt.Email,
		Data:        rcpt.Fields,
		Categories:  rcpt.Categories,
		AcceptsHTML: rcpt.AcceptsHTML || cfg.ForceHTML,
	})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("failed to render mailing %d: %w", m.UID, err)
	}
	if !msg.HasContent || msg.FormatSent == 0 {
		logger.Debug("nothing to send after category filtering")
		metrics.IncMessagesSkipped(src)
		return outcomeSkipped, nil
	}

	sendErr := e.sender.Send(ctx, &transport.Message{
		FromEmail:    m.FromEmail,
		FromName:     m.FromName,
		To:           rcpt.Email,
		ToName:       rcpt.Name,
		ReplyToEmail: m.ReplyToEmail,
		ReplyToName:  m.ReplyToName,
		ReturnPath:   m.ReturnPath,
		Organisation: m.Organisation,
		Priority:     m.Priority,
		Subject:      msg.Subject,
		HTML:         msg.HTML,
		Plain:        msg.Plain,
		Charset:      m.Charset,
		MID:          authcode.MID{Mail: m.UID, Source: src, UID: id}.String(),
		Attachments:  m.Attachments,
	})
	if transport.IsUnreachable(sendErr) {
		return outcomeSkipped, fmt.Errorf("relay unreachable while sending mailing %d: %w", m.UID, sendErr)
	}

	entry := &models.DeliveryLogEntry{
		Mail:            m.UID,
		RecipientSource: src,
		RecipientUID:    id,
		Email:           rcpt.Email,
		ResponseType:    models.ResponseAll,
		Tstamp:          e.now(),
		ParseTime:       int(time.Since(start).Milliseconds()),
		FormatSent:      msg.FormatSent,
	}
	if err := e.log.Insert(entry); err != nil {
		if sendErr == nil {
			return outcomeSent, err
		}
		return outcomeFailed, err
	}

	if sendErr == nil {
		metrics.IncMessagesSent(src)
		return outcomeSent, nil
	}

	errorType := "permanent"
	if transport.IsTemporaryError(sendErr) {
		errorType = "temporary"
	}
	logger.Warn("delivery failed", "email", rcpt.Email, "error", sendErr)
	metrics.IncMessagesFailed(src, errorType)

	failed := &models.DeliveryLogEntry{
		Mail:            m.UID,
		RecipientSource: src,
		RecipientUID:    id,
		Email:           rcpt.Email,
		ResponseType:    models.ResponseFailed,
		Tstamp:          entry.Tstamp,
		FormatSent:      msg.FormatSent,
		ReturnCode:      transport.ReturnCode(sendErr),
		ReturnContent:   sendErr.Error(),
	}
	if err := e.log.Insert(failed); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

func countHandled(all *recipient.Map, handled state.Handled) int {
	n := 0
	for _, src := range all.Sources() {
		for _, id := range all.IDs(src) {
			if handled.Has(src, id) {
				n++
			}
		}
	}
	return n
}

// Progress returns the delivery percentage, clamped to 0..100. An empty mailing is complete.
func Progress(handled, total int) int {
	if total <= 0 {
		return 100
	}
	p := handled * 100 / total
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
