package dispatch

import (
	"fmt"
	"time"

	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/render"
)

func (e *Engine) load(uid int64) (*models.Mailing, error) {
	m, err := e.mailings.GetByID(uid)
	if err != nil {
		return nil, fmt.Errorf("failed to load mailing %d: %w", uid, err)
	}
	if m == nil {
		return nil, fmt.Errorf("mailing %d: %w", uid, ErrMailingNotFound)
	}
	return m, nil
}

func transition(m *models.Mailing, to string) error {
	return fmt.Errorf("mailing %d is %s, cannot become %s: %w", m.UID, m.Status, to, ErrInvalidTransition)
}

// Prepare extracts the hyperlink tables of a draft and freezes its content
func (e *Engine) Prepare(uid int64) (*models.Mailing, error) {
	m, err := e.load(uid)
	if err != nil {
		return nil, err
	}
	if m.Status != models.StatusDraft {
		return nil, fmt.Errorf("mailing %d is %s, only drafts can be prepared: %w", uid, m.Status, ErrInvalidTransition)
	}

	htmlLinks, plainLinks := render.Prepare(m.HTMLContent, m.PlainContent)
	if err := e.mailings.UpdateContent(uid, m.HTMLContent, m.PlainContent, htmlLinks, plainLinks); err != nil {
		return nil, err
	}
	m.HTMLLinks, m.PlainLinks, m.Prepared = htmlLinks, plainLinks, true

	e.logger.Info("mailing prepared", "mailing", uid, "html_links", len(htmlLinks), "plain_links", len(plainLinks))
	return m, nil
}

// Schedule queues a prepared draft for delivery at the given time
func (e *Engine) Schedule(uid int64, at time.Time) error {
	m, err := e.load(uid)
	if err != nil {
		return err
	}
	if m.Status != models.StatusDraft {
		return transition(m, models.StatusScheduled)
	}
	if !m.Prepared {
		return fmt.Errorf("mailing %d: %w", uid, render.ErrNotPrepared)
	}
	if at.IsZero() {
		at = e.now()
	}
	if err := e.mailings.Schedule(uid, at); err != nil {
		return err
	}
	e.logger.Info("mailing scheduled", "mailing", uid, "at", at)
	return nil
}

// Pause stops batches of a scheduled or sending mailing. Handled recipients are kept.
func (e *Engine) Pause(uid int64) error {
	m, err := e.load(uid)
	if err != nil {
		return err
	}
	if m.Status != models.StatusScheduled && m.Status != models.StatusSending {
		return transition(m, models.StatusPaused)
	}
	if err := e.mailings.UpdateStatus(uid, models.StatusPaused); err != nil {
		return err
	}
	e.logger.Info("mailing paused", "mailing", uid, "progress", m.DeliveryProgress)
	return nil
}

// Resume continues a paused mailing. A mailing paused before its first batch
// becomes scheduled again so its recipients are still resolved.
func (e *Engine) Resume(uid int64) error {
	m, err := e.load(uid)
	if err != nil {
		return err
	}
	if m.Status != models.StatusPaused {
		return transition(m, models.StatusSending)
	}
	status := models.StatusSending
	if m.ScheduledBegin.IsZero() {
		status = models.StatusScheduled
	}
	if err := e.mailings.UpdateStatus(uid, status); err != nil {
		return err
	}
	e.logger.Info("mailing resumed", "mailing", uid, "status", status)
	return nil
}

// Abort ends a mailing for good and drops its handled recipients
func (e *Engine) Abort(uid int64) error {
	m, err := e.load(uid)
	if err != nil {
		return err
	}
	if m.Status == models.StatusSent || m.Status == models.StatusAborted {
		return transition(m, models.StatusAborted)
	}
	if err := e.mailings.UpdateStatus(uid, models.StatusAborted); err != nil {
		return err
	}
	if err := e.state.Clear(uid); err != nil {
		return fmt.Errorf("failed to clear handled recipients of mailing %d: %w", uid, err)
	}
	e.logger.Info("mailing aborted", "mailing", uid, "progress", m.DeliveryProgress)
	return nil
}

// Delete removes a mailing, its delivery log and its handled recipients
func (e *Engine) Delete(uid int64) error {
	if _, err := e.load(uid); err != nil {
		return err
	}
	if err := e.mailings.Delete(uid); err != nil {
		return err
	}
	if err := e.state.Clear(uid); err != nil {
		return fmt.Errorf("failed to clear handled recipients of mailing %d: %w", uid, err)
	}
	e.logger.Info("mailing deleted", "mailing", uid)
	return nil
}
