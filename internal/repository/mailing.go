package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/newsmail/internal/models"
)

type MailingRepository struct {
	db *sql.DB
}

func NewMailingRepository(db *sql.DB) *MailingRepository {
	return &MailingRepository{db: db}
}

const mailingColumns = `uid, type, subject, from_email, from_name, reply_to_email, reply_to_name,
	return_path, organisation, priority, charset, send_options, scheduled, scheduled_begin, scheduled_end,
	redirect, redirect_all, auth_code_fields, html_content, plain_content, html_links, plain_links, prepared,
	recipient_groups, recipients, number_of_recipients, delivery_progress, attachments, status,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMailing(row rowScanner) (*models.Mailing, error) {
	m := &models.Mailing{}
	var scheduled, begin, end, createdAt, updatedAt int64
	var htmlLinks, plainLinks, groups, recipients, attachments string

	err := row.Scan(&m.UID, &m.Type, &m.Subject, &m.FromEmail, &m.FromName, &m.ReplyToEmail, &m.ReplyToName,
		&m.ReturnPath, &m.Organisation, &m.Priority, &m.Charset, &m.SendOptions, &scheduled, &begin, &end,
		&m.Redirect, &m.RedirectAll, &m.AuthCodeFields, &m.HTMLContent, &m.PlainContent, &htmlLinks, &plainLinks, &m.Prepared,
		&groups, &recipients, &m.NumberOfRecipients, &m.DeliveryProgress, &attachments, &m.Status,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	m.Scheduled = fromUnix(scheduled)
	m.ScheduledBegin = fromUnix(begin)
	m.ScheduledEnd = fromUnix(end)
	m.CreatedAt = fromUnix(createdAt)
	m.UpdatedAt = fromUnix(updatedAt)
	m.RecipientGroups = splitInts(groups)
	m.Attachments = splitList(attachments)

	if err := json.Unmarshal([]byte(htmlLinks), &m.HTMLLinks); err != nil {
		return nil, fmt.Errorf("failed to decode html links: %w", err)
	}
	if err := json.Unmarshal([]byte(plainLinks), &m.PlainLinks); err != nil {
		return nil, fmt.Errorf("failed to decode plain links: %w", err)
	}
	if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}

	return m, nil
}

// Create inserts a new mailing in draft state
func (r *MailingRepository) Create(m *models.Mailing) error {
	if m.Status == "" {
		m.Status = models.StatusDraft
	}
	if m.Type == "" {
		m.Type = models.MailTypeInternal
	}
	if m.Charset == "" {
		m.Charset = "utf-8"
	}
	if m.SendOptions == 0 {
		m.SendOptions = models.SendBoth
	}
	if m.Priority == 0 {
		m.Priority = 3
	}
	if m.AuthCodeFields == "" {
		m.AuthCodeFields = "uid"
	}
	m.CreatedAt = time.Now().Truncate(time.Second)
	m.UpdatedAt = m.CreatedAt

	htmlLinks, plainLinks, err := encodeLinks(m.HTMLLinks, m.PlainLinks)
	if err != nil {
		return err
	}
	recipients, err := encodeRecipients(m.Recipients)
	if err != nil {
		return err
	}

	res, err := r.db.Exec(`
		INSERT INTO tx_mail_domain_model_mail (type, subject, from_email, from_name, reply_to_email, reply_to_name,
			return_path, organisation, priority, charset, send_options, scheduled, scheduled_begin, scheduled_end,
			redirect, redirect_all, auth_code_fields, html_content, plain_content, html_links, plain_links, prepared,
			recipient_groups, recipients, number_of_recipients, delivery_progress, attachments, status,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Type, m.Subject, m.FromEmail, m.FromName, m.ReplyToEmail, m.ReplyToName,
		m.ReturnPath, m.Organisation, m.Priority, m.Charset, m.SendOptions, toUnix(m.Scheduled), toUnix(m.ScheduledBegin), toUnix(m.ScheduledEnd),
		m.Redirect, m.RedirectAll, m.AuthCodeFields, m.HTMLContent, m.PlainContent, htmlLinks, plainLinks, m.Prepared,
		joinInts(m.RecipientGroups), recipients, m.NumberOfRecipients, m.DeliveryProgress, strings.Join(m.Attachments, ","), m.Status,
		toUnix(m.CreatedAt), toUnix(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create mailing: %w", err)
	}

	m.UID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read mailing uid: %w", err)
	}
	return nil
}

// GetByID returns a mailing or nil when it does not exist
func (r *MailingRepository) GetByID(uid int64) (*models.Mailing, error) {
	row := r.db.QueryRow(`SELECT `+mailingColumns+` FROM tx_mail_domain_model_mail WHERE uid = ?`, uid)
	m, err := scanMailing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns mailings with optional filtering, newest first
func (r *MailingRepository) List(filter models.MailingListFilter) ([]models.Mailing, error) {
	query := `SELECT ` + mailingColumns + ` FROM tx_mail_domain_model_mail WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY uid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	return r.query(query, args...)
}

// ListDue returns scheduled or sending mailings whose scheduled time has passed.
// Order is scheduled time then uid so every tick processes mailings the same way.
func (r *MailingRepository) ListDue(now time.Time) ([]models.Mailing, error) {
	return r.query(`SELECT `+mailingColumns+` FROM tx_mail_domain_model_mail
		WHERE status IN (?, ?) AND scheduled > 0 AND scheduled <= ?
		ORDER BY scheduled, uid`,
		models.StatusScheduled, models.StatusSending, now.Unix())
}

// CountByStatus returns the number of mailings per status
func (r *MailingRepository) CountByStatus() (map[string]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM tx_mail_domain_model_mail GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *MailingRepository) query(query string, args ...any) ([]models.Mailing, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mailings []models.Mailing
	for rows.Next() {
		m, err := scanMailing(rows)
		if err != nil {
			return nil, err
		}
		mailings = append(mailings, *m)
	}
	return mailings, rows.Err()
}

// UpdateContent stores the rendered content and hyperlink tables and marks the mailing prepared
func (r *MailingRepository) UpdateContent(uid int64, html, plain string, htmlLinks, plainLinks []models.Link) error {
	hl, pl, err := encodeLinks(htmlLinks, plainLinks)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		UPDATE tx_mail_domain_model_mail
		SET html_content = ?, plain_content = ?, html_links = ?, plain_links = ?, prepared = 1, updated_at = ?
		WHERE uid = ?`,
		html, plain, hl, pl, time.Now().Unix(), uid)
	if err != nil {
		return fmt.Errorf("failed to update content: %w", err)
	}
	return nil
}

// UpdateStatus sets the lifecycle status
func (r *MailingRepository) UpdateStatus(uid int64, status string) error {
	_, err := r.db.Exec(`UPDATE tx_mail_domain_model_mail SET status = ?, updated_at = ? WHERE uid = ?`,
		status, time.Now().Unix(), uid)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// Schedule moves the mailing to scheduled at the given time
func (r *MailingRepository) Schedule(uid int64, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE tx_mail_domain_model_mail SET status = ?, scheduled = ?, updated_at = ? WHERE uid = ?`,
		models.StatusScheduled, at.Unix(), time.Now().Unix(), uid)
	if err != nil {
		return fmt.Errorf("failed to schedule mailing: %w", err)
	}
	return nil
}

// StartSending freezes the resolved recipient map and switches the mailing to sending
func (r *MailingRepository) StartSending(uid int64, recipients map[string][]string, total int, begin time.Time) error {
	encoded, err := encodeRecipients(recipients)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
		UPDATE tx_mail_domain_model_mail
		SET status = ?, recipients = ?, number_of_recipients = ?, scheduled_begin = ?, delivery_progress = 0, updated_at = ?
		WHERE uid = ?`,
		models.StatusSending, encoded, total, begin.Unix(), time.Now().Unix(), uid)
	if err != nil {
		return fmt.Errorf("failed to start sending: %w", err)
	}
	return nil
}

// UpdateProgress stores the delivery progress percentage
func (r *MailingRepository) UpdateProgress(uid int64, progress int) error {
	_, err := r.db.Exec(`UPDATE tx_mail_domain_model_mail SET delivery_progress = ?, updated_at = ? WHERE uid = ?`,
		progress, time.Now().Unix(), uid)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// MarkSent finishes a mailing that is still sending. It reports false when the
// mailing was paused or aborted in the meantime and nothing was changed.
func (r *MailingRepository) MarkSent(uid int64, end time.Time) (bool, error) {
	result, err := r.db.Exec(`
		UPDATE tx_mail_domain_model_mail
		SET status = ?, delivery_progress = 100, scheduled_end = ?, updated_at = ?
		WHERE uid = ? AND status = ?`,
		models.StatusSent, end.Unix(), time.Now().Unix(), uid, models.StatusSending)
	if err != nil {
		return false, fmt.Errorf("failed to mark mailing sent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark mailing sent: %w", err)
	}
	return n == 1, nil
}

// Delete removes a mailing together with its delivery log
func (r *MailingRepository) Delete(uid int64) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM tx_mail_domain_model_log WHERE mail = ?`, uid); err != nil {
		return fmt.Errorf("failed to delete log: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tx_mail_domain_model_mail WHERE uid = ?`, uid); err != nil {
		return fmt.Errorf("failed to delete mailing: %w", err)
	}
	return tx.Commit()
}

func encodeLinks(html, plain []models.Link) (string, string, error) {
	if html == nil {
		html = []models.Link{}
	}
	if plain == nil {
		plain = []models.Link{}
	}
	hl, err := json.Marshal(html)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode html links: %w", err)
	}
	pl, err := json.Marshal(plain)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode plain links: %w", err)
	}
	return string(hl), string(pl), nil
}

func encodeRecipients(recipients map[string][]string) (string, error) {
	if recipients == nil {
		return "{}", nil
	}
	data, err := json.Marshal(recipients)
	if err != nil {
		return "", fmt.Errorf("failed to encode recipients: %w", err)
	}
	return string(data), nil
}
