package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/newsmail/internal/models"
)

type LogRepository struct {
	db *sql.DB
}

func NewLogRepository(db *sql.DB) *LogRepository {
	return &LogRepository{db: db}
}

// Insert appends a delivery log entry
func (r *LogRepository) Insert(e *models.DeliveryLogEntry) error {
	if e.Tstamp.IsZero() {
		e.Tstamp = time.Now()
	}
	res, err := r.db.Exec(`
		INSERT INTO tx_mail_domain_model_log (mail, recipient_source, recipient_uid, email, response_type,
			url_id, url, tstamp, parse_time, format_sent, return_code, return_content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Mail, e.RecipientSource, e.RecipientUID, e.Email, e.ResponseType,
		e.URLID, e.URL, e.Tstamp.Unix(), e.ParseTime, e.FormatSent, e.ReturnCode, e.ReturnContent,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	e.UID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read log uid: %w", err)
	}
	return nil
}

// InsertUnlessRecent appends e unless an entry with the same mailing, url, response type,
// url id and recipient exists with a timestamp inside window before e.Tstamp.
// Check and insert run as one statement. Returns whether a row was written.
func (r *LogRepository) InsertUnlessRecent(e *models.DeliveryLogEntry, window time.Duration) (bool, error) {
	if e.Tstamp.IsZero() {
		e.Tstamp = time.Now()
	}
	cutoff := e.Tstamp.Add(-window).Unix()

	res, err := r.db.Exec(`
		INSERT INTO tx_mail_domain_model_log (mail, recipient_source, recipient_uid, email, response_type,
			url_id, url, tstamp, parse_time, format_sent, return_code, return_content)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM tx_mail_domain_model_log
			WHERE mail = ? AND url = ? AND response_type = ? AND url_id = ?
				AND recipient_source = ? AND recipient_uid = ? AND tstamp >= ?
		)`,
		e.Mail, e.RecipientSource, e.RecipientUID, e.Email, e.ResponseType,
		e.URLID, e.URL, e.Tstamp.Unix(), e.ParseTime, e.FormatSent, e.ReturnCode, e.ReturnContent,
		e.Mail, e.URL, e.ResponseType, e.URLID, e.RecipientSource, e.RecipientUID, cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert log entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	e.UID, _ = res.LastInsertId()
	return true, nil
}

// FindByRecipient returns the latest entry of the given type for a recipient, or nil
func (r *LogRepository) FindByRecipient(mail int64, source, uid, responseType string) (*models.DeliveryLogEntry, error) {
	row := r.db.QueryRow(`
		SELECT uid, mail, recipient_source, recipient_uid, email, response_type, url_id, url, tstamp,
			parse_time, format_sent, return_code, return_content
		FROM tx_mail_domain_model_log
		WHERE mail = ? AND recipient_source = ? AND recipient_uid = ? AND response_type = ?
		ORDER BY uid DESC LIMIT 1`,
		mail, source, uid, responseType)

	e, err := scanLog(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// ListByMail returns all entries of a mailing, optionally restricted to one response type
func (r *LogRepository) ListByMail(mail int64, responseType string) ([]models.DeliveryLogEntry, error) {
	query := `
		SELECT uid, mail, recipient_source, recipient_uid, email, response_type, url_id, url, tstamp,
			parse_time, format_sent, return_code, return_content
		FROM tx_mail_domain_model_log WHERE mail = ?`
	args := []any{mail}
	if responseType != "" {
		query += " AND response_type = ?"
		args = append(args, responseType)
	}
	query += " ORDER BY uid"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.DeliveryLogEntry
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Stats counts entries per response type
func (r *LogRepository) Stats(mail int64) (*models.LogStats, error) {
	rows, err := r.db.Query(`
		SELECT response_type, COUNT(*) FROM tx_mail_domain_model_log WHERE mail = ? GROUP BY response_type`, mail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.LogStats{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		switch typ {
		case models.ResponseAll:
			stats.All = n
		case models.ResponseHTML:
			stats.HTML = n
		case models.ResponsePlain:
			stats.Plain = n
		case models.ResponsePing:
			stats.Ping = n
		case models.ResponseFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

func scanLog(row rowScanner) (*models.DeliveryLogEntry, error) {
	e := &models.DeliveryLogEntry{}
	var tstamp int64
	err := row.Scan(&e.UID, &e.Mail, &e.RecipientSource, &e.RecipientUID, &e.Email, &e.ResponseType,
		&e.URLID, &e.URL, &tstamp, &e.ParseTime, &e.FormatSent, &e.ReturnCode, &e.ReturnContent)
	if err != nil {
		return nil, err
	}
	e.Tstamp = fromUnix(tstamp)
	return e, nil
}
