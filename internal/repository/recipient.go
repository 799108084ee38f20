package repository

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/foxzi/newsmail/internal/models"
)

// RecipientRepository reads recipient rows from address, frontend user and model tables.
// Tables are addressed by name; every table must carry uid, pid, email, mail_active,
// mail_html and deleted columns.
type RecipientRepository struct {
	db *sql.DB
}

func NewRecipientRepository(db *sql.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Fetch returns all columns of a row as strings, or nil when the row does not exist
func (r *RecipientRepository) Fetch(table string, uid int64) (map[string]string, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(`SELECT * FROM `+table+` WHERE uid = ? AND deleted = 0`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Load returns a single recipient with its categories, or nil
func (r *RecipientRepository) Load(source, table string, uid int64) (*models.Recipient, error) {
	fields, err := r.Fetch(table, uid)
	if err != nil || fields == nil {
		return nil, err
	}
	rcpt := toRecipient(source, fields)
	rcpt.Categories, err = r.Categories(table, uid)
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}

// ListByPages returns the rows of table stored on any of the given pages, ordered by uid
func (r *RecipientRepository) ListByPages(source, table string, pids []int64) ([]models.Recipient, error) {
	if len(pids) == 0 {
		return nil, nil
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(`SELECT * FROM `+table+` WHERE pid IN (`+placeholders(len(pids))+`) AND deleted = 0 ORDER BY uid`,
		int64Args(pids)...)
	if err != nil {
		return nil, err
	}
	records, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	return r.withCategories(source, table, records)
}

// FrontendGroupsOnPages returns the uids of frontend user groups stored on the given pages
func (r *RecipientRepository) FrontendGroupsOnPages(pids []int64) ([]int64, error) {
	if len(pids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(`SELECT uid FROM fe_groups WHERE pid IN (`+placeholders(len(pids))+`) AND deleted = 0 AND hidden = 0 ORDER BY uid`,
		int64Args(pids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// FrontendGroupMembers returns frontend users whose usergroup list contains groupUID
func (r *RecipientRepository) FrontendGroupMembers(source string, groupUID int64) ([]models.Recipient, error) {
	rows, err := r.db.Query(`
		SELECT * FROM fe_users
		WHERE (',' || usergroup || ',') LIKE ('%,' || ? || ',%') AND deleted = 0
		ORDER BY uid`, groupUID)
	if err != nil {
		return nil, err
	}
	records, err := scanRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	return r.withCategories(source, "fe_users", records)
}

// SubPages returns the direct children of a page
func (r *RecipientRepository) SubPages(pid int64) ([]int64, error) {
	rows, err := r.db.Query(`SELECT uid FROM pages WHERE pid = ? AND deleted = 0 ORDER BY uid`, pid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var uids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// Categories returns the category uids assigned to a row
func (r *RecipientRepository) Categories(table string, uid int64) ([]int64, error) {
	rows, err := r.db.Query(`
		SELECT uid_local FROM sys_category_record_mm WHERE tablenames = ? AND uid_foreign = ? ORDER BY uid_local`,
		table, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cats []int64
	for rows.Next() {
		var c int64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cats = append(cats, c)
	}
	return cats, rows.Err()
}

// AssignCategory links a category to a row
func (r *RecipientRepository) AssignCategory(table string, uid, category int64) error {
	_, err := r.db.Exec(`
		INSERT OR IGNORE INTO sys_category_record_mm (uid_local, uid_foreign, tablenames) VALUES (?, ?, ?)`,
		category, uid, table)
	if err != nil {
		return fmt.Errorf("failed to assign category: %w", err)
	}
	return nil
}

// Deactivate clears the mail_active flag of a row
func (r *RecipientRepository) Deactivate(table string, uid int64) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := r.db.Exec(`UPDATE `+table+` SET mail_active = 0 WHERE uid = ?`, uid); err != nil {
		return fmt.Errorf("failed to deactivate %s:%d: %w", table, uid, err)
	}
	return nil
}

func (r *RecipientRepository) withCategories(source, table string, records []map[string]string) ([]models.Recipient, error) {
	out := make([]models.Recipient, 0, len(records))
	for _, fields := range records {
		rcpt := toRecipient(source, fields)
		uid, _ := strconv.ParseInt(rcpt.UID, 10, 64)
		cats, err := r.Categories(table, uid)
		if err != nil {
			return nil, err
		}
		rcpt.Categories = cats
		out = append(out, *rcpt)
	}
	return out, nil
}

func toRecipient(source string, fields map[string]string) *models.Recipient {
	return &models.Recipient{
		Source:      source,
		UID:         fields["uid"],
		Email:       fields["email"],
		Name:        fields["name"],
		Active:      fields["mail_active"] != "0" && fields["hidden"] != "1" && fields["disable"] != "1",
		AcceptsHTML: fields["mail_html"] != "0",
		Fields:      fields,
	}
}

func scanRecords(rows *sql.Rows) ([]map[string]string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []map[string]string
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]string, len(cols))
		for i, col := range cols {
			record[col] = values[i].String
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
