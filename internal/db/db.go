package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationPages,
		migrationCategories,
		migrationAddresses,
		migrationFrontendGroups,
		migrationFrontendUsers,
		migrationContacts,
		migrationGroups,
		migrationGroupRelations,
		migrationMailings,
		migrationLog,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationPages = `
CREATE TABLE IF NOT EXISTS pages (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    pid INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    hidden INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pages_pid ON pages(pid);
`

const migrationCategories = `
CREATE TABLE IF NOT EXISTS sys_category (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sys_category_record_mm (
    uid_local INTEGER NOT NULL,
    uid_foreign INTEGER NOT NULL,
    tablenames TEXT NOT NULL,
    PRIMARY KEY (uid_local, uid_foreign, tablenames)
);
CREATE INDEX IF NOT EXISTS idx_category_mm_foreign ON sys_category_record_mm(tablenames, uid_foreign);
`

const migrationAddresses = `
CREATE TABLE IF NOT EXISTS tt_address (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    pid INTEGER NOT NULL DEFAULT 0,
    name TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    middle_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    company TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    mail_active INTEGER NOT NULL DEFAULT 1,
    mail_html INTEGER NOT NULL DEFAULT 1,
    hidden INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tt_address_pid ON tt_address(pid);
`

const migrationFrontendGroups = `
CREATE TABLE IF NOT EXISTS fe_groups (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    pid INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    hidden INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0
);
`

const migrationFrontendUsers = `
CREATE TABLE IF NOT EXISTS fe_users (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    pid INTEGER NOT NULL DEFAULT 0,
    username TEXT NOT NULL DEFAULT '',
    usergroup TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    middle_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    telephone TEXT NOT NULL DEFAULT '',
    mobile TEXT NOT NULL DEFAULT '',
    company TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    mail_active INTEGER NOT NULL DEFAULT 1,
    mail_html INTEGER NOT NULL DEFAULT 1,
    disable INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_fe_users_pid ON fe_users(pid);
`

// Default backing table for the model record type
const migrationContacts = `
CREATE TABLE IF NOT EXISTS tx_mail_domain_model_contact (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    pid INTEGER NOT NULL DEFAULT 0,
    name TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    middle_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    mail_active INTEGER NOT NULL DEFAULT 1,
    mail_html INTEGER NOT NULL DEFAULT 1,
    hidden INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0
);
`

const migrationGroups = `
CREATE TABLE IF NOT EXISTS tx_mail_domain_model_group (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    pages TEXT NOT NULL DEFAULT '',
    recursive INTEGER NOT NULL DEFAULT 0,
    record_types INTEGER NOT NULL DEFAULT 0,
    categories TEXT NOT NULL DEFAULT '',
    model_source TEXT NOT NULL DEFAULT '',
    csv_data TEXT NOT NULL DEFAULT '',
    csv_file TEXT NOT NULL DEFAULT '',
    csv_separator TEXT NOT NULL DEFAULT ',',
    csv_enclosure TEXT NOT NULL DEFAULT '"',
    csv_field_names INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT 0
);
`

// Static members and child groups of a group
const migrationGroupRelations = `
CREATE TABLE IF NOT EXISTS tx_mail_group_mm (
    uid_local INTEGER NOT NULL REFERENCES tx_mail_domain_model_group(uid) ON DELETE CASCADE,
    uid_foreign INTEGER NOT NULL,
    tablenames TEXT NOT NULL,
    sorting INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (uid_local, uid_foreign, tablenames)
);
`

const migrationMailings = `
CREATE TABLE IF NOT EXISTS tx_mail_domain_model_mail (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL DEFAULT 'internal',
    subject TEXT NOT NULL DEFAULT '',
    from_email TEXT NOT NULL DEFAULT '',
    from_name TEXT NOT NULL DEFAULT '',
    reply_to_email TEXT NOT NULL DEFAULT '',
    reply_to_name TEXT NOT NULL DEFAULT '',
    return_path TEXT NOT NULL DEFAULT '',
    organisation TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 3,
    charset TEXT NOT NULL DEFAULT 'utf-8',
    send_options INTEGER NOT NULL DEFAULT 3,
    scheduled INTEGER NOT NULL DEFAULT 0,
    scheduled_begin INTEGER NOT NULL DEFAULT 0,
    scheduled_end INTEGER NOT NULL DEFAULT 0,
    redirect INTEGER NOT NULL DEFAULT 0,
    redirect_all INTEGER NOT NULL DEFAULT 0,
    auth_code_fields TEXT NOT NULL DEFAULT 'uid',
    html_content TEXT NOT NULL DEFAULT '',
    plain_content TEXT NOT NULL DEFAULT '',
    html_links JSON NOT NULL DEFAULT '[]',
    plain_links JSON NOT NULL DEFAULT '[]',
    prepared INTEGER NOT NULL DEFAULT 0,
    recipient_groups TEXT NOT NULL DEFAULT '',
    recipients JSON NOT NULL DEFAULT '{}',
    number_of_recipients INTEGER NOT NULL DEFAULT 0,
    delivery_progress INTEGER NOT NULL DEFAULT 0,
    attachments TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'draft',
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_mail_status ON tx_mail_domain_model_mail(status, scheduled);
`

const migrationLog = `
CREATE TABLE IF NOT EXISTS tx_mail_domain_model_log (
    uid INTEGER PRIMARY KEY AUTOINCREMENT,
    mail INTEGER NOT NULL REFERENCES tx_mail_domain_model_mail(uid) ON DELETE CASCADE,
    recipient_source TEXT NOT NULL DEFAULT '',
    recipient_uid TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    response_type TEXT NOT NULL,
    url_id INTEGER NOT NULL DEFAULT 0,
    url TEXT NOT NULL DEFAULT '',
    tstamp INTEGER NOT NULL,
    parse_time INTEGER NOT NULL DEFAULT 0,
    format_sent INTEGER NOT NULL DEFAULT 0,
    return_code INTEGER NOT NULL DEFAULT 0,
    return_content TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_log_recipient ON tx_mail_domain_model_log(mail, recipient_source, recipient_uid, response_type);
CREATE INDEX IF NOT EXISTS idx_log_dedup ON tx_mail_domain_model_log(mail, response_type, url_id, tstamp);
`
